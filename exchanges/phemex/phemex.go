// Package phemex implements the venue adapter for the Phemex spot API
package phemex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	"github.com/shopspring/decimal"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/common/crypto"
	"github.com/calder-labs/unicex/currency"
	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/stream"
)

const (
	apiURL = "https://api.phemex.com"
	wsURL  = "wss://ws.phemex.com"

	testnetAPIURL = "https://testnet-api.phemex.com"
	testnetWsURL  = "wss://testnet-api.phemex.com/ws"

	serverTimePath   = "/public/time"
	productsPath     = "/public/products"
	tickerPath       = "/md/spot/ticker/24hr"
	tickerAllPath    = "/md/spot/ticker/24hr/all"
	orderBookPath    = "/md/orderbook"
	tradesPath       = "/md/trade"
	klinePath        = "/exchange/public/md/v2/kline"
	ordersPath       = "/spot/orders"
	cancelAllPath    = "/spot/orders/all"
	activeOrderPath  = "/spot/orders/active"
	orderHistoryPath = "/api-data/spots/orders"
	orderByIDPath    = "/api-data/spots/orders/by-order-id"
	fillsPath        = "/api-data/spots/trades"
	walletsPath      = "/spot/wallets"

	// spotScale is the fixed power of ten the venue applies to every spot
	// figure on the wire: prices (Ep), quantities and values (Ev) and fee
	// ratios (Er) all travel as integers scaled by 10^8
	spotScale = 8

	// requestExpiry is the forward window stamped on signed requests. The
	// venue rejects any request arriving past its expiry second.
	requestExpiry = 60

	productTypeSpot   = "Spot"
	productStatusLive = "Listed"

	qtyByBase  = "ByBase"
	qtyByQuote = "ByQuote"

	triggerByLast = "ByLastPrice"
)

// quoteAssets orders the denominations used to split venue symbols when the
// market cache cannot resolve them
var quoteAssets = []string{
	"USDT", "USDC", "USD", "BTC", "ETH", "TRY", "BRZ",
}

// Phemex is the venue adapter for the Phemex spot API
type Phemex struct {
	exchange.Base
}

// New returns a configured Phemex adapter
func New(cfg *exchange.Config) (*Phemex, error) {
	p := &Phemex{}
	p.SetDefaults()
	if err := p.Setup(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// SetDefaults sets the venue's immutable identity and capability map
func (p *Phemex) SetDefaults() {
	p.Name = "phemex"
	p.Hooks = p
	p.Encoding = exchange.JSONEncoding
	p.API.AuthenticatedSupport = true
	p.API.AuthenticatedWebsocketSupport = true
	p.API.Endpoints = exchange.NewEndpoints()
	p.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:      apiURL,
		exchange.WebsocketSpot: wsURL,
	})
	p.API.Endpoints.SetSandbox(map[exchange.URL]string{
		exchange.RestSpot:      testnetAPIURL,
		exchange.WebsocketSpot: testnetWsURL,
	})
	p.Requester = request.New(p.Name, new(http.Client), request.WithLimiter(rateLimits()))
	p.Fees = exchange.TradingFee{Maker: 0.001, Taker: 0.001}
	p.Features = exchange.Features{
		exchange.OpFetchTime:         true,
		exchange.OpLoadMarkets:       true,
		exchange.OpFetchTicker:       true,
		exchange.OpFetchTickers:      true,
		exchange.OpFetchOrderBook:    true,
		exchange.OpFetchTrades:       true,
		exchange.OpFetchOHLCV:        true,
		exchange.OpCreateOrder:       true,
		exchange.OpAmendOrder:        true,
		exchange.OpCancelOrder:       true,
		exchange.OpCancelAllOrders:   true,
		exchange.OpFetchOrder:        true,
		exchange.OpFetchOpenOrders:   true,
		exchange.OpFetchClosedOrders: true,
		exchange.OpFetchMyTrades:     true,
		exchange.OpFetchBalance:      true,
		exchange.OpFetchTradingFees:  true,
		exchange.OpWatchTicker:       true,
		exchange.OpWatchOrderBook:    true,
		exchange.OpWatchTrades:       true,
		exchange.OpWatchKlines:       true,
		exchange.OpWatchBalance:      true,
		exchange.OpWatchOrders:       true,
	}
	p.Timeframes = map[kline.Interval]string{
		kline.OneMin:     "60",
		kline.FiveMin:    "300",
		kline.FifteenMin: "900",
		kline.ThirtyMin:  "1800",
		kline.OneHour:    "3600",
		kline.FourHour:   "14400",
		kline.OneDay:     "86400",
		kline.OneWeek:    "604800",
		kline.OneMonth:   "2592000",
	}
}

// Setup applies user configuration and wires the websocket session. The
// venue multiplexes public and private traffic over one connection, so the
// private topics authenticate in band rather than on a second dial.
func (p *Phemex) Setup(cfg *exchange.Config) error {
	if err := p.Base.Setup(cfg); err != nil {
		return err
	}
	ws := stream.NewWebsocket()
	err := ws.Setup(&stream.WebsocketSetup{
		ExchangeName: p.Name,
		Verbose:      p.Verbose,
		Logger:       *p.Log(),
		Connector:    p.WsConnect,
		Subscriber:   p.Subscribe,
		Unsubscriber: p.Unsubscribe,
	})
	if err != nil {
		return err
	}
	_, err = ws.SetupNewConnection(&stream.ConnectionSetup{
		URL:      p.EndpointURL(exchange.WebsocketSpot),
		ProxyURL: cfg.ProxyAddress,
		Reporter: cfg.StreamReporter,
	})
	if err != nil {
		return err
	}
	p.Websocket = ws
	return nil
}

// Sign implements the venue's request authentication. The signature seals
// the path, the encoded query string, the expiry second and the exact body
// bytes under HMAC-SHA256 keyed with the base64 decoded secret. Parameters
// are returned unaltered so the signed string and the wire query encode
// identically.
func (p *Phemex) Sign(_, path string, params url.Values, body []byte) (*exchange.SignedRequest, error) {
	creds, err := p.GetCredentials()
	if err != nil {
		return nil, err
	}
	secret, err := crypto.Base64Decode(creds.Secret)
	if err != nil {
		return nil, fmt.Errorf("%s: decoding api secret: %w", p.Name, err)
	}
	expiry := strconv.FormatInt(p.Now().Unix()+requestExpiry, 10)
	payload := path + params.Encode() + expiry + string(body)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(payload), secret)
	if err != nil {
		return nil, err
	}
	return &exchange.SignedRequest{
		Params: params,
		Headers: map[string]string{
			"x-phemex-access-token":      creds.Key,
			"x-phemex-request-expiry":    expiry,
			"x-phemex-request-signature": crypto.HexEncodeToString(mac),
		},
	}, nil
}

// OnHTTPError maps the venue's error envelopes onto the fault taxonomy.
// Returning nil defers to status-based classification.
func (p *Phemex) OnHTTPError(status int, body []byte) error {
	if code, msg, ok := envelopeError(body); ok {
		return p.classifyError(code, msg).WithHTTP(status)
	}
	return nil
}

// Unwrap validates the venue's response envelopes and returns the inner
// payload. Trading endpoints answer {code,msg,data} while market data
// endpoints answer {error,id,result}; bodies matching neither shape pass
// through untouched.
func (p *Phemex) Unwrap(body []byte) ([]byte, error) {
	if code, msg, ok := envelopeError(body); ok {
		return nil, p.classifyError(code, msg)
	}
	if _, err := jsonparser.GetInt(body, "code"); err == nil {
		return envelopePayload(body, "data"), nil
	}
	if _, t, _, err := jsonparser.Get(body, "error"); err == nil && t == jsonparser.Null {
		return envelopePayload(body, "result"), nil
	}
	return body, nil
}

// envelopeError reads the failure detail out of either envelope shape,
// reporting ok only when the body carries one
func envelopeError(body []byte) (code int64, msg string, ok bool) {
	if code, err := jsonparser.GetInt(body, "code"); err == nil && code != 0 {
		msg, _ := jsonparser.GetString(body, "msg")
		return code, msg, true
	}
	if code, err := jsonparser.GetInt(body, "error", "code"); err == nil {
		msg, _ := jsonparser.GetString(body, "error", "message")
		return code, msg, true
	}
	return 0, "", false
}

// envelopePayload extracts the named payload field, mapping absent or null
// payloads onto an empty body
func envelopePayload(body []byte, key string) []byte {
	data, t, _, err := jsonparser.Get(body, key)
	if err != nil || t == jsonparser.NotExist || t == jsonparser.Null {
		return nil
	}
	return data
}

// classifyError folds a venue failure onto the taxonomy. Message text
// refines the generic argument error, which covers unknown symbols and
// balance shortfalls too.
func (p *Phemex) classifyError(code int64, msg string) *errs.Error {
	raw := strconv.FormatInt(code, 10)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "symbol") {
		return errs.New(p.Name, errs.ErrBadSymbol, msg).WithCode(raw)
	}
	if strings.Contains(lower, "balance") {
		return errs.New(p.Name, errs.ErrInsufficientFunds, msg).WithCode(raw)
	}
	return errs.Classify(p.Name, errorCodes, raw, msg)
}

// errorCodes maps the venue's documented failure codes onto the taxonomy
var errorCodes = errs.CodeTable{
	"401":   errs.ErrAuthentication,
	"6001":  errs.ErrBadRequest,
	"10001": errs.ErrInvalidOrder,
	"10002": errs.ErrOrderNotFound,
	"11001": errs.ErrInsufficientFunds,
	"19999": errs.ErrBadRequest,
	"39999": errs.ErrExchange,
}

// fromScaled converts a wire integer to its real value
func fromScaled(v int64) float64 {
	return decimal.New(v, -spotScale).InexactFloat64()
}

// toScaled converts a real value to the wire integer representation
func toScaled(v float64) int64 {
	return decimal.NewFromFloat(v).Shift(spotScale).Round(0).IntPart()
}

// scaleDecimals reports the decimal places a scaled step admits, e.g. a tick
// of 1000000 is 0.01 and two places
func scaleDecimals(ev int64) int {
	if ev <= 0 {
		return 0
	}
	d := spotScale
	for ev%10 == 0 && d > 0 {
		ev /= 10
		d--
	}
	return d
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to splitting the concatenation behind the leading spot marker
func (p *Phemex) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := p.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	stripped, ok := strings.CutPrefix(id, "s")
	if ok {
		for _, q := range quoteAssets {
			if base, found := strings.CutSuffix(stripped, q); found && base != "" {
				return currency.NewPair(currency.NewCode(base), currency.NewCode(q)), nil
			}
		}
	}
	return currency.Pair{}, errs.New(p.Name, errs.ErrBadSymbol, "unresolvable venue symbol "+id)
}

// GetServerTime returns the venue clock
func (p *Phemex) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp ServerTime
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     serverTimePath,
		Endpoint: timeRate,
		Result:   &resp,
	})
	if err != nil {
		return time.Time{}, err
	}
	return resp.ServerTime.Time(), nil
}

// GetProducts returns the product catalogue covering every traded
// instrument class
func (p *Phemex) GetProducts(ctx context.Context) (*Products, error) {
	var resp Products
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     productsPath,
		Endpoint: productsRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTicker24h returns 24h rolling statistics for one symbol
func (p *Phemex) GetTicker24h(ctx context.Context, symbol string) (*Ticker, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp Ticker
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     tickerPath,
		Params:   params,
		Endpoint: tickerRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTickers24h returns 24h rolling statistics for every spot symbol
func (p *Phemex) GetTickers24h(ctx context.Context) ([]Ticker, error) {
	var resp []Ticker
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     tickerAllPath,
		Endpoint: tickerBatchRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderBook returns aggregated depth at the venue's fixed 30 level tier
func (p *Phemex) GetOrderBook(ctx context.Context, symbol string) (*OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp OrderBook
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     orderBookPath,
		Params:   params,
		Endpoint: bookRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrades returns recent public executions, newest first
func (p *Phemex) GetTrades(ctx context.Context, symbol string) (*Trades, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp Trades
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     tradesPath,
		Params:   params,
		Endpoint: tradeRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetKlines returns candles at the venue's second-denominated resolution,
// oldest first. A zero since leaves the window to the venue default.
func (p *Phemex) GetKlines(ctx context.Context, symbol, resolution string, since time.Time, limit int) ([]KlineRow, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("resolution", resolution)
	if !since.IsZero() {
		params.Set("from", strconv.FormatInt(since.Unix(), 10))
		params.Set("to", strconv.FormatInt(p.Now().Unix(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp KlineData
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     klinePath,
		Params:   params,
		Endpoint: klineRate,
		Result:   &resp,
	})
	return resp.Rows, err
}

// PlaceOrder submits a new spot order
func (p *Phemex) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*SpotOrder, error) {
	if req == nil {
		return nil, fmt.Errorf("%s place order: %w", p.Name, common.ErrNilPointer)
	}
	var resp SpotOrder
	err := p.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     ordersPath,
		Body:     req,
		Signed:   true,
		Endpoint: orderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReplaceOrder adjusts a resting order's price or size. Unset fields keep
// their current values.
func (p *Phemex) ReplaceOrder(ctx context.Context, symbol, orderID string, priceEp, baseQtyEv int64) (*SpotOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderID", orderID)
	if priceEp > 0 {
		params.Set("priceEp", strconv.FormatInt(priceEp, 10))
	}
	if baseQtyEv > 0 {
		params.Set("baseQtyEv", strconv.FormatInt(baseQtyEv, 10))
	}
	var resp SpotOrder
	err := p.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPut,
		Path:     ordersPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelSpotOrder withdraws one resting order
func (p *Phemex) CancelSpotOrder(ctx context.Context, symbol, orderID string) (*SpotOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderID", orderID)
	var resp SpotOrder
	err := p.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodDelete,
		Path:     ordersPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelAll withdraws every resting order on one symbol
func (p *Phemex) CancelAll(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return p.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodDelete,
		Path:     cancelAllPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderRate,
	})
}

// GetActiveOrder returns one live order by venue id
func (p *Phemex) GetActiveOrder(ctx context.Context, symbol, orderID string) (*SpotOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderID", orderID)
	var resp SpotOrder
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     activeOrderPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderQueryRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOpenOrders returns every live order on one symbol
func (p *Phemex) GetOpenOrders(ctx context.Context, symbol string) ([]SpotOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp OrderRows
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     ordersPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderQueryRate,
		Result:   &resp,
	})
	return resp.Rows, err
}

// GetOrderHistory returns settled orders on one symbol, newest first
func (p *Phemex) GetOrderHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]SpotOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp OrderRows
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     orderHistoryPath,
		Params:   params,
		Signed:   true,
		Endpoint: historyRate,
		Result:   &resp,
	})
	return resp.Rows, err
}

// GetOrderByID returns a settled order from the history store by venue id
func (p *Phemex) GetOrderByID(ctx context.Context, symbol, orderID string) ([]SpotOrder, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderID", orderID)
	var resp []SpotOrder
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     orderByIDPath,
		Params:   params,
		Signed:   true,
		Endpoint: historyRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTradeHistory returns the account's executions on one symbol, newest
// first
func (p *Phemex) GetTradeHistory(ctx context.Context, symbol string, since time.Time, limit int) ([]SpotFill, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp FillRows
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     fillsPath,
		Params:   params,
		Signed:   true,
		Endpoint: historyRate,
		Result:   &resp,
	})
	return resp.Rows, err
}

// GetWallets returns the account's spot currency balances
func (p *Phemex) GetWallets(ctx context.Context) ([]SpotWallet, error) {
	var resp []SpotWallet
	err := p.SendRequest(ctx, &exchange.Request{
		Path:     walletsPath,
		Signed:   true,
		Endpoint: walletRate,
		Result:   &resp,
	})
	return resp, err
}
