// Package bybit implements the venue adapter for the Bybit v5 spot API
package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/buger/jsonparser"

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
	apiURL              = "https://api.bybit.com"
	publicWebsocketURL  = "wss://stream.bybit.com/v5/public/spot"
	privateWebsocketURL = "wss://stream.bybit.com/v5/private"

	testnetAPIURL              = "https://api-testnet.bybit.com"
	testnetPublicWebsocketURL  = "wss://stream-testnet.bybit.com/v5/public/spot"
	testnetPrivateWebsocketURL = "wss://stream-testnet.bybit.com/v5/private"

	serverTimePath    = "/v5/market/time"
	instrumentsPath   = "/v5/market/instruments-info"
	tickersPath       = "/v5/market/tickers"
	orderBookPath     = "/v5/market/orderbook"
	klinesPath        = "/v5/market/kline"
	recentTradesPath  = "/v5/market/recent-trade"
	createOrderPath   = "/v5/order/create"
	amendOrderPath    = "/v5/order/amend"
	cancelOrderPath   = "/v5/order/cancel"
	cancelAllPath     = "/v5/order/cancel-all"
	openOrdersPath    = "/v5/order/realtime"
	orderHistoryPath  = "/v5/order/history"
	executionsPath    = "/v5/execution/list"
	walletBalancePath = "/v5/account/wallet-balance"
	feeRatePath       = "/v5/account/fee-rate"

	spotCategory       = "spot"
	accountTypeUnified = "UNIFIED"

	// recvWindow bounds the clock skew the venue tolerates on signed requests
	recvWindow = "5000"
)

// quoteAssets orders the denominations used to split venue symbols when the
// market cache cannot resolve them
var quoteAssets = []string{
	"USDT", "USDC", "USDE", "BTC", "ETH", "EUR", "DAI", "BRZ",
}

// Bybit is the venue adapter for the Bybit v5 spot API
type Bybit struct {
	exchange.Base

	authMu sync.Mutex
	authC  chan error
}

// New returns a configured Bybit adapter
func New(cfg *exchange.Config) (*Bybit, error) {
	b := &Bybit{}
	b.SetDefaults()
	if err := b.Setup(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// SetDefaults sets the venue's immutable identity and capability map
func (b *Bybit) SetDefaults() {
	b.Name = "bybit"
	b.Hooks = b
	b.Encoding = exchange.JSONEncoding
	b.API.AuthenticatedSupport = true
	b.API.AuthenticatedWebsocketSupport = true
	b.API.Endpoints = exchange.NewEndpoints()
	b.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:         apiURL,
		exchange.WebsocketSpot:    publicWebsocketURL,
		exchange.WebsocketPrivate: privateWebsocketURL,
	})
	b.API.Endpoints.SetSandbox(map[exchange.URL]string{
		exchange.RestSpot:         testnetAPIURL,
		exchange.WebsocketSpot:    testnetPublicWebsocketURL,
		exchange.WebsocketPrivate: testnetPrivateWebsocketURL,
	})
	b.Requester = request.New(b.Name, new(http.Client), request.WithLimiter(rateLimits()))
	b.Fees = exchange.TradingFee{Maker: 0.001, Taker: 0.001}
	b.Features = exchange.Features{
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
	b.Timeframes = map[kline.Interval]string{
		kline.OneMin:     "1",
		kline.ThreeMin:   "3",
		kline.FiveMin:    "5",
		kline.FifteenMin: "15",
		kline.ThirtyMin:  "30",
		kline.OneHour:    "60",
		kline.TwoHour:    "120",
		kline.FourHour:   "240",
		kline.SixHour:    "360",
		kline.TwelveHour: "720",
		kline.OneDay:     "D",
		kline.OneWeek:    "W",
		kline.OneMonth:   "M",
	}
}

// Setup applies user configuration and wires the websocket session
func (b *Bybit) Setup(cfg *exchange.Config) error {
	if err := b.Base.Setup(cfg); err != nil {
		return err
	}
	ws := stream.NewWebsocket()
	err := ws.Setup(&stream.WebsocketSetup{
		ExchangeName: b.Name,
		Verbose:      b.Verbose,
		Logger:       *b.Log(),
		Connector:    b.WsConnect,
		Subscriber:   b.Subscribe,
		Unsubscriber: b.Unsubscribe,
	})
	if err != nil {
		return err
	}
	_, err = ws.SetupNewConnection(&stream.ConnectionSetup{
		URL:      b.EndpointURL(exchange.WebsocketSpot),
		ProxyURL: cfg.ProxyAddress,
		Reporter: cfg.StreamReporter,
	})
	if err != nil {
		return err
	}
	b.Websocket = ws
	return nil
}

// Sign implements the venue's request authentication. The signature covers
// the millisecond timestamp, the API key, the receive window and the request
// payload, where the payload is the encoded query string on GET and the body
// bytes on POST. Parameters are returned unaltered so the signed string and
// the wire query encode identically.
func (b *Bybit) Sign(method, _ string, params url.Values, body []byte) (*exchange.SignedRequest, error) {
	creds, err := b.GetCredentials()
	if err != nil {
		return nil, err
	}
	payload := params.Encode()
	if method == http.MethodPost {
		payload = string(body)
	}
	ts := strconv.FormatInt(b.Now().UnixMilli(), 10)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(ts+creds.Key+recvWindow+payload), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	return &exchange.SignedRequest{
		Params: params,
		Headers: map[string]string{
			"X-BAPI-API-KEY":     creds.Key,
			"X-BAPI-SIGN":        crypto.HexEncodeToString(mac),
			"X-BAPI-SIGN-TYPE":   "2",
			"X-BAPI-TIMESTAMP":   ts,
			"X-BAPI-RECV-WINDOW": recvWindow,
		},
	}, nil
}

// OnHTTPError maps the venue's error envelope onto the fault taxonomy.
// Returning nil defers to status-based classification.
func (b *Bybit) OnHTTPError(status int, body []byte) error {
	code, err := jsonparser.GetInt(body, "retCode")
	if err != nil || code == 0 {
		return nil
	}
	msg, _ := jsonparser.GetString(body, "retMsg")
	return errs.Classify(b.Name, errorCodes, strconv.FormatInt(code, 10), msg).WithHTTP(status)
}

// Unwrap validates the {retCode,retMsg,result} envelope and returns the
// result payload
func (b *Bybit) Unwrap(body []byte) ([]byte, error) {
	code, err := jsonparser.GetInt(body, "retCode")
	if err != nil {
		return body, nil
	}
	if code != 0 {
		msg, _ := jsonparser.GetString(body, "retMsg")
		return nil, errs.Classify(b.Name, errorCodes, strconv.FormatInt(code, 10), msg)
	}
	result, _, _, resultErr := jsonparser.Get(body, "result")
	if resultErr != nil {
		return body, nil
	}
	return result, nil
}

// errorCodes maps the venue's error codes onto the fault taxonomy
var errorCodes = errs.CodeTable{
	"10001":  errs.ErrBadRequest,
	"10002":  errs.ErrBadRequest,
	"10003":  errs.ErrAuthentication,
	"10004":  errs.ErrAuthentication,
	"10005":  errs.ErrAuthentication,
	"10006":  errs.ErrRateLimitExceeded,
	"10010":  errs.ErrAuthentication,
	"10016":  errs.ErrExchangeNotAvailable,
	"10018":  errs.ErrRateLimitExceeded,
	"33004":  errs.ErrAuthentication,
	"170001": errs.ErrExchange,
	"170121": errs.ErrBadSymbol,
	"170124": errs.ErrInvalidOrder,
	"170130": errs.ErrBadRequest,
	"170131": errs.ErrInsufficientFunds,
	"170140": errs.ErrInvalidOrder,
	"170193": errs.ErrInvalidOrder,
	"170194": errs.ErrInvalidOrder,
	"170213": errs.ErrOrderNotFound,
}

// toVenueSymbol renders a canonical pair in the venue's concatenated
// uppercase form
func toVenueSymbol(p currency.Pair) string {
	return p.Format("", true)
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to quote-suffix splitting before markets are loaded
func (b *Bybit) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := b.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	return exchange.SplitVenueSymbol(id, quoteAssets)
}

// GetServerTime returns the venue clock
func (b *Bybit) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp ServerTime
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     serverTimePath,
		Endpoint: timeRate,
		Result:   &resp,
	})
	if err != nil {
		return time.Time{}, err
	}
	nanos, err := strconv.ParseInt(resp.TimeNano, 10, 64)
	if err != nil {
		return time.Time{}, errs.New(b.Name, errs.ErrExchange, "undecodable server time: "+resp.TimeNano)
	}
	return time.Unix(0, nanos), nil
}

// GetInstruments returns the venue's instrument catalogue for one category
func (b *Bybit) GetInstruments(ctx context.Context, category string) (*InstrumentsResult, error) {
	params := url.Values{}
	params.Set("category", category)
	var resp InstrumentsResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     instrumentsPath,
		Params:   params,
		Endpoint: instrumentsRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTickers returns 24h statistics, narrowed to one instrument when symbol
// is set
func (b *Bybit) GetTickers(ctx context.Context, symbol string) ([]TickerData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp TickersResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tickersPath,
		Params:   params,
		Endpoint: tickersRate,
		Result:   &resp,
	})
	return resp.List, err
}

// GetOrderBook returns aggregated depth for an instrument
func (b *Bybit) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBookData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	params.Set("symbol", symbol)
	if depth > 0 {
		params.Set("limit", strconv.Itoa(depth))
	}
	var resp OrderBookData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     orderBookPath,
		Params:   params,
		Endpoint: orderBookRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetKlines returns candles at the venue's native interval notation, newest
// first
func (b *Bybit) GetKlines(ctx context.Context, symbol, interval string, since time.Time, limit int) ([]CandleData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp KlinesResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     klinesPath,
		Params:   params,
		Endpoint: klinesRate,
		Result:   &resp,
	})
	return resp.List, err
}

// GetRecentTrades returns recent public trades, newest first
func (b *Bybit) GetRecentTrades(ctx context.Context, symbol string, limit int) ([]TradeData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp TradesResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     recentTradesPath,
		Params:   params,
		Endpoint: tradesRate,
		Result:   &resp,
	})
	return resp.List, err
}

// PlaceOrder submits an order and returns its acknowledgement
func (b *Bybit) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderAck, error) {
	if req == nil {
		return nil, fmt.Errorf("%s place order: %w", b.Name, common.ErrNilPointer)
	}
	var resp OrderAck
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     createOrderPath,
		Body:     req,
		Signed:   true,
		Endpoint: createOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// AmendExistingOrder adjusts a resting order's size or price
func (b *Bybit) AmendExistingOrder(ctx context.Context, req *AmendOrderRequest) (*OrderAck, error) {
	if req == nil {
		return nil, fmt.Errorf("%s amend order: %w", b.Name, common.ErrNilPointer)
	}
	var resp OrderAck
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     amendOrderPath,
		Body:     req,
		Signed:   true,
		Endpoint: amendOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelExistingOrder cancels one order
func (b *Bybit) CancelExistingOrder(ctx context.Context, req *CancelOrderRequest) error {
	if req == nil {
		return fmt.Errorf("%s cancel order: %w", b.Name, common.ErrNilPointer)
	}
	var resp OrderAck
	return b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelOrderPath,
		Body:     req,
		Signed:   true,
		Endpoint: cancelOrderRate,
		Result:   &resp,
	})
}

// CancelAllSpotOrders cancels every resting spot order, narrowed to one
// instrument when symbol is set, and returns the cancelled ids
func (b *Bybit) CancelAllSpotOrders(ctx context.Context, symbol string) ([]OrderAck, error) {
	var resp CancelAllResult
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelAllPath,
		Body:     &CancelAllRequest{Category: spotCategory, Symbol: symbol},
		Signed:   true,
		Endpoint: cancelAllRate,
		Result:   &resp,
	})
	return resp.List, err
}

// GetOpenOrders returns resting orders, narrowed by symbol or order id when
// set
func (b *Bybit) GetOpenOrders(ctx context.Context, symbol, orderID string) ([]OrderData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	var resp OrdersResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     openOrdersPath,
		Params:   params,
		Signed:   true,
		Endpoint: openOrdersRate,
		Result:   &resp,
	})
	return resp.List, err
}

// GetOrderHistory returns completed orders, newest first
func (b *Bybit) GetOrderHistory(ctx context.Context, symbol, orderID string, since time.Time, limit int) ([]OrderData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp OrdersResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     orderHistoryPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderHistoryRate,
		Result:   &resp,
	})
	return resp.List, err
}

// GetExecutions returns the caller's fills, newest first
func (b *Bybit) GetExecutions(ctx context.Context, symbol string, since time.Time, limit int) ([]ExecutionData, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp ExecutionsResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     executionsPath,
		Params:   params,
		Signed:   true,
		Endpoint: executionsRate,
		Result:   &resp,
	})
	return resp.List, err
}

// GetWalletBalance returns the unified trading account snapshot
func (b *Bybit) GetWalletBalance(ctx context.Context) (*WalletAccount, error) {
	params := url.Values{}
	params.Set("accountType", accountTypeUnified)
	var resp WalletResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     walletBalancePath,
		Params:   params,
		Signed:   true,
		Endpoint: walletRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.List) == 0 {
		return nil, errs.New(b.Name, errs.ErrExchange, "wallet response carried no rows")
	}
	return &resp.List[0], nil
}

// GetFeeRates returns the account's spot fee schedule, narrowed to one
// instrument when symbol is set
func (b *Bybit) GetFeeRates(ctx context.Context, symbol string) ([]FeeRate, error) {
	params := url.Values{}
	params.Set("category", spotCategory)
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp FeeRateResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     feeRatePath,
		Params:   params,
		Signed:   true,
		Endpoint: accountFeeRate,
		Result:   &resp,
	})
	return resp.List, err
}
