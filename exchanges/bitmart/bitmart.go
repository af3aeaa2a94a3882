// Package bitmart implements the venue adapter for the BitMart spot API
package bitmart

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
	apiURL              = "https://api-cloud.bitmart.com"
	publicWebsocketURL  = "wss://ws-manager-compress.bitmart.com/api?protocol=1.1"
	privateWebsocketURL = "wss://ws-manager-compress.bitmart.com/user?protocol=1.1"

	systemTimePath    = "/system/time"
	symbolsPath       = "/spot/v1/symbols/details"
	currenciesPath    = "/spot/v1/currencies"
	tickerPath        = "/spot/quotation/v3/ticker"
	tickersPath       = "/spot/quotation/v3/tickers"
	booksPath         = "/spot/quotation/v3/books"
	tradesPath        = "/spot/quotation/v3/trades"
	klinesPath        = "/spot/quotation/v3/klines"
	submitOrderPath   = "/spot/v2/submit_order"
	cancelOrderPath   = "/spot/v3/cancel_order"
	cancelAllPath     = "/spot/v1/cancel_orders"
	queryOrderPath    = "/spot/v4/query/order"
	openOrdersPath    = "/spot/v4/query/open-orders"
	historyOrdersPath = "/spot/v4/query/history-orders"
	accountTradesPath = "/spot/v4/query/trades"
	walletPath        = "/spot/v1/wallet"
	tradeFeePath      = "/spot/v1/trade_fee"
	userFeePath       = "/spot/v1/user_fee"

	// successCode is the envelope code the venue sets on every successful
	// response
	successCode = 1000
)

// Bitmart is the venue adapter for the BitMart spot API
type Bitmart struct {
	exchange.Base

	loginMu sync.Mutex
	loginC  chan error
}

// New returns a configured Bitmart adapter
func New(cfg *exchange.Config) (*Bitmart, error) {
	b := &Bitmart{}
	b.SetDefaults()
	if err := b.Setup(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// SetDefaults sets the venue's immutable identity and capability map
func (b *Bitmart) SetDefaults() {
	b.Name = "bitmart"
	b.Hooks = b
	b.Encoding = exchange.JSONEncoding
	b.API.AuthenticatedSupport = true
	b.API.AuthenticatedWebsocketSupport = true
	b.API.CredentialsValidator.RequiresPassphrase = true
	b.API.Endpoints = exchange.NewEndpoints()
	b.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:         apiURL,
		exchange.WebsocketSpot:    publicWebsocketURL,
		exchange.WebsocketPrivate: privateWebsocketURL,
	})
	b.Requester = request.New(b.Name, new(http.Client), request.WithLimiter(rateLimits()))
	b.Fees = exchange.TradingFee{Maker: 0.0025, Taker: 0.0025}
	b.Features = exchange.Features{
		exchange.OpFetchTime:         true,
		exchange.OpLoadMarkets:       true,
		exchange.OpFetchTicker:       true,
		exchange.OpFetchTickers:      true,
		exchange.OpFetchOrderBook:    true,
		exchange.OpFetchTrades:       true,
		exchange.OpFetchOHLCV:        true,
		exchange.OpCreateOrder:       true,
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
		kline.OneDay:     "1440",
		kline.OneWeek:    "10080",
		kline.OneMonth:   "43200",
	}
}

// Setup applies user configuration and wires the websocket session
func (b *Bitmart) Setup(cfg *exchange.Config) error {
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
// the millisecond timestamp, the account memo and the request payload joined
// with '#', where the payload is the encoded query string on GET and the
// body bytes on POST. Parameters are returned unaltered so the signed string
// and the wire query encode identically.
func (b *Bitmart) Sign(method, _ string, params url.Values, body []byte) (*exchange.SignedRequest, error) {
	creds, err := b.GetCredentials()
	if err != nil {
		return nil, err
	}
	payload := params.Encode()
	if method == http.MethodPost {
		payload = string(body)
	}
	ts := strconv.FormatInt(b.Now().UnixMilli(), 10)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(ts+"#"+creds.Passphrase+"#"+payload), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	return &exchange.SignedRequest{
		Params: params,
		Headers: map[string]string{
			"X-BM-KEY":       creds.Key,
			"X-BM-SIGN":      crypto.HexEncodeToString(mac),
			"X-BM-TIMESTAMP": ts,
		},
	}, nil
}

// OnHTTPError maps the venue's error envelope onto the fault taxonomy.
// Returning nil defers to status-based classification.
func (b *Bitmart) OnHTTPError(status int, body []byte) error {
	code, err := jsonparser.GetInt(body, "code")
	if err != nil || code == 0 || code == successCode {
		return nil
	}
	msg, _ := jsonparser.GetString(body, "message")
	return errs.Classify(b.Name, errorCodes, strconv.FormatInt(code, 10), msg).WithHTTP(status)
}

// Unwrap validates the {code,message,data} envelope and returns the data
// payload. Endpoints that acknowledge with a bare envelope carry a null
// data member.
func (b *Bitmart) Unwrap(body []byte) ([]byte, error) {
	code, err := jsonparser.GetInt(body, "code")
	if err != nil {
		return body, nil
	}
	if code != successCode {
		msg, _ := jsonparser.GetString(body, "message")
		return nil, errs.Classify(b.Name, errorCodes, strconv.FormatInt(code, 10), msg)
	}
	data, t, _, dataErr := jsonparser.Get(body, "data")
	if dataErr != nil {
		return body, nil
	}
	if t == jsonparser.Null {
		return nil, nil
	}
	return data, nil
}

// errorCodes maps the venue's error codes onto the fault taxonomy
var errorCodes = errs.CodeTable{
	"30000": errs.ErrBadRequest,
	"30001": errs.ErrAuthentication,
	"30002": errs.ErrAuthentication,
	"30003": errs.ErrAuthentication,
	"30004": errs.ErrAuthentication,
	"30005": errs.ErrAuthentication,
	"30006": errs.ErrAuthentication,
	"30007": errs.ErrAuthentication,
	"30008": errs.ErrAuthentication,
	"30010": errs.ErrAuthentication,
	"30011": errs.ErrAuthentication,
	"30012": errs.ErrAuthentication,
	"30013": errs.ErrRateLimitExceeded,
	"30014": errs.ErrExchangeNotAvailable,
	"50000": errs.ErrBadRequest,
	"50001": errs.ErrBadSymbol,
	"50002": errs.ErrBadRequest,
	"50005": errs.ErrOrderNotFound,
	"50006": errs.ErrInvalidOrder,
	"50007": errs.ErrInvalidOrder,
	"50009": errs.ErrInvalidOrder,
	"50010": errs.ErrInvalidOrder,
	"50020": errs.ErrInsufficientFunds,
	"50030": errs.ErrOrderNotFound,
	"53000": errs.ErrAuthentication,
	"59999": errs.ErrExchangeNotAvailable,
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to underscore splitting before markets are loaded
func (b *Bitmart) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := b.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	return currency.NewPairDelimiter(id, "_")
}

// GetSystemTime returns the venue clock
func (b *Bitmart) GetSystemTime(ctx context.Context) (time.Time, error) {
	var resp ServerTime
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     systemTimePath,
		Endpoint: timeRate,
		Result:   &resp,
	})
	if err != nil {
		return time.Time{}, err
	}
	return resp.ServerTime.Time(), nil
}

// GetSymbolsDetails returns the venue's symbol catalogue
func (b *Bitmart) GetSymbolsDetails(ctx context.Context) ([]SymbolDetail, error) {
	var resp SymbolsDetails
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     symbolsPath,
		Endpoint: symbolsRate,
		Result:   &resp,
	})
	return resp.Symbols, err
}

// GetCurrencies returns the venue's currency listing with per-currency
// amount precision
func (b *Bitmart) GetCurrencies(ctx context.Context) ([]CurrencyDetail, error) {
	var resp CurrencyCatalogue
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     currenciesPath,
		Endpoint: currenciesRate,
		Result:   &resp,
	})
	return resp.Currencies, err
}

// GetTicker returns 24h statistics for one symbol
func (b *Bitmart) GetTicker(ctx context.Context, symbol string) (*TickerData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp TickerData
	err := b.SendRequest(ctx, &exchange.Request{
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

// GetTickers returns 24h statistics for every symbol in positional array
// form
func (b *Bitmart) GetTickers(ctx context.Context) ([]TickerRow, error) {
	var resp []TickerRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tickersPath,
		Endpoint: tickersRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderBook returns an order book snapshot, at venue default depth when
// limit is zero
func (b *Bitmart) GetOrderBook(ctx context.Context, symbol string, limit int64) (*BookData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.FormatInt(limit, 10))
	}
	var resp BookData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     booksPath,
		Params:   params,
		Endpoint: booksRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrades returns recent public trades, newest first
func (b *Bitmart) GetTrades(ctx context.Context, symbol string, limit int64) ([]TradeRow, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.FormatInt(limit, 10))
	}
	var resp []TradeRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tradesPath,
		Params:   params,
		Endpoint: tradesRate,
		Result:   &resp,
	})
	return resp, err
}

// GetKlines returns candles for one symbol. The step is the interval in
// minutes and the window walks forward from the second before since so the
// boundary candle is included.
func (b *Bitmart) GetKlines(ctx context.Context, symbol, step string, since time.Time, limit int64) ([]CandleRow, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("step", step)
	if !since.IsZero() {
		params.Set("after", strconv.FormatInt(since.Unix()-1, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.FormatInt(limit, 10))
	}
	var resp []CandleRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     klinesPath,
		Params:   params,
		Endpoint: klinesRate,
		Result:   &resp,
	})
	return resp, err
}

// SubmitOrder submits an order and returns its acknowledgement
func (b *Bitmart) SubmitOrder(ctx context.Context, req *SubmitOrderRequest) (*SubmitOrderResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%s submit order: %w", b.Name, common.ErrNilPointer)
	}
	var resp SubmitOrderResult
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     submitOrderPath,
		Body:     req,
		Signed:   true,
		Endpoint: submitOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelExistingOrder cancels one order by venue order id or client order
// id. The venue acknowledges cancels of unknown orders with result false.
func (b *Bitmart) CancelExistingOrder(ctx context.Context, req *CancelOrderRequest) error {
	if req == nil {
		return fmt.Errorf("%s cancel order: %w", b.Name, common.ErrNilPointer)
	}
	var resp CancelResult
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelOrderPath,
		Body:     req,
		Signed:   true,
		Endpoint: cancelOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return err
	}
	if !resp.Result {
		return errs.New(b.Name, errs.ErrOrderNotFound, "cancel changed nothing")
	}
	return nil
}

// CancelAllSpotOrders cancels every open order, optionally narrowed to one
// symbol
func (b *Bitmart) CancelAllSpotOrders(ctx context.Context, req *CancelAllRequest) error {
	if req == nil {
		req = &CancelAllRequest{}
	}
	return b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelAllPath,
		Body:     req,
		Signed:   true,
		Endpoint: cancelAllRate,
	})
}

// QueryOrder returns one order by venue order id
func (b *Bitmart) QueryOrder(ctx context.Context, orderID string) (*OrderData, error) {
	var resp OrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     queryOrderPath,
		Body:     &QueryOrderRequest{OrderID: orderID},
		Signed:   true,
		Endpoint: queryOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOpenOrders returns resting orders, newest first
func (b *Bitmart) GetOpenOrders(ctx context.Context, req *QueryOrdersRequest) ([]OrderData, error) {
	if req == nil {
		req = &QueryOrdersRequest{}
	}
	var resp []OrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     openOrdersPath,
		Body:     req,
		Signed:   true,
		Endpoint: openOrdersRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderHistory returns completed orders, newest first
func (b *Bitmart) GetOrderHistory(ctx context.Context, req *QueryOrdersRequest) ([]OrderData, error) {
	if req == nil {
		req = &QueryOrdersRequest{}
	}
	var resp []OrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     historyOrdersPath,
		Body:     req,
		Signed:   true,
		Endpoint: historyOrdersRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAccountTrades returns the account's fills, newest first
func (b *Bitmart) GetAccountTrades(ctx context.Context, req *QueryOrdersRequest) ([]FillData, error) {
	if req == nil {
		req = &QueryOrdersRequest{}
	}
	var resp []FillData
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     accountTradesPath,
		Body:     req,
		Signed:   true,
		Endpoint: accountTradesRate,
		Result:   &resp,
	})
	return resp, err
}

// GetWallet returns the spot wallet balances
func (b *Bitmart) GetWallet(ctx context.Context) ([]WalletBalance, error) {
	var resp WalletResult
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     walletPath,
		Signed:   true,
		Endpoint: walletRate,
		Result:   &resp,
	})
	return resp.Wallet, err
}

// GetSymbolTradeFee returns the account's fee rates on one symbol
func (b *Bitmart) GetSymbolTradeFee(ctx context.Context, symbol string) (*SymbolFee, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp SymbolFee
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tradeFeePath,
		Params:   params,
		Signed:   true,
		Endpoint: tradeFeeRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAccountTradeFee returns the account's fee tier
func (b *Bitmart) GetAccountTradeFee(ctx context.Context) (*AccountFee, error) {
	var resp AccountFee
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     userFeePath,
		Signed:   true,
		Endpoint: userFeeRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
