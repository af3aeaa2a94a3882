// Package okx implements the venue adapter for the OKX v5 spot API
package okx

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
	apiURL              = "https://www.okx.com"
	publicWebsocketURL  = "wss://ws.okx.com:8443/ws/v5/public"
	privateWebsocketURL = "wss://ws.okx.com:8443/ws/v5/private"

	demoPublicWebsocketURL  = "wss://wspap.okx.com:8443/ws/v5/public"
	demoPrivateWebsocketURL = "wss://wspap.okx.com:8443/ws/v5/private"

	serverTimePath    = "/api/v5/public/time"
	instrumentsPath   = "/api/v5/public/instruments"
	tickersPath       = "/api/v5/market/tickers"
	tickerPath        = "/api/v5/market/ticker"
	orderBookPath     = "/api/v5/market/books"
	candlesPath       = "/api/v5/market/candles"
	tradesPath        = "/api/v5/market/trades"
	orderPath         = "/api/v5/trade/order"
	cancelOrderPath   = "/api/v5/trade/cancel-order"
	cancelBatchPath   = "/api/v5/trade/cancel-batch-orders"
	amendOrderPath    = "/api/v5/trade/amend-order"
	pendingOrdersPath = "/api/v5/trade/orders-pending"
	orderHistoryPath  = "/api/v5/trade/orders-history"
	fillsPath         = "/api/v5/trade/fills"
	balancePath       = "/api/v5/account/balance"
	tradeFeePath      = "/api/v5/account/trade-fee"

	// signatureTimeFormat renders the signing timestamp with millisecond
	// precision and a literal Z, exactly as the venue validates it
	signatureTimeFormat = "2006-01-02T15:04:05.000Z"

	spotInstType = "SPOT"
)

// Okx is the venue adapter for the OKX v5 spot API
type Okx struct {
	exchange.Base

	// demoTrading marks requests for the venue's paper trading environment
	demoTrading bool

	loginMu sync.Mutex
	loginC  chan error
}

// New returns a configured Okx adapter
func New(cfg *exchange.Config) (*Okx, error) {
	o := &Okx{}
	o.SetDefaults()
	if err := o.Setup(cfg); err != nil {
		return nil, err
	}
	return o, nil
}

// SetDefaults sets the venue's immutable identity and capability map
func (o *Okx) SetDefaults() {
	o.Name = "okx"
	o.Hooks = o
	o.API.AuthenticatedSupport = true
	o.API.AuthenticatedWebsocketSupport = true
	o.API.CredentialsValidator.RequiresPassphrase = true
	o.API.Endpoints = exchange.NewEndpoints()
	o.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:         apiURL,
		exchange.WebsocketSpot:    publicWebsocketURL,
		exchange.WebsocketPrivate: privateWebsocketURL,
	})
	// Demo trading keeps the REST host and flags requests with a header;
	// only the websocket hosts differ
	o.API.Endpoints.SetSandbox(map[exchange.URL]string{
		exchange.RestSpot:         apiURL,
		exchange.WebsocketSpot:    demoPublicWebsocketURL,
		exchange.WebsocketPrivate: demoPrivateWebsocketURL,
	})
	o.Requester = request.New(o.Name, new(http.Client), request.WithLimiter(rateLimits()))
	o.Fees = exchange.TradingFee{Maker: 0.0008, Taker: 0.001}
	o.Features = exchange.Features{
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
	o.Timeframes = map[kline.Interval]string{
		kline.OneSecond:  "1s",
		kline.OneMin:     "1m",
		kline.ThreeMin:   "3m",
		kline.FiveMin:    "5m",
		kline.FifteenMin: "15m",
		kline.ThirtyMin:  "30m",
		kline.OneHour:    "1H",
		kline.TwoHour:    "2H",
		kline.FourHour:   "4H",
		kline.SixHour:    "6H",
		kline.TwelveHour: "12H",
		kline.OneDay:     "1D",
		kline.OneWeek:    "1W",
		kline.OneMonth:   "1M",
	}
}

// Setup applies user configuration and wires the websocket session
func (o *Okx) Setup(cfg *exchange.Config) error {
	if err := o.Base.Setup(cfg); err != nil {
		return err
	}
	o.demoTrading = cfg.Sandbox
	ws := stream.NewWebsocket()
	err := ws.Setup(&stream.WebsocketSetup{
		ExchangeName: o.Name,
		Verbose:      o.Verbose,
		Logger:       *o.Log(),
		Connector:    o.WsConnect,
		Subscriber:   o.Subscribe,
		Unsubscriber: o.Unsubscribe,
	})
	if err != nil {
		return err
	}
	_, err = ws.SetupNewConnection(&stream.ConnectionSetup{
		URL:      o.EndpointURL(exchange.WebsocketSpot),
		ProxyURL: cfg.ProxyAddress,
		Reporter: cfg.StreamReporter,
	})
	if err != nil {
		return err
	}
	o.Websocket = ws
	return nil
}

// Sign implements the venue's request authentication. The signature covers
// the ISO timestamp, the method and the full request path including the query
// string, plus the body bytes, so the composed path is returned pre-assembled
// to keep the signed bytes on the wire.
func (o *Okx) Sign(method, path string, params url.Values, body []byte) (*exchange.SignedRequest, error) {
	creds, err := o.GetCredentials()
	if err != nil {
		return nil, err
	}
	requestPath := path
	if len(params) > 0 {
		requestPath += "?" + params.Encode()
	}
	ts := o.Now().UTC().Format(signatureTimeFormat)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(ts+method+requestPath+string(body)), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	headers := map[string]string{
		"OK-ACCESS-KEY":        creds.Key,
		"OK-ACCESS-SIGN":       crypto.Base64Encode(mac),
		"OK-ACCESS-TIMESTAMP":  ts,
		"OK-ACCESS-PASSPHRASE": creds.Passphrase,
	}
	if o.demoTrading {
		headers["x-simulated-trading"] = "1"
	}
	return &exchange.SignedRequest{
		Path:    requestPath,
		Headers: headers,
	}, nil
}

// OnHTTPError maps the venue's error envelope onto the fault taxonomy.
// Returning nil defers to status-based classification.
func (o *Okx) OnHTTPError(status int, body []byte) error {
	code, err := jsonparser.GetString(body, "code")
	if err != nil || code == "" || code == "0" {
		return nil
	}
	msg, _ := jsonparser.GetString(body, "msg")
	return errs.Classify(o.Name, errorCodes, code, msg).WithHTTP(status)
}

// Unwrap validates the {code,msg,data} envelope and returns the data payload.
// Trade endpoints report item level rejections under envelope codes 1 and 2;
// their rows pass through so per item codes can be surfaced precisely.
func (o *Okx) Unwrap(body []byte) ([]byte, error) {
	code, err := jsonparser.GetString(body, "code")
	if err != nil {
		return body, nil
	}
	data, _, _, dataErr := jsonparser.Get(body, "data")
	switch {
	case code == "0":
	case (code == "1" || code == "2") && dataErr == nil && len(data) > 2:
	default:
		msg, _ := jsonparser.GetString(body, "msg")
		return nil, errs.Classify(o.Name, errorCodes, code, msg)
	}
	if dataErr != nil {
		return body, nil
	}
	return data, nil
}

// errorCodes maps the venue's error codes onto the fault taxonomy
var errorCodes = errs.CodeTable{
	"50011": errs.ErrRateLimitExceeded,
	"50013": errs.ErrExchangeNotAvailable,
	"50026": errs.ErrExchangeNotAvailable,
	"50100": errs.ErrAuthentication,
	"50102": errs.ErrAuthentication,
	"50103": errs.ErrAuthentication,
	"50104": errs.ErrAuthentication,
	"50105": errs.ErrAuthentication,
	"50111": errs.ErrAuthentication,
	"50113": errs.ErrAuthentication,
	"50114": errs.ErrAuthentication,
	"51000": errs.ErrBadRequest,
	"51001": errs.ErrBadSymbol,
	"51008": errs.ErrInsufficientFunds,
	"51020": errs.ErrInvalidOrder,
	"51094": errs.ErrInvalidOrder,
	"51400": errs.ErrOrderNotFound,
	"51503": errs.ErrOrderNotFound,
	"51603": errs.ErrOrderNotFound,
	"60009": errs.ErrAuthentication,
	"60022": errs.ErrAuthentication,
}

// resultError surfaces a per item rejection from a trade endpoint
func (o *Okx) resultError(r *OrderResult) error {
	if r.StatusCode == "" || r.StatusCode == "0" {
		return nil
	}
	return errs.Classify(o.Name, errorCodes, r.StatusCode, r.StatusMessage)
}

// pairFromSymbol resolves a venue instrument id through the market cache,
// falling back to splitting on the venue's dash delimiter
func (o *Okx) pairFromSymbol(id string) (currency.Pair, error) {
	m, err := o.MarketByID(id)
	if err == nil {
		return m.Pair, nil
	}
	if p, pErr := currency.NewPairDelimiter(id, "-"); pErr == nil {
		return currency.Pair{Base: p.Base, Quote: p.Quote, Delimiter: "/"}, nil
	}
	return currency.Pair{}, err
}

// GetServerTime returns the venue clock
func (o *Okx) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp []ServerTime
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     serverTimePath,
		Endpoint: timeRate,
		Result:   &resp,
	})
	if err != nil {
		return time.Time{}, err
	}
	if len(resp) == 0 {
		return time.Time{}, errs.New(o.Name, errs.ErrExchange, "time response carried no rows")
	}
	return resp[0].Timestamp.Time(), nil
}

// GetInstruments returns the venue's instrument catalogue for one type
func (o *Okx) GetInstruments(ctx context.Context, instType string) ([]Instrument, error) {
	params := url.Values{}
	params.Set("instType", instType)
	var resp []Instrument
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     instrumentsPath,
		Params:   params,
		Endpoint: instrumentsRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTicker returns 24h statistics for one instrument
func (o *Okx) GetTicker(ctx context.Context, instID string) (*TickerData, error) {
	params := url.Values{}
	params.Set("instId", instID)
	var resp []TickerData
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     tickerPath,
		Params:   params,
		Endpoint: tickersRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrBadSymbol, instID)
	}
	return &resp[0], nil
}

// GetTickers returns 24h statistics for every instrument of one type
func (o *Okx) GetTickers(ctx context.Context, instType string) ([]TickerData, error) {
	params := url.Values{}
	params.Set("instType", instType)
	var resp []TickerData
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     tickersPath,
		Params:   params,
		Endpoint: tickersRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderBook returns aggregated depth for an instrument
func (o *Okx) GetOrderBook(ctx context.Context, instID string, depth int) (*OrderBookData, error) {
	params := url.Values{}
	params.Set("instId", instID)
	if depth > 0 {
		params.Set("sz", strconv.Itoa(depth))
	}
	var resp []OrderBookData
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     orderBookPath,
		Params:   params,
		Endpoint: orderBookRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrExchange, "book response carried no rows")
	}
	return &resp[0], nil
}

// GetCandlesticks returns candles at the venue's native bar notation, newest
// first
func (o *Okx) GetCandlesticks(ctx context.Context, instID, bar string, since time.Time, limit int) ([]CandleData, error) {
	params := url.Values{}
	params.Set("instId", instID)
	params.Set("bar", bar)
	if !since.IsZero() {
		// The window opens just under the requested time so a candle at
		// exactly since is included
		params.Set("before", strconv.FormatInt(since.UnixMilli()-1, 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []CandleData
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     candlesPath,
		Params:   params,
		Endpoint: candlesRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTrades returns recent public trades, newest first
func (o *Okx) GetTrades(ctx context.Context, instID string, limit int) ([]TradeData, error) {
	params := url.Values{}
	params.Set("instId", instID)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []TradeData
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     tradesPath,
		Params:   params,
		Endpoint: tradesRate,
		Result:   &resp,
	})
	return resp, err
}

// PlaceOrder submits an order and returns its acknowledgement
func (o *Okx) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%s place order: %w", o.Name, common.ErrNilPointer)
	}
	var resp []OrderResult
	err := o.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderPath,
		Body:     req,
		Signed:   true,
		Endpoint: placeOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrExchange, "order response carried no rows")
	}
	if err := o.resultError(&resp[0]); err != nil {
		return nil, err
	}
	return &resp[0], nil
}

// AmendExistingOrder adjusts a resting order's size or price
func (o *Okx) AmendExistingOrder(ctx context.Context, req *AmendOrderRequest) (*OrderResult, error) {
	if req == nil {
		return nil, fmt.Errorf("%s amend order: %w", o.Name, common.ErrNilPointer)
	}
	var resp []OrderResult
	err := o.SendRequest(ctx, &exchange.Request{
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
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrExchange, "amend response carried no rows")
	}
	if err := o.resultError(&resp[0]); err != nil {
		return nil, err
	}
	return &resp[0], nil
}

// CancelExistingOrder cancels one order
func (o *Okx) CancelExistingOrder(ctx context.Context, req *CancelOrderRequest) error {
	if req == nil {
		return fmt.Errorf("%s cancel order: %w", o.Name, common.ErrNilPointer)
	}
	var resp []OrderResult
	err := o.SendRequest(ctx, &exchange.Request{
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
	if len(resp) == 0 {
		return errs.New(o.Name, errs.ErrExchange, "cancel response carried no rows")
	}
	return o.resultError(&resp[0])
}

// CancelBatchOrders cancels up to twenty orders in one call and returns the
// per order acknowledgements
func (o *Okx) CancelBatchOrders(ctx context.Context, reqs []CancelOrderRequest) ([]OrderResult, error) {
	var resp []OrderResult
	err := o.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelBatchPath,
		Body:     reqs,
		Signed:   true,
		Endpoint: cancelBatchRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderDetail returns one order's current state
func (o *Okx) GetOrderDetail(ctx context.Context, instID, orderID, clientOrderID string) (*OrderDetail, error) {
	params := url.Values{}
	params.Set("instId", instID)
	if orderID != "" {
		params.Set("ordId", orderID)
	}
	if clientOrderID != "" {
		params.Set("clOrdId", clientOrderID)
	}
	var resp []OrderDetail
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     orderPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderDetailRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrOrderNotFound, orderID)
	}
	return &resp[0], nil
}

// GetPendingOrders returns resting orders, venue wide when instID is empty
func (o *Okx) GetPendingOrders(ctx context.Context, instID string) ([]OrderDetail, error) {
	params := url.Values{}
	params.Set("instType", spotInstType)
	if instID != "" {
		params.Set("instId", instID)
	}
	var resp []OrderDetail
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     pendingOrdersPath,
		Params:   params,
		Signed:   true,
		Endpoint: pendingOrdersRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderHistory returns completed orders from the last seven days, newest
// first
func (o *Okx) GetOrderHistory(ctx context.Context, instID string, since time.Time, limit int) ([]OrderDetail, error) {
	params := url.Values{}
	params.Set("instType", spotInstType)
	if instID != "" {
		params.Set("instId", instID)
	}
	if !since.IsZero() {
		params.Set("begin", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []OrderDetail
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     orderHistoryPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderHistoryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTransactionDetails returns the caller's fills, newest first
func (o *Okx) GetTransactionDetails(ctx context.Context, instID string, since time.Time, limit int) ([]FillData, error) {
	params := url.Values{}
	params.Set("instType", spotInstType)
	if instID != "" {
		params.Set("instId", instID)
	}
	if !since.IsZero() {
		params.Set("begin", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []FillData
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     fillsPath,
		Params:   params,
		Signed:   true,
		Endpoint: fillsRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAccountBalance returns the trading account snapshot
func (o *Okx) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	var resp []AccountBalance
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     balancePath,
		Signed:   true,
		Endpoint: accountBalanceRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrExchange, "balance response carried no rows")
	}
	return &resp[0], nil
}

// GetTradeFeeRates returns the account's fee schedule for one instrument
// type, narrowed to an instrument when instID is set
func (o *Okx) GetTradeFeeRates(ctx context.Context, instType, instID string) (*TradeFeeRate, error) {
	params := url.Values{}
	params.Set("instType", instType)
	if instID != "" {
		params.Set("instId", instID)
	}
	var resp []TradeFeeRate
	err := o.SendRequest(ctx, &exchange.Request{
		Path:     tradeFeePath,
		Params:   params,
		Signed:   true,
		Endpoint: tradeFeeRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(o.Name, errs.ErrExchange, "fee response carried no rows")
	}
	return &resp[0], nil
}
