// Package binance implements the venue adapter for the Binance spot API
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"

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
	apiURL       = "https://api.binance.com"
	websocketURL = "wss://stream.binance.com:9443"

	testnetAPIURL       = "https://testnet.binance.vision"
	testnetWebsocketURL = "wss://stream.testnet.binance.vision"

	serverTimePath    = "/api/v3/time"
	pingPath          = "/api/v3/ping"
	exchangeInfoPath  = "/api/v3/exchangeInfo"
	orderBookPath     = "/api/v3/depth"
	tickerStatsPath   = "/api/v3/ticker/24hr"
	aggTradesPath     = "/api/v3/aggTrades"
	klinesPath        = "/api/v3/klines"
	orderPath         = "/api/v3/order"
	cancelReplacePath = "/api/v3/order/cancelReplace"
	openOrdersPath    = "/api/v3/openOrders"
	allOrdersPath     = "/api/v3/allOrders"
	myTradesPath      = "/api/v3/myTrades"
	accountPath       = "/api/v3/account"
	tradeFeePath      = "/sapi/v1/asset/tradeFee"
	userDataPath      = "/api/v3/userDataStream"

	apiKeyHeader = "X-MBX-APIKEY"

	defaultRecvWindow = 5 * time.Second
)

// quoteAssets orders the denominations used to split venue symbols when the
// market cache cannot resolve them
var quoteAssets = []string{
	"USDT", "USDC", "FDUSD", "TUSD", "BUSD", "DAI",
	"BTC", "ETH", "BNB", "TRY", "EUR", "GBP", "BRL", "JPY",
}

// Binance is the venue adapter for the Binance spot API
type Binance struct {
	exchange.Base

	listenKeyMu sync.Mutex
	listenKey   string
}

// New returns a configured Binance adapter
func New(cfg *exchange.Config) (*Binance, error) {
	b := &Binance{}
	b.SetDefaults()
	if err := b.Setup(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// SetDefaults sets the venue's immutable identity and capability map
func (b *Binance) SetDefaults() {
	b.Name = "binance"
	b.Encoding = exchange.QueryEncoding
	b.Hooks = b
	b.API.AuthenticatedSupport = true
	b.API.AuthenticatedWebsocketSupport = true
	b.API.Endpoints = exchange.NewEndpoints()
	b.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:      apiURL,
		exchange.WebsocketSpot: websocketURL,
	})
	b.API.Endpoints.SetSandbox(map[exchange.URL]string{
		exchange.RestSpot:      testnetAPIURL,
		exchange.WebsocketSpot: testnetWebsocketURL,
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
		kline.OneSecond:  "1s",
		kline.OneMin:     "1m",
		kline.ThreeMin:   "3m",
		kline.FiveMin:    "5m",
		kline.FifteenMin: "15m",
		kline.ThirtyMin:  "30m",
		kline.OneHour:    "1h",
		kline.TwoHour:    "2h",
		kline.FourHour:   "4h",
		kline.SixHour:    "6h",
		kline.EightHour:  "8h",
		kline.TwelveHour: "12h",
		kline.OneDay:     "1d",
		kline.ThreeDay:   "3d",
		kline.OneWeek:    "1w",
		kline.OneMonth:   "1M",
	}
}

// Setup applies user configuration and wires the websocket session
func (b *Binance) Setup(cfg *exchange.Config) error {
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
		URL:      b.EndpointURL(exchange.WebsocketSpot) + "/stream",
		ProxyURL: cfg.ProxyAddress,
		Reporter: cfg.StreamReporter,
	})
	if err != nil {
		return err
	}
	b.Websocket = ws
	return nil
}

// Sign implements the venue's request authentication. User parameters are
// signed in sorted order followed by timestamp and recvWindow, and the
// signature becomes the final query parameter. The composed query must reach
// the wire byte for byte, so the full path is returned pre-assembled.
func (b *Binance) Sign(_, path string, params url.Values, _ []byte) (*exchange.SignedRequest, error) {
	creds, err := b.GetCredentials()
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	rw := params.Get("recvWindow")
	params.Del("recvWindow")
	params.Del("timestamp")
	params.Del("signature")
	if rw == "" {
		rw = strconv.FormatInt(defaultRecvWindow.Milliseconds(), 10)
		if v, ok := b.Option("recvWindow"); ok {
			switch n := v.(type) {
			case int:
				rw = strconv.Itoa(n)
			case int64:
				rw = strconv.FormatInt(n, 10)
			case time.Duration:
				rw = strconv.FormatInt(n.Milliseconds(), 10)
			}
		}
	}
	var payload strings.Builder
	if encoded := params.Encode(); encoded != "" {
		payload.WriteString(encoded)
		payload.WriteByte('&')
	}
	payload.WriteString("timestamp=")
	payload.WriteString(strconv.FormatInt(b.Now().UnixMilli(), 10))
	payload.WriteString("&recvWindow=")
	payload.WriteString(rw)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(payload.String()), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	return &exchange.SignedRequest{
		Path:    path + "?" + payload.String() + "&signature=" + crypto.HexEncodeToString(mac),
		Headers: map[string]string{apiKeyHeader: creds.Key},
	}, nil
}

// OnHeaders resyncs the shared weight bucket from the venue's usage header
func (b *Binance) OnHeaders(h http.Header) {
	v := h.Get("X-MBX-USED-WEIGHT-1M")
	if v == "" {
		return
	}
	used, err := strconv.Atoi(v)
	if err != nil {
		return
	}
	if err := b.Requester.UpdateRateLimitFromHeader(spotDefaultRate, used); err != nil {
		b.Log().Debug().Err(err).Msg("weight header resync")
	}
	reset := b.Now().Truncate(time.Minute).Add(time.Minute)
	b.ReportRateLimitUsage(used, spotRequestRate, reset)
}

// OnHTTPError maps the venue's {code,msg} error document onto the fault
// taxonomy. Returning nil defers to status-based classification.
func (b *Binance) OnHTTPError(status int, body []byte) error {
	if e := b.classifyBody(status, body); e != nil {
		return e
	}
	return nil
}

// Unwrap detects error documents delivered with a 200 status. Binance has no
// success envelope, so any object carrying a non-zero code and a message is a
// fault and everything else passes through untouched.
func (b *Binance) Unwrap(body []byte) ([]byte, error) {
	if len(body) > 0 && body[0] == '{' {
		if e := b.classifyBody(0, body); e != nil {
			return nil, e
		}
	}
	return body, nil
}

// errorCodes maps the venue's numeric error codes onto the fault taxonomy
var errorCodes = errs.CodeTable{
	"-1002": errs.ErrAuthentication,
	"-1003": errs.ErrRateLimitExceeded,
	"-1013": errs.ErrInvalidOrder,
	"-1021": errs.ErrBadRequest,
	"-1022": errs.ErrAuthentication,
	"-1100": errs.ErrBadRequest,
	"-1102": errs.ErrBadRequest,
	"-1121": errs.ErrBadSymbol,
	"-2010": errs.ErrInsufficientFunds,
	"-2011": errs.ErrOrderNotFound,
	"-2013": errs.ErrOrderNotFound,
	"-2014": errs.ErrAuthentication,
	"-2015": errs.ErrAuthentication,
}

func (b *Binance) classifyBody(status int, body []byte) *errs.Error {
	code, err := jsonparser.GetInt(body, "code")
	if err != nil || code == 0 {
		return nil
	}
	msg, err := jsonparser.GetString(body, "msg")
	if err != nil {
		return nil
	}
	e := errs.Classify(b.Name, errorCodes, strconv.FormatInt(code, 10), msg)
	if status != 0 {
		e = e.WithHTTP(status)
	}
	return e
}

// toVenueSymbol renders a canonical pair in the venue's concatenated
// uppercase form
func toVenueSymbol(p currency.Pair) string {
	return p.Format("", true)
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to quote-suffix splitting before markets are loaded
func (b *Binance) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := b.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	return exchange.SplitVenueSymbol(id, quoteAssets)
}

// Ping checks REST connectivity
func (b *Binance) Ping(ctx context.Context) error {
	return b.SendRequest(ctx, &exchange.Request{
		Path:     pingPath,
		Endpoint: spotDefaultRate,
		Result:   &struct{}{},
	})
}

// GetServerTime returns the venue clock
func (b *Binance) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp ServerTime
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     serverTimePath,
		Endpoint: spotDefaultRate,
		Result:   &resp,
	})
	if err != nil {
		return time.Time{}, err
	}
	return resp.ServerTime.Time(), nil
}

// GetExchangeInfo returns the venue's full instrument catalogue
func (b *Binance) GetExchangeInfo(ctx context.Context) (*ExchangeInfo, error) {
	var resp ExchangeInfo
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     exchangeInfoPath,
		Endpoint: spotExchangeInfoRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrderBook returns aggregated depth for a symbol. Weight scales with the
// requested level count.
func (b *Binance) GetOrderBook(ctx context.Context, symbol string, limit int) (*OrderBookData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp OrderBookData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     orderBookPath,
		Params:   params,
		Endpoint: orderbookDepthRate(limit),
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetPriceChangeStats returns 24h rolling statistics for one symbol
func (b *Binance) GetPriceChangeStats(ctx context.Context, symbol string) (*PriceChangeStats, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var resp PriceChangeStats
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tickerStatsPath,
		Params:   params,
		Endpoint: spotTickerRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetAllPriceChangeStats returns 24h rolling statistics for every symbol
func (b *Binance) GetAllPriceChangeStats(ctx context.Context) ([]PriceChangeStats, error) {
	var resp []PriceChangeStats
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tickerStatsPath,
		Endpoint: spotTickerAllRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAggregatedTrades returns compressed public trades, newest last
func (b *Binance) GetAggregatedTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]AggregatedTrade, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []AggregatedTrade
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     aggTradesPath,
		Params:   params,
		Endpoint: spotAggTradesRate,
		Result:   &resp,
	})
	return resp, err
}

// GetKlines returns candles for a symbol at the venue's native interval
// notation, oldest first
func (b *Binance) GetKlines(ctx context.Context, symbol, interval string, since time.Time, limit int) ([]CandleStick, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []CandleStick
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     klinesPath,
		Params:   params,
		Endpoint: spotKlineRate,
		Result:   &resp,
	})
	return resp, err
}

// NewOrderRequest is the raw order placement form
type NewOrderRequest struct {
	Symbol           string
	Side             string
	TradeType        string
	TimeInForce      string
	Quantity         float64
	Price            float64
	StopPrice        float64
	NewClientOrderID string
}

// NewOrder places an order and returns the immediate fill state
func (b *Binance) NewOrder(ctx context.Context, o *NewOrderRequest) (*NewOrderResponse, error) {
	if o == nil {
		return nil, fmt.Errorf("%s new order: %w", b.Name, common.ErrNilPointer)
	}
	params := url.Values{}
	params.Set("symbol", o.Symbol)
	params.Set("side", o.Side)
	params.Set("type", o.TradeType)
	params.Set("quantity", strconv.FormatFloat(o.Quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "FULL")
	if o.TimeInForce != "" {
		params.Set("timeInForce", o.TimeInForce)
	}
	if o.Price > 0 {
		params.Set("price", strconv.FormatFloat(o.Price, 'f', -1, 64))
	}
	if o.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(o.StopPrice, 'f', -1, 64))
	}
	if o.NewClientOrderID != "" {
		params.Set("newClientOrderId", o.NewClientOrderID)
	}
	var resp NewOrderResponse
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelReplaceOrder atomically cancels an order and places its successor.
// The venue aborts the replacement when the cancel fails.
func (b *Binance) CancelReplaceOrder(ctx context.Context, cancelOrderID string, o *NewOrderRequest) (*NewOrderResponse, error) {
	if o == nil {
		return nil, fmt.Errorf("%s cancel replace: %w", b.Name, common.ErrNilPointer)
	}
	params := url.Values{}
	params.Set("cancelReplaceMode", "STOP_ON_FAILURE")
	params.Set("cancelOrderId", cancelOrderID)
	params.Set("symbol", o.Symbol)
	params.Set("side", o.Side)
	params.Set("type", o.TradeType)
	params.Set("quantity", strconv.FormatFloat(o.Quantity, 'f', -1, 64))
	params.Set("newOrderRespType", "FULL")
	if o.TimeInForce != "" {
		params.Set("timeInForce", o.TimeInForce)
	}
	if o.Price > 0 {
		params.Set("price", strconv.FormatFloat(o.Price, 'f', -1, 64))
	}
	if o.StopPrice > 0 {
		params.Set("stopPrice", strconv.FormatFloat(o.StopPrice, 'f', -1, 64))
	}
	if o.NewClientOrderID != "" {
		params.Set("newClientOrderId", o.NewClientOrderID)
	}
	var resp CancelReplaceResponse
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelReplacePath,
		Params:   params,
		Signed:   true,
		Endpoint: spotOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if resp.NewOrderResponse == nil {
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "cancel replace returned no replacement order")
	}
	return resp.NewOrderResponse, nil
}

// CancelExistingOrder cancels by venue order id or client order id
func (b *Binance) CancelExistingOrder(ctx context.Context, symbol, orderID, clientOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}
	return b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodDelete,
		Path:     orderPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotOrderRate,
		Result:   &struct{}{},
	})
}

// CancelAllOpenOrders cancels every resting order on a symbol
func (b *Binance) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodDelete,
		Path:     openOrdersPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotOrderRate,
		Result:   &[]QueryOrderData{},
	})
}

// QueryOrder returns the current state of one order
func (b *Binance) QueryOrder(ctx context.Context, symbol, orderID, clientOrderID string) (*QueryOrderData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if orderID != "" {
		params.Set("orderId", orderID)
	}
	if clientOrderID != "" {
		params.Set("origClientOrderId", clientOrderID)
	}
	var resp QueryOrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     orderPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotOrderQueryRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// OpenOrders returns resting orders, venue-wide when symbol is empty
func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]QueryOrderData, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []QueryOrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     openOrdersPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotOpenOrdersRate,
		Result:   &resp,
	})
	return resp, err
}

// AllOrders returns the order history for a symbol, oldest first
func (b *Binance) AllOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]QueryOrderData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []QueryOrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     allOrdersPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotAllOrdersRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAccountTradeList returns the caller's fills on a symbol, oldest first
func (b *Binance) GetAccountTradeList(ctx context.Context, symbol string, since time.Time, limit int) ([]TradeHistory, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []TradeHistory
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     myTradesPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotMyTradesRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAccount returns balances and account flags
func (b *Binance) GetAccount(ctx context.Context) (*AccountInfo, error) {
	params := url.Values{}
	params.Set("omitZeroBalances", "true")
	var resp AccountInfo
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     accountPath,
		Params:   params,
		Signed:   true,
		Endpoint: spotAccountRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTradeFees returns per-symbol commission rates, venue-wide when symbol
// is empty
func (b *Binance) GetTradeFees(ctx context.Context, symbol string) ([]TradeFeeDetail, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var resp []TradeFeeDetail
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tradeFeePath,
		Params:   params,
		Signed:   true,
		Endpoint: spotTradeFeeRate,
		Result:   &resp,
	})
	return resp, err
}

// GetWsAuthStreamKey opens a user data stream and returns its listen key.
// The endpoint authenticates with the API key header alone, so it bypasses
// the signing hook.
func (b *Binance) GetWsAuthStreamKey(ctx context.Context) (string, error) {
	var resp ListenKeyResponse
	if err := b.sendAPIKeyRequest(ctx, http.MethodPost, userDataPath, nil, &resp); err != nil {
		return "", err
	}
	return resp.ListenKey, nil
}

// MaintainWsAuthStreamKey extends a listen key's validity window
func (b *Binance) MaintainWsAuthStreamKey(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return b.sendAPIKeyRequest(ctx, http.MethodPut, userDataPath, params, &struct{}{})
}

// CloseWsAuthStream releases a listen key
func (b *Binance) CloseWsAuthStream(ctx context.Context, listenKey string) error {
	params := url.Values{}
	params.Set("listenKey", listenKey)
	return b.sendAPIKeyRequest(ctx, http.MethodDelete, userDataPath, params, &struct{}{})
}

// sendAPIKeyRequest issues a request authenticated by the API key header
// without a signature
func (b *Binance) sendAPIKeyRequest(ctx context.Context, method, path string, params url.Values, result any) error {
	creds, err := b.GetCredentials()
	if err != nil {
		return err
	}
	base := b.EndpointURL(exchange.RestSpot)
	if !strings.HasPrefix(base, "http") {
		return fmt.Errorf("%s: rest endpoint unset", b.Name)
	}
	fullPath := common.EncodeURLValues(base+path, params)
	return b.Requester.SendPayload(ctx, listenKeyRate, func() (*request.Item, error) {
		return &request.Item{
			Method:  method,
			Path:    fullPath,
			Headers: map[string]string{apiKeyHeader: creds.Key},
			Result:  result,
			Verbose: b.Verbose,
			HandleResponse: func(resp *request.Response) error {
				if resp.StatusCode < 200 || resp.StatusCode > 299 {
					if e := b.classifyBody(resp.StatusCode, resp.Body); e != nil {
						return e
					}
					return errs.New(b.Name, errs.KindFromHTTPStatus(resp.StatusCode), string(resp.Body)).WithHTTP(resp.StatusCode)
				}
				if result == nil || len(resp.Body) == 0 {
					return nil
				}
				return json.Unmarshal(resp.Body, result)
			},
		}, nil
	}, request.AuthenticatedRequest)
}
