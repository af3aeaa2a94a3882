// Package bitforex implements the venue adapter for the BitForex spot API
package bitforex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

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
	apiURL       = "https://api.bitforex.com"
	websocketURL = "wss://www.bitforex.com/mkapi/coinGroup1/ws"

	symbolsPath     = "/api/v1/market/symbols"
	tickerPath      = "/api/v1/market/ticker"
	depthPath       = "/api/v1/market/depth"
	tradesPath      = "/api/v1/market/trades"
	klinePath       = "/api/v1/market/kline"
	allAccountPath  = "/api/v1/fund/allAccount"
	placeOrderPath  = "/api/v1/trade/placeOrder"
	cancelOrderPath = "/api/v1/trade/cancelOrder"
	cancelAllPath   = "/api/v1/trade/cancelAllOrder"
	orderInfoPath   = "/api/v1/trade/orderInfo"
	orderInfosPath  = "/api/v1/trade/orderInfos"

	// sideBuy and sideSell are the venue's numeric trade directions
	sideBuy  = 1
	sideSell = 2

	// stateOpen and stateFinished select the two order listing views
	stateOpen     = 0
	stateFinished = 1
)

// Bitforex is the venue adapter for the BitForex spot API
type Bitforex struct {
	exchange.Base
}

// New returns a configured Bitforex adapter
func New(cfg *exchange.Config) (*Bitforex, error) {
	b := &Bitforex{}
	b.SetDefaults()
	if err := b.Setup(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// SetDefaults sets the venue's immutable identity and capability map. The
// venue publishes no server clock, batch ticker, fill history or fee
// endpoints, and its single stream carries no private channels.
func (b *Bitforex) SetDefaults() {
	b.Name = "bitforex"
	b.Hooks = b
	b.Encoding = exchange.FormEncoding
	b.API.AuthenticatedSupport = true
	b.API.Endpoints = exchange.NewEndpoints()
	b.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:      apiURL,
		exchange.WebsocketSpot: websocketURL,
	})
	b.Requester = request.New(b.Name, new(http.Client), request.WithLimiter(rateLimits()))
	b.Fees = exchange.TradingFee{Maker: 0.001, Taker: 0.001}
	b.Features = exchange.Features{
		exchange.OpLoadMarkets:       true,
		exchange.OpFetchTicker:       true,
		exchange.OpFetchOrderBook:    true,
		exchange.OpFetchTrades:       true,
		exchange.OpFetchOHLCV:        true,
		exchange.OpCreateOrder:       true,
		exchange.OpCancelOrder:       true,
		exchange.OpCancelAllOrders:   true,
		exchange.OpFetchOrder:        true,
		exchange.OpFetchOpenOrders:   true,
		exchange.OpFetchClosedOrders: true,
		exchange.OpFetchBalance:      true,
		exchange.OpWatchTicker:       true,
		exchange.OpWatchOrderBook:    true,
		exchange.OpWatchTrades:       true,
		exchange.OpWatchKlines:       true,
	}
	b.Timeframes = map[kline.Interval]string{
		kline.OneMin:     "1min",
		kline.FiveMin:    "5min",
		kline.FifteenMin: "15min",
		kline.ThirtyMin:  "30min",
		kline.OneHour:    "1hour",
		kline.TwoHour:    "2hour",
		kline.FourHour:   "4hour",
		kline.SixHour:    "6hour",
		kline.TwelveHour: "12hour",
		kline.OneDay:     "1day",
		kline.OneWeek:    "1week",
		kline.OneMonth:   "1month",
	}
}

// Setup applies user configuration and wires the websocket session
func (b *Bitforex) Setup(cfg *exchange.Config) error {
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

// Sign implements the venue's request authentication. The access key and a
// millisecond nonce join the business parameters, the signature covers the
// path and the sorted encoded set, and signData rides back inside the
// parameters, which form the body on POST.
func (b *Bitforex) Sign(_, path string, params url.Values, _ []byte) (*exchange.SignedRequest, error) {
	creds, err := b.GetCredentials()
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("accessKey", creds.Key)
	params.Set("nonce", strconv.FormatInt(b.Now().UnixMilli(), 10))
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(path+"?"+common.SortedURLValues(params)), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	params.Set("signData", crypto.HexEncodeToString(mac))
	return &exchange.SignedRequest{Params: params}, nil
}

// OnHTTPError maps the venue's error envelope onto the fault taxonomy.
// Returning nil defers to status-based classification.
func (b *Bitforex) OnHTTPError(status int, body []byte) error {
	ok, err := jsonparser.GetBoolean(body, "success")
	if err != nil || ok {
		return nil
	}
	code, _ := jsonparser.GetString(body, "code")
	msg, _ := jsonparser.GetString(body, "message")
	return errs.Classify(b.Name, errorCodes, code, msg).WithHTTP(status)
}

// Unwrap validates the {success,code,message,data} envelope and returns the
// data payload. Write acknowledgements carry a bare boolean data member and
// some acks carry no data at all.
func (b *Bitforex) Unwrap(body []byte) ([]byte, error) {
	ok, err := jsonparser.GetBoolean(body, "success")
	if err != nil {
		return body, nil
	}
	if !ok {
		code, _ := jsonparser.GetString(body, "code")
		msg, _ := jsonparser.GetString(body, "message")
		return nil, errs.Classify(b.Name, errorCodes, code, msg)
	}
	data, t, _, dataErr := jsonparser.Get(body, "data")
	if dataErr != nil || t == jsonparser.Null {
		return nil, nil
	}
	return data, nil
}

// errorCodes maps the venue's error codes onto the fault taxonomy
var errorCodes = errs.CodeTable{
	"1013":  errs.ErrAuthentication,
	"1016":  errs.ErrAuthentication,
	"1017":  errs.ErrAuthentication,
	"1019":  errs.ErrBadSymbol,
	"3002":  errs.ErrInsufficientFunds,
	"4001":  errs.ErrBadRequest,
	"4002":  errs.ErrInvalidOrder,
	"4003":  errs.ErrInvalidOrder,
	"4004":  errs.ErrOrderNotFound,
	"10204": errs.ErrRateLimitExceeded,
}

// splitVenueSymbol parses the venue's coin-quote-base symbol form
func splitVenueSymbol(id string) (currency.Pair, error) {
	parts := strings.Split(id, "-")
	if len(parts) != 3 || parts[0] != "coin" || parts[1] == "" || parts[2] == "" {
		return currency.EMPTYPAIR, fmt.Errorf("%w: %q is not coin-quote-base", currency.ErrCurrencyPairMalformed, id)
	}
	return currency.NewPair(currency.NewCode(parts[2]), currency.NewCode(parts[1])), nil
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to splitting the coin-quote-base form
func (b *Bitforex) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := b.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	return splitVenueSymbol(id)
}

// GetSymbols returns the venue's symbol catalogue
func (b *Bitforex) GetSymbols(ctx context.Context) ([]SymbolInfo, error) {
	var resp []SymbolInfo
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     symbolsPath,
		Endpoint: symbolsRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTicker returns 24h statistics for one symbol
func (b *Bitforex) GetTicker(ctx context.Context, symbol string) (*TickerData, error) {
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

// GetDepth returns an order book snapshot, at venue default depth when size
// is zero
func (b *Bitforex) GetDepth(ctx context.Context, symbol string, size int64) (*DepthData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if size > 0 {
		params.Set("size", strconv.FormatInt(size, 10))
	}
	var resp DepthData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     depthPath,
		Params:   params,
		Endpoint: depthRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrades returns recent public trades, oldest first
func (b *Bitforex) GetTrades(ctx context.Context, symbol string, size int64) ([]TradeData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	if size > 0 {
		params.Set("size", strconv.FormatInt(size, 10))
	}
	var resp []TradeData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tradesPath,
		Params:   params,
		Endpoint: tradesRate,
		Result:   &resp,
	})
	return resp, err
}

// GetKline returns candles for one symbol, oldest first. The venue walks
// back from now, taking only a row count.
func (b *Bitforex) GetKline(ctx context.Context, symbol, ktype string, size int64) ([]CandleData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("ktype", ktype)
	if size > 0 {
		params.Set("size", strconv.FormatInt(size, 10))
	}
	var resp []CandleData
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     klinePath,
		Params:   params,
		Endpoint: klineRate,
		Result:   &resp,
	})
	return resp, err
}

// PlaceOrder submits a limit order and returns the venue order id
func (b *Bitforex) PlaceOrder(ctx context.Context, symbol, price, amount string, side int64) (int64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("price", price)
	params.Set("amount", amount)
	params.Set("tradeType", strconv.FormatInt(side, 10))
	var resp OrderAck
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     placeOrderPath,
		Params:   params,
		Signed:   true,
		Endpoint: placeOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return 0, err
	}
	return resp.OrderID, nil
}

// CancelExistingOrder cancels one order. The venue acknowledges cancels
// that changed nothing with a false payload.
func (b *Bitforex) CancelExistingOrder(ctx context.Context, symbol, orderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var resp bool
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelOrderPath,
		Params:   params,
		Signed:   true,
		Endpoint: cancelOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return err
	}
	if !resp {
		return errs.New(b.Name, errs.ErrOrderNotFound, "cancel changed nothing")
	}
	return nil
}

// CancelAllSpotOrders cancels every open order on one symbol
func (b *Bitforex) CancelAllSpotOrders(ctx context.Context, symbol string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	return b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     cancelAllPath,
		Params:   params,
		Signed:   true,
		Endpoint: cancelAllRate,
	})
}

// GetOrderInfo returns one order by venue order id
func (b *Bitforex) GetOrderInfo(ctx context.Context, symbol, orderID string) (*OrderData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", orderID)
	var resp OrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderInfoPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderInfoRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetOrders returns one symbol's orders in the requested state view, open
// or finished, newest first
func (b *Bitforex) GetOrders(ctx context.Context, symbol string, state int64) ([]OrderData, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("state", strconv.FormatInt(state, 10))
	var resp []OrderData
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderInfosPath,
		Params:   params,
		Signed:   true,
		Endpoint: orderInfosRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAllAccounts returns every currency balance of the spot fund account
func (b *Bitforex) GetAllAccounts(ctx context.Context) ([]AccountBalance, error) {
	var resp []AccountBalance
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     allAccountPath,
		Signed:   true,
		Endpoint: fundRate,
		Result:   &resp,
	})
	return resp, err
}
