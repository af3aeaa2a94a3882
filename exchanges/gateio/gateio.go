// Package gateio implements the venue adapter for the Gate.io v4 spot API
package gateio

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
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
	apiURL       = "https://api.gateio.ws"
	websocketURL = "wss://api.gateio.ws/ws/v4/"

	// Paths keep the /api/v4 prefix because the venue signs the full
	// request path
	serverTimePath    = "/api/v4/spot/time"
	currencyPairsPath = "/api/v4/spot/currency_pairs"
	tickersPath       = "/api/v4/spot/tickers"
	orderBookPath     = "/api/v4/spot/order_book"
	tradesPath        = "/api/v4/spot/trades"
	candlesticksPath  = "/api/v4/spot/candlesticks"
	ordersPath        = "/api/v4/spot/orders"
	openOrdersPath    = "/api/v4/spot/open_orders"
	myTradesPath      = "/api/v4/spot/my_trades"
	accountsPath      = "/api/v4/spot/accounts"
	tradingFeePath    = "/api/v4/wallet/fee"

	spotAccount = "spot"

	// clientIDPrefix is mandatory on user assigned order ids
	clientIDPrefix = "t-"
)

// Gateio is the venue adapter for the Gate.io v4 spot API
type Gateio struct {
	exchange.Base
}

// New returns a configured Gateio adapter
func New(cfg *exchange.Config) (*Gateio, error) {
	g := &Gateio{}
	g.SetDefaults()
	if err := g.Setup(cfg); err != nil {
		return nil, err
	}
	return g, nil
}

// SetDefaults sets the venue's immutable identity and capability map. Gate
// runs no public spot testnet so sandbox mode stays unsupported.
func (g *Gateio) SetDefaults() {
	g.Name = "gateio"
	g.Hooks = g
	g.Encoding = exchange.JSONEncoding
	g.API.AuthenticatedSupport = true
	g.API.AuthenticatedWebsocketSupport = true
	g.API.Endpoints = exchange.NewEndpoints()
	g.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:      apiURL,
		exchange.WebsocketSpot: websocketURL,
	})
	g.Requester = request.New(g.Name, new(http.Client), request.WithLimiter(rateLimits()))
	g.Fees = exchange.TradingFee{Maker: 0.002, Taker: 0.002}
	g.Features = exchange.Features{
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
	g.Timeframes = map[kline.Interval]string{
		10 * kline.OneSecond: "10s",
		kline.OneMin:         "1m",
		kline.FiveMin:        "5m",
		kline.FifteenMin:     "15m",
		kline.ThirtyMin:      "30m",
		kline.OneHour:        "1h",
		kline.FourHour:       "4h",
		kline.EightHour:      "8h",
		kline.OneDay:         "1d",
		kline.OneWeek:        "7d",
		30 * kline.OneDay:    "30d",
	}
}

// Setup applies user configuration and wires the websocket session. Public
// and private channels share one connection, credentials travel per
// subscription rather than through a login handshake.
func (g *Gateio) Setup(cfg *exchange.Config) error {
	if err := g.Base.Setup(cfg); err != nil {
		return err
	}
	ws := stream.NewWebsocket()
	err := ws.Setup(&stream.WebsocketSetup{
		ExchangeName: g.Name,
		Verbose:      g.Verbose,
		Logger:       *g.Log(),
		Connector:    g.WsConnect,
		Subscriber:   g.Subscribe,
		Unsubscriber: g.Unsubscribe,
	})
	if err != nil {
		return err
	}
	_, err = ws.SetupNewConnection(&stream.ConnectionSetup{
		URL:      g.EndpointURL(exchange.WebsocketSpot),
		ProxyURL: cfg.ProxyAddress,
		Reporter: cfg.StreamReporter,
	})
	if err != nil {
		return err
	}
	g.Websocket = ws
	return nil
}

// Sign implements the venue's request authentication. The signature joins
// the method, the full path, the encoded query, the hex SHA512 of the body
// and a unix second timestamp with newlines and seals them with HMAC-SHA512.
// The query is signed exactly as it encodes on the wire and parameters are
// returned unaltered.
func (g *Gateio) Sign(method, path string, params url.Values, body []byte) (*exchange.SignedRequest, error) {
	creds, err := g.GetCredentials()
	if err != nil {
		return nil, err
	}
	ts := strconv.FormatInt(g.Now().Unix(), 10)
	payload := method + "\n" + path + "\n" + params.Encode() + "\n" +
		crypto.HexEncodeToString(crypto.GetSHA512(body)) + "\n" + ts
	mac, err := crypto.GetHMAC(crypto.HashSHA512, []byte(payload), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	return &exchange.SignedRequest{
		Params: params,
		Headers: map[string]string{
			"KEY":       creds.Key,
			"Timestamp": ts,
			"SIGN":      crypto.HexEncodeToString(mac),
		},
	}, nil
}

// OnHTTPError maps the venue's {label,message} error document onto the
// fault taxonomy. Returning nil defers to status-based classification.
func (g *Gateio) OnHTTPError(status int, body []byte) error {
	label, err := jsonparser.GetString(body, "label")
	if err != nil || label == "" {
		return nil
	}
	msg, _ := jsonparser.GetString(body, "message")
	return errs.Classify(g.Name, errorLabels, label, msg).WithHTTP(status)
}

// Unwrap passes successful payloads through untouched since the venue sends
// them naked, and classifies the {label,message} document failures arrive as
func (g *Gateio) Unwrap(body []byte) ([]byte, error) {
	label, err := jsonparser.GetString(body, "label")
	if err != nil || label == "" {
		return body, nil
	}
	msg, _ := jsonparser.GetString(body, "message")
	return nil, errs.Classify(g.Name, errorLabels, label, msg)
}

// errorLabels maps the venue's error labels onto the fault taxonomy
var errorLabels = errs.CodeTable{
	"BAD_REQUEST":               errs.ErrBadRequest,
	"INVALID_ARGUMENT":          errs.ErrBadRequest,
	"INVALID_PARAM_VALUE":       errs.ErrBadRequest,
	"INVALID_PROTOCOL":          errs.ErrBadRequest,
	"INVALID_REQUEST_BODY":      errs.ErrBadRequest,
	"MISSING_REQUIRED_PARAM":    errs.ErrBadRequest,
	"ACCOUNT_LOCKED":            errs.ErrAuthentication,
	"FORBIDDEN":                 errs.ErrAuthentication,
	"INVALID_KEY":               errs.ErrAuthentication,
	"INVALID_SIGNATURE":         errs.ErrAuthentication,
	"IP_FORBIDDEN":              errs.ErrAuthentication,
	"MISSING_REQUIRED_HEADER":   errs.ErrAuthentication,
	"READ_ONLY":                 errs.ErrAuthentication,
	"REQUEST_EXPIRED":           errs.ErrAuthentication,
	"CURRENCY_NOT_SUPPORTED":    errs.ErrBadSymbol,
	"INVALID_CURRENCY":          errs.ErrBadSymbol,
	"INVALID_CURRENCY_PAIR":     errs.ErrBadSymbol,
	"BALANCE_NOT_ENOUGH":        errs.ErrInsufficientFunds,
	"MARGIN_BALANCE_NOT_ENOUGH": errs.ErrInsufficientFunds,
	"ORDER_NOT_FOUND":           errs.ErrOrderNotFound,
	"AMOUNT_TOO_LITTLE":         errs.ErrInvalidOrder,
	"AMOUNT_TOO_MUCH":           errs.ErrInvalidOrder,
	"FOK_NOT_FILL":              errs.ErrInvalidOrder,
	"ORDER_CANCELLED":           errs.ErrInvalidOrder,
	"ORDER_CLOSED":              errs.ErrInvalidOrder,
	"POC_FILL_IMMEDIATELY":      errs.ErrInvalidOrder,
	"TOO_MANY_REQUESTS":         errs.ErrRateLimitExceeded,
	"INTERNAL":                  errs.ErrExchangeNotAvailable,
	"SERVER_ERROR":              errs.ErrExchangeNotAvailable,
	"TOO_BUSY":                  errs.ErrExchangeNotAvailable,
}

// toVenueSymbol renders a canonical pair in the venue's underscore
// delimited uppercase form
func toVenueSymbol(p currency.Pair) string {
	return p.Format("_", true)
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to underscore splitting before markets are loaded
func (g *Gateio) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := g.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	base, quote, ok := strings.Cut(id, "_")
	if !ok || base == "" || quote == "" {
		return currency.Pair{}, errs.New(g.Name, errs.ErrBadSymbol, "unresolvable venue symbol "+id)
	}
	return currency.NewPair(currency.NewCode(base), currency.NewCode(quote)), nil
}

// GetServerTime returns the venue clock
func (g *Gateio) GetServerTime(ctx context.Context) (time.Time, error) {
	var resp ServerTime
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     serverTimePath,
		Endpoint: publicRate,
		Result:   &resp,
	})
	if err != nil {
		return time.Time{}, err
	}
	return resp.ServerTime.Time(), nil
}

// GetCurrencyPairs returns the venue's spot pair catalogue
func (g *Gateio) GetCurrencyPairs(ctx context.Context) ([]CurrencyPairData, error) {
	var resp []CurrencyPairData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     currencyPairsPath,
		Endpoint: publicRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTickers returns 24h statistics, narrowed to one pair when symbol is set
func (g *Gateio) GetTickers(ctx context.Context, symbol string) ([]TickerData, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("currency_pair", symbol)
	}
	var resp []TickerData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     tickersPath,
		Params:   params,
		Endpoint: publicRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderBook returns aggregated depth with the book version id attached
func (g *Gateio) GetOrderBook(ctx context.Context, symbol string, depth int) (*OrderBookData, error) {
	params := url.Values{}
	params.Set("currency_pair", symbol)
	params.Set("with_id", "true")
	if depth > 0 {
		params.Set("limit", strconv.Itoa(depth))
	}
	var resp OrderBookData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     orderBookPath,
		Params:   params,
		Endpoint: publicRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrades returns recent public trades, newest first
func (g *Gateio) GetTrades(ctx context.Context, symbol string, limit int) ([]TradeData, error) {
	params := url.Values{}
	params.Set("currency_pair", symbol)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []TradeData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     tradesPath,
		Params:   params,
		Endpoint: publicRate,
		Result:   &resp,
	})
	return resp, err
}

// GetCandles returns candles at the venue's native interval notation,
// oldest first
func (g *Gateio) GetCandles(ctx context.Context, symbol, interval string, since time.Time, limit int) ([]Candle, error) {
	params := url.Values{}
	params.Set("currency_pair", symbol)
	params.Set("interval", interval)
	if !since.IsZero() {
		params.Set("from", strconv.FormatInt(since.Unix(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []Candle
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     candlesticksPath,
		Params:   params,
		Endpoint: publicRate,
		Result:   &resp,
	})
	return resp, err
}

// PlaceOrder submits an order and returns the resulting order document
func (g *Gateio) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*OrderData, error) {
	if req == nil {
		return nil, fmt.Errorf("%s place order: %w", g.Name, common.ErrNilPointer)
	}
	var resp OrderData
	err := g.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     ordersPath,
		Body:     req,
		Signed:   true,
		Endpoint: placeOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// AmendExistingOrder adjusts a resting order's size or price and returns
// the updated document
func (g *Gateio) AmendExistingOrder(ctx context.Context, orderID, symbol string, req *AmendOrderRequest) (*OrderData, error) {
	if req == nil {
		return nil, fmt.Errorf("%s amend order: %w", g.Name, common.ErrNilPointer)
	}
	params := url.Values{}
	params.Set("currency_pair", symbol)
	var resp OrderData
	err := g.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPatch,
		Path:     ordersPath + "/" + orderID,
		Params:   params,
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

// CancelExistingOrder cancels one order and returns its final document
func (g *Gateio) CancelExistingOrder(ctx context.Context, orderID, symbol string) (*OrderData, error) {
	params := url.Values{}
	params.Set("currency_pair", symbol)
	var resp OrderData
	err := g.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodDelete,
		Path:     ordersPath + "/" + orderID,
		Params:   params,
		Signed:   true,
		Endpoint: cancelOrderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelAllSpotOrders cancels every resting spot order, narrowed to one
// pair when symbol is set, and returns the cancelled documents
func (g *Gateio) CancelAllSpotOrders(ctx context.Context, symbol string) ([]OrderData, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("currency_pair", symbol)
	}
	var resp []OrderData
	err := g.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodDelete,
		Path:     ordersPath,
		Params:   params,
		Signed:   true,
		Endpoint: cancelAllRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrder returns one order by id. The venue shards orders by pair so the
// symbol is required.
func (g *Gateio) GetOrder(ctx context.Context, orderID, symbol string) (*OrderData, error) {
	params := url.Values{}
	params.Set("currency_pair", symbol)
	var resp OrderData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     ordersPath + "/" + orderID,
		Params:   params,
		Signed:   true,
		Endpoint: privateQueryRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetSpotOrders returns one pair's orders in a lifecycle bucket, open or
// finished, newest first
func (g *Gateio) GetSpotOrders(ctx context.Context, symbol, status string, since time.Time, limit int) ([]OrderData, error) {
	params := url.Values{}
	params.Set("currency_pair", symbol)
	params.Set("status", status)
	if !since.IsZero() {
		params.Set("from", strconv.FormatInt(since.Unix(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []OrderData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     ordersPath,
		Params:   params,
		Signed:   true,
		Endpoint: privateQueryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOpenOrders returns resting orders across every pair, grouped by pair
func (g *Gateio) GetOpenOrders(ctx context.Context) ([]OpenOrdersGroup, error) {
	var resp []OpenOrdersGroup
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     openOrdersPath,
		Signed:   true,
		Endpoint: privateQueryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetMyTrades returns the caller's fills, newest first, narrowed by pair,
// order id and start time when set
func (g *Gateio) GetMyTrades(ctx context.Context, symbol, orderID string, since time.Time, limit int) ([]MyTrade, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("currency_pair", symbol)
	}
	if orderID != "" {
		params.Set("order_id", orderID)
	}
	if !since.IsZero() {
		params.Set("from", strconv.FormatInt(since.Unix(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var resp []MyTrade
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     myTradesPath,
		Params:   params,
		Signed:   true,
		Endpoint: privateQueryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAccounts returns the spot account balances, narrowed to one currency
// when ccy is set
func (g *Gateio) GetAccounts(ctx context.Context, ccy string) ([]AccountBalance, error) {
	params := url.Values{}
	if ccy != "" {
		params.Set("currency", ccy)
	}
	var resp []AccountBalance
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     accountsPath,
		Params:   params,
		Signed:   true,
		Endpoint: walletRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTradingFee returns the account's fee rates, pair specific when symbol
// is set
func (g *Gateio) GetTradingFee(ctx context.Context, symbol string) (*TradingFeeData, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("currency_pair", symbol)
	}
	var resp TradingFeeData
	err := g.SendRequest(ctx, &exchange.Request{
		Path:     tradingFeePath,
		Params:   params,
		Signed:   true,
		Endpoint: walletRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
