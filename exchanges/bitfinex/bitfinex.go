// Package bitfinex implements the venue adapter for the Bitfinex v2 API
package bitfinex

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

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
	apiURL       = "https://api.bitfinex.com"
	publicWsURL  = "wss://api-pub.bitfinex.com/ws/2"
	privateWsURL = "wss://api.bitfinex.com/ws/2"

	platformStatusPath   = "/v2/platform/status"
	pairConfPath         = "/v2/conf/pub:info:pair"
	tickersPath          = "/v2/tickers"
	tickerPath           = "/v2/ticker/"
	tradesPath           = "/v2/trades/"
	bookPath             = "/v2/book/"
	candlesPath          = "/v2/candles/trade:"
	walletsPath          = "/v2/auth/r/wallets"
	orderSubmitPath      = "/v2/auth/w/order/submit"
	orderUpdatePath      = "/v2/auth/w/order/update"
	orderCancelPath      = "/v2/auth/w/order/cancel"
	orderCancelMultiPath = "/v2/auth/w/order/cancel/multi"
	ordersPath           = "/v2/auth/r/orders"
	tradeHistoryPath     = "/v2/auth/r/trades"
	summaryPath          = "/v2/auth/r/summary"

	// bookPrecision is the venue's tightest aggregated book tier
	bookPrecision = "P0"

	// postOnlyFlag is the order flags bit for maker only placement
	postOnlyFlag = 4096

	// venuePrefix marks trading pair symbols on the wire; funding symbols
	// carry f instead and are ignored throughout
	venuePrefix = "t"

	// notificationSuccess is the acknowledgement status of an accepted write
	notificationSuccess = "SUCCESS"
)

// Bitfinex is the venue adapter for the Bitfinex v2 API
type Bitfinex struct {
	exchange.Base

	// chanMu guards the channel id bindings the stream multiplexes over
	chanMu  sync.Mutex
	chanIDs map[int64]string

	authMu sync.Mutex
	authC  chan error
}

// New returns a configured Bitfinex adapter
func New(cfg *exchange.Config) (*Bitfinex, error) {
	b := &Bitfinex{}
	b.SetDefaults()
	if err := b.Setup(cfg); err != nil {
		return nil, err
	}
	return b, nil
}

// SetDefaults sets the venue's immutable identity and capability map. The
// venue exposes no server clock endpoint and runs no spot testnet, so
// FetchTime and sandbox mode stay unsupported.
func (b *Bitfinex) SetDefaults() {
	b.Name = "bitfinex"
	b.Hooks = b
	b.Encoding = exchange.JSONEncoding
	b.API.AuthenticatedSupport = true
	b.API.AuthenticatedWebsocketSupport = true
	b.API.Endpoints = exchange.NewEndpoints()
	b.API.Endpoints.SetDefaults(map[exchange.URL]string{
		exchange.RestSpot:         apiURL,
		exchange.WebsocketSpot:    publicWsURL,
		exchange.WebsocketPrivate: privateWsURL,
	})
	b.Requester = request.New(b.Name, new(http.Client), request.WithLimiter(rateLimits()))
	b.Fees = exchange.TradingFee{Maker: 0.001, Taker: 0.002}
	b.Features = exchange.Features{
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
		kline.OneMin:      "1m",
		kline.FiveMin:     "5m",
		kline.FifteenMin:  "15m",
		kline.ThirtyMin:   "30m",
		kline.OneHour:     "1h",
		3 * kline.OneHour: "3h",
		kline.SixHour:     "6h",
		kline.TwelveHour:  "12h",
		kline.OneDay:      "1D",
		kline.OneWeek:     "7D",
		2 * kline.OneWeek: "14D",
		kline.OneMonth:    "1M",
	}
}

// Setup applies user configuration and wires the public stream. The private
// stream lives on a separate host and is dialled on first private use.
func (b *Bitfinex) Setup(cfg *exchange.Config) error {
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
	b.chanIDs = make(map[int64]string)
	return nil
}

// Sign implements the venue's request authentication. The signature seals
// /api concatenated with the path, a strictly increasing millisecond nonce
// and the exact body bytes under HMAC-SHA384. Nonces issue under the
// requester's serialization lock so their order matches dispatch order.
func (b *Bitfinex) Sign(_, path string, params url.Values, body []byte) (*exchange.SignedRequest, error) {
	creds, err := b.GetCredentials()
	if err != nil {
		return nil, err
	}
	n := b.Requester.GetNonceMilli().String()
	payload := "/api" + path + n + string(body)
	mac, err := crypto.GetHMAC(crypto.HashSHA512_384, []byte(payload), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	return &exchange.SignedRequest{
		Params: params,
		Headers: map[string]string{
			"bfx-nonce":     n,
			"bfx-apikey":    creds.Key,
			"bfx-signature": crypto.HexEncodeToString(mac),
		},
	}, nil
}

// OnHTTPError maps the venue's tagged failure array onto the fault taxonomy.
// Returning nil defers to status-based classification.
func (b *Bitfinex) OnHTTPError(status int, body []byte) error {
	code, msg, ok := parseErrorTag(body)
	if !ok {
		return nil
	}
	return b.classifyError(code, msg).WithHTTP(status)
}

// Unwrap passes successful payloads through untouched since the venue sends
// raw arrays, and classifies the ["error",code,msg] documents failures
// arrive as
func (b *Bitfinex) Unwrap(body []byte) ([]byte, error) {
	if code, msg, ok := parseErrorTag(body); ok {
		return nil, b.classifyError(code, msg)
	}
	return body, nil
}

// parseErrorTag reads the venue's tagged failure array of
// ["error", code, message], reporting ok only when the body matches the
// shape. Data payloads are arrays too but never carry the leading tag.
func parseErrorTag(body []byte) (code int64, msg string, ok bool) {
	i := 0
	for i < len(body) && (body[i] == ' ' || body[i] == '\t' || body[i] == '\r' || body[i] == '\n') {
		i++
	}
	if i >= len(body) || body[i] != '[' {
		return 0, "", false
	}
	var cols row
	if err := json.Unmarshal(body[i:], &cols); err != nil || len(cols) < 3 {
		return 0, "", false
	}
	tag, err := cols.text(0)
	if err != nil || tag != "error" {
		return 0, "", false
	}
	if code, err = cols.integer(1); err != nil {
		return 0, "", false
	}
	if msg, err = cols.text(2); err != nil {
		return 0, "", false
	}
	return code, msg, true
}

// classifyError folds a tagged venue failure onto the taxonomy. Message text
// refines the generic parameter error code, which covers unknown symbols too.
func (b *Bitfinex) classifyError(code int64, msg string) *errs.Error {
	raw := strconv.FormatInt(code, 10)
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "symbol: invalid") || strings.Contains(lower, "unknown symbol") {
		return errs.New(b.Name, errs.ErrBadSymbol, msg).WithCode(raw)
	}
	if strings.Contains(lower, "maintenance") {
		return errs.New(b.Name, errs.ErrExchangeNotAvailable, msg).WithCode(raw)
	}
	return errs.Classify(b.Name, errorCodes, raw, msg)
}

// classifyNotification folds a rejected write acknowledgement onto the
// taxonomy by its text, the only failure detail the venue supplies
func (b *Bitfinex) classifyNotification(n *Notification) *errs.Error {
	lower := strings.ToLower(n.Text)
	kind := errs.ErrExchange
	switch {
	case strings.Contains(lower, "not enough"):
		kind = errs.ErrInsufficientFunds
	case strings.Contains(lower, "minimum size"), strings.Contains(lower, "invalid order"):
		kind = errs.ErrInvalidOrder
	case strings.Contains(lower, "not found"):
		kind = errs.ErrOrderNotFound
	case strings.Contains(lower, "symbol: invalid"):
		kind = errs.ErrBadSymbol
	}
	e := errs.New(b.Name, kind, n.Text)
	if n.Code != 0 {
		e = e.WithCode(strconv.FormatInt(n.Code, 10))
	}
	return e
}

// errorCodes maps the venue's numeric failure codes onto the fault taxonomy
var errorCodes = errs.CodeTable{
	"10001": errs.ErrExchange,
	"10020": errs.ErrBadRequest,
	"10100": errs.ErrAuthentication,
	"10111": errs.ErrAuthentication,
	"10112": errs.ErrAuthentication,
	"10113": errs.ErrAuthentication,
	"10114": errs.ErrAuthentication,
	"10200": errs.ErrAuthentication,
	"10305": errs.ErrRateLimitExceeded,
	"11000": errs.ErrExchangeNotAvailable,
	"11010": errs.ErrRateLimitExceeded,
	"20051": errs.ErrAuthentication,
}

// currencyAliases maps the venue's short currency codes onto canonical ones
var currencyAliases = map[string]string{
	"UST": "USDT",
	"EUT": "EURT",
}

// canonicalCode translates one venue currency code to its canonical form
func canonicalCode(code string) currency.Code {
	if alias, ok := currencyAliases[code]; ok {
		code = alias
	}
	return currency.NewCode(code)
}

// venueCode translates a canonical currency code to the venue's short form
func venueCode(c currency.Code) string {
	s := c.String()
	for short, canonical := range currencyAliases {
		if canonical == s {
			return short
		}
	}
	return s
}

// splitSymbol splits an unprefixed venue symbol into its currency codes.
// Longer codes join with a colon; bare concatenations split three and three.
func splitSymbol(raw string) (base, quote string, ok bool) {
	if bs, qs, found := strings.Cut(raw, ":"); found {
		return bs, qs, bs != "" && qs != ""
	}
	if len(raw) == 6 {
		return raw[:3], raw[3:], true
	}
	return "", "", false
}

// toVenueSymbol renders a canonical pair in the venue's t prefixed
// concatenated form, colon separated when either code runs past three
// characters
func toVenueSymbol(p currency.Pair) string {
	base := venueCode(p.Base)
	quote := venueCode(p.Quote)
	if len(base) > 3 || len(quote) > 3 {
		return venuePrefix + base + ":" + quote
	}
	return venuePrefix + base + quote
}

// pairFromSymbol resolves a venue symbol through the market cache, falling
// back to splitting the prefixed concatenation before markets are loaded
func (b *Bitfinex) pairFromSymbol(id string) (currency.Pair, error) {
	if m, err := b.MarketByID(id); err == nil {
		return m.Pair, nil
	}
	if strings.HasPrefix(id, venuePrefix) {
		if base, quote, ok := splitSymbol(id[len(venuePrefix):]); ok {
			return currency.NewPair(canonicalCode(base), canonicalCode(quote)), nil
		}
	}
	return currency.Pair{}, errs.New(b.Name, errs.ErrBadSymbol, "unresolvable venue symbol "+id)
}

// bookLen maps a requested depth onto the venue's fixed book tiers
func bookLen(limit int) string {
	switch {
	case limit == 1:
		return "1"
	case limit > 100:
		return "250"
	case limit > 25:
		return "100"
	default:
		return "25"
	}
}

// GetPlatformStatus reports whether the venue is operative or in maintenance
func (b *Bitfinex) GetPlatformStatus(ctx context.Context) (bool, error) {
	var resp []int64
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     platformStatusPath,
		Endpoint: platformRate,
		Result:   &resp,
	})
	if err != nil {
		return false, err
	}
	return len(resp) > 0 && resp[0] == 1, nil
}

// GetPairConf returns the venue's trading pair catalogue with order size
// windows
func (b *Bitfinex) GetPairConf(ctx context.Context) ([]PairInfo, error) {
	var resp [][]PairInfo
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     pairConfPath,
		Endpoint: confRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	if len(resp) == 0 {
		return nil, errs.New(b.Name, errs.ErrExchange, "empty pair configuration")
	}
	return resp[0], nil
}

// GetTickerBatch returns 24h statistics for every listed symbol, funding
// rows included
func (b *Bitfinex) GetTickerBatch(ctx context.Context) ([]TickerRow, error) {
	params := url.Values{}
	params.Set("symbols", "ALL")
	var resp []TickerRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tickersPath,
		Params:   params,
		Endpoint: tickerBatchRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTicker returns 24h statistics for one venue symbol
func (b *Bitfinex) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	var resp Ticker
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tickerPath + symbol,
		Endpoint: tickerRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetTrades returns public executions, newest first unless ascending
// ordering is requested
func (b *Bitfinex) GetTrades(ctx context.Context, symbol string, since time.Time, limit int, ascending bool) ([]TradeRow, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if ascending {
		params.Set("sort", "1")
	}
	var resp []TradeRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     tradesPath + symbol + "/hist",
		Params:   params,
		Endpoint: tradeRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderBook returns aggregated depth at the venue tier covering the
// requested level count. Both sides arrive in one list, separated by the
// amount sign.
func (b *Bitfinex) GetOrderBook(ctx context.Context, symbol string, limit int) ([]BookRow, error) {
	params := url.Values{}
	params.Set("len", bookLen(limit))
	var resp []BookRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     bookPath + symbol + "/" + bookPrecision,
		Params:   params,
		Endpoint: bookRate,
		Result:   &resp,
	})
	return resp, err
}

// GetCandles returns candles at the venue's native timeframe notation,
// newest first unless ascending ordering is requested
func (b *Bitfinex) GetCandles(ctx context.Context, symbol, timeframe string, since time.Time, limit int, ascending bool) ([]CandleRow, error) {
	params := url.Values{}
	if !since.IsZero() {
		params.Set("start", strconv.FormatInt(since.UnixMilli(), 10))
	}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if ascending {
		params.Set("sort", "1")
	}
	var resp []CandleRow
	err := b.SendRequest(ctx, &exchange.Request{
		Path:     candlesPath + timeframe + ":" + symbol + "/hist",
		Params:   params,
		Endpoint: candleRate,
		Result:   &resp,
	})
	return resp, err
}

// GetWallets returns every wallet balance across account types
func (b *Bitfinex) GetWallets(ctx context.Context) ([]WalletRow, error) {
	var resp []WalletRow
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     walletsPath,
		Body:     struct{}{},
		Signed:   true,
		Endpoint: walletRate,
		Result:   &resp,
	})
	return resp, err
}

// SubmitOrder places an order and returns the venue's acknowledgement with
// the resulting order rows nested inside
func (b *Bitfinex) SubmitOrder(ctx context.Context, req *OrderRequest) (*Notification, error) {
	if req == nil {
		return nil, fmt.Errorf("%s submit order: %w", b.Name, common.ErrNilPointer)
	}
	var resp Notification
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderSubmitPath,
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

// UpdateOrder adjusts a resting order's price or size
func (b *Bitfinex) UpdateOrder(ctx context.Context, req *OrderUpdateRequest) (*Notification, error) {
	if req == nil {
		return nil, fmt.Errorf("%s update order: %w", b.Name, common.ErrNilPointer)
	}
	var resp Notification
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderUpdatePath,
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

// CancelExistingOrder cancels one resting order by id
func (b *Bitfinex) CancelExistingOrder(ctx context.Context, orderID int64) (*Notification, error) {
	var resp Notification
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderCancelPath,
		Body:     &OrderCancelRequest{ID: orderID},
		Signed:   true,
		Endpoint: orderRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// CancelOrderMulti cancels the listed orders, or every open order when the
// request sets All
func (b *Bitfinex) CancelOrderMulti(ctx context.Context, req *OrderMultiCancelRequest) (*Notification, error) {
	if req == nil {
		return nil, fmt.Errorf("%s cancel orders: %w", b.Name, common.ErrNilPointer)
	}
	var resp Notification
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     orderCancelMultiPath,
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

// GetActiveOrders returns resting orders, narrowed to one venue symbol when
// set and to specific ids through the request body
func (b *Bitfinex) GetActiveOrders(ctx context.Context, symbol string, req *HistoryRequest) ([]OrderRow, error) {
	if req == nil {
		req = &HistoryRequest{}
	}
	path := ordersPath
	if symbol != "" {
		path += "/" + symbol
	}
	var resp []OrderRow
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     path,
		Body:     req,
		Signed:   true,
		Endpoint: orderQueryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetOrderHistory returns closed orders newest first, narrowed to one venue
// symbol when set and to specific ids through the request body
func (b *Bitfinex) GetOrderHistory(ctx context.Context, symbol string, req *HistoryRequest) ([]OrderRow, error) {
	if req == nil {
		req = &HistoryRequest{}
	}
	path := ordersPath
	if symbol != "" {
		path += "/" + symbol
	}
	var resp []OrderRow
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     path + "/hist",
		Body:     req,
		Signed:   true,
		Endpoint: orderQueryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetTradeHistory returns the caller's executions newest first, narrowed to
// one venue symbol when set
func (b *Bitfinex) GetTradeHistory(ctx context.Context, symbol string, req *HistoryRequest) ([]MyTradeRow, error) {
	if req == nil {
		req = &HistoryRequest{}
	}
	path := tradeHistoryPath
	if symbol != "" {
		path += "/" + symbol
	}
	var resp []MyTradeRow
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     path + "/hist",
		Body:     req,
		Signed:   true,
		Endpoint: tradeHistoryRate,
		Result:   &resp,
	})
	return resp, err
}

// GetAccountSummary returns the account's fee schedule
func (b *Bitfinex) GetAccountSummary(ctx context.Context) (*AccountSummary, error) {
	var resp AccountSummary
	err := b.SendRequest(ctx, &exchange.Request{
		Method:   http.MethodPost,
		Path:     summaryPath,
		Body:     struct{}{},
		Signed:   true,
		Endpoint: summaryRate,
		Result:   &resp,
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}
