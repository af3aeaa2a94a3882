package exchange

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/calder-labs/unicex/exchanges/account"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/market"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
)

// Venue is the full canonical surface every venue satisfies. Base provides a
// default for each operation that returns a not supported fault, so a venue
// only implements what its capability map declares.
type Venue interface {
	GetName() string
	Describe() *Description
	Has(op string) bool
	Events() <-chan any

	MarketData
	Trading
	AccountData
	Streaming
}

// MarketData is the public market information surface
type MarketData interface {
	// FetchTime returns the venue server clock
	FetchTime(ctx context.Context) (time.Time, error)
	// LoadMarkets populates the market cache, refetching when reload is set
	// or the cache is empty
	LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error)
	// FetchTicker returns the 24h statistics snapshot for one symbol
	FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error)
	// FetchTickers returns snapshots for the given symbols, or every market
	// when none are named
	FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error)
	// FetchOrderBook returns the current book up to limit levels a side
	FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error)
	// FetchTrades returns recent public trades from since onward
	FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error)
	// FetchOHLCV returns candles ascending by open time
	FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error)
}

// Trading is the order management surface
type Trading interface {
	CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error)
	AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error)
	CancelOrder(ctx context.Context, orderID, symbol string) error
	CancelAllOrders(ctx context.Context, symbol string) error
	FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error)
	FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error)
	FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error)
}

// AccountData is the account state surface
type AccountData interface {
	FetchBalance(ctx context.Context) (*account.Holdings, error)
	// FetchTradingFees returns the fee schedule for one symbol, or the whole
	// account schedule when symbol is empty
	FetchTradingFees(ctx context.Context, symbol string) ([]TradingFee, error)
}

// Streaming is the websocket surface. Watch operations return the tracked
// subscription so the caller can release it through Unwatch; CloseAllWs
// releases everything at once.
type Streaming interface {
	WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error)
	// WatchOrderBook streams book changes. Updates carry the venue's
	// snapshot or delta designation and sequence bounds; reconstruction is
	// the caller's concern.
	WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error)
	WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error)
	WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error)
	WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error)
	WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error)
	Unwatch(ctx context.Context, sub *subscription.Subscription) error
	CloseAllWs() error
}

// Hooks is the pipeline contract a venue supplies. Base implements every
// hook with a neutral default so venues override only what their wire
// format needs.
type Hooks interface {
	// BaseURL returns the REST host for public or signed traffic
	BaseURL(signed bool) string
	// Sign finalizes a private request. It receives the parameters and the
	// encoded body bytes, and returns the signature material: extended
	// params, authentication headers, an optional pre-composed path and an
	// optional body override.
	Sign(method, path string, params url.Values, body []byte) (*SignedRequest, error)
	// OnHeaders inspects response headers for rate limit counters
	OnHeaders(h http.Header)
	// OnHTTPError classifies a non-2xx response into the error taxonomy
	OnHTTPError(status int, body []byte) error
	// Unwrap validates the venue's response envelope and returns the domain
	// payload. Raising here classifies venue error bodies delivered with a
	// 2xx status. Unwrapping an already unwrapped payload must be stable.
	Unwrap(body []byte) ([]byte, error)
}
