package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/exchanges/account"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/market"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/stream"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
)

// Default canonical surface. Every operation returns a not supported fault
// naming the venue and operation; venues override the subset their
// capability map declares.

// FetchTime returns the venue server clock
func (b *Base) FetchTime(context.Context) (time.Time, error) {
	return time.Time{}, b.NotSupported(OpFetchTime)
}

// LoadMarkets populates the market cache
func (b *Base) LoadMarkets(context.Context, bool) ([]*market.Market, error) {
	return nil, b.NotSupported(OpLoadMarkets)
}

// FetchTicker returns the 24h statistics snapshot for one symbol
func (b *Base) FetchTicker(context.Context, string) (*ticker.Price, error) {
	return nil, b.NotSupported(OpFetchTicker)
}

// FetchTickers returns snapshots for the given symbols
func (b *Base) FetchTickers(context.Context, ...string) ([]ticker.Price, error) {
	return nil, b.NotSupported(OpFetchTickers)
}

// FetchOrderBook returns the current book
func (b *Base) FetchOrderBook(context.Context, string, int) (*orderbook.Book, error) {
	return nil, b.NotSupported(OpFetchOrderBook)
}

// FetchTrades returns recent public trades
func (b *Base) FetchTrades(context.Context, string, time.Time, int) ([]trade.Data, error) {
	return nil, b.NotSupported(OpFetchTrades)
}

// FetchOHLCV returns candles ascending by open time
func (b *Base) FetchOHLCV(context.Context, string, kline.Interval, time.Time, int) ([]kline.Candle, error) {
	return nil, b.NotSupported(OpFetchOHLCV)
}

// CreateOrder places a new order
func (b *Base) CreateOrder(context.Context, *order.Submit) (*order.Detail, error) {
	return nil, b.NotSupported(OpCreateOrder)
}

// AmendOrder modifies a resting order in place
func (b *Base) AmendOrder(context.Context, string, *order.Submit) (*order.Detail, error) {
	return nil, b.NotSupported(OpAmendOrder)
}

// CancelOrder cancels one order
func (b *Base) CancelOrder(context.Context, string, string) error {
	return b.NotSupported(OpCancelOrder)
}

// CancelAllOrders cancels every open order, optionally scoped to a symbol
func (b *Base) CancelAllOrders(context.Context, string) error {
	return b.NotSupported(OpCancelAllOrders)
}

// FetchOrder returns the current state of one order
func (b *Base) FetchOrder(context.Context, string, string) (*order.Detail, error) {
	return nil, b.NotSupported(OpFetchOrder)
}

// FetchOpenOrders returns the account's resting orders
func (b *Base) FetchOpenOrders(context.Context, string) ([]order.Detail, error) {
	return nil, b.NotSupported(OpFetchOpenOrders)
}

// FetchClosedOrders returns historical terminal orders
func (b *Base) FetchClosedOrders(context.Context, string, time.Time, int) ([]order.Detail, error) {
	return nil, b.NotSupported(OpFetchClosedOrders)
}

// FetchMyTrades returns the account's executions
func (b *Base) FetchMyTrades(context.Context, string, time.Time, int) ([]order.Fill, error) {
	return nil, b.NotSupported(OpFetchMyTrades)
}

// FetchBalance returns the account holdings
func (b *Base) FetchBalance(context.Context) (*account.Holdings, error) {
	return nil, b.NotSupported(OpFetchBalance)
}

// FetchTradingFees returns the account fee schedule
func (b *Base) FetchTradingFees(context.Context, string) ([]TradingFee, error) {
	return nil, b.NotSupported(OpFetchTradingFees)
}

// WatchTicker streams 24h statistics updates
func (b *Base) WatchTicker(context.Context, string, func(*ticker.Price)) (*subscription.Subscription, error) {
	return nil, b.NotSupported(OpWatchTicker)
}

// WatchOrderBook streams book changes
func (b *Base) WatchOrderBook(context.Context, string, func(*orderbook.Update), int) (*subscription.Subscription, error) {
	return nil, b.NotSupported(OpWatchOrderBook)
}

// WatchTrades streams public trades
func (b *Base) WatchTrades(context.Context, string, func([]trade.Data)) (*subscription.Subscription, error) {
	return nil, b.NotSupported(OpWatchTrades)
}

// WatchKlines streams candle updates
func (b *Base) WatchKlines(context.Context, string, kline.Interval, func(*kline.Candle)) (*subscription.Subscription, error) {
	return nil, b.NotSupported(OpWatchKlines)
}

// WatchBalance streams account holdings changes
func (b *Base) WatchBalance(context.Context, func(*account.Holdings)) (*subscription.Subscription, error) {
	return nil, b.NotSupported(OpWatchBalance)
}

// WatchOrders streams the account's order lifecycle events
func (b *Base) WatchOrders(context.Context, func(*order.Detail)) (*subscription.Subscription, error) {
	return nil, b.NotSupported(OpWatchOrders)
}

// EnsureWsConnected connects the venue's websocket session on first use,
// re-enabling it after a CloseAllWs
func (b *Base) EnsureWsConnected(ctx context.Context) error {
	if b.Websocket == nil {
		return fmt.Errorf("%s websocket: %w", b.Name, common.ErrNilPointer)
	}
	if b.Websocket.IsConnected() {
		return nil
	}
	if !b.Websocket.IsEnabled() {
		return b.Websocket.Enable(ctx)
	}
	if err := b.Websocket.Connect(ctx); err != nil && !errors.Is(err, stream.ErrAlreadyConnected) {
		return err
	}
	return nil
}

// Unwatch releases one streaming subscription: the venue unsubscribe runs
// first, then the delivery route is dropped. Shared across venues since the
// session tracks both sides.
func (b *Base) Unwatch(ctx context.Context, sub *subscription.Subscription) error {
	if sub == nil {
		return fmt.Errorf("%s unwatch: %w", b.Name, common.ErrNilPointer)
	}
	if b.Websocket == nil {
		return b.NotSupported("unwatch")
	}
	if err := b.Websocket.UnsubscribeChannels(ctx, subscription.List{sub}); err != nil {
		return err
	}
	if err := b.Websocket.RemoveDispatch(sub.Key); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		return err
	}
	return nil
}
