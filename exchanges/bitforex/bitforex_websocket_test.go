package bitforex

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/currency"
	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
	"github.com/calder-labs/unicex/internal/testing/wsmock"
)

const (
	// Ticker pushes carry no date field
	wsTickerFrame = `{"event":"ticker","param":{"businessType":"coin-usdt-btc"},"data":{` +
		`"buy":30000.0,"sell":30001.0,"last":30000.5,"high":30500.0,"low":29900.0,"vol":1234.5}}`

	wsTradesFrame = `{"event":"trade","param":{"businessType":"coin-usdt-btc"},"data":[` +
		`{"tid":201,"price":30000.0,"amount":0.5,"direction":1,"time":1700000000000},` +
		`{"tid":202,"price":30001.0,"amount":0.25,"direction":2,"time":1700000001000}]}`

	wsDepthFrame = `{"event":"depth10","param":{"businessType":"coin-usdt-btc","dType":0},"data":{` +
		`"asks":[{"price":30001.0,"amount":0.7},{"price":30001.5,"amount":0.5}],` +
		`"bids":[{"price":30000.0,"amount":2.0},{"price":29999.0,"amount":1.0}]}}`

	wsKlineFrame = `{"event":"kline","param":{"businessType":"coin-usdt-btc","kType":"1min"},"data":[` +
		`{"open":30000.0,"high":30060.0,"low":29990.0,"close":30050.0,"vol":12.5,` +
		`"currencyVol":375000.0,"time":1699999940000}]}`
)

func TestWsHandleDataRoutingTicker(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("ticker:coin-usdt-btc", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsTickerFrame)))

	select {
	case v := <-got:
		p, ok := v.(*ticker.Price)
		require.True(t, ok, "expected a ticker, got %T", v)
		assert.Equal(t, "bitforex", p.ExchangeName)
		assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
		assert.Equal(t, 30000.5, p.Last)
		assert.Equal(t, 30000.0, p.Bid)
		assert.Equal(t, 30001.0, p.Ask)
		assert.Equal(t, 30500.0, p.High)
		assert.Equal(t, 29900.0, p.Low)
		assert.Equal(t, 1234.5, p.BaseVolume)
		assert.Equal(t, 30000.5, p.Close, "close derives from last")
		assert.Equal(t, time.UnixMilli(fixedMilli), p.Timestamp,
			"pushes carry no date; the local clock stands in")
	case <-time.After(time.Second):
		t.Fatal("expected ticker delivery")
	}
}

func TestWsHandleDataRoutingTrades(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("trade:coin-usdt-btc", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsTradesFrame)))

	select {
	case v := <-got:
		trades, ok := v.([]trade.Data)
		require.True(t, ok, "expected trades, got %T", v)
		require.Len(t, trades, 2)
		assert.Equal(t, "201", trades[0].ID)
		assert.Equal(t, order.Buy, trades[0].Side, "rows arrive oldest first")
		assert.Equal(t, 30000.0, trades[0].Price)
		assert.Equal(t, 0.5, trades[0].Amount)
		assert.Equal(t, 30000.0*0.5, trades[0].Cost, "cost derives from price and amount")
		assert.Equal(t, time.UnixMilli(1700000000000), trades[0].Timestamp)
		assert.Equal(t, order.Sell, trades[1].Side)
		assert.Equal(t, "202", trades[1].ID)
	case <-time.After(time.Second):
		t.Fatal("expected trade delivery")
	}
}

func TestWsHandleDataRoutingDepth(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("depth10:coin-usdt-btc", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsDepthFrame)))

	select {
	case v := <-got:
		u, ok := v.(*orderbook.Update)
		require.True(t, ok, "expected a book update, got %T", v)
		assert.Equal(t, orderbook.Snapshot, u.Type, "the channel streams the whole window every tick")
		assert.EqualValues(t, 0, u.LastUpdateID, "pushes carry no sequence")
		require.Len(t, u.Bids, 2)
		require.Len(t, u.Asks, 2)
		assert.Equal(t, 30000.0, u.Bids[0].Price)
		assert.Equal(t, 2.0, u.Bids[0].Amount)
		assert.Equal(t, 30001.0, u.Asks[0].Price)
		assert.Equal(t, 0.7, u.Asks[0].Amount)
		assert.Equal(t, time.UnixMilli(fixedMilli), u.Timestamp,
			"pushes carry no timestamp; the local clock stands in")
	case <-time.After(time.Second):
		t.Fatal("expected snapshot delivery")
	}
}

func TestWsHandleDataRoutingKline(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("kline1min:coin-usdt-btc", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsKlineFrame)))

	select {
	case v := <-got:
		c, ok := v.(*kline.Candle)
		require.True(t, ok, "expected a candle, got %T", v)
		assert.Equal(t, time.UnixMilli(1699999940000), c.Timestamp)
		assert.Equal(t, 30000.0, c.Open)
		assert.Equal(t, 30060.0, c.High)
		assert.Equal(t, 29990.0, c.Low)
		assert.Equal(t, 30050.0, c.Close)
		assert.Equal(t, 12.5, c.Volume)
	case <-time.After(time.Second):
		t.Fatal("expected candle delivery")
	}
}

func TestWsHandleDataTolerance(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	assert.NoError(t, b.wsHandleData(context.Background(), []byte("pong_p")),
		"keep alive replies are not errors")
	assert.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"success":true,"event":"subHq"}`)),
		"command acknowledgements are not errors")
	assert.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"event":"notice","param":{}}`)),
		"unknown events are dropped before symbol resolution")
	assert.NoError(t, b.wsHandleData(context.Background(), []byte(wsTickerFrame)),
		"an unwatched topic is dropped, not an error")
	assert.NoError(t, b.wsHandleData(context.Background(), []byte(`{"param":{},"data":[]}`)),
		"frames without an event are ignored")
	assert.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"event":"trade","param":{"businessType":"coin-usdt-btc"},"data":[]}`)),
		"an empty trade batch delivers nothing")

	err := b.wsHandleData(context.Background(),
		[]byte(`{"event":"ticker","param":{"businessType":"BROKEN"},"data":{}}`))
	assert.ErrorIs(t, err, currency.ErrCurrencyPairMalformed, "unresolvable symbols must surface")
}

func TestWsCommandRejectedEmits(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	require.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"success":false,"code":"1019","message":"symbol error"}`)),
		"a rejected command is reported, not returned")

	select {
	case ev := <-b.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrBadSymbol)
		var ve *errs.Error
		require.ErrorAs(t, e.Cause, &ve)
		assert.Equal(t, "1019", ve.VenueCode)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestSubscriptionCommand(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	cmd, err := b.subscriptionCommand(opSubscribe, &subscription.Subscription{Key: "ticker:coin-usdt-btc"})
	require.NoError(t, err)
	assert.Equal(t, opSubscribe, cmd.Type)
	assert.Equal(t, "ticker", cmd.Event)
	assert.Equal(t, "coin-usdt-btc", cmd.Param.BusinessType)
	raw, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "dType")
	assert.NotContains(t, string(raw), "size")
	assert.NotContains(t, string(raw), "kType")

	cmd, err = b.subscriptionCommand(opSubscribe, &subscription.Subscription{Key: "trade:coin-usdt-btc"})
	require.NoError(t, err)
	assert.EqualValues(t, tradeWindow, cmd.Param.Size, "the trade channel names its replay window")

	cmd, err = b.subscriptionCommand(opSubscribe, &subscription.Subscription{Key: "depth10:coin-usdt-btc"})
	require.NoError(t, err)
	require.NotNil(t, cmd.Param.DepthType)
	raw, err = json.Marshal(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"dType":0`, "the depth type field rides the wire at its zero value")

	cmd, err = b.subscriptionCommand(opUnsubscribe, &subscription.Subscription{Key: "kline1min:coin-usdt-btc"})
	require.NoError(t, err)
	assert.Equal(t, opUnsubscribe, cmd.Type)
	assert.Equal(t, "kline", cmd.Event, "the interval unfolds from the key into the param")
	assert.Equal(t, "1min", cmd.Param.KType)

	for _, key := range []any{42, "noseparator", "mystery:coin-usdt-btc", "kline:coin-usdt-btc"} {
		_, err := b.subscriptionCommand(opSubscribe, &subscription.Subscription{Key: key})
		assert.Error(t, err, "key %v", key)
	}
}

func TestManageSubscriptionsRejectsBadKey(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	sub := &subscription.Subscription{Key: 42, Channel: subscription.TickerChannel}
	assert.Error(t, b.Subscribe(context.Background(), subscription.List{sub}),
		"topic keys must be strings")
}

func TestWatchCallbacksRequired(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	ctx := context.Background()

	_, err := b.WatchTicker(ctx, "BTC/USDT", nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = b.WatchOrderBook(ctx, "BTC/USDT", nil, 0)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = b.WatchTrades(ctx, "BTC/USDT", nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = b.WatchKlines(ctx, "BTC/USDT", kline.OneMin, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
}

func TestWatchKlinesRejectsUnmappedInterval(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)
	_, err := b.WatchKlines(context.Background(), "BTC/USDT", kline.ThreeMin, func(*kline.Candle) {})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestWatchStreamEndToEnd(t *testing.T) {
	t.Parallel()
	pushes := map[string]string{
		"ticker:coin-usdt-btc":    wsTickerFrame,
		"trade:coin-usdt-btc":     wsTradesFrame,
		"depth10:coin-usdt-btc":   wsDepthFrame,
		"kline1min:coin-usdt-btc": wsKlineFrame,
	}
	commands := make(chan string, 8)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws", r.URL.Path)
		wsmock.Upgrader(t, w, r, func(_ int, msg []byte, c *gws.Conn) error {
			if string(msg) == "ping_p" {
				return c.WriteMessage(gws.TextMessage, []byte("pong_p"))
			}
			var frame []wsCommand
			if err := json.Unmarshal(msg, &frame); err != nil {
				return err
			}
			for _, cmd := range frame {
				switch cmd.Event {
				case eventDepth:
					assert.Contains(t, string(msg), `"dType":0`,
						"the depth command carries its type field")
				case eventTrade:
					assert.Contains(t, string(msg), `"size":20`,
						"the trade command names its window")
				}
				if err := c.WriteMessage(gws.TextMessage, []byte(`{"success":true}`)); err != nil {
					return err
				}
				ev := cmd.Event
				if ev == eventKline {
					ev += cmd.Param.KType
				}
				key := ev + ":" + cmd.Param.BusinessType
				commands <- cmd.Type + " " + key
				if push, ok := pushes[key]; ok && cmd.Type == opSubscribe {
					if err := c.WriteMessage(gws.TextMessage, []byte(push)); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}))
	defer srv.Close()

	b := testVenue(t, "")
	loadTestMarkets(t, b)
	b.Websocket.Conn.SetURL("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws")

	tickers := make(chan *ticker.Price, 1)
	sub, err := b.WatchTicker(context.Background(), "BTC/USDT", func(p *ticker.Price) { tickers <- p })
	require.NoError(t, err, "WatchTicker must not error")
	require.NotNil(t, sub)
	assert.Equal(t, "ticker:coin-usdt-btc", sub.Key)
	assert.Equal(t, subscription.SubscribedState, sub.State())
	assert.True(t, b.Websocket.IsConnected())

	select {
	case msg := <-commands:
		assert.Equal(t, "subHq ticker:coin-usdt-btc", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see a subscribe command")
	}
	select {
	case p := <-tickers:
		assert.Equal(t, 30000.5, p.Last)
		assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed ticker")
	}

	books := make(chan *orderbook.Update, 1)
	bookSub, err := b.WatchOrderBook(context.Background(), "BTC/USDT", func(u *orderbook.Update) { books <- u }, 5)
	require.NoError(t, err, "WatchOrderBook must not error")
	assert.Equal(t, "depth10:coin-usdt-btc", bookSub.Key,
		"every requested depth rides the ten level window")
	select {
	case msg := <-commands:
		assert.Equal(t, "subHq depth10:coin-usdt-btc", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see a depth command")
	}
	select {
	case u := <-books:
		assert.Equal(t, orderbook.Snapshot, u.Type)
		assert.Len(t, u.Bids, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed book snapshot")
	}

	trades := make(chan []trade.Data, 1)
	_, err = b.WatchTrades(context.Background(), "BTC/USDT", func(v []trade.Data) { trades <- v })
	require.NoError(t, err, "WatchTrades must not error")
	select {
	case msg := <-commands:
		assert.Equal(t, "subHq trade:coin-usdt-btc", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see a trade command")
	}
	select {
	case v := <-trades:
		require.Len(t, v, 2)
		assert.Equal(t, "201", v[0].ID)
	case <-time.After(5 * time.Second):
		t.Fatal("expected streamed trades")
	}

	candles := make(chan *kline.Candle, 1)
	klineSub, err := b.WatchKlines(context.Background(), "BTC/USDT", kline.OneMin, func(c *kline.Candle) { candles <- c })
	require.NoError(t, err, "WatchKlines must not error")
	assert.Equal(t, "kline1min:coin-usdt-btc", klineSub.Key)
	select {
	case msg := <-commands:
		assert.Equal(t, "subHq kline1min:coin-usdt-btc", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see a kline command")
	}
	select {
	case c := <-candles:
		assert.Equal(t, 30050.0, c.Close)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed candle")
	}

	require.NoError(t, b.Unwatch(context.Background(), sub))
	assert.Nil(t, b.Websocket.GetSubscription(sub.Key))
	select {
	case msg := <-commands:
		assert.Equal(t, "unsubHq ticker:coin-usdt-btc", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see an unsubscribe command")
	}

	require.NoError(t, b.CloseAllWs())
	assert.False(t, b.Websocket.IsConnected())
}
