package gateio

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
	"github.com/calder-labs/unicex/exchanges/account"
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
	wsTickerFrame = `{"time":1700000000,"time_ms":1700000000123,"channel":"spot.tickers","event":"update",` +
		`"result":{"currency_pair":"BTC_USDT","last":"30250.5","lowest_ask":"30251","highest_bid":"30250",` +
		`"change_percentage":"0.835","base_volume":"1234.5","quote_volume":"37500000",` +
		`"high_24h":"30500","low_24h":"29900"}}`

	wsTradeFrame = `{"time":1700000001,"channel":"spot.trades","event":"update",` +
		`"result":{"id":309143071,"create_time":1700000000,"create_time_ms":"1700000000123.5",` +
		`"side":"sell","currency_pair":"BTC_USDT","amount":"0.25","price":"30100"}}`

	wsCandleFrame = `{"time":1700000000,"channel":"spot.candlesticks","event":"update",` +
		`"result":{"t":"1699999940","v":"376000","c":"30050","h":"30060","l":"29990","o":"30000",` +
		`"n":"1m_BTC_USDT","a":"12.5","w":false}}`

	wsBookFrame = `{"time":1700000001,"channel":"spot.order_book_update","event":"update",` +
		`"result":{"t":1700000001123,"s":"BTC_USDT","U":157,"u":160,` +
		`"b":[["30000.5","1.5"],["30000.0","0"]],"a":[["30001.0","0.7"]]}}`

	wsOrdersFrame = `{"time":1700000000,"channel":"spot.orders","event":"update","result":[` +
		`{"id":"1852454420","text":"t-my-id","create_time_ms":"1699990000000","update_time_ms":"1700000000000",` +
		`"event":"update","currency_pair":"BTC_USDT","type":"limit","account":"spot","side":"buy",` +
		`"amount":"1","price":"30000","time_in_force":"gtc","left":"0.5","filled_total":"15000",` +
		`"avg_deal_price":"30000","fee":"0.0005","fee_currency":"BTC"},` +
		`{"id":"9","event":"put","currency_pair":"BTC_USDT","account":"margin","side":"buy","amount":"1","price":"30000"}]}`

	wsBalancesFrame = `{"time":1700000000,"channel":"spot.balances","event":"update","result":[` +
		`{"timestamp":"1700000000","timestamp_ms":"1700000000123","user":"10003","currency":"BTC",` +
		`"change":"0.5","total":"2.0","available":"1.5","freeze":"0.5"},` +
		`{"timestamp":"1700000000","timestamp_ms":"1700000000123","user":"10003","currency":"USDT",` +
		`"change":"-100","total":"1000","available":"1000","freeze":"0"}]}`
)

func TestWsHandleDataRoutingTicker(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	loadTestMarkets(t, g)

	got := make(chan any, 1)
	require.NoError(t, g.Websocket.AddDispatch("spot.tickers:BTC_USDT", func(v any) { got <- v }))
	require.NoError(t, g.wsHandleData(context.Background(), []byte(wsTickerFrame)))

	select {
	case v := <-got:
		p, ok := v.(*ticker.Price)
		require.True(t, ok, "expected a ticker, got %T", v)
		assert.Equal(t, "gateio", p.ExchangeName)
		assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
		assert.Equal(t, 30250.5, p.Last)
		assert.Equal(t, 30250.0, p.Bid)
		assert.Equal(t, 30251.0, p.Ask)
		assert.Equal(t, 0.835, p.Percentage, "the venue already reports percent, no scaling")
		assert.InDelta(t, 30000.0, p.Open, 1e-6, "open backs out of last and the percentage move")
		assert.Equal(t, time.UnixMilli(1700000000123), p.Timestamp, "the envelope millisecond stamp wins")
	case <-time.After(time.Second):
		t.Fatal("expected ticker delivery")
	}
}

func TestWsHandleDataRoutingTrades(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	loadTestMarkets(t, g)

	got := make(chan any, 1)
	require.NoError(t, g.Websocket.AddDispatch("spot.trades:BTC_USDT", func(v any) { got <- v }))
	require.NoError(t, g.wsHandleData(context.Background(), []byte(wsTradeFrame)))

	select {
	case v := <-got:
		trades, ok := v.([]trade.Data)
		require.True(t, ok, "expected trades, got %T", v)
		require.Len(t, trades, 1, "the venue pushes one execution per frame")
		assert.Equal(t, "309143071", trades[0].ID, "stream trade ids arrive as bare integers")
		assert.Equal(t, order.Sell, trades[0].Side)
		assert.Equal(t, 30100.0, trades[0].Price)
		assert.Equal(t, 0.25, trades[0].Amount)
		assert.Equal(t, 30100.0*0.25, trades[0].Cost, "cost derives from price and amount")
		assert.Equal(t, time.UnixMicro(1700000000123500), trades[0].Timestamp,
			"fractional millisecond stamps keep microsecond precision")
	case <-time.After(time.Second):
		t.Fatal("expected trade delivery")
	}
}

func TestWsHandleDataRoutingCandles(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")

	got := make(chan any, 1)
	require.NoError(t, g.Websocket.AddDispatch("spot.candlesticks:1m_BTC_USDT", func(v any) { got <- v }))
	require.NoError(t, g.wsHandleData(context.Background(), []byte(wsCandleFrame)))

	select {
	case v := <-got:
		c, ok := v.(*kline.Candle)
		require.True(t, ok, "expected a candle, got %T", v)
		assert.Equal(t, time.Unix(1699999940, 0), c.Timestamp, "the bar opens at its start second")
		assert.Equal(t, 30000.0, c.Open)
		assert.Equal(t, 30060.0, c.High)
		assert.Equal(t, 29990.0, c.Low)
		assert.Equal(t, 30050.0, c.Close)
		assert.Equal(t, 12.5, c.Volume, "volume is the base column, not the quote turnover")
	case <-time.After(time.Second):
		t.Fatal("expected candle delivery")
	}
}

func TestWsHandleDataRoutingBookUpdate(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	loadTestMarkets(t, g)

	got := make(chan any, 1)
	require.NoError(t, g.Websocket.AddDispatch("spot.order_book_update:BTC_USDT", func(v any) { got <- v }))
	require.NoError(t, g.wsHandleData(context.Background(), []byte(wsBookFrame)))

	select {
	case v := <-got:
		u, ok := v.(*orderbook.Update)
		require.True(t, ok, "expected a book update, got %T", v)
		assert.Equal(t, orderbook.Delta, u.Type, "the incremental channel only ever deltas")
		assert.Equal(t, "BTC/USDT", u.Pair.Format("/", true))
		assert.EqualValues(t, 157, u.FirstUpdateID, "frames bracket the versions they span")
		assert.EqualValues(t, 160, u.LastUpdateID)
		require.Len(t, u.Bids, 2)
		require.Len(t, u.Asks, 1)
		assert.Equal(t, 30000.5, u.Bids[0].Price)
		assert.Equal(t, 0.0, u.Bids[1].Amount, "a zero amount removes the level")
		assert.Equal(t, 0.7, u.Asks[0].Amount)
		assert.Equal(t, time.UnixMilli(1700000001123), u.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected book delivery")
	}
}

func TestWsHandleDataRoutingOrders(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	loadTestMarkets(t, g)

	got := make(chan any, 2)
	require.NoError(t, g.Websocket.AddDispatch(channelOrders, func(v any) { got <- v }))
	require.NoError(t, g.wsHandleData(context.Background(), []byte(wsOrdersFrame)))

	select {
	case v := <-got:
		d, ok := v.(*order.Detail)
		require.True(t, ok, "expected an order detail, got %T", v)
		assert.Equal(t, "1852454420", d.OrderID)
		assert.Equal(t, "t-my-id", d.ClientOrderID, "the venue text field returns verbatim")
		assert.Equal(t, "BTC/USDT", d.Pair.Format("/", true))
		assert.Equal(t, order.Buy, d.Side)
		assert.Equal(t, order.Limit, d.Type)
		assert.Equal(t, order.PartiallyFilled, d.Status, "the update event marks a partial fill")
		assert.Equal(t, 0.5, d.Filled, "filled derives from amount minus left")
		assert.Equal(t, 0.5, d.Remaining)
		assert.Equal(t, 30000.0, d.Average)
		assert.Equal(t, 15000.0, d.Cost, "cost comes from the filled total")
		assert.Equal(t, 0.0005, d.Fee.Cost)
		assert.Equal(t, currency.BTC, d.Fee.Currency)
		assert.Equal(t, time.UnixMilli(1699990000000), d.Timestamp)
		assert.Equal(t, time.UnixMilli(1700000000000), d.LastUpdated)
	case <-time.After(time.Second):
		t.Fatal("expected order delivery")
	}
	select {
	case v := <-got:
		t.Fatalf("rows from other accounts must be skipped, got %T", v)
	default:
	}
}

func TestWsHandleDataRoutingBalances(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")

	got := make(chan any, 1)
	require.NoError(t, g.Websocket.AddDispatch(channelBalances, func(v any) { got <- v }))
	require.NoError(t, g.wsHandleData(context.Background(), []byte(wsBalancesFrame)))

	select {
	case v := <-got:
		h, ok := v.(*account.Holdings)
		require.True(t, ok, "expected holdings, got %T", v)
		require.Len(t, h.Balances, 2)
		btc, err := h.Balance("BTC")
		require.NoError(t, err)
		assert.Equal(t, 1.5, btc.Free)
		assert.Equal(t, 0.5, btc.Used, "freeze maps to the used bucket")
		assert.Equal(t, 2.0, btc.Total)
		assert.Equal(t, time.UnixMilli(1700000000123), h.Timestamp, "the first row stamps the snapshot")
	case <-time.After(time.Second):
		t.Fatal("expected holdings delivery")
	}
}

func TestWsHandleDataTolerance(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	loadTestMarkets(t, g)

	assert.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000015,"channel":"spot.pong","event":"","result":null}`)),
		"keep alive acks are not errors")
	assert.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"id":1,"channel":"spot.tickers","event":"subscribe","result":{"status":"success"}}`)),
		"command acknowledgements are not errors")
	assert.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"id":2,"channel":"spot.tickers","event":"unsubscribe","result":{"status":"success"}}`)),
		"release acknowledgements are not errors")
	assert.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"channel":"spot.tickers","event":"notice"}`)),
		"unknown events are dropped, not errors")
	assert.NoError(t, g.wsHandleData(context.Background(), []byte(wsTickerFrame)),
		"an unwatched channel is dropped, not an error")
	assert.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"channel":"spot.unknown","event":"update","result":{}}`)),
		"unknown channels are dropped, not errors")

	err := g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"channel":"spot.tickers","event":"update","result":{"currency_pair":"BROKEN","last":"1"}}`))
	assert.ErrorIs(t, err, errs.ErrBadSymbol, "unresolvable listings must surface")
}

func TestWsAckRejectionEmitted(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")

	require.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"id":1,"channel":"spot.tickers","event":"subscribe",`+
			`"error":{"code":2,"message":"unknown currency pair provided"},"result":null}`)))
	select {
	case ev := <-g.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrExchange)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}

	require.NoError(t, g.wsHandleData(context.Background(),
		[]byte(`{"time":1700000000,"id":2,"channel":"spot.orders","event":"subscribe",`+
			`"error":{"code":4,"message":"authentication failed"},"result":null}`)))
	select {
	case ev := <-g.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrAuthentication,
			"credential rejections surface on the ack because channels sign individually")
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestSubscriptionFrameGrammar(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")

	frame, err := g.subscriptionFrame("subscribe", "spot.tickers:BTC_USDT", false)
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000), frame.Time)
	assert.Equal(t, "spot.tickers", frame.Channel)
	assert.Equal(t, "subscribe", frame.Event)
	assert.Equal(t, []string{"BTC_USDT"}, frame.Payload)
	assert.Nil(t, frame.Auth, "public channels carry no credential block")

	frame, err = g.subscriptionFrame("subscribe", "spot.candlesticks:1m_BTC_USDT", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"1m", "BTC_USDT"}, frame.Payload, "candles split interval and pair")

	_, err = g.subscriptionFrame("subscribe", "spot.candlesticks:BTCUSDT", false)
	assert.Error(t, err, "a candle key without an interval must fail")

	frame, err = g.subscriptionFrame("subscribe", "spot.order_book_update:BTC_USDT", false)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC_USDT", "100ms"}, frame.Payload, "book deltas pin the cadence")

	frame, err = g.subscriptionFrame("unsubscribe", "spot.trades:BTC_USDT", false)
	require.NoError(t, err)
	assert.Equal(t, "unsubscribe", frame.Event)

	frame, err = g.subscriptionFrame("subscribe", channelOrders, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"!all"}, frame.Payload, "the order channel spans every spot pair")
	require.NotNil(t, frame.Auth, "private channels sign their own subscribe")
	assert.Equal(t, "api_key", frame.Auth.Method)
	assert.Equal(t, testKey, frame.Auth.Key)
	assert.Equal(t, signHex(t, "channel=spot.orders&event=subscribe&time=1700000000"), frame.Auth.Sign,
		"the signature covers channel, event and time")

	frame, err = g.subscriptionFrame("subscribe", channelBalances, true)
	require.NoError(t, err)
	assert.Nil(t, frame.Payload, "the balance channel takes no payload")
	require.NotNil(t, frame.Auth)

	_, err = g.subscriptionFrame("subscribe", "spot.unknown:BTC_USDT", false)
	assert.Error(t, err, "unknown channels must fail before the wire")
}

func TestManageSubscriptionsRejectsBadKey(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	sub := &subscription.Subscription{Key: 42, Channel: subscription.TickerChannel}
	assert.Error(t, g.Subscribe(context.Background(), subscription.List{sub}),
		"channel keys must be strings")
}

func TestPrivateSubscribeNeedsCredentials(t *testing.T) {
	t.Parallel()
	g := &Gateio{}
	g.SetDefaults()
	require.NoError(t, g.Setup(&exchange.Config{}))

	sub := &subscription.Subscription{
		Key:           channelOrders,
		Channel:       subscription.MyOrdersChannel,
		Authenticated: true,
	}
	err := g.Subscribe(context.Background(), subscription.List{sub})
	assert.ErrorIs(t, err, errs.ErrAuthentication, "private frames cannot be signed without keys")
}

func TestWatchCallbacksRequired(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	ctx := context.Background()

	_, err := g.WatchTicker(ctx, "BTC/USDT", nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = g.WatchOrderBook(ctx, "BTC/USDT", nil, 0)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = g.WatchTrades(ctx, "BTC/USDT", nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = g.WatchKlines(ctx, "BTC/USDT", kline.OneMin, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = g.WatchBalance(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = g.WatchOrders(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
}

func TestWatchKlinesRejectsUnknownInterval(t *testing.T) {
	t.Parallel()
	g := testVenue(t, "")
	loadTestMarkets(t, g)
	_, err := g.WatchKlines(context.Background(), "BTC/USDT", kline.Interval(7*time.Hour), func(*kline.Candle) {})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestWatchTickerEndToEnd(t *testing.T) {
	t.Parallel()
	subscribed := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsmock.Upgrader(t, w, r, func(_ int, msg []byte, c *gws.Conn) error {
			if string(msg) == string(pingFrame) {
				return c.WriteMessage(gws.TextMessage, []byte(`{"time":1700000015,"channel":"spot.pong","event":"","result":null}`))
			}
			var frame wsRequest
			if err := json.Unmarshal(msg, &frame); err != nil {
				return err
			}
			ack, err := json.Marshal(map[string]any{
				"time": frame.Time, "id": frame.ID, "channel": frame.Channel,
				"event": frame.Event, "result": map[string]string{"status": "success"},
			})
			if err != nil {
				return err
			}
			if err := c.WriteMessage(gws.TextMessage, ack); err != nil {
				return err
			}
			subscribed <- frame.Event + " " + frame.Channel + " " + strings.Join(frame.Payload, ",")
			if frame.Event == "subscribe" && frame.Channel == channelTickers {
				return c.WriteMessage(gws.TextMessage, []byte(wsTickerFrame))
			}
			return nil
		})
	}))
	defer srv.Close()

	g := testVenue(t, "")
	loadTestMarkets(t, g)
	g.Websocket.Conn.SetURL("ws" + strings.TrimPrefix(srv.URL, "http"))

	got := make(chan *ticker.Price, 1)
	sub, err := g.WatchTicker(context.Background(), "BTC/USDT", func(p *ticker.Price) { got <- p })
	require.NoError(t, err, "WatchTicker must not error")
	require.NotNil(t, sub)
	assert.Equal(t, "spot.tickers:BTC_USDT", sub.Key)
	assert.Equal(t, subscription.SubscribedState, sub.State())
	assert.True(t, g.Websocket.IsConnected())

	select {
	case msg := <-subscribed:
		assert.Equal(t, "subscribe spot.tickers BTC_USDT", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see a subscribe frame")
	}
	select {
	case p := <-got:
		assert.Equal(t, 30250.5, p.Last)
		assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed ticker")
	}

	require.NoError(t, g.Unwatch(context.Background(), sub))
	assert.Nil(t, g.Websocket.GetSubscription(sub.Key))
	select {
	case msg := <-subscribed:
		assert.Equal(t, "unsubscribe spot.tickers BTC_USDT", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see an unsubscribe frame")
	}

	require.NoError(t, g.CloseAllWs())
	assert.False(t, g.Websocket.IsConnected())
}

func TestPrivateChannelsEndToEnd(t *testing.T) {
	t.Parallel()
	auths := make(chan *wsRequest, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wsmock.Upgrader(t, w, r, func(_ int, msg []byte, c *gws.Conn) error {
			if string(msg) == string(pingFrame) {
				return c.WriteMessage(gws.TextMessage, []byte(`{"time":1700000015,"channel":"spot.pong","event":"","result":null}`))
			}
			var frame wsRequest
			if err := json.Unmarshal(msg, &frame); err != nil {
				return err
			}
			ack, err := json.Marshal(map[string]any{
				"time": frame.Time, "id": frame.ID, "channel": frame.Channel,
				"event": frame.Event, "result": map[string]string{"status": "success"},
			})
			if err != nil {
				return err
			}
			if err := c.WriteMessage(gws.TextMessage, ack); err != nil {
				return err
			}
			if frame.Event != "subscribe" {
				return nil
			}
			auths <- &frame
			switch frame.Channel {
			case channelOrders:
				return c.WriteMessage(gws.TextMessage, []byte(wsOrdersFrame))
			case channelBalances:
				return c.WriteMessage(gws.TextMessage, []byte(wsBalancesFrame))
			}
			return nil
		})
	}))
	defer srv.Close()

	g := testVenue(t, "")
	loadTestMarkets(t, g)
	g.Websocket.Conn.SetURL("ws" + strings.TrimPrefix(srv.URL, "http"))

	orders := make(chan *order.Detail, 1)
	sub, err := g.WatchOrders(context.Background(), func(d *order.Detail) { orders <- d })
	require.NoError(t, err, "WatchOrders must not error")
	assert.Equal(t, channelOrders, sub.Key)
	assert.True(t, sub.Authenticated)
	assert.True(t, g.Websocket.CanUseAuthenticatedEndpoints())

	select {
	case frame := <-auths:
		require.NotNil(t, frame.Auth, "private subscribes must carry the credential block")
		assert.Equal(t, "api_key", frame.Auth.Method)
		assert.Equal(t, testKey, frame.Auth.Key)
		assert.EqualValues(t, 1700000000, frame.Time)
		assert.Equal(t, signHex(t, "channel=spot.orders&event=subscribe&time=1700000000"), frame.Auth.Sign,
			"the signature covers channel, event and the frame time")
	case <-time.After(5 * time.Second):
		t.Fatal("expected a signed subscribe frame")
	}
	select {
	case d := <-orders:
		assert.Equal(t, "1852454420", d.OrderID)
		assert.Equal(t, order.PartiallyFilled, d.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed order report")
	}

	balances := make(chan *account.Holdings, 1)
	_, err = g.WatchBalance(context.Background(), func(h *account.Holdings) { balances <- h })
	require.NoError(t, err, "WatchBalance must not error")

	select {
	case frame := <-auths:
		require.NotNil(t, frame.Auth)
		assert.Equal(t, signHex(t, "channel=spot.balances&event=subscribe&time=1700000000"), frame.Auth.Sign)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a signed subscribe frame")
	}
	select {
	case h := <-balances:
		assert.Len(t, h.Balances, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("expected streamed holdings")
	}

	require.NoError(t, g.CloseAllWs())
	assert.False(t, g.Websocket.IsConnected())
	assert.False(t, g.Websocket.CanUseAuthenticatedEndpoints())
}
