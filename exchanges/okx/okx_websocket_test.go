package okx

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
	wsTickerFrame = `{"arg":{"channel":"tickers","instId":"BTC-USDT"},"data":[{"instType":"SPOT",` +
		`"instId":"BTC-USDT","last":"30250.5","lastSz":"0.1","askPx":"30251.0","askSz":"1.1",` +
		`"bidPx":"30250.0","bidSz":"2.5","open24h":"30000.0","high24h":"30500.0","low24h":"29900.0",` +
		`"volCcy24h":"37500000","vol24h":"1234.5","ts":"1700000000000"}]}`

	wsBooksSnapshotFrame = `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"snapshot",` +
		`"data":[{"asks":[["30001.0","0.7","0","2"],["30001.5","0.5","0","1"]],` +
		`"bids":[["30000.0","2.0","0","3"],["29999.0","1.0","0","1"]],` +
		`"ts":"1700000000000","prevSeqId":-1,"seqId":10}]}`

	wsBooksUpdateFrame = `{"arg":{"channel":"books","instId":"BTC-USDT"},"action":"update",` +
		`"data":[{"asks":[["30001.0","0","0","0"]],"bids":[["30000.5","1.5","0","1"]],` +
		`"ts":"1700000001000","prevSeqId":10,"seqId":11}]}`

	wsTradesFrame = `{"arg":{"channel":"trades","instId":"BTC-USDT"},"data":[{"instId":"BTC-USDT",` +
		`"tradeId":"777","px":"30100.0","sz":"0.25","side":"sell","ts":"1700000000000"}]}`

	wsCandleFrame = `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},` +
		`"data":[["1699999940000","30000","30060","29990","30050","12.5","376000","376000","0"]]}`

	wsAccountFrame = `{"arg":{"channel":"account"},"data":[{"totalEq":"12345.6","uTime":"1700000000000",` +
		`"details":[{"ccy":"BTC","availBal":"1.5","frozenBal":"0.5","uTime":"1700000000000"},` +
		`{"ccy":"USDT","availBal":"100.0","frozenBal":"0","uTime":"1700000000000"}]}]}`

	wsOrdersFrame = `{"arg":{"channel":"orders","instType":"SPOT"},"data":[{"instType":"SPOT",` +
		`"instId":"BTC-USDT","ordId":"4242","clOrdId":"my-id","px":"30000","sz":"1.0",` +
		`"ordType":"limit","side":"buy","state":"partially_filled","accFillSz":"0.5",` +
		`"avgPx":"30000","fillPx":"30000","fillSz":"0.5","feeCcy":"BTC","fee":"-0.0005",` +
		`"uTime":"1700000000000","cTime":"1699990000000"}]}`
)

func TestWsHandleDataRoutingTicker(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)

	got := make(chan any, 1)
	require.NoError(t, o.Websocket.AddDispatch("tickers:BTC-USDT", func(v any) { got <- v }))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsTickerFrame)))

	select {
	case v := <-got:
		p, ok := v.(*ticker.Price)
		require.True(t, ok, "expected a ticker, got %T", v)
		assert.Equal(t, "okx", p.ExchangeName)
		assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
		assert.Equal(t, 30250.5, p.Last)
		assert.Equal(t, 30250.0, p.Bid)
		assert.Equal(t, 30251.0, p.Ask)
		assert.Equal(t, 30250.5, p.Close, "close derives from last")
		assert.Equal(t, time.UnixMilli(1700000000000), p.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected ticker delivery")
	}
}

func TestWsHandleDataRoutingBooks(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)

	got := make(chan any, 2)
	require.NoError(t, o.Websocket.AddDispatch("books:BTC-USDT", func(v any) { got <- v }))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsBooksSnapshotFrame)))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsBooksUpdateFrame)))

	select {
	case v := <-got:
		u, ok := v.(*orderbook.Update)
		require.True(t, ok, "expected a book update, got %T", v)
		assert.Equal(t, orderbook.Snapshot, u.Type, "the first row arrives as a snapshot")
		assert.EqualValues(t, -1, u.FirstUpdateID)
		assert.EqualValues(t, 10, u.LastUpdateID)
		require.Len(t, u.Bids, 2)
		require.Len(t, u.Asks, 2)
		assert.Equal(t, 30000.0, u.Bids[0].Price)
		assert.Equal(t, 0.7, u.Asks[0].Amount)
		assert.Equal(t, time.UnixMilli(1700000000000), u.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected snapshot delivery")
	}
	select {
	case v := <-got:
		u, ok := v.(*orderbook.Update)
		require.True(t, ok, "expected a book update, got %T", v)
		assert.Equal(t, orderbook.Delta, u.Type)
		assert.EqualValues(t, 10, u.FirstUpdateID, "deltas chain on the previous sequence id")
		assert.EqualValues(t, 11, u.LastUpdateID)
		require.Len(t, u.Asks, 1)
		assert.Equal(t, 0.0, u.Asks[0].Amount, "a zero amount removes the level")
	case <-time.After(time.Second):
		t.Fatal("expected delta delivery")
	}
}

func TestWsHandleDataRoutingTrades(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)

	got := make(chan any, 1)
	require.NoError(t, o.Websocket.AddDispatch("trades:BTC-USDT", func(v any) { got <- v }))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsTradesFrame)))

	select {
	case v := <-got:
		trades, ok := v.([]trade.Data)
		require.True(t, ok, "expected trades, got %T", v)
		require.Len(t, trades, 1)
		assert.Equal(t, "777", trades[0].ID)
		assert.Equal(t, order.Sell, trades[0].Side)
		assert.Equal(t, 30100.0, trades[0].Price)
		assert.Equal(t, 0.25, trades[0].Amount)
		assert.Equal(t, 30100.0*0.25, trades[0].Cost, "cost derives from price and amount")
	case <-time.After(time.Second):
		t.Fatal("expected trade delivery")
	}
}

func TestWsHandleDataRoutingCandle(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)

	got := make(chan any, 1)
	require.NoError(t, o.Websocket.AddDispatch("candle1m:BTC-USDT", func(v any) { got <- v }))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsCandleFrame)))

	select {
	case v := <-got:
		c, ok := v.(*kline.Candle)
		require.True(t, ok, "expected a candle, got %T", v)
		assert.Equal(t, time.UnixMilli(1699999940000).UTC(), c.Timestamp)
		assert.Equal(t, 30000.0, c.Open)
		assert.Equal(t, 30060.0, c.High)
		assert.Equal(t, 29990.0, c.Low)
		assert.Equal(t, 30050.0, c.Close)
		assert.Equal(t, 12.5, c.Volume)
	case <-time.After(time.Second):
		t.Fatal("expected candle delivery")
	}
}

func TestWsHandleDataRoutingAccount(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")

	got := make(chan any, 1)
	require.NoError(t, o.Websocket.AddDispatch("account", func(v any) { got <- v }))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsAccountFrame)))

	select {
	case v := <-got:
		h, ok := v.(*account.Holdings)
		require.True(t, ok, "expected holdings, got %T", v)
		require.Len(t, h.Balances, 2)
		btc, err := h.Balance("BTC")
		require.NoError(t, err)
		assert.Equal(t, 1.5, btc.Free)
		assert.Equal(t, 0.5, btc.Used)
		assert.Equal(t, 2.0, btc.Total)
		assert.Equal(t, time.UnixMilli(1700000000000), h.Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected holdings delivery")
	}
}

func TestWsHandleDataRoutingOrders(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)

	got := make(chan any, 1)
	require.NoError(t, o.Websocket.AddDispatch("orders", func(v any) { got <- v }))
	require.NoError(t, o.wsHandleData(context.Background(), []byte(wsOrdersFrame)))

	select {
	case v := <-got:
		d, ok := v.(*order.Detail)
		require.True(t, ok, "expected an order detail, got %T", v)
		assert.Equal(t, "4242", d.OrderID)
		assert.Equal(t, "my-id", d.ClientOrderID)
		assert.Equal(t, "BTC/USDT", d.Pair.Format("/", true))
		assert.Equal(t, order.Buy, d.Side)
		assert.Equal(t, order.Limit, d.Type)
		assert.Equal(t, order.PartiallyFilled, d.Status)
		assert.Equal(t, 0.5, d.Filled)
		assert.Equal(t, 0.5, d.Remaining, "remaining derives from amount minus filled")
		assert.Equal(t, 30000.0, d.Average)
		assert.Equal(t, 0.0005, d.Fee.Cost, "the venue reports fees negative")
		assert.Equal(t, time.UnixMilli(1699990000000), d.Timestamp)
		assert.Equal(t, time.UnixMilli(1700000000000), d.LastUpdated)
	case <-time.After(time.Second):
		t.Fatal("expected order delivery")
	}
}

func TestWsHandleDataTolerance(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)

	assert.NoError(t, o.wsHandleData(context.Background(), []byte("pong")),
		"keep alive replies are not errors")
	assert.NoError(t, o.wsHandleData(context.Background(),
		[]byte(`{"event":"subscribe","arg":{"channel":"tickers","instId":"BTC-USDT"},"connId":"a1"}`)),
		"command acknowledgements are not errors")
	assert.NoError(t, o.wsHandleData(context.Background(),
		[]byte(`{"event":"notice","msg":"scheduled upgrade"}`)),
		"unknown events are dropped, not errors")
	assert.NoError(t, o.wsHandleData(context.Background(), []byte(wsTickerFrame)),
		"an unwatched topic is dropped, not an error")
	assert.NoError(t, o.wsHandleData(context.Background(), []byte(`{"data":[]}`)),
		"frames without a channel argument are ignored")

	err := o.wsHandleData(context.Background(),
		[]byte(`{"arg":{"channel":"tickers","instId":"BROKEN"},"data":[{"instId":"BROKEN","last":"1"}]}`))
	assert.ErrorIs(t, err, errs.ErrBadSymbol, "unresolvable instruments must surface")
}

func TestWsErrorEventEmitted(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")

	require.NoError(t, o.wsHandleData(context.Background(),
		[]byte(`{"event":"error","code":"60012","msg":"Illegal request"}`)))

	select {
	case ev := <-o.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrExchange)
		var ve *errs.Error
		require.ErrorAs(t, e.Cause, &ve)
		assert.Equal(t, "60012", ve.VenueCode)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestWsLoginEvents(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")

	wait := make(chan error, 1)
	o.loginMu.Lock()
	o.loginC = wait
	o.loginMu.Unlock()
	require.NoError(t, o.wsHandleData(context.Background(), []byte(`{"event":"login","code":"0","msg":""}`)))
	select {
	case err := <-wait:
		assert.NoError(t, err, "a confirmed login completes the wait cleanly")
	case <-time.After(time.Second):
		t.Fatal("expected the login waiter to be signalled")
	}

	wait = make(chan error, 1)
	o.loginMu.Lock()
	o.loginC = wait
	o.loginMu.Unlock()
	require.NoError(t, o.wsHandleData(context.Background(), []byte(`{"event":"login","code":"60009","msg":"Login failed"}`)))
	select {
	case err := <-wait:
		assert.ErrorIs(t, err, errs.ErrAuthentication)
	case <-time.After(time.Second):
		t.Fatal("expected the login waiter to be signalled")
	}

	// A rejected login can also arrive as a plain error event; the waiter
	// consumes it and nothing lands on the event stream
	wait = make(chan error, 1)
	o.loginMu.Lock()
	o.loginC = wait
	o.loginMu.Unlock()
	require.NoError(t, o.wsHandleData(context.Background(), []byte(`{"event":"error","code":"60009","msg":"Login failed."}`)))
	select {
	case err := <-wait:
		assert.ErrorIs(t, err, errs.ErrAuthentication)
	case <-time.After(time.Second):
		t.Fatal("expected the login waiter to be signalled")
	}
	select {
	case ev := <-o.Events():
		t.Fatalf("a consumed login rejection must not also emit, got %T", ev)
	default:
	}

	// Without a waiter a failed login lands on the event stream instead
	require.NoError(t, o.wsHandleData(context.Background(), []byte(`{"event":"login","code":"60009","msg":"Login failed"}`)))
	select {
	case ev := <-o.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrAuthentication)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestSubscriptionArgument(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")

	arg, err := o.subscriptionArgument(&subscription.Subscription{Key: "tickers:BTC-USDT"})
	require.NoError(t, err)
	assert.Equal(t, "tickers", arg.Channel)
	assert.Equal(t, "BTC-USDT", arg.InstrumentID)
	assert.Empty(t, arg.InstrumentType)

	arg, err = o.subscriptionArgument(&subscription.Subscription{Key: "orders"})
	require.NoError(t, err)
	assert.Equal(t, "orders", arg.Channel)
	assert.Empty(t, arg.InstrumentID)
	assert.Equal(t, "SPOT", arg.InstrumentType, "order streams scope to an instrument type")
}

func TestManageSubscriptionsRejectsBadKey(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	sub := &subscription.Subscription{Key: 42, Channel: subscription.TickerChannel}
	assert.Error(t, o.Subscribe(context.Background(), subscription.List{sub}),
		"topic keys must be strings")
}

func TestManageSubscriptionsPrivateNeedsStream(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	sub := &subscription.Subscription{
		Key:           channelAccount,
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	err := o.Subscribe(context.Background(), subscription.List{sub})
	assert.ErrorIs(t, err, errs.ErrAuthentication, "private topics need the logged in stream first")
}

func TestWatchCallbacksRequired(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	ctx := context.Background()

	_, err := o.WatchTicker(ctx, "BTC/USDT", nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = o.WatchOrderBook(ctx, "BTC/USDT", nil, 0)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = o.WatchTrades(ctx, "BTC/USDT", nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = o.WatchKlines(ctx, "BTC/USDT", kline.OneMin, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = o.WatchBalance(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = o.WatchOrders(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
}

func TestWatchKlinesRejectsUnknownInterval(t *testing.T) {
	t.Parallel()
	o := testVenue(t, "")
	loadTestMarkets(t, o)
	_, err := o.WatchKlines(context.Background(), "BTC/USDT", kline.Interval(7*time.Hour), func(*kline.Candle) {})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestWatchTickerEndToEnd(t *testing.T) {
	t.Parallel()
	subscribed := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/v5/public", r.URL.Path)
		wsmock.Upgrader(t, w, r, func(_ int, msg []byte, c *gws.Conn) error {
			if string(msg) == "ping" {
				return c.WriteMessage(gws.TextMessage, []byte("pong"))
			}
			var frame wsRequest
			if err := json.Unmarshal(msg, &frame); err != nil {
				return err
			}
			for _, arg := range frame.Arguments {
				ack, err := json.Marshal(map[string]any{"event": frame.Operation, "arg": arg, "connId": "a1"})
				if err != nil {
					return err
				}
				if err := c.WriteMessage(gws.TextMessage, ack); err != nil {
					return err
				}
				subscribed <- frame.Operation + " " + arg.Channel + ":" + arg.InstrumentID
			}
			if frame.Operation == "subscribe" {
				return c.WriteMessage(gws.TextMessage, []byte(wsTickerFrame))
			}
			return nil
		})
	}))
	defer srv.Close()

	o := testVenue(t, "")
	loadTestMarkets(t, o)
	o.Websocket.Conn.SetURL("ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/v5/public")

	got := make(chan *ticker.Price, 1)
	sub, err := o.WatchTicker(context.Background(), "BTC/USDT", func(p *ticker.Price) { got <- p })
	require.NoError(t, err, "WatchTicker must not error")
	require.NotNil(t, sub)
	assert.Equal(t, "tickers:BTC-USDT", sub.Key)
	assert.Equal(t, subscription.SubscribedState, sub.State())
	assert.True(t, o.Websocket.IsConnected())

	select {
	case msg := <-subscribed:
		assert.Equal(t, "subscribe tickers:BTC-USDT", msg)
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

	require.NoError(t, o.Unwatch(context.Background(), sub))
	assert.Nil(t, o.Websocket.GetSubscription(sub.Key))
	select {
	case msg := <-subscribed:
		assert.Equal(t, "unsubscribe tickers:BTC-USDT", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see an unsubscribe frame")
	}

	require.NoError(t, o.CloseAllWs())
	assert.False(t, o.Websocket.IsConnected())
}

func TestPrivateStreamEndToEnd(t *testing.T) {
	t.Parallel()
	logins := make(chan wsLoginArgument, 1)
	var upgrader gws.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ws/v5/public":
			wsmock.Upgrader(t, w, r, func(int, []byte, *gws.Conn) error { return nil })
		case "/ws/v5/private":
			c, err := upgrader.Upgrade(w, r, nil)
			if err != nil {
				return
			}
			defer c.Close()
			for {
				_, msg, err := c.ReadMessage()
				if err != nil {
					return
				}
				if string(msg) == "ping" {
					if err := c.WriteMessage(gws.TextMessage, []byte("pong")); err != nil {
						return
					}
					continue
				}
				var probe struct {
					Op string `json:"op"`
				}
				if err := json.Unmarshal(msg, &probe); err != nil {
					continue
				}
				switch probe.Op {
				case "login":
					var req wsLoginRequest
					if err := json.Unmarshal(msg, &req); err != nil || len(req.Arguments) != 1 {
						return
					}
					logins <- req.Arguments[0]
					if err := c.WriteMessage(gws.TextMessage, []byte(`{"event":"login","code":"0","msg":""}`)); err != nil {
						return
					}
				case "subscribe":
					var req wsRequest
					if err := json.Unmarshal(msg, &req); err != nil {
						continue
					}
					for _, arg := range req.Arguments {
						var push string
						switch arg.Channel {
						case channelOrders:
							push = wsOrdersFrame
						case channelAccount:
							push = wsAccountFrame
						default:
							continue
						}
						if err := c.WriteMessage(gws.TextMessage, []byte(push)); err != nil {
							return
						}
					}
				}
			}
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	o := testVenue(t, "")
	loadTestMarkets(t, o)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	o.Websocket.Conn.SetURL(wsBase + "/ws/v5/public")
	o.API.Endpoints.SetRunning(exchange.WebsocketPrivate, wsBase+"/ws/v5/private")

	orders := make(chan *order.Detail, 1)
	sub, err := o.WatchOrders(context.Background(), func(d *order.Detail) { orders <- d })
	require.NoError(t, err, "WatchOrders must not error")
	assert.Equal(t, "orders", sub.Key)
	assert.True(t, sub.Authenticated)
	assert.True(t, o.Websocket.CanUseAuthenticatedEndpoints())

	select {
	case login := <-logins:
		assert.Equal(t, testKey, login.APIKey)
		assert.Equal(t, testPassphrase, login.Passphrase)
		assert.Equal(t, "1700000000", login.Timestamp, "the login timestamp is second precision")
		assert.Equal(t, signB64(t, "1700000000"+"GET"+loginVerifyPath), login.Sign)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a login frame")
	}
	select {
	case d := <-orders:
		assert.Equal(t, "4242", d.OrderID)
		assert.Equal(t, order.PartiallyFilled, d.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed order report")
	}

	balances := make(chan *account.Holdings, 1)
	_, err = o.WatchBalance(context.Background(), func(h *account.Holdings) { balances <- h })
	require.NoError(t, err, "WatchBalance must not error")

	select {
	case h := <-balances:
		assert.Len(t, h.Balances, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("expected streamed holdings")
	}

	require.NoError(t, o.CloseAllWs())
	assert.False(t, o.Websocket.IsConnected())
	assert.False(t, o.Websocket.CanUseAuthenticatedEndpoints())
}
