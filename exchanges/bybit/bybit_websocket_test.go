package bybit

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
	wsTickerFrame = `{"topic":"tickers.BTCUSDT","type":"snapshot","ts":1700000000000,` +
		`"data":{"symbol":"BTCUSDT","lastPrice":"30250.5","highPrice24h":"30500.0",` +
		`"lowPrice24h":"29900.0","prevPrice24h":"30000.0","volume24h":"1234.5",` +
		`"turnover24h":"37500000","price24hPcnt":"0.00835"}}`

	wsBookSnapshotFrame = `{"topic":"orderbook.50.BTCUSDT","type":"snapshot","ts":1700000000000,` +
		`"data":{"s":"BTCUSDT","b":[["30000.0","2.0"],["29999.0","1.0"]],` +
		`"a":[["30001.0","0.7"],["30001.5","0.5"]],"u":10,"seq":100}}`

	wsBookDeltaFrame = `{"topic":"orderbook.50.BTCUSDT","type":"delta","ts":1700000001000,` +
		`"data":{"s":"BTCUSDT","b":[["30000.5","1.5"]],"a":[["30001.0","0"]],"u":11,"seq":101}}`

	wsTradesFrame = `{"topic":"publicTrade.BTCUSDT","type":"snapshot","ts":1700000000000,` +
		`"data":[{"i":"777","T":1700000000000,"p":"30100.0","v":"0.25","S":"Sell","s":"BTCUSDT","BT":false}]}`

	wsKlineFrame = `{"topic":"kline.1.BTCUSDT","type":"snapshot","ts":1700000000123,` +
		`"data":[{"start":1699999940000,"end":1700000000000,"interval":"1","open":"30000",` +
		`"high":"30060","low":"29990","close":"30050","volume":"12.5","turnover":"376000","confirm":false}]}`

	wsWalletFrame = `{"topic":"wallet","id":"w1","creationTime":1700000000000,` +
		`"data":[{"accountType":"UNIFIED","totalEquity":"35000",` +
		`"coin":[{"coin":"BTC","walletBalance":"2.0","locked":"0.5","availableToWithdraw":"1.5"},` +
		`{"coin":"USDT","walletBalance":"100.0","locked":"0","availableToWithdraw":""}]}]}`

	wsOrdersFrame = `{"topic":"order","id":"o1","creationTime":1700000000000,` +
		`"data":[{"category":"spot","orderId":"1321","orderLinkId":"my-id","symbol":"BTCUSDT",` +
		`"price":"30000","qty":"1.0","side":"Buy","orderStatus":"PartiallyFilled","orderType":"Limit",` +
		`"timeInForce":"GTC","avgPrice":"30000","cumExecQty":"0.5","cumExecValue":"15000",` +
		`"cumExecFee":"0.0005","createdTime":"1699990000000","updatedTime":"1700000000000"},` +
		`{"category":"linear","orderId":"9","symbol":"BTCUSDT","side":"Buy","orderStatus":"New"}]}`
)

func TestWsHandleDataRoutingTicker(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("tickers.BTCUSDT", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsTickerFrame)))

	select {
	case v := <-got:
		p, ok := v.(*ticker.Price)
		require.True(t, ok, "expected a ticker, got %T", v)
		assert.Equal(t, "bybit", p.ExchangeName)
		assert.Equal(t, "BTC/USDT", p.Pair.Format("/", true))
		assert.Equal(t, 30250.5, p.Last)
		assert.Zero(t, p.Bid, "spot ticker pushes carry no quotes")
		assert.Equal(t, 30000.0, p.Open, "open comes from the 24h previous price")
		assert.Equal(t, 30250.5, p.Close, "close derives from last")
		assert.Equal(t, 250.5, p.Change, "change derives from last minus open")
		assert.InDelta(t, 0.835, p.Percentage, 1e-9, "the venue ratio scales to percent")
		assert.Equal(t, time.UnixMilli(1700000000000), p.Timestamp, "the frame timestamp stamps the ticker")
	case <-time.After(time.Second):
		t.Fatal("expected ticker delivery")
	}
}

func TestWsHandleDataRoutingBooks(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 2)
	require.NoError(t, b.Websocket.AddDispatch("orderbook.50.BTCUSDT", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsBookSnapshotFrame)))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsBookDeltaFrame)))

	select {
	case v := <-got:
		u, ok := v.(*orderbook.Update)
		require.True(t, ok, "expected a book update, got %T", v)
		assert.Equal(t, orderbook.Snapshot, u.Type, "the first row arrives as a snapshot")
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
		assert.EqualValues(t, 11, u.LastUpdateID, "deltas carry the next update id")
		require.Len(t, u.Asks, 1)
		assert.Equal(t, 0.0, u.Asks[0].Amount, "a zero amount removes the level")
	case <-time.After(time.Second):
		t.Fatal("expected delta delivery")
	}
}

func TestWsHandleDataRoutingTrades(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("publicTrade.BTCUSDT", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsTradesFrame)))

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
		assert.Equal(t, time.UnixMilli(1700000000000), trades[0].Timestamp)
	case <-time.After(time.Second):
		t.Fatal("expected trade delivery")
	}
}

func TestWsHandleDataRoutingKline(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("kline.1.BTCUSDT", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsKlineFrame)))

	select {
	case v := <-got:
		c, ok := v.(*kline.Candle)
		require.True(t, ok, "expected a candle, got %T", v)
		assert.Equal(t, time.UnixMilli(1699999940000), c.Timestamp, "the bar opens at its start time")
		assert.Equal(t, 30000.0, c.Open)
		assert.Equal(t, 30060.0, c.High)
		assert.Equal(t, 29990.0, c.Low)
		assert.Equal(t, 30050.0, c.Close)
		assert.Equal(t, 12.5, c.Volume)
	case <-time.After(time.Second):
		t.Fatal("expected candle delivery")
	}
}

func TestWsHandleDataRoutingWallet(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	got := make(chan any, 1)
	require.NoError(t, b.Websocket.AddDispatch("wallet", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsWalletFrame)))

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
		usdt, err := h.Balance("USDT")
		require.NoError(t, err)
		assert.Equal(t, 100.0, usdt.Free, "free falls back to wallet minus locked")
		assert.Equal(t, time.UnixMilli(1700000000000), h.Timestamp, "the creation time stamps the snapshot")
	case <-time.After(time.Second):
		t.Fatal("expected holdings delivery")
	}
}

func TestWsHandleDataRoutingOrders(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	got := make(chan any, 2)
	require.NoError(t, b.Websocket.AddDispatch("order", func(v any) { got <- v }))
	require.NoError(t, b.wsHandleData(context.Background(), []byte(wsOrdersFrame)))

	select {
	case v := <-got:
		d, ok := v.(*order.Detail)
		require.True(t, ok, "expected an order detail, got %T", v)
		assert.Equal(t, "1321", d.OrderID)
		assert.Equal(t, "my-id", d.ClientOrderID)
		assert.Equal(t, "BTC/USDT", d.Pair.Format("/", true))
		assert.Equal(t, order.Buy, d.Side)
		assert.Equal(t, order.Limit, d.Type)
		assert.Equal(t, order.PartiallyFilled, d.Status)
		assert.Equal(t, 0.5, d.Filled)
		assert.Equal(t, 0.5, d.Remaining, "remaining derives from amount minus filled")
		assert.Equal(t, 30000.0, d.Average)
		assert.Equal(t, 15000.0, d.Cost, "cost comes from the cumulative executed value")
		assert.Equal(t, 0.0005, d.Fee.Cost, "fees arrive positive as charged")
		assert.Equal(t, currency.BTC, d.Fee.Currency, "a spot buy charges its fee in the received base")
		assert.Equal(t, time.UnixMilli(1699990000000), d.Timestamp)
		assert.Equal(t, time.UnixMilli(1700000000000), d.LastUpdated)
	case <-time.After(time.Second):
		t.Fatal("expected order delivery")
	}
	select {
	case v := <-got:
		t.Fatalf("rows from other categories must be skipped, got %T", v)
	default:
	}
}

func TestWsHandleDataTolerance(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)

	assert.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"ping","success":true,"ret_msg":"pong","conn_id":"c1"}`)),
		"public keep alive acks are not errors")
	assert.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"pong","args":["1700000000000"],"conn_id":"c1"}`)),
		"private keep alive acks are not errors")
	assert.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"subscribe","success":true,"conn_id":"c1"}`)),
		"command acknowledgements are not errors")
	assert.NoError(t, b.wsHandleData(context.Background(), []byte(`{"op":"notice"}`)),
		"unknown ops are dropped, not errors")
	assert.NoError(t, b.wsHandleData(context.Background(), []byte(wsTickerFrame)),
		"an unwatched topic is dropped, not an error")
	assert.NoError(t, b.wsHandleData(context.Background(), []byte(`{"retCode":0}`)),
		"frames without an op or topic are ignored")

	err := b.wsHandleData(context.Background(),
		[]byte(`{"topic":"tickers.BROKEN","type":"snapshot","ts":1700000000000,"data":{"symbol":"BROKEN","lastPrice":"1"}}`))
	assert.ErrorIs(t, err, errs.ErrBadSymbol, "unresolvable instruments must surface")
}

func TestWsSubscribeRejectionEmitted(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	require.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"subscribe","success":false,"ret_msg":"topic not exist","conn_id":"c1"}`)))

	select {
	case ev := <-b.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrExchange)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestWsAuthEvents(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")

	wait := make(chan error, 1)
	b.authMu.Lock()
	b.authC = wait
	b.authMu.Unlock()
	require.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"auth","success":true,"ret_msg":"","conn_id":"c1"}`)))
	select {
	case err := <-wait:
		assert.NoError(t, err, "a confirmed auth completes the wait cleanly")
	case <-time.After(time.Second):
		t.Fatal("expected the auth waiter to be signalled")
	}

	wait = make(chan error, 1)
	b.authMu.Lock()
	b.authC = wait
	b.authMu.Unlock()
	require.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"auth","success":false,"ret_msg":"Params error: invalid signature"}`)))
	select {
	case err := <-wait:
		assert.ErrorIs(t, err, errs.ErrAuthentication)
	case <-time.After(time.Second):
		t.Fatal("expected the auth waiter to be signalled")
	}
	select {
	case ev := <-b.Events():
		t.Fatalf("a consumed auth rejection must not also emit, got %T", ev)
	default:
	}

	// Without a waiter a failed auth lands on the event stream instead
	require.NoError(t, b.wsHandleData(context.Background(),
		[]byte(`{"op":"auth","success":false,"ret_msg":"Params error: invalid signature"}`)))
	select {
	case ev := <-b.Events():
		e, ok := ev.(exchange.ErrorEvent)
		require.True(t, ok, "expected an error event, got %T", ev)
		assert.ErrorIs(t, e.Cause, errs.ErrAuthentication)
	case <-time.After(time.Second):
		t.Fatal("expected an error event")
	}
}

func TestManageSubscriptionsRejectsBadKey(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	sub := &subscription.Subscription{Key: 42, Channel: subscription.TickerChannel}
	assert.Error(t, b.Subscribe(context.Background(), subscription.List{sub}),
		"topic keys must be strings")
}

func TestManageSubscriptionsPrivateNeedsStream(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	sub := &subscription.Subscription{
		Key:           topicWallet,
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	err := b.Subscribe(context.Background(), subscription.List{sub})
	assert.ErrorIs(t, err, errs.ErrAuthentication, "private topics need the authenticated stream first")
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
	_, err = b.WatchBalance(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
	_, err = b.WatchOrders(ctx, nil)
	assert.ErrorIs(t, err, common.ErrNilPointer)
}

func TestWatchKlinesRejectsUnknownInterval(t *testing.T) {
	t.Parallel()
	b := testVenue(t, "")
	loadTestMarkets(t, b)
	_, err := b.WatchKlines(context.Background(), "BTC/USDT", kline.Interval(7*time.Hour), func(*kline.Candle) {})
	assert.ErrorIs(t, err, errs.ErrBadRequest)
}

func TestWatchTickerEndToEnd(t *testing.T) {
	t.Parallel()
	subscribed := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v5/public/spot", r.URL.Path)
		wsmock.Upgrader(t, w, r, func(_ int, msg []byte, c *gws.Conn) error {
			if string(msg) == string(pingFrame) {
				return c.WriteMessage(gws.TextMessage, []byte(`{"op":"ping","success":true,"ret_msg":"pong","conn_id":"c1"}`))
			}
			var frame wsRequest
			if err := json.Unmarshal(msg, &frame); err != nil {
				return err
			}
			ack, err := json.Marshal(map[string]any{"op": frame.Operation, "success": true, "conn_id": "c1"})
			if err != nil {
				return err
			}
			if err := c.WriteMessage(gws.TextMessage, ack); err != nil {
				return err
			}
			for _, topic := range frame.Arguments {
				subscribed <- frame.Operation + " " + topic
			}
			if frame.Operation == "subscribe" {
				return c.WriteMessage(gws.TextMessage, []byte(wsTickerFrame))
			}
			return nil
		})
	}))
	defer srv.Close()

	b := testVenue(t, "")
	loadTestMarkets(t, b)
	b.Websocket.Conn.SetURL("ws" + strings.TrimPrefix(srv.URL, "http") + "/v5/public/spot")

	got := make(chan *ticker.Price, 1)
	sub, err := b.WatchTicker(context.Background(), "BTC/USDT", func(p *ticker.Price) { got <- p })
	require.NoError(t, err, "WatchTicker must not error")
	require.NotNil(t, sub)
	assert.Equal(t, "tickers.BTCUSDT", sub.Key)
	assert.Equal(t, subscription.SubscribedState, sub.State())
	assert.True(t, b.Websocket.IsConnected())

	select {
	case msg := <-subscribed:
		assert.Equal(t, "subscribe tickers.BTCUSDT", msg)
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

	require.NoError(t, b.Unwatch(context.Background(), sub))
	assert.Nil(t, b.Websocket.GetSubscription(sub.Key))
	select {
	case msg := <-subscribed:
		assert.Equal(t, "unsubscribe tickers.BTCUSDT", msg)
	case <-time.After(5 * time.Second):
		t.Fatal("expected the venue to see an unsubscribe frame")
	}

	require.NoError(t, b.CloseAllWs())
	assert.False(t, b.Websocket.IsConnected())
}

func TestPrivateStreamEndToEnd(t *testing.T) {
	t.Parallel()
	auths := make(chan []any, 1)
	var upgrader gws.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v5/public/spot":
			wsmock.Upgrader(t, w, r, func(int, []byte, *gws.Conn) error { return nil })
		case "/v5/private":
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
				if string(msg) == string(pingFrame) {
					if err := c.WriteMessage(gws.TextMessage, []byte(`{"op":"pong","conn_id":"c1"}`)); err != nil {
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
				case "auth":
					var req wsAuthRequest
					if err := json.Unmarshal(msg, &req); err != nil || len(req.Arguments) != 3 {
						return
					}
					auths <- req.Arguments
					if err := c.WriteMessage(gws.TextMessage, []byte(`{"op":"auth","success":true,"ret_msg":"","conn_id":"c1"}`)); err != nil {
						return
					}
				case "subscribe":
					var req wsRequest
					if err := json.Unmarshal(msg, &req); err != nil {
						continue
					}
					for _, topic := range req.Arguments {
						var push string
						switch topic {
						case topicOrders:
							push = wsOrdersFrame
						case topicWallet:
							push = wsWalletFrame
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

	b := testVenue(t, "")
	loadTestMarkets(t, b)
	wsBase := "ws" + strings.TrimPrefix(srv.URL, "http")
	b.Websocket.Conn.SetURL(wsBase + "/v5/public/spot")
	b.API.Endpoints.SetRunning(exchange.WebsocketPrivate, wsBase+"/v5/private")

	orders := make(chan *order.Detail, 1)
	sub, err := b.WatchOrders(context.Background(), func(d *order.Detail) { orders <- d })
	require.NoError(t, err, "WatchOrders must not error")
	assert.Equal(t, "order", sub.Key)
	assert.True(t, sub.Authenticated)
	assert.True(t, b.Websocket.CanUseAuthenticatedEndpoints())

	select {
	case auth := <-auths:
		require.Len(t, auth, 3)
		assert.Equal(t, testKey, auth[0])
		assert.EqualValues(t, 1700000002000, auth[1], "the expiry sits two seconds past the pinned clock")
		assert.Equal(t, signHex(t, "GET/realtime1700000002000"), auth[2],
			"the signature covers the fixed realtime path and the expiry")
	case <-time.After(5 * time.Second):
		t.Fatal("expected an auth frame")
	}
	select {
	case d := <-orders:
		assert.Equal(t, "1321", d.OrderID)
		assert.Equal(t, order.PartiallyFilled, d.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("expected a streamed order report")
	}

	balances := make(chan *account.Holdings, 1)
	_, err = b.WatchBalance(context.Background(), func(h *account.Holdings) { balances <- h })
	require.NoError(t, err, "WatchBalance must not error")

	select {
	case h := <-balances:
		assert.Len(t, h.Balances, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("expected streamed holdings")
	}

	require.NoError(t, b.CloseAllWs())
	assert.False(t, b.Websocket.IsConnected())
	assert.False(t, b.Websocket.CanUseAuthenticatedEndpoints())
}
