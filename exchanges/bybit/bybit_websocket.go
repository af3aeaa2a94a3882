package bybit

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/buger/jsonparser"
	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/common/crypto"
	"github.com/calder-labs/unicex/currency"
	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/account"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/stream"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
)

const (
	// pingInterval keeps both streams inside the venue's idle cutoff
	pingInterval = 20 * time.Second

	// authGrace bounds the wait for the venue's auth confirmation
	authGrace = 10 * time.Second

	topicTickers   = "tickers"
	topicOrderbook = "orderbook"
	topicTrades    = "publicTrade"
	topicKline     = "kline"
	topicOrders    = "order"
	topicWallet    = "wallet"

	// defaultBookDepth is the venue's middle depth tier for the spot stream
	defaultBookDepth = 50
)

// pingFrame is the venue's application level keep alive
var pingFrame = []byte(`{"op":"ping"}`)

// WsConnect dials the public stream and starts its reader. When private
// topics were in use before a reconnect the auth session is reestablished.
func (b *Bybit) WsConnect(ctx context.Context) error {
	if err := b.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	b.Websocket.Conn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     pingFrame,
		Delay:       pingInterval,
	})
	b.Websocket.Wg.Add(1)
	go b.Websocket.Reader(ctx, b.Websocket.Conn, b.wsHandleData)
	if b.Websocket.CanUseAuthenticatedEndpoints() {
		if err := b.wsAuthConnect(ctx); err != nil {
			b.Websocket.SetCanUseAuthenticatedEndpoints(false)
			b.Log().Error().Err(err).Msg("private stream reconnect")
			b.EmitError(err)
		}
	}
	return nil
}

// wsAuthConnect dials the private endpoint and performs the auth handshake.
// Both streams share the push envelope, so the reader is shared too.
func (b *Bybit) wsAuthConnect(ctx context.Context) error {
	if c := b.Websocket.AuthConn; c != nil && c.IsConnected() {
		// A stale session must release its reader before the redial
		if err := c.Shutdown(); err != nil {
			b.Log().Debug().Err(err).Msg("private stream shutdown before redial")
		}
	}
	if b.Websocket.AuthConn == nil {
		if _, err := b.Websocket.SetupNewConnection(&stream.ConnectionSetup{
			URL:           b.EndpointURL(exchange.WebsocketPrivate),
			Authenticated: true,
		}); err != nil {
			return err
		}
	}
	if err := b.Websocket.AuthConn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	b.Websocket.AuthConn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     pingFrame,
		Delay:       pingInterval,
	})
	b.Websocket.Wg.Add(1)
	go b.Websocket.Reader(ctx, b.Websocket.AuthConn, b.wsHandleData)
	return b.wsAuth(ctx)
}

// wsAuth authenticates the private connection and waits for the venue's
// confirmation. The signature covers a fixed realtime path and a millisecond
// expiry a little ahead of now.
func (b *Bybit) wsAuth(ctx context.Context) error {
	creds, err := b.GetCredentials()
	if err != nil {
		return err
	}
	expires := (b.Now().Unix() + 2) * 1000
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte("GET/realtime"+strconv.FormatInt(expires, 10)), []byte(creds.Secret))
	if err != nil {
		return err
	}
	wait := make(chan error, 1)
	b.authMu.Lock()
	b.authC = wait
	b.authMu.Unlock()
	req := wsAuthRequest{
		Operation: "auth",
		Arguments: []any{creds.Key, expires, crypto.HexEncodeToString(mac)},
	}
	if err := b.Websocket.AuthConn.SendJSONMessage(ctx, request.Unset, req); err != nil {
		b.clearAuth()
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-time.After(authGrace):
		b.clearAuth()
		return errs.New(b.Name, errs.ErrAuthentication, "auth confirmation timed out")
	case <-ctx.Done():
		b.clearAuth()
		return ctx.Err()
	}
}

func (b *Bybit) clearAuth() {
	b.authMu.Lock()
	b.authC = nil
	b.authMu.Unlock()
}

// signalAuth completes a pending auth wait and reports whether a waiter
// consumed the result
func (b *Bybit) signalAuth(err error) bool {
	b.authMu.Lock()
	defer b.authMu.Unlock()
	if b.authC == nil {
		return false
	}
	b.authC <- err
	b.authC = nil
	return true
}

// ensureAuthStream brings up the private stream on first use
func (b *Bybit) ensureAuthStream(ctx context.Context) error {
	if err := b.EnsureWsConnected(ctx); err != nil {
		return err
	}
	if c := b.Websocket.AuthConn; c != nil && c.IsConnected() {
		return nil
	}
	if err := b.wsAuthConnect(ctx); err != nil {
		return err
	}
	b.Websocket.SetCanUseAuthenticatedEndpoints(true)
	return nil
}

// Subscribe sends subscribe frames for the requested topics, private topics
// on the authenticated stream
func (b *Bybit) Subscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, "subscribe", subs)
}

// Unsubscribe releases the given topics
func (b *Bybit) Unsubscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, "unsubscribe", subs)
}

func (b *Bybit) manageSubscriptions(ctx context.Context, op string, subs subscription.List) error {
	var public, private []string
	for _, s := range subs {
		topic, ok := s.Key.(string)
		if !ok {
			return fmt.Errorf("%s: subscription key %v is not a topic", b.Name, s.Key)
		}
		if s.Authenticated {
			private = append(private, topic)
		} else {
			public = append(public, topic)
		}
	}
	if len(public) > 0 {
		frame := wsRequest{Operation: op, Arguments: public}
		if err := b.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		c := b.Websocket.AuthConn
		if c == nil || !c.IsConnected() {
			return errs.New(b.Name, errs.ErrAuthentication, "private topics need an authenticated stream")
		}
		frame := wsRequest{Operation: op, Arguments: private}
		if err := c.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if op == "subscribe" {
		return b.Websocket.AddSuccessfulSubscriptions(subs...)
	}
	return b.Websocket.RemoveSubscriptions(subs...)
}

// wsHandleData parses stream frames from both connections. Command replies
// carry an op and pushes carry a topic.
func (b *Bybit) wsHandleData(_ context.Context, respRaw []byte) error {
	if op, err := jsonparser.GetString(respRaw, "op"); err == nil {
		return b.wsHandleOp(respRaw, op)
	}
	if topic, err := jsonparser.GetString(respRaw, "topic"); err == nil && topic != "" {
		var frame wsDataFrame
		if err := json.Unmarshal(respRaw, &frame); err != nil {
			return err
		}
		return b.routeDataFrame(&frame)
	}
	b.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
	return nil
}

// wsHandleOp handles auth, subscription and keep alive replies
func (b *Bybit) wsHandleOp(respRaw []byte, op string) error {
	success, successErr := jsonparser.GetBoolean(respRaw, "success")
	msg, _ := jsonparser.GetString(respRaw, "ret_msg")
	switch op {
	case "auth":
		var err error
		if successErr == nil && !success {
			err = errs.New(b.Name, errs.ErrAuthentication, msg)
		}
		if !b.signalAuth(err) && err != nil {
			b.EmitError(err)
		}
	case "subscribe", "unsubscribe":
		if successErr == nil && !success {
			b.Log().Warn().Str("op", op).Str("msg", msg).Msg("stream command rejected")
			b.EmitError(errs.New(b.Name, errs.ErrExchange, msg))
			return nil
		}
		if b.Verbose {
			b.Log().Debug().Str("op", op).Msg("stream command acknowledged")
		}
	case "ping", "pong":
		// Keep alive acks; the public stream answers with op ping and the
		// private stream with op pong
	default:
		b.Log().Debug().Str("op", op).Msg("unhandled stream event")
	}
	return nil
}

// routeDataFrame routes a push payload by its topic prefix. The full topic is
// the dispatch key.
func (b *Bybit) routeDataFrame(frame *wsDataFrame) error {
	channel, _, _ := strings.Cut(frame.Topic, ".")
	switch channel {
	case topicTickers:
		var row wsTickerData
		if err := json.Unmarshal(frame.Data, &row); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(row.Symbol)
		if err != nil {
			return err
		}
		p := &ticker.Price{
			ExchangeName: b.Name,
			Pair:         pair,
			Last:         row.LastPrice.Float64(),
			High:         row.HighPrice24H.Float64(),
			Low:          row.LowPrice24H.Float64(),
			Open:         row.PrevPrice24H.Float64(),
			BaseVolume:   row.Volume24H.Float64(),
			QuoteVolume:  row.Turnover24H.Float64(),
			Percentage:   row.Price24HPercent.Float64() * 100,
			Timestamp:    frame.Timestamp.Time(),
		}
		p.Derive()
		b.wsDispatch(frame.Topic, p)
	case topicOrderbook:
		var row wsOrderBookData
		if err := json.Unmarshal(frame.Data, &row); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(row.Symbol)
		if err != nil {
			return err
		}
		bids, err := bookTranches(row.Bids)
		if err != nil {
			return err
		}
		asks, err := bookTranches(row.Asks)
		if err != nil {
			return err
		}
		updateType := orderbook.Delta
		if frame.Type == "snapshot" {
			updateType = orderbook.Snapshot
		}
		b.wsDispatch(frame.Topic, &orderbook.Update{
			Type:         updateType,
			Pair:         pair,
			Bids:         bids,
			Asks:         asks,
			LastUpdateID: row.UpdateID,
			Timestamp:    frame.Timestamp.Time(),
		})
	case topicTrades:
		var rows []wsTradeData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		out := make([]trade.Data, 0, len(rows))
		for i := range rows {
			t := &rows[i]
			pair, err := b.pairFromSymbol(t.Symbol)
			if err != nil {
				return err
			}
			d := trade.Data{
				ID:        t.TradeID,
				Exchange:  b.Name,
				Pair:      pair,
				Price:     t.Price.Float64(),
				Amount:    t.Size.Float64(),
				Timestamp: t.Timestamp.Time(),
			}
			d.Side, _ = order.StringToOrderSide(t.Side)
			d.DeriveCost()
			out = append(out, d)
		}
		b.wsDispatch(frame.Topic, out)
	case topicKline:
		var rows []wsCandleData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			b.wsDispatch(frame.Topic, &kline.Candle{
				Timestamp: rows[i].Start.Time(),
				Open:      rows[i].Open.Float64(),
				High:      rows[i].High.Float64(),
				Low:       rows[i].Low.Float64(),
				Close:     rows[i].Close.Float64(),
				Volume:    rows[i].Volume.Float64(),
			})
		}
	case topicOrders:
		var rows []OrderData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			// The unified stream mixes categories on one topic
			if rows[i].Category != "" && rows[i].Category != spotCategory {
				continue
			}
			pair, err := b.pairFromSymbol(rows[i].Symbol)
			if err != nil {
				return err
			}
			b.wsDispatch(frame.Topic, b.parseOrder(&rows[i], pair))
		}
	case topicWallet:
		var rows []WalletAccount
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			b.wsDispatch(frame.Topic, b.parseWallet(&rows[i], frame.CreationTime.Time()))
		}
	default:
		b.Log().Debug().Str("topic", frame.Topic).Msg("unhandled stream topic")
	}
	return nil
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (b *Bybit) wsDispatch(key string, v any) {
	if err := b.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		b.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to its topic, bringing
// the private stream up first when the topic needs it
func (b *Bybit) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
	if sub.Authenticated {
		if err := b.ensureAuthStream(ctx); err != nil {
			return nil, err
		}
	} else if err := b.EnsureWsConnected(ctx); err != nil {
		return nil, err
	}
	if err := b.Websocket.AddDispatch(sub.Key, deliver); err != nil {
		return nil, err
	}
	if err := b.Websocket.SubscribeToChannels(ctx, subscription.List{sub}); err != nil {
		_ = b.Websocket.RemoveDispatch(sub.Key)
		return nil, err
	}
	return sub, nil
}

// WatchTicker streams 24h rolling statistics for one symbol
func (b *Bybit) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     topicTickers + "." + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams depth updates for one symbol. The venue opens with a
// snapshot frame and follows with deltas where a zero size removes the level.
func (b *Bybit) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	if depth <= 0 {
		depth = defaultBookDepth
	}
	sub := &subscription.Subscription{
		Key:     fmt.Sprintf("%s.%d.%s", topicOrderbook, depth, m.ID),
		Channel: subscription.OrderbookChannel,
		Pairs:   currency.Pairs{m.Pair},
		Levels:  depth,
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if u, ok := v.(*orderbook.Update); ok {
			cb(u)
		}
	})
}

// WatchTrades streams public trades for one symbol
func (b *Bybit) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     topicTrades + "." + m.ID,
		Channel: subscription.AllTradesChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if t, ok := v.([]trade.Data); ok {
			cb(t)
		}
	})
}

// WatchKlines streams candle updates for one symbol and interval. The forming
// candle is delivered on every tick.
func (b *Bybit) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchKlines: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	native, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:      topicKline + "." + native + "." + m.ID,
		Channel:  subscription.CandlesChannel,
		Pairs:    currency.Pairs{m.Pair},
		Interval: interval,
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if c, ok := v.(*kline.Candle); ok {
			cb(c)
		}
	})
}

// WatchBalance streams wallet snapshots from the private stream
func (b *Bybit) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchBalance: %w", b.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           topicWallet,
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if h, ok := v.(*account.Holdings); ok {
			cb(h)
		}
	})
}

// WatchOrders streams order lifecycle reports from the private stream
func (b *Bybit) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrders: %w", b.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           topicOrders,
		Channel:       subscription.MyOrdersChannel,
		Authenticated: true,
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if d, ok := v.(*order.Detail); ok {
			cb(d)
		}
	})
}
