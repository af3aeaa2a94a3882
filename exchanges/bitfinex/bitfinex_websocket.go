package bitfinex

import (
	"context"
	"errors"
	"fmt"
	"math"
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
	// pingInterval keeps the streams inside the venue's idle cutoff
	pingInterval = 15 * time.Second

	// authGrace bounds the wait for the venue's auth confirmation
	authGrace = 10 * time.Second

	// accountChanID is the reserved channel id the venue routes private
	// pushes on once the stream is authenticated
	accountChanID = 0

	wsChannelTicker  = "ticker"
	wsChannelTrades  = "trades"
	wsChannelBook    = "book"
	wsChannelCandles = "candles"

	// topicOrders and topicWallet route account pushes, which arrive on the
	// reserved channel without a subscribe acknowledgement of their own
	topicOrders = "orders"
	topicWallet = "wallet"

	// defaultBookDepth is the venue's default aggregated book tier
	defaultBookDepth = 25
)

// pingFrame is the venue's application level keep alive
var pingFrame = []byte(`{"event":"ping"}`)

// WsConnect dials the public stream and starts its reader. Channel ids are
// assigned per connection, so stale bindings clear on every dial. When
// private topics were in use before a reconnect the auth session is
// reestablished.
func (b *Bitfinex) WsConnect(ctx context.Context) error {
	if err := b.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	b.chanMu.Lock()
	b.chanIDs = make(map[int64]string)
	b.chanMu.Unlock()
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
// Both streams speak the same frame dialect, so the reader is shared.
func (b *Bitfinex) wsAuthConnect(ctx context.Context) error {
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
// confirmation. The signature seals AUTH concatenated with a millisecond
// nonce from the same sequence the REST signer draws on.
func (b *Bitfinex) wsAuth(ctx context.Context) error {
	creds, err := b.GetCredentials()
	if err != nil {
		return err
	}
	n := b.Requester.GetNonceMilli().String()
	payload := "AUTH" + n
	mac, err := crypto.GetHMAC(crypto.HashSHA512_384, []byte(payload), []byte(creds.Secret))
	if err != nil {
		return err
	}
	wait := make(chan error, 1)
	b.authMu.Lock()
	b.authC = wait
	b.authMu.Unlock()
	req := wsAuthRequest{
		Event:       "auth",
		APIKey:      creds.Key,
		AuthSig:     crypto.HexEncodeToString(mac),
		AuthPayload: payload,
		AuthNonce:   n,
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

func (b *Bitfinex) clearAuth() {
	b.authMu.Lock()
	b.authC = nil
	b.authMu.Unlock()
}

// signalAuth completes a pending auth wait and reports whether a waiter
// consumed the result
func (b *Bitfinex) signalAuth(err error) bool {
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
func (b *Bitfinex) ensureAuthStream(ctx context.Context) error {
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

// Subscribe sends subscribe frames for the requested channels. Account
// topics ride the auth handshake and need no frame of their own.
func (b *Bitfinex) Subscribe(ctx context.Context, subs subscription.List) error {
	for _, s := range subs {
		if s.Authenticated {
			continue
		}
		frame, err := b.subscribeFrame(s)
		if err != nil {
			return err
		}
		if err := b.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	return b.Websocket.AddSuccessfulSubscriptions(subs...)
}

// Unsubscribe releases the given channels by their bound ids. Channels that
// never bound have nothing to release venue side.
func (b *Bitfinex) Unsubscribe(ctx context.Context, subs subscription.List) error {
	for _, s := range subs {
		if s.Authenticated {
			continue
		}
		key, ok := s.Key.(string)
		if !ok {
			return fmt.Errorf("%s: subscription key %v is not a channel key", b.Name, s.Key)
		}
		id, ok := b.chanForKey(key)
		if !ok {
			continue
		}
		frame := &wsRequest{Event: "unsubscribe", ChanID: id}
		if err := b.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	return b.Websocket.RemoveSubscriptions(subs...)
}

// subscribeFrame builds the subscribe request for a channel key. Candle
// channels name a composite key, the rest name a symbol, and book channels
// carry their precision and depth tier.
func (b *Bitfinex) subscribeFrame(s *subscription.Subscription) (*wsRequest, error) {
	key, ok := s.Key.(string)
	if !ok {
		return nil, fmt.Errorf("%s: subscription key %v is not a channel key", b.Name, s.Key)
	}
	channel, qualifier, found := strings.Cut(key, ":")
	if !found {
		return nil, fmt.Errorf("%s: malformed channel key %q", b.Name, key)
	}
	frame := &wsRequest{Event: "subscribe", Channel: channel}
	switch channel {
	case wsChannelCandles:
		frame.Key = qualifier
	case wsChannelBook:
		frame.Symbol = qualifier
		frame.Precision = bookPrecision
		frame.Length = bookLen(s.Levels)
	default:
		frame.Symbol = qualifier
	}
	return frame, nil
}

func (b *Bitfinex) bindChan(id int64, key string) {
	b.chanMu.Lock()
	b.chanIDs[id] = key
	b.chanMu.Unlock()
}

func (b *Bitfinex) releaseChan(id int64) {
	b.chanMu.Lock()
	delete(b.chanIDs, id)
	b.chanMu.Unlock()
}

func (b *Bitfinex) keyForChan(id int64) (string, bool) {
	b.chanMu.Lock()
	defer b.chanMu.Unlock()
	key, ok := b.chanIDs[id]
	return key, ok
}

func (b *Bitfinex) chanForKey(key string) (int64, bool) {
	b.chanMu.Lock()
	defer b.chanMu.Unlock()
	for id, k := range b.chanIDs {
		if k == key {
			return id, true
		}
	}
	return 0, false
}

// wsHandleData parses stream frames from both connections. Events arrive as
// objects, everything else as a channel array led by the bound id.
func (b *Bitfinex) wsHandleData(_ context.Context, respRaw []byte) error {
	if event, err := jsonparser.GetString(respRaw, "event"); err == nil {
		return b.wsHandleEvent(respRaw, event)
	}
	var cols row
	if err := json.Unmarshal(respRaw, &cols); err != nil {
		b.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
		return nil
	}
	if len(cols) < 2 {
		return nil
	}
	chanID, err := cols.integer(0)
	if err != nil {
		return err
	}
	if chanID == accountChanID {
		return b.routeAccountFrame(cols)
	}
	key, ok := b.keyForChan(chanID)
	if !ok {
		b.Log().Debug().Int64("chanId", chanID).Msg("frame for unbound channel")
		return nil
	}
	return b.routeChannelFrame(key, cols)
}

// wsHandleEvent handles the venue's object frames: service notices, channel
// bindings, auth confirmations and command failures
func (b *Bitfinex) wsHandleEvent(respRaw []byte, event string) error {
	var ev wsEvent
	if err := json.Unmarshal(respRaw, &ev); err != nil {
		return err
	}
	switch event {
	case "info":
		switch {
		case ev.Code != 0:
			// 20051 asks for a reconnect and 2006x bracket maintenance
			b.Log().Warn().Int64("code", ev.Code).Str("msg", ev.Msg).Msg("stream service notice")
		case b.Verbose:
			b.Log().Debug().Int64("version", ev.Version).Msg("stream connected")
		}
	case "subscribed":
		b.bindChan(ev.ChanID, eventKey(&ev))
		if b.Verbose {
			b.Log().Debug().Str("channel", ev.Channel).Int64("chanId", ev.ChanID).Msg("stream channel bound")
		}
	case "unsubscribed":
		b.releaseChan(ev.ChanID)
	case "auth":
		var authErr error
		if ev.Status != "OK" {
			e := errs.New(b.Name, errs.ErrAuthentication, ev.Msg)
			if ev.Code != 0 {
				e = e.WithCode(strconv.FormatInt(ev.Code, 10))
			}
			authErr = e
		}
		if !b.signalAuth(authErr) && authErr != nil {
			b.EmitError(authErr)
		}
	case "error":
		e := b.classifyError(ev.Code, ev.Msg)
		b.Log().Warn().Err(e).Msg("stream command rejected")
		b.EmitError(e)
	case "pong":
		// Keep alive ack
	default:
		b.Log().Debug().Str("event", event).Msg("unhandled stream event")
	}
	return nil
}

// eventKey derives the dispatch key a subscribe acknowledgement binds
func eventKey(ev *wsEvent) string {
	if ev.Channel == wsChannelCandles {
		return ev.Channel + ":" + ev.Key
	}
	return ev.Channel + ":" + ev.Symbol
}

// routeChannelFrame routes a bound channel's payload by its key. Marked
// frames carry a type string before the payload, plain frames nest the
// payload directly.
func (b *Bitfinex) routeChannelFrame(key string, cols row) error {
	if marker, err := cols.text(1); err == nil {
		return b.routeMarkedFrame(key, marker, cols)
	}
	channel, qualifier, _ := strings.Cut(key, ":")
	switch channel {
	case wsChannelTicker:
		var t Ticker
		if err := json.Unmarshal(cols[1], &t); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(qualifier)
		if err != nil {
			return err
		}
		b.wsDispatch(key, b.parseTicker(&t, pair, b.Now()))
	case wsChannelTrades:
		// Only the opening snapshot arrives unmarked, newest first
		var rows []TradeRow
		if err := json.Unmarshal(cols[1], &rows); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(qualifier)
		if err != nil {
			return err
		}
		out := make([]trade.Data, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			out = append(out, b.parseTrade(&rows[i], pair))
		}
		b.wsDispatch(key, out)
	case wsChannelBook:
		pair, err := b.pairFromSymbol(qualifier)
		if err != nil {
			return err
		}
		return b.routeBookFrame(key, pair, cols[1])
	case wsChannelCandles:
		return b.routeCandleFrame(key, cols[1])
	default:
		b.Log().Debug().Str("key", key).Msg("unhandled stream channel")
	}
	return nil
}

// routeMarkedFrame handles typed public frames. Heartbeats keep the channel
// alive, te carries an execution as it happens and tu repeats it once the
// id settles.
func (b *Bitfinex) routeMarkedFrame(key, marker string, cols row) error {
	switch marker {
	case "hb", "tu":
		return nil
	case "te":
		if len(cols) < 3 {
			return nil
		}
		var r TradeRow
		if err := json.Unmarshal(cols[2], &r); err != nil {
			return err
		}
		_, qualifier, _ := strings.Cut(key, ":")
		pair, err := b.pairFromSymbol(qualifier)
		if err != nil {
			return err
		}
		b.wsDispatch(key, []trade.Data{b.parseTrade(&r, pair)})
	default:
		b.Log().Debug().Str("type", marker).Msg("unhandled stream frame type")
	}
	return nil
}

// routeBookFrame converts a depth payload. Snapshots nest level rows while
// updates carry a single level; a zero count removes the level and the
// amount sign still names the side.
func (b *Bitfinex) routeBookFrame(key string, pair currency.Pair, payload json.RawMessage) error {
	var items row
	if err := json.Unmarshal(payload, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if nestedArray(items[0]) {
		var rows []BookRow
		if err := json.Unmarshal(payload, &rows); err != nil {
			return err
		}
		bids, asks := splitBookRows(rows)
		b.wsDispatch(key, &orderbook.Update{
			Type:      orderbook.Snapshot,
			Pair:      pair,
			Bids:      bids,
			Asks:      asks,
			Timestamp: b.Now(),
		})
		return nil
	}
	var r BookRow
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	level := orderbook.Tranche{Price: r.Price, Amount: math.Abs(r.Amount)}
	if r.Count == 0 {
		level.Amount = 0
	}
	u := &orderbook.Update{Type: orderbook.Delta, Pair: pair, Timestamp: b.Now()}
	switch {
	case r.Amount > 0:
		u.Bids = orderbook.Tranches{level}
	case r.Amount < 0:
		u.Asks = orderbook.Tranches{level}
	default:
		return nil
	}
	b.wsDispatch(key, u)
	return nil
}

// routeCandleFrame converts a candle payload. Snapshots nest rows newest
// first while updates carry a single row.
func (b *Bitfinex) routeCandleFrame(key string, payload json.RawMessage) error {
	var items row
	if err := json.Unmarshal(payload, &items); err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	if nestedArray(items[0]) {
		var rows []CandleRow
		if err := json.Unmarshal(payload, &rows); err != nil {
			return err
		}
		for i := len(rows) - 1; i >= 0; i-- {
			b.wsDispatch(key, candleFromRow(&rows[i]))
		}
		return nil
	}
	var r CandleRow
	if err := json.Unmarshal(payload, &r); err != nil {
		return err
	}
	b.wsDispatch(key, candleFromRow(&r))
	return nil
}

func candleFromRow(r *CandleRow) *kline.Candle {
	return &kline.Candle{
		Timestamp: r.Timestamp,
		Open:      r.Open,
		High:      r.High,
		Low:       r.Low,
		Close:     r.Close,
		Volume:    r.Volume,
	}
}

// routeAccountFrame routes pushes on the reserved auth channel. Order events
// share the REST row shape and wallet pushes fold into holdings snapshots.
func (b *Bitfinex) routeAccountFrame(cols row) error {
	marker, err := cols.text(1)
	if err != nil {
		return err
	}
	if marker == "hb" {
		return nil
	}
	if len(cols) < 3 {
		return nil
	}
	payload := cols[2]
	switch marker {
	case "os":
		var rows []OrderRow
		if err := json.Unmarshal(payload, &rows); err != nil {
			return err
		}
		for i := range rows {
			b.dispatchOrder(&rows[i])
		}
	case "on", "ou", "oc":
		var r OrderRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		b.dispatchOrder(&r)
	case "ws":
		var rows []WalletRow
		if err := json.Unmarshal(payload, &rows); err != nil {
			return err
		}
		b.wsDispatch(topicWallet, b.parseWallets(rows))
	case "wu":
		var r WalletRow
		if err := json.Unmarshal(payload, &r); err != nil {
			return err
		}
		if h := b.parseWallets([]WalletRow{r}); len(h.Balances) > 0 {
			b.wsDispatch(topicWallet, h)
		}
	case "n":
		var n Notification
		if err := json.Unmarshal(payload, &n); err != nil {
			return err
		}
		if n.Status != notificationSuccess {
			b.EmitError(b.classifyNotification(&n))
		}
	case "te", "tu":
		// Own executions surface through order updates
	default:
		b.Log().Debug().Str("type", marker).Msg("unhandled account stream frame")
	}
	return nil
}

func (b *Bitfinex) dispatchOrder(r *OrderRow) {
	pair, err := b.pairFromSymbol(r.Symbol)
	if err != nil {
		b.Log().Warn().Err(err).Msg("account stream order")
		return
	}
	b.wsDispatch(topicOrders, b.parseOrder(r, pair))
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (b *Bitfinex) wsDispatch(key string, v any) {
	if err := b.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		b.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// nestedArray reports whether a raw value is itself an array, which
// separates snapshot payloads from single row updates
func nestedArray(raw json.RawMessage) bool {
	for _, c := range raw {
		switch c {
		case ' ', '\t', '\r', '\n':
			continue
		case '[':
			return true
		default:
			return false
		}
	}
	return false
}

// watchTopic registers a delivery route and subscribes to its channel,
// bringing the private stream up first when the topic needs it
func (b *Bitfinex) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
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
func (b *Bitfinex) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     wsChannelTicker + ":" + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams depth updates for one symbol. The venue opens with
// a snapshot and follows with single level deltas where a zero amount
// removes the level.
func (b *Bitfinex) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
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
		Key:     wsChannelBook + ":" + m.ID,
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
func (b *Bitfinex) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     wsChannelTrades + ":" + m.ID,
		Channel: subscription.AllTradesChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if t, ok := v.([]trade.Data); ok {
			cb(t)
		}
	})
}

// WatchKlines streams candle updates for one symbol and interval. The
// forming candle is delivered on every tick.
func (b *Bitfinex) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
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
		Key:      wsChannelCandles + ":trade:" + native + ":" + m.ID,
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
func (b *Bitfinex) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
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
func (b *Bitfinex) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
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
