package bitmart

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
	// pingInterval keeps both streams inside the venue's twenty second idle
	// cutoff
	pingInterval = 15 * time.Second

	// loginGrace bounds the wait for the venue's login confirmation event
	loginGrace = 10 * time.Second

	// loginSignTarget is the fixed string the login signature covers in
	// place of a request payload
	loginSignTarget = "bitmart.WebSocket"

	topicTicker          = "spot/ticker"
	topicTrade           = "spot/trade"
	topicKlinePrefix     = "spot/kline"
	topicDepthPrefix     = "spot/depth"
	topicBookIncremental = "spot/depth/increase100"
	topicOrders          = "spot/user/order"
	topicBalance         = "spot/user/balance"

	// balanceEventFilter narrows the balance channel to settled wallet
	// changes
	balanceEventFilter = "BALANCE_UPDATE"
)

// bookDepthTiers are the snapshot depths the venue streams
var bookDepthTiers = []int{5, 20, 50}

// wsIntervals maps canonical intervals onto the stream's kline suffixes,
// which spell a smaller grid than the REST steps
var wsIntervals = map[kline.Interval]string{
	kline.OneMin:     "1m",
	kline.FiveMin:    "5m",
	kline.FifteenMin: "15m",
	kline.ThirtyMin:  "30m",
	kline.OneHour:    "1H",
	kline.TwoHour:    "2H",
	kline.FourHour:   "4H",
	kline.OneDay:     "1D",
	kline.OneWeek:    "1W",
	kline.OneMonth:   "1M",
}

// WsConnect dials the public stream and starts its reader. When private
// channels were in use before a reconnect the login session is
// reestablished.
func (b *Bitmart) WsConnect(ctx context.Context) error {
	if err := b.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	b.Websocket.Conn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     []byte("ping"),
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

// wsAuthConnect dials the private endpoint and performs the login handshake.
// Both streams share the push envelope, so the reader is shared too.
func (b *Bitmart) wsAuthConnect(ctx context.Context) error {
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
		Message:     []byte("ping"),
		Delay:       pingInterval,
	})
	b.Websocket.Wg.Add(1)
	go b.Websocket.Reader(ctx, b.Websocket.AuthConn, b.wsHandleData)
	return b.wsLogin(ctx)
}

// wsLogin authenticates the private connection and waits for the venue's
// confirmation event. The signature covers the millisecond timestamp, the
// account memo and a fixed tag joined with '#'.
func (b *Bitmart) wsLogin(ctx context.Context) error {
	creds, err := b.GetCredentials()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(b.Now().UnixMilli(), 10)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(ts+"#"+creds.Passphrase+"#"+loginSignTarget), []byte(creds.Secret))
	if err != nil {
		return err
	}
	wait := make(chan error, 1)
	b.loginMu.Lock()
	b.loginC = wait
	b.loginMu.Unlock()
	req := wsRequest{
		Operation: "login",
		Arguments: []string{creds.Key, ts, crypto.HexEncodeToString(mac)},
	}
	if err := b.Websocket.AuthConn.SendJSONMessage(ctx, request.Unset, req); err != nil {
		b.clearLogin()
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-time.After(loginGrace):
		b.clearLogin()
		return errs.New(b.Name, errs.ErrAuthentication, "login confirmation timed out")
	case <-ctx.Done():
		b.clearLogin()
		return ctx.Err()
	}
}

func (b *Bitmart) clearLogin() {
	b.loginMu.Lock()
	b.loginC = nil
	b.loginMu.Unlock()
}

// signalLogin completes a pending login wait and reports whether a waiter
// consumed the result
func (b *Bitmart) signalLogin(err error) bool {
	b.loginMu.Lock()
	defer b.loginMu.Unlock()
	if b.loginC == nil {
		return false
	}
	b.loginC <- err
	b.loginC = nil
	return true
}

// ensureAuthStream brings up the private stream on first use
func (b *Bitmart) ensureAuthStream(ctx context.Context) error {
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

// Subscribe sends subscribe frames for the requested topics, private
// channels on the logged in stream
func (b *Bitmart) Subscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, "subscribe", subs)
}

// Unsubscribe releases the given topics
func (b *Bitmart) Unsubscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, "unsubscribe", subs)
}

func (b *Bitmart) manageSubscriptions(ctx context.Context, op string, subs subscription.List) error {
	var public, private []string
	for _, s := range subs {
		arg, err := b.subscriptionArgument(s)
		if err != nil {
			return err
		}
		if s.Authenticated {
			private = append(private, arg)
		} else {
			public = append(public, arg)
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
			return errs.New(b.Name, errs.ErrAuthentication, "private channels need a logged in stream")
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

// subscriptionArgument renders a topic key in the venue's argument form.
// Topic keys already spell the venue grammar, the balance channel alone
// gains its event qualifier.
func (b *Bitmart) subscriptionArgument(s *subscription.Subscription) (string, error) {
	key, ok := s.Key.(string)
	if !ok {
		return "", fmt.Errorf("%s: subscription key %v is not a topic", b.Name, s.Key)
	}
	if key == topicBalance {
		return topicBalance + ":" + balanceEventFilter, nil
	}
	return key, nil
}

// wsHandleData parses stream frames from both connections. Binary frames
// arrive zlib compressed and reach here inflated. Keep alive replies are a
// bare pong token outside any JSON envelope.
func (b *Bitmart) wsHandleData(_ context.Context, respRaw []byte) error {
	if string(respRaw) == "pong" {
		return nil
	}
	if event, err := jsonparser.GetString(respRaw, "event"); err == nil {
		return b.wsHandleEvent(respRaw, event)
	}
	var frame wsDataFrame
	if err := json.Unmarshal(respRaw, &frame); err != nil {
		return err
	}
	if frame.Table == "" {
		b.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
		return nil
	}
	return b.routeDataFrame(&frame)
}

// wsHandleEvent handles login, subscription and error events
func (b *Bitmart) wsHandleEvent(respRaw []byte, event string) error {
	switch event {
	case "login":
		if !b.signalLogin(nil) {
			b.Log().Debug().Msg("unsolicited login event")
		}
	case "subscribe", "unsubscribe":
		if b.Verbose {
			topic, _ := jsonparser.GetString(respRaw, "topic")
			b.Log().Debug().Str("event", event).Str("topic", topic).Msg("stream command acknowledged")
		}
	case "error":
		code, _ := jsonparser.GetString(respRaw, "errorCode")
		msg, _ := jsonparser.GetString(respRaw, "errorMessage")
		err := errs.Classify(b.Name, errorCodes, code, msg)
		if b.signalLogin(err) {
			// A rejected login arrives as a plain error event
			return nil
		}
		b.Log().Warn().Str("code", code).Str("msg", msg).Msg("stream error event")
		b.EmitError(err)
	default:
		b.Log().Debug().Str("event", event).Msg("unhandled stream event")
	}
	return nil
}

// routeDataFrame routes a push payload by its table. Public tables key per
// symbol, private tables key bare.
func (b *Bitmart) routeDataFrame(frame *wsDataFrame) error {
	switch {
	case frame.Table == topicTicker:
		var rows []WsTickerData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			t := &rows[i]
			pair, err := b.pairFromSymbol(t.Symbol)
			if err != nil {
				return err
			}
			p := &ticker.Price{
				ExchangeName: b.Name,
				Pair:         pair,
				Last:         t.LastPrice.Float64(),
				High:         t.High24H.Float64(),
				Low:          t.Low24H.Float64(),
				Open:         t.Open24H.Float64(),
				BaseVolume:   t.BaseVolume24H.Float64(),
				Timestamp:    t.Timestamp.Time(),
			}
			p.Derive()
			b.wsDispatch(frame.Table+":"+t.Symbol, p)
		}
	case frame.Table == topicTrade:
		var rows []WsTradeData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		pair, err := b.pairFromSymbol(rows[0].Symbol)
		if err != nil {
			return err
		}
		// Pushes arrive newest first
		out := make([]trade.Data, 0, len(rows))
		for i := len(rows) - 1; i >= 0; i-- {
			t := &rows[i]
			d := trade.Data{
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
		b.wsDispatch(frame.Table+":"+rows[0].Symbol, out)
	case strings.HasPrefix(frame.Table, topicKlinePrefix):
		var rows []WsKlineData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			c := &rows[i].Candle
			b.wsDispatch(frame.Table+":"+rows[i].Symbol, &kline.Candle{
				Timestamp: c.Timestamp,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
			})
		}
	case strings.HasPrefix(frame.Table, topicDepthPrefix):
		var rows []WsDepthData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			row := &rows[i]
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
			// Snapshot tiers stream the whole book on every tick, only the
			// incremental channel marks genuine deltas
			updateType := orderbook.Snapshot
			if frame.Table == topicBookIncremental && row.Type == "update" {
				updateType = orderbook.Delta
			}
			b.wsDispatch(frame.Table+":"+row.Symbol, &orderbook.Update{
				Type:         updateType,
				Pair:         pair,
				Bids:         bids,
				Asks:         asks,
				LastUpdateID: row.Version,
				Timestamp:    row.Timestamp.Time(),
			})
		}
	case frame.Table == topicOrders:
		var rows []OrderPush
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			pair, err := b.pairFromSymbol(rows[i].Symbol)
			if err != nil {
				return err
			}
			b.wsDispatch(topicOrders, b.parseOrderPush(&rows[i], pair))
		}
	case frame.Table == topicBalance:
		var rows []BalancePush
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			h := account.NewHoldings(b.Name)
			h.Timestamp = rows[i].EventTime.Time()
			for _, d := range rows[i].BalanceDetails {
				h.Set(account.Balance{
					Currency: currency.NewCode(d.Currency),
					Free:     d.Available.Float64(),
					Used:     d.Frozen.Float64(),
					Total:    d.Available.Float64() + d.Frozen.Float64(),
				})
			}
			b.wsDispatch(topicBalance, h)
		}
	default:
		b.Log().Debug().Str("table", frame.Table).Msg("unhandled stream table")
	}
	return nil
}

// parseOrderPush converts a private order update
func (b *Bitmart) parseOrderPush(p *OrderPush, pair currency.Pair) *order.Detail {
	amount := p.Size.Float64()
	filled := p.FilledSize.Float64()
	if amount == 0 {
		amount = filled
	}
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       p.OrderID,
		ClientOrderID: p.ClientOrderID,
		Pair:          pair,
		Status:        pushOrderStatus(p.State, filled),
		Price:         p.Price.Float64(),
		Amount:        amount,
		Filled:        filled,
		Cost:          p.FilledNotional.Float64(),
		Timestamp:     p.CreateTime.Time(),
		LastUpdated:   p.Timestamp.Time(),
	}
	if filled > 0 {
		d.Average = d.Cost / filled
	}
	d.Side, _ = order.StringToOrderSide(p.Side)
	d.Type, d.TimeInForce = orderTypeFromVenue(p.Type)
	if raw, err := json.Marshal(p); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// pushOrderStatus maps the stream's numeric order states
func pushOrderStatus(state string, filled float64) order.Status {
	switch state {
	case "4":
		if filled > 0 {
			return order.PartiallyFilled
		}
		return order.New
	case "5":
		return order.PartiallyFilled
	case "6":
		return order.Filled
	case "8", "11":
		return order.Cancelled
	default:
		return order.UnknownStatus
	}
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (b *Bitmart) wsDispatch(key string, v any) {
	if err := b.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		b.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to its channel,
// bringing the private stream up first when the topic needs it
func (b *Bitmart) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
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
func (b *Bitmart) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     topicTicker + ":" + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams depth for one symbol. Depths up to fifty pin a
// snapshot tier, zero depth takes the incremental channel, which opens with
// a snapshot row and follows with version chained deltas.
func (b *Bitmart) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	topic := topicBookIncremental + ":" + m.ID
	if depth > 0 {
		topic = fmt.Sprintf("%s%d:%s", topicDepthPrefix, bookDepthTier(depth), m.ID)
	}
	sub := &subscription.Subscription{
		Key:     topic,
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

// bookDepthTier picks the smallest streamed tier covering the requested
// depth
func bookDepthTier(depth int) int {
	for _, tier := range bookDepthTiers {
		if depth <= tier {
			return tier
		}
	}
	return bookDepthTiers[len(bookDepthTiers)-1]
}

// WatchTrades streams public trades for one symbol
func (b *Bitmart) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     topicTrade + ":" + m.ID,
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
func (b *Bitmart) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchKlines: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	suffix, ok := wsIntervals[interval]
	if !ok {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "interval "+interval.String()+" is not streamed")
	}
	sub := &subscription.Subscription{
		Key:      topicKlinePrefix + suffix + ":" + m.ID,
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

// WatchBalance streams wallet updates from the private stream
func (b *Bitmart) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchBalance: %w", b.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           topicBalance,
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
func (b *Bitmart) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
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
