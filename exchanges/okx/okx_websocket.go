package okx

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
	// pingInterval keeps both streams inside the venue's thirty second idle
	// cutoff
	pingInterval = 20 * time.Second

	// loginGrace bounds the wait for the venue's login confirmation event
	loginGrace = 10 * time.Second

	loginVerifyPath = "/users/self/verify"

	channelTickers      = "tickers"
	channelBooks        = "books"
	channelTrades       = "trades"
	channelCandlePrefix = "candle"
	channelAccount      = "account"
	channelOrders       = "orders"
)

// WsConnect dials the public stream and starts its reader. When private
// channels were in use before a reconnect the login session is reestablished.
func (o *Okx) WsConnect(ctx context.Context) error {
	if err := o.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	o.Websocket.Conn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     []byte("ping"),
		Delay:       pingInterval,
	})
	o.Websocket.Wg.Add(1)
	go o.Websocket.Reader(ctx, o.Websocket.Conn, o.wsHandleData)
	if o.Websocket.CanUseAuthenticatedEndpoints() {
		if err := o.wsAuthConnect(ctx); err != nil {
			o.Websocket.SetCanUseAuthenticatedEndpoints(false)
			o.Log().Error().Err(err).Msg("private stream reconnect")
			o.EmitError(err)
		}
	}
	return nil
}

// wsAuthConnect dials the private endpoint and performs the login handshake.
// Both streams share the push envelope, so the reader is shared too.
func (o *Okx) wsAuthConnect(ctx context.Context) error {
	if c := o.Websocket.AuthConn; c != nil && c.IsConnected() {
		// A stale session must release its reader before the redial
		if err := c.Shutdown(); err != nil {
			o.Log().Debug().Err(err).Msg("private stream shutdown before redial")
		}
	}
	if o.Websocket.AuthConn == nil {
		if _, err := o.Websocket.SetupNewConnection(&stream.ConnectionSetup{
			URL:           o.EndpointURL(exchange.WebsocketPrivate),
			Authenticated: true,
		}); err != nil {
			return err
		}
	}
	if err := o.Websocket.AuthConn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	o.Websocket.AuthConn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     []byte("ping"),
		Delay:       pingInterval,
	})
	o.Websocket.Wg.Add(1)
	go o.Websocket.Reader(ctx, o.Websocket.AuthConn, o.wsHandleData)
	return o.wsLogin(ctx)
}

// wsLogin authenticates the private connection and waits for the venue's
// confirmation event. The signature covers the second precision timestamp and
// a fixed verification path.
func (o *Okx) wsLogin(ctx context.Context) error {
	creds, err := o.GetCredentials()
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(o.Now().UTC().Unix(), 10)
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(ts+http.MethodGet+loginVerifyPath), []byte(creds.Secret))
	if err != nil {
		return err
	}
	wait := make(chan error, 1)
	o.loginMu.Lock()
	o.loginC = wait
	o.loginMu.Unlock()
	req := wsLoginRequest{
		Operation: "login",
		Arguments: []wsLoginArgument{{
			APIKey:     creds.Key,
			Passphrase: creds.Passphrase,
			Timestamp:  ts,
			Sign:       crypto.Base64Encode(mac),
		}},
	}
	if err := o.Websocket.AuthConn.SendJSONMessage(ctx, request.Unset, req); err != nil {
		o.clearLogin()
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-time.After(loginGrace):
		o.clearLogin()
		return errs.New(o.Name, errs.ErrAuthentication, "login confirmation timed out")
	case <-ctx.Done():
		o.clearLogin()
		return ctx.Err()
	}
}

func (o *Okx) clearLogin() {
	o.loginMu.Lock()
	o.loginC = nil
	o.loginMu.Unlock()
}

// signalLogin completes a pending login wait and reports whether a waiter
// consumed the result
func (o *Okx) signalLogin(err error) bool {
	o.loginMu.Lock()
	defer o.loginMu.Unlock()
	if o.loginC == nil {
		return false
	}
	o.loginC <- err
	o.loginC = nil
	return true
}

// ensureAuthStream brings up the private stream on first use
func (o *Okx) ensureAuthStream(ctx context.Context) error {
	if err := o.EnsureWsConnected(ctx); err != nil {
		return err
	}
	if c := o.Websocket.AuthConn; c != nil && c.IsConnected() {
		return nil
	}
	if err := o.wsAuthConnect(ctx); err != nil {
		return err
	}
	o.Websocket.SetCanUseAuthenticatedEndpoints(true)
	return nil
}

// Subscribe sends subscribe frames for the requested topics, private channels
// on the logged in stream
func (o *Okx) Subscribe(ctx context.Context, subs subscription.List) error {
	return o.manageSubscriptions(ctx, "subscribe", subs)
}

// Unsubscribe releases the given topics
func (o *Okx) Unsubscribe(ctx context.Context, subs subscription.List) error {
	return o.manageSubscriptions(ctx, "unsubscribe", subs)
}

func (o *Okx) manageSubscriptions(ctx context.Context, op string, subs subscription.List) error {
	var public, private []wsSubscriptionArgument
	for _, s := range subs {
		arg, err := o.subscriptionArgument(s)
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
		if err := o.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if len(private) > 0 {
		c := o.Websocket.AuthConn
		if c == nil || !c.IsConnected() {
			return errs.New(o.Name, errs.ErrAuthentication, "private channels need a logged in stream")
		}
		frame := wsRequest{Operation: op, Arguments: private}
		if err := c.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if op == "subscribe" {
		return o.Websocket.AddSuccessfulSubscriptions(subs...)
	}
	return o.Websocket.RemoveSubscriptions(subs...)
}

// subscriptionArgument splits a topic key of channel or channel:instId into
// the venue's argument form
func (o *Okx) subscriptionArgument(s *subscription.Subscription) (wsSubscriptionArgument, error) {
	key, ok := s.Key.(string)
	if !ok {
		return wsSubscriptionArgument{}, fmt.Errorf("%s: subscription key %v is not a topic", o.Name, s.Key)
	}
	channel, instID, _ := strings.Cut(key, ":")
	arg := wsSubscriptionArgument{Channel: channel, InstrumentID: instID}
	if channel == channelOrders {
		arg.InstrumentType = spotInstType
	}
	return arg, nil
}

// wsHandleData parses stream frames from both connections. Keep alive replies
// arrive as a bare pong token outside any JSON envelope.
func (o *Okx) wsHandleData(_ context.Context, respRaw []byte) error {
	if string(respRaw) == "pong" {
		return nil
	}
	if event, err := jsonparser.GetString(respRaw, "event"); err == nil {
		return o.wsHandleEvent(respRaw, event)
	}
	var frame wsDataFrame
	if err := json.Unmarshal(respRaw, &frame); err != nil {
		return err
	}
	if frame.Argument.Channel == "" {
		o.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
		return nil
	}
	return o.routeDataFrame(&frame)
}

// wsHandleEvent handles login, subscription and error events
func (o *Okx) wsHandleEvent(respRaw []byte, event string) error {
	switch event {
	case "login":
		var err error
		if code, _ := jsonparser.GetString(respRaw, "code"); code != "" && code != "0" {
			msg, _ := jsonparser.GetString(respRaw, "msg")
			err = errs.Classify(o.Name, errorCodes, code, msg)
		}
		if !o.signalLogin(err) && err != nil {
			o.EmitError(err)
		}
	case "subscribe", "unsubscribe":
		if o.Verbose {
			channel, _ := jsonparser.GetString(respRaw, "arg", "channel")
			o.Log().Debug().Str("event", event).Str("channel", channel).Msg("stream command acknowledged")
		}
	case "error":
		code, _ := jsonparser.GetString(respRaw, "code")
		msg, _ := jsonparser.GetString(respRaw, "msg")
		err := errs.Classify(o.Name, errorCodes, code, msg)
		if o.signalLogin(err) {
			// A rejected login arrives as a plain error event
			return nil
		}
		o.Log().Warn().Str("code", code).Str("msg", msg).Msg("stream error event")
		o.EmitError(err)
	default:
		o.Log().Debug().Str("event", event).Msg("unhandled stream event")
	}
	return nil
}

// routeDataFrame routes a push payload by its channel argument
func (o *Okx) routeDataFrame(frame *wsDataFrame) error {
	key := frame.Argument.Channel
	if frame.Argument.InstrumentID != "" {
		key += ":" + frame.Argument.InstrumentID
	}
	switch {
	case frame.Argument.Channel == channelTickers:
		var rows []TickerData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			pair, err := o.pairFromSymbol(rows[i].InstrumentID)
			if err != nil {
				return err
			}
			o.wsDispatch(key, o.parseTicker(&rows[i], pair))
		}
	case frame.Argument.Channel == channelBooks:
		pair, err := o.pairFromSymbol(frame.Argument.InstrumentID)
		if err != nil {
			return err
		}
		var rows []wsOrderBookData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		updateType := orderbook.Delta
		if frame.Action == "snapshot" {
			updateType = orderbook.Snapshot
		}
		for i := range rows {
			bids, err := bookTranches(rows[i].Bids)
			if err != nil {
				return err
			}
			asks, err := bookTranches(rows[i].Asks)
			if err != nil {
				return err
			}
			o.wsDispatch(key, &orderbook.Update{
				Type:          updateType,
				Pair:          pair,
				Bids:          bids,
				Asks:          asks,
				FirstUpdateID: rows[i].PrevSeqID,
				LastUpdateID:  rows[i].SeqID,
				Timestamp:     rows[i].Timestamp.Time(),
			})
		}
	case frame.Argument.Channel == channelTrades:
		var rows []TradeData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		out := make([]trade.Data, 0, len(rows))
		for i := range rows {
			t := &rows[i]
			pair, err := o.pairFromSymbol(t.InstrumentID)
			if err != nil {
				return err
			}
			d := trade.Data{
				ID:        t.TradeID,
				Exchange:  o.Name,
				Pair:      pair,
				Price:     t.Price.Float64(),
				Amount:    t.Size.Float64(),
				Timestamp: t.Timestamp.Time(),
			}
			d.Side, _ = order.StringToOrderSide(t.Side)
			d.DeriveCost()
			out = append(out, d)
		}
		o.wsDispatch(key, out)
	case strings.HasPrefix(frame.Argument.Channel, channelCandlePrefix):
		var rows []CandleData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			o.wsDispatch(key, &kline.Candle{
				Timestamp: rows[i].Timestamp,
				Open:      rows[i].Open,
				High:      rows[i].High,
				Low:       rows[i].Low,
				Close:     rows[i].Close,
				Volume:    rows[i].Volume,
			})
		}
	case frame.Argument.Channel == channelAccount:
		var rows []AccountBalance
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			h := account.NewHoldings(o.Name)
			h.Timestamp = rows[i].UpdateTime.Time()
			for _, d := range rows[i].Details {
				h.Set(account.Balance{
					Currency: currency.NewCode(d.Currency),
					Free:     d.AvailableBalance.Float64(),
					Used:     d.FrozenBalance.Float64(),
				})
			}
			o.wsDispatch(key, h)
		}
	case frame.Argument.Channel == channelOrders:
		var rows []OrderDetail
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		for i := range rows {
			pair, err := o.pairFromSymbol(rows[i].InstrumentID)
			if err != nil {
				return err
			}
			o.wsDispatch(key, o.parseOrder(&rows[i], pair))
		}
	default:
		o.Log().Debug().Str("channel", frame.Argument.Channel).Msg("unhandled stream channel")
	}
	return nil
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (o *Okx) wsDispatch(key string, v any) {
	if err := o.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		o.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to its channel,
// bringing the private stream up first when the topic needs it
func (o *Okx) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
	if sub.Authenticated {
		if err := o.ensureAuthStream(ctx); err != nil {
			return nil, err
		}
	} else if err := o.EnsureWsConnected(ctx); err != nil {
		return nil, err
	}
	if err := o.Websocket.AddDispatch(sub.Key, deliver); err != nil {
		return nil, err
	}
	if err := o.Websocket.SubscribeToChannels(ctx, subscription.List{sub}); err != nil {
		_ = o.Websocket.RemoveDispatch(sub.Key)
		return nil, err
	}
	return sub, nil
}

// WatchTicker streams 24h rolling statistics for one symbol
func (o *Okx) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", o.Name, common.ErrNilPointer)
	}
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     channelTickers + ":" + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return o.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams depth updates for one symbol. The venue opens with a
// snapshot row and follows with deltas chained by sequence id.
func (o *Okx) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", o.Name, common.ErrNilPointer)
	}
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     channelBooks + ":" + m.ID,
		Channel: subscription.OrderbookChannel,
		Pairs:   currency.Pairs{m.Pair},
		Levels:  depth,
	}
	return o.watchTopic(ctx, sub, func(v any) {
		if u, ok := v.(*orderbook.Update); ok {
			cb(u)
		}
	})
}

// WatchTrades streams public trades for one symbol
func (o *Okx) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", o.Name, common.ErrNilPointer)
	}
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     channelTrades + ":" + m.ID,
		Channel: subscription.AllTradesChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return o.watchTopic(ctx, sub, func(v any) {
		if t, ok := v.([]trade.Data); ok {
			cb(t)
		}
	})
}

// WatchKlines streams candle updates for one symbol and interval. The forming
// candle is delivered on every tick.
func (o *Okx) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchKlines: %w", o.Name, common.ErrNilPointer)
	}
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	native, err := o.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:      channelCandlePrefix + native + ":" + m.ID,
		Channel:  subscription.CandlesChannel,
		Pairs:    currency.Pairs{m.Pair},
		Interval: interval,
	}
	return o.watchTopic(ctx, sub, func(v any) {
		if c, ok := v.(*kline.Candle); ok {
			cb(c)
		}
	})
}

// WatchBalance streams account snapshots from the private stream
func (o *Okx) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchBalance: %w", o.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           channelAccount,
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	return o.watchTopic(ctx, sub, func(v any) {
		if h, ok := v.(*account.Holdings); ok {
			cb(h)
		}
	})
}

// WatchOrders streams order lifecycle reports from the private stream
func (o *Okx) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrders: %w", o.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           channelOrders,
		Channel:       subscription.MyOrdersChannel,
		Authenticated: true,
	}
	return o.watchTopic(ctx, sub, func(v any) {
		if d, ok := v.(*order.Detail); ok {
			cb(d)
		}
	})
}
