package gateio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	gws "github.com/gorilla/websocket"

	"github.com/calder-labs/unicex/common"
	"github.com/calder-labs/unicex/common/crypto"
	"github.com/calder-labs/unicex/currency"
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
	// pingInterval keeps the connection inside the venue's idle cutoff
	pingInterval = 15 * time.Second

	channelPing       = "spot.ping"
	channelPong       = "spot.pong"
	channelTickers    = "spot.tickers"
	channelTrades     = "spot.trades"
	channelCandles    = "spot.candlesticks"
	channelBookUpdate = "spot.order_book_update"
	channelOrders     = "spot.orders"
	channelBalances   = "spot.balances"

	// bookUpdateFrequency selects the venue's uncapped delta cadence
	bookUpdateFrequency = "100ms"

	// wsAuthFailureCode is the venue's stream code for rejected credentials
	wsAuthFailureCode = 4
)

// pingFrame is the venue's application level keep alive
var pingFrame = []byte(`{"channel":"spot.ping"}`)

// WsConnect dials the stream and starts its reader. Public and private
// channels share the one connection, so there is no auth handshake here.
func (g *Gateio) WsConnect(ctx context.Context) error {
	if err := g.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	g.Websocket.Conn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     pingFrame,
		Delay:       pingInterval,
	})
	g.Websocket.Wg.Add(1)
	go g.Websocket.Reader(ctx, g.Websocket.Conn, g.wsHandleData)
	return nil
}

// Subscribe sends subscribe frames for the requested channels
func (g *Gateio) Subscribe(ctx context.Context, subs subscription.List) error {
	return g.manageSubscriptions(ctx, "subscribe", subs)
}

// Unsubscribe releases the given channels
func (g *Gateio) Unsubscribe(ctx context.Context, subs subscription.List) error {
	return g.manageSubscriptions(ctx, "unsubscribe", subs)
}

// manageSubscriptions sends one frame per channel since the venue takes no
// batched commands
func (g *Gateio) manageSubscriptions(ctx context.Context, event string, subs subscription.List) error {
	for _, s := range subs {
		key, ok := s.Key.(string)
		if !ok {
			return fmt.Errorf("%s: subscription key %v is not a channel", g.Name, s.Key)
		}
		frame, err := g.subscriptionFrame(event, key, s.Authenticated)
		if err != nil {
			return err
		}
		if err := g.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if event == "subscribe" {
		return g.Websocket.AddSuccessfulSubscriptions(subs...)
	}
	return g.Websocket.RemoveSubscriptions(subs...)
}

// subscriptionFrame builds one channel's subscribe or unsubscribe frame.
// The payload grammar is channel specific, and private channels carry their
// own credential block signed over channel, event and time.
func (g *Gateio) subscriptionFrame(event, key string, authenticated bool) (*wsRequest, error) {
	channel, ident, _ := strings.Cut(key, ":")
	var payload []string
	switch channel {
	case channelTickers, channelTrades:
		payload = []string{ident}
	case channelCandles:
		interval, pairID, ok := strings.Cut(ident, "_")
		if !ok {
			return nil, fmt.Errorf("%s: candle key %q needs interval_pair", g.Name, key)
		}
		payload = []string{interval, pairID}
	case channelBookUpdate:
		payload = []string{ident, bookUpdateFrequency}
	case channelOrders:
		payload = []string{"!all"}
	case channelBalances:
		// The balance channel spans the whole account and takes no payload
	default:
		return nil, fmt.Errorf("%s: unknown stream channel %q", g.Name, channel)
	}
	frame := &wsRequest{
		Time:    g.Now().Unix(),
		Channel: channel,
		Event:   event,
		Payload: payload,
	}
	if authenticated {
		auth, err := g.wsSign(channel, event, frame.Time)
		if err != nil {
			return nil, err
		}
		frame.Auth = auth
	}
	return frame, nil
}

// wsSign builds the per channel credential block
func (g *Gateio) wsSign(channel, event string, ts int64) (*wsAuth, error) {
	creds, err := g.GetCredentials()
	if err != nil {
		return nil, err
	}
	msg := "channel=" + channel + "&event=" + event + "&time=" + strconv.FormatInt(ts, 10)
	mac, err := crypto.GetHMAC(crypto.HashSHA512, []byte(msg), []byte(creds.Secret))
	if err != nil {
		return nil, err
	}
	return &wsAuth{Method: "api_key", Key: creds.Key, Sign: crypto.HexEncodeToString(mac)}, nil
}

// wsHandleData parses stream frames. Every frame names its channel, with
// command replies carrying a subscribe or unsubscribe event and pushes an
// update event.
func (g *Gateio) wsHandleData(_ context.Context, respRaw []byte) error {
	var frame wsFrame
	if err := json.Unmarshal(respRaw, &frame); err != nil {
		return err
	}
	switch {
	case frame.Channel == channelPong || frame.Channel == channelPing:
		// Keep alive acks
		return nil
	case frame.Event == "subscribe" || frame.Event == "unsubscribe":
		g.wsHandleAck(&frame)
		return nil
	case frame.Event == "update":
		return g.routeUpdate(&frame)
	}
	g.Log().Debug().Str("channel", frame.Channel).Str("event", frame.Event).Msg("unhandled stream frame")
	return nil
}

// wsHandleAck handles subscribe and unsubscribe replies. Credential
// rejections surface here because private channels authenticate per
// subscription rather than through a login.
func (g *Gateio) wsHandleAck(frame *wsFrame) {
	if frame.Error != nil {
		kind := errs.ErrExchange
		if frame.Error.Code == wsAuthFailureCode {
			kind = errs.ErrAuthentication
		}
		g.Log().Warn().Str("channel", frame.Channel).Str("event", frame.Event).Str("msg", frame.Error.Message).Msg("stream command rejected")
		g.EmitError(errs.New(g.Name, kind, frame.Error.Message))
		return
	}
	if g.Verbose {
		g.Log().Debug().Str("channel", frame.Channel).Str("event", frame.Event).Msg("stream command acknowledged")
	}
}

// routeUpdate routes a push payload by channel. Market data keys carry the
// channel plus the venue ident, private channels span the account and key
// on the channel alone.
func (g *Gateio) routeUpdate(frame *wsFrame) error {
	switch frame.Channel {
	case channelTickers:
		var row TickerData
		if err := json.Unmarshal(frame.Result, &row); err != nil {
			return err
		}
		pair, err := g.pairFromSymbol(row.CurrencyPair)
		if err != nil {
			return err
		}
		g.wsDispatch(channelTickers+":"+row.CurrencyPair, g.parseTicker(&row, pair, frameTime(frame)))
	case channelTrades:
		var row wsTradeData
		if err := json.Unmarshal(frame.Result, &row); err != nil {
			return err
		}
		pair, err := g.pairFromSymbol(row.CurrencyPair)
		if err != nil {
			return err
		}
		d := trade.Data{
			ID:        strconv.FormatInt(row.ID, 10),
			Exchange:  g.Name,
			Pair:      pair,
			Price:     row.Price.Float64(),
			Amount:    row.Amount.Float64(),
			Timestamp: msTime(row.CreateTimeMs),
		}
		d.Side, _ = order.StringToOrderSide(row.Side)
		d.DeriveCost()
		g.wsDispatch(channelTrades+":"+row.CurrencyPair, []trade.Data{d})
	case channelCandles:
		var row wsCandleData
		if err := json.Unmarshal(frame.Result, &row); err != nil {
			return err
		}
		g.wsDispatch(channelCandles+":"+row.Name, &kline.Candle{
			Timestamp: row.Timestamp.Time(),
			Open:      row.Open.Float64(),
			High:      row.High.Float64(),
			Low:       row.Low.Float64(),
			Close:     row.Close.Float64(),
			Volume:    row.BaseVolume.Float64(),
		})
	case channelBookUpdate:
		var row wsBookUpdate
		if err := json.Unmarshal(frame.Result, &row); err != nil {
			return err
		}
		pair, err := g.pairFromSymbol(row.CurrencyPair)
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
		g.wsDispatch(channelBookUpdate+":"+row.CurrencyPair, &orderbook.Update{
			Type:          orderbook.Delta,
			Pair:          pair,
			Bids:          bids,
			Asks:          asks,
			FirstUpdateID: row.FirstID,
			LastUpdateID:  row.LastID,
			Timestamp:     row.Timestamp.Time(),
		})
	case channelOrders:
		var rows []OrderData
		if err := json.Unmarshal(frame.Result, &rows); err != nil {
			return err
		}
		for i := range rows {
			// The stream reports margin and futures accounts on the same
			// channel
			if rows[i].Account != "" && rows[i].Account != spotAccount {
				continue
			}
			pair, err := g.pairFromSymbol(rows[i].CurrencyPair)
			if err != nil {
				return err
			}
			g.wsDispatch(channelOrders, g.parseOrder(&rows[i], pair))
		}
	case channelBalances:
		var rows []wsBalance
		if err := json.Unmarshal(frame.Result, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		h := account.NewHoldings(g.Name)
		h.Timestamp = rows[0].TimestampMs.Time()
		for i := range rows {
			h.Set(account.Balance{
				Currency: currency.NewCode(rows[i].Currency),
				Free:     rows[i].Available.Float64(),
				Used:     rows[i].Freeze.Float64(),
				Total:    rows[i].Total.Float64(),
			})
		}
		if raw, err := json.Marshal(rows); err == nil {
			h.Info = raw
		}
		g.wsDispatch(channelBalances, h)
	default:
		g.Log().Debug().Str("channel", frame.Channel).Msg("unhandled stream channel")
	}
	return nil
}

// frameTime returns the envelope stamp, preferring the millisecond field
// newer gateways attach
func frameTime(f *wsFrame) time.Time {
	if t := f.TimeMs.Time(); !t.IsZero() {
		return t
	}
	return time.Unix(f.Time, 0)
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (g *Gateio) wsDispatch(key string, v any) {
	if err := g.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		g.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to its channel.
// Private channels sign their own subscribe frames, so credentials are
// checked before the route registers.
func (g *Gateio) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
	if err := g.EnsureWsConnected(ctx); err != nil {
		return nil, err
	}
	if sub.Authenticated {
		if _, err := g.GetCredentials(); err != nil {
			return nil, err
		}
	}
	if err := g.Websocket.AddDispatch(sub.Key, deliver); err != nil {
		return nil, err
	}
	if err := g.Websocket.SubscribeToChannels(ctx, subscription.List{sub}); err != nil {
		_ = g.Websocket.RemoveDispatch(sub.Key)
		return nil, err
	}
	if sub.Authenticated {
		g.Websocket.SetCanUseAuthenticatedEndpoints(true)
	}
	return sub, nil
}

// WatchTicker streams 24h rolling statistics for one symbol
func (g *Gateio) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", g.Name, common.ErrNilPointer)
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     channelTickers + ":" + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return g.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams depth deltas for one symbol. Every frame brackets
// the book versions it spans so gaps against the REST snapshot id are
// detectable. The incremental channel has no depth tiers, so depth is
// ignored.
func (g *Gateio) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), _ int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", g.Name, common.ErrNilPointer)
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     channelBookUpdate + ":" + m.ID,
		Channel: subscription.OrderbookChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return g.watchTopic(ctx, sub, func(v any) {
		if u, ok := v.(*orderbook.Update); ok {
			cb(u)
		}
	})
}

// WatchTrades streams public trades for one symbol. The venue pushes one
// execution per frame.
func (g *Gateio) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", g.Name, common.ErrNilPointer)
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     channelTrades + ":" + m.ID,
		Channel: subscription.AllTradesChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return g.watchTopic(ctx, sub, func(v any) {
		if t, ok := v.([]trade.Data); ok {
			cb(t)
		}
	})
}

// WatchKlines streams candle updates for one symbol and interval. The
// forming candle is delivered on every tick.
func (g *Gateio) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchKlines: %w", g.Name, common.ErrNilPointer)
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	native, err := g.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:      channelCandles + ":" + native + "_" + m.ID,
		Channel:  subscription.CandlesChannel,
		Pairs:    currency.Pairs{m.Pair},
		Interval: interval,
	}
	return g.watchTopic(ctx, sub, func(v any) {
		if c, ok := v.(*kline.Candle); ok {
			cb(c)
		}
	})
}

// WatchBalance streams spot account snapshots
func (g *Gateio) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchBalance: %w", g.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           channelBalances,
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	return g.watchTopic(ctx, sub, func(v any) {
		if h, ok := v.(*account.Holdings); ok {
			cb(h)
		}
	})
}

// WatchOrders streams order lifecycle reports across every spot pair
func (g *Gateio) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrders: %w", g.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           channelOrders,
		Channel:       subscription.MyOrdersChannel,
		Authenticated: true,
	}
	return g.watchTopic(ctx, sub, func(v any) {
		if d, ok := v.(*order.Detail); ok {
			cb(d)
		}
	})
}
