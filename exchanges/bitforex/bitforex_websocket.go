package bitforex

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
	"github.com/calder-labs/unicex/currency"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/stream"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
)

const (
	// pingInterval keeps the stream inside the venue's idle cutoff
	pingInterval = 15 * time.Second

	opSubscribe   = "subHq"
	opUnsubscribe = "unsubHq"

	eventTicker = "ticker"
	eventTrade  = "trade"
	eventDepth  = "depth10"
	eventKline  = "kline"

	// tradeWindow is the row count the trade channel replays on subscribe
	tradeWindow = 20
)

// WsConnect dials the market stream and starts its reader. The venue keeps
// alive on a bare token exchange outside any JSON envelope.
func (b *Bitforex) WsConnect(ctx context.Context) error {
	if err := b.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	b.Websocket.Conn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     []byte("ping_p"),
		Delay:       pingInterval,
	})
	b.Websocket.Wg.Add(1)
	go b.Websocket.Reader(ctx, b.Websocket.Conn, b.wsHandleData)
	return nil
}

// Subscribe sends subscribe commands for the requested topics
func (b *Bitforex) Subscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, opSubscribe, subs)
}

// Unsubscribe releases the given topics
func (b *Bitforex) Unsubscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, opUnsubscribe, subs)
}

// manageSubscriptions sends one array frame carrying a command per topic
func (b *Bitforex) manageSubscriptions(ctx context.Context, op string, subs subscription.List) error {
	frame := make([]wsCommand, 0, len(subs))
	for _, s := range subs {
		cmd, err := b.subscriptionCommand(op, s)
		if err != nil {
			return err
		}
		frame = append(frame, cmd)
	}
	if len(frame) > 0 {
		if err := b.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if op == opSubscribe {
		return b.Websocket.AddSuccessfulSubscriptions(subs...)
	}
	return b.Websocket.RemoveSubscriptions(subs...)
}

// subscriptionCommand renders a topic key as a stream command. Keys spell
// event:symbol, the kline event folding its interval into the event part,
// and each event decorates the param block in its own way.
func (b *Bitforex) subscriptionCommand(op string, s *subscription.Subscription) (wsCommand, error) {
	key, ok := s.Key.(string)
	if !ok {
		return wsCommand{}, fmt.Errorf("%s: subscription key %v is not a topic", b.Name, s.Key)
	}
	event, symbol, found := strings.Cut(key, ":")
	if !found {
		return wsCommand{}, fmt.Errorf("%s: subscription key %q is not event:symbol", b.Name, key)
	}
	cmd := wsCommand{Type: op, Event: event, Param: wsParam{BusinessType: symbol}}
	switch {
	case event == eventTicker:
	case event == eventTrade:
		cmd.Param.Size = tradeWindow
	case event == eventDepth:
		// The venue wants the depth type field even at its zero value
		cmd.Param.DepthType = new(int64)
	case strings.HasPrefix(event, eventKline) && len(event) > len(eventKline):
		cmd.Event = eventKline
		cmd.Param.KType = event[len(eventKline):]
	default:
		return wsCommand{}, fmt.Errorf("%s: subscription key %q names no streamed channel", b.Name, key)
	}
	return cmd, nil
}

// wsHandleData parses stream frames. Keep alive replies are a bare pong
// token, command acknowledgements reuse the REST envelope and pushes carry
// an event with its param block.
func (b *Bitforex) wsHandleData(_ context.Context, respRaw []byte) error {
	if string(respRaw) == "pong_p" {
		return nil
	}
	if ok, err := jsonparser.GetBoolean(respRaw, "success"); err == nil {
		if !ok {
			code, _ := jsonparser.GetString(respRaw, "code")
			msg, _ := jsonparser.GetString(respRaw, "message")
			b.Log().Warn().Str("code", code).Str("msg", msg).Msg("stream command rejected")
			b.EmitError(errs.Classify(b.Name, errorCodes, code, msg))
			return nil
		}
		if b.Verbose {
			b.Log().Debug().Bytes("frame", respRaw).Msg("stream command acknowledged")
		}
		return nil
	}
	var frame wsPushFrame
	if err := json.Unmarshal(respRaw, &frame); err != nil {
		return err
	}
	if frame.Event == "" {
		b.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
		return nil
	}
	return b.routeDataFrame(&frame)
}

// routeDataFrame routes a push payload by its event, keyed per symbol. The
// kline key carries the interval so concurrent interval watches stay apart.
func (b *Bitforex) routeDataFrame(frame *wsPushFrame) error {
	switch frame.Event {
	case eventTicker, eventTrade, eventDepth, eventKline:
	default:
		b.Log().Debug().Str("event", frame.Event).Msg("unhandled stream event")
		return nil
	}
	pair, err := b.pairFromSymbol(frame.Param.BusinessType)
	if err != nil {
		return err
	}
	switch frame.Event {
	case eventTicker:
		var t TickerData
		if err := json.Unmarshal(frame.Data, &t); err != nil {
			return err
		}
		// Ticker pushes omit the date field
		at := t.Date.Time()
		if at.IsZero() {
			at = b.Now()
		}
		b.wsDispatch(eventTicker+":"+frame.Param.BusinessType, b.parseTicker(&t, pair, at))
	case eventTrade:
		var rows []TradeData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		out := make([]trade.Data, 0, len(rows))
		for i := range rows {
			t := &rows[i]
			d := trade.Data{
				ID:        strconv.FormatInt(t.TradeID, 10),
				Exchange:  b.Name,
				Pair:      pair,
				Side:      sideFromDirection(t.Direction),
				Price:     t.Price.Float64(),
				Amount:    t.Amount.Float64(),
				Timestamp: t.Time.Time(),
			}
			d.DeriveCost()
			out = append(out, d)
		}
		b.wsDispatch(eventTrade+":"+frame.Param.BusinessType, out)
	case eventDepth:
		var depth DepthData
		if err := json.Unmarshal(frame.Data, &depth); err != nil {
			return err
		}
		// The channel streams the whole window on every tick
		b.wsDispatch(eventDepth+":"+frame.Param.BusinessType, &orderbook.Update{
			Type:      orderbook.Snapshot,
			Pair:      pair,
			Bids:      bookTranches(depth.Bids),
			Asks:      bookTranches(depth.Asks),
			Timestamp: b.Now(),
		})
	case eventKline:
		var rows []CandleData
		if err := json.Unmarshal(frame.Data, &rows); err != nil {
			return err
		}
		key := eventKline + frame.Param.KType + ":" + frame.Param.BusinessType
		for i := range rows {
			b.wsDispatch(key, &kline.Candle{
				Timestamp: rows[i].Time.Time(),
				Open:      rows[i].Open.Float64(),
				High:      rows[i].High.Float64(),
				Low:       rows[i].Low.Float64(),
				Close:     rows[i].Close.Float64(),
				Volume:    rows[i].Vol.Float64(),
			})
		}
	}
	return nil
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (b *Bitforex) wsDispatch(key string, v any) {
	if err := b.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		b.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to its channel
func (b *Bitforex) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
	if err := b.EnsureWsConnected(ctx); err != nil {
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
func (b *Bitforex) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     eventTicker + ":" + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams depth snapshots for one symbol. The venue serves a
// single ten level window, so every requested depth rides it.
func (b *Bitforex) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     eventDepth + ":" + m.ID,
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
func (b *Bitforex) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     eventTrade + ":" + m.ID,
		Channel: subscription.AllTradesChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if t, ok := v.([]trade.Data); ok {
			cb(t)
		}
	})
}

// WatchKlines streams candle updates for one symbol and interval. The stream
// serves the same interval grid as the REST steps.
func (b *Bitforex) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchKlines: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ktype, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:      eventKline + ktype + ":" + m.ID,
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
