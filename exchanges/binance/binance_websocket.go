package binance

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
	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/account"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/request"
	"github.com/calder-labs/unicex/exchanges/stream"
	"github.com/calder-labs/unicex/exchanges/subscription"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
)

// listenKeyKeepAlive is the renewal cadence for the user data stream key,
// comfortably inside the venue's sixty minute expiry
const listenKeyKeepAlive = 25 * time.Minute

// wsRequestFrame is a stream management command. The venue echoes the id in
// its acknowledgement.
type wsRequestFrame struct {
	Method string   `json:"method"`
	Params []string `json:"params,omitempty"`
	ID     int64    `json:"id"`
}

// WsConnect dials the combined market data stream and starts its reader.
// When private streams were in use before a reconnect the listen key session
// is reestablished with a fresh key.
func (b *Binance) WsConnect(ctx context.Context) error {
	if err := b.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
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

// wsAuthConnect acquires a listen key, dials the private stream at its
// dedicated path and starts the renewal loop
func (b *Binance) wsAuthConnect(ctx context.Context) error {
	if c := b.Websocket.AuthConn; c != nil && c.IsConnected() {
		// A stale session must release its reader before the redial
		if err := c.Shutdown(); err != nil {
			b.Log().Debug().Err(err).Msg("private stream shutdown before redial")
		}
	}
	key, err := b.GetWsAuthStreamKey(ctx)
	if err != nil {
		return err
	}
	b.listenKeyMu.Lock()
	b.listenKey = key
	b.listenKeyMu.Unlock()
	authURL := b.EndpointURL(exchange.WebsocketSpot) + "/ws/" + key
	if b.Websocket.AuthConn == nil {
		if _, err := b.Websocket.SetupNewConnection(&stream.ConnectionSetup{
			URL:           authURL,
			Authenticated: true,
		}); err != nil {
			return err
		}
	} else {
		b.Websocket.AuthConn.SetURL(authURL)
	}
	if err := b.Websocket.AuthConn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	b.Websocket.Wg.Add(1)
	go b.Websocket.Reader(ctx, b.Websocket.AuthConn, b.wsHandleAuthData)
	b.Websocket.Wg.Add(1)
	go b.maintainListenKey(b.Websocket.ShutdownC, key)
	return nil
}

// maintainListenKey renews the listen key until the session shuts down
func (b *Binance) maintainListenKey(shutdown <-chan struct{}, key string) {
	defer b.Websocket.Wg.Done()
	t := time.NewTicker(listenKeyKeepAlive)
	defer t.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), exchange.DefaultHTTPTimeout)
			err := b.MaintainWsAuthStreamKey(ctx, key)
			cancel()
			if err != nil {
				b.Log().Warn().Err(err).Msg("listen key renewal")
				b.EmitError(err)
			}
		}
	}
}

// ensureAuthStream brings up the private stream on first use
func (b *Binance) ensureAuthStream(ctx context.Context) error {
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

// Subscribe sends one SUBSCRIBE frame covering every requested topic
func (b *Binance) Subscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, "SUBSCRIBE", subs)
}

// Unsubscribe sends one UNSUBSCRIBE frame covering every released topic
func (b *Binance) Unsubscribe(ctx context.Context, subs subscription.List) error {
	return b.manageSubscriptions(ctx, "UNSUBSCRIBE", subs)
}

func (b *Binance) manageSubscriptions(ctx context.Context, op string, subs subscription.List) error {
	topics := make([]string, 0, len(subs))
	for _, s := range subs {
		if s.Authenticated {
			// Listen key streams push without a subscribe frame
			continue
		}
		topic, ok := s.Key.(string)
		if !ok {
			return fmt.Errorf("%s: subscription key %v is not a topic", b.Name, s.Key)
		}
		topics = append(topics, topic)
	}
	if len(topics) > 0 {
		frame := wsRequestFrame{
			Method: op,
			Params: topics,
			ID:     b.Websocket.Conn.GenerateMessageID(false),
		}
		if err := b.Websocket.Conn.SendJSONMessage(ctx, request.Unset, frame); err != nil {
			return err
		}
	}
	if op == "SUBSCRIBE" {
		return b.Websocket.AddSuccessfulSubscriptions(subs...)
	}
	return b.Websocket.RemoveSubscriptions(subs...)
}

// wsHandleData parses combined stream frames and routes payloads by topic
func (b *Binance) wsHandleData(_ context.Context, respRaw []byte) error {
	topic, err := jsonparser.GetString(respRaw, "stream")
	if err != nil {
		// Command acknowledgements arrive outside the combined envelope
		if id, idErr := jsonparser.GetInt(respRaw, "id"); idErr == nil {
			if b.Verbose {
				b.Log().Debug().Int64("id", id).Msg("stream command acknowledged")
			}
			return nil
		}
		b.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
		return nil
	}
	data, _, _, err := jsonparser.Get(respRaw, "data")
	if err != nil {
		return fmt.Errorf("%s stream %s: %w", b.Name, topic, err)
	}
	return b.routeStreamFrame(topic, data)
}

func (b *Binance) routeStreamFrame(topic string, data []byte) error {
	i := strings.Index(topic, "@")
	if i < 0 {
		b.Log().Debug().Str("topic", topic).Msg("unhandled stream topic")
		return nil
	}
	channel := topic[i+1:]
	switch {
	case channel == "ticker":
		var msg WsTicker
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(msg.Symbol)
		if err != nil {
			return err
		}
		p := &ticker.Price{
			ExchangeName: b.Name,
			Pair:         pair,
			Last:         msg.LastPrice.Float64(),
			Bid:          msg.BestBidPrice.Float64(),
			BidVolume:    msg.BestBidQty.Float64(),
			Ask:          msg.BestAskPrice.Float64(),
			AskVolume:    msg.BestAskQty.Float64(),
			High:         msg.HighPrice.Float64(),
			Low:          msg.LowPrice.Float64(),
			Open:         msg.OpenPrice.Float64(),
			BaseVolume:   msg.BaseVolume.Float64(),
			QuoteVolume:  msg.QuoteVolume.Float64(),
			Change:       msg.PriceChange.Float64(),
			Percentage:   msg.PriceChangePercent.Float64(),
			VWAP:         msg.WeightedAvgPrice.Float64(),
			Timestamp:    msg.EventTime.Time(),
		}
		p.Derive()
		b.wsDispatch(topic, p)
	case strings.HasPrefix(channel, "depth"):
		var msg WsDepthUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(msg.Symbol)
		if err != nil {
			return err
		}
		bids, err := tranches(msg.Bids)
		if err != nil {
			return err
		}
		asks, err := tranches(msg.Asks)
		if err != nil {
			return err
		}
		b.wsDispatch(topic, &orderbook.Update{
			Type:          orderbook.Delta,
			Pair:          pair,
			Bids:          bids,
			Asks:          asks,
			FirstUpdateID: msg.FirstUpdateID,
			LastUpdateID:  msg.LastUpdateID,
			Timestamp:     msg.EventTime.Time(),
		})
	case channel == "trade":
		var msg WsTrade
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(msg.Symbol)
		if err != nil {
			return err
		}
		side := order.Buy
		if msg.IsBuyerMaker {
			side = order.Sell
		}
		d := trade.Data{
			ID:        strconv.FormatInt(msg.TradeID, 10),
			Exchange:  b.Name,
			Pair:      pair,
			Side:      side,
			Price:     msg.Price.Float64(),
			Amount:    msg.Quantity.Float64(),
			Timestamp: msg.TradeTime.Time(),
		}
		d.DeriveCost()
		b.wsDispatch(topic, []trade.Data{d})
	case strings.HasPrefix(channel, "kline"):
		var msg WsKline
		if err := json.Unmarshal(data, &msg); err != nil {
			return err
		}
		b.wsDispatch(topic, &kline.Candle{
			Timestamp: msg.Kline.StartTime.Time(),
			Open:      msg.Kline.Open.Float64(),
			High:      msg.Kline.High.Float64(),
			Low:       msg.Kline.Low.Float64(),
			Close:     msg.Kline.Close.Float64(),
			Volume:    msg.Kline.Volume.Float64(),
		})
	default:
		b.Log().Debug().Str("topic", topic).Msg("unhandled stream topic")
	}
	return nil
}

// wsHandleAuthData routes user data stream events by their event type
func (b *Binance) wsHandleAuthData(_ context.Context, respRaw []byte) error {
	event, err := jsonparser.GetString(respRaw, "e")
	if err != nil {
		b.Log().Debug().Bytes("frame", respRaw).Msg("unhandled user stream frame")
		return nil
	}
	switch event {
	case "outboundAccountPosition":
		var msg WsAccountPosition
		if err := json.Unmarshal(respRaw, &msg); err != nil {
			return err
		}
		h := account.NewHoldings(b.Name)
		h.Timestamp = msg.EventTime.Time()
		for _, bal := range msg.Balances {
			h.Set(account.Balance{
				Currency: currency.NewCode(bal.Asset),
				Free:     bal.Free.Float64(),
				Used:     bal.Locked.Float64(),
			})
		}
		b.wsDispatch("outboundAccountPosition", h)
	case "executionReport":
		var msg WsExecutionReport
		if err := json.Unmarshal(respRaw, &msg); err != nil {
			return err
		}
		pair, err := b.pairFromSymbol(msg.Symbol)
		if err != nil {
			return err
		}
		d := &order.Detail{
			Exchange:      b.Name,
			OrderID:       strconv.FormatInt(msg.OrderID, 10),
			ClientOrderID: msg.ClientOrderID,
			Pair:          pair,
			Price:         msg.Price.Float64(),
			Amount:        msg.Quantity.Float64(),
			Filled:        msg.CumulativeFilledQty.Float64(),
			Cost:          msg.CumulativeQuoteQty.Float64(),
			Fee:           order.Fee{Cost: msg.CommissionAmount.Float64(), Currency: currency.NewCode(msg.CommissionAsset)},
			Timestamp:     msg.OrderCreationTime.Time(),
			LastUpdated:   msg.TransactionTime.Time(),
			Info:          respRaw,
		}
		d.Side, _ = order.StringToOrderSide(msg.Side)
		d.Type, _ = order.StringToOrderType(msg.OrderType)
		d.Status, _ = order.StringToOrderStatus(msg.OrderStatus)
		d.TimeInForce, _ = order.StringToTimeInForce(msg.TimeInForce)
		d.Normalize()
		b.wsDispatch("executionReport", d)
	case "listenKeyExpired":
		b.Log().Warn().Msg("listen key expired, reacquiring")
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), exchange.DefaultHTTPTimeout)
			defer cancel()
			if err := b.wsAuthConnect(ctx); err != nil {
				b.EmitError(err)
			}
		}()
	case "balanceUpdate":
		// Deposit and withdrawal deltas; the position snapshot follows
	default:
		b.Log().Debug().Str("event", event).Msg("unhandled user stream event")
	}
	return nil
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (b *Binance) wsDispatch(key string, v any) {
	if err := b.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		b.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to a public topic
func (b *Binance) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
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

// watchUserData registers a delivery route against the private stream
func (b *Binance) watchUserData(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
	if err := b.ensureAuthStream(ctx); err != nil {
		return nil, err
	}
	if err := b.Websocket.AddDispatch(sub.Key, deliver); err != nil {
		return nil, err
	}
	if err := b.Websocket.AddSuccessfulSubscriptions(sub); err != nil {
		_ = b.Websocket.RemoveDispatch(sub.Key)
		return nil, err
	}
	return sub, nil
}

// WatchTicker streams 24h rolling statistics for one symbol
func (b *Binance) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     strings.ToLower(m.ID) + "@ticker",
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return b.watchTopic(ctx, sub, func(v any) {
		if p, ok := v.(*ticker.Price); ok {
			cb(p)
		}
	})
}

// WatchOrderBook streams differential depth updates for one symbol. Update
// id bounds are surfaced so the caller can reconcile against a snapshot.
func (b *Binance) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     strings.ToLower(m.ID) + "@depth@100ms",
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
func (b *Binance) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", b.Name, common.ErrNilPointer)
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     strings.ToLower(m.ID) + "@trade",
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
// forming candle is delivered on every tick; the final delivery for a window
// carries its closing values.
func (b *Binance) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
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
		Key:      strings.ToLower(m.ID) + "@kline_" + native,
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

// WatchBalance streams account balance snapshots from the user data stream
func (b *Binance) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchBalance: %w", b.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           "outboundAccountPosition",
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	return b.watchUserData(ctx, sub, func(v any) {
		if h, ok := v.(*account.Holdings); ok {
			cb(h)
		}
	})
}

// WatchOrders streams order lifecycle reports from the user data stream
func (b *Binance) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrders: %w", b.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           "executionReport",
		Channel:       subscription.MyOrdersChannel,
		Authenticated: true,
	}
	return b.watchUserData(ctx, sub, func(v any) {
		if d, ok := v.(*order.Detail); ok {
			cb(d)
		}
	})
}

// CloseAllWs releases the listen key before the shared teardown
func (b *Binance) CloseAllWs() error {
	b.listenKeyMu.Lock()
	key := b.listenKey
	b.listenKey = ""
	b.listenKeyMu.Unlock()
	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), exchange.DefaultHTTPTimeout)
		if err := b.CloseWsAuthStream(ctx, key); err != nil {
			b.Log().Warn().Err(err).Msg("listen key release")
		}
		cancel()
	}
	return b.Base.CloseAllWs()
}
