package phemex

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
	// pingInterval keeps the stream inside the venue's idle cutoff
	pingInterval = 10 * time.Second

	wsChannelTicker = "ticker"
	wsChannelTrades = "trades"
	wsChannelBook   = "book"
	wsChannelKline  = "kline"

	// methodTicker is the venue's shared all symbol ticker stream; one
	// venue subscription covers every spot market at once
	methodTicker  = "spot_market24h"
	methodTrades  = "trade"
	methodBook    = "orderbook"
	methodKline   = "kline"
	methodAccount = "wo"
	methodAuth    = "user.auth"

	// topicOrders and topicWallet route account pushes, which share the
	// venue's combined wallet and order stream
	topicOrders = "orders"
	topicWallet = "wallet"

	pushTypeSnapshot = "snapshot"

	wsAuthStatusOK = "success"
)

// pingFrame is the venue's application level keep alive. The reserved id
// zero keeps its acks clear of command waiters.
var pingFrame = []byte(`{"id":0,"method":"server.ping","params":[]}`)

// WsConnect dials the stream and starts its reader. Public and private
// traffic share the connection, so a reconnect reauthenticates in band
// before subscriptions are replayed.
func (p *Phemex) WsConnect(ctx context.Context) error {
	if err := p.Websocket.Conn.Dial(ctx, &gws.Dialer{}, http.Header{}); err != nil {
		return err
	}
	p.Websocket.Conn.SetupPingHandler(request.Unset, stream.PingHandler{
		MessageType: gws.TextMessage,
		Message:     pingFrame,
		Delay:       pingInterval,
	})
	p.Websocket.Wg.Add(1)
	go p.Websocket.Reader(ctx, p.Websocket.Conn, p.wsHandleData)
	if p.Websocket.CanUseAuthenticatedEndpoints() {
		if err := p.wsAuth(ctx); err != nil {
			p.Websocket.SetCanUseAuthenticatedEndpoints(false)
			p.Log().Error().Err(err).Msg("stream auth on reconnect")
			p.EmitError(err)
		}
	}
	return nil
}

// wsAuth authenticates the stream in band and waits for the venue's
// acknowledgement. The signature seals the api key concatenated with an
// expiry second under HMAC-SHA256 keyed with the base64 decoded secret.
func (p *Phemex) wsAuth(ctx context.Context) error {
	creds, err := p.GetCredentials()
	if err != nil {
		return err
	}
	secret, err := crypto.Base64Decode(creds.Secret)
	if err != nil {
		return fmt.Errorf("%s: decoding api secret: %w", p.Name, err)
	}
	expiry := p.Now().Unix() + requestExpiry
	mac, err := crypto.GetHMAC(crypto.HashSHA256, []byte(creds.Key+strconv.FormatInt(expiry, 10)), secret)
	if err != nil {
		return err
	}
	req := &wsRPCRequest{
		ID:     p.Websocket.Conn.GenerateMessageID(false),
		Method: methodAuth,
		Params: []any{"API", creds.Key, crypto.HexEncodeToString(mac), expiry},
	}
	raw, err := p.Websocket.Conn.SendMessageReturnResponse(ctx, request.Unset, req.ID, req)
	if err != nil {
		return err
	}
	reply, err := p.parseRPCReply(raw)
	if err != nil {
		return err
	}
	var res wsAuthResult
	if err := json.Unmarshal(reply.Result, &res); err != nil {
		return err
	}
	if res.Status != wsAuthStatusOK {
		return errs.New(p.Name, errs.ErrAuthentication, "stream auth status "+res.Status)
	}
	p.Websocket.SetCanUseAuthenticatedEndpoints(true)
	return nil
}

// ensureAuthStream brings the shared connection up and authenticates it
// once per session
func (p *Phemex) ensureAuthStream(ctx context.Context) error {
	if err := p.EnsureWsConnected(ctx); err != nil {
		return err
	}
	if p.Websocket.CanUseAuthenticatedEndpoints() {
		return nil
	}
	return p.wsAuth(ctx)
}

// Subscribe sends subscribe commands for the requested channels and waits
// for each acknowledgement
func (p *Phemex) Subscribe(ctx context.Context, subs subscription.List) error {
	for _, s := range subs {
		req, err := p.wsCommand(s, true)
		if err != nil {
			return err
		}
		if req == nil {
			continue
		}
		if err := p.wsSendCommand(ctx, req); err != nil {
			return err
		}
	}
	return p.Websocket.AddSuccessfulSubscriptions(subs...)
}

// Unsubscribe releases the given channels
func (p *Phemex) Unsubscribe(ctx context.Context, subs subscription.List) error {
	for _, s := range subs {
		req, err := p.wsCommand(s, false)
		if err != nil {
			return err
		}
		if req == nil {
			continue
		}
		if err := p.wsSendCommand(ctx, req); err != nil {
			return err
		}
	}
	return p.Websocket.RemoveSubscriptions(subs...)
}

// wsCommand builds the command covering one subscription. The all symbol
// ticker stream and the account stream are shared venue side, so a command
// goes out only for the first rider in and the last rider out; nil means
// the venue state already matches.
func (p *Phemex) wsCommand(s *subscription.Subscription, subscribe bool) (*wsRPCRequest, error) {
	verb := ".unsubscribe"
	if subscribe {
		verb = ".subscribe"
	}
	req := &wsRPCRequest{Params: []any{}}
	if s.Authenticated {
		if p.topicRiders(s, func(o *subscription.Subscription) bool { return o.Authenticated }) > 0 {
			return nil, nil
		}
		req.Method = methodAccount + verb
		return req, nil
	}
	key, ok := s.Key.(string)
	if !ok {
		return nil, fmt.Errorf("%s: subscription key %v is not a channel key", p.Name, s.Key)
	}
	channel, qualifier, found := strings.Cut(key, ":")
	if !found {
		return nil, fmt.Errorf("%s: malformed channel key %q", p.Name, key)
	}
	switch channel {
	case wsChannelTicker:
		if p.topicRiders(s, func(o *subscription.Subscription) bool {
			k, ok := o.Key.(string)
			return ok && strings.HasPrefix(k, wsChannelTicker+":")
		}) > 0 {
			return nil, nil
		}
		req.Method = methodTicker + verb
	case wsChannelTrades:
		req.Method = methodTrades + verb
		req.Params = []any{qualifier}
	case wsChannelBook:
		req.Method = methodBook + verb
		req.Params = []any{qualifier}
	case wsChannelKline:
		sym, res, found := strings.Cut(qualifier, ":")
		if !found {
			return nil, fmt.Errorf("%s: malformed channel key %q", p.Name, key)
		}
		n, err := strconv.ParseInt(res, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%s: malformed channel key %q", p.Name, key)
		}
		req.Method = methodKline + verb
		req.Params = []any{sym, n}
	default:
		return nil, fmt.Errorf("%s: unknown channel %q", p.Name, channel)
	}
	return req, nil
}

// topicRiders counts the other live subscriptions matching the predicate
func (p *Phemex) topicRiders(except *subscription.Subscription, match func(*subscription.Subscription) bool) int {
	n := 0
	for _, o := range p.Websocket.GetSubscriptions() {
		if o == except || o.Key == except.Key {
			continue
		}
		if o.State() != subscription.SubscribedState {
			continue
		}
		if match(o) {
			n++
		}
	}
	return n
}

// wsSendCommand issues a command under a fresh id and decodes the venue's
// acknowledgement
func (p *Phemex) wsSendCommand(ctx context.Context, req *wsRPCRequest) error {
	req.ID = p.Websocket.Conn.GenerateMessageID(false)
	raw, err := p.Websocket.Conn.SendMessageReturnResponse(ctx, request.Unset, req.ID, req)
	if err != nil {
		return err
	}
	_, err = p.parseRPCReply(raw)
	return err
}

// parseRPCReply decodes a command acknowledgement, classifying rejections
func (p *Phemex) parseRPCReply(raw []byte) (*wsRPCReply, error) {
	var reply wsRPCReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	if reply.Error != nil {
		return nil, p.classifyError(reply.Error.Code, reply.Error.Message)
	}
	return &reply, nil
}

// wsHandleData parses stream frames. Command acknowledgements carry a
// request id, data pushes name their payload field instead.
func (p *Phemex) wsHandleData(_ context.Context, respRaw []byte) error {
	if id, err := jsonparser.GetInt(respRaw, "id"); err == nil {
		return p.wsHandleReply(id, respRaw)
	}
	var push wsPush
	if err := json.Unmarshal(respRaw, &push); err != nil {
		p.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
		return nil
	}
	switch {
	case push.Market24h != nil:
		return p.routeTicker(push.Market24h)
	case push.Book != nil:
		return p.routeBook(&push)
	case len(push.Trades) > 0:
		return p.routeTrades(&push)
	case len(push.Kline) > 0:
		return p.routeKlines(&push)
	case len(push.Orders) > 0 || len(push.Wallets) > 0:
		return p.routeAccount(&push)
	}
	p.Log().Debug().Bytes("frame", respRaw).Msg("unhandled stream frame")
	return nil
}

// wsHandleReply routes a command acknowledgement to its waiter. Replies
// nobody awaits are keep alive acks, except late rejections, which surface
// on the event feed.
func (p *Phemex) wsHandleReply(id int64, raw []byte) error {
	if p.Websocket.Conn.Match.IncomingWithData(id, raw) {
		return nil
	}
	var reply wsRPCReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return err
	}
	if reply.Error != nil {
		e := p.classifyError(reply.Error.Code, reply.Error.Message)
		p.Log().Warn().Err(e).Msg("stream command rejected")
		p.EmitError(e)
	}
	return nil
}

// routeTicker fans the shared all symbol stream out by venue symbol.
// Symbols nobody watches drop at the dispatch stage.
func (p *Phemex) routeTicker(t *Ticker) error {
	pair, err := p.pairFromSymbol(t.Symbol)
	if err != nil {
		return nil
	}
	p.wsDispatch(wsChannelTicker+":"+t.Symbol, p.parseTicker(t, pair))
	return nil
}

// routeBook converts a depth push. The venue opens with a snapshot and
// follows with incremental sides where a zero quantity removes the level.
func (p *Phemex) routeBook(push *wsPush) error {
	pair, err := p.pairFromSymbol(push.Symbol)
	if err != nil {
		return err
	}
	ts := push.Timestamp.Time()
	if ts.IsZero() {
		ts = p.Now()
	}
	u := &orderbook.Update{
		Type:         orderbook.Delta,
		Pair:         pair,
		Bids:         levels(push.Book.Bids),
		Asks:         levels(push.Book.Asks),
		LastUpdateID: push.Sequence,
		Timestamp:    ts,
	}
	if push.Type == pushTypeSnapshot {
		u.Type = orderbook.Snapshot
	}
	orderbook.SortBids(u.Bids)
	orderbook.SortAsks(u.Asks)
	p.wsDispatch(wsChannelBook+":"+push.Symbol, u)
	return nil
}

// routeTrades delivers public executions oldest first; pushes arrive
// newest first
func (p *Phemex) routeTrades(push *wsPush) error {
	pair, err := p.pairFromSymbol(push.Symbol)
	if err != nil {
		return err
	}
	out := make([]trade.Data, 0, len(push.Trades))
	for i := len(push.Trades) - 1; i >= 0; i-- {
		out = append(out, *p.parseTrade(&push.Trades[i], pair))
	}
	p.wsDispatch(wsChannelTrades+":"+push.Symbol, out)
	return nil
}

// routeKlines delivers candles oldest first, routed by the interval each
// row carries
func (p *Phemex) routeKlines(push *wsPush) error {
	for i := len(push.Kline) - 1; i >= 0; i-- {
		r := &push.Kline[i]
		c := &kline.Candle{
			Timestamp: time.Unix(r.Timestamp, 0),
			Open:      fromScaled(r.OpenEp),
			High:      fromScaled(r.HighEp),
			Low:       fromScaled(r.LowEp),
			Close:     fromScaled(r.CloseEp),
			Volume:    fromScaled(r.VolumeEv),
		}
		p.wsDispatch(wsChannelKline+":"+push.Symbol+":"+strconv.FormatInt(r.Interval, 10), c)
	}
	return nil
}

// routeAccount delivers private order and wallet pushes. Wallet snapshots
// replace holdings while incremental rows patch the currencies moved.
func (p *Phemex) routeAccount(push *wsPush) error {
	for i := range push.Orders {
		o := &push.Orders[i]
		pair, err := p.pairFromSymbol(o.Symbol)
		if err != nil {
			return err
		}
		p.wsDispatch(topicOrders, p.parseOrder(o, pair))
	}
	if len(push.Wallets) > 0 {
		p.wsDispatch(topicWallet, p.parseWallets(push.Wallets))
	}
	return nil
}

// wsDispatch delivers a parsed payload, dropping it when the route was
// already unwatched
func (p *Phemex) wsDispatch(key string, v any) {
	if err := p.Websocket.Dispatch(key, v); err != nil && !errors.Is(err, stream.ErrRequestRouteNotFound) {
		p.Log().Warn().Err(err).Msg("stream dispatch")
	}
}

// watchTopic registers a delivery route and subscribes to its channel,
// authenticating the shared stream first when the topic needs it
func (p *Phemex) watchTopic(ctx context.Context, sub *subscription.Subscription, deliver func(any)) (*subscription.Subscription, error) {
	if sub.Authenticated {
		if err := p.ensureAuthStream(ctx); err != nil {
			return nil, err
		}
	} else if err := p.EnsureWsConnected(ctx); err != nil {
		return nil, err
	}
	if err := p.Websocket.AddDispatch(sub.Key, deliver); err != nil {
		return nil, err
	}
	if err := p.Websocket.SubscribeToChannels(ctx, subscription.List{sub}); err != nil {
		_ = p.Websocket.RemoveDispatch(sub.Key)
		return nil, err
	}
	return sub, nil
}

// WatchTicker streams 24h rolling statistics for one symbol. The venue
// streams every symbol at once; the fan out filters to the one watched.
func (p *Phemex) WatchTicker(ctx context.Context, symbol string, cb func(*ticker.Price)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTicker: %w", p.Name, common.ErrNilPointer)
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     wsChannelTicker + ":" + m.ID,
		Channel: subscription.TickerChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return p.watchTopic(ctx, sub, func(v any) {
		if pr, ok := v.(*ticker.Price); ok {
			cb(pr)
		}
	})
}

// WatchOrderBook streams depth updates for one symbol at the venue's fixed
// tier. The venue opens with a snapshot and follows with deltas where a
// zero amount removes the level.
func (p *Phemex) WatchOrderBook(ctx context.Context, symbol string, cb func(*orderbook.Update), depth int) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrderBook: %w", p.Name, common.ErrNilPointer)
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     wsChannelBook + ":" + m.ID,
		Channel: subscription.OrderbookChannel,
		Pairs:   currency.Pairs{m.Pair},
		Levels:  depth,
	}
	return p.watchTopic(ctx, sub, func(v any) {
		if u, ok := v.(*orderbook.Update); ok {
			cb(u)
		}
	})
}

// WatchTrades streams public trades for one symbol
func (p *Phemex) WatchTrades(ctx context.Context, symbol string, cb func([]trade.Data)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchTrades: %w", p.Name, common.ErrNilPointer)
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:     wsChannelTrades + ":" + m.ID,
		Channel: subscription.AllTradesChannel,
		Pairs:   currency.Pairs{m.Pair},
	}
	return p.watchTopic(ctx, sub, func(v any) {
		if t, ok := v.([]trade.Data); ok {
			cb(t)
		}
	})
}

// WatchKlines streams candle updates for one symbol and interval. The
// forming candle is delivered on every tick.
func (p *Phemex) WatchKlines(ctx context.Context, symbol string, interval kline.Interval, cb func(*kline.Candle)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchKlines: %w", p.Name, common.ErrNilPointer)
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	native, err := p.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	sub := &subscription.Subscription{
		Key:      wsChannelKline + ":" + m.ID + ":" + native,
		Channel:  subscription.CandlesChannel,
		Pairs:    currency.Pairs{m.Pair},
		Interval: interval,
	}
	return p.watchTopic(ctx, sub, func(v any) {
		if c, ok := v.(*kline.Candle); ok {
			cb(c)
		}
	})
}

// WatchBalance streams wallet updates from the account stream
func (p *Phemex) WatchBalance(ctx context.Context, cb func(*account.Holdings)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchBalance: %w", p.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           topicWallet,
		Channel:       subscription.BalancesChannel,
		Authenticated: true,
	}
	return p.watchTopic(ctx, sub, func(v any) {
		if h, ok := v.(*account.Holdings); ok {
			cb(h)
		}
	})
}

// WatchOrders streams order lifecycle reports from the account stream
func (p *Phemex) WatchOrders(ctx context.Context, cb func(*order.Detail)) (*subscription.Subscription, error) {
	if cb == nil {
		return nil, fmt.Errorf("%s watchOrders: %w", p.Name, common.ErrNilPointer)
	}
	sub := &subscription.Subscription{
		Key:           topicOrders,
		Channel:       subscription.MyOrdersChannel,
		Authenticated: true,
	}
	return p.watchTopic(ctx, sub, func(v any) {
		if d, ok := v.(*order.Detail); ok {
			cb(d)
		}
	})
}
