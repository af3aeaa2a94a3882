package bitforex

import (
	"context"
	"math"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/currency"
	exchange "github.com/calder-labs/unicex/exchanges"
	"github.com/calder-labs/unicex/exchanges/account"
	"github.com/calder-labs/unicex/exchanges/errs"
	"github.com/calder-labs/unicex/exchanges/kline"
	"github.com/calder-labs/unicex/exchanges/market"
	"github.com/calder-labs/unicex/exchanges/order"
	"github.com/calder-labs/unicex/exchanges/orderbook"
	"github.com/calder-labs/unicex/exchanges/ticker"
	"github.com/calder-labs/unicex/exchanges/trade"
)

var _ exchange.Venue = (*Bitforex)(nil)

// LoadMarkets fetches the symbol catalogue and replaces the market cache.
// The catalogue carries no trading status, so every listed symbol counts as
// active. Rows with ids outside the coin-quote-base form are skipped.
func (b *Bitforex) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && b.Markets.Loaded() {
		return b.Markets.List(), nil
	}
	symbols, err := b.GetSymbols(ctx)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(symbols))
	for i := range symbols {
		inst := &symbols[i]
		pair, err := splitVenueSymbol(inst.Symbol)
		if err != nil {
			continue
		}
		raw, err := json.Marshal(inst)
		if err != nil {
			return nil, err
		}
		m := &market.Market{
			ID:              inst.Symbol,
			Pair:            pair,
			Active:          true,
			PricePrecision:  inst.PricePrecision,
			AmountPrecision: inst.AmountPrecision,
			TickSize:        math.Pow10(-inst.PricePrecision),
			StepSize:        math.Pow10(-inst.AmountPrecision),
			Limits:          market.Limits{MinAmount: inst.MinOrderAmount.Float64()},
			Info:            raw,
		}
		markets = append(markets, m)
	}
	if err := b.Markets.Load(markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// FetchTicker returns 24h rolling statistics for one symbol
func (b *Bitforex) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t, err := b.GetTicker(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return b.parseTicker(t, m.Pair, t.Date.Time()), nil
}

// FetchOrderBook returns an aggregated depth snapshot. The depth payload
// carries no timestamp, so the local clock stands in.
func (b *Bitforex) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	depth, err := b.GetDepth(ctx, m.ID, int64(limit))
	if err != nil {
		return nil, err
	}
	book := &orderbook.Book{
		Exchange:  b.Name,
		Pair:      m.Pair,
		Bids:      bookTranches(depth.Bids),
		Asks:      bookTranches(depth.Asks),
		Timestamp: b.Now(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	return book, nil
}

// FetchTrades returns recent public trades, oldest first. The venue serves a
// recency window without time filters, so since trims client side.
func (b *Bitforex) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetTrades(ctx, m.ID, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(raw))
	for i := range raw {
		t := &raw[i]
		if !since.IsZero() && t.Time.Time().Before(since) {
			continue
		}
		d := trade.Data{
			ID:        strconv.FormatInt(t.TradeID, 10),
			Exchange:  b.Name,
			Pair:      m.Pair,
			Side:      sideFromDirection(t.Direction),
			Price:     t.Price.Float64(),
			Amount:    t.Amount.Float64(),
			Timestamp: t.Time.Time(),
		}
		d.DeriveCost()
		out = append(out, d)
	}
	return out, nil
}

// FetchOHLCV returns candles at the requested interval, oldest first. The
// venue walks back from now taking only a row count, so since trims client
// side.
func (b *Bitforex) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ktype, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetKline(ctx, m.ID, ktype, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, 0, len(raw))
	for i := range raw {
		if !since.IsZero() && raw[i].Time.Time().Before(since) {
			continue
		}
		out = append(out, kline.Candle{
			Timestamp: raw[i].Time.Time(),
			Open:      raw[i].Open.Float64(),
			High:      raw[i].High.Float64(),
			Low:       raw[i].Low.Float64(),
			Close:     raw[i].Close.Float64(),
			Volume:    raw[i].Vol.Float64(),
		})
	}
	return out, nil
}

// CreateOrder places a limit order and returns its initial state. The venue
// trades good till cancel limit orders only and tracks no client ids, so an
// attached client id is dropped from the submission.
func (b *Bitforex) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if s.Type != order.Limit {
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "the venue trades limit orders only")
	}
	if s.TimeInForce != order.UnknownTIF && s.TimeInForce != order.GoodTillCancel {
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "good till cancel is the only time in force offered")
	}
	m, err := b.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	price := m.RoundPrice(s.Price)
	amount := m.RoundAmount(s.Amount)
	id, err := b.PlaceOrder(ctx, m.ID,
		strconv.FormatFloat(price, 'f', -1, 64),
		strconv.FormatFloat(amount, 'f', -1, 64),
		sideToVenue(s.Side))
	if err != nil {
		return nil, err
	}
	d := &order.Detail{
		Exchange:    b.Name,
		OrderID:     strconv.FormatInt(id, 10),
		Pair:        m.Pair,
		Type:        order.Limit,
		Side:        s.Side,
		Status:      order.New,
		Price:       price,
		Amount:      amount,
		TimeInForce: order.GoodTillCancel,
		Timestamp:   b.Now(),
		LastUpdated: b.Now(),
	}
	d.Normalize()
	return d, nil
}

// CancelOrder cancels one order by venue id
func (b *Bitforex) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(b.Name, errs.ErrBadRequest, "cancelOrder requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return b.CancelExistingOrder(ctx, m.ID, orderID)
}

// CancelAllOrders cancels every resting order on one symbol. The venue
// cancels per symbol only.
func (b *Bitforex) CancelAllOrders(ctx context.Context, symbol string) error {
	if symbol == "" {
		return errs.New(b.Name, errs.ErrBadRequest, "cancelAllOrders requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return b.CancelAllSpotOrders(ctx, m.ID)
}

// FetchOrder returns one order's current state. The venue scopes lookups to
// a symbol.
func (b *Bitforex) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	if orderID == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchOrder requires an order id")
	}
	if symbol == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchOrder requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp, err := b.GetOrderInfo(ctx, m.ID, orderID)
	if err != nil {
		return nil, err
	}
	return b.parseOrder(resp, m.Pair), nil
}

// FetchOpenOrders returns one symbol's resting orders
func (b *Bitforex) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchOpenOrders requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetOrders(ctx, m.ID, stateOpen)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := range raw {
		out = append(out, *b.parseOrder(&raw[i], m.Pair))
	}
	return out, nil
}

// FetchClosedOrders returns one symbol's finished orders, oldest first. The
// venue lists newest first without time filters, so since and limit trim
// client side, limit keeping the most recent rows.
func (b *Bitforex) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchClosedOrders requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetOrders(ctx, m.ID, stateFinished)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		if !since.IsZero() && raw[i].CreateTime.Time().Before(since) {
			continue
		}
		out = append(out, *b.parseOrder(&raw[i], m.Pair))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// FetchBalance returns the spot fund holdings. The account document carries
// no timestamp, so the local clock stands in.
func (b *Bitforex) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	rows, err := b.GetAllAccounts(ctx)
	if err != nil {
		return nil, err
	}
	h := account.NewHoldings(b.Name)
	h.Timestamp = b.Now()
	for i := range rows {
		h.Set(account.Balance{
			Currency: currency.NewCode(rows[i].Currency),
			Free:     rows[i].Active.Float64(),
			Used:     rows[i].Frozen.Float64(),
			Total:    rows[i].Fix.Float64(),
		})
	}
	if raw, err := json.Marshal(rows); err == nil {
		h.Info = raw
	}
	return h, nil
}

func (b *Bitforex) ensureMarkets(ctx context.Context) error {
	if b.Markets.Loaded() {
		return nil
	}
	_, err := b.LoadMarkets(ctx, false)
	return err
}

func (b *Bitforex) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return b.MarketBySymbol(symbol)
}

// parseTicker converts a venue ticker document. Stream pushes omit the date
// field, so the caller supplies the timestamp.
func (b *Bitforex) parseTicker(t *TickerData, pair currency.Pair, at time.Time) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: b.Name,
		Pair:         pair,
		Last:         t.Last.Float64(),
		Bid:          t.Buy.Float64(),
		Ask:          t.Sell.Float64(),
		High:         t.High.Float64(),
		Low:          t.Low.Float64(),
		BaseVolume:   t.Vol.Float64(),
		Timestamp:    at,
	}
	p.Derive()
	return p
}

// parseOrder converts a venue order document. Every order is a good till
// cancel limit order, and cost recovers from the average fill price.
func (b *Bitforex) parseOrder(resp *OrderData, pair currency.Pair) *order.Detail {
	filled := resp.DealAmount.Float64()
	d := &order.Detail{
		Exchange:    b.Name,
		OrderID:     strconv.FormatInt(resp.OrderID, 10),
		Pair:        pair,
		Type:        order.Limit,
		Side:        sideFromDirection(resp.SideID),
		Status:      orderStatus(resp.OrderState, filled),
		Price:       resp.Price.Float64(),
		Average:     resp.AvgPrice.Float64(),
		Amount:      resp.OrderAmount.Float64(),
		Filled:      filled,
		Cost:        resp.AvgPrice.Float64() * filled,
		TimeInForce: order.GoodTillCancel,
		Fee:         order.Fee{Cost: resp.TradeFee.Float64()},
		Timestamp:   resp.CreateTime.Time(),
		LastUpdated: resp.LastTime.Time(),
	}
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// orderStatus derives canonical state from the venue's numeric order state,
// promoting pending orders with fills to partially filled
func orderStatus(state int64, filled float64) order.Status {
	switch state {
	case 0:
		if filled > 0 {
			return order.PartiallyFilled
		}
		return order.New
	case 1:
		return order.PartiallyFilled
	case 2:
		return order.Filled
	case 3, 4:
		return order.Cancelled
	default:
		return order.UnknownStatus
	}
}

// bookTranches converts the venue's object levels
func bookTranches(levels []BookLevel) orderbook.Tranches {
	out := make(orderbook.Tranches, len(levels))
	for i := range levels {
		out[i] = orderbook.Tranche{
			Price:  levels[i].Price.Float64(),
			Amount: levels[i].Amount.Float64(),
		}
	}
	return out
}

func sideFromDirection(d int64) order.Side {
	switch d {
	case sideBuy:
		return order.Buy
	case sideSell:
		return order.Sell
	default:
		return order.UnknownSide
	}
}

func sideToVenue(s order.Side) int64 {
	if s == order.Sell {
		return sideSell
	}
	return sideBuy
}
