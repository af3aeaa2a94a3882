package phemex

import (
	"context"
	"errors"
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

var _ exchange.Venue = (*Phemex)(nil)

const (
	// execStatusMaker marks executions that rested on the book
	execStatusMaker = "MakerFill"
)

// FetchTime returns the venue clock
func (p *Phemex) FetchTime(ctx context.Context) (time.Time, error) {
	return p.GetServerTime(ctx)
}

// LoadMarkets fetches the product catalogue and replaces the market cache.
// The venue scales every figure by one fixed constant, so tick and step
// sizes unfold from the scaled integers.
func (p *Phemex) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && p.Markets.Loaded() {
		return p.Markets.List(), nil
	}
	cat, err := p.GetProducts(ctx)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(cat.Products))
	for i := range cat.Products {
		prod := &cat.Products[i]
		if prod.Type != productTypeSpot {
			continue
		}
		raw, err := json.Marshal(prod)
		if err != nil {
			return nil, err
		}
		m := &market.Market{
			ID:              prod.Symbol,
			Pair:            currency.NewPair(currency.NewCode(prod.BaseCurrency), currency.NewCode(prod.QuoteCurrency)),
			Active:          prod.Status == productStatusLive,
			PricePrecision:  scaleDecimals(prod.QuoteTickSizeEv),
			AmountPrecision: scaleDecimals(prod.BaseTickSizeEv),
			TickSize:        fromScaled(prod.QuoteTickSizeEv),
			StepSize:        fromScaled(prod.BaseTickSizeEv),
			Limits: market.Limits{
				MinAmount: fromScaled(prod.BaseTickSizeEv),
				MaxAmount: fromScaled(prod.MaxBaseOrderSizeEv),
				MinCost:   fromScaled(prod.MinOrderValueEv),
			},
			Info: raw,
		}
		markets = append(markets, m)
	}
	if err := p.Markets.Load(markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// FetchTicker returns 24h rolling statistics for one symbol
func (p *Phemex) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t, err := p.GetTicker24h(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return p.parseTicker(t, m.Pair), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed spot pair when none are named
func (p *Phemex) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := p.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	rows, err := p.GetTickers24h(ctx)
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(symbols) > 0 {
		want = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			m, err := p.MarketBySymbol(s)
			if err != nil {
				return nil, err
			}
			want[m.ID] = true
		}
	}
	out := make([]ticker.Price, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		if want != nil && !want[r.Symbol] {
			continue
		}
		pair, err := p.pairFromSymbol(r.Symbol)
		if err != nil {
			continue
		}
		out = append(out, *p.parseTicker(r, pair))
	}
	return out, nil
}

// FetchOrderBook returns aggregated depth. The venue serves one fixed tier,
// so deeper requests are answered with what it has.
func (p *Phemex) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	doc, err := p.GetOrderBook(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	book := &orderbook.Book{
		Exchange:     p.Name,
		Pair:         m.Pair,
		Bids:         levels(doc.Book.Bids),
		Asks:         levels(doc.Book.Asks),
		LastUpdateID: doc.Sequence,
		Timestamp:    doc.Timestamp.Time(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	book.Truncate(limit)
	return book, nil
}

// FetchTrades returns recent public executions, oldest first. The venue
// serves only a recent window, so when a limit cuts the result the newest
// rows win.
func (p *Phemex) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	doc, err := p.GetTrades(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(doc.Trades))
	for i := len(doc.Trades) - 1; i >= 0; i-- {
		r := &doc.Trades[i]
		if !since.IsZero() && r.Timestamp.Before(since) {
			continue
		}
		out = append(out, *p.parseTrade(r, m.Pair))
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// FetchOHLCV returns candles, oldest first
func (p *Phemex) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	native, err := p.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	rows, err := p.GetKlines(ctx, m.ID, native, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		ts := time.Unix(r.Timestamp, 0)
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		out = append(out, kline.Candle{
			Timestamp: ts,
			Open:      fromScaled(r.OpenEp),
			High:      fromScaled(r.HighEp),
			Low:       fromScaled(r.LowEp),
			Close:     fromScaled(r.CloseEp),
			Volume:    fromScaled(r.VolumeEv),
		})
	}
	return out, nil
}

// CreateOrder places an order. The venue answers with the full order
// document, so the returned state reflects immediate fills.
func (p *Phemex) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := p.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req, err := p.buildOrderRequest(m, s)
	if err != nil {
		return nil, err
	}
	doc, err := p.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return p.parseOrder(doc, m.Pair), nil
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Sizing is by base quantity except for market buys, which the venue takes
// in quote value, so the base amount converts through the submitted
// reference price.
func (p *Phemex) buildOrderRequest(m *market.Market, s *order.Submit) (*PlaceOrderRequest, error) {
	req := &PlaceOrderRequest{
		Symbol:    m.ID,
		ClOrdID:   s.ClientOrderID,
		Side:      sideToVenue(s.Side),
		QtyType:   qtyByBase,
		BaseQtyEv: toScaled(m.RoundAmount(s.Amount)),
	}
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.OrdType = "Limit"
		req.PriceEp = toScaled(m.RoundPrice(s.Price))
		req.TimeInForce = tifToVenue(tif)
	case order.Market:
		req.OrdType = "Market"
		if s.Side == order.Buy {
			if s.Price <= 0 {
				return nil, errs.New(p.Name, errs.ErrInvalidOrder, "market buys size in quote value and need a reference price")
			}
			req.QtyType = qtyByQuote
			req.BaseQtyEv = 0
			req.QuoteQtyEv = toScaled(m.RoundAmount(s.Amount) * s.Price)
		}
	case order.LimitMaker:
		req.OrdType = "Limit"
		req.PriceEp = toScaled(m.RoundPrice(s.Price))
		req.TimeInForce = "PostOnly"
	case order.IOC:
		req.OrdType = "Limit"
		req.PriceEp = toScaled(m.RoundPrice(s.Price))
		req.TimeInForce = "ImmediateOrCancel"
	case order.FOK:
		req.OrdType = "Limit"
		req.PriceEp = toScaled(m.RoundPrice(s.Price))
		req.TimeInForce = "FillOrKill"
	case order.Stop:
		req.OrdType = "Stop"
		req.StopPxEp = toScaled(s.TriggerPrice)
		req.Trigger = triggerByLast
		if s.Side == order.Buy {
			if s.Price <= 0 {
				return nil, errs.New(p.Name, errs.ErrInvalidOrder, "stop market buys size in quote value and need a reference price")
			}
			req.QtyType = qtyByQuote
			req.BaseQtyEv = 0
			req.QuoteQtyEv = toScaled(m.RoundAmount(s.Amount) * s.Price)
		}
	case order.StopLimit:
		req.OrdType = "StopLimit"
		req.PriceEp = toScaled(m.RoundPrice(s.Price))
		req.StopPxEp = toScaled(s.TriggerPrice)
		req.Trigger = triggerByLast
		req.TimeInForce = tifToVenue(tif)
	default:
		return nil, errs.New(p.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	return req, nil
}

// AmendOrder adjusts a resting order's size or price and returns the
// updated document
func (p *Phemex) AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error) {
	if orderID == "" {
		return nil, errs.New(p.Name, errs.ErrBadRequest, "order id required")
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := p.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	var priceEp int64
	if s.Price > 0 {
		priceEp = toScaled(m.RoundPrice(s.Price))
	}
	doc, err := p.ReplaceOrder(ctx, m.ID, orderID, priceEp, toScaled(m.RoundAmount(s.Amount)))
	if err != nil {
		return nil, err
	}
	return p.parseOrder(doc, m.Pair), nil
}

// CancelOrder withdraws one resting order. The venue scopes order state by
// symbol, so the symbol is required.
func (p *Phemex) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(p.Name, errs.ErrBadRequest, "the venue addresses orders per symbol")
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	_, err = p.CancelSpotOrder(ctx, m.ID, orderID)
	return err
}

// CancelAllOrders withdraws every resting order on one symbol
func (p *Phemex) CancelAllOrders(ctx context.Context, symbol string) error {
	if symbol == "" {
		return errs.New(p.Name, errs.ErrBadRequest, "the venue cancels orders per symbol")
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return p.CancelAll(ctx, m.ID)
}

// FetchOrder returns one order by venue id, falling back to the history
// store once the live query reports it gone
func (p *Phemex) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(p.Name, errs.ErrBadRequest, "the venue addresses orders per symbol")
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	doc, err := p.GetActiveOrder(ctx, m.ID, orderID)
	if err != nil {
		if !errors.Is(err, errs.ErrOrderNotFound) {
			return nil, err
		}
		rows, err := p.GetOrderByID(ctx, m.ID, orderID)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, errs.New(p.Name, errs.ErrOrderNotFound, "no order "+orderID+" on "+symbol)
		}
		doc = &rows[0]
	}
	return p.parseOrder(doc, m.Pair), nil
}

// FetchOpenOrders returns the account's live orders on one symbol
func (p *Phemex) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(p.Name, errs.ErrBadRequest, "the venue lists orders per symbol")
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := p.GetOpenOrders(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(rows))
	for i := range rows {
		out = append(out, *p.parseOrder(&rows[i], m.Pair))
	}
	return out, nil
}

// FetchClosedOrders returns settled orders on one symbol, oldest first
func (p *Phemex) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(p.Name, errs.ErrBadRequest, "the venue lists orders per symbol")
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := p.GetOrderHistory(ctx, m.ID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, *p.parseOrder(&rows[i], m.Pair))
	}
	return out, nil
}

// FetchMyTrades returns the account's executions on one symbol, oldest
// first
func (p *Phemex) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	if symbol == "" {
		return nil, errs.New(p.Name, errs.ErrBadRequest, "the venue lists executions per symbol")
	}
	m, err := p.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := p.GetTradeHistory(ctx, m.ID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Fill, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		out = append(out, *p.parseFill(&rows[i], m.Pair))
	}
	return out, nil
}

// FetchBalance returns the account's spot balances
func (p *Phemex) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	rows, err := p.GetWallets(ctx)
	if err != nil {
		return nil, err
	}
	return p.parseWallets(rows), nil
}

// FetchTradingFees returns the venue's default fee schedule per market, as
// published in the product catalogue
func (p *Phemex) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
	if symbol != "" {
		m, err := p.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		return []exchange.TradingFee{p.feeForMarket(m)}, nil
	}
	if err := p.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	list := p.Markets.List()
	out := make([]exchange.TradingFee, 0, len(list))
	for _, m := range list {
		out = append(out, p.feeForMarket(m))
	}
	return out, nil
}

// feeForMarket reads the product fee ratios off the cached catalogue entry,
// falling back to the venue defaults
func (p *Phemex) feeForMarket(m *market.Market) exchange.TradingFee {
	fee := exchange.TradingFee{Symbol: m.Symbol(), Maker: p.Fees.Maker, Taker: p.Fees.Taker}
	var prod Product
	if err := json.Unmarshal(m.Info, &prod); err == nil && (prod.DefaultMakerFeeEr != 0 || prod.DefaultTakerFeeEr != 0) {
		fee.Maker = fromScaled(prod.DefaultMakerFeeEr)
		fee.Taker = fromScaled(prod.DefaultTakerFeeEr)
	}
	return fee
}

func (p *Phemex) ensureMarkets(ctx context.Context) error {
	if p.Markets.Loaded() {
		return nil
	}
	_, err := p.LoadMarkets(ctx, false)
	return err
}

func (p *Phemex) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := p.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return p.MarketBySymbol(symbol)
}

// parseTicker converts a venue ticker document, unfolding the scaled
// figures. The venue reports open and last, so the daily change derives.
func (p *Phemex) parseTicker(t *Ticker, pair currency.Pair) *ticker.Price {
	ts := t.Timestamp.Time()
	if ts.IsZero() {
		ts = p.Now()
	}
	pr := &ticker.Price{
		ExchangeName: p.Name,
		Pair:         pair,
		Last:         fromScaled(t.LastEp),
		Bid:          fromScaled(t.BidEp),
		Ask:          fromScaled(t.AskEp),
		High:         fromScaled(t.HighEp),
		Low:          fromScaled(t.LowEp),
		Open:         fromScaled(t.OpenEp),
		BaseVolume:   fromScaled(t.VolumeEv),
		QuoteVolume:  fromScaled(t.TurnoverEv),
		Timestamp:    ts,
	}
	pr.Derive()
	return pr
}

// parseTrade converts a venue execution row. The feed carries no trade ids.
func (p *Phemex) parseTrade(r *TradeRow, pair currency.Pair) *trade.Data {
	d := &trade.Data{
		Exchange:  p.Name,
		Pair:      pair,
		Price:     fromScaled(r.PriceEp),
		Amount:    fromScaled(r.QtyEv),
		Timestamp: r.Timestamp,
	}
	if s, err := order.StringToOrderSide(r.Side); err == nil {
		d.Side = s
	}
	d.DeriveCost()
	return d
}

// parseOrder converts a venue order document. Quote sized market buys carry
// no base amount up front, so the filled figure stands in once known.
func (p *Phemex) parseOrder(o *SpotOrder, pair currency.Pair) *order.Detail {
	amount := fromScaled(o.BaseQtyEv)
	filled := fromScaled(o.CumBaseQtyEv)
	if amount == 0 && o.QtyType == qtyByQuote {
		amount = filled
	}
	d := &order.Detail{
		Exchange:      p.Name,
		OrderID:       o.OrderID,
		ClientOrderID: o.ClOrdID,
		Pair:          pair,
		Type:          typeFromVenue(o.OrdType),
		Status:        p.orderStatus(o),
		Price:         fromScaled(o.PriceEp),
		Average:       fromScaled(o.AvgPriceEp),
		Amount:        amount,
		Filled:        filled,
		Cost:          fromScaled(o.CumQuoteValueEv),
		TimeInForce:   tifFromVenue(o.TimeInForce),
		Timestamp:     o.CreateTimeNs.Time(),
		LastUpdated:   o.ActionTimeNs.Time(),
	}
	if s, err := order.StringToOrderSide(o.Side); err == nil {
		d.Side = s
	}
	if o.CumFeeEv > 0 {
		d.Fee = order.Fee{Cost: fromScaled(o.CumFeeEv), Currency: currency.NewCode(o.FeeCurrency)}
	}
	if raw, err := json.Marshal(o); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// parseFill converts a venue execution against one of the account's orders
func (p *Phemex) parseFill(r *SpotFill, pair currency.Pair) *order.Fill {
	f := &order.Fill{
		ID:        r.ExecID,
		OrderID:   r.OrderID,
		Exchange:  p.Name,
		Pair:      pair,
		Price:     fromScaled(r.ExecPriceEp),
		Amount:    fromScaled(r.ExecBaseQtyEv),
		Cost:      fromScaled(r.ExecQuoteQtyEv),
		IsMaker:   r.ExecStatus == execStatusMaker,
		Timestamp: r.TransactTimeNs.Time(),
	}
	if s, err := order.StringToOrderSide(r.Side); err == nil {
		f.Side = s
	}
	if r.ExecFeeEv > 0 {
		f.Fee = order.Fee{Cost: fromScaled(r.ExecFeeEv), Currency: currency.NewCode(r.FeeCurrency)}
	}
	if raw, err := json.Marshal(r); err == nil {
		f.Info = raw
	}
	return f
}

// parseWallets folds venue balances into a holdings snapshot. The venue
// locks trading and withdrawal balances separately; both count as used.
func (p *Phemex) parseWallets(rows []SpotWallet) *account.Holdings {
	h := account.NewHoldings(p.Name)
	h.Timestamp = p.Now()
	for i := range rows {
		w := &rows[i]
		locked := w.LockedTradingBalanceEv + w.LockedWithdrawEv
		free := w.BalanceEv - locked
		if free < 0 {
			free = 0
		}
		h.Set(account.Balance{
			Currency: currency.NewCode(w.Currency),
			Free:     fromScaled(free),
			Used:     fromScaled(locked),
			Total:    fromScaled(w.BalanceEv),
		})
	}
	return h
}

// orderStatus maps the venue status grammar, folding partial fills on live
// orders into the partial state
func (p *Phemex) orderStatus(o *SpotOrder) order.Status {
	switch o.OrdStatus {
	case "Triggered":
		return order.New
	case "Deactivated":
		return order.Cancelled
	}
	st, err := order.StringToOrderStatus(o.OrdStatus)
	if err != nil {
		return order.UnknownStatus
	}
	if st == order.New && o.CumBaseQtyEv > 0 {
		return order.PartiallyFilled
	}
	return st
}

func sideToVenue(s order.Side) string {
	if s == order.Sell {
		return "Sell"
	}
	return "Buy"
}

// tifToVenue spells a canonical time in force the venue's way
func tifToVenue(tif order.TimeInForce) string {
	switch tif {
	case order.ImmediateOrCancel:
		return "ImmediateOrCancel"
	case order.FillOrKill:
		return "FillOrKill"
	case order.PostOnly:
		return "PostOnly"
	default:
		return "GoodTillCancel"
	}
}

// tifFromVenue reads the venue's camel cased time in force spellings
func tifFromVenue(raw string) order.TimeInForce {
	switch raw {
	case "GoodTillCancel":
		return order.GoodTillCancel
	case "ImmediateOrCancel":
		return order.ImmediateOrCancel
	case "FillOrKill":
		return order.FillOrKill
	case "PostOnly":
		return order.PostOnly
	default:
		return order.UnknownTIF
	}
}

// typeFromVenue maps the venue order type grammar. Touched variants differ
// only in trigger direction and fold onto the stop types.
func typeFromVenue(raw string) order.Type {
	switch raw {
	case "Limit":
		return order.Limit
	case "Market":
		return order.Market
	case "Stop", "MarketIfTouched":
		return order.Stop
	case "StopLimit", "LimitIfTouched":
		return order.StopLimit
	default:
		return order.UnknownType
	}
}

// levels converts scaled book rows
func levels(rows []PriceLevel) []orderbook.Tranche {
	out := make([]orderbook.Tranche, len(rows))
	for i, r := range rows {
		out[i] = orderbook.Tranche{Price: fromScaled(r[0]), Amount: fromScaled(r[1])}
	}
	return out
}
