package okx

import (
	"context"
	"errors"
	"strconv"
	"strings"
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

var _ exchange.Venue = (*Okx)(nil)

// cancelBatchSize is the venue's per call ceiling on batched cancels
const cancelBatchSize = 20

// FetchTime returns the venue server clock
func (o *Okx) FetchTime(ctx context.Context) (time.Time, error) {
	return o.GetServerTime(ctx)
}

// LoadMarkets fetches the instrument catalogue and replaces the market cache
func (o *Okx) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && o.Markets.Loaded() {
		return o.Markets.List(), nil
	}
	instruments, err := o.GetInstruments(ctx, spotInstType)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(instruments))
	for i := range instruments {
		inst := &instruments[i]
		raw, err := json.Marshal(inst)
		if err != nil {
			return nil, err
		}
		tickSize, _ := strconv.ParseFloat(inst.TickSize, 64)
		stepSize, _ := strconv.ParseFloat(inst.LotSize, 64)
		m := &market.Market{
			ID:              inst.InstrumentID,
			Pair:            currency.NewPair(currency.NewCode(inst.BaseCurrency), currency.NewCode(inst.QuoteCurrency)),
			Active:          inst.State == "live",
			PricePrecision:  decimalsFromStep(inst.TickSize),
			AmountPrecision: decimalsFromStep(inst.LotSize),
			TickSize:        tickSize,
			StepSize:        stepSize,
			Limits: market.Limits{
				MinAmount: inst.MinSize.Float64(),
				MaxAmount: inst.MaxLimitSize.Float64(),
			},
			Info: raw,
		}
		markets = append(markets, m)
	}
	if err := o.Markets.Load(markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// FetchTicker returns 24h rolling statistics for one symbol
func (o *Okx) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t, err := o.GetTicker(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return o.parseTicker(t, m.Pair), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed market when none are named
func (o *Okx) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := o.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	rows, err := o.GetTickers(ctx, spotInstType)
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(symbols) > 0 {
		want = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			m, err := o.MarketBySymbol(s)
			if err != nil {
				return nil, err
			}
			want[m.Symbol()] = true
		}
	}
	out := make([]ticker.Price, 0, len(rows))
	for i := range rows {
		pair, err := o.pairFromSymbol(rows[i].InstrumentID)
		if err != nil {
			continue
		}
		if want != nil && !want[pair.Format("/", true)] {
			continue
		}
		out = append(out, *o.parseTicker(&rows[i], pair))
	}
	return out, nil
}

// FetchOrderBook returns an aggregated depth snapshot
func (o *Okx) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	depth, err := o.GetOrderBook(ctx, m.ID, limit)
	if err != nil {
		return nil, err
	}
	bids, err := bookTranches(depth.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := bookTranches(depth.Asks)
	if err != nil {
		return nil, err
	}
	book := &orderbook.Book{
		Exchange:  o.Name,
		Pair:      m.Pair,
		Bids:      bids,
		Asks:      asks,
		Timestamp: depth.Timestamp.Time(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	return book, nil
}

// FetchTrades returns recent public trades, oldest first. The venue serves a
// recency window without time filters, so since trims client side.
func (o *Okx) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := o.GetTrades(ctx, m.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		t := &raw[i]
		if !since.IsZero() && t.Timestamp.Time().Before(since) {
			continue
		}
		d := trade.Data{
			ID:        t.TradeID,
			Exchange:  o.Name,
			Pair:      m.Pair,
			Price:     t.Price.Float64(),
			Amount:    t.Size.Float64(),
			Timestamp: t.Timestamp.Time(),
		}
		d.Side, _ = order.StringToOrderSide(t.Side)
		d.DeriveCost()
		out = append(out, d)
	}
	return out, nil
}

// FetchOHLCV returns candles at the requested interval, oldest first. The
// venue serves them newest first, so the rows are reversed.
func (o *Okx) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	bar, err := o.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := o.GetCandlesticks(ctx, m.ID, bar, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, len(raw))
	for i := range raw {
		r := &raw[len(raw)-1-i]
		out[i] = kline.Candle{
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.Volume,
		}
	}
	return out, nil
}

// CreateOrder places an order and returns its initial state. The venue
// acknowledges with ids only, so fill state starts empty.
func (o *Okx) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := o.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req, err := o.buildOrderRequest(m, s)
	if err != nil {
		return nil, err
	}
	ack, err := o.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	d := &order.Detail{
		Exchange:      o.Name,
		OrderID:       ack.OrderID,
		ClientOrderID: ack.ClientOrderID,
		Pair:          m.Pair,
		Type:          s.Type,
		Side:          s.Side,
		Status:        order.New,
		Price:         m.RoundPrice(s.Price),
		Amount:        m.RoundAmount(s.Amount),
		TimeInForce:   s.TimeInForce,
		Timestamp:     o.Now(),
		LastUpdated:   o.Now(),
	}
	d.Normalize()
	return d, nil
}

// AmendOrder adjusts a resting order and returns its refreshed state
func (o *Okx) AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := o.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req := &AmendOrderRequest{
		InstrumentID: m.ID,
		OrderID:      orderID,
		NewSize:      strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
	}
	if s.Price > 0 {
		req.NewPrice = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	}
	ack, err := o.AmendExistingOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	detail, err := o.GetOrderDetail(ctx, m.ID, ack.OrderID, "")
	if err != nil {
		return nil, err
	}
	return o.parseOrder(detail, m.Pair), nil
}

// CancelOrder cancels one order by venue id
func (o *Okx) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(o.Name, errs.ErrBadRequest, "cancelOrder requires a symbol")
	}
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return o.CancelExistingOrder(ctx, &CancelOrderRequest{
		InstrumentID: m.ID,
		OrderID:      orderID,
	})
}

// CancelAllOrders cancels every resting spot order, narrowed to one symbol
// when given. Orders that reach a terminal state mid flight are skipped.
func (o *Okx) CancelAllOrders(ctx context.Context, symbol string) error {
	if err := o.ensureMarkets(ctx); err != nil {
		return err
	}
	instID := ""
	if symbol != "" {
		m, err := o.MarketBySymbol(symbol)
		if err != nil {
			return err
		}
		instID = m.ID
	}
	pending, err := o.GetPendingOrders(ctx, instID)
	if err != nil {
		return err
	}
	for start := 0; start < len(pending); start += cancelBatchSize {
		end := min(start+cancelBatchSize, len(pending))
		batch := make([]CancelOrderRequest, 0, end-start)
		for _, p := range pending[start:end] {
			batch = append(batch, CancelOrderRequest{
				InstrumentID: p.InstrumentID,
				OrderID:      p.OrderID,
			})
		}
		results, err := o.CancelBatchOrders(ctx, batch)
		if err != nil {
			return err
		}
		for i := range results {
			if err := o.resultError(&results[i]); err != nil && !errors.Is(err, errs.ErrOrderNotFound) {
				return err
			}
		}
	}
	return nil
}

// FetchOrder returns one order's current state
func (o *Okx) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(o.Name, errs.ErrBadRequest, "fetchOrder requires a symbol")
	}
	m, err := o.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp, err := o.GetOrderDetail(ctx, m.ID, orderID, "")
	if err != nil {
		return nil, err
	}
	return o.parseOrder(resp, m.Pair), nil
}

// FetchOpenOrders returns resting orders, venue wide when symbol is empty
func (o *Okx) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	if err := o.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	instID := ""
	if symbol != "" {
		m, err := o.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		instID = m.ID
	}
	raw, err := o.GetPendingOrders(ctx, instID)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := range raw {
		pair, err := o.pairFromSymbol(raw[i].InstrumentID)
		if err != nil {
			return nil, err
		}
		out = append(out, *o.parseOrder(&raw[i], pair))
	}
	return out, nil
}

// FetchClosedOrders returns terminal orders, oldest first, venue wide when
// symbol is empty
func (o *Okx) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if err := o.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	instID := ""
	if symbol != "" {
		m, err := o.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		instID = m.ID
	}
	raw, err := o.GetOrderHistory(ctx, instID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		pair, err := o.pairFromSymbol(raw[i].InstrumentID)
		if err != nil {
			return nil, err
		}
		d := o.parseOrder(&raw[i], pair)
		if !d.Status.IsTerminal() {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// FetchMyTrades returns the account's fills, oldest first, venue wide when
// symbol is empty
func (o *Okx) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	if err := o.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	instID := ""
	if symbol != "" {
		m, err := o.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		instID = m.ID
	}
	raw, err := o.GetTransactionDetails(ctx, instID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Fill, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		f := &raw[i]
		pair, err := o.pairFromSymbol(f.InstrumentID)
		if err != nil {
			return nil, err
		}
		fill := order.Fill{
			ID:        f.TradeID,
			OrderID:   f.OrderID,
			Exchange:  o.Name,
			Pair:      pair,
			Price:     f.Price.Float64(),
			Amount:    f.Size.Float64(),
			Fee:       order.Fee{Cost: -f.Fee.Float64(), Currency: currency.NewCode(f.FeeCurrency)},
			IsMaker:   f.ExecType == "M",
			Timestamp: f.Timestamp.Time(),
		}
		fill.Side, _ = order.StringToOrderSide(f.Side)
		fill.Cost = fill.Price * fill.Amount
		out = append(out, fill)
	}
	return out, nil
}

// FetchBalance returns the trading account holdings
func (o *Okx) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	bal, err := o.GetAccountBalance(ctx)
	if err != nil {
		return nil, err
	}
	h := account.NewHoldings(o.Name)
	h.Timestamp = bal.UpdateTime.Time()
	for _, d := range bal.Details {
		h.Set(account.Balance{
			Currency: currency.NewCode(d.Currency),
			Free:     d.AvailableBalance.Float64(),
			Used:     d.FrozenBalance.Float64(),
		})
	}
	raw, err := json.Marshal(bal)
	if err != nil {
		return nil, err
	}
	h.Info = raw
	return h, nil
}

// FetchTradingFees returns the account's commission rates. The venue reports
// fees negative, so the canonical rates negate them.
func (o *Okx) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
	instID := ""
	canonical := ""
	if symbol != "" {
		m, err := o.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		instID = m.ID
		canonical = m.Symbol()
	}
	rate, err := o.GetTradeFeeRates(ctx, spotInstType, instID)
	if err != nil {
		return nil, err
	}
	return []exchange.TradingFee{{
		Symbol: canonical,
		Maker:  -rate.Maker.Float64(),
		Taker:  -rate.Taker.Float64(),
	}}, nil
}

func (o *Okx) ensureMarkets(ctx context.Context) error {
	if o.Markets.Loaded() {
		return nil
	}
	_, err := o.LoadMarkets(ctx, false)
	return err
}

func (o *Okx) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := o.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return o.MarketBySymbol(symbol)
}

func (o *Okx) parseTicker(t *TickerData, pair currency.Pair) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: o.Name,
		Pair:         pair,
		Last:         t.LastPrice.Float64(),
		Bid:          t.BestBidPrice.Float64(),
		BidVolume:    t.BestBidSize.Float64(),
		Ask:          t.BestAskPrice.Float64(),
		AskVolume:    t.BestAskSize.Float64(),
		High:         t.High24H.Float64(),
		Low:          t.Low24H.Float64(),
		Open:         t.Open24H.Float64(),
		BaseVolume:   t.BaseVolume24H.Float64(),
		QuoteVolume:  t.QuoteVolume24H.Float64(),
		Timestamp:    t.Timestamp.Time(),
	}
	p.Derive()
	return p
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Amount and price are rounded to the market's step and tick first, and time
// in force folds into the venue's order type.
func (o *Okx) buildOrderRequest(m *market.Market, s *order.Submit) (*PlaceOrderRequest, error) {
	req := &PlaceOrderRequest{
		InstrumentID:  m.ID,
		TradeMode:     "cash",
		ClientOrderID: s.ClientOrderID,
		Side:          strings.ToLower(s.Side.String()),
		Size:          strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
	}
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.OrderType = "limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		switch tif {
		case order.ImmediateOrCancel:
			req.OrderType = "ioc"
		case order.FillOrKill:
			req.OrderType = "fok"
		case order.PostOnly:
			req.OrderType = "post_only"
		}
	case order.Market:
		req.OrderType = "market"
		// Sizes stay in base units; the venue defaults market buys to
		// quote currency sizing
		req.TargetCurrency = "base_ccy"
	case order.LimitMaker:
		req.OrderType = "post_only"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	case order.FOK:
		req.OrderType = "fok"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	case order.IOC:
		req.OrderType = "ioc"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	default:
		return nil, errs.New(o.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	return req, nil
}

func (o *Okx) parseOrder(resp *OrderDetail, pair currency.Pair) *order.Detail {
	d := &order.Detail{
		Exchange:      o.Name,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Pair:          pair,
		Price:         resp.Price.Float64(),
		Average:       resp.AveragePrice.Float64(),
		Amount:        resp.Size.Float64(),
		Filled:        resp.FilledSize.Float64(),
		Fee:           order.Fee{Cost: -resp.Fee.Float64(), Currency: currency.NewCode(resp.FeeCurrency)},
		Timestamp:     resp.CreationTime.Time(),
		LastUpdated:   resp.UpdateTime.Time(),
	}
	d.Side, _ = order.StringToOrderSide(resp.Side)
	d.Type, _ = order.StringToOrderType(resp.OrderType)
	d.Status, _ = order.StringToOrderStatus(resp.State)
	switch resp.OrderType {
	case "ioc":
		d.TimeInForce = order.ImmediateOrCancel
	case "fok":
		d.TimeInForce = order.FillOrKill
	case "post_only":
		d.TimeInForce = order.PostOnly
	case "limit":
		d.TimeInForce = order.GoodTillCancel
	}
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// bookTranches converts the venue's [price, size, _, order count] levels
func bookTranches(levels [][4]string) (orderbook.Tranches, error) {
	out := make(orderbook.Tranches, 0, len(levels))
	for _, l := range levels {
		price, err := strconv.ParseFloat(l[0], 64)
		if err != nil {
			return nil, err
		}
		amount, err := strconv.ParseFloat(l[1], 64)
		if err != nil {
			return nil, err
		}
		out = append(out, orderbook.Tranche{Price: price, Amount: amount})
	}
	return out, nil
}

// decimalsFromStep counts the significant decimal places of a step size
// string such as "0.001"
func decimalsFromStep(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(strings.TrimRight(s[i+1:], "0"))
	}
	return 0
}
