package bitmart

import (
	"context"
	"math"
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

var _ exchange.Venue = (*Bitmart)(nil)

// FetchTime returns the venue server clock
func (b *Bitmart) FetchTime(ctx context.Context) (time.Time, error) {
	return b.GetSystemTime(ctx)
}

// LoadMarkets fetches the symbol catalogue and replaces the market cache.
// Amount precision comes from the currency listing, falling back to the
// decimal places of the symbol's base minimum when a currency is unlisted.
func (b *Bitmart) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && b.Markets.Loaded() {
		return b.Markets.List(), nil
	}
	symbols, err := b.GetSymbolsDetails(ctx)
	if err != nil {
		return nil, err
	}
	currencies, err := b.GetCurrencies(ctx)
	if err != nil {
		return nil, err
	}
	scale := make(map[string]int, len(currencies))
	for i := range currencies {
		scale[currencies[i].ID] = currencies[i].Precision
	}
	markets := make([]*market.Market, 0, len(symbols))
	for i := range symbols {
		inst := &symbols[i]
		raw, err := json.Marshal(inst)
		if err != nil {
			return nil, err
		}
		amountPrec, ok := scale[inst.BaseCurrency]
		if !ok {
			amountPrec = decimalsFromStep(inst.BaseMinSize)
		}
		minAmount, _ := strconv.ParseFloat(inst.BaseMinSize, 64)
		m := &market.Market{
			ID:              inst.Symbol,
			Pair:            currency.NewPair(currency.NewCode(inst.BaseCurrency), currency.NewCode(inst.QuoteCurrency)),
			Active:          inst.TradeStatus == "trading",
			PricePrecision:  inst.PriceMaxPrecision,
			AmountPrecision: amountPrec,
			TickSize:        math.Pow10(-inst.PriceMaxPrecision),
			StepSize:        math.Pow10(-amountPrec),
			Limits: market.Limits{
				MinAmount: minAmount,
				MaxAmount: inst.BaseMaxSize.Float64(),
				MinCost:   inst.MinBuyAmount.Float64(),
			},
			Info: raw,
		}
		markets = append(markets, m)
	}
	if err := b.Markets.Load(markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// FetchTicker returns 24h rolling statistics for one symbol
func (b *Bitmart) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t, err := b.GetTicker(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return b.parseTicker(t, m.Pair), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed market when none are named
func (b *Bitmart) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	rows, err := b.GetTickers(ctx)
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(symbols) > 0 {
		want = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			m, err := b.MarketBySymbol(s)
			if err != nil {
				return nil, err
			}
			want[m.Symbol()] = true
		}
	}
	out := make([]ticker.Price, 0, len(rows))
	for i := range rows {
		pair, err := b.pairFromSymbol(rows[i].Symbol)
		if err != nil {
			continue
		}
		if want != nil && !want[pair.Format("/", true)] {
			continue
		}
		out = append(out, *b.parseTicker(&rows[i].TickerData, pair))
	}
	return out, nil
}

// FetchOrderBook returns an aggregated depth snapshot
func (b *Bitmart) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	depth, err := b.GetOrderBook(ctx, m.ID, int64(limit))
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
		Exchange:  b.Name,
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
// recency window without time filters or trade ids, so since trims client
// side and ids stay empty.
func (b *Bitmart) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetTrades(ctx, m.ID, int64(limit))
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
			Exchange:  b.Name,
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

// FetchOHLCV returns candles at the requested interval, oldest first
func (b *Bitmart) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	step, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetKlines(ctx, m.ID, step, since, int64(limit))
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, len(raw))
	for i := range raw {
		out[i] = kline.Candle{
			Timestamp: raw[i].Timestamp,
			Open:      raw[i].Open,
			High:      raw[i].High,
			Low:       raw[i].Low,
			Close:     raw[i].Close,
			Volume:    raw[i].Volume,
		}
	}
	return out, nil
}

// CreateOrder places an order and returns its initial state. The venue
// acknowledges with the order id only, so fill state starts empty.
func (b *Bitmart) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := b.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req, err := b.buildOrderRequest(m, s)
	if err != nil {
		return nil, err
	}
	ack, err := b.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       strconv.FormatInt(ack.OrderID, 10),
		ClientOrderID: s.ClientOrderID,
		Pair:          m.Pair,
		Type:          s.Type,
		Side:          s.Side,
		Status:        order.New,
		Price:         m.RoundPrice(s.Price),
		Amount:        m.RoundAmount(s.Amount),
		TimeInForce:   s.TimeInForce,
		Timestamp:     b.Now(),
		LastUpdated:   b.Now(),
	}
	d.Normalize()
	return d, nil
}

// CancelOrder cancels one order by venue id
func (b *Bitmart) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(b.Name, errs.ErrBadRequest, "cancelOrder requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return b.CancelExistingOrder(ctx, &CancelOrderRequest{
		Symbol:  m.ID,
		OrderID: orderID,
	})
}

// CancelAllOrders cancels every resting spot order in one venue call,
// narrowed to one symbol when given
func (b *Bitmart) CancelAllOrders(ctx context.Context, symbol string) error {
	req := &CancelAllRequest{}
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return err
		}
		req.Symbol = m.ID
	}
	return b.CancelAllSpotOrders(ctx, req)
}

// FetchOrder returns one order's current state. The venue looks orders up
// by id alone, so the symbol argument only scopes the returned pair.
func (b *Bitmart) FetchOrder(ctx context.Context, orderID, _ string) (*order.Detail, error) {
	if orderID == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchOrder requires an order id")
	}
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	resp, err := b.QueryOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	pair, err := b.pairFromSymbol(resp.Symbol)
	if err != nil {
		return nil, err
	}
	return b.parseOrder(resp, pair), nil
}

// FetchOpenOrders returns resting orders, venue wide when symbol is empty
func (b *Bitmart) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	req := &QueryOrdersRequest{}
	if symbol != "" {
		m, err := b.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		req.Symbol = m.ID
	}
	raw, err := b.GetOpenOrders(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := range raw {
		pair, err := b.pairFromSymbol(raw[i].Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, *b.parseOrder(&raw[i], pair))
	}
	return out, nil
}

// FetchClosedOrders returns terminal orders, oldest first, venue wide when
// symbol is empty
func (b *Bitmart) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	req := &QueryOrdersRequest{}
	if symbol != "" {
		m, err := b.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		req.Symbol = m.ID
	}
	if !since.IsZero() {
		req.StartTime = since.UnixMilli()
	}
	if limit > 0 {
		req.Limit = int64(limit)
	}
	raw, err := b.GetOrderHistory(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		pair, err := b.pairFromSymbol(raw[i].Symbol)
		if err != nil {
			return nil, err
		}
		d := b.parseOrder(&raw[i], pair)
		if !d.Status.IsTerminal() {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// FetchMyTrades returns the account's fills, oldest first, venue wide when
// symbol is empty
func (b *Bitmart) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	req := &QueryOrdersRequest{}
	if symbol != "" {
		m, err := b.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		req.Symbol = m.ID
	}
	if !since.IsZero() {
		req.StartTime = since.UnixMilli()
	}
	if limit > 0 {
		req.Limit = int64(limit)
	}
	raw, err := b.GetAccountTrades(ctx, req)
	if err != nil {
		return nil, err
	}
	out := make([]order.Fill, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		f := &raw[i]
		pair, err := b.pairFromSymbol(f.Symbol)
		if err != nil {
			return nil, err
		}
		fill := order.Fill{
			ID:        f.TradeID,
			OrderID:   f.OrderID,
			Exchange:  b.Name,
			Pair:      pair,
			Price:     f.Price.Float64(),
			Amount:    f.Size.Float64(),
			Cost:      f.Notional.Float64(),
			IsMaker:   f.TradeRole == "maker",
			Timestamp: f.CreateTime.Time(),
		}
		fill.Side, _ = order.StringToOrderSide(f.Side)
		fill.Fee = order.Fee{Cost: f.Fee.Float64(), Currency: currency.NewCode(f.FeeCurrency)}
		if fill.Cost == 0 {
			fill.Cost = fill.Price * fill.Amount
		}
		out = append(out, fill)
	}
	return out, nil
}

// FetchBalance returns the spot wallet holdings. The wallet document carries
// no timestamp, so the local clock stands in.
func (b *Bitmart) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	rows, err := b.GetWallet(ctx)
	if err != nil {
		return nil, err
	}
	h := account.NewHoldings(b.Name)
	h.Timestamp = b.Now()
	for i := range rows {
		free := rows[i].Available.Float64()
		used := rows[i].Frozen.Float64()
		h.Set(account.Balance{
			Currency: currency.NewCode(rows[i].ID),
			Free:     free,
			Used:     used,
			Total:    free + used,
		})
	}
	if raw, err := json.Marshal(rows); err == nil {
		h.Info = raw
	}
	return h, nil
}

// FetchTradingFees returns the account's commission rates, per symbol when
// one is named and the account's A class tier otherwise
func (b *Bitmart) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		fee, err := b.GetSymbolTradeFee(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		return []exchange.TradingFee{{
			Symbol: m.Symbol(),
			Maker:  fee.MakerFeeRate.Float64(),
			Taker:  fee.TakerFeeRate.Float64(),
		}}, nil
	}
	fee, err := b.GetAccountTradeFee(ctx)
	if err != nil {
		return nil, err
	}
	return []exchange.TradingFee{{
		Maker: fee.MakerFeeRateA.Float64(),
		Taker: fee.TakerFeeRateA.Float64(),
	}}, nil
}

func (b *Bitmart) ensureMarkets(ctx context.Context) error {
	if b.Markets.Loaded() {
		return nil
	}
	_, err := b.LoadMarkets(ctx, false)
	return err
}

func (b *Bitmart) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return b.MarketBySymbol(symbol)
}

// parseTicker converts a venue ticker row. Fluctuation is a signed ratio, so
// the percentage scales by a hundred.
func (b *Bitmart) parseTicker(t *TickerData, pair currency.Pair) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: b.Name,
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
		Percentage:   t.Fluctuation.Float64() * 100,
		Timestamp:    t.Timestamp.Time(),
	}
	p.Derive()
	return p
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Market buys size in quote units through the notional field, so the base
// amount converts through the submitted reference price.
func (b *Bitmart) buildOrderRequest(m *market.Market, s *order.Submit) (*SubmitOrderRequest, error) {
	req := &SubmitOrderRequest{
		Symbol:        m.ID,
		Side:          sideToVenue(s.Side),
		ClientOrderID: s.ClientOrderID,
		Size:          strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
	}
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		switch tif {
		case order.GoodTillCancel:
			req.Type = "limit"
		case order.ImmediateOrCancel:
			req.Type = "ioc"
		case order.PostOnly:
			req.Type = "limit_maker"
		default:
			return nil, errs.New(b.Name, errs.ErrInvalidOrder, "fill or kill is not offered")
		}
	case order.Market:
		req.Type = "market"
		if s.Side == order.Buy {
			if s.Price <= 0 {
				return nil, errs.New(b.Name, errs.ErrInvalidOrder, "market buys size in quote units and need a reference price")
			}
			req.Size = ""
			req.Notional = strconv.FormatFloat(m.RoundAmount(s.Amount)*s.Price, 'f', -1, 64)
		}
	case order.LimitMaker:
		req.Type = "limit_maker"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	case order.IOC:
		req.Type = "ioc"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	default:
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	return req, nil
}

// parseOrder converts a venue order document. Market buys denominate in
// quote units with a zero size, so their base amount recovers from the
// filled figure.
func (b *Bitmart) parseOrder(resp *OrderData, pair currency.Pair) *order.Detail {
	amount := resp.Size.Float64()
	filled := resp.FilledSize.Float64()
	if amount == 0 {
		amount = filled
	}
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Pair:          pair,
		Status:        orderStatus(resp.State, filled),
		Price:         resp.Price.Float64(),
		Average:       resp.PriceAvg.Float64(),
		Amount:        amount,
		Filled:        filled,
		Cost:          resp.FilledNotional.Float64(),
		Timestamp:     resp.CreateTime.Time(),
		LastUpdated:   resp.UpdateTime.Time(),
	}
	d.Side, _ = order.StringToOrderSide(resp.Side)
	d.Type, d.TimeInForce = orderTypeFromVenue(resp.Type)
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// orderTypeFromVenue maps the venue's order type vocabulary, which folds
// time in force into the type
func orderTypeFromVenue(t string) (order.Type, order.TimeInForce) {
	switch t {
	case "limit":
		return order.Limit, order.GoodTillCancel
	case "market":
		return order.Market, order.UnknownTIF
	case "limit_maker":
		return order.Limit, order.PostOnly
	case "ioc":
		return order.Limit, order.ImmediateOrCancel
	default:
		return order.UnknownType, order.UnknownTIF
	}
}

// orderStatus derives canonical state from a venue state string, promoting
// resting orders with fills to partially filled
func orderStatus(state string, filled float64) order.Status {
	st, _ := order.StringToOrderStatus(state)
	if st == order.New && filled > 0 {
		return order.PartiallyFilled
	}
	return st
}

// bookTranches converts the venue's [price, size] levels
func bookTranches(levels [][2]string) (orderbook.Tranches, error) {
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
// string such as "0.000100"
func decimalsFromStep(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(strings.TrimRight(s[i+1:], "0"))
	}
	return 0
}

func sideToVenue(s order.Side) string {
	if s == order.Sell {
		return "sell"
	}
	return "buy"
}
