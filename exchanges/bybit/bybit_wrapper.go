package bybit

import (
	"context"
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

var _ exchange.Venue = (*Bybit)(nil)

// FetchTime returns the venue server clock
func (b *Bybit) FetchTime(ctx context.Context) (time.Time, error) {
	return b.GetServerTime(ctx)
}

// LoadMarkets fetches the instrument catalogue and replaces the market cache
func (b *Bybit) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && b.Markets.Loaded() {
		return b.Markets.List(), nil
	}
	res, err := b.GetInstruments(ctx, spotCategory)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(res.List))
	for i := range res.List {
		inst := &res.List[i]
		raw, err := json.Marshal(inst)
		if err != nil {
			return nil, err
		}
		tickSize, _ := strconv.ParseFloat(inst.PriceFilter.TickSize, 64)
		stepSize, _ := strconv.ParseFloat(inst.LotSizeFilter.BasePrecision, 64)
		m := &market.Market{
			ID:              inst.Symbol,
			Pair:            currency.NewPair(currency.NewCode(inst.BaseCoin), currency.NewCode(inst.QuoteCoin)),
			Active:          inst.Status == "Trading",
			PricePrecision:  decimalsFromStep(inst.PriceFilter.TickSize),
			AmountPrecision: decimalsFromStep(inst.LotSizeFilter.BasePrecision),
			TickSize:        tickSize,
			StepSize:        stepSize,
			Limits: market.Limits{
				MinAmount: inst.LotSizeFilter.MinOrderQty.Float64(),
				MaxAmount: inst.LotSizeFilter.MaxOrderQty.Float64(),
				MinCost:   inst.LotSizeFilter.MinOrderAmt.Float64(),
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
func (b *Bybit) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := b.GetTickers(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New(b.Name, errs.ErrBadSymbol, m.ID)
	}
	return b.parseTicker(&rows[0], m.Pair), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed market when none are named
func (b *Bybit) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	rows, err := b.GetTickers(ctx, "")
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
		out = append(out, *b.parseTicker(&rows[i], pair))
	}
	return out, nil
}

// FetchOrderBook returns an aggregated depth snapshot
func (b *Bybit) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	depth, err := b.GetOrderBook(ctx, m.ID, limit)
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
		Exchange:     b.Name,
		Pair:         m.Pair,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: depth.UpdateID,
		Timestamp:    depth.Timestamp.Time(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	return book, nil
}

// FetchTrades returns recent public trades, oldest first. The venue serves a
// recency window without time filters, so since trims client side.
func (b *Bybit) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetRecentTrades(ctx, m.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		t := &raw[i]
		if !since.IsZero() && t.Time.Time().Before(since) {
			continue
		}
		d := trade.Data{
			ID:        t.ExecID,
			Exchange:  b.Name,
			Pair:      m.Pair,
			Price:     t.Price.Float64(),
			Amount:    t.Size.Float64(),
			Timestamp: t.Time.Time(),
		}
		d.Side, _ = order.StringToOrderSide(t.Side)
		d.DeriveCost()
		out = append(out, d)
	}
	return out, nil
}

// FetchOHLCV returns candles at the requested interval, oldest first. The
// venue serves them newest first, so the rows are reversed.
func (b *Bybit) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	iv, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetKlines(ctx, m.ID, iv, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, len(raw))
	for i := range raw {
		r := &raw[len(raw)-1-i]
		out[i] = kline.Candle{
			Timestamp: r.StartTime.Time(),
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
func (b *Bybit) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
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
	ack, err := b.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       ack.OrderID,
		ClientOrderID: ack.OrderLinkID,
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

// AmendOrder adjusts a resting order and returns its refreshed state
func (b *Bybit) AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := b.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req := &AmendOrderRequest{
		Category: spotCategory,
		Symbol:   m.ID,
		OrderID:  orderID,
		Qty:      strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
	}
	if s.Price > 0 {
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	}
	ack, err := b.AmendExistingOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.FetchOrder(ctx, ack.OrderID, m.Symbol())
}

// CancelOrder cancels one order by venue id
func (b *Bybit) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(b.Name, errs.ErrBadRequest, "cancelOrder requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return b.CancelExistingOrder(ctx, &CancelOrderRequest{
		Category: spotCategory,
		Symbol:   m.ID,
		OrderID:  orderID,
	})
}

// CancelAllOrders cancels every resting spot order in one venue call,
// narrowed to one symbol when given
func (b *Bybit) CancelAllOrders(ctx context.Context, symbol string) error {
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return err
		}
		venueSymbol = m.ID
	}
	_, err := b.CancelAllSpotOrders(ctx, venueSymbol)
	return err
}

// FetchOrder returns one order's current state. Resting orders come from the
// realtime query and completed ones from history, so both are tried.
func (b *Bybit) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	rows, err := b.GetOpenOrders(ctx, venueSymbol, orderID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		rows, err = b.GetOrderHistory(ctx, venueSymbol, orderID, time.Time{}, 0)
		if err != nil {
			return nil, err
		}
	}
	if len(rows) == 0 {
		return nil, errs.New(b.Name, errs.ErrOrderNotFound, orderID)
	}
	pair, err := b.pairFromSymbol(rows[0].Symbol)
	if err != nil {
		return nil, err
	}
	return b.parseOrder(&rows[0], pair), nil
}

// FetchOpenOrders returns resting orders, venue wide when symbol is empty
func (b *Bybit) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	venueSymbol := ""
	if symbol != "" {
		m, err := b.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	raw, err := b.GetOpenOrders(ctx, venueSymbol, "")
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
func (b *Bybit) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	venueSymbol := ""
	if symbol != "" {
		m, err := b.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	raw, err := b.GetOrderHistory(ctx, venueSymbol, "", since, limit)
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
func (b *Bybit) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	venueSymbol := ""
	if symbol != "" {
		m, err := b.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	raw, err := b.GetExecutions(ctx, venueSymbol, since, limit)
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
			ID:        f.ExecID,
			OrderID:   f.OrderID,
			Exchange:  b.Name,
			Pair:      pair,
			Price:     f.ExecPrice.Float64(),
			Amount:    f.ExecQty.Float64(),
			Cost:      f.ExecValue.Float64(),
			IsMaker:   f.IsMaker,
			Timestamp: f.ExecTime.Time(),
		}
		fill.Side, _ = order.StringToOrderSide(f.Side)
		fill.Fee = order.Fee{Cost: f.ExecFee.Float64(), Currency: b.feeCurrency(f.FeeCurrency, fill.Side, pair)}
		if fill.Cost == 0 {
			fill.Cost = fill.Price * fill.Amount
		}
		out = append(out, fill)
	}
	return out, nil
}

// FetchBalance returns the unified trading account holdings. The wallet
// document carries no timestamp, so the local clock stands in.
func (b *Bybit) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	bal, err := b.GetWalletBalance(ctx)
	if err != nil {
		return nil, err
	}
	return b.parseWallet(bal, b.Now()), nil
}

// FetchTradingFees returns the account's commission rates
func (b *Bybit) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	rows, err := b.GetFeeRates(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.TradingFee, 0, len(rows))
	for i := range rows {
		fee := exchange.TradingFee{
			Maker: rows[i].MakerFeeRate.Float64(),
			Taker: rows[i].TakerFeeRate.Float64(),
		}
		if pair, err := b.pairFromSymbol(rows[i].Symbol); err == nil {
			fee.Symbol = pair.Format("/", true)
		}
		out = append(out, fee)
	}
	return out, nil
}

func (b *Bybit) ensureMarkets(ctx context.Context) error {
	if b.Markets.Loaded() {
		return nil
	}
	_, err := b.LoadMarkets(ctx, false)
	return err
}

func (b *Bybit) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return b.MarketBySymbol(symbol)
}

// parseTicker converts a venue ticker row. The REST rows carry no timestamp,
// so the local clock stands in.
func (b *Bybit) parseTicker(t *TickerData, pair currency.Pair) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: b.Name,
		Pair:         pair,
		Last:         t.LastPrice.Float64(),
		Bid:          t.Bid1Price.Float64(),
		BidVolume:    t.Bid1Size.Float64(),
		Ask:          t.Ask1Price.Float64(),
		AskVolume:    t.Ask1Size.Float64(),
		High:         t.HighPrice24H.Float64(),
		Low:          t.LowPrice24H.Float64(),
		Open:         t.PrevPrice24H.Float64(),
		BaseVolume:   t.Volume24H.Float64(),
		QuoteVolume:  t.Turnover24H.Float64(),
		Percentage:   t.Price24HPercent.Float64() * 100,
		Timestamp:    b.Now(),
	}
	p.Derive()
	return p
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Amount and price are rounded to the market's step and tick first.
func (b *Bybit) buildOrderRequest(m *market.Market, s *order.Submit) (*PlaceOrderRequest, error) {
	req := &PlaceOrderRequest{
		Category:    spotCategory,
		Symbol:      m.ID,
		Side:        sideToVenue(s.Side),
		Qty:         strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
		OrderLinkID: s.ClientOrderID,
	}
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.OrderType = "Limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = tifToVenue(tif)
	case order.Market:
		req.OrderType = "Market"
		// Sizes stay in base units; the venue defaults spot market buys to
		// quote currency sizing
		req.MarketUnit = "baseCoin"
	case order.LimitMaker:
		req.OrderType = "Limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = "PostOnly"
	case order.FOK:
		req.OrderType = "Limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = "FOK"
	case order.IOC:
		req.OrderType = "Limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = "IOC"
	default:
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	return req, nil
}

func (b *Bybit) parseOrder(resp *OrderData, pair currency.Pair) *order.Detail {
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       resp.OrderID,
		ClientOrderID: resp.OrderLinkID,
		Pair:          pair,
		Price:         resp.Price.Float64(),
		Average:       resp.AveragePrice.Float64(),
		Amount:        resp.Qty.Float64(),
		Filled:        resp.CumExecQty.Float64(),
		Cost:          resp.CumExecValue.Float64(),
		Timestamp:     resp.CreatedTime.Time(),
		LastUpdated:   resp.UpdatedTime.Time(),
	}
	d.Side, _ = order.StringToOrderSide(resp.Side)
	d.Type, _ = order.StringToOrderType(resp.OrderType)
	d.Status, _ = order.StringToOrderStatus(resp.OrderStatus)
	// The venue spells time in force values in camel case
	switch resp.TimeInForce {
	case "IOC":
		d.TimeInForce = order.ImmediateOrCancel
	case "FOK":
		d.TimeInForce = order.FillOrKill
	case "PostOnly":
		d.TimeInForce = order.PostOnly
	case "GTC":
		d.TimeInForce = order.GoodTillCancel
	}
	if fee := resp.CumExecFee.Float64(); fee != 0 {
		d.Fee = order.Fee{Cost: fee, Currency: b.feeCurrency("", d.Side, pair)}
	}
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// parseWallet converts one wallet account row. Free balance falls back to
// wallet minus locked when the venue omits the withdrawable figure.
func (b *Bybit) parseWallet(acct *WalletAccount, ts time.Time) *account.Holdings {
	h := account.NewHoldings(b.Name)
	h.Timestamp = ts
	for _, c := range acct.Coins {
		free := c.AvailableToWithdraw.Float64()
		if free == 0 {
			free = c.WalletBalance.Float64() - c.Locked.Float64()
		}
		h.Set(account.Balance{
			Currency: currency.NewCode(c.Coin),
			Free:     free,
			Used:     c.Locked.Float64(),
			Total:    c.WalletBalance.Float64(),
		})
	}
	if raw, err := json.Marshal(acct); err == nil {
		h.Info = raw
	}
	return h
}

// feeCurrency resolves the currency a spot fee was charged in. The venue
// charges fees in the received currency, base on buys and quote on sells,
// unless the row names one explicitly.
func (b *Bybit) feeCurrency(explicit string, side order.Side, pair currency.Pair) currency.Code {
	if explicit != "" {
		return currency.NewCode(explicit)
	}
	if side == order.Buy {
		return pair.Base
	}
	return pair.Quote
}

func sideToVenue(s order.Side) string {
	if s == order.Sell {
		return "Sell"
	}
	return "Buy"
}

func tifToVenue(tif order.TimeInForce) string {
	switch tif {
	case order.ImmediateOrCancel:
		return "IOC"
	case order.FillOrKill:
		return "FOK"
	case order.PostOnly:
		return "PostOnly"
	default:
		return "GTC"
	}
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
// string such as "0.000001"
func decimalsFromStep(s string) int {
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(strings.TrimRight(s[i+1:], "0"))
	}
	return 0
}
