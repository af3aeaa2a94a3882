package gateio

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

var _ exchange.Venue = (*Gateio)(nil)

// FetchTime returns the venue server clock
func (g *Gateio) FetchTime(ctx context.Context) (time.Time, error) {
	return g.GetServerTime(ctx)
}

// LoadMarkets fetches the pair catalogue and replaces the market cache. The
// venue publishes decimal place counts, so tick and step sizes derive from
// them.
func (g *Gateio) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && g.Markets.Loaded() {
		return g.Markets.List(), nil
	}
	rows, err := g.GetCurrencyPairs(ctx)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(rows))
	for i := range rows {
		cp := &rows[i]
		raw, err := json.Marshal(cp)
		if err != nil {
			return nil, err
		}
		m := &market.Market{
			ID:              cp.ID,
			Pair:            currency.NewPair(currency.NewCode(cp.Base), currency.NewCode(cp.Quote)),
			Active:          cp.TradeStatus == "tradable",
			PricePrecision:  cp.Precision,
			AmountPrecision: cp.AmountPrecision,
			TickSize:        stepFromDecimals(cp.Precision),
			StepSize:        stepFromDecimals(cp.AmountPrecision),
			Limits: market.Limits{
				MinAmount: cp.MinBaseAmount.Float64(),
				MaxAmount: cp.MaxBaseAmount.Float64(),
				MinCost:   cp.MinQuoteAmount.Float64(),
			},
			Info: raw,
		}
		markets = append(markets, m)
	}
	if err := g.Markets.Load(markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// FetchTicker returns 24h rolling statistics for one symbol
func (g *Gateio) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := g.GetTickers(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New(g.Name, errs.ErrBadSymbol, m.ID)
	}
	return g.parseTicker(&rows[0], m.Pair, g.Now()), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed market when none are named
func (g *Gateio) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := g.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	rows, err := g.GetTickers(ctx, "")
	if err != nil {
		return nil, err
	}
	var want map[string]bool
	if len(symbols) > 0 {
		want = make(map[string]bool, len(symbols))
		for _, s := range symbols {
			m, err := g.MarketBySymbol(s)
			if err != nil {
				return nil, err
			}
			want[m.Symbol()] = true
		}
	}
	out := make([]ticker.Price, 0, len(rows))
	for i := range rows {
		pair, err := g.pairFromSymbol(rows[i].CurrencyPair)
		if err != nil {
			continue
		}
		if want != nil && !want[pair.Format("/", true)] {
			continue
		}
		out = append(out, *g.parseTicker(&rows[i], pair, g.Now()))
	}
	return out, nil
}

// FetchOrderBook returns an aggregated depth snapshot anchored to the
// venue's book version id
func (g *Gateio) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	depth, err := g.GetOrderBook(ctx, m.ID, limit)
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
		Exchange:     g.Name,
		Pair:         m.Pair,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: depth.ID,
		Timestamp:    depth.Update.Time(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	return book, nil
}

// FetchTrades returns recent public trades, oldest first. The venue serves a
// recency window without time filters, so since trims client side.
func (g *Gateio) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := g.GetTrades(ctx, m.ID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		t := &raw[i]
		ts := msTime(t.CreateTimeMs)
		if ts.IsZero() {
			ts = t.CreateTime.Time()
		}
		if !since.IsZero() && ts.Before(since) {
			continue
		}
		d := trade.Data{
			ID:        t.ID,
			Exchange:  g.Name,
			Pair:      m.Pair,
			Price:     t.Price.Float64(),
			Amount:    t.Amount.Float64(),
			Timestamp: ts,
		}
		d.Side, _ = order.StringToOrderSide(t.Side)
		d.DeriveCost()
		out = append(out, d)
	}
	return out, nil
}

// FetchOHLCV returns candles at the requested interval, oldest first, the
// order the venue already serves them in
func (g *Gateio) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	iv, err := g.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := g.GetCandles(ctx, m.ID, iv, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, len(raw))
	for i := range raw {
		r := &raw[i]
		out[i] = kline.Candle{
			Timestamp: r.Timestamp,
			Open:      r.Open,
			High:      r.High,
			Low:       r.Low,
			Close:     r.Close,
			Volume:    r.BaseVolume,
		}
	}
	return out, nil
}

// CreateOrder places an order. The venue answers with the full order
// document, so the returned state reflects immediate fills.
func (g *Gateio) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := g.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req, err := g.buildOrderRequest(m, s)
	if err != nil {
		return nil, err
	}
	doc, err := g.PlaceOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return g.parseOrder(doc, m.Pair), nil
}

// AmendOrder adjusts a resting order's size or price and returns the
// updated document
func (g *Gateio) AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m, err := g.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	req := &AmendOrderRequest{
		Amount: strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
	}
	if s.Price > 0 {
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
	}
	doc, err := g.AmendExistingOrder(ctx, orderID, m.ID, req)
	if err != nil {
		return nil, err
	}
	return g.parseOrder(doc, m.Pair), nil
}

// CancelOrder cancels one order by venue id. The venue shards orders by
// pair so the symbol is required.
func (g *Gateio) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(g.Name, errs.ErrBadRequest, "cancelOrder requires a symbol")
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	_, err = g.CancelExistingOrder(ctx, orderID, m.ID)
	return err
}

// CancelAllOrders cancels every resting spot order in one venue call,
// narrowed to one symbol when given
func (g *Gateio) CancelAllOrders(ctx context.Context, symbol string) error {
	venueSymbol := ""
	if symbol != "" {
		m, err := g.resolveMarket(ctx, symbol)
		if err != nil {
			return err
		}
		venueSymbol = m.ID
	}
	_, err := g.CancelAllSpotOrders(ctx, venueSymbol)
	return err
}

// FetchOrder returns one order's current state. The symbol is required
// because the venue shards order lookups by pair.
func (g *Gateio) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(g.Name, errs.ErrBadRequest, "fetchOrder requires a symbol")
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	doc, err := g.GetOrder(ctx, orderID, m.ID)
	if err != nil {
		return nil, err
	}
	return g.parseOrder(doc, m.Pair), nil
}

// FetchOpenOrders returns resting orders, venue wide when symbol is empty
func (g *Gateio) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	if err := g.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	if symbol != "" {
		m, err := g.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		raw, err := g.GetSpotOrders(ctx, m.ID, "open", time.Time{}, 0)
		if err != nil {
			return nil, err
		}
		out := make([]order.Detail, 0, len(raw))
		for i := len(raw) - 1; i >= 0; i-- {
			out = append(out, *g.parseOrder(&raw[i], m.Pair))
		}
		return out, nil
	}
	groups, err := g.GetOpenOrders(ctx)
	if err != nil {
		return nil, err
	}
	var out []order.Detail
	for gi := range groups {
		pair, err := g.pairFromSymbol(groups[gi].CurrencyPair)
		if err != nil {
			return nil, err
		}
		rows := groups[gi].Orders
		for i := len(rows) - 1; i >= 0; i-- {
			out = append(out, *g.parseOrder(&rows[i], pair))
		}
	}
	return out, nil
}

// FetchClosedOrders returns terminal orders, oldest first. The venue lists
// finished orders per pair, so the symbol is required.
func (g *Gateio) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(g.Name, errs.ErrBadRequest, "fetchClosedOrders requires a symbol")
	}
	m, err := g.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := g.GetSpotOrders(ctx, m.ID, "finished", since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		d := g.parseOrder(&raw[i], m.Pair)
		if !d.Status.IsTerminal() {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// FetchMyTrades returns the account's fills, oldest first, venue wide when
// symbol is empty
func (g *Gateio) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	if err := g.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	venueSymbol := ""
	if symbol != "" {
		m, err := g.MarketBySymbol(symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	raw, err := g.GetMyTrades(ctx, venueSymbol, "", since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Fill, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		f := &raw[i]
		pair, err := g.pairFromSymbol(f.CurrencyPair)
		if err != nil {
			return nil, err
		}
		fill := order.Fill{
			ID:        f.ID,
			OrderID:   f.OrderID,
			Exchange:  g.Name,
			Pair:      pair,
			Price:     f.Price.Float64(),
			Amount:    f.Amount.Float64(),
			Cost:      f.Price.Float64() * f.Amount.Float64(),
			IsMaker:   f.Role == "maker",
			Timestamp: msTime(f.CreateTimeMs),
		}
		fill.Side, _ = order.StringToOrderSide(f.Side)
		fill.Fee = order.Fee{Cost: f.Fee.Float64(), Currency: g.feeCurrency(f.FeeCurrency, fill.Side, pair)}
		out = append(out, fill)
	}
	return out, nil
}

// FetchBalance returns the spot account holdings. The listing carries no
// timestamp, so the local clock stands in.
func (g *Gateio) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	rows, err := g.GetAccounts(ctx, "")
	if err != nil {
		return nil, err
	}
	h := account.NewHoldings(g.Name)
	h.Timestamp = g.Now()
	for i := range rows {
		free := rows[i].Available.Float64()
		used := rows[i].Locked.Float64()
		h.Set(account.Balance{
			Currency: currency.NewCode(rows[i].Currency),
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

// FetchTradingFees returns the account's commission rates. The venue
// answers with a single schedule per query rather than a table.
func (g *Gateio) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
	venueSymbol := ""
	if symbol != "" {
		m, err := g.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	doc, err := g.GetTradingFee(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	fee := exchange.TradingFee{
		Maker: doc.MakerFee.Float64(),
		Taker: doc.TakerFee.Float64(),
	}
	id := doc.CurrencyPair
	if id == "" {
		id = venueSymbol
	}
	if pair, err := g.pairFromSymbol(id); err == nil {
		fee.Symbol = pair.Format("/", true)
	}
	return []exchange.TradingFee{fee}, nil
}

func (g *Gateio) ensureMarkets(ctx context.Context) error {
	if g.Markets.Loaded() {
		return nil
	}
	_, err := g.LoadMarkets(ctx, false)
	return err
}

func (g *Gateio) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := g.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return g.MarketBySymbol(symbol)
}

// parseTicker converts a venue ticker row. The venue reports the percentage
// move but no open price, so the open is backed out of the last.
func (g *Gateio) parseTicker(t *TickerData, pair currency.Pair, ts time.Time) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: g.Name,
		Pair:         pair,
		Last:         t.Last.Float64(),
		Bid:          t.HighestBid.Float64(),
		Ask:          t.LowestAsk.Float64(),
		High:         t.High24H.Float64(),
		Low:          t.Low24H.Float64(),
		BaseVolume:   t.BaseVolume.Float64(),
		QuoteVolume:  t.QuoteVolume.Float64(),
		Percentage:   t.ChangePercentage.Float64(),
		Timestamp:    ts,
	}
	if p.Percentage != -100 && p.Last != 0 {
		p.Open = p.Last / (1 + p.Percentage/100)
	}
	p.Derive()
	return p
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Market buys size in quote units, so the base amount converts through the
// submitted reference price.
func (g *Gateio) buildOrderRequest(m *market.Market, s *order.Submit) (*PlaceOrderRequest, error) {
	req := &PlaceOrderRequest{
		Text:         clientOrderText(s.ClientOrderID),
		CurrencyPair: m.ID,
		Account:      spotAccount,
		Side:         sideToVenue(s.Side),
		Amount:       strconv.FormatFloat(m.RoundAmount(s.Amount), 'f', -1, 64),
	}
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.Type = "limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = tifToVenue(tif)
	case order.Market:
		req.Type = "market"
		req.TimeInForce = "ioc"
		if s.Side == order.Buy {
			if s.Price <= 0 {
				return nil, errs.New(g.Name, errs.ErrInvalidOrder, "market buys size in quote units and need a reference price")
			}
			req.Amount = strconv.FormatFloat(m.RoundAmount(s.Amount)*s.Price, 'f', -1, 64)
		}
	case order.LimitMaker:
		req.Type = "limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = "poc"
	case order.FOK:
		req.Type = "limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = "fok"
	case order.IOC:
		req.Type = "limit"
		req.Price = strconv.FormatFloat(m.RoundPrice(s.Price), 'f', -1, 64)
		req.TimeInForce = "ioc"
	default:
		return nil, errs.New(g.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	return req, nil
}

// parseOrder converts a venue order document. Market buys denominate amount
// in quote units, so their base figures recover from the executed value.
func (g *Gateio) parseOrder(resp *OrderData, pair currency.Pair) *order.Detail {
	amount := resp.Amount.Float64()
	filled := amount - resp.Left.Float64()
	if filled < 0 {
		filled = 0
	}
	cost := resp.FilledTotal.Float64()
	if resp.Type == "market" && resp.Side == "buy" {
		if avg := resp.AvgDealPrice.Float64(); avg > 0 {
			filled = cost / avg
		} else {
			filled = 0
		}
		amount = filled
	}
	d := &order.Detail{
		Exchange:      g.Name,
		OrderID:       resp.ID,
		ClientOrderID: resp.Text,
		Pair:          pair,
		Status:        orderStatus(resp, filled),
		Price:         resp.Price.Float64(),
		Average:       resp.AvgDealPrice.Float64(),
		Amount:        amount,
		Filled:        filled,
		Cost:          cost,
		Timestamp:     msTime(resp.CreateTimeMs),
		LastUpdated:   msTime(resp.UpdateTimeMs),
	}
	d.Side, _ = order.StringToOrderSide(resp.Side)
	d.Type, _ = order.StringToOrderType(resp.Type)
	switch resp.TimeInForce {
	case "gtc":
		d.TimeInForce = order.GoodTillCancel
	case "ioc":
		d.TimeInForce = order.ImmediateOrCancel
	case "poc":
		d.TimeInForce = order.PostOnly
	case "fok":
		d.TimeInForce = order.FillOrKill
	}
	if fee := resp.Fee.Float64(); fee != 0 {
		d.Fee = order.Fee{Cost: fee, Currency: g.feeCurrency(resp.FeeCurrency, d.Side, pair)}
	}
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// orderStatus derives canonical state from a REST status or, on stream
// rows, the event and finish_as pair
func orderStatus(resp *OrderData, filled float64) order.Status {
	switch resp.Status {
	case "open":
		if filled > 0 {
			return order.PartiallyFilled
		}
		return order.New
	case "closed":
		return order.Filled
	case "cancelled":
		return order.Cancelled
	}
	switch resp.Event {
	case "put":
		return order.New
	case "update":
		return order.PartiallyFilled
	case "finish":
		if resp.FinishAs == "filled" {
			return order.Filled
		}
		return order.Cancelled
	}
	return order.UnknownStatus
}

// feeCurrency resolves the currency a spot fee was charged in. The venue
// charges fees in the received currency, base on buys and quote on sells,
// unless the row names one explicitly.
func (g *Gateio) feeCurrency(explicit string, side order.Side, pair currency.Pair) currency.Code {
	if explicit != "" {
		return currency.NewCode(explicit)
	}
	if side == order.Buy {
		return pair.Base
	}
	return pair.Quote
}

// clientOrderText prepends the venue's mandatory user id prefix when the
// caller left it off
func clientOrderText(id string) string {
	if id == "" || strings.HasPrefix(id, clientIDPrefix) {
		return id
	}
	return clientIDPrefix + id
}

func sideToVenue(s order.Side) string {
	if s == order.Sell {
		return "sell"
	}
	return "buy"
}

func tifToVenue(tif order.TimeInForce) string {
	switch tif {
	case order.ImmediateOrCancel:
		return "ioc"
	case order.FillOrKill:
		return "fok"
	case order.PostOnly:
		return "poc"
	default:
		return "gtc"
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

// stepFromDecimals converts a decimal place count into the step it implies,
// six places becoming 0.000001
func stepFromDecimals(places int) float64 {
	if places <= 0 {
		return 1
	}
	return math.Pow10(-places)
}
