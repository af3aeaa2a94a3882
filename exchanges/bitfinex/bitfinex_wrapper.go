package bitfinex

import (
	"context"
	"math"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

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

var _ exchange.Venue = (*Bitfinex)(nil)

const (
	// pricePrecision is the venue's uniform significant digit price precision
	pricePrecision = 5
	// amountPrecision is the venue's uniform amount decimal place count
	amountPrecision = 8

	// exchangeWalletType is the wallet bucket spot balances live in
	exchangeWalletType = "exchange"
)

// LoadMarkets fetches the pair catalogue and replaces the market cache. The
// venue quotes prices at five significant digits rather than a per pair tick,
// so tick and step sizes stay unset and rounding follows the precisions.
func (b *Bitfinex) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && b.Markets.Loaded() {
		return b.Markets.List(), nil
	}
	rows, err := b.GetPairConf(ctx)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(rows))
	for i := range rows {
		p := &rows[i]
		base, quote, ok := splitSymbol(p.Symbol)
		if !ok {
			continue
		}
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		m := &market.Market{
			ID:              venuePrefix + p.Symbol,
			Pair:            currency.NewPair(canonicalCode(base), canonicalCode(quote)),
			Active:          true,
			PricePrecision:  pricePrecision,
			AmountPrecision: amountPrecision,
			Limits: market.Limits{
				MinAmount: p.MinSize,
				MaxAmount: p.MaxSize,
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

// FetchTicker returns 24h rolling statistics for one symbol. The payload
// carries no venue timestamp, so the local clock stands in.
func (b *Bitfinex) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	t, err := b.GetTicker(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return b.parseTicker(t, m.Pair, b.Now()), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed trading pair when none are named. Funding rows share the
// listing and are skipped.
func (b *Bitfinex) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	rows, err := b.GetTickerBatch(ctx)
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
	now := b.Now()
	out := make([]ticker.Price, 0, len(rows))
	for i := range rows {
		r := &rows[i]
		if !strings.HasPrefix(r.Symbol, venuePrefix) {
			continue
		}
		pair, err := b.pairFromSymbol(r.Symbol)
		if err != nil {
			continue
		}
		if want != nil && !want[pair.Format("/", true)] {
			continue
		}
		out = append(out, *b.parseTicker(&r.Ticker, pair, now))
	}
	return out, nil
}

// FetchOrderBook returns an aggregated depth snapshot. The venue serves both
// sides in one list separated by the amount sign.
func (b *Bitfinex) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	rows, err := b.GetOrderBook(ctx, m.ID, limit)
	if err != nil {
		return nil, err
	}
	bids, asks := splitBookRows(rows)
	book := &orderbook.Book{
		Exchange:  b.Name,
		Pair:      m.Pair,
		Bids:      bids,
		Asks:      asks,
		Timestamp: b.Now(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	return book, nil
}

// FetchTrades returns recent public trades, oldest first. With a start bound
// the venue sorts ascending server side; otherwise the newest first listing
// is reversed.
func (b *Bitfinex) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	ascending := !since.IsZero()
	raw, err := b.GetTrades(ctx, m.ID, since, limit, ascending)
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(raw))
	if ascending {
		for i := range raw {
			out = append(out, b.parseTrade(&raw[i], m.Pair))
		}
		return out, nil
	}
	for i := len(raw) - 1; i >= 0; i-- {
		out = append(out, b.parseTrade(&raw[i], m.Pair))
	}
	return out, nil
}

// FetchOHLCV returns candles at the requested interval, oldest first by the
// venue's explicit ascending sort
func (b *Bitfinex) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	tf, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetCandles(ctx, m.ID, tf, since, limit, true)
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
			Volume:    r.Volume,
		}
	}
	return out, nil
}

// CreateOrder places an order. The venue acknowledges with the created order
// nested in a notification, so the returned state reflects immediate fills.
func (b *Bitfinex) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
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
	n, err := b.SubmitOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if n.Status != notificationSuccess {
		return nil, b.classifyNotification(n)
	}
	rows, err := n.Orders()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errs.New(b.Name, errs.ErrExchange, "acknowledgement carried no order")
	}
	return b.parseOrder(&rows[0], m.Pair), nil
}

// AmendOrder adjusts a resting order's price or size and returns the updated
// state from the venue's acknowledgement
func (b *Bitfinex) AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	id, err := b.parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	m, err := b.resolveMarket(ctx, s.Pair.Format("/", true))
	if err != nil {
		return nil, err
	}
	amount := m.RoundAmount(s.Amount)
	if s.Side == order.Sell {
		amount = -amount
	}
	req := &OrderUpdateRequest{
		ID:     id,
		Amount: strconv.FormatFloat(amount, 'f', -1, 64),
	}
	if s.Price > 0 {
		req.Price = strconv.FormatFloat(roundSignificant(s.Price, pricePrecision), 'f', -1, 64)
	}
	n, err := b.UpdateOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	if n.Status != notificationSuccess {
		return nil, b.classifyNotification(n)
	}
	r, err := n.Order()
	if err != nil {
		return nil, err
	}
	return b.parseOrder(r, m.Pair), nil
}

// CancelOrder cancels one order. Ids are venue global, so the symbol only
// disambiguates for callers and is not needed here.
func (b *Bitfinex) CancelOrder(ctx context.Context, orderID, _ string) error {
	id, err := b.parseOrderID(orderID)
	if err != nil {
		return err
	}
	n, err := b.CancelExistingOrder(ctx, id)
	if err != nil {
		return err
	}
	if n.Status != notificationSuccess {
		return b.classifyNotification(n)
	}
	return nil
}

// CancelAllOrders cancels every resting order in one venue call, or the
// symbol's current orders by id when narrowed
func (b *Bitfinex) CancelAllOrders(ctx context.Context, symbol string) error {
	req := &OrderMultiCancelRequest{All: 1}
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return err
		}
		rows, err := b.GetActiveOrders(ctx, m.ID, nil)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]int64, len(rows))
		for i := range rows {
			ids[i] = rows[i].ID
		}
		req = &OrderMultiCancelRequest{ID: ids}
	}
	n, err := b.CancelOrderMulti(ctx, req)
	if err != nil {
		return err
	}
	if n.Status != notificationSuccess {
		return b.classifyNotification(n)
	}
	return nil
}

// FetchOrder returns one order's current state, checking resting orders
// before falling back to history. The symbol narrows the venue query when
// given but ids are global.
func (b *Bitfinex) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	id, err := b.parseOrderID(orderID)
	if err != nil {
		return nil, err
	}
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	req := &HistoryRequest{ID: []int64{id}}
	rows, err := b.GetActiveOrders(ctx, venueSymbol, req)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		if rows, err = b.GetOrderHistory(ctx, venueSymbol, req); err != nil {
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

// FetchOpenOrders returns resting orders oldest first, venue wide when
// symbol is empty
func (b *Bitfinex) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	rows, err := b.GetActiveOrders(ctx, venueSymbol, nil)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		pair, err := b.pairFromSymbol(rows[i].Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, *b.parseOrder(&rows[i], pair))
	}
	return out, nil
}

// FetchClosedOrders returns terminal orders oldest first, venue wide when
// symbol is empty
func (b *Bitfinex) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	req := &HistoryRequest{Limit: limit}
	if !since.IsZero() {
		req.Start = since.UnixMilli()
	}
	rows, err := b.GetOrderHistory(ctx, venueSymbol, req)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		pair, err := b.pairFromSymbol(rows[i].Symbol)
		if err != nil {
			return nil, err
		}
		out = append(out, *b.parseOrder(&rows[i], pair))
	}
	return out, nil
}

// FetchMyTrades returns the account's fills oldest first, venue wide when
// symbol is empty
func (b *Bitfinex) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	venueSymbol := ""
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		venueSymbol = m.ID
	}
	req := &HistoryRequest{Limit: limit}
	if !since.IsZero() {
		req.Start = since.UnixMilli()
	}
	rows, err := b.GetTradeHistory(ctx, venueSymbol, req)
	if err != nil {
		return nil, err
	}
	out := make([]order.Fill, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		r := &rows[i]
		pair, err := b.pairFromSymbol(r.Symbol)
		if err != nil {
			return nil, err
		}
		amount := math.Abs(r.ExecAmount)
		fill := order.Fill{
			ID:        strconv.FormatInt(r.ID, 10),
			OrderID:   strconv.FormatInt(r.OrderID, 10),
			Exchange:  b.Name,
			Pair:      pair,
			Side:      sideFromAmount(r.ExecAmount),
			Price:     r.ExecPrice,
			Amount:    amount,
			Cost:      amount * r.ExecPrice,
			Fee:       order.Fee{Cost: math.Abs(r.Fee), Currency: canonicalCode(r.FeeCurrency)},
			IsMaker:   r.Maker == 1,
			Timestamp: r.Timestamp,
		}
		out = append(out, fill)
	}
	return out, nil
}

// FetchBalance returns the exchange wallet holdings. The listing carries no
// timestamp, so the local clock stands in.
func (b *Bitfinex) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	rows, err := b.GetWallets(ctx)
	if err != nil {
		return nil, err
	}
	h := b.parseWallets(rows)
	if raw, err := json.Marshal(rows); err == nil {
		h.Info = raw
	}
	return h, nil
}

// parseWallets folds wallet rows into a holdings snapshot. Margin and funding
// wallets are separate buckets and stay out of the spot view.
func (b *Bitfinex) parseWallets(rows []WalletRow) *account.Holdings {
	h := account.NewHoldings(b.Name)
	h.Timestamp = b.Now()
	for i := range rows {
		w := &rows[i]
		if w.Type != exchangeWalletType {
			continue
		}
		used := w.Balance - w.Available
		if used < 0 {
			used = 0
		}
		h.Set(account.Balance{
			Currency: canonicalCode(w.Currency),
			Free:     w.Available,
			Used:     used,
			Total:    w.Balance,
		})
	}
	return h
}

// FetchTradingFees returns the account's commission rates. The venue keeps
// one schedule per account, so a symbol scoped query reports the same rates
// under that symbol.
func (b *Bitfinex) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
	fee := exchange.TradingFee{}
	if symbol != "" {
		m, err := b.resolveMarket(ctx, symbol)
		if err != nil {
			return nil, err
		}
		fee.Symbol = m.Symbol()
	}
	s, err := b.GetAccountSummary(ctx)
	if err != nil {
		return nil, err
	}
	fee.Maker = s.MakerFee
	fee.Taker = s.TakerFee
	return []exchange.TradingFee{fee}, nil
}

func (b *Bitfinex) ensureMarkets(ctx context.Context) error {
	if b.Markets.Loaded() {
		return nil
	}
	_, err := b.LoadMarkets(ctx, false)
	return err
}

func (b *Bitfinex) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return b.MarketBySymbol(symbol)
}

// parseTicker converts the venue's positional ticker columns. The venue
// reports the absolute and relative daily moves, so the open derives from
// the last.
func (b *Bitfinex) parseTicker(t *Ticker, pair currency.Pair, ts time.Time) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: b.Name,
		Pair:         pair,
		Last:         t.Last,
		Bid:          t.Bid,
		BidVolume:    t.BidSize,
		Ask:          t.Ask,
		AskVolume:    t.AskSize,
		High:         t.High,
		Low:          t.Low,
		BaseVolume:   t.Volume,
		Change:       t.DailyChange,
		Percentage:   t.DailyChangePerc * 100,
		Timestamp:    ts,
	}
	p.Derive()
	return p
}

// parseTrade converts one public execution, reading the side off the amount
// sign
func (b *Bitfinex) parseTrade(t *TradeRow, pair currency.Pair) trade.Data {
	d := trade.Data{
		ID:        strconv.FormatInt(t.ID, 10),
		Exchange:  b.Name,
		Pair:      pair,
		Side:      sideFromAmount(t.Amount),
		Price:     t.Price,
		Amount:    math.Abs(t.Amount),
		Timestamp: t.Timestamp,
	}
	d.DeriveCost()
	return d
}

// splitBookRows separates the venue's single level list into sides. Positive
// amounts are bids, negative are asks, and a zero count marks a removed
// level which has no place in a snapshot.
func splitBookRows(rows []BookRow) (bids, asks orderbook.Tranches) {
	for i := range rows {
		r := &rows[i]
		if r.Count == 0 {
			continue
		}
		if r.Amount > 0 {
			bids = append(bids, orderbook.Tranche{Price: r.Price, Amount: r.Amount})
		} else if r.Amount < 0 {
			asks = append(asks, orderbook.Tranche{Price: r.Price, Amount: -r.Amount})
		}
	}
	return bids, asks
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Spot orders use the EXCHANGE wallet types, the amount sign carries the
// side and immediate time in force variants are distinct types.
func (b *Bitfinex) buildOrderRequest(m *market.Market, s *order.Submit) (*OrderRequest, error) {
	req := &OrderRequest{Symbol: m.ID}
	amount := m.RoundAmount(s.Amount)
	if s.Side == order.Sell {
		amount = -amount
	}
	req.Amount = strconv.FormatFloat(amount, 'f', -1, 64)
	price := strconv.FormatFloat(roundSignificant(s.Price, pricePrecision), 'f', -1, 64)
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.Price = price
		switch tif {
		case order.ImmediateOrCancel:
			req.Type = "EXCHANGE IOC"
		case order.FillOrKill:
			req.Type = "EXCHANGE FOK"
		case order.PostOnly:
			req.Type = "EXCHANGE LIMIT"
			req.Flags |= postOnlyFlag
		default:
			req.Type = "EXCHANGE LIMIT"
		}
	case order.Market:
		req.Type = "EXCHANGE MARKET"
	case order.LimitMaker:
		req.Type = "EXCHANGE LIMIT"
		req.Price = price
		req.Flags |= postOnlyFlag
	case order.FOK:
		req.Type = "EXCHANGE FOK"
		req.Price = price
	case order.IOC:
		req.Type = "EXCHANGE IOC"
		req.Price = price
	default:
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	if s.ClientOrderID != "" {
		cid, err := strconv.ParseInt(s.ClientOrderID, 10, 64)
		if err != nil {
			return nil, errs.New(b.Name, errs.ErrBadRequest, "client order ids are numeric on this venue")
		}
		req.CID = cid
	}
	return req, nil
}

// parseOrder converts a venue order row. Amounts arrive signed with the
// remaining size in the amount column, so the filled figures derive from
// the original size.
func (b *Bitfinex) parseOrder(r *OrderRow, pair currency.Pair) *order.Detail {
	amount := math.Abs(r.AmountOrig)
	remaining := math.Abs(r.Amount)
	filled := amount - remaining
	if filled < 0 {
		filled = 0
	}
	d := &order.Detail{
		Exchange:    b.Name,
		OrderID:     strconv.FormatInt(r.ID, 10),
		Pair:        pair,
		Type:        typeFromVenue(r.Type),
		Side:        sideFromAmount(r.AmountOrig),
		Status:      statusFromVenue(r.Status, filled),
		Price:       r.Price,
		Average:     r.PriceAvg,
		Amount:      amount,
		Filled:      filled,
		Timestamp:   r.Created,
		LastUpdated: r.Updated,
	}
	if r.ClientOrderID != 0 {
		d.ClientOrderID = strconv.FormatInt(r.ClientOrderID, 10)
	}
	switch {
	case r.Flags&postOnlyFlag != 0:
		d.TimeInForce = order.PostOnly
	case d.Type == order.IOC:
		d.TimeInForce = order.ImmediateOrCancel
	case d.Type == order.FOK:
		d.TimeInForce = order.FillOrKill
	case d.Type == order.Limit:
		d.TimeInForce = order.GoodTillCancel
	}
	if raw, err := json.Marshal(r); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

// sideFromAmount reads the venue's signed amount convention
func sideFromAmount(v float64) order.Side {
	if v < 0 {
		return order.Sell
	}
	return order.Buy
}

// typeFromVenue folds the venue's wallet prefixed order types onto the
// canonical set
func typeFromVenue(raw string) order.Type {
	t := strings.TrimPrefix(strings.ToUpper(raw), "EXCHANGE ")
	switch {
	case t == "MARKET":
		return order.Market
	case t == "FOK":
		return order.FOK
	case t == "IOC":
		return order.IOC
	case strings.Contains(t, "TRAILING"):
		return order.TrailingStop
	case strings.Contains(t, "STOP LIMIT"):
		return order.StopLimit
	case strings.Contains(t, "STOP"):
		return order.Stop
	case strings.Contains(t, "LIMIT"):
		return order.Limit
	default:
		return order.UnknownType
	}
}

// statusFromVenue maps the venue's status prose onto canonical states. The
// prose carries fill detail after the keyword, and an active order that has
// traded reports partially filled.
func statusFromVenue(raw string, filled float64) order.Status {
	switch {
	case strings.HasPrefix(raw, "ACTIVE"), strings.HasPrefix(raw, "IN QUEUE"):
		if filled > 0 {
			return order.PartiallyFilled
		}
		return order.New
	case strings.HasPrefix(raw, "PARTIALLY FILLED"):
		return order.PartiallyFilled
	case strings.HasPrefix(raw, "EXECUTED"):
		return order.Filled
	case strings.Contains(raw, "CANCELED"), strings.HasPrefix(raw, "RSN_PAUSE"):
		return order.Cancelled
	case strings.HasPrefix(raw, "INSUFFICIENT"), strings.HasPrefix(raw, "RSN_DUST"):
		return order.Rejected
	default:
		return order.UnknownStatus
	}
}

// roundSignificant rounds a value to the given count of significant digits,
// the precision mode the venue quotes prices in
func roundSignificant(v float64, digits int) float64 {
	if v == 0 {
		return 0
	}
	places := digits - 1 - int(math.Floor(math.Log10(math.Abs(v))))
	return decimal.NewFromFloat(v).Round(int32(places)).InexactFloat64() //nolint:gosec // place counts are tiny
}

// parseOrderID reads the venue's numeric order ids
func (b *Bitfinex) parseOrderID(orderID string) (int64, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil || id <= 0 {
		return 0, errs.New(b.Name, errs.ErrBadRequest, "order ids are numeric on this venue")
	}
	return id, nil
}
