package binance

import (
	"context"
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

var _ exchange.Venue = (*Binance)(nil)

// FetchTime returns the venue server clock
func (b *Binance) FetchTime(ctx context.Context) (time.Time, error) {
	return b.GetServerTime(ctx)
}

// LoadMarkets fetches the instrument catalogue and replaces the market cache
func (b *Binance) LoadMarkets(ctx context.Context, reload bool) ([]*market.Market, error) {
	if !reload && b.Markets.Loaded() {
		return b.Markets.List(), nil
	}
	info, err := b.GetExchangeInfo(ctx)
	if err != nil {
		return nil, err
	}
	markets := make([]*market.Market, 0, len(info.Symbols))
	for i := range info.Symbols {
		s := &info.Symbols[i]
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, err
		}
		m := &market.Market{
			ID:              s.Symbol,
			Pair:            currency.NewPair(currency.NewCode(s.BaseAsset), currency.NewCode(s.QuoteAsset)),
			Active:          s.Status == "TRADING",
			PricePrecision:  s.QuotePrecision,
			AmountPrecision: s.BaseAssetPrecision,
			Info:            raw,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				m.TickSize = f.TickSize.Float64()
				m.Limits.MinPrice = f.MinPrice.Float64()
				m.Limits.MaxPrice = f.MaxPrice.Float64()
			case "LOT_SIZE":
				m.StepSize = f.StepSize.Float64()
				m.Limits.MinAmount = f.MinQty.Float64()
				m.Limits.MaxAmount = f.MaxQty.Float64()
			case "NOTIONAL", "MIN_NOTIONAL":
				m.Limits.MinCost = f.MinNotional.Float64()
			}
		}
		markets = append(markets, m)
	}
	if err := b.Markets.Load(markets); err != nil {
		return nil, err
	}
	return markets, nil
}

// FetchTicker returns 24h rolling statistics for one symbol
func (b *Binance) FetchTicker(ctx context.Context, symbol string) (*ticker.Price, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	stats, err := b.GetPriceChangeStats(ctx, m.ID)
	if err != nil {
		return nil, err
	}
	return b.parseTicker(stats, m.Pair), nil
}

// FetchTickers returns 24h rolling statistics for the requested symbols, or
// every listed market when none are named
func (b *Binance) FetchTickers(ctx context.Context, symbols ...string) ([]ticker.Price, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	stats, err := b.GetAllPriceChangeStats(ctx)
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
	out := make([]ticker.Price, 0, len(stats))
	for i := range stats {
		pair, err := b.pairFromSymbol(stats[i].Symbol)
		if err != nil {
			// Delisted and venue internal symbols are not in the catalogue
			continue
		}
		if want != nil && !want[pair.Format("/", true)] {
			continue
		}
		out = append(out, *b.parseTicker(&stats[i], pair))
	}
	return out, nil
}

// FetchOrderBook returns an aggregated depth snapshot
func (b *Binance) FetchOrderBook(ctx context.Context, symbol string, limit int) (*orderbook.Book, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	depth, err := b.GetOrderBook(ctx, m.ID, limit)
	if err != nil {
		return nil, err
	}
	bids, err := tranches(depth.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := tranches(depth.Asks)
	if err != nil {
		return nil, err
	}
	book := &orderbook.Book{
		Exchange:     b.Name,
		Pair:         m.Pair,
		Bids:         bids,
		Asks:         asks,
		LastUpdateID: depth.LastUpdateID,
		Timestamp:    b.Now(),
	}
	orderbook.SortBids(book.Bids)
	orderbook.SortAsks(book.Asks)
	return book, nil
}

// FetchTrades returns recent public trades, oldest first
func (b *Binance) FetchTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]trade.Data, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetAggregatedTrades(ctx, m.ID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]trade.Data, 0, len(raw))
	for i := range raw {
		t := &raw[i]
		side := order.Buy
		if t.IsBuyerMaker {
			side = order.Sell
		}
		d := trade.Data{
			ID:        strconv.FormatInt(t.ID, 10),
			Exchange:  b.Name,
			Pair:      m.Pair,
			Side:      side,
			Price:     t.Price.Float64(),
			Amount:    t.Quantity.Float64(),
			Timestamp: t.Timestamp.Time(),
		}
		d.DeriveCost()
		out = append(out, d)
	}
	return out, nil
}

// FetchOHLCV returns candles at the requested interval, oldest first
func (b *Binance) FetchOHLCV(ctx context.Context, symbol string, interval kline.Interval, since time.Time, limit int) ([]kline.Candle, error) {
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	native, err := b.Timeframe(interval)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetKlines(ctx, m.ID, native, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]kline.Candle, len(raw))
	for i := range raw {
		out[i] = kline.Candle{
			Timestamp: raw[i].OpenTime,
			Open:      raw[i].Open,
			High:      raw[i].High,
			Low:       raw[i].Low,
			Close:     raw[i].Close,
			Volume:    raw[i].Volume,
		}
	}
	return out, nil
}

// CreateOrder places an order and returns its normalized state
func (b *Binance) CreateOrder(ctx context.Context, s *order.Submit) (*order.Detail, error) {
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
	resp, err := b.NewOrder(ctx, req)
	if err != nil {
		return nil, err
	}
	return b.parseNewOrder(resp, m.Pair), nil
}

// AmendOrder cancels orderID and places the amended order in one venue side
// transaction
func (b *Binance) AmendOrder(ctx context.Context, orderID string, s *order.Submit) (*order.Detail, error) {
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
	resp, err := b.CancelReplaceOrder(ctx, orderID, req)
	if err != nil {
		return nil, err
	}
	return b.parseNewOrder(resp, m.Pair), nil
}

// CancelOrder cancels one order by venue id
func (b *Binance) CancelOrder(ctx context.Context, orderID, symbol string) error {
	if symbol == "" {
		return errs.New(b.Name, errs.ErrBadRequest, "cancelOrder requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return b.CancelExistingOrder(ctx, m.ID, orderID, "")
}

// CancelAllOrders cancels every resting order on a symbol
func (b *Binance) CancelAllOrders(ctx context.Context, symbol string) error {
	if symbol == "" {
		return errs.New(b.Name, errs.ErrBadRequest, "cancelAllOrders requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return err
	}
	return b.CancelAllOpenOrders(ctx, m.ID)
}

// FetchOrder returns one order's current state
func (b *Binance) FetchOrder(ctx context.Context, orderID, symbol string) (*order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchOrder requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	resp, err := b.QueryOrder(ctx, m.ID, orderID, "")
	if err != nil {
		return nil, err
	}
	return b.parseOrder(resp, m.Pair), nil
}

// FetchOpenOrders returns resting orders, venue wide when symbol is empty
func (b *Binance) FetchOpenOrders(ctx context.Context, symbol string) ([]order.Detail, error) {
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
	raw, err := b.OpenOrders(ctx, venueSymbol)
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

// FetchClosedOrders returns terminal orders for a symbol, oldest first
func (b *Binance) FetchClosedOrders(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Detail, error) {
	if symbol == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchClosedOrders requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.AllOrders(ctx, m.ID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Detail, 0, len(raw))
	for i := range raw {
		d := b.parseOrder(&raw[i], m.Pair)
		if !d.Status.IsTerminal() {
			continue
		}
		out = append(out, *d)
	}
	return out, nil
}

// FetchMyTrades returns the account's fills on a symbol, oldest first
func (b *Binance) FetchMyTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]order.Fill, error) {
	if symbol == "" {
		return nil, errs.New(b.Name, errs.ErrBadRequest, "fetchMyTrades requires a symbol")
	}
	m, err := b.resolveMarket(ctx, symbol)
	if err != nil {
		return nil, err
	}
	raw, err := b.GetAccountTradeList(ctx, m.ID, since, limit)
	if err != nil {
		return nil, err
	}
	out := make([]order.Fill, 0, len(raw))
	for i := range raw {
		t := &raw[i]
		side := order.Sell
		if t.IsBuyer {
			side = order.Buy
		}
		out = append(out, order.Fill{
			ID:        strconv.FormatInt(t.ID, 10),
			OrderID:   strconv.FormatInt(t.OrderID, 10),
			Exchange:  b.Name,
			Pair:      m.Pair,
			Side:      side,
			Price:     t.Price.Float64(),
			Amount:    t.Qty.Float64(),
			Cost:      t.QuoteQty.Float64(),
			Fee:       order.Fee{Cost: t.Commission.Float64(), Currency: currency.NewCode(t.CommissionAsset)},
			IsMaker:   t.IsMaker,
			Timestamp: t.Time.Time(),
		})
	}
	return out, nil
}

// FetchBalance returns the spot account holdings
func (b *Binance) FetchBalance(ctx context.Context) (*account.Holdings, error) {
	info, err := b.GetAccount(ctx)
	if err != nil {
		return nil, err
	}
	h := account.NewHoldings(b.Name)
	h.Timestamp = info.UpdateTime.Time()
	for _, bal := range info.Balances {
		h.Set(account.Balance{
			Currency: currency.NewCode(bal.Asset),
			Free:     bal.Free.Float64(),
			Used:     bal.Locked.Float64(),
		})
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	h.Info = raw
	return h, nil
}

// FetchTradingFees returns commission rates for one symbol, or the whole
// venue when symbol is empty
func (b *Binance) FetchTradingFees(ctx context.Context, symbol string) ([]exchange.TradingFee, error) {
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
	raw, err := b.GetTradeFees(ctx, venueSymbol)
	if err != nil {
		return nil, err
	}
	out := make([]exchange.TradingFee, 0, len(raw))
	for i := range raw {
		pair, err := b.pairFromSymbol(raw[i].Symbol)
		if err != nil {
			continue
		}
		out = append(out, exchange.TradingFee{
			Symbol: pair.Format("/", true),
			Maker:  raw[i].MakerCommission.Float64(),
			Taker:  raw[i].TakerCommission.Float64(),
		})
	}
	return out, nil
}

func (b *Binance) ensureMarkets(ctx context.Context) error {
	if b.Markets.Loaded() {
		return nil
	}
	_, err := b.LoadMarkets(ctx, false)
	return err
}

func (b *Binance) resolveMarket(ctx context.Context, symbol string) (*market.Market, error) {
	if err := b.ensureMarkets(ctx); err != nil {
		return nil, err
	}
	return b.MarketBySymbol(symbol)
}

func (b *Binance) parseTicker(stats *PriceChangeStats, pair currency.Pair) *ticker.Price {
	p := &ticker.Price{
		ExchangeName: b.Name,
		Pair:         pair,
		Last:         stats.LastPrice.Float64(),
		Bid:          stats.BidPrice.Float64(),
		BidVolume:    stats.BidQty.Float64(),
		Ask:          stats.AskPrice.Float64(),
		AskVolume:    stats.AskQty.Float64(),
		High:         stats.HighPrice.Float64(),
		Low:          stats.LowPrice.Float64(),
		Open:         stats.OpenPrice.Float64(),
		BaseVolume:   stats.Volume.Float64(),
		QuoteVolume:  stats.QuoteVolume.Float64(),
		Change:       stats.PriceChange.Float64(),
		Percentage:   stats.PriceChangePercent.Float64(),
		VWAP:         stats.WeightedAvgPrice.Float64(),
		Timestamp:    stats.CloseTime.Time(),
	}
	p.Derive()
	return p
}

// buildOrderRequest maps a canonical submission onto the venue order form.
// Amount and price are rounded to the market's step and tick first.
func (b *Binance) buildOrderRequest(m *market.Market, s *order.Submit) (*NewOrderRequest, error) {
	req := &NewOrderRequest{
		Symbol:           m.ID,
		Side:             s.Side.String(),
		Quantity:         m.RoundAmount(s.Amount),
		NewClientOrderID: s.ClientOrderID,
	}
	tif := s.TimeInForce
	if tif == order.UnknownTIF {
		tif = order.GoodTillCancel
	}
	switch s.Type {
	case order.Limit:
		req.TradeType = "LIMIT"
		req.Price = m.RoundPrice(s.Price)
		req.TimeInForce = tif.String()
	case order.Market:
		req.TradeType = "MARKET"
	case order.Stop:
		req.TradeType = "STOP_LOSS"
		req.StopPrice = m.RoundPrice(s.TriggerPrice)
	case order.StopLimit:
		req.TradeType = "STOP_LOSS_LIMIT"
		req.Price = m.RoundPrice(s.Price)
		req.StopPrice = m.RoundPrice(s.TriggerPrice)
		req.TimeInForce = tif.String()
	case order.LimitMaker:
		req.TradeType = "LIMIT_MAKER"
		req.Price = m.RoundPrice(s.Price)
	case order.FOK:
		req.TradeType = "LIMIT"
		req.Price = m.RoundPrice(s.Price)
		req.TimeInForce = order.FillOrKill.String()
	case order.IOC:
		req.TradeType = "LIMIT"
		req.Price = m.RoundPrice(s.Price)
		req.TimeInForce = order.ImmediateOrCancel.String()
	default:
		return nil, errs.New(b.Name, errs.ErrInvalidOrder, "unsupported order type "+s.Type.String())
	}
	if req.TimeInForce == order.PostOnly.String() {
		// The venue expresses post only through the order type
		req.TradeType = "LIMIT_MAKER"
		req.TimeInForce = ""
	}
	return req, nil
}

func (b *Binance) parseNewOrder(resp *NewOrderResponse, pair currency.Pair) *order.Detail {
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Pair:          pair,
		Price:         resp.Price.Float64(),
		Amount:        resp.OrigQty.Float64(),
		Filled:        resp.ExecutedQty.Float64(),
		Cost:          resp.CumulativeQuoteQty.Float64(),
		Timestamp:     resp.TransactTime.Time(),
		LastUpdated:   resp.TransactTime.Time(),
	}
	d.Side, _ = order.StringToOrderSide(resp.Side)
	d.Type, _ = order.StringToOrderType(resp.Type)
	d.Status, _ = order.StringToOrderStatus(resp.Status)
	d.TimeInForce, _ = order.StringToTimeInForce(resp.TimeInForce)
	for _, f := range resp.Fills {
		d.Trades = append(d.Trades, order.Fill{
			OrderID:   d.OrderID,
			Exchange:  b.Name,
			Pair:      pair,
			Side:      d.Side,
			Price:     f.Price.Float64(),
			Amount:    f.Qty.Float64(),
			Fee:       order.Fee{Cost: f.Commission.Float64(), Currency: currency.NewCode(f.CommissionAsset)},
			Timestamp: d.Timestamp,
		})
	}
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

func (b *Binance) parseOrder(resp *QueryOrderData, pair currency.Pair) *order.Detail {
	d := &order.Detail{
		Exchange:      b.Name,
		OrderID:       strconv.FormatInt(resp.OrderID, 10),
		ClientOrderID: resp.ClientOrderID,
		Pair:          pair,
		Price:         resp.Price.Float64(),
		Amount:        resp.OrigQty.Float64(),
		Filled:        resp.ExecutedQty.Float64(),
		Cost:          resp.CumulativeQuoteQty.Float64(),
		Timestamp:     resp.Time.Time(),
		LastUpdated:   resp.UpdateTime.Time(),
	}
	d.Side, _ = order.StringToOrderSide(resp.Side)
	d.Type, _ = order.StringToOrderType(resp.Type)
	d.Status, _ = order.StringToOrderStatus(resp.Status)
	d.TimeInForce, _ = order.StringToTimeInForce(resp.TimeInForce)
	if raw, err := json.Marshal(resp); err == nil {
		d.Info = raw
	}
	d.Normalize()
	return d
}

func tranches(levels [][2]string) (orderbook.Tranches, error) {
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
