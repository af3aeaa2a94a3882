package bitmart

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// ServerTime is the venue clock row
type ServerTime struct {
	ServerTime types.Time `json:"server_time"`
}

// SymbolsDetails wraps the symbol catalogue
type SymbolsDetails struct {
	Symbols []SymbolDetail `json:"symbols"`
}

// SymbolDetail is one tradable symbol definition. The base minimum stays a
// string so amount precision can be read off its decimal places when the
// currency catalogue has no entry for the base.
type SymbolDetail struct {
	Symbol            string       `json:"symbol"`
	SymbolID          int64        `json:"symbol_id"`
	BaseCurrency      string       `json:"base_currency"`
	QuoteCurrency     string       `json:"quote_currency"`
	QuoteIncrement    types.Number `json:"quote_increment"`
	BaseMinSize       string       `json:"base_min_size"`
	BaseMaxSize       types.Number `json:"base_max_size"`
	PriceMaxPrecision int          `json:"price_max_precision"`
	MinBuyAmount      types.Number `json:"min_buy_amount"`
	MinSellAmount     types.Number `json:"min_sell_amount"`
	TradeStatus       string       `json:"trade_status"`
}

// CurrencyCatalogue wraps the currency listing
type CurrencyCatalogue struct {
	Currencies []CurrencyDetail `json:"currencies"`
}

// CurrencyDetail is one listed currency with its amount precision
type CurrencyDetail struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Precision       int    `json:"precision"`
	WithdrawEnabled bool   `json:"withdraw_enabled"`
	DepositEnabled  bool   `json:"deposit_enabled"`
}

// TickerData is one market ticker row
type TickerData struct {
	Symbol         string       `json:"symbol"`
	LastPrice      types.Number `json:"last"`
	BaseVolume24H  types.Number `json:"v_24h"`
	QuoteVolume24H types.Number `json:"qv_24h"`
	Open24H        types.Number `json:"open_24h"`
	High24H        types.Number `json:"high_24h"`
	Low24H         types.Number `json:"low_24h"`
	Fluctuation    types.Number `json:"fluctuation"`
	BestBidPrice   types.Number `json:"bid_px"`
	BestBidSize    types.Number `json:"bid_sz"`
	BestAskPrice   types.Number `json:"ask_px"`
	BestAskSize    types.Number `json:"ask_sz"`
	Timestamp      types.Time   `json:"ts"`
}

// TickerRow is the positional array form the bulk tickers endpoint serves
type TickerRow struct {
	TickerData
}

// UnmarshalJSON decodes the positional ticker array
func (t *TickerRow) UnmarshalJSON(data []byte) error {
	var cols []string
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 13 {
		return fmt.Errorf("ticker array has %d columns, need 13", len(cols))
	}
	t.TickerData = TickerData{Symbol: cols[0]}
	numeric := []*types.Number{
		&t.LastPrice, &t.BaseVolume24H, &t.QuoteVolume24H, &t.Open24H,
		&t.High24H, &t.Low24H, &t.Fluctuation, &t.BestBidPrice,
		&t.BestBidSize, &t.BestAskPrice, &t.BestAskSize,
	}
	for i, dst := range numeric {
		col := cols[i+1]
		if col == "" {
			continue
		}
		v, err := strconv.ParseFloat(col, 64)
		if err != nil {
			return fmt.Errorf("ticker column %d: %w", i+1, err)
		}
		*dst = types.Number(v)
	}
	ms, err := strconv.ParseInt(cols[12], 10, 64)
	if err != nil {
		return fmt.Errorf("ticker timestamp: %w", err)
	}
	t.Timestamp = types.Time(time.UnixMilli(ms))
	return nil
}

// BookData is an order book snapshot with price and size string pairs
type BookData struct {
	Timestamp types.Time  `json:"ts"`
	Symbol    string      `json:"symbol"`
	Asks      [][2]string `json:"asks"`
	Bids      [][2]string `json:"bids"`
}

// TradeRow is one public trade in positional array form
type TradeRow struct {
	Symbol    string
	Timestamp types.Time
	Price     types.Number
	Size      types.Number
	Side      string
}

// UnmarshalJSON decodes the positional trade array
func (t *TradeRow) UnmarshalJSON(data []byte) error {
	var cols []string
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 5 {
		return fmt.Errorf("trade array has %d columns, need 5", len(cols))
	}
	t.Symbol = cols[0]
	ms, err := strconv.ParseInt(cols[1], 10, 64)
	if err != nil {
		return fmt.Errorf("trade timestamp: %w", err)
	}
	t.Timestamp = types.Time(time.UnixMilli(ms))
	price, err := strconv.ParseFloat(cols[2], 64)
	if err != nil {
		return fmt.Errorf("trade price: %w", err)
	}
	size, err := strconv.ParseFloat(cols[3], 64)
	if err != nil {
		return fmt.Errorf("trade size: %w", err)
	}
	t.Price = types.Number(price)
	t.Size = types.Number(size)
	t.Side = cols[4]
	return nil
}

// CandleRow is one candle in positional array form, shared by the REST
// klines endpoint and the kline channel. The venue stamps candles in epoch
// seconds.
type CandleRow struct {
	Timestamp   time.Time
	Open        float64
	High        float64
	Low         float64
	Close       float64
	Volume      float64
	QuoteVolume float64
}

// UnmarshalJSON decodes the positional candle array
func (c *CandleRow) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 6 {
		return fmt.Errorf("candle array has %d columns, need 6", len(cols))
	}
	*c = CandleRow{
		Timestamp: time.Unix(cols[0].Int64(), 0).UTC(),
		Open:      cols[1].Float64(),
		High:      cols[2].Float64(),
		Low:       cols[3].Float64(),
		Close:     cols[4].Float64(),
		Volume:    cols[5].Float64(),
	}
	if len(cols) > 6 {
		c.QuoteVolume = cols[6].Float64()
	}
	return nil
}

// SubmitOrderRequest is the order submission body. Sizes and prices are
// string encoded so the venue receives them without float drift. Market buys
// carry a notional instead of a size.
type SubmitOrderRequest struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	ClientOrderID string `json:"client_order_id,omitempty"`
	Size          string `json:"size,omitempty"`
	Price         string `json:"price,omitempty"`
	Notional      string `json:"notional,omitempty"`
}

// SubmitOrderResult acknowledges a submission with the venue order id
type SubmitOrderResult struct {
	OrderID int64 `json:"order_id"`
}

// CancelOrderRequest cancels by venue order id or client order id
type CancelOrderRequest struct {
	Symbol        string `json:"symbol"`
	OrderID       string `json:"order_id,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// CancelResult reports whether the cancel changed anything
type CancelResult struct {
	Result bool `json:"result"`
}

// CancelAllRequest cancels every open order, optionally narrowed to one
// symbol or side
type CancelAllRequest struct {
	Symbol string `json:"symbol,omitempty"`
	Side   string `json:"side,omitempty"`
}

// QueryOrderRequest looks up a single order by venue id
type QueryOrderRequest struct {
	OrderID string `json:"orderId"`
}

// QueryOrdersRequest pages order and fill history
type QueryOrdersRequest struct {
	Symbol    string `json:"symbol,omitempty"`
	StartTime int64  `json:"startTime,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

// OrderData is one order as the v4 query endpoints serve it
type OrderData struct {
	OrderID        string       `json:"orderId"`
	ClientOrderID  string       `json:"clientOrderId"`
	Symbol         string       `json:"symbol"`
	Side           string       `json:"side"`
	Type           string       `json:"type"`
	State          string       `json:"state"`
	Price          types.Number `json:"price"`
	PriceAvg       types.Number `json:"priceAvg"`
	Size           types.Number `json:"size"`
	FilledSize     types.Number `json:"filledSize"`
	Notional       types.Number `json:"notional"`
	FilledNotional types.Number `json:"filledNotional"`
	CreateTime     types.Time   `json:"createTime"`
	UpdateTime     types.Time   `json:"updateTime"`
}

// FillData is one account trade
type FillData struct {
	TradeID       string       `json:"tradeId"`
	OrderID       string       `json:"orderId"`
	ClientOrderID string       `json:"clientOrderId"`
	Symbol        string       `json:"symbol"`
	Side          string       `json:"side"`
	Type          string       `json:"type"`
	Price         types.Number `json:"price"`
	Size          types.Number `json:"size"`
	Notional      types.Number `json:"notional"`
	Fee           types.Number `json:"fee"`
	FeeCurrency   string       `json:"feeCoinName"`
	TradeRole     string       `json:"tradeRole"`
	CreateTime    types.Time   `json:"createTime"`
}

// WalletResult wraps the spot wallet listing
type WalletResult struct {
	Wallet []WalletBalance `json:"wallet"`
}

// WalletBalance is one currency balance
type WalletBalance struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Available types.Number `json:"available"`
	Frozen    types.Number `json:"frozen"`
}

// SymbolFee is the fee rate pair for one symbol
type SymbolFee struct {
	Symbol       string       `json:"symbol"`
	TakerFeeRate types.Number `json:"taker_fee_rate"`
	MakerFeeRate types.Number `json:"maker_fee_rate"`
}

// AccountFee is the account fee tier. The venue splits rates into an A class
// for ordinary pairs and a B class for a promoted subset.
type AccountFee struct {
	Level         string       `json:"level"`
	UserRateType  int64        `json:"user_rate_type"`
	TakerFeeRateA types.Number `json:"taker_fee_rate_A"`
	MakerFeeRateA types.Number `json:"maker_fee_rate_A"`
	TakerFeeRateB types.Number `json:"taker_fee_rate_B"`
	MakerFeeRateB types.Number `json:"maker_fee_rate_B"`
}

// wsRequest is the frame shape for subscribe, unsubscribe and login
type wsRequest struct {
	Operation string   `json:"op"`
	Arguments []string `json:"args"`
}

// wsDataFrame is a data push keyed by its table
type wsDataFrame struct {
	Table string          `json:"table"`
	Data  json.RawMessage `json:"data"`
}

// WsTickerData is one ticker push. The stream stamps in epoch seconds.
type WsTickerData struct {
	Symbol        string       `json:"symbol"`
	LastPrice     types.Number `json:"last_price"`
	Open24H       types.Number `json:"open_24h"`
	High24H       types.Number `json:"high_24h"`
	Low24H        types.Number `json:"low_24h"`
	BaseVolume24H types.Number `json:"base_volume_24h"`
	Timestamp     types.Time   `json:"s_t"`
}

// WsTradeData is one trade push
type WsTradeData struct {
	Symbol    string       `json:"symbol"`
	Price     types.Number `json:"price"`
	Size      types.Number `json:"size"`
	Side      string       `json:"side"`
	Timestamp types.Time   `json:"s_t"`
}

// WsKlineData is one kline push
type WsKlineData struct {
	Symbol string    `json:"symbol"`
	Candle CandleRow `json:"candle"`
}

// WsDepthData is one depth push. Snapshot tiers always carry the full book,
// the incremental channel marks rows as snapshot or update and sequences
// them by version.
type WsDepthData struct {
	Symbol    string      `json:"symbol"`
	Asks      [][2]string `json:"asks"`
	Bids      [][2]string `json:"bids"`
	Type      string      `json:"type"`
	Version   int64       `json:"version"`
	Timestamp types.Time  `json:"ms_t"`
}

// OrderPush is one private order update. State arrives as a numeric string.
type OrderPush struct {
	Symbol         string       `json:"symbol"`
	OrderID        string       `json:"order_id"`
	ClientOrderID  string       `json:"client_order_id"`
	Side           string       `json:"side"`
	Type           string       `json:"type"`
	State          string       `json:"state"`
	Price          types.Number `json:"price"`
	Size           types.Number `json:"size"`
	Notional       types.Number `json:"notional"`
	FilledSize     types.Number `json:"filled_size"`
	FilledNotional types.Number `json:"filled_notional"`
	LastFillPrice  types.Number `json:"last_fill_price"`
	LastFillCount  types.Number `json:"last_fill_count"`
	ExecType       string       `json:"exec_type"`
	CreateTime     types.Time   `json:"create_time"`
	Timestamp      types.Time   `json:"ms_t"`
}

// BalancePush is one private balance update
type BalancePush struct {
	BalanceDetails []BalanceDetail `json:"balance_details"`
	EventTime      types.Time      `json:"event_time"`
	EventType      string          `json:"event_type"`
}

// BalanceDetail is one currency inside a balance push
type BalanceDetail struct {
	Currency  string       `json:"ccy"`
	Available types.Number `json:"av_bal"`
	Frozen    types.Number `json:"fz_bal"`
}
