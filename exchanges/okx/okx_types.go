package okx

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// ServerTime is the venue clock row
type ServerTime struct {
	Timestamp types.Time `json:"ts"`
}

// Instrument is one tradable instrument definition. Tick and lot sizes stay
// strings so display precision can be read off their decimal places.
type Instrument struct {
	InstrumentType string       `json:"instType"`
	InstrumentID   string       `json:"instId"`
	BaseCurrency   string       `json:"baseCcy"`
	QuoteCurrency  string       `json:"quoteCcy"`
	State          string       `json:"state"`
	TickSize       string       `json:"tickSz"`
	LotSize        string       `json:"lotSz"`
	MinSize        types.Number `json:"minSz"`
	MaxLimitSize   types.Number `json:"maxLmtSz"`
	MaxMarketSize  types.Number `json:"maxMktSz"`
}

// TickerData is one market ticker row, shared by the REST endpoint and the
// tickers channel
type TickerData struct {
	InstrumentType string       `json:"instType"`
	InstrumentID   string       `json:"instId"`
	LastPrice      types.Number `json:"last"`
	LastSize       types.Number `json:"lastSz"`
	BestAskPrice   types.Number `json:"askPx"`
	BestAskSize    types.Number `json:"askSz"`
	BestBidPrice   types.Number `json:"bidPx"`
	BestBidSize    types.Number `json:"bidSz"`
	Open24H        types.Number `json:"open24h"`
	High24H        types.Number `json:"high24h"`
	Low24H         types.Number `json:"low24h"`
	QuoteVolume24H types.Number `json:"volCcy24h"`
	BaseVolume24H  types.Number `json:"vol24h"`
	Timestamp      types.Time   `json:"ts"`
}

// OrderBookData is the raw depth payload. Levels arrive as
// [price, size, liquidated orders, order count] string tuples.
type OrderBookData struct {
	Asks      [][4]string `json:"asks"`
	Bids      [][4]string `json:"bids"`
	Timestamp types.Time  `json:"ts"`
}

// TradeData is one public trade row
type TradeData struct {
	InstrumentID string       `json:"instId"`
	TradeID      string       `json:"tradeId"`
	Price        types.Number `json:"px"`
	Size         types.Number `json:"sz"`
	Side         string       `json:"side"`
	Timestamp    types.Time   `json:"ts"`
}

// CandleData is one kline row. The venue serves candles as positional string
// arrays of [ts, open, high, low, close, volume, ...], newest first.
type CandleData struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// UnmarshalJSON decodes the positional candle array
func (c *CandleData) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 6 {
		return fmt.Errorf("candle array has %d columns, need 6", len(cols))
	}
	c.Timestamp = time.UnixMilli(cols[0].Int64()).UTC()
	c.Open = cols[1].Float64()
	c.High = cols[2].Float64()
	c.Low = cols[3].Float64()
	c.Close = cols[4].Float64()
	c.Volume = cols[5].Float64()
	return nil
}

// PlaceOrderRequest is the order submission body. Sizes and prices are string
// encoded so the venue receives them without float drift.
type PlaceOrderRequest struct {
	InstrumentID   string `json:"instId"`
	TradeMode      string `json:"tdMode"`
	ClientOrderID  string `json:"clOrdId,omitempty"`
	Side           string `json:"side"`
	OrderType      string `json:"ordType"`
	Size           string `json:"sz"`
	Price          string `json:"px,omitempty"`
	TargetCurrency string `json:"tgtCcy,omitempty"`
}

// CancelOrderRequest cancels by venue order id or client order id
type CancelOrderRequest struct {
	InstrumentID  string `json:"instId"`
	OrderID       string `json:"ordId,omitempty"`
	ClientOrderID string `json:"clOrdId,omitempty"`
}

// AmendOrderRequest adjusts the size or price of a resting order
type AmendOrderRequest struct {
	InstrumentID  string `json:"instId"`
	OrderID       string `json:"ordId,omitempty"`
	ClientOrderID string `json:"clOrdId,omitempty"`
	NewSize       string `json:"newSz,omitempty"`
	NewPrice      string `json:"newPx,omitempty"`
}

// OrderResult is one acknowledgement row from a trade endpoint. A non-zero
// sCode marks the row as rejected even when the envelope reported success.
type OrderResult struct {
	OrderID       string `json:"ordId"`
	ClientOrderID string `json:"clOrdId"`
	StatusCode    string `json:"sCode"`
	StatusMessage string `json:"sMsg"`
}

// OrderDetail is one order state row, shared by the order query endpoints and
// the orders channel
type OrderDetail struct {
	InstrumentType string       `json:"instType"`
	InstrumentID   string       `json:"instId"`
	OrderID        string       `json:"ordId"`
	ClientOrderID  string       `json:"clOrdId"`
	Price          types.Number `json:"px"`
	Size           types.Number `json:"sz"`
	OrderType      string       `json:"ordType"`
	Side           string       `json:"side"`
	State          string       `json:"state"`
	FilledSize     types.Number `json:"accFillSz"`
	AveragePrice   types.Number `json:"avgPx"`
	LastFillPrice  types.Number `json:"fillPx"`
	LastFillSize   types.Number `json:"fillSz"`
	FeeCurrency    string       `json:"feeCcy"`
	Fee            types.Number `json:"fee"`
	UpdateTime     types.Time   `json:"uTime"`
	CreationTime   types.Time   `json:"cTime"`
}

// FillData is one private execution row
type FillData struct {
	InstrumentID  string       `json:"instId"`
	TradeID       string       `json:"tradeId"`
	OrderID       string       `json:"ordId"`
	ClientOrderID string       `json:"clOrdId"`
	Price         types.Number `json:"fillPx"`
	Size          types.Number `json:"fillSz"`
	Side          string       `json:"side"`
	ExecType      string       `json:"execType"`
	FeeCurrency   string       `json:"feeCcy"`
	Fee           types.Number `json:"fee"`
	Timestamp     types.Time   `json:"ts"`
}

// AccountBalance is the account snapshot, shared by the balance endpoint and
// the account channel
type AccountBalance struct {
	TotalEquity types.Number    `json:"totalEq"`
	UpdateTime  types.Time      `json:"uTime"`
	Details     []BalanceDetail `json:"details"`
}

// BalanceDetail is one currency row inside the account snapshot
type BalanceDetail struct {
	Currency         string       `json:"ccy"`
	Equity           types.Number `json:"eq"`
	CashBalance      types.Number `json:"cashBal"`
	AvailableBalance types.Number `json:"availBal"`
	FrozenBalance    types.Number `json:"frozenBal"`
	UpdateTime       types.Time   `json:"uTime"`
}

// TradeFeeRate is the account fee schedule. The venue reports fees as
// negative rates and rebates as positive ones.
type TradeFeeRate struct {
	Category       string       `json:"category"`
	InstrumentType string       `json:"instType"`
	Level          string       `json:"level"`
	Maker          types.Number `json:"maker"`
	Taker          types.Number `json:"taker"`
	Timestamp      types.Time   `json:"ts"`
}

// wsRequest is the op frame for channel management
type wsRequest struct {
	Operation string                   `json:"op"`
	Arguments []wsSubscriptionArgument `json:"args"`
}

// wsSubscriptionArgument names one channel binding
type wsSubscriptionArgument struct {
	Channel        string `json:"channel"`
	InstrumentType string `json:"instType,omitempty"`
	InstrumentID   string `json:"instId,omitempty"`
}

// wsLoginRequest authenticates the private stream
type wsLoginRequest struct {
	Operation string            `json:"op"`
	Arguments []wsLoginArgument `json:"args"`
}

// wsLoginArgument carries the login signature material
type wsLoginArgument struct {
	APIKey     string `json:"apiKey"`
	Passphrase string `json:"passphrase"`
	Timestamp  string `json:"timestamp"`
	Sign       string `json:"sign"`
}

// wsDataFrame is the push envelope. Event frames carry event and code
// instead; the books channel qualifies rows with an action.
type wsDataFrame struct {
	Argument wsSubscriptionArgument `json:"arg"`
	Action   string                 `json:"action"`
	Data     json.RawMessage        `json:"data"`
}

// wsOrderBookData is one books channel row. Sequence ids chain updates; the
// previous id of a delta matches the last id of its predecessor.
type wsOrderBookData struct {
	Asks      [][4]string `json:"asks"`
	Bids      [][4]string `json:"bids"`
	Timestamp types.Time  `json:"ts"`
	PrevSeqID int64       `json:"prevSeqId"`
	SeqID     int64       `json:"seqId"`
}
