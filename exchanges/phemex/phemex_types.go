package phemex

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// ServerTime is the venue clock payload
type ServerTime struct {
	ServerTime types.Time `json:"serverTime"`
}

// Products is the instrument catalogue across every traded class
type Products struct {
	Currencies []ProductCurrency `json:"currencies"`
	Products   []Product         `json:"products"`
}

// ProductCurrency describes one listed asset
type ProductCurrency struct {
	Currency   string `json:"currency"`
	Name       string `json:"name"`
	ValueScale int64  `json:"valueScale"`
}

// Product describes one instrument. Tick, step and value bounds arrive as
// scaled integers beside display strings; only the integers are read.
type Product struct {
	Symbol             string `json:"symbol"`
	DisplaySymbol      string `json:"displaySymbol"`
	Type               string `json:"type"`
	Status             string `json:"status"`
	BaseCurrency       string `json:"baseCurrency"`
	QuoteCurrency      string `json:"quoteCurrency"`
	BaseTickSizeEv     int64  `json:"baseTickSizeEv"`
	QuoteTickSizeEv    int64  `json:"quoteTickSizeEv"`
	MinOrderValueEv    int64  `json:"minOrderValueEv"`
	MaxBaseOrderSizeEv int64  `json:"maxBaseOrderSizeEv"`
	MaxOrderValueEv    int64  `json:"maxOrderValueEv"`
	DefaultMakerFeeEr  int64  `json:"defaultMakerFeeEr"`
	DefaultTakerFeeEr  int64  `json:"defaultTakerFeeEr"`
	BaseQtyPrecision   int    `json:"baseQtyPrecision"`
	QuoteQtyPrecision  int    `json:"quoteQtyPrecision"`
}

// Ticker is one symbol's 24h rolling statistics
type Ticker struct {
	Symbol     string     `json:"symbol"`
	OpenEp     int64      `json:"openEp"`
	HighEp     int64      `json:"highEp"`
	LowEp      int64      `json:"lowEp"`
	LastEp     int64      `json:"lastEp"`
	BidEp      int64      `json:"bidEp"`
	AskEp      int64      `json:"askEp"`
	VolumeEv   int64      `json:"volumeEv"`
	TurnoverEv int64      `json:"turnoverEv"`
	Timestamp  types.Time `json:"timestamp"`
}

// PriceLevel is one book level of scaled price and quantity
type PriceLevel [2]int64

// BookSides carries both sides of an aggregated book
type BookSides struct {
	Asks []PriceLevel `json:"asks"`
	Bids []PriceLevel `json:"bids"`
}

// OrderBook is the venue's aggregated depth document
type OrderBook struct {
	Book      BookSides  `json:"book"`
	Depth     int64      `json:"depth"`
	Sequence  int64      `json:"sequence"`
	Symbol    string     `json:"symbol"`
	Type      string     `json:"type"`
	Timestamp types.Time `json:"timestamp"`
}

// Trades is the venue's public execution document
type Trades struct {
	Sequence int64      `json:"sequence"`
	Symbol   string     `json:"symbol"`
	Type     string     `json:"type"`
	Trades   []TradeRow `json:"trades"`
}

// TradeRow is one public execution, delivered as the positional columns
// [timestamp, side, priceEp, qtyEv]
type TradeRow struct {
	Timestamp time.Time
	Side      string
	PriceEp   int64
	QtyEv     int64
}

// UnmarshalJSON implements json.Unmarshaler over the positional columns
func (r *TradeRow) UnmarshalJSON(data []byte) error {
	var cols []json.RawMessage
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 4 {
		return fmt.Errorf("trade row needs 4 columns, got %d", len(cols))
	}
	var ts types.Time
	if err := json.Unmarshal(cols[0], &ts); err != nil {
		return err
	}
	r.Timestamp = ts.Time()
	if err := json.Unmarshal(cols[1], &r.Side); err != nil {
		return err
	}
	if err := json.Unmarshal(cols[2], &r.PriceEp); err != nil {
		return err
	}
	return json.Unmarshal(cols[3], &r.QtyEv)
}

// KlineData wraps the candle listing
type KlineData struct {
	Total int64      `json:"total"`
	Rows  []KlineRow `json:"rows"`
}

// KlineRow is one candle, delivered as the positional columns [timestamp,
// interval, lastCloseEp, openEp, highEp, lowEp, closeEp, volumeEv,
// turnoverEv] with the timestamp in epoch seconds
type KlineRow struct {
	Timestamp   int64
	Interval    int64
	LastCloseEp int64
	OpenEp      int64
	HighEp      int64
	LowEp       int64
	CloseEp     int64
	VolumeEv    int64
	TurnoverEv  int64
}

// UnmarshalJSON implements json.Unmarshaler over the positional columns
func (r *KlineRow) UnmarshalJSON(data []byte) error {
	var cols []int64
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 9 {
		return fmt.Errorf("kline row needs 9 columns, got %d", len(cols))
	}
	r.Timestamp = cols[0]
	r.Interval = cols[1]
	r.LastCloseEp = cols[2]
	r.OpenEp = cols[3]
	r.HighEp = cols[4]
	r.LowEp = cols[5]
	r.CloseEp = cols[6]
	r.VolumeEv = cols[7]
	r.TurnoverEv = cols[8]
	return nil
}

// PlaceOrderRequest is the order submission payload
type PlaceOrderRequest struct {
	Symbol      string `json:"symbol"`
	ClOrdID     string `json:"clOrdID,omitempty"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	QtyType     string `json:"qtyType"`
	PriceEp     int64  `json:"priceEp,omitempty"`
	BaseQtyEv   int64  `json:"baseQtyEv,omitempty"`
	QuoteQtyEv  int64  `json:"quoteQtyEv,omitempty"`
	StopPxEp    int64  `json:"stopPxEp,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	Trigger     string `json:"trigger,omitempty"`
}

// SpotOrder is the venue's order document, shared by the trading endpoints
// and the private stream
type SpotOrder struct {
	OrderID         string     `json:"orderID"`
	ClOrdID         string     `json:"clOrdID"`
	Symbol          string     `json:"symbol"`
	Side            string     `json:"side"`
	OrdType         string     `json:"ordType"`
	OrdStatus       string     `json:"ordStatus"`
	QtyType         string     `json:"qtyType"`
	TimeInForce     string     `json:"timeInForce"`
	PriceEp         int64      `json:"priceEp"`
	StopPxEp        int64      `json:"stopPxEp"`
	BaseQtyEv       int64      `json:"baseQtyEv"`
	QuoteQtyEv      int64      `json:"quoteQtyEv"`
	CumBaseQtyEv    int64      `json:"cumBaseQtyEv"`
	CumQuoteValueEv int64      `json:"cumQuoteValueEv"`
	AvgPriceEp      int64      `json:"avgPriceEp"`
	CumFeeEv        int64      `json:"cumFeeEv"`
	FeeCurrency     string     `json:"feeCurrency"`
	CreateTimeNs    types.Time `json:"createTimeNs"`
	ActionTimeNs    types.Time `json:"actionTimeNs"`
}

// OrderRows wraps paginated order listings
type OrderRows struct {
	Rows []SpotOrder `json:"rows"`
}

// SpotFill is one account execution
type SpotFill struct {
	ExecID         string     `json:"execID"`
	OrderID        string     `json:"orderID"`
	ClOrdID        string     `json:"clOrdID"`
	Symbol         string     `json:"symbol"`
	Side           string     `json:"side"`
	OrdType        string     `json:"ordType"`
	ExecStatus     string     `json:"execStatus"`
	ExecPriceEp    int64      `json:"execPriceEp"`
	ExecBaseQtyEv  int64      `json:"execBaseQtyEv"`
	ExecQuoteQtyEv int64      `json:"execQuoteQtyEv"`
	ExecFeeEv      int64      `json:"execFeeEv"`
	FeeCurrency    string     `json:"feeCurrency"`
	TransactTimeNs types.Time `json:"transactTimeNs"`
}

// FillRows wraps paginated execution listings
type FillRows struct {
	Rows []SpotFill `json:"rows"`
}

// SpotWallet is one currency balance
type SpotWallet struct {
	Currency               string     `json:"currency"`
	BalanceEv              int64      `json:"balanceEv"`
	LockedTradingBalanceEv int64      `json:"lockedTradingBalanceEv"`
	LockedWithdrawEv       int64      `json:"lockedWithdrawEv"`
	LastUpdateTimeNs       types.Time `json:"lastUpdateTimeNs"`
}

// wsRPCRequest is the stream's command frame
type wsRPCRequest struct {
	ID     int64  `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

// wsRPCError is the failure detail of a rejected stream command
type wsRPCError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// wsRPCReply acknowledges a stream command by its request id
type wsRPCReply struct {
	Error  *wsRPCError     `json:"error"`
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result"`
}

// wsAuthResult is the payload of a stream authentication acknowledgement
type wsAuthResult struct {
	Status string `json:"status"`
}

// wsPush is a stream data frame. Exactly one payload field is set and
// selects the route; the envelope fields describe it.
type wsPush struct {
	Market24h *Ticker      `json:"spot_market24h"`
	Book      *BookSides   `json:"book"`
	Trades    []TradeRow   `json:"trades"`
	Kline     []KlineRow   `json:"kline"`
	Orders    []SpotOrder  `json:"orders"`
	Wallets   []SpotWallet `json:"wallets"`
	Symbol    string       `json:"symbol"`
	Depth     int64        `json:"depth"`
	Sequence  int64        `json:"sequence"`
	Type      string       `json:"type"`
	Timestamp types.Time   `json:"timestamp"`
}
