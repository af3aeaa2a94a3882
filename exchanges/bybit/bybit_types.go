package bybit

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// ServerTime is the venue clock document. The nanosecond field is kept as a
// string because its magnitude exceeds float precision.
type ServerTime struct {
	TimeSecond string `json:"timeSecond"`
	TimeNano   string `json:"timeNano"`
}

// Instrument is one row of the instruments-info listing
type Instrument struct {
	Symbol        string `json:"symbol"`
	BaseCoin      string `json:"baseCoin"`
	QuoteCoin     string `json:"quoteCoin"`
	Status        string `json:"status"`
	LotSizeFilter struct {
		BasePrecision  string       `json:"basePrecision"`
		QuotePrecision string       `json:"quotePrecision"`
		MinOrderQty    types.Number `json:"minOrderQty"`
		MaxOrderQty    types.Number `json:"maxOrderQty"`
		MinOrderAmt    types.Number `json:"minOrderAmt"`
		MaxOrderAmt    types.Number `json:"maxOrderAmt"`
	} `json:"lotSizeFilter"`
	PriceFilter struct {
		TickSize string `json:"tickSize"`
	} `json:"priceFilter"`
}

// InstrumentsResult is the instruments-info result payload
type InstrumentsResult struct {
	Category string       `json:"category"`
	List     []Instrument `json:"list"`
}

// TickerData is one row of the spot tickers result
type TickerData struct {
	Symbol          string       `json:"symbol"`
	LastPrice       types.Number `json:"lastPrice"`
	Bid1Price       types.Number `json:"bid1Price"`
	Bid1Size        types.Number `json:"bid1Size"`
	Ask1Price       types.Number `json:"ask1Price"`
	Ask1Size        types.Number `json:"ask1Size"`
	HighPrice24H    types.Number `json:"highPrice24h"`
	LowPrice24H     types.Number `json:"lowPrice24h"`
	PrevPrice24H    types.Number `json:"prevPrice24h"`
	Volume24H       types.Number `json:"volume24h"`
	Turnover24H     types.Number `json:"turnover24h"`
	Price24HPercent types.Number `json:"price24hPcnt"`
}

// TickersResult is the tickers result payload
type TickersResult struct {
	Category string       `json:"category"`
	List     []TickerData `json:"list"`
}

// OrderBookData is the orderbook result payload. Levels are price and size
// pairs, bids descending and asks ascending as served.
type OrderBookData struct {
	Symbol    string       `json:"s"`
	Bids      [][2]string  `json:"b"`
	Asks      [][2]string  `json:"a"`
	Timestamp types.Time   `json:"ts"`
	UpdateID  int64        `json:"u"`
	Sequence  int64        `json:"seq"`
}

// TradeData is one row of the recent-trade result
type TradeData struct {
	ExecID string       `json:"execId"`
	Symbol string       `json:"symbol"`
	Price  types.Number `json:"price"`
	Size   types.Number `json:"size"`
	Side   string       `json:"side"`
	Time   types.Time   `json:"time"`
}

// TradesResult is the recent-trade result payload
type TradesResult struct {
	Category string      `json:"category"`
	List     []TradeData `json:"list"`
}

// CandleData is one kline row. The venue serves candles as string arrays of
// start time, open, high, low, close, volume and turnover.
type CandleData struct {
	StartTime types.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	Turnover  float64
}

// UnmarshalJSON decodes the venue's positional candle array
func (c *CandleData) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 6 {
		return fmt.Errorf("kline array has %d columns, need 6", len(cols))
	}
	if err := json.Unmarshal([]byte(`"`+cols[0].String()+`"`), &c.StartTime); err != nil {
		return err
	}
	c.Open = cols[1].Float64()
	c.High = cols[2].Float64()
	c.Low = cols[3].Float64()
	c.Close = cols[4].Float64()
	c.Volume = cols[5].Float64()
	if len(cols) > 6 {
		c.Turnover = cols[6].Float64()
	}
	return nil
}

// KlinesResult is the kline result payload, newest candle first
type KlinesResult struct {
	Category string       `json:"category"`
	Symbol   string       `json:"symbol"`
	List     []CandleData `json:"list"`
}

// PlaceOrderRequest is the create order body
type PlaceOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	// MarketUnit fixes market order sizing to base units; the venue defaults
	// spot market buys to quote sizing
	MarketUnit string `json:"marketUnit,omitempty"`
}

// AmendOrderRequest is the amend order body
type AmendOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
	Qty         string `json:"qty,omitempty"`
	Price       string `json:"price,omitempty"`
}

// CancelOrderRequest is the cancel order body
type CancelOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	OrderID     string `json:"orderId,omitempty"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

// CancelAllRequest is the cancel-all body
type CancelAllRequest struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol,omitempty"`
}

// OrderAck is the id pair acknowledging order mutations
type OrderAck struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// CancelAllResult is the cancel-all result payload
type CancelAllResult struct {
	List    []OrderAck `json:"list"`
	Success string     `json:"success"`
}

// OrderData is one order row from the realtime and history queries. Private
// stream order rows carry the same shape plus a category discriminator.
type OrderData struct {
	Category     string       `json:"category,omitempty"`
	OrderID      string       `json:"orderId"`
	OrderLinkID  string       `json:"orderLinkId"`
	Symbol       string       `json:"symbol"`
	Price        types.Number `json:"price"`
	Qty          types.Number `json:"qty"`
	Side         string       `json:"side"`
	OrderStatus  string       `json:"orderStatus"`
	OrderType    string       `json:"orderType"`
	TimeInForce  string       `json:"timeInForce"`
	AveragePrice types.Number `json:"avgPrice"`
	CumExecQty   types.Number `json:"cumExecQty"`
	CumExecValue types.Number `json:"cumExecValue"`
	CumExecFee   types.Number `json:"cumExecFee"`
	CreatedTime  types.Time   `json:"createdTime"`
	UpdatedTime  types.Time   `json:"updatedTime"`
}

// OrdersResult is the order query result payload
type OrdersResult struct {
	Category       string      `json:"category"`
	List           []OrderData `json:"list"`
	NextPageCursor string      `json:"nextPageCursor"`
}

// ExecutionData is one private fill row
type ExecutionData struct {
	Symbol      string       `json:"symbol"`
	OrderID     string       `json:"orderId"`
	OrderLinkID string       `json:"orderLinkId"`
	ExecID      string       `json:"execId"`
	Side        string       `json:"side"`
	ExecPrice   types.Number `json:"execPrice"`
	ExecQty     types.Number `json:"execQty"`
	ExecValue   types.Number `json:"execValue"`
	ExecFee     types.Number `json:"execFee"`
	FeeCurrency string       `json:"feeCurrency"`
	IsMaker     bool         `json:"isMaker"`
	ExecTime    types.Time   `json:"execTime"`
}

// ExecutionsResult is the execution list result payload
type ExecutionsResult struct {
	Category       string          `json:"category"`
	List           []ExecutionData `json:"list"`
	NextPageCursor string          `json:"nextPageCursor"`
}

// WalletCoin is one currency row of a wallet account
type WalletCoin struct {
	Coin                string       `json:"coin"`
	Equity              types.Number `json:"equity"`
	WalletBalance       types.Number `json:"walletBalance"`
	Locked              types.Number `json:"locked"`
	AvailableToWithdraw types.Number `json:"availableToWithdraw"`
}

// WalletAccount is one account row of the wallet-balance result
type WalletAccount struct {
	AccountType string       `json:"accountType"`
	TotalEquity types.Number `json:"totalEquity"`
	Coins       []WalletCoin `json:"coin"`
}

// WalletResult is the wallet-balance result payload
type WalletResult struct {
	List []WalletAccount `json:"list"`
}

// FeeRate is one row of the fee-rate result
type FeeRate struct {
	Symbol       string       `json:"symbol"`
	TakerFeeRate types.Number `json:"takerFeeRate"`
	MakerFeeRate types.Number `json:"makerFeeRate"`
}

// FeeRateResult is the fee-rate result payload
type FeeRateResult struct {
	List []FeeRate `json:"list"`
}

// wsRequest is the stream command frame; topics travel as plain strings
type wsRequest struct {
	Operation string   `json:"op"`
	Arguments []string `json:"args,omitempty"`
	RequestID string   `json:"req_id,omitempty"`
}

// wsAuthRequest is the private stream login frame. Arguments are the api
// key, the millisecond expiry and the hex signature in order.
type wsAuthRequest struct {
	Operation string `json:"op"`
	Arguments []any  `json:"args"`
}

// wsDataFrame is the push envelope shared by public and private topics
type wsDataFrame struct {
	Topic        string          `json:"topic"`
	Type         string          `json:"type"`
	Timestamp    types.Time      `json:"ts"`
	CreationTime types.Time      `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}

// wsTickerData is the spot ticker push payload. The spot stream carries no
// book top; Bid/Ask stay zero.
type wsTickerData struct {
	Symbol          string       `json:"symbol"`
	LastPrice       types.Number `json:"lastPrice"`
	HighPrice24H    types.Number `json:"highPrice24h"`
	LowPrice24H     types.Number `json:"lowPrice24h"`
	PrevPrice24H    types.Number `json:"prevPrice24h"`
	Volume24H       types.Number `json:"volume24h"`
	Turnover24H     types.Number `json:"turnover24h"`
	Price24HPercent types.Number `json:"price24hPcnt"`
}

// wsOrderBookData is the depth push payload
type wsOrderBookData struct {
	Symbol   string      `json:"s"`
	Bids     [][2]string `json:"b"`
	Asks     [][2]string `json:"a"`
	UpdateID int64       `json:"u"`
	Sequence int64       `json:"seq"`
}

// wsTradeData is one public trade push row
type wsTradeData struct {
	TradeID   string       `json:"i"`
	Symbol    string       `json:"s"`
	Side      string       `json:"S"`
	Price     types.Number `json:"p"`
	Size      types.Number `json:"v"`
	Timestamp types.Time   `json:"T"`
}

// wsCandleData is one kline push row
type wsCandleData struct {
	Start    types.Time   `json:"start"`
	End      types.Time   `json:"end"`
	Interval string       `json:"interval"`
	Open     types.Number `json:"open"`
	High     types.Number `json:"high"`
	Low      types.Number `json:"low"`
	Close    types.Number `json:"close"`
	Volume   types.Number `json:"volume"`
	Confirm  bool         `json:"confirm"`
}
