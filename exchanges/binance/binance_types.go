package binance

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// ServerTime is the venue clock response
type ServerTime struct {
	ServerTime types.Time `json:"serverTime"`
}

// ExchangeInfo holds the venue market catalogue
type ExchangeInfo struct {
	Timezone   string     `json:"timezone"`
	ServerTime types.Time `json:"serverTime"`
	Symbols    []Symbol   `json:"symbols"`
}

// Symbol is one tradable instrument definition
type Symbol struct {
	Symbol                 string         `json:"symbol"`
	Status                 string         `json:"status"`
	BaseAsset              string         `json:"baseAsset"`
	BaseAssetPrecision     int            `json:"baseAssetPrecision"`
	QuoteAsset             string         `json:"quoteAsset"`
	QuotePrecision         int            `json:"quotePrecision"`
	QuoteAssetPrecision    int            `json:"quoteAssetPrecision"`
	OrderTypes             []string       `json:"orderTypes"`
	IsSpotTradingAllowed   bool           `json:"isSpotTradingAllowed"`
	IsMarginTradingAllowed bool           `json:"isMarginTradingAllowed"`
	Filters                []SymbolFilter `json:"filters"`
}

// SymbolFilter carries one exchange filter; the fields used depend on
// FilterType
type SymbolFilter struct {
	FilterType  string       `json:"filterType"`
	MinPrice    types.Number `json:"minPrice"`
	MaxPrice    types.Number `json:"maxPrice"`
	TickSize    types.Number `json:"tickSize"`
	MinQty      types.Number `json:"minQty"`
	MaxQty      types.Number `json:"maxQty"`
	StepSize    types.Number `json:"stepSize"`
	MinNotional types.Number `json:"minNotional"`
}

// PriceChangeStats is the 24hr ticker statistics payload
type PriceChangeStats struct {
	Symbol             string       `json:"symbol"`
	PriceChange        types.Number `json:"priceChange"`
	PriceChangePercent types.Number `json:"priceChangePercent"`
	WeightedAvgPrice   types.Number `json:"weightedAvgPrice"`
	LastPrice          types.Number `json:"lastPrice"`
	LastQty            types.Number `json:"lastQty"`
	BidPrice           types.Number `json:"bidPrice"`
	BidQty             types.Number `json:"bidQty"`
	AskPrice           types.Number `json:"askPrice"`
	AskQty             types.Number `json:"askQty"`
	OpenPrice          types.Number `json:"openPrice"`
	HighPrice          types.Number `json:"highPrice"`
	LowPrice           types.Number `json:"lowPrice"`
	Volume             types.Number `json:"volume"`
	QuoteVolume        types.Number `json:"quoteVolume"`
	OpenTime           types.Time   `json:"openTime"`
	CloseTime          types.Time   `json:"closeTime"`
}

// OrderBookData is the raw depth payload. Levels arrive as [price, qty]
// string tuples.
type OrderBookData struct {
	LastUpdateID int64       `json:"lastUpdateId"`
	Bids         [][2]string `json:"bids"`
	Asks         [][2]string `json:"asks"`
}

// CandleStick is one kline. The venue serves candles as positional arrays
// of [open time, open, high, low, close, volume, close time, ...].
type CandleStick struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// UnmarshalJSON decodes the positional candle array
func (c *CandleStick) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 7 {
		return fmt.Errorf("kline array has %d columns, need 7", len(cols))
	}
	c.OpenTime = time.UnixMilli(cols[0].Int64()).UTC()
	c.Open = cols[1].Float64()
	c.High = cols[2].Float64()
	c.Low = cols[3].Float64()
	c.Close = cols[4].Float64()
	c.Volume = cols[5].Float64()
	c.CloseTime = time.UnixMilli(cols[6].Int64()).UTC()
	return nil
}

// AggregatedTrade is one compacted public trade
type AggregatedTrade struct {
	ID           int64        `json:"a"`
	Price        types.Number `json:"p"`
	Quantity     types.Number `json:"q"`
	FirstTradeID int64        `json:"f"`
	LastTradeID  int64        `json:"l"`
	Timestamp    types.Time   `json:"T"`
	IsBuyerMaker bool         `json:"m"`
}

// NewOrderResponse is the FULL response to an order submission
type NewOrderResponse struct {
	Symbol             string       `json:"symbol"`
	OrderID            int64        `json:"orderId"`
	ClientOrderID      string       `json:"clientOrderId"`
	TransactTime       types.Time   `json:"transactTime"`
	Price              types.Number `json:"price"`
	OrigQty            types.Number `json:"origQty"`
	ExecutedQty        types.Number `json:"executedQty"`
	CumulativeQuoteQty types.Number `json:"cummulativeQuoteQty"`
	Status             string       `json:"status"`
	TimeInForce        string       `json:"timeInForce"`
	Type               string       `json:"type"`
	Side               string       `json:"side"`
	Fills              []struct {
		Price           types.Number `json:"price"`
		Qty             types.Number `json:"qty"`
		Commission      types.Number `json:"commission"`
		CommissionAsset string       `json:"commissionAsset"`
	} `json:"fills"`
}

// CancelReplaceResponse reports both legs of an atomic cancel and replace
type CancelReplaceResponse struct {
	CancelResult     string            `json:"cancelResult"`
	NewOrderResult   string            `json:"newOrderResult"`
	CancelResponse   json.RawMessage   `json:"cancelResponse"`
	NewOrderResponse *NewOrderResponse `json:"newOrderResponse"`
}

// QueryOrderData describes an order's current state
type QueryOrderData struct {
	Symbol              string       `json:"symbol"`
	OrderID             int64        `json:"orderId"`
	ClientOrderID       string       `json:"clientOrderId"`
	Price               types.Number `json:"price"`
	OrigQty             types.Number `json:"origQty"`
	ExecutedQty         types.Number `json:"executedQty"`
	CumulativeQuoteQty  types.Number `json:"cummulativeQuoteQty"`
	Status              string       `json:"status"`
	TimeInForce         string       `json:"timeInForce"`
	Type                string       `json:"type"`
	Side                string       `json:"side"`
	StopPrice           types.Number `json:"stopPrice"`
	Time                types.Time   `json:"time"`
	UpdateTime          types.Time   `json:"updateTime"`
	IsWorking           bool         `json:"isWorking"`
	OrigQuoteOrderQty   types.Number `json:"origQuoteOrderQty"`
	SelfTradePrevention string       `json:"selfTradePreventionMode"`
}

// AccountInfo is the spot account snapshot
type AccountInfo struct {
	MakerCommission int64            `json:"makerCommission"`
	TakerCommission int64            `json:"takerCommission"`
	CanTrade        bool             `json:"canTrade"`
	CanWithdraw     bool             `json:"canWithdraw"`
	CanDeposit      bool             `json:"canDeposit"`
	UpdateTime      types.Time       `json:"updateTime"`
	AccountType     string           `json:"accountType"`
	Balances        []AccountBalance `json:"balances"`
}

// AccountBalance is one currency row in the account snapshot
type AccountBalance struct {
	Asset  string       `json:"asset"`
	Free   types.Number `json:"free"`
	Locked types.Number `json:"locked"`
}

// TradeHistory is one private execution
type TradeHistory struct {
	Symbol          string       `json:"symbol"`
	ID              int64        `json:"id"`
	OrderID         int64        `json:"orderId"`
	Price           types.Number `json:"price"`
	Qty             types.Number `json:"qty"`
	QuoteQty        types.Number `json:"quoteQty"`
	Commission      types.Number `json:"commission"`
	CommissionAsset string       `json:"commissionAsset"`
	Time            types.Time   `json:"time"`
	IsBuyer         bool         `json:"isBuyer"`
	IsMaker         bool         `json:"isMaker"`
}

// TradeFeeDetail is one symbol's commission schedule
type TradeFeeDetail struct {
	Symbol          string       `json:"symbol"`
	MakerCommission types.Number `json:"makerCommission"`
	TakerCommission types.Number `json:"takerCommission"`
}

// ListenKeyResponse is the user data stream session token
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

// WsTicker is the 24hr rolling window ticker stream payload
type WsTicker struct {
	EventType          string       `json:"e"`
	EventTime          types.Time   `json:"E"`
	Symbol             string       `json:"s"`
	PriceChange        types.Number `json:"p"`
	PriceChangePercent types.Number `json:"P"`
	WeightedAvgPrice   types.Number `json:"w"`
	LastPrice          types.Number `json:"c"`
	LastQty            types.Number `json:"Q"`
	BestBidPrice       types.Number `json:"b"`
	BestBidQty         types.Number `json:"B"`
	BestAskPrice       types.Number `json:"a"`
	BestAskQty         types.Number `json:"A"`
	OpenPrice          types.Number `json:"o"`
	HighPrice          types.Number `json:"h"`
	LowPrice           types.Number `json:"l"`
	BaseVolume         types.Number `json:"v"`
	QuoteVolume        types.Number `json:"q"`
	OpenTime           types.Time   `json:"O"`
	CloseTime          types.Time   `json:"C"`
}

// WsDepthUpdate is a differential book stream event. U and u bound the
// aggregated update id range for caller side gap detection.
type WsDepthUpdate struct {
	EventType     string      `json:"e"`
	EventTime     types.Time  `json:"E"`
	Symbol        string      `json:"s"`
	FirstUpdateID int64       `json:"U"`
	LastUpdateID  int64       `json:"u"`
	Bids          [][2]string `json:"b"`
	Asks          [][2]string `json:"a"`
}

// WsTrade is one public trade stream event
type WsTrade struct {
	EventType    string       `json:"e"`
	EventTime    types.Time   `json:"E"`
	Symbol       string       `json:"s"`
	TradeID      int64        `json:"t"`
	Price        types.Number `json:"p"`
	Quantity     types.Number `json:"q"`
	TradeTime    types.Time   `json:"T"`
	IsBuyerMaker bool         `json:"m"`
}

// WsKline is a candle stream event; the candle itself nests under k
type WsKline struct {
	EventType string     `json:"e"`
	EventTime types.Time `json:"E"`
	Symbol    string     `json:"s"`
	Kline     struct {
		StartTime types.Time   `json:"t"`
		CloseTime types.Time   `json:"T"`
		Symbol    string       `json:"s"`
		Interval  string       `json:"i"`
		Open      types.Number `json:"o"`
		Close     types.Number `json:"c"`
		High      types.Number `json:"h"`
		Low       types.Number `json:"l"`
		Volume    types.Number `json:"v"`
		Closed    bool         `json:"x"`
	} `json:"k"`
}

// WsAccountPosition is the outboundAccountPosition user stream event
type WsAccountPosition struct {
	EventType  string     `json:"e"`
	EventTime  types.Time `json:"E"`
	LastUpdate types.Time `json:"u"`
	Balances   []struct {
		Asset  string       `json:"a"`
		Free   types.Number `json:"f"`
		Locked types.Number `json:"l"`
	} `json:"B"`
}

// WsExecutionReport is the executionReport user stream event
type WsExecutionReport struct {
	EventType             string       `json:"e"`
	EventTime             types.Time   `json:"E"`
	Symbol                string       `json:"s"`
	ClientOrderID         string       `json:"c"`
	Side                  string       `json:"S"`
	OrderType             string       `json:"o"`
	TimeInForce           string       `json:"f"`
	Quantity              types.Number `json:"q"`
	Price                 types.Number `json:"p"`
	ExecutionType         string       `json:"x"`
	OrderStatus           string       `json:"X"`
	OrderID               int64        `json:"i"`
	LastExecutedQty       types.Number `json:"l"`
	CumulativeFilledQty   types.Number `json:"z"`
	LastExecutedPrice     types.Number `json:"L"`
	CommissionAmount      types.Number `json:"n"`
	CommissionAsset       string       `json:"N"`
	TransactionTime       types.Time   `json:"T"`
	OrderCreationTime     types.Time   `json:"O"`
	CumulativeQuoteQty    types.Number `json:"Z"`
	LastQuoteQty          types.Number `json:"Y"`
}
