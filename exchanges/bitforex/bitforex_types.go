package bitforex

import (
	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// SymbolInfo is one row of the symbol catalogue
type SymbolInfo struct {
	Symbol          string       `json:"symbol"`
	AmountPrecision int          `json:"amountPrecision"`
	PricePrecision  int          `json:"pricePrecision"`
	MinOrderAmount  types.Number `json:"minOrderAmount"`
}

// TickerData is the 24h statistics document. The stream reuses it on ticker
// pushes, which omit the date stamp.
type TickerData struct {
	Last types.Number `json:"last"`
	Buy  types.Number `json:"buy"`
	Sell types.Number `json:"sell"`
	High types.Number `json:"high"`
	Low  types.Number `json:"low"`
	Vol  types.Number `json:"vol"`
	Date types.Time   `json:"date"`
}

// BookLevel is one depth level. The venue spells levels as objects rather
// than tuples.
type BookLevel struct {
	Price  types.Number `json:"price"`
	Amount types.Number `json:"amount"`
}

// DepthData is a depth snapshot. The stream reuses it on depth pushes.
type DepthData struct {
	Asks []BookLevel `json:"asks"`
	Bids []BookLevel `json:"bids"`
}

// TradeData is one public trade, direction 1 buying and 2 selling. The
// stream reuses it on trade pushes.
type TradeData struct {
	TradeID   int64        `json:"tid"`
	Price     types.Number `json:"price"`
	Amount    types.Number `json:"amount"`
	Direction int64        `json:"direction"`
	Time      types.Time   `json:"time"`
}

// CandleData is one candle; currencyVol is the quote turnover. The stream
// reuses it on kline pushes.
type CandleData struct {
	Open        types.Number `json:"open"`
	High        types.Number `json:"high"`
	Low         types.Number `json:"low"`
	Close       types.Number `json:"close"`
	Vol         types.Number `json:"vol"`
	CurrencyVol types.Number `json:"currencyVol"`
	Time        types.Time   `json:"time"`
}

// OrderAck is a placement acknowledgement
type OrderAck struct {
	OrderID int64 `json:"orderId"`
}

// OrderData is one order document, sideId 1 buying and 2 selling
type OrderData struct {
	OrderID     int64        `json:"orderId"`
	Symbol      string       `json:"symbol"`
	SideID      int64        `json:"sideId"`
	Price       types.Number `json:"price"`
	AvgPrice    types.Number `json:"avgPrice"`
	OrderAmount types.Number `json:"orderAmount"`
	DealAmount  types.Number `json:"dealAmount"`
	TradeFee    types.Number `json:"tradeFee"`
	OrderState  int64        `json:"orderState"`
	CreateTime  types.Time   `json:"createTime"`
	LastTime    types.Time   `json:"lastTime"`
}

// AccountBalance is one currency of the fund listing; fix is the settled
// total
type AccountBalance struct {
	Currency string       `json:"currency"`
	Active   types.Number `json:"active"`
	Frozen   types.Number `json:"frozen"`
	Fix      types.Number `json:"fix"`
}

// wsCommand is one stream command; the wire frame is an array of these
type wsCommand struct {
	Type  string  `json:"type"`
	Event string  `json:"event"`
	Param wsParam `json:"param"`
}

// wsParam scopes a stream command to a market. The depth channel takes an
// explicit zero dType for full window pushes, so the field is a pointer to
// survive the empty check.
type wsParam struct {
	BusinessType string `json:"businessType"`
	KType        string `json:"kType,omitempty"`
	DepthType    *int64 `json:"dType,omitempty"`
	Size         int64  `json:"size,omitempty"`
}

// wsPushFrame is a data push keyed by its event and market scope
type wsPushFrame struct {
	Event string          `json:"event"`
	Param wsParam         `json:"param"`
	Data  json.RawMessage `json:"data"`
}
