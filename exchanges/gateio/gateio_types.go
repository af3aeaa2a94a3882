package gateio

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// ServerTime is the venue clock document
type ServerTime struct {
	ServerTime types.Time `json:"server_time"`
}

// CurrencyPairData is one row of the currency_pairs listing. Precisions are
// decimal place counts rather than step sizes.
type CurrencyPairData struct {
	ID              string       `json:"id"`
	Base            string       `json:"base"`
	Quote           string       `json:"quote"`
	Fee             types.Number `json:"fee"`
	MinBaseAmount   types.Number `json:"min_base_amount"`
	MinQuoteAmount  types.Number `json:"min_quote_amount"`
	MaxBaseAmount   types.Number `json:"max_base_amount"`
	MaxQuoteAmount  types.Number `json:"max_quote_amount"`
	AmountPrecision int          `json:"amount_precision"`
	Precision       int          `json:"precision"`
	TradeStatus     string       `json:"trade_status"`
}

// TickerData is one 24h rolling statistics row, shared by the tickers
// endpoint and the spot.tickers stream which push the same shape
type TickerData struct {
	CurrencyPair     string       `json:"currency_pair"`
	Last             types.Number `json:"last"`
	LowestAsk        types.Number `json:"lowest_ask"`
	HighestBid       types.Number `json:"highest_bid"`
	ChangePercentage types.Number `json:"change_percentage"`
	BaseVolume       types.Number `json:"base_volume"`
	QuoteVolume      types.Number `json:"quote_volume"`
	High24H          types.Number `json:"high_24h"`
	Low24H           types.Number `json:"low_24h"`
}

// OrderBookData is a depth snapshot. ID is the book version used to anchor
// stream deltas and requires with_id on the request.
type OrderBookData struct {
	ID      int64       `json:"id"`
	Current types.Time  `json:"current"`
	Update  types.Time  `json:"update"`
	Asks    [][2]string `json:"asks"`
	Bids    [][2]string `json:"bids"`
}

// TradeData is one public execution row. The millisecond stamp is a string
// that can carry a fractional part, so it is held as a number and converted
// through msTime.
type TradeData struct {
	ID           string       `json:"id"`
	CreateTime   types.Time   `json:"create_time"`
	CreateTimeMs types.Number `json:"create_time_ms"`
	CurrencyPair string       `json:"currency_pair"`
	Side         string       `json:"side"`
	Amount       types.Number `json:"amount"`
	Price        types.Number `json:"price"`
}

// msTime converts a millisecond count with an optional fractional part, the
// stamp format gate uses on executions, into a time
func msTime(ms types.Number) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMicro(int64(ms.Float64() * 1e3))
}

// Candle is one kline row. The venue sends string arrays ordered
// [timestamp, quote volume, close, high, low, open, base volume, closed]
// oldest first, so decoding reorders the columns into named fields.
type Candle struct {
	Timestamp   time.Time
	QuoteVolume float64
	Close       float64
	High        float64
	Low         float64
	Open        float64
	BaseVolume  float64
}

// UnmarshalJSON decodes the venue's positional candle array. The trailing
// window-closed column is a string boolean and is ignored.
func (c *Candle) UnmarshalJSON(data []byte) error {
	var cols []string
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 7 {
		return fmt.Errorf("candle row has %d columns, need 7", len(cols))
	}
	ts, err := strconv.ParseInt(cols[0], 10, 64)
	if err != nil {
		return fmt.Errorf("candle timestamp %q: %w", cols[0], err)
	}
	c.Timestamp = time.Unix(ts, 0)
	for i, dst := range []*float64{&c.QuoteVolume, &c.Close, &c.High, &c.Low, &c.Open, &c.BaseVolume} {
		v, err := strconv.ParseFloat(cols[i+1], 64)
		if err != nil {
			return fmt.Errorf("candle column %d %q: %w", i+1, cols[i+1], err)
		}
		*dst = v
	}
	return nil
}

// PlaceOrderRequest is the create order body. Text is the client assigned
// id and must carry the venue's t- prefix.
type PlaceOrderRequest struct {
	Text         string `json:"text,omitempty"`
	CurrencyPair string `json:"currency_pair"`
	Type         string `json:"type"`
	Account      string `json:"account"`
	Side         string `json:"side"`
	Amount       string `json:"amount"`
	Price        string `json:"price,omitempty"`
	TimeInForce  string `json:"time_in_force,omitempty"`
}

// AmendOrderRequest is the order amendment body
type AmendOrderRequest struct {
	Amount string `json:"amount,omitempty"`
	Price  string `json:"price,omitempty"`
}

// OrderData is a spot order document shared by the REST and stream APIs.
// REST rows carry a status while stream rows carry an event and finish_as
// pair instead. Market buys denominate amount and left in quote units.
type OrderData struct {
	ID           string       `json:"id"`
	Text         string       `json:"text"`
	CreateTimeMs types.Number `json:"create_time_ms"`
	UpdateTimeMs types.Number `json:"update_time_ms"`
	Status       string       `json:"status"`
	Event        string       `json:"event"`
	FinishAs     string       `json:"finish_as"`
	CurrencyPair string       `json:"currency_pair"`
	Type         string       `json:"type"`
	Account      string       `json:"account"`
	Side         string       `json:"side"`
	Amount       types.Number `json:"amount"`
	Price        types.Number `json:"price"`
	TimeInForce  string       `json:"time_in_force"`
	Left         types.Number `json:"left"`
	FilledTotal  types.Number `json:"filled_total"`
	AvgDealPrice types.Number `json:"avg_deal_price"`
	Fee          types.Number `json:"fee"`
	FeeCurrency  string       `json:"fee_currency"`
}

// OpenOrdersGroup is one pair's bucket in the venue wide open order listing
type OpenOrdersGroup struct {
	CurrencyPair string      `json:"currency_pair"`
	Total        int64       `json:"total"`
	Orders       []OrderData `json:"orders"`
}

// MyTrade is one private execution row
type MyTrade struct {
	ID           string       `json:"id"`
	CreateTimeMs types.Number `json:"create_time_ms"`
	CurrencyPair string       `json:"currency_pair"`
	OrderID      string       `json:"order_id"`
	Side         string       `json:"side"`
	Role         string       `json:"role"`
	Amount       types.Number `json:"amount"`
	Price        types.Number `json:"price"`
	Fee          types.Number `json:"fee"`
	FeeCurrency  string       `json:"fee_currency"`
}

// AccountBalance is one spot account currency row
type AccountBalance struct {
	Currency  string       `json:"currency"`
	Available types.Number `json:"available"`
	Locked    types.Number `json:"locked"`
}

// TradingFeeData is the account's fee rates
type TradingFeeData struct {
	CurrencyPair string       `json:"currency_pair"`
	TakerFee     types.Number `json:"taker_fee"`
	MakerFee     types.Number `json:"maker_fee"`
}

// wsAuth carries credentials inside a single subscribe frame. Gate has no
// session login, each private channel authenticates its own subscription.
type wsAuth struct {
	Method string `json:"method"`
	Key    string `json:"KEY"`
	Sign   string `json:"SIGN"`
}

// wsRequest is an outbound subscribe or unsubscribe frame
type wsRequest struct {
	Time    int64    `json:"time"`
	ID      int64    `json:"id,omitempty"`
	Channel string   `json:"channel"`
	Event   string   `json:"event"`
	Payload []string `json:"payload,omitempty"`
	Auth    *wsAuth  `json:"auth,omitempty"`
}

// wsFrame is the generic inbound envelope
type wsFrame struct {
	Time    int64           `json:"time"`
	TimeMs  types.Time      `json:"time_ms"`
	ID      int64           `json:"id"`
	Channel string          `json:"channel"`
	Event   string          `json:"event"`
	Error   *wsError        `json:"error"`
	Result  json.RawMessage `json:"result"`
}

// wsError is the venue's stream failure report
type wsError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

// wsTradeData is one spot.trades push. Unlike the REST rows the id is a
// bare integer.
type wsTradeData struct {
	ID           int64        `json:"id"`
	CreateTimeMs types.Number `json:"create_time_ms"`
	CurrencyPair string       `json:"currency_pair"`
	Side         string       `json:"side"`
	Amount       types.Number `json:"amount"`
	Price        types.Number `json:"price"`
}

// wsCandleData is one spot.candlesticks push. N carries the subscription
// ident as interval_pair and routes the row to its dispatch key.
type wsCandleData struct {
	Timestamp   types.Time   `json:"t"`
	QuoteVolume types.Number `json:"v"`
	Close       types.Number `json:"c"`
	High        types.Number `json:"h"`
	Low         types.Number `json:"l"`
	Open        types.Number `json:"o"`
	Name        string       `json:"n"`
	BaseVolume  types.Number `json:"a"`
	Closed      bool         `json:"w"`
}

// wsBookUpdate is one spot.order_book_update delta. U and u bracket the
// book versions the delta spans.
type wsBookUpdate struct {
	Timestamp    types.Time  `json:"t"`
	CurrencyPair string      `json:"s"`
	FirstID      int64       `json:"U"`
	LastID       int64       `json:"u"`
	Bids         [][2]string `json:"b"`
	Asks         [][2]string `json:"a"`
}

// wsBalance is one spot.balances push row
type wsBalance struct {
	TimestampMs types.Time   `json:"timestamp_ms"`
	Currency    string       `json:"currency"`
	Total       types.Number `json:"total"`
	Available   types.Number `json:"available"`
	Freeze      types.Number `json:"freeze"`
}
