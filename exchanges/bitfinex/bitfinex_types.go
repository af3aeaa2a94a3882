package bitfinex

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/types"
)

// row eases positional decoding of the venue's mixed type arrays
type row []json.RawMessage

func (r row) number(i int) (float64, error) {
	var n types.Number
	if err := json.Unmarshal(r[i], &n); err != nil {
		return 0, fmt.Errorf("column %d: %w", i, err)
	}
	return n.Float64(), nil
}

func (r row) integer(i int) (int64, error) {
	var n types.Number
	if err := json.Unmarshal(r[i], &n); err != nil {
		return 0, fmt.Errorf("column %d: %w", i, err)
	}
	return n.Int64(), nil
}

func (r row) text(i int) (string, error) {
	if string(r[i]) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(r[i], &s); err != nil {
		return "", fmt.Errorf("column %d: %w", i, err)
	}
	return s, nil
}

// PairInfo is one conf catalogue entry of [symbol, details] where the details
// array carries the order size window at indexes 3 and 4. Symbols arrive
// without the t prefix trading requests carry.
type PairInfo struct {
	Symbol  string
	MinSize float64
	MaxSize float64
}

// UnmarshalJSON decodes the [symbol, details] pair entry
func (p *PairInfo) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 2 {
		return fmt.Errorf("pair entry has %d columns, need 2", len(cols))
	}
	var err error
	if p.Symbol, err = cols.text(0); err != nil {
		return fmt.Errorf("pair symbol: %w", err)
	}
	var details []types.Number
	if err := json.Unmarshal(cols[1], &details); err != nil {
		return fmt.Errorf("pair %s details: %w", p.Symbol, err)
	}
	if len(details) > 3 {
		p.MinSize = details[3].Float64()
	}
	if len(details) > 4 {
		p.MaxSize = details[4].Float64()
	}
	return nil
}

// Ticker is the single symbol ticker array of
// [bid, bidSize, ask, askSize, change, changePerc, last, volume, high, low]
type Ticker struct {
	Bid             float64
	BidSize         float64
	Ask             float64
	AskSize         float64
	DailyChange     float64
	DailyChangePerc float64
	Last            float64
	Volume          float64
	High            float64
	Low             float64
}

// UnmarshalJSON decodes the positional ticker array
func (t *Ticker) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	return t.fromColumns(cols)
}

func (t *Ticker) fromColumns(cols []types.Number) error {
	if len(cols) < 10 {
		return fmt.Errorf("ticker array has %d columns, need 10", len(cols))
	}
	t.Bid = cols[0].Float64()
	t.BidSize = cols[1].Float64()
	t.Ask = cols[2].Float64()
	t.AskSize = cols[3].Float64()
	t.DailyChange = cols[4].Float64()
	t.DailyChangePerc = cols[5].Float64()
	t.Last = cols[6].Float64()
	t.Volume = cols[7].Float64()
	t.High = cols[8].Float64()
	t.Low = cols[9].Float64()
	return nil
}

// TickerRow is one batch listing row of [symbol, ticker columns...]. Funding
// rows carry an f prefixed symbol and a different column layout, so decoding
// stops at the symbol for anything that is not a trading pair.
type TickerRow struct {
	Symbol string
	Ticker
}

// UnmarshalJSON decodes the leading symbol and, for trading pairs, the
// ticker columns that follow it
func (t *TickerRow) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) == 0 {
		return fmt.Errorf("ticker row is empty")
	}
	var err error
	if t.Symbol, err = cols.text(0); err != nil {
		return fmt.Errorf("ticker row symbol: %w", err)
	}
	if len(t.Symbol) == 0 || t.Symbol[0] != 't' || len(cols) < 11 {
		return nil
	}
	nums := make([]types.Number, 0, len(cols)-1)
	for _, c := range cols[1:] {
		var n types.Number
		if err := json.Unmarshal(c, &n); err != nil {
			return fmt.Errorf("ticker row %s: %w", t.Symbol, err)
		}
		nums = append(nums, n)
	}
	return t.fromColumns(nums)
}

// BookRow is one aggregated book level of [price, count, amount]. A zero
// count removes the level and the amount sign separates bids from asks.
type BookRow struct {
	Price  float64
	Count  int64
	Amount float64
}

// UnmarshalJSON decodes the positional book level
func (r *BookRow) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 3 {
		return fmt.Errorf("book level has %d columns, need 3", len(cols))
	}
	r.Price = cols[0].Float64()
	r.Count = cols[1].Int64()
	r.Amount = cols[2].Float64()
	return nil
}

// TradeRow is one public execution of [id, mts, amount, price] where the
// amount sign carries the taker side
type TradeRow struct {
	ID        int64
	Timestamp time.Time
	Amount    float64
	Price     float64
}

// UnmarshalJSON decodes the positional trade array
func (r *TradeRow) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 4 {
		return fmt.Errorf("trade row has %d columns, need 4", len(cols))
	}
	r.ID = cols[0].Int64()
	r.Timestamp = time.UnixMilli(cols[1].Int64())
	r.Amount = cols[2].Float64()
	r.Price = cols[3].Float64()
	return nil
}

// CandleRow is one kline of [mts, open, close, high, low, volume]. The venue
// interleaves close before high and low, so decoding reorders the columns
// into the canonical sequence.
type CandleRow struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// UnmarshalJSON decodes and reorders the positional candle array
func (r *CandleRow) UnmarshalJSON(data []byte) error {
	var cols []types.Number
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 6 {
		return fmt.Errorf("candle row has %d columns, need 6", len(cols))
	}
	r.Timestamp = time.UnixMilli(cols[0].Int64())
	r.Open = cols[1].Float64()
	r.Close = cols[2].Float64()
	r.High = cols[3].Float64()
	r.Low = cols[4].Float64()
	r.Volume = cols[5].Float64()
	return nil
}

// OrderRow is one order report. The venue serializes orders as a wide
// positional array shared by REST and the account stream; only the indexes
// the canonical model reads are decoded. Amounts are signed, negative for
// sells, and the amount column holds the remaining size.
type OrderRow struct {
	ID            int64
	ClientOrderID int64
	Symbol        string
	Created       time.Time
	Updated       time.Time
	Amount        float64
	AmountOrig    float64
	Type          string
	Flags         int64
	Status        string
	Price         float64
	PriceAvg      float64
}

// UnmarshalJSON decodes the positional order array
func (r *OrderRow) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 18 {
		return fmt.Errorf("order row has %d columns, need 18", len(cols))
	}
	var err error
	if r.ID, err = cols.integer(0); err != nil {
		return err
	}
	if r.ClientOrderID, err = cols.integer(2); err != nil {
		return err
	}
	if r.Symbol, err = cols.text(3); err != nil {
		return err
	}
	created, err := cols.integer(4)
	if err != nil {
		return err
	}
	r.Created = time.UnixMilli(created)
	updated, err := cols.integer(5)
	if err != nil {
		return err
	}
	r.Updated = time.UnixMilli(updated)
	if r.Amount, err = cols.number(6); err != nil {
		return err
	}
	if r.AmountOrig, err = cols.number(7); err != nil {
		return err
	}
	if r.Type, err = cols.text(8); err != nil {
		return err
	}
	if r.Flags, err = cols.integer(12); err != nil {
		return err
	}
	if r.Status, err = cols.text(13); err != nil {
		return err
	}
	if r.Price, err = cols.number(16); err != nil {
		return err
	}
	if r.PriceAvg, err = cols.number(17); err != nil {
		return err
	}
	return nil
}

// Notification is the venue's write acknowledgement envelope of
// [mts, type, messageID, null, payload, code, status, text]. The payload
// nests the affected order rows.
type Notification struct {
	Timestamp time.Time
	Type      string
	Payload   json.RawMessage
	Code      int64
	Status    string
	Text      string
}

// UnmarshalJSON decodes the positional notification envelope
func (n *Notification) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 8 {
		return fmt.Errorf("notification has %d columns, need 8", len(cols))
	}
	ms, err := cols.integer(0)
	if err != nil {
		return err
	}
	n.Timestamp = time.UnixMilli(ms)
	if n.Type, err = cols.text(1); err != nil {
		return err
	}
	n.Payload = cols[4]
	if n.Code, err = cols.integer(5); err != nil {
		return err
	}
	if n.Status, err = cols.text(6); err != nil {
		return err
	}
	if n.Text, err = cols.text(7); err != nil {
		return err
	}
	return nil
}

// Order extracts the single order row carried by an update or cancel
// acknowledgement
func (n *Notification) Order() (*OrderRow, error) {
	var r OrderRow
	if err := json.Unmarshal(n.Payload, &r); err != nil {
		return nil, fmt.Errorf("notification order payload: %w", err)
	}
	return &r, nil
}

// Orders extracts the order rows nested by a submit or multi cancel
// acknowledgement
func (n *Notification) Orders() ([]OrderRow, error) {
	var rs []OrderRow
	if err := json.Unmarshal(n.Payload, &rs); err != nil {
		return nil, fmt.Errorf("notification orders payload: %w", err)
	}
	return rs, nil
}

// WalletRow is one wallet snapshot row of
// [walletType, currency, balance, unsettledInterest, availableBalance, ...].
// The account stream reuses the shape but may leave the available balance
// null until the venue computes it; the full balance reports free then.
type WalletRow struct {
	Type      string
	Currency  string
	Balance   float64
	Available float64
}

// UnmarshalJSON decodes the positional wallet row
func (w *WalletRow) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 5 {
		return fmt.Errorf("wallet row has %d columns, need 5", len(cols))
	}
	var err error
	if w.Type, err = cols.text(0); err != nil {
		return err
	}
	if w.Currency, err = cols.text(1); err != nil {
		return err
	}
	if w.Balance, err = cols.number(2); err != nil {
		return err
	}
	if string(cols[4]) == "null" {
		w.Available = w.Balance
		return nil
	}
	if w.Available, err = cols.number(4); err != nil {
		return err
	}
	return nil
}

// MyTradeRow is one private execution of [id, symbol, mts, orderID,
// execAmount, execPrice, orderType, orderPrice, maker, fee, feeCurrency].
// The amount sign carries the side and fees arrive negative for charges.
type MyTradeRow struct {
	ID          int64
	Symbol      string
	Timestamp   time.Time
	OrderID     int64
	ExecAmount  float64
	ExecPrice   float64
	OrderType   string
	OrderPrice  float64
	Maker       int64
	Fee         float64
	FeeCurrency string
}

// UnmarshalJSON decodes the positional execution row
func (r *MyTradeRow) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 11 {
		return fmt.Errorf("execution row has %d columns, need 11", len(cols))
	}
	var err error
	if r.ID, err = cols.integer(0); err != nil {
		return err
	}
	if r.Symbol, err = cols.text(1); err != nil {
		return err
	}
	ms, err := cols.integer(2)
	if err != nil {
		return err
	}
	r.Timestamp = time.UnixMilli(ms)
	if r.OrderID, err = cols.integer(3); err != nil {
		return err
	}
	if r.ExecAmount, err = cols.number(4); err != nil {
		return err
	}
	if r.ExecPrice, err = cols.number(5); err != nil {
		return err
	}
	if r.OrderType, err = cols.text(6); err != nil {
		return err
	}
	if r.OrderPrice, err = cols.number(7); err != nil {
		return err
	}
	if r.Maker, err = cols.integer(8); err != nil {
		return err
	}
	if r.Fee, err = cols.number(9); err != nil {
		return err
	}
	if r.FeeCurrency, err = cols.text(10); err != nil {
		return err
	}
	return nil
}

// AccountSummary carries the account's fee schedule. The summary payload is
// a wide positional array with the fee matrix at index 4 as
// [[maker, ...], [taker, ...]].
type AccountSummary struct {
	MakerFee float64
	TakerFee float64
}

// UnmarshalJSON extracts the fee matrix from the summary array
func (s *AccountSummary) UnmarshalJSON(data []byte) error {
	var cols row
	if err := json.Unmarshal(data, &cols); err != nil {
		return err
	}
	if len(cols) < 5 {
		return fmt.Errorf("summary has %d columns, need 5", len(cols))
	}
	var fees [][]types.Number
	if err := json.Unmarshal(cols[4], &fees); err != nil {
		return fmt.Errorf("summary fee matrix: %w", err)
	}
	if len(fees) < 2 || len(fees[0]) == 0 || len(fees[1]) == 0 {
		return fmt.Errorf("summary fee matrix is short")
	}
	s.MakerFee = fees[0][0].Float64()
	s.TakerFee = fees[1][0].Float64()
	return nil
}

// OrderRequest is the order submit body. The amount is signed, negative for
// sells, and flags carries the post only bit.
type OrderRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
	Price  string `json:"price,omitempty"`
	Amount string `json:"amount"`
	Flags  int64  `json:"flags,omitempty"`
	CID    int64  `json:"cid,omitempty"`
}

// OrderUpdateRequest is the amend body. Omitted fields leave the resting
// order's values in place.
type OrderUpdateRequest struct {
	ID     int64  `json:"id"`
	Price  string `json:"price,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// OrderCancelRequest is the single order cancel body
type OrderCancelRequest struct {
	ID int64 `json:"id"`
}

// OrderMultiCancelRequest cancels the listed orders, or with All set every
// open order
type OrderMultiCancelRequest struct {
	ID  []int64 `json:"id,omitempty"`
	All int     `json:"all,omitempty"`
}

// HistoryRequest bounds an order or execution listing. The venue takes
// paging and id filters in the POST body on private routes.
type HistoryRequest struct {
	ID    []int64 `json:"id,omitempty"`
	Start int64   `json:"start,omitempty"`
	End   int64   `json:"end,omitempty"`
	Limit int     `json:"limit,omitempty"`
}

// wsRequest is an outbound event frame. Subscribe requests name a channel
// with its qualifiers, unsubscribe requests reference the bound channel id.
type wsRequest struct {
	Event     string `json:"event"`
	Channel   string `json:"channel,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
	Key       string `json:"key,omitempty"`
	Precision string `json:"prec,omitempty"`
	Length    string `json:"len,omitempty"`
	ChanID    int64  `json:"chanId,omitempty"`
	CID       int64  `json:"cid,omitempty"`
}

// wsAuthRequest performs the private stream login. The signature seals
// AUTH concatenated with the nonce.
type wsAuthRequest struct {
	Event       string `json:"event"`
	APIKey      string `json:"apiKey"`
	AuthSig     string `json:"authSig"`
	AuthPayload string `json:"authPayload"`
	AuthNonce   string `json:"authNonce"`
}

// wsEvent is an inbound JSON object frame. Everything else on the stream
// arrives as a channel array.
type wsEvent struct {
	Event   string `json:"event"`
	Channel string `json:"channel"`
	ChanID  int64  `json:"chanId"`
	Symbol  string `json:"symbol"`
	Key     string `json:"key"`
	Status  string `json:"status"`
	Code    int64  `json:"code"`
	Msg     string `json:"msg"`
	Version int64  `json:"version"`
}
