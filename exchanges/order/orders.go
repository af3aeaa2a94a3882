// Package order defines the unified order lifecycle model: submission
// requests, normalized order state and private fills
package order

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid"
	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/currency"
)

// var error definitions
var (
	ErrSubmissionIsNil            = errors.New("order submission is nil")
	ErrPairIsEmpty                = errors.New("order pair is empty")
	ErrSideIsInvalid              = errors.New("order side is invalid")
	ErrTypeIsInvalid              = errors.New("order type is invalid")
	ErrAmountIsInvalid            = errors.New("order amount is invalid")
	ErrPriceMustBeSetIfLimitOrder = errors.New("order price must be set if limit order")
	ErrTriggerPriceNotSet         = errors.New("order trigger price must be set for stop orders")
	ErrOrderIDNotSet              = errors.New("order id or client order id must be set")
	ErrStatusIsInvalid            = errors.New("order status is invalid")
	ErrTimeInForceIsInvalid       = errors.New("order time in force is invalid")
)

// Side is the unified BUY or SELL designation
type Side string

// Order sides
const (
	UnknownSide Side = ""
	Buy         Side = "BUY"
	Sell        Side = "SELL"
)

// Type is the unified execution style of an order. Venues support subsets.
type Type string

// Order types
const (
	UnknownType  Type = ""
	Limit        Type = "LIMIT"
	Market       Type = "MARKET"
	Stop         Type = "STOP"
	StopLimit    Type = "STOP_LIMIT"
	TrailingStop Type = "TRAILING_STOP"
	FOK          Type = "FOK"
	IOC          Type = "IOC"
	LimitMaker   Type = "LIMIT_MAKER"
)

// Status is the unified lifecycle state of an order
type Status string

// Order statuses
const (
	UnknownStatus   Status = ""
	New             Status = "NEW"
	PartiallyFilled Status = "PARTIALLY_FILLED"
	Filled          Status = "FILLED"
	Cancelled       Status = "CANCELED"
	Rejected        Status = "REJECTED"
	Expired         Status = "EXPIRED"
)

// TimeInForce constrains how long an order rests on the book
type TimeInForce string

// Time in force values
const (
	UnknownTIF        TimeInForce = ""
	GoodTillCancel    TimeInForce = "GTC"
	ImmediateOrCancel TimeInForce = "IOC"
	FillOrKill        TimeInForce = "FOK"
	PostOnly          TimeInForce = "PO"
)

// Fee describes the charge taken by the venue for an order or fill
type Fee struct {
	Cost     float64
	Currency currency.Code
}

// Submit contains everything needed to place an order on a venue. Params
// passes venue specific fields through untouched.
type Submit struct {
	Pair          currency.Pair
	Type          Type
	Side          Side
	Amount        float64
	Price         float64
	TriggerPrice  float64
	ClientOrderID string
	TimeInForce   TimeInForce
	Params        map[string]any
}

// Detail holds the normalized state of an order as last reported by the
// venue. Info retains the raw venue payload.
type Detail struct {
	Exchange      string
	OrderID       string
	ClientOrderID string
	Pair          currency.Pair
	Type          Type
	Side          Side
	Status        Status
	Price         float64
	Average       float64
	Amount        float64
	Filled        float64
	Remaining     float64
	Cost          float64
	TimeInForce   TimeInForce
	Fee           Fee
	Timestamp     time.Time
	LastUpdated   time.Time
	Trades        []Fill
	Info          json.RawMessage
}

// Fill is a private execution against one of the account's orders
type Fill struct {
	ID        string
	OrderID   string
	Exchange  string
	Pair      currency.Pair
	Side      Side
	Price     float64
	Amount    float64
	Cost      float64
	Fee       Fee
	IsMaker   bool
	Timestamp time.Time
	Info      json.RawMessage
}

// Validate checks the supplied data and returns whether or not it's valid
func (s *Submit) Validate() error {
	if s == nil {
		return ErrSubmissionIsNil
	}
	if s.Pair.IsEmpty() {
		return ErrPairIsEmpty
	}
	if s.Side != Buy && s.Side != Sell {
		return fmt.Errorf("%w: %q", ErrSideIsInvalid, s.Side)
	}
	switch s.Type {
	case Limit, Market, Stop, StopLimit, TrailingStop, FOK, IOC, LimitMaker:
	default:
		return fmt.Errorf("%w: %q", ErrTypeIsInvalid, s.Type)
	}
	if s.Amount <= 0 {
		return fmt.Errorf("%w: %f", ErrAmountIsInvalid, s.Amount)
	}
	if s.RequiresPrice() && s.Price <= 0 {
		return ErrPriceMustBeSetIfLimitOrder
	}
	if s.RequiresTriggerPrice() && s.TriggerPrice <= 0 {
		return ErrTriggerPriceNotSet
	}
	return nil
}

// RequiresPrice reports whether the order type rests on the book at a price
func (s *Submit) RequiresPrice() bool {
	switch s.Type {
	case Limit, StopLimit, FOK, IOC, LimitMaker:
		return true
	default:
		return false
	}
}

// RequiresTriggerPrice reports whether the order type arms at a trigger
func (s *Submit) RequiresTriggerPrice() bool {
	switch s.Type {
	case Stop, StopLimit, TrailingStop:
		return true
	default:
		return false
	}
}

// Normalize derives the fields venues omit. Remaining always follows amount
// minus filled, average and cost derive from each other when one is present.
func (d *Detail) Normalize() {
	if d.Amount > 0 {
		d.Remaining = d.Amount - d.Filled
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	}
	if d.Average == 0 && d.Filled > 0 && d.Cost > 0 {
		d.Average = d.Cost / d.Filled
	}
	if d.Cost == 0 && d.Filled > 0 {
		switch {
		case d.Average > 0:
			d.Cost = d.Average * d.Filled
		case d.Price > 0:
			d.Cost = d.Price * d.Filled
		}
	}
	if d.Status == UnknownStatus {
		switch {
		case d.Filled > 0 && d.Remaining == 0 && d.Amount > 0:
			d.Status = Filled
		case d.Filled > 0:
			d.Status = PartiallyFilled
		}
	}
}

var statusRank = map[Status]int{
	New:             1,
	PartiallyFilled: 2,
	Filled:          3,
	Cancelled:       3,
	Rejected:        3,
	Expired:         3,
}

// IsTerminal reports whether the order can no longer change state
func (s Status) IsTerminal() bool {
	return statusRank[s] == 3
}

// Supersedes reports whether moving from prev to s keeps the lifecycle
// monotonic
func (s Status) Supersedes(prev Status) bool {
	return statusRank[s] >= statusRank[prev]
}

// String implements the stringer interface
func (s Side) String() string {
	return string(s)
}

// Lower returns the side lower case string
func (s Side) Lower() string {
	return strings.ToLower(string(s))
}

// String implements the stringer interface
func (t Type) String() string {
	return string(t)
}

// Lower returns the type lower case string
func (t Type) Lower() string {
	return strings.ToLower(string(t))
}

// String implements the stringer interface
func (s Status) String() string {
	return string(s)
}

// String implements the stringer interface
func (t TimeInForce) String() string {
	return string(t)
}

// StringToOrderSide for converting case insensitive order side
// and returning a real Side
func StringToOrderSide(side string) (Side, error) {
	switch strings.ToUpper(side) {
	case "BUY", "BID", "B":
		return Buy, nil
	case "SELL", "ASK", "S":
		return Sell, nil
	default:
		return UnknownSide, fmt.Errorf("%w: %q", ErrSideIsInvalid, side)
	}
}

// StringToOrderType for converting case insensitive order type
// and returning a real Type
func StringToOrderType(oType string) (Type, error) {
	switch normalizeEnum(oType) {
	case "LIMIT":
		return Limit, nil
	case "MARKET":
		return Market, nil
	case "STOP", "STOP_LOSS", "STOP_MARKET", "CONDITIONAL":
		return Stop, nil
	case "STOP_LIMIT", "STOP_LOSS_LIMIT", "TAKE_PROFIT_LIMIT":
		return StopLimit, nil
	case "TRAILING_STOP", "TRAILING_STOP_MARKET", "MOVE_ORDER_STOP":
		return TrailingStop, nil
	case "FOK", "FILL_OR_KILL":
		return FOK, nil
	case "IOC", "IMMEDIATE_OR_CANCEL":
		return IOC, nil
	case "LIMIT_MAKER", "POST_ONLY", "EXCHANGE_LIMIT_MAKER":
		return LimitMaker, nil
	default:
		return UnknownType, fmt.Errorf("%w: %q", ErrTypeIsInvalid, oType)
	}
}

// StringToOrderStatus for converting case insensitive order status
// and returning a real Status
func StringToOrderStatus(status string) (Status, error) {
	switch normalizeEnum(status) {
	case "NEW", "OPEN", "LIVE", "ACTIVE", "SUBMITTED", "ACCEPTED", "CREATED", "UNTRIGGERED", "PLACED":
		return New, nil
	case "PARTIALLY_FILLED", "PARTIALLYFILLED", "PARTIAL_FILLED", "PARTIAL_FILL", "PARTIALLY_EXECUTED":
		return PartiallyFilled, nil
	case "FILLED", "FULLY_FILLED", "FULL_FILL", "CLOSED", "EXECUTED", "FULLY_EXECUTED":
		return Filled, nil
	case "CANCELED", "CANCELLED", "PARTIALLYFILLEDCANCELED", "PARTIALLY_CANCELED", "CANCELED_BY_USER":
		return Cancelled, nil
	case "REJECTED", "FAILED", "FAILING":
		return Rejected, nil
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return Expired, nil
	default:
		return UnknownStatus, fmt.Errorf("%w: %q", ErrStatusIsInvalid, status)
	}
}

// StringToTimeInForce converts a venue time in force spelling into the
// unified value
func StringToTimeInForce(tif string) (TimeInForce, error) {
	switch normalizeEnum(tif) {
	case "GTC", "GOOD_TILL_CANCEL", "GOOD_TILL_CANCELLED", "GOOD_TIL_CANCELLED":
		return GoodTillCancel, nil
	case "IOC", "IMMEDIATE_OR_CANCEL":
		return ImmediateOrCancel, nil
	case "FOK", "FILL_OR_KILL":
		return FillOrKill, nil
	case "PO", "POC", "POST_ONLY", "PENDING_OR_CANCEL":
		return PostOnly, nil
	default:
		return UnknownTIF, fmt.Errorf("%w: %q", ErrTimeInForceIsInvalid, tif)
	}
}

// normalizeEnum folds venue enum spellings onto upper snake case
func normalizeEnum(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	s = strings.ReplaceAll(s, "-", "_")
	return strings.ReplaceAll(s, " ", "_")
}

// GenerateClientOrderID returns a fresh client order id with the supplied
// prefix. Venues commonly cap client ids at 32 characters so the id is
// truncated to fit.
func GenerateClientOrderID(prefix string) (string, error) {
	u, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	id := prefix + strings.ReplaceAll(u.String(), "-", "")
	if len(id) > 32 {
		id = id[:32]
	}
	return id, nil
}
