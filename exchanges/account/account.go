// Package account defines unified account balance holdings
package account

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/currency"
)

var (
	// ErrBalanceNotFound returned when the account holds nothing of a currency
	ErrBalanceNotFound = errors.New("no balance found for currency")
	// ErrTotalMismatch returned when free plus used drifts from total
	ErrTotalMismatch = errors.New("balance total does not equal free plus used")
)

// balanceEpsilon tolerates venue rounding when checking free+used==total
const balanceEpsilon = 1e-8

// Balance is the unified amount breakdown for a single currency
type Balance struct {
	Currency currency.Code
	Free     float64
	Used     float64
	Total    float64
}

// Derive fills whichever of free, used and total the venue omitted
func (b *Balance) Derive() {
	switch {
	case b.Total == 0 && (b.Free != 0 || b.Used != 0):
		b.Total = b.Free + b.Used
	case b.Free == 0 && b.Total != 0:
		b.Free = b.Total - b.Used
	case b.Used == 0 && b.Total != 0 && b.Total != b.Free:
		b.Used = b.Total - b.Free
	}
}

// Validate asserts total equals free plus used within rounding tolerance
func (b *Balance) Validate() error {
	if math.Abs(b.Free+b.Used-b.Total) > balanceEpsilon {
		return fmt.Errorf("%w: %s free=%f used=%f total=%f",
			ErrTotalMismatch, b.Currency, b.Free, b.Used, b.Total)
	}
	return nil
}

// Holdings is a venue account snapshot across all currencies
type Holdings struct {
	Exchange  string
	Balances  map[currency.Code]Balance
	Timestamp time.Time
	Info      json.RawMessage
}

// NewHoldings returns an empty snapshot for a venue
func NewHoldings(exchange string) *Holdings {
	return &Holdings{Exchange: exchange, Balances: make(map[currency.Code]Balance)}
}

// Set derives and stores a balance, dropping entries with every field zero
func (h *Holdings) Set(b Balance) {
	b.Derive()
	if b.Total == 0 && b.Free == 0 && b.Used == 0 {
		return
	}
	if h.Balances == nil {
		h.Balances = make(map[currency.Code]Balance)
	}
	h.Balances[b.Currency] = b
}

// Balance returns the holdings for one currency
func (h *Holdings) Balance(c currency.Code) (Balance, error) {
	b, ok := h.Balances[c]
	if !ok {
		return Balance{}, ErrBalanceNotFound
	}
	return b, nil
}

// Currencies returns every held currency code, sorted
func (h *Holdings) Currencies() []currency.Code {
	out := make([]currency.Code, 0, len(h.Balances))
	for c := range h.Balances {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate checks every balance satisfies the total invariant
func (h *Holdings) Validate() error {
	for _, b := range h.Balances {
		if err := b.Validate(); err != nil {
			return err
		}
	}
	return nil
}
