// Package trade defines the unified public trade print
package trade

import (
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/currency"
	"github.com/calder-labs/unicex/exchanges/order"
)

// Data is a single public trade as reported by a venue
type Data struct {
	ID        string
	Exchange  string
	Pair      currency.Pair
	Side      order.Side
	Price     float64
	Amount    float64
	Cost      float64
	Timestamp time.Time
	Info      json.RawMessage
}

// DeriveCost fills the notional value when the venue omitted it
func (d *Data) DeriveCost() {
	if d.Cost == 0 {
		d.Cost = d.Price * d.Amount
	}
}

// SortByTimestamp sorts trades ascending by execution time
func SortByTimestamp(trades []Data) {
	sort.Slice(trades, func(i, j int) bool {
		return trades[i].Timestamp.Before(trades[j].Timestamp)
	})
}
