// Package orderbook defines the unified order book snapshot and the delta
// carrier streamed by venue adapters
package orderbook

import (
	"errors"
	"fmt"
	"sort"
	"time"

	json "github.com/goccy/go-json"

	"github.com/calder-labs/unicex/currency"
)

var (
	// ErrEmptyBook returned when a book carries no levels at all
	ErrEmptyBook = errors.New("order book has no levels")
	// ErrInvalidAmount returned when a snapshot level has a non-positive amount
	ErrInvalidAmount = errors.New("order book level amount invalid")
	// ErrOutOfOrder returned when levels break strict price ordering
	ErrOutOfOrder = errors.New("order book levels out of order")
	// ErrCrossedBook returned when the best bid meets or exceeds the best ask
	ErrCrossedBook = errors.New("order book is crossed")
)

// Tranche defines a segmented portion of an order book
type Tranche struct {
	Price  float64
	Amount float64
}

// Tranches is a price ordered collection of book levels
type Tranches []Tranche

// UpdateType discriminates full snapshots from incremental deltas
type UpdateType uint8

// Update classifications
const (
	Snapshot UpdateType = iota
	Delta
)

// Book is the unified order book snapshot. Bids sort descending and asks
// ascending so index zero is always the touch.
type Book struct {
	Exchange     string
	Pair         currency.Pair
	Bids         Tranches
	Asks         Tranches
	LastUpdateID int64
	Timestamp    time.Time
	Info         json.RawMessage
}

// Update is an incremental book change streamed over a websocket. A zero
// amount inside a delta removes the price level. FirstUpdateID and
// LastUpdateID carry the venue sequence bounds so the caller can reconcile
// against a snapshot.
type Update struct {
	Type          UpdateType
	Pair          currency.Pair
	Bids          Tranches
	Asks          Tranches
	FirstUpdateID int64
	LastUpdateID  int64
	Timestamp     time.Time
}

// SortBids sorts bids descending by price
func SortBids(t Tranches) {
	sort.Slice(t, func(i, j int) bool { return t[i].Price > t[j].Price })
}

// SortAsks sorts asks ascending by price
func SortAsks(t Tranches) {
	sort.Slice(t, func(i, j int) bool { return t[i].Price < t[j].Price })
}

// Validate checks snapshot integrity. Every level must hold a positive
// amount, bids must strictly descend, asks strictly ascend and the book must
// not be crossed.
func (b *Book) Validate() error {
	if len(b.Bids) == 0 && len(b.Asks) == 0 {
		return fmt.Errorf("%w: %s %s", ErrEmptyBook, b.Exchange, b.Pair)
	}
	for i := range b.Bids {
		if b.Bids[i].Amount <= 0 {
			return fmt.Errorf("%w: bid %f at %f", ErrInvalidAmount, b.Bids[i].Amount, b.Bids[i].Price)
		}
		if i != 0 && b.Bids[i-1].Price <= b.Bids[i].Price {
			return fmt.Errorf("%w: bid %f then %f", ErrOutOfOrder, b.Bids[i-1].Price, b.Bids[i].Price)
		}
	}
	for i := range b.Asks {
		if b.Asks[i].Amount <= 0 {
			return fmt.Errorf("%w: ask %f at %f", ErrInvalidAmount, b.Asks[i].Amount, b.Asks[i].Price)
		}
		if i != 0 && b.Asks[i-1].Price >= b.Asks[i].Price {
			return fmt.Errorf("%w: ask %f then %f", ErrOutOfOrder, b.Asks[i-1].Price, b.Asks[i].Price)
		}
	}
	if len(b.Bids) > 0 && len(b.Asks) > 0 && b.Bids[0].Price >= b.Asks[0].Price {
		return fmt.Errorf("%w: bid %f ask %f", ErrCrossedBook, b.Bids[0].Price, b.Asks[0].Price)
	}
	return nil
}

// Spread returns the distance between the touch prices
func (b *Book) Spread() (float64, error) {
	if len(b.Bids) == 0 || len(b.Asks) == 0 {
		return 0, fmt.Errorf("%w: %s %s", ErrEmptyBook, b.Exchange, b.Pair)
	}
	return b.Asks[0].Price - b.Bids[0].Price, nil
}

// Truncate limits the book to the top n levels a side, zero keeps everything
func (b *Book) Truncate(n int) {
	if n <= 0 {
		return
	}
	if len(b.Bids) > n {
		b.Bids = b.Bids[:n]
	}
	if len(b.Asks) > n {
		b.Asks = b.Asks[:n]
	}
}
