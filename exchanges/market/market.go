// Package market defines the canonical instrument representation shared by
// every venue adapter together with the per-adapter market cache
package market

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/calder-labs/unicex/currency"
)

var (
	// ErrMarketsNotLoaded returned when the cache is queried before a load
	ErrMarketsNotLoaded = errors.New("markets not loaded")
	// ErrMarketNotFound returned when a symbol or venue id has no market
	ErrMarketNotFound = errors.New("market not found")
	// ErrInvalidMarket returned when a venue listing cannot be normalized
	ErrInvalidMarket = errors.New("invalid market")
	// ErrDuplicateSymbol returned when two listings map to one canonical symbol
	ErrDuplicateSymbol = errors.New("duplicate canonical symbol")
)

// Limits holds the venue order placement boundaries for a market
type Limits struct {
	MinAmount float64
	MaxAmount float64
	MinPrice  float64
	MaxPrice  float64
	MinCost   float64
}

// Market identifies a tradable pair on a venue. ID carries the venue-native
// instrument name while Pair is the canonical base/quote representation.
type Market struct {
	ID              string
	Pair            currency.Pair
	Active          bool
	PricePrecision  int
	AmountPrecision int
	TickSize        float64
	StepSize        float64
	Limits          Limits
	Info            json.RawMessage
}

// Symbol returns the canonical "BASE/QUOTE" symbol for the market
func (m *Market) Symbol() string {
	return m.Pair.Format("/", true)
}

// Validate checks a normalized listing is usable before it enters the cache
func (m *Market) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil market", ErrInvalidMarket)
	}
	if m.ID == "" {
		return fmt.Errorf("%w: empty venue id", ErrInvalidMarket)
	}
	if m.Pair.IsEmpty() {
		return fmt.Errorf("%w: %s %v", ErrInvalidMarket, m.ID, currency.ErrCurrencyPairEmpty)
	}
	return nil
}

// RoundAmount truncates an order amount down to the market step size, or to
// the amount precision when no step size is listed. Truncation keeps the
// result spendable with the balance the caller checked against.
func (m *Market) RoundAmount(amount float64) float64 {
	d := decimal.NewFromFloat(amount)
	if m.StepSize > 0 {
		step := decimal.NewFromFloat(m.StepSize)
		return d.Div(step).Floor().Mul(step).InexactFloat64()
	}
	return d.RoundFloor(int32(m.AmountPrecision)).InexactFloat64() //nolint:gosec // precision is a small decimal count
}

// RoundPrice rounds a price to the nearest tick, or to the price precision
// when no tick size is listed
func (m *Market) RoundPrice(price float64) float64 {
	d := decimal.NewFromFloat(price)
	if m.TickSize > 0 {
		tick := decimal.NewFromFloat(m.TickSize)
		return d.Div(tick).Round(0).Mul(tick).InexactFloat64()
	}
	return d.Round(int32(m.PricePrecision)).InexactFloat64() //nolint:gosec // precision is a small decimal count
}

// Store is the lazily populated market cache an adapter owns. Both lookup
// maps reference the same Market instance for a listing.
type Store struct {
	mu       sync.RWMutex
	bySymbol map[string]*Market
	byID     map[string]*Market
}

// NewStore returns an empty market cache
func NewStore() *Store {
	return &Store{
		bySymbol: make(map[string]*Market),
		byID:     make(map[string]*Market),
	}
}

// Load replaces the cache contents with the supplied listings after
// validating each one. Canonical symbols must be unique within the venue.
func (s *Store) Load(markets []*Market) error {
	bySymbol := make(map[string]*Market, len(markets))
	byID := make(map[string]*Market, len(markets))
	for _, m := range markets {
		if err := m.Validate(); err != nil {
			return err
		}
		sym := m.Symbol()
		if _, ok := bySymbol[sym]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateSymbol, sym)
		}
		bySymbol[sym] = m
		byID[m.ID] = m
	}
	s.mu.Lock()
	s.bySymbol = bySymbol
	s.byID = byID
	s.mu.Unlock()
	return nil
}

// Loaded reports whether the cache holds at least one market
func (s *Store) Loaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySymbol) > 0
}

// Len returns the number of cached markets
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySymbol)
}

// BySymbol returns the market for a canonical "BASE/QUOTE" symbol
func (s *Store) BySymbol(symbol string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bySymbol) == 0 {
		return nil, ErrMarketsNotLoaded
	}
	m, ok := s.bySymbol[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, symbol)
	}
	return m, nil
}

// ByID returns the market for a venue-native instrument id
func (s *Store) ByID(id string) (*Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.byID) == 0 {
		return nil, ErrMarketsNotLoaded
	}
	m, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMarketNotFound, id)
	}
	return m, nil
}

// Symbols returns every canonical symbol in the cache, sorted
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.bySymbol))
	for sym := range s.bySymbol {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// List returns every cached market ordered by canonical symbol
func (s *Store) List() []*Market {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Market, 0, len(s.bySymbol))
	for _, m := range s.bySymbol {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol() < out[j].Symbol() })
	return out
}
