// Package subscription holds the streaming topic registry shared by venue
// websocket implementations
package subscription

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/calder-labs/unicex/currency"
	"github.com/calder-labs/unicex/exchanges/kline"
)

// State constants
const (
	InactiveState State = iota
	SubscribingState
	SubscribedState
	ResubscribingState
	UnsubscribingState
	UnsubscribedState
)

// Channel constants
const (
	TickerChannel    = "ticker"
	OrderbookChannel = "orderbook"
	CandlesChannel   = "candles"
	AllTradesChannel = "allTrades"
	MyTradesChannel  = "myTrades"
	MyOrdersChannel  = "myOrders"
	BalancesChannel  = "balances"
)

// Public errors
var (
	ErrNotFound       = errors.New("subscription not found")
	ErrInStateAlready = errors.New("subscription already in state")
	ErrInvalidState   = errors.New("invalid subscription state")
	ErrDuplicate      = errors.New("duplicate subscription")
)

// State tracks the status of a subscription channel
type State uint8

// Subscription container for streaming subscriptions
type Subscription struct {
	Key           any             `json:"-"`
	Channel       string          `json:"channel,omitempty"`
	Pairs         currency.Pairs  `json:"pairs,omitempty"`
	Params        map[string]any  `json:"params,omitempty"`
	Interval      kline.Interval  `json:"interval,omitempty"`
	Levels        int             `json:"levels,omitempty"`
	Authenticated bool            `json:"authenticated,omitempty"`
	state         State
	m             sync.RWMutex
}

// DefaultKey is the fallback comparable identity for a subscription when the
// venue does not assign its own key
type DefaultKey struct {
	Channel  string
	Pairs    string
	Interval kline.Interval
	Levels   int
}

// String implements the Stringer interface for Subscription, giving a human
// representation of the subscription
func (s *Subscription) String() string {
	parts := []string{s.Channel}
	if len(s.Pairs) > 0 {
		parts = append(parts, s.Pairs.Join())
	}
	if s.Interval != 0 {
		parts = append(parts, s.Interval.String())
	}
	if s.Levels != 0 {
		parts = append(parts, strconv.Itoa(s.Levels))
	}
	return strings.Join(parts, " ")
}

// State returns the subscription state
func (s *Subscription) State() State {
	s.m.RLock()
	defer s.m.RUnlock()
	return s.state
}

// SetState sets the subscription state
// Errors if already in that state or the new state is not valid
func (s *Subscription) SetState(state State) error {
	s.m.Lock()
	defer s.m.Unlock()
	if state == s.state {
		return fmt.Errorf("%w: %d", ErrInStateAlready, state)
	}
	if state > UnsubscribedState {
		return fmt.Errorf("%w: %d", ErrInvalidState, state)
	}
	s.state = state
	return nil
}

// EnsureKeyed sets and returns the subscription key, deriving a DefaultKey
// from the defining fields when the venue has not assigned one
func (s *Subscription) EnsureKeyed() any {
	s.m.Lock()
	defer s.m.Unlock()
	if s.Key == nil {
		s.Key = DefaultKey{
			Channel:  s.Channel,
			Pairs:    s.Pairs.Join(),
			Interval: s.Interval,
			Levels:   s.Levels,
		}
	}
	return s.Key
}

// SetKey does what it says on the tin safely for concurrency
func (s *Subscription) SetKey(key any) {
	s.m.Lock()
	defer s.m.Unlock()
	s.Key = key
}

// Clone returns a copy of a subscription
// Key is set to nil, because any original key is meaningless on a clone
func (s *Subscription) Clone() *Subscription {
	s.m.RLock()
	n := &Subscription{
		Channel:       s.Channel,
		Pairs:         append(currency.Pairs(nil), s.Pairs...),
		Interval:      s.Interval,
		Levels:        s.Levels,
		Authenticated: s.Authenticated,
		state:         s.state,
	}
	if s.Params != nil {
		n.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			n.Params[k] = v
		}
	}
	s.m.RUnlock()
	return n
}

// AddPairs appends pairs not already covered by the subscription
func (s *Subscription) AddPairs(pairs ...currency.Pair) {
	s.m.Lock()
	for _, p := range pairs {
		s.Pairs = s.Pairs.Add(p)
	}
	s.m.Unlock()
}

// List is a container of subscription pointers
type List []*Subscription

// Strings returns a sorted slice of subscription descriptions
func (l List) Strings() []string {
	s := make([]string, len(l))
	for i := range l {
		s[i] = l[i].String()
	}
	slices.Sort(s)
	return s
}

// Channel returns the subset of the list using the named channel
func (l List) Channel(name string) List {
	var out List
	for _, s := range l {
		if s.Channel == name {
			out = append(out, s)
		}
	}
	return out
}

// Authenticated returns the subset of the list requiring private streams
func (l List) Authenticated() List {
	var out List
	for _, s := range l {
		if s.Authenticated {
			out = append(out, s)
		}
	}
	return out
}
