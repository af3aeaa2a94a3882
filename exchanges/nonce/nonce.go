// Package nonce provides strictly increasing nonce values for venues whose
// signing schemes require them.
package nonce

import (
	"strconv"
	"sync"
	"time"
)

// Nonce issues strictly increasing values. The first call seeds from the
// wall clock at the requested resolution; later calls increment, so values
// stay monotonic even when requested faster than the clock ticks.
type Nonce struct {
	n  int64
	mu sync.Mutex
}

// Value is a single issued nonce
type Value int64

// String implements fmt.Stringer
func (v Value) String() string {
	return strconv.FormatInt(int64(v), 10)
}

// GetInc returns the next nonce, seeding from seed on first use
func (n *Nonce) GetInc(seed func() int64) Value {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.n == 0 {
		n.n = seed()
		return Value(n.n)
	}
	n.n++
	return Value(n.n)
}

// Set overrides the current value. A venue rejecting a nonce as stale can
// fast-forward past the rejected value.
func (n *Nonce) Set(val int64) {
	n.mu.Lock()
	n.n = val
	n.mu.Unlock()
}

// Get returns the current value without advancing it
func (n *Nonce) Get() Value {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Value(n.n)
}

// Unix seeds a nonce from the wall clock in seconds
func Unix() int64 { return time.Now().Unix() }

// UnixNano seeds a nonce from the wall clock in nanoseconds
func UnixNano() int64 { return time.Now().UnixNano() }

// UnixMilli seeds a nonce from the wall clock in milliseconds
func UnixMilli() int64 { return time.Now().UnixMilli() }
