package stream

import (
	"errors"
	"sync"
)

var errSignatureCollision = errors.New("signature collision")

// NewMatch returns a new Match
func NewMatch() *Match {
	return &Match{m: make(map[any]chan []byte)}
}

// Match handles the matching of requests and responses in a timely manner,
// reducing the need to differentiate between connections. Stream systems fan
// in all incoming payloads to one routine for processing.
type Match struct {
	m  map[any]chan []byte
	mu sync.Mutex
}

// Matcher defines a payload matching return mechanism
type Matcher struct {
	C   chan []byte
	sig any
	m   *Match
}

// Incoming matches with request, disregarding the returned payload
func (m *Match) Incoming(signature any) bool {
	return m.IncomingWithData(signature, nil)
}

// IncomingWithData matches requests and passes along the payload. Returns
// true if a handler was found and had buffer space remaining.
func (m *Match) IncomingWithData(signature any, data []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.m[signature]
	if !ok {
		return false
	}
	select {
	case ch <- data:
		return true
	default:
		return false
	}
}

// Set the signature response channel for incoming data
func (m *Match) Set(signature any, bufSize int) (Matcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.m[signature]; ok {
		return Matcher{}, errSignatureCollision
	}
	// Buffered so the stream processing routine never waits on the receiver
	ch := make(chan []byte, bufSize)
	m.m[signature] = ch
	return Matcher{C: ch, sig: signature, m: m}, nil
}

// Cleanup closes the underlying channel and deletes the signature from the map
func (m *Matcher) Cleanup() {
	m.m.mu.Lock()
	close(m.C)
	delete(m.m.m, m.sig)
	m.m.mu.Unlock()
}
