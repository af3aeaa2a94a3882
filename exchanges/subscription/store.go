package subscription

import (
	"errors"
	"fmt"
	"sync"
)

var errSubscriptionIsNil = errors.New("subscription is nil")

// Store is a concurrency safe collection of subscriptions keyed by identity
type Store struct {
	m  map[any]*Subscription
	mu sync.RWMutex
}

// NewStore returns an empty subscription store
func NewStore() *Store {
	return &Store{m: make(map[any]*Subscription)}
}

// Add keys and stores a subscription, rejecting duplicates
func (s *Store) Add(sub *Subscription) error {
	if sub == nil {
		return errSubscriptionIsNil
	}
	key := sub.EnsureKeyed()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, sub)
	}
	s.m[key] = sub
	return nil
}

// Get returns the subscription under a key, or nil when absent. A
// *Subscription may be passed as the key to look up its stored counterpart.
func (s *Store) Get(key any) *Subscription {
	if sub, ok := key.(*Subscription); ok {
		key = sub.EnsureKeyed()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.m[key]
}

// Remove deletes the subscription under a key
func (s *Store) Remove(key any) error {
	if sub, ok := key.(*Subscription); ok {
		key = sub.EnsureKeyed()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.m[key]; !ok {
		return fmt.Errorf("%w: %v", ErrNotFound, key)
	}
	delete(s.m, key)
	return nil
}

// List returns a snapshot of every stored subscription
func (s *Store) List() List {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(List, 0, len(s.m))
	for _, sub := range s.m {
		out = append(out, sub)
	}
	return out
}

// Len returns the number of stored subscriptions
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// Clear removes every subscription and returns what was removed
func (s *Store) Clear() List {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(List, 0, len(s.m))
	for _, sub := range s.m {
		out = append(out, sub)
	}
	s.m = make(map[any]*Subscription)
	return out
}
