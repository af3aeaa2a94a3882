package nonce

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetIncMonotonic(t *testing.T) {
	t.Parallel()

	var n Nonce
	first := n.GetInc(UnixNano)
	require.NotZero(t, first)

	prev := first
	for range 1000 {
		v := n.GetInc(UnixNano)
		require.Greater(t, int64(v), int64(prev))
		prev = v
	}
}

func TestGetIncConcurrent(t *testing.T) {
	t.Parallel()

	var n Nonce
	var mu sync.Mutex
	seen := make(map[Value]struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 250 {
				v := n.GetInc(UnixMilli)
				mu.Lock()
				_, dup := seen[v]
				seen[v] = struct{}{}
				mu.Unlock()
				assert.False(t, dup, "nonce %d issued twice", v)
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, 8*250)
}

func TestSetAndGet(t *testing.T) {
	t.Parallel()

	var n Nonce
	n.Set(1337)
	assert.Equal(t, Value(1337), n.Get())
	assert.Equal(t, Value(1338), n.GetInc(UnixNano))
	assert.Equal(t, "1338", n.Get().String())
}
