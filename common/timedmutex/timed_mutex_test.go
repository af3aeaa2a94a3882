package timedmutex

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnlockIfLocked(t *testing.T) {
	t.Parallel()

	m := New(time.Second)
	assert.False(t, m.UnlockIfLocked(), "unprimed mutex should not unlock")

	m.LockForDuration()
	assert.True(t, m.UnlockIfLocked())
	assert.False(t, m.UnlockIfLocked(), "second unlock should be a no-op")
}

func TestUnlockAfterDeadline(t *testing.T) {
	t.Parallel()

	m := New(10 * time.Millisecond)
	m.LockForDuration()
	time.Sleep(50 * time.Millisecond)
	assert.False(t, m.UnlockIfLocked(), "deadline should have already released the lock")

	// The mutex must be lockable again after the deadline fired
	done := make(chan struct{})
	go func() {
		m.LockForDuration()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.FailNow(t, "mutex was not released by deadline")
	}
	assert.True(t, m.UnlockIfLocked())
}

func TestLockReuse(t *testing.T) {
	t.Parallel()

	m := New(time.Second)
	for range 10 {
		m.LockForDuration()
		require.True(t, m.UnlockIfLocked())
	}
}
