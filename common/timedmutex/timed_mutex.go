// Package timedmutex provides a mutex that unlocks itself after a deadline,
// guarding against a holder that never releases it.
package timedmutex

import (
	"sync"
	"time"
)

// TimedMutex is a blocking mutex which will unlock after a set duration
type TimedMutex struct {
	mtx sync.Mutex
	// timer is provisioned on first use and reused afterwards
	timer     *time.Timer
	timerLock sync.Mutex
	primed    bool
	duration  time.Duration
}

// New returns a timed mutex with the given unlock deadline
func New(length time.Duration) *TimedMutex {
	return &TimedMutex{duration: length}
}

// LockForDuration locks the mutex and starts the unlock countdown
func (t *TimedMutex) LockForDuration() {
	t.mtx.Lock()
	t.timerLock.Lock()
	if !t.primed {
		t.timer = time.AfterFunc(t.duration, func() { t.mtx.Unlock() })
		t.primed = true
	} else {
		t.timer.Reset(t.duration)
	}
	t.timerLock.Unlock()
}

// UnlockIfLocked unlocks the mutex if the deadline has not already released
// it. Returns true when this call performed the unlock.
func (t *TimedMutex) UnlockIfLocked() bool {
	t.timerLock.Lock()
	defer t.timerLock.Unlock()
	if !t.primed {
		return false
	}
	// A false return from Stop means the deadline fired and the mutex is
	// already unlocked.
	if !t.timer.Stop() {
		return false
	}
	t.mtx.Unlock()
	return true
}
