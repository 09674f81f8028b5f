// Package pool provides a pooled time.Timer for deadline waits on the hot
// request path, so each transaction does not allocate a fresh timer.
package pool

import (
	"sync"
	"time"
)

var timers sync.Pool

// GetTimer returns a timer armed for duration d. Return it with PutTimer.
func GetTimer(d time.Duration) *time.Timer {
	v := timers.Get()
	if v == nil {
		return time.NewTimer(d)
	}

	t, _ := v.(*time.Timer)
	if t.Reset(d) {
		// the timer was still active; drain a stale tick if one is buffered
		select {
		case <-t.C:
		default:
		}
	}

	return t
}

// PutTimer stops t and returns it to the pool. The timer must not be used
// after it is returned.
func PutTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timers.Put(t)
}
