package pool

import (
	"sync"
	"time"
)

var timerPool = sync.Pool{}

// GetTimer returns a stopped-and-drained timer from the pool armed with d.
// Release it with ReleaseTimer.
func GetTimer(d time.Duration) *time.Timer {
	timer, ok := timerPool.Get().(*time.Timer)
	if !ok {
		return time.NewTimer(d)
	}
	stopAndDrain(timer)
	timer.Reset(d)
	return timer
}

// ReleaseTimer stops the timer and puts it back to the pool.
// The caller must not use timer after this.
func ReleaseTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	stopAndDrain(timer)
	timerPool.Put(timer)
}

func stopAndDrain(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
