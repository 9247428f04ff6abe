package board

import (
	"sync/atomic"
	"time"
)

var lastTimestamp int64

// nextTimestamp returns a wall-clock nanosecond timestamp that is strictly
// greater than any previously returned one.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}

func monotonicNow() time.Time {
	return time.Unix(0, nextTimestamp()).UTC()
}
