//go:build !linux

package shm

import (
	"sync/atomic"
	"time"
)

const pollStep = 50 * time.Microsecond

// futexWait polls *addr until it changes or d elapses.
func futexWait(addr *uint32, val uint32, d time.Duration) {
	deadline := time.Now().Add(d)
	for atomic.LoadUint32(addr) == val {
		left := time.Until(deadline)
		if left <= 0 {
			return
		}
		time.Sleep(min(left, pollStep))
	}
}

func futexWake(*uint32) {}
