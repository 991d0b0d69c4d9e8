package utils

import (
	"runtime"
	"time"
)

const (
	spinLimit  = 64
	yieldLimit = 128

	initialSleep = time.Microsecond
	maxSleep     = time.Millisecond
)

// Backoff escalates waiting under contention: a bounded number of busy-wait rounds, then yields to the
// scheduler, then sleeps with a doubling interval capped at maxSleep. The zero value is ready to use
// and a Backoff should live on the stack of a single retry loop.
type Backoff struct {
	attempts int
	sleep    time.Duration
}

// Wait performs one round of backoff
func (b *Backoff) Wait() {
	b.attempts++

	if b.attempts <= spinLimit {
		for i := 0; i < b.attempts; i++ {
			spinDelay()
		}
		return
	}

	if b.attempts <= yieldLimit {
		runtime.Gosched()
		return
	}

	if b.sleep == 0 {
		b.sleep = initialSleep
	}
	time.Sleep(b.sleep)
	b.sleep *= 2
	if b.sleep > maxSleep {
		b.sleep = maxSleep
	}
}

// Attempts returns the number of times Wait has been called
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns the backoff to the busy-spin phase
func (b *Backoff) Reset() {
	b.attempts = 0
	b.sleep = 0
}

// spinDelay only costs the call itself. Go has no portable CPU pause instruction, so the spin phase is
// a delay proportional to the attempt count and nothing more.
//
//go:noinline
func spinDelay() {}
