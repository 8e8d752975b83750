// Package clock provides the two capability interfaces the connection
// state machines need from their environment: a microsecond clock and
// a one-shot timer scheduler. Both are satisfied in production by thin
// wrappers over the standard library; tests substitute deterministic
// fakes.
package clock

import "time"

// Clock reports the current time as a monotonic-enough microsecond
// count. Only the low 32 bits travel on the wire; the full value is
// used locally to compute timestamp_diff_us and to reconstruct a
// peer's truncated timestamp.
type Clock interface {
	NowMicro() uint64
}

// Timer is a handle to a scheduled one-shot callback. It mirrors the
// subset of *time.Timer that callers need: reschedule or cancel.
type Timer interface {
	// Stop cancels the timer. It returns true if the call stops the
	// timer, false if the timer has already fired or been stopped.
	Stop() bool

	// Reset reschedules the timer to fire after d from now. It returns
	// true if the timer had been active.
	Reset(d time.Duration) bool
}

// Scheduler schedules a one-shot callback to run after d elapses.
type Scheduler interface {
	After(d time.Duration, f func()) Timer
}

// System is the production Clock, backed by the wall clock.
type System struct{}

// NowMicro returns the current time as microseconds since the Unix
// epoch, truncated to fit the clock's contract.
func (System) NowMicro() uint64 {
	return uint64(time.Now().UnixMicro())
}

// ChanScheduler is a production Scheduler whose callbacks do not run
// on their own goroutine: each firing is posted to fireCh instead, for
// a single consumer loop to drain alongside whatever other event
// sources it serializes. Callers with state to protect across firings
// still need their own synchronization around f — ChanScheduler only
// guarantees f runs on the fireCh consumer's goroutine, not that it
// runs free of concurrent access from elsewhere.
type ChanScheduler struct {
	fireCh chan func()
}

// NewChanScheduler builds a ChanScheduler that posts every timer
// firing to fireCh. The caller owns draining fireCh.
func NewChanScheduler(fireCh chan func()) ChanScheduler {
	return ChanScheduler{fireCh: fireCh}
}

// After schedules f to run once, after d. The firing itself — a
// blocking send of f to fireCh — happens on time.AfterFunc's own
// goroutine; f itself only ever runs once whatever goroutine drains
// fireCh receives it.
func (s ChanScheduler) After(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, func() {
		s.fireCh <- f
	})
}
