package clock

import "time"

// Fake is a deterministic Clock and Scheduler for tests. Nothing runs
// on a goroutine: NowMicro is whatever was last set, and scheduled
// callbacks only fire when the test calls Advance.
type Fake struct {
	now     uint64
	pending []*fakeTimer
}

// NewFake creates a Fake clock starting at the given microsecond value.
func NewFake(startMicro uint64) *Fake {
	return &Fake{now: startMicro}
}

// NowMicro implements Clock.
func (f *Fake) NowMicro() uint64 {
	return f.now
}

// Set pins the clock to a specific microsecond value.
func (f *Fake) Set(micro uint64) {
	f.now = micro
}

// Advance moves the clock forward by d and fires (in order) every
// pending timer whose deadline has now passed. A callback that
// reschedules itself (as the retry timer discipline does) is eligible
// to fire again within the same Advance call if its new deadline also
// falls at or before the target time.
func (f *Fake) Advance(d time.Duration) {
	target := f.now + uint64(d.Microseconds())
	for {
		fired := false
		for _, t := range f.pending {
			if t.stopped || t.fired {
				continue
			}
			if t.deadline <= target {
				f.now = t.deadline
				t.fired = true
				t.cb()
				fired = true
			}
		}
		if !fired {
			break
		}
	}
	f.now = target
}

// After implements Scheduler.
func (f *Fake) After(d time.Duration, cb func()) Timer {
	t := &fakeTimer{owner: f, deadline: f.now + uint64(d.Microseconds()), cb: cb}
	f.pending = append(f.pending, t)
	return t
}

type fakeTimer struct {
	owner    *Fake
	deadline uint64
	cb       func()
	fired    bool
	stopped  bool
}

func (t *fakeTimer) Stop() bool {
	wasActive := !t.fired && !t.stopped
	t.stopped = true
	return wasActive
}

func (t *fakeTimer) Reset(d time.Duration) bool {
	wasActive := !t.fired && !t.stopped
	t.fired = false
	t.stopped = false
	t.deadline = t.owner.now + uint64(d.Microseconds())
	return wasActive
}
