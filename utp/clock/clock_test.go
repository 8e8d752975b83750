package clock

import (
	"testing"
	"time"
)

func TestSystemNowMicroIsIncreasing(t *testing.T) {
	c := System{}
	a := c.NowMicro()
	time.Sleep(time.Millisecond)
	b := c.NowMicro()
	if b <= a {
		t.Errorf("NowMicro() did not advance: a=%d b=%d", a, b)
	}
}

func TestFakeAdvanceFiresDueTimer(t *testing.T) {
	f := NewFake(0)
	fired := false
	f.After(10*time.Second, func() { fired = true })

	f.Advance(5 * time.Second)
	if fired {
		t.Fatal("timer fired before its deadline")
	}

	f.Advance(5 * time.Second)
	if !fired {
		t.Fatal("timer did not fire at its deadline")
	}
}

func TestFakeStopPreventsFiring(t *testing.T) {
	f := NewFake(0)
	fired := false
	timer := f.After(time.Second, func() { fired = true })
	timer.Stop()
	f.Advance(2 * time.Second)
	if fired {
		t.Fatal("stopped timer fired")
	}
}

func TestFakeRescheduleOnFire(t *testing.T) {
	f := NewFake(0)
	count := 0
	var self Timer
	self = f.After(time.Second, func() {
		count++
		if count < 3 {
			self.Reset(time.Second)
		}
	})
	_ = self
	f.Advance(5 * time.Second)
	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}
}
