package watchdog

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeClock lets tests move idle time forward without sleeping through it.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestWatchdog_FiresOncePerArmCycle(t *testing.T) {
	clock := newFakeClock()
	fired := make(chan TimeoutEvent, 4)
	w := New(Config{
		Timeout:   time.Second,
		OnTimeout: func(ev TimeoutEvent) { fired <- ev },
		Clock:     clock.Now,
	})
	defer w.Stop()

	w.Arm()
	clock.Advance(2 * time.Second)

	select {
	case ev := <-fired:
		if ev.Idle < ev.Timeout {
			t.Fatalf("fired with idle %v below timeout %v", ev.Idle, ev.Timeout)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
	if w.IsArmed() {
		t.Fatal("watchdog must disarm itself on breach")
	}

	// Still breached by the clock, but disarmed: no second fire.
	clock.Advance(10 * time.Second)
	select {
	case <-fired:
		t.Fatal("watchdog fired twice in one arm cycle")
	case <-time.After(600 * time.Millisecond):
	}
}

func TestWatchdog_TouchResetsIdleClock(t *testing.T) {
	clock := newFakeClock()
	var fires atomic.Int32
	w := New(Config{
		Timeout:   time.Second,
		OnTimeout: func(TimeoutEvent) { fires.Add(1) },
		Clock:     clock.Now,
	})
	defer w.Stop()

	w.Arm()
	clock.Advance(900 * time.Millisecond)
	w.Touch()
	clock.Advance(900 * time.Millisecond)

	time.Sleep(600 * time.Millisecond)
	if n := fires.Load(); n != 0 {
		t.Fatalf("watchdog fired %d times despite touches", n)
	}
	if !w.IsArmed() {
		t.Fatal("touch must not change armed state")
	}
}

func TestWatchdog_RearmNeedsFreshIdlePeriod(t *testing.T) {
	clock := newFakeClock()
	fired := make(chan TimeoutEvent, 4)
	w := New(Config{
		Timeout:   time.Second,
		OnTimeout: func(ev TimeoutEvent) { fired <- ev },
		Clock:     clock.Now,
	})
	defer w.Stop()

	w.Arm()
	clock.Advance(2 * time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("first arm cycle did not fire")
	}

	// Re-arming resets the idle clock; without further idle time it must not fire.
	w.Arm()
	time.Sleep(600 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("re-armed watchdog fired without a fresh idle period")
	default:
	}

	clock.Advance(2 * time.Second)
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("re-armed watchdog never fired after fresh idle period")
	}
}

func TestWatchdog_StopIsIdempotent(t *testing.T) {
	w := New(Config{Timeout: time.Second})
	w.Stop()
	w.Stop() // must not panic on double close
	if w.IsArmed() {
		t.Fatal("stopped watchdog reports armed")
	}
	w.Arm() // arming after stop is a no-op
	if w.IsArmed() {
		t.Fatal("stopped watchdog accepted Arm")
	}
}

func TestWatchdog_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := New(Config{Timeout: time.Second, Context: ctx})
	w.Arm()
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for w.IsArmed() {
		if time.Now().After(deadline) {
			t.Fatal("context cancellation did not stop the watchdog")
		}
		time.Sleep(10 * time.Millisecond)
	}
	w.Stop() // idempotent with the context-triggered stop
}

func TestCheckInterval_Clamped(t *testing.T) {
	cases := []struct {
		timeout time.Duration
		want    time.Duration
	}{
		{time.Millisecond, 250 * time.Millisecond},
		{6 * time.Second, time.Second},
		{10 * time.Minute, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := checkInterval(tc.timeout); got != tc.want {
			t.Fatalf("checkInterval(%v) = %v, want %v", tc.timeout, got, tc.want)
		}
	}
}
