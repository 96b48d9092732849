// Package watchdog provides a generic idle timer for long-lived transports.
// A watchdog is armed when an operation starts, touched on every sign of
// progress, and fires its callback once the idle time exceeds the configured
// timeout.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// TimeoutEvent describes a fired watchdog.
type TimeoutEvent struct {
	Idle    time.Duration
	Timeout time.Duration
}

// Config configures a Watchdog.
type Config struct {
	// Timeout is the idle duration after which OnTimeout fires. Values below
	// 1ms are clamped to 1ms.
	Timeout time.Duration

	// OnTimeout is invoked (outside the watchdog lock) when the idle timeout
	// is breached. The watchdog disarms itself first, so it fires at most
	// once per arm cycle.
	OnTimeout func(TimeoutEvent)

	// Logger receives a human-readable line before OnTimeout is invoked.
	// Defaults to slog.Default().
	Logger *slog.Logger

	// Context, when non-nil, stops the watchdog permanently once cancelled.
	Context context.Context

	// Clock overrides wall-clock reads in tests.
	Clock func() time.Time
}

// Watchdog tracks idle time for one operation. All methods are safe for
// concurrent use and none of them panic; they are pure state transitions.
type Watchdog struct {
	timeout   time.Duration
	onTimeout func(TimeoutEvent)
	logger    *slog.Logger
	clock     func() time.Time

	mu        sync.Mutex
	armed     bool
	stopped   bool
	lastTouch time.Time

	ticker *time.Ticker
	done   chan struct{}
}

// New creates and starts a watchdog. It begins disarmed; call Arm to start
// tracking idle time.
func New(cfg Config) *Watchdog {
	timeout := cfg.Timeout
	if timeout < time.Millisecond {
		timeout = time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	w := &Watchdog{
		timeout:   timeout,
		onTimeout: cfg.OnTimeout,
		logger:    logger.With("component", "watchdog"),
		clock:     clock,
		ticker:    time.NewTicker(checkInterval(timeout)),
		done:      make(chan struct{}),
	}
	go w.loop(cfg.Context)
	return w
}

// checkInterval derives the periodic check cadence from the timeout:
// one sixth of the timeout, clamped to [250ms, 5s], never below 100ms.
func checkInterval(timeout time.Duration) time.Duration {
	iv := timeout / 6
	if iv < 250*time.Millisecond {
		iv = 250 * time.Millisecond
	}
	if iv > 5*time.Second {
		iv = 5 * time.Second
	}
	if iv < 100*time.Millisecond {
		iv = 100 * time.Millisecond
	}
	return iv
}

// Arm starts tracking idle time from now. Re-arming resets the idle clock.
func (w *Watchdog) Arm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.armed = true
	w.lastTouch = w.clock()
}

// Touch resets the idle clock without changing armed state.
func (w *Watchdog) Touch() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.lastTouch = w.clock()
}

// Disarm stops tracking without destroying the timer; the watchdog can be
// re-armed later.
func (w *Watchdog) Disarm() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.armed = false
}

// IsArmed reports whether the watchdog is currently tracking idle time.
func (w *Watchdog) IsArmed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.armed && !w.stopped
}

// Stop permanently disables the watchdog and releases its timer. It is
// idempotent and always wins over a concurrently firing check.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.armed = false
	w.mu.Unlock()

	w.ticker.Stop()
	close(w.done)
}

func (w *Watchdog) loop(ctx context.Context) {
	var cancel <-chan struct{}
	if ctx != nil {
		cancel = ctx.Done()
	}
	for {
		select {
		case <-w.done:
			return
		case <-cancel:
			w.Stop()
			return
		case <-w.ticker.C:
			w.check()
		}
	}
}

// check compares elapsed idle time to the timeout. On breach it disarms the
// watchdog before invoking the callback, so a single arm cycle fires at most
// once.
func (w *Watchdog) check() {
	w.mu.Lock()
	if w.stopped || !w.armed {
		w.mu.Unlock()
		return
	}
	idle := w.clock().Sub(w.lastTouch)
	if idle < w.timeout {
		w.mu.Unlock()
		return
	}
	w.armed = false
	onTimeout := w.onTimeout
	timeout := w.timeout
	w.mu.Unlock()

	w.logger.Warn("idle timeout breached",
		"idle_ms", idle.Milliseconds(),
		"timeout_ms", timeout.Milliseconds(),
	)
	if onTimeout != nil {
		onTimeout(TimeoutEvent{Idle: idle, Timeout: timeout})
	}
}
