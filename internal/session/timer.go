package session

import (
	"context"
	"sync"
	"time"
)

// warningFraction marks the last stretch of a session as the warning
// window: the final 10% of the total duration.
const warningFraction = 10

// Timer drives the cooperative one-second countdown for a running
// session. It is a display convenience only: the authoritative elapsed
// time is always re-derived from the stored start timestamp, so missed or
// throttled ticks can never extend a student's entitlement.
//
// The timeout callback fires at most once; after that the timer stops.
type Timer struct {
	totalSecs int
	interval  time.Duration
	onTick    func(remaining int, warning bool)
	onTimeout func()

	mu        sync.Mutex
	remaining int
	timedOut  bool

	timeoutOnce sync.Once
}

func NewTimer(totalSecs, remainingSecs int, interval time.Duration, onTick func(remaining int, warning bool), onTimeout func()) *Timer {
	if interval <= 0 {
		interval = time.Second
	}
	if remainingSecs < 0 {
		remainingSecs = 0
	}
	if remainingSecs > totalSecs {
		remainingSecs = totalSecs
	}
	return &Timer{
		totalSecs: totalSecs,
		interval:  interval,
		onTick:    onTick,
		onTimeout: onTimeout,
		remaining: remainingSecs,
	}
}

// Run ticks until timeout or ctx cancellation. It blocks; callers run it
// on its own goroutine.
func (t *Timer) Run(ctx context.Context) {
	if t.fireIfExpired() {
		return
	}

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			t.remaining--
			remaining := t.remaining
			t.mu.Unlock()

			if remaining > 0 {
				if t.onTick != nil {
					t.onTick(remaining, t.InWarning())
				}
				continue
			}
			if t.fireIfExpired() {
				return
			}
		}
	}
}

// Remaining is the last displayed remaining value in seconds.
func (t *Timer) Remaining() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.remaining < 0 {
		return 0
	}
	return t.remaining
}

// InWarning reports whether the countdown is inside the final warning
// window.
func (t *Timer) InWarning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.totalSecs <= 0 {
		return false
	}
	return t.remaining <= t.totalSecs/warningFraction
}

func (t *Timer) fireIfExpired() bool {
	t.mu.Lock()
	expired := t.remaining <= 0
	if expired {
		t.timedOut = true
	}
	t.mu.Unlock()

	if !expired {
		return false
	}
	t.timeoutOnce.Do(func() {
		if t.onTick != nil {
			t.onTick(0, true)
		}
		if t.onTimeout != nil {
			t.onTimeout()
		}
	})
	return true
}
