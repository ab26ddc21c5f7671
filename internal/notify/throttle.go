package notify

import (
	"context"
	"sync"
	"time"
)

// Throttle limits one job's progress pushes to at most one per interval. An
// update that arrives too early is held and replaced by later ones, then sent
// when the interval has elapsed. Flush bypasses the limit for terminal updates.
type Throttle struct {
	pub      Publisher
	interval time.Duration
	now      func() time.Time

	mu      sync.Mutex
	last    time.Time
	pending *Event
	timer   *time.Timer
	stopped bool
}

func NewThrottle(pub Publisher, interval time.Duration) *Throttle {
	return &Throttle{pub: pub, interval: interval, now: time.Now}
}

func (t *Throttle) Publish(ctx context.Context, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}

	now := t.now()
	wait := t.interval - now.Sub(t.last)
	if t.last.IsZero() || wait <= 0 {
		t.sendLocked(ctx, ev, now)
		return
	}

	t.pending = &ev
	if t.timer == nil {
		t.timer = time.AfterFunc(wait, func() { t.fire(context.WithoutCancel(ctx)) })
	}
}

func (t *Throttle) fire(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.timer = nil
	if t.stopped || t.pending == nil {
		return
	}
	ev := *t.pending
	t.sendLocked(ctx, ev, t.now())
}

// Flush drops any held update and sends ev immediately. The throttle accepts
// nothing afterwards.
func (t *Throttle) Flush(ctx context.Context, ev Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	t.stopLocked()
	t.pub.Publish(ctx, ev)
}

// Stop discards any held update.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Throttle) stopLocked() {
	t.stopped = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Throttle) sendLocked(ctx context.Context, ev Event, now time.Time) {
	t.pending = nil
	t.last = now
	t.pub.Publish(ctx, ev)
}
