package ao

import (
	"sync"
	"sync/atomic"
	"time"
)

// TimeEvent posts a fixed signal to its owner's queue when it expires.
// Arming an armed timer replaces the previous arm; disarming an unarmed
// timer is a no-op. A fire that raced a disarm may already sit in the queue;
// handlers treat an unexpected timeout signal as a dropped unknown.
type TimeEvent struct {
	owner *AO
	sig   Signal

	gen atomic.Uint32
	mu  sync.Mutex
	t   *time.Timer
}

// NewTimeEvent creates a timer bound to the AO's queue.
func (a *AO) NewTimeEvent(sig Signal) *TimeEvent {
	return &TimeEvent{owner: a, sig: sig}
}

// Arm schedules the signal after d.
func (te *TimeEvent) Arm(d time.Duration) {
	g := te.gen.Add(1)
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.t != nil {
		te.t.Stop()
	}
	te.t = time.AfterFunc(d, func() {
		if te.gen.Load() == g {
			te.owner.Post(Event{Sig: te.sig})
		}
	})
}

// Disarm cancels any pending fire.
func (te *TimeEvent) Disarm() {
	te.gen.Add(1)
	te.mu.Lock()
	defer te.mu.Unlock()
	if te.t != nil {
		te.t.Stop()
		te.t = nil
	}
}
