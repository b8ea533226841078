package ao

import (
	"context"
	"sync/atomic"

	"drivercode-go/bus"
	"drivercode-go/x/fmtx"
	"drivercode-go/x/mathx"
)

const (
	defaultQueueLen = 10
	maxDebugLevel   = 3
)

// Config sizes one active object. A zero QueueLen takes the default.
type Config struct {
	QueueLen   int
	DeferLen   int // 0 disables the deferral queue
	DebugLevel int
}

// AO is the base of an active object: a private event queue, a hierarchical
// state machine, a bounded deferral queue, and a debug-verbosity threshold.
// Exactly one goroutine (the run loop) dispatches events; handlers run to
// completion and never block.
type AO struct {
	Machine

	name string
	conn *bus.Connection

	inbox  chan Event
	deferq []Event
	dcap   int

	dbg  atomic.Int32
	halt atomic.Bool
	done chan struct{}
}

func New(name string, conn *bus.Connection, cfg Config) *AO {
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = defaultQueueLen
	}
	a := &AO{
		name:  name,
		conn:  conn,
		inbox: make(chan Event, cfg.QueueLen),
		dcap:  cfg.DeferLen,
		done:  make(chan struct{}),
	}
	a.dbg.Store(int32(mathx.Clamp(cfg.DebugLevel, 0, maxDebugLevel)))
	return a
}

func (a *AO) Name() string          { return a.name }
func (a *AO) Conn() *bus.Connection { return a.conn }

// Post enqueues e without blocking. A full queue drops the event and returns
// false; the caller decides whether that matters.
func (a *AO) Post(e Event) bool {
	select {
	case a.inbox <- e:
		return true
	default:
		a.Logf(1, "queue full, dropping sig=%d", e.Sig)
		return false
	}
}

// Start spawns the run loop. Events are processed one at a time until the
// context is cancelled or a handler calls Halt.
func (a *AO) Start(ctx context.Context) {
	go func() {
		defer close(a.done)
		for {
			select {
			case <-ctx.Done():
				return
			case e := <-a.inbox:
				a.Dispatch(e)
				if a.halt.Load() {
					return
				}
			}
		}
	}()
}

// Halt stops the run loop after the current event completes. Only meaningful
// from within a handler.
func (a *AO) Halt() { a.halt.Store(true) }

// Done is closed when the run loop has exited.
func (a *AO) Done() <-chan struct{} { return a.done }

// ---- Deferral queue ----

// DeferEvent holds e for later recall. Returns false when the bounded queue
// is full (or deferral is disabled); no state is changed in that case.
func (a *AO) DeferEvent(e Event) bool {
	if len(a.deferq) >= a.dcap {
		return false
	}
	a.deferq = append(a.deferq, e)
	return true
}

// RecallOne reposts the oldest deferred event to the main queue. It lands
// behind any already-pending events, preserving arrival order.
func (a *AO) RecallOne() bool {
	if len(a.deferq) == 0 {
		return false
	}
	e := a.deferq[0]
	a.deferq = a.deferq[1:]
	return a.Post(e)
}

func (a *AO) DeferredLen() int { return len(a.deferq) }

// ---- Pub/sub plumbing ----

// Forward pumps bus messages into the inbox until the subscription closes.
// translate returns false to discard a message.
func (a *AO) Forward(sub *bus.Subscription, translate func(*bus.Message) (Event, bool)) {
	go func() {
		for m := range sub.Channel() {
			if e, ok := translate(m); ok {
				a.Post(e)
			}
		}
	}()
}

// ---- Debug logging ----

// SetDebugLevel adjusts the verbosity threshold (0..3).
func (a *AO) SetDebugLevel(level int) {
	a.dbg.Store(int32(mathx.Clamp(level, 0, maxDebugLevel)))
}

func (a *AO) DebugLevel() int { return int(a.dbg.Load()) }

// Logf prints when level is at or below the threshold. Level 0 is always on;
// 1 = warnings, 2 = debug, 3 = trace.
func (a *AO) Logf(level int, format string, args ...any) {
	if int32(level) > a.dbg.Load() {
		return
	}
	fmtx.Printf("[%s] "+format+"\n", append([]any{a.name}, args...)...)
}
