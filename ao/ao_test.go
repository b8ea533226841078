package ao

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"drivercode-go/bus"
)

const testSig = SigUser + 10

// newRunner builds a started AO whose single root state records every
// dispatched signal onto sink.
func newRunner(t *testing.T, cfg Config) (*AO, chan Signal) {
	t.Helper()
	b := bus.NewBus(4)
	a := New("t", b.NewConnection("t"), cfg)
	sink := make(chan Signal, 32)
	root := a.State("root", StateSpec{Handle: func(e Event) Disposition {
		sink <- e.Sig
		return Handled()
	}})
	a.Begin(root)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.Start(ctx)
	return a, sink
}

func next(t *testing.T, sink chan Signal, within time.Duration) Signal {
	t.Helper()
	select {
	case s := <-sink:
		return s
	case <-time.After(within):
		t.Fatal("timeout waiting for dispatch")
		return SigNone
	}
}

func expectQuiet(t *testing.T, sink chan Signal, within time.Duration) {
	t.Helper()
	select {
	case s := <-sink:
		t.Fatalf("unexpected dispatch sig=%d", s)
	case <-time.After(within):
	}
}

func TestPostDispatchesInOrder(t *testing.T) {
	a, sink := newRunner(t, Config{})
	require.True(t, a.Post(Event{Sig: testSig}))
	require.True(t, a.Post(Event{Sig: testSig + 1}))
	require.Equal(t, testSig, next(t, sink, time.Second))
	require.Equal(t, testSig+1, next(t, sink, time.Second))
}

func TestPostDoesNotBlockWhenFull(t *testing.T) {
	b := bus.NewBus(4)
	a := New("t", b.NewConnection("t"), Config{QueueLen: 2})
	// Not started: the queue only drains via the run loop.
	require.True(t, a.Post(Event{Sig: testSig}))
	require.True(t, a.Post(Event{Sig: testSig}))
	require.False(t, a.Post(Event{Sig: testSig}))
}

func TestTimerFiresOnce(t *testing.T) {
	a, sink := newRunner(t, Config{})
	te := a.NewTimeEvent(testSig)
	te.Arm(10 * time.Millisecond)
	require.Equal(t, testSig, next(t, sink, time.Second))
	expectQuiet(t, sink, 50*time.Millisecond)
}

func TestTimerRearmReplaces(t *testing.T) {
	a, sink := newRunner(t, Config{})
	te := a.NewTimeEvent(testSig)
	te.Arm(10 * time.Millisecond)
	te.Arm(30 * time.Millisecond)
	start := time.Now()
	require.Equal(t, testSig, next(t, sink, time.Second))
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond,
		"first arm must have been replaced, not fired")
	expectQuiet(t, sink, 50*time.Millisecond)
}

func TestTimerDisarm(t *testing.T) {
	a, sink := newRunner(t, Config{})
	te := a.NewTimeEvent(testSig)
	te.Arm(20 * time.Millisecond)
	te.Disarm()
	expectQuiet(t, sink, 60*time.Millisecond)
	te.Disarm() // disarming an unarmed timer is a no-op
}

func TestDeferRecallFIFO(t *testing.T) {
	b := bus.NewBus(4)
	a := New("t", b.NewConnection("t"), Config{DeferLen: 2})
	sink := make(chan Signal, 8)
	root := a.State("root", StateSpec{Handle: func(e Event) Disposition {
		sink <- e.Sig
		return Handled()
	}})
	a.Begin(root)

	require.True(t, a.DeferEvent(Event{Sig: testSig}))
	require.True(t, a.DeferEvent(Event{Sig: testSig + 1}))
	require.False(t, a.DeferEvent(Event{Sig: testSig + 2}), "bounded queue must reject overflow")
	require.Equal(t, 2, a.DeferredLen())

	// Recall reposts behind pending events.
	require.True(t, a.Post(Event{Sig: testSig + 9}))
	require.True(t, a.RecallOne())
	require.True(t, a.RecallOne())
	require.False(t, a.RecallOne())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	require.Equal(t, testSig+9, next(t, sink, time.Second))
	require.Equal(t, testSig, next(t, sink, time.Second))
	require.Equal(t, testSig+1, next(t, sink, time.Second))
}

func TestHaltStopsLoop(t *testing.T) {
	b := bus.NewBus(4)
	a := New("t", b.NewConnection("t"), Config{})
	root := a.State("root", StateSpec{Handle: func(e Event) Disposition {
		a.Halt()
		return Handled()
	}})
	a.Begin(root)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	a.Post(Event{Sig: testSig})
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("run loop did not halt")
	}
}

func TestForwardPumpsBusMessages(t *testing.T) {
	b := bus.NewBus(4)
	conn := b.NewConnection("t")
	a, sink := newRunner(t, Config{})
	sub := conn.Subscribe(bus.T("x"))
	a.Forward(sub, func(m *bus.Message) (Event, bool) {
		if m.Payload == nil {
			return Event{}, false
		}
		return Event{Sig: testSig, Payload: m.Payload}, true
	})
	conn.Publish(conn.NewMessage(bus.T("x"), nil, false)) // discarded
	conn.Publish(conn.NewMessage(bus.T("x"), 42, false))
	require.Equal(t, testSig, next(t, sink, time.Second))
	expectQuiet(t, sink, 30*time.Millisecond)
}

func TestDebugLevelClamped(t *testing.T) {
	b := bus.NewBus(4)
	a := New("t", b.NewConnection("t"), Config{DebugLevel: 99})
	require.Equal(t, 3, a.DebugLevel())
	a.SetDebugLevel(-5)
	require.Equal(t, 0, a.DebugLevel())
}

func TestAsAcceptsValueAndPointer(t *testing.T) {
	type payload struct{ N int }
	v, ok := As[payload](payload{N: 1})
	require.True(t, ok)
	require.Equal(t, 1, v.N)
	v, ok = As[payload](&payload{N: 2})
	require.True(t, ok)
	require.Equal(t, 2, v.N)
	_, ok = As[payload]("nope")
	require.False(t, ok)
	_, ok = As[payload](nil)
	require.False(t, ok)
}
