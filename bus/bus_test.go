// bus/bus_test.go
package bus

import (
	"context"
	"testing"
	"time"
)

func expectOneOf(t *testing.T, s *Subscription, want any) {
	t.Helper()
	select {
	case got := <-s.Channel():
		if got.Payload != want {
			t.Errorf("expected payload %v, got %v", want, got.Payload)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatalf("timeout waiting for %v", want)
	}
}

func expectNoMessage(t *testing.T, s *Subscription) {
	t.Helper()
	select {
	case got := <-s.Channel():
		t.Errorf("unexpected message: %v", got.Payload)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestBasicPubSub(t *testing.T) {
	b := NewBus(4)
	conn := b.NewConnection("test")

	sub := conn.Subscribe(T("drv", "dev0", "status"))
	conn.Publish(conn.NewMessage(T("drv", "dev0", "status"), "hello", false))
	expectOneOf(t, sub, "hello")
}

func TestRetainedMessage(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("test")

	conn.Publish(conn.NewMessage(T("drv", "dev0", "status"), "persist", true))

	sub := conn.Subscribe(T("drv", "dev0", "status"))
	expectOneOf(t, sub, "persist")
}

func TestRetainedDelete(t *testing.T) {
	b := NewBus(2)
	conn := b.NewConnection("test")

	conn.Publish(conn.NewMessage(T("a"), "v", true))
	conn.Publish(conn.NewMessage(T("a"), nil, true)) // nil payload deletes

	sub := conn.Subscribe(T("a"))
	expectNoMessage(t, sub)
}

func TestWildcardSingleLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	s1 := c.Subscribe(T("a", SingleWild, "c"))
	s2 := c.Subscribe(T("a", SingleWild, SingleWild))
	sNo := c.Subscribe(T("a", SingleWild, "d"))

	c.Publish(b.NewMessage(T("a", "b", "c"), "m1", false))
	expectOneOf(t, s1, "m1")
	expectOneOf(t, s2, "m1")
	expectNoMessage(t, sNo)

	c.Publish(b.NewMessage(T("a", "x", "y"), "m2", false))
	expectOneOf(t, s2, "m2")
	expectNoMessage(t, s1)
}

func TestWildcardMultiLevel(t *testing.T) {
	b := NewBus(16)
	c := b.NewConnection("test")

	sAHash := c.Subscribe(T("a", MultiWild))
	sHash := c.Subscribe(T(MultiWild))
	sAExact := c.Subscribe(T("a"))

	c.Publish(b.NewMessage(T("a"), "p1", false))
	expectOneOf(t, sAHash, "p1") // '#' matches zero additional tokens
	expectOneOf(t, sHash, "p1")
	expectOneOf(t, sAExact, "p1")

	c.Publish(b.NewMessage(T("a", "b", "c"), "p2", false))
	expectOneOf(t, sAHash, "p2")
	expectOneOf(t, sHash, "p2")
	expectNoMessage(t, sAExact)
}

func TestRetainedDeliveryThroughWildcard(t *testing.T) {
	b := NewBus(32)
	c := b.NewConnection("test")

	c.Publish(b.NewMessage(T("drv", "dev0", "status"), "r0", true))
	c.Publish(b.NewMessage(T("drv", "dev1", "status"), "r1", true))

	sub := c.Subscribe(T("drv", SingleWild, "status"))
	got := map[any]bool{}
	for i := 0; i < 2; i++ {
		select {
		case m := <-sub.Channel():
			got[m.Payload] = true
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout collecting retained messages")
		}
	}
	if !got["r0"] || !got["r1"] {
		t.Errorf("expected both retained values, got %v", got)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")

	sub := c.Subscribe(T("a", "b"))
	sub.Unsubscribe()
	c.Publish(b.NewMessage(T("a", "b"), "m", false))

	if _, ok := <-sub.Channel(); ok {
		t.Error("channel should be closed after unsubscribe")
	}
}

func TestRequestReply(t *testing.T) {
	b := NewBus(4)
	server := b.NewConnection("server")
	client := b.NewConnection("client")

	reqSub := server.Subscribe(T("svc", "echo"))
	go func() {
		m := <-reqSub.Channel()
		if !m.CanReply() {
			t.Error("request should carry a reply topic")
			return
		}
		server.Reply(m, m.Payload, false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	reply, err := client.RequestWait(ctx, client.NewMessage(T("svc", "echo"), "ping", false))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	if reply.Payload != "ping" {
		t.Errorf("expected echo, got %v", reply.Payload)
	}
}

func TestReplyWithoutReplyToIsNoop(t *testing.T) {
	b := NewBus(4)
	c := b.NewConnection("test")
	c.Reply(&Message{Topic: T("a")}, "x", false) // must not panic or publish
}

func TestTopicAppendDoesNotMutate(t *testing.T) {
	base := T("a", "b")
	ext := base.Append("c")
	if len(base) != 2 || len(ext) != 3 {
		t.Fatalf("append mutated receiver: base=%v ext=%v", base, ext)
	}
}

func TestOverflowDropsOldest(t *testing.T) {
	b := NewBus(1)
	c := b.NewConnection("test")
	sub := c.Subscribe(T("a"))

	c.Publish(b.NewMessage(T("a"), "old", false))
	c.Publish(b.NewMessage(T("a"), "new", false))
	expectOneOf(t, sub, "new")
}
