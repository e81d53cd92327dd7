package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.state_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "conn.state_changed" {
			t.Errorf("got kind %q, want conn.state_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("update.", 10)
	defer unsub()

	b.Publish(Event{Kind: "conn.state_changed"})
	b.Publish(Event{Kind: "update.applied"})

	select {
	case evt := <-ch:
		if evt.Kind != "update.applied" {
			t.Errorf("got kind %q, want update.applied", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure conn event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish(Event{Kind: "conn.state_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestRegistrationOrderDelivery(t *testing.T) {
	b := New()
	first, unsub1 := b.Subscribe("chat.", 1)
	defer unsub1()
	second, unsub2 := b.Subscribe("chat.", 1)
	defer unsub2()

	b.Publish(Event{Kind: "chat.created"})

	// Both subscribers get the event independently.
	for i, ch := range []<-chan Event{first, second} {
		select {
		case evt := <-ch:
			if evt.Kind != "chat.created" {
				t.Errorf("subscriber %d got %q, want chat.created", i, evt.Kind)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout", i)
		}
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestFullSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	full, unsubFull := b.Subscribe("test.", 1)
	defer unsubFull()
	healthy, unsubHealthy := b.Subscribe("test.", 10)
	defer unsubHealthy()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	// The full subscriber only sees the first event.
	if evt := <-full; evt.Kind != "test.one" {
		t.Errorf("full subscriber got %q, want test.one", evt.Kind)
	}

	// The healthy subscriber sees both.
	for _, want := range []string{"test.one", "test.two"} {
		select {
		case evt := <-healthy:
			if evt.Kind != want {
				t.Errorf("got %q, want %q", evt.Kind, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %q", want)
		}
	}
}
