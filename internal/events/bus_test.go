package events

import (
	"testing"
	"time"
)

func TestBus_DeliversByTypeAndToAll(t *testing.T) {
	bus := NewBus()

	typed := make(chan Event, 1)
	all := make(chan Event, 2)
	other := make(chan Event, 1)

	bus.Subscribe(EventModeChange, func(ev Event) { typed <- ev })
	bus.Subscribe(EventAgentStopped, func(ev Event) { other <- ev })
	bus.SubscribeAll(func(ev Event) { all <- ev })

	bus.Publish(Event{Type: EventModeChange, AgentID: "a1"})

	select {
	case ev := <-typed:
		if ev.AgentID != "a1" || ev.Timestamp.IsZero() {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("typed subscriber not notified")
	}
	select {
	case <-all:
	case <-time.After(time.Second):
		t.Fatal("all-events subscriber not notified")
	}
	select {
	case ev := <-other:
		t.Fatalf("subscriber for %s received %s", EventAgentStopped, ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBus_SlowSubscriberDoesNotBlockPublish(t *testing.T) {
	bus := NewBus()
	release := make(chan struct{})
	bus.Subscribe(EventStrategyChange, func(Event) { <-release })

	done := make(chan struct{})
	go func() {
		bus.Publish(Event{Type: EventStrategyChange})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a slow subscriber")
	}
	close(release)
}
