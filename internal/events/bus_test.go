package events

import (
	"testing"
)

func TestPublishOrderAndIsolation(t *testing.T) {
	bus := NewBus(nil)

	var order []int
	bus.Subscribe("t", func(interface{}) { order = append(order, 1) })
	bus.Subscribe("t", func(interface{}) { order = append(order, 2) })
	bus.Subscribe("other", func(interface{}) { order = append(order, 99) })

	bus.Publish("t", nil)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected handlers in registration order, got %v", order)
	}
	if bus.SubscriberCount("t") != 2 {
		t.Fatalf("expected 2 subscribers, got %d", bus.SubscriberCount("t"))
	}
}

func TestPublishSynchronous(t *testing.T) {
	bus := NewBus(nil)

	got := ""
	bus.Subscribe("t", func(p interface{}) { got = p.(string) })
	bus.Publish("t", "hello")

	if got != "hello" {
		t.Fatalf("publish should deliver inline, got %q", got)
	}
}

func TestPanicRecovery(t *testing.T) {
	bus := NewBus(nil)

	ran := false
	bus.Subscribe("t", func(interface{}) { panic("boom") })
	bus.Subscribe("t", func(interface{}) { ran = true })

	bus.Publish("t", nil)

	if !ran {
		t.Fatal("handler after panicking one should still run")
	}
}

func TestPublishNoSubscribers(t *testing.T) {
	bus := NewBus(nil)
	bus.Publish("nobody", 42)
}
