package events

import (
	"testing"
	"time"
)

func TestEventBusTypedSubscription(t *testing.T) {
	bus := NewEventBus()
	ch := bus.Subscribe(TypeOrderStatusChanged)
	defer bus.Unsubscribe(ch)

	bus.Emit(TypeOrderStatusChanged, "orders", "order-1", map[string]interface{}{"to": "paid"})
	bus.Emit(TypeQuoteAccepted, "logistics", "order-1", nil)

	select {
	case ev := <-ch:
		if ev.Subject != "order-1" || ev.Type != TypeOrderStatusChanged {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an order event")
	}

	select {
	case ev := <-ch:
		t.Errorf("typed subscriber must not see %s", ev.Type)
	default:
	}
}

func TestEventBusAllSubscriberAndDrop(t *testing.T) {
	bus := NewEventBus()
	bus.bufferSize = 1
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	// Second publish overflows the buffer and is dropped, not blocked.
	bus.Emit(TypeEscrowHeld, "escrow", "o1", nil)
	bus.Emit(TypeEscrowReleased, "escrow", "o1", nil)

	if got := len(ch); got != 1 {
		t.Errorf("buffered events = %d, want 1 (overflow drops)", got)
	}
}
