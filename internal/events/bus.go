package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// Emitter is the notifier port of the spine. Services emit after their store
// transaction commits; delivery is at-most-once and lossy by contract; the
// state machines, not the events, are the source of truth.
// Both the in-memory EventBus and PubSubEventBus satisfy this interface.
type Emitter interface {
	Emit(eventType, source, subject string, data map[string]interface{})
}

// Event types emitted by the spine. Subjects carry the entity id
// (order_id, dispute_id, proposal_id, …).
const (
	TypeOrderStatusChanged  = "market.order.status_changed"
	TypeEscrowHeld          = "market.escrow.held"
	TypeEscrowReleased      = "market.escrow.released"
	TypeEscrowRefunded      = "market.escrow.refunded"
	TypeQuoteSubmitted      = "market.quote.submitted"
	TypeQuoteAccepted       = "market.quote.accepted"
	TypeShipmentUpdated     = "market.shipment.updated"
	TypeShipmentDelivered   = "market.shipment.delivered"
	TypeDisputeOpened       = "market.dispute.opened"
	TypeDisputeResolved     = "market.dispute.resolved"
	TypeRatingRevealed      = "market.rating.revealed"
	TypeProposalExecuted    = "market.governance.executed"
	TypeParameterChanged    = "market.params.changed"
	TypeIdentityStatus      = "market.identity.status_changed"
	TypeReputationUpdated   = "market.reputation.updated"
)

// CloudEvent is the CloudEvents 1.0 envelope used for every emitted event.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event.
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event.
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus is an in-process pub/sub event bus. Subscribers receive events in
// real time on buffered channels; a full channel drops, never blocks.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent
	logger      *log.Logger
	bufferSize  int
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass no eventTypes to receive ALL events.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)

	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel and closes it.
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for et, subs := range eb.subscribers {
		filtered := make([]chan *CloudEvent, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	filtered := make([]chan *CloudEvent, 0)
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered

	close(ch)
}

// Publish sends an event to all matching subscribers.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	for _, ch := range eb.subscribers[event.Type] {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}

	for _, ch := range eb.allSubs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Emit is a convenience method to create and publish an event.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	eb.Publish(event)
}

// SubscriberCount returns the total number of active subscribers.
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}

var _ Emitter = (*EventBus)(nil)
