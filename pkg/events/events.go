package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dukapos/opscore/pkg/alert"
	"github.com/dukapos/opscore/pkg/types"
)

// EventType represents the type of operational event
type EventType string

const (
	EventIncidentCreated   EventType = "incident.created"
	EventIncidentEscalated EventType = "incident.escalated"
	EventIncidentResolved  EventType = "incident.resolved"
	EventSafeModeEngaged   EventType = "safemode.engaged"
	EventSafeModeDisabled  EventType = "safemode.disabled"
	EventSecurityBlocked   EventType = "security.blocked"
	EventRollbackTriggered EventType = "rollback.triggered"
	EventAlertSent         EventType = "alert.sent"
)

// recentCapacity bounds the in-memory event history.
const recentCapacity = 100

// Event represents one operational event
type Event struct {
	ID        string            `json:"id"`
	Type      EventType         `json:"type"`
	Severity  types.Severity    `json:"severity,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker manages event subscriptions and distribution. It also keeps a
// bounded history of recent events for the control surface.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}

	recent []Event
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 100), // Buffer up to 100 events
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 50) // Buffer per subscriber
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an event to all subscribers
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	b.recent = append(b.recent, *event)
	if len(b.recent) > recentCapacity {
		b.recent = b.recent[len(b.recent)-recentCapacity:]
	}
	b.mu.Unlock()

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

// Notify adapts the broker into an alert notifier so every dispatched
// alert also lands on the event stream.
func (b *Broker) Notify(_ context.Context, a alert.Alert) error {
	b.Publish(&Event{
		Type:     EventAlertSent,
		Severity: a.Severity,
		Message:  a.Title,
		Metadata: map[string]string{"body": a.Body},
	})
	return nil
}

// Recent returns the retained event history, oldest first.
func (b *Broker) Recent() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Event, len(b.recent))
	copy(out, b.recent)
	return out
}

func (b *Broker) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
			// Subscriber buffer full, skip
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
