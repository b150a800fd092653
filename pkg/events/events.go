package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tomcatling/jupyterhub-aws-spawner/pkg/log"
)

// EventType represents the type of event
type EventType string

const (
	EventInstanceProvisioned EventType = "instance.provisioned"
	EventInstanceStarted     EventType = "instance.started"
	EventInstanceResumed     EventType = "instance.resumed"
	EventInstanceStopped     EventType = "instance.stopped"
	EventInstanceTerminated  EventType = "instance.terminated"
	EventInstanceHung        EventType = "instance.hung"
	EventServiceLaunched     EventType = "service.launched"
	EventRecordCleaned       EventType = "record.cleaned"
	EventVolumeCreated       EventType = "volume.created"
	EventVolumeDeleted       EventType = "volume.deleted"
)

// Event is a lifecycle change for one user
type Event struct {
	ID         string            `json:"id"`
	Type       EventType         `json:"type"`
	Timestamp  time.Time         `json:"timestamp"`
	User       string            `json:"user"`
	ResourceID string            `json:"resource_id,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// New creates an event stamped with a fresh id
func New(t EventType, user string) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      t,
		Timestamp: time.Now(),
		User:      user,
	}
}

// WithResource sets the resource the event concerns
func (e *Event) WithResource(id string) *Event {
	e.ResourceID = id
	return e
}

// WithMessage sets a human readable message
func (e *Event) WithMessage(msg string) *Event {
	e.Message = msg
	return e
}

// Subscriber is a channel that receives events
type Subscriber chan *Event

// Broker fans events out to subscribers. A nil *Broker drops everything,
// so components can be built without one.
type Broker struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	eventCh     chan *Event
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[Subscriber]bool),
		eventCh:     make(chan *Event, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe creates a new subscription and returns a channel
func (b *Broker) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 64)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Publish queues an event. It never blocks a lifecycle operation: when the
// queue is full the event is dropped and logged.
func (b *Broker) Publish(event *Event) {
	if b == nil || event == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		logger := log.WithComponent("events")
		logger.Warn().
			Str("type", string(event.Type)).
			Str("user", event.User).
			Msg("Event queue full, dropping event")
	}
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
