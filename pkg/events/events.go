package events

import (
	"sync"
	"time"

	"github.com/cuemby/mailroom/pkg/metrics"
	"github.com/cuemby/mailroom/pkg/types"
)

// EventType represents the type of lifecycle event
type EventType string

const (
	EventRegistrationCreated  EventType = "registration.created"
	EventRegistrationRenewed  EventType = "registration.renewed"
	EventRegistrationCanceled EventType = "registration.canceled"
	EventRegistrationExpired  EventType = "registration.expired"
	EventDeliveryEnabled      EventType = "delivery.enabled"
	EventDeliveryDisabled     EventType = "delivery.disabled"
	EventPullEnabled          EventType = "delivery.pull_enabled"
	EventEventBlacklisted     EventType = "event.blacklisted"
	EventTaskAbandoned        EventType = "task.abandoned"
	EventDeadLettered         EventType = "event.dead_lettered"
)

const (
	queueSize      = 256
	subscriberSize = 64
)

// Event is something that happened to a registration
type Event struct {
	Type           EventType
	RegistrationID types.RegistrationID
	Mode           types.DeliveryMode
	Timestamp      time.Time
	Message        string
}

// Subscriber is a channel that receives events
type Subscriber <-chan *Event

type subscription struct {
	ch     chan *Event
	filter map[EventType]bool
}

func (s *subscription) wants(t EventType) bool {
	return len(s.filter) == 0 || s.filter[t]
}

// Broker fans lifecycle events out to subscribers. Publishing never
// blocks; events that do not fit a queue are counted and dropped.
type Broker struct {
	mu       sync.RWMutex
	subs     map[Subscriber]*subscription
	eventCh  chan *Event
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBroker creates a new event broker
func NewBroker() *Broker {
	return &Broker{
		subs:    make(map[Subscriber]*subscription),
		eventCh: make(chan *Event, queueSize),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the broker's event distribution loop
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker. Subscriber channels stay open until Unsubscribe.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// Subscribe returns a channel receiving events of the given types, or of
// every type when none are given
func (b *Broker) Subscribe(filter ...EventType) Subscriber {
	s := &subscription{ch: make(chan *Event, subscriberSize)}
	if len(filter) > 0 {
		s.filter = make(map[EventType]bool, len(filter))
		for _, t := range filter {
			s.filter[t] = true
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[s.ch] = s
	return s.ch
}

// Unsubscribe removes a subscription and closes its channel
func (b *Broker) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(s.ch)
	}
}

// Publish queues an event for all subscribers. Publishers hold the
// registry lock, so a full queue drops the event instead of waiting.
func (b *Broker) Publish(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	default:
		metrics.LifecycleEventsDropped.Inc()
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

	for _, s := range b.subs {
		if !s.wants(event.Type) {
			continue
		}
		select {
		case s.ch <- event:
		default:
			// Slow subscriber
			metrics.LifecycleEventsDropped.Inc()
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
