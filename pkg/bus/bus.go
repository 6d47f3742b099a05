// Package bus implements the publish/subscribe backbone between conductor
// components. Each subscriber owns a bounded queue and a dedicated dispatch
// goroutine, so one slow or stalled subscriber never blocks publishers or
// other subscribers. Events carry a per-topic monotonic sequence number and
// are delivered at-least-once in publish order per topic.
package bus

import (
	"fmt"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// Well-known topics. Payload variants per topic form a closed set; subscribers
// switch on the concrete payload type rather than probing map keys.
const (
	TopicCycles  = "cycles"  // orchestrator.CycleSummary
	TopicResults = "results" // orchestrator.AgentResultEvent
	TopicHealth  = "health"  // guardian.Finding, QueueOverflow
)

// Payload is implemented by every event payload variant.
type Payload interface {
	Kind() string
}

// Event is an immutable record published on a topic. Subscribers must treat
// it as read-only.
type Event struct {
	Topic     string
	Seq       uint64
	Origin    string
	Timestamp time.Time
	Payload   Payload
}

// QueueOverflow is published on TopicHealth when a subscriber's queue is full
// and an event had to be dropped for that subscriber.
type QueueOverflow struct {
	Topic      string
	Subscriber string
	DroppedSeq uint64
}

func (QueueOverflow) Kind() string { return "queue_overflow" }

// Handler processes one delivered event. It runs on the subscriber's own
// dispatch goroutine; deliveries to the same subscription are serial.
type Handler func(Event)

// OverflowFunc is invoked (on the publisher's goroutine) when an event is
// dropped for a subscriber. It must not publish back onto the same bus
// synchronously under the overflowing subscriber's topic.
type OverflowFunc func(overflow QueueOverflow)

type topicState struct {
	seq  uint64
	subs []*Subscription
}

// Bus is the in-process event bus.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topicState
	queueDepth int
	onOverflow OverflowFunc
	logger     *logx.Logger
	closed     bool
}

// New creates a bus whose subscribers each get a queue of the given depth.
func New(queueDepth int) *Bus {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	return &Bus{
		topics:     make(map[string]*topicState),
		queueDepth: queueDepth,
		logger:     logx.NewLogger("bus"),
	}
}

// OnOverflow registers the drop hook. Must be called before Subscribe/Publish.
func (b *Bus) OnOverflow(fn OverflowFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onOverflow = fn
}

// Publish delivers payload to every current subscriber of topic and returns
// the assigned sequence number. Publish never blocks on slow subscribers: a
// full queue drops the event for that subscriber only, records the drop, and
// invokes the overflow hook.
func (b *Bus) Publish(topic, origin string, payload Payload) (uint64, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, fmt.Errorf("bus is closed")
	}
	ts := b.topic(topic)
	ts.seq++
	event := Event{
		Topic:     topic,
		Seq:       ts.seq,
		Origin:    origin,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
	subs := make([]*Subscription, len(ts.subs))
	copy(subs, ts.subs)
	hook := b.onOverflow
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.queue <- event:
		default:
			b.logger.Warn("queue overflow: dropped seq %d on %q for subscriber %q",
				event.Seq, topic, sub.name)
			if hook != nil {
				hook(QueueOverflow{Topic: topic, Subscriber: sub.name, DroppedSeq: event.Seq})
			}
		}
	}
	return event.Seq, nil
}

// Subscribe registers handler for every event published on topic after this
// call. The returned subscription must be cancelled when no longer needed.
func (b *Bus) Subscribe(topic, name string, handler Handler) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus is closed")
	}

	sub := &Subscription{
		topic:   topic,
		name:    name,
		handler: handler,
		queue:   make(chan Event, b.queueDepth),
		done:    make(chan struct{}),
		bus:     b,
	}
	ts := b.topic(topic)
	ts.subs = append(ts.subs, sub)

	go sub.dispatch()
	return sub, nil
}

// Close cancels all subscriptions and rejects further publishes.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var subs []*Subscription
	for _, ts := range b.topics {
		subs = append(subs, ts.subs...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

// topic returns the state for a topic, creating it on first use.
// Caller must hold b.mu.
func (b *Bus) topic(name string) *topicState {
	ts, ok := b.topics[name]
	if !ok {
		ts = &topicState{}
		b.topics[name] = ts
	}
	return ts
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[sub.topic]
	if !ok {
		return
	}
	for i, s := range ts.subs {
		if s == sub {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			return
		}
	}
}

// Subscription is a handle for one subscriber on one topic.
type Subscription struct {
	topic      string
	name       string
	handler    Handler
	queue      chan Event
	done       chan struct{}
	cancelOnce sync.Once
	bus        *Bus
}

// Name returns the subscriber name given at Subscribe time.
func (s *Subscription) Name() string { return s.name }

// Cancel revokes the subscription. Queued events are abandoned; an in-flight
// handler call completes on its own goroutine without blocking publishers.
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

func (s *Subscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case event := <-s.queue:
			s.handler(event)
		}
	}
}
