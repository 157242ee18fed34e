package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brendan721/Flipsync-Final-sub000/internal/core/utils"
	"github.com/google/uuid"
)

// TopicDiagnostics is the reserved topic every component emits diagnostics on
const TopicDiagnostics = "diagnostics"

const (
	DefaultQueueSize   = 256
	DefaultMaxAttempts = 3
)

var (
	ErrBusStopped     = errors.New("event bus stopped")
	ErrNilHandler     = errors.New("subscription requires a handler")
	ErrEmptyTopic     = errors.New("event topic is empty")
	ErrInvalidPattern = errors.New("invalid topic pattern")
	ErrUnknownSub     = errors.New("unknown subscription")
)

// Event is the immutable message routed between agents and components.
// Payload must not be mutated by publishers or handlers after Publish.
type Event struct {
	ID            string    `json:"id"`
	Topic         string    `json:"topic"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
	Source        string    `json:"source_agent_id"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// NewEvent builds an event with a fresh id and timestamp
func NewEvent(topic, source string, payload any) Event {
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// Handler processes an event. Returning an error (or panicking) causes redelivery
// up to the bus's attempt limit.
type Handler func(Event) error

// Receipt summarizes what happened to a published event
type Receipt struct {
	EventID  string
	Matched  int
	Enqueued int
	Dropped  int
}

// Bus defines the interface for the event system
type Bus interface {
	Publish(event Event) (Receipt, error)
	Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error)
	Unsubscribe(sub *Subscription) error
	UnsubscribeOwner(owner string) int
	Stop()
}

// Config tunes the in-memory bus
type Config struct {
	QueueSize   int
	MaxAttempts int
}

// Subscription is a bounded per-subscriber delivery queue bound to a pattern
type Subscription struct {
	ID      string
	Pattern string
	Owner   string

	matcher patternMatcher
	handler Handler
	queue   chan Event
	done    chan struct{}
	closed  atomic.Bool
	dropped atomic.Uint64
}

// Dropped returns the number of events dropped because the queue was full
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// SubscribeOption customizes a subscription
type SubscribeOption func(*Subscription)

// WithOwner tags the subscription with the owning component so it can be
// removed in bulk on shutdown
func WithOwner(owner string) SubscribeOption {
	return func(s *Subscription) { s.Owner = owner }
}

// WithQueueSize overrides the bus default queue bound for one subscription
func WithQueueSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.queue = make(chan Event, n)
		}
	}
}

// MemoryBus is an in-process implementation of Bus with one worker per subscription
type MemoryBus struct {
	subscribers map[string]*Subscription
	mu          sync.RWMutex
	cfg         Config
	stopped     bool
	wg          sync.WaitGroup
}

// NewMemoryBus creates a new instance of MemoryBus
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &MemoryBus{
		subscribers: make(map[string]*Subscription),
		cfg:         cfg,
	}
}

// Subscribe registers handler for every topic matching pattern
func (b *MemoryBus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}
	matcher, err := compilePattern(pattern)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Pattern: pattern,
		matcher: matcher,
		handler: handler,
		queue:   make(chan Event, b.cfg.QueueSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, ErrBusStopped
	}
	b.subscribers[sub.ID] = sub
	b.wg.Add(1)
	go b.run(sub)
	return sub, nil
}

// Unsubscribe detaches the subscription; queued but undelivered events are discarded
func (b *MemoryBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return ErrUnknownSub
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[sub.ID]; !ok {
		return ErrUnknownSub
	}
	b.detach(sub)
	return nil
}

// UnsubscribeOwner removes every subscription tagged with owner and returns how many were removed
func (b *MemoryBus) UnsubscribeOwner(owner string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, sub := range b.subscribers {
		if sub.Owner == owner {
			b.detach(sub)
			n++
		}
	}
	return n
}

// detach must be called with b.mu held
func (b *MemoryBus) detach(sub *Subscription) {
	delete(b.subscribers, sub.ID)
	if sub.closed.CompareAndSwap(false, true) {
		close(sub.done)
	}
}

// Publish fans the event out to every matching subscription without blocking.
// A full subscriber queue drops the newest event and signals overload.
func (b *MemoryBus) Publish(event Event) (Receipt, error) {
	if event.Topic == "" {
		return Receipt{}, ErrEmptyTopic
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	receipt := Receipt{EventID: event.ID}
	var overloaded []*Subscription

	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return receipt, ErrBusStopped
	}
	for _, sub := range b.subscribers {
		if !sub.matcher.match(event.Topic) {
			continue
		}
		receipt.Matched++
		select {
		case sub.queue <- event:
			receipt.Enqueued++
		default:
			receipt.Dropped++
			count := sub.dropped.Add(1)
			if count%10 == 1 {
				log.Printf("[Bus] WARNING: subscriber %s (%s) overloaded, dropped event (total dropped: %d): topic=%s", sub.ID, sub.Pattern, count, event.Topic)
			}
			overloaded = append(overloaded, sub)
		}
	}
	b.mu.RUnlock()

	// Overload of an overload signal is counted but never re-signalled.
	if event.Topic == TopicDiagnostics && isOverloadSignal(event) {
		return receipt, nil
	}
	for _, sub := range overloaded {
		b.signalOverload(sub, event)
	}
	return receipt, nil
}

func (b *MemoryBus) signalOverload(sub *Subscription, event Event) {
	diag := NewDiagnostic("bus", KindSubscriberOverloaded, "subscriber queue full, newest event dropped", map[string]any{
		"subscription_id": sub.ID,
		"pattern":         sub.Pattern,
		"owner":           sub.Owner,
		"topic":           event.Topic,
		"event_id":        event.ID,
		"dropped_total":   sub.dropped.Load(),
	})
	if _, err := b.Publish(NewEvent(TopicDiagnostics, "bus", diag)); err != nil && !errors.Is(err, ErrBusStopped) {
		log.Printf("[Bus] failed to emit overload diagnostic: %v", err)
	}
}

// run delivers queued events to the handler in FIFO order until the subscription closes
func (b *MemoryBus) run(sub *Subscription) {
	defer b.wg.Done()
	for {
		select {
		case <-sub.done:
			return
		case ev := <-sub.queue:
			b.deliver(sub, ev)
		}
	}
}

func (b *MemoryBus) deliver(sub *Subscription, ev Event) {
	name := fmt.Sprintf("subscriber %s (%s)", sub.ID, sub.Pattern)
	var err error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if sub.closed.Load() {
			return
		}
		err = utils.SafeCall(name, func() error { return sub.handler(ev) })
		if err == nil {
			return
		}
		log.Printf("[Bus] handler for %s failed on %s (attempt %d/%d): %v", sub.Pattern, ev.Topic, attempt, b.cfg.MaxAttempts, err)
	}

	// A failing diagnostics handler must not generate more diagnostics for itself.
	if ev.Topic == TopicDiagnostics {
		return
	}
	diag := NewDiagnostic("bus", KindHandlerFailed, err.Error(), map[string]any{
		"subscription_id": sub.ID,
		"pattern":         sub.Pattern,
		"owner":           sub.Owner,
		"topic":           ev.Topic,
		"event_id":        ev.ID,
		"attempts":        b.cfg.MaxAttempts,
	})
	_, _ = b.Publish(NewEvent(TopicDiagnostics, "bus", diag))
}

// SubscriberCount returns the number of live subscriptions
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Stop closes every subscription and waits for the workers to exit
func (b *MemoryBus) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	for _, sub := range b.subscribers {
		b.detach(sub)
	}
	b.mu.Unlock()

	b.wg.Wait()
	log.Println("[Bus] Event Bus Stopped")
}
