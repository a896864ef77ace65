package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/hookline/hookline/pkg/types"
)

// Topic classifies an observation published on the bus
type Topic string

const (
	TopicExecutionFinished Topic = "execution.finished"
	TopicBatchFlushed      Topic = "batch.flushed"
	TopicBreakerChanged    Topic = "breaker.changed"
	TopicEscalation        Topic = "escalation"
)

// Observation is one out-of-band record of pipeline activity.
// The dispatcher publishes these; the execution log consumes them.
type Observation struct {
	Topic     Topic
	Timestamp time.Time
	Execution *types.ExecutionRecord
	Batch     *types.Batch
	Service   string
	Detail    string
}

// Subscriber is a channel that receives observations
type Subscriber chan *Observation

// Bus distributes observations to subscribers without blocking publishers
type Bus struct {
	subscribers map[Subscriber]bool
	mu          sync.RWMutex
	obsCh       chan *Observation
	stopCh      chan struct{}
	dropped     atomic.Int64
}

// NewBus creates a new observation bus
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[Subscriber]bool),
		obsCh:       make(chan *Observation, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the bus distribution loop
func (b *Bus) Start() {
	go b.run()
}

// Stop stops the bus
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe creates a new subscription and returns a channel
func (b *Bus) Subscribe() Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(Subscriber, 128)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscription
func (b *Bus) Unsubscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish publishes an observation to all subscribers
func (b *Bus) Publish(obs *Observation) {
	if obs.Timestamp.IsZero() {
		obs.Timestamp = time.Now()
	}

	select {
	case b.obsCh <- obs:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case obs := <-b.obsCh:
			b.broadcast(obs)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(obs *Observation) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- obs:
		default:
			// Subscriber buffer full, skip and count
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Dropped returns the number of observations skipped because a subscriber
// buffer was full
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
