package queue

import (
	"sync"
	"time"
)

// LifecycleType is the kind of job lifecycle event a queue publishes.
type LifecycleType string

const (
	LifecycleCompleted LifecycleType = "completed"
	LifecycleFailed    LifecycleType = "failed"
	LifecycleStalled   LifecycleType = "stalled"
)

// LifecycleEvent reports one job transitioning through a terminal or
// stalled state.
type LifecycleEvent struct {
	Type      LifecycleType
	Queue     string
	JobID     string
	Reason    string
	Timestamp time.Time
}

// LifecycleSubscriber is a channel handed out by Bus.Subscribe.
type LifecycleSubscriber chan LifecycleEvent

// Bus multiplexes one queue's lifecycle events to any number of
// subscribers (the health monitor, the alerter, the autoscaler).
type Bus struct {
	mu          sync.RWMutex
	subscribers map[LifecycleSubscriber]bool
	eventCh     chan LifecycleEvent
	stopCh      chan struct{}
}

// NewBus creates a started lifecycle bus.
func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[LifecycleSubscriber]bool),
		eventCh:     make(chan LifecycleEvent, 100),
		stopCh:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Stop shuts the bus down; subsequent Publish calls are dropped.
func (b *Bus) Stop() {
	close(b.stopCh)
}

// Subscribe registers a new listener.
func (b *Bus) Subscribe() LifecycleSubscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := make(LifecycleSubscriber, 50)
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes and closes a listener's channel.
func (b *Bus) Unsubscribe(sub LifecycleSubscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.subscribers, sub)
	close(sub)
}

// Publish fans event out to all current subscribers, dropping it for any
// subscriber whose buffer is full rather than blocking the publisher.
func (b *Bus) Publish(event LifecycleEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.eventCh <- event:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case event := <-b.eventCh:
			b.broadcast(event)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(event LifecycleEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- event:
		default:
		}
	}
}
