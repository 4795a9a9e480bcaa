// Package progress fans out job progress updates to subscribers partitioned
// by tenant and, within a tenant, by job id.
package progress

import (
	"context"
	"sync"
	"time"

	"github.com/fluxworks/conveyor/pkg/jobs"
)

// Update is one progress record attributed to the tenant that owns the job.
type Update struct {
	OrganizationID string
	Record         jobs.ProgressRecord
}

// Subscriber receives progress updates.
type Subscriber chan Update

const subscriberBuffer = 50

type subscription struct {
	organizationID string
	jobID          string // empty subscribes to every job for the organization
	ch             Subscriber
}

// Bus distributes progress updates to subscribers scoped either to a whole
// organization or to one job within it. Implements jobs.Publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[*subscription]bool

	eventCh chan Update
	stopCh  chan struct{}
}

// NewBus creates and starts a Bus.
func NewBus() *Bus {
	b := &Bus{
		subs:    make(map[*subscription]bool),
		eventCh: make(chan Update, 100),
		stopCh:  make(chan struct{}),
	}
	go b.run()
	return b
}

// Stop halts the bus's distribution loop and closes every subscriber
// channel.
func (b *Bus) Stop() {
	close(b.stopCh)
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		close(sub.ch)
	}
	b.subs = make(map[*subscription]bool)
}

// SubscribeJob returns a channel receiving only updates for jobID within
// organizationID.
func (b *Bus) SubscribeJob(organizationID, jobID string) Subscriber {
	return b.subscribe(organizationID, jobID)
}

// SubscribeOrganization returns a channel receiving every update for
// organizationID, across all of its jobs.
func (b *Bus) SubscribeOrganization(organizationID string) Subscriber {
	return b.subscribe(organizationID, "")
}

func (b *Bus) subscribe(organizationID, jobID string) Subscriber {
	sub := &subscription{organizationID: organizationID, jobID: jobID, ch: make(Subscriber, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = true
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes ch from the bus and closes it. ch must have been
// returned by SubscribeJob or SubscribeOrganization on this Bus.
func (b *Bus) Unsubscribe(ch Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.ch == ch {
			delete(b.subs, sub)
			close(sub.ch)
			return
		}
	}
}

// Publish implements jobs.Publisher: it fans record out to every subscriber
// of organizationID (whole-tenant subscriptions) and of record.JobID
// (per-job subscriptions).
func (b *Bus) Publish(ctx context.Context, organizationID string, record jobs.ProgressRecord) {
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now()
	}
	select {
	case b.eventCh <- Update{OrganizationID: organizationID, Record: record}:
	case <-b.stopCh:
	}
}

func (b *Bus) run() {
	for {
		select {
		case update := <-b.eventCh:
			b.broadcast(update)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Bus) broadcast(update Update) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.organizationID != update.OrganizationID {
			continue
		}
		if sub.jobID != "" && sub.jobID != update.Record.JobID {
			continue
		}
		select {
		case sub.ch <- update:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscriptions, for tests and
// diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
