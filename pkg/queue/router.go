package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fluxworks/conveyor/pkg/jobs"
)

// Router fans job-manager calls out to the named queue they target,
// implementing jobs.Enqueuer over the whole topology.
type Router struct {
	queues map[string]*Queue
}

// NewRouter builds a Router over the given queues, keyed by their own
// names.
func NewRouter(queues ...*Queue) *Router {
	r := &Router{queues: make(map[string]*Queue, len(queues))}
	for _, q := range queues {
		r.queues[q.Name()] = q
	}
	return r
}

// Queue returns the named queue, or nil if it is not part of the topology.
func (r *Router) Queue(name string) *Queue {
	return r.queues[name]
}

func (r *Router) resolve(name string) (*Queue, error) {
	q, ok := r.queues[name]
	if !ok {
		return nil, fmt.Errorf("queue: unknown queue %q", name)
	}
	return q, nil
}

// Enqueue implements jobs.Enqueuer.
func (r *Router) Enqueue(ctx context.Context, queue, name string, payload json.RawMessage, opts jobs.Options) (*jobs.Job, error) {
	q, err := r.resolve(queue)
	if err != nil {
		return nil, err
	}
	return q.Enqueue(ctx, name, payload, opts)
}

// Get implements jobs.Enqueuer.
func (r *Router) Get(ctx context.Context, queue, id string) (*jobs.Job, error) {
	q, err := r.resolve(queue)
	if err != nil {
		return nil, err
	}
	return q.Get(ctx, id)
}

// Cancel implements jobs.Enqueuer.
func (r *Router) Cancel(ctx context.Context, queue, id string) error {
	q, err := r.resolve(queue)
	if err != nil {
		return err
	}
	return q.Cancel(ctx, id)
}
