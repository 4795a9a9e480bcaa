package worker

import (
	"context"
	"fmt"
	"time"
)

// Registry starts and stops every worker instance in the fleet together,
// enforcing a single graceful-shutdown deadline across all of them.
type Registry struct {
	workers []*Worker
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds w to the registry. Call before Start.
func (r *Registry) Register(w *Worker) {
	r.workers = append(r.workers, w)
}

// Start begins consumption on every registered worker.
func (r *Registry) Start(ctx context.Context) {
	for _, w := range r.workers {
		w.Start(ctx)
	}
}

// Close drains every worker within the shared deadline, stopping them
// concurrently so one slow worker does not eat into another's budget.
func (r *Registry) Close(deadline time.Duration) error {
	errCh := make(chan error, len(r.workers))
	for _, w := range r.workers {
		w := w
		go func() { errCh <- w.Close(deadline) }()
	}

	var firstErr error
	for range r.workers {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("registry: graceful shutdown incomplete: %w", firstErr)
	}
	return nil
}

// Workers returns the registered workers, in registration order.
func (r *Registry) Workers() []*Worker {
	return r.workers
}
