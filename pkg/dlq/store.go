// Package dlq implements the dead-letter store and the recovery worker
// that classifies, retries, and ages out entries whose originating queue
// exhausted its attempts.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fluxworks/conveyor/pkg/jobs"
	"github.com/fluxworks/conveyor/pkg/kv"
)

const (
	listKey       = "dead-letter:entries"
	entryKeyPref  = "dead-letter:entry:"
	defaultMaxAge = 168 * time.Hour // 7 days
)

// Store is the terminal holding area for jobs whose retries are exhausted.
// It is handed to every queue as a queue.DeadLetterSink.
type Store struct {
	kv *kv.Client
}

// NewStore builds a Store backed by kvClient.
func NewStore(kvClient *kv.Client) *Store {
	return &Store{kv: kvClient}
}

func entryKey(id string) string { return entryKeyPref + id }

// Put records a new dead-letter entry.
func (s *Store) Put(ctx context.Context, entry jobs.DeadLetterEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry %s: %w", entry.ID, err)
	}
	if err := s.kv.Set(ctx, entryKey(entry.ID), string(raw), 0); err != nil {
		return fmt.Errorf("dlq: store entry %s: %w", entry.ID, err)
	}
	if err := s.kv.LPush(ctx, listKey, entry.ID); err != nil {
		return fmt.Errorf("dlq: index entry %s: %w", entry.ID, err)
	}
	return nil
}

// Get returns a single entry, or nil if unknown.
func (s *Store) Get(ctx context.Context, id string) (*jobs.DeadLetterEntry, error) {
	raw, err := s.kv.Get(ctx, entryKey(id))
	if err == kv.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dlq: get entry %s: %w", id, err)
	}
	var entry jobs.DeadLetterEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, fmt.Errorf("dlq: unmarshal entry %s: %w", id, err)
	}
	return &entry, nil
}

// remove deletes an entry record and its index entry.
func (s *Store) remove(ctx context.Context, id string) error {
	if err := s.kv.Del(ctx, entryKey(id)); err != nil {
		return err
	}
	return s.kv.LRem(ctx, listKey, 1, id)
}

// List returns up to limit entry ids taken from the oldest end of the index
// list (its tail, since Put pushes onto the head), in list order: the newest
// of the returned ids comes first.
func (s *Store) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	ids, err := s.kv.LRange(ctx, listKey, -int64(limit), -1)
	if err != nil {
		return nil, fmt.Errorf("dlq: list entries: %w", err)
	}
	return ids, nil
}

// Cleanup removes entries older than age (default 168h / 7 days if age is
// zero) and returns the number removed.
func (s *Store) Cleanup(ctx context.Context, age time.Duration) (int, error) {
	if age <= 0 {
		age = defaultMaxAge
	}
	ids, err := s.kv.LRange(ctx, listKey, 0, -1)
	if err != nil {
		return 0, fmt.Errorf("dlq: cleanup scan: %w", err)
	}
	cutoff := time.Now().Add(-age)
	removed := 0
	for _, id := range ids {
		entry, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if entry == nil || entry.FailedAt.Before(cutoff) {
			if err := s.remove(ctx, id); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}
