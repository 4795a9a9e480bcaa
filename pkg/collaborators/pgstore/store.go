// Package pgstore implements the execution-record store collaborator
// against PostgreSQL via pgx's connection pool, wrapped in a circuit
// breaker so a stalled database fails fast instead of holding a worker's
// handler slot for the life of the context.
package pgstore

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/fluxworks/conveyor/pkg/collaborators"
	"github.com/fluxworks/conveyor/pkg/log"
	"github.com/fluxworks/conveyor/pkg/metrics"
)

// Config parameterizes the connection pool. Pool bounds default to
// GOMAXPROCS-scaled values when unset, matching how the rest of the
// platform auto-scales to the container's CPU limit rather than a fixed
// constant.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Store implements collaborators.ExecutionRecordStore.
type Store struct {
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker
}

var storeLog = log.WithComponent("collaborator-pgstore")

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pgstore",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
}

// New connects a Store to cfg.DSN and verifies reachability with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("pgstore: parse dsn: %w", err)
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = int32(runtime.GOMAXPROCS(0) * 4)
	}
	minConns := cfg.MinConns
	if minConns <= 0 {
		minConns = int32(runtime.GOMAXPROCS(0))
	}
	connMaxLifetime := cfg.ConnMaxLifetime
	if connMaxLifetime <= 0 {
		connMaxLifetime = 5 * time.Minute
	}
	connMaxIdleTime := cfg.ConnMaxIdleTime
	if connMaxIdleTime <= 0 {
		connMaxIdleTime = time.Minute
	}

	poolConfig.MaxConns = maxConns
	poolConfig.MinConns = minConns
	poolConfig.MaxConnLifetime = connMaxLifetime
	poolConfig.MaxConnIdleTime = connMaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("pgstore: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgstore: ping: %w", err)
	}
	return &Store{pool: pool, breaker: newBreaker()}, nil
}

// Close releases the connection pool.
func (s *Store) Close() { s.pool.Close() }

// CreateExecution implements collaborators.ExecutionRecordStore.
func (s *Store) CreateExecution(ctx context.Context, rec collaborators.ExecutionRecord) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CollaboratorRequestDuration, "postgres")

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.pool.Exec(ctx, `
			INSERT INTO execution_records (id, job_id, queue, organization_id, user_id, status, output)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, rec.ID, rec.JobID, rec.Queue, rec.OrganizationID, rec.UserID, rec.Status, rec.Output)
	})
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("postgres", "error").Inc()
		storeLog.Warn().Err(err).Str("execution_id", rec.ID).Msg("failed to create execution record")
		return fmt.Errorf("pgstore: create execution %s: %w", rec.ID, err)
	}
	metrics.CollaboratorRequestsTotal.WithLabelValues("postgres", "success").Inc()
	return nil
}

// UpdateExecution implements collaborators.ExecutionRecordStore.
func (s *Store) UpdateExecution(ctx context.Context, id, status, output string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CollaboratorRequestDuration, "postgres")

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.pool.Exec(ctx, `
			UPDATE execution_records SET status = $2, output = $3, updated_at = now() WHERE id = $1
		`, id, status, output)
	})
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("postgres", "error").Inc()
		storeLog.Warn().Err(err).Str("execution_id", id).Msg("failed to update execution record")
		return fmt.Errorf("pgstore: update execution %s: %w", id, err)
	}
	metrics.CollaboratorRequestsTotal.WithLabelValues("postgres", "success").Inc()
	return nil
}

// AppendAudit implements collaborators.ExecutionRecordStore.
func (s *Store) AppendAudit(ctx context.Context, executionID, event string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CollaboratorRequestDuration, "postgres")

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return s.pool.Exec(ctx, `
			INSERT INTO execution_audit_entries (execution_id, event, recorded_at) VALUES ($1, $2, now())
		`, executionID, event)
	})
	if err != nil {
		metrics.CollaboratorRequestsTotal.WithLabelValues("postgres", "error").Inc()
		storeLog.Warn().Err(err).Str("execution_id", executionID).Msg("failed to append audit entry")
		return fmt.Errorf("pgstore: append audit for execution %s: %w", executionID, err)
	}
	metrics.CollaboratorRequestsTotal.WithLabelValues("postgres", "success").Inc()
	return nil
}
