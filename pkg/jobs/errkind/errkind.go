// Package errkind gives the four-kind failure taxonomy a concrete type so
// collaborators and handlers can tag an error without introducing a
// general-purpose error-stack library.
package errkind

import (
	"errors"
	"fmt"
)

// Kind buckets a job failure for classification and alerting purposes.
// These are not user-facing strings; pkg/dlq's pattern classifier still
// operates on the failure message text for dead-letter entries that cross
// a process boundary, but handlers that already know their error's kind
// should tag it directly with New rather than relying on message sniffing.
type Kind string

const (
	// Transient covers network errors, timeouts, remote rate limits, and
	// temporary unavailability — worth retrying as-is.
	Transient Kind = "transient"

	// NonRetryable covers authentication/authorization failures,
	// permission denials, quota/budget exhaustion, invalid input, and
	// missing resources — retrying will not help.
	NonRetryable Kind = "non_retryable"

	// Fatal covers KV or broker unavailability: the backbone itself, not
	// the job, is unhealthy. Surfaced as an ordinary queue error; the
	// worker backs off and retries like a transient failure, but the
	// condition also warrants operator attention.
	Fatal Kind = "fatal"

	// Programmer covers panics and unexpected errors. The worker's panic
	// recovery (pkg/worker's invokeHandler) tags its synthesized error with
	// this kind; for classification purposes it is treated the same as
	// Transient.
	Programmer Kind = "programmer"
)

// wrapped associates a Kind with an underlying error.
type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return fmt.Sprintf("%s: %s", w.kind, w.err) }
func (w *wrapped) Unwrap() error { return w.err }

// New tags err with kind. A nil err returns nil.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

// Of reports the Kind tagged onto err via New, walking its unwrap chain.
// An untagged error reports Transient, matching the spec's default
// treatment of unclassified failures as retryable.
func Of(err error) Kind {
	var w *wrapped
	if errors.As(err, &w) {
		return w.kind
	}
	return Transient
}

// Retryable reports whether a job that failed with err should be given
// another attempt, per the Transient/Fatal/Programmer-retry,
// NonRetryable-escalate split.
func Retryable(err error) bool {
	return Of(err) != NonRetryable
}
