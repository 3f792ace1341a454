package core

import (
	"errors"
	"fmt"
)

// ErrNoDocsFound marks an empty retrieval. It is recoverable: synthesis
// proceeds on whatever corpus exists, including none.
var ErrNoDocsFound = errors.New("no documentation found")

// ErrNotFound is returned by stores when no record exists for a key.
var ErrNotFound = errors.New("not found")

// PlanParseError is fatal: the synthesizer could not produce a schema-valid
// plan within its local retry budget. The run ends without consuming any
// attempts.
type PlanParseError struct {
	Tries int
	Cause error
}

func (e *PlanParseError) Error() string {
	return fmt.Sprintf("no schema-valid mapping plan after %d inference calls: %v", e.Tries, e.Cause)
}

func (e *PlanParseError) Unwrap() error { return e.Cause }

// StagnationError is fatal: the replanner could not produce a materially
// different spec within one local retry. Ending the run here keeps a no-op
// loop from burning the remaining attempt budget.
type StagnationError struct {
	Attempt int
}

func (e *StagnationError) Error() string {
	return fmt.Sprintf("replan after attempt %d produced no materially different spec", e.Attempt)
}

// BudgetExhaustedError ends a run that kept making distinct proposals but
// ran out of attempts.
type BudgetExhaustedError struct {
	MaxAttempts int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("attempt budget of %d exhausted", e.MaxAttempts)
}

// DeadlineError ends a run whose wall-clock deadline passed, with the
// attempts completed so far preserved in the record.
type DeadlineError struct {
	Attempts int
}

func (e *DeadlineError) Error() string {
	return fmt.Sprintf("run deadline exceeded after %d attempts", e.Attempts)
}

// FetchError is a per-URL retrieval failure. It is logged and skipped; one
// bad URL never aborts the batch.
type FetchError struct {
	URL    string
	Status int
	Cause  error
}

func (e *FetchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("fetching %s: %v", e.URL, e.Cause)
	}
	return fmt.Sprintf("fetching %s: status %d", e.URL, e.Status)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// PersistenceError reports a failed mapping upsert after a successful
// discovery. It never downgrades the run's success.
type PersistenceError struct {
	EMRID string
	Cause error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting mapping for %q: %v", e.EMRID, e.Cause)
}

func (e *PersistenceError) Unwrap() error { return e.Cause }
