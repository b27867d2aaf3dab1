package worker

import (
	"context"
	"time"
)

// Outcome is the result of one poll cycle.
type Outcome string

const (
	OutcomeNoJob     Outcome = "no_job"
	OutcomeCompleted Outcome = "completed"
	OutcomeRetry     Outcome = "retry"
	OutcomeFailed    Outcome = "failed"
	OutcomeDropped   Outcome = "dropped"
	OutcomeError     Outcome = "error"
)

// Processed reports whether a job reached a handler and was finalized.
func (o Outcome) Processed() bool {
	switch o {
	case OutcomeCompleted, OutcomeRetry, OutcomeFailed, OutcomeDropped:
		return true
	}
	return false
}

// Run describes one handler execution for status sinks.
type Run struct {
	WorkerID string
	Kind     string
	JobID    int64
	Attempt  int
	Outcome  Outcome
	Duration time.Duration
	Error    string
	At       time.Time
}

// StatusSink records run outcomes. Errors are logged and never change a job's outcome.
type StatusSink interface {
	Record(ctx context.Context, run Run) error
}

// CaseStatusUpdater sets the externally visible status of the case a job refers to.
type CaseStatusUpdater interface {
	SetEnrichmentStatus(ctx context.Context, caseNumber, status string) error
}
