package queue

import "time"

// Outcome is the result of one task run.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetried   Outcome = "retried"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Observer is notified after each task run. Calls happen on worker goroutines.
type Observer interface {
	TaskFinished(taskName string, outcome Outcome, attempt int, duration time.Duration)
}

type noopObserver struct{}

func (noopObserver) TaskFinished(string, Outcome, int, time.Duration) {}
