package metrics

import "time"

// Sink records dispatch metrics. Implementations must not block or return
// errors.
type Sink interface {
	// Worker metrics
	SendCompleted(outcome string, duration time.Duration)
	CheckpointFlushed()
	WorkersActiveIncr()
	WorkersActiveDecr()

	// Lifecycle metrics
	TaskTransition(to string)
	ScheduledStarts(started int, err error)
}

// Outcome constants for SendCompleted.
const (
	OutcomeSuccess   = "success"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)
