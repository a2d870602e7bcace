package metrics

import "time"

// NoopSink is used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) SendCompleted(outcome string, duration time.Duration) {}
func (n *NoopSink) CheckpointFlushed()                                   {}
func (n *NoopSink) WorkersActiveIncr()                                   {}
func (n *NoopSink) WorkersActiveDecr()                                   {}
func (n *NoopSink) TaskTransition(to string)                             {}
func (n *NoopSink) ScheduledStarts(started int, err error)               {}
