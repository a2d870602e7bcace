package model

import (
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskCancelled TaskStatus = "cancelled"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskPaused, TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// Audience selects recipients at creation time. Explicit customer ids win
// over the filter fields.
type Audience struct {
	CustomerIDs []string `json:"customerIds,omitempty"`
	Priority    []int    `json:"priority,omitempty"`
	Country     []string `json:"country,omitempty"`
}

type Task struct {
	ID           uuid.UUID
	OwnerID      string
	Name         string
	TemplateRef  string
	TransportRef string
	Audience     Audience

	TotalCount   int
	SentCount    int
	SuccessCount int
	FailedCount  int

	Status TaskStatus

	ScheduledAt *time.Time
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Progress returns the sent share in percent.
func (t Task) Progress() float64 {
	if t.TotalCount <= 0 {
		return 0
	}
	return float64(t.SentCount) / float64(t.TotalCount) * 100
}

// Counters is a delta applied to a task's counters at a checkpoint.
type Counters struct {
	Sent    int
	Success int
	Failed  int
}

func (c Counters) IsZero() bool {
	return c.Sent == 0 && c.Success == 0 && c.Failed == 0
}

type TaskFilter struct {
	OwnerID string
	Status  TaskStatus
	Limit   int
	Offset  int
}
