package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// TaskRepository persists dispatch tasks. Status changes go through
// TransitionTask, which only succeeds when the current status is one of from;
// it returns model.ErrInvalidState otherwise and model.ErrNotFound for an
// unknown id.
type TaskRepository interface {
	CreateTask(ctx context.Context, task model.Task, logs []model.RecipientLog) error
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, int, error)
	ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error)
	ListRunningTaskIDs(ctx context.Context) ([]uuid.UUID, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, at time.Time) error
	AddCounters(ctx context.Context, id uuid.UUID, delta model.Counters) error
	// ReconcileCounters recomputes sent, success and failed from the task's
	// recipient logs, replacing whatever checkpoints left behind.
	ReconcileCounters(ctx context.Context, id uuid.UUID) (model.Counters, error)
	// RetryFailed resets failed logs (all of them when logIDs is empty) to
	// pending and reconciles the task counters. A completed or cancelled task
	// is reopened to running when at least one log was reset.
	RetryFailed(ctx context.Context, id uuid.UUID, logIDs []uuid.UUID, at time.Time) (reset int, reopened bool, err error)
	DeleteTask(ctx context.Context, id uuid.UUID) error
}

// LogRepository persists recipient logs. Mark* methods are guarded by the
// expected current status so only pending->sending->{success,failed} can
// happen through them.
type LogRepository interface {
	FetchPending(ctx context.Context, taskID uuid.UUID, limit int) ([]model.RecipientLog, error)
	MarkSending(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSuccess(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error
	// ResetSending returns logs left in sending by an interrupted worker to
	// pending.
	ResetSending(ctx context.Context, taskID uuid.UUID) (int, error)
	ListLogs(ctx context.Context, f model.LogFilter) ([]model.RecipientLog, int, error)
}

type Store interface {
	TaskRepository
	LogRepository
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func normalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func statusStrings(in []model.TaskStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
