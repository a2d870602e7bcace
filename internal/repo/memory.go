package repo

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/model"
)

// MemoryStore is an in-process Store with the same transition rules as
// PostgresStore. It backs tests and local runs without a database.
type MemoryStore struct {
	mu     sync.Mutex
	tasks  map[uuid.UUID]*model.Task
	logs   map[uuid.UUID]*model.RecipientLog
	byTask map[uuid.UUID][]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[uuid.UUID]*model.Task),
		logs:   make(map[uuid.UUID]*model.RecipientLog),
		byTask: make(map[uuid.UUID][]uuid.UUID),
	}
}

func copyTask(t *model.Task) model.Task {
	out := *t
	out.Audience.CustomerIDs = slices.Clone(t.Audience.CustomerIDs)
	out.Audience.Priority = slices.Clone(t.Audience.Priority)
	out.Audience.Country = slices.Clone(t.Audience.Country)
	return out
}

func (s *MemoryStore) CreateTask(ctx context.Context, task model.Task, logs []model.RecipientLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task %s already exists", task.ID)
	}

	t := copyTask(&task)
	s.tasks[task.ID] = &t

	ids := make([]uuid.UUID, 0, len(logs))
	for i := range logs {
		l := logs[i]
		s.logs[l.ID] = &l
		ids = append(ids, l.ID)
	}
	sort.SliceStable(ids, func(i, j int) bool { return s.logs[ids[i]].Seq < s.logs[ids[j]].Seq })
	s.byTask[task.ID] = ids
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id uuid.UUID) (model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.Task{}, model.ErrNotFound
	}
	return copyTask(t), nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f model.TaskFilter) ([]model.Task, int, error) {
	limit, offset := normalizePage(f.Limit, f.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []model.Task
	for _, t := range s.tasks {
		if t.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		matched = append(matched, copyTask(t))
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	return page(matched, limit, offset), len(matched), nil
}

func (s *MemoryStore) ListDueTasks(ctx context.Context, now time.Time, limit int) ([]model.Task, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []model.Task
	for _, t := range s.tasks {
		if t.Status == model.TaskPending && t.ScheduledAt != nil && !t.ScheduledAt.After(now) {
			due = append(due, copyTask(t))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledAt.Before(*due[j].ScheduledAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) ListRunningTaskIDs(ctx context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []uuid.UUID
	for id, t := range s.tasks {
		if t.Status == model.TaskRunning {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *MemoryStore) TransitionTask(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if !slices.Contains(from, t.Status) {
		return model.ErrInvalidState
	}

	t.Status = to
	switch to {
	case model.TaskRunning:
		if t.StartedAt == nil {
			ts := at
			t.StartedAt = &ts
		}
		t.CompletedAt = nil
	case model.TaskCompleted:
		ts := at
		t.CompletedAt = &ts
	}
	return nil
}

func (s *MemoryStore) AddCounters(ctx context.Context, id uuid.UUID, delta model.Counters) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	t.SentCount += delta.Sent
	t.SuccessCount += delta.Success
	t.FailedCount += delta.Failed
	return nil
}

func (s *MemoryStore) RetryFailed(ctx context.Context, id uuid.UUID, logIDs []uuid.UUID, at time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return 0, false, model.ErrNotFound
	}
	if t.Status == model.TaskRunning {
		return 0, false, model.ErrInvalidState
	}

	n := 0
	for _, lid := range s.byTask[id] {
		l := s.logs[lid]
		if l.Status != model.LogFailed {
			continue
		}
		if len(logIDs) > 0 && !slices.Contains(logIDs, lid) {
			continue
		}
		l.Status = model.LogPending
		l.RetryCount++
		l.ErrorCode = nil
		l.ErrorMessage = nil
		n++
	}
	if n == 0 {
		return 0, false, nil
	}

	s.reconcile(id)

	reopened := false
	if t.Status == model.TaskCompleted || t.Status == model.TaskCancelled {
		t.Status = model.TaskRunning
		t.CompletedAt = nil
		if t.StartedAt == nil {
			ts := at
			t.StartedAt = &ts
		}
		reopened = true
	}
	return n, reopened, nil
}

func (s *MemoryStore) ReconcileCounters(ctx context.Context, id uuid.UUID) (model.Counters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return model.Counters{}, model.ErrNotFound
	}
	return s.reconcile(id), nil
}

// reconcile must be called with s.mu held.
func (s *MemoryStore) reconcile(id uuid.UUID) model.Counters {
	var c model.Counters
	for _, lid := range s.byTask[id] {
		switch s.logs[lid].Status {
		case model.LogSuccess:
			c.Success++
		case model.LogFailed:
			c.Failed++
		}
	}
	c.Sent = c.Success + c.Failed

	t := s.tasks[id]
	t.SentCount = c.Sent
	t.SuccessCount = c.Success
	t.FailedCount = c.Failed
	return c
}

func (s *MemoryStore) DeleteTask(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return model.ErrNotFound
	}
	if t.Status == model.TaskRunning {
		return model.ErrInvalidState
	}
	for _, lid := range s.byTask[id] {
		delete(s.logs, lid)
	}
	delete(s.byTask, id)
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) FetchPending(ctx context.Context, taskID uuid.UUID, limit int) ([]model.RecipientLog, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.RecipientLog
	for _, lid := range s.byTask[taskID] {
		l := s.logs[lid]
		if l.Status != model.LogPending {
			continue
		}
		out = append(out, *l)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSending(ctx context.Context, id uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.logs[id]
	if !ok {
		return false, model.ErrNotFound
	}
	if l.Status != model.LogPending {
		return false, nil
	}
	l.Status = model.LogSending
	return true, nil
}

func (s *MemoryStore) MarkSuccess(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.sendingLog(id)
	if err != nil {
		return err
	}
	ts := sentAt
	l.Status = model.LogSuccess
	l.SentAt = &ts
	l.ErrorCode = nil
	l.ErrorMessage = nil
	return nil
}

func (s *MemoryStore) MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.sendingLog(id)
	if err != nil {
		return err
	}
	l.Status = model.LogFailed
	l.ErrorCode = &code
	l.ErrorMessage = &message
	return nil
}

func (s *MemoryStore) ResetSending(ctx context.Context, taskID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, lid := range s.byTask[taskID] {
		l := s.logs[lid]
		if l.Status == model.LogSending {
			l.Status = model.LogPending
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) sendingLog(id uuid.UUID) (*model.RecipientLog, error) {
	l, ok := s.logs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	if l.Status != model.LogSending {
		return nil, fmt.Errorf("recipient log %s not in sending state: %w", id, model.ErrInvalidState)
	}
	return l, nil
}

func (s *MemoryStore) ListLogs(ctx context.Context, f model.LogFilter) ([]model.RecipientLog, int, error) {
	limit, offset := normalizePage(f.Limit, f.Offset)

	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []model.RecipientLog
	for _, lid := range s.byTask[f.TaskID] {
		l := s.logs[lid]
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		matched = append(matched, *l)
	}
	return page(matched, limit, offset), len(matched), nil
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
