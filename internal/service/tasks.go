// Package service implements the task lifecycle: creation, the guarded status
// transitions and handing running tasks to the worker pool.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/directory"
	"github.com/LeventeLantos/bulk-dispatch/internal/metrics"
	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/repo"
)

// Dispatcher runs tasks in the background. The worker pool implements it.
type Dispatcher interface {
	Submit(taskID uuid.UUID) error
	Signal(taskID uuid.UUID) bool
	// Active reports whether a runner for the task is queued or still running.
	Active(taskID uuid.UUID) bool
}

type CreateRequest struct {
	Name         string
	TemplateRef  string
	TransportRef string
	Audience     model.Audience
	ScheduledAt  *time.Time
}

type CreateResult struct {
	TaskID     uuid.UUID
	TotalCount int
	Status     model.TaskStatus
}

type RetryResult struct {
	Reset    int
	Reopened bool
}

const dueBatchSize = 50

type TaskService struct {
	store      repo.Store
	audience   directory.AudienceResolver
	templates  directory.TemplateSource
	transports directory.TransportConfigSource
	dispatcher Dispatcher
	metrics    metrics.Sink
	now        func() time.Time
}

func NewTaskService(
	store repo.Store,
	audience directory.AudienceResolver,
	templates directory.TemplateSource,
	transports directory.TransportConfigSource,
	dispatcher Dispatcher,
) *TaskService {
	return &TaskService{
		store:      store,
		audience:   audience,
		templates:  templates,
		transports: transports,
		dispatcher: dispatcher,
		metrics:    metrics.NewNoopSink(),
		now:        time.Now,
	}
}

func (s *TaskService) WithMetrics(sink metrics.Sink) *TaskService {
	if sink != nil {
		s.metrics = sink
	}
	return s
}

func (s *TaskService) WithClock(now func() time.Time) *TaskService {
	s.now = now
	return s
}

// Create resolves the audience, renders the template for every recipient and
// stores the task with one pending log per recipient. Nothing is stored when
// validation fails.
func (s *TaskService) Create(ctx context.Context, ownerID string, req CreateRequest) (CreateResult, error) {
	if strings.TrimSpace(req.TemplateRef) == "" {
		return CreateResult{}, model.ErrMissingTemplate
	}
	if strings.TrimSpace(req.TransportRef) == "" {
		return CreateResult{}, model.ErrMissingTransport
	}

	tpl, err := s.templates.Template(ctx, ownerID, req.TemplateRef)
	if errors.Is(err, model.ErrNotFound) {
		return CreateResult{}, fmt.Errorf("%w: template %q not found", model.ErrMissingTemplate, req.TemplateRef)
	}
	if err != nil {
		return CreateResult{}, fmt.Errorf("load template: %w", err)
	}

	if _, err := s.transports.TransportConfig(ctx, ownerID, req.TransportRef); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return CreateResult{}, fmt.Errorf("%w: transport config %q not found", model.ErrMissingTransport, req.TransportRef)
		}
		return CreateResult{}, fmt.Errorf("load transport config: %w", err)
	}

	recipients, err := s.audience.ResolveAudience(ctx, ownerID, req.Audience)
	if err != nil {
		return CreateResult{}, fmt.Errorf("resolve audience: %w", err)
	}
	if len(recipients) == 0 {
		return CreateResult{}, model.ErrEmptyAudience
	}

	now := s.now().UTC()
	task := model.Task{
		ID:           uuid.New(),
		OwnerID:      ownerID,
		Name:         req.Name,
		TemplateRef:  req.TemplateRef,
		TransportRef: req.TransportRef,
		Audience:     req.Audience,
		TotalCount:   len(recipients),
		Status:       model.TaskPending,
		ScheduledAt:  req.ScheduledAt,
		CreatedAt:    now,
	}

	logs := make([]model.RecipientLog, len(recipients))
	for i, r := range recipients {
		logs[i] = model.RecipientLog{
			ID:        uuid.New(),
			TaskID:    task.ID,
			Seq:       i,
			Recipient: r,
			Subject:   directory.Render(tpl.Subject, r),
			Body:      directory.Render(tpl.Body, r),
			Status:    model.LogPending,
			CreatedAt: now,
		}
	}

	if err := s.store.CreateTask(ctx, task, logs); err != nil {
		return CreateResult{}, fmt.Errorf("store task: %w", err)
	}

	slog.Info("task created", "task_id", task.ID, "owner_id", ownerID, "total", task.TotalCount)
	return CreateResult{TaskID: task.ID, TotalCount: task.TotalCount, Status: task.Status}, nil
}

// Get returns model.ErrNotFound for tasks of other owners.
func (s *TaskService) Get(ctx context.Context, ownerID string, id uuid.UUID) (model.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return model.Task{}, err
	}
	if t.OwnerID != ownerID {
		return model.Task{}, model.ErrNotFound
	}
	return t, nil
}

func (s *TaskService) List(ctx context.Context, ownerID string, f model.TaskFilter) ([]model.Task, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown task status %q", model.ErrInvalidInput, f.Status)
	}
	f.OwnerID = ownerID
	return s.store.ListTasks(ctx, f)
}

func (s *TaskService) ListLogs(ctx context.Context, ownerID string, f model.LogFilter) ([]model.RecipientLog, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown log status %q", model.ErrInvalidInput, f.Status)
	}
	if _, err := s.Get(ctx, ownerID, f.TaskID); err != nil {
		return nil, 0, err
	}
	return s.store.ListLogs(ctx, f)
}

func (s *TaskService) Start(ctx context.Context, ownerID string, id uuid.UUID) error {
	return s.launch(ctx, ownerID, id, model.TaskPending)
}

func (s *TaskService) Resume(ctx context.Context, ownerID string, id uuid.UUID) error {
	return s.launch(ctx, ownerID, id, model.TaskPaused)
}

func (s *TaskService) Pause(ctx context.Context, ownerID string, id uuid.UUID) error {
	return s.halt(ctx, ownerID, id, []model.TaskStatus{model.TaskRunning}, model.TaskPaused)
}

func (s *TaskService) Cancel(ctx context.Context, ownerID string, id uuid.UUID) error {
	from := []model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskPaused}
	return s.halt(ctx, ownerID, id, from, model.TaskCancelled)
}

// Retry resets failed logs (all of them when logIDs is empty) to pending. A
// completed or cancelled task goes back to running and is handed to a worker.
func (s *TaskService) Retry(ctx context.Context, ownerID string, id uuid.UUID, logIDs []uuid.UUID) (RetryResult, error) {
	task, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return RetryResult{}, err
	}
	// A paused or cancelled task may still have a runner finishing its last
	// recipient and flushing counters.
	if task.Status != model.TaskCompleted && s.dispatcher.Active(id) {
		return RetryResult{}, fmt.Errorf("task %s is still stopping: %w", id, model.ErrInvalidState)
	}

	n, reopened, err := s.store.RetryFailed(ctx, id, logIDs, s.now().UTC())
	if err != nil {
		return RetryResult{}, err
	}

	slog.Info("task retry", "task_id", id, "reset", n, "reopened", reopened)
	if reopened {
		s.metrics.TaskTransition(string(model.TaskRunning))
		s.submit(id)
	}
	return RetryResult{Reset: n, Reopened: reopened}, nil
}

func (s *TaskService) Delete(ctx context.Context, ownerID string, id uuid.UUID) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	s.dispatcher.Signal(id)
	slog.Info("task deleted", "task_id", id)
	return nil
}

// StartDue starts pending tasks whose scheduled time has passed. Tasks started
// or cancelled in the meantime are skipped.
func (s *TaskService) StartDue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.ListDueTasks(ctx, now, dueBatchSize)
	if err != nil {
		s.metrics.ScheduledStarts(0, err)
		return 0, fmt.Errorf("list due tasks: %w", err)
	}

	started := 0
	for _, t := range due {
		err := s.store.TransitionTask(ctx, t.ID, []model.TaskStatus{model.TaskPending}, model.TaskRunning, now)
		if errors.Is(err, model.ErrInvalidState) || errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			s.metrics.ScheduledStarts(started, err)
			return started, fmt.Errorf("start scheduled task %s: %w", t.ID, err)
		}
		s.metrics.TaskTransition(string(model.TaskRunning))
		s.submit(t.ID)
		started++
	}

	s.metrics.ScheduledStarts(started, nil)
	return started, nil
}

// RecoverRunning hands tasks left running by a previous process back to the
// pool. Logs stuck in sending are returned to pending first; the receipt cache
// keeps those that did reach the transport from being sent twice. Counters
// whose checkpoints were lost are rebuilt from the logs.
func (s *TaskService) RecoverRunning(ctx context.Context) (int, error) {
	ids, err := s.store.ListRunningTaskIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list running tasks: %w", err)
	}

	for _, id := range ids {
		n, err := s.store.ResetSending(ctx, id)
		if err != nil {
			return 0, fmt.Errorf("reset sending logs of %s: %w", id, err)
		}
		if n > 0 {
			slog.Warn("recipient logs returned to pending", "task_id", id, "count", n)
		}
		if _, err := s.store.ReconcileCounters(ctx, id); err != nil {
			return 0, fmt.Errorf("reconcile counters of %s: %w", id, err)
		}
		s.submit(id)
	}
	if len(ids) > 0 {
		slog.Info("running tasks recovered", "count", len(ids))
	}
	return len(ids), nil
}

func (s *TaskService) launch(ctx context.Context, ownerID string, id uuid.UUID, from model.TaskStatus) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.TransitionTask(ctx, id, []model.TaskStatus{from}, model.TaskRunning, s.now().UTC()); err != nil {
		return err
	}

	s.metrics.TaskTransition(string(model.TaskRunning))
	slog.Info("task running", "task_id", id, "from", string(from))
	s.submit(id)
	return nil
}

func (s *TaskService) halt(ctx context.Context, ownerID string, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	if err := s.store.TransitionTask(ctx, id, from, to, s.now().UTC()); err != nil {
		return err
	}

	s.metrics.TaskTransition(string(to))
	slog.Info("task halted", "task_id", id, "status", string(to))
	s.dispatcher.Signal(id)
	return nil
}

// submit leaves the task running when the pool refuses it; RecoverRunning
// picks it up on the next start.
func (s *TaskService) submit(id uuid.UUID) {
	if err := s.dispatcher.Submit(id); err != nil {
		slog.Error("task submit failed", "task_id", id, "err", err)
	}
}
