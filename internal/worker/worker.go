// Package worker drains the pending recipient logs of one task at a time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/bulk-dispatch/internal/cache"
	"github.com/LeventeLantos/bulk-dispatch/internal/directory"
	"github.com/LeventeLantos/bulk-dispatch/internal/metrics"
	"github.com/LeventeLantos/bulk-dispatch/internal/model"
	"github.com/LeventeLantos/bulk-dispatch/internal/ratelimit"
	"github.com/LeventeLantos/bulk-dispatch/internal/transport"
)

// Store is the subset of the task and log repositories a worker writes to.
type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (model.Task, error)
	TransitionTask(ctx context.Context, id uuid.UUID, from []model.TaskStatus, to model.TaskStatus, at time.Time) error
	AddCounters(ctx context.Context, id uuid.UUID, delta model.Counters) error
	ReconcileCounters(ctx context.Context, id uuid.UUID) (model.Counters, error)
	FetchPending(ctx context.Context, taskID uuid.UUID, limit int) ([]model.RecipientLog, error)
	MarkSending(ctx context.Context, id uuid.UUID) (bool, error)
	MarkSuccess(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, code, message string) error
}

type Options struct {
	BatchSize       int
	CheckpointEvery int
	SendInterval    time.Duration
	// SendTimeout applies when the transport config has no timeout of its own.
	SendTimeout time.Duration
}

func DefaultOptions() Options {
	return Options{
		BatchSize:       100,
		CheckpointEvery: 10,
		SendInterval:    100 * time.Millisecond,
		SendTimeout:     30 * time.Second,
	}
}

type StopReason string

const (
	StopExhausted     StopReason = "exhausted"
	StopStatusChanged StopReason = "status_changed"
	StopSignaled      StopReason = "signaled"
	StopShutdown      StopReason = "shutdown"
	StopError         StopReason = "error"
)

type Result struct {
	Reason    StopReason
	Processed int
	Counters  model.Counters
}

type Worker struct {
	store       Store
	configs     directory.TransportConfigSource
	sender      transport.Transport
	attachments directory.AttachmentSource
	receipts    cache.ReceiptStore
	metrics     metrics.Sink
	opts        Options
	now         func() time.Time
}

func New(store Store, configs directory.TransportConfigSource, sender transport.Transport, opts Options) (*Worker, error) {
	if store == nil || configs == nil || sender == nil {
		return nil, errors.New("store, configs and sender must not be nil")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.New("batch size must be > 0")
	}
	if opts.CheckpointEvery <= 0 {
		return nil, errors.New("checkpoint interval must be > 0")
	}
	if opts.SendTimeout <= 0 {
		return nil, errors.New("send timeout must be > 0")
	}
	return &Worker{
		store:   store,
		configs: configs,
		sender:  sender,
		metrics: metrics.NewNoopSink(),
		opts:    opts,
		now:     time.Now,
	}, nil
}

func (w *Worker) WithAttachments(src directory.AttachmentSource) *Worker {
	w.attachments = src
	return w
}

// WithReceipts enables the delivery receipt check that skips recipients the
// transport already accepted.
func (w *Worker) WithReceipts(r cache.ReceiptStore) *Worker {
	w.receipts = r
	return w
}

func (w *Worker) WithMetrics(sink metrics.Sink) *Worker {
	if sink != nil {
		w.metrics = sink
	}
	return w
}

func (w *Worker) WithClock(now func() time.Time) *Worker {
	w.now = now
	return w
}

// Run drains taskID while it stays running. Closing stop ends the run after
// the recipient currently in flight; cancelling ctx aborts in-flight work.
// Counters are always flushed before Run returns.
func (w *Worker) Run(ctx context.Context, taskID uuid.UUID, stop <-chan struct{}) (Result, error) {
	task, err := w.store.GetTask(ctx, taskID)
	if err != nil {
		return Result{Reason: StopError}, fmt.Errorf("load task %s: %w", taskID, err)
	}
	if task.Status != model.TaskRunning {
		return Result{Reason: StopStatusChanged}, nil
	}

	// Checkpoints lost to a crash or a failed flush are recovered from the logs.
	c, err := w.store.ReconcileCounters(ctx, taskID)
	if err != nil {
		return Result{Reason: StopError}, fmt.Errorf("reconcile task %s: %w", taskID, err)
	}
	if c.Sent != task.SentCount || c.Success != task.SuccessCount || c.Failed != task.FailedCount {
		slog.Warn("task counters reconciled",
			"task_id", taskID,
			"sent", c.Sent,
			"was_sent", task.SentCount,
			"success", c.Success,
			"failed", c.Failed,
		)
	}

	r := &run{
		w:       w,
		taskID:  taskID,
		limiter: ratelimit.NewInterval(w.opts.SendInterval),
	}

	cfg, err := w.configs.TransportConfig(ctx, task.OwnerID, task.TransportRef)
	switch {
	case errors.Is(err, model.ErrNotFound):
		slog.Error("transport config missing, failing remaining recipients",
			"task_id", taskID,
			"transport_ref", task.TransportRef,
		)
		r.unavailable = &transport.SendError{
			Code:    transport.CodeUnsupportedTransport,
			Message: fmt.Sprintf("transport config %q not found", task.TransportRef),
		}
	case err != nil:
		slog.Error("transport config lookup failed, task left running; pause and resume it to retry",
			"task_id", taskID,
			"transport_ref", task.TransportRef,
			"err", err,
		)
		return Result{Reason: StopError}, fmt.Errorf("task %s transport config %q: %w", taskID, task.TransportRef, err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = w.opts.SendTimeout
	}
	r.cfg = cfg

	if w.attachments != nil && r.unavailable == nil {
		r.attachments, err = w.attachments.Attachments(ctx, task.OwnerID, task.TemplateRef)
		if err != nil {
			slog.Error("attachment lookup failed, task left running; pause and resume it to retry",
				"task_id", taskID,
				"template_ref", task.TemplateRef,
				"err", err,
			)
			return Result{Reason: StopError}, fmt.Errorf("task %s attachments: %w", taskID, err)
		}
	}

	w.metrics.WorkersActiveIncr()
	defer w.metrics.WorkersActiveDecr()

	slog.Info("worker started", "task_id", taskID, "sent", c.Sent, "total", task.TotalCount)

	reason, runErr := r.drain(ctx, stop)

	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := r.flush(flushCtx); err != nil {
		slog.Error("worker final checkpoint failed", "task_id", taskID, "err", err)
		runErr = errors.Join(runErr, err)
		reason = StopError
	}

	if reason == StopExhausted && runErr == nil {
		if _, err := w.store.ReconcileCounters(flushCtx, taskID); err != nil {
			slog.Warn("counter reconcile before completion failed", "task_id", taskID, "err", err)
		}
		err := w.store.TransitionTask(flushCtx, taskID, []model.TaskStatus{model.TaskRunning}, model.TaskCompleted, w.now().UTC())
		switch {
		case err == nil:
			w.metrics.TaskTransition(string(model.TaskCompleted))
			slog.Info("task completed", "task_id", taskID, "processed", r.processed)
		case errors.Is(err, model.ErrInvalidState):
			reason = StopStatusChanged
		default:
			runErr = fmt.Errorf("complete task %s: %w", taskID, err)
			reason = StopError
		}
	}

	res := Result{Reason: reason, Processed: r.processed, Counters: r.total}
	slog.Info("worker stopped",
		"task_id", taskID,
		"reason", string(reason),
		"processed", r.processed,
		"success", r.total.Success,
		"failed", r.total.Failed,
	)
	return res, runErr
}

// run holds the state of one Worker.Run call.
type run struct {
	w           *Worker
	taskID      uuid.UUID
	cfg         transport.Config
	attachments []transport.Attachment
	limiter     ratelimit.Limiter
	// unavailable, when set, fails every recipient without calling the transport.
	unavailable *transport.SendError

	processed int
	pending   model.Counters
	total     model.Counters
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

func (r *run) drain(ctx context.Context, stop <-chan struct{}) (StopReason, error) {
	for {
		if stopped(stop) {
			return StopSignaled, nil
		}
		if ctx.Err() != nil {
			return StopShutdown, nil
		}

		task, err := r.w.store.GetTask(ctx, r.taskID)
		if err != nil {
			return StopError, fmt.Errorf("reload task: %w", err)
		}
		if task.Status != model.TaskRunning {
			return StopStatusChanged, nil
		}

		batch, err := r.w.store.FetchPending(ctx, r.taskID, r.w.opts.BatchSize)
		if err != nil {
			return StopError, fmt.Errorf("fetch pending: %w", err)
		}
		if len(batch) == 0 {
			return StopExhausted, nil
		}

		for _, l := range batch {
			if stopped(stop) {
				return StopSignaled, nil
			}
			if ctx.Err() != nil {
				return StopShutdown, nil
			}
			if err := r.process(ctx, l); err != nil {
				if ctx.Err() != nil {
					return StopShutdown, nil
				}
				return StopError, err
			}
		}
	}
}

func (r *run) process(ctx context.Context, l model.RecipientLog) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}

	claimed, err := r.w.store.MarkSending(ctx, l.ID)
	if err != nil {
		return fmt.Errorf("mark sending %s: %w", l.ID, err)
	}
	if !claimed {
		return nil
	}

	if r.w.receipts != nil && r.unavailable == nil {
		rc, ok, err := r.w.receipts.LookupReceipt(ctx, l.ID)
		if err != nil {
			slog.Warn("receipt lookup failed", "task_id", r.taskID, "log_id", l.ID, "err", err)
		}
		if ok {
			if err := r.w.store.MarkSuccess(ctx, l.ID, rc.SentAt); err != nil {
				return fmt.Errorf("mark success %s: %w", l.ID, err)
			}
			r.w.metrics.SendCompleted(metrics.OutcomeDuplicate, 0)
			return r.record(ctx, true)
		}
	}

	msg := transport.Message{
		To:          l.Recipient.Address,
		ToName:      l.Recipient.Name,
		Subject:     l.Subject,
		Body:        l.Body,
		Attachments: r.attachments,
	}

	var (
		remoteID string
		sendErr  error
		elapsed  time.Duration
	)
	if r.unavailable != nil {
		sendErr = r.unavailable
	} else {
		sendCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		start := time.Now()
		remoteID, sendErr = r.w.sender.Send(sendCtx, r.cfg, msg)
		elapsed = time.Since(start)
		cancel()
	}

	if sendErr != nil {
		se := transport.AsSendError(sendErr)
		slog.Warn("recipient send failed",
			"task_id", r.taskID,
			"log_id", l.ID,
			"code", se.Code,
			"err", se.Message,
		)
		if err := r.w.store.MarkFailed(ctx, l.ID, se.Code, se.Message); err != nil {
			return fmt.Errorf("mark failed %s: %w", l.ID, err)
		}
		r.w.metrics.SendCompleted(metrics.OutcomeFailed, elapsed)
		return r.record(ctx, false)
	}

	// Receipt first: an accepted send must be found by the next run even if
	// MarkSuccess never lands.
	sentAt := r.w.now().UTC()
	if r.w.receipts != nil {
		if err := r.w.receipts.StoreReceipt(context.WithoutCancel(ctx), l.ID, remoteID, sentAt); err != nil {
			slog.Warn("receipt store failed", "task_id", r.taskID, "log_id", l.ID, "err", err)
		}
	}
	if err := r.w.store.MarkSuccess(ctx, l.ID, sentAt); err != nil {
		return fmt.Errorf("mark success %s: %w", l.ID, err)
	}
	r.w.metrics.SendCompleted(metrics.OutcomeSuccess, elapsed)
	return r.record(ctx, true)
}

func (r *run) record(ctx context.Context, success bool) error {
	r.pending.Sent++
	r.total.Sent++
	if success {
		r.pending.Success++
		r.total.Success++
	} else {
		r.pending.Failed++
		r.total.Failed++
	}

	r.processed++
	if r.processed%r.w.opts.CheckpointEvery == 0 {
		return r.flush(ctx)
	}
	return nil
}

// flush writes the counters accumulated since the last checkpoint.
func (r *run) flush(ctx context.Context) error {
	if r.pending.IsZero() {
		return nil
	}
	if err := r.w.store.AddCounters(ctx, r.taskID, r.pending); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}
	r.pending = model.Counters{}
	r.w.metrics.CheckpointFlushed()
	return nil
}
