package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrPoolClosed = errors.New("worker pool is shut down")

// Runner drains one task; *Worker implements it.
type Runner interface {
	Run(ctx context.Context, taskID uuid.UUID, stop <-chan struct{}) (Result, error)
}

// handle is the pool's control record for a task that is queued or running.
type handle struct {
	stop    chan struct{}
	stopped bool
	rerun   bool
}

// Pool runs at most one Runner per task on a fixed number of goroutines.
// Callers refer to tasks only by id: Submit queues a task, Signal asks its
// runner to stop after the current recipient.
type Pool struct {
	runner Runner
	size   int

	mu      sync.Mutex
	queue   []uuid.UUID
	active  map[uuid.UUID]*handle
	started bool
	closed  bool

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewPool(runner Runner, size int) (*Pool, error) {
	if runner == nil {
		return nil, errors.New("runner must not be nil")
	}
	if size <= 0 {
		return nil, errors.New("pool size must be > 0")
	}
	return &Pool{
		runner: runner,
		size:   size,
		active: make(map[uuid.UUID]*handle),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}, nil
}

// Start launches the pool goroutines. It returns false if the pool was
// already started or shut down.
func (p *Pool) Start(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started || p.closed {
		return false
	}
	p.started = true

	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
	slog.Info("worker pool started", "size", p.size)
	return true
}

// Submit queues taskID. If a runner for the task is already queued or
// running, the request is coalesced: the runner goes around once more when
// its current run ends instead of a second runner being started.
func (p *Pool) Submit(taskID uuid.UUID) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}
	if h, ok := p.active[taskID]; ok {
		h.rerun = true
		p.mu.Unlock()
		return nil
	}
	p.active[taskID] = &handle{stop: make(chan struct{})}
	p.queue = append(p.queue, taskID)
	p.mu.Unlock()

	p.wake()
	return nil
}

// Signal asks the runner of taskID to stop at its next checkpoint. It
// reports whether the task had a queued or running runner.
func (p *Pool) Signal(taskID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	h, ok := p.active[taskID]
	if !ok {
		return false
	}
	h.signal()
	h.rerun = false
	return true
}

func (p *Pool) Active(taskID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.active[taskID]
	return ok
}

func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Shutdown signals every runner, drops queued tasks and waits for the pool
// goroutines until ctx is done.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, h := range p.active {
			h.signal()
		}
		close(p.done)
	}
	p.mu.Unlock()

	waitCh := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(waitCh)
	}()

	select {
	case <-waitCh:
		slog.Info("worker pool stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *handle) signal() {
	if !h.stopped {
		close(h.stop)
		h.stopped = true
	}
}

func (p *Pool) wake() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

func (p *Pool) loop(ctx context.Context, idx int) {
	defer p.wg.Done()

	for {
		taskID, ok := p.next(ctx)
		if !ok {
			return
		}
		p.execute(ctx, idx, taskID)
	}
}

func (p *Pool) next(ctx context.Context) (uuid.UUID, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return uuid.Nil, false
		}
		if len(p.queue) > 0 {
			id := p.queue[0]
			p.queue = p.queue[1:]
			more := len(p.queue) > 0
			p.mu.Unlock()
			if more {
				p.wake()
			}
			return id, true
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return uuid.Nil, false
		case <-p.done:
			return uuid.Nil, false
		case <-p.notify:
		}
	}
}

func (p *Pool) execute(ctx context.Context, idx int, taskID uuid.UUID) {
	for {
		p.mu.Lock()
		h := p.active[taskID]
		if h.stopped {
			if !h.rerun || p.closed {
				delete(p.active, taskID)
				p.mu.Unlock()
				return
			}
			h.stop = make(chan struct{})
			h.stopped = false
		}
		h.rerun = false
		stop := h.stop
		p.mu.Unlock()

		p.safeRun(ctx, idx, taskID, stop)

		p.mu.Lock()
		if !h.rerun {
			delete(p.active, taskID)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
	}
}

func (p *Pool) safeRun(ctx context.Context, idx int, taskID uuid.UUID, stop <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panic recovered", "worker", idx, "task_id", taskID, "panic", r)
		}
	}()

	start := time.Now()
	res, err := p.runner.Run(ctx, taskID, stop)
	if err != nil {
		slog.Error("worker run failed",
			"worker", idx,
			"task_id", taskID,
			"reason", string(res.Reason),
			"err", err,
		)
		return
	}
	slog.Info("worker run finished",
		"worker", idx,
		"task_id", taskID,
		"reason", string(res.Reason),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
