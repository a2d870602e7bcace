package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// blockingRunner runs until stop is closed or release is closed.
type blockingRunner struct {
	mu      sync.Mutex
	running map[uuid.UUID]int
	maxPer  int
	runs    atomic.Int32
	started chan uuid.UUID
	release chan struct{}
	panicOn uuid.UUID
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		running: make(map[uuid.UUID]int),
		started: make(chan uuid.UUID, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, taskID uuid.UUID, stop <-chan struct{}) (Result, error) {
	if taskID == r.panicOn {
		panic("boom")
	}

	r.mu.Lock()
	r.running[taskID]++
	if r.running[taskID] > r.maxPer {
		r.maxPer = r.running[taskID]
	}
	r.mu.Unlock()
	r.runs.Add(1)
	r.started <- taskID

	defer func() {
		r.mu.Lock()
		r.running[taskID]--
		r.mu.Unlock()
	}()

	select {
	case <-stop:
		return Result{Reason: StopSignaled}, nil
	case <-r.release:
		return Result{Reason: StopExhausted}, nil
	case <-ctx.Done():
		return Result{Reason: StopShutdown}, nil
	}
}

func waitStarted(t *testing.T, r *blockingRunner) uuid.UUID {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not start")
	}
	return uuid.Nil
}

func waitInactive(t *testing.T, p *Pool, id uuid.UUID) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.Active(id) {
		if time.Now().After(deadline) {
			t.Fatalf("task %s still active", id)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestPool(t *testing.T, r Runner, size int) *Pool {
	t.Helper()
	p, err := NewPool(r, size)
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	if !p.Start(context.Background()) {
		t.Fatalf("Start() returned false")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Shutdown(ctx)
	})
	return p
}

func TestNewPool_Validation(t *testing.T) {
	if _, err := NewPool(nil, 1); err == nil {
		t.Fatalf("expected error for nil runner")
	}
	if _, err := NewPool(newBlockingRunner(), 0); err == nil {
		t.Fatalf("expected error for zero size")
	}
}

func TestPool_StartTwice(t *testing.T) {
	p := newTestPool(t, newBlockingRunner(), 1)
	if p.Start(context.Background()) {
		t.Fatalf("expected second Start() to return false")
	}
}

func TestPool_SignalStopsRunner(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, r, 2)
	id := uuid.New()

	if err := p.Submit(id); err != nil {
		t.Fatalf("Submit() error: %v", err)
	}
	waitStarted(t, r)

	if !p.Signal(id) {
		t.Fatalf("expected Signal() to find the task")
	}
	waitInactive(t, p, id)

	if p.Signal(id) {
		t.Fatalf("expected Signal() on an idle task to return false")
	}
}

func TestPool_SubmitCoalescesPerTask(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, r, 4)
	id := uuid.New()

	_ = p.Submit(id)
	waitStarted(t, r)

	for i := 0; i < 5; i++ {
		_ = p.Submit(id)
	}
	if p.ActiveCount() != 1 {
		t.Fatalf("expected 1 active task, got %d", p.ActiveCount())
	}

	close(r.release)
	waitInactive(t, p, id)

	r.mu.Lock()
	maxPer := r.maxPer
	r.mu.Unlock()
	if maxPer != 1 {
		t.Fatalf("expected at most one concurrent run per task, got %d", maxPer)
	}
	// The first run plus exactly one coalesced rerun.
	if got := r.runs.Load(); got != 2 {
		t.Fatalf("expected 2 runs, got %d", got)
	}
}

func TestPool_ResubmitAfterSignalReruns(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, r, 1)
	id := uuid.New()

	_ = p.Submit(id)
	waitStarted(t, r)

	p.Signal(id)
	_ = p.Submit(id)

	// Either the rerun of the signalled handle or a fresh submission starts.
	if got := waitStarted(t, r); got != id {
		t.Fatalf("expected rerun of %s, got %s", id, got)
	}
	p.Signal(id)
	waitInactive(t, p, id)
}

func TestPool_RunsDifferentTasksConcurrently(t *testing.T) {
	r := newBlockingRunner()
	p := newTestPool(t, r, 2)
	a, b := uuid.New(), uuid.New()

	_ = p.Submit(a)
	_ = p.Submit(b)
	waitStarted(t, r)
	waitStarted(t, r)

	close(r.release)
	waitInactive(t, p, a)
	waitInactive(t, p, b)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	r := newBlockingRunner()
	bad := uuid.New()
	r.panicOn = bad
	p := newTestPool(t, r, 1)

	_ = p.Submit(bad)
	waitInactive(t, p, bad)

	good := uuid.New()
	_ = p.Submit(good)
	if got := waitStarted(t, r); got != good {
		t.Fatalf("expected %s to run after panic, got %s", good, got)
	}
	close(r.release)
}

func TestPool_ShutdownSignalsRunners(t *testing.T) {
	r := newBlockingRunner()
	p, err := NewPool(r, 2)
	if err != nil {
		t.Fatalf("NewPool() error: %v", err)
	}
	p.Start(context.Background())

	id := uuid.New()
	_ = p.Submit(id)
	waitStarted(t, r)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
	if err := p.Submit(uuid.New()); err != ErrPoolClosed {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}
}
