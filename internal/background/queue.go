package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/coconut3301/backend/internal/metrics"
	"go.uber.org/zap"
)

const (
	defaultWorkers  = 4
	defaultCapacity = 256
)

var (
	// ErrQueueFull is returned when the queue has no spare capacity.
	ErrQueueFull = errors.New("background: queue full")
	// ErrQueueClosed is returned once Shutdown has begun.
	ErrQueueClosed = errors.New("background: queue closed")
)

// Task is fire-and-forget work. The context is detached from any request and is cancelled only when
// shutdown gives up waiting.
type Task func(ctx context.Context)

type Config struct {
	Workers  int
	Capacity int
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

type namedTask struct {
	name       string
	run        Task
	enqueuedAt time.Time
}

// Queue is a bounded work queue drained by a fixed pool of workers. Delivery is at-most-once: tasks
// still queued when the process dies are lost.
type Queue struct {
	mu      sync.RWMutex
	closed  bool
	tasks   chan namedTask
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// New starts the worker pool.
func New(cfg Config) *Queue {
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		tasks:   make(chan namedTask, capacity),
		baseCtx: baseCtx,
		cancel:  cancel,
		logger:  logger,
		metrics: cfg.Metrics,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.work()
	}
	return q
}

// Submit enqueues without blocking.
func (q *Queue) Submit(name string, task Task) error {
	if task == nil {
		return fmt.Errorf("background: nil task %q", name)
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		q.metrics.ObserveTask("rejected_closed")
		return ErrQueueClosed
	}
	select {
	case q.tasks <- namedTask{name: name, run: task, enqueuedAt: time.Now()}:
		q.metrics.SetQueueDepth(len(q.tasks))
		return nil
	default:
		q.metrics.ObserveTask("rejected_full")
		return ErrQueueFull
	}
}

// Depth reports the number of tasks waiting for a worker.
func (q *Queue) Depth() int {
	return len(q.tasks)
}

// Shutdown stops intake and waits for queued tasks to finish. When ctx expires first, running tasks
// see their context cancelled and ctx.Err() is returned.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		q.logger.Warn("background queue shutdown timed out", zap.Int("pending", len(q.tasks)))
		return ctx.Err()
	}
}

func (q *Queue) work() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.metrics.SetQueueDepth(len(q.tasks))
		q.run(task)
	}
}

func (q *Queue) run(task namedTask) {
	started := time.Now()
	defer func() {
		if recovered := recover(); recovered != nil {
			q.metrics.ObserveTask("panic")
			q.logger.Error("background task panicked",
				zap.String("task", task.name),
				zap.Any("panic", recovered))
		}
	}()
	task.run(q.baseCtx)
	q.metrics.ObserveTask("completed")
	q.logger.Debug("background task completed",
		zap.String("task", task.name),
		zap.Duration("queued", started.Sub(task.enqueuedAt)),
		zap.Duration("elapsed", time.Since(started)))
}
