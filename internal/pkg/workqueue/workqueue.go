package workqueue

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of fire-and-forget background work, e.g. persisting a chat
// message or closing a room session record.
type Task func(ctx context.Context)

// Pool is a bounded task queue consumed by a fixed set of workers. Producers
// never block: when the queue is full the task is dropped and counted, which
// keeps back-pressure on cross-cutting concerns away from the signaling path.
type Pool struct {
	tasks   chan Task
	workers int
	logger  *zap.Logger

	wg      sync.WaitGroup
	dropped atomic.Int64
	started atomic.Bool
}

// New creates a pool with the given worker count and queue capacity.
func New(workers, capacity int, logger *zap.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if capacity < 1 {
		capacity = workers * 64
	}
	return &Pool{
		tasks:   make(chan Task, capacity),
		workers: workers,
		logger:  logger,
	}
}

// Start launches the worker goroutines. Safe to call once.
func (p *Pool) Start(ctx context.Context) {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *Pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.safeExec(ctx, task)
		}
	}
}

func (p *Pool) safeExec(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil && p.logger != nil {
			p.logger.Error("workqueue task panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
		}
	}()
	task(ctx)
}

// Submit enqueues a task. Returns false if the queue is saturated and the
// task was dropped.
func (p *Pool) Submit(task Task) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		p.dropped.Add(1)
		if p.logger != nil {
			p.logger.Warn("workqueue saturated, task dropped", zap.Int64("dropped_total", p.dropped.Load()))
		}
		return false
	}
}

// Dropped returns the number of tasks discarded because the queue was full.
func (p *Pool) Dropped() int64 { return p.dropped.Load() }

// Pending returns the number of queued, not yet executed tasks.
func (p *Pool) Pending() int { return len(p.tasks) }

// Wait blocks until all workers have exited. Call after cancelling the
// context passed to Start.
func (p *Pool) Wait() { p.wg.Wait() }
