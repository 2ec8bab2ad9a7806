package workqueue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTasksExecute(t *testing.T) {
	p := New(2, 16, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	var done atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		if !p.Submit(func(context.Context) {
			defer wg.Done()
			done.Add(1)
		}) {
			wg.Done()
		}
	}
	wg.Wait()

	if got := done.Load(); got != 10 {
		t.Errorf("executed = %d, want 10", got)
	}
}

func TestSubmitDropsWhenSaturated(t *testing.T) {
	p := New(1, 1, nil)
	// Not started: nothing drains the queue.

	if !p.Submit(func(context.Context) {}) {
		t.Fatal("first submit should fit")
	}
	if p.Submit(func(context.Context) {}) {
		t.Fatal("second submit should be dropped")
	}
	if p.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", p.Dropped())
	}
	if p.Pending() != 1 {
		t.Errorf("Pending = %d, want 1", p.Pending())
	}
}

func TestPanicDoesNotKillWorker(t *testing.T) {
	p := New(1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	p.Start(ctx)

	done := make(chan struct{})
	p.Submit(func(context.Context) { panic("boom") })
	p.Submit(func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died after panic")
	}
}

func TestWaitAfterCancel(t *testing.T) {
	p := New(2, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	cancel()
	finished := make(chan struct{})
	go func() {
		p.Wait()
		close(finished)
	}()

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("workers did not exit after cancel")
	}
}

func TestStartIsIdempotent(t *testing.T) {
	p := New(1, 4, nil)
	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	p.Start(ctx)

	cancel()
	done := make(chan struct{})
	go func() {
		p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("duplicate Start leaked workers")
	}
}
