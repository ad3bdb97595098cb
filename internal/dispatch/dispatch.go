// Package dispatch launches workflow tasks without waiting for them.
package dispatch

import (
	"context"
	"sync"
	"time"

	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/workflow"
)

// Handler executes one task.
type Handler func(ctx context.Context, t workflow.Task) error

// Dispatcher hands tasks to a bounded set of runners. Dispatch returns once
// the tasks are accepted; their outcome is observed through the job store.
type Dispatcher interface {
	Dispatch(ctx context.Context, tasks ...workflow.Task) error
	Close(ctx context.Context) error
}

// Pool runs tasks in-process on at most n goroutines at a time.
type Pool struct {
	handle Handler
	sem    chan struct{}
	log    *logger.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

var _ Dispatcher = (*Pool)(nil)

func NewPool(handle Handler, n int, log *logger.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if log == nil {
		log = logger.NewDefault()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Pool{
		handle: handle,
		sem:    make(chan struct{}, n),
		log:    log.WithComponent("dispatch"),
		base:   base,
		cancel: cancel,
	}
}

// Dispatch queues tasks and returns immediately. Task contexts are detached
// from ctx so a finished HTTP request does not cancel its renders; request
// scoped log attributes are kept.
func (p *Pool) Dispatch(ctx context.Context, tasks ...workflow.Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.Unavailable("dispatcher")
	}
	for _, t := range tasks {
		p.wg.Add(1)
		go p.run(ctx, t)
	}
	return nil
}

func (p *Pool) run(parent context.Context, t workflow.Task) {
	defer p.wg.Done()

	select {
	case p.sem <- struct{}{}:
	case <-p.base.Done():
		return
	}
	defer func() { <-p.sem }()

	ctx, stop := mergeCancel(context.WithoutCancel(parent), p.base)
	defer stop()

	log := p.log.WithWorkflow(t.JobID, t.PageKey).With("run", t.Run)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panicked", "panic", r)
		}
	}()
	if err := p.handle(ctx, t); err != nil {
		log.Warn("task finished with error", "error", err.Error(), "duration_ms", time.Since(start).Milliseconds())
		return
	}
	log.Info("task finished", "duration_ms", time.Since(start).Milliseconds())
}

// Wait blocks until every dispatched task has finished.
func (p *Pool) Wait() {
	p.wg.Wait()
}

// Close stops accepting tasks and waits for running ones. When ctx ends
// first, running tasks are cancelled.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// mergeCancel returns ctx that is also cancelled when other is done.
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
