// Package worker consumes workflow tasks from the Redis list queue.
package worker

import (
	"context"
	"sync"
	"time"

	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/workflow"
	"storybook/internal/worker/queue"
)

type Deps struct {
	Queue       *queue.RedisQueue
	Handle      func(ctx context.Context, t workflow.Task) error
	Concurrency int
	Log         *logger.Logger
	// PopTimeout bounds one blocking pop so cancellation is noticed.
	PopTimeout time.Duration
}

// popGrace lets the server answer an expired BRPOP before the client gives
// up on the connection. Cancellation is seen within PopTimeout+popGrace only
// when the client runs with ContextTimeoutEnabled.
const popGrace = time.Second

// Run pops tasks and runs up to Concurrency of them at once. It returns
// when ctx is cancelled, after running tasks finish.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("worker")
	if d.Concurrency < 1 {
		d.Concurrency = 1
	}
	if d.PopTimeout <= 0 {
		d.PopTimeout = 30 * time.Second
	}

	sem := make(chan struct{}, d.Concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		// Take a slot before popping so tasks stay queued for other workers.
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			log.Info("worker context canceled, stopping")
			return ctx.Err()
		}

		popCtx, cancel := context.WithTimeout(ctx, d.PopTimeout+popGrace)
		t, ok, err := d.Queue.Pop(popCtx, d.PopTimeout)
		cancel()

		if err != nil || !ok {
			<-sem
			if ctx.Err() != nil {
				log.Info("worker stopping due to context cancellation")
				return ctx.Err()
			}
			if err != nil && popCtx.Err() == nil {
				log.Warn("queue pop error, retrying", "error", err.Error())
				time.Sleep(time.Second)
			}
			continue
		}

		wg.Add(1)
		go func(t workflow.Task) {
			defer wg.Done()
			defer func() { <-sem }()

			taskCtx := logger.ContextWithWorkflow(ctx, t.JobID, t.PageKey)
			taskLog := log.WithWorkflow(t.JobID, t.PageKey).With("run", t.Run)
			taskLog.Info("processing task")
			start := time.Now()

			if err := d.Handle(taskCtx, t); err != nil {
				taskLog.Error("task failed",
					"error", err.Error(),
					"retryable", errors.Transient(err),
					"duration_ms", time.Since(start).Milliseconds(),
				)
				return
			}
			taskLog.Info("task completed", "duration_ms", time.Since(start).Milliseconds())
		}(t)
	}
}
