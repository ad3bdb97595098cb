package dispatch

import (
	"context"

	"storybook/internal/pkg/errors"
	"storybook/internal/worker/queue"
	"storybook/internal/workflow"
)

// RedisQueue pushes tasks onto a Redis list drained by worker.Run.
type RedisQueue struct {
	q *queue.RedisQueue
}

var _ Dispatcher = (*RedisQueue)(nil)

func NewRedisQueue(q *queue.RedisQueue) *RedisQueue {
	return &RedisQueue{q: q}
}

func (r *RedisQueue) Dispatch(ctx context.Context, tasks ...workflow.Task) error {
	if err := r.q.Push(ctx, tasks...); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "dispatch.redis", "failed to enqueue tasks")
	}
	return nil
}

func (r *RedisQueue) Close(context.Context) error { return nil }
