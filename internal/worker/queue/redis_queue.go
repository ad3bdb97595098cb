// Package queue is a Redis list used as a FIFO of workflow tasks.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"storybook/internal/workflow"
)

type RedisQueue struct {
	rdb       redis.UniversalClient
	queueName string
}

func NewRedisQueue(rdb redis.UniversalClient, queueName string) *RedisQueue {
	return &RedisQueue{rdb: rdb, queueName: queueName}
}

// Push appends tasks in one round trip.
func (q *RedisQueue) Push(ctx context.Context, tasks ...workflow.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	values := make([]any, 0, len(tasks))
	for _, t := range tasks {
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		values = append(values, b)
	}
	return q.rdb.LPush(ctx, q.queueName, values...).Err()
}

// Pop blocks for up to timeout waiting for a task and reports false when
// none arrived. Redis rounds timeout up to whole seconds. A malformed entry
// is returned as an error after being removed from the queue.
func (q *RedisQueue) Pop(ctx context.Context, timeout time.Duration) (workflow.Task, bool, error) {
	res, err := q.rdb.BRPop(ctx, timeout, q.queueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return workflow.Task{}, false, nil
		}
		return workflow.Task{}, false, err
	}
	if len(res) < 2 {
		return workflow.Task{}, false, nil
	}
	var t workflow.Task
	if err := json.Unmarshal([]byte(res[1]), &t); err != nil {
		return workflow.Task{}, false, err
	}
	return t, true, nil
}

// Len reports the number of queued tasks.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.queueName).Result()
}
