package workflow

import (
	"sync"
	"time"

	"storybook/internal/templates"
)

// Task is one run of one page's workflow.
type Task struct {
	JobID   string           `json:"job_id"`
	PageKey string           `json:"page_key"`
	Run     int64            `json:"run"`
	Params  templates.Params `json:"params,omitempty"`
}

var (
	runMu   sync.Mutex
	lastRun int64
)

// NextRun returns a run id greater than any previously returned by this
// process. Ids are unix milliseconds so they also order across processes
// with roughly synchronized clocks.
func NextRun() int64 {
	runMu.Lock()
	defer runMu.Unlock()
	now := time.Now().UnixMilli()
	if now <= lastRun {
		now = lastRun + 1
	}
	lastRun = now
	return now
}

// keyedMutex serializes work per key.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyLock)
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
