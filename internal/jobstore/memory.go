package jobstore

import (
	"context"
	"sync"
	"time"

	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

// Memory is an in-process Store. Useful for tests and single-node setups.
type Memory struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
	now  func() time.Time
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{jobs: make(map[string]*models.Job), now: func() time.Time { return time.Now().UTC() }}
}

func (m *Memory) Create(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.jobs[job.ID]; ok {
		return errors.New(errors.CodeConflict, "job already exists").WithField("job_id", job.ID)
	}
	c := job.Clone()
	now := m.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.jobs[job.ID] = c
	return nil
}

func (m *Memory) Get(ctx context.Context, jobID string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return nil, jobNotFound(jobID)
	}
	return j.Clone(), nil
}

// update runs fn on the stored job under the lock.
func (m *Memory) update(jobID string, fn func(j *models.Job) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID]
	if !ok {
		return jobNotFound(jobID)
	}
	if err := fn(j); err != nil {
		return err
	}
	j.UpdatedAt = m.now()
	return nil
}

func (m *Memory) SetExpectedPages(ctx context.Context, jobID string, keys []string) error {
	return m.update(jobID, func(j *models.Job) error {
		j.ExpectedKeys = append([]string(nil), keys...)
		return nil
	})
}

func (m *Memory) SetSubjectImages(ctx context.Context, jobID string, refs []string) error {
	return m.update(jobID, func(j *models.Job) error {
		j.SubjectImages = append([]string(nil), refs...)
		return nil
	})
}

func (m *Memory) SetOrderID(ctx context.Context, jobID, orderID string) error {
	return m.update(jobID, func(j *models.Job) error {
		j.OrderID = orderID
		return nil
	})
}

func (m *Memory) workflow(j *models.Job, key string) *models.Workflow {
	if j.Workflows == nil {
		j.Workflows = make(map[string]*models.Workflow)
	}
	w, ok := j.Workflows[key]
	if !ok {
		w = &models.Workflow{Key: key, Variants: []models.Variant{}}
		j.Workflows[key] = w
	}
	return w
}

func (m *Memory) SetWorkflowStatus(ctx context.Context, jobID, key string, status models.WorkflowStatus) error {
	if err := validateStatus(status); err != nil {
		return err
	}
	return m.update(jobID, func(j *models.Job) error {
		w := m.workflow(j, key)
		w.Status = status
		w.UpdatedAt = m.now()
		return nil
	})
}

func (m *Memory) BeginRun(ctx context.Context, jobID, key string, run int64) (bool, error) {
	applied := false
	err := m.update(jobID, func(j *models.Job) error {
		w := m.workflow(j, key)
		if w.Run >= run {
			return nil
		}
		w.Run = run
		w.Status = models.StatusProcessing
		w.Error = ""
		w.UpdatedAt = m.now()
		applied = true
		return nil
	})
	return applied, err
}

func (m *Memory) FinishRun(ctx context.Context, jobID, key string, run int64, status models.WorkflowStatus, errText string) (bool, error) {
	if err := validateStatus(status); err != nil {
		return false, err
	}
	applied := false
	err := m.update(jobID, func(j *models.Job) error {
		w := j.Workflow(key)
		if w == nil {
			return workflowNotFound(jobID, key)
		}
		if w.Run != run {
			return nil
		}
		w.Status = status
		w.Error = errText
		w.UpdatedAt = m.now()
		applied = true
		return nil
	})
	return applied, err
}

func (m *Memory) AppendVariant(ctx context.Context, jobID, key string, run int64, v models.Variant) error {
	return m.update(jobID, func(j *models.Job) error {
		w := j.Workflow(key)
		if w == nil {
			return workflowNotFound(jobID, key)
		}
		if w.Run != run || w.Status != models.StatusProcessing {
			return runSuperseded(jobID, key, run)
		}
		if v.SequenceIndex != len(w.Variants) {
			return appendConflict(jobID, key, v.SequenceIndex)
		}
		w.Variants = append(w.Variants, v)
		return nil
	})
}

func (m *Memory) SetFlag(ctx context.Context, jobID string, flag models.Flag, value bool) error {
	if err := validateFlag("jobstore.set_flag", flag); err != nil {
		return err
	}
	return m.update(jobID, func(j *models.Job) error {
		j.SetFlag(flag, value)
		return nil
	})
}

func (m *Memory) CompareAndSetFlag(ctx context.Context, jobID string, flag models.Flag, expected, next bool) (bool, error) {
	if err := validateFlag("jobstore.compare_and_set_flag", flag); err != nil {
		return false, err
	}
	swapped := false
	err := m.update(jobID, func(j *models.Job) error {
		if j.Flag(flag) != expected {
			return nil
		}
		j.SetFlag(flag, next)
		swapped = true
		return nil
	})
	return swapped, err
}

func (m *Memory) Ping(ctx context.Context) error { return nil }
