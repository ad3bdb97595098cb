// Package jobstore persists jobs and applies field-level atomic updates to them.
//
// Every mutation touches a single field (one workflow's status, one appended
// variant, one flag) so workflows of the same job can update concurrently
// without overwriting each other.
package jobstore

import (
	"context"

	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

// Store is the job document contract shared by all backends.
type Store interface {
	// Create inserts a new job. An existing id is a CONFLICT.
	Create(ctx context.Context, job *models.Job) error
	// Get returns a snapshot of the job. A missing id is NOT_FOUND.
	Get(ctx context.Context, jobID string) (*models.Job, error)

	SetExpectedPages(ctx context.Context, jobID string, keys []string) error
	SetSubjectImages(ctx context.Context, jobID string, refs []string) error
	SetOrderID(ctx context.Context, jobID, orderID string) error

	// SetWorkflowStatus writes a workflow's status unconditionally, creating
	// the workflow when absent.
	SetWorkflowStatus(ctx context.Context, jobID, key string, status models.WorkflowStatus) error
	// BeginRun marks the workflow processing for run, only if run is newer
	// than the stored run. It reports whether the write was applied.
	BeginRun(ctx context.Context, jobID, key string, run int64) (bool, error)
	// FinishRun writes a terminal status only if run is still the stored run.
	FinishRun(ctx context.Context, jobID, key string, run int64, status models.WorkflowStatus, errText string) (bool, error)
	// AppendVariant appends v to the workflow on behalf of run. The workflow
	// must be processing that run, otherwise the append is RUN_SUPERSEDED.
	// v.SequenceIndex must equal the current variant count, otherwise the
	// append is a STORE_CONFLICT.
	AppendVariant(ctx context.Context, jobID, key string, run int64, v models.Variant) error

	SetFlag(ctx context.Context, jobID string, flag models.Flag, value bool) error
	// CompareAndSetFlag sets flag to next only if it currently equals
	// expected. It reports whether the swap happened.
	CompareAndSetFlag(ctx context.Context, jobID string, flag models.Flag, expected, next bool) (bool, error)

	Ping(ctx context.Context) error
}

func validateFlag(op string, flag models.Flag) error {
	if !flag.Valid() {
		return errors.ValidationField("flag", "unknown flag: "+string(flag)).WithField("op", op)
	}
	return nil
}

func validateStatus(status models.WorkflowStatus) error {
	if !status.Valid() {
		return errors.ValidationField("status", "unknown workflow status: "+string(status))
	}
	return nil
}

func jobNotFound(jobID string) error {
	return errors.NotFound("job", jobID)
}

func workflowNotFound(jobID, key string) error {
	return errors.NotFound("workflow", jobID+"/"+key)
}

func runSuperseded(jobID, key string, run int64) error {
	return errors.RunSuperseded("jobstore.append_variant", run).
		WithFields(map[string]any{"job_id": jobID, "page_key": key})
}

func appendConflict(jobID, key string, seq int) error {
	return errors.StoreConflict("jobstore.append_variant", "sequence index is not the next index").
		WithFields(map[string]any{"job_id": jobID, "page_key": key, "sequence_index": seq})
}
