// Package status computes job readiness from the workflow map and sends the
// preview-ready notification once per job.
package status

import (
	"context"

	"storybook/internal/jobstore"
	"storybook/internal/models"
	"storybook/internal/notify"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
)

// StatusPending is reported for an expected page that has no workflow yet.
const StatusPending models.WorkflowStatus = "pending"

// Page is the state of one expected page.
type Page struct {
	Key      string                `json:"page_key"`
	Status   models.WorkflowStatus `json:"status"`
	Variants int                   `json:"variants"`
	Error    string                `json:"error,omitempty"`
}

// Ready reports whether the page counts toward preview readiness.
func (p Page) Ready() bool {
	return p.Status == models.StatusCompleted && p.Variants > 0
}

// Report is the polled state of a job.
type Report struct {
	JobID      string `json:"job_id"`
	Pages      []Page `json:"pages"`
	Total      int    `json:"total_expected_workflows"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Processing int    `json:"processing"`
	Pending    int    `json:"pending"`

	Ready           bool `json:"ready"`
	PreviewNotified bool `json:"preview_notified"`
	Paid            bool `json:"paid"`
	Approved        bool `json:"approved"`
}

// Compute derives a report from a job snapshot. A job with no expected
// pages is never ready.
func Compute(job *models.Job) Report {
	rep := Report{
		JobID:           job.ID,
		Total:           job.TotalExpectedWorkflows(),
		PreviewNotified: job.PreviewNotified,
		Paid:            job.Paid,
		Approved:        job.Approved,
		Pages:           make([]Page, 0, len(job.ExpectedKeys)),
	}
	ready := rep.Total > 0
	for _, key := range job.ExpectedKeys {
		p := Page{Key: key, Status: StatusPending}
		if w := job.Workflow(key); w != nil {
			p.Status = w.Status
			p.Variants = len(w.Variants)
			p.Error = w.Error
		}
		switch p.Status {
		case models.StatusCompleted:
			rep.Completed++
		case models.StatusFailed:
			rep.Failed++
		case models.StatusProcessing:
			rep.Processing++
		default:
			rep.Pending++
		}
		if !p.Ready() {
			ready = false
		}
		rep.Pages = append(rep.Pages, p)
	}
	rep.Ready = ready
	return rep
}

type Deps struct {
	Store    jobstore.Store
	Notifier notify.Notifier
	Log      *logger.Logger
	// ConflictRetries bounds retries of a flag write that lost a race.
	ConflictRetries int
}

// Aggregator answers status polls. It runs only when polled.
type Aggregator struct {
	store    jobstore.Store
	notifier notify.Notifier
	log      *logger.Logger
	retries  int
}

func NewAggregator(d Deps) *Aggregator {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.ConflictRetries <= 0 {
		d.ConflictRetries = 3
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLog(log)
	}
	return &Aggregator{
		store:    d.Store,
		notifier: d.Notifier,
		log:      log.WithComponent("status"),
		retries:  d.ConflictRetries,
	}
}

// Poll returns the current state of the job. When the job is ready and has
// not been announced, exactly one concurrent caller wins the
// preview_notified swap and sends the notification. A failed notification
// releases the claim so a later poll retries it; the poll itself still
// succeeds.
func (a *Aggregator) Poll(ctx context.Context, jobID string) (Report, error) {
	job, err := a.store.Get(ctx, jobID)
	if err != nil {
		return Report{}, errors.Wrap(err, "status.poll", "failed to load job")
	}
	rep := Compute(job)
	log := a.log.FromContext(ctx).WithJobID(jobID)

	if rep.Ready != job.PreviewReady {
		if err := a.syncPreviewReady(ctx, job); err != nil {
			log.Warn("failed to sync preview_ready", "error", err.Error())
		}
	}

	if !rep.Ready || job.PreviewNotified {
		return rep, nil
	}

	claimed, err := a.cas(ctx, jobID, false, true)
	if err != nil {
		log.Warn("failed to claim preview notification", "error", err.Error())
		return rep, nil
	}
	if !claimed {
		// Another poller owns the notification.
		rep.PreviewNotified = true
		return rep, nil
	}

	if err := a.notifier.NotifyPreviewReady(ctx, notify.NewEvent(notify.KindPreviewReady, job)); err != nil {
		log.Error("preview notification failed, releasing claim", "error", err.Error())
		if _, rerr := a.cas(context.WithoutCancel(ctx), jobID, true, false); rerr != nil {
			log.Error("failed to release preview notification claim", "error", rerr.Error())
		}
		return rep, nil
	}
	log.Info("preview ready notification sent", "pages", rep.Total)
	rep.PreviewNotified = true
	return rep, nil
}

// syncPreviewReady swaps preview_ready from the value seen in job to the
// readiness job implies, then re-reads the job and repeats until the stored
// flag matches the latest state. A poller holding a stale snapshot thus
// corrects its own write.
func (a *Aggregator) syncPreviewReady(ctx context.Context, job *models.Job) error {
	for i := 0; i <= a.retries; i++ {
		want := Compute(job).Ready
		if want == job.PreviewReady {
			return nil
		}
		if _, err := a.store.CompareAndSetFlag(ctx, job.ID, models.FlagPreviewReady, job.PreviewReady, want); err != nil && !errors.IsStoreConflict(err) {
			return err
		}
		fresh, err := a.store.Get(ctx, job.ID)
		if err != nil {
			return err
		}
		job = fresh
	}
	return errors.StoreConflict("status.sync_preview_ready", "preview_ready kept changing").WithField("job_id", job.ID)
}

func (a *Aggregator) cas(ctx context.Context, jobID string, expected, next bool) (bool, error) {
	var swapped bool
	err := a.retry(ctx, func() error {
		var err error
		swapped, err = a.store.CompareAndSetFlag(ctx, jobID, models.FlagPreviewNotified, expected, next)
		return err
	})
	return swapped, err
}

func (a *Aggregator) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i <= a.retries; i++ {
		if err = fn(); err == nil || !errors.IsStoreConflict(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return err
}
