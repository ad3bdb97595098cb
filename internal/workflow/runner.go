// Package workflow runs one page's generation: bind the template, render
// it, collect every output and record the outcome.
package workflow

import (
	"context"
	"math/rand/v2"
	"time"

	"storybook/internal/collector"
	"storybook/internal/jobstore"
	"storybook/internal/keys"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
	"storybook/internal/render"
	"storybook/internal/templates"
)

// DefaultRenderTimeout bounds the wait for one render.
const DefaultRenderTimeout = 15 * time.Minute

const maxErrorText = 2000

type Deps struct {
	Store     jobstore.Store
	Templates templates.Source
	Render    render.Client
	Storage   ports.StorageProvider
	Collector *collector.Collector
	Log       *logger.Logger
	// RenderTimeout bounds AwaitCompletion. Defaults to DefaultRenderTimeout.
	RenderTimeout time.Duration
	// Seed overrides the random seed source.
	Seed func() int64
}

// Runner executes workflow tasks. Runs of the same workflow are serialized
// within a process only. Across processes the store binds every append to
// the workflow's current processing run, so a run that lost the workflow to
// a newer one stops collecting and records nothing.
type Runner struct {
	store     jobstore.Store
	templates templates.Source
	render    render.Client
	storage   ports.StorageProvider
	collector *collector.Collector
	log       *logger.Logger
	timeout   time.Duration
	seed      func() int64

	locks keyedMutex
}

func NewRunner(d Deps) *Runner {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.RenderTimeout <= 0 {
		d.RenderTimeout = DefaultRenderTimeout
	}
	if d.Seed == nil {
		d.Seed = func() int64 { return rand.Int64N(1 << 50) }
	}
	if d.Collector == nil {
		d.Collector = collector.New(collector.Deps{Fetcher: d.Render, Storage: d.Storage, Store: d.Store, Log: log})
	}
	return &Runner{
		store:     d.Store,
		templates: d.Templates,
		render:    d.Render,
		storage:   d.Storage,
		collector: d.Collector,
		log:       log.WithComponent("workflow"),
		timeout:   d.RenderTimeout,
		seed:      d.Seed,
	}
}

// Run executes t to a terminal status. Variants collected before a failure
// are kept. A task whose run is not newer than the stored run is skipped.
func (r *Runner) Run(ctx context.Context, t Task) error {
	ctx = logger.ContextWithWorkflow(ctx, t.JobID, t.PageKey)
	log := r.log.FromContext(ctx).With("run", t.Run)

	unlock := r.locks.Lock(t.JobID + "/" + t.PageKey)
	defer unlock()

	// 1. Load the job
	job, err := r.store.Get(ctx, t.JobID)
	if err != nil {
		return errors.Wrap(err, "workflow.load", "failed to load job")
	}

	// 2. Claim the run
	started, err := r.store.BeginRun(ctx, t.JobID, t.PageKey, t.Run)
	if err != nil {
		return errors.Wrap(err, "workflow.begin", "failed to mark workflow processing")
	}
	if !started {
		log.Info("run superseded or already handled, skipping")
		return nil
	}
	log.Debug("workflow processing")

	// 3. Resolve the template
	manifest, err := r.templates.Manifest(ctx, job.BookID)
	if err != nil {
		if errors.IsNotFound(err) {
			err = errors.TemplateNotFound(job.BookID, job.Gender, t.PageKey)
		}
		return r.fail(ctx, t, err)
	}
	graph, err := r.templates.Load(ctx, job.BookID, job.Gender, t.PageKey)
	if err != nil {
		return r.fail(ctx, t, err)
	}

	// 4. Bind parameters
	params, err := r.jobParams(ctx, job, t.PageKey)
	if err != nil {
		return r.fail(ctx, t, err)
	}
	bound, skipped := templates.Bind(graph, manifest.SlotsFor(t.PageKey), params.Merge(t.Params), log)
	if len(skipped) > 0 {
		log.Debug("params without a slot in this template", "params", skipped)
	}

	// 5. Render
	clientID := keys.ClientID(t.JobID, t.PageKey)
	promptID, err := r.render.Submit(ctx, bound, clientID)
	if err != nil {
		return r.fail(ctx, t, err)
	}
	log.Info("render submitted", "prompt_id", promptID, "client_id", clientID)

	renderStart := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, r.timeout)
	manifestOut, err := r.render.AwaitCompletion(waitCtx, promptID)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = errors.Timeout("render.await").WithFields(map[string]any{"prompt_id": promptID, "timeout": r.timeout.String()})
		}
		return r.fail(ctx, t, err)
	}
	log.Info("render finished", "prompt_id", promptID, "outputs", len(manifestOut.Outputs),
		"duration_ms", time.Since(renderStart).Milliseconds())

	// 6. Collect outputs in production order
	var last models.Variant
	for i, out := range manifestOut.Outputs {
		v, err := r.collector.Collect(ctx, t.JobID, t.PageKey, t.Run, out)
		if err != nil {
			if errors.IsRunSuperseded(err) {
				log.Warn("run superseded during collection; remaining outputs dropped",
					"collected", i, "outputs", len(manifestOut.Outputs))
				return nil
			}
			return r.fail(ctx, t, err)
		}
		last = v
	}
	if t.PageKey == templates.CollagePage {
		if len(manifestOut.Outputs) == 0 {
			return r.fail(ctx, t, errors.RenderBackend("workflow.collage", "render produced no collage", nil))
		}
		ref, err := r.publishCollage(ctx, t.JobID, last)
		if err != nil {
			return r.fail(ctx, t, err)
		}
		log.Info("collage published", "artifact", ref)
	}

	// 7. Complete
	done, err := r.store.FinishRun(ctx, t.JobID, t.PageKey, t.Run, models.StatusCompleted, "")
	if err != nil {
		return errors.Wrap(err, "workflow.finish", "failed to mark workflow completed")
	}
	if !done {
		log.Warn("run superseded before completion; status left to the newer run")
		return nil
	}
	log.Info("workflow completed", "variants", len(manifestOut.Outputs))
	return nil
}

// fail records cause as the workflow's terminal failure and returns it.
func (r *Runner) fail(ctx context.Context, t Task, cause error) error {
	log := r.log.FromContext(ctx).With("run", t.Run)

	msg := cause.Error()
	if len(msg) > maxErrorText {
		msg = msg[:maxErrorText]
	}

	var e *errors.Error
	if errors.As(cause, &e) {
		log.Error("workflow failed",
			"code", string(e.Code),
			"op", e.Op,
			"message", e.Message,
			"retryable", errors.Transient(cause),
		)
	} else {
		log.Error("workflow failed", "error", msg, "retryable", errors.Transient(cause))
	}

	// The failure is recorded even when ctx was cancelled mid-run.
	if _, err := r.store.FinishRun(context.WithoutCancel(ctx), t.JobID, t.PageKey, t.Run, models.StatusFailed, msg); err != nil {
		log.Error("failed to record workflow failure", "error", err.Error())
	}
	return cause
}
