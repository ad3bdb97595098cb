// Package collector moves render outputs into artifact storage and records
// them as page variants.
package collector

import (
	"context"
	"io"
	"time"

	"storybook/internal/jobstore"
	"storybook/internal/keys"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
	"storybook/internal/render"
)

// Fetcher streams one render output.
type Fetcher interface {
	Fetch(ctx context.Context, out render.Output) (io.ReadCloser, string, error)
}

type Deps struct {
	Fetcher Fetcher
	Storage ports.StorageProvider
	Store   jobstore.Store
	Log     *logger.Logger
	// ConflictRetries bounds append retries after a lost race. Defaults to 3.
	ConflictRetries int
	Now             func() time.Time
}

// Collector writes the artifact first and appends the variant second, so a
// recorded variant always points at a stored object.
type Collector struct {
	fetcher Fetcher
	storage ports.StorageProvider
	store   jobstore.Store
	log     *logger.Logger
	retries int
	now     func() time.Time
}

func New(d Deps) *Collector {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.ConflictRetries <= 0 {
		d.ConflictRetries = 3
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Collector{
		fetcher: d.Fetcher,
		storage: d.Storage,
		store:   d.Store,
		log:     log.WithComponent("collector"),
		retries: d.ConflictRetries,
		now:     d.Now,
	}
}

// Collect stores out and appends it to the page's variants on behalf of
// run. Once run is no longer the workflow's processing run the artifact is
// removed and RUN_SUPERSEDED is returned.
func (c *Collector) Collect(ctx context.Context, jobID, pageKey string, run int64, out render.Output) (models.Variant, error) {
	log := c.log.FromContext(ctx).WithWorkflow(jobID, pageKey).With("run", run)

	seq, err := c.nextIndex(ctx, jobID, pageKey, run)
	if err != nil {
		return models.Variant{}, err
	}

	rc, contentType, err := c.fetcher.Fetch(ctx, out)
	if err != nil {
		return models.Variant{}, errors.ArtifactCollection("collector.fetch", "failed to fetch render output", err).
			WithFields(map[string]any{"filename": out.Filename, "node": out.Node})
	}
	defer rc.Close()

	producedAt := c.now().UTC()
	ext := keys.Ext(contentType, out.Filename)
	if contentType == "" {
		contentType = keys.MimeFromExt(ext)
	}
	put, err := c.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   keys.Artifact(jobID, pageKey, producedAt, seq, ext),
		ContentType: contentType,
		Reader:      rc,
		Size:        -1,
	})
	if err != nil {
		return models.Variant{}, errors.ArtifactCollection("collector.store", "failed to write artifact", err).
			WithFields(map[string]any{"filename": out.Filename, "provider": c.storage.Provider()})
	}

	v := models.Variant{SequenceIndex: seq, ArtifactRef: put.ObjectKey, ProducedAt: producedAt}
	for attempt := 0; ; attempt++ {
		err = c.store.AppendVariant(ctx, jobID, pageKey, run, v)
		if err == nil {
			log.Debug("variant recorded", "sequence_index", v.SequenceIndex, "artifact", v.ArtifactRef, "bytes", put.Size)
			return v, nil
		}
		if !errors.IsStoreConflict(err) || attempt >= c.retries {
			break
		}
		// Another writer took the index; the stored artifact is reused.
		v.SequenceIndex, err = c.nextIndex(ctx, jobID, pageKey, run)
		if err != nil {
			break
		}
		log.Debug("append lost a race, retrying", "sequence_index", v.SequenceIndex)
	}

	if derr := c.storage.DeleteObject(context.WithoutCancel(ctx), put.ObjectKey); derr != nil {
		log.Warn("failed to remove orphaned artifact", "artifact", put.ObjectKey, "error", derr.Error())
	}
	if errors.IsStoreConflict(err) || errors.IsNotFound(err) || errors.IsRunSuperseded(err) {
		return models.Variant{}, err
	}
	return models.Variant{}, errors.ArtifactCollection("collector.append", "failed to record variant", err)
}

func (c *Collector) nextIndex(ctx context.Context, jobID, pageKey string, run int64) (int, error) {
	job, err := c.store.Get(ctx, jobID)
	if err != nil {
		return 0, err
	}
	wf := job.Workflow(pageKey)
	if wf == nil {
		return 0, errors.NotFound("workflow", jobID+"/"+pageKey)
	}
	if wf.Run != run || wf.Status != models.StatusProcessing {
		return 0, errors.RunSuperseded("collector.next_index", run).
			WithFields(map[string]any{"job_id": jobID, "page_key": pageKey})
	}
	return len(wf.Variants), nil
}
