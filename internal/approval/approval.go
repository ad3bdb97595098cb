// Package approval turns a customer's selection into the final print set.
package approval

import (
	"context"
	"time"

	"storybook/internal/jobstore"
	"storybook/internal/keys"
	"storybook/internal/models"
	"storybook/internal/notify"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
	"storybook/internal/ports"
	"storybook/internal/selection"
)

// Packager copies resolved artifacts into their print locations and returns
// the packaged references in page order.
type Packager interface {
	Package(ctx context.Context, jobID string, arts []selection.Artifact) ([]string, error)
}

// StoragePackager copies each artifact to keys.FinalPage within the same
// storage provider.
type StoragePackager struct {
	storage ports.StorageProvider
}

func NewStoragePackager(storage ports.StorageProvider) *StoragePackager {
	return &StoragePackager{storage: storage}
}

func (p *StoragePackager) Package(ctx context.Context, jobID string, arts []selection.Artifact) ([]string, error) {
	out := make([]string, 0, len(arts))
	for _, a := range arts {
		ref, err := p.copy(ctx, jobID, a)
		if err != nil {
			p.cleanup(ctx, out)
			return nil, err
		}
		out = append(out, ref)
	}
	return out, nil
}

func (p *StoragePackager) copy(ctx context.Context, jobID string, a selection.Artifact) (string, error) {
	rc, ct, size, err := p.storage.GetObject(ctx, a.Ref)
	if err != nil {
		return "", errors.ArtifactCollection("approval.package", "failed to read selected artifact", err).
			WithFields(map[string]any{"page": a.Page, "artifact_reference": a.Ref})
	}
	defer rc.Close()

	ext := keys.Ext(ct, a.Ref)
	if ct == "" {
		ct = keys.MimeFromExt(ext)
	}
	res, err := p.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   keys.FinalPage(jobID, a.Page, ext),
		ContentType: ct,
		Reader:      rc,
		Size:        size,
	})
	if err != nil {
		return "", errors.ArtifactCollection("approval.package", "failed to write final page", err).
			WithField("page", a.Page)
	}
	return res.ObjectKey, nil
}

func (p *StoragePackager) cleanup(ctx context.Context, refs []string) {
	ctx = context.WithoutCancel(ctx)
	for _, ref := range refs {
		_ = p.storage.DeleteObject(ctx, ref)
	}
}

// Result describes an approved job.
type Result struct {
	JobID      string               `json:"job_id"`
	Selection  models.Selection     `json:"selection"`
	Artifacts  []selection.Artifact `json:"artifacts"`
	Final      []string             `json:"final"`
	ApprovedAt time.Time            `json:"approved_at"`
}

type Deps struct {
	Store    jobstore.Store
	Packager Packager
	Notifier notify.Notifier
	Log      *logger.Logger
}

type Service struct {
	store    jobstore.Store
	resolver *selection.Resolver
	packager Packager
	notifier notify.Notifier
	log      *logger.Logger
}

func NewService(d Deps) *Service {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	if d.Notifier == nil {
		d.Notifier = notify.NewLog(log)
	}
	return &Service{
		store:    d.Store,
		resolver: selection.NewResolver(d.Store),
		packager: d.Packager,
		notifier: d.Notifier,
		log:      log.WithComponent("approval"),
	}
}

// Approve resolves sel, claims the approved flag and packages the final
// pages. Only one approval of a job packages; later calls get CONFLICT. If
// packaging fails the claim is released.
func (s *Service) Approve(ctx context.Context, jobID string, sel models.Selection) (*Result, error) {
	log := s.log.FromContext(ctx).WithJobID(jobID)

	arts, err := s.resolver.Resolve(ctx, jobID, sel)
	if err != nil {
		return nil, err
	}

	claimed, err := s.store.CompareAndSetFlag(ctx, jobID, models.FlagApproved, false, true)
	if err != nil {
		return nil, errors.Wrap(err, "approval.claim", "failed to mark job approved")
	}
	if !claimed {
		return nil, errors.New(errors.CodeConflict, "job is already approved").WithField("job_id", jobID)
	}

	final, err := s.packager.Package(ctx, jobID, arts)
	if err != nil {
		if _, rerr := s.store.CompareAndSetFlag(context.WithoutCancel(ctx), jobID, models.FlagApproved, true, false); rerr != nil {
			log.Error("failed to release approval claim", "error", rerr.Error())
		}
		return nil, err
	}
	log.Info("job approved", "pages", len(final))

	job, err := s.store.Get(ctx, jobID)
	if err == nil {
		ev := notify.NewEvent(notify.KindApproved, job)
		ev.Artifacts = final
		err = s.notifier.NotifyApproved(ctx, ev)
	}
	if err != nil {
		log.Error("approval notification failed", "error", err.Error())
	}

	return &Result{
		JobID:      jobID,
		Selection:  sel,
		Artifacts:  arts,
		Final:      final,
		ApprovedAt: time.Now().UTC(),
	}, nil
}
