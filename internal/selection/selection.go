// Package selection maps a customer's chosen variant per page to the stored
// artifacts that go to print.
package selection

import (
	"context"
	"fmt"
	"sort"
	"time"

	"storybook/internal/jobstore"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

// Artifact is one resolved page.
type Artifact struct {
	// Page is the position in the selection; 0 is the cover.
	Page       int       `json:"page"`
	PageKey    string    `json:"page_key"`
	Index      int       `json:"index"`
	Ref        string    `json:"artifact_reference"`
	ProducedAt time.Time `json:"produced_at"`
}

// Refs returns the artifact references in page order.
func Refs(arts []Artifact) []string {
	out := make([]string, len(arts))
	for i, a := range arts {
		out[i] = a.Ref
	}
	return out
}

// Resolve maps sel onto job. Page i is the workflow named by
// job.ExpectedKeys[i]. Either every page resolves or an error is returned;
// the first out-of-range page is reported as INVALID_SELECTION.
func Resolve(job *models.Job, sel models.Selection) ([]Artifact, error) {
	if len(job.ExpectedKeys) == 0 {
		return nil, errors.Validation("job has no pages to select from").WithField("job_id", job.ID)
	}
	if len(sel) != len(job.ExpectedKeys) {
		return nil, errors.ValidationField("selection",
			fmt.Sprintf("selection has %d entries, job has %d pages", len(sel), len(job.ExpectedKeys))).
			WithFields(map[string]any{"expected": len(job.ExpectedKeys), "got": len(sel)})
	}

	out := make([]Artifact, 0, len(sel))
	for page, idx := range sel {
		key := job.ExpectedKeys[page]
		var variants []models.Variant
		if w := job.Workflow(key); w != nil {
			variants = ordered(w.Variants)
		}
		if idx < 0 || idx >= len(variants) {
			return nil, errors.InvalidSelection(page, idx, len(variants)).WithField("page_key", key)
		}
		v := variants[idx]
		out = append(out, Artifact{
			Page:       page,
			PageKey:    key,
			Index:      idx,
			Ref:        v.ArtifactRef,
			ProducedAt: v.ProducedAt,
		})
	}
	return out, nil
}

// ordered sorts variants by sequence index, then production time.
func ordered(vs []models.Variant) []models.Variant {
	out := append([]models.Variant(nil), vs...)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].SequenceIndex != out[j].SequenceIndex {
			return out[i].SequenceIndex < out[j].SequenceIndex
		}
		return out[i].ProducedAt.Before(out[j].ProducedAt)
	})
	return out
}

// Resolver resolves selections against the job store.
type Resolver struct {
	store jobstore.Store
}

func NewResolver(store jobstore.Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve reads one snapshot of the job and resolves sel against it.
func (r *Resolver) Resolve(ctx context.Context, jobID string, sel models.Selection) ([]Artifact, error) {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return nil, errors.Wrap(err, "selection.resolve", "failed to load job")
	}
	return Resolve(job, sel)
}
