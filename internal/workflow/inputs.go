package workflow

import (
	"context"
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"storybook/internal/keys"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/ports"
	"storybook/internal/templates"
)

// jobParams derives the parameters pageKey binds: identity, a fresh seed
// and the uploaded inputs. Pages take the subject images; the collage takes
// the latest variant of every expected page.
func (r *Runner) jobParams(ctx context.Context, job *models.Job, pageKey string) (templates.Params, error) {
	params := templates.Params{
		"job_id":       job.ID,
		"display_name": displayName(job.Name),
		"seed":         r.seed(),
	}
	if pageKey == templates.CollagePage {
		return r.collageParams(ctx, job, params)
	}
	for i, ref := range job.SubjectImages {
		name, err := r.upload(ctx, ref)
		if err != nil {
			return nil, errors.RenderBackend("workflow.inputs", fmt.Sprintf("failed to upload subject image %d", i+1), err).
				WithField("artifact", ref)
		}
		params[fmt.Sprintf("subject_image_%d", i+1)] = name
	}
	return params, nil
}

func (r *Runner) collageParams(ctx context.Context, job *models.Job, params templates.Params) (templates.Params, error) {
	refs, err := LatestPages(job)
	if err != nil {
		return nil, err
	}
	for i, ref := range refs {
		name, err := r.upload(ctx, ref)
		if err != nil {
			return nil, errors.RenderBackend("workflow.inputs", fmt.Sprintf("failed to upload page %d", i+1), err).
				WithField("artifact", ref)
		}
		params[templates.PageImageParam(i+1)] = name
	}
	return params, nil
}

// LatestPages returns the newest variant of every expected page in reading
// order. A page without variants is a VALIDATION_ERROR.
func LatestPages(job *models.Job) ([]string, error) {
	if len(job.ExpectedKeys) == 0 {
		return nil, errors.Validation("job has no pages").WithField("job_id", job.ID)
	}
	refs := make([]string, 0, len(job.ExpectedKeys))
	for _, key := range job.ExpectedKeys {
		w := job.Workflow(key)
		if w == nil || len(w.Variants) == 0 {
			return nil, errors.ValidationField("page_keys", "page has no variants: "+key).
				WithFields(map[string]any{"job_id": job.ID, "page_key": key})
		}
		latest := w.Variants[0]
		for _, v := range w.Variants[1:] {
			if v.SequenceIndex > latest.SequenceIndex {
				latest = v
			}
		}
		refs = append(refs, latest.ArtifactRef)
	}
	return refs, nil
}

// publishCollage copies the collage variant v to its published key.
func (r *Runner) publishCollage(ctx context.Context, jobID string, v models.Variant) (string, error) {
	rc, ct, size, err := r.storage.GetObject(ctx, v.ArtifactRef)
	if err != nil {
		return "", errors.ArtifactCollection("workflow.collage", "failed to read collage", err).
			WithField("artifact", v.ArtifactRef)
	}
	defer rc.Close()
	if size <= 0 {
		size = -1
	}
	out, err := r.storage.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   keys.Collage(jobID, path.Ext(v.ArtifactRef)),
		ContentType: ct,
		Reader:      rc,
		Size:        size,
	})
	if err != nil {
		return "", errors.ArtifactCollection("workflow.collage", "failed to publish collage", err).
			WithField("artifact", v.ArtifactRef)
	}
	return out.ObjectKey, nil
}

// displayName upper-cases the first letter of name and lower-cases the rest.
func displayName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if size == 0 {
		return name
	}
	return string(unicode.ToTitle(r)) + strings.ToLower(name[size:])
}

func (r *Runner) upload(ctx context.Context, ref string) (string, error) {
	rc, _, _, err := r.storage.GetObject(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", ref, err)
	}
	defer rc.Close()
	return r.render.UploadImage(ctx, keys.SanitizeFilename(path.Base(ref)), rc)
}
