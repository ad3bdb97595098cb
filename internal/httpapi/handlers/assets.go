package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"storybook/internal/httpkit"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

const signedURLTTL = 30 * time.Minute

// variant looks up the variant named by the jobId, pageKey and index URL params.
func (h *Handler) variant(r *http.Request) (models.Variant, error) {
	jobID := chi.URLParam(r, "jobId")
	pageKey := chi.URLParam(r, "pageKey")
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		return models.Variant{}, errors.ValidationField("index", "index must be an integer")
	}

	job, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		return models.Variant{}, err
	}
	w := job.Workflow(pageKey)
	if w == nil {
		return models.Variant{}, errors.NotFound("page", jobID+"/"+pageKey)
	}
	if index < 0 || index >= len(w.Variants) {
		return models.Variant{}, errors.NotFound("variant", fmt.Sprintf("%s/%s/%d", jobID, pageKey, index)).
			WithField("available", len(w.Variants))
	}
	return w.Variants[index], nil
}

// GetVariantURL returns a time-limited link to a variant. Providers without
// signed links get a link back to StreamVariant.
func (h *Handler) GetVariantURL(w http.ResponseWriter, r *http.Request) error {
	v, err := h.variant(r)
	if err != nil {
		return err
	}
	out, err := h.sp.GetSignedURL(r.Context(), v.ArtifactRef, signedURLTTL)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "http.variant_url", "failed to sign url")
	}
	if out.URL == "" {
		out.URL = fmt.Sprintf("/jobs/%s/pages/%s/variants/%s/content",
			chi.URLParam(r, "jobId"), chi.URLParam(r, "pageKey"), chi.URLParam(r, "index"))
		out.ExpiresAt = time.Now().UTC().Add(signedURLTTL)
	}

	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"artifact_reference": v.ArtifactRef,
		"url":                out.URL,
		"expires_at":         out.ExpiresAt,
	})
	return nil
}

// StreamVariant writes the variant's bytes.
func (h *Handler) StreamVariant(w http.ResponseWriter, r *http.Request) error {
	v, err := h.variant(r)
	if err != nil {
		return err
	}
	return h.stream(w, r, v.ArtifactRef)
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, ref string) error {
	rc, ct, size, err := h.sp.GetObject(r.Context(), ref)
	if err != nil {
		return errors.NotFound("artifact", ref)
	}
	defer rc.Close()

	if ct == "" {
		ct = "application/octet-stream"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
	return nil
}
