package handlers

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"storybook/internal/httpkit"
	"storybook/internal/models"
	"storybook/internal/orchestrator"
	"storybook/internal/pkg/errors"
	"storybook/internal/templates"
)

const maxUploadMemory = 32 << 20

type DispatchRequest struct {
	PageKeys []string         `json:"page_keys,omitempty"`
	Params   templates.Params `json:"params,omitempty"`
}

type RegenerateRequest struct {
	Params templates.Params `json:"params,omitempty"`
}

type SelectionRequest struct {
	Selection models.Selection `json:"selection"`
}

func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) error {
	var req orchestrator.NewJob
	if err := decode(r, &req, false); err != nil {
		return err
	}
	job, err := h.svc.CreateJob(r.Context(), req)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"job": job})
	return nil
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) error {
	job, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job": job})
	return nil
}

// PostImages stores the multipart "images" files as the job's subject images.
func (h *Handler) PostImages(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		return errors.Validation("invalid multipart form")
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["images"]
	uploads := make([]orchestrator.Upload, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return errors.ValidationField("images", "unreadable file: "+fh.Filename)
		}
		defer f.Close()
		uploads = append(uploads, orchestrator.Upload{
			Filename:    fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Reader:      f,
			Size:        fh.Size,
		})
	}

	refs, err := h.svc.AddSubjectImages(r.Context(), jobID, uploads)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{"job_id": jobID, "subject_images": refs})
	return nil
}

func (h *Handler) PostDispatch(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	var req DispatchRequest
	if err := decode(r, &req, true); err != nil {
		return err
	}
	if err := h.svc.DispatchJob(r.Context(), jobID, req.PageKeys, req.Params); err != nil {
		return err
	}
	job, err := h.svc.GetJob(r.Context(), jobID)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "page_keys": job.ExpectedKeys})
	return nil
}

func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) error {
	rep, err := h.svc.PollStatus(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, rep)
	return nil
}

func (h *Handler) PostRegenerate(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")
	pageKey := chi.URLParam(r, "pageKey")

	var req RegenerateRequest
	if err := decode(r, &req, true); err != nil {
		return err
	}
	if err := h.svc.RegeneratePage(r.Context(), jobID, pageKey, req.Params); err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "page_key": pageKey})
	return nil
}

// PostCollage launches the combined render of the job's pages.
func (h *Handler) PostCollage(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	var req RegenerateRequest
	if err := decode(r, &req, true); err != nil {
		return err
	}
	if err := h.svc.RenderCollage(r.Context(), jobID, req.Params); err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "page_key": templates.CollagePage})
	return nil
}

// GetCollage reports the collage and, once published, a link to it.
func (h *Handler) GetCollage(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")
	c, err := h.svc.GetCollage(r.Context(), jobID)
	if err != nil {
		return err
	}
	body := map[string]any{"job_id": jobID, "collage": c}
	if c.Ref != "" {
		out, err := h.sp.GetSignedURL(r.Context(), c.Ref, signedURLTTL)
		if err != nil {
			return errors.WrapWithCode(err, errors.CodeUnavailable, "http.collage_url", "failed to sign url")
		}
		if out.URL == "" {
			out.URL = "/jobs/" + jobID + "/collage/content"
			out.ExpiresAt = time.Now().UTC().Add(signedURLTTL)
		}
		body["url"] = out.URL
		body["expires_at"] = out.ExpiresAt
	}
	httpkit.WriteJSON(w, http.StatusOK, body)
	return nil
}

// StreamCollage writes the published collage's bytes.
func (h *Handler) StreamCollage(w http.ResponseWriter, r *http.Request) error {
	c, err := h.svc.GetCollage(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		return err
	}
	if c.Ref == "" {
		return errors.NotFound("collage", chi.URLParam(r, "jobId")).WithField("status", string(c.Status))
	}
	return h.stream(w, r, c.Ref)
}

func (h *Handler) PostSelection(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	var req SelectionRequest
	if err := decode(r, &req, false); err != nil {
		return err
	}
	arts, err := h.svc.ResolveSelection(r.Context(), jobID, req.Selection)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "artifacts": arts})
	return nil
}

func (h *Handler) PostApprove(w http.ResponseWriter, r *http.Request) error {
	jobID := chi.URLParam(r, "jobId")

	var req SelectionRequest
	if err := decode(r, &req, false); err != nil {
		return err
	}
	res, err := h.svc.Approve(r.Context(), jobID, req.Selection)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"approval": res})
	return nil
}

// decode reads a JSON body into v. An empty body is accepted when optional.
func decode(r *http.Request, v any, optional bool) error {
	err := httpkit.DecodeJSON(r, v)
	if err == nil {
		return nil
	}
	if optional && errors.Is(err, io.EOF) {
		return nil
	}
	return errors.Validation("invalid json body: " + err.Error())
}
