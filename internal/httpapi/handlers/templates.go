package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"storybook/internal/httpkit"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/templates"
)

const maxTemplateBody = 8 << 20

// GetBook returns a book's manifest from the configured template source.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) error {
	m, err := h.templates.Manifest(r.Context(), chi.URLParam(r, "bookId"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"book": m})
	return nil
}

// PutBook creates or replaces a book's page order and slot table.
func (h *Handler) PutBook(w http.ResponseWriter, r *http.Request) error {
	var m templates.Manifest
	if err := decode(r, &m, false); err != nil {
		return err
	}
	m.Book = chi.URLParam(r, "bookId")
	if err := h.books.PutBook(r.Context(), &m); err != nil {
		return err
	}
	stored, err := h.books.Manifest(r.Context(), m.Book)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"book": stored})
	return nil
}

// PutTemplate stores the request body as the graph of one page.
func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) error {
	gender := strings.ToLower(chi.URLParam(r, "gender"))
	if gender != models.GenderBoy && gender != models.GenderGirl {
		return errors.ValidationField("gender", "gender must be boy or girl")
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxTemplateBody))
	if err != nil {
		return errors.Validation("unreadable body")
	}

	t := &models.PageTemplate{
		BookID:     chi.URLParam(r, "bookId"),
		Gender:     gender,
		PageKey:    chi.URLParam(r, "pageKey"),
		Definition: json.RawMessage(body),
	}
	if err := h.books.PutTemplate(r.Context(), t); err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusCreated, map[string]any{
		"template": map[string]any{
			"book_id":    t.BookID,
			"gender":     t.Gender,
			"page_key":   t.PageKey,
			"created_at": t.CreatedAt,
		},
	})
	return nil
}

func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) error {
	list, err := h.books.List(r.Context(), chi.URLParam(r, "bookId"))
	if err != nil {
		return errors.Wrap(err, "http.list_templates", "failed to list templates")
	}
	if list == nil {
		list = []models.PageTemplate{}
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"templates": list})
	return nil
}

func (h *Handler) DeleteTemplate(w http.ResponseWriter, r *http.Request) error {
	err := h.books.Delete(r.Context(),
		chi.URLParam(r, "bookId"), strings.ToLower(chi.URLParam(r, "gender")), chi.URLParam(r, "pageKey"))
	if err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}
