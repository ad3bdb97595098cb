package templates

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	wire "storybook/internal/contracts/render"
	"storybook/internal/httpkit"
	"storybook/internal/models"
	"storybook/internal/pkg/errors"
)

// PGSource reads manifests from the books table and graphs from
// page_templates. Soft-deleted templates are not served.
type PGSource struct {
	db *pgxpool.Pool
}

func NewPGSource(db *pgxpool.Pool) *PGSource {
	return &PGSource{db: db}
}

func (s *PGSource) Manifest(ctx context.Context, bookID string) (*Manifest, error) {
	var (
		pages []string
		slots []byte
	)
	err := s.db.QueryRow(ctx, `
		SELECT pages, slots
		FROM books
		WHERE book_id=$1
	`, bookID).Scan(&pages, &slots)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.NotFound("book", bookID)
		}
		if httpkit.IsUndefinedTable(err) {
			return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "templates.pg.manifest", "books table missing, run migrations")
		}
		return nil, errors.Wrap(err, "templates.pg.manifest", "failed to query book")
	}

	m := Manifest{Book: bookID, Pages: pages}
	if len(slots) > 0 {
		if err := json.Unmarshal(slots, &m.Slots); err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeValidation, "templates.pg.manifest", "invalid slots")
		}
	}
	out, err := m.normalized()
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "templates.pg.manifest", "invalid book")
	}
	return out, nil
}

func (s *PGSource) Load(ctx context.Context, bookID, gender, pageKey string) (wire.Graph, error) {
	var def []byte
	err := s.db.QueryRow(ctx, `
		SELECT definition_json
		FROM page_templates
		WHERE book_id=$1 AND gender=$2 AND page_key=$3 AND deleted_at IS NULL
	`, bookID, gender, pageKey).Scan(&def)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errors.TemplateNotFound(bookID, gender, pageKey)
		}
		return nil, errors.Wrap(err, "templates.pg.load", "failed to query template")
	}
	g, err := ParseGraph(def)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "templates.pg.load", "invalid template").
			WithFields(map[string]any{"book_id": bookID, "gender": gender, "page_key": pageKey})
	}
	return g, nil
}

// PutBook creates or replaces a book's page order and slot table.
func (s *PGSource) PutBook(ctx context.Context, m *Manifest) error {
	norm, err := m.normalized()
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "templates.pg.put_book", "invalid book")
	}
	if strings.TrimSpace(norm.Book) == "" {
		return errors.ValidationField("book", "book id is required")
	}
	slots, err := json.Marshal(norm.Slots)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO books (book_id, pages, slots)
		VALUES ($1,$2,$3)
		ON CONFLICT (book_id) DO UPDATE SET pages=EXCLUDED.pages, slots=EXCLUDED.slots
	`, norm.Book, norm.Pages, slots)
	return err
}

// PutTemplate stores a page graph, reviving it if it was deleted.
func (s *PGSource) PutTemplate(ctx context.Context, t *models.PageTemplate) error {
	if _, err := ParseGraph(t.Definition); err != nil {
		return errors.WrapWithCode(err, errors.CodeValidation, "templates.pg.put", "invalid template")
	}
	err := s.db.QueryRow(ctx, `
		INSERT INTO page_templates (book_id, gender, page_key, definition_json)
		VALUES ($1,$2,$3,$4)
		ON CONFLICT (book_id, gender, page_key)
		DO UPDATE SET definition_json=EXCLUDED.definition_json, deleted_at=NULL
		RETURNING created_at
	`, t.BookID, t.Gender, t.PageKey, []byte(t.Definition)).Scan(&t.CreatedAt)
	if err != nil {
		return errors.Wrap(err, "templates.pg.put", "failed to store template")
	}
	return nil
}

// List returns the live templates of a book.
func (s *PGSource) List(ctx context.Context, bookID string) ([]models.PageTemplate, error) {
	rows, err := s.db.Query(ctx, `
		SELECT book_id, gender, page_key, created_at
		FROM page_templates
		WHERE book_id=$1 AND deleted_at IS NULL
		ORDER BY gender, page_key
	`, bookID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.PageTemplate
	for rows.Next() {
		var t models.PageTemplate
		if err := rows.Scan(&t.BookID, &t.Gender, &t.PageKey, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete soft-deletes a template.
func (s *PGSource) Delete(ctx context.Context, bookID, gender, pageKey string) error {
	cmd, err := s.db.Exec(ctx, `
		UPDATE page_templates
		SET deleted_at=now()
		WHERE book_id=$1 AND gender=$2 AND page_key=$3 AND deleted_at IS NULL
	`, bookID, gender, pageKey)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return errors.TemplateNotFound(bookID, gender, pageKey)
	}
	return nil
}
