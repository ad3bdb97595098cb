package templates

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
	"sync"

	wire "storybook/internal/contracts/render"
	"storybook/internal/pkg/errors"
)

// Source resolves book manifests and page templates.
type Source interface {
	// Manifest returns the book's manifest or NOT_FOUND.
	Manifest(ctx context.Context, bookID string) (*Manifest, error)
	// Load returns the page's graph or TEMPLATE_NOT_FOUND.
	Load(ctx context.Context, bookID, gender, pageKey string) (wire.Graph, error)
}

// FileSource reads templates from a tree laid out as
//
//	<book>/book.yaml
//	<book>/<path named by the manifest>.json
type FileSource struct {
	fsys fs.FS

	mu        sync.RWMutex
	manifests map[string]*Manifest
}

// NewFileSource serves templates from fsys.
func NewFileSource(fsys fs.FS) *FileSource {
	return &FileSource{fsys: fsys, manifests: make(map[string]*Manifest)}
}

// NewDirSource serves templates from a directory on disk.
func NewDirSource(dir string) *FileSource {
	return NewFileSource(os.DirFS(dir))
}

func (s *FileSource) Manifest(_ context.Context, bookID string) (*Manifest, error) {
	if !validName(bookID) {
		return nil, errors.NotFound("book", bookID)
	}
	s.mu.RLock()
	m, ok := s.manifests[bookID]
	s.mu.RUnlock()
	if ok {
		return m, nil
	}

	data, err := fs.ReadFile(s.fsys, path.Join(bookID, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.NotFound("book", bookID)
		}
		return nil, errors.Wrap(err, "templates.manifest", "failed to read manifest")
	}
	m, err = ParseManifestYAML(data)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "templates.manifest", fmt.Sprintf("invalid manifest for book %q", bookID))
	}
	if m.Book == "" {
		m.Book = bookID
	}

	s.mu.Lock()
	s.manifests[bookID] = m
	s.mu.Unlock()
	return m, nil
}

func (s *FileSource) Load(ctx context.Context, bookID, gender, pageKey string) (wire.Graph, error) {
	m, err := s.Manifest(ctx, bookID)
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.TemplateNotFound(bookID, gender, pageKey)
		}
		return nil, err
	}
	file, ok := m.Templates[gender][pageKey]
	if !ok || !validName(file) {
		return nil, errors.TemplateNotFound(bookID, gender, pageKey)
	}

	data, err := fs.ReadFile(s.fsys, path.Join(bookID, file))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.TemplateNotFound(bookID, gender, pageKey)
		}
		return nil, errors.Wrap(err, "templates.load", "failed to read template")
	}
	g, err := ParseGraph(data)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeValidation, "templates.load", "invalid template").
			WithFields(map[string]any{"book_id": bookID, "gender": gender, "page_key": pageKey})
	}
	return g, nil
}

// validName rejects empty names and paths escaping the book directory.
func validName(name string) bool {
	if strings.TrimSpace(name) == "" || strings.HasPrefix(name, "/") {
		return false
	}
	return fs.ValidPath(name)
}
