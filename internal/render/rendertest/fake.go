// Package rendertest provides an in-process render backend for tests.
package rendertest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	wire "storybook/internal/contracts/render"
	"storybook/internal/pkg/errors"
	"storybook/internal/render"
)

// Behavior controls how the fake renders one page.
type Behavior struct {
	// Outputs is the number of images produced. Zero means one.
	Outputs int
	// FailFetch makes fetching the n-th output (1-based) fail. Zero disables it.
	FailFetch int
	SubmitErr error
	AwaitErr  error
	// Hang blocks AwaitCompletion until its context ends.
	Hang bool
	// Gate, when set, holds AwaitCompletion until it is closed.
	Gate <-chan struct{}
}

type prompt struct {
	page string
	b    Behavior
}

// Fake implements render.Client. Behaviors are keyed by page key, which is
// parsed from the submission's client id, and are fixed at submit time.
type Fake struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	prompts   map[string]prompt
	next      int

	Submitted []Submission
	Uploads   []string
}

// Submission records one Submit call.
type Submission struct {
	PageKey  string
	ClientID string
	Graph    wire.Graph
}

var _ render.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{behaviors: map[string]Behavior{}, prompts: map[string]prompt{}}
}

// Set configures the behavior for pageKey.
func (f *Fake) Set(pageKey string, b Behavior) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.behaviors[pageKey] = b
}

func (f *Fake) behavior(pageKey string) Behavior {
	b, ok := f.behaviors[pageKey]
	if !ok {
		return Behavior{Outputs: 1}
	}
	if b.Outputs == 0 {
		b.Outputs = 1
	}
	return b
}

// PageKey extracts the page key from a "<job>_workflow_<page>_<suffix>" id.
func PageKey(clientID string) string {
	_, rest, ok := strings.Cut(clientID, "_workflow_")
	if !ok {
		return ""
	}
	if i := strings.LastIndexByte(rest, '_'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func (f *Fake) Submit(_ context.Context, g wire.Graph, clientID string) (string, error) {
	page := PageKey(clientID)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Submitted = append(f.Submitted, Submission{PageKey: page, ClientID: clientID, Graph: g})
	if err := f.behavior(page).SubmitErr; err != nil {
		return "", err
	}
	f.next++
	id := fmt.Sprintf("prompt-%d", f.next)
	f.prompts[id] = prompt{page: page, b: f.behavior(page)}
	return id, nil
}

func (f *Fake) AwaitCompletion(ctx context.Context, promptID string) (*render.Manifest, error) {
	f.mu.Lock()
	p, ok := f.prompts[promptID]
	f.mu.Unlock()
	if !ok {
		return nil, errors.RenderBackend("rendertest.await", "unknown prompt", nil)
	}
	page, b := p.page, p.b
	if b.Gate != nil {
		select {
		case <-b.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if b.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if b.AwaitErr != nil {
		return nil, b.AwaitErr
	}
	m := &render.Manifest{PromptID: promptID}
	for i := 0; i < b.Outputs; i++ {
		typ := "output"
		if b.FailFetch > 0 && i == b.FailFetch-1 {
			typ = "fail"
		}
		m.Outputs = append(m.Outputs, render.Output{
			Node:     "9",
			ImageRef: wire.ImageRef{Filename: fmt.Sprintf("%s_%s_%02d.png", page, promptID, i), Type: typ},
		})
	}
	return m, nil
}

func (f *Fake) Fetch(_ context.Context, out render.Output) (io.ReadCloser, string, error) {
	if out.Type == "fail" {
		return nil, "", errors.RenderBackend("rendertest.fetch", "renderer http 500", nil)
	}
	return io.NopCloser(strings.NewReader("image:" + out.Filename)), "image/png", nil
}

func (f *Fake) UploadImage(_ context.Context, filename string, r io.Reader) (string, error) {
	if _, err := io.Copy(io.Discard, r); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Uploads = append(f.Uploads, filename)
	return filename, nil
}

func (f *Fake) Ping(context.Context) error { return nil }

// Submissions returns a copy of the recorded submissions.
func (f *Fake) Submissions() []Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Submission(nil), f.Submitted...)
}
