// Package render talks to the image render backend: it submits generation
// graphs, waits for the backend to report completion and fetches results.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	wire "storybook/internal/contracts/render"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
)

// Output is one image reported by the backend for a finished request.
type Output struct {
	Node string
	wire.ImageRef
}

// Manifest lists a finished request's outputs in production order.
type Manifest struct {
	PromptID string
	Outputs  []Output
}

// Client is the render backend contract used by the workflow runner.
type Client interface {
	// Submit queues graph for clientID and returns the backend request id.
	Submit(ctx context.Context, graph wire.Graph, clientID string) (string, error)
	// AwaitCompletion blocks until the request finishes or ctx is done.
	// It sets no deadline of its own.
	AwaitCompletion(ctx context.Context, promptID string) (*Manifest, error)
	// Fetch streams one output.
	Fetch(ctx context.Context, out Output) (io.ReadCloser, string, error)
	// UploadImage stores an input image and returns the name to bind into a graph.
	UploadImage(ctx context.Context, filename string, r io.Reader) (string, error)
	Ping(ctx context.Context) error
}

// Options configures HTTPClient.
type Options struct {
	// Events selects completion detection: "ws" listens on the event stream,
	// "poll" polls the history endpoint.
	Events       string
	PollInterval time.Duration
	HTTPClient   *http.Client
	Log          *logger.Logger
}

// HTTPClient implements Client over the backend's HTTP and websocket API.
type HTTPClient struct {
	baseURL      string
	client       *http.Client
	events       string
	pollInterval time.Duration
	log          *logger.Logger

	mu       sync.Mutex
	watchers map[string]*watcher
}

func NewHTTPClient(baseURL string, opts Options) *HTTPClient {
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 2 * time.Minute}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.Events == "" {
		opts.Events = "ws"
	}
	if opts.Log == nil {
		opts.Log = logger.NewDefault()
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       opts.HTTPClient,
		events:       opts.Events,
		pollInterval: opts.PollInterval,
		log:          opts.Log.WithComponent("render"),
		watchers:     make(map[string]*watcher),
	}
}

func (c *HTTPClient) Submit(ctx context.Context, graph wire.Graph, clientID string) (string, error) {
	// The event stream is opened before submitting so the finish event
	// cannot be missed.
	var w *watcher
	if c.events == "ws" {
		var err error
		w, err = dialWatcher(ctx, c.baseURL, clientID, c.log)
		if err != nil {
			c.log.Warn("event stream unavailable, falling back to polling", "client_id", clientID, "error", err.Error())
			w = nil
		}
	}

	var resp wire.PromptResponse
	err := c.doJSON(ctx, http.MethodPost, "/prompt", wire.PromptRequest{Prompt: graph, ClientID: clientID}, &resp)
	if err == nil && len(resp.NodeErrors) > 0 {
		err = errors.RenderBackend("render.submit", "graph rejected", nil).WithField("node_errors", nodeIDs(resp.NodeErrors))
	}
	if err == nil && resp.PromptID == "" {
		err = errors.RenderBackend("render.submit", "response carries no prompt_id", nil)
	}
	if err != nil {
		if w != nil {
			w.close()
		}
		return "", err
	}

	if w != nil {
		c.mu.Lock()
		c.watchers[resp.PromptID] = w
		c.mu.Unlock()
	}
	return resp.PromptID, nil
}

func (c *HTTPClient) AwaitCompletion(ctx context.Context, promptID string) (*Manifest, error) {
	c.mu.Lock()
	w := c.watchers[promptID]
	delete(c.watchers, promptID)
	c.mu.Unlock()

	if w != nil {
		defer w.close()
		err := w.wait(ctx, promptID)
		switch {
		case err == nil:
			return c.manifest(ctx, promptID)
		case errors.IsCode(err, errors.CodeRenderBackend):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		}
		c.log.Warn("event stream lost, polling history", "prompt_id", promptID, "error", err.Error())
	}
	return c.poll(ctx, promptID)
}

// poll waits on the history endpoint until the prompt has an entry.
func (c *HTTPClient) poll(ctx context.Context, promptID string) (*Manifest, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		entry, ok, err := c.history(ctx, promptID)
		if err != nil {
			return nil, err
		}
		if ok {
			if entry.Status.StatusStr == "error" {
				return nil, errors.RenderBackend("render.await", "execution failed", nil).WithField("prompt_id", promptID)
			}
			if entry.Status.Completed || entry.Status.StatusStr == "success" {
				return buildManifest(promptID, entry), nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) manifest(ctx context.Context, promptID string) (*Manifest, error) {
	entry, ok, err := c.history(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.RenderBackend("render.history", "finished prompt missing from history", nil).WithField("prompt_id", promptID)
	}
	return buildManifest(promptID, entry), nil
}

func (c *HTTPClient) history(ctx context.Context, promptID string) (wire.HistoryEntry, bool, error) {
	var hist map[string]wire.HistoryEntry
	if err := c.doJSON(ctx, http.MethodGet, "/history/"+url.PathEscape(promptID), nil, &hist); err != nil {
		return wire.HistoryEntry{}, false, err
	}
	entry, ok := hist[promptID]
	return entry, ok, nil
}

// buildManifest orders outputs by node id, then by image order within a node.
func buildManifest(promptID string, entry wire.HistoryEntry) *Manifest {
	nodes := make([]string, 0, len(entry.Outputs))
	for id := range entry.Outputs {
		nodes = append(nodes, id)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodeLess(nodes[i], nodes[j]) })

	m := &Manifest{PromptID: promptID}
	for _, id := range nodes {
		for _, img := range entry.Outputs[id].Images {
			m.Outputs = append(m.Outputs, Output{Node: id, ImageRef: img})
		}
	}
	return m
}

func nodeLess(a, b string) bool {
	ai, aerr := strconv.Atoi(a)
	bi, berr := strconv.Atoi(b)
	if aerr == nil && berr == nil {
		return ai < bi
	}
	return a < b
}

func (c *HTTPClient) Fetch(ctx context.Context, out Output) (io.ReadCloser, string, error) {
	q := url.Values{}
	q.Set("filename", out.Filename)
	q.Set("subfolder", out.Subfolder)
	q.Set("type", out.Type)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, "", err
	}
	res, err := c.client.Do(req)
	if err != nil {
		return nil, "", errors.RenderBackend("render.fetch", "request failed", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		res.Body.Close()
		return nil, "", errors.RenderBackend("render.fetch", fmt.Sprintf("renderer http %d", res.StatusCode), nil)
	}
	return res.Body, res.Header.Get("Content-Type"), nil
}

func (c *HTTPClient) UploadImage(ctx context.Context, filename string, r io.Reader) (string, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(part, r); err != nil {
		return "", errors.Wrap(err, "render.upload", "failed to read input image")
	}
	_ = mw.WriteField("overwrite", "true")
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/upload/image", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var out wire.UploadResponse
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.Name == "" {
		return "", errors.RenderBackend("render.upload", "response carries no name", nil)
	}
	if out.Subfolder != "" {
		return out.Subfolder + "/" + out.Name, nil
	}
	return out.Name, nil
}

func (c *HTTPClient) Ping(ctx context.Context) error {
	var stats map[string]any
	return c.doJSON(ctx, http.MethodGet, "/system_stats", nil, &stats)
}

func (c *HTTPClient) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *HTTPClient) do(req *http.Request, out any) error {
	op := "render." + strings.ToLower(req.Method) + " " + req.URL.Path
	res, err := c.client.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return req.Context().Err()
		}
		return errors.RenderBackend(op, "request failed", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return errors.RenderBackend(op, fmt.Sprintf("renderer http %d", res.StatusCode), nil).
			WithField("body", strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return errors.RenderBackend(op, "malformed response", err)
	}
	return nil
}

func nodeIDs(m map[string]json.RawMessage) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
