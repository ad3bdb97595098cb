package render

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	wire "storybook/internal/contracts/render"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
)

// watcher follows the event stream of one client id and records which
// prompts have finished.
type watcher struct {
	conn *websocket.Conn
	log  *logger.Logger

	mu       sync.Mutex
	finished map[string]error
	readErr  error
	changed  chan struct{}
	once     sync.Once
}

func wsURL(baseURL, clientID string) (string, string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", "", err
	}
	origin := u.Scheme + "://" + u.Host
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"clientId": {clientID}}.Encode()
	return u.String(), origin, nil
}

func dialWatcher(ctx context.Context, baseURL, clientID string, log *logger.Logger) (*watcher, error) {
	target, origin, err := wsURL(baseURL, clientID)
	if err != nil {
		return nil, err
	}
	cfg, err := websocket.NewConfig(target, origin)
	if err != nil {
		return nil, err
	}
	conn, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, err
	}
	w := &watcher{
		conn:     conn,
		log:      log,
		finished: make(map[string]error),
		changed:  make(chan struct{}),
	}
	go w.read()
	return w, nil
}

func (w *watcher) read() {
	for {
		var raw []byte
		if err := websocket.Message.Receive(w.conn, &raw); err != nil {
			w.mu.Lock()
			w.readErr = err
			w.broadcast()
			w.mu.Unlock()
			return
		}
		// Preview frames are binary and do not decode; skip them.
		var ev wire.Event
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		w.handle(ev)
	}
}

func (w *watcher) handle(ev wire.Event) {
	var data wire.ExecutionData
	switch ev.Type {
	case wire.EventExecuting, wire.EventExecutionSuccess, wire.EventExecutionError, wire.EventExecutionInterrupted:
		if err := json.Unmarshal(ev.Data, &data); err != nil || data.PromptID == "" {
			return
		}
	default:
		return
	}

	var result error
	switch ev.Type {
	case wire.EventExecuting:
		if data.Node != nil {
			return
		}
	case wire.EventExecutionError:
		result = errors.RenderBackend("render.await", "execution failed", nil).
			WithFields(map[string]any{"prompt_id": data.PromptID, "node_id": data.NodeID, "exception": data.ExceptionMessage})
	case wire.EventExecutionInterrupted:
		result = errors.RenderBackend("render.await", "execution interrupted", nil).WithField("prompt_id", data.PromptID)
	}

	w.mu.Lock()
	if _, seen := w.finished[data.PromptID]; !seen {
		w.finished[data.PromptID] = result
		w.broadcast()
	}
	w.mu.Unlock()
}

// broadcast wakes every waiter. Callers hold w.mu.
func (w *watcher) broadcast() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// wait returns nil once promptID finished successfully, a render backend
// error if it failed, or the stream error if the connection dropped first.
func (w *watcher) wait(ctx context.Context, promptID string) error {
	for {
		w.mu.Lock()
		result, done := w.finished[promptID]
		readErr := w.readErr
		changed := w.changed
		w.mu.Unlock()

		if done {
			return result
		}
		if readErr != nil {
			return readErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}

func (w *watcher) close() {
	w.once.Do(func() {
		if err := w.conn.Close(); err != nil {
			w.log.Debug("closing event stream", "error", err.Error())
		}
	})
}
