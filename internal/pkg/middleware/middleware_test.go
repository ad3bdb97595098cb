package middleware

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
)

func bufferedLogger(buf *bytes.Buffer) *logger.Logger {
	return logger.New(logger.Config{Level: "debug", Format: "json", Output: buf})
}

func TestRequestID(t *testing.T) {
	var seen string
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = r.Context().Value(logger.RequestIDKey).(string)
	}))

	t.Run("generates an id", func(t *testing.T) {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest("GET", "/jobs/1/status", nil))

		id := rec.Header().Get(RequestIDHeader)
		if len(id) != 36 {
			t.Errorf("expected a uuid, got %q", id)
		}
		if seen != id {
			t.Errorf("context id %q does not match header %q", seen, id)
		}
	})

	t.Run("keeps the caller's id", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/jobs/1/status", nil)
		req.Header.Set(RequestIDHeader, "req-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		if rec.Header().Get(RequestIDHeader) != "req-1" {
			t.Errorf("expected req-1, got %q", rec.Header().Get(RequestIDHeader))
		}
	})
}

func TestLoggingLevels(t *testing.T) {
	tests := []struct {
		status int
		level  string
	}{
		{200, "INFO"},
		{404, "WARN"},
		{502, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			handler := Logging(bufferedLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/jobs/1/dispatch", nil))

			out := buf.String()
			if !strings.Contains(out, `"level":"`+tt.level+`"`) {
				t.Errorf("expected level %s in %s", tt.level, out)
			}
			if !strings.Contains(out, "/jobs/1/dispatch") || !strings.Contains(out, "duration_ms") {
				t.Errorf("missing request attributes in %s", out)
			}
		})
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	handler := Recovery(bufferedLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "INTERNAL_ERROR") {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
	if !strings.Contains(buf.String(), "panic recovered") {
		t.Errorf("expected panic log, got %s", buf.String())
	}
}

func TestTimeoutSetsDeadline(t *testing.T) {
	var ok bool
	handler := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, ok = r.Context().Deadline()
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	if !ok {
		t.Error("expected a deadline on the request context")
	}
}

func TestWrapHandlerWritesCodedErrors(t *testing.T) {
	var buf bytes.Buffer
	log := bufferedLogger(&buf)

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid selection", errors.InvalidSelection(1, 5, 2), 422, "INVALID_SELECTION"},
		{"template missing", errors.TemplateNotFound("b", "boy", "pg0"), 404, "TEMPLATE_NOT_FOUND"},
		{"not found", errors.NotFound("job", "j1"), 404, "NOT_FOUND"},
		{"plain", http.ErrBodyNotAllowed, 500, "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := WrapHandler(log, func(w http.ResponseWriter, r *http.Request) error { return tt.err })
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest("POST", "/x", nil))

			if rec.Code != tt.status {
				t.Errorf("expected %d, got %d", tt.status, rec.Code)
			}
			var env struct {
				Error struct {
					Code    string         `json:"code"`
					Details map[string]any `json:"details"`
				} `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
				t.Fatalf("bad body: %v", err)
			}
			if env.Error.Code != tt.code {
				t.Errorf("expected code %s, got %s", tt.code, env.Error.Code)
			}
		})
	}
}

func TestInvalidSelectionDetailsInBody(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(bufferedLogger(&buf), func(w http.ResponseWriter, r *http.Request) error {
		return errors.InvalidSelection(1, 5, 2)
	})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest("POST", "/x", nil))

	body := rec.Body.String()
	for _, want := range []string{`"page":1`, `"index":5`, `"available":2`} {
		if !strings.Contains(body, want) {
			t.Errorf("expected %s in %s", want, body)
		}
	}
}
