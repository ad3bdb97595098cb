package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorString(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "code and message",
			err:      New(CodeValidation, "invalid"),
			contains: []string{"VALIDATION_ERROR", "invalid"},
		},
		{
			name:     "with op",
			err:      &Error{Code: CodeRenderBackend, Message: "submit failed", Op: "render.submit"},
			contains: []string{"render.submit", "RENDER_BACKEND_ERROR", "submit failed"},
		},
		{
			name:     "with cause",
			err:      &Error{Code: CodeInternal, Message: "wrapper", Err: fmt.Errorf("underlying")},
			contains: []string{"wrapper", "underlying"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := tt.err.Error()
			for _, c := range tt.contains {
				if !strings.Contains(s, c) {
					t.Errorf("expected %q in %q", c, s)
				}
			}
		})
	}
}

func TestWrap(t *testing.T) {
	t.Run("plain cause becomes internal", func(t *testing.T) {
		cause := fmt.Errorf("boom")
		w := Wrap(cause, "store.get", "load failed")
		if w.Code != CodeInternal {
			t.Errorf("expected %s, got %s", CodeInternal, w.Code)
		}
		if errors.Unwrap(w) != cause {
			t.Error("Unwrap should return the cause")
		}
	})

	t.Run("coded cause keeps code and fields", func(t *testing.T) {
		cause := InvalidSelection(1, 5, 2)
		w := Wrap(cause, "approval.approve", "resolve failed")
		if w.Code != CodeInvalidSelection {
			t.Errorf("expected %s, got %s", CodeInvalidSelection, w.Code)
		}
		if w.Fields["available"] != 2 {
			t.Errorf("expected fields to be carried, got %v", w.Fields)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if Wrap(nil, "op", "msg") != nil {
			t.Error("Wrap(nil) should return nil")
		}
		if WrapWithCode(nil, CodeTimeout, "op", "msg") != nil {
			t.Error("WrapWithCode(nil) should return nil")
		}
	})
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code   Code
		status int
	}{
		{CodeValidation, 400},
		{CodeUnauthorized, 401},
		{CodeNotFound, 404},
		{CodeTemplateNotFound, 404},
		{CodeConflict, 409},
		{CodeStoreConflict, 409},
		{CodeInvalidSelection, 422},
		{CodeRenderBackend, 502},
		{CodeArtifactCollection, 502},
		{CodeUnavailable, 503},
		{CodeTimeout, 504},
		{CodeInternal, 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := New(tt.code, "x").HTTPStatus(); got != tt.status {
				t.Errorf("expected %d, got %d", tt.status, got)
			}
		})
	}

	if GetHTTPStatus(fmt.Errorf("plain")) != 500 {
		t.Error("plain errors should map to 500")
	}
}

func TestInvalidSelectionDetails(t *testing.T) {
	err := fmt.Errorf("approve: %w", InvalidSelection(1, 5, 2))

	page, index, available, ok := SelectionDetails(err)
	if !ok {
		t.Fatal("expected selection details")
	}
	if page != 1 || index != 5 || available != 2 {
		t.Errorf("got page=%d index=%d available=%d", page, index, available)
	}

	if _, _, _, ok := SelectionDetails(Validation("x")); ok {
		t.Error("validation error should not carry selection details")
	}
}

func TestTemplateNotFoundFields(t *testing.T) {
	err := TemplateNotFound("astronaut", "girl", "pg3")
	if err.Fields["page_key"] != "pg3" || err.Fields["book_id"] != "astronaut" {
		t.Errorf("unexpected fields %v", err.Fields)
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"render backend", RenderBackend("render.await", "execution error", nil), true},
		{"artifact collection", ArtifactCollection("collector.put", "upload failed", fmt.Errorf("eof")), true},
		{"store conflict", StoreConflict("store.cas", "lost race"), true},
		{"timeout", Timeout("render.await"), true},
		{"template not found", TemplateNotFound("b", "boy", "pg0"), false},
		{"invalid selection", InvalidSelection(0, 3, 1), false},
		{"run superseded", RunSuperseded("store.append", 3), false},
		{"plain", fmt.Errorf("x"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := StoreConflict("a", "one")
	b := StoreConflict("b", "two")
	c := New(CodeConflict, "other")

	if !errors.Is(fmt.Errorf("wrapped: %w", a), b) {
		t.Error("errors with the same code should match")
	}
	if errors.Is(a, c) {
		t.Error("different codes should not match")
	}
	if !IsStoreConflict(a) {
		t.Error("IsStoreConflict should be true")
	}
}

func TestStackTrace(t *testing.T) {
	err := New(CodeInternal, "x")
	if len(err.Stack) == 0 {
		t.Fatal("expected captured stack")
	}
	if !strings.Contains(err.StackTrace(), ".go:") {
		t.Errorf("expected file references, got %q", err.StackTrace())
	}
}
