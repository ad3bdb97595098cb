package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
)

func TestWebhookPostsEvent(t *testing.T) {
	got := make(chan Event, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Error(err)
		}
		got <- ev
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, srv.Client(), logger.Discard())
	job := &models.Job{ID: "j1", Name: "Ada", BookID: "astro", Email: "ada@example.com"}
	if err := n.NotifyPreviewReady(context.Background(), NewEvent("", job)); err != nil {
		t.Fatal(err)
	}
	ev := <-got
	if ev.Kind != KindPreviewReady || ev.JobID != "j1" || ev.Email != "ada@example.com" {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestWebhookRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewWebhook(srv.URL, srv.Client(), logger.Discard())
	err := n.NotifyApproved(context.Background(), Event{JobID: "j1"})
	if !errors.IsCode(err, errors.CodeUnavailable) {
		t.Errorf("expected UNAVAILABLE, got %v", err)
	}
}

func TestLogNotifier(t *testing.T) {
	n := NewLog(logger.Discard())
	ev := NewEvent(KindApproved, &models.Job{ID: "j1"})
	if err := n.NotifyApproved(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if ev.At.IsZero() {
		t.Error("expected event time to be set")
	}
}
