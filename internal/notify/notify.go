// Package notify delivers customer-facing job events to an external channel.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"storybook/internal/models"
	"storybook/internal/pkg/errors"
	"storybook/internal/pkg/logger"
)

// Event kinds.
const (
	KindPreviewReady = "preview_ready"
	KindApproved     = "approved"
)

// Event is the payload handed to a Notifier.
type Event struct {
	Kind        string    `json:"kind"`
	JobID       string    `json:"job_id"`
	Name        string    `json:"name"`
	BookID      string    `json:"book_id"`
	UserName    string    `json:"user_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	PhoneNumber string    `json:"phone_number,omitempty"`
	Artifacts   []string  `json:"artifacts,omitempty"`
	At          time.Time `json:"at"`
}

// NewEvent fills the job identity fields of an event.
func NewEvent(kind string, job *models.Job) Event {
	return Event{
		Kind:        kind,
		JobID:       job.ID,
		Name:        job.Name,
		BookID:      job.BookID,
		UserName:    job.UserName,
		Email:       job.Email,
		PhoneNumber: job.PhoneNumber,
		At:          time.Now().UTC(),
	}
}

// Notifier is fire-and-forget from the caller's point of view; duplicate
// suppression is the caller's job.
type Notifier interface {
	NotifyPreviewReady(ctx context.Context, ev Event) error
	NotifyApproved(ctx context.Context, ev Event) error
}

// Log writes events to the service log only.
type Log struct {
	log *logger.Logger
}

func NewLog(log *logger.Logger) *Log {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Log{log: log.WithComponent("notify")}
}

func (n *Log) NotifyPreviewReady(ctx context.Context, ev Event) error {
	n.log.WithJobID(ev.JobID).Info("preview ready", "book_id", ev.BookID, "email", ev.Email)
	return nil
}

func (n *Log) NotifyApproved(ctx context.Context, ev Event) error {
	n.log.WithJobID(ev.JobID).Info("book approved", "book_id", ev.BookID, "pages", len(ev.Artifacts))
	return nil
}

// Webhook POSTs each event as JSON to a fixed URL.
type Webhook struct {
	url  string
	http *http.Client
	log  *logger.Logger
}

func NewWebhook(url string, client *http.Client, log *logger.Logger) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = logger.NewDefault()
	}
	return &Webhook{url: url, http: client, log: log.WithComponent("notify")}
}

func (n *Webhook) NotifyPreviewReady(ctx context.Context, ev Event) error {
	ev.Kind = KindPreviewReady
	return n.post(ctx, ev)
}

func (n *Webhook) NotifyApproved(ctx context.Context, ev Event) error {
	ev.Kind = KindApproved
	return n.post(ctx, ev)
}

func (n *Webhook) post(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "notify.webhook", "encode event")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "notify.webhook", "build request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "notify.webhook", "deliver event")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 300 {
		return errors.New(errors.CodeUnavailable, fmt.Sprintf("webhook answered %d", resp.StatusCode)).
			WithFields(map[string]any{"kind": ev.Kind, "job_id": ev.JobID})
	}
	n.log.WithJobID(ev.JobID).Debug("event delivered", "kind", ev.Kind)
	return nil
}
