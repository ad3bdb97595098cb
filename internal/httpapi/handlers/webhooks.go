package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"storybook/internal/httpkit"
	"storybook/internal/pkg/errors"
)

const maxWebhookBody = 1 << 20

// PaymentPayload accepts both a plain {job_id, order_id} body and a shop
// order whose note attributes carry the job id as "Request ID".
type PaymentPayload struct {
	JobID          string          `json:"job_id"`
	OrderID        string          `json:"order_id"`
	Name           string          `json:"name"`
	NoteAttributes []NoteAttribute `json:"note_attributes"`
}

type NoteAttribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func (p PaymentPayload) job() string {
	if p.JobID != "" {
		return strings.TrimSpace(p.JobID)
	}
	for _, a := range p.NoteAttributes {
		if strings.EqualFold(strings.TrimSpace(a.Name), "Request ID") {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func (p PaymentPayload) order() string {
	if p.OrderID != "" {
		return p.OrderID
	}
	return p.Name
}

// PostPaymentWebhook marks the referenced job paid. Payloads without a job
// id are acknowledged and ignored.
func (h *Handler) PostPaymentWebhook(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		return errors.Validation("unreadable body")
	}
	if len(h.secret) > 0 && !validSignature(h.secret, body, r.Header.Get("X-Signature")) {
		return errors.New(errors.CodeUnauthorized, "invalid webhook signature")
	}

	var p PaymentPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return errors.Validation("invalid json body")
	}

	jobID := p.job()
	if jobID == "" {
		h.log.FromContext(r.Context()).Warn("payment webhook without job id, ignoring", "order", p.order())
		httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"status": "ignored"})
		return nil
	}
	if err := h.svc.MarkPaid(r.Context(), jobID, p.order()); err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok", "job_id": jobID})
	return nil
}

// validSignature checks a hex HMAC-SHA256 of body, optionally prefixed "sha256=".
func validSignature(secret, body []byte, header string) bool {
	got, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(header), "sha256="))
	if err != nil || len(got) == 0 {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}
