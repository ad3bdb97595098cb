// Package httpkit holds JSON response helpers and Postgres error predicates
// shared by the HTTP layer and the stores.
package httpkit

import (
	"encoding/json"
	"net/http"
)

// ErrorBody is the payload under "error" in every failed response.
type ErrorBody struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// DecodeJSON decodes the body into v and rejects unknown fields.
func DecodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteErr writes {"error": ErrorBody}. The request id is taken from the
// X-Request-ID response header when the middleware set one.
func WriteErr(w http.ResponseWriter, status int, code, msg string, details map[string]any) {
	WriteJSON(w, status, map[string]ErrorBody{
		"error": {
			Code:      code,
			Message:   msg,
			Details:   details,
			RequestID: w.Header().Get("X-Request-ID"),
		},
	})
}
