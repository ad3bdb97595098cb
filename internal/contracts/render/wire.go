// Package render holds the JSON shapes exchanged with the render backend.
//
// The backend speaks the ComfyUI HTTP protocol:
//   - POST /prompt submits a graph for a client id and returns a prompt id
//   - GET /ws?clientId= streams execution events for that client
//   - GET /history/{prompt_id} lists the images produced by a finished prompt
//   - GET /view streams one image; POST /upload/image stores an input image
package render

import "encoding/json"

// Node is one step of a generation graph.
type Node struct {
	ClassType string         `json:"class_type"`
	Inputs    map[string]any `json:"inputs"`
	Meta      map[string]any `json:"_meta,omitempty"`
}

// Graph maps node ids to nodes.
type Graph map[string]*Node

// PromptRequest is the POST /prompt body.
type PromptRequest struct {
	Prompt   Graph  `json:"prompt"`
	ClientID string `json:"client_id"`
}

// PromptResponse is the POST /prompt reply.
type PromptResponse struct {
	PromptID   string                     `json:"prompt_id"`
	Number     int                        `json:"number"`
	NodeErrors map[string]json.RawMessage `json:"node_errors"`
}

// ImageRef locates one produced or uploaded image on the backend.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// UploadResponse is the POST /upload/image reply.
type UploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// HistoryEntry is one prompt in GET /history/{prompt_id}.
type HistoryEntry struct {
	Outputs map[string]struct {
		Images []ImageRef `json:"images"`
	} `json:"outputs"`
	Status struct {
		StatusStr string `json:"status_str"`
		Completed bool   `json:"completed"`
	} `json:"status"`
}

// Event is one websocket message.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// ExecutionData is the payload of executing, execution_success,
// execution_error and execution_interrupted events. A nil Node on an
// executing event marks the prompt finished.
type ExecutionData struct {
	PromptID         string  `json:"prompt_id"`
	Node             *string `json:"node"`
	NodeID           string  `json:"node_id,omitempty"`
	ExceptionMessage string  `json:"exception_message,omitempty"`
}

// Event types the client acts on.
const (
	EventExecuting            = "executing"
	EventExecutionSuccess     = "execution_success"
	EventExecutionError       = "execution_error"
	EventExecutionInterrupted = "execution_interrupted"
)
