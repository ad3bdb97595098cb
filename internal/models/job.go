package models

import "time"

// WorkflowStatus is the lifecycle state of one page's generation.
type WorkflowStatus string

const (
	StatusProcessing WorkflowStatus = "processing"
	StatusCompleted  WorkflowStatus = "completed"
	StatusFailed     WorkflowStatus = "failed"
)

// Terminal reports whether no further variants belong to the current run.
func (s WorkflowStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s WorkflowStatus) Valid() bool {
	return s == StatusProcessing || s.Terminal()
}

// Flag names a boolean job-level attribute.
type Flag string

const (
	FlagPaid            Flag = "paid"
	FlagApproved        Flag = "approved"
	FlagPreviewReady    Flag = "preview_ready"
	FlagPreviewNotified Flag = "preview_notified"
)

// Valid reports whether f is a known flag.
func (f Flag) Valid() bool {
	switch f {
	case FlagPaid, FlagApproved, FlagPreviewReady, FlagPreviewNotified:
		return true
	}
	return false
}

// Variant is one produced image of a workflow.
type Variant struct {
	// SequenceIndex is dense and strictly increasing in production order.
	SequenceIndex int       `json:"sequence_index"`
	ArtifactRef   string    `json:"artifact_reference"`
	ProducedAt    time.Time `json:"produced_at"`
}

// Workflow is the generation state of one page of a job.
type Workflow struct {
	Key    string         `json:"key"`
	Status WorkflowStatus `json:"status"`
	// Run identifies the newest run that touched the workflow.
	Run       int64     `json:"run"`
	Error     string    `json:"error,omitempty"`
	Variants  []Variant `json:"variants"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Job is one customer's book order.
type Job struct {
	ID            string   `json:"job_id"`
	Name          string   `json:"name"`
	Gender        string   `json:"gender"`
	BookID        string   `json:"book_id"`
	UserName      string   `json:"user_name,omitempty"`
	Email         string   `json:"email,omitempty"`
	PhoneNumber   string   `json:"phone_number,omitempty"`
	OrderID       string   `json:"order_id,omitempty"`
	SubjectImages []string `json:"subject_images"`

	Paid            bool `json:"paid"`
	Approved        bool `json:"approved"`
	PreviewReady    bool `json:"preview_ready"`
	PreviewNotified bool `json:"preview_notified"`

	// ExpectedKeys lists the page keys in canonical order, cover first.
	ExpectedKeys []string             `json:"expected_keys"`
	Workflows    map[string]*Workflow `json:"workflows"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TotalExpectedWorkflows is the number of pages the job must complete.
func (j *Job) TotalExpectedWorkflows() int {
	return len(j.ExpectedKeys)
}

// Workflow returns the workflow for key, or nil.
func (j *Job) Workflow(key string) *Workflow {
	if j.Workflows == nil {
		return nil
	}
	return j.Workflows[key]
}

// Flag returns the value of f.
func (j *Job) Flag(f Flag) bool {
	switch f {
	case FlagPaid:
		return j.Paid
	case FlagApproved:
		return j.Approved
	case FlagPreviewReady:
		return j.PreviewReady
	case FlagPreviewNotified:
		return j.PreviewNotified
	}
	return false
}

// SetFlag assigns f.
func (j *Job) SetFlag(f Flag, v bool) {
	switch f {
	case FlagPaid:
		j.Paid = v
	case FlagApproved:
		j.Approved = v
	case FlagPreviewReady:
		j.PreviewReady = v
	case FlagPreviewNotified:
		j.PreviewNotified = v
	}
}

// Clone returns a deep copy of j.
func (j *Job) Clone() *Job {
	out := *j
	out.SubjectImages = append([]string(nil), j.SubjectImages...)
	out.ExpectedKeys = append([]string(nil), j.ExpectedKeys...)
	out.Workflows = make(map[string]*Workflow, len(j.Workflows))
	for k, w := range j.Workflows {
		wc := *w
		wc.Variants = append([]Variant(nil), w.Variants...)
		out.Workflows[k] = &wc
	}
	return &out
}

// Gender values used to pick template variants.
const (
	GenderBoy  = "boy"
	GenderGirl = "girl"
)
