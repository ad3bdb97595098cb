package models

import (
	"encoding/json"
	"time"
)

// PageTemplate is a stored generation graph for one page of a book variant.
type PageTemplate struct {
	BookID     string          `json:"book_id"`
	Gender     string          `json:"gender"`
	PageKey    string          `json:"page_key"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	DeletedAt  *time.Time      `json:"deleted_at,omitempty"`
}
