package common

import (
	"github.com/google/uuid"
)

// NewItemID generates a unique crawled-item ID with the "item_" prefix.
// Format: item_<uuid>
func NewItemID() string {
	return "item_" + uuid.New().String()
}

// NewJobID generates a unique batch job ID with the "job_" prefix.
// Format: job_<uuid>
func NewJobID() string {
	return "job_" + uuid.New().String()
}
