package models

import "time"

// JobStatus is the Batcher's fixed Job lifecycle state.
type JobStatus string

const (
	JobStatusAccepting JobStatus = "ACCEPTING"
	JobStatusPending   JobStatus = "PENDING"
	JobStatusSubmitted JobStatus = "SUBMITTED"
	JobStatusProcessed JobStatus = "PROCESSED"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
)

// IsTerminal reports whether no further transition is permitted out of this
// status (COMPLETED is monotone; FAILED only moves forward via a new Job).
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is a batch of Items destined for one provider call. Jobs are owned
// exclusively by the Batcher; Items are owned by the external crawl pipeline.
// JobID is also passed explicitly as the key argument to Insert/Upsert.
type Job struct {
	JobID  string    `badgerhold:"key"`
	Status JobStatus `badgerhold:"index"`

	// ProviderHandle is the opaque string assigned on submit, absent before.
	ProviderHandle string `badgerhold:"index"`

	// ProviderModel is the model identifier this Job was submitted with,
	// stamped at submit time so historical Jobs remain interpretable after
	// a config change.
	ProviderModel string

	// ResultFileName caches the provider result-file reference once known,
	// so repeated ticks don't re-ask the provider once PROCESSED has one.
	ResultFileName string

	FileSizeBytes int64
	ItemCount     int
	ItemIDs       []string

	CreatedAt time.Time
	UpdatedAt time.Time
}
