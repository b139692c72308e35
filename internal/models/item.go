package models

import "time"

// Item is a crawled post awaiting or having received LLM analysis. Items are
// owned by the external crawl pipeline; the Batcher holds only a
// back-reference (AnalysisJobID) into the Job that owns its registration.
//
// ItemID is also passed explicitly as the key argument to Insert/Upsert;
// the tag lets badgerhold validate it matches on read.
type Item struct {
	ItemID string `badgerhold:"key"`
	Title  string
	Link   string

	// Text is the extracted page content. Absent (empty) until crawled; must
	// be non-empty for the Item to be eligible for registration.
	Text string

	// SourceQuery is the search query that surfaced this Item. Carried for
	// operator-surface filtering only, never consulted by the state machine.
	SourceQuery string

	// CrawledAt is set once HTML-to-text extraction completes.
	CrawledAt *time.Time

	// Analysis is absent until the Completer applies a provider result. Once
	// non-nil the Item is terminal for the Batcher.
	Analysis *Analysis

	// AnalysisJobID is the back-reference into the Job currently holding this
	// Item's registration. Absent until registered. Invariant: at most one
	// non-terminal Job back-reference at a time.
	AnalysisJobID string `badgerhold:"index"`

	UpdatedAt time.Time
}

// Eligible reports whether the Item may be registered into an open Job:
// crawled text present and no analysis yet applied.
func (i *Item) Eligible() bool {
	return i.Text != "" && i.Analysis == nil
}
