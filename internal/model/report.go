package model

import "time"

// Artifact is an accepted payload ready to be written
type Artifact struct {
	Index       int64  `json:"index"`        // Monotonic acceptance index
	Data        []byte `json:"-"`            // Payload bytes
	Extension   string `json:"extension"`    // Resolved extension including the dot, may be empty
	ContentType string `json:"content_type"` // Declared HTTP Content-Type
	URL         string `json:"url"`          // Captured URL
	SourceID    string `json:"source_id"`    // Provenance: source the record came from
	Offset      int64  `json:"offset"`       // Provenance: record offset within the source
}

// SourceState is the lifecycle state of one source within a run
type SourceState string

const (
	SourcePending SourceState = "pending"
	SourceActive  SourceState = "active"
	SourceDone    SourceState = "done"
	SourceFailed  SourceState = "failed"
)

// SourceReport summarizes how one source was processed
type SourceReport struct {
	ID        string      `json:"id"`
	State     SourceState `json:"state"`
	Records   int         `json:"records"`         // Records evaluated
	Matched   int         `json:"matched"`         // Records included by the rule set
	Malformed int         `json:"malformed"`       // Unparseable entries skipped
	Error     string      `json:"error,omitempty"` // Failure reason for failed sources
}

// DryRunMatch is a record that would have been fetched
type DryRunMatch struct {
	URL      string `json:"url"`
	SourceID string `json:"source_id"`
	Offset   int64  `json:"offset"`
	Reason   string `json:"reason"`
}

// Summary is the user-visible outcome of a run
type Summary struct {
	RunID     string        `json:"run_id"`
	Mode      Mode          `json:"mode"`
	DryRun    bool          `json:"dry_run"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	QuotaMet  bool          `json:"quota_met"`

	SourcesTotal     int `json:"sources_total"`     // Enumerated
	SourcesProcessed int `json:"sources_processed"` // Read to completion
	SourcesFailed    int `json:"sources_failed"`

	RecordsEvaluated      int `json:"records_evaluated"`
	Accepted              int `json:"accepted"`
	SkippedByRule         int `json:"skipped_by_rule"`
	SkippedByFilter       int `json:"skipped_by_filter"` // Matched but failed the extension/category check
	SkippedByFetchFailure int `json:"skipped_by_fetch_failure"`

	Written []string       `json:"written,omitempty"`
	Matches []DryRunMatch  `json:"matches,omitempty"`
	Sources []SourceReport `json:"sources"`
}
