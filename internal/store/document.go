package store

import (
	"errors"
	"strings"
	"time"

	"horse.fit/canon/internal/fingerprint"
)

var ErrNotFound = errors.New("document not found")

// Status is a document's position in the canonicalization lifecycle.
type Status string

const (
	StatusPendingHash    Status = "pending_hash"
	StatusHashed         Status = "hashed"
	StatusPrimary        Status = "primary"
	StatusDuplicate      Status = "duplicate"
	StatusReadyForExport Status = "ready_for_export"
	StatusExported       Status = "exported"
	StatusDiscarded      Status = "discarded"
)

// PendingStatus is the default waiting status for a stage.
func PendingStatus(stage string) Status {
	return Status("pending_" + strings.TrimSpace(stage))
}

// CompleteStatus is the default done status for a stage.
func CompleteStatus(stage string) Status {
	return Status(strings.TrimSpace(stage) + "_complete")
}

// ClusterOwned reports whether clustering passes may rewrite the status.
func (s Status) ClusterOwned() bool {
	switch s {
	case StatusHashed, StatusPrimary, StatusDuplicate:
		return true
	default:
		return false
	}
}

// Fingerprinted reports whether the document has passed the hash step.
func (s Status) Fingerprinted() bool {
	return s != StatusPendingHash && s != ""
}

// Document is one ingested text document with its fingerprints, cluster
// assignment and stage state.
type Document struct {
	ID            string
	Source        string
	Content       string
	Language      string
	URL           *string
	ContentHash   []byte
	Simhash       *uint64
	Bands         *fingerprint.Bands
	TokenCount    int
	PrimaryID     *string
	Status        Status
	ClaimToken    *string
	LastAttemptAt *time.Time
	Label         *string
	Score         *float64
	StageFailures map[string]int
	PublishedAt   *time.Time
	FetchedAt     time.Time
	InsertedAt    time.Time
	UpdatedAt     time.Time
}

// IsPrimary reports whether the document is its cluster's canonical member.
func (d Document) IsPrimary() bool {
	return d.PrimaryID != nil && *d.PrimaryID == d.ID
}

// FailCount returns the stage's failure counter.
func (d Document) FailCount(stage string) int {
	if d.StageFailures == nil {
		return 0
	}
	return d.StageFailures[stage]
}

// Outcome carries stage-specific derived fields attached on completion.
type Outcome struct {
	Label  *string        `json:"label,omitempty"`
	Score  *float64       `json:"score,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}
