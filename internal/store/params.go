package store

import (
	"context"
	"time"

	"horse.fit/canon/internal/fingerprint"
)

type NewDocument struct {
	ID          string
	Source      string
	Content     string
	Language    string
	URL         *string
	PublishedAt *time.Time
	FetchedAt   time.Time
	InsertedAt  time.Time
}

// FingerprintUpdate moves a pending_hash document to hashed.
type FingerprintUpdate struct {
	ID          string
	ContentHash []byte
	Simhash     *uint64
	Bands       *fingerprint.Bands
	TokenCount  int
	UpdatedAt   time.Time
}

// Assignment sets a document's primary and, while the status is still
// cluster-owned, its primary/duplicate role. A duplicate still waiting in
// one of the Withdraw statuses is pulled out of the stages as a duplicate
// and loses its claim.
type Assignment struct {
	ID        string
	PrimaryID string
	Role      Status
	Withdraw  []Status
}

// Withdraws reports whether the assignment moves a document in status out
// of the stage pipeline.
func (a Assignment) Withdraws(status Status) bool {
	if a.Role != StatusDuplicate {
		return false
	}
	for _, w := range a.Withdraw {
		if w == status {
			return true
		}
	}
	return false
}

// DefaultListLimit caps ListByStatus when the caller passes no limit.
const DefaultListLimit = 1000

type ClaimParams struct {
	Stage         string
	PendingStatus Status
	Limit         int
	MaxFailures   int
	Token         string
	Now           time.Time
}

type CompleteParams struct {
	ID         string
	Stage      string
	FromStatus Status
	ToStatus   Status
	Outcome    Outcome
	Now        time.Time
}

type FailParams struct {
	ID            string
	Stage         string
	FromStatus    Status
	DiscardStatus Status
	MaxFailures   int
	Error         string
	Now           time.Time
}

// FailOutcome reports what a guarded failure update did.
type FailOutcome struct {
	RowsAffected int64
	FailCount    int
	Discarded    bool
}

type ResetParams struct {
	IDs      []string
	Stage    string
	ToStatus Status
	Now      time.Time
}

type ReleaseParams struct {
	PendingStatus Status
	OlderThan     time.Time
	Now           time.Time
}

// Store is the durable keyed storage the canonicalization core runs on.
// Every state change is a conditional update; the affected row count is the
// ground truth for whether the caller's transition happened.
type Store interface {
	InsertDocument(ctx context.Context, doc NewDocument) (bool, error)
	GetDocument(ctx context.Context, id string) (Document, error)
	GetDocuments(ctx context.Context, ids []string) ([]Document, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Document, error)
	CountByStatus(ctx context.Context) (map[Status]int64, error)

	SaveFingerprint(ctx context.Context, update FingerprintUpdate) (int64, error)
	FindCandidates(ctx context.Context, hashes [][]byte, bands []fingerprint.Bands) ([]Document, error)
	ListClusterMembers(ctx context.Context, primaryIDs []string) ([]Document, error)
	ListClustered(ctx context.Context) ([]Document, error)
	ApplyAssignments(ctx context.Context, assignments []Assignment, now time.Time) (int64, error)
	AdmitPrimaries(ctx context.Context, ids []string, to Status, now time.Time) (int64, error)

	ClaimStage(ctx context.Context, params ClaimParams) ([]Document, error)
	CompleteStage(ctx context.Context, params CompleteParams) (int64, error)
	FailStage(ctx context.Context, params FailParams) (FailOutcome, error)
	ResetStage(ctx context.Context, params ResetParams) (int64, error)
	ReleaseStale(ctx context.Context, params ReleaseParams) (int64, error)
}
