// Package memstore is an in-process implementation of store.Store. It backs
// tests and STORE_BACKEND=memory runs.
package memstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"horse.fit/canon/internal/fingerprint"
	"horse.fit/canon/internal/store"
)

type Store struct {
	mu   sync.Mutex
	docs map[string]*store.Document
	// outcomes keeps the last completed outcome per document and stage.
	outcomes map[string]map[string]store.Outcome
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		docs:     make(map[string]*store.Document),
		outcomes: make(map[string]map[string]store.Outcome),
	}
}

func (s *Store) InsertDocument(_ context.Context, doc store.NewDocument) (bool, error) {
	id := strings.TrimSpace(doc.ID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; exists {
		return false, nil
	}
	s.docs[id] = &store.Document{
		ID:          id,
		Source:      doc.Source,
		Content:     doc.Content,
		Language:    doc.Language,
		URL:         doc.URL,
		Status:      store.StatusPendingHash,
		PublishedAt: doc.PublishedAt,
		FetchedAt:   doc.FetchedAt,
		InsertedAt:  doc.InsertedAt,
		UpdatedAt:   doc.InsertedAt,
	}
	return true, nil
}

func (s *Store) GetDocument(_ context.Context, id string) (store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return clone(doc), nil
}

func (s *Store) GetDocuments(_ context.Context, ids []string) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Document, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if doc, ok := s.docs[id]; ok {
			out = append(out, clone(doc))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) ListByStatus(_ context.Context, status store.Status, limit int) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Document, 0)
	for _, doc := range s.docs {
		if doc.Status == status {
			out = append(out, clone(doc))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].InsertedAt.Before(out[j].InsertedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) CountByStatus(_ context.Context) (map[store.Status]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[store.Status]int64)
	for _, doc := range s.docs {
		counts[doc.Status]++
	}
	return counts, nil
}

func (s *Store) SaveFingerprint(_ context.Context, update store.FingerprintUpdate) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[update.ID]
	if !ok || doc.Status != store.StatusPendingHash {
		return 0, nil
	}
	doc.ContentHash = append([]byte(nil), update.ContentHash...)
	doc.Simhash = nil
	doc.Bands = nil
	if update.Simhash != nil {
		v := *update.Simhash
		bands := fingerprint.Band(v)
		doc.Simhash = &v
		doc.Bands = &bands
	}
	doc.TokenCount = update.TokenCount
	doc.Status = store.StatusHashed
	doc.UpdatedAt = update.UpdatedAt
	return 1, nil
}

func (s *Store) FindCandidates(_ context.Context, hashes [][]byte, bands []fingerprint.Bands) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Document, 0)
	for _, doc := range s.docs {
		if !doc.Status.Fingerprinted() {
			continue
		}
		if matchesHash(doc.ContentHash, hashes) || matchesBand(doc.Bands, bands) {
			out = append(out, clone(doc))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) ListClusterMembers(_ context.Context, primaryIDs []string) ([]store.Document, error) {
	want := make(map[string]struct{}, len(primaryIDs))
	for _, id := range primaryIDs {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Document, 0)
	for _, doc := range s.docs {
		if doc.PrimaryID == nil {
			continue
		}
		if _, ok := want[*doc.PrimaryID]; ok {
			out = append(out, clone(doc))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) ListClustered(_ context.Context) ([]store.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]store.Document, 0, len(s.docs))
	for _, doc := range s.docs {
		if doc.Status.Fingerprinted() {
			out = append(out, clone(doc))
		}
	}
	sortByID(out)
	return out, nil
}

func (s *Store) ApplyAssignments(_ context.Context, assignments []store.Assignment, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed int64
	for _, a := range assignments {
		doc, ok := s.docs[a.ID]
		if !ok || !doc.Status.Fingerprinted() {
			continue
		}
		touched := false
		if doc.PrimaryID == nil || *doc.PrimaryID != a.PrimaryID {
			primary := a.PrimaryID
			doc.PrimaryID = &primary
			touched = true
		}
		switch {
		case doc.Status.ClusterOwned() && doc.Status != a.Role:
			doc.Status = a.Role
			touched = true
		case a.Withdraws(doc.Status):
			doc.Status = store.StatusDuplicate
			doc.ClaimToken = nil
			touched = true
		}
		if touched {
			doc.UpdatedAt = now
			changed++
		}
	}
	return changed, nil
}

func (s *Store) AdmitPrimaries(_ context.Context, ids []string, to store.Status, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var admitted int64
	for _, id := range ids {
		doc, ok := s.docs[id]
		if !ok || doc.Status != store.StatusPrimary || !doc.IsPrimary() {
			continue
		}
		doc.Status = to
		doc.UpdatedAt = now
		admitted++
	}
	return admitted, nil
}

func (s *Store) ClaimStage(_ context.Context, params store.ClaimParams) ([]store.Document, error) {
	if params.Limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	eligible := make([]*store.Document, 0)
	for _, doc := range s.docs {
		if doc.Status != params.PendingStatus || doc.ClaimToken != nil || !doc.IsPrimary() {
			continue
		}
		if doc.FailCount(params.Stage) >= params.MaxFailures {
			continue
		}
		eligible = append(eligible, doc)
	}
	sort.Slice(eligible, func(i, j int) bool {
		return claimLess(eligible[i], eligible[j])
	})
	if len(eligible) > params.Limit {
		eligible = eligible[:params.Limit]
	}

	out := make([]store.Document, 0, len(eligible))
	for _, doc := range eligible {
		token := params.Token
		attempted := params.Now
		doc.ClaimToken = &token
		doc.LastAttemptAt = &attempted
		doc.UpdatedAt = params.Now
		out = append(out, clone(doc))
	}
	return out, nil
}

func claimLess(a, b *store.Document) bool {
	switch {
	case a.LastAttemptAt == nil && b.LastAttemptAt != nil:
		return true
	case a.LastAttemptAt != nil && b.LastAttemptAt == nil:
		return false
	case a.LastAttemptAt != nil && b.LastAttemptAt != nil && !a.LastAttemptAt.Equal(*b.LastAttemptAt):
		return a.LastAttemptAt.Before(*b.LastAttemptAt)
	}
	if !a.InsertedAt.Equal(b.InsertedAt) {
		return a.InsertedAt.Before(b.InsertedAt)
	}
	return a.ID < b.ID
}

func (s *Store) CompleteStage(_ context.Context, params store.CompleteParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[params.ID]
	if !ok || doc.Status != params.FromStatus {
		return 0, nil
	}
	doc.Status = params.ToStatus
	doc.ClaimToken = nil
	if params.Outcome.Label != nil {
		label := *params.Outcome.Label
		doc.Label = &label
	}
	if params.Outcome.Score != nil {
		score := *params.Outcome.Score
		doc.Score = &score
	}
	doc.UpdatedAt = params.Now

	if s.outcomes[doc.ID] == nil {
		s.outcomes[doc.ID] = make(map[string]store.Outcome)
	}
	s.outcomes[doc.ID][params.Stage] = params.Outcome
	return 1, nil
}

func (s *Store) FailStage(_ context.Context, params store.FailParams) (store.FailOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[params.ID]
	if !ok || doc.Status != params.FromStatus {
		return store.FailOutcome{}, nil
	}
	if doc.StageFailures == nil {
		doc.StageFailures = make(map[string]int)
	}
	count := doc.StageFailures[params.Stage] + 1
	if count > params.MaxFailures {
		count = params.MaxFailures
	}
	doc.StageFailures[params.Stage] = count
	doc.ClaimToken = nil
	doc.UpdatedAt = params.Now

	discarded := count >= params.MaxFailures
	if discarded {
		doc.Status = params.DiscardStatus
	}
	return store.FailOutcome{RowsAffected: 1, FailCount: count, Discarded: discarded}, nil
}

func (s *Store) ResetStage(_ context.Context, params store.ResetParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reset int64
	for _, id := range params.IDs {
		doc, ok := s.docs[id]
		if !ok || !doc.IsPrimary() || doc.Status.ClusterOwned() || !doc.Status.Fingerprinted() {
			continue
		}
		if doc.StageFailures != nil {
			delete(doc.StageFailures, params.Stage)
		}
		doc.Status = params.ToStatus
		doc.ClaimToken = nil
		doc.UpdatedAt = params.Now
		reset++
	}
	return reset, nil
}

func (s *Store) ReleaseStale(_ context.Context, params store.ReleaseParams) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var released int64
	for _, doc := range s.docs {
		if doc.Status != params.PendingStatus || doc.ClaimToken == nil {
			continue
		}
		if doc.LastAttemptAt == nil || !doc.LastAttemptAt.Before(params.OlderThan) {
			continue
		}
		doc.ClaimToken = nil
		doc.UpdatedAt = params.Now
		released++
	}
	return released, nil
}

// Outcome returns the outcome recorded for a completed stage.
func (s *Store) Outcome(id, stage string) (store.Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	outcome, ok := s.outcomes[id][stage]
	return outcome, ok
}

func matchesHash(hash []byte, hashes [][]byte) bool {
	if len(hash) == 0 {
		return false
	}
	for _, h := range hashes {
		if bytes.Equal(hash, h) {
			return true
		}
	}
	return false
}

func matchesBand(own *fingerprint.Bands, bands []fingerprint.Bands) bool {
	if own == nil {
		return false
	}
	for _, b := range bands {
		for i := 0; i < fingerprint.BandCount; i++ {
			if own[i] == b[i] {
				return true
			}
		}
	}
	return false
}

func sortByID(docs []store.Document) {
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
}

func clone(doc *store.Document) store.Document {
	out := *doc
	out.ContentHash = append([]byte(nil), doc.ContentHash...)
	if doc.Simhash != nil {
		v := *doc.Simhash
		out.Simhash = &v
	}
	if doc.Bands != nil {
		b := *doc.Bands
		out.Bands = &b
	}
	if doc.PrimaryID != nil {
		v := *doc.PrimaryID
		out.PrimaryID = &v
	}
	if doc.ClaimToken != nil {
		v := *doc.ClaimToken
		out.ClaimToken = &v
	}
	if doc.LastAttemptAt != nil {
		v := *doc.LastAttemptAt
		out.LastAttemptAt = &v
	}
	if doc.StageFailures != nil {
		out.StageFailures = make(map[string]int, len(doc.StageFailures))
		for k, v := range doc.StageFailures {
			out.StageFailures[k] = v
		}
	}
	return out
}
