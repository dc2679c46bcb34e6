package memstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"horse.fit/canon/internal/store"
)

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func seedPending(t *testing.T, s *Store, ids ...string) {
	t.Helper()
	ctx := context.Background()
	for i, id := range ids {
		inserted, err := s.InsertDocument(ctx, store.NewDocument{
			ID:         id,
			Source:     "wire",
			Content:    "content " + id,
			FetchedAt:  baseTime,
			InsertedAt: baseTime.Add(time.Duration(i) * time.Second),
		})
		if err != nil || !inserted {
			t.Fatalf("insert %s: inserted=%v err=%v", id, inserted, err)
		}
		if _, err := s.SaveFingerprint(ctx, store.FingerprintUpdate{ID: id, ContentHash: []byte(id), UpdatedAt: baseTime}); err != nil {
			t.Fatalf("fingerprint %s: %v", id, err)
		}
		if _, err := s.ApplyAssignments(ctx, []store.Assignment{{ID: id, PrimaryID: id, Role: store.StatusPrimary}}, baseTime); err != nil {
			t.Fatalf("assign %s: %v", id, err)
		}
		if n, err := s.AdmitPrimaries(ctx, []string{id}, store.PendingStatus("classify"), baseTime); err != nil || n != 1 {
			t.Fatalf("admit %s: n=%d err=%v", id, n, err)
		}
	}
}

func TestInsertDocumentIsIdempotent(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	doc := store.NewDocument{ID: "a", Source: "wire", Content: "x", InsertedAt: baseTime}
	first, err := s.InsertDocument(ctx, doc)
	if err != nil || !first {
		t.Fatalf("first insert: inserted=%v err=%v", first, err)
	}
	second, err := s.InsertDocument(ctx, doc)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if second {
		t.Fatalf("expected second insert to be ignored")
	}
	got, err := s.GetDocument(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.StatusPendingHash {
		t.Fatalf("expected pending_hash, got %q", got.Status)
	}
	if _, err := s.GetDocument(ctx, "missing"); err != store.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSaveFingerprintIsStateGuarded(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	if _, err := s.InsertDocument(ctx, store.NewDocument{ID: "a", InsertedAt: baseTime}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	simhash := uint64(0xFFFF000000000001)
	update := store.FingerprintUpdate{ID: "a", ContentHash: []byte{1}, Simhash: &simhash, UpdatedAt: baseTime}
	if n, _ := s.SaveFingerprint(ctx, update); n != 1 {
		t.Fatalf("expected first save to apply, got %d", n)
	}
	if n, _ := s.SaveFingerprint(ctx, update); n != 0 {
		t.Fatalf("expected second save to be a no-op, got %d", n)
	}
	got, _ := s.GetDocument(ctx, "a")
	if got.Bands == nil || got.Bands.Simhash() != simhash {
		t.Fatalf("expected bands to match simhash, got %+v", got.Bands)
	}
}

func TestClaimOrdersByLastAttemptThenInsertion(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	seedPending(t, s, "a", "b", "c")
	pending := store.PendingStatus("classify")

	first, err := s.ClaimStage(ctx, store.ClaimParams{Stage: "classify", PendingStatus: pending, Limit: 1, MaxFailures: 3, Token: "t1", Now: baseTime.Add(time.Minute)})
	if err != nil || len(first) != 1 || first[0].ID != "a" {
		t.Fatalf("expected a to be claimed first, got %+v err=%v", first, err)
	}
	if _, err := s.FailStage(ctx, store.FailParams{ID: "a", Stage: "classify", FromStatus: pending, DiscardStatus: store.StatusDiscarded, MaxFailures: 3, Now: baseTime.Add(time.Minute)}); err != nil {
		t.Fatalf("fail: %v", err)
	}

	batch, err := s.ClaimStage(ctx, store.ClaimParams{Stage: "classify", PendingStatus: pending, Limit: 3, MaxFailures: 3, Token: "t2", Now: baseTime.Add(2 * time.Minute)})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	got := make([]string, 0, len(batch))
	for _, doc := range batch {
		got = append(got, doc.ID)
	}
	if fmt.Sprint(got) != "[b c a]" {
		t.Fatalf("expected never-attempted documents first, got %v", got)
	}
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	ids := make([]string, 0, 40)
	for i := 0; i < 40; i++ {
		ids = append(ids, fmt.Sprintf("doc-%02d", i))
	}
	seedPending(t, s, ids...)

	var (
		mu      sync.Mutex
		claimed = make(map[string]int)
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for {
				batch, err := s.ClaimStage(ctx, store.ClaimParams{
					Stage:         "classify",
					PendingStatus: store.PendingStatus("classify"),
					Limit:         3,
					MaxFailures:   3,
					Token:         fmt.Sprintf("worker-%d", worker),
					Now:           baseTime,
				})
				if err != nil || len(batch) == 0 {
					return
				}
				mu.Lock()
				for _, doc := range batch {
					claimed[doc.ID]++
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(claimed) != len(ids) {
		t.Fatalf("expected %d claimed documents, got %d", len(ids), len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("document %s claimed %d times", id, n)
		}
	}
}

func TestFailCountStopsAtMaximum(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	seedPending(t, s, "a")
	pending := store.PendingStatus("classify")
	params := store.FailParams{ID: "a", Stage: "classify", FromStatus: pending, DiscardStatus: store.StatusDiscarded, MaxFailures: 2, Now: baseTime}

	first, _ := s.FailStage(ctx, params)
	if first.Discarded || first.FailCount != 1 {
		t.Fatalf("unexpected first failure outcome %+v", first)
	}
	second, _ := s.FailStage(ctx, params)
	if !second.Discarded || second.FailCount != 2 {
		t.Fatalf("expected discard at max, got %+v", second)
	}
	third, _ := s.FailStage(ctx, params)
	if third.RowsAffected != 0 {
		t.Fatalf("expected fail on discarded document to be a no-op, got %+v", third)
	}
	got, _ := s.GetDocument(ctx, "a")
	if got.FailCount("classify") != 2 {
		t.Fatalf("expected fail count 2, got %d", got.FailCount("classify"))
	}
}

func TestReleaseStaleClearsOnlyOldClaims(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	seedPending(t, s, "old", "fresh")
	pending := store.PendingStatus("classify")

	if _, err := s.ClaimStage(ctx, store.ClaimParams{Stage: "classify", PendingStatus: pending, Limit: 1, MaxFailures: 3, Token: "t1", Now: baseTime}); err != nil {
		t.Fatalf("claim old: %v", err)
	}
	if _, err := s.ClaimStage(ctx, store.ClaimParams{Stage: "classify", PendingStatus: pending, Limit: 1, MaxFailures: 3, Token: "t2", Now: baseTime.Add(time.Hour)}); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	released, err := s.ReleaseStale(ctx, store.ReleaseParams{PendingStatus: pending, OlderThan: baseTime.Add(30 * time.Minute), Now: baseTime.Add(time.Hour)})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected one released claim, got %d", released)
	}
	old, _ := s.GetDocument(ctx, "old")
	if old.ClaimToken != nil {
		t.Fatalf("expected old claim to be cleared")
	}
	fresh, _ := s.GetDocument(ctx, "fresh")
	if fresh.ClaimToken == nil {
		t.Fatalf("expected fresh claim to stay")
	}
}

func TestDemotedPrimaryIsWithdrawnFromStages(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	classify := store.PendingStatus("classify")
	seedPending(t, s, "a", "b")

	claimed, err := s.ClaimStage(ctx, store.ClaimParams{Stage: "classify", PendingStatus: classify, Limit: 10, MaxFailures: 3, Token: "t1", Now: baseTime})
	if err != nil || len(claimed) != 2 {
		t.Fatalf("claim: got %d err=%v", len(claimed), err)
	}

	withdraw := []store.Status{classify, store.PendingStatus("score")}
	n, err := s.ApplyAssignments(ctx, []store.Assignment{
		{ID: "a", PrimaryID: "a", Role: store.StatusPrimary},
		{ID: "b", PrimaryID: "a", Role: store.StatusDuplicate, Withdraw: withdraw},
	}, baseTime.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("assign: n=%d err=%v", n, err)
	}

	b, _ := s.GetDocument(ctx, "b")
	if b.Status != store.StatusDuplicate || b.ClaimToken != nil || b.IsPrimary() {
		t.Fatalf("expected b withdrawn, got status=%q token=%v primary=%v", b.Status, b.ClaimToken, b.PrimaryID)
	}
	a, _ := s.GetDocument(ctx, "a")
	if a.Status != classify || a.ClaimToken == nil {
		t.Fatalf("expected a untouched, got status=%q token=%v", a.Status, a.ClaimToken)
	}
}

func TestClaimSkipsNonPrimaryDocuments(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	classify := store.PendingStatus("classify")
	seedPending(t, s, "a", "b")

	// Without a withdraw list b keeps its stage status but loses primacy.
	if _, err := s.ApplyAssignments(ctx, []store.Assignment{{ID: "b", PrimaryID: "a", Role: store.StatusDuplicate}}, baseTime); err != nil {
		t.Fatalf("assign: %v", err)
	}
	claimed, err := s.ClaimStage(ctx, store.ClaimParams{Stage: "classify", PendingStatus: classify, Limit: 10, MaxFailures: 3, Token: "t1", Now: baseTime})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != "a" {
		t.Fatalf("expected only a claimed, got %v", claimed)
	}
}

func TestListByStatusDefaultsToListLimit(t *testing.T) {
	t.Parallel()

	s := New()
	ctx := context.Background()
	for i := 0; i < store.DefaultListLimit+5; i++ {
		if _, err := s.InsertDocument(ctx, store.NewDocument{ID: fmt.Sprintf("doc-%05d", i), InsertedAt: baseTime}); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	docs, err := s.ListByStatus(ctx, store.StatusPendingHash, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(docs) != store.DefaultListLimit {
		t.Fatalf("expected %d documents, got %d", store.DefaultListLimit, len(docs))
	}
	if docs[0].ID != "doc-00000" {
		t.Fatalf("expected insertion order, got first %s", docs[0].ID)
	}
}
