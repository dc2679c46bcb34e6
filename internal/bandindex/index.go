// Package bandindex is the LSH lookup used to find near-duplicate candidates
// for newly hashed documents without scanning the corpus.
package bandindex

import (
	"context"
	"fmt"

	"horse.fit/canon/internal/fingerprint"
	"horse.fit/canon/internal/store"
)

// Entry is the indexed view of one fingerprinted document.
type Entry struct {
	ID          string
	ContentHash []byte
	Bands       *fingerprint.Bands
}

// Query asks for every document sharing an exact hash or any single band
// value with the probes.
type Query struct {
	Hashes [][]byte
	Bands  []fingerprint.Bands
}

func (q Query) Empty() bool {
	return len(q.Hashes) == 0 && len(q.Bands) == 0
}

type Index interface {
	Add(ctx context.Context, entries []Entry) error
	Candidates(ctx context.Context, q Query) ([]string, error)
}

// EntryFor builds the index entry for a stored document.
func EntryFor(doc store.Document) Entry {
	return Entry{ID: doc.ID, ContentHash: doc.ContentHash, Bands: doc.Bands}
}

// StoreIndex answers candidate lookups from the band columns the store
// already keeps, so Add has nothing to write.
type StoreIndex struct {
	store store.Store
}

func NewStoreIndex(st store.Store) *StoreIndex {
	return &StoreIndex{store: st}
}

func (i *StoreIndex) Add(context.Context, []Entry) error {
	return nil
}

func (i *StoreIndex) Candidates(ctx context.Context, q Query) ([]string, error) {
	if q.Empty() {
		return nil, nil
	}
	docs, err := i.store.FindCandidates(ctx, q.Hashes, q.Bands)
	if err != nil {
		return nil, fmt.Errorf("find band candidates: %w", err)
	}
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		ids = append(ids, doc.ID)
	}
	return ids, nil
}
