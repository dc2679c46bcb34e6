// Package pipeline runs the canonicalization passes: ingest, fingerprint,
// band-index write, clustering and primary election. Stage processing after
// election is owned by internal/stages.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"horse.fit/canon/internal/bandindex"
	"horse.fit/canon/internal/cluster"
	"horse.fit/canon/internal/fingerprint"
	"horse.fit/canon/internal/globaltime"
	"horse.fit/canon/internal/metrics"
	"horse.fit/canon/internal/stages"
	"horse.fit/canon/internal/store"
)

var ErrInvalidDocument = errors.New("invalid document")

type Options struct {
	Fingerprint fingerprint.Options
	Builder     cluster.Builder
	Priority    cluster.SourcePriority
}

type Service struct {
	store   store.Store
	index   bandindex.Index
	machine *stages.Machine
	opts    Options
	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewService wires the passes to a store. A nil index falls back to the
// store's own band columns.
func NewService(st store.Store, index bandindex.Index, machine *stages.Machine, opts Options, logger zerolog.Logger, m *metrics.Metrics) *Service {
	if index == nil && st != nil {
		index = bandindex.NewStoreIndex(st)
	}
	if opts.Builder == (cluster.Builder{}) {
		opts.Builder = cluster.NewBuilder(cluster.DefaultHammingThreshold, cluster.DefaultNeighborWindow)
	}
	return &Service{
		store:   st,
		index:   index,
		machine: machine,
		opts:    opts,
		logger:  logger,
		metrics: m,
		now:     globaltime.UTC,
	}
}

func (s *Service) ready() error {
	if s == nil || s.store == nil || s.machine == nil {
		return fmt.Errorf("pipeline service is not initialized")
	}
	return nil
}

type IngestRequest struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Content     string     `json:"content"`
	Language    string     `json:"language,omitempty"`
	URL         *string    `json:"url,omitempty"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	FetchedAt   time.Time  `json:"fetched_at"`
}

type IngestResult struct {
	ID       string `json:"id"`
	Inserted bool   `json:"inserted"`
}

// Ingest stores a new document in pending_hash. Re-ingesting a known id is
// a no-op that reports Inserted=false.
func (s *Service) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	if err := s.ready(); err != nil {
		return IngestResult{}, err
	}
	id := strings.TrimSpace(req.ID)
	source := strings.TrimSpace(req.Source)
	if id == "" {
		return IngestResult{}, fmt.Errorf("%w: id is required", ErrInvalidDocument)
	}
	if source == "" {
		return IngestResult{}, fmt.Errorf("%w: source is required", ErrInvalidDocument)
	}

	now := s.now()
	fetchedAt := req.FetchedAt
	if fetchedAt.IsZero() {
		fetchedAt = now
	}
	inserted, err := s.store.InsertDocument(ctx, store.NewDocument{
		ID:          id,
		Source:      source,
		Content:     req.Content,
		Language:    strings.TrimSpace(req.Language),
		URL:         req.URL,
		PublishedAt: utcPtr(req.PublishedAt),
		FetchedAt:   fetchedAt.UTC(),
		InsertedAt:  now,
	})
	if err != nil {
		return IngestResult{}, fmt.Errorf("insert document %s: %w", id, err)
	}
	s.metrics.Ingested(inserted)
	return IngestResult{ID: id, Inserted: inserted}, nil
}

type HashResult struct {
	Processed      int `json:"processed"`
	Hashed         int `json:"hashed"`
	WithoutSimhash int `json:"without_simhash"`
}

// HashPending fingerprints up to limit pending_hash documents and writes
// them to the band index.
func (s *Service) HashPending(ctx context.Context, limit int) (HashResult, error) {
	if err := s.ready(); err != nil {
		return HashResult{}, err
	}
	if limit <= 0 {
		return HashResult{}, nil
	}

	docs, err := s.store.ListByStatus(ctx, store.StatusPendingHash, limit)
	if err != nil {
		return HashResult{}, fmt.Errorf("list pending_hash documents: %w", err)
	}

	var result HashResult
	entries := make([]bandindex.Entry, 0, len(docs))
	for _, doc := range docs {
		result.Processed++
		fp := fingerprint.Compute(doc.Content, s.opts.Fingerprint)
		rows, err := s.store.SaveFingerprint(ctx, store.FingerprintUpdate{
			ID:          doc.ID,
			ContentHash: fp.ContentHash[:],
			Simhash:     fp.Simhash,
			Bands:       fp.Bands,
			TokenCount:  fp.TokenCount,
			UpdatedAt:   s.now(),
		})
		if err != nil {
			return result, fmt.Errorf("save fingerprint for %s: %w", doc.ID, err)
		}
		if rows == 0 {
			continue
		}
		result.Hashed++
		if !fp.HasSimhash() {
			result.WithoutSimhash++
		}
		s.metrics.Hashed(fp.HasSimhash())
		entries = append(entries, bandindex.Entry{ID: doc.ID, ContentHash: fp.ContentHash[:], Bands: fp.Bands})
	}

	if err := s.index.Add(ctx, entries); err != nil {
		return result, fmt.Errorf("write band index: %w", err)
	}
	if result.Processed > 0 {
		s.logger.Info().
			Int("processed", result.Processed).
			Int("hashed", result.Hashed).
			Int("without_simhash", result.WithoutSimhash).
			Msg("hashed pending documents")
	}
	return result, nil
}

type ClusterResult struct {
	Processed  int   `json:"processed"`
	Members    int   `json:"members"`
	Clusters   int   `json:"clusters"`
	Primaries  int   `json:"primaries"`
	Duplicates int   `json:"duplicates"`
	Changed    int64 `json:"changed"`
	Admitted   int64 `json:"admitted"`
}

// ClusterPending clusters up to limit hashed documents together with every
// existing cluster they share a hash or band with.
func (s *Service) ClusterPending(ctx context.Context, limit int) (ClusterResult, error) {
	if err := s.ready(); err != nil {
		return ClusterResult{}, err
	}
	if limit <= 0 {
		return ClusterResult{}, nil
	}
	started := time.Now()

	batch, err := s.store.ListByStatus(ctx, store.StatusHashed, limit)
	if err != nil {
		return ClusterResult{}, fmt.Errorf("list hashed documents: %w", err)
	}
	if len(batch) == 0 {
		return ClusterResult{}, nil
	}

	// Re-adding is idempotent and covers an index write lost after hashing.
	entries := make([]bandindex.Entry, 0, len(batch))
	for _, doc := range batch {
		entries = append(entries, bandindex.EntryFor(doc))
	}
	if err := s.index.Add(ctx, entries); err != nil {
		return ClusterResult{}, fmt.Errorf("write band index: %w", err)
	}

	members, err := s.expand(ctx, batch)
	if err != nil {
		return ClusterResult{}, err
	}
	result, err := s.assign(ctx, members)
	if err != nil {
		return result, err
	}
	result.Processed = len(batch)

	s.metrics.ClusterPass("incremental", time.Since(started), result.Primaries, result.Duplicates)
	s.logger.Info().
		Int("processed", result.Processed).
		Int("members", result.Members).
		Int("clusters", result.Clusters).
		Int64("changed", result.Changed).
		Int64("admitted", result.Admitted).
		Msg("clustered hashed documents")
	return result, nil
}

// expand pulls in the band-index candidates of batch and the whole current
// cluster of every candidate.
func (s *Service) expand(ctx context.Context, batch []store.Document) ([]store.Document, error) {
	var q bandindex.Query
	for _, doc := range batch {
		if len(doc.ContentHash) > 0 {
			q.Hashes = append(q.Hashes, doc.ContentHash)
		}
		if doc.Bands != nil {
			q.Bands = append(q.Bands, *doc.Bands)
		}
	}

	ids, err := s.index.Candidates(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	candidates, err := s.store.GetDocuments(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load candidates: %w", err)
	}

	byID := make(map[string]store.Document, len(batch)+len(candidates))
	for _, doc := range batch {
		byID[doc.ID] = doc
	}
	primaryIDs := make([]string, 0)
	seenPrimary := make(map[string]struct{})
	for _, doc := range candidates {
		if !doc.Status.Fingerprinted() {
			continue
		}
		byID[doc.ID] = doc
		if doc.PrimaryID == nil {
			continue
		}
		if _, ok := seenPrimary[*doc.PrimaryID]; !ok {
			seenPrimary[*doc.PrimaryID] = struct{}{}
			primaryIDs = append(primaryIDs, *doc.PrimaryID)
		}
	}

	if len(primaryIDs) > 0 {
		existing, err := s.store.ListClusterMembers(ctx, primaryIDs)
		if err != nil {
			return nil, fmt.Errorf("load existing clusters: %w", err)
		}
		for _, doc := range existing {
			byID[doc.ID] = doc
		}
	}

	out := make([]store.Document, 0, len(byID))
	for _, doc := range byID {
		out = append(out, doc)
	}
	return out, nil
}

// Recluster rebuilds every cluster from all fingerprinted documents and
// refreshes the band index. Re-running it on unchanged data changes nothing.
func (s *Service) Recluster(ctx context.Context) (ClusterResult, error) {
	if err := s.ready(); err != nil {
		return ClusterResult{}, err
	}
	started := time.Now()

	docs, err := s.store.ListClustered(ctx)
	if err != nil {
		return ClusterResult{}, fmt.Errorf("list fingerprinted documents: %w", err)
	}
	entries := make([]bandindex.Entry, 0, len(docs))
	for _, doc := range docs {
		entries = append(entries, bandindex.EntryFor(doc))
	}
	if err := s.index.Add(ctx, entries); err != nil {
		return ClusterResult{}, fmt.Errorf("rebuild band index: %w", err)
	}

	result, err := s.assign(ctx, docs)
	if err != nil {
		return result, err
	}
	result.Processed = len(docs)

	s.metrics.ClusterPass("full", time.Since(started), result.Primaries, result.Duplicates)
	s.logger.Info().
		Int("documents", result.Processed).
		Int("clusters", result.Clusters).
		Int64("changed", result.Changed).
		Int64("admitted", result.Admitted).
		Msg("reclustered all documents")
	return result, nil
}

func (s *Service) assign(ctx context.Context, docs []store.Document) (ClusterResult, error) {
	members := make([]cluster.Member, 0, len(docs))
	for _, doc := range docs {
		members = append(members, memberOf(doc))
	}

	partition := s.opts.Builder.Build(members)
	elections := cluster.Elect(members, partition, s.opts.Priority)

	result := ClusterResult{Members: len(members), Clusters: len(elections)}
	withdraw := s.stagePendingStatuses()
	assignments := make([]store.Assignment, 0, len(members))
	primaries := make([]string, 0, len(elections))
	for _, e := range elections {
		primaries = append(primaries, e.PrimaryID)
		for _, id := range e.Members {
			a := store.Assignment{ID: id, PrimaryID: e.PrimaryID, Role: store.StatusDuplicate, Withdraw: withdraw}
			if id == e.PrimaryID {
				a.Role = store.StatusPrimary
				a.Withdraw = nil
				result.Primaries++
			} else {
				result.Duplicates++
			}
			assignments = append(assignments, a)
		}
	}

	changed, err := s.store.ApplyAssignments(ctx, assignments, s.now())
	if err != nil {
		return result, fmt.Errorf("apply cluster assignments: %w", err)
	}
	result.Changed = changed

	admitted, err := s.machine.Admit(ctx, primaries)
	if err != nil {
		return result, err
	}
	result.Admitted = admitted
	return result, nil
}

// stagePendingStatuses lists the statuses a demoted primary is withdrawn
// from when two pinned clusters merge.
func (s *Service) stagePendingStatuses() []store.Status {
	stagesList := s.machine.Pipeline().Stages()
	out := make([]store.Status, 0, len(stagesList))
	for _, stage := range stagesList {
		out = append(out, stage.PendingStatus)
	}
	return out
}

// memberOf pins primaries that already left the clustering statuses so a
// later, better-ranked duplicate cannot cause a second run of the stages.
func memberOf(doc store.Document) cluster.Member {
	return cluster.Member{
		ID:          doc.ID,
		ContentHash: doc.ContentHash,
		Simhash:     doc.Simhash,
		Source:      doc.Source,
		PublishedAt: doc.PublishedAt,
		FetchedAt:   doc.FetchedAt,
		Pinned:      doc.IsPrimary() && doc.Status.Fingerprinted() && !doc.Status.ClusterOwned(),
	}
}

type ProcessOptions struct {
	HashLimit    int
	ClusterLimit int
}

type ProcessResult struct {
	Hash    HashResult    `json:"hash"`
	Cluster ClusterResult `json:"cluster"`
}

// Process runs one hash pass followed by one incremental cluster pass.
func (s *Service) Process(ctx context.Context, opts ProcessOptions) (ProcessResult, error) {
	var result ProcessResult
	hash, err := s.HashPending(ctx, opts.HashLimit)
	result.Hash = hash
	if err != nil {
		return result, err
	}
	clustered, err := s.ClusterPending(ctx, opts.ClusterLimit)
	result.Cluster = clustered
	if err != nil {
		return result, err
	}
	return result, nil
}

// Cluster returns the members of the cluster whose primary is primaryID.
func (s *Service) Cluster(ctx context.Context, primaryID string) ([]store.Document, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	docs, err := s.store.ListClusterMembers(ctx, []string{strings.TrimSpace(primaryID)})
	if err != nil {
		return nil, fmt.Errorf("list cluster %s: %w", primaryID, err)
	}
	return docs, nil
}

// Document returns one stored document; store.ErrNotFound when unknown.
func (s *Service) Document(ctx context.Context, id string) (store.Document, error) {
	if err := s.ready(); err != nil {
		return store.Document{}, err
	}
	doc, err := s.store.GetDocument(ctx, strings.TrimSpace(id))
	if err != nil {
		return store.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

type StageStats struct {
	Name    string `json:"name"`
	Pending int64  `json:"pending"`
	Done    int64  `json:"done"`
}

type Stats struct {
	Total    int64            `json:"total"`
	ByStatus map[string]int64 `json:"by_status"`
	Stages   []StageStats     `json:"stages"`
}

// Stats counts documents per status and per configured stage.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	if err := s.ready(); err != nil {
		return Stats{}, err
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("count documents by status: %w", err)
	}

	out := Stats{ByStatus: make(map[string]int64, len(counts))}
	for status, n := range counts {
		out.ByStatus[string(status)] = n
		out.Total += n
	}
	pipeline := s.machine.Pipeline()
	for _, stage := range pipeline.Stages() {
		out.Stages = append(out.Stages, StageStats{
			Name:    stage.Name,
			Pending: counts[stage.PendingStatus],
			Done:    counts[pipeline.CompletionStatus(stage)],
		})
	}
	return out, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.UTC()
	return &v
}
