package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"horse.fit/canon/internal/fingerprint"
	"horse.fit/canon/internal/store"
)

// Store implements store.Store on Postgres.
type Store struct {
	pool *Pool
}

var _ store.Store = (*Store)(nil)

func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

const documentColumns = `
	d.id,
	d.source,
	d.content,
	d.language,
	d.url,
	d.content_hash,
	d.simhash,
	d.token_count,
	d.primary_id,
	d.stage_status,
	d.claim_token,
	d.last_attempt_at,
	d.label,
	d.score,
	d.published_at,
	d.fetched_at,
	d.inserted_at,
	d.updated_at,
	COALESCE((
		SELECT jsonb_object_agg(s.stage, s.fail_count)
		FROM canon.document_stages s
		WHERE s.document_id = d.id
			AND s.fail_count > 0
	), '{}'::jsonb)::text`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (store.Document, error) {
	var (
		doc      store.Document
		simhash  *int64
		status   string
		failures string
	)
	if err := row.Scan(
		&doc.ID,
		&doc.Source,
		&doc.Content,
		&doc.Language,
		&doc.URL,
		&doc.ContentHash,
		&simhash,
		&doc.TokenCount,
		&doc.PrimaryID,
		&status,
		&doc.ClaimToken,
		&doc.LastAttemptAt,
		&doc.Label,
		&doc.Score,
		&doc.PublishedAt,
		&doc.FetchedAt,
		&doc.InsertedAt,
		&doc.UpdatedAt,
		&failures,
	); err != nil {
		return store.Document{}, err
	}

	doc.Status = store.Status(status)
	if simhash != nil {
		v := fingerprint.FromInt64(*simhash)
		bands := fingerprint.Band(v)
		doc.Simhash = &v
		doc.Bands = &bands
	}
	if failures != "" && failures != "{}" {
		if err := json.Unmarshal([]byte(failures), &doc.StageFailures); err != nil {
			return store.Document{}, fmt.Errorf("decode stage failures for %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

func (s *Store) queryDocuments(ctx context.Context, label, query string, args ...any) ([]store.Document, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", label, err)
	}
	defer rows.Close()

	docs := make([]store.Document, 0, 16)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan %s row: %w", label, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s rows: %w", label, err)
	}
	return docs, nil
}

func (s *Store) InsertDocument(ctx context.Context, doc store.NewDocument) (bool, error) {
	const q = `
INSERT INTO canon.documents (
	id,
	source,
	content,
	language,
	url,
	stage_status,
	published_at,
	fetched_at,
	inserted_at,
	updated_at
)
VALUES ($1, $2, $3, COALESCE(NULLIF($4, ''), 'und'), $5, $6, $7, $8, $9, $9)
ON CONFLICT (id) DO NOTHING
`
	tag, err := s.pool.Exec(ctx, q,
		doc.ID,
		doc.Source,
		doc.Content,
		doc.Language,
		doc.URL,
		string(store.StatusPendingHash),
		doc.PublishedAt,
		doc.FetchedAt,
		doc.InsertedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert document: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) GetDocument(ctx context.Context, id string) (store.Document, error) {
	q := `SELECT ` + documentColumns + `
FROM canon.documents d
WHERE d.id = $1
`
	doc, err := scanDocument(s.pool.QueryRow(ctx, q, id))
	if err != nil {
		if IsNoRows(err) {
			return store.Document{}, store.ErrNotFound
		}
		return store.Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	return doc, nil
}

func (s *Store) GetDocuments(ctx context.Context, ids []string) ([]store.Document, error) {
	if len(ids) == 0 {
		return []store.Document{}, nil
	}
	q := `SELECT ` + documentColumns + `
FROM canon.documents d
WHERE d.id = ANY($1::text[])
ORDER BY d.id
`
	return s.queryDocuments(ctx, "documents by id", q, ids)
}

func (s *Store) ListByStatus(ctx context.Context, status store.Status, limit int) ([]store.Document, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	q := `SELECT ` + documentColumns + `
FROM canon.documents d
WHERE d.stage_status = $1
ORDER BY d.inserted_at, d.id
LIMIT $2
`
	return s.queryDocuments(ctx, "documents by status", q, string(status), limit)
}

func (s *Store) SaveFingerprint(ctx context.Context, update store.FingerprintUpdate) (int64, error) {
	var (
		simhash *int64
		bands   [fingerprint.BandCount]*int32
	)
	if update.Simhash != nil {
		v := fingerprint.ToInt64(*update.Simhash)
		simhash = &v
		// Bands are always derived from the simhash being stored.
		for i, b := range fingerprint.Band(*update.Simhash).Int32s() {
			bands[i] = &b
		}
	}

	const q = `
UPDATE canon.documents
SET
	content_hash = $2,
	simhash = $3,
	simhash_band_1 = $4,
	simhash_band_2 = $5,
	simhash_band_3 = $6,
	simhash_band_4 = $7,
	token_count = $8,
	stage_status = $9,
	updated_at = $10
WHERE id = $1
	AND stage_status = $11
`
	tag, err := s.pool.Exec(ctx, q,
		update.ID,
		update.ContentHash,
		simhash,
		bands[0],
		bands[1],
		bands[2],
		bands[3],
		update.TokenCount,
		string(store.StatusHashed),
		update.UpdatedAt,
		string(store.StatusPendingHash),
	)
	if err != nil {
		return 0, fmt.Errorf("save fingerprint: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) FindCandidates(ctx context.Context, hashes [][]byte, bands []fingerprint.Bands) ([]store.Document, error) {
	if len(hashes) == 0 && len(bands) == 0 {
		return []store.Document{}, nil
	}
	if hashes == nil {
		hashes = [][]byte{}
	}
	var positions [fingerprint.BandCount][]int32
	for i := range positions {
		positions[i] = make([]int32, 0, len(bands))
	}
	for _, b := range bands {
		for i, v := range b.Int32s() {
			positions[i] = append(positions[i], v)
		}
	}

	q := `SELECT ` + documentColumns + `
FROM canon.documents d
WHERE d.stage_status <> $6
	AND (
		d.content_hash = ANY($1::bytea[])
		OR d.simhash_band_1 = ANY($2::integer[])
		OR d.simhash_band_2 = ANY($3::integer[])
		OR d.simhash_band_3 = ANY($4::integer[])
		OR d.simhash_band_4 = ANY($5::integer[])
	)
ORDER BY d.id
`
	return s.queryDocuments(ctx, "band candidates", q,
		hashes,
		positions[0],
		positions[1],
		positions[2],
		positions[3],
		string(store.StatusPendingHash),
	)
}

func (s *Store) ListClusterMembers(ctx context.Context, primaryIDs []string) ([]store.Document, error) {
	if len(primaryIDs) == 0 {
		return []store.Document{}, nil
	}
	q := `SELECT ` + documentColumns + `
FROM canon.documents d
WHERE d.primary_id = ANY($1::text[])
ORDER BY d.id
`
	return s.queryDocuments(ctx, "cluster members", q, primaryIDs)
}

func (s *Store) ListClustered(ctx context.Context) ([]store.Document, error) {
	q := `SELECT ` + documentColumns + `
FROM canon.documents d
WHERE d.stage_status <> $1
ORDER BY d.id
`
	return s.queryDocuments(ctx, "fingerprinted documents", q, string(store.StatusPendingHash))
}

// ApplyAssignments writes primary ids in one transaction. Status is only
// rewritten while it is still one of the clustering statuses, or when a
// demoted duplicate is withdrawn from a stage pending status.
func (s *Store) ApplyAssignments(ctx context.Context, assignments []store.Assignment, now time.Time) (int64, error) {
	if len(assignments) == 0 {
		return 0, nil
	}
	ordered := make([]store.Assignment, len(assignments))
	copy(ordered, assignments)
	// Stable lock order across concurrent passes.
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	const q = `
UPDATE canon.documents
SET
	primary_id = $2,
	stage_status = CASE
		WHEN stage_status IN ('hashed', 'primary', 'duplicate') THEN $3
		WHEN stage_status = ANY($5::text[]) THEN 'duplicate'
		ELSE stage_status
	END,
	claim_token = CASE
		WHEN stage_status = ANY($5::text[]) THEN NULL
		ELSE claim_token
	END,
	updated_at = $4
WHERE id = $1
	AND stage_status <> 'pending_hash'
	AND (
		primary_id IS DISTINCT FROM $2
		OR (stage_status IN ('hashed', 'primary', 'duplicate') AND stage_status <> $3)
		OR stage_status = ANY($5::text[])
	)
`
	var changed int64
	err := s.pool.inTx(ctx, "cluster assignment", func(tx Tx) error {
		for _, a := range ordered {
			withdraw := []string{}
			if a.Role == store.StatusDuplicate {
				for _, status := range a.Withdraw {
					if !status.ClusterOwned() {
						withdraw = append(withdraw, string(status))
					}
				}
			}
			tag, err := tx.Exec(ctx, q, a.ID, a.PrimaryID, string(a.Role), now, withdraw)
			if err != nil {
				return fmt.Errorf("assign %s to %s: %w", a.ID, a.PrimaryID, err)
			}
			changed += tag.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func (s *Store) AdmitPrimaries(ctx context.Context, ids []string, to store.Status, now time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	const q = `
UPDATE canon.documents
SET
	stage_status = $2,
	updated_at = $3
WHERE id = ANY($1::text[])
	AND primary_id = id
	AND stage_status = 'primary'
`
	tag, err := s.pool.Exec(ctx, q, ids, string(to), now)
	if err != nil {
		return 0, fmt.Errorf("admit primaries: %w", err)
	}
	return tag.RowsAffected(), nil
}
