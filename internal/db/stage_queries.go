package db

import (
	"context"
	"encoding/json"
	"fmt"

	"horse.fit/canon/internal/store"
)

// ClaimStage locks eligible rows with SKIP LOCKED and then claims each with
// a guarded update, so a row is only returned when this caller's update
// affected it.
func (s *Store) ClaimStage(ctx context.Context, params store.ClaimParams) ([]store.Document, error) {
	if params.Limit <= 0 {
		return []store.Document{}, nil
	}

	const selectQ = `
SELECT d.id
FROM canon.documents d
LEFT JOIN canon.document_stages s
	ON s.document_id = d.id
	AND s.stage = $2
WHERE d.stage_status = $1
	AND d.claim_token IS NULL
	AND d.primary_id = d.id
	AND COALESCE(s.fail_count, 0) < $3
ORDER BY d.last_attempt_at ASC NULLS FIRST, d.inserted_at ASC, d.id ASC
LIMIT $4
FOR UPDATE OF d SKIP LOCKED
`
	const claimQ = `
UPDATE canon.documents
SET
	claim_token = $2,
	last_attempt_at = $3,
	updated_at = $3
WHERE id = $1
	AND stage_status = $4
	AND claim_token IS NULL
	AND primary_id = id
`

	claimed := make([]string, 0, params.Limit)
	err := s.pool.inTx(ctx, "claim", func(tx Tx) error {
		rows, err := tx.Query(ctx, selectQ, string(params.PendingStatus), params.Stage, params.MaxFailures, params.Limit)
		if err != nil {
			return fmt.Errorf("select claimable documents: %w", err)
		}
		candidates := make([]string, 0, params.Limit)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan claimable document: %w", err)
			}
			candidates = append(candidates, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate claimable documents: %w", err)
		}
		rows.Close()

		for _, id := range candidates {
			tag, err := tx.Exec(ctx, claimQ, id, params.Token, params.Now, string(params.PendingStatus))
			if err != nil {
				return fmt.Errorf("claim document %s: %w", id, err)
			}
			if tag.RowsAffected() == 1 {
				claimed = append(claimed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(claimed) == 0 {
		return []store.Document{}, nil
	}

	docs, err := s.GetDocuments(ctx, claimed)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}
	out := make([]store.Document, 0, len(claimed))
	for _, id := range claimed {
		if doc, ok := byID[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (s *Store) CompleteStage(ctx context.Context, params store.CompleteParams) (int64, error) {
	outcome, err := json.Marshal(params.Outcome)
	if err != nil {
		return 0, fmt.Errorf("encode %s outcome: %w", params.Stage, err)
	}

	const advanceQ = `
UPDATE canon.documents
SET
	stage_status = $3,
	claim_token = NULL,
	label = COALESCE($4, label),
	score = COALESCE($5, score),
	updated_at = $6
WHERE id = $1
	AND stage_status = $2
`
	const outcomeQ = `
INSERT INTO canon.document_stages (
	document_id,
	stage,
	fail_count,
	outcome,
	completed_at,
	updated_at
)
VALUES ($1, $2, 0, $3::jsonb, $4, $4)
ON CONFLICT (document_id, stage) DO UPDATE
SET
	outcome = EXCLUDED.outcome,
	completed_at = EXCLUDED.completed_at,
	updated_at = EXCLUDED.updated_at
`

	var affected int64
	err = s.pool.inTx(ctx, "complete", func(tx Tx) error {
		tag, err := tx.Exec(ctx, advanceQ,
			params.ID,
			string(params.FromStatus),
			string(params.ToStatus),
			params.Outcome.Label,
			params.Outcome.Score,
			params.Now,
		)
		if err != nil {
			return fmt.Errorf("advance document %s: %w", params.ID, err)
		}
		affected = tag.RowsAffected()
		if affected == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, outcomeQ, params.ID, params.Stage, string(outcome), params.Now); err != nil {
			return fmt.Errorf("record %s outcome for %s: %w", params.Stage, params.ID, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return affected, nil
}

func (s *Store) FailStage(ctx context.Context, params store.FailParams) (store.FailOutcome, error) {
	const lockQ = `
SELECT 1
FROM canon.documents
WHERE id = $1
	AND stage_status = $2
FOR UPDATE
`
	const countQ = `
INSERT INTO canon.document_stages (
	document_id,
	stage,
	fail_count,
	last_error,
	updated_at
)
VALUES ($1, $2, 1, NULLIF($3, ''), $4)
ON CONFLICT (document_id, stage) DO UPDATE
SET
	fail_count = LEAST(canon.document_stages.fail_count + 1, $5),
	last_error = EXCLUDED.last_error,
	updated_at = EXCLUDED.updated_at
RETURNING fail_count
`
	const releaseQ = `
UPDATE canon.documents
SET
	stage_status = CASE WHEN $3 THEN $4 ELSE stage_status END,
	claim_token = NULL,
	updated_at = $5
WHERE id = $1
	AND stage_status = $2
`

	var outcome store.FailOutcome
	err := s.pool.inTx(ctx, "fail", func(tx Tx) error {
		var one int
		if err := tx.QueryRow(ctx, lockQ, params.ID, string(params.FromStatus)).Scan(&one); err != nil {
			if IsNoRows(err) {
				return nil
			}
			return fmt.Errorf("lock document %s: %w", params.ID, err)
		}

		var count int
		if err := tx.QueryRow(ctx, countQ, params.ID, params.Stage, params.Error, params.Now, params.MaxFailures).Scan(&count); err != nil {
			return fmt.Errorf("count %s failure for %s: %w", params.Stage, params.ID, err)
		}
		discarded := count >= params.MaxFailures

		tag, err := tx.Exec(ctx, releaseQ, params.ID, string(params.FromStatus), discarded, string(params.DiscardStatus), params.Now)
		if err != nil {
			return fmt.Errorf("release document %s: %w", params.ID, err)
		}
		outcome = store.FailOutcome{
			RowsAffected: tag.RowsAffected(),
			FailCount:    count,
			Discarded:    discarded,
		}
		return nil
	})
	if err != nil {
		return store.FailOutcome{}, err
	}
	return outcome, nil
}

func (s *Store) ResetStage(ctx context.Context, params store.ResetParams) (int64, error) {
	if len(params.IDs) == 0 {
		return 0, nil
	}
	const resetQ = `
UPDATE canon.documents
SET
	stage_status = $2,
	claim_token = NULL,
	updated_at = $3
WHERE id = ANY($1::text[])
	AND primary_id = id
	AND stage_status NOT IN ('pending_hash', 'hashed', 'primary', 'duplicate')
RETURNING id
`
	const clearQ = `
UPDATE canon.document_stages
SET
	fail_count = 0,
	last_error = NULL,
	updated_at = $3
WHERE document_id = ANY($1::text[])
	AND stage = $2
`

	var reset []string
	err := s.pool.inTx(ctx, "reset", func(tx Tx) error {
		rows, err := tx.Query(ctx, resetQ, params.IDs, string(params.ToStatus), params.Now)
		if err != nil {
			return fmt.Errorf("reset documents: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan reset document: %w", err)
			}
			reset = append(reset, id)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("iterate reset documents: %w", err)
		}
		rows.Close()

		if len(reset) == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, clearQ, reset, params.Stage, params.Now); err != nil {
			return fmt.Errorf("clear %s failures: %w", params.Stage, err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int64(len(reset)), nil
}

func (s *Store) ReleaseStale(ctx context.Context, params store.ReleaseParams) (int64, error) {
	const q = `
UPDATE canon.documents
SET
	claim_token = NULL,
	updated_at = $3
WHERE stage_status = $1
	AND claim_token IS NOT NULL
	AND last_attempt_at < $2
`
	tag, err := s.pool.Exec(ctx, q, string(params.PendingStatus), params.OlderThan, params.Now)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}
