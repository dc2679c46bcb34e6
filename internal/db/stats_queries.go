package db

import (
	"context"
	"fmt"

	"horse.fit/canon/internal/store"
)

func (s *Store) CountByStatus(ctx context.Context) (map[store.Status]int64, error) {
	const q = `
SELECT d.stage_status, COUNT(*)::BIGINT
FROM canon.documents d
GROUP BY d.stage_status
ORDER BY 1
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[store.Status]int64, 8)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count row: %w", err)
		}
		counts[store.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status count rows: %w", err)
	}
	return counts, nil
}

// StageFailureCount is the number of documents with failures recorded for
// a stage, and how many of those hit the maximum.
type StageFailureCount struct {
	Stage     string `json:"stage"`
	Failing   int64  `json:"failing"`
	Discarded int64  `json:"discarded"`
}

// QueryStageFailures summarizes canon.document_stages for operators.
func (s *Store) QueryStageFailures(ctx context.Context) ([]StageFailureCount, error) {
	const q = `
SELECT
	s.stage,
	COUNT(*) FILTER (WHERE s.fail_count > 0)::BIGINT AS failing,
	COUNT(*) FILTER (WHERE d.stage_status = 'discarded' AND s.fail_count > 0 AND s.completed_at IS NULL)::BIGINT AS discarded
FROM canon.document_stages s
JOIN canon.documents d
	ON d.id = s.document_id
GROUP BY s.stage
ORDER BY s.stage
`
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stage failures: %w", err)
	}
	defer rows.Close()

	out := make([]StageFailureCount, 0, 4)
	for rows.Next() {
		var row StageFailureCount
		if err := rows.Scan(&row.Stage, &row.Failing, &row.Discarded); err != nil {
			return nil, fmt.Errorf("scan stage failure row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage failure rows: %w", err)
	}
	return out, nil
}
