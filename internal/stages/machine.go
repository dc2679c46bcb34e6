package stages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"horse.fit/canon/internal/globaltime"
	"horse.fit/canon/internal/metrics"
	"horse.fit/canon/internal/store"
)

type TransitionKind string

const (
	Applied        TransitionKind = "applied"
	AlreadyHandled TransitionKind = "already_handled"
	NotFound       TransitionKind = "not_found"
)

type FailKind string

const (
	FailRetryable      FailKind = "retryable"
	FailDiscarded      FailKind = "discarded"
	FailAlreadyHandled FailKind = "already_handled"
	FailNotFound       FailKind = "not_found"
)

// ClaimResult is the batch a caller won. Documents are in claim order.
type ClaimResult struct {
	Stage     string
	Token     string
	Documents []store.Document
}

func (r ClaimResult) Claimed() int {
	return len(r.Documents)
}

type TransitionResult struct {
	Kind         TransitionKind `json:"kind"`
	RowsAffected int64          `json:"rows_affected"`
	Status       store.Status   `json:"status,omitempty"`
}

type FailResult struct {
	Kind         FailKind     `json:"kind"`
	RowsAffected int64        `json:"rows_affected"`
	FailCount    int          `json:"fail_count"`
	MaxFailures  int          `json:"max_failures"`
	Status       store.Status `json:"status,omitempty"`
}

// Machine drives documents through a Pipeline. All coordination between
// concurrent callers happens through the store's guarded updates.
type Machine struct {
	store    store.Store
	pipeline Pipeline
	logger   zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewMachine(st store.Store, pipeline Pipeline, logger zerolog.Logger, m *metrics.Metrics) (*Machine, error) {
	if st == nil {
		return nil, errors.New("store is required")
	}
	if len(pipeline.stages) == 0 {
		return nil, errors.New("pipeline is required")
	}
	return &Machine{
		store:    st,
		pipeline: pipeline,
		logger:   logger.With().Str("component", "stages").Logger(),
		metrics:  m,
		now:      globaltime.UTC,
	}, nil
}

func (m *Machine) Pipeline() Pipeline {
	return m.pipeline
}

// Admit moves freshly elected primaries into the first stage.
func (m *Machine) Admit(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	first := m.pipeline.First()
	n, err := m.store.AdmitPrimaries(ctx, ids, first.PendingStatus, m.now())
	if err != nil {
		return 0, fmt.Errorf("admit primaries to %s: %w", first.Name, err)
	}
	m.metrics.Transition(first.Name, "admitted", int(n))
	return n, nil
}

// Claim reserves up to limit documents waiting for stage.
func (m *Machine) Claim(ctx context.Context, stageName string, limit int) (ClaimResult, error) {
	if limit <= 0 {
		return ClaimResult{}, ErrInvalidLimit
	}
	stage, err := m.pipeline.Stage(stageName)
	if err != nil {
		return ClaimResult{}, err
	}

	token := uuid.NewString()
	docs, err := m.store.ClaimStage(ctx, store.ClaimParams{
		Stage:         stage.Name,
		PendingStatus: stage.PendingStatus,
		Limit:         limit,
		MaxFailures:   stage.MaxFailures,
		Token:         token,
		Now:           m.now(),
	})
	if err != nil {
		return ClaimResult{}, fmt.Errorf("claim %s: %w", stage.Name, err)
	}

	m.metrics.Transition(stage.Name, "claimed", len(docs))
	if len(docs) > 0 {
		m.logger.Debug().Str("stage", stage.Name).Int("claimed", len(docs)).Str("claim_token", token).Msg("claimed stage batch")
	}
	return ClaimResult{Stage: stage.Name, Token: token, Documents: docs}, nil
}

// Complete records success for a document in stage and moves it on. A
// document no longer waiting in the stage is left untouched.
func (m *Machine) Complete(ctx context.Context, id, stageName string, outcome store.Outcome) (TransitionResult, error) {
	stage, err := m.pipeline.Stage(stageName)
	if err != nil {
		return TransitionResult{}, err
	}
	id = strings.TrimSpace(id)
	to := m.pipeline.CompletionStatus(stage)

	rows, err := m.store.CompleteStage(ctx, store.CompleteParams{
		ID:         id,
		Stage:      stage.Name,
		FromStatus: stage.PendingStatus,
		ToStatus:   to,
		Outcome:    outcome,
		Now:        m.now(),
	})
	if err != nil {
		return TransitionResult{}, fmt.Errorf("complete %s for %s: %w", stage.Name, id, err)
	}
	if rows > 0 {
		m.metrics.Transition(stage.Name, "completed", 1)
		return TransitionResult{Kind: Applied, RowsAffected: rows, Status: to}, nil
	}

	kind, status, err := m.classifyNoop(ctx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	m.metrics.Transition(stage.Name, string(kind), 1)
	m.logger.Debug().Str("stage", stage.Name).Str("document_id", id).Str("result", string(kind)).Msg("complete was a no-op")
	return TransitionResult{Kind: kind, Status: status}, nil
}

// Fail counts a failed attempt. Reaching the stage maximum is terminal.
func (m *Machine) Fail(ctx context.Context, id, stageName string, cause error) (FailResult, error) {
	stage, err := m.pipeline.Stage(stageName)
	if err != nil {
		return FailResult{}, err
	}
	id = strings.TrimSpace(id)
	message := ""
	if cause != nil {
		message = cause.Error()
	}

	outcome, err := m.store.FailStage(ctx, store.FailParams{
		ID:            id,
		Stage:         stage.Name,
		FromStatus:    stage.PendingStatus,
		DiscardStatus: store.StatusDiscarded,
		MaxFailures:   stage.MaxFailures,
		Error:         message,
		Now:           m.now(),
	})
	if err != nil {
		return FailResult{}, fmt.Errorf("fail %s for %s: %w", stage.Name, id, err)
	}

	if outcome.RowsAffected == 0 {
		kind, status, err := m.classifyNoop(ctx, id)
		if err != nil {
			return FailResult{}, err
		}
		failKind := FailAlreadyHandled
		if kind == NotFound {
			failKind = FailNotFound
		}
		m.metrics.Transition(stage.Name, string(failKind), 1)
		return FailResult{Kind: failKind, MaxFailures: stage.MaxFailures, Status: status}, nil
	}

	result := FailResult{
		Kind:         FailRetryable,
		RowsAffected: outcome.RowsAffected,
		FailCount:    outcome.FailCount,
		MaxFailures:  stage.MaxFailures,
		Status:       stage.PendingStatus,
	}
	if outcome.Discarded {
		result.Kind = FailDiscarded
		result.Status = store.StatusDiscarded
		m.logger.Warn().
			Str("stage", stage.Name).
			Str("document_id", id).
			Int("fail_count", outcome.FailCount).
			Str("error", message).
			Msg("document discarded after max failures")
	} else {
		m.logger.Info().
			Str("stage", stage.Name).
			Str("document_id", id).
			Int("fail_count", outcome.FailCount).
			Str("error", message).
			Msg("stage attempt failed")
	}
	m.metrics.Transition(stage.Name, string(result.Kind), 1)
	return result, nil
}

// ResetToPending clears the stage's failure counter and puts the documents
// back in its pending status. Only primaries are eligible.
func (m *Machine) ResetToPending(ctx context.Context, ids []string, stageName string) (int64, error) {
	stage, err := m.pipeline.Stage(stageName)
	if err != nil {
		return 0, err
	}
	cleaned := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			cleaned = append(cleaned, id)
		}
	}
	if len(cleaned) == 0 {
		return 0, nil
	}

	n, err := m.store.ResetStage(ctx, store.ResetParams{
		IDs:      cleaned,
		Stage:    stage.Name,
		ToStatus: stage.PendingStatus,
		Now:      m.now(),
	})
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", stage.Name, err)
	}
	m.metrics.Transition(stage.Name, "reset", int(n))
	m.logger.Info().Str("stage", stage.Name).Int64("reset", n).Int("requested", len(cleaned)).Msg("reset documents to pending")
	return n, nil
}

// ReleaseStale drops claims older than olderThan so the documents become
// claimable again. Nothing in this package calls it on a timer.
func (m *Machine) ReleaseStale(ctx context.Context, stageName string, olderThan time.Duration) (int64, error) {
	stage, err := m.pipeline.Stage(stageName)
	if err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		return 0, errors.New("older-than must be positive")
	}
	now := m.now()
	n, err := m.store.ReleaseStale(ctx, store.ReleaseParams{
		PendingStatus: stage.PendingStatus,
		OlderThan:     now.Add(-olderThan),
		Now:           now,
	})
	if err != nil {
		return 0, fmt.Errorf("release stale %s claims: %w", stage.Name, err)
	}
	m.metrics.Transition(stage.Name, "released", int(n))
	return n, nil
}

func (m *Machine) classifyNoop(ctx context.Context, id string) (TransitionKind, store.Status, error) {
	doc, err := m.store.GetDocument(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return NotFound, "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("load document %s: %w", id, err)
	}
	return AlreadyHandled, doc.Status, nil
}
