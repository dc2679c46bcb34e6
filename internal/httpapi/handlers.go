package httpapi

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"horse.fit/canon/internal/globaltime"
	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/stages"
	"horse.fit/canon/internal/store"
	payloadschema "horse.fit/canon/schema"
)

type documentResponse struct {
	ID            string         `json:"id"`
	Source        string         `json:"source"`
	Language      string         `json:"language"`
	URL           *string        `json:"url,omitempty"`
	Content       string         `json:"content"`
	ContentHash   string         `json:"content_hash,omitempty"`
	Simhash       *string        `json:"simhash,omitempty"`
	TokenCount    int            `json:"token_count"`
	PrimaryID     *string        `json:"primary_id,omitempty"`
	IsPrimary     bool           `json:"is_primary"`
	Status        string         `json:"status"`
	Label         *string        `json:"label,omitempty"`
	Score         *float64       `json:"score,omitempty"`
	StageFailures map[string]int `json:"stage_failures,omitempty"`
	LastAttemptAt *time.Time     `json:"last_attempt_at,omitempty"`
	PublishedAt   *time.Time     `json:"published_at,omitempty"`
	FetchedAt     time.Time      `json:"fetched_at"`
	InsertedAt    time.Time      `json:"inserted_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type claimRequest struct {
	Limit *int `json:"limit"`
}

type claimResponse struct {
	Stage     string             `json:"stage"`
	Token     string             `json:"token,omitempty"`
	Claimed   int                `json:"claimed"`
	Documents []documentResponse `json:"documents"`
}

type completeRequest struct {
	ID     string         `json:"id"`
	Label  *string        `json:"label"`
	Score  *float64       `json:"score"`
	Fields map[string]any `json:"fields"`
}

type failRequest struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type resetRequest struct {
	IDs []string `json:"ids"`
}

type releaseRequest struct {
	OlderThan string `json:"older_than"`
}

func buildDocumentResponse(doc store.Document) documentResponse {
	resp := documentResponse{
		ID:            doc.ID,
		Source:        doc.Source,
		Language:      doc.Language,
		URL:           doc.URL,
		Content:       doc.Content,
		TokenCount:    doc.TokenCount,
		PrimaryID:     doc.PrimaryID,
		IsPrimary:     doc.IsPrimary(),
		Status:        string(doc.Status),
		Label:         doc.Label,
		Score:         doc.Score,
		StageFailures: doc.StageFailures,
		LastAttemptAt: doc.LastAttemptAt,
		PublishedAt:   doc.PublishedAt,
		FetchedAt:     doc.FetchedAt,
		InsertedAt:    doc.InsertedAt,
		UpdatedAt:     doc.UpdatedAt,
	}
	if len(doc.ContentHash) > 0 {
		resp.ContentHash = hex.EncodeToString(doc.ContentHash)
	}
	if doc.Simhash != nil {
		encoded := fmt.Sprintf("%016x", *doc.Simhash)
		resp.Simhash = &encoded
	}
	return resp
}

func buildDocumentResponses(docs []store.Document) []documentResponse {
	out := make([]documentResponse, 0, len(docs))
	for _, doc := range docs {
		out = append(out, buildDocumentResponse(doc))
	}
	return out
}

// decodeJSONBody rejects unknown fields and trailing content. An empty body
// leaves dst untouched when allowEmpty is set.
func decodeJSONBody(c echo.Context, dst any, allowEmpty bool) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		if allowEmpty {
			return nil
		}
		return fmt.Errorf("request body is required")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body contains trailing content")
	}
	return nil
}

func (s *Server) handleHealth(c echo.Context) error {
	return success(c, map[string]any{
		"service": "canon",
		"time":    globaltime.UTC(),
	})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.service.Stats(c.Request().Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("query stats failed")
		return internalError(c, "Failed to load stats")
	}
	return success(c, stats)
}

func (s *Server) handleIngest(c echo.Context) error {
	raw, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}

	req, err := s.decoder.Decode(raw)
	if err != nil {
		return failValidation(c, map[string]string{payloadschema.FieldOf(err): err.Error()})
	}

	result, err := s.service.Ingest(c.Request().Context(), req)
	if err != nil {
		if errors.Is(err, pipeline.ErrInvalidDocument) {
			return failValidation(c, map[string]string{"body": err.Error()})
		}
		s.logger.Error().Err(err).Str("document_id", req.ID).Msg("ingest failed")
		return internalError(c, "Failed to ingest document")
	}

	code := http.StatusOK
	if result.Inserted {
		code = http.StatusCreated
	}
	return successWithStatus(c, code, result)
}

func (s *Server) handleDocument(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return failValidation(c, map[string]string{"id": "is required"})
	}

	doc, err := s.service.Document(c.Request().Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return failNotFound(c, "Document not found")
		}
		s.logger.Error().Err(err).Str("document_id", id).Msg("load document failed")
		return internalError(c, "Failed to load document")
	}
	return success(c, buildDocumentResponse(doc))
}

func (s *Server) handleCluster(c echo.Context) error {
	primaryID := strings.TrimSpace(c.Param("primary_id"))
	if primaryID == "" {
		return failValidation(c, map[string]string{"primary_id": "is required"})
	}

	members, err := s.service.Cluster(c.Request().Context(), primaryID)
	if err != nil {
		s.logger.Error().Err(err).Str("primary_id", primaryID).Msg("load cluster failed")
		return internalError(c, "Failed to load cluster")
	}
	if len(members) == 0 {
		return failNotFound(c, "Cluster not found")
	}
	return success(c, map[string]any{
		"primary_id": primaryID,
		"size":       len(members),
		"members":    buildDocumentResponses(members),
	})
}

func (s *Server) handleClaim(c echo.Context) error {
	stageName := c.Param("stage")

	var req claimRequest
	if err := decodeJSONBody(c, &req, true); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	limit := defaultClaimLimit
	if req.Limit != nil {
		limit = *req.Limit
	} else if raw := c.QueryParam("limit"); raw != "" {
		parsed, err := parsePositiveInt(raw, defaultClaimLimit, 1, maxClaimLimit)
		if err != nil {
			return failValidation(c, map[string]string{"limit": err.Error()})
		}
		limit = parsed
	}
	if limit < 1 || limit > maxClaimLimit {
		return failValidation(c, map[string]string{"limit": fmt.Sprintf("must be between 1 and %d", maxClaimLimit)})
	}

	result, err := s.machine.Claim(c.Request().Context(), stageName, limit)
	if err != nil {
		return s.stageError(c, stageName, err)
	}
	return success(c, claimResponse{
		Stage:     result.Stage,
		Token:     result.Token,
		Claimed:   result.Claimed(),
		Documents: buildDocumentResponses(result.Documents),
	})
}

func (s *Server) handleComplete(c echo.Context) error {
	stageName := c.Param("stage")

	var req completeRequest
	if err := decodeJSONBody(c, &req, false); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if strings.TrimSpace(req.ID) == "" {
		return failValidation(c, map[string]string{"id": "is required"})
	}

	result, err := s.machine.Complete(c.Request().Context(), req.ID, stageName, store.Outcome{
		Label:  req.Label,
		Score:  req.Score,
		Fields: req.Fields,
	})
	if err != nil {
		return s.stageError(c, stageName, err)
	}
	return success(c, result)
}

func (s *Server) handleFail(c echo.Context) error {
	stageName := c.Param("stage")

	var req failRequest
	if err := decodeJSONBody(c, &req, false); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if strings.TrimSpace(req.ID) == "" {
		return failValidation(c, map[string]string{"id": "is required"})
	}

	var cause error
	if msg := strings.TrimSpace(req.Error); msg != "" {
		cause = errors.New(msg)
	}
	result, err := s.machine.Fail(c.Request().Context(), req.ID, stageName, cause)
	if err != nil {
		return s.stageError(c, stageName, err)
	}
	return success(c, result)
}

func (s *Server) handleReset(c echo.Context) error {
	stageName := c.Param("stage")

	var req resetRequest
	if err := decodeJSONBody(c, &req, false); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	if len(req.IDs) == 0 {
		return failValidation(c, map[string]string{"ids": "at least one id is required"})
	}

	rows, err := s.machine.ResetToPending(c.Request().Context(), req.IDs, stageName)
	if err != nil {
		return s.stageError(c, stageName, err)
	}
	return success(c, map[string]any{
		"stage":         stageName,
		"rows_affected": rows,
	})
}

func (s *Server) handleReleaseStale(c echo.Context) error {
	stageName := c.Param("stage")

	var req releaseRequest
	if err := decodeJSONBody(c, &req, false); err != nil {
		return failValidation(c, map[string]string{"body": err.Error()})
	}
	olderThan, err := time.ParseDuration(strings.TrimSpace(req.OlderThan))
	if err != nil || olderThan <= 0 {
		return failValidation(c, map[string]string{"older_than": "must be a positive duration such as 15m"})
	}

	released, err := s.machine.ReleaseStale(c.Request().Context(), stageName, olderThan)
	if err != nil {
		return s.stageError(c, stageName, err)
	}
	return success(c, map[string]any{
		"stage":    stageName,
		"released": released,
	})
}

func (s *Server) stageError(c echo.Context, stageName string, err error) error {
	switch {
	case errors.Is(err, stages.ErrUnknownStage):
		return failNotFound(c, fmt.Sprintf("Unknown stage %q", stageName))
	case errors.Is(err, stages.ErrInvalidLimit):
		return failValidation(c, map[string]string{"limit": err.Error()})
	}
	s.logger.Error().Err(err).Str("stage", stageName).Msg("stage operation failed")
	return internalError(c, "Stage operation failed")
}
