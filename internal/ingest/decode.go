// Package ingest turns feed payloads into pipeline ingest requests and
// consumes them from Kafka.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	payloadschema "horse.fit/canon/schema"

	"horse.fit/canon/internal/globaltime"
	"horse.fit/canon/internal/langdetect"
	"horse.fit/canon/internal/language"
	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/reader"
)

var ErrInvalidPayload = errors.New("invalid feed payload")

// Decoder validates feed items and prepares their content for fingerprinting.
type Decoder struct {
	// Detect guesses a language code from content. Nil disables detection.
	Detect func(string) string
	now    func() time.Time
}

// NewDecoder returns a decoder; detectLanguage wires the lingua detector.
func NewDecoder(detectLanguage bool) *Decoder {
	d := &Decoder{now: globaltime.UTC}
	if detectLanguage {
		d.Detect = langdetect.DetectISO6391
	}
	return d
}

func (d *Decoder) Decode(payload json.RawMessage) (pipeline.IngestRequest, error) {
	item, err := payloadschema.ValidateFeedItemPayload(payload)
	if err != nil {
		return pipeline.IngestRequest{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	return d.FromItem(item)
}

// FromItem converts an already validated feed item.
func (d *Decoder) FromItem(item *payloadschema.FeedItem) (pipeline.IngestRequest, error) {
	if item == nil {
		return pipeline.IngestRequest{}, fmt.Errorf("%w: item is nil", ErrInvalidPayload)
	}

	var pageURL string
	if item.URL != nil {
		pageURL = CanonicalURL(*item.URL)
	}

	content, err := itemContent(item, pageURL)
	if err != nil {
		return pipeline.IngestRequest{}, fmt.Errorf("%w: %s: %v", ErrInvalidPayload, item.ID, err)
	}

	declared := ""
	if item.Language != nil {
		declared = *item.Language
	}

	req := pipeline.IngestRequest{
		ID:          strings.TrimSpace(item.ID),
		Source:      strings.TrimSpace(item.Source),
		Content:     content,
		Language:    language.Resolve(declared, content, d.Detect),
		PublishedAt: payloadschema.ParseTime(item.PublishedAt),
	}
	if pageURL != "" {
		req.URL = &pageURL
	}
	if fetched := payloadschema.ParseTime(item.FetchedAt); fetched != nil {
		req.FetchedAt = *fetched
	} else if d.now != nil {
		req.FetchedAt = d.now()
	}
	return req, nil
}

// itemContent prefers plain content. HTML bodies are reduced to readable
// text so markup never reaches the fingerprint.
func itemContent(item *payloadschema.FeedItem, pageURL string) (string, error) {
	if item.Content != nil && strings.TrimSpace(*item.Content) != "" {
		return *item.Content, nil
	}
	if item.ContentHTML == nil || strings.TrimSpace(*item.ContentHTML) == "" {
		if item.Content != nil {
			return *item.Content, nil
		}
		return "", nil
	}

	title := ""
	if item.Title != nil {
		title = *item.Title
	}
	text, err := reader.ExtractText([]byte(*item.ContentHTML), pageURL, title)
	if err != nil {
		return "", fmt.Errorf("extract html content: %w", err)
	}
	return text, nil
}
