package ingest

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func fixedDecoder(detect func(string) string) *Decoder {
	return &Decoder{
		Detect: detect,
		now:    func() time.Time { return time.Date(2026, 2, 13, 15, 0, 0, 0, time.UTC) },
	}
}

func TestDecodePlainContent(t *testing.T) {
	t.Parallel()

	d := fixedDecoder(nil)
	req, err := d.Decode(json.RawMessage(`{
		"payload_version":"v1",
		"id":" agency-a:1 ",
		"source":"Agency-A",
		"content":"Beijing education reform announced today",
		"language":"EN_us",
		"url":"https://Example.com/story/1?utm_source=rss",
		"published_at":"2026-02-13T14:00:00+02:00"
	}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if req.ID != "agency-a:1" || req.Source != "Agency-A" {
		t.Fatalf("unexpected identity: %q %q", req.ID, req.Source)
	}
	if req.Language != "en-us" {
		t.Fatalf("expected normalized language, got %q", req.Language)
	}
	if req.URL == nil || *req.URL != "https://example.com/story/1" {
		t.Fatalf("expected canonical url, got %v", req.URL)
	}
	if req.PublishedAt == nil || req.PublishedAt.Hour() != 12 || req.PublishedAt.Location() != time.UTC {
		t.Fatalf("expected published_at in UTC, got %v", req.PublishedAt)
	}
	if !req.FetchedAt.Equal(time.Date(2026, 2, 13, 15, 0, 0, 0, time.UTC)) {
		t.Fatalf("expected fetched_at to default to now, got %v", req.FetchedAt)
	}
}

func TestDecodeDetectsMissingLanguage(t *testing.T) {
	t.Parallel()

	var sample string
	d := fixedDecoder(func(text string) string {
		sample = text
		return "fr"
	})
	req, err := d.Decode(json.RawMessage(`{"payload_version":"v1","id":"x","source":"s","content":"Bonjour tout le monde"}`))
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if req.Language != "fr" {
		t.Fatalf("expected detected language fr, got %q", req.Language)
	}
	if sample != "Bonjour tout le monde" {
		t.Fatalf("expected detector to see content, got %q", sample)
	}
}

func TestDecodeHTMLContent(t *testing.T) {
	t.Parallel()

	paragraph := strings.Repeat("Officials confirmed the river crossing will reopen next week after repairs. ", 12)
	payload, err := json.Marshal(map[string]any{
		"payload_version": "v1",
		"id":              "html-1",
		"source":          "blog",
		"content_html":    "<html><body><article><p>" + paragraph + "</p><p>" + paragraph + "</p></article></body></html>",
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	req, err := fixedDecoder(nil).Decode(payload)
	if err != nil {
		t.Fatalf("Decode returned error: %v", err)
	}
	if strings.Contains(req.Content, "<p>") {
		t.Fatalf("expected markup to be stripped, got %q", req.Content)
	}
	if !strings.Contains(req.Content, "river crossing will reopen") {
		t.Fatalf("expected article text, got %q", req.Content)
	}
	if req.Language != "und" {
		t.Fatalf("expected und without detector, got %q", req.Language)
	}
}

func TestDecodeRejectsInvalidPayload(t *testing.T) {
	t.Parallel()

	_, err := fixedDecoder(nil).Decode(json.RawMessage(`{"payload_version":"v2","id":"x","source":"s","content":"c"}`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
