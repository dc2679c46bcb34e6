package payloadschema

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestValidateFeedItemPayload_Valid(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"id":"agency-a:12345",
		"source":"Agency-A",
		"content":"Beijing education reform announced today",
		"url":"https://example.com/story/12345",
		"published_at":"2026-02-13T14:00:00Z",
		"fetched_at":"2026-02-13T14:05:00Z",
		"metadata":{"job":"daily","score":42}
	}`)

	item, err := ValidateFeedItemPayload(payload)
	if err != nil {
		t.Fatalf("expected payload to be valid, got error: %v", err)
	}
	if item.Source != "Agency-A" {
		t.Fatalf("expected source=Agency-A, got %q", item.Source)
	}
	if item.Content == nil || !strings.HasPrefix(*item.Content, "Beijing") {
		t.Fatalf("expected content to be decoded, got %v", item.Content)
	}
	published := ParseTime(item.PublishedAt)
	if published == nil || published.Hour() != 14 {
		t.Fatalf("expected published_at to parse, got %v", published)
	}
}

func TestValidateFeedItemPayload_HTMLOnly(t *testing.T) {
	payload := json.RawMessage(`{
		"payload_version":"v1",
		"id":"x1",
		"source":"blog",
		"content_html":"<p>Hello</p>"
	}`)
	if _, err := ValidateFeedItemPayload(payload); err != nil {
		t.Fatalf("expected html-only payload to be valid, got %v", err)
	}
}

func TestValidateFeedItemPayload_MissingContent(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","id":"x1","source":"blog"}`)
	if _, err := ValidateFeedItemPayload(payload); err == nil {
		t.Fatalf("expected validation to fail without content or content_html")
	}
}

func TestValidateFeedItemPayload_MissingID(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","source":"blog","content":"x"}`)
	if _, err := ValidateFeedItemPayload(payload); err == nil {
		t.Fatalf("expected validation to fail for missing id")
	}
}

func TestValidateFeedItemPayload_WhitespaceSource(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","id":"x1","source":"   ","content":"x"}`)
	_, err := ValidateFeedItemPayload(payload)
	if err == nil {
		t.Fatalf("expected validation to fail for whitespace source")
	}
	if !strings.Contains(err.Error(), "source") {
		t.Fatalf("expected source error, got %v", err)
	}
}

func TestValidateFeedItemPayload_UnknownField(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","id":"x1","source":"blog","content":"x","extra":true}`)
	if _, err := ValidateFeedItemPayload(payload); err == nil {
		t.Fatalf("expected validation to fail for unknown field")
	}
}

func TestValidateFeedItemPayload_BadTimestamp(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","id":"x1","source":"blog","content":"x","published_at":"yesterday"}`)
	if _, err := ValidateFeedItemPayload(payload); err == nil {
		t.Fatalf("expected validation to fail for bad timestamp")
	}
}

func TestValidateFeedItemPayload_TrailingContent(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","id":"x1","source":"blog","content":"x"} {}`)
	if _, err := ValidateFeedItemPayload(payload); err == nil {
		t.Fatalf("expected trailing content to be rejected")
	}
}

func TestValidateFeedItemPayload_RelativeURL(t *testing.T) {
	payload := json.RawMessage(`{"payload_version":"v1","id":"x1","source":"blog","content":"x","url":"ftp://files.example/a"}`)
	_, err := ValidateFeedItemPayload(payload)
	if err == nil {
		t.Fatalf("expected non-http url to be rejected")
	}
	if got := FieldOf(err); got != "url" {
		t.Fatalf("FieldOf() = %q, want url", got)
	}
}

func TestFieldOf(t *testing.T) {
	_, err := ValidateFeedItemPayload(json.RawMessage(`{"payload_version":"v1","id":"x1","source":"  ","content":"x"}`))
	if got := FieldOf(err); got != "source" {
		t.Fatalf("FieldOf(blank source) = %q, want source", got)
	}

	_, err = ValidateFeedItemPayload(json.RawMessage(`{"payload_version":"v1","id":"x1","source":"s","content":"x","fetched_at":"soon"}`))
	if err == nil {
		t.Fatalf("expected bad fetched_at to be rejected")
	}

	_, err = ValidateFeedItemPayload(json.RawMessage(``))
	if got := FieldOf(err); got != "payload" {
		t.Fatalf("FieldOf(empty) = %q, want payload", got)
	}

	var fe *FieldError
	_, err = ValidateFeedItemPayload(json.RawMessage(`{"payload_version":"v1","id":" ","source":"s","content":"x"}`))
	if !errors.As(err, &fe) || fe.Field != "id" {
		t.Fatalf("expected id FieldError, got %v", err)
	}
}
