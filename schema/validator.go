// Package payloadschema validates feed items against the embedded v1 JSON
// schema and the rules a schema cannot express.
package payloadschema

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed feed_item.schema.json
var feedItemSchemaJSON string

const feedItemSchemaURL = "feed_item.schema.json"

// FeedItem is one document as delivered by an external scraper.
type FeedItem struct {
	PayloadVersion string         `json:"payload_version"`
	ID             string         `json:"id"`
	Source         string         `json:"source"`
	Title          *string        `json:"title,omitempty"`
	Content        *string        `json:"content,omitempty"`
	ContentHTML    *string        `json:"content_html,omitempty"`
	URL            *string        `json:"url,omitempty"`
	Language       *string        `json:"language,omitempty"`
	PublishedAt    *string        `json:"published_at,omitempty"`
	FetchedAt      *string        `json:"fetched_at,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// FieldError is a rule violation tied to one payload field. Field is
// "payload" when the problem is not specific to a field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func fieldError(field, format string, args ...any) *FieldError {
	return &FieldError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

var feedItemSchema = sync.OnceValues(func() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	compiler.AssertFormat = true
	if err := compiler.AddResource(feedItemSchemaURL, strings.NewReader(feedItemSchemaJSON)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return compiler.Compile(feedItemSchemaURL)
})

// ValidateFeedItemPayload checks payload against the schema and returns the
// decoded item. Rule violations are *FieldError; schema violations wrap
// *jsonschema.ValidationError.
func ValidateFeedItemPayload(payload json.RawMessage) (*FeedItem, error) {
	trimmed := bytes.TrimSpace(payload)
	value, err := decodeStrictJSON(trimmed)
	if err != nil {
		return nil, fieldError("payload", "%v", err)
	}

	schema, err := feedItemSchema()
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	if err := schema.Validate(value); err != nil {
		return nil, fmt.Errorf("schema validation failed: %w", err)
	}

	var item FeedItem
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil, fieldError("payload", "decode: %v", err)
	}
	if err := checkRules(&item); err != nil {
		return nil, err
	}
	return &item, nil
}

// FieldOf names the payload field err is about, or "payload".
func FieldOf(err error) string {
	var fe *FieldError
	if errors.As(err, &fe) {
		return fe.Field
	}
	var ve *jsonschema.ValidationError
	if errors.As(err, &ve) {
		leaf := ve
		for len(leaf.Causes) > 0 {
			leaf = leaf.Causes[0]
		}
		if field := strings.Trim(leaf.InstanceLocation, "/"); field != "" {
			return strings.ReplaceAll(field, "/", ".")
		}
	}
	return "payload"
}

func decodeStrictJSON(raw []byte) (any, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}

	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.UseNumber()

	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if err := decoder.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("payload contains trailing content")
	}
	return value, nil
}

func checkRules(item *FeedItem) error {
	if strings.TrimSpace(item.ID) == "" {
		return fieldError("id", "must not be blank")
	}
	if strings.TrimSpace(item.Source) == "" {
		return fieldError("source", "must not be blank")
	}
	if item.URL != nil {
		if err := checkPageURL(*item.URL); err != nil {
			return err
		}
	}

	for name, value := range map[string]*string{"published_at": item.PublishedAt, "fetched_at": item.FetchedAt} {
		if err := checkTimestamp(name, value); err != nil {
			return err
		}
	}
	return nil
}

func checkPageURL(raw string) error {
	parsed, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fieldError("url", "is not a valid URL: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fieldError("url", "must be an absolute http or https URL")
	}
	if parsed.Host == "" {
		return fieldError("url", "must include a host")
	}
	return nil
}

func checkTimestamp(name string, value *string) error {
	if value == nil {
		return nil
	}
	if _, err := time.Parse(time.RFC3339, strings.TrimSpace(*value)); err != nil {
		return fieldError(name, "must be RFC3339")
	}
	return nil
}

// ParseTime parses an optional RFC3339 field already checked by validation
// and returns it in UTC.
func ParseTime(value *string) *time.Time {
	if value == nil {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*value))
	if err != nil {
		return nil
	}
	utc := parsed.UTC()
	return &utc
}
