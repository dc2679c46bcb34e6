// Package export publishes finished primaries to the downstream topic. It is
// the processor behind the export stage.
package export

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"horse.fit/canon/internal/globaltime"
	"horse.fit/canon/internal/reader"
	"horse.fit/canon/internal/stages"
	"horse.fit/canon/internal/store"
)

const excerptChars = 280

// MessageWriter is the subset of *kafka.Writer the processor needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ClusterLister resolves the duplicates folded into a primary.
type ClusterLister interface {
	ListClusterMembers(ctx context.Context, primaryIDs []string) ([]store.Document, error)
}

// NewKafkaWriter builds a synchronous writer that keys messages by document
// id so a document always lands on the same partition.
func NewKafkaWriter(brokers []string, topic string) (*kafka.Writer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka export topic is required")
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		MaxAttempts:  3,
		RequiredAcks: kafka.RequireAll,
		Async:        false,
	}, nil
}

// Record is the exported representation of a primary document.
type Record struct {
	ID           string     `json:"id"`
	Source       string     `json:"source"`
	Language     string     `json:"language"`
	URL          *string    `json:"url,omitempty"`
	Content      string     `json:"content"`
	Excerpt      string     `json:"excerpt"`
	ContentHash  string     `json:"content_hash"`
	Simhash      *string    `json:"simhash,omitempty"`
	Label        *string    `json:"label,omitempty"`
	Score        *float64   `json:"score,omitempty"`
	DuplicateIDs []string   `json:"duplicate_ids"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	FetchedAt    time.Time  `json:"fetched_at"`
	ExportedAt   time.Time  `json:"exported_at"`
}

// KafkaProcessor writes one message per claimed document. Delivery is at
// least once: a completion lost after a successful write republishes the
// same key on the next claim.
type KafkaProcessor struct {
	writer   MessageWriter
	topic    string
	clusters ClusterLister
	logger   zerolog.Logger
	now      func() time.Time
}

var _ stages.Processor = (*KafkaProcessor)(nil)

// NewKafkaProcessor wires a writer; clusters may be nil, in which case
// duplicate ids are omitted.
func NewKafkaProcessor(w MessageWriter, topic string, clusters ClusterLister, logger zerolog.Logger) *KafkaProcessor {
	return &KafkaProcessor{
		writer:   w,
		topic:    topic,
		clusters: clusters,
		logger:   logger.With().Str("component", "export").Str("topic", topic).Logger(),
		now:      globaltime.UTC,
	}
}

func (p *KafkaProcessor) Process(ctx context.Context, doc store.Document) (store.Outcome, error) {
	if p == nil || p.writer == nil {
		return store.Outcome{}, stages.Permanent(fmt.Errorf("export writer is not configured"))
	}

	duplicates, err := p.duplicateIDs(ctx, doc.ID)
	if err != nil {
		return store.Outcome{}, err
	}

	exportedAt := p.now()
	record := BuildRecord(doc, duplicates, exportedAt)
	value, err := json.Marshal(record)
	if err != nil {
		return store.Outcome{}, stages.Permanent(fmt.Errorf("marshal export record %s: %w", doc.ID, err))
	}

	msg := kafka.Message{
		Key:   []byte(doc.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "source", Value: []byte(doc.Source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("document_id", doc.ID).Msg("failed to publish export record")
		return store.Outcome{}, fmt.Errorf("publish export record %s: %w", doc.ID, err)
	}
	p.logger.Debug().
		Str("document_id", doc.ID).
		Int("duplicates", len(duplicates)).
		Int("value_size", len(value)).
		Msg("export record published")

	return store.Outcome{
		Fields: map[string]any{
			"topic":       p.topic,
			"duplicates":  len(duplicates),
			"exported_at": exportedAt.Format(time.RFC3339Nano),
		},
	}, nil
}

func (p *KafkaProcessor) duplicateIDs(ctx context.Context, primaryID string) ([]string, error) {
	if p.clusters == nil {
		return []string{}, nil
	}
	members, err := p.clusters.ListClusterMembers(ctx, []string{primaryID})
	if err != nil {
		return nil, fmt.Errorf("list cluster of %s: %w", primaryID, err)
	}
	ids := make([]string, 0, len(members))
	for _, member := range members {
		if member.ID == primaryID {
			continue
		}
		ids = append(ids, member.ID)
	}
	sort.Strings(ids)
	return ids, nil
}

func BuildRecord(doc store.Document, duplicates []string, exportedAt time.Time) Record {
	excerpt, _ := reader.TruncateText(reader.CleanText(doc.Content), excerptChars)
	if duplicates == nil {
		duplicates = []string{}
	}
	record := Record{
		ID:           doc.ID,
		Source:       doc.Source,
		Language:     doc.Language,
		URL:          doc.URL,
		Content:      doc.Content,
		Excerpt:      excerpt,
		ContentHash:  hex.EncodeToString(doc.ContentHash),
		Label:        doc.Label,
		Score:        doc.Score,
		DuplicateIDs: duplicates,
		PublishedAt:  doc.PublishedAt,
		FetchedAt:    doc.FetchedAt,
		ExportedAt:   exportedAt,
	}
	if doc.Simhash != nil {
		encoded := fmt.Sprintf("%016x", *doc.Simhash)
		record.Simhash = &encoded
	}
	return record
}

func (p *KafkaProcessor) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
