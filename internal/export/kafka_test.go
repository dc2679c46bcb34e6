package export

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"horse.fit/canon/internal/stages"
	"horse.fit/canon/internal/store"
)

type recordingWriter struct {
	messages []kafka.Message
	err      error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

type stubClusters struct {
	members []store.Document
}

func (s stubClusters) ListClusterMembers(context.Context, []string) ([]store.Document, error) {
	return s.members, nil
}

func exportDoc() store.Document {
	simhash := uint64(0xdeadbeef00000001)
	label := "education"
	primary := "p1"
	return store.Document{
		ID:          "p1",
		Source:      "Agency-A",
		Content:     "Beijing   education reform\nannounced today",
		Language:    "en",
		ContentHash: []byte{0xab, 0xcd},
		Simhash:     &simhash,
		PrimaryID:   &primary,
		Label:       &label,
		Status:      store.StatusReadyForExport,
		FetchedAt:   time.Date(2026, 2, 13, 14, 5, 0, 0, time.UTC),
	}
}

func TestKafkaProcessorPublishesKeyedRecord(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{}
	clusters := stubClusters{members: []store.Document{{ID: "p1"}, {ID: "d2"}, {ID: "d1"}}}
	p := NewKafkaProcessor(writer, "canon.export", clusters, zerolog.Nop())
	p.now = func() time.Time { return time.Date(2026, 2, 13, 15, 0, 0, 0, time.UTC) }

	outcome, err := p.Process(context.Background(), exportDoc())
	if err != nil {
		t.Fatalf("Process returned error: %v", err)
	}
	if len(writer.messages) != 1 {
		t.Fatalf("expected one message, got %d", len(writer.messages))
	}
	msg := writer.messages[0]
	if string(msg.Key) != "p1" {
		t.Fatalf("expected message key p1, got %q", msg.Key)
	}

	var record Record
	if err := json.Unmarshal(msg.Value, &record); err != nil {
		t.Fatalf("decode record: %v", err)
	}
	if strings.Join(record.DuplicateIDs, ",") != "d1,d2" {
		t.Fatalf("expected sorted duplicates without primary, got %v", record.DuplicateIDs)
	}
	if record.Simhash == nil || *record.Simhash != "deadbeef00000001" {
		t.Fatalf("unexpected simhash encoding: %v", record.Simhash)
	}
	if record.ContentHash != "abcd" {
		t.Fatalf("unexpected content hash: %q", record.ContentHash)
	}
	if record.Excerpt != "Beijing education reform\n\nannounced today" {
		t.Fatalf("unexpected excerpt: %q", record.Excerpt)
	}
	if outcome.Fields["duplicates"] != 2 || outcome.Fields["topic"] != "canon.export" {
		t.Fatalf("unexpected outcome fields: %#v", outcome.Fields)
	}
}

func TestKafkaProcessorWriteErrorIsRetryable(t *testing.T) {
	t.Parallel()

	writer := &recordingWriter{err: errors.New("leader not available")}
	p := NewKafkaProcessor(writer, "canon.export", nil, zerolog.Nop())

	_, err := p.Process(context.Background(), exportDoc())
	if err == nil {
		t.Fatalf("expected write error")
	}
	if stages.IsPermanent(err) {
		t.Fatalf("expected broker errors to stay retryable")
	}
}

func TestKafkaProcessorWithoutWriterIsPermanent(t *testing.T) {
	t.Parallel()

	var p *KafkaProcessor
	_, err := p.Process(context.Background(), exportDoc())
	if !stages.IsPermanent(err) {
		t.Fatalf("expected permanent error for missing writer, got %v", err)
	}
}

func TestBuildRecordWithoutSimhash(t *testing.T) {
	t.Parallel()

	doc := exportDoc()
	doc.Simhash = nil
	record := BuildRecord(doc, nil, time.Time{})
	if record.Simhash != nil {
		t.Fatalf("expected no simhash, got %v", *record.Simhash)
	}
	if record.DuplicateIDs == nil {
		t.Fatalf("expected empty duplicate list, not nil")
	}
}
