package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/stages"
)

type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.messages[0]
	r.messages = r.messages[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.closed = true
	return nil
}

type fakeIngester struct {
	seen     map[string]bool
	failures int
	calls    int
}

func (f *fakeIngester) Ingest(_ context.Context, req pipeline.IngestRequest) (pipeline.IngestResult, error) {
	f.calls++
	if f.failures > 0 {
		f.failures--
		return pipeline.IngestResult{}, fmt.Errorf("connection reset")
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	inserted := !f.seen[req.ID]
	f.seen[req.ID] = true
	return pipeline.IngestResult{ID: req.ID, Inserted: inserted}, nil
}

func feedMessage(offset int64, body string) kafka.Message {
	return kafka.Message{Offset: offset, Key: []byte(fmt.Sprintf("k%d", offset)), Value: []byte(body)}
}

func fastRetry() stages.RetryPolicy {
	return stages.RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
}

func TestConsumerCommitsValidAndRejectedMessages(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		feedMessage(1, `{"payload_version":"v1","id":"a","source":"s","content":"alpha"}`),
		feedMessage(2, `not json`),
		feedMessage(3, `{"payload_version":"v1","id":"a","source":"s","content":"alpha"}`),
		feedMessage(4, `{"payload_version":"v1","id":"b","source":"s","content":"beta"}`),
	}}
	ingester := &fakeIngester{}
	consumer := NewConsumer(reader, fixedDecoder(nil), ingester, fastRetry(), zerolog.Nop())

	stats, err := consumer.Run(context.Background(), 4)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	want := ConsumeStats{Fetched: 4, Inserted: 2, Known: 1, Rejected: 1}
	if stats != want {
		t.Fatalf("unexpected stats: got %+v want %+v", stats, want)
	}
	if len(reader.committed) != 4 {
		t.Fatalf("expected every handled message to be committed, got %v", reader.committed)
	}
}

func TestConsumerRetriesTransientIngestErrors(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		feedMessage(7, `{"payload_version":"v1","id":"a","source":"s","content":"alpha"}`),
	}}
	ingester := &fakeIngester{failures: 2}
	consumer := NewConsumer(reader, fixedDecoder(nil), ingester, fastRetry(), zerolog.Nop())

	stats, err := consumer.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if stats.Inserted != 1 || ingester.calls != 3 {
		t.Fatalf("expected insert on third attempt, stats=%+v calls=%d", stats, ingester.calls)
	}
}

func TestConsumerStopsWithoutCommitWhenIngestKeepsFailing(t *testing.T) {
	t.Parallel()

	reader := &fakeReader{messages: []kafka.Message{
		feedMessage(9, `{"payload_version":"v1","id":"a","source":"s","content":"alpha"}`),
	}}
	ingester := &fakeIngester{failures: 10}
	consumer := NewConsumer(reader, fixedDecoder(nil), ingester, fastRetry(), zerolog.Nop())

	_, err := consumer.Run(context.Background(), 0)
	if err == nil {
		t.Fatalf("expected Run to fail after retries")
	}
	if len(reader.committed) != 0 {
		t.Fatalf("expected failed message to stay uncommitted, got %v", reader.committed)
	}
}

func TestConsumerReturnsCleanlyOnCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	consumer := NewConsumer(&fakeReader{}, fixedDecoder(nil), &fakeIngester{}, fastRetry(), zerolog.Nop())

	if _, err := consumer.Run(ctx, 0); err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("expected clean stop, got %v", err)
	}
}
