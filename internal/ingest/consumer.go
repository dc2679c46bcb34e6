package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/stages"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester stores decoded documents.
type Ingester interface {
	Ingest(ctx context.Context, req pipeline.IngestRequest) (pipeline.IngestResult, error)
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// NewKafkaReader builds a consumer-group reader for the feed topic.
func NewKafkaReader(cfg ConsumerConfig) (*kafka.Reader, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers are required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka feed topic is required")
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1e3,
		MaxBytes:       10e6,
		MaxWait:        time.Second,
		StartOffset:    kafka.FirstOffset,
		CommitInterval: 0,
	}), nil
}

type ConsumeStats struct {
	Fetched  int `json:"fetched"`
	Inserted int `json:"inserted"`
	Known    int `json:"known"`
	Rejected int `json:"rejected"`
}

// Consumer feeds messages from a topic into the ingest path. Invalid payloads
// are committed and skipped; store failures are retried and then stop the
// loop so the uncommitted message is redelivered.
type Consumer struct {
	reader   MessageReader
	decoder  *Decoder
	ingester Ingester
	retry    stages.RetryPolicy
	logger   zerolog.Logger
}

func NewConsumer(r MessageReader, decoder *Decoder, ingester Ingester, retry stages.RetryPolicy, logger zerolog.Logger) *Consumer {
	if decoder == nil {
		decoder = NewDecoder(false)
	}
	return &Consumer{
		reader:   r,
		decoder:  decoder,
		ingester: ingester,
		retry:    retry,
		logger:   logger.With().Str("component", "feed-consumer").Logger(),
	}
}

// Run consumes until ctx is cancelled or max messages were handled (max <= 0
// means no limit).
func (c *Consumer) Run(ctx context.Context, max int) (ConsumeStats, error) {
	var stats ConsumeStats
	if c == nil || c.reader == nil || c.ingester == nil {
		return stats, fmt.Errorf("feed consumer is not initialized")
	}

	c.logger.Info().Msg("consumer started")
	for max <= 0 || stats.Fetched < max {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Err(ctx.Err()).Msg("consumer stopping")
				return stats, nil
			}
			return stats, fmt.Errorf("fetch message: %w", err)
		}
		stats.Fetched++

		inserted, err := c.handle(ctx, msg)
		switch {
		case errors.Is(err, ErrInvalidPayload):
			stats.Rejected++
			c.logger.Warn().
				Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Str("key", string(msg.Key)).
				Msg("rejected feed payload")
		case err != nil:
			return stats, fmt.Errorf("ingest message at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		case inserted:
			stats.Inserted++
		default:
			stats.Known++
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, fmt.Errorf("commit message at partition %d offset %d: %w", msg.Partition, msg.Offset, err)
		}
	}
	return stats, nil
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) (bool, error) {
	req, err := c.decoder.Decode(msg.Value)
	if err != nil {
		return false, err
	}

	var result pipeline.IngestResult
	err = c.retry.Do(ctx, c.logger, "ingest "+req.ID, func(ctx context.Context) error {
		var ingestErr error
		result, ingestErr = c.ingester.Ingest(ctx, req)
		if errors.Is(ingestErr, pipeline.ErrInvalidDocument) {
			return stages.Permanent(fmt.Errorf("%w: %v", ErrInvalidPayload, ingestErr))
		}
		return ingestErr
	})
	if err != nil {
		return false, err
	}
	c.logger.Debug().
		Str("document_id", result.ID).
		Bool("inserted", result.Inserted).
		Msg("ingested feed item")
	return result.Inserted, nil
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}
