package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/ingest"
	"horse.fit/canon/internal/stages"
)

func runConsume(args []string) int {
	fs := flag.NewFlagSet("consume", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	maxMessages := fs.Int("max", 0, "Stop after this many messages (0 = run until interrupted)")
	topic := fs.String("topic", "", "Feed topic (defaults to KAFKA_FEED_TOPIC)")
	group := fs.String("group", "", "Consumer group (defaults to KAFKA_CONSUMER_GROUP)")
	retryAttempts := fs.Int("retry-attempts", 0, "Attempts per ingest before stopping (0 = default)")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if *maxMessages < 0 {
		fmt.Fprintln(os.Stderr, "--max must be >= 0")
		return 2
	}

	cfg, logger, err := bootstrap(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	readerCfg := ingest.ConsumerConfig{
		Brokers: cfg.KafkaBrokerList(),
		Topic:   firstNonEmpty(*topic, cfg.KafkaFeedTopic),
		GroupID: firstNonEmpty(*group, cfg.KafkaConsumerGroup),
	}
	kafkaReader, err := ingest.NewKafkaReader(readerCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid Kafka configuration: %v\n", err)
		return 2
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
	rt, err := openRuntime(openCtx, cfg, logger)
	openCancel()
	if err != nil {
		_ = kafkaReader.Close()
		logger.Error().Err(err).Msg("consume failed to open runtime")
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer rt.Close()

	retry := stages.DefaultRetryPolicy()
	if *retryAttempts > 0 {
		retry.MaxAttempts = *retryAttempts
	}

	consumer := ingest.NewConsumer(kafkaReader, ingest.NewDecoder(cfg.DetectLanguage), rt.service, retry, logger)
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn().Err(err).Msg("close feed reader")
		}
	}()

	logger.Info().
		Strs("brokers", readerCfg.Brokers).
		Str("topic", readerCfg.Topic).
		Str("group", readerCfg.GroupID).
		Msg("feed consumer started")

	stats, err := consumer.Run(ctx, *maxMessages)
	fmt.Printf("consume fetched=%d inserted=%d known=%d rejected=%d\n",
		stats.Fetched, stats.Inserted, stats.Known, stats.Rejected)
	if err != nil {
		logger.Error().Err(err).Msg("feed consumer stopped")
		fmt.Fprintf(os.Stderr, "Consume failed: %v\n", err)
		return 1
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
