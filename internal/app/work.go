package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/config"
	"horse.fit/canon/internal/export"
	"horse.fit/canon/internal/stages"
	"horse.fit/canon/internal/store"
)

const exportStageName = "export"

func runWork(args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	stageName := fs.String("stage", exportStageName, "Stage to work")
	batch := fs.Int("batch", 10, "Documents claimed per batch")
	concurrency := fs.Int("concurrency", 4, "Documents processed in parallel")
	ratePerSecond := fs.Float64("rate", 0, "Maximum documents per second (0 = unlimited)")
	interval := fs.Duration("interval", 5*time.Second, "Sleep between empty batches")
	once := fs.Bool("once", false, "Process one batch and exit")
	dryRun := fs.Bool("dry-run", false, "Complete documents without side effects")
	retryAttempts := fs.Int("retry-attempts", 0, "Attempts per document before recording a failure (0 = default)")
	topic := fs.String("topic", "", "Export topic (defaults to KAFKA_EXPORT_TOPIC)")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	*stageName = strings.TrimSpace(*stageName)
	if *stageName == "" {
		fmt.Fprintln(os.Stderr, "--stage is required")
		return 2
	}
	if *batch <= 0 || *batch > 500 {
		fmt.Fprintln(os.Stderr, "--batch must be between 1 and 500")
		return 2
	}
	if *concurrency <= 0 {
		fmt.Fprintln(os.Stderr, "--concurrency must be > 0")
		return 2
	}
	if *ratePerSecond < 0 {
		fmt.Fprintln(os.Stderr, "--rate must be >= 0")
		return 2
	}
	if *stageName != exportStageName && !*dryRun {
		fmt.Fprintf(os.Stderr, "stage %q has no built-in processor; run it with --dry-run or drive it over the HTTP API\n", *stageName)
		return 2
	}

	cfg, logger, err := bootstrap(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, 10*time.Second)
	rt, err := openRuntime(openCtx, cfg, logger)
	openCancel()
	if err != nil {
		logger.Error().Err(err).Msg("work failed to open runtime")
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer rt.Close()

	if _, err := rt.machine.Pipeline().Stage(*stageName); err != nil {
		fmt.Fprintf(os.Stderr, "Unknown stage %q (configured: %s)\n", *stageName, strings.Join(stageNames(rt.machine.Pipeline()), ", "))
		return 2
	}

	processor, closeProcessor, err := stageProcessor(cfg, rt, *stageName, firstNonEmpty(*topic, cfg.KafkaExportTopic), *dryRun, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid processor configuration: %v\n", err)
		return 2
	}
	defer closeProcessor()

	retry := stages.DefaultRetryPolicy()
	if *retryAttempts > 0 {
		retry.MaxAttempts = *retryAttempts
	}
	var limiter *rate.Limiter
	if *ratePerSecond > 0 {
		burst := int(*ratePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(*ratePerSecond), burst)
	}

	worker := &stages.Worker{
		Machine:     rt.machine,
		Stage:       *stageName,
		Processor:   processor,
		Retry:       retry,
		Limiter:     limiter,
		Concurrency: *concurrency,
		BatchSize:   *batch,
		Logger:      logger,
		Metrics:     rt.metrics,
	}

	if *once {
		report, err := worker.RunOnce(ctx)
		fmt.Printf("work stage=%s claimed=%d completed=%d already_handled=%d retryable=%d discarded=%d not_found=%d\n",
			*stageName, report.Claimed, report.Completed, report.AlreadyHandled, report.Retryable, report.Discarded, report.NotFound)
		if err != nil {
			logger.Error().Err(err).Str("stage", *stageName).Msg("stage batch failed")
			fmt.Fprintf(os.Stderr, "Work failed: %v\n", err)
			return 1
		}
		return 0
	}

	if err := worker.Run(ctx, *interval); err != nil {
		logger.Error().Err(err).Str("stage", *stageName).Msg("stage worker failed")
		fmt.Fprintf(os.Stderr, "Work failed: %v\n", err)
		return 1
	}
	return 0
}

// stageProcessor picks the processor for a stage. The export stage publishes
// to Kafka; every other stage only runs in dry-run mode from the CLI.
func stageProcessor(cfg *config.Config, rt *runtime, stageName, topic string, dryRun bool, logger zerolog.Logger) (stages.Processor, func(), error) {
	if dryRun {
		return dryRunProcessor(stageName, logger), func() {}, nil
	}
	if stageName != exportStageName {
		return nil, nil, fmt.Errorf("stage %q has no built-in processor", stageName)
	}

	writer, err := export.NewKafkaWriter(cfg.KafkaBrokerList(), topic)
	if err != nil {
		return nil, nil, err
	}
	processor := export.NewKafkaProcessor(writer, topic, rt.store, logger)
	return processor, func() {
		if err := processor.Close(); err != nil {
			logger.Warn().Err(err).Msg("close export writer")
		}
	}, nil
}

func dryRunProcessor(stageName string, logger zerolog.Logger) stages.Processor {
	return stages.ProcessorFunc(func(_ context.Context, doc store.Document) (store.Outcome, error) {
		logger.Debug().Str("stage", stageName).Str("document_id", doc.ID).Msg("dry run")
		return store.Outcome{Fields: map[string]any{"dry_run": true}}, nil
	})
}
