package app

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"horse.fit/canon/internal/bandindex"
	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/cluster"
	"horse.fit/canon/internal/config"
	"horse.fit/canon/internal/db"
	"horse.fit/canon/internal/fingerprint"
	"horse.fit/canon/internal/logging"
	"horse.fit/canon/internal/memstore"
	"horse.fit/canon/internal/metrics"
	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/stages"
	"horse.fit/canon/internal/store"
)

const (
	outputFormatTable = "table"
	outputFormatJSON  = "json"
)

// parseFlags returns -1 when the command should continue, otherwise the
// exit code to return.
func parseFlags(fs *flag.FlagSet, args []string) int {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	return -1
}

// bootstrap loads the env file, config and logger every command starts with.
func bootstrap(envLoader *cli.EnvLoader) (*config.Config, zerolog.Logger, error) {
	if envLoader != nil {
		if _, err := envLoader.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Environment, cfg.LogLevel)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, logger, nil
}

// runtime is the wired core: store, band index, state machine and passes.
type runtime struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *db.Pool
	pgStore  *db.Store
	store    store.Store
	redis    *bandindex.Redis
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	machine  *stages.Machine
	service  *pipeline.Service
}

func openRuntime(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*runtime, error) {
	pipelineFile, err := config.LoadPipeline(cfg.PipelineFile)
	if err != nil {
		return nil, err
	}
	pipelineCfg := pipelineFile.Merge(cfg)

	stagePipeline, err := buildStagePipeline(pipelineCfg)
	if err != nil {
		return nil, fmt.Errorf("build stage pipeline: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger}
	rt.registry = prometheus.NewRegistry()
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = metrics.New(rt.registry)

	switch cfg.StoreBackend {
	case config.StoreBackendMemory:
		logger.Warn().Msg("using in-memory store; documents are lost on exit")
		rt.store = memstore.New()
	default:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		rt.pool = pool
		rt.pgStore = db.NewStore(pool)
		rt.store = rt.pgStore
	}

	var index bandindex.Index
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err := bandindex.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("connect to redis band index: %w", err)
		}
		rt.redis = rdb
		index = rdb
	}

	rt.machine, err = stages.NewMachine(rt.store, stagePipeline, logger, rt.metrics)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.service = pipeline.NewService(rt.store, index, rt.machine, serviceOptions(pipelineCfg), logger, rt.metrics)

	logger.Debug().
		Str("store", cfg.StoreBackend).
		Bool("redis_index", rt.redis != nil).
		Strs("stages", stageNames(stagePipeline)).
		Strs("source_priority", pipelineCfg.SourcePriority).
		Msg("runtime ready")
	return rt, nil
}

func (r *runtime) Close() {
	if r == nil {
		return
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("close redis band index")
		}
	}
	if r.pool != nil {
		if err := r.pool.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("close database pool")
		}
	}
}

func buildStagePipeline(p config.Pipeline) (stages.Pipeline, error) {
	list := make([]stages.Stage, 0, len(p.Stages))
	for _, spec := range p.Stages {
		list = append(list, stages.Stage{
			Name:          spec.Name,
			PendingStatus: store.Status(strings.TrimSpace(spec.PendingStatus)),
			DoneStatus:    store.Status(strings.TrimSpace(spec.DoneStatus)),
			MaxFailures:   spec.MaxFailures,
		})
	}
	return stages.NewPipeline(list)
}

func serviceOptions(p config.Pipeline) pipeline.Options {
	threshold := cluster.DefaultHammingThreshold
	if p.HammingThreshold != nil {
		threshold = *p.HammingThreshold
	}
	return pipeline.Options{
		Fingerprint: fingerprint.Options{MaxTokens: p.SimhashMaxTokens},
		Builder:     cluster.NewBuilder(threshold, p.NeighborWindow),
		Priority:    cluster.NewSourcePriority(p.SourcePriority),
	}
}

func stageNames(p stages.Pipeline) []string {
	list := p.Stages()
	names := make([]string, 0, len(list))
	for _, s := range list {
		names = append(names, s.Name)
	}
	return names
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func parseOutputFormat(raw, defaultFormat string) (string, error) {
	format := strings.TrimSpace(strings.ToLower(raw))
	if format == "" {
		format = strings.TrimSpace(strings.ToLower(defaultFormat))
	}
	switch format {
	case outputFormatTable, outputFormatJSON:
		return format, nil
	default:
		return "", fmt.Errorf("--format must be table or json")
	}
}

func printJSON(value any) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}

func writeTable(headers []string, rows [][]string) error {
	writer := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	if _, err := fmt.Fprintln(writer, strings.Join(headers, "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(writer, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return writer.Flush()
}
