package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/config"
)

func runHealth(args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Second, "Connectivity check timeout")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	cfg, logger, err := bootstrap(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("health check failed")
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer rt.Close()

	if rt.pool != nil {
		if err := rt.pool.Ping(ctx); err != nil {
			logger.Error().Err(err).Msg("database ping failed")
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			return 1
		}
		fmt.Println("ok: database ping successful")
	}
	if rt.redis != nil {
		if err := rt.redis.Ping(ctx); err != nil {
			logger.Error().Err(err).Msg("redis ping failed")
			fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
			return 1
		}
		fmt.Println("ok: redis band index ping successful")
	}
	if cfg.StoreBackend == config.StoreBackendMemory {
		fmt.Println("ok: in-memory store")
	}

	logger.Info().
		Dur("timeout", *timeout).
		Str("store", cfg.StoreBackend).
		Msg("health check passed")
	return 0
}
