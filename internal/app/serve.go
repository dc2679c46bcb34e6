package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"horse.fit/canon/internal/auth"
	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/httpapi"
	"horse.fit/canon/internal/ingest"
)

func runServe(args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	host := fs.String("host", "0.0.0.0", "Host interface to bind")
	port := fs.Int("port", 8090, "HTTP port")
	readTimeout := fs.Duration("read-timeout", 10*time.Second, "HTTP read timeout")
	writeTimeout := fs.Duration("write-timeout", 30*time.Second, "HTTP write timeout")
	shutdownTimeout := fs.Duration("shutdown-timeout", 10*time.Second, "Graceful shutdown timeout")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	if *port <= 0 || *port > 65535 {
		fmt.Fprintln(os.Stderr, "--port must be between 1 and 65535")
		return 2
	}

	cfg, logger, err := bootstrap(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	adminHash := strings.TrimSpace(cfg.AdminTokenHash)
	if adminHash != "" {
		if err := auth.ValidateHash(adminHash); err != nil {
			fmt.Fprintf(os.Stderr, "Invalid ADMIN_TOKEN_HASH: %v\n", err)
			return 1
		}
	} else {
		logger.Warn().Msg("ADMIN_TOKEN_HASH is empty; admin routes are disabled")
	}

	openCtx, openCancel := context.WithTimeout(context.Background(), 10*time.Second)
	rt, err := openRuntime(openCtx, cfg, logger)
	openCancel()
	if err != nil {
		logger.Error().Err(err).Msg("serve failed to open runtime")
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer rt.Close()

	ctx, cancel := signalContext(context.Background())
	defer cancel()

	srv := httpapi.NewServer(rt.service, rt.machine, ingest.NewDecoder(cfg.DetectLanguage), rt.metrics, logger, httpapi.Options{
		Host:            *host,
		Port:            *port,
		ReadTimeout:     *readTimeout,
		WriteTimeout:    *writeTimeout,
		ShutdownTimeout: *shutdownTimeout,
		AdminTokenHash:  adminHash,
	})

	if err := srv.Start(ctx); err != nil {
		logger.Error().Err(err).Str("host", *host).Int("port", *port).Msg("server failed")
		fmt.Fprintf(os.Stderr, "Server failed: %v\n", err)
		return 1
	}

	return 0
}
