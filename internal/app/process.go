package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/pipeline"
)

func runHash(args []string) int {
	fs := flag.NewFlagSet("hash", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 5*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Maximum pending_hash documents to fingerprint")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}

	return withRuntime(envLoader, *timeout, "hash", func(ctx context.Context, rt *runtime) error {
		result, err := rt.service.HashPending(ctx, *limit)
		if err != nil {
			return err
		}
		fmt.Printf("hash processed=%d hashed=%d without_simhash=%d\n",
			result.Processed, result.Hashed, result.WithoutSimhash)
		return nil
	})
}

func runCluster(args []string) int {
	fs := flag.NewFlagSet("cluster", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	limit := fs.Int("limit", 500, "Maximum hashed documents per incremental pass")
	full := fs.Bool("full", false, "Recluster every clustered document")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if !*full && *limit <= 0 {
		fmt.Fprintln(os.Stderr, "--limit must be > 0")
		return 2
	}

	return withRuntime(envLoader, *timeout, "cluster", func(ctx context.Context, rt *runtime) error {
		var (
			result pipeline.ClusterResult
			err    error
		)
		mode := "incremental"
		if *full {
			mode = "full"
			result, err = rt.service.Recluster(ctx)
		} else {
			result, err = rt.service.ClusterPending(ctx, *limit)
		}
		if err != nil {
			return err
		}
		printClusterResult(mode, result)
		return nil
	})
}

func runProcess(args []string) int {
	fs := flag.NewFlagSet("process", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 10*time.Minute, "Command timeout")
	hashLimit := fs.Int("hash-limit", 500, "Maximum pending_hash documents to fingerprint")
	clusterLimit := fs.Int("cluster-limit", 500, "Maximum hashed documents to cluster")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if *hashLimit <= 0 || *clusterLimit <= 0 {
		fmt.Fprintln(os.Stderr, "--hash-limit and --cluster-limit must be > 0")
		return 2
	}

	return withRuntime(envLoader, *timeout, "process", func(ctx context.Context, rt *runtime) error {
		result, err := rt.service.Process(ctx, pipeline.ProcessOptions{
			HashLimit:    *hashLimit,
			ClusterLimit: *clusterLimit,
		})
		fmt.Printf("hash processed=%d hashed=%d without_simhash=%d\n",
			result.Hash.Processed, result.Hash.Hashed, result.Hash.WithoutSimhash)
		if err != nil {
			return err
		}
		printClusterResult("incremental", result.Cluster)
		return nil
	})
}

func printClusterResult(mode string, r pipeline.ClusterResult) {
	fmt.Printf("cluster mode=%s processed=%d members=%d clusters=%d primaries=%d duplicates=%d changed=%d admitted=%d\n",
		mode, r.Processed, r.Members, r.Clusters, r.Primaries, r.Duplicates, r.Changed, r.Admitted)
}

// withRuntime runs fn against an opened runtime and maps the outcome to an
// exit code.
func withRuntime(envLoader *cli.EnvLoader, timeout time.Duration, command string, fn func(ctx context.Context, rt *runtime) error) int {
	cfg, logger, err := bootstrap(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := signalContext(context.Background())
	defer cancel()
	ctx, timeoutCancel := context.WithTimeout(ctx, timeout)
	defer timeoutCancel()

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Str("command", command).Msg("failed to open runtime")
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer rt.Close()

	if err := fn(ctx, rt); err != nil {
		logger.Error().Err(err).Str("command", command).Msg("command failed")
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", command, err)
		return 1
	}
	return 0
}
