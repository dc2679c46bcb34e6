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
)

func runReset(args []string) int {
	fs := flag.NewFlagSet("reset", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	stageName := fs.String("stage", "", "Stage whose pending status the documents return to")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if strings.TrimSpace(*stageName) == "" {
		fmt.Fprintln(os.Stderr, "--stage is required")
		return 2
	}
	ids := fs.Args()
	if len(ids) == 0 {
		fmt.Fprintln(os.Stderr, "reset requires at least one document id")
		return 2
	}

	return withRuntime(envLoader, *timeout, "reset", func(ctx context.Context, rt *runtime) error {
		n, err := rt.machine.ResetToPending(ctx, ids, strings.TrimSpace(*stageName))
		if err != nil {
			return err
		}
		fmt.Printf("reset stage=%s requested=%d reset=%d\n", strings.TrimSpace(*stageName), len(ids), n)
		return nil
	})
}

func runReleaseStale(args []string) int {
	fs := flag.NewFlagSet("release-stale", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	stageName := fs.String("stage", "", "Stage whose claims are released")
	olderThan := fs.Duration("older-than", 15*time.Minute, "Release claims older than this")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if strings.TrimSpace(*stageName) == "" {
		fmt.Fprintln(os.Stderr, "--stage is required")
		return 2
	}
	if *olderThan <= 0 {
		fmt.Fprintln(os.Stderr, "--older-than must be positive")
		return 2
	}

	return withRuntime(envLoader, *timeout, "release-stale", func(ctx context.Context, rt *runtime) error {
		n, err := rt.machine.ReleaseStale(ctx, strings.TrimSpace(*stageName), *olderThan)
		if err != nil {
			return err
		}
		fmt.Printf("release-stale stage=%s older_than=%s released=%d\n", strings.TrimSpace(*stageName), olderThan.String(), n)
		return nil
	})
}

func runHashToken(args []string) int {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	token := fs.String("token", "", "Admin token to hash")
	generate := fs.Bool("generate", false, "Generate a random token and print it with its hash")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	value := strings.TrimSpace(*token)
	switch {
	case *generate && value != "":
		fmt.Fprintln(os.Stderr, "use either --token or --generate")
		return 2
	case *generate:
		generated, err := auth.GenerateToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to generate token: %v\n", err)
			return 1
		}
		value = generated
	case value == "":
		fmt.Fprintln(os.Stderr, "--token or --generate is required")
		return 2
	}

	hash, err := auth.HashToken(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to hash token: %v\n", err)
		return 2
	}
	if *generate {
		fmt.Printf("token=%s\n", value)
	}
	fmt.Printf("ADMIN_TOKEN_HASH=%s\n", hash)
	return 0
}
