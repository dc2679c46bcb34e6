package app

import (
	"fmt"
	"os"
	"strings"
)

// Run executes the CLI command and returns a process exit code.
func Run(args []string) int {
	if len(args) == 0 {
		printUsage()
		return 2
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "--help", "-h":
		printUsage()
		return 0
	case "health":
		return runHealth(args[1:])
	case "ingest":
		return runIngest(args[1:])
	case "validate":
		return runValidate(args[1:])
	case "consume":
		return runConsume(args[1:])
	case "hash":
		return runHash(args[1:])
	case "cluster":
		return runCluster(args[1:])
	case "process", "run-once":
		return runProcess(args[1:])
	case "work":
		return runWork(args[1:])
	case "reset":
		return runReset(args[1:])
	case "release-stale":
		return runReleaseStale(args[1:])
	case "stats":
		return runStats(args[1:])
	case "serve":
		return runServe(args[1:])
	case "hash-token":
		return runHashToken(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", args[0])
		printUsage()
		return 2
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "canon CLI")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  canon <command> [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  health         Verify store and band index connectivity")
	fmt.Fprintln(os.Stderr, "  ingest         Insert feed items from JSON or a fetched page")
	fmt.Fprintln(os.Stderr, "  validate       Validate feed item JSON files against the v1 schema")
	fmt.Fprintln(os.Stderr, "  consume        Ingest feed items from the Kafka feed topic")
	fmt.Fprintln(os.Stderr, "  hash           Fingerprint pending_hash documents")
	fmt.Fprintln(os.Stderr, "  cluster        Cluster hashed documents and elect primaries (--full reclusters)")
	fmt.Fprintln(os.Stderr, "  process        Run hash + cluster in sequence")
	fmt.Fprintln(os.Stderr, "  run-once       Alias for process")
	fmt.Fprintln(os.Stderr, "  work           Run a stage worker (export publishes to Kafka)")
	fmt.Fprintln(os.Stderr, "  reset          Put primaries back into a stage's pending status")
	fmt.Fprintln(os.Stderr, "  release-stale  Drop claims older than a duration")
	fmt.Fprintln(os.Stderr, "  stats          Show document counts per status and stage")
	fmt.Fprintln(os.Stderr, "  serve          Start the HTTP API server")
	fmt.Fprintln(os.Stderr, "  hash-token     Print a bcrypt hash for ADMIN_TOKEN_HASH")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Use \"canon <command> -h\" for command-specific flags.")
}
