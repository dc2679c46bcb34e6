package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/db"
	"horse.fit/canon/internal/pipeline"
)

type statsOutput struct {
	pipeline.Stats
	Failures []db.StageFailureCount `json:"failures,omitempty"`
}

func runStats(args []string) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 30*time.Second, "Command timeout")
	format := fs.String("format", outputFormatTable, "Output format: table or json")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "stats does not accept positional arguments")
		return 2
	}

	outputFormat, err := parseOutputFormat(*format, outputFormatTable)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid format: %v\n", err)
		return 2
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
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer rt.Close()

	stats, err := rt.service.Stats(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to query stats: %v\n", err)
		return 1
	}
	out := statsOutput{Stats: stats}
	if rt.pgStore != nil {
		failures, err := rt.pgStore.QueryStageFailures(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to query stage failures: %v\n", err)
			return 1
		}
		out.Failures = failures
	}

	if outputFormat == outputFormatJSON {
		if err := printJSON(out); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	}

	if err := writeTable([]string{"STATUS", "DOCUMENTS"}, statusRows(out.Stats)); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write table: %v\n", err)
		return 1
	}
	fmt.Println()

	failing := make(map[string]db.StageFailureCount, len(out.Failures))
	for _, f := range out.Failures {
		failing[f.Stage] = f
	}
	rows := make([][]string, 0, len(out.Stages))
	for _, stage := range out.Stages {
		f := failing[stage.Name]
		rows = append(rows, []string{
			stage.Name,
			strconv.FormatInt(stage.Pending, 10),
			strconv.FormatInt(stage.Done, 10),
			strconv.FormatInt(f.Failing, 10),
			strconv.FormatInt(f.Discarded, 10),
		})
	}
	if err := writeTable([]string{"STAGE", "PENDING", "DONE", "FAILING", "DISCARDED"}, rows); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write table: %v\n", err)
		return 1
	}
	return 0
}

func statusRows(stats pipeline.Stats) [][]string {
	statuses := make([]string, 0, len(stats.ByStatus))
	for status := range stats.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)

	rows := make([][]string, 0, len(statuses)+1)
	for _, status := range statuses {
		rows = append(rows, []string{status, strconv.FormatInt(stats.ByStatus[status], 10)})
	}
	rows = append(rows, []string{"total", strconv.FormatInt(stats.Total, 10)})
	return rows
}
