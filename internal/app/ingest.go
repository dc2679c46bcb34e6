package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"horse.fit/canon/internal/cli"
	"horse.fit/canon/internal/globaltime"
	"horse.fit/canon/internal/ingest"
	"horse.fit/canon/internal/pipeline"
	"horse.fit/canon/internal/reader"
)

func runIngest(args []string) int {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	envLoader := cli.AddEnvFlag(fs, ".env", "Path to the .env file")
	timeout := fs.Duration("timeout", 60*time.Second, "Command timeout")
	payload := fs.String("payload", "", "Feed item JSON")
	payloadFile := fs.String("payload-file", "", "Path to a file of feed items: one JSON object, a JSON array, or NDJSON (- for stdin)")
	fetchURL := fs.String("fetch", "", "Fetch this page and ingest its readable text")
	id := fs.String("id", "", "Document id for --fetch (defaults to the canonical URL)")
	source := fs.String("source", "", "Source name for --fetch")
	title := fs.String("title", "", "Fallback text for --fetch when extraction finds nothing")

	if code := parseFlags(fs, args); code >= 0 {
		return code
	}

	modes := 0
	for _, v := range []string{*payload, *payloadFile, *fetchURL} {
		if strings.TrimSpace(v) != "" {
			modes++
		}
	}
	if modes != 1 {
		fmt.Fprintln(os.Stderr, "exactly one of --payload, --payload-file or --fetch is required")
		return 2
	}
	if strings.TrimSpace(*fetchURL) != "" && strings.TrimSpace(*source) == "" {
		fmt.Fprintln(os.Stderr, "--source is required with --fetch")
		return 2
	}

	cfg, logger, err := bootstrap(envLoader)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	decoder := ingest.NewDecoder(cfg.DetectLanguage)

	var requests []pipeline.IngestRequest
	switch {
	case strings.TrimSpace(*fetchURL) != "":
		req, err := fetchRequest(ctx, decoder, *fetchURL, *id, *source, *title)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Fetch failed: %v\n", err)
			return 1
		}
		requests = append(requests, req)
	default:
		raw, err := readPayloadInput(*payload, *payloadFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
			return 2
		}
		items, err := splitPayloads(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid payload: %v\n", err)
			return 2
		}
		for i, item := range items {
			req, err := decoder.Decode(item)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Invalid payload #%d: %v\n", i+1, err)
				return 2
			}
			requests = append(requests, req)
		}
	}

	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("ingest failed to open runtime")
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		return 1
	}
	defer rt.Close()

	inserted, known := 0, 0
	for _, req := range requests {
		result, err := rt.service.Ingest(ctx, req)
		if err != nil {
			logger.Error().Err(err).Str("document_id", req.ID).Msg("ingest failed")
			fmt.Fprintf(os.Stderr, "Ingest failed for %s: %v\n", req.ID, err)
			return 1
		}
		if result.Inserted {
			inserted++
		} else {
			known++
		}
		fmt.Printf("id=%s inserted=%t\n", result.ID, result.Inserted)
	}

	logger.Info().
		Int("inserted", inserted).
		Int("known", known).
		Msg("ingest completed")
	fmt.Printf("ingest total=%d inserted=%d known=%d\n", len(requests), inserted, known)
	return 0
}

func fetchRequest(ctx context.Context, decoder *ingest.Decoder, pageURL, id, source, title string) (pipeline.IngestRequest, error) {
	canonical := ingest.CanonicalURL(pageURL)
	if canonical == "" {
		return pipeline.IngestRequest{}, fmt.Errorf("--fetch must be an absolute URL")
	}
	text, err := reader.FetchText(ctx, canonical, title)
	if err != nil {
		return pipeline.IngestRequest{}, err
	}

	docID := strings.TrimSpace(id)
	if docID == "" {
		docID = canonical
	}
	fetchedAt := globaltime.UTC().Format(time.RFC3339)
	payload, err := json.Marshal(map[string]any{
		"payload_version": "v1",
		"id":              docID,
		"source":          strings.TrimSpace(source),
		"content":         text,
		"url":             canonical,
		"fetched_at":      fetchedAt,
	})
	if err != nil {
		return pipeline.IngestRequest{}, fmt.Errorf("encode fetched item: %w", err)
	}
	return decoder.Decode(payload)
}

func readPayloadInput(inlineValue, filePath string) ([]byte, error) {
	path := strings.TrimSpace(filePath)
	switch {
	case path == "-":
		raw, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return raw, nil
	case path != "":
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file %q: %w", path, err)
		}
		return raw, nil
	default:
		return []byte(inlineValue), nil
	}
}

// splitPayloads accepts one object, an array of objects, or a stream of
// objects (NDJSON).
func splitPayloads(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("payload is empty")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, fmt.Errorf("decode payload array: %w", err)
		}
		if len(items) == 0 {
			return nil, fmt.Errorf("payload array is empty")
		}
		return items, nil
	}

	var items []json.RawMessage
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	for {
		var item json.RawMessage
		if err := dec.Decode(&item); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("decode payload #%d: %w", len(items)+1, err)
		}
		items = append(items, item)
	}
	return items, nil
}
