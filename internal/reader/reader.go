// Package reader turns HTML into the plain text canon fingerprints. Feed
// items that only carry markup go through ExtractText; the ingest command
// can also fetch a page directly.
package reader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"

	readability "codeberg.org/readeck/go-readability/v2"
)

const (
	DefaultFetchTimeout  = 12 * time.Second
	DefaultBodyByteLimit = 2 * 1024 * 1024

	defaultUserAgent = "canon-reader/1.0"
)

var (
	// ErrEmptyContent means extraction found nothing worth fingerprinting.
	ErrEmptyContent = errors.New("reader extracted empty content")
	// ErrBodyTooLarge means the page exceeded the fetcher's byte limit.
	ErrBodyTooLarge = errors.New("page body exceeds limit")
)

// Fetcher downloads pages. The zero value uses the defaults above.
type Fetcher struct {
	Timeout       time.Duration
	BodyByteLimit int64
	UserAgent     string
	Client        *http.Client
}

// Page is a fetched document reduced to text.
type Page struct {
	// URL is where the body came from after redirects.
	URL  string
	Text string
}

// FetchText retrieves pageURL with a default Fetcher and returns its text.
// title is the fallback when neither body nor excerpt yields text.
func FetchText(ctx context.Context, pageURL, title string) (string, error) {
	page, err := (&Fetcher{}).Fetch(ctx, pageURL, title)
	if err != nil {
		return "", err
	}
	return page.Text, nil
}

func (f *Fetcher) Fetch(ctx context.Context, pageURL, title string) (Page, error) {
	target := strings.TrimSpace(pageURL)
	if target == "" {
		return Page{}, fmt.Errorf("page URL is required")
	}

	timeout := f.Timeout
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	limit := f.BodyByteLimit
	if limit <= 0 {
		limit = DefaultBodyByteLimit
	}
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return Page{}, fmt.Errorf("build request: %w", err)
	}
	userAgent := strings.TrimSpace(f.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Page{}, fmt.Errorf("fetch %s: status %d", target, resp.StatusCode)
	}

	// One byte past the limit tells a full body from a truncated one.
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return Page{}, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > limit {
		return Page{}, fmt.Errorf("fetch %s: %w (%d bytes)", target, ErrBodyTooLarge, limit)
	}

	final := target
	if resp.Request != nil && resp.Request.URL != nil {
		final = resp.Request.URL.String()
	}

	var text string
	switch mediaType(resp.Header.Get("Content-Type")) {
	case "text/plain":
		text = CleanText(string(body))
		if text == "" {
			return Page{}, ErrEmptyContent
		}
	case "", "text/html", "application/xhtml+xml":
		text, err = ExtractText(body, final, title)
		if err != nil {
			return Page{}, err
		}
	default:
		return Page{}, fmt.Errorf("fetch %s: unsupported content type %q", target, resp.Header.Get("Content-Type"))
	}
	return Page{URL: final, Text: text}, nil
}

func mediaType(header string) string {
	if strings.TrimSpace(header) == "" {
		return ""
	}
	parsed, _, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(header))
	}
	return parsed
}

// ExtractText runs readability over html and returns its cleaned text,
// falling back to the excerpt and then to title. pageURL resolves relative
// links and may be empty.
func ExtractText(html []byte, pageURL, title string) (string, error) {
	base := &url.URL{}
	if trimmed := strings.TrimSpace(pageURL); trimmed != "" {
		parsed, err := url.Parse(trimmed)
		if err != nil {
			return "", fmt.Errorf("parse page url: %w", err)
		}
		base = parsed
	}

	article, err := readability.FromReader(bytes.NewReader(html), base)
	if err != nil {
		return "", fmt.Errorf("readability parse: %w", err)
	}

	var rendered bytes.Buffer
	if err := article.RenderText(&rendered); err != nil {
		return "", fmt.Errorf("render readability text: %w", err)
	}

	for _, candidate := range []string{rendered.String(), article.Excerpt(), title} {
		if text := CleanText(candidate); text != "" {
			return text, nil
		}
	}
	return "", ErrEmptyContent
}

// CleanText collapses whitespace inside each line and joins the non-empty
// lines as paragraphs separated by a blank line.
func CleanText(raw string) string {
	var b strings.Builder
	for _, line := range strings.FieldsFunc(raw, func(r rune) bool { return r == '\n' || r == '\r' }) {
		words := strings.Fields(line)
		if len(words) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.Join(words, " "))
	}
	return b.String()
}

// TruncateText clips text to at most maxChars runes including a trailing
// ellipsis. It backs up to the last word break when there is one.
func TruncateText(raw string, maxChars int) (string, bool) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", false
	}
	runes := []rune(trimmed)
	if maxChars <= 0 || len(runes) <= maxChars {
		return trimmed, false
	}
	if maxChars == 1 {
		return "…", true
	}

	kept := runes[:maxChars-1]
	if cut := lastSpace(kept); cut > 0 {
		kept = kept[:cut]
	}
	clipped := strings.TrimRightFunc(string(kept), unicode.IsSpace)
	if clipped == "" {
		return "…", true
	}
	return clipped + "…", true
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i > 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
