// Package fetch retrieves web pages and reduces them to readable text
// for model consumption.
package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/reeveworks/reeve-agent/internal/buildinfo"
	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

const (
	// DefaultMaxChars bounds the text handed to the model when the
	// caller does not choose a limit.
	DefaultMaxChars = 50000

	defaultMaxBytes = 5 << 20
)

// Fetcher downloads pages with a timeout and a body cap.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// Option adjusts a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// WithMaxBytes caps how much of a response body is read.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) { f.maxBytes = n }
}

// NewFetcher creates a Fetcher with a 30 second timeout and a 5 MiB
// body cap.
func NewFetcher(opts ...Option) *Fetcher {
	f := &Fetcher{
		client:   httpkit.NewClient(httpkit.WithTimeout(30 * time.Second)),
		maxBytes: defaultMaxBytes,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Result is the readable remains of a fetched page.
type Result struct {
	URL         string `json:"url"`
	FinalURL    string `json:"finalUrl,omitempty"`
	Title       string `json:"title,omitempty"`
	Text        string `json:"text"`
	ContentType string `json:"contentType"`
	StatusCode  int    `json:"statusCode"`
	Truncated   bool   `json:"truncated"`
	Chars       int    `json:"chars"`
}

// Fetch downloads rawURL and extracts its text. maxChars caps the
// returned text in runes; zero or negative means DefaultMaxChars. A
// scheme-less URL is fetched over https. Result.Chars reports the
// length before any truncation.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, maxChars int) (*Result, error) {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	if !strings.Contains(rawURL, "://") {
		rawURL = "https://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en;q=0.9, *;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", u.Host, err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d fetching %s", resp.StatusCode, u.Host)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	bodyClipped := int64(len(body)) > f.maxBytes
	if bodyClipped {
		body = body[:f.maxBytes]
	}

	contentType := resp.Header.Get("Content-Type")
	mediaType := contentType
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		mediaType = mt
	}

	result := &Result{
		URL:         rawURL,
		ContentType: mediaType,
		StatusCode:  resp.StatusCode,
		Truncated:   bodyClipped,
	}
	if resp.Request != nil && resp.Request.URL != nil {
		if final := resp.Request.URL.String(); final != rawURL {
			result.FinalURL = final
		}
	}

	switch {
	case isHTML(mediaType, body):
		result.Title, result.Text = extract(body)
	case isTextual(mediaType) && utf8.Valid(body):
		result.Text = strings.TrimSpace(string(body))
	default:
		return nil, fmt.Errorf("content type %q is not readable text", mediaType)
	}

	result.Chars = utf8.RuneCountInString(result.Text)
	if result.Chars > maxChars {
		result.Text = clipRunes(result.Text, maxChars)
		result.Truncated = true
	}
	return result, nil
}

func isHTML(mediaType string, body []byte) bool {
	if mediaType == "text/html" || mediaType == "application/xhtml+xml" {
		return true
	}
	return strings.HasPrefix(http.DetectContentType(body), "text/html")
}

func isTextual(mediaType string) bool {
	if strings.HasPrefix(mediaType, "text/") {
		return true
	}
	switch mediaType {
	case "application/json", "application/xml", "application/javascript":
		return true
	}
	return strings.HasSuffix(mediaType, "+json") || strings.HasSuffix(mediaType, "+xml")
}

// clipRunes cuts s to at most n runes without splitting a codepoint.
func clipRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
