package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

// defaultCount is how many results a query returns when the caller
// does not say.
const defaultCount = 5

// SearXNG queries a self-hosted SearXNG instance over its JSON API.
type SearXNG struct {
	baseURL    string
	httpClient *http.Client
}

// NewSearXNG creates a SearXNG provider. baseURL is the instance root,
// e.g. "http://localhost:8888".
func NewSearXNG(baseURL string) *SearXNG {
	return &SearXNG{
		baseURL:    baseURL,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (s *SearXNG) Name() string { return "searxng" }

type searxngResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (s *SearXNG) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	params := url.Values{
		"q":      {query},
		"format": {"json"},
	}
	if opts.Language != "" {
		params.Set("language", opts.Language)
	}
	count := opts.Count
	if count <= 0 {
		count = defaultCount
	}

	var sr searxngResponse
	if err := fetchJSON(ctx, s.httpClient, s.baseURL+"/search?"+params.Encode(), nil, &sr); err != nil {
		return nil, fmt.Errorf("searxng: %w", err)
	}

	// SearXNG has no count parameter; truncate locally.
	results := make([]Result, 0, count)
	for _, r := range sr.Results {
		if len(results) == count {
			break
		}
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
	}
	return results, nil
}
