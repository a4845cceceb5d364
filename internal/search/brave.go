package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

const braveEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API. Needs a subscription key.
type Brave struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

// NewBrave creates a Brave provider. endpoint overrides the public
// API, mainly for tests.
func NewBrave(apiKey, endpoint string) *Brave {
	if endpoint == "" {
		endpoint = braveEndpoint
	}
	return &Brave{
		apiKey:     apiKey,
		endpoint:   endpoint,
		httpClient: httpkit.NewClient(httpkit.WithTimeout(15 * time.Second)),
	}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	count := opts.Count
	if count <= 0 {
		count = defaultCount
	}
	params := url.Values{
		"q":     {query},
		"count": {strconv.Itoa(count)},
	}
	if opts.Language != "" {
		params.Set("search_lang", opts.Language)
	}

	var br braveResponse
	headers := map[string]string{"X-Subscription-Token": b.apiKey}
	if err := fetchJSON(ctx, b.httpClient, b.endpoint+"?"+params.Encode(), headers, &br); err != nil {
		return nil, fmt.Errorf("brave: %w", err)
	}

	results := make([]Result, 0, len(br.Web.Results))
	for _, r := range br.Web.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return results, nil
}
