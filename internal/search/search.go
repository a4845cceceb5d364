// Package search backs the web_search tool with pluggable providers.
// A Manager routes queries to one provider by name; the first provider
// registered becomes the default when none is named in config.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

// Result is a single search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet,omitempty"`
}

// Options tunes one query.
type Options struct {
	// Count caps results. Providers may return fewer. Zero means the
	// provider default.
	Count int
	// Language is an ISO 639-1 code, e.g. "en".
	Language string
}

// Provider is one search backend.
type Provider interface {
	Name() string
	Search(ctx context.Context, query string, opts Options) ([]Result, error)
}

// Manager holds the configured providers and routes queries.
type Manager struct {
	providers map[string]Provider
	primary   string
}

// NewManager creates a manager. primary names the default provider;
// empty means the first one registered.
func NewManager(primary string) *Manager {
	return &Manager{
		providers: make(map[string]Provider),
		primary:   primary,
	}
}

// Register adds a provider. The first registration becomes the default
// when the manager was created without one.
func (m *Manager) Register(p Provider) {
	if m.primary == "" {
		m.primary = p.Name()
	}
	m.providers[p.Name()] = p
}

// Search runs a query against the default provider.
func (m *Manager) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	return m.SearchWith(ctx, m.primary, query, opts)
}

// SearchWith runs a query against a named provider.
func (m *Manager) SearchWith(ctx context.Context, provider, query string, opts Options) ([]Result, error) {
	p, ok := m.providers[provider]
	if !ok {
		return nil, fmt.Errorf("search provider %q not configured", provider)
	}
	return p.Search(ctx, query, opts)
}

// Primary returns the default provider name.
func (m *Manager) Primary() string {
	return m.primary
}

// Providers returns the names of every registered provider.
func (m *Manager) Providers() []string {
	names := make([]string, 0, len(m.providers))
	for name := range m.providers {
		names = append(names, name)
	}
	return names
}

// Configured reports whether any provider is registered.
func (m *Manager) Configured() bool {
	return len(m.providers) > 0
}

// fetchJSON GETs a provider endpoint and decodes the JSON body into
// out. A non-200 response becomes an error carrying up to 512 bytes of
// body text.
func fetchJSON(ctx context.Context, client *http.Client, reqURL string, headers map[string]string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// FormatResults renders results as a numbered text block for the
// model.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return "No results found."
	}
	var b strings.Builder
	for i, r := range results {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "%d. %s\n   %s", i+1, r.Title, r.URL)
		if r.Snippet != "" {
			fmt.Fprintf(&b, "\n   %s", r.Snippet)
		}
	}
	return b.String()
}
