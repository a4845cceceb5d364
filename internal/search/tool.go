package search

import (
	"context"
	"fmt"

	"github.com/reeveworks/reeve-agent/internal/tools"
)

// RegisterSearch adds the web_search tool backed by mgr.
func RegisterSearch(r *tools.Registry, mgr *Manager) error {
	return r.Register(&tools.Tool{
		Name:        "web_search",
		Description: "Search the web and return titles, URLs, and snippets. Follow up with web_fetch to read a result in full.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{
					"type":        "string",
					"description": "The search query.",
				},
				"count": map[string]any{
					"type":        "integer",
					"description": "Maximum number of results, 1-10. Default 5.",
				},
				"language": map[string]any{
					"type":        "string",
					"description": "ISO 639-1 language code for results, e.g. 'en'.",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}

			opts := Options{}
			if count, ok := args["count"].(float64); ok && count > 0 {
				opts.Count = int(count)
			}
			if lang, ok := args["language"].(string); ok {
				opts.Language = lang
			}

			results, err := mgr.Search(ctx, query, opts)
			if err != nil {
				return "", err
			}
			return FormatResults(results), nil
		},
	})
}
