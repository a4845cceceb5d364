package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/reeveworks/reeve-agent/internal/fetch"
)

// RegisterWebFetch adds the web_fetch tool backed by f.
func RegisterWebFetch(r *Registry, f *fetch.Fetcher) error {
	return r.Register(&Tool{
		Name:        "web_fetch",
		Description: fmt.Sprintf("Fetch a web page and return its readable text as JSON. Returns up to %d characters unless max_chars says otherwise.", fetch.DefaultMaxChars),
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url": map[string]any{
					"type":        "string",
					"description": "Address of the page to fetch. https is assumed when the scheme is missing.",
				},
				"max_chars": map[string]any{
					"type":        "number",
					"description": "Cap on returned characters",
				},
			},
			"required": []string{"url"},
		},
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			rawURL, ok := args["url"].(string)
			if !ok || rawURL == "" {
				return "", fmt.Errorf("url is required")
			}
			maxChars := 0
			if mc, ok := args["max_chars"].(float64); ok {
				maxChars = int(mc)
			}
			result, err := f.Fetch(ctx, rawURL, maxChars)
			if err != nil {
				return "", err
			}
			payload, err := json.Marshal(result)
			if err != nil {
				return "", fmt.Errorf("encode result: %w", err)
			}
			return string(payload), nil
		},
	})
}
