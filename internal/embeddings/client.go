// Package embeddings generates text embeddings through an
// Ollama-compatible endpoint. Recall uses them to rerank candidate
// conversations; the rest of the system never sees a vector.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sort"
	"time"

	"github.com/reeveworks/reeve-agent/internal/httpkit"
)

// DefaultModel is used when config names no embedding model.
const DefaultModel = "nomic-embed-text"

// Client calls the embedding API of an Ollama-compatible server.
type Client struct {
	baseURL string
	model   string
	client  *http.Client
}

// Config for the embedding client.
type Config struct {
	// BaseURL of the server, e.g. "http://localhost:11434".
	BaseURL string
	// Model is the embedding model name. Empty means DefaultModel.
	Model string
	// Timeout per embedding call. Zero means 30 seconds.
	Timeout time.Duration
}

// New creates an embedding client.
func New(cfg Config) *Client {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  httpkit.NewClient(httpkit.WithTimeout(cfg.Timeout)),
	}
}

type embedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type embedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Embed returns the vector for one text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(embedRequest{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, fmt.Errorf("embedding API error %d: %s", resp.StatusCode, errBody)
	}

	var parsed embedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Embedding) == 0 {
		return nil, fmt.Errorf("embedding API returned an empty vector")
	}
	return parsed.Embedding, nil
}

// EmbedAll returns vectors for texts, in order. One failure fails the
// batch; partial vectors would silently skew any ranking built on them.
func (c *Client) EmbedAll(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := c.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		vectors[i] = v
	}
	return vectors, nil
}

// CosineSimilarity computes cosine similarity between two vectors.
// Mismatched lengths and zero vectors score 0.
func CosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float32
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (float32(math.Sqrt(float64(normA))) * float32(math.Sqrt(float64(normB))))
}

// TopK returns the indices of the k vectors most similar to query,
// best first.
func TopK(query []float32, vectors [][]float32, k int) []int {
	if k <= 0 || len(vectors) == 0 {
		return nil
	}

	indices := make([]int, len(vectors))
	scores := make([]float32, len(vectors))
	for i, v := range vectors {
		indices[i] = i
		scores[i] = CosineSimilarity(query, v)
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return scores[indices[i]] > scores[indices[j]]
	})

	if k > len(indices) {
		k = len(indices)
	}
	return indices[:k]
}
