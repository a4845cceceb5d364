package llm

import (
	"context"
	"fmt"
)

// MultiClient fans requests out to named providers by model. Models are
// mapped to providers explicitly; anything unmapped goes to the
// fallback, which for Reeve is the local Ollama daemon.
type MultiClient struct {
	providers map[string]Client
	routes    map[string]string // model name to provider name
	fallback  Client
}

// NewMultiClient creates a router with the given fallback provider.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		providers: make(map[string]Client),
		routes:    make(map[string]string),
		fallback:  fallback,
	}
}

// AddProvider registers a client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.providers[name] = client
}

// AddModel routes a model name to a registered provider. Registration
// order does not matter; the route resolves on each request.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.routes[modelName] = providerName
}

func (m *MultiClient) route(model string) (Client, error) {
	if client, ok := m.providers[m.routes[model]]; ok {
		return client, nil
	}
	if m.fallback == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return m.fallback, nil
}

// Chat forwards the request to the provider that owns req.Model.
func (m *MultiClient) Chat(ctx context.Context, req Request) (*Result, error) {
	client, err := m.route(req.Model)
	if err != nil {
		return nil, err
	}
	return client.Chat(ctx, req)
}

// ChatStream forwards the streaming request to the provider that owns
// req.Model.
func (m *MultiClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Result, error) {
	client, err := m.route(req.Model)
	if err != nil {
		return nil, err
	}
	return client.ChatStream(ctx, req, callback)
}

// Ping probes the fallback provider, the one local deployments depend on.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return fmt.Errorf("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}
