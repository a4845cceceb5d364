// Package config handles Reeve configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "reeve", "config.yaml"))
	}

	paths = append(paths, "/etc/reeve/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Reeve configuration.
type Config struct {
	Listen      ListenConfig     `yaml:"listen"`
	Store       StoreConfig      `yaml:"store"`
	Models      ModelsConfig     `yaml:"models"`
	OpenRouter  OpenRouterConfig `yaml:"openrouter"`
	Embeddings  EmbeddingsConfig `yaml:"embeddings"`
	Agent       AgentConfig      `yaml:"agent"`
	Ledger      LedgerConfig     `yaml:"ledger"`
	Recall      RecallConfig     `yaml:"recall"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
	Search      SearchConfig     `yaml:"search"`
	DataDir     string           `yaml:"data_dir"`
	PersonaFile string           `yaml:"persona_file"`
	Timezone    string           `yaml:"timezone"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
	// Auth is "token" (bearer tokens minted with `reeve pair`, the
	// default) or "none" (every request runs as the local principal).
	Auth string `yaml:"auth"`
}

// StoreConfig selects the conversation/task store backend.
type StoreConfig struct {
	// Backend is one of "sqlite" (default, embedded), "redis", or
	// "memory" (volatile, for development).
	Backend string `yaml:"backend"`
	// Path is the SQLite database file. Defaults to <data_dir>/reeve.db.
	Path string `yaml:"path"`
	// RedisAddr is the host:port of the Redis server.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// OpenRouterConfig defines OpenRouter API settings.
type OpenRouterConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"baseurl"` // Defaults to https://openrouter.ai/api/v1
}

// EmbeddingsConfig defines embedding generation settings for recall
// reranking.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL (defaults to models.ollama_url)
}

// ModelsConfig defines model selection settings.
type ModelsConfig struct {
	Default   string        `yaml:"default"`
	OllamaURL string        `yaml:"ollama_url"`
	Available []ModelConfig `yaml:"available"`
}

// ModelConfig defines a single model's capabilities.
type ModelConfig struct {
	Name          string `yaml:"name"`
	Provider      string `yaml:"provider"` // ollama, openrouter
	SupportsTools bool   `yaml:"supports_tools"`
	ContextWindow int    `yaml:"context_window"`
	Speed         int    `yaml:"speed"`   // 1-10
	Quality       int    `yaml:"quality"` // 1-10
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	// MaxIterations caps decision rounds per turn (default 10).
	// Deployments have run anywhere from 5 to 20.
	MaxIterations int `yaml:"max_iterations"`
	// MaxParallelTools caps tool calls accepted per round (default 4).
	MaxParallelTools int `yaml:"max_parallel_tools"`
	// CallTimeoutSec is the hard per-call model timeout (default 120).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// LedgerConfig tunes conversation persistence.
type LedgerConfig struct {
	// IdleCloseSec closes conversations untouched this long (default 1800).
	IdleCloseSec int `yaml:"idle_close_sec"`
	// SweepIntervalSec is how often the idle sweep runs (default 300).
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
	// SummaryModel overrides the default model for close-time summaries.
	SummaryModel string `yaml:"summary_model"`
}

// RecallConfig tunes the prior-conversation recall phase.
type RecallConfig struct {
	Enabled    bool `yaml:"enabled"`
	MaxResults int  `yaml:"max_results"` // default 3
}

// MQTTConfig defines the optional MQTT event mirror.
type MQTTConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Broker     string `yaml:"broker"` // e.g. mqtt://host:1883 or mqtts://host:8883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // default "reeve"
}

// SearchConfig wires the web_search tool. A provider is enabled by
// filling in its section; with both set, Default picks.
type SearchConfig struct {
	// Default is "searxng" or "brave". Empty means the first
	// configured provider.
	Default string        `yaml:"default"`
	SearXNG SearXNGConfig `yaml:"searxng"`
	Brave   BraveConfig   `yaml:"brave"`
}

// Configured reports whether any search provider is set up.
func (c SearchConfig) Configured() bool {
	return c.SearXNG.Configured() || c.Brave.Configured()
}

// SearXNGConfig points at a self-hosted SearXNG instance.
type SearXNGConfig struct {
	URL string `yaml:"url"`
}

// Configured reports whether a SearXNG URL is set.
func (c SearXNGConfig) Configured() bool { return c.URL != "" }

// BraveConfig holds the Brave Search API subscription.
type BraveConfig struct {
	APIKey string `yaml:"api_key"`
}

// Configured reports whether a Brave API key is set.
func (c BraveConfig) Configured() bool { return c.APIKey != "" }

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values that would fail at first use.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "", "sqlite", "redis", "memory":
	default:
		return fmt.Errorf("unknown store backend %q (valid: sqlite, redis, memory)", c.Store.Backend)
	}
	switch c.Listen.Auth {
	case "", "token", "none":
	default:
		return fmt.Errorf("unknown listen auth mode %q (valid: token, none)", c.Listen.Auth)
	}
	if c.Store.Backend == "redis" && c.Store.RedisAddr == "" {
		return fmt.Errorf("store.redis_addr is required when store.backend is redis")
	}
	switch c.Search.Default {
	case "":
	case "searxng":
		if !c.Search.SearXNG.Configured() {
			return fmt.Errorf("search.default is searxng but search.searxng.url is empty")
		}
	case "brave":
		if !c.Search.Brave.Configured() {
			return fmt.Errorf("search.default is brave but search.brave.api_key is empty")
		}
	default:
		return fmt.Errorf("unknown search default %q (valid: searxng, brave)", c.Search.Default)
	}
	if c.Agent.MaxIterations < 0 {
		return fmt.Errorf("agent.max_iterations must not be negative")
	}
	return nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen: ListenConfig{Port: 8080, Auth: "token"},
		Store:  StoreConfig{Backend: "sqlite"},
		Models: ModelsConfig{
			Default:   "qwen3:4b",
			OllamaURL: "http://localhost:11434",
			Available: []ModelConfig{
				{
					Name:          "qwen3:4b",
					Provider:      "ollama",
					SupportsTools: true,
					ContextWindow: 4096,
					Speed:         9,
					Quality:       5,
				},
			},
		},
		Agent: AgentConfig{
			MaxIterations:    10,
			MaxParallelTools: 4,
			CallTimeoutSec:   120,
		},
		Ledger: LedgerConfig{
			IdleCloseSec:     1800,
			SweepIntervalSec: 300,
		},
		Recall: RecallConfig{MaxResults: 3},
		MQTT:   MQTTConfig{DeviceName: "reeve"},
	}
}
