package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFindConfig_Explicit(t *testing.T) {
	// Create a temp config file
	dir := t.TempDir()
	path := filepath.Join(dir, "test.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 9999\n"), 0600)

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_SearchPath(t *testing.T) {
	// When no config exists anywhere, should error
	// (Save and restore CWD to avoid finding the repo's config.yaml)
	dir := t.TempDir()
	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	_, err := FindConfig("")
	if err == nil {
		t.Fatal("FindConfig(\"\") with no config files should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("listen:\n  port: 8080\n"), 0600)

	orig, _ := os.Getwd()
	os.Chdir(dir)
	defer os.Chdir(orig)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("mqtt:\n  password: ${REEVE_TEST_SECRET}\n"), 0600)
	os.Setenv("REEVE_TEST_SECRET", "secret123")
	defer os.Unsetenv("REEVE_TEST_SECRET")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.MQTT.Password != "secret123" {
		t.Errorf("password = %q, want %q", cfg.MQTT.Password, "secret123")
	}
}

func TestLoad_InlineSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("openrouter:\n  api_key: sk-or-test-key\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.OpenRouter.APIKey != "sk-or-test-key" {
		t.Errorf("api_key = %q, want %q", cfg.OpenRouter.APIKey, "sk-or-test-key")
	}
}

func TestLoad_DefaultsSurvivePartialConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	os.WriteFile(path, []byte("log_level: debug\n"), 0600)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("Agent.MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if cfg.Ledger.IdleCloseSec != 1800 {
		t.Errorf("Ledger.IdleCloseSec = %d, want 1800", cfg.Ledger.IdleCloseSec)
	}
}

func TestValidate_BadBackend(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "cassandra"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should reject unknown store backend")
	}
}

func TestValidate_RedisNeedsAddr(t *testing.T) {
	cfg := Default()
	cfg.Store.Backend = "redis"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate should require redis_addr for redis backend")
	}
	cfg.Store.RedisAddr = "localhost:6379"
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate with redis_addr set: %v", err)
	}
}

func TestValidate_SearchDefault(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"unset is fine", func(c *Config) {}, false},
		{"searxng without url", func(c *Config) { c.Search.Default = "searxng" }, true},
		{"searxng with url", func(c *Config) {
			c.Search.Default = "searxng"
			c.Search.SearXNG.URL = "http://localhost:8888"
		}, false},
		{"brave without key", func(c *Config) { c.Search.Default = "brave" }, true},
		{"brave with key", func(c *Config) {
			c.Search.Default = "brave"
			c.Search.Brave.APIKey = "k"
		}, false},
		{"unknown provider", func(c *Config) { c.Search.Default = "altavista" }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Error("Validate should have failed")
			}
			if !tc.wantErr && err != nil {
				t.Errorf("Validate error: %v", err)
			}
		})
	}
}

func TestSearchConfigured(t *testing.T) {
	cfg := Default()
	if cfg.Search.Configured() {
		t.Error("empty search config reports configured")
	}
	cfg.Search.SearXNG.URL = "http://localhost:8888"
	if !cfg.Search.Configured() {
		t.Error("searxng url set but Configured() is false")
	}
}
