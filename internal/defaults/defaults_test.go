package defaults

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reeveworks/reeve-agent/internal/config"
)

func TestEmbeddedConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, ConfigYAML, 0o644); err != nil {
		t.Fatalf("WriteFile() error: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Listen.Port != 8080 {
		t.Errorf("Listen.Port = %d, want 8080", cfg.Listen.Port)
	}
	if cfg.Listen.Auth != "token" {
		t.Errorf("Listen.Auth = %q, want token", cfg.Listen.Auth)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Errorf("Store.Backend = %q, want sqlite", cfg.Store.Backend)
	}
	if cfg.Models.Default == "" {
		t.Error("Models.Default is empty")
	}
	if len(cfg.Models.Available) < 2 {
		t.Errorf("len(Models.Available) = %d, want at least 2", len(cfg.Models.Available))
	}
	if cfg.Agent.MaxIterations != 10 {
		t.Errorf("Agent.MaxIterations = %d, want 10", cfg.Agent.MaxIterations)
	}
	if !cfg.Recall.Enabled {
		t.Error("Recall.Enabled = false, want true in the example")
	}
}

func TestEmbeddedPersona(t *testing.T) {
	text := string(PersonaMD)
	if !strings.HasPrefix(text, "# Reeve") {
		t.Errorf("persona does not start with the # Reeve heading: %q", text[:min(40, len(text))])
	}
	for _, want := range []string{"## How to respond", "## Using tools", "## Honesty"} {
		if !strings.Contains(text, want) {
			t.Errorf("persona missing section %q", want)
		}
	}
}
