package prompts

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMetadataPrompt(t *testing.T) {
	result := MetadataPrompt("user: what's the weather in Vienna\nassistant: 21 degrees and clear")

	if !strings.Contains(result, "what's the weather in Vienna") {
		t.Error("prompt should contain transcript")
	}
	for _, field := range []string{"summary", "tags", "keywords", "places", "explicit", "forbidden"} {
		if !strings.Contains(result, field) {
			t.Errorf("prompt should mention %s field", field)
		}
	}
}

func TestAvailabilityNote(t *testing.T) {
	note := AvailabilityNote([]string{"clock_now", "weather_now"})
	if !strings.Contains(note, "clock_now, weather_now") {
		t.Errorf("note = %q, want tool list", note)
	}

	empty := AvailabilityNote(nil)
	if !strings.Contains(empty, "No tools") {
		t.Errorf("empty note = %q", empty)
	}
}

func TestHarnessNotices(t *testing.T) {
	if got := ToolBudgetNotice(10); !strings.Contains(got, "10") {
		t.Errorf("ToolBudgetNotice = %q, want round limit", got)
	}
	if got := ToolFailureStreakNotice("web_fetch", 5); !strings.Contains(got, "web_fetch") || !strings.Contains(got, "5") {
		t.Errorf("ToolFailureStreakNotice = %q", got)
	}
	if got := RepeatedToolCallNotice("weather_now"); !strings.Contains(got, "weather_now") {
		t.Errorf("RepeatedToolCallNotice = %q", got)
	}
}

func TestLoadPersonaDefault(t *testing.T) {
	p, err := LoadPersona("", testLogger())
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	if p.System() != BasePersona() {
		t.Error("empty path did not fall back to built-in persona")
	}
	if err := p.Watch(); err != nil {
		t.Errorf("Watch without a file = %v", err)
	}
	p.Close()
}

func TestLoadPersonaFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("You are Testbot.\n"), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	p, err := LoadPersona(path, testLogger())
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	if p.System() != "You are Testbot." {
		t.Errorf("System() = %q", p.System())
	}

	if _, err := LoadPersona(filepath.Join(t.TempDir(), "missing.md"), testLogger()); err == nil {
		t.Error("LoadPersona with missing file succeeded")
	}
}

func TestPersonaHotReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("first identity"), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	p, err := LoadPersona(path, testLogger())
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	if err := p.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer p.Close()

	if err := os.WriteFile(path, []byte("second identity"), 0o644); err != nil {
		t.Fatalf("rewrite persona: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if p.System() == "second identity" {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("System() = %q, want reload to %q", p.System(), "second identity")
}

func TestPersonaReloadKeepsTextOnEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "persona.md")
	if err := os.WriteFile(path, []byte("stable identity"), 0o644); err != nil {
		t.Fatalf("write persona: %v", err)
	}

	p, err := LoadPersona(path, testLogger())
	if err != nil {
		t.Fatalf("LoadPersona: %v", err)
	}
	if err := p.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer p.Close()

	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatalf("blank persona: %v", err)
	}

	// Give the watcher time to see the write, then confirm the old
	// text survived.
	time.Sleep(200 * time.Millisecond)
	if p.System() != "stable identity" {
		t.Errorf("System() = %q, want previous text kept", p.System())
	}
}
