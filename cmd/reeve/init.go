package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/reeveworks/reeve-agent/internal/defaults"
)

// runInit initializes a Reeve working directory with default files. It
// creates the directory and copies the bundled config and persona.
// Existing files are never overwritten. The config is written 0600
// because it may hold an OpenRouter API key; the persona is plain
// prose and stays world-readable.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Reeve workspace in %s\n", dir)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}

	configPath := filepath.Join(dir, "config.yaml")
	created, err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	reportFile(w, configPath, created)

	personaPath := filepath.Join(dir, "persona.md")
	created, err = writeIfMissing(personaPath, defaults.PersonaMD, 0o644)
	if err != nil {
		return err
	}
	reportFile(w, personaPath, created)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml and persona.md to customize your installation,")
	fmt.Fprintln(w, "then run 'reeve serve' and 'reeve pair' to connect a client.")
	return nil
}

func reportFile(w io.Writer, path string, created bool) {
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", path)
	} else {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", path)
	}
}

// writeIfMissing writes content to path only if the file does not
// already exist, so init never overwrites user customizations. It
// reports whether the file was created.
func writeIfMissing(path string, content []byte, perm os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
