package prompts

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Persona serves the agent's system prompt. With no path configured it
// serves the built-in default; with a path it serves the file's content
// and, once Watch is called, hot-reloads on edit so persona changes do
// not need a restart.
type Persona struct {
	logger *slog.Logger
	path   string

	mu   sync.RWMutex
	text string

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// LoadPersona reads the persona file at path. An empty path selects the
// built-in default; a configured path that cannot be read is an error,
// because the operator asked for it.
func LoadPersona(path string, logger *slog.Logger) (*Persona, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Persona{
		logger: logger.With("component", "persona"),
		path:   path,
	}
	if path == "" {
		p.text = BasePersona()
		return p, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", path, err)
	}
	p.text = strings.TrimSpace(string(data))
	p.logger.Info("persona loaded", "path", path, "size", len(p.text))
	return p, nil
}

// System returns the current system prompt text.
func (p *Persona) System() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.text
}

// Watch starts hot reload. The watch is on the parent directory because
// editors replace files rather than writing in place, which drops an
// inode-level watch. No-op when no file is configured.
func (p *Persona) Watch() error {
	if p.path == "" || p.watcher != nil {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("persona watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(p.path), err)
	}
	p.watcher = watcher
	p.done = make(chan struct{})
	go p.watchLoop()
	return nil
}

// Close stops the watcher, if one is running.
func (p *Persona) Close() {
	if p.watcher == nil {
		return
	}
	p.watcher.Close()
	<-p.done
	p.watcher = nil
}

func (p *Persona) watchLoop() {
	defer close(p.done)
	want := filepath.Clean(p.path)
	for {
		select {
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != want {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p.reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("persona watcher error", "error", err)
		}
	}
}

// reload re-reads the persona file. Read failures and empty files keep
// the previous text: a half-written file during an editor save must not
// blank the agent's identity.
func (p *Persona) reload() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		p.logger.Warn("persona reload failed, keeping previous text", "path", p.path, "error", err)
		return
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		p.logger.Warn("persona file is empty, keeping previous text", "path", p.path)
		return
	}

	p.mu.Lock()
	changed := text != p.text
	p.text = text
	p.mu.Unlock()

	if changed {
		p.logger.Info("persona reloaded", "path", p.path, "size", len(text))
	}
}
