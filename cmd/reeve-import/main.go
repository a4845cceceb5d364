// Command reeve-import loads exported conversation transcripts into
// the ledger store.
//
// It reads JSONL transcript files (one conversation per file, one
// typed record per line), replays each one into the configured store
// with its original timestamps, and closes it so recall can find it.
// Conversations that were already imported are skipped, so re-running
// after a partial import is safe.
//
// Run it while the server is stopped; the importer opens the store
// directly.
//
// Usage:
//
//	reeve-import -input /path/to/export [-config config.yaml] [flags]
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/reeveworks/reeve-agent/internal/config"
	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/store"
	"github.com/reeveworks/reeve-agent/internal/summarizer"
)

func main() {
	input := flag.String("input", "", "Path to a transcript .jsonl file or a directory of them")
	configPath := flag.String("config", "", "Path to config file (default: auto-discover)")
	token := flag.String("token", "local", "Principal the imported conversations belong to")
	summarize := flag.Bool("summarize", false, "Summarize each conversation at close (needs a reachable model)")
	dryRun := flag.Bool("dry-run", false, "Parse and report without writing to the store")
	verbose := flag.Bool("verbose", false, "Verbose output")
	flag.Parse()

	if *input == "" {
		fmt.Fprintf(os.Stderr, "Usage: reeve-import -input /path/to/export [flags]\n")
		flag.PrintDefaults()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if err := runImport(context.Background(), logger, *input, *configPath, *token, *summarize, *dryRun); err != nil {
		logger.Error("import failed", "error", err)
		os.Exit(1)
	}
}

func runImport(ctx context.Context, logger *slog.Logger, input, configPath, token string, summarize, dryRun bool) error {
	files, err := findTranscripts(input)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("no .jsonl transcripts under %s", input)
	}
	logger.Info("found transcripts", "count", len(files))

	var all []parsedConversation
	var totalMessages int
	for _, f := range files {
		pc, err := parseTranscript(f, logger)
		if err != nil {
			logger.Warn("failed to parse transcript", "file", filepath.Base(f), "error", err)
			continue
		}
		if len(pc.messages) == 0 {
			logger.Debug("skipping empty transcript", "file", filepath.Base(f))
			continue
		}
		all = append(all, pc)
		totalMessages += len(pc.messages)
	}
	logger.Info("parsed transcripts", "conversations", len(all), "messages", totalMessages)

	if dryRun {
		fmt.Printf("\n=== Dry Run Summary ===\n")
		fmt.Printf("Conversations: %d\n", len(all))
		fmt.Printf("Messages:      %d\n", totalMessages)
		fmt.Printf("\nConversations by date:\n")
		for _, pc := range all {
			fmt.Printf("  %-20s  %s  %d msgs\n",
				shortID(pc.id),
				pc.start().Format("2006-01-02 15:04:05"),
				len(pc.messages),
			)
		}
		return nil
	}

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// The clock feeds the ledger so imported conversations keep their
	// original started/touched/closed times.
	clock := &importClock{}

	var digest ledger.Summarizer
	if summarize {
		model := cfg.Ledger.SummaryModel
		if model == "" {
			model = cfg.Models.Default
		}
		digest = summarizer.NewDigest(buildLLMClient(cfg, logger), model, logger, 0)
		logger.Info("summarizing imported conversations", "model", model)
	}

	lg := ledger.New(st, logger, ledger.Options{
		Summarizer: digest,
		Now:        clock.Now,
	})

	imported, skipped := 0, 0
	for _, pc := range all {
		already, err := isImported(ctx, st, pc.id)
		if err != nil {
			logger.Warn("failed to check import status", "id", shortID(pc.id), "error", err)
		}
		if already {
			logger.Debug("skipping already-imported conversation", "id", shortID(pc.id))
			skipped++
			continue
		}

		if err := importConversation(ctx, st, lg, clock, token, pc); err != nil {
			logger.Error("failed to import conversation", "id", shortID(pc.id), "error", err)
			continue
		}
		imported++
	}

	logger.Info("import complete",
		"imported", imported,
		"skipped", skipped,
		"failed", len(all)-imported-skipped,
	)

	fmt.Printf("\n=== Import Complete ===\n")
	fmt.Printf("Conversations imported: %d / %d\n", imported, len(all))
	fmt.Printf("Previously imported:    %d\n", skipped)
	return nil
}

// findTranscripts resolves input to a list of .jsonl files.
func findTranscripts(input string) ([]string, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{input}, nil
	}
	return filepath.Glob(filepath.Join(input, "*.jsonl"))
}

// --- Parsing ---

type parsedConversation struct {
	id        string
	model     string
	ghost     bool
	startedAt time.Time
	messages  []ledger.MessageRecord
}

// start returns the best-known start time: the header's, else the
// first message's, else zero.
func (pc parsedConversation) start() time.Time {
	if !pc.startedAt.IsZero() {
		return pc.startedAt
	}
	for _, m := range pc.messages {
		if !m.At.IsZero() {
			return m.At
		}
	}
	return time.Time{}
}

// end returns the last message timestamp, else the start time.
func (pc parsedConversation) end() time.Time {
	for i := len(pc.messages) - 1; i >= 0; i-- {
		if !pc.messages[i].At.IsZero() {
			return pc.messages[i].At
		}
	}
	return pc.start()
}

// transcriptLine is one JSONL record. A "conversation" line carries
// the header; "message" lines carry the transcript in order.
type transcriptLine struct {
	Type string `json:"type"`

	// Header fields.
	ID        string    `json:"id,omitempty"`
	Model     string    `json:"model,omitempty"`
	Ghost     bool      `json:"ghost,omitempty"`
	StartedAt time.Time `json:"startedAt,omitempty"`

	// Message fields.
	Role       string         `json:"role,omitempty"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []llm.ToolCall `json:"toolCalls,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	At         time.Time      `json:"at,omitempty"`
}

func parseTranscript(path string, logger *slog.Logger) (parsedConversation, error) {
	f, err := os.Open(path)
	if err != nil {
		return parsedConversation{}, err
	}
	defer f.Close()

	// The file name is the fallback id when no header names one.
	pc := parsedConversation{id: strings.TrimSuffix(filepath.Base(path), ".jsonl")}

	scanner := bufio.NewScanner(f)
	// Tool results can be huge; grow the line buffer well past the
	// bufio default.
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry transcriptLine
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Debug("skipping malformed line",
				"file", filepath.Base(path),
				"line", lineNum,
				"error", err,
			)
			continue
		}

		switch entry.Type {
		case "conversation":
			if entry.ID != "" {
				pc.id = entry.ID
			}
			pc.model = entry.Model
			pc.ghost = entry.Ghost
			pc.startedAt = entry.StartedAt
		case "message":
			if entry.Role == "" {
				continue
			}
			pc.messages = append(pc.messages, ledger.MessageRecord{
				Role:       entry.Role,
				Content:    entry.Content,
				ToolCalls:  entry.ToolCalls,
				ToolCallID: entry.ToolCallID,
				At:         entry.At,
			})
		default:
			logger.Debug("skipping unknown record type",
				"file", filepath.Base(path),
				"line", lineNum,
				"type", entry.Type,
			)
		}
	}
	if err := scanner.Err(); err != nil {
		return parsedConversation{}, err
	}
	return pc, nil
}

// --- Import ---

// importKey is the store key marking a transcript as imported.
func importKey(sourceID string) string { return "import:" + sourceID }

func isImported(ctx context.Context, st store.Store, sourceID string) (bool, error) {
	v, err := st.HGet(ctx, importKey(sourceID), "conversation")
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != "", nil
}

// importConversation replays one transcript: open a fresh conversation
// at its original start time, append the messages, close it at its end
// time, and mark the source imported.
func importConversation(ctx context.Context, st store.Store, lg *ledger.Ledger, clock *importClock, token string, pc parsedConversation) error {
	start := pc.start()
	if start.IsZero() {
		start = time.Now()
	}
	clock.Set(start)

	res, err := lg.StartRequest(ctx, token, pc.model, ledger.StartOptions{
		ForceNew: true,
		Ghost:    pc.ghost,
		ClientMeta: map[string]string{
			"source":    "import",
			"export_id": pc.id,
		},
	})
	if err != nil {
		return fmt.Errorf("start conversation: %w", err)
	}

	clock.Set(pc.end())
	if err := lg.AppendMessages(ctx, res.ConversationID, pc.messages); err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	if err := lg.CloseConversation(ctx, res.ConversationID, "imported"); err != nil {
		return fmt.Errorf("close conversation: %w", err)
	}

	return st.HSet(ctx, importKey(pc.id), map[string]string{
		"conversation": res.ConversationID,
		"importedAt":   time.Now().UTC().Format(time.RFC3339),
	})
}

// importClock is a settable clock so ledger writes land at transcript
// time rather than wall time.
type importClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *importClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *importClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.t.IsZero() {
		return time.Now()
	}
	return c.t
}

// --- Wiring ---

// openStore opens the configured store backend. The memory backend is
// rejected; an import into it would vanish with the process.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case "", "sqlite":
		path := cfg.Store.Path
		if path == "" {
			path = filepath.Join(cfg.DataDir, "reeve.db")
		}
		st, err := store.OpenSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("open store %s: %w", path, err)
		}
		logger.Info("store opened", "backend", "sqlite", "path", path)
		return st, nil
	case "redis":
		st := store.NewRedis(cfg.Store.RedisAddr, cfg.Store.RedisPassword, cfg.Store.RedisDB)
		logger.Info("store opened", "backend", "redis", "addr", cfg.Store.RedisAddr)
		return st, nil
	default:
		return nil, fmt.Errorf("cannot import into store backend %q", cfg.Store.Backend)
	}
}

func buildLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)
	if cfg.OpenRouter.APIKey != "" {
		multi.AddProvider("openrouter", llm.NewOpenRouterClient(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, logger))
	}
	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}
	return multi
}

func shortID(id string) string {
	if len(id) > 20 {
		return id[:20]
	}
	return id
}
