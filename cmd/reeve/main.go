// Reeve is a personal conversational agent.
//
// It exposes an OpenAI-compatible chat API backed by a conversation
// ledger, a tool-calling loop, and close-time summarization, plus a CLI
// for one-shot questions and setup. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	reeve serve              Start the API server
//	reeve init [dir]         Initialize a working directory with defaults
//	reeve ask <question>     Ask a single question (for testing)
//	reeve pair [name]        Mint a client token and print it as a QR code
//	reeve version            Print version and build information
//	reeve -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/reeveworks/reeve-agent/internal/agent"
	"github.com/reeveworks/reeve-agent/internal/api"
	"github.com/reeveworks/reeve-agent/internal/buildinfo"
	"github.com/reeveworks/reeve-agent/internal/config"
	"github.com/reeveworks/reeve-agent/internal/embeddings"
	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/fetch"
	"github.com/reeveworks/reeve-agent/internal/health"
	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/mqtt"
	"github.com/reeveworks/reeve-agent/internal/orchestrator"
	"github.com/reeveworks/reeve-agent/internal/prompts"
	"github.com/reeveworks/reeve-agent/internal/recall"
	"github.com/reeveworks/reeve-agent/internal/router"
	"github.com/reeveworks/reeve-agent/internal/search"
	"github.com/reeveworks/reeve-agent/internal/store"
	"github.com/reeveworks/reeve-agent/internal/summarizer"
	"github.com/reeveworks/reeve-agent/internal/task"
	"github.com/reeveworks/reeve-agent/internal/tools"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the reeve command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the server and background workers.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: reeve ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "pair":
		name := "client"
		if len(cmdArgs) > 0 {
			name = strings.Join(cmdArgs, " ")
		}
		return runPair(ctx, stdout, configPath, name)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// reeve is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Reeve - Personal Conversational Agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: reeve [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the API server")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask          Ask a single question (for testing)")
	fmt.Fprintln(w, "  pair [name]  Mint a client token and print it as a QR code")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/reeve/config.yaml, /etc/reeve/config.yaml")
	return nil
}

// runAsk handles the "reeve ask <question>" subcommand. It boots a
// minimal agent (in-memory store, no recall, no router, no background
// workers) and runs a single turn, printing the response to stdout.
// Useful for quick smoke tests and debugging without starting the
// server.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	question := strings.Join(args, " ")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// In-memory store: nothing needs to survive a single question.
	st := store.NewMemory()
	defer st.Close()

	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)
	caller := llm.NewRetryClient(llmClient, logger)

	lg := ledger.New(st, logger, ledger.Options{})

	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	persona, err := loadPersona(cfg, logger)
	if err != nil {
		return err
	}
	defer persona.Close()

	orch := orchestrator.New(lg, caller, registry, logger, orchestrator.Options{
		Persona:      persona.System,
		DefaultModel: cfg.Models.Default,
		Agent:        agentOptions(cfg),
	})

	res, err := orch.Turn(ctx, orchestrator.TurnInput{
		Token: "cli",
		Text:  question,
		Ghost: true, // one-shots leave no trace to recall
	}, nil)
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	fmt.Fprintln(stdout, res.Content)
	return nil
}

// runPair handles the "reeve pair [name]" subcommand. It mints a fresh
// bearer token against the configured store, prints it once, and
// renders it as a terminal QR code so a phone client can scan it. Only
// the bcrypt hash is stored; a lost token cannot be recovered, only
// replaced.
func runPair(ctx context.Context, stdout io.Writer, configPath string, name string) error {
	logger := newLogger(io.Discard, slog.LevelInfo, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	auth := api.NewAuthenticator(st, logger)
	token, err := auth.Mint(ctx, name)
	if err != nil {
		return fmt.Errorf("pair: %w", err)
	}

	fmt.Fprintf(stdout, "Paired %q. Give this token to the client:\n\n", name)
	fmt.Fprintf(stdout, "  %s\n\n", token)

	qr, err := qrcode.New(token, qrcode.Medium)
	if err != nil {
		// The token is already printed; a QR failure is cosmetic.
		fmt.Fprintln(stdout, "(could not render QR code)")
		return nil
	}
	fmt.Fprintln(stdout, qr.ToSmallString(false))
	fmt.Fprintln(stdout, "The token is shown only once. Store it now.")
	return nil
}

// runServe handles the "reeve serve" subcommand: the full server with
// the persistent ledger, background workers, and the HTTP API.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The task and sweep workers stop accepting work
//  3. The MQTT mirror publishes offline and disconnects
//  4. The HTTP server drains in-flight requests
//  5. The store closes via defer
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Reeve", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner; everything after this point uses the configured level and
	// format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(),
			// so this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Models.Default,
		"ollama_url", cfg.Models.OllamaURL,
	)

	// --- Data directory ---
	// Persistent state (the SQLite ledger, unless redis is configured)
	// lives under this directory.
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
	}

	// --- Store ---
	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	// --- LLM clients ---
	// Multi-provider client that routes each model name to its
	// configured provider. Unknown models fall back to Ollama. The
	// retry wrapper handles transient failures and malformed tool
	// calls; the raw client feeds the summarizer, which tolerates a
	// failed call on its own.
	ollamaClient := llm.NewOllamaClient(cfg.Models.OllamaURL, logger)
	llmClient := createLLMClient(cfg, logger, ollamaClient)
	caller := llm.NewRetryClient(llmClient, logger)

	// --- Dependency watchdog ---
	// Probes external services in the background: exponential backoff
	// until first contact, then steady polling. GET /health reports
	// the snapshot.
	monitor := health.NewMonitor(logger)
	defer monitor.Stop()
	monitor.Watch(ctx, "ollama", ollamaClient.Ping, health.DefaultSchedule())

	// --- Event bus ---
	// Everything observable (model calls, tool calls, deltas, closes)
	// flows through here to the websocket feed and the MQTT mirror.
	bus := events.NewBus()

	// --- Conversation ledger ---
	summaryModel := cfg.Ledger.SummaryModel
	if summaryModel == "" {
		summaryModel = cfg.Models.Default
	}
	digest := summarizer.NewDigest(llmClient, summaryModel, logger, 0)

	lg := ledger.New(st, logger, ledger.Options{
		IdleAfter:  time.Duration(cfg.Ledger.IdleCloseSec) * time.Second,
		Summarizer: digest,
		Bus:        bus,
	})

	// --- Tools ---
	registry, err := buildRegistry(cfg, logger)
	if err != nil {
		return err
	}

	// --- Background tasks ---
	taskLedger := task.New(st, logger, task.Options{Bus: bus})
	if err := task.RegisterBackgroundTask(registry, taskLedger); err != nil {
		return fmt.Errorf("register background_task tool: %w", err)
	}
	taskWorker := task.NewWorker(taskLedger, registry, logger, 0)
	taskWorker.Start(ctx)
	defer taskWorker.Stop()

	// --- Recall ---
	var recaller *recall.Provider
	if cfg.Recall.Enabled {
		var embedder recall.Embedder
		if cfg.Embeddings.Enabled {
			baseURL := cfg.Embeddings.BaseURL
			if baseURL == "" {
				baseURL = cfg.Models.OllamaURL
			}
			embedder = embeddings.New(embeddings.Config{
				BaseURL: baseURL,
				Model:   cfg.Embeddings.Model,
			})
			logger.Info("embeddings enabled", "model", cfg.Embeddings.Model)
		}
		recaller = recall.New(lg, logger, recall.Options{
			Embedder:         embedder,
			MaxConversations: cfg.Recall.MaxResults,
		})
	} else {
		logger.Info("recall disabled")
	}

	// --- Model router ---
	// Only worth building when there is more than one model to choose
	// between.
	var picker *router.Router
	if len(cfg.Models.Available) > 1 {
		candidates := make([]router.Candidate, 0, len(cfg.Models.Available))
		for _, m := range cfg.Models.Available {
			candidates = append(candidates, router.Candidate{
				Name:          m.Name,
				SupportsTools: m.SupportsTools,
				ContextWindow: m.ContextWindow,
				Speed:         m.Speed,
				Quality:       m.Quality,
				Local:         m.Provider == "ollama",
			})
		}
		picker = router.New(logger, router.Options{
			Candidates: candidates,
			Fallback:   cfg.Models.Default,
			LocalFirst: true,
		})
		logger.Info("model router enabled", "candidates", len(candidates))
	}

	// --- Persona ---
	persona, err := loadPersona(cfg, logger)
	if err != nil {
		return err
	}
	defer persona.Close()
	if err := persona.Watch(); err != nil {
		logger.Warn("persona file watch failed", "error", err)
	}

	// --- Orchestrator ---
	orchOpts := orchestrator.Options{
		Recall:       recaller,
		Bus:          bus,
		Persona:      persona.System,
		DefaultModel: cfg.Models.Default,
		Agent:        agentOptions(cfg),
	}
	if picker != nil {
		orchOpts.Picker = picker
	}
	orch := orchestrator.New(lg, caller, registry, logger, orchOpts)

	// --- Idle-close sweep ---
	sweep := summarizer.NewWorker(lg, logger, summarizer.WorkerOptions{
		Interval: time.Duration(cfg.Ledger.SweepIntervalSec) * time.Second,
	})
	sweep.Start(ctx)
	defer sweep.Stop()

	// --- API server ---
	auth := api.NewAuthenticator(st, logger)
	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, orch, lg, auth, logger)
	server.SetTaskLedger(taskLedger)
	server.SetBus(bus)
	if picker != nil {
		server.SetRouter(picker)
	}
	models := make([]string, 0, len(cfg.Models.Available))
	for _, m := range cfg.Models.Available {
		models = append(models, m.Name)
	}
	server.SetModels(models)
	if cfg.Listen.Auth == "none" {
		server.AllowAnonymous()
		logger.Warn("token auth disabled; all requests run as the local principal")
	}
	server.SetHealth(monitor.Snapshot)

	// --- MQTT mirror ---
	var mirror *mqtt.Mirror
	if cfg.MQTT.Enabled {
		mirror = mqtt.New(cfg.MQTT, bus, logger)
		go func() {
			if err := mirror.Start(ctx); err != nil {
				logger.Error("mqtt mirror failed", "error", err)
			}
		}()
		monitor.Watch(ctx, "mqtt", func(pCtx context.Context) error {
			// AwaitConnection blocks while autopaho reconnects, so
			// give it a short budget rather than the full probe one.
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return mirror.AwaitConnection(awaitCtx)
		}, health.DefaultSchedule())
		logger.Info("mqtt mirror enabled", "broker", cfg.MQTT.Broker, "device_name", cfg.MQTT.DeviceName)
	} else {
		logger.Info("mqtt mirror disabled (not configured)")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		// Publish MQTT offline status before disconnecting.
		if mirror != nil {
			offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer offlineCancel()
			if err := mirror.Stop(offlineCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}

		_ = server.Shutdown(context.Background())
	}()

	// Start the API server. This blocks until the server is shut down
	// (via context cancellation or fatal error).
	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Reeve stopped")
	return nil
}

// agentOptions maps the agent config block onto harness options.
func agentOptions(cfg *config.Config) agent.Options {
	return agent.Options{
		MaxIterations:    cfg.Agent.MaxIterations,
		MaxParallelCalls: cfg.Agent.MaxParallelTools,
		CallTimeout:      time.Duration(cfg.Agent.CallTimeoutSec) * time.Second,
	}
}

// buildRegistry assembles the tool registry every turn draws from.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (*tools.Registry, error) {
	registry := tools.NewRegistry(logger)

	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
		}
		loc = l
	}
	if err := tools.RegisterClock(registry, loc); err != nil {
		return nil, fmt.Errorf("register clock tool: %w", err)
	}
	if err := tools.RegisterWeather(registry, tools.NewWeatherClient("")); err != nil {
		return nil, fmt.Errorf("register weather tool: %w", err)
	}
	if err := tools.RegisterWebFetch(registry, fetch.NewFetcher()); err != nil {
		return nil, fmt.Errorf("register web_fetch tool: %w", err)
	}

	if cfg.Search.Configured() {
		mgr := search.NewManager(cfg.Search.Default)
		if cfg.Search.SearXNG.Configured() {
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
		}
		if cfg.Search.Brave.Configured() {
			mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey, ""))
		}
		if err := search.RegisterSearch(registry, mgr); err != nil {
			return nil, fmt.Errorf("register web_search tool: %w", err)
		}
		logger.Info("web search enabled", "primary", mgr.Primary())
	}
	return registry, nil
}

// loadPersona loads the configured persona file, falling back to the
// built-in persona when none is configured. A configured file that
// fails to load is an error; a missing configuration is not.
func loadPersona(cfg *config.Config, logger *slog.Logger) (*prompts.Persona, error) {
	if cfg.PersonaFile == "" {
		return prompts.LoadPersona("", logger)
	}
	p, err := prompts.LoadPersona(cfg.PersonaFile, logger)
	if err != nil {
		return nil, fmt.Errorf("load persona %s: %w", cfg.PersonaFile, err)
	}
	return p, nil
}

// openStore opens the configured store backend. The sqlite path
// defaults to reeve.db under the data directory.
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
	case "memory":
		logger.Warn("memory store configured; nothing will survive a restart")
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}

// newLogger creates a structured logger that writes to w at the given
// level and format. Format must be "text" or "json"; any other value
// defaults to text. All log output in Reeve goes through slog; this
// helper standardizes the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
// Otherwise, [config.FindConfig] searches the default locations.
// Returns the parsed config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// createLLMClient builds a multi-provider LLM client around the given
// Ollama client. Each model listed in config is mapped to its provider
// (ollama, openrouter). Models not explicitly mapped fall through to
// the Ollama provider, which acts as the default backend.
func createLLMClient(cfg *config.Config, logger *slog.Logger, ollamaClient *llm.OllamaClient) llm.Client {
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.OpenRouter.APIKey != "" {
		orClient := llm.NewOpenRouterClient(cfg.OpenRouter.APIKey, cfg.OpenRouter.BaseURL, logger)
		multi.AddProvider("openrouter", orClient)
		logger.Info("OpenRouter provider configured")
	}

	for _, m := range cfg.Models.Available {
		multi.AddModel(m.Name, m.Provider)
	}

	return multi
}
