// Package api exposes Reeve over HTTP: an OpenAI-compatible chat
// completions endpoint (streaming and not), conversation and task
// queries scoped to the calling token, a WebSocket event feed, and
// router introspection.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/buildinfo"
	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/health"
	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/orchestrator"
	"github.com/reeveworks/reeve-agent/internal/router"
	"github.com/reeveworks/reeve-agent/internal/task"
)

// anonymousPrincipal is the identity used when auth mode is "none".
const anonymousPrincipal = "local"

func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address string
	port    int
	orch    *orchestrator.Orchestrator
	ledger  *ledger.Ledger
	auth    *Authenticator
	tasks   *task.Ledger
	router  *router.Router
	bus     *events.Bus
	models  []string
	health  func() map[string]health.Status
	open    bool // auth mode "none"
	logger  *slog.Logger
	server  *http.Server
}

// NewServer creates a new API server.
func NewServer(address string, port int, orch *orchestrator.Orchestrator, lg *ledger.Ledger, auth *Authenticator, logger *slog.Logger) *Server {
	return &Server{
		address: address,
		port:    port,
		orch:    orch,
		ledger:  lg,
		auth:    auth,
		logger:  logger.With("component", "api"),
	}
}

// SetTaskLedger configures the task ledger for task API endpoints.
func (s *Server) SetTaskLedger(tl *task.Ledger) {
	s.tasks = tl
}

// SetRouter configures the router for introspection endpoints.
func (s *Server) SetRouter(rtr *router.Router) {
	s.router = rtr
}

// SetBus configures the event bus for the WebSocket feed.
func (s *Server) SetBus(bus *events.Bus) {
	s.bus = bus
}

// SetModels sets the model names advertised by GET /v1/models.
func (s *Server) SetModels(names []string) {
	s.models = names
}

// SetHealth wires a dependency status snapshot into GET /health.
// The function is called on every request.
func (s *Server) SetHealth(fn func() map[string]health.Status) {
	s.health = fn
}

// AllowAnonymous disables bearer token checks. Every request runs as
// the local principal.
func (s *Server) AllowAnonymous() {
	s.open = true
}

// Handler builds the route table. Exposed for tests; Start uses it.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// OpenAI-compatible endpoints
	mux.HandleFunc("POST /v1/chat/completions", s.requireAuth(s.handleChatCompletions))
	mux.HandleFunc("GET /v1/models", s.handleModels)

	// Health endpoints
	mux.HandleFunc("GET /v1/version", s.handleVersion)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /", s.handleRoot)

	// Conversation ledger
	mux.HandleFunc("GET /v1/conversations", s.requireAuth(s.handleConversationList))
	mux.HandleFunc("GET /v1/conversations/{id}", s.requireAuth(s.handleConversationGet))
	mux.HandleFunc("POST /v1/conversations/{id}/close", s.requireAuth(s.handleConversationClose))
	mux.HandleFunc("POST /v1/conversations/{id}/reopen", s.requireAuth(s.handleConversationReopen))

	// Background tasks
	mux.HandleFunc("GET /v1/tasks", s.requireAuth(s.handleTaskList))
	mux.HandleFunc("GET /v1/tasks/{id}", s.requireAuth(s.handleTaskGet))
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.requireAuth(s.handleTaskCancel))

	// Live event feed
	mux.HandleFunc("GET /v1/events", s.requireAuth(s.handleEvents))

	// Router introspection endpoints
	mux.HandleFunc("GET /v1/router/stats", s.requireAuth(s.handleRouterStats))
	mux.HandleFunc("GET /v1/router/audit", s.requireAuth(s.handleRouterAudit))

	return s.withLogging(mux)
}

// Start begins serving HTTP requests.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port, "auth", !s.open)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// requireAuth resolves the caller's principal before invoking the
// handler. WebSocket clients cannot set headers, so a token query
// parameter is accepted as well.
func (s *Server) requireAuth(next func(w http.ResponseWriter, r *http.Request, principal string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		principal, err := s.authenticate(r)
		if err != nil {
			s.errorResponse(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next(w, r, principal)
	}
}

func (s *Server) authenticate(r *http.Request) (string, error) {
	if s.open {
		return anonymousPrincipal, nil
	}
	if s.auth == nil {
		return "", ErrUnauthorized
	}
	raw := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if raw == "" {
		raw = r.URL.Query().Get("token")
	}
	if raw == "" {
		return "", ErrUnauthorized
	}
	return s.auth.Verify(r.Context(), raw)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"name":    "Reeve",
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"status": "ok",
		"uptime": buildinfo.Uptime().String(),
	}
	if s.health != nil {
		services := s.health()
		resp["services"] = services
		for _, svc := range services {
			if !svc.Ready {
				resp["status"] = "degraded"
				break
			}
		}
	}
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	entries := make([]modelEntry, 0, len(s.models))
	for _, name := range s.models {
		entries = append(entries, modelEntry{
			ID:      name,
			Object:  "model",
			Created: time.Now().Unix(),
			OwnedBy: "reeve",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"object": "list",
		"data":   entries,
	}, s.logger)
}

// Conversation handlers

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request, principal string) {
	q := ledger.RecallQuery{
		Token:        principal,
		Limit:        20,
		WithMessages: r.URL.Query().Get("messages") == "true",
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("keywords"); v != "" {
		q.Keywords = splitTerms(v)
	}
	if v := r.URL.Query().Get("places"); v != "" {
		q.Places = splitTerms(v)
	}
	var err error
	if q.After, err = parseTimeParam(r, "after"); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	if q.Before, err = parseTimeParam(r, "before"); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	convs, err := s.ledger.RecallConversation(r.Context(), q)
	if err != nil {
		s.logger.Error("conversation list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "conversation lookup failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":         len(convs),
		"conversations": convs,
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request, principal string) {
	conv, ok := s.loadOwnedConversation(w, r, principal)
	if !ok {
		return
	}
	if r.URL.Query().Get("messages") == "true" {
		msgs, err := s.ledger.GetMessages(r.Context(), conv.ID, 0)
		if err != nil {
			s.logger.Error("message load failed", "conversation", conv.ID, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "message lookup failed")
			return
		}
		conv.Messages = msgs
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationClose(w http.ResponseWriter, r *http.Request, principal string) {
	conv, ok := s.loadOwnedConversation(w, r, principal)
	if !ok {
		return
	}
	if err := s.ledger.CloseConversation(r.Context(), conv.ID, "client_request"); err != nil {
		s.logger.Error("close failed", "conversation", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "close failed")
		return
	}
	closed, err := s.ledger.GetConversation(r.Context(), conv.ID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "close failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, closed, s.logger)
}

func (s *Server) handleConversationReopen(w http.ResponseWriter, r *http.Request, principal string) {
	conv, ok := s.loadOwnedConversation(w, r, principal)
	if !ok {
		return
	}
	reopened, err := s.ledger.ReopenConversation(r.Context(), conv.ID, principal)
	if err != nil {
		s.logger.Error("reopen failed", "conversation", conv.ID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "reopen failed")
		return
	}
	if reopened == nil {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reopened, s.logger)
}

// loadOwnedConversation fetches {id} and checks the caller is one of
// its tokens. Missing and foreign conversations both read as 404 so
// ids cannot be probed.
func (s *Server) loadOwnedConversation(w http.ResponseWriter, r *http.Request, principal string) (*ledger.Conversation, bool) {
	conv, err := s.ledger.GetConversation(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "conversation not found")
		} else {
			s.logger.Error("conversation load failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "conversation lookup failed")
		}
		return nil, false
	}
	if !slices.Contains(conv.Tokens, principal) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return nil, false
	}
	return conv, true
}

// Task handlers

func (s *Server) handleTaskList(w http.ResponseWriter, r *http.Request, principal string) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "task ledger not configured")
		return
	}
	q := task.ListQuery{
		Owner:  r.URL.Query().Get("conversation_id"),
		Status: r.URL.Query().Get("status"),
		Limit:  50,
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "offset must not be negative")
			return
		}
		q.Offset = n
	}

	tasks, err := s.tasks.ListTasks(r.Context(), q)
	if err != nil {
		s.logger.Error("task list failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count": len(tasks),
		"tasks": tasks,
	}, s.logger)
}

func (s *Server) handleTaskGet(w http.ResponseWriter, r *http.Request, principal string) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "task ledger not configured")
		return
	}
	t, err := s.tasks.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.errorResponse(w, http.StatusNotFound, "task not found")
		} else {
			s.logger.Error("task load failed", "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "task lookup failed")
		}
		return
	}

	resp := map[string]any{"task": t}
	if r.URL.Query().Get("events") == "true" {
		evs, err := s.tasks.Events(r.Context(), t.ID, 50)
		if err != nil {
			s.logger.Warn("task event load failed", "task", t.ID, "error", err)
		} else {
			resp["events"] = evs
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, resp, s.logger)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request, principal string) {
	if s.tasks == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "task ledger not configured")
		return
	}
	id := r.PathValue("id")
	if err := s.tasks.CancelTask(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, task.ErrNotFound):
			s.errorResponse(w, http.StatusNotFound, "task not found")
		case errors.Is(err, task.ErrBadTransition):
			s.errorResponse(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("task cancel failed", "task", id, "error", err)
			s.errorResponse(w, http.StatusInternalServerError, "cancel failed")
		}
		return
	}
	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "cancel failed")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"task": t}, s.logger)
}

// Router introspection handlers

func (s *Server) handleRouterStats(w http.ResponseWriter, r *http.Request, principal string) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, s.router.Stats(), s.logger)
}

func (s *Server) handleRouterAudit(w http.ResponseWriter, r *http.Request, principal string) {
	if s.router == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "router not configured")
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	decisions := s.router.AuditLog(limit)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"count":     len(decisions),
		"decisions": decisions,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusUnauthorized:
		return "authentication_error"
	case code == http.StatusNotFound:
		return "not_found_error"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

func splitTerms(v string) []string {
	parts := strings.Split(v, ",")
	terms := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			terms = append(terms, p)
		}
	}
	return terms
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC 3339 (got %q)", name, v)
	}
	return t, nil
}
