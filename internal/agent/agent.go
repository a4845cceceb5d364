// Package agent runs the tool-calling phase of a turn. Starting from
// the conversation context and the user's new message, it loops model
// rounds: each round either proposes tool calls, which are validated
// and executed concurrently with results fed back, or produces the
// final text answer. Round caps, repeated-call detection, and per-tool
// failure streaks all force a final answer instead of erroring, so the
// user gets a reply even when the model misbehaves. Everything the
// loop does is emitted as events; all bookkeeping lives in local state
// that dies with the invocation.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/prompts"
	"github.com/reeveworks/reeve-agent/internal/tools"
)

const (
	// DefaultMaxIterations bounds model rounds per turn.
	DefaultMaxIterations = 10
	// DefaultMaxParallelCalls bounds tool calls accepted in one round.
	DefaultMaxParallelCalls = 4

	// failureStreakLimit is how many consecutive failures of one tool
	// force a final answer.
	failureStreakLimit = 5
	// repeatedCallLimit is the occurrence at which an identical call
	// signature forces a final answer instead of executing.
	repeatedCallLimit = 3
)

// Exhaustion reason constants.
const (
	ExhaustMaxIterations = "max_iterations"
	ExhaustRepeatedCall  = "repeated_call"
	ExhaustFailureStreak = "failure_streak"
)

// Caller is the model interface the harness drives: validated,
// retried calls for the loop and a streaming call for the final
// answer. *llm.RetryClient satisfies it.
type Caller interface {
	ChatRetry(ctx context.Context, req llm.Request) (*llm.Result, []llm.RetryNote, error)
	ChatStream(ctx context.Context, req llm.Request, callback llm.StreamCallback) (*llm.Result, error)
}

// Turn is one harness invocation.
type Turn struct {
	// ConversationID tags tool executions with their owner.
	ConversationID string
	// Model is the model to drive. Required; selection happens before
	// the harness.
	Model string
	// Persona is the system prompt for the conversation. It survives
	// into the final response call; harness-injected notes do not.
	Persona string
	// Messages is the conversation history plus the new user message,
	// without any system prompt.
	Messages []llm.Message
	// MaxTokens caps each model call when positive.
	MaxTokens int
}

// Result is the outcome of one turn.
type Result struct {
	Content      string
	Model        string
	MessageID    string
	FinishReason string
	Iterations   int
	ToolsUsed    []string
	InputTokens  int
	OutputTokens int
	// Exhausted marks a turn whose answer was forced rather than
	// chosen by the model; ExhaustReason says why.
	Exhausted     bool
	ExhaustReason string
	// NewMessages is everything this turn added to the conversation:
	// tool proposals, tool results, and the final assistant message.
	// Harness-injected notes are not part of the conversation.
	NewMessages []llm.Message
}

// Options configures a Harness.
type Options struct {
	MaxIterations    int
	MaxParallelCalls int
	// CallTimeout is the hard deadline on each model call. Zero leaves
	// the caller's own timeouts in charge.
	CallTimeout time.Duration
}

// Harness drives the tool-calling loop.
type Harness struct {
	caller        Caller
	registry      *tools.Registry
	logger        *slog.Logger
	maxIterations int
	maxParallel   int
	callTimeout   time.Duration
}

// New creates a harness over caller and registry.
func New(caller Caller, registry *tools.Registry, logger *slog.Logger, opts Options) *Harness {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxParallelCalls <= 0 {
		opts.MaxParallelCalls = DefaultMaxParallelCalls
	}
	return &Harness{
		caller:        caller,
		registry:      registry,
		logger:        logger.With("component", "agent"),
		maxIterations: opts.MaxIterations,
		maxParallel:   opts.MaxParallelCalls,
		callTimeout:   opts.CallTimeout,
	}
}

// contextMsg wraps a context message with whether the harness injected
// it. Injected notes steer the loop and are stripped from the final
// response context and from NewMessages.
type contextMsg struct {
	llm.Message
	note bool
}

// runState is the per-invocation bookkeeping of one turn.
type runState struct {
	msgs       []contextMsg
	newStart   int
	sigSeen    map[string]int
	streak     map[string]int
	used       []string
	iterations int

	inputTokens  int
	outputTokens int
}

func (st *runState) add(m llm.Message, note bool) {
	st.msgs = append(st.msgs, contextMsg{Message: m, note: note})
}

// messages renders the full loop context, notes included.
func (st *runState) messages() []llm.Message {
	out := make([]llm.Message, 0, len(st.msgs))
	for _, m := range st.msgs {
		out = append(out, m.Message)
	}
	return out
}

// respondContext renders the context for the final response call:
// harness notes stripped, persona and conversation kept.
func (st *runState) respondContext() []llm.Message {
	out := make([]llm.Message, 0, len(st.msgs))
	for _, m := range st.msgs {
		if !m.note {
			out = append(out, m.Message)
		}
	}
	return out
}

// newMessages returns what the turn added to the conversation.
func (st *runState) newMessages() []llm.Message {
	var out []llm.Message
	for _, m := range st.msgs[st.newStart:] {
		if !m.note {
			out = append(out, m.Message)
		}
	}
	return out
}

func (st *runState) addUsage(u *llm.Usage) {
	if u == nil {
		return
	}
	st.inputTokens += u.PromptTokens
	st.outputTokens += u.CompletionTokens
}

func (st *runState) noteUsed(tool string) {
	for _, name := range st.used {
		if name == tool {
			return
		}
	}
	st.used = append(st.used, tool)
}

// Run executes one turn, emitting every model call, tool call, delta,
// and diagnostic through emit. The returned error is non-nil only for
// unrecoverable failures; by then exactly one fatal error event has
// been emitted.
func (h *Harness) Run(ctx context.Context, turn Turn, emit func(events.Event)) (*Result, error) {
	tid := newID()
	defs := h.registry.Defs()
	names := h.registry.AllToolNames()

	st := &runState{
		sigSeen: make(map[string]int),
		streak:  make(map[string]int),
	}
	if turn.Persona != "" {
		st.add(llm.Message{Role: "system", Content: turn.Persona}, false)
	}
	st.add(llm.Message{Role: "system", Content: prompts.AvailabilityNote(names)}, true)
	for _, m := range turn.Messages {
		st.add(m, false)
	}
	st.newStart = len(st.msgs)

	h.logger.Info("turn started",
		"turn_id", tid,
		"conversation_id", turn.ConversationID,
		"model", turn.Model,
		"tools", len(defs),
		"messages", len(turn.Messages),
	)

	for round := range h.maxIterations {
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("turn cancelled: %w", err)
			emit(events.Error(events.SourceAgent, err))
			return nil, err
		}
		st.iterations = round + 1

		req := llm.Request{
			Model:     turn.Model,
			Messages:  st.messages(),
			Tools:     defs,
			MaxTokens: turn.MaxTokens,
			Timeout:   h.callTimeout,
		}
		emit(events.LLMCall(events.SourceAgent, req.Messages, names))
		result, notes, err := h.caller.ChatRetry(ctx, req)
		for _, n := range notes {
			emit(events.ErrorText(events.SourceAgent,
				fmt.Sprintf("model call retry %d (%s): %s", n.Attempt, n.Class, n.Reason)))
		}
		if err != nil {
			err = fmt.Errorf("model call failed (round %d): %w", round, err)
			emit(events.Error(events.SourceAgent, err))
			return nil, err
		}
		emit(events.LLMCallComplete(events.SourceAgent, req.Messages, result))
		st.addUsage(result.Usage)

		h.logger.Debug("model round",
			"turn_id", tid,
			"round", round,
			"tool_calls", len(result.Message.ToolCalls),
			"content_len", len(result.Message.Content),
		)

		proposals := result.Message.ToolCalls
		if len(proposals) == 0 {
			content := strings.TrimSpace(result.Message.Content)
			if content == "" {
				h.logger.Warn("empty model output, forcing response", "turn_id", tid, "round", round)
				return h.respond(ctx, turn, st, emit, "", "")
			}
			st.add(result.Message, false)
			messageID := newID()
			emit(events.Delta(events.SourceAgent, messageID, content, finishReason(result)))
			h.logger.Info("turn completed",
				"turn_id", tid,
				"rounds", st.iterations,
				"tools_used", len(st.used),
			)
			return h.finish(turn, st, messageID, content, finishReason(result), ""), nil
		}

		verdict := classifyRound(proposals, names, st, h.maxParallel)
		if verdict.invalid != "" {
			h.logger.Warn("invalid tool proposal", "turn_id", tid, "round", round, "problem", verdict.invalid)
			emit(events.ErrorText(events.SourceAgent, "invalid tool proposal: "+verdict.invalid))
			st.add(llm.Message{Role: "system", Content: prompts.CorrectionNotice(verdict.invalid)}, true)
			continue
		}
		if verdict.repeated != "" {
			h.logger.Warn("repeated tool call, forcing response", "turn_id", tid, "round", round, "tool", verdict.repeated)
			return h.respond(ctx, turn, st, emit, prompts.RepeatedToolCallNotice(verdict.repeated), ExhaustRepeatedCall)
		}

		st.add(result.Message, false)
		h.executeRound(ctx, turn, st, verdict.slots, emit)

		if verdict.runnable == 0 {
			h.logger.Warn("no runnable tool calls, forcing response", "turn_id", tid, "round", round)
			return h.respond(ctx, turn, st, emit, "", "")
		}
		if tool, n := st.failureStreak(); n >= failureStreakLimit {
			h.logger.Warn("tool failure streak, forcing response", "turn_id", tid, "tool", tool, "failures", n)
			return h.respond(ctx, turn, st, emit, prompts.ToolFailureStreakNotice(tool, n), ExhaustFailureStreak)
		}
	}

	h.logger.Warn("iteration cap reached, forcing response", "turn_id", tid, "rounds", h.maxIterations)
	res, err := h.respond(ctx, turn, st, emit, prompts.ToolBudgetNotice(h.maxIterations), ExhaustMaxIterations)
	if err == nil {
		emit(events.ErrorText(events.SourceAgent,
			fmt.Sprintf("tool round cap reached after %d rounds", h.maxIterations)))
	}
	return res, err
}

// failureStreak returns the tool with the longest current run of
// consecutive failures.
func (st *runState) failureStreak() (string, int) {
	worst, n := "", 0
	for tool, count := range st.streak {
		if count > n {
			worst, n = tool, count
		}
	}
	return worst, n
}

func (h *Harness) finish(turn Turn, st *runState, messageID, content, reason, exhaustReason string) *Result {
	return &Result{
		Content:       content,
		Model:         turn.Model,
		MessageID:     messageID,
		FinishReason:  reason,
		Iterations:    st.iterations,
		ToolsUsed:     st.used,
		InputTokens:   st.inputTokens,
		OutputTokens:  st.outputTokens,
		Exhausted:     exhaustReason != "",
		ExhaustReason: exhaustReason,
		NewMessages:   st.newMessages(),
	}
}

func finishReason(result *llm.Result) string {
	if result != nil && result.FinishReason != "" {
		return result.FinishReason
	}
	return "stop"
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
