// Package orchestrator drives one conversational turn end to end. It
// resolves the conversation and request in the ledger, chains the
// recall phase and the tool-calling harness through the sequencer,
// forwards the merged event stream to the caller and the operational
// bus, and mirrors the outcome back into the ledger: message records,
// turn accounting, and tool/model metrics.
//
// The orchestrator holds configuration only; everything a turn touches
// lives in locals that die with the turn.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/agent"
	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/ledger"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/recall"
	"github.com/reeveworks/reeve-agent/internal/sequence"
	"github.com/reeveworks/reeve-agent/internal/tools"
)

// DefaultHistoryWindow is how many recent messages feed the model
// context when no window is configured.
const DefaultHistoryWindow = 40

// ModelPicker chooses a model for a request that did not name one.
type ModelPicker interface {
	PickModel(ctx context.Context, text string) string
}

// Options configures an Orchestrator. Recall, Bus, and Picker are
// optional; a nil Recall skips the recollection phase and a nil Picker
// falls back to DefaultModel.
type Options struct {
	Recall        *recall.Provider
	Bus           *events.Bus
	Picker        ModelPicker
	Persona       func() string
	DefaultModel  string
	HistoryWindow int
	MaxTokens     int
	Agent         agent.Options
}

// Orchestrator runs turns against one ledger and one model caller.
type Orchestrator struct {
	ledger       *ledger.Ledger
	harness      *agent.Harness
	recall       *recall.Provider
	bus          *events.Bus
	picker       ModelPicker
	persona      func() string
	logger       *slog.Logger
	defaultModel string
	history      int
	maxTokens    int
}

// New creates an Orchestrator. The caller is wrapped so every model
// call lands in the ledger's metrics before the harness sees the
// result.
func New(lg *ledger.Ledger, caller agent.Caller, registry *tools.Registry, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.HistoryWindow <= 0 {
		opts.HistoryWindow = DefaultHistoryWindow
	}
	metered := &meteredCaller{caller: caller, ledger: lg, logger: logger}
	return &Orchestrator{
		ledger:       lg,
		harness:      agent.New(metered, registry, logger, opts.Agent),
		recall:       opts.Recall,
		bus:          opts.Bus,
		picker:       opts.Picker,
		persona:      opts.Persona,
		logger:       logger.With("component", "orchestrator"),
		defaultModel: opts.DefaultModel,
		history:      opts.HistoryWindow,
		maxTokens:    opts.MaxTokens,
	}
}

// TurnInput is one inbound user message.
type TurnInput struct {
	// Token identifies the caller. Required.
	Token string
	// Model names the model to use. Empty lets the picker or the
	// configured default decide.
	Model string
	// Text is the user's message. Required.
	Text string
	// ConversationID continues a specific conversation instead of the
	// token's open one.
	ConversationID string
	// ClientMeta is recorded on the request record.
	ClientMeta map[string]string
	// Ghost keeps the conversation out of recall and summary metadata.
	Ghost bool
	// MaxTokens caps the response length for this turn only.
	MaxTokens int
}

// Result is the terminal outcome of a turn.
type Result struct {
	ConversationID string
	RequestID      string
	TurnID         string
	Created        bool
	Ghost          bool

	Content      string
	Model        string
	MessageID    string
	FinishReason string
	ToolsUsed    []string
	Iterations   int
	InputTokens  int
	OutputTokens int

	Exhausted     bool
	ExhaustReason string
	Latency       time.Duration
}

// Turn runs one turn. Every event of the merged recall+harness stream
// is passed to emit in order before Turn returns; emit may be nil when
// the caller only wants the terminal Result. Callers that stream must
// treat emit as hot-path: it runs on the turn goroutine.
func (o *Orchestrator) Turn(ctx context.Context, in TurnInput, emit func(events.Event)) (*Result, error) {
	if emit == nil {
		emit = func(events.Event) {}
	}
	text := strings.TrimSpace(in.Text)
	if in.Token == "" {
		return nil, errors.New("caller token required")
	}
	if text == "" {
		return nil, errors.New("empty user message")
	}

	model := in.Model
	if model == "" && o.picker != nil {
		model = o.picker.PickModel(ctx, text)
	}
	if model == "" {
		model = o.defaultModel
	}
	if model == "" {
		return nil, errors.New("no model requested and no default configured")
	}

	started := time.Now()
	startRes, err := o.ledger.StartRequest(ctx, in.Token, model, ledger.StartOptions{
		ConversationID: in.ConversationID,
		ClientMeta:     in.ClientMeta,
		Ghost:          in.Ghost,
	})
	if err != nil {
		return nil, o.emitErr(emit, fmt.Errorf("start request: %w", err))
	}
	convID := startRes.ConversationID

	userRecord := ledger.MessageRecord{
		Role:    "user",
		Content: text,
		Meta:    map[string]string{"requestId": startRes.RequestID},
		At:      time.Now(),
	}
	if err := o.ledger.AppendMessages(ctx, convID, []ledger.MessageRecord{userRecord}); err != nil {
		return nil, o.emitErr(emit, fmt.Errorf("record user message: %w", err))
	}

	turnID, err := o.ledger.StartTurn(ctx, convID, startRes.RequestID)
	if err != nil {
		return nil, o.emitErr(emit, fmt.Errorf("start turn: %w", err))
	}

	history, err := o.ledger.GetMessages(ctx, convID, o.history)
	if err != nil {
		err = fmt.Errorf("load history: %w", err)
		o.endTurn(ctx, turnID, ledger.TurnEnd{Status: ledger.TurnError, ErrorType: "store_failure"})
		o.endRequest(ctx, startRes.RequestID, time.Since(started))
		return nil, o.emitErr(emit, err)
	}

	turn := agent.Turn{
		ConversationID: convID,
		Model:          model,
		Persona:        o.personaText(),
		Messages:       historyMessages(history),
		MaxTokens:      o.turnMaxTokens(in),
	}

	// Recall and the harness generate concurrently; the sequencer
	// yields all recollection events before the first harness event.
	seq := sequence.New()
	if o.recall != nil {
		seq.Chain(o.recall.Recollect(ctx, convID, in.Token, text))
	}
	agentCh := make(chan events.Event, 64)
	seq.Chain(agentCh)
	seq.Done()

	var (
		res    *agent.Result
		runErr error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		defer close(agentCh)
		res, runErr = o.harness.Run(ctx, turn, func(ev events.Event) { agentCh <- ev })
	}()

	mirror := newTurnMirror(o.ledger, o.logger, turnID)
	for ev := range seq.Out() {
		mirror.observe(ctx, ev)
		o.bus.Publish(ev)
		emit(ev)
	}
	<-done

	latency := time.Since(started)
	if runErr != nil {
		// The harness already emitted the error event for its failure.
		o.endTurn(ctx, turnID, ledger.TurnEnd{
			ToolCalls: mirror.toolCalls,
			Status:    ledger.TurnError,
			ErrorType: string(llm.Classify(runErr)),
		})
		o.endRequest(ctx, startRes.RequestID, latency)
		return nil, runErr
	}

	if err := o.ledger.AppendMessages(ctx, convID, turnRecords(res)); err != nil {
		err = fmt.Errorf("record turn messages: %w", err)
		o.endTurn(ctx, turnID, ledger.TurnEnd{
			TokensIn:  res.InputTokens,
			TokensOut: res.OutputTokens,
			ToolCalls: mirror.toolCalls,
			Status:    ledger.TurnError,
			ErrorType: "store_failure",
		})
		o.endRequest(ctx, startRes.RequestID, latency)
		return nil, o.emitErr(emit, err)
	}

	o.endTurn(ctx, turnID, ledger.TurnEnd{
		TokensIn:  res.InputTokens,
		TokensOut: res.OutputTokens,
		ToolCalls: mirror.toolCalls,
		Status:    ledger.TurnOK,
	})
	o.endRequest(ctx, startRes.RequestID, latency)

	o.logger.Info("turn finished",
		"conversation_id", convID,
		"request_id", startRes.RequestID,
		"model", res.Model,
		"iterations", res.Iterations,
		"tool_calls", mirror.toolCalls,
		"latency_ms", latency.Milliseconds())

	return &Result{
		ConversationID: convID,
		RequestID:      startRes.RequestID,
		TurnID:         turnID,
		Created:        startRes.Created,
		Ghost:          startRes.Ghost,
		Content:        res.Content,
		Model:          res.Model,
		MessageID:      res.MessageID,
		FinishReason:   res.FinishReason,
		ToolsUsed:      res.ToolsUsed,
		Iterations:     res.Iterations,
		InputTokens:    res.InputTokens,
		OutputTokens:   res.OutputTokens,
		Exhausted:      res.Exhausted,
		ExhaustReason:  res.ExhaustReason,
		Latency:        latency,
	}, nil
}

func (o *Orchestrator) turnMaxTokens(in TurnInput) int {
	if in.MaxTokens > 0 {
		return in.MaxTokens
	}
	return o.maxTokens
}

func (o *Orchestrator) personaText() string {
	if o.persona == nil {
		return ""
	}
	return o.persona()
}

// emitErr surfaces one error event for a failure the harness did not
// already report, then returns err unchanged.
func (o *Orchestrator) emitErr(emit func(events.Event), err error) error {
	emit(events.Error(events.SourceLedger, err))
	return err
}

func (o *Orchestrator) endTurn(ctx context.Context, turnID string, end ledger.TurnEnd) {
	if err := o.ledger.EndTurn(ctx, turnID, end); err != nil {
		o.logger.Warn("end turn failed", "turn_id", turnID, "error", err)
	}
}

func (o *Orchestrator) endRequest(ctx context.Context, requestID string, latency time.Duration) {
	if err := o.ledger.EndRequest(ctx, requestID, latency); err != nil {
		o.logger.Warn("end request failed", "request_id", requestID, "error", err)
	}
}

// historyMessages converts stored records into model context. A
// history window can open mid tool exchange; tool results whose
// proposing call fell outside the window are dropped, since providers
// reject a tool message with no matching call.
func historyMessages(records []ledger.MessageRecord) []llm.Message {
	msgs := make([]llm.Message, 0, len(records))
	for _, r := range records {
		if len(msgs) == 0 && r.Role == "tool" {
			continue
		}
		msgs = append(msgs, llm.Message{
			Role:       r.Role,
			Content:    r.Content,
			ToolCalls:  r.ToolCalls,
			ToolCallID: r.ToolCallID,
		})
	}
	return msgs
}

// turnRecords converts the harness's new messages into ledger records.
// Token totals and the stream message id land on the final assistant
// record.
func turnRecords(res *agent.Result) []ledger.MessageRecord {
	if len(res.NewMessages) == 0 {
		return nil
	}
	now := time.Now()
	records := make([]ledger.MessageRecord, 0, len(res.NewMessages))
	for i, m := range res.NewMessages {
		rec := ledger.MessageRecord{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
			At:         now,
		}
		if i == len(res.NewMessages)-1 {
			rec.TokensIn = res.InputTokens
			rec.TokensOut = res.OutputTokens
			rec.Meta = map[string]string{"messageId": res.MessageID, "model": res.Model}
		}
		records = append(records, rec)
	}
	return records
}
