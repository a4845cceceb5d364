package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/prompts"
)

// respond makes the final model call of a turn with tools disabled.
// The context is rebuilt without harness notes; notice, when set,
// explains to the model why it must answer now. An empty reply earns
// one nudged retry, then the canned fallback. Call failures here are
// fatal to the turn.
func (h *Harness) respond(ctx context.Context, turn Turn, st *runState, emit func(events.Event), notice, exhaustReason string) (*Result, error) {
	base := st.respondContext()
	if notice != "" {
		base = append(base, llm.Message{Role: "system", Content: notice})
	}

	messageID := newID()
	var result *llm.Result
	content := ""
	for attempt := range 2 {
		msgs := slices.Clone(base)
		if attempt > 0 {
			msgs = append(msgs, llm.Message{Role: "user", Content: prompts.EmptyResponseNudge})
		}

		streamed := false
		callback := func(delta string) {
			if delta == "" {
				return
			}
			streamed = true
			emit(events.Delta(events.SourceAgent, messageID, delta, ""))
		}

		req := llm.Request{
			Model:     turn.Model,
			Messages:  msgs,
			MaxTokens: turn.MaxTokens,
			Timeout:   h.callTimeout,
		}
		emit(events.LLMCall(events.SourceAgent, msgs, nil))
		res, err := h.caller.ChatStream(ctx, req, callback)
		if err != nil {
			err = fmt.Errorf("final response call: %w", err)
			emit(events.Error(events.SourceAgent, err))
			return nil, err
		}
		emit(events.LLMCallComplete(events.SourceAgent, msgs, res))
		st.addUsage(res.Usage)
		result = res

		content = strings.TrimSpace(res.Message.Content)
		if content != "" {
			if streamed {
				emit(events.Delta(events.SourceAgent, messageID, "", finishReason(res)))
			} else {
				emit(events.Delta(events.SourceAgent, messageID, content, finishReason(res)))
			}
			break
		}
		h.logger.Warn("empty final response", "attempt", attempt, "model", turn.Model)
	}

	if content == "" {
		content = prompts.EmptyResponseFallback
		emit(events.Delta(events.SourceAgent, messageID, content, "stop"))
	}

	st.add(llm.Message{Role: "assistant", Content: content}, false)
	h.logger.Info("turn completed",
		"rounds", st.iterations,
		"tools_used", len(st.used),
		"exhausted", exhaustReason != "",
	)
	return h.finish(turn, st, messageID, content, finishReason(result), exhaustReason), nil
}
