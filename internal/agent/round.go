package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/llm"
	"github.com/reeveworks/reeve-agent/internal/tools"
)

// roundSlot is one proposal's disposition within a round. Rejected
// proposals carry a pre-filled result and never execute; every slot
// gets a tool result message so the model sees a reply for each call
// it made.
type roundSlot struct {
	call   llm.ToolCall
	run    bool
	failed bool
	result string
}

// roundVerdict classifies one round of proposals.
type roundVerdict struct {
	// invalid marks the whole round malformed; the loop answers with a
	// correction note instead of executing anything.
	invalid string
	// repeated names the tool whose signature hit the repeat limit;
	// the round is abandoned unexecuted and the turn moves to its
	// final answer.
	repeated string
	slots    []roundSlot
	runnable int
}

// classifyRound validates a round of proposals and decides which run.
// Signature counting spans rounds: the same call proposed in a third
// round forces the final answer without executing.
func classifyRound(proposals []llm.ToolCall, names []string, st *runState, maxParallel int) roundVerdict {
	var v roundVerdict
	for _, tc := range proposals {
		if !slices.Contains(names, tc.Name) {
			v.invalid = fmt.Sprintf("unknown tool %q", tc.Name)
			return v
		}
		if _, err := canonicalArgs(tc.Arguments); err != nil {
			v.invalid = fmt.Sprintf("tool %q arguments are not a JSON object", tc.Name)
			return v
		}
	}

	seen := make(map[string]bool)
	for _, tc := range proposals {
		sig := signature(tc)
		slot := roundSlot{call: tc}
		if seen[sig] {
			slot.result = fmt.Sprintf("Error: duplicate call; this round already issued %s with identical arguments.", tc.Name)
			v.slots = append(v.slots, slot)
			continue
		}
		seen[sig] = true
		st.sigSeen[sig]++
		if st.sigSeen[sig] >= repeatedCallLimit {
			v.repeated = tc.Name
			return v
		}

		if reason := geoViolation(tc); reason != "" {
			slot.result = "Error: " + reason
		} else if v.runnable >= maxParallel {
			slot.result = fmt.Sprintf("Error: call limit for this round reached (%d); call not executed.", maxParallel)
		} else {
			slot.run = true
			v.runnable++
		}
		v.slots = append(v.slots, slot)
	}
	return v
}

// executeRound runs the runnable slots concurrently and appends every
// slot's result to the context in original proposal order. Rejected
// slots contribute their canned result without execution or events.
func (h *Harness) executeRound(ctx context.Context, turn Turn, st *runState, slots []roundSlot, emit func(events.Event)) {
	toolCtx := tools.WithConversationID(ctx, turn.ConversationID)

	for i := range slots {
		if slots[i].run {
			emit(events.ToolCall(events.SourceAgent, callPayload(slots[i].call)))
		}
	}

	var wg conc.WaitGroup
	for i := range slots {
		if !slots[i].run {
			continue
		}
		slot := &slots[i]
		wg.Go(func() {
			started := time.Now()
			out, err := h.registry.Execute(toolCtx, slot.call.Name, slot.call.Arguments)
			if err != nil {
				slot.failed = true
				out = "Error: " + err.Error()
				h.logger.Warn("tool failed", "tool", slot.call.Name, "error", err)
			} else {
				h.logger.Debug("tool done",
					"tool", slot.call.Name,
					"result_len", len(out),
					"elapsed", time.Since(started).Round(time.Millisecond),
				)
			}
			slot.result = out
		})
	}
	wg.Wait()

	for _, slot := range slots {
		if slot.run {
			emit(events.ToolCallComplete(events.SourceAgent, callPayload(slot.call), slot.result))
			if slot.failed {
				st.streak[slot.call.Name]++
			} else {
				st.streak[slot.call.Name] = 0
			}
			st.noteUsed(slot.call.Name)
		}
		st.add(llm.Message{Role: "tool", Content: slot.result, ToolCallID: slot.call.ID}, false)
	}
}

func callPayload(tc llm.ToolCall) events.ToolCallPayload {
	return events.ToolCallPayload{
		ID: tc.ID,
		Function: events.FunctionCall{
			Name:      tc.Name,
			Arguments: tc.Arguments,
		},
	}
}

// signature is the canonical identity of a call: tool name plus its
// arguments re-marshaled with sorted keys, so key order and whitespace
// differences collapse.
func signature(tc llm.ToolCall) string {
	canon, err := canonicalArgs(tc.Arguments)
	if err != nil {
		canon = tc.Arguments
	}
	return tc.Name + "(" + canon + ")"
}

// canonicalArgs re-marshals a JSON object argument string into a
// canonical form. Non-object arguments are an error.
func canonicalArgs(args string) (string, error) {
	if strings.TrimSpace(args) == "" {
		return "{}", nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(args), &obj); err != nil {
		return "", err
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// geoViolation reports an out-of-range coordinate argument, or "".
// Calls carrying one never reach their tool.
func geoViolation(tc llm.ToolCall) string {
	var args map[string]any
	if json.Unmarshal([]byte(tc.Arguments), &args) != nil {
		return ""
	}
	for _, key := range []string{"lat", "latitude"} {
		if v, ok := args[key].(float64); ok && (v < -90 || v > 90) {
			return fmt.Sprintf("latitude %v is outside [-90, 90]", v)
		}
	}
	for _, key := range []string{"lon", "lng", "longitude"} {
		if v, ok := args[key].(float64); ok && (v < -180 || v > 180) {
			return fmt.Sprintf("longitude %v is outside [-180, 180]", v)
		}
	}
	return ""
}
