package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/reeveworks/reeve-agent/internal/events"
	"github.com/reeveworks/reeve-agent/internal/orchestrator"
	"github.com/reeveworks/reeve-agent/internal/speech"
)

// ChatCompletionRequest is the accepted subset of the OpenAI chat
// completions request. conversation_id and ghost are Reeve extensions:
// the first pins the turn to a conversation, the second keeps it out
// of recall.
type ChatCompletionRequest struct {
	Model          string        `json:"model"`
	Messages       []ChatMessage `json:"messages"`
	Stream         bool          `json:"stream,omitempty"`
	MaxTokens      int           `json:"max_tokens,omitempty"`
	ConversationID string        `json:"conversation_id,omitempty"`
	Ghost          bool          `json:"ghost,omitempty"`
}

// ChatMessage is one chat message on the wire.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionResponse is an OpenAI-shaped completion. speak is a
// Reeve extension: the reply flattened for a TTS pipeline.
type ChatCompletionResponse struct {
	ID             string   `json:"id"`
	Object         string   `json:"object"`
	Created        int64    `json:"created"`
	Model          string   `json:"model"`
	Choices        []Choice `json:"choices"`
	Usage          Usage    `json:"usage"`
	ConversationID string   `json:"conversation_id"`
	Speak          string   `json:"speak,omitempty"`
}

// Choice represents a completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage represents token usage.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request, principal string) {
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}

	// History is server-side; only the newest user message matters.
	text := lastUserMessage(req.Messages)
	if text == "" {
		s.errorResponse(w, http.StatusBadRequest, "at least one user message with content is required")
		return
	}

	in := orchestrator.TurnInput{
		Token:          principal,
		Model:          req.Model,
		Text:           text,
		ConversationID: req.ConversationID,
		Ghost:          req.Ghost,
		MaxTokens:      req.MaxTokens,
	}
	if ua := r.UserAgent(); ua != "" {
		in.ClientMeta = map[string]string{"userAgent": ua}
	}

	if req.Stream {
		s.streamCompletion(w, r, in)
		return
	}

	res, err := s.orch.Turn(r.Context(), in, nil)
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		s.errorResponse(w, http.StatusInternalServerError, "agent error")
		return
	}

	completion := ChatCompletionResponse{
		ID:      completionID(res.MessageID),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   res.Model,
		Choices: []Choice{
			{
				Index: 0,
				Message: ChatMessage{
					Role:    "assistant",
					Content: res.Content,
				},
				FinishReason: res.FinishReason,
			},
		},
		Usage: Usage{
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			TotalTokens:      res.InputTokens + res.OutputTokens,
		},
		ConversationID: res.ConversationID,
		Speak:          speech.Flatten(res.Content),
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, completion, s.logger)
}

// StreamChunk is the SSE format for streaming responses. usage and
// conversation_id ride on the final chunk only.
type StreamChunk struct {
	ID             string         `json:"id"`
	Object         string         `json:"object"`
	Created        int64          `json:"created"`
	Model          string         `json:"model"`
	Choices        []StreamChoice `json:"choices"`
	Usage          *Usage         `json:"usage,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
}

// StreamChoice represents a streaming choice with delta content.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason *string     `json:"finish_reason"`
}

// StreamDelta represents incremental content.
type StreamDelta struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, in orchestrator.TurnInput) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()
	model := in.Model
	if model == "" {
		model = "reeve" // Corrected in the final chunk
	}

	// Send initial chunk with role
	s.writeSSE(w, StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []StreamChoice{{
			Index: 0,
			Delta: StreamDelta{Role: "assistant"},
		}},
	})
	flusher.Flush()

	streamed := false
	rc := http.NewResponseController(w)

	emitContent := func(delta string) {
		streamed = true
		s.writeSSE(w, StreamChunk{
			ID:      id,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []StreamChoice{{
				Index: 0,
				Delta: StreamDelta{Content: delta},
			}},
		})
		flusher.Flush()
	}

	emit := func(ev events.Event) {
		switch ev.Kind {
		case events.KindDelta:
			// The final delta carries only a finish reason.
			if delta, _ := ev.Data["delta"].(string); delta != "" {
				emitContent(delta)
			}
		case events.KindLLMCall, events.KindLLMCallComplete,
			events.KindToolCall, events.KindToolCallComplete,
			events.KindRecollection:
			// SSE comment as keepalive to prevent write timeout. Clients
			// that want the event detail subscribe to /v1/events instead.
			fmt.Fprintf(w, ": keepalive %s\n\n", ev.Kind)
			flusher.Flush()
		}

		// Reset write deadline after every event to prevent timeout
		// during multi-iteration tool loops
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	res, err := s.orch.Turn(r.Context(), in, emit)
	if err != nil {
		s.logger.Error("turn failed", "error", err)
		// The status line already went out. Stream an error payload in
		// place of [DONE] so clients see the failure, then close.
		s.writeSSE(w, map[string]any{
			"error": map[string]any{
				"message": "agent error",
				"type":    "server_error",
			},
		})
		flusher.Flush()
		return
	}

	// If content never streamed, emit it whole now
	if !streamed && res.Content != "" {
		emitContent(res.Content)
	}

	model = res.Model
	finishReason := res.FinishReason
	s.writeSSE(w, StreamChunk{
		ID:      id,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []StreamChoice{{
			Index:        0,
			Delta:        StreamDelta{},
			FinishReason: &finishReason,
		}},
		Usage: &Usage{
			PromptTokens:     res.InputTokens,
			CompletionTokens: res.OutputTokens,
			TotalTokens:      res.InputTokens + res.OutputTokens,
		},
		ConversationID: res.ConversationID,
	})
	flusher.Flush()

	// Send [DONE] marker
	fmt.Fprintf(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, chunk any) {
	data, err := json.Marshal(chunk)
	if err != nil {
		s.logger.Debug("failed to marshal SSE chunk", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE chunk", "error", err)
	}
}

// completionID derives the completion id from the stored assistant
// message id when there is one.
func completionID(messageID string) string {
	if messageID != "" {
		return "chatcmpl-" + messageID
	}
	return fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
}

// lastUserMessage returns the content of the newest user message.
func lastUserMessage(msgs []ChatMessage) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			if text := strings.TrimSpace(msgs[i].Content); text != "" {
				return text
			}
		}
	}
	return ""
}
