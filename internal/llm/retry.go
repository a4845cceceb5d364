package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"time"
)

const (
	retryMaxAttempts = 3
	rateLimitBackoff = 10 * time.Second
)

// invalidToolNote is appended as a system message when a response fails
// validation, so the next attempt can see what went wrong.
const invalidToolNote = "Your previous reply proposed an invalid tool call: %v. Use only the tools provided, with arguments as a single valid JSON object."

// RetryNote records one recovered failure for diagnostics. Callers
// surface these without aborting the turn.
type RetryNote struct {
	Attempt int
	Class   ErrorClass
	Reason  string
	Wait    time.Duration
}

// RetryClient wraps a Client with attempt-classified retries and
// response validation.
type RetryClient struct {
	client      Client
	logger      *slog.Logger
	maxAttempts int

	// sleep is swappable for tests. Returns false when the context
	// died during the wait.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewRetryClient wraps client with the retry policy.
func NewRetryClient(client Client, logger *slog.Logger) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryClient{
		client:      client,
		logger:      logger.With("component", "retry"),
		maxAttempts: retryMaxAttempts,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// ChatRetry runs req with validation and classified retries. Recovered
// failures come back as notes; the error is non-nil only when every
// attempt is spent or the failure class does not permit another try.
//
// Validation covers tool proposals: every name must be offered in
// req.Tools and every argument string must parse as a JSON object. A
// failed validation appends a corrective system note to the context and
// retries. When the last attempt still fails validation the result is
// returned as-is and the caller decides what to do with it.
func (r *RetryClient) ChatRetry(ctx context.Context, req Request) (*Result, []RetryNote, error) {
	msgs := slices.Clone(req.Messages)
	names := toolNames(req.Tools)

	var notes []RetryNote
	var lastErr error

	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		attemptReq := req
		attemptReq.Messages = msgs

		result, err := r.client.Chat(ctx, attemptReq)
		if err == nil {
			verr := validateToolCalls(result, names)
			if verr == nil {
				return result, notes, nil
			}
			if attempt == r.maxAttempts {
				// Out of attempts. Hand back the invalid result and
				// let the caller decide.
				notes = append(notes, RetryNote{Attempt: attempt, Class: ClassValidation, Reason: verr.Error()})
				return result, notes, nil
			}
			r.logger.Warn("invalid tool proposal, retrying",
				"attempt", attempt,
				"error", verr,
			)
			notes = append(notes, RetryNote{Attempt: attempt, Class: ClassValidation, Reason: verr.Error(), Wait: time.Second})
			msgs = append(msgs, Message{
				Role:    "system",
				Content: fmt.Sprintf(invalidToolNote, verr),
			})
			if !r.sleep(ctx, time.Second) {
				return nil, notes, ctx.Err()
			}
			continue
		}

		class := Classify(err)
		if !class.Retryable() {
			return nil, notes, err
		}
		lastErr = err
		if attempt == r.maxAttempts {
			break
		}

		wait := time.Second
		if class == ClassRateLimit {
			wait = time.Duration(attempt) * rateLimitBackoff
		}
		r.logger.Warn("model call failed, retrying",
			"attempt", attempt,
			"class", class,
			"wait", wait,
			"error", err,
		)
		notes = append(notes, RetryNote{Attempt: attempt, Class: class, Reason: err.Error(), Wait: wait})
		if !r.sleep(ctx, wait) {
			return nil, notes, ctx.Err()
		}
	}

	return nil, notes, fmt.Errorf("max retries exceeded: %w", lastErr)
}

// ChatStream passes through without retry. Response streams go straight
// to the client; replaying one after partial output would duplicate
// what the user already saw.
func (r *RetryClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Result, error) {
	return r.client.ChatStream(ctx, req, callback)
}

// Ping checks the underlying provider.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx)
}

// validateToolCalls checks a response's tool proposals against the
// offered tool set. Text-only responses always pass. An empty offered
// set rejects every proposal.
func validateToolCalls(result *Result, validNames []string) error {
	for _, tc := range result.Message.ToolCalls {
		if !slices.Contains(validNames, tc.Name) {
			return fmt.Errorf("unknown tool %q", tc.Name)
		}
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
			return fmt.Errorf("tool %q arguments are not a JSON object: %w", tc.Name, err)
		}
	}
	return nil
}
