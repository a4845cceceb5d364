package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorClass buckets call failures by what the caller can do about
// them: wait longer, give up, or stop because the caller went away.
type ErrorClass string

const (
	// ClassRateLimit is provider throttling, retried on a growing wait.
	ClassRateLimit ErrorClass = "rate_limit"

	// ClassAuth is a bad or expired credential, never retried.
	ClassAuth ErrorClass = "auth"

	// ClassAbort is caller cancellation, never retried.
	ClassAbort ErrorClass = "abort"

	// ClassTimeout is a spent call deadline.
	ClassTimeout ErrorClass = "timeout"

	// ClassValidation marks a malformed model response. Produced by the
	// retry layer itself, never by Classify.
	ClassValidation ErrorClass = "validation"

	// ClassOther is everything else, retried on a short wait.
	ClassOther ErrorClass = "other"
)

// Retryable reports whether another attempt can help.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ClassAuth, ClassAbort:
		return false
	}
	return true
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.Status, e.Body)
}

// Classify buckets a call error for the retry policy. Context errors
// and status codes win when present; otherwise the error text is
// matched the way providers commonly phrase these failures.
func Classify(err error) ErrorClass {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) {
		return ClassAbort
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch statusErr.Status {
		case http.StatusTooManyRequests:
			return ClassRateLimit
		case http.StatusUnauthorized, http.StatusForbidden:
			return ClassAuth
		}
		return ClassOther
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return ClassRateLimit
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") ||
		strings.Contains(msg, "401") || strings.Contains(msg, "403"):
		return ClassAuth
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return ClassTimeout
	}
	return ClassOther
}
