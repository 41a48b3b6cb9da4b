package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Kind classifies an error into the orchestrator's taxonomy. The kind decides
// retry policy: rate limits and transient failures retry with backoff, auth
// and validation failures bubble straight to the stage.
type Kind string

const (
	KindValidation         Kind = "validation"
	KindConfig             Kind = "config"
	KindRateLimit          Kind = "provider_rate_limit"
	KindTransient          Kind = "provider_transient"
	KindAuth               Kind = "provider_auth"
	KindProviderValidation Kind = "provider_validation"
	KindBudgetExceeded     Kind = "budget_exceeded"
	KindNoTarget           Kind = "no_target"
	KindStageTimeout       Kind = "stage_timeout"
	KindWorktreeFailure    Kind = "worktree_failure"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// Error is the normalized error surfaced by the registry, router and
// pipeline. It carries the failing target so fallback exclusion works.
type Error struct {
	Kind       Kind
	Provider   string
	Model      string
	Message    string
	Status     int           // HTTP status when applicable
	RetryAfter time.Duration // rate-limit hint; zero when absent
	Err        error
}

func (e *Error) Error() string {
	target := ""
	if e.Provider != "" {
		target = " [" + e.Provider
		if e.Model != "" {
			target += ":" + e.Model
		}
		target += "]"
	}
	return fmt.Sprintf("%s%s: %s", e.Kind, target, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a normalized error without a target.
func NewError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// TargetError builds a normalized error attributed to a target.
func TargetError(kind Kind, providerName, model, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Provider: providerName, Model: model, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from any error chain.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindStageTimeout
	}
	return KindUnknown
}

// IsRetryable reports whether the error should stay inside the retry loop.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTransient, KindStageTimeout:
		return true
	default:
		return false
	}
}

// RetryAfterOf extracts the rate-limit hint, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// ClassifyHTTP maps an HTTP response to a normalized error.
func ClassifyHTTP(providerName, model string, status int, header http.Header, body string) *Error {
	e := &Error{
		Provider: providerName,
		Model:    model,
		Status:   status,
		Message:  fmt.Sprintf("API request failed with status %d: %s", status, truncate(body, 300)),
	}
	switch {
	case status == http.StatusTooManyRequests:
		e.Kind = KindRateLimit
		e.RetryAfter = parseRetryAfter(header)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuth
	case status >= 500:
		e.Kind = KindTransient
	case status >= 400:
		e.Kind = KindProviderValidation
	default:
		e.Kind = KindTransient
	}
	return e
}

// ClassifyTransport maps a transport-level failure (reset, timeout, DNS) to a
// normalized error. Context cancellation is preserved as cancelled.
func ClassifyTransport(providerName, model string, err error) *Error {
	kind := KindTransient
	if errors.Is(err, context.Canceled) {
		kind = KindCancelled
	} else if errors.Is(err, context.DeadlineExceeded) {
		kind = KindStageTimeout
	}
	return &Error{
		Kind:     kind,
		Provider: providerName,
		Model:    model,
		Message:  err.Error(),
		Err:      err,
	}
}

func parseRetryAfter(header http.Header) time.Duration {
	v := header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
