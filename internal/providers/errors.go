package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Error categories. They decide both retry behavior inside the adapter and
// how the stage surfaces the failure.
const (
	// CategoryValidation: the request itself is bad. Never retried, surfaces
	// as a 4xx at the API edge.
	CategoryValidation = "validation"
	// CategoryTransient: network weather, 429, 5xx. Retried inside the
	// adapter; exhausting retries upgrades it to fatal.
	CategoryTransient = "transient"
	// CategoryFatal: spend cap, content policy refusal, auth. The stage
	// fails and the job goes to failed.
	CategoryFatal = "fatal"
	// CategoryCanceled: caller context canceled or deadline hit.
	CategoryCanceled = "canceled"
)

// Error is the typed failure every adapter returns. Message keeps the
// provider-reported reason verbatim so it lands on the job record.
type Error struct {
	Provider   string
	Category   string
	StatusCode int
	Message    string
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s provider (%s, http %d): %s", e.Provider, e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s provider (%s): %s", e.Provider, e.Category, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Categorize extracts the category from any error chain, defaulting unknown
// errors to fatal so nothing silently retries forever.
func Categorize(err error) string {
	if err == nil {
		return ""
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Category
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCanceled
	}
	return CategoryFatal
}

func IsRetryable(err error) bool { return Categorize(err) == CategoryTransient }

func newError(provider, category string, status int, msg string, err error) *Error {
	return &Error{Provider: provider, Category: category, StatusCode: status, Message: msg, Err: err}
}

// classifyHTTP maps a provider HTTP status to a category. Content-policy
// refusals ride on 400s from every provider we use, so 400 bodies are
// inspected for refusal markers before being called validation errors.
func classifyHTTP(status int, body string) string {
	switch {
	case status == 408 || status == 429:
		return CategoryTransient
	case status >= 500:
		return CategoryTransient
	case status == 401 || status == 403 || status == 402:
		return CategoryFatal
	case status == 400 || status == 422:
		lower := strings.ToLower(body)
		for _, marker := range []string{"content policy", "content_policy", "safety", "moderation", "quota", "spend", "billing"} {
			if strings.Contains(lower, marker) {
				return CategoryFatal
			}
		}
		return CategoryValidation
	default:
		return CategoryFatal
	}
}

func classifyErr(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CategoryCanceled
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return CategoryTransient
	}
	return CategoryFatal
}
