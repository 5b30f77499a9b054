// Package fault classifies gateway failures and decides how each surfaces:
// retried against the secondary runtime, rejected with a retry-after, or
// failed with a fixed, non-alarming message.
package fault

import (
	"context"
	"errors"
	"net"

	"github.com/carepath/cds-gateway/internal/types"
)

// Category is the failure taxonomy.
type Category string

const (
	CategoryTimeout             Category = "timeout"
	CategoryProviderUnavailable Category = "provider_unavailable"
	CategorySafetyViolation     Category = "safety_violation"
	CategoryValidationFailure   Category = "validation_failure"
	CategoryRateLimited         Category = "rate_limited"
	CategoryQuotaExceeded       Category = "quota_exceeded"
	CategoryUnknown             Category = "unknown"
)

// Transient categories may trigger one fallback attempt against the
// secondary runtime. Safety and validation failures never retry.
func (c Category) Transient() bool {
	return c == CategoryTimeout || c == CategoryProviderUnavailable
}

type SeverityLevel string

const (
	SeverityLow    SeverityLevel = "low"
	SeverityMedium SeverityLevel = "medium"
	SeverityHigh   SeverityLevel = "high"
)

// Strategy is the recommended recovery path.
type Strategy string

const (
	StrategyRetry        Strategy = "retry"
	StrategyFallback     Strategy = "fallback_provider"
	StrategyManualReview Strategy = "manual_review"
	StrategyWait         Strategy = "wait_and_retry"
	StrategyNone         Strategy = "none"
)

// Fault is a classified failure.
type Fault struct {
	Category    Category
	Severity    SeverityLevel
	Strategy    Strategy
	Suggestions []string
	UserMessage string

	// Internal detail for the audit record; never shown to the caller.
	Detail string
}

// Classify maps an error to its category.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryProviderUnavailable
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return CategoryProviderUnavailable
	}
	return CategoryUnknown
}

// Handle builds the full fault for a failure during task processing.
// Severity escalates for clinical tasks: a timeout on a teaching exercise is
// low priority, the same timeout on a triage explanation is not. Clinical
// recovery suggestions always include falling back to manual review.
func Handle(category Category, task types.Task, detail string) Fault {
	clinical := task.Spec().Clinical

	f := Fault{Category: category, Detail: detail}

	switch category {
	case CategoryTimeout:
		f.Severity = escalate(SeverityLow, clinical)
		f.Strategy = StrategyRetry
		f.Suggestions = []string{"Try again in a moment."}
		f.UserMessage = "The assistant took too long to respond."
	case CategoryProviderUnavailable:
		f.Severity = escalate(SeverityLow, clinical)
		f.Strategy = StrategyFallback
		f.Suggestions = []string{"Try again shortly."}
		f.UserMessage = "The assistant is unavailable right now."
	case CategorySafetyViolation:
		f.Severity = SeverityHigh
		f.Strategy = StrategyManualReview
		f.UserMessage = "The generated explanation did not pass the safety checks and was not shown."
	case CategoryValidationFailure:
		f.Severity = escalate(SeverityMedium, clinical)
		f.Strategy = StrategyManualReview
		f.UserMessage = "The assistant's answer was incomplete and was not shown."
	case CategoryRateLimited:
		f.Severity = SeverityLow
		f.Strategy = StrategyWait
		f.Suggestions = []string{"Wait for the current minute to pass before retrying."}
		f.UserMessage = "Too many requests. Please wait a moment."
	case CategoryQuotaExceeded:
		f.Severity = SeverityLow
		f.Strategy = StrategyWait
		f.Suggestions = []string{"The daily allowance resets at midnight UTC."}
		f.UserMessage = "The daily usage allowance has been reached."
	default:
		f.Severity = escalate(SeverityMedium, clinical)
		f.Strategy = StrategyNone
		f.UserMessage = "Something went wrong while preparing the explanation."
	}

	if clinical {
		f.Suggestions = append(f.Suggestions, "Fall back to manual clinical review per protocol.")
	}
	return f
}

// Detail converts a fault into the wire-format error body.
func (f Fault) ErrorDetail() *types.ErrorDetail {
	return &types.ErrorDetail{
		Category:    string(f.Category),
		Severity:    string(f.Severity),
		Strategy:    string(f.Strategy),
		Suggestions: f.Suggestions,
		UserMessage: f.UserMessage,
	}
}

func escalate(base SeverityLevel, clinical bool) SeverityLevel {
	if !clinical {
		return base
	}
	switch base {
	case SeverityLow:
		return SeverityMedium
	default:
		return SeverityHigh
	}
}
