// Package resilience provides failure classification and retry with
// exponential backoff for pipeline stage tasks.
package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/helixir/paper-pipeline-service/internal/domain"
)

// ErrorCategory classifies a failure and selects the retry strategy applied
// to it.
type ErrorCategory int

const (
	// Unclassified errors carry no category and get the default strategy.
	Unclassified ErrorCategory = iota

	// Transient errors are temporary (timeouts, rate limits, dropped
	// connections) and are retried quickly and often.
	Transient

	// DataRelated errors come from the paper content itself. A couple of
	// retries cover flaky parsers, then the stage fails.
	DataRelated

	// System errors are local resource problems such as a full disk or an
	// unavailable database.
	System

	// Dependency errors come from an external service the stage calls.
	// These get the longest backoff.
	Dependency

	// Permanent errors are never retried.
	Permanent
)

// String returns the category name used in logs, metrics and error events.
func (c ErrorCategory) String() string {
	switch c {
	case Transient:
		return "transient"
	case DataRelated:
		return "data_related"
	case System:
		return "system"
	case Dependency:
		return "dependency"
	case Permanent:
		return "permanent"
	default:
		return "unclassified"
	}
}

// ClassifiedError attaches a category and an optional no-retry flag to an
// error. It is found anywhere in a wrapped chain with errors.As.
type ClassifiedError struct {
	Category ErrorCategory
	NoRetry  bool
	Err      error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return e.Category.String() + " error"
	}
	return e.Err.Error()
}

// Unwrap returns the wrapped error.
func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classified wraps err with the given category.
func Classified(category ErrorCategory, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Category: category, Err: err}
}

// NewTransient marks err as transient.
func NewTransient(err error) error { return Classified(Transient, err) }

// NewDataRelated marks err as data related.
func NewDataRelated(err error) error { return Classified(DataRelated, err) }

// NewSystem marks err as a system error.
func NewSystem(err error) error { return Classified(System, err) }

// NewDependency marks err as a dependency failure.
func NewDependency(err error) error { return Classified(Dependency, err) }

// NewPermanent marks err as permanent.
func NewPermanent(err error) error { return Classified(Permanent, err) }

// NoRetry marks err so that it is never retried, whatever its category.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return &ClassifiedError{Category: ce.Category, NoRetry: true, Err: err}
	}
	return &ClassifiedError{Category: Unclassified, NoRetry: true, Err: err}
}

// CategoryOf returns the explicit category carried by err and whether it
// is flagged as not retryable. Errors without a ClassifiedError in their
// chain report Unclassified.
func CategoryOf(err error) (ErrorCategory, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Category, ce.NoRetry
	}
	return Unclassified, false
}

// transientSubstrings are error message substrings that indicate a transient
// failure when the error carries no explicit category.
var transientSubstrings = []string{
	"timeout",
	"connection refused",
	"connection reset",
	"rate limit",
	"rate_limit",
	"too many requests",
	"temporary",
	"deadline exceeded",
	"i/o timeout",
}

// dependencySubstrings point at an external service being down.
var dependencySubstrings = []string{
	"service unavailable",
	"bad gateway",
	"upstream",
	"server_error",
}

// systemSubstrings point at local resource exhaustion.
var systemSubstrings = []string{
	"no space left",
	"out of memory",
	"too many open files",
}

// dataSubstrings point at malformed input. "invalid_input" rather than bare
// "invalid" so that "invalidated cache" does not match.
var dataSubstrings = []string{
	"invalid_input",
	"malformed",
	"unexpected eof",
	"parse error",
	"validation",
}

// Classify infers a category for errors that do not carry one. Explicit
// categories win, then domain sentinels, then message substrings. Anything
// unrecognised stays Unclassified.
func Classify(err error) ErrorCategory {
	if err == nil {
		return Unclassified
	}

	if category, _ := CategoryOf(err); category != Unclassified {
		return category
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, domain.ErrRateLimited) {
		return Transient
	}
	if errors.Is(err, domain.ErrServiceUnavailable) {
		return Dependency
	}
	if errors.Is(err, domain.ErrDatabase) {
		return System
	}
	if errors.Is(err, domain.ErrInvalidInput) {
		return DataRelated
	}
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidTransition) ||
		errors.Is(err, context.Canceled) {
		return Permanent
	}

	msg := strings.ToLower(err.Error())
	for _, group := range []struct {
		category ErrorCategory
		subs     []string
	}{
		{Transient, transientSubstrings},
		{Dependency, dependencySubstrings},
		{System, systemSubstrings},
		{DataRelated, dataSubstrings},
	} {
		for _, sub := range group.subs {
			if strings.Contains(msg, sub) {
				return group.category
			}
		}
	}

	return Unclassified
}
