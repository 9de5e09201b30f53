package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Business-rule and security errors shared by the lifecycle managers. Everything
// not listed here is treated as a technical failure.
var (
	ErrInvalidAmount          = errors.New("amount must be greater than zero")
	ErrDuplicateRequest       = errors.New("an active request already exists for this identity")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrUnknownReference       = errors.New("unknown gateway reference")
	ErrNotFound               = errors.New("resource not found")
	ErrLimitExceeded          = errors.New("operation exceeds approved limits")
	ErrFraudBlocked           = errors.New("request blocked by fraud controls")
	ErrReviewerMismatch       = errors.New("request is assigned to another reviewer")
	ErrAccessDenied           = errors.New("access denied")
)

// ValidationError carries a per-field breakdown of rejected input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records a field failure and returns the receiver for chaining.
func (e *ValidationError) Add(field, msg string) *ValidationError {
	if e.Fields == nil {
		e.Fields = map[string]string{}
	}
	e.Fields[field] = msg
	return e
}

// OrNil returns nil when no field failed, so callers can `return v.OrNil()`.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// ErrorCategory groups errors by how the boundary must treat them.
type ErrorCategory string

const (
	CategoryValidation ErrorCategory = "validation"
	CategoryBusiness   ErrorCategory = "business"
	CategoryNotFound   ErrorCategory = "not_found"
	CategorySecurity   ErrorCategory = "security"
	CategoryTechnical  ErrorCategory = "technical"
)

// Classification is the stable category and code of an error.
type Classification struct {
	Category ErrorCategory
	Code     string
}

// Classify maps any error returned by the lifecycle managers to its category and
// stable code.
func Classify(err error) Classification {
	var verr *ValidationError
	switch {
	case err == nil:
		return Classification{}
	case errors.As(err, &verr):
		return Classification{CategoryValidation, "VALIDATION_FAILED"}
	case errors.Is(err, ErrInvalidAmount):
		return Classification{CategoryValidation, "INVALID_AMOUNT"}
	case errors.Is(err, ErrDuplicateRequest):
		return Classification{CategoryBusiness, "DUPLICATE_REQUEST"}
	case errors.Is(err, ErrInvalidStateTransition):
		return Classification{CategoryBusiness, "INVALID_STATE_TRANSITION"}
	case errors.Is(err, ErrLimitExceeded):
		return Classification{CategoryBusiness, "LIMIT_EXCEEDED"}
	case errors.Is(err, ErrUnknownReference):
		return Classification{CategoryNotFound, "UNKNOWN_REFERENCE"}
	case errors.Is(err, ErrNotFound):
		return Classification{CategoryNotFound, "NOT_FOUND"}
	case errors.Is(err, ErrFraudBlocked):
		return Classification{CategorySecurity, "FRAUD_BLOCKED"}
	case errors.Is(err, ErrReviewerMismatch):
		return Classification{CategorySecurity, "REVIEWER_MISMATCH"}
	case errors.Is(err, ErrAccessDenied):
		return Classification{CategorySecurity, "ACCESS_DENIED"}
	}
	return Classification{CategoryTechnical, "INTERNAL_ERROR"}
}

// IsBusinessOutcome reports whether err is an expected rejection rather than a failure
// worth retrying.
func IsBusinessOutcome(err error) bool {
	c := Classify(err)
	return c.Category != CategoryTechnical && c.Category != ""
}
