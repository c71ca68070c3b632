// Package services defines the business logic for chatrooms, message
// admission, daily quotas and subscriptions. This file centralizes the
// service-level error values so they can be returned consistently by service
// methods and matched by callers with errors.Is / errors.As.
//
// Translation into HTTP status codes happens in the handler layer.
package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrNotFound indicates that the requested chatroom or user does not
	// exist or belongs to another user. The two cases are deliberately
	// indistinguishable to callers.
	ErrNotFound = errors.New("not found")

	// ErrRateLimited is matched by every *RateLimitError.
	ErrRateLimited = errors.New("daily message limit reached")

	// ErrValidation is matched by every *ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrUpstreamUnavailable is returned when a dependency the request path
	// cannot do without (the dispatch queue) rejected the operation.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrConflict is returned when a concurrent request won a race the
	// caller cannot resolve by retrying immediately.
	ErrConflict = errors.New("conflict")
)

// ErrEmptyPrompt is returned when message content is empty after normalization.
var ErrEmptyPrompt = &ValidationError{Field: "content", Reason: "must not be empty"}

// RateLimitError reports a quota denial and when the caller may try again.
type RateLimitError struct {
	Limit      int
	RetryAfter time.Time // next UTC midnight
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("daily message limit of %d reached; resets at %s", e.Limit, e.RetryAfter.Format(time.RFC3339))
}

// Is makes errors.Is(err, ErrRateLimited) true.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

// ValidationError describes malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + " " + e.Reason
}

// Is makes errors.Is(err, ErrValidation) true.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// validate is shared by all services; it is safe for concurrent use and
// caches struct metadata.
var validate = validator.New(validator.WithRequiredStructEnabled())

// validateStruct runs struct-tag validation and converts the first failure
// to a *ValidationError.
func validateStruct(v any) error {
	err := validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return &ValidationError{Field: strings.ToLower(fe.Field()), Reason: reasonFor(fe)}
	}
	return &ValidationError{Reason: err.Error()}
}

func reasonFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	case "min":
		return "must be at least " + fe.Param() + " characters"
	case "oneof":
		return "must be one of: " + fe.Param()
	default:
		return "is invalid (" + fe.Tag() + ")"
	}
}
