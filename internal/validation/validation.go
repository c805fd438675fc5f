// Package validation wraps go-playground/validator behind a singleton and a
// single error type. Request records at both protocol boundaries (WebSocket
// commands and the HTTP command envelope) are validated here before any
// storage or registry call is dispatched.
package validation

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// Validator returns the shared validator instance. The instance caches
// struct metadata, so sharing it is both a correctness and a performance
// concern.
func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Error reports one or more field validation failures. It is always
// recoverable: the caller gets a specific message and the connection or
// request flow continues.
type Error struct {
	messages []string
}

// NewError builds a validation error from an explicit message, for checks
// that fall outside struct tags (unknown commands, malformed envelopes).
func NewError(format string, args ...any) *Error {
	return &Error{messages: []string{fmt.Sprintf(format, args...)}}
}

func (e *Error) Error() string {
	if len(e.messages) == 0 {
		return "validation failed"
	}
	return strings.Join(e.messages, "; ")
}

// Messages returns the individual failure messages.
func (e *Error) Messages() []string {
	return e.messages
}

// ValidateStruct validates a tagged struct and converts validator failures
// into an *Error with one message per failed field.
func ValidateStruct(value any) error {
	err := Validator().Struct(value)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		// InvalidValidationError: the caller passed a non-struct.
		return NewError("invalid request payload")
	}

	converted := &Error{messages: make([]string, 0, len(fieldErrors))}
	for _, fieldError := range fieldErrors {
		converted.messages = append(converted.messages, describe(fieldError))
	}
	return converted
}

// IsError reports whether err is (or wraps) a validation error.
func IsError(err error) bool {
	var verr *Error
	return errors.As(err, &verr)
}

func describe(fieldError validator.FieldError) string {
	field := strings.ToLower(fieldError.Field())
	switch fieldError.Tag() {
	case "required":
		return fmt.Sprintf("missing field: %s", field)
	case "min", "gte":
		return fmt.Sprintf("field %s must be at least %s", field, fieldError.Param())
	case "max", "lte":
		return fmt.Sprintf("field %s must be at most %s", field, fieldError.Param())
	default:
		return fmt.Sprintf("invalid field %s: failed %s", field, fieldError.Tag())
	}
}
