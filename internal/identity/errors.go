package identity

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound             = errors.New("identity: not found")
	ErrAuthenticationFailed = errors.New("identity: authentication failed")
	ErrAccountDisabled      = errors.New("identity: account is disabled")
	ErrConflict             = errors.New("identity: already exists")
	ErrInvalidInput         = errors.New("identity: invalid input")
	ErrInvalidToken         = errors.New("identity: invalid token")
)

// ValidationError carries field-level detail for malformed input.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
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

// Is lets callers match a ValidationError against ErrInvalidInput.
func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

func newValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}
