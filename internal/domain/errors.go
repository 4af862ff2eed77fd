package domain

import (
	"errors"
	"fmt"
)

// ValidationError reports invalid input. No state was changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// NotFoundError reports an unknown resource id.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// NewNotFoundError creates a NotFoundError.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// ConflictError reports an operation that is not allowed in the current state.
type ConflictError struct {
	Resource string
	ID       string
	Message  string
}

func (e *ConflictError) Error() string {
	if e.ID == "" {
		return e.Message
	}
	return fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Message)
}

// NewConflictError creates a ConflictError with a formatted message.
func NewConflictError(resource, id, format string, args ...any) error {
	return &ConflictError{Resource: resource, ID: id, Message: fmt.Sprintf(format, args...)}
}

// AgentCategory classifies agent failures.
type AgentCategory string

const (
	AgentTimeout    AgentCategory = "timeout"
	AgentNetwork    AgentCategory = "network"
	AgentSelector   AgentCategory = "selector"
	AgentAuth       AgentCategory = "auth"
	AgentValidation AgentCategory = "validation"
	AgentUnknown    AgentCategory = "unknown"
)

// ParseAgentCategory maps a reported category onto a known one.
func ParseAgentCategory(s string) AgentCategory {
	switch c := AgentCategory(s); c {
	case AgentTimeout, AgentNetwork, AgentSelector, AgentAuth, AgentValidation:
		return c
	default:
		return AgentUnknown
	}
}

// AgentError is a failure reported by or about the automation agent.
// Recoverable failures leave the job blocked instead of failed.
type AgentError struct {
	Category    AgentCategory
	Message     string
	Recoverable bool
	Err         error
}

func (e *AgentError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("agent %s error: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("agent %s error: %s", e.Category, e.Message)
}

func (e *AgentError) Unwrap() error { return e.Err }

// NewAgentError creates an AgentError.
func NewAgentError(category AgentCategory, message string, err error) *AgentError {
	return &AgentError{Category: category, Message: message, Err: err}
}

// PersistenceError wraps a storage failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// NewPersistenceError wraps err as a PersistenceError.
func NewPersistenceError(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

// IsPersistence reports whether err is a PersistenceError.
func IsPersistence(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

// AsAgentError extracts an AgentError from err.
func AsAgentError(err error) (*AgentError, bool) {
	var target *AgentError
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// AgentErrorFor classifies any error as an AgentError, defaulting to unknown.
func AgentErrorFor(err error) *AgentError {
	if agentErr, ok := AsAgentError(err); ok {
		return agentErr
	}
	return NewAgentError(AgentUnknown, err.Error(), err)
}
