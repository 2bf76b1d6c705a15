package rpmtools

import (
	"errors"
	"fmt"
	"strings"
)

// ResolutionError reports that the engine could not resolve a target.
// Orchestrators return it exactly as the engine produced it.
type ResolutionError struct {
	// Op is the session call that failed (install, update, remove, ...).
	Op     string
	Target string
	Err    error
}

func (e *ResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %s: no match", e.Op, e.Target)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// ErrorClass classifies engine failures.
type ErrorClass string

const (
	// ErrorClassResolution means a target could not be resolved.
	ErrorClassResolution ErrorClass = "resolution"

	// ErrorClassTransaction means the transaction failed while running.
	ErrorClassTransaction ErrorClass = "transaction"

	// ErrorClassKeyImport means a signing key would have had to be imported
	// without permission, or the import failed.
	ErrorClassKeyImport ErrorClass = "key_import"

	// ErrorClassEngine covers failures of the engine itself: it could not be
	// started, its session could not be opened or closed, its output could
	// not be parsed.
	ErrorClassEngine ErrorClass = "engine"
)

// EngineError is a classified engine failure.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Targets are the package or group names involved.
	Targets []string `json:"targets,omitempty"`

	Err error `json:"-"`

	// Details holds engine output relevant to the failure.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Class, e.Message)
	if e.Operation != "" {
		fmt.Fprintf(&b, " (operation=%s", e.Operation)
		if len(e.Targets) > 0 {
			fmt.Fprintf(&b, ", targets=%s", strings.Join(e.Targets, ","))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// Is matches another *EngineError of the same class.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewEngineError creates a classified error.
func NewEngineError(class ErrorClass, message string, err error) *EngineError {
	return &EngineError{
		Class:   class,
		Message: message,
		Err:     err,
	}
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string, targets ...string) *EngineError {
	e.Operation = operation
	e.Targets = targets
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Classify returns the class of err. Resolution errors are classified as
// resolution; unclassified errors as engine.
func Classify(err error) ErrorClass {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Class
	}
	var r *ResolutionError
	if errors.As(err, &r) {
		return ErrorClassResolution
	}
	return ErrorClassEngine
}

// IsResolution reports whether err is a resolution failure.
func IsResolution(err error) bool {
	return err != nil && Classify(err) == ErrorClassResolution
}

// IsTransaction reports whether err is a transaction failure.
func IsTransaction(err error) bool {
	return err != nil && Classify(err) == ErrorClassTransaction
}

// IsKeyImport reports whether err is a key import failure.
func IsKeyImport(err error) bool {
	return err != nil && Classify(err) == ErrorClassKeyImport
}
