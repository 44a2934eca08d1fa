package capability

import (
	"errors"
	"fmt"
	"strings"
)

// FailureKind classifies why a stage attempt did not succeed.
type FailureKind string

const (
	// KindTransient is a retryable failure such as an unavailable resource.
	KindTransient FailureKind = "transient"

	// KindTimeout is a call that exceeded its stage timeout. Retried like transient.
	KindTimeout FailureKind = "timeout"

	// KindValidation means the capability ran but its output failed a declared check.
	KindValidation FailureKind = "validation"

	// KindConfiguration covers malformed context or missing upstream artifacts.
	// Never retried; aborts the run.
	KindConfiguration FailureKind = "configuration"

	// KindCancelled marks attempts stopped by run cancellation. Terminal, not an error.
	KindCancelled FailureKind = "cancelled"

	// KindInterrupted marks attempts left running by a process that exited before
	// the run finished.
	KindInterrupted FailureKind = "interrupted"

	// KindViolation is a [FatalError] raised by the gate stage: the certification
	// found a violation no rework can repair. Never retried; aborts the run.
	KindViolation FailureKind = "violation"
)

// Finding is one observation raised by a validating stage.
//
// Stage names the stage the finding is addressed to; the certification gate uses it
// to select rework targets.
type Finding struct {
	Stage   string `json:"stage,omitempty" yaml:"stage,omitempty"`
	Code    string `json:"code,omitempty" yaml:"code,omitempty"`
	Message string `json:"message" yaml:"message"`
}

func (f Finding) String() string {
	var b strings.Builder
	if f.Stage != "" {
		b.WriteString(f.Stage)
		b.WriteString(": ")
	}
	if f.Code != "" {
		b.WriteString("[")
		b.WriteString(f.Code)
		b.WriteString("] ")
	}
	b.WriteString(f.Message)
	return b.String()
}

// TransientError reports a failure that may succeed when retried.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError reports output that failed a precondition or postcondition check.
type ValidationError struct {
	Findings []Finding
}

func (e *ValidationError) Error() string {
	if len(e.Findings) == 0 {
		return "validation failed"
	}
	parts := make([]string, len(e.Findings))
	for i, f := range e.Findings {
		parts[i] = f.String()
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// FatalError reports a failure that must never be retried, such as a malformed
// context or a certification violation.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal: %v", e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

// Transient wraps err as a [TransientError].
func Transient(err error) error {
	return &TransientError{Err: err}
}

// Transientf formats a [TransientError].
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// Validation builds a [ValidationError] from findings.
func Validation(findings ...Finding) error {
	return &ValidationError{Findings: findings}
}

// Fatal wraps err as a [FatalError].
func Fatal(err error) error {
	return &FatalError{Err: err}
}

// Fatalf formats a [FatalError].
func Fatalf(format string, args ...any) error {
	return &FatalError{Err: fmt.Errorf(format, args...)}
}

// FindingsOf returns the findings carried by err, if it is a [ValidationError].
func FindingsOf(err error) []Finding {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve.Findings
	}
	return nil
}
