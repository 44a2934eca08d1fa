package cli

import (
	"errors"
	"fmt"
)

// ExitError represents a command execution failure with a specific exit code.
//
// Cobra RunE functions return it to signal a non-zero exit code without calling
// os.Exit() directly. A command that fails returns NewExitError(code), which
// propagates up to [RunWithConfig] where [IsExitError] extracts the code for
// [ExecuteResult]. The [Execute] function performs the actual os.Exit() call.
//
// The run and resume commands return NewExitError(1) when a run ends failed or
// aborted, after the run summary has been printed.
type ExitError struct {
	// Code is the exit code to return to the shell.
	// Convention: 0 = success, 1 = run did not succeed or general error.
	Code int
}

// Error implements the error interface, returning a string in the format
// "exit status N" where N is the exit code. This format matches the standard
// os/exec ExitError format.
func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// NewExitError creates an [ExitError] with the given exit code.
//
// Use this in Cobra RunE functions to signal failure once the outcome has
// already been reported to the user:
//
//	if view.Status != state.RunSucceeded {
//	    return NewExitError(1)
//	}
//
// Other errors returned from RunE map to exit code 1 and are printed by
// [Execute].
func NewExitError(code int) *ExitError {
	return &ExitError{Code: code}
}

// IsExitError checks if err is, or wraps, an [ExitError] and extracts its exit
// code.
//
// Returns (code, true) if an *ExitError is found in the chain of err. Returns
// (0, false) for nil or non-ExitError errors.
//
// Typical usage in [RunWithConfig]:
//
//	if err := cmd.Execute(); err != nil {
//	    if code, ok := IsExitError(err); ok {
//	        return ExecuteResult{ExitCode: code, Err: err}
//	    }
//	    return ExecuteResult{ExitCode: 1, Err: err}  // generic error
//	}
func IsExitError(err error) (int, bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code, true
	}
	return 0, false
}
