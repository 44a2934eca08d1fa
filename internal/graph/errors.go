package graph

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidGraph    = errors.New("invalid workflow graph")
	ErrUnknownUpstream = errors.New("unknown upstream stage")
	ErrCycle           = errors.New("cycle detected")
	ErrUnreachable     = errors.New("stage unreachable from entry")
)

// GraphError wraps graph construction failures.
//
// Kind is one of the package sentinel errors, so callers can match with errors.Is.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidGraph, Msg: fmt.Sprintf(format, args...)}
}

func unknownUpstreamf(format string, args ...any) error {
	return &GraphError{Kind: ErrUnknownUpstream, Msg: fmt.Sprintf(format, args...)}
}

func unreachable(names []string) error {
	return &GraphError{Kind: ErrUnreachable, Msg: strings.Join(names, ", ")}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycle, Msg: msg}
}
