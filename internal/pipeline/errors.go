package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Fatal error codes. Each has a user message in messages.go.
const (
	CodeCancelled       = "RUN001"
	CodeTimedOut        = "RUN002"
	CodeBusy            = "RUN003"
	CodeManifestInvalid = "MAN001"
	CodeManifestMissing = "MAN002"
	CodeBuildFailed     = "BLD001"
	CodeSnapshotMissing = "BLD002"
	CodeInputUnreadable = "INP001"
	CodeInputTooLarge   = "INP002"
	CodeRuleContract    = "RUL001"
	CodeRuleFailed      = "RUL002"
	CodeRuleUnavailable = "RUL003"
	CodeOutputFailed    = "OUT001"
	CodeUnknown         = "ERR000"
)

// FatalError aborts a run. Pass is empty for failures before Pass 1.
type FatalError struct {
	Pass string
	Code string
	Err  error
}

func (e *FatalError) Error() string {
	if e.Pass == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("pass %s: %v", e.Pass, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func fatal(pass, code string, err error) *FatalError {
	return &FatalError{Pass: pass, Code: code, Err: err}
}

// ctxFatal converts a context error into the matching fatal error.
func ctxFatal(pass string, err error) *FatalError {
	if errors.Is(err, context.DeadlineExceeded) {
		return fatal(pass, CodeTimedOut, fmt.Errorf("run timed out: %w", err))
	}
	return fatal(pass, CodeCancelled, fmt.Errorf("run cancelled: %w", err))
}

// asFatal returns err as a FatalError, attributing untyped errors to pass.
func asFatal(pass string, err error) *FatalError {
	var fe *FatalError
	if errors.As(err, &fe) {
		if fe.Pass == "" {
			fe.Pass = pass
		}
		return fe
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctxFatal(pass, err)
	}
	return fatal(pass, MapError(err).Code, err)
}
