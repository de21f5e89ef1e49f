package sandbox

import (
	"errors"
	"fmt"

	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

// ContractError and ErrContract are re-exported so callers of the sandbox
// can match result-shape violations without importing rules.
type ContractError = rules.ContractError

var ErrContract = rules.ErrContract

var (
	// ErrResource matches every ResourceError.
	ErrResource = errors.New("rule exceeded a sandbox limit")

	// ErrRuleFailed matches every CallError.
	ErrRuleFailed = errors.New("rule raised an error")
)

// ResourceKind names the limit a rule ran into.
type ResourceKind string

const (
	ResourceTimeout ResourceKind = "timeout"
	ResourceMemory  ResourceKind = "memory"
	ResourceCrash   ResourceKind = "crash"
	ResourceStart   ResourceKind = "start"
)

// ResourceError reports a rule that timed out, ran out of memory, crashed
// its worker or could not be started.
type ResourceError struct {
	Rule   string
	Kind   ResourceKind
	Detail string
	Err    error
}

func (e *ResourceError) Error() string {
	msg := fmt.Sprintf("rule %s: %s", e.Rule, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ResourceError) Unwrap() error { return e.Err }

func (e *ResourceError) Is(target error) bool { return target == ErrResource }

// CallError reports an error raised by the rule itself.
type CallError struct {
	Rule    string
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("rule %s failed: %s", e.Rule, e.Message)
}

func (e *CallError) Is(target error) bool { return target == ErrRuleFailed }

// IsRuleFailure reports whether err is a failure attributable to a rule
// (resource limit, rule error or contract violation) rather than to the host.
func IsRuleFailure(err error) bool {
	return errors.Is(err, ErrResource) || errors.Is(err, ErrRuleFailed) || errors.Is(err, ErrContract)
}
