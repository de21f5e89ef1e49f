// Package sandbox runs rule code for the pipeline.
//
// Rules live either in builtin modules compiled into the host or in worker
// scripts shipped with a config package. Both are reached through an
// Invoker, and both return raw JSON results so that the pipeline checks every
// result with the same decoders in package rules.
//
// Worker scripts run out of process, one worker per script per run, speaking
// the ruleworker JSON-lines protocol. Each call has a wall-clock timeout;
// a timed-out worker has its whole process group killed and is restarted on
// the next call. On Linux the worker's address space is capped with
// RLIMIT_AS and, unless the manifest allows network access, it is started in
// a private user and network namespace. The environment is allowlisted and
// HOME points at a scratch directory owned by the run.
package sandbox

import (
	"context"
	"encoding/json"
)

// Invoker calls the functions exported by one rule module.
type Invoker interface {
	// Name is the script reference the invoker was created for.
	Name() string
	// Functions lists the exported function names, sorted.
	Functions(ctx context.Context) ([]string, error)
	// Call invokes function with kwargs and returns its raw JSON result.
	// kwargs is one of rules.RowArgs, rules.ColumnArgs, rules.ValuesArgs or
	// rules.HookArgs.
	Call(ctx context.Context, function string, kwargs any) (json.RawMessage, error)
	Close() error
}

// RuleID is the artifact identifier of function in the module ref.
func RuleID(ref, function string) string {
	return ref + "." + function
}
