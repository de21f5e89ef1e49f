package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

// builtinInvoker calls a builtin module in process. Builtins are trusted
// host code but still get a timeout and panic recovery, and their results
// are marshaled so they go through the same contract checks as workers.
type builtinInvoker struct {
	ref     string
	mod     rules.Module
	timeout time.Duration
}

// NewBuiltin returns an invoker for the builtin module named by ref
// ("builtin:fields" or "fields").
func NewBuiltin(ref string, timeout time.Duration) (Invoker, error) {
	name := strings.TrimPrefix(ref, manifest.BuiltinPrefix)
	mod, ok := rules.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("unknown builtin module %q", name)
	}
	return &builtinInvoker{ref: manifest.BuiltinPrefix + name, mod: mod, timeout: timeout}, nil
}

func (b *builtinInvoker) Name() string { return b.ref }

func (b *builtinInvoker) Functions(context.Context) ([]string, error) {
	return b.mod.Functions(), nil
}

func (b *builtinInvoker) Close() error { return nil }

type outcome struct {
	value any
	err   error
}

func (b *builtinInvoker) Call(ctx context.Context, function string, kwargs any) (json.RawMessage, error) {
	rule := RuleID(b.ref, function)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if b.timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, b.timeout)
	}
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &ResourceError{
					Rule:   rule,
					Kind:   ResourceCrash,
					Detail: fmt.Sprintf("panic: %v", r),
					Err:    errors.New(firstLines(string(debug.Stack()), 6)),
				}}
			}
		}()
		v, err := b.invoke(callCtx, function, kwargs)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, &ResourceError{Rule: rule, Kind: ResourceTimeout, Detail: fmt.Sprintf("no result within %s", b.timeout)}
	case o := <-done:
		if o.err != nil {
			var re *ResourceError
			if errors.As(o.err, &re) {
				return nil, re
			}
			return nil, &CallError{Rule: rule, Message: o.err.Error()}
		}
		raw, err := json.Marshal(o.value)
		if err != nil {
			return nil, &CallError{Rule: rule, Message: "marshal result: " + err.Error()}
		}
		return raw, nil
	}
}

func (b *builtinInvoker) invoke(ctx context.Context, function string, kwargs any) (any, error) {
	missing := fmt.Errorf("module %s does not export %s", b.ref, function)
	switch args := kwargs.(type) {
	case rules.RowArgs:
		fn, ok := b.mod.RowDetectors[function]
		if !ok {
			return nil, missing
		}
		return fn(ctx, args)
	case rules.ColumnArgs:
		fn, ok := b.mod.ColumnDetectors[function]
		if !ok {
			return nil, missing
		}
		return fn(ctx, args)
	case rules.ValuesArgs:
		switch {
		case function == rules.FuncTransform && b.mod.Transform != nil:
			return b.mod.Transform(ctx, args)
		case function == rules.FuncValidate && b.mod.Validate != nil:
			return b.mod.Validate(ctx, args)
		}
		return nil, missing
	case rules.HookArgs:
		if function != rules.FuncRun || b.mod.Hook == nil {
			return nil, missing
		}
		return b.mod.Hook(ctx, args)
	default:
		return nil, fmt.Errorf("unsupported kwargs type %T", kwargs)
	}
}

func firstLines(s string, n int) string {
	lines := strings.SplitN(s, "\n", n+1)
	if len(lines) > n {
		lines = lines[:n]
	}
	return strings.Join(lines, "\n")
}
