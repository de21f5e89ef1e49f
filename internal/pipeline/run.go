package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/sandbox"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
	"github.com/JonMunkholm/sheetnorm/internal/snapshot"
)

// ContextCheckInterval is how many rows are streamed between cancellation checks.
var ContextCheckInterval = 100

// runState is everything one run owns.
type runState struct {
	runner *Runner
	req    Request
	rec    *artifact.Recorder
	snap   *snapshot.Snapshot
	slot   *Slot
	log    *slog.Logger

	manifest     *manifest.Manifest
	manifestJSON json.RawMessage
	fields       []manifest.Field
	byName       map[string]manifest.Field

	workbook sheet.Workbook
	pool     *sandbox.Pool
	spoolDir string
	closers  []func() error

	rowRules   []boundRule
	fieldRules map[string]*fieldRules
	hooks      map[string][]boundRule

	tables []*tableState

	// pass and view are set at pass boundaries and read-only inside a pass.
	pass string
	view json.RawMessage
}

// tableState is a located table and its column store.
type tableState struct {
	sheet     int
	index     int
	id        string
	sheetName string
	columns   []artifact.Column
	store     *sheet.ColumnStore
	mapping   []artifact.MappingEntry
}

func marshalManifest(m *manifest.Manifest) (json.RawMessage, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	return data, nil
}

// close releases resources in reverse acquisition order.
func (st *runState) close() {
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			st.log.Warn("release run resource", "error", err)
		}
	}
	st.closers = nil
}

type passFunc func(ctx context.Context) (map[string]int, error)

// execute runs hooks and the five passes in order.
func (st *runState) execute(ctx context.Context) error {
	st.byName = make(map[string]manifest.Field, len(st.fields))
	for _, f := range st.fields {
		st.byName[f.Name] = f
	}
	if err := st.bind(ctx); err != nil {
		return err
	}
	st.runHooks(ctx, manifest.StagePreRun)

	steps := []struct {
		pass  int
		run   passFunc
		after string
	}{
		{1, st.detect, ""},
		{2, st.mapColumns, manifest.StagePostMapping},
		{3, st.transform, manifest.StagePostTransform},
		{4, st.validate, manifest.StagePostValidate},
		{5, st.generate, manifest.StagePostRun},
	}
	for _, step := range steps {
		if err := st.runPass(ctx, step.pass, step.run); err != nil {
			return err
		}
		if step.after != "" {
			st.runHooks(ctx, step.after)
		}
	}
	return nil
}

func (st *runState) runPass(ctx context.Context, n int, run passFunc) error {
	name := artifact.PassNames[n]
	if err := ctx.Err(); err != nil {
		return ctxFatal(name, err)
	}
	if err := st.rec.BeginPass(n); err != nil {
		return fatal(name, CodeUnknown, err)
	}
	view, err := st.rec.View()
	if err != nil {
		return fatal(name, CodeUnknown, err)
	}
	st.pass, st.view = name, view
	st.slot.SetPass(name)

	start := time.Now()
	stats, err := run(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	status := artifact.StatusSucceeded
	if err != nil {
		status = artifact.StatusFailed
	}
	if endErr := st.rec.EndPass(n, status, stats); endErr != nil && err == nil {
		err = endErr
	}
	st.runner.metrics.ObservePass(name, status, time.Since(start))
	st.log.Debug("pass finished", "pass", name, "status", status, "duration", time.Since(start), "stats", stats)
	if err != nil {
		return asFatal(name, err)
	}
	return nil
}

func (st *runState) common() rules.Common {
	return rules.Common{
		JobID:      st.req.JobID,
		SourceFile: st.req.Input,
		Manifest:   st.manifestJSON,
		Env:        st.req.Env,
		Artifact:   st.view,
	}
}

// call invokes rule, decodes its result and counts the invocation. When the
// run's context ends during the call the error is a *FatalError and the call
// is not counted against the rule.
func (st *runState) call(ctx context.Context, rule boundRule, kwargs any, decode func(json.RawMessage) error) error {
	if err := ctx.Err(); err != nil {
		return ctxFatal(st.pass, err)
	}
	raw, err := rule.inv.Call(ctx, rule.Function, kwargs)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxFatal(st.pass, ctxErr)
	}
	if err == nil {
		err = decode(raw)
	}
	st.rec.CountInvocation(rule.ID, err)
	st.runner.metrics.RuleInvoked(string(rule.Kind), err)
	if err != nil {
		st.log.Debug("rule failed", "rule", rule.ID, "error", err)
	}
	return err
}

func isFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ruleFatal turns a failure of a required field's rule into a run failure.
func (st *runState) ruleFatal(field string, err error) *FatalError {
	code := CodeRuleFailed
	if errors.Is(err, rules.ErrContract) {
		code = CodeRuleContract
	}
	return fatal(st.pass, code, fmt.Errorf("required field %s: %w", field, err))
}

// concurrency is the per-pass column parallelism.
func (st *runState) concurrency() int {
	if n := st.runner.cfg.ColumnConcurrency; n > 0 {
		return n
	}
	return 1
}
