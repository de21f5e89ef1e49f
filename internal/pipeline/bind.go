package pipeline

// bind.go resolves the manifest's script references into the rule functions
// each pass calls, and declares them in the artifact.

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/sandbox"
)

// RequiredRuleID is the rule id of the engine's own required-value check.
const RequiredRuleID = "engine.required"

var builtinFields = manifest.BuiltinPrefix + rules.FieldsModule

type boundRule struct {
	ID       string
	Ref      string
	Function string
	Kind     rules.Kind
	inv      sandbox.Invoker
}

// fieldRules are the rules that serve one target field.
type fieldRules struct {
	field     manifest.Field
	detectors []boundRule
	transform *boundRule
	validate  *boundRule
}

type module struct {
	ref string
	inv sandbox.Invoker
	fns []string
}

func (m module) has(fn string) bool {
	i := sort.SearchStrings(m.fns, fn)
	return i < len(m.fns) && m.fns[i] == fn
}

func (m module) detectors() []string {
	var out []string
	for _, fn := range m.fns {
		if strings.HasPrefix(fn, rules.DetectPrefix) {
			out = append(out, fn)
		}
	}
	return out
}

func (st *runState) module(ctx context.Context, ref string) (module, error) {
	inv, err := st.pool.Get(ref)
	if err != nil {
		return module{}, fatal("", CodeRuleUnavailable, fmt.Errorf("load rule module %s: %w", ref, err))
	}
	fns, err := inv.Functions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return module{}, ctxFatal("", ctx.Err())
		}
		return module{}, fatal("", CodeRuleUnavailable, fmt.Errorf("load rule module %s: %w", ref, err))
	}
	fns = append([]string(nil), fns...)
	sort.Strings(fns)
	return module{ref: ref, inv: inv, fns: fns}, nil
}

func (st *runState) bindRule(m module, fn string, kind rules.Kind, field string) boundRule {
	r := boundRule{ID: sandbox.RuleID(m.ref, fn), Ref: m.ref, Function: fn, Kind: kind, inv: m.inv}
	impl := "process"
	if manifest.IsBuiltin(m.ref) {
		impl, field = "builtin", ""
	}
	st.rec.RegisterRule(r.ID, artifact.RuleInfo{
		Kind:     kind,
		Module:   m.ref,
		Function: fn,
		Field:    field,
		Impl:     impl,
	})
	return r
}

// bind resolves row detectors, field rules and hooks. A module that cannot
// be loaded fails the run before Pass 1.
func (st *runState) bind(ctx context.Context) error {
	for _, ref := range st.manifest.Rows.Detectors {
		m, err := st.module(ctx, ref)
		if err != nil {
			return err
		}
		for _, fn := range m.detectors() {
			st.rowRules = append(st.rowRules, st.bindRule(m, fn, rules.KindRowDetector, ""))
		}
	}
	sort.SliceStable(st.rowRules, func(i, j int) bool { return st.rowRules[i].ID < st.rowRules[j].ID })

	fallback, err := st.module(ctx, builtinFields)
	if err != nil {
		return err
	}
	st.fieldRules = make(map[string]*fieldRules, len(st.fields))
	anyRequired := false
	for _, f := range st.fields {
		m := fallback
		if f.Script != "" {
			if m, err = st.module(ctx, f.Script); err != nil {
				return err
			}
		}
		fr := &fieldRules{field: f}

		detectSrc := m
		if len(m.detectors()) == 0 {
			detectSrc = fallback
		}
		for _, fn := range detectSrc.detectors() {
			fr.detectors = append(fr.detectors, st.bindRule(detectSrc, fn, rules.KindColumnDetector, f.Name))
		}
		for _, slot := range []struct {
			fn   string
			kind rules.Kind
			dst  **boundRule
		}{
			{rules.FuncTransform, rules.KindTransform, &fr.transform},
			{rules.FuncValidate, rules.KindValidate, &fr.validate},
		} {
			src := m
			if !src.has(slot.fn) {
				src = fallback
			}
			if src.has(slot.fn) {
				r := st.bindRule(src, slot.fn, slot.kind, f.Name)
				*slot.dst = &r
			}
		}
		anyRequired = anyRequired || f.Required
		st.fieldRules[f.Name] = fr
	}
	if anyRequired {
		st.rec.RegisterRule(RequiredRuleID, artifact.RuleInfo{
			Kind: rules.KindValidate, Module: "engine", Function: "required", Impl: "engine",
		})
	}

	st.hooks = make(map[string][]boundRule)
	for _, stage := range []string{manifest.StagePreRun, manifest.StagePostMapping, manifest.StagePostTransform, manifest.StagePostValidate, manifest.StagePostRun} {
		for _, ref := range st.manifest.Hooks.ForStage(stage) {
			m, err := st.module(ctx, ref)
			if err != nil {
				return err
			}
			if !m.has(rules.FuncRun) {
				return fatal("", CodeRuleUnavailable, fmt.Errorf("load rule module %s: hook does not export %q", ref, rules.FuncRun))
			}
			st.hooks[stage] = append(st.hooks[stage], st.bindRule(m, rules.FuncRun, rules.KindHook, ""))
		}
	}
	return nil
}
