package rules

// contract.go defines rule arguments, result shapes and the decoders that
// enforce them. Every result, builtin or out-of-process, is decoded here.

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"

	"github.com/go-viper/mapstructure/v2"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

// Kind identifies a rule contract.
type Kind string

const (
	KindRowDetector    Kind = "row_detector"
	KindColumnDetector Kind = "column_detector"
	KindTransform      Kind = "transform"
	KindValidate       Kind = "validate"
	KindHook           Kind = "hook"
)

// Function names with fixed meaning. Detectors are any function whose name
// starts with DetectPrefix.
const (
	DetectPrefix  = "detect_"
	FuncTransform = "transform"
	FuncValidate  = "validate"
	FuncRun       = "run"
)

// Common carries the arguments every rule receives. Manifest and Artifact
// are shared by every call of a pass and must be treated as read-only.
type Common struct {
	JobID      string            `json:"job_id"`
	SourceFile string            `json:"source_file"`
	Manifest   json.RawMessage   `json:"manifest,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Artifact   json.RawMessage   `json:"artifact,omitempty"`
}

// RowArgs are the keyword arguments of a row detector.
type RowArgs struct {
	Common
	SheetName       string `json:"sheet_name"`
	RowIndex        int    `json:"row_index"`
	RowValuesSample []any  `json:"row_values_sample"`
}

// ColumnArgs are the keyword arguments of a column detector.
type ColumnArgs struct {
	Common
	SheetName    string             `json:"sheet_name"`
	TableID      string             `json:"table_id"`
	ColumnIndex  int                `json:"column_index"`
	Header       string             `json:"header"`
	ValuesSample []any              `json:"values_sample"`
	FieldName    string             `json:"field_name"`
	FieldMeta    manifest.FieldMeta `json:"field_meta"`
}

// ValuesArgs are the keyword arguments of transform and validate.
type ValuesArgs struct {
	Common
	SheetName   string             `json:"sheet_name"`
	TableID     string             `json:"table_id"`
	ColumnIndex int                `json:"column_index"`
	Header      string             `json:"header"`
	FieldName   string             `json:"field_name"`
	FieldMeta   manifest.FieldMeta `json:"field_meta"`
	Values      []any              `json:"values"`
}

// HookArgs are the keyword arguments of a hook.
type HookArgs struct {
	Common
	Stage string `json:"stage"`
}

// ScoreResult is the decoded result of a detector.
type ScoreResult struct {
	Scores map[string]float64 `json:"scores" mapstructure:"scores"`
}

// Warning is a transform warning.
type Warning struct {
	RowIndex *int   `json:"row_index,omitempty" mapstructure:"row_index"`
	Code     string `json:"code,omitempty" mapstructure:"code"`
	Message  string `json:"message" mapstructure:"message"`
}

// TransformResult is the decoded result of a transform.
type TransformResult struct {
	Values   []any     `json:"values" mapstructure:"values"`
	Warnings []Warning `json:"warnings,omitempty" mapstructure:"warnings"`
}

// RawIssue is an issue as returned by a validator, before normalization.
type RawIssue struct {
	RowIndex int    `json:"row_index" mapstructure:"row_index"`
	Code     string `json:"code" mapstructure:"code"`
	Severity string `json:"severity" mapstructure:"severity"`
	Message  string `json:"message" mapstructure:"message"`
}

// ValidateResult is the decoded result of a validator.
type ValidateResult struct {
	Issues []RawIssue `json:"issues" mapstructure:"issues"`
}

// HookResult is the decoded result of a hook.
type HookResult struct {
	Notes any `json:"notes,omitempty" mapstructure:"notes"`
}

// ErrContract is the sentinel wrapped by every ContractError.
var ErrContract = errors.New("rule contract violation")

// ContractError reports a result that does not match its contract.
type ContractError struct {
	Rule   string
	Kind   Kind
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("rule %s (%s): contract violation: %s", e.Rule, e.Kind, e.Reason)
}

func (e *ContractError) Unwrap() error {
	return ErrContract
}

func violation(rule string, kind Kind, format string, args ...any) *ContractError {
	return &ContractError{Rule: rule, Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// decodeRaw parses raw JSON keeping numbers as json.Number.
func decodeRaw(raw json.RawMessage) (any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeInto maps a generic object onto out. Unknown keys are ignored;
// type mismatches are errors.
func decodeInto(in map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "mapstructure",
		WeaklyTypedInput: false,
		DecodeHook:       numberHook,
	})
	if err != nil {
		return err
	}
	return dec.Decode(in)
}

// numberHook turns json.Number into float64/int for numeric targets.
func numberHook(from, to reflect.Type, data any) (any, error) {
	n, ok := data.(json.Number)
	if !ok {
		return data, nil
	}
	switch to.Kind() {
	case reflect.Float64:
		return n.Float64()
	case reflect.Int:
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("%s is not an integer", n)
		}
		return int(i), nil
	default:
		return data, nil
	}
}

// DecodeScores validates a detector result. Column detectors may return a bare
// number; their scores must only name field. A null result contributes nothing.
func DecodeScores(rule string, kind Kind, field string, raw json.RawMessage) (map[string]float64, error) {
	v, err := decodeRaw(raw)
	if err != nil {
		return nil, violation(rule, kind, "result is not JSON: %v", err)
	}
	var scores map[string]float64
	switch t := v.(type) {
	case nil:
		return map[string]float64{}, nil
	case json.Number:
		if kind != KindColumnDetector {
			return nil, violation(rule, kind, "bare number result is only allowed for column detectors")
		}
		f, err := t.Float64()
		if err != nil {
			return nil, violation(rule, kind, "score %s: %v", t, err)
		}
		scores = map[string]float64{field: f}
	case map[string]any:
		if _, ok := t["scores"]; !ok {
			return nil, violation(rule, kind, `result has no "scores" key`)
		}
		var res ScoreResult
		if err := decodeInto(t, &res); err != nil {
			return nil, violation(rule, kind, "scores: %v", err)
		}
		scores = res.Scores
		if scores == nil {
			scores = map[string]float64{}
		}
	default:
		return nil, violation(rule, kind, "result must be an object, got %T", v)
	}

	for label, delta := range scores {
		if math.IsNaN(delta) || math.IsInf(delta, 0) {
			return nil, violation(rule, kind, "score for %q is not finite", label)
		}
		if kind == KindColumnDetector && label != field {
			return nil, violation(rule, kind, "scored field %q but may only score %q", label, field)
		}
		if label == "" {
			return nil, violation(rule, kind, "empty label")
		}
	}
	return scores, nil
}

// DecodeTransform validates a transform result against the input length.
func DecodeTransform(rule string, n int, raw json.RawMessage) (TransformResult, error) {
	v, err := decodeRaw(raw)
	if err != nil {
		return TransformResult{}, violation(rule, KindTransform, "result is not JSON: %v", err)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return TransformResult{}, violation(rule, KindTransform, "result must be an object, got %T", v)
	}
	values, ok := obj["values"].([]any)
	if !ok {
		return TransformResult{}, violation(rule, KindTransform, `result has no "values" list`)
	}
	if len(values) != n {
		return TransformResult{}, violation(rule, KindTransform, "returned %d values for %d inputs", len(values), n)
	}
	for i, val := range values {
		switch val.(type) {
		case nil, string, bool, json.Number:
		default:
			return TransformResult{}, violation(rule, KindTransform, "value %d is %T, want a scalar", i, val)
		}
	}

	res := TransformResult{Values: values}
	if w, ok := obj["warnings"]; ok && w != nil {
		var tmp struct {
			Warnings []Warning `mapstructure:"warnings"`
		}
		if err := decodeInto(map[string]any{"warnings": w}, &tmp); err != nil {
			return TransformResult{}, violation(rule, KindTransform, "warnings: %v", err)
		}
		for _, wr := range tmp.Warnings {
			if wr.RowIndex != nil && (*wr.RowIndex < 0 || *wr.RowIndex >= n) {
				return TransformResult{}, violation(rule, KindTransform, "warning row_index %d out of range [0,%d)", *wr.RowIndex, n)
			}
		}
		res.Warnings = tmp.Warnings
	}
	return res, nil
}

// DecodeValidate validates a validator result and normalizes codes and
// severities. A null result means no issues.
func DecodeValidate(rule string, n int, raw json.RawMessage) ([]RawIssue, error) {
	v, err := decodeRaw(raw)
	if err != nil {
		return nil, violation(rule, KindValidate, "result is not JSON: %v", err)
	}
	if v == nil {
		return nil, nil
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, violation(rule, KindValidate, "result must be an object, got %T", v)
	}
	if _, ok := obj["issues"]; !ok {
		return nil, violation(rule, KindValidate, `result has no "issues" key`)
	}
	var res ValidateResult
	if err := decodeInto(obj, &res); err != nil {
		return nil, violation(rule, KindValidate, "issues: %v", err)
	}
	out := make([]RawIssue, 0, len(res.Issues))
	for i, is := range res.Issues {
		if is.RowIndex < 0 || is.RowIndex >= n {
			return nil, violation(rule, KindValidate, "issue %d row_index %d out of range [0,%d)", i, is.RowIndex, n)
		}
		if is.Code == "" {
			return nil, violation(rule, KindValidate, "issue %d has no code", i)
		}
		sev, ok := NormalizeSeverity(is.Severity)
		if !ok {
			return nil, violation(rule, KindValidate, "issue %d has unknown severity %q", i, is.Severity)
		}
		is.Code = NormalizeCode(is.Code)
		is.Severity = sev
		out = append(out, is)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RowIndex < out[j].RowIndex })
	return out, nil
}

// DecodeHook validates a hook result. Null and {} are both "no notes".
func DecodeHook(rule string, raw json.RawMessage) (HookResult, error) {
	v, err := decodeRaw(raw)
	if err != nil {
		return HookResult{}, violation(rule, KindHook, "result is not JSON: %v", err)
	}
	switch t := v.(type) {
	case nil:
		return HookResult{}, nil
	case map[string]any:
		return HookResult{Notes: t["notes"]}, nil
	default:
		return HookResult{}, violation(rule, KindHook, "result must be an object or null, got %T", v)
	}
}
