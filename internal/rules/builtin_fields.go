package rules

// builtin_fields.go registers "builtin:fields", the fallback rules for target
// fields: label and synonym detectors, a value-shape detector and transforms
// and validators selected by the field's type_hint.

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// FieldsModule is the builtin module used for fields without a script and
// for functions a field's script does not export.
const FieldsModule = "fields"

func init() {
	Register(Module{
		Name: FieldsModule,
		ColumnDetectors: map[string]ColumnDetectFunc{
			"detect_label":    detectLabel,
			"detect_synonyms": detectSynonyms,
			"detect_values":   detectValues,
		},
		Transform: transformByType,
		Validate:  validateByType,
	})
}

func fieldScore(field string, v float64) ScoreResult {
	return ScoreResult{Scores: map[string]float64{field: v}}
}

// containsTerm reports whether term appears in h on word boundaries.
func containsTerm(h, term string) bool {
	if h == "" || term == "" {
		return false
	}
	return strings.Contains(" "+h+" ", " "+term+" ")
}

func detectLabel(_ context.Context, args ColumnArgs) (ScoreResult, error) {
	h := NormalizeHeader(args.Header)
	name := NormalizeHeader(args.FieldName)
	label := NormalizeHeader(args.FieldMeta.Label)
	switch {
	case h == "":
		return fieldScore(args.FieldName, 0), nil
	case h == label || h == name:
		return fieldScore(args.FieldName, 1.0), nil
	case containsTerm(h, label) || containsTerm(h, name):
		return fieldScore(args.FieldName, 0.4), nil
	default:
		return fieldScore(args.FieldName, 0), nil
	}
}

func detectSynonyms(_ context.Context, args ColumnArgs) (ScoreResult, error) {
	h := NormalizeHeader(args.Header)
	if h == "" {
		return fieldScore(args.FieldName, 0), nil
	}
	best := 0.0
	for _, syn := range args.FieldMeta.Synonyms {
		s := NormalizeHeader(syn)
		switch {
		case h == s:
			return fieldScore(args.FieldName, 0.9), nil
		case containsTerm(h, s) && best < 0.3:
			best = 0.3
		}
	}
	return fieldScore(args.FieldName, best), nil
}

// detectValues rewards columns whose sampled values parse as the field's type.
func detectValues(_ context.Context, args ColumnArgs) (ScoreResult, error) {
	hint := canonicalHint(args.FieldMeta.TypeHint)
	if hint == "text" {
		return fieldScore(args.FieldName, 0), nil
	}
	var seen, matched int
	for _, v := range args.ValuesSample {
		if IsBlank(v) {
			continue
		}
		seen++
		if _, ok, _ := convertValue(hint, v); ok {
			matched++
		}
	}
	if seen == 0 {
		return fieldScore(args.FieldName, 0), nil
	}
	frac := float64(matched) / float64(seen)
	return fieldScore(args.FieldName, 0.4*frac-0.2), nil
}

func canonicalHint(h string) string {
	switch strings.ToLower(strings.TrimSpace(h)) {
	case "number", "decimal":
		return "number"
	case "integer":
		return "integer"
	case "date":
		return "date"
	case "boolean", "bool":
		return "boolean"
	case "us_state":
		return "us_state"
	case "email":
		return "email"
	case "phone":
		return "phone"
	default:
		return "text"
	}
}

// convertValue converts one cell for hint. ok is false when the value does not
// parse; code is the issue code to report in that case.
func convertValue(hint string, v any) (out any, ok bool, code string) {
	s := CellText(v)
	switch hint {
	case "number":
		d, ok := ParseNumber(s)
		if !ok {
			return v, false, CodeInvalidFormat
		}
		return json.Number(d.String()), true, ""
	case "integer":
		d, ok := ParseNumber(s)
		if !ok {
			return v, false, CodeInvalidFormat
		}
		if !d.IsInteger() {
			return v, false, CodeInvalidType
		}
		return json.Number(d.String()), true, ""
	case "date":
		t, ok := ParseDate(s)
		if !ok {
			return v, false, CodeInvalidFormat
		}
		return t.Format(DateLayout), true, ""
	case "boolean":
		b, ok := ParseBool(s)
		if !ok {
			return v, false, CodeInvalidFormat
		}
		return b, true, ""
	case "us_state":
		code, ok := NormalizeUSState(s)
		if !ok {
			return code, false, CodeInvalidChoice
		}
		return code, true, ""
	case "email":
		e, ok := NormalizeEmail(s)
		if !ok {
			return e, false, CodeInvalidFormat
		}
		return e, true, ""
	case "phone":
		p, ok := NormalizePhone(s)
		if !ok {
			return p, false, CodeInvalidFormat
		}
		return p, true, ""
	default:
		return CleanCell(s), true, ""
	}
}

func transformByType(_ context.Context, args ValuesArgs) (TransformResult, error) {
	hint := canonicalHint(args.FieldMeta.TypeHint)
	res := TransformResult{Values: make([]any, len(args.Values))}
	for i, v := range args.Values {
		if IsBlank(v) {
			res.Values[i] = nil
			continue
		}
		out, ok, code := convertValue(hint, v)
		res.Values[i] = out
		if !ok {
			row := i
			res.Warnings = append(res.Warnings, Warning{
				RowIndex: &row,
				Code:     code,
				Message:  "value could not be converted to " + hint,
			})
		}
	}
	return res, nil
}

// validateByType checks transformed values. Required-value checks are done by
// the engine, so blanks are skipped here.
func validateByType(_ context.Context, args ValuesArgs) (ValidateResult, error) {
	hint := canonicalHint(args.FieldMeta.TypeHint)
	var res ValidateResult
	for i, v := range args.Values {
		if IsBlank(v) {
			continue
		}
		if issue, bad := checkValue(hint, v); bad {
			issue.RowIndex = i
			res.Issues = append(res.Issues, issue)
		}
	}
	if res.Issues == nil {
		res.Issues = []RawIssue{}
	}
	return res, nil
}

func checkValue(hint string, v any) (RawIssue, bool) {
	switch hint {
	case "number", "integer":
		if _, isNum := v.(json.Number); isNum {
			return RawIssue{}, false
		}
		if _, isFloat := v.(float64); isFloat {
			return RawIssue{}, false
		}
		return RawIssue{Code: CodeInvalidFormat, Severity: SeverityError,
			Message: "value is not a number"}, true
	case "date":
		if _, err := time.Parse(DateLayout, CellText(v)); err != nil {
			return RawIssue{Code: CodeInvalidFormat, Severity: SeverityError,
				Message: "value is not a date"}, true
		}
	case "boolean":
		if _, isBool := v.(bool); !isBool {
			return RawIssue{Code: CodeInvalidFormat, Severity: SeverityError,
				Message: "value is not a yes/no value"}, true
		}
	case "us_state":
		if _, ok := NormalizeUSState(CellText(v)); !ok {
			return RawIssue{Code: CodeInvalidChoice, Severity: SeverityWarning,
				Message: "value is not a US state"}, true
		}
	case "email":
		if _, ok := NormalizeEmail(CellText(v)); !ok {
			return RawIssue{Code: CodeInvalidFormat, Severity: SeverityError,
				Message: "value is not an email address"}, true
		}
	case "phone":
		if _, ok := NormalizePhone(CellText(v)); !ok {
			return RawIssue{Code: CodeInvalidFormat, Severity: SeverityWarning,
				Message: "value is not a phone number"}, true
		}
	}
	return RawIssue{}, false
}
