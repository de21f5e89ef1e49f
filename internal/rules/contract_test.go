package rules

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDecodeScores(t *testing.T) {
	tests := []struct {
		name    string
		kind    Kind
		raw     string
		want    map[string]float64
		wantErr bool
	}{
		{"row scores", KindRowDetector, `{"scores": {"header": 0.5, "data": -0.25}}`, map[string]float64{"header": 0.5, "data": -0.25}, false},
		{"unknown keys tolerated", KindRowDetector, `{"scores": {"other": 1}, "debug": "x"}`, map[string]float64{"other": 1}, false},
		{"null contributes nothing", KindRowDetector, `null`, map[string]float64{}, false},
		{"bare number for column", KindColumnDetector, `0.75`, map[string]float64{"member_id": 0.75}, false},
		{"bare number for row rejected", KindRowDetector, `0.75`, nil, true},
		{"missing scores key", KindRowDetector, `{"score": {"header": 1}}`, nil, true},
		{"string score", KindRowDetector, `{"scores": {"header": "high"}}`, nil, true},
		{"column scores other field", KindColumnDetector, `{"scores": {"department": 1}}`, nil, true},
		{"list result", KindRowDetector, `[1, 2]`, nil, true},
		{"not json", KindRowDetector, `{oops`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeScores("mod.detect_x", tt.kind, "member_id", json.RawMessage(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrContract) {
					t.Fatalf("err = %v, want contract violation", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("scores mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDecodeTransform_LengthMustMatch(t *testing.T) {
	_, err := DecodeTransform("f.transform", 3, json.RawMessage(`{"values": ["a", "b"]}`))
	var ce *ContractError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *ContractError", err)
	}
	if ce.Kind != KindTransform {
		t.Errorf("Kind = %q, want %q", ce.Kind, KindTransform)
	}

	_, err = DecodeTransform("f.transform", 1, json.RawMessage(`{"values": ["a", "b"]}`))
	if !errors.Is(err, ErrContract) {
		t.Errorf("longer output should be a contract violation, got %v", err)
	}
}

func TestDecodeTransform(t *testing.T) {
	res, err := DecodeTransform("f.transform", 3, json.RawMessage(
		`{"values": ["x", 12.5, null], "warnings": [{"row_index": 1, "message": "rounded"}]}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []any{"x", json.Number("12.5"), nil}
	if diff := cmp.Diff(want, res.Values); diff != "" {
		t.Errorf("values mismatch (-want +got):\n%s", diff)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].RowIndex == nil || *res.Warnings[0].RowIndex != 1 {
		t.Errorf("warnings = %+v", res.Warnings)
	}

	if _, err := DecodeTransform("f.transform", 1, json.RawMessage(`{"values": [{"nested": true}]}`)); !errors.Is(err, ErrContract) {
		t.Errorf("nested value should be rejected, got %v", err)
	}
	if _, err := DecodeTransform("f.transform", 1, json.RawMessage(`{"values": ["a"], "warnings": [{"row_index": 4, "message": "x"}]}`)); !errors.Is(err, ErrContract) {
		t.Errorf("out-of-range warning should be rejected, got %v", err)
	}
}

func TestDecodeValidate(t *testing.T) {
	raw := `{"issues": [
		{"row_index": 4, "code": "enum", "severity": "warn", "message": "bad choice"},
		{"row_index": 1, "code": "missing", "message": "blank"}
	]}`
	got, err := DecodeValidate("f.validate", 5, json.RawMessage(raw))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []RawIssue{
		{RowIndex: 1, Code: CodeRequiredMissing, Severity: SeverityError, Message: "blank"},
		{RowIndex: 4, Code: CodeInvalidChoice, Severity: SeverityWarning, Message: "bad choice"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("issues mismatch (-want +got):\n%s", diff)
	}

	bad := []string{
		`{"issues": [{"row_index": 5, "code": "x"}]}`,
		`{"issues": [{"row_index": 0, "code": ""}]}`,
		`{"issues": [{"row_index": 0, "code": "x", "severity": "catastrophic"}]}`,
		`{"problems": []}`,
		`"fine"`,
	}
	for _, b := range bad {
		if _, err := DecodeValidate("f.validate", 5, json.RawMessage(b)); !errors.Is(err, ErrContract) {
			t.Errorf("DecodeValidate(%s) err = %v, want contract violation", b, err)
		}
	}

	if issues, err := DecodeValidate("f.validate", 5, json.RawMessage(`null`)); err != nil || issues != nil {
		t.Errorf("null result = (%v, %v), want no issues", issues, err)
	}
}

func TestDecodeHook(t *testing.T) {
	res, err := DecodeHook("h.run", json.RawMessage(`{"notes": {"checked": 3}}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	notes, ok := res.Notes.(map[string]any)
	if !ok || notes["checked"] != json.Number("3") {
		t.Errorf("notes = %#v", res.Notes)
	}
	if _, err := DecodeHook("h.run", json.RawMessage(`42`)); !errors.Is(err, ErrContract) {
		t.Errorf("number result should be rejected, got %v", err)
	}
}

func TestNormalizeCode(t *testing.T) {
	tests := map[string]string{
		"missing":          CodeRequiredMissing,
		"Required":         CodeRequiredMissing,
		"required_missing": CodeRequiredMissing,
		"type-mismatch":    CodeInvalidType,
		"not allowed":      CodeInvalidChoice,
		"custom_rule":      "custom_rule",
	}
	for in, want := range tests {
		if got := NormalizeCode(in); got != want {
			t.Errorf("NormalizeCode(%q) = %q, want %q", in, got, want)
		}
	}
}
