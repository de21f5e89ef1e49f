package rules

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

func testManifestJSON(t *testing.T) json.RawMessage {
	t.Helper()
	m := manifest.Manifest{
		ConfigScriptAPIVersion: "1.0.0",
		Columns: manifest.Columns{
			Order: []string{"member_id", "first_name", "department"},
			Meta: map[string]manifest.FieldMeta{
				"member_id":  {Label: "Member ID", Synonyms: []string{"Employee ID"}},
				"first_name": {Label: "First Name", Synonyms: []string{"Name"}},
				"department": {Label: "Department"},
			},
		},
	}
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return raw
}

// classifyRow runs every builtin row detector and returns the summed scores.
func classifyRow(t *testing.T, values ...any) map[string]float64 {
	t.Helper()
	mod, ok := Lookup("rows")
	require.True(t, ok)
	args := RowArgs{
		Common:          Common{Manifest: testManifestJSON(t)},
		RowIndex:        1,
		RowValuesSample: values,
	}
	totals := map[string]float64{}
	for _, name := range SortedDetectors(mod.RowDetectors) {
		res, err := mod.RowDetectors[name](context.Background(), args)
		require.NoError(t, err)
		for label, delta := range res.Scores {
			totals[label] += delta
		}
	}
	return totals
}

func TestBuiltinRows(t *testing.T) {
	header := classifyRow(t, "Employee ID", "Name", "Department")
	assert.Greater(t, header[LabelHeader], header[LabelData], "header row: %v", header)

	data := classifyRow(t, "E001", "Alice", "Sales")
	assert.Greater(t, data[LabelData], data[LabelHeader], "text data row: %v", data)

	numeric := classifyRow(t, "1001", "Bob", "2024-01-05", "$12.50")
	assert.Greater(t, numeric[LabelData], numeric[LabelHeader], "typed data row: %v", numeric)

	blank := classifyRow(t, nil, "", "  ")
	assert.Equal(t, 1.0, blank[LabelOther])
	assert.Zero(t, blank[LabelData])

	title := classifyRow(t, "Quarterly headcount report")
	assert.Greater(t, title[LabelOther], title[LabelData], "title row: %v", title)
}

func detectField(t *testing.T, header, field string, meta manifest.FieldMeta, sample ...any) float64 {
	t.Helper()
	mod, ok := Lookup(FieldsModule)
	require.True(t, ok)
	var total float64
	for _, name := range SortedDetectors(mod.ColumnDetectors) {
		res, err := mod.ColumnDetectors[name](context.Background(), ColumnArgs{
			Header: header, FieldName: field, FieldMeta: meta, ValuesSample: sample,
		})
		require.NoError(t, err)
		for k, v := range res.Scores {
			require.Equal(t, field, k, "detector %s scored a foreign field", name)
			total += v
		}
	}
	return total
}

func TestBuiltinFieldDetectors(t *testing.T) {
	memberID := manifest.FieldMeta{Label: "Member ID", Synonyms: []string{"Employee ID"}}
	assert.InDelta(t, 0.9, detectField(t, "Employee ID", "member_id", memberID), 1e-9)
	assert.InDelta(t, 1.0, detectField(t, "member_id", "member_id", memberID), 1e-9)
	assert.InDelta(t, 0.0, detectField(t, "Department", "member_id", memberID), 1e-9)

	dept := manifest.FieldMeta{Label: "Department"}
	assert.InDelta(t, 0.4, detectField(t, "Department Name", "department", dept), 1e-9)

	amount := manifest.FieldMeta{Label: "Amount", TypeHint: "number"}
	assert.InDelta(t, 1.2, detectField(t, "Amount", "amount", amount, "1.00", "$2", nil), 1e-9)
	assert.InDelta(t, 0.8, detectField(t, "Amount", "amount", amount, "n/a", "none"), 1e-9)
}

func TestBuiltinTransformAndValidate(t *testing.T) {
	mod, ok := Lookup(FieldsModule)
	require.True(t, ok)
	ctx := context.Background()

	args := ValuesArgs{
		FieldName: "amount",
		FieldMeta: manifest.FieldMeta{TypeHint: "number"},
		Values:    []any{"$1,200.50", nil, "(3)", "lots"},
	}
	res, err := mod.Transform(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, []any{json.Number("1200.5"), nil, json.Number("-3"), "lots"}, res.Values)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, 3, *res.Warnings[0].RowIndex)

	args.Values = res.Values
	vres, err := mod.Validate(ctx, args)
	require.NoError(t, err)
	require.Len(t, vres.Issues, 1)
	assert.Equal(t, 3, vres.Issues[0].RowIndex)
	assert.Equal(t, CodeInvalidFormat, vres.Issues[0].Code)

	dates := ValuesArgs{FieldMeta: manifest.FieldMeta{TypeHint: "date"}, Values: []any{"1/15/2024", "Jan 2, 2023"}}
	dres, err := mod.Transform(ctx, dates)
	require.NoError(t, err)
	assert.Equal(t, []any{"2024-01-15", "2023-01-02"}, dres.Values)
	assert.Empty(t, dres.Warnings)

	states := ValuesArgs{FieldMeta: manifest.FieldMeta{TypeHint: "us_state"}, Values: []any{"Texas", "Narnia"}}
	sres, err := mod.Transform(ctx, states)
	require.NoError(t, err)
	assert.Equal(t, []any{"TX", "Narnia"}, sres.Values)
	states.Values = sres.Values
	svres, err := mod.Validate(ctx, states)
	require.NoError(t, err)
	require.Len(t, svres.Issues, 1)
	assert.Equal(t, SeverityWarning, svres.Issues[0].Severity)
}

func TestTableSummaryHook(t *testing.T) {
	mod, ok := Lookup("table_summary")
	require.True(t, ok)
	view := `{"sheets": [{"name": "S1", "tables": [{"id": "t1", "mapping": [{"field": "a"}, {"field": null}]}]}]}`
	res, err := mod.Hook(context.Background(), HookArgs{Common: Common{Artifact: json.RawMessage(view)}, Stage: "post_mapping"})
	require.NoError(t, err)
	notes := res.Notes.(map[string]any)
	assert.Equal(t, 1, notes["tables"])
	assert.Equal(t, 1, notes["mapped_columns"])
	assert.Equal(t, 1, notes["unmapped_columns"])
}

func TestRegister_Duplicate(t *testing.T) {
	assert.Panics(t, func() { Register(Module{Name: "rows"}) })
	assert.Panics(t, func() {
		Register(Module{Name: "bad_detector", RowDetectors: map[string]RowDetectFunc{"score": detectBlankRow}})
	})
	assert.Contains(t, Names(), "fields")
	m, _ := Lookup(FieldsModule)
	assert.Equal(t, []string{"detect_label", "detect_synonyms", "detect_values", "transform", "validate"}, m.Functions())
}
