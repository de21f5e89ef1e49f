package writer

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
)

func strPtr(s string) *string { return &s }

func TestPlan(t *testing.T) {
	m := manifest.Manifest{Columns: manifest.Columns{
		Order: []string{"member_id", "first_name", "department"},
		Meta: map[string]manifest.FieldMeta{
			"member_id":  {Label: "Member ID"},
			"first_name": {},
			"department": {Label: "Department"},
		},
	}}
	mapping := []artifact.MappingEntry{
		{ColumnIndex: 0, Header: "Name", Field: strPtr("first_name")},
		{ColumnIndex: 1, Header: "Employee ID", Field: strPtr("member_id")},
		{ColumnIndex: 2, Header: "Department Name"},
		{ColumnIndex: 3, Header: "!!!"},
		{ColumnIndex: 4, Header: "department-name"},
	}
	yes := true
	w := manifest.Writer{AppendUnmappedColumns: &yes, UnmappedPrefix: "raw_"}

	plan := Plan(m.Fields(), mapping, w)
	var names, headers []string
	for _, c := range plan {
		names = append(names, c.Name)
		headers = append(headers, c.Header)
	}
	assert.Equal(t, []string{"member_id", "first_name", "raw_department_name", "raw_column_4", "raw_department_name_2"}, names)
	assert.Equal(t, []string{"Member ID", "first_name", "raw_department_name", "raw_column_4", "raw_department_name_2"}, headers)
	assert.Equal(t, 1, *plan[0].ColumnIndex)
	assert.Equal(t, SourceUnmapped, plan[2].Source)

	no := false
	w.AppendUnmappedColumns = &no
	assert.Len(t, Plan(m.Fields(), mapping, w), 2)
}

func TestSheetName(t *testing.T) {
	assert.Equal(t, "Normalized", SheetName("Normalized", 0, 1))
	assert.Equal(t, "Normalized_2", SheetName("Normalized", 1, 3))
}

func TestCellValue(t *testing.T) {
	assert.Equal(t, int64(42), CellValue(json.Number("42")))
	assert.Equal(t, 2.5, CellValue(json.Number("2.5")))
	assert.Equal(t, "x", CellValue("x"))
	assert.Nil(t, CellValue(nil))
}

func TestXLSXSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	assert.Equal(t, sheet.FormatXLSX, FormatFor(path))

	sink, err := Open(sheet.FormatXLSX, path, 2)
	require.NoError(t, err)
	require.NoError(t, sink.BeginSheet("Out_1", []string{"ID", "Amount"}))
	require.NoError(t, sink.WriteRow([]any{"E001", json.Number("12.5")}))
	require.NoError(t, sink.WriteRow([]any{"E002", nil}))
	got, err := sink.EndSheet()
	require.NoError(t, err)
	assert.Equal(t, path, got)
	require.NoError(t, sink.BeginSheet("Out_2", []string{"Flag"}))
	require.NoError(t, sink.WriteRow([]any{true}))
	_, err = sink.EndSheet()
	require.NoError(t, err)
	require.NoError(t, sink.Close())

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"Out_1", "Out_2"}, f.GetSheetList())
	rows, err := f.GetRows("Out_1")
	require.NoError(t, err)
	want := [][]string{{"ID", "Amount"}, {"E001", "12.5"}, {"E002"}}
	if diff := cmp.Diff(want, rows); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCSVSink(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.csv")
	assert.Equal(t, sheet.FormatCSV, FormatFor(path))

	sink, err := Open(sheet.FormatCSV, path, 2)
	require.NoError(t, err)
	for _, name := range []string{"Out_1", "Out_2"} {
		require.NoError(t, sink.BeginSheet(name, []string{"id", "n"}))
		require.NoError(t, sink.WriteRow([]any{"a,b", json.Number("3")}))
		got, err := sink.EndSheet()
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(dir, "out_"+name+".csv"), got)
	}
	require.NoError(t, sink.Close())

	data, err := os.ReadFile(filepath.Join(dir, "out_Out_2.csv"))
	require.NoError(t, err)
	assert.Equal(t, "id,n\n\"a,b\",3\n", string(data))

	_, err = Open("ods", path, 1)
	assert.Error(t, err)
}
