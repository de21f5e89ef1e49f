package artifact

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRecorder() *Recorder {
	return NewRecorder(Job{ID: "job-1", SourceFile: "members.xlsx"}, ConfigInfo{Package: "members"}, EngineInfo{Version: "test"})
}

func sampleSheet() Sheet {
	dr := "A2:C4"
	hr := 0
	return Sheet{
		Index: 0, Name: "Sheet1", RowsScanned: 4,
		Tables: []Table{{
			ID: "sheet1.t1", Range: "A1:C4", DataRange: &dr,
			Header:  Header{Kind: HeaderRow, RowIndex: &hr, Texts: []string{"Employee ID", "Name", "Department"}},
			Columns: []Column{{Index: 0, Letter: "A", Header: "Employee ID"}},
		}},
	}
}

func TestRecorder_PassOrder(t *testing.T) {
	r := newTestRecorder()

	assert.ErrorIs(t, r.BeginPass(2), ErrPassOrder)
	require.NoError(t, r.BeginPass(1))
	assert.ErrorIs(t, r.BeginPass(2), ErrPassOrder, "pass 1 is still open")
	assert.ErrorIs(t, r.EndPass(2, StatusSucceeded, nil), ErrPassOrder)
	require.NoError(t, r.EndPass(1, StatusSucceeded, map[string]int{"rows": 4}))
	assert.ErrorIs(t, r.BeginPass(1), ErrPassOrder, "passes never repeat")
	require.NoError(t, r.BeginPass(2))

	require.NoError(t, r.Finish(Summary{Status: StatusFailed, Code: "RUN001"}, &JobError{Code: "RUN001", Pass: "map", Message: "cancelled"}))

	doc := r.Document()
	require.Len(t, doc.PassHistory, 2)
	assert.Equal(t, "detect", doc.PassHistory[0].Name)
	assert.Equal(t, 4, doc.PassHistory[0].Stats["rows"])
	assert.Equal(t, StatusFailed, doc.PassHistory[1].Status, "open pass is closed as failed")
	assert.Equal(t, StatusFailed, doc.Job.Status)
	require.NotNil(t, doc.Job.CompletedAt)
	assert.NoError(t, doc.CheckPassHistory())

	assert.ErrorIs(t, r.Finish(Summary{}, nil), ErrFinished)
	_, err := r.AddSheet(Sheet{})
	assert.ErrorIs(t, err, ErrFinished)
}

func TestRecorder_AppendOnly(t *testing.T) {
	r := newTestRecorder()
	si, err := r.AddSheet(sampleSheet())
	require.NoError(t, err)

	field := "member_id"
	require.NoError(t, r.SetMapping(si, 0, []MappingEntry{{ColumnIndex: 0, Field: &field, Score: 0.9}}))
	assert.True(t, errors.Is(r.SetMapping(si, 0, nil), ErrRecorded))
	assert.Error(t, r.SetMapping(si, 3, nil))

	require.NoError(t, r.AddTransform(si, 0, TransformSummary{Field: "b", ColumnIndex: 2}))
	require.NoError(t, r.AddTransform(si, 0, TransformSummary{Field: "a", ColumnIndex: 0}))
	assert.ErrorIs(t, r.AddTransform(si, 0, TransformSummary{ColumnIndex: 2}), ErrRecorded)

	require.NoError(t, r.AddIssues(si, 0, []Issue{
		{RowIndex: 5, Field: "member_id", Code: "required_missing", Severity: "error"},
		{RowIndex: 1, Field: "email", Code: "invalid_format", Severity: "warning"},
	}))

	require.NoError(t, r.SetOutput(Output{Format: "xlsx"}))
	assert.ErrorIs(t, r.SetOutput(Output{}), ErrRecorded)

	doc := r.Document()
	tbl := doc.Sheets[0].Tables[0]
	assert.Equal(t, []int{0, 2}, []int{tbl.Transforms[0].ColumnIndex, tbl.Transforms[1].ColumnIndex})
	assert.Equal(t, 1, tbl.Validation.Issues[0].RowIndex)
	assert.Equal(t, IssueCounts{Error: 1, Warning: 1}, tbl.Validation.Counts)
}

func TestRecorder_ViewIsVersioned(t *testing.T) {
	r := newTestRecorder()
	v1, err := r.View()
	require.NoError(t, err)
	again, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, string(v1), string(again))

	// scribbling over a handed-out view leaves the next one intact
	for i := range again {
		again[i] = ' '
	}
	third, err := r.View()
	require.NoError(t, err)
	assert.Equal(t, string(v1), string(third))

	_, err = r.AddSheet(sampleSheet())
	require.NoError(t, err)
	v2, err := r.View()
	require.NoError(t, err)
	assert.NotEqual(t, string(v1), string(v2))

	// an issued view is never affected by later changes
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(v1, &decoded))
	assert.Empty(t, decoded["sheets"])
}

func TestRecorder_DocumentIsACopy(t *testing.T) {
	r := newTestRecorder()
	_, err := r.AddSheet(sampleSheet())
	require.NoError(t, err)

	doc := r.Document()
	doc.Sheets[0].Tables[0].Header.Texts[0] = "tampered"
	*doc.Sheets[0].Tables[0].DataRange = "Z9"

	fresh := r.Document()
	assert.Equal(t, "Employee ID", fresh.Sheets[0].Tables[0].Header.Texts[0])
	assert.Equal(t, "A2:C4", *fresh.Sheets[0].Tables[0].DataRange)
}

func TestRecorder_ConcurrentInvocations(t *testing.T) {
	r := newTestRecorder()
	r.RegisterRule("builtin:fields.transform", RuleInfo{Kind: "transform", Module: "builtin:fields", Function: "transform", Impl: "builtin"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			var err error
			if i%10 == 0 {
				err = errors.New("boom")
			}
			r.CountInvocation("builtin:fields.transform", err)
		}(i)
	}
	wg.Wait()

	info := r.Document().Rules["builtin:fields.transform"]
	assert.Equal(t, 50, info.Invocations)
	assert.Equal(t, 5, info.Failures)
	assert.Equal(t, "boom", info.LastError)
}

func TestArtifact_JSONFieldNames(t *testing.T) {
	r := newTestRecorder()
	si, err := r.AddSheet(sampleSheet())
	require.NoError(t, err)
	require.NoError(t, r.SetMapping(si, 0, []MappingEntry{{ColumnIndex: 1, Header: "Notes", UnmappedReason: UnmappedNoCandidate}}))

	raw, err := r.View()
	require.NoError(t, err)
	var doc map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &doc))

	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	assert.Equal(t, []string{
		"annotations", "artifact_version", "config", "engine", "job", "output",
		"pass_history", "rules", "schema", "sheets", "summary",
	}, keys)
	assert.JSONEq(t, `"sheetnorm.artifact"`, string(doc["schema"]))
	assert.JSONEq(t, `null`, string(doc["output"]))

	var sheets []struct {
		Tables []struct {
			Mapping []map[string]json.RawMessage `json:"mapping"`
		} `json:"tables"`
	}
	require.NoError(t, json.Unmarshal(doc["sheets"], &sheets))
	assert.JSONEq(t, `null`, string(sheets[0].Tables[0].Mapping[0]["field"]), "unmapped columns carry a null field")
}

func TestCheckPassHistory(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	good := Artifact{PassHistory: []PassRecord{
		{Pass: 1, Name: "detect", StartedAt: t0, CompletedAt: t0.Add(time.Second), DurationMS: 1000},
		{Pass: 2, Name: "map", StartedAt: t0.Add(time.Second), CompletedAt: t0.Add(2 * time.Second), DurationMS: 1000},
	}}
	assert.NoError(t, good.CheckPassHistory())

	gap := Artifact{PassHistory: []PassRecord{{Pass: 1, Name: "detect"}, {Pass: 3, Name: "transform"}}}
	assert.ErrorIs(t, gap.CheckPassHistory(), ErrPassOrder)

	overlap := Artifact{PassHistory: []PassRecord{
		{Pass: 1, Name: "detect", StartedAt: t0, CompletedAt: t0.Add(2 * time.Second)},
		{Pass: 2, Name: "map", StartedAt: t0.Add(time.Second), CompletedAt: t0.Add(3 * time.Second)},
	}}
	assert.Error(t, overlap.CheckPassHistory())
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	require.NoError(t, err)
	var s map[string]any
	require.NoError(t, json.Unmarshal(data, &s))
	assert.Contains(t, string(data), "pass_history")
	assert.Contains(t, string(data), "row_classifications")
	assert.Equal(t, "sheetnorm run artifact", s["title"])
}

func TestRecorder_SetConfig(t *testing.T) {
	r := newTestRecorder()
	require.NoError(t, r.SetConfig(ConfigInfo{Package: "members", SnapshotID: "abc"}, EngineInfo{Version: "1"}))
	assert.Equal(t, "abc", r.Document().Config.SnapshotID)

	require.NoError(t, r.BeginPass(1))
	assert.ErrorIs(t, r.SetConfig(ConfigInfo{}, EngineInfo{}), ErrPassOrder)
}
