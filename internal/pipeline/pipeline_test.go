package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/config"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/metrics"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/ruleworker"
	"github.com/JonMunkholm/sheetnorm/internal/sandbox"
	"github.com/JonMunkholm/sheetnorm/internal/snapshot"
)

const helperEnv = "SHEETNORM_PIPELINE_WORKER"

// TestMain lets the test binary serve as a rule worker script.
func TestMain(m *testing.M) {
	if mode := os.Getenv(helperEnv); mode != "" {
		runHelperWorker(mode)
		return
	}
	os.Exit(m.Run())
}

func runHelperWorker(mode string) {
	w := ruleworker.New().Handle("transform", func(_ context.Context, raw json.RawMessage) (any, error) {
		var args rules.ValuesArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		out := make([]any, len(args.Values))
		for i, v := range args.Values {
			if s, ok := v.(string); ok {
				out[i] = strings.ToUpper(s)
			}
		}
		if mode == "short" && len(out) > 0 {
			out = out[:len(out)-1]
		}
		return rules.TransformResult{Values: out}, nil
	})
	if mode == "short" || mode == "upper" {
		ruleworker.Main(w)
		return
	}
	// detect_even gives every field the same score for every column, so only
	// the tie-break chain separates them.
	w.Handle("detect_even", func(_ context.Context, raw json.RawMessage) (any, error) {
		var args rules.ColumnArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, err
		}
		switch mode {
		case "slow":
			time.Sleep(10 * time.Second)
		case "crash":
			os.Exit(3)
		}
		return rules.ScoreResult{Scores: map[string]float64{args.FieldName: 0.5}}, nil
	})
	ruleworker.Main(w)
}

const membersManifest = `config_script_api_version: "1.0.0"
info:
  title: Members
  version: 1.0.0
columns:
  order: [member_id, first_name, department]
  meta:
    member_id:
      label: Member ID
      required: true
      synonyms: [Employee ID]
    first_name:
      label: First Name
      synonyms: [Name]
    department:
      label: Department
`

var employees = [][]any{
	{"Employee ID", "Name", "Department"},
	{"E001", "Alice", "Sales"},
	{"E002", "Bob", "Support"},
	{"E003", "Carol", "Sales"},
	{"E004", "Dan", "Finance"},
	{"E005", "Erin", "Support"},
	{nil, "Frank", "Ops"},
	{"E007", "Grace", "Ops"},
}

func writePackage(t *testing.T, manifestYAML string, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifestYAML), 0o644))
	for name, body := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	}
	return dir
}

func writeWorkbook(t *testing.T, rows [][]any) string {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()
	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, err)
		require.NoError(t, f.SetSheetRow("Sheet1", cell, &row))
	}
	path := filepath.Join(t.TempDir(), "input.xlsx")
	require.NoError(t, f.SaveAs(path))
	return path
}

func newTestRunner(t *testing.T, opts ...Option) *Runner {
	t.Helper()
	store, err := snapshot.NewStore(config.SnapshotConfig{
		Root:              t.TempDir(),
		BuildTimeout:      time.Minute,
		LockTimeout:       time.Minute,
		ManifestCacheSize: 4,
	})
	require.NoError(t, err)
	return New(config.EngineConfig{
		MaxConcurrentRuns: 2,
		MaxWaitTime:       time.Second,
		RunTimeout:        time.Minute,
		ColumnConcurrency: 3,
		SpoolDir:          t.TempDir(),
	}, sandbox.Options{
		CallTimeout:    5 * time.Second,
		StartTimeout:   10 * time.Second,
		NetIsolation:   sandbox.NetIsolationEnv,
		PassEnv:        []string{helperEnv},
		RuntimeCommand: fmt.Sprintf("'%s'", os.Args[0]),
	}, store, opts...)
}

func runOnce(t *testing.T, r *Runner, req Request) (*Result, error) {
	t.Helper()
	if req.Output == "" {
		req.Output = filepath.Join(t.TempDir(), "out.xlsx")
	}
	res, err := r.Run(context.Background(), req)
	require.NotNil(t, res)
	require.NoError(t, res.Artifact.CheckPassHistory())
	assert.NotEqual(t, artifact.StatusRunning, res.Artifact.Job.Status, "every run ends with a terminal status")
	return res, err
}

func onlyTable(t *testing.T, doc artifact.Artifact) artifact.Table {
	t.Helper()
	require.Len(t, doc.Sheets, 1)
	require.Len(t, doc.Sheets[0].Tables, 1)
	return doc.Sheets[0].Tables[0]
}

func fieldsOf(mapping []artifact.MappingEntry) []string {
	out := make([]string, len(mapping))
	for i, m := range mapping {
		if m.Field != nil {
			out[i] = *m.Field
		}
	}
	return out
}

func readOutput(t *testing.T, path, sheet string) [][]string {
	t.Helper()
	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := f.GetRows(sheet)
	require.NoError(t, err)
	return rows
}

func TestRun_MapsEmployeeColumns(t *testing.T) {
	m := metrics.New()
	r := newTestRunner(t, WithMetrics(m))
	pkg := writePackage(t, membersManifest, nil)
	out := filepath.Join(t.TempDir(), "normalized.xlsx")

	res, err := runOnce(t, r, Request{Input: writeWorkbook(t, employees[:6]), PackageDir: pkg, Output: out})
	require.NoError(t, err)
	doc := res.Artifact

	assert.Equal(t, artifact.StatusSucceeded, doc.Job.Status)
	assert.Nil(t, doc.Job.Error)
	tbl := onlyTable(t, doc)
	assert.Equal(t, "sheet1.t1", tbl.ID)
	assert.Equal(t, artifact.HeaderRow, tbl.Header.Kind)
	require.NotNil(t, tbl.Header.RowIndex)
	assert.Equal(t, 0, *tbl.Header.RowIndex)
	assert.Equal(t, "A1:C6", tbl.Range)
	require.NotNil(t, tbl.DataRange)
	assert.Equal(t, "A2:C6", *tbl.DataRange)
	assert.Equal(t, 5, tbl.DataRows)

	assert.Equal(t, []string{"member_id", "first_name", "department"}, fieldsOf(tbl.Mapping))
	assert.Equal(t, 3, doc.Summary.ColumnsMapped)
	assert.Zero(t, doc.Summary.ColumnsUnmapped)
	assert.InDelta(t, 0.9, tbl.Mapping[0].Score, 1e-9)
	assert.NotEmpty(t, tbl.Mapping[0].Contributors)

	require.Len(t, doc.PassHistory, artifact.LastPass)
	for _, p := range doc.PassHistory {
		assert.Equal(t, artifact.StatusSucceeded, p.Status, p.Name)
	}
	assert.Equal(t, 5, doc.PassHistory[4].Stats["rows_written"])

	rowsRule := doc.Rules["builtin:rows.detect_blank"]
	assert.Equal(t, "builtin", rowsRule.Impl)
	assert.Equal(t, 6, rowsRule.Invocations)
	assert.Contains(t, doc.Rules, RequiredRuleID)

	require.NotNil(t, doc.Output)
	require.Len(t, doc.Output.Sheets, 1)
	assert.Equal(t, "Normalized", doc.Output.Sheets[0].Name)
	rows := readOutput(t, out, "Normalized")
	require.Len(t, rows, 6)
	assert.Equal(t, []string{"Member ID", "First Name", "Department"}, rows[0])
	assert.Equal(t, []string{"E001", "Alice", "Sales"}, rows[1])
}

func TestRun_RequiredBlankIsOneIssue(t *testing.T) {
	r := newTestRunner(t)
	res, err := runOnce(t, r, Request{Input: writeWorkbook(t, employees), PackageDir: writePackage(t, membersManifest, nil)})
	require.NoError(t, err)

	tbl := onlyTable(t, res.Artifact)
	require.Len(t, tbl.Validation.Issues, 1)
	is := tbl.Validation.Issues[0]
	assert.Equal(t, rules.CodeRequiredMissing, is.Code)
	assert.Equal(t, rules.SeverityError, is.Severity)
	assert.Equal(t, 5, is.RowIndex)
	assert.Equal(t, "A7", is.A1)
	assert.Equal(t, "member_id", is.Field)
	assert.Equal(t, RequiredRuleID, is.Rule)
	assert.Equal(t, 1, res.Artifact.Summary.Issues.Error)
	assert.Equal(t, artifact.StatusSucceeded, res.Artifact.Summary.Status, "issues do not fail the run")
}

func TestRun_ThresholdAppendsUnmapped(t *testing.T) {
	r := newTestRunner(t)
	rows := [][]any{
		{"Employee ID", "Name", "Department Name"},
		{"E001", "Alice", "Sales"},
		{"E002", "Bob", "Support"},
	}
	threshold := 0.65
	out := filepath.Join(t.TempDir(), "out.xlsx")
	res, err := runOnce(t, r, Request{
		Input:      writeWorkbook(t, rows),
		PackageDir: writePackage(t, membersManifest, nil),
		Output:     out,
		Overrides:  manifest.Overrides{MappingScoreThreshold: &threshold},
	})
	require.NoError(t, err)

	tbl := onlyTable(t, res.Artifact)
	dept := tbl.Mapping[2]
	assert.Nil(t, dept.Field)
	assert.Equal(t, artifact.UnmappedBelowThreshold, dept.UnmappedReason)
	assert.InDelta(t, 0.4, dept.Score, 1e-9)
	require.NotEmpty(t, dept.Candidates)
	assert.Equal(t, "department", dept.Candidates[0].Field)

	plan := res.Artifact.Output.Sheets[0].Columns
	require.Len(t, plan, 3)
	assert.Equal(t, "raw_department_name", plan[2].Name)
	got := readOutput(t, out, "Normalized")
	assert.Equal(t, []string{"Member ID", "First Name", "raw_department_name"}, got[0])
	assert.Equal(t, []string{"E002", "Bob", "Support"}, got[2])
}

func TestRun_Deterministic(t *testing.T) {
	r := newTestRunner(t)
	pkg := writePackage(t, membersManifest, nil)
	input := writeWorkbook(t, employees)

	first, err := runOnce(t, r, Request{Input: input, PackageDir: pkg})
	require.NoError(t, err)
	second, err := runOnce(t, r, Request{Input: input, PackageDir: pkg})
	require.NoError(t, err)

	assert.True(t, second.Snapshot.Reused, "second run reuses the prepared snapshot")
	assert.Equal(t, first.Snapshot.ID, second.Snapshot.ID)

	a, b := first.Artifact.Sheets, second.Artifact.Sheets
	if diff := cmp.Diff(a[0].RowClassifications, b[0].RowClassifications); diff != "" {
		t.Errorf("row classifications differ (-first +second):\n%s", diff)
	}
	if diff := cmp.Diff(a[0].Tables[0].Mapping, b[0].Tables[0].Mapping); diff != "" {
		t.Errorf("mappings differ (-first +second):\n%s", diff)
	}
	ja, err := json.Marshal(a)
	require.NoError(t, err)
	jb, err := json.Marshal(b)
	require.NoError(t, err)
	assert.JSONEq(t, string(ja), string(jb))
}

func TestRun_NoHeader(t *testing.T) {
	r := newTestRunner(t)
	pkg := writePackage(t, membersManifest, nil)

	t.Run("synthetic", func(t *testing.T) {
		res, err := runOnce(t, r, Request{Input: writeWorkbook(t, [][]any{
			{1001, 12.5, 3},
			{1002, 8.25, 4},
		}), PackageDir: pkg})
		require.NoError(t, err)
		tbl := onlyTable(t, res.Artifact)
		assert.Equal(t, artifact.HeaderSynthetic, tbl.Header.Kind)
		assert.Nil(t, tbl.Header.RowIndex)
		assert.Equal(t, []string{"Column 1", "Column 2", "Column 3"}, tbl.Header.Texts)
		require.NotNil(t, tbl.DataRange)
		assert.Equal(t, "A1:C2", *tbl.DataRange)
	})

	t.Run("promoted", func(t *testing.T) {
		res, err := runOnce(t, r, Request{Input: writeWorkbook(t, [][]any{
			{"Quarterly headcount report"},
			{1001, 12.5, 3},
			{1002, 8.25, 4},
		}), PackageDir: pkg})
		require.NoError(t, err)
		tbl := onlyTable(t, res.Artifact)
		assert.Equal(t, artifact.HeaderPromoted, tbl.Header.Kind)
		require.NotNil(t, tbl.Header.RowIndex)
		assert.Equal(t, 0, *tbl.Header.RowIndex)
		assert.Equal(t, []string{"Quarterly headcount report", "Column 2", "Column 3"}, tbl.Header.Texts)
		assert.Equal(t, "A1:C3", tbl.Range)
	})

	t.Run("empty sheet", func(t *testing.T) {
		res, err := runOnce(t, r, Request{Input: writeWorkbook(t, nil), PackageDir: pkg})
		require.NoError(t, err)
		require.Len(t, res.Artifact.Sheets, 1)
		assert.Empty(t, res.Artifact.Sheets[0].Tables)
		assert.Empty(t, res.Artifact.Output.Sheets)
		assert.Zero(t, res.Artifact.Summary.Tables)
	})
}

func TestRun_Cancelled(t *testing.T) {
	r := newTestRunner(t)
	pkg := writePackage(t, membersManifest, nil)
	input := writeWorkbook(t, employees)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := r.Run(ctx, Request{Input: input, PackageDir: pkg, Output: filepath.Join(t.TempDir(), "o.xlsx")})
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, []string{CodeCancelled, CodeBusy}, fe.Code)
	assert.Equal(t, artifact.StatusFailed, res.Artifact.Job.Status)
	assert.Equal(t, artifact.StatusFailed, res.Artifact.Summary.Status)
	require.NotNil(t, res.Artifact.Job.Error)
	assert.NoError(t, res.Artifact.CheckPassHistory())

	ctx, cancel = context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()
	res, err = r.Run(ctx, Request{Input: input, PackageDir: pkg, Output: filepath.Join(t.TempDir(), "o.xlsx")})
	require.ErrorAs(t, err, &fe)
	if fe.Code != CodeBusy {
		assert.Equal(t, CodeTimedOut, fe.Code)
		assert.Equal(t, CodeTimedOut, res.Artifact.Summary.Code)
	}
	assert.Equal(t, artifact.StatusFailed, res.Artifact.Job.Status)
}

func TestRun_TransformContract(t *testing.T) {
	t.Setenv(helperEnv, "short")
	r := newTestRunner(t)
	script := map[string]string{"rules/upper.py": "# served by the test binary\n"}

	t.Run("required field fails the run", func(t *testing.T) {
		pkg := writePackage(t, strings.Replace(membersManifest, "      required: true\n", "      required: true\n      script: rules/upper.py\n", 1), script)
		res, err := runOnce(t, r, Request{Input: writeWorkbook(t, employees[:4]), PackageDir: pkg})
		var fe *FatalError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, CodeRuleContract, fe.Code)
		assert.Equal(t, "transform", fe.Pass)
		assert.True(t, errors.Is(err, rules.ErrContract))

		doc := res.Artifact
		assert.Equal(t, artifact.StatusFailed, doc.Job.Status)
		require.NotNil(t, doc.Job.Error)
		assert.Equal(t, "transform", doc.Job.Error.Pass)
		require.Len(t, doc.PassHistory, 3)
		assert.Equal(t, artifact.StatusFailed, doc.PassHistory[2].Status)
		rule := doc.Rules["rules/upper.py.transform"]
		assert.Equal(t, "process", rule.Impl)
		assert.Equal(t, 1, rule.Failures)
		assert.Nil(t, doc.Output)
	})

	t.Run("optional field is isolated", func(t *testing.T) {
		manifestYAML := strings.Replace(membersManifest, "      label: Department\n", "      label: Department\n      script: rules/upper.py\n", 1)
		out := filepath.Join(t.TempDir(), "out.xlsx")
		res, err := runOnce(t, r, Request{Input: writeWorkbook(t, employees[:4]), PackageDir: writePackage(t, manifestYAML, script), Output: out})
		require.NoError(t, err)

		tbl := onlyTable(t, res.Artifact)
		var dept *artifact.TransformSummary
		for i := range tbl.Transforms {
			if tbl.Transforms[i].Field == "department" {
				dept = &tbl.Transforms[i]
			}
		}
		require.NotNil(t, dept)
		assert.Equal(t, artifact.TransformFailed, dept.Status)
		assert.Contains(t, dept.Error, "returned 2 values for 3 inputs")
		assert.Equal(t, "Sales", readOutput(t, out, "Normalized")[1][2], "values pass through untransformed")
	})
}

func TestRun_Hooks(t *testing.T) {
	r := newTestRunner(t)
	manifestYAML := membersManifest + `hooks:
  post_mapping: ["builtin:table_summary"]
  post_run: ["builtin:table_summary"]
`
	res, err := runOnce(t, r, Request{Input: writeWorkbook(t, employees[:3]), PackageDir: writePackage(t, manifestYAML, nil)})
	require.NoError(t, err)

	anns := res.Artifact.Annotations
	require.Len(t, anns, 2)
	assert.Equal(t, "post_mapping", anns[0].Stage)
	assert.Equal(t, "builtin:table_summary.run", anns[0].Hook)
	assert.Empty(t, anns[0].Error)
	notes, ok := anns[0].Notes.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, json.Number("3"), notes["mapped_columns"])
	assert.Equal(t, "post_run", anns[1].Stage)
}

func TestRun_CSVOutputAndInput(t *testing.T) {
	r := newTestRunner(t)
	input := filepath.Join(t.TempDir(), "members.csv")
	require.NoError(t, os.WriteFile(input, []byte("Employee ID;Name;Department\nE001;Alice;Sales\nE002;Bob;Support\n"), 0o644))
	out := filepath.Join(t.TempDir(), "normalized.csv")

	res, err := runOnce(t, r, Request{Input: input, PackageDir: writePackage(t, membersManifest, nil), Output: out})
	require.NoError(t, err)
	assert.Equal(t, "csv", res.Artifact.Output.Format)
	assert.Equal(t, "members", res.Artifact.Sheets[0].Name)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Member ID,First Name,Department\nE001,Alice,Sales\nE002,Bob,Support\n", string(data))
}

func TestRun_MissingInput(t *testing.T) {
	r := newTestRunner(t)
	res, err := runOnce(t, r, Request{Input: filepath.Join(t.TempDir(), "nope.xlsx"), PackageDir: writePackage(t, membersManifest, nil)})
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, CodeInputUnreadable, fe.Code)
	assert.Empty(t, res.Artifact.PassHistory)
	assert.Equal(t, CodeInputUnreadable, res.Artifact.Summary.Code)
	assert.NotEmpty(t, res.Artifact.Summary.Action)
}

func TestResolveDuplicates(t *testing.T) {
	f := func(s string) *string { return &s }
	mapping := []artifact.MappingEntry{
		{ColumnIndex: 0, Field: f("email"), Score: 0.5},
		{ColumnIndex: 1, Field: f("email"), Score: 0.9},
		{ColumnIndex: 2, Field: f("phone"), Score: 0.4},
		{ColumnIndex: 3, Field: f("phone"), Score: 0.4},
	}
	resolveDuplicates(mapping)
	assert.Equal(t, []string{"", "email", "phone", ""}, fieldsOf(mapping))
	assert.Equal(t, artifact.UnmappedDuplicate, mapping[0].UnmappedReason)
	assert.Equal(t, artifact.UnmappedDuplicate, mapping[3].UnmappedReason)
}

func TestRun_TieBreakChain(t *testing.T) {
	t.Setenv(helperEnv, "even")
	r := newTestRunner(t)
	manifestYAML := `config_script_api_version: "1.0.0"
columns:
  order: [alpha, beta, gamma]
  meta:
    alpha:
      label: Alpha
      script: rules/even.py
    beta:
      label: Beta
      synonyms: [b-code]
      script: rules/even.py
    gamma:
      label: Gamma
      script: rules/even.py
`
	pkg := writePackage(t, manifestYAML, map[string]string{"rules/even.py": "# served by the test binary\n"})
	res, err := runOnce(t, r, Request{Input: writeWorkbook(t, [][]any{
		{"gamma", "B-CODE", "Misc"},
		{"E001", 12.5, 3},
		{"E002", 8.25, 4},
	}), PackageDir: pkg})
	require.NoError(t, err)

	tests := []struct {
		header string
		field  string
		tie    string
	}{
		{"gamma", "gamma", TieExactLabel},
		{"B-CODE", "beta", TieSynonym},
		{"Misc", "alpha", TieManifestOrder},
	}
	tbl := onlyTable(t, res.Artifact)
	require.Len(t, tbl.Mapping, len(tests))
	for i, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			m := tbl.Mapping[i]
			assert.Equal(t, tt.header, m.Header)
			require.NotNil(t, m.Field)
			assert.Equal(t, tt.field, *m.Field)
			assert.Equal(t, tt.tie, m.TieBreak)
			assert.InDelta(t, 0.5, m.Score, 1e-9)
			require.Len(t, m.Candidates, 3)
			for _, c := range m.Candidates {
				assert.InDelta(t, 0.5, c.Score, 1e-9, c.Field)
			}
		})
	}
}

func TestRun_FailingDetectorContributesZero(t *testing.T) {
	manifestYAML := strings.Replace(membersManifest,
		"      label: Department\n",
		"      label: Department\n      script: rules/dept.py\n", 1) + `engine:
  defaults:
    timeout_ms: 300
`
	script := map[string]string{"rules/dept.py": "# served by the test binary\n"}

	tests := []struct {
		mode string
	}{
		{mode: "slow"},
		{mode: "crash"},
	}
	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			t.Setenv(helperEnv, tt.mode)
			r := newTestRunner(t)
			res, err := runOnce(t, r, Request{Input: writeWorkbook(t, employees[:4]), PackageDir: writePackage(t, manifestYAML, script)})
			require.NoError(t, err)

			doc := res.Artifact
			assert.Equal(t, artifact.StatusSucceeded, doc.Job.Status)
			tbl := onlyTable(t, doc)
			assert.Equal(t, []string{"member_id", "first_name", ""}, fieldsOf(tbl.Mapping))
			assert.Equal(t, artifact.UnmappedNoCandidate, tbl.Mapping[2].UnmappedReason)
			for _, m := range tbl.Mapping {
				for _, c := range m.Candidates {
					assert.NotEqual(t, "department", c.Field, "a failed detector adds no candidate")
				}
			}

			rule := doc.Rules["rules/dept.py.detect_even"]
			assert.Equal(t, "process", rule.Impl)
			assert.Equal(t, 3, rule.Invocations)
			assert.Equal(t, 3, rule.Failures)
			assert.NotEmpty(t, rule.LastError)
		})
	}
}

func TestRun_ArtifactHoldsNoCellValues(t *testing.T) {
	const marker = "SECRET-7731-MARKER"
	r := newTestRunner(t)
	manifestYAML := membersManifest + `    salary:
      label: Salary
      type_hint: number
`
	manifestYAML = strings.Replace(manifestYAML, "order: [member_id, first_name, department]", "order: [member_id, first_name, department, salary]", 1)

	res, err := runOnce(t, r, Request{Input: writeWorkbook(t, [][]any{
		{"Employee ID", "Name", "Department", "Salary"},
		{"E001", "Alice", "Sales", 52000},
		{"E002", "Bob", "Support", marker},
		{"E003", "Carol", "Sales", 61000},
	}), PackageDir: writePackage(t, manifestYAML, nil)})
	require.NoError(t, err)

	tbl := onlyTable(t, res.Artifact)
	assert.Equal(t, []string{"member_id", "first_name", "department", "salary"}, fieldsOf(tbl.Mapping))
	require.NotEmpty(t, tbl.Validation.Issues, "the bad salary is reported")
	assert.Equal(t, "D3", tbl.Validation.Issues[0].A1)

	data, err := json.Marshal(res.Artifact)
	require.NoError(t, err)
	assert.NotContains(t, string(data), marker)
	assert.NotContains(t, string(data), "52000")
}
