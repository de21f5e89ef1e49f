package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohae/deepcopy"
)

// PassNames maps pass numbers to names; index 0 is unused.
var PassNames = [...]string{"", "detect", "map", "transform", "validate", "generate"}

// LastPass is the number of the final pass.
const LastPass = 5

var (
	ErrPassOrder = errors.New("pass recorded out of order")
	ErrFinished  = errors.New("artifact already finished")
	ErrRecorded  = errors.New("decision already recorded")
)

// Recorder builds an Artifact. It is append-only: decisions can be added but
// never replaced, and passes must be recorded strictly in order. All methods
// are safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	doc      Artifact
	open     *PassRecord
	mapped   map[[2]int]bool
	finished bool
	now      func() time.Time

	version     uint64
	viewVersion uint64
	view        json.RawMessage
}

// NewRecorder starts an artifact for job.
func NewRecorder(job Job, cfg ConfigInfo, eng EngineInfo) *Recorder {
	r := &Recorder{now: time.Now, mapped: make(map[[2]int]bool)}
	if job.StartedAt.IsZero() {
		job.StartedAt = r.now().UTC()
	}
	job.Status = StatusRunning
	r.doc = Artifact{
		Schema:          Schema,
		ArtifactVersion: Version,
		Job:             job,
		Config:          cfg,
		Engine:          eng,
		Rules:           make(map[string]RuleInfo),
		Sheets:          []Sheet{},
		PassHistory:     []PassRecord{},
		Annotations:     []Annotation{},
		Summary:         Summary{Status: StatusRunning},
	}
	return r
}

func (r *Recorder) touch() { r.version++ }

// SetConfig fills in the package and engine settings once the snapshot is
// known. It is only allowed before the first pass starts.
func (r *Recorder) SetConfig(cfg ConfigInfo, eng EngineInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	if r.open != nil || len(r.doc.PassHistory) > 0 {
		return fmt.Errorf("%w: config set after pass 1 started", ErrPassOrder)
	}
	r.doc.Config, r.doc.Engine = cfg, eng
	r.touch()
	return nil
}

// RegisterRule declares a rule function. Registering an id twice keeps the
// first description and its counters.
func (r *Recorder) RegisterRule(id string, info RuleInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.doc.Rules[id]; ok {
		return
	}
	info.Invocations, info.Failures = 0, 0
	r.doc.Rules[id] = info
	r.touch()
}

// CountInvocation records one call of rule id; a non-nil err counts as a failure.
func (r *Recorder) CountInvocation(id string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := r.doc.Rules[id]
	info.Invocations++
	if err != nil {
		info.Failures++
		info.LastError = err.Error()
	}
	r.doc.Rules[id] = info
	r.touch()
}

// AddSheet appends a sheet with its Pass 1 decisions and returns its index.
func (r *Recorder) AddSheet(s Sheet) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return 0, ErrFinished
	}
	if s.RowClassifications == nil {
		s.RowClassifications = []RowClassification{}
	}
	if s.Tables == nil {
		s.Tables = []Table{}
	}
	for i := range s.Tables {
		t := &s.Tables[i]
		if t.Mapping == nil {
			t.Mapping = []MappingEntry{}
		}
		if t.Transforms == nil {
			t.Transforms = []TransformSummary{}
		}
		if t.Validation.Issues == nil {
			t.Validation.Issues = []Issue{}
		}
		if t.Validation.Failed == nil {
			t.Validation.Failed = []RuleFailed{}
		}
	}
	r.doc.Sheets = append(r.doc.Sheets, s)
	r.touch()
	return len(r.doc.Sheets) - 1, nil
}

func (r *Recorder) table(sheet, table int) (*Table, error) {
	if r.finished {
		return nil, ErrFinished
	}
	if sheet < 0 || sheet >= len(r.doc.Sheets) {
		return nil, fmt.Errorf("sheet %d not recorded", sheet)
	}
	tables := r.doc.Sheets[sheet].Tables
	if table < 0 || table >= len(tables) {
		return nil, fmt.Errorf("table %d of sheet %d not recorded", table, sheet)
	}
	return &tables[table], nil
}

// SetMapping records the Pass 2 mapping of a table. It can be set once.
func (r *Recorder) SetMapping(sheet, table int, mapping []MappingEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.table(sheet, table)
	if err != nil {
		return err
	}
	key := [2]int{sheet, table}
	if r.mapped[key] {
		return fmt.Errorf("mapping of %s: %w", t.ID, ErrRecorded)
	}
	r.mapped[key] = true
	t.Mapping = append([]MappingEntry{}, mapping...)
	r.touch()
	return nil
}

// AddTransform appends a transform summary; summaries stay ordered by column.
func (r *Recorder) AddTransform(sheet, table int, s TransformSummary) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.table(sheet, table)
	if err != nil {
		return err
	}
	for _, existing := range t.Transforms {
		if existing.ColumnIndex == s.ColumnIndex {
			return fmt.Errorf("transform of column %d in %s: %w", s.ColumnIndex, t.ID, ErrRecorded)
		}
	}
	if s.Warnings == nil {
		s.Warnings = []TransformWarning{}
	}
	t.Transforms = append(t.Transforms, s)
	sort.SliceStable(t.Transforms, func(i, j int) bool {
		return t.Transforms[i].ColumnIndex < t.Transforms[j].ColumnIndex
	})
	r.touch()
	return nil
}

// AddIssues appends validation issues and updates the table's counts.
// Issues stay ordered by row, then field, then code.
func (r *Recorder) AddIssues(sheet, table int, issues []Issue) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.table(sheet, table)
	if err != nil {
		return err
	}
	v := &t.Validation
	v.Issues = append(v.Issues, issues...)
	sort.SliceStable(v.Issues, func(i, j int) bool {
		a, b := v.Issues[i], v.Issues[j]
		if a.RowIndex != b.RowIndex {
			return a.RowIndex < b.RowIndex
		}
		if a.Field != b.Field {
			return a.Field < b.Field
		}
		return a.Code < b.Code
	})
	v.Counts = IssueCounts{}
	for _, is := range v.Issues {
		if is.Severity == "warning" {
			v.Counts.Warning++
		} else {
			v.Counts.Error++
		}
	}
	r.touch()
	return nil
}

// AddValidatorFailure records a validator that failed for a field.
func (r *Recorder) AddValidatorFailure(sheet, table int, f RuleFailed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, err := r.table(sheet, table)
	if err != nil {
		return err
	}
	t.Validation.Failed = append(t.Validation.Failed, f)
	sort.SliceStable(t.Validation.Failed, func(i, j int) bool {
		return t.Validation.Failed[i].Field < t.Validation.Failed[j].Field
	})
	r.touch()
	return nil
}

// SetOutput records the Pass 5 output. It can be set once.
func (r *Recorder) SetOutput(o Output) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	if r.doc.Output != nil {
		return fmt.Errorf("output: %w", ErrRecorded)
	}
	r.doc.Output = &o
	r.touch()
	return nil
}

// BeginPass opens pass n, which must directly follow the last recorded pass.
func (r *Recorder) BeginPass(n int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	if r.open != nil || n != len(r.doc.PassHistory)+1 || n > LastPass {
		return fmt.Errorf("%w: begin pass %d after %d", ErrPassOrder, n, len(r.doc.PassHistory))
	}
	r.open = &PassRecord{Pass: n, Name: PassNames[n], Status: StatusRunning, StartedAt: r.now().UTC()}
	return nil
}

// EndPass closes the open pass n with status and stats.
func (r *Recorder) EndPass(n int, status string, stats map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.open == nil || r.open.Pass != n {
		return fmt.Errorf("%w: end pass %d that is not open", ErrPassOrder, n)
	}
	rec := *r.open
	rec.Status = status
	rec.CompletedAt = r.now().UTC()
	rec.DurationMS = rec.CompletedAt.Sub(rec.StartedAt).Milliseconds()
	if stats == nil {
		stats = map[string]int{}
	}
	rec.Stats = stats
	r.doc.PassHistory = append(r.doc.PassHistory, rec)
	r.open = nil
	r.touch()
	return nil
}

// Annotate appends a hook outcome.
func (r *Recorder) Annotate(a Annotation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return
	}
	if a.At.IsZero() {
		a.At = r.now().UTC()
	}
	r.doc.Annotations = append(r.doc.Annotations, a)
	r.touch()
}

// Finish sets the terminal status. A pass still open is closed as failed.
func (r *Recorder) Finish(summary Summary, jobErr *JobError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished {
		return ErrFinished
	}
	now := r.now().UTC()
	if r.open != nil {
		rec := *r.open
		rec.Status = StatusFailed
		rec.CompletedAt = now
		rec.DurationMS = now.Sub(rec.StartedAt).Milliseconds()
		rec.Stats = map[string]int{}
		r.doc.PassHistory = append(r.doc.PassHistory, rec)
		r.open = nil
	}
	r.doc.Job.Status = summary.Status
	r.doc.Job.CompletedAt = &now
	r.doc.Job.Error = jobErr
	r.doc.Summary = summary
	r.finished = true
	r.touch()
	return nil
}

// View returns the JSON encoding of the artifact as it stands. The encoding
// is cached until the next change; each caller gets its own copy of it.
func (r *Recorder) View() (json.RawMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.view == nil || r.viewVersion != r.version {
		data, err := json.Marshal(r.doc)
		if err != nil {
			return nil, fmt.Errorf("encode artifact view: %w", err)
		}
		r.view, r.viewVersion = data, r.version
	}
	return bytes.Clone(r.view), nil
}

// Document returns a deep copy of the artifact.
func (r *Recorder) Document() Artifact {
	r.mu.Lock()
	defer r.mu.Unlock()
	return deepcopy.Copy(r.doc).(Artifact)
}

// CheckPassHistory verifies that passes are numbered 1..n without gaps and
// that each completed after it started.
func (a *Artifact) CheckPassHistory() error {
	for i, p := range a.PassHistory {
		if p.Pass != i+1 {
			return fmt.Errorf("%w: entry %d is pass %d", ErrPassOrder, i, p.Pass)
		}
		if p.Name != PassNames[p.Pass] {
			return fmt.Errorf("pass %d named %q, want %q", p.Pass, p.Name, PassNames[p.Pass])
		}
		if p.CompletedAt.Before(p.StartedAt) || p.DurationMS < 0 {
			return fmt.Errorf("pass %d completes before it starts", p.Pass)
		}
		if i > 0 && p.StartedAt.Before(a.PassHistory[i-1].CompletedAt) {
			return fmt.Errorf("pass %d starts before pass %d completes", p.Pass, p.Pass-1)
		}
	}
	return nil
}
