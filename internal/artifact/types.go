// Package artifact defines the run artifact: the complete, replayable record
// of every decision a run made, and the Recorder that builds it.
//
// The artifact never stores cell payloads other than header texts. It holds
// row classifications with their rule traces, table ranges, column mappings,
// transform summaries, validation issues with A1 references, the output plan
// and the pass history.
//
// Row indices and A1 references of CSV input count CSV records. Empty lines
// are not records, so references below one point a row higher than the line
// number an editor shows.
package artifact

import (
	"time"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

// Document identifiers.
const (
	Schema  = "sheetnorm.artifact"
	Version = "1.0.0"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Header kinds.
const (
	HeaderRow       = "row"
	HeaderPromoted  = "promoted"
	HeaderSynthetic = "synthetic"
)

// Unmapped reasons.
const (
	UnmappedNoCandidate    = "no_candidate"
	UnmappedBelowThreshold = "below_threshold"
	UnmappedDuplicate      = "duplicate"
)

// Transform statuses.
const (
	TransformApplied = "applied"
	TransformFailed  = "failed"
)

// Artifact is the run document.
type Artifact struct {
	Schema          string              `json:"schema"`
	ArtifactVersion string              `json:"artifact_version"`
	Job             Job                 `json:"job"`
	Config          ConfigInfo          `json:"config"`
	Engine          EngineInfo          `json:"engine"`
	Rules           map[string]RuleInfo `json:"rules"`
	Sheets          []Sheet             `json:"sheets"`
	Output          *Output             `json:"output"`
	Summary         Summary             `json:"summary"`
	PassHistory     []PassRecord        `json:"pass_history"`
	Annotations     []Annotation        `json:"annotations"`
}

// Job identifies the run.
type Job struct {
	ID          string     `json:"id"`
	SourceFile  string     `json:"source_file"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Error       *JobError  `json:"error"`
}

// JobError describes a fatal run error.
type JobError struct {
	Code    string `json:"code"`
	Pass    string `json:"pass,omitempty"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// ConfigInfo identifies the config package and snapshot a run used.
type ConfigInfo struct {
	Package                string `json:"package"`
	Title                  string `json:"title"`
	Version                string `json:"version"`
	ConfigScriptAPIVersion string `json:"config_script_api_version"`
	ManifestHash           string `json:"manifest_hash"`
	DependencyHash         string `json:"dependency_hash"`
	SnapshotID             string `json:"snapshot_id"`
}

// EngineInfo records the effective engine settings.
type EngineInfo struct {
	Version  string            `json:"version"`
	Defaults manifest.Defaults `json:"defaults"`
	Writer   manifest.Writer   `json:"writer"`
}

// RuleInfo describes one rule function and how often it ran.
type RuleInfo struct {
	Kind        rules.Kind `json:"kind"`
	Module      string     `json:"module"`
	Function    string     `json:"function"`
	Field       string     `json:"field,omitempty"`
	Impl        string     `json:"impl"`
	Invocations int        `json:"invocations"`
	Failures    int        `json:"failures"`
	LastError   string     `json:"last_error,omitempty"`
}

// Sheet is one worksheet of the source file.
type Sheet struct {
	Index              int                 `json:"index"`
	Name               string              `json:"name"`
	RowsScanned        int                 `json:"rows_scanned"`
	RowClassifications []RowClassification `json:"row_classifications"`
	Tables             []Table             `json:"tables"`
}

// RowClassification is the Pass 1 decision for one physical row.
type RowClassification struct {
	RowIndex   int                `json:"row_index"`
	Label      string             `json:"label"`
	Confidence float64            `json:"confidence"`
	Scores     map[string]float64 `json:"scores"`
	DecidedBy  string             `json:"decided_by,omitempty"`
	Traces     []Trace            `json:"traces"`
}

// Trace is one rule contribution.
type Trace struct {
	Rule  string  `json:"rule"`
	Label string  `json:"label"`
	Delta float64 `json:"delta"`
}

// Table is the tabular region located in a sheet.
type Table struct {
	ID          string             `json:"id"`
	Range       string             `json:"range"`
	DataRange   *string            `json:"data_range"`
	Header      Header             `json:"header"`
	DataRows    int                `json:"data_rows"`
	RowsSkipped int                `json:"rows_skipped"`
	Columns     []Column           `json:"columns"`
	Mapping     []MappingEntry     `json:"mapping"`
	Transforms  []TransformSummary `json:"transforms"`
	Validation  Validation         `json:"validation"`
}

// Header describes where a table's header came from.
type Header struct {
	Kind     string   `json:"kind"`
	RowIndex *int     `json:"row_index"`
	Texts    []string `json:"texts"`
}

// Column is a raw source column.
type Column struct {
	Index  int    `json:"index"`
	Letter string `json:"letter"`
	Header string `json:"header"`
}

// MappingEntry is the Pass 2 decision for one raw column.
type MappingEntry struct {
	ColumnIndex    int         `json:"column_index"`
	Header         string      `json:"header"`
	Field          *string     `json:"field"`
	Score          float64     `json:"score"`
	TieBreak       string      `json:"tie_break,omitempty"`
	UnmappedReason string      `json:"unmapped_reason,omitempty"`
	Contributors   []Trace     `json:"contributors"`
	Candidates     []Candidate `json:"candidates"`
}

// Candidate is a field considered for a column.
type Candidate struct {
	Field string  `json:"field"`
	Score float64 `json:"score"`
}

// TransformSummary is the Pass 3 outcome for one mapped column.
type TransformSummary struct {
	Field       string             `json:"field"`
	ColumnIndex int                `json:"column_index"`
	Rule        string             `json:"rule"`
	Status      string             `json:"status"`
	Changed     int                `json:"changed"`
	Warnings    []TransformWarning `json:"warnings"`
	Error       string             `json:"error,omitempty"`
}

// TransformWarning is a transform warning with its cell reference.
type TransformWarning struct {
	RowIndex *int   `json:"row_index"`
	A1       string `json:"a1,omitempty"`
	Code     string `json:"code,omitempty"`
	Message  string `json:"message"`
}

// Validation holds the Pass 4 outcome for a table.
type Validation struct {
	Issues []Issue      `json:"issues"`
	Counts IssueCounts  `json:"counts"`
	Failed []RuleFailed `json:"failed_rules"`
}

// RuleFailed records a validator that could not run for a field.
type RuleFailed struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
	Error string `json:"error"`
}

// Issue is a validation finding.
type Issue struct {
	A1       string `json:"a1"`
	RowIndex int    `json:"row_index"`
	Field    string `json:"field"`
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Rule     string `json:"rule"`
}

// IssueCounts counts issues by severity.
type IssueCounts struct {
	Error   int `json:"error"`
	Warning int `json:"warning"`
}

// Output describes what Pass 5 wrote.
type Output struct {
	Format string        `json:"format"`
	Path   string        `json:"path"`
	Sheets []OutputSheet `json:"sheets"`
}

// OutputSheet is one written sheet (or CSV file).
type OutputSheet struct {
	Name           string         `json:"name"`
	Path           string         `json:"path,omitempty"`
	TableID        string         `json:"table_id"`
	RowsWritten    int            `json:"rows_written"`
	ColumnsWritten int            `json:"columns_written"`
	Columns        []OutputColumn `json:"columns"`
}

// OutputColumn is one column of the output plan.
type OutputColumn struct {
	Name        string `json:"name"`
	Header      string `json:"header"`
	Source      string `json:"source"`
	Field       string `json:"field,omitempty"`
	ColumnIndex *int   `json:"column_index"`
}

// Summary is the human-facing outcome of a run.
type Summary struct {
	Status          string      `json:"status"`
	Code            string      `json:"code,omitempty"`
	Message         string      `json:"message"`
	Action          string      `json:"action,omitempty"`
	Tables          int         `json:"tables"`
	ColumnsMapped   int         `json:"columns_mapped"`
	ColumnsUnmapped int         `json:"columns_unmapped"`
	RowsWritten     int         `json:"rows_written"`
	Issues          IssueCounts `json:"issues"`
}

// PassRecord is one entry of pass_history.
type PassRecord struct {
	Pass        int            `json:"pass"`
	Name        string         `json:"name"`
	Status      string         `json:"status"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt time.Time      `json:"completed_at"`
	DurationMS  int64          `json:"duration_ms"`
	Stats       map[string]int `json:"stats"`
}

// Annotation is the outcome of one hook invocation.
type Annotation struct {
	Stage string    `json:"stage"`
	Hook  string    `json:"hook"`
	Notes any       `json:"notes"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}
