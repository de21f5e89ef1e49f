// Package manifest defines the configuration package manifest: target fields,
// engine defaults, writer settings, hooks and build instructions.
//
// A Manifest is immutable once loaded. Run-level overrides produce a new value
// through WithOverrides; the loaded value is never edited in place.
package manifest

import (
	"strings"
	"time"

	"github.com/mohae/deepcopy"
)

// BuiltinPrefix marks a script reference resolved to host-implemented rules.
const BuiltinPrefix = "builtin:"

// Manifest is the parsed manifest.yaml / manifest.json of a config package.
type Manifest struct {
	ConfigScriptAPIVersion string  `json:"config_script_api_version" yaml:"config_script_api_version" validate:"required"`
	Info                   Info    `json:"info" yaml:"info"`
	Engine                 Engine  `json:"engine" yaml:"engine"`
	Rows                   Rows    `json:"rows" yaml:"rows"`
	Columns                Columns `json:"columns" yaml:"columns"`
	Hooks                  Hooks   `json:"hooks" yaml:"hooks"`
	Build                  Build   `json:"build" yaml:"build"`
}

// Info carries descriptive metadata.
type Info struct {
	Title       string `json:"title,omitempty" yaml:"title"`
	Version     string `json:"version,omitempty" yaml:"version"`
	Description string `json:"description,omitempty" yaml:"description"`
}

// Engine groups the engine.* sections.
type Engine struct {
	Defaults Defaults `json:"defaults" yaml:"defaults"`
	Writer   Writer   `json:"writer" yaml:"writer"`
	Runtime  Runtime  `json:"runtime" yaml:"runtime"`
}

// Defaults are the per-run limits and thresholds.
type Defaults struct {
	TimeoutMS             int     `json:"timeout_ms" yaml:"timeout_ms" validate:"gte=0"`
	MemoryLimitMB         int     `json:"memory_limit_mb" yaml:"memory_limit_mb" validate:"gte=0"`
	AllowNet              bool    `json:"allow_net" yaml:"allow_net"`
	MappingScoreThreshold float64 `json:"mapping_score_threshold" yaml:"mapping_score_threshold"`
	HeaderScoreThreshold  float64 `json:"header_score_threshold" yaml:"header_score_threshold"`
	DetectorSampleSize    int     `json:"detector_sample_size" yaml:"detector_sample_size" validate:"gte=0"`
	RowSampleWidth        int     `json:"row_sample_width" yaml:"row_sample_width" validate:"gte=0"`
}

// Timeout returns the per-call timeout, or 0 when unset.
func (d Defaults) Timeout() time.Duration {
	return time.Duration(d.TimeoutMS) * time.Millisecond
}

// Writer controls Pass 5 output.
type Writer struct {
	AppendUnmappedColumns *bool  `json:"append_unmapped_columns,omitempty" yaml:"append_unmapped_columns"`
	UnmappedPrefix        string `json:"unmapped_prefix" yaml:"unmapped_prefix"`
	OutputSheet           string `json:"output_sheet" yaml:"output_sheet" validate:"omitempty,max=28"`
}

// AppendUnmapped reports whether unmapped columns are carried into the output.
func (w Writer) AppendUnmapped() bool {
	return w.AppendUnmappedColumns != nil && *w.AppendUnmappedColumns
}

// Runtime describes how worker scripts are launched.
// Command is split shell-style and the script path is appended.
// An empty command executes the script directly.
type Runtime struct {
	Command string            `json:"command,omitempty" yaml:"command"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
}

// Rows lists row-classifier script references.
type Rows struct {
	Detectors []string `json:"detectors,omitempty" yaml:"detectors"`
}

// Columns holds target fields: order defines output order, meta their settings.
type Columns struct {
	Order []string             `json:"order" yaml:"order" validate:"required,min=1,unique,dive,required"`
	Meta  map[string]FieldMeta `json:"meta" yaml:"meta" validate:"required,dive"`
}

// FieldMeta is columns.meta[field].
type FieldMeta struct {
	Label    string   `json:"label,omitempty" yaml:"label"`
	Required bool     `json:"required" yaml:"required"`
	Script   string   `json:"script,omitempty" yaml:"script"`
	Synonyms []string `json:"synonyms,omitempty" yaml:"synonyms"`
	TypeHint string   `json:"type_hint,omitempty" yaml:"type_hint" validate:"omitempty,oneof=text string number integer decimal date boolean bool us_state email phone"`
}

// Field is a target field with its name and manifest position.
type Field struct {
	Name  string
	Index int
	FieldMeta
}

// DisplayLabel returns the label, falling back to the field name.
func (f Field) DisplayLabel() string {
	if strings.TrimSpace(f.Label) != "" {
		return f.Label
	}
	return f.Name
}

// Hooks lists hook script references per stage.
type Hooks struct {
	PreRun        []string `json:"pre_run,omitempty" yaml:"pre_run"`
	PostMapping   []string `json:"post_mapping,omitempty" yaml:"post_mapping"`
	PostTransform []string `json:"post_transform,omitempty" yaml:"post_transform"`
	PostValidate  []string `json:"post_validate,omitempty" yaml:"post_validate"`
	PostRun       []string `json:"post_run,omitempty" yaml:"post_run"`
}

// Stage names used for hooks and annotations.
const (
	StagePreRun        = "pre_run"
	StagePostMapping   = "post_mapping"
	StagePostTransform = "post_transform"
	StagePostValidate  = "post_validate"
	StagePostRun       = "post_run"
)

// ForStage returns the hook references registered for stage.
func (h Hooks) ForStage(stage string) []string {
	switch stage {
	case StagePreRun:
		return h.PreRun
	case StagePostMapping:
		return h.PostMapping
	case StagePostTransform:
		return h.PostTransform
	case StagePostValidate:
		return h.PostValidate
	case StagePostRun:
		return h.PostRun
	default:
		return nil
	}
}

// Build describes how the snapshot's isolated environment is prepared.
type Build struct {
	// Dependencies are package-relative files whose content forms the
	// dependency hash (lock files, requirement lists).
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies"`
	// Command installs dependencies into the snapshot; run with the snapshot
	// directory as working directory.
	Command string   `json:"command,omitempty" yaml:"command"`
	Include []string `json:"include,omitempty" yaml:"include"`
	Exclude []string `json:"exclude,omitempty" yaml:"exclude"`
}

// Fields returns target fields in manifest order.
func (m *Manifest) Fields() []Field {
	out := make([]Field, 0, len(m.Columns.Order))
	for i, name := range m.Columns.Order {
		out = append(out, Field{Name: name, Index: i, FieldMeta: m.Columns.Meta[name]})
	}
	return out
}

// Field looks up a target field by name.
func (m *Manifest) Field(name string) (Field, bool) {
	for i, n := range m.Columns.Order {
		if n == name {
			return Field{Name: n, Index: i, FieldMeta: m.Columns.Meta[n]}, true
		}
	}
	return Field{}, false
}

// Clone returns a deep copy.
func (m *Manifest) Clone() *Manifest {
	return deepcopy.Copy(m).(*Manifest)
}

// Overrides are run-level adjustments applied on top of the manifest.
type Overrides struct {
	AllowNet              *bool
	MappingScoreThreshold *float64
	TimeoutMS             *int
	MemoryLimitMB         *int
}

// WithOverrides returns a copy of m with o applied.
func (m *Manifest) WithOverrides(o Overrides) *Manifest {
	c := m.Clone()
	if o.AllowNet != nil {
		c.Engine.Defaults.AllowNet = *o.AllowNet
	}
	if o.MappingScoreThreshold != nil {
		c.Engine.Defaults.MappingScoreThreshold = *o.MappingScoreThreshold
	}
	if o.TimeoutMS != nil {
		c.Engine.Defaults.TimeoutMS = *o.TimeoutMS
	}
	if o.MemoryLimitMB != nil {
		c.Engine.Defaults.MemoryLimitMB = *o.MemoryLimitMB
	}
	return c
}

// IsBuiltin reports whether ref names a host-implemented rule module.
func IsBuiltin(ref string) bool {
	return strings.HasPrefix(ref, BuiltinPrefix)
}

// BuiltinName strips the builtin prefix.
func BuiltinName(ref string) string {
	return strings.TrimPrefix(ref, BuiltinPrefix)
}
