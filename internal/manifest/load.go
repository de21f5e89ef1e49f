package manifest

// load.go reads, defaults, validates and hashes manifests.

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SupportedAPIVersions is the config_script_api_version range this engine runs.
const SupportedAPIVersions = ">= 1.0.0, < 2.0.0"

// FileNames are the manifest file names probed in a package directory, in order.
var FileNames = []string{"manifest.yaml", "manifest.yml", "manifest.json"}

// ErrNotFound is returned when a package directory has no manifest file.
var ErrNotFound = errors.New("manifest not found")

// ValidationError lists every problem found in a manifest.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("manifest invalid:\n  - %s", strings.Join(e.Problems, "\n  - "))
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// DefaultManifest returns the values filled into unset manifest settings.
func DefaultManifest() Manifest {
	appendUnmapped := true
	return Manifest{
		Engine: Engine{
			Defaults: Defaults{
				TimeoutMS:          5000,
				MemoryLimitMB:      512,
				DetectorSampleSize: 50,
				RowSampleWidth:     64,
			},
			Writer: Writer{
				AppendUnmappedColumns: &appendUnmapped,
				UnmappedPrefix:        "raw_",
				OutputSheet:           "Normalized",
			},
		},
		Rows: Rows{Detectors: []string{BuiltinPrefix + "rows"}},
	}
}

// Find returns the path of the manifest file inside dir.
func Find(dir string) (string, error) {
	for _, name := range FileNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && !info.IsDir() {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w in %s", ErrNotFound, dir)
}

// Load finds, parses and validates the manifest of a package directory.
func Load(dir string) (*Manifest, error) {
	p, err := Find(dir)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
	}
	return m, nil
}

// Parse decodes YAML or JSON manifest bytes, applies defaults and validates.
// Unknown keys are ignored so newer manifests load on older engines.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &m); err != nil {
			return nil, fmt.Errorf("parse manifest: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	if err := applyDefaults(&m); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func applyDefaults(m *Manifest) error {
	d := DefaultManifest()
	if err := mergo.Merge(&m.Engine, d.Engine); err != nil {
		return fmt.Errorf("apply engine defaults: %w", err)
	}
	if len(m.Rows.Detectors) == 0 {
		m.Rows.Detectors = d.Rows.Detectors
	}
	return nil
}

// Validate checks struct constraints, the API version and cross-field rules.
func (m *Manifest) Validate() error {
	var problems []string

	if err := validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				problems = append(problems, fmt.Sprintf("%s fails %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			problems = append(problems, err.Error())
		}
	}

	if m.ConfigScriptAPIVersion != "" {
		if err := CheckAPIVersion(m.ConfigScriptAPIVersion); err != nil {
			problems = append(problems, err.Error())
		}
	}

	for _, name := range m.Columns.Order {
		if _, ok := m.Columns.Meta[name]; !ok {
			problems = append(problems, fmt.Sprintf("columns.order lists %q but columns.meta has no entry", name))
		}
	}
	inOrder := make(map[string]bool, len(m.Columns.Order))
	for _, name := range m.Columns.Order {
		inOrder[name] = true
	}
	for name, meta := range m.Columns.Meta {
		if !inOrder[name] {
			problems = append(problems, fmt.Sprintf("columns.meta[%q] is not listed in columns.order", name))
		}
		if meta.Script != "" {
			if err := checkRef(meta.Script); err != nil {
				problems = append(problems, fmt.Sprintf("columns.meta[%q].script: %v", name, err))
			}
		}
	}

	for _, ref := range m.Rows.Detectors {
		if err := checkRef(ref); err != nil {
			problems = append(problems, fmt.Sprintf("rows.detectors: %v", err))
		}
	}
	for _, stage := range []string{StagePreRun, StagePostMapping, StagePostTransform, StagePostValidate, StagePostRun} {
		for _, ref := range m.Hooks.ForStage(stage) {
			if err := checkRef(ref); err != nil {
				problems = append(problems, fmt.Sprintf("hooks.%s: %v", stage, err))
			}
		}
	}
	for _, dep := range m.Build.Dependencies {
		if err := checkRef(dep); err != nil {
			problems = append(problems, fmt.Sprintf("build.dependencies: %v", err))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// CheckAPIVersion reports whether v falls inside SupportedAPIVersions.
func CheckAPIVersion(v string) error {
	ver, err := semver.NewVersion(v)
	if err != nil {
		return fmt.Errorf("config_script_api_version %q is not a version: %w", v, err)
	}
	c, err := semver.NewConstraint(SupportedAPIVersions)
	if err != nil {
		return err
	}
	if !c.Check(ver) {
		return fmt.Errorf("config_script_api_version %s is not supported (want %s)", v, SupportedAPIVersions)
	}
	return nil
}

// checkRef rejects script references that escape the package directory.
func checkRef(ref string) error {
	if IsBuiltin(ref) {
		if BuiltinName(ref) == "" {
			return fmt.Errorf("empty builtin reference")
		}
		return nil
	}
	if ref == "" {
		return fmt.Errorf("empty reference")
	}
	slashed := filepath.ToSlash(ref)
	if path.IsAbs(slashed) || filepath.IsAbs(ref) {
		return fmt.Errorf("%q must be relative to the package", ref)
	}
	clean := path.Clean(slashed)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("%q escapes the package", ref)
	}
	return nil
}

// Hash returns the hex sha256 of the manifest's canonical JSON encoding.
// Formatting, key order and YAML-vs-JSON do not change the hash.
func Hash(m *Manifest) (string, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
