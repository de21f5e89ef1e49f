package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Builtin rule function signatures.
type (
	RowDetectFunc    func(ctx context.Context, args RowArgs) (ScoreResult, error)
	ColumnDetectFunc func(ctx context.Context, args ColumnArgs) (ScoreResult, error)
	TransformFunc    func(ctx context.Context, args ValuesArgs) (TransformResult, error)
	ValidateFunc     func(ctx context.Context, args ValuesArgs) (ValidateResult, error)
	HookFunc         func(ctx context.Context, args HookArgs) (HookResult, error)
)

// Module is a builtin rule module.
type Module struct {
	Name            string
	RowDetectors    map[string]RowDetectFunc
	ColumnDetectors map[string]ColumnDetectFunc
	Transform       TransformFunc
	Validate        ValidateFunc
	Hook            HookFunc
}

// Functions lists the exported function names, sorted.
func (m Module) Functions() []string {
	var out []string
	for name := range m.RowDetectors {
		out = append(out, name)
	}
	for name := range m.ColumnDetectors {
		if _, dup := m.RowDetectors[name]; !dup {
			out = append(out, name)
		}
	}
	if m.Transform != nil {
		out = append(out, FuncTransform)
	}
	if m.Validate != nil {
		out = append(out, FuncValidate)
	}
	if m.Hook != nil {
		out = append(out, FuncRun)
	}
	sort.Strings(out)
	return out
}

var (
	registry   = make(map[string]Module)
	registryMu sync.RWMutex
)

// Register adds a builtin module.
// Panics if a module with the same name is already registered or if a
// detector name lacks the detect_ prefix.
func Register(m Module) {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[m.Name]; exists {
		panic(fmt.Sprintf("rule module already registered: %s", m.Name))
	}
	for name := range m.RowDetectors {
		if !strings.HasPrefix(name, DetectPrefix) {
			panic(fmt.Sprintf("rule module %s: detector %q must start with %q", m.Name, name, DetectPrefix))
		}
	}
	for name := range m.ColumnDetectors {
		if !strings.HasPrefix(name, DetectPrefix) {
			panic(fmt.Sprintf("rule module %s: detector %q must start with %q", m.Name, name, DetectPrefix))
		}
	}

	registry[m.Name] = m
}

// Lookup returns a builtin module by name.
func Lookup(name string) (Module, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()

	m, ok := registry[name]
	return m, ok
}

// Names returns all registered module names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SortedDetectors returns detector function names of fns in lexical order,
// which is the order rule ids appear in traces.
func SortedDetectors[F any](fns map[string]F) []string {
	names := make([]string, 0, len(fns))
	for name := range fns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
