package sandbox

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

// Pool owns the invokers of one run: one per script reference, created on
// first use and closed together when the run ends.
type Pool struct {
	opts Options
	home string
	argv []string

	mu       sync.Mutex
	invokers map[string]Invoker
	closed   bool
}

// NewPool creates a pool and its scratch HOME directory.
func NewPool(opts Options) (*Pool, error) {
	argv, err := shlex.Split(opts.RuntimeCommand)
	if err != nil {
		return nil, fmt.Errorf("parse runtime command %q: %w", opts.RuntimeCommand, err)
	}
	home, err := os.MkdirTemp("", "sheetnorm-worker-")
	if err != nil {
		return nil, fmt.Errorf("create worker home: %w", err)
	}
	return &Pool{
		opts:     opts,
		home:     home,
		argv:     argv,
		invokers: make(map[string]Invoker),
	}, nil
}

// Get returns the invoker for ref, creating it on first use.
func (p *Pool) Get(ref string) (Invoker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errors.New("sandbox pool is closed")
	}
	if inv, ok := p.invokers[ref]; ok {
		return inv, nil
	}

	var inv Invoker
	if manifest.IsBuiltin(ref) {
		b, err := NewBuiltin(ref, p.opts.CallTimeout)
		if err != nil {
			return nil, err
		}
		inv = b
	} else {
		script, err := p.resolve(ref)
		if err != nil {
			return nil, err
		}
		argv := append(append([]string{}, p.argv...), script)
		inv = newProcessInvoker(ref, argv, p.opts, p.home)
	}
	p.invokers[ref] = inv
	return inv, nil
}

// resolve maps a package-relative script reference into the snapshot.
func (p *Pool) resolve(ref string) (string, error) {
	if p.opts.Dir == "" {
		return "", fmt.Errorf("script %q: no snapshot directory", ref)
	}
	rel := filepath.Clean(filepath.FromSlash(ref))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("script %q escapes the config package", ref)
	}
	path := filepath.Join(p.opts.Dir, rel)
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("script %q: %w", ref, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("script %q is a directory", ref)
	}
	return path, nil
}

// Starts reports, per worker script, how many processes were started.
func (p *Pool) Starts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int)
	for ref, inv := range p.invokers {
		if pi, ok := inv.(*processInvoker); ok {
			out[ref] = pi.Starts()
		}
	}
	return out
}

// Close stops every worker and removes the scratch directory.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	refs := make([]string, 0, len(p.invokers))
	for ref := range p.invokers {
		refs = append(refs, ref)
	}
	p.mu.Unlock()

	sort.Strings(refs)
	var errs []error
	for _, ref := range refs {
		if err := p.invokers[ref].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", ref, err))
		}
	}
	if err := os.RemoveAll(p.home); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
