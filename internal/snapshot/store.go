// Package snapshot prepares config packages into immutable, content-addressed
// directories.
//
// A snapshot id is derived from the package's content hash and dependency
// hash, so preparing an unchanged package is a lookup. Builds happen in a
// temporary directory that is renamed into place only once complete, which
// means readers never observe a partial snapshot. Concurrent prepares of the
// same package converge on one build: singleflight inside the process, a
// file lock across processes.
//
// Layout under the store root:
//
//	<id>/package/      copy of the package (read-only)
//	<id>/metadata.json build metadata
//	<id>/build.log     output of build.command, when there is one
//	.tmp/              in-progress builds
//	.locks/            build and lease lock files
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/sheetnorm/internal/config"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

const (
	metadataFile = "metadata.json"
	buildLogFile = "build.log"
	packageDir   = "package"
	tmpDir       = ".tmp"
	locksDir     = ".locks"

	lockRetryDelay = 50 * time.Millisecond
)

// ErrNotFound is returned when a snapshot id does not exist in the store.
var ErrNotFound = errors.New("snapshot not found")

// Metadata is written to metadata.json and mirrored to the index.
type Metadata struct {
	ID             string    `json:"id" db:"id"`
	ContentHash    string    `json:"content_hash" db:"content_hash"`
	DependencyHash string    `json:"dependency_hash" db:"dependency_hash"`
	PreparedAt     time.Time `json:"prepared_at" db:"prepared_at"`
	InstallLog     string    `json:"install_log,omitempty" db:"install_log"`
	Package        string    `json:"package" db:"package"`
	Title          string    `json:"title,omitempty" db:"title"`
	Version        string    `json:"version,omitempty" db:"version"`
	FileCount      int       `json:"file_count" db:"file_count"`
	BuildCommand   string    `json:"build_command,omitempty" db:"build_command"`
}

// Snapshot is a prepared package ready to run.
type Snapshot struct {
	Metadata
	// Root is the snapshot directory; Dir is the package copy inside it.
	Root     string
	Dir      string
	Manifest *manifest.Manifest
	// Reused is true when Prepare found an existing snapshot.
	Reused bool
}

// BuildError reports the step of a snapshot build that failed.
type BuildError struct {
	Step   string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("snapshot build failed at %s: %v", e.Step, e.Err)
	if e.Output != "" {
		msg += "\n" + e.Output
	}
	return msg
}

func (e *BuildError) Unwrap() error { return e.Err }

// Index mirrors snapshot metadata outside the store directory.
type Index interface {
	Record(ctx context.Context, md Metadata) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]Metadata, error)
}

// Store manages the snapshots under one root directory.
type Store struct {
	root         string
	buildTimeout time.Duration
	lockTimeout  time.Duration
	group        singleflight.Group
	manifests    *lru.Cache[string, *manifest.Manifest]
	index        Index
	log          *slog.Logger
	now          func() time.Time
	onPrepare    func(reused bool)
}

// Option configures a Store.
type Option func(*Store)

// WithIndex mirrors metadata to idx. Index failures are logged, not fatal.
func WithIndex(idx Index) Option {
	return func(s *Store) { s.index = idx }
}

// WithLogger sets the store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithPrepareHook registers a callback invoked after every successful Prepare.
func WithPrepareHook(fn func(reused bool)) Option {
	return func(s *Store) { s.onPrepare = fn }
}

// NewStore opens (creating if needed) the store described by cfg.
func NewStore(cfg config.SnapshotConfig, opts ...Option) (*Store, error) {
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, fmt.Errorf("snapshot root: %w", err)
	}
	for _, d := range []string{root, filepath.Join(root, tmpDir), filepath.Join(root, locksDir)} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	size := cfg.ManifestCacheSize
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[string, *manifest.Manifest](size)
	if err != nil {
		return nil, err
	}
	s := &Store{
		root:         root,
		buildTimeout: cfg.BuildTimeout,
		lockTimeout:  cfg.LockTimeout,
		manifests:    cache,
		log:          slog.Default(),
		now:          time.Now,
	}
	if s.buildTimeout <= 0 {
		s.buildTimeout = 10 * time.Minute
	}
	if s.lockTimeout <= 0 {
		s.lockTimeout = 15 * time.Minute
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Prepare returns the snapshot of the package in dir, building it when no
// snapshot with the same hashes exists. It is idempotent.
func (s *Store) Prepare(ctx context.Context, dir string) (*Snapshot, error) {
	m, err := manifest.Load(dir)
	if err != nil {
		return nil, err
	}
	files, err := PackageFiles(dir, m)
	if err != nil {
		return nil, &BuildError{Step: "scan", Err: err}
	}
	hashes, err := ComputeHashes(dir, m, files)
	if err != nil {
		return nil, &BuildError{Step: "hash", Err: err}
	}
	id := hashes.ID()

	if snap, err := s.Open(id); err == nil {
		snap.Reused = true
		s.prepared(snap)
		return snap, nil
	}

	v, err, _ := s.group.Do(id, func() (any, error) {
		return s.build(ctx, dir, m, files, hashes)
	})
	if err != nil {
		return nil, err
	}
	snap := *v.(*Snapshot)
	s.prepared(&snap)
	return &snap, nil
}

func (s *Store) prepared(snap *Snapshot) {
	s.log.Info("snapshot ready", "id", snap.ID, "reused", snap.Reused, "files", snap.FileCount)
	if s.onPrepare != nil {
		s.onPrepare(snap.Reused)
	}
}

func (s *Store) build(ctx context.Context, dir string, m *manifest.Manifest, files []string, hashes Hashes) (*Snapshot, error) {
	id := hashes.ID()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	lock := flock.New(s.lockPath(id, "build"))
	locked, err := lock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if err == nil {
			err = errors.New("lock not acquired")
		}
		return nil, &BuildError{Step: "lock", Err: err}
	}
	defer func() { _ = lock.Unlock() }()

	// another process may have finished the build while we waited
	if snap, err := s.Open(id); err == nil {
		snap.Reused = true
		return snap, nil
	}

	start := s.now()
	tmp, err := os.MkdirTemp(filepath.Join(s.root, tmpDir), id+"-")
	if err != nil {
		return nil, &BuildError{Step: "tempdir", Err: err}
	}
	defer removeAll(tmp)

	if err := copyPackage(dir, filepath.Join(tmp, packageDir), files); err != nil {
		return nil, &BuildError{Step: "copy", Err: err}
	}

	md := Metadata{
		ID:             id,
		ContentHash:    hashes.Content,
		DependencyHash: hashes.Dependency,
		Package:        filepath.Base(dir),
		Title:          m.Info.Title,
		Version:        m.Info.Version,
		FileCount:      len(files),
		BuildCommand:   m.Build.Command,
	}
	if m.Build.Command != "" {
		buildCtx, cancel := context.WithTimeout(ctx, s.buildTimeout)
		err := runBuild(buildCtx, filepath.Join(tmp, packageDir), filepath.Join(tmp, buildLogFile), tmp, m.Build.Command)
		cancel()
		if err != nil {
			return nil, &BuildError{Step: "command", Output: tailFile(filepath.Join(tmp, buildLogFile), 2048), Err: err}
		}
		md.InstallLog = buildLogFile
	}
	md.PreparedAt = s.now().UTC()

	data, err := json.MarshalIndent(md, "", "  ")
	if err != nil {
		return nil, &BuildError{Step: "metadata", Err: err}
	}
	if err := os.WriteFile(filepath.Join(tmp, metadataFile), append(data, '\n'), 0o644); err != nil {
		return nil, &BuildError{Step: "metadata", Err: err}
	}
	if err := setReadOnly(tmp); err != nil {
		return nil, &BuildError{Step: "seal", Err: err}
	}
	if err := os.Rename(tmp, s.snapshotDir(id)); err != nil {
		if snap, openErr := s.Open(id); openErr == nil {
			snap.Reused = true
			return snap, nil
		}
		return nil, &BuildError{Step: "publish", Err: err}
	}

	s.log.Info("snapshot built",
		"id", id,
		"files", len(files),
		"build_command", m.Build.Command != "",
		"duration_ms", s.now().Sub(start).Milliseconds(),
	)
	if s.index != nil {
		if err := s.index.Record(ctx, md); err != nil {
			s.log.Warn("snapshot index update failed", "id", id, "error", err)
		}
	}
	s.manifests.Add(id, m)
	return &Snapshot{Metadata: md, Root: s.snapshotDir(id), Dir: filepath.Join(s.snapshotDir(id), packageDir), Manifest: m}, nil
}

// Open loads an existing snapshot by id.
func (s *Store) Open(id string) (*Snapshot, error) {
	if !validID(id) {
		return nil, fmt.Errorf("%w: invalid id %q", ErrNotFound, id)
	}
	md, err := s.readMetadata(id)
	if err != nil {
		return nil, err
	}
	m, ok := s.manifests.Get(id)
	if !ok {
		m, err = manifest.Load(filepath.Join(s.snapshotDir(id), packageDir))
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", id, err)
		}
		s.manifests.Add(id, m)
	}
	return &Snapshot{Metadata: md, Root: s.snapshotDir(id), Dir: filepath.Join(s.snapshotDir(id), packageDir), Manifest: m}, nil
}

func (s *Store) readMetadata(id string) (Metadata, error) {
	data, err := os.ReadFile(filepath.Join(s.snapshotDir(id), metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Metadata{}, err
	}
	var md Metadata
	if err := json.Unmarshal(data, &md); err != nil {
		return Metadata{}, fmt.Errorf("snapshot %s metadata: %w", id, err)
	}
	return md, nil
}

// List returns the metadata of every snapshot, newest first.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, err
	}
	var out []Metadata
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		md, err := s.readMetadata(e.Name())
		if err != nil {
			s.log.Warn("skipping unreadable snapshot", "dir", e.Name(), "error", err)
			continue
		}
		out = append(out, md)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PreparedAt.Equal(out[j].PreparedAt) {
			return out[i].PreparedAt.After(out[j].PreparedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) snapshotDir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) lockPath(id, kind string) string {
	return filepath.Join(s.root, locksDir, id+"."+kind+".lock")
}

func validID(id string) bool {
	if len(id) != IDLength {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune("0123456789abcdef", c) {
			return false
		}
	}
	return true
}
