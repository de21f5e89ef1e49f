package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// ErrLeaseBusy is returned when a snapshot stays exclusively locked, by a
// prune in progress, for the whole lock timeout.
var ErrLeaseBusy = errors.New("snapshot is locked")

// Lease marks a snapshot as in use until release is called. Leases are
// shared file locks, so they hold across processes: Prune skips any snapshot
// with a live lease.
func (s *Store) Lease(ctx context.Context, id string) (release func(), err error) {
	if _, err := s.readMetadata(id); err != nil {
		return nil, err
	}
	lock := flock.New(s.lockPath(id, "lease"))
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	ok, err := lock.TryRLockContext(lockCtx, lockRetryDelay)
	switch {
	case ok:
		return func() { _ = lock.Unlock() }, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("lease snapshot %s: %w", id, ctx.Err())
	case err != nil && !errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("lease snapshot %s: %w", id, err)
	default:
		return nil, fmt.Errorf("lease snapshot %s: %w", id, ErrLeaseBusy)
	}
}

// Prune removes snapshots prepared before now-olderThan that are not leased,
// and abandoned temporary builds. It returns the removed snapshot ids.
func (s *Store) Prune(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cutoff := s.now().Add(-olderThan)
	all, err := s.List()
	if err != nil {
		return nil, err
	}

	var removed []string
	for _, md := range all {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !md.PreparedAt.Before(cutoff) {
			continue
		}
		ok, err := s.pruneOne(ctx, md.ID)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, md.ID)
		}
	}

	entries, err := os.ReadDir(filepath.Join(s.root, tmpDir))
	if err == nil {
		for _, e := range entries {
			info, err := e.Info()
			if err == nil && info.ModTime().Before(cutoff) {
				_ = removeAll(filepath.Join(s.root, tmpDir, e.Name()))
			}
		}
	}
	return removed, nil
}

func (s *Store) pruneOne(ctx context.Context, id string) (bool, error) {
	lease := flock.New(s.lockPath(id, "lease"))
	locked, err := lease.TryLock()
	if err != nil {
		return false, fmt.Errorf("check lease of %s: %w", id, err)
	}
	if !locked {
		s.log.Debug("snapshot in use, not pruned", "id", id)
		return false, nil
	}
	defer func() { _ = lease.Unlock() }()

	build := flock.New(s.lockPath(id, "build"))
	if locked, err := build.TryLock(); err != nil || !locked {
		return false, err
	}
	defer func() { _ = build.Unlock() }()

	if err := removeAll(s.snapshotDir(id)); err != nil {
		return false, fmt.Errorf("remove snapshot %s: %w", id, err)
	}
	s.manifests.Remove(id)
	if s.index != nil {
		if err := s.index.Delete(ctx, id); err != nil {
			s.log.Warn("snapshot index delete failed", "id", id, "error", err)
		}
	}
	s.log.Info("snapshot pruned", "id", id)
	return true, nil
}
