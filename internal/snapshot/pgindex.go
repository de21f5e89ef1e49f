package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/JonMunkholm/sheetnorm/internal/config"
)

const indexTable = "sheetnorm_snapshots"

var indexColumns = []string{
	"id",
	"content_hash",
	"dependency_hash",
	"prepared_at",
	"install_log",
	"package",
	"title",
	"version",
	"file_count",
	"build_command",
}

const indexSchema = `CREATE TABLE IF NOT EXISTS sheetnorm_snapshots (
	id              TEXT PRIMARY KEY,
	content_hash    TEXT NOT NULL,
	dependency_hash TEXT NOT NULL,
	prepared_at     TIMESTAMPTZ NOT NULL,
	install_log     TEXT NOT NULL DEFAULT '',
	package         TEXT NOT NULL DEFAULT '',
	title           TEXT NOT NULL DEFAULT '',
	version         TEXT NOT NULL DEFAULT '',
	file_count      INTEGER NOT NULL DEFAULT 0,
	build_command   TEXT NOT NULL DEFAULT ''
)`

// DB is the subset of pgxpool.Pool the index uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PGIndex mirrors snapshot metadata into PostgreSQL so several hosts sharing
// a store (or a dashboard) can list snapshots without scanning the disk.
type PGIndex struct {
	db         DB
	retryBase  time.Duration
	maxRetries uint64
}

// NewPGIndex returns an index backed by db.
func NewPGIndex(db DB) *PGIndex {
	return &PGIndex{db: db, retryBase: 200 * time.Millisecond, maxRetries: 3}
}

// Connect opens a connection pool configured from cfg and verifies it.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the index table when missing.
func (x *PGIndex) EnsureSchema(ctx context.Context) error {
	return x.exec(ctx, indexSchema)
}

// Record upserts md.
func (x *PGIndex) Record(ctx context.Context, md Metadata) error {
	sql, args, err := squirrel.
		Insert(indexTable).
		Columns(indexColumns...).
		Values(md.ID, md.ContentHash, md.DependencyHash, md.PreparedAt, md.InstallLog,
			md.Package, md.Title, md.Version, md.FileCount, md.BuildCommand).
		Suffix("ON CONFLICT (id) DO UPDATE SET prepared_at = EXCLUDED.prepared_at, install_log = EXCLUDED.install_log").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	return x.exec(ctx, sql, args...)
}

// Delete removes the row for id.
func (x *PGIndex) Delete(ctx context.Context, id string) error {
	sql, args, err := squirrel.
		Delete(indexTable).
		Where(squirrel.Eq{"id": id}).
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	return x.exec(ctx, sql, args...)
}

// List returns every indexed snapshot, newest first.
func (x *PGIndex) List(ctx context.Context) ([]Metadata, error) {
	sql, args, err := squirrel.
		Select(indexColumns...).
		From(indexTable).
		OrderBy("prepared_at DESC", "id").
		PlaceholderFormat(squirrel.Dollar).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build select: %w", err)
	}
	var out []Metadata
	if err := pgxscan.Select(ctx, x.db, &out, sql, args...); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return out, nil
}

// exec runs a statement, retrying connection-level failures with exponential
// backoff. Errors reported by the server are not retried.
func (x *PGIndex) exec(ctx context.Context, sql string, args ...any) error {
	backoff := retry.WithMaxRetries(x.maxRetries, retry.NewExponential(x.retryBase))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := x.db.Exec(ctx, sql, args...)
		if err == nil {
			return nil
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			return err
		}
		return retry.RetryableError(err)
	})
}
