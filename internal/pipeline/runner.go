// Package pipeline runs a spreadsheet through the five ordered passes:
//
//  1. detect: classify every row and locate one table per sheet
//  2. map: score raw columns against target fields
//  3. transform: rewrite mapped columns
//  4. validate: report issues for mapped columns
//  5. generate: write the normalized workbook
//
// Passes are strictly sequential. Inside passes 2-4 columns are processed
// concurrently with bounded parallelism; results are stored per column slot
// so completion order never shows in the artifact. Every run ends with a
// terminal status, including runs that are cancelled or time out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/config"
	"github.com/JonMunkholm/sheetnorm/internal/logging"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/metrics"
	"github.com/JonMunkholm/sheetnorm/internal/sandbox"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
	"github.com/JonMunkholm/sheetnorm/internal/snapshot"
)

// Version is the engine version recorded in artifacts.
const Version = "1.0.0"

// Runner executes runs against a snapshot store.
type Runner struct {
	cfg     config.EngineConfig
	sandbox sandbox.Options
	store   *snapshot.Store
	limiter *Limiter
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithMetrics records run, pass and rule metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithLimiter shares a limiter between runners.
func WithLimiter(l *Limiter) Option {
	return func(r *Runner) { r.limiter = l }
}

// New creates a runner. sb holds the process-wide sandbox defaults; manifest
// settings override them per run.
func New(cfg config.EngineConfig, sb sandbox.Options, store *snapshot.Store, opts ...Option) *Runner {
	r := &Runner{cfg: cfg, sandbox: sb, store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.limiter == nil {
		r.limiter = NewLimiter(cfg.MaxConcurrentRuns, cfg.MaxWaitTime)
	}
	return r
}

// Limiter returns the runner's run limiter.
func (r *Runner) Limiter() *Limiter { return r.limiter }

// Request describes one run.
type Request struct {
	// JobID identifies the run; a UUID is generated when empty.
	JobID string
	// Input is the spreadsheet to normalize.
	Input string
	// PackageDir is prepared into a snapshot unless SnapshotID is set.
	PackageDir string
	SnapshotID string
	// Output is the path of the normalized workbook. Its extension selects
	// the format unless Format is set.
	Output string
	Format sheet.Format
	// Env is passed to every rule as the env argument.
	Env       map[string]string
	Overrides manifest.Overrides
}

// Result is the outcome of a run. Artifact is always complete and terminal.
type Result struct {
	Artifact artifact.Artifact
	Snapshot *snapshot.Snapshot
}

// Run executes req. The returned Result is non-nil even when the run fails;
// the error is then the *FatalError that ended it.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}
	ctx = logging.WithJobID(ctx, req.JobID)
	log := logging.WithFields(ctx, "input", filepath.Base(req.Input))

	rec := artifact.NewRecorder(
		artifact.Job{ID: req.JobID, SourceFile: req.Input, StartedAt: r.now().UTC()},
		artifact.ConfigInfo{Package: req.PackageDir, SnapshotID: req.SnapshotID},
		artifact.EngineInfo{Version: Version},
	)
	res := &Result{}

	slot, err := r.limiter.Acquire(ctx, req.JobID, req.Input)
	if err != nil {
		fe := asFatal("", err)
		if errors.Is(err, ErrTooManyRuns) {
			fe.Code = CodeBusy
		}
		res.Artifact = r.finish(ctx, rec, nil, fe)
		return res, fe
	}
	defer slot.Release()
	slot.SetPass("prepare")
	r.metrics.RunStarted()

	if r.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RunTimeout)
		defer cancel()
	}

	log.Info("run started")
	st, err := r.start(ctx, req, rec)
	if st != nil {
		st.slot = slot
		res.Snapshot = st.snap
		defer st.close()
	}
	if err == nil {
		err = st.execute(ctx)
	}

	var fe *FatalError
	if err != nil {
		fe = asFatal("", err)
	}
	res.Artifact = r.finish(ctx, rec, st, fe)
	if fe != nil {
		log.Warn("run failed", "code", fe.Code, "pass", fe.Pass, "error", fe.Err)
		return res, fe
	}
	log.Info("run succeeded",
		"tables", res.Artifact.Summary.Tables,
		"rows_written", res.Artifact.Summary.RowsWritten,
		"errors", res.Artifact.Summary.Issues.Error,
	)
	return res, nil
}

// start prepares the snapshot, opens the input and creates the sandbox pool.
// A non-nil state is returned whenever resources were acquired.
func (r *Runner) start(ctx context.Context, req Request, rec *artifact.Recorder) (*runState, error) {
	if err := ctx.Err(); err != nil {
		return nil, ctxFatal("", err)
	}
	snap, err := r.snapshot(ctx, req)
	if err != nil {
		return nil, err
	}
	st := &runState{
		runner: r,
		req:    req,
		rec:    rec,
		snap:   snap,
		log:    logging.WithFields(ctx, "snapshot", snap.ID),
	}

	release, err := r.store.Lease(ctx, snap.ID)
	if err != nil {
		return st, fatal("", CodeSnapshotMissing, fmt.Errorf("lease snapshot %s: %w", snap.ID, err))
	}
	st.closers = append(st.closers, func() error { release(); return nil })

	m := snap.Manifest.WithOverrides(req.Overrides)
	st.manifest = m
	st.fields = m.Fields()
	hash, err := manifest.Hash(m)
	if err != nil {
		return st, fatal("", CodeManifestInvalid, err)
	}
	if st.manifestJSON, err = marshalManifest(m); err != nil {
		return st, fatal("", CodeManifestInvalid, err)
	}
	if err := rec.SetConfig(artifact.ConfigInfo{
		Package:                snap.Package,
		Title:                  m.Info.Title,
		Version:                m.Info.Version,
		ConfigScriptAPIVersion: m.ConfigScriptAPIVersion,
		ManifestHash:           hash,
		DependencyHash:         snap.DependencyHash,
		SnapshotID:             snap.ID,
	}, artifact.EngineInfo{
		Version:  Version,
		Defaults: m.Engine.Defaults,
		Writer:   m.Engine.Writer,
	}); err != nil {
		return st, err
	}

	info, err := os.Stat(req.Input)
	if err != nil {
		return st, fatal("", CodeInputUnreadable, fmt.Errorf("open workbook: %w", err))
	}
	if r.cfg.MaxInputSize > 0 && info.Size() > r.cfg.MaxInputSize {
		return st, fatal("", CodeInputTooLarge, fmt.Errorf("input too large: %d bytes exceeds %d", info.Size(), r.cfg.MaxInputSize))
	}
	wb, err := sheet.Open(req.Input)
	if err != nil {
		return st, fatal("", CodeInputUnreadable, err)
	}
	st.workbook = wb
	st.closers = append(st.closers, wb.Close)

	dir, err := os.MkdirTemp(r.cfg.SpoolDir, "sheetnorm-run-")
	if err != nil {
		return st, fmt.Errorf("create spool directory: %w", err)
	}
	st.spoolDir = dir
	st.closers = append(st.closers, func() error { return os.RemoveAll(dir) })

	opts := r.sandbox
	opts.Dir = snap.Dir
	opts.AllowNet = m.Engine.Defaults.AllowNet
	if t := m.Engine.Defaults.Timeout(); t > 0 {
		opts.CallTimeout = t
	}
	if m.Engine.Defaults.MemoryLimitMB > 0 {
		opts.MemoryLimitMB = m.Engine.Defaults.MemoryLimitMB
	}
	if m.Engine.Runtime.Command != "" {
		opts.RuntimeCommand = m.Engine.Runtime.Command
	}
	if len(m.Engine.Runtime.Env) > 0 {
		opts.RuntimeEnv = m.Engine.Runtime.Env
	}
	opts.Logger = st.log
	pool, err := sandbox.NewPool(opts)
	if err != nil {
		return st, fatal("", CodeRuleUnavailable, fmt.Errorf("load rule module: %w", err))
	}
	st.pool = pool
	st.closers = append(st.closers, pool.Close)
	return st, nil
}

func (r *Runner) snapshot(ctx context.Context, req Request) (*snapshot.Snapshot, error) {
	if req.SnapshotID != "" {
		snap, err := r.store.Open(req.SnapshotID)
		if err != nil {
			return nil, fatal("", CodeSnapshotMissing, err)
		}
		return snap, nil
	}
	snap, err := r.store.Prepare(ctx, req.PackageDir)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctxFatal("", ctx.Err())
		}
		return nil, fatal("", MapError(err).Code, err)
	}
	return snap, nil
}

// finish computes the summary and closes the artifact.
func (r *Runner) finish(ctx context.Context, rec *artifact.Recorder, st *runState, fe *FatalError) artifact.Artifact {
	doc := rec.Document()
	summary := summarize(doc)

	var jobErr *artifact.JobError
	if fe != nil {
		msg := MapError(fe)
		summary.Status = artifact.StatusFailed
		summary.Code, summary.Message, summary.Action = msg.Code, msg.Message, msg.Action
		jobErr = &artifact.JobError{Code: msg.Code, Pass: fe.Pass, Message: msg.Message, Detail: fe.Err.Error()}
	} else {
		summary.Status = artifact.StatusSucceeded
		summary.Message = fmt.Sprintf("Normalized %d table(s): %d column(s) mapped, %d row(s) written", summary.Tables, summary.ColumnsMapped, summary.RowsWritten)
		if summary.Issues.Error > 0 {
			summary.Action = "Review the validation issues in the artifact"
		}
	}

	if err := rec.Finish(summary, jobErr); err != nil {
		logging.FromContext(ctx).Error("finish artifact", "error", err)
	}
	r.metrics.RunFinished(summary.Status, summary.Code)
	return rec.Document()
}

// summarize counts tables, mapping decisions, written rows and issues.
func summarize(doc artifact.Artifact) artifact.Summary {
	var s artifact.Summary
	for _, sh := range doc.Sheets {
		for _, t := range sh.Tables {
			s.Tables++
			for _, m := range t.Mapping {
				if m.Field != nil {
					s.ColumnsMapped++
				} else {
					s.ColumnsUnmapped++
				}
			}
			s.Issues.Error += t.Validation.Counts.Error
			s.Issues.Warning += t.Validation.Counts.Warning
		}
	}
	if doc.Output != nil {
		for _, o := range doc.Output.Sheets {
			s.RowsWritten += o.RowsWritten
		}
	}
	return s
}
