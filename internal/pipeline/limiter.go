package pipeline

// limiter.go admits runs into a fixed number of slots and keeps a live table
// of the admitted runs: which job, which input and which pass each is in.
// The ops server exposes that table; serve waits on it to drain at shutdown.

import (
	"context"
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ErrTooManyRuns is returned when all run slots are occupied and the wait
// timeout expires.
var ErrTooManyRuns = errors.New("too many concurrent runs, please try again later")

// DefaultMaxConcurrentRuns is the default limit for parallel runs.
const DefaultMaxConcurrentRuns = 5

// DefaultMaxWaitTime is how long to wait for a slot before rejecting.
const DefaultMaxWaitTime = 30 * time.Second

// Limiter bounds concurrent runs.
type Limiter struct {
	slots   chan struct{}
	maxWait time.Duration
	now     func() time.Time

	mu      sync.Mutex
	seq     uint64
	runs    map[uint64]*RunInfo
	waiting int
	// idle is closed while no run holds a slot.
	idle chan struct{}
}

// RunInfo describes one admitted run.
type RunInfo struct {
	JobID      string    `json:"job_id"`
	Input      string    `json:"input"`
	Pass       string    `json:"pass,omitempty"`
	AdmittedAt time.Time `json:"admitted_at"`
	WaitedMS   int64     `json:"waited_ms"`
}

// Slot is held by an admitted run until Release.
type Slot struct {
	l    *Limiter
	id   uint64
	once sync.Once
}

// NewLimiter creates a limiter that admits at most maxConcurrent runs.
func NewLimiter(maxConcurrent int, maxWait time.Duration) *Limiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentRuns
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	idle := make(chan struct{})
	close(idle)
	return &Limiter{
		slots:   make(chan struct{}, maxConcurrent),
		maxWait: maxWait,
		now:     time.Now,
		runs:    make(map[uint64]*RunInfo),
		idle:    idle,
	}
}

// Acquire waits up to the limiter's max wait for a slot for jobID. The
// caller must Release the returned slot when the run ends.
func (l *Limiter) Acquire(ctx context.Context, jobID, input string) (*Slot, error) {
	start := l.now()
	select {
	case l.slots <- struct{}{}:
		return l.admit(jobID, input, start), nil
	default:
	}

	l.mu.Lock()
	l.waiting++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.waiting--
		l.mu.Unlock()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, l.maxWait)
	defer cancel()
	select {
	case l.slots <- struct{}{}:
		return l.admit(jobID, input, start), nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTooManyRuns
	}
}

// TryAcquire takes a slot without waiting.
func (l *Limiter) TryAcquire(jobID, input string) (*Slot, bool) {
	select {
	case l.slots <- struct{}{}:
		return l.admit(jobID, input, l.now()), true
	default:
		return nil, false
	}
}

func (l *Limiter) admit(jobID, input string, requested time.Time) *Slot {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.runs) == 0 {
		l.idle = make(chan struct{})
	}
	l.seq++
	l.runs[l.seq] = &RunInfo{
		JobID:      jobID,
		Input:      filepath.Base(input),
		AdmittedAt: now.UTC(),
		WaitedMS:   now.Sub(requested).Milliseconds(),
	}
	return &Slot{l: l, id: l.seq}
}

// SetPass records the pass the run is executing.
func (s *Slot) SetPass(pass string) {
	if s == nil {
		return
	}
	s.l.mu.Lock()
	if info, ok := s.l.runs[s.id]; ok {
		info.Pass = pass
	}
	s.l.mu.Unlock()
}

// Release frees the slot. Calling it more than once is a no-op.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		l := s.l
		l.mu.Lock()
		delete(l.runs, s.id)
		if len(l.runs) == 0 {
			close(l.idle)
		}
		l.mu.Unlock()
		<-l.slots
	})
}

// ActiveCount returns the number of runs holding a slot.
func (l *Limiter) ActiveCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// WaitForDrain blocks until no run holds a slot or ctx is done.
func (l *Limiter) WaitForDrain(ctx context.Context) error {
	l.mu.Lock()
	idle := l.idle
	l.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LimiterStatus is a point-in-time view of the limiter.
type LimiterStatus struct {
	Active        int       `json:"active"`
	Available     int       `json:"available"`
	MaxConcurrent int       `json:"max_concurrent"`
	Waiting       int       `json:"waiting"`
	Runs          []RunInfo `json:"runs"`
}

// Status returns the admitted runs in admission order.
func (l *Limiter) Status() LimiterStatus {
	l.mu.Lock()
	ids := make([]uint64, 0, len(l.runs))
	for id := range l.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	runs := make([]RunInfo, len(ids))
	for i, id := range ids {
		runs[i] = *l.runs[id]
	}
	st := LimiterStatus{
		Active:        len(runs),
		MaxConcurrent: cap(l.slots),
		Waiting:       l.waiting,
		Runs:          runs,
	}
	l.mu.Unlock()
	st.Available = st.MaxConcurrent - st.Active
	return st
}
