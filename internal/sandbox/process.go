package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/JonMunkholm/sheetnorm/internal/ruleworker"
)

// shutdownGrace is how long Close waits for a worker to exit on its own.
const shutdownGrace = 2 * time.Second

// processInvoker drives one worker script over the wire protocol. Calls are
// serialized; the worker is started lazily and restarted after a kill.
type processInvoker struct {
	ref  string
	argv []string
	opts Options
	home string

	mu     sync.Mutex
	proc   *workerProc
	funcs  []string
	nextID uint64
	starts int
	// lastExit is the most recently killed or exited worker, kept for its stderr.
	lastExit *workerProc
}

type workerProc struct {
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	lines    chan []byte
	done     chan struct{}
	waitErr  error
	stderr   *tailBuffer
	isolated bool
}

func newProcessInvoker(ref string, argv []string, opts Options, home string) *processInvoker {
	return &processInvoker{ref: ref, argv: argv, opts: opts, home: home}
}

func (p *processInvoker) Name() string { return p.ref }

// Starts reports how many times the worker process was started.
func (p *processInvoker) Starts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts
}

func (p *processInvoker) Functions(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), p.funcs...), nil
}

func (p *processInvoker) Call(ctx context.Context, function string, kwargs any) (json.RawMessage, error) {
	rule := RuleID(p.ref, function)
	payload, err := json.Marshal(kwargs)
	if err != nil {
		return nil, fmt.Errorf("marshal kwargs for %s: %w", rule, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.ensureStarted(ctx); err != nil {
		var re *ResourceError
		if errors.As(err, &re) {
			re.Rule = rule
		}
		return nil, err
	}

	callCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.opts.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, p.opts.CallTimeout)
	}
	defer cancel()

	p.nextID++
	resp, err := p.roundTrip(callCtx, ruleworker.Request{ID: p.nextID, Op: ruleworker.OpCall, Function: function, Kwargs: payload})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &ResourceError{Rule: rule, Kind: ResourceTimeout, Detail: fmt.Sprintf("no result within %s", p.opts.CallTimeout)}
		}
		return nil, p.classifyExit(rule, err)
	}
	if !resp.OK {
		return nil, &CallError{Rule: rule, Message: resp.Error}
	}
	return resp.Result, nil
}

func (p *processInvoker) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc == nil {
		return nil
	}
	proc := p.proc
	p.proc = nil
	_ = proc.stdin.Close()
	go func() {
		for range proc.lines {
		}
	}()
	select {
	case <-proc.done:
	case <-time.After(shutdownGrace):
		_ = killGroup(proc.cmd.Process.Pid)
		<-proc.done
	}
	return nil
}

// ensureStarted starts the worker and performs the describe handshake.
// Callers hold p.mu.
func (p *processInvoker) ensureStarted(ctx context.Context) error {
	if p.proc != nil {
		return nil
	}
	proc, err := p.spawn()
	if err != nil {
		return &ResourceError{Rule: p.ref, Kind: ResourceStart, Err: err}
	}
	p.proc = proc
	p.starts++

	startCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.opts.StartTimeout > 0 {
		startCtx, cancel = context.WithTimeout(ctx, p.opts.StartTimeout)
	}
	defer cancel()

	p.nextID++
	resp, err := p.roundTrip(startCtx, ruleworker.Request{ID: p.nextID, Op: ruleworker.OpDescribe})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return &ResourceError{Rule: p.ref, Kind: ResourceStart, Detail: "describe handshake failed" + p.stderrSuffix(), Err: err}
	}
	var desc ruleworker.Description
	if !resp.OK {
		p.kill()
		return &ResourceError{Rule: p.ref, Kind: ResourceStart, Detail: "describe rejected: " + resp.Error}
	}
	if err := json.Unmarshal(resp.Result, &desc); err != nil || desc.Protocol != ruleworker.Protocol {
		p.kill()
		return &ResourceError{Rule: p.ref, Kind: ResourceStart, Detail: fmt.Sprintf("worker speaks %q, want %q", desc.Protocol, ruleworker.Protocol), Err: err}
	}
	p.funcs = desc.Functions
	p.opts.logger().Debug("rule worker started",
		"script", p.ref,
		"pid", proc.cmd.Process.Pid,
		"functions", len(desc.Functions),
		"net_isolated", proc.isolated,
	)
	return nil
}

// spawn starts the worker process, trying a private network namespace first
// when the isolation mode allows it.
func (p *processInvoker) spawn() (*workerProc, error) {
	isolate := !p.opts.AllowNet && p.opts.NetIsolation != NetIsolationEnv
	if isolate && !canIsolate() {
		if p.opts.NetIsolation == NetIsolationNamespace {
			return nil, errors.New("network namespaces are unavailable on this host")
		}
		isolate = false
	}
	proc, err := p.startProc(isolate)
	if err != nil && isolate && p.opts.NetIsolation != NetIsolationNamespace {
		p.opts.logger().Warn("network namespace unavailable, falling back to env isolation",
			"script", p.ref, "error", err)
		proc, err = p.startProc(false)
	}
	return proc, err
}

func (p *processInvoker) startProc(isolate bool) (*workerProc, error) {
	cmd := exec.Command(p.argv[0], p.argv[1:]...)
	cmd.Dir = p.opts.Dir
	cmd.Env = buildEnv(p.opts, p.home)
	cmd.SysProcAttr = sysProcAttr(isolate)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := newTailBuffer(p.opts.StderrLimit)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", p.argv[0], err)
	}
	if p.opts.MemoryLimitMB > 0 {
		if err := limitMemory(cmd.Process.Pid, p.opts.MemoryLimitMB); err != nil {
			p.opts.logger().Warn("could not apply worker memory limit", "script", p.ref, "error", err)
		}
	}

	proc := &workerProc{
		cmd:      cmd,
		stdin:    stdin,
		lines:    make(chan []byte, 1),
		done:     make(chan struct{}),
		stderr:   stderr,
		isolated: isolate,
	}
	go proc.readLoop(stdout)
	return proc, nil
}

// readLoop forwards stdout lines until EOF, then reaps the process.
func (w *workerProc) readLoop(stdout io.Reader) {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), ruleworker.MaxLineSize)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		w.lines <- line
	}
	close(w.lines)
	w.waitErr = w.cmd.Wait()
	close(w.done)
}

var errWorkerExited = errors.New("worker exited")

// roundTrip sends one request and waits for its response. On any failure the
// worker is killed so the next call starts fresh. Callers hold p.mu.
func (p *processInvoker) roundTrip(ctx context.Context, req ruleworker.Request) (ruleworker.Response, error) {
	proc := p.proc
	line, err := json.Marshal(req)
	if err != nil {
		return ruleworker.Response{}, err
	}
	if _, err := proc.stdin.Write(append(line, '\n')); err != nil {
		p.kill()
		return ruleworker.Response{}, fmt.Errorf("%w: write request: %v", errWorkerExited, err)
	}

	for {
		select {
		case <-ctx.Done():
			p.kill()
			return ruleworker.Response{}, ctx.Err()
		case out, ok := <-proc.lines:
			if !ok {
				p.kill()
				return ruleworker.Response{}, errWorkerExited
			}
			var resp ruleworker.Response
			if err := json.Unmarshal(out, &resp); err != nil {
				p.kill()
				return ruleworker.Response{}, fmt.Errorf("malformed response %q: %w", truncate(string(out), 200), err)
			}
			if resp.ID != req.ID {
				// a reply to a request the worker could not parse carries id 0
				if resp.ID == 0 && !resp.OK {
					return resp, nil
				}
				continue
			}
			return resp, nil
		}
	}
}

// kill terminates the worker's process group and waits for it to be reaped.
func (p *processInvoker) kill() {
	if p.proc == nil {
		return
	}
	proc := p.proc
	p.proc = nil
	_ = killGroup(proc.cmd.Process.Pid)
	_ = proc.stdin.Close()
	// drain so readLoop can reach Wait
	go func() {
		for range proc.lines {
		}
	}()
	<-proc.done
	p.lastExit = proc
}

// classifyExit turns a dead worker into a ResourceError.
func (p *processInvoker) classifyExit(rule string, err error) error {
	kind := ResourceCrash
	tail := ""
	if p.lastExit != nil {
		tail = p.lastExit.stderr.String()
		if looksLikeOOM(tail) {
			kind = ResourceMemory
		}
	}
	re := &ResourceError{Rule: rule, Kind: kind, Err: err}
	if tail != "" {
		re.Detail = "stderr: " + truncate(lastLine(tail), 300)
	}
	p.opts.logger().Warn("rule worker died", "rule", rule, "kind", kind, "error", err)
	return re
}

func (p *processInvoker) stderrSuffix() string {
	if p.lastExit == nil {
		return ""
	}
	if s := lastLine(p.lastExit.stderr.String()); s != "" {
		return " (stderr: " + truncate(s, 300) + ")"
	}
	return ""
}

var oomMarkers = []string{"memoryerror", "out of memory", "cannot allocate memory", "bad_alloc", "heap out of memory"}

func looksLikeOOM(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, m := range oomMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	if limit <= 0 {
		limit = 64 << 10
	}
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append([]byte(nil), b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
