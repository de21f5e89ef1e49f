package ruleworker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetnorm/internal/rules"
)

// Func handles one exported function. kwargs is the raw keyword-argument
// object; the returned value is marshaled as the call result.
type Func func(ctx context.Context, kwargs json.RawMessage) (any, error)

// Worker dispatches protocol requests to registered functions.
type Worker struct {
	funcs map[string]Func
}

// New returns an empty worker.
func New() *Worker {
	return &Worker{funcs: make(map[string]Func)}
}

// Handle registers fn under name and returns w for chaining.
func (w *Worker) Handle(name string, fn Func) *Worker {
	w.funcs[name] = fn
	return w
}

// Functions lists the registered function names, sorted.
func (w *Worker) Functions() []string {
	out := make([]string, 0, len(w.funcs))
	for name := range w.funcs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// FromModule exposes a builtin rules module over the wire protocol.
func FromModule(m rules.Module) *Worker {
	w := New()
	for name, fn := range m.RowDetectors {
		w.Handle(name, Row(fn))
	}
	for name, fn := range m.ColumnDetectors {
		col := Column(fn)
		if row, ok := w.funcs[name]; ok {
			w.Handle(name, byShape(row, col))
			continue
		}
		w.Handle(name, col)
	}
	if m.Transform != nil {
		w.Handle(rules.FuncTransform, Transform(m.Transform))
	}
	if m.Validate != nil {
		w.Handle(rules.FuncValidate, Validate(m.Validate))
	}
	if m.Hook != nil {
		w.Handle(rules.FuncRun, Hook(m.Hook))
	}
	return w
}

// byShape routes a detector name shared by a row and a column detector:
// column detector kwargs always carry field_name.
func byShape(row, col Func) Func {
	return func(ctx context.Context, kwargs json.RawMessage) (any, error) {
		var probe struct {
			FieldName *string `json:"field_name"`
		}
		_ = json.Unmarshal(kwargs, &probe)
		if probe.FieldName != nil {
			return col(ctx, kwargs)
		}
		return row(ctx, kwargs)
	}
}

func decodeKwargs(raw json.RawMessage, out any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("decode kwargs: %w", err)
	}
	return nil
}

// Row adapts a typed row detector.
func Row(fn rules.RowDetectFunc) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args rules.RowArgs
		if err := decodeKwargs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Column adapts a typed column detector.
func Column(fn rules.ColumnDetectFunc) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args rules.ColumnArgs
		if err := decodeKwargs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Transform adapts a typed transform.
func Transform(fn rules.TransformFunc) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args rules.ValuesArgs
		if err := decodeKwargs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Validate adapts a typed validator.
func Validate(fn rules.ValidateFunc) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args rules.ValuesArgs
		if err := decodeKwargs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Hook adapts a typed hook.
func Hook(fn rules.HookFunc) Func {
	return func(ctx context.Context, raw json.RawMessage) (any, error) {
		var args rules.HookArgs
		if err := decodeKwargs(raw, &args); err != nil {
			return nil, err
		}
		return fn(ctx, args)
	}
}

// Serve answers requests from r on out until r is exhausted, a shutdown
// request arrives or ctx is cancelled.
func (w *Worker) Serve(ctx context.Context, r io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), MaxLineSize)
	bw := bufio.NewWriter(out)
	enc := json.NewEncoder(bw)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			if err := reply(enc, bw, Response{Error: "malformed request: " + err.Error()}); err != nil {
				return err
			}
			continue
		}
		if req.Op == OpShutdown {
			return reply(enc, bw, Response{ID: req.ID, OK: true})
		}
		if err := reply(enc, bw, w.dispatch(ctx, req)); err != nil {
			return err
		}
	}
	return sc.Err()
}

func reply(enc *json.Encoder, bw *bufio.Writer, resp Response) error {
	if err := enc.Encode(resp); err != nil {
		return err
	}
	return bw.Flush()
}

func (w *Worker) dispatch(ctx context.Context, req Request) (resp Response) {
	resp.ID = req.ID
	defer func() {
		if r := recover(); r != nil {
			resp = Response{ID: req.ID, Error: fmt.Sprintf("panic in %s: %v", req.Function, r)}
		}
	}()

	var result any
	switch req.Op {
	case OpDescribe:
		result = Description{Protocol: Protocol, Functions: w.Functions()}
	case OpCall:
		fn, ok := w.funcs[req.Function]
		if !ok {
			resp.Error = fmt.Sprintf("unknown function %q", req.Function)
			return resp
		}
		var err error
		result, err = fn(ctx, req.Kwargs)
		if err != nil {
			resp.Error = err.Error()
			return resp
		}
	default:
		resp.Error = fmt.Sprintf("unknown op %q", req.Op)
		return resp
	}

	raw, err := json.Marshal(result)
	if err != nil {
		resp.Error = "marshal result: " + err.Error()
		return resp
	}
	resp.OK = true
	resp.Result = raw
	return resp
}

// Main serves w on stdin/stdout and exits the process.
func Main(w *Worker) {
	err := w.Serve(context.Background(), os.Stdin, os.Stdout)
	if err != nil && !errors.Is(err, io.EOF) {
		fmt.Fprintln(os.Stderr, "ruleworker:", strings.TrimSpace(err.Error()))
		os.Exit(1)
	}
	os.Exit(0)
}
