package sheet

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// ColumnStore holds the data rows of one table split by column, one JSON
// lines file per column. Transforms replace a whole column; the writer reads
// all columns back in lockstep.
type ColumnStore struct {
	dir   string
	width int

	mu      sync.RWMutex
	writers []*bufio.Writer
	files   []*os.File
	rowMap  []int
	sealed  bool
}

// NewColumnStore creates a store with width columns under dir.
func NewColumnStore(dir string, width int) (*ColumnStore, error) {
	d, err := os.MkdirTemp(dir, "columns-")
	if err != nil {
		return nil, fmt.Errorf("create column store: %w", err)
	}
	cs := &ColumnStore{dir: d, width: width}
	for c := 0; c < width; c++ {
		f, err := os.Create(cs.path(c))
		if err != nil {
			cs.Close()
			return nil, fmt.Errorf("create column %d: %w", c, err)
		}
		cs.files = append(cs.files, f)
		cs.writers = append(cs.writers, bufio.NewWriterSize(f, 32*1024))
	}
	return cs, nil
}

func (cs *ColumnStore) path(col int) string {
	return filepath.Join(cs.dir, "c"+strconv.Itoa(col)+".jsonl")
}

// Width returns the number of columns.
func (cs *ColumnStore) Width() int { return cs.width }

// Len returns the number of data rows.
func (cs *ColumnStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.rowMap)
}

// RowIndex maps a table-local data row to its physical row index.
func (cs *ColumnStore) RowIndex(local int) int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.rowMap[local]
}

// Add appends a data row taken from physical row index.
// Missing trailing cells are stored as nil.
func (cs *ColumnStore) Add(index int, values []any) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sealed {
		return errors.New("column store is sealed")
	}
	for c := 0; c < cs.width; c++ {
		var v any
		if c < len(values) {
			v = values[c]
		}
		if err := writeLine(cs.writers[c], cellLine{V: v}); err != nil {
			return fmt.Errorf("column %d: %w", c, err)
		}
	}
	cs.rowMap = append(cs.rowMap, index)
	return nil
}

// Seal flushes pending rows; the store becomes read/replace only.
func (cs *ColumnStore) Seal() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.sealed {
		return nil
	}
	var errs []error
	for c, w := range cs.writers {
		errs = append(errs, w.Flush(), cs.files[c].Close())
	}
	cs.writers, cs.files = nil, nil
	cs.sealed = true
	return errors.Join(errs...)
}

type cellLine struct {
	V any `json:"v"`
}

// Read returns every value of col.
func (cs *ColumnStore) Read(col int) ([]any, error) {
	return cs.read(col, -1)
}

// Sample returns up to n leading values of col.
func (cs *ColumnStore) Sample(col, n int) ([]any, error) {
	return cs.read(col, n)
}

func (cs *ColumnStore) read(col, limit int) ([]any, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if !cs.sealed {
		return nil, errors.New("column store is not sealed")
	}
	if col < 0 || col >= cs.width {
		return nil, fmt.Errorf("column %d out of range", col)
	}
	f, err := os.Open(cs.path(col))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	n := len(cs.rowMap)
	if limit >= 0 && limit < n {
		n = limit
	}
	out := make([]any, 0, n)
	sc := newLineScanner(f)
	for len(out) < n && sc.Scan() {
		var cl cellLine
		if err := decodeLine(sc.Bytes(), &cl); err != nil {
			return nil, fmt.Errorf("column %d: %w", col, err)
		}
		out = append(out, cl.V)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if len(out) != n {
		return nil, fmt.Errorf("column %d: read %d values, want %d", col, len(out), n)
	}
	return out, nil
}

// Replace swaps the values of col. len(values) must equal Len.
func (cs *ColumnStore) Replace(col int, values []any) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if !cs.sealed {
		return errors.New("column store is not sealed")
	}
	if col < 0 || col >= cs.width {
		return fmt.Errorf("column %d out of range", col)
	}
	if len(values) != len(cs.rowMap) {
		return fmt.Errorf("column %d: %d values for %d rows", col, len(values), len(cs.rowMap))
	}
	tmp, err := os.CreateTemp(cs.dir, "replace-*")
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(tmp, 32*1024)
	for _, v := range values {
		if err := writeLine(w, cellLine{V: v}); err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
			return err
		}
	}
	if err := errors.Join(w.Flush(), tmp.Close()); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), cs.path(col))
}

// Cursor reads the given columns row by row. A column index of -1 yields nil
// for every row.
type Cursor struct {
	cols     []int
	files    []*os.File
	scanners []*bufio.Scanner
	row      int
	rows     int
}

// Cursor opens a lockstep reader over cols.
func (cs *ColumnStore) Cursor(cols []int) (*Cursor, error) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if !cs.sealed {
		return nil, errors.New("column store is not sealed")
	}
	cur := &Cursor{cols: cols, rows: len(cs.rowMap)}
	for _, c := range cols {
		if c < 0 {
			cur.files = append(cur.files, nil)
			cur.scanners = append(cur.scanners, nil)
			continue
		}
		if c >= cs.width {
			cur.Close()
			return nil, fmt.Errorf("column %d out of range", c)
		}
		f, err := os.Open(cs.path(c))
		if err != nil {
			cur.Close()
			return nil, err
		}
		cur.files = append(cur.files, f)
		cur.scanners = append(cur.scanners, newLineScanner(f))
	}
	return cur, nil
}

// Next returns the next row, or ok=false after the last one.
func (c *Cursor) Next() (values []any, ok bool, err error) {
	if c.row >= c.rows {
		return nil, false, nil
	}
	values = make([]any, len(c.cols))
	for i, sc := range c.scanners {
		if sc == nil {
			continue
		}
		if !sc.Scan() {
			if err := sc.Err(); err != nil {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("column %d ended at row %d of %d", c.cols[i], c.row, c.rows)
		}
		var cl cellLine
		if err := decodeLine(sc.Bytes(), &cl); err != nil {
			return nil, false, err
		}
		values[i] = cl.V
	}
	c.row++
	return values, true, nil
}

// Close releases the cursor's files.
func (c *Cursor) Close() error {
	var errs []error
	for _, f := range c.files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}

// Close removes the store from disk.
func (cs *ColumnStore) Close() error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, f := range cs.files {
		f.Close()
	}
	cs.files, cs.writers = nil, nil
	return os.RemoveAll(cs.dir)
}
