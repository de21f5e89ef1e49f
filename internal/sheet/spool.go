package sheet

// spool.go keeps rows on local disk as JSON lines so a run can revisit a sheet
// after Pass 1 without holding it in memory or re-reading the source.

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// maxLine bounds one spooled line.
const maxLine = 64 * 1024 * 1024

// RowSpool is an append-then-replay store of rows.
type RowSpool struct {
	f    *os.File
	w    *bufio.Writer
	rows int
}

// NewRowSpool creates a spool file in dir.
func NewRowSpool(dir string) (*RowSpool, error) {
	f, err := os.CreateTemp(dir, "rows-*.jsonl")
	if err != nil {
		return nil, fmt.Errorf("create row spool: %w", err)
	}
	return &RowSpool{f: f, w: bufio.NewWriterSize(f, 256*1024)}, nil
}

// Append writes one row.
func (s *RowSpool) Append(r Row) error {
	if err := writeLine(s.w, spooledRow{Index: r.Index, Values: r.Values}); err != nil {
		return fmt.Errorf("spool row %d: %w", r.Index, err)
	}
	s.rows++
	return nil
}

// Len returns the number of spooled rows.
func (s *RowSpool) Len() int { return s.rows }

// Each replays the spooled rows in append order.
func (s *RowSpool) Each(fn func(Row) error) error {
	if err := s.w.Flush(); err != nil {
		return err
	}
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	defer s.f.Seek(0, io.SeekEnd)

	sc := newLineScanner(s.f)
	for sc.Scan() {
		var sr spooledRow
		if err := decodeLine(sc.Bytes(), &sr); err != nil {
			return fmt.Errorf("read row spool: %w", err)
		}
		if err := fn(Row{Index: sr.Index, Values: sr.Values}); err != nil {
			return err
		}
	}
	return sc.Err()
}

// Close removes the spool file.
func (s *RowSpool) Close() error {
	name := s.f.Name()
	return errors.Join(s.f.Close(), os.Remove(name))
}

type spooledRow struct {
	Index  int   `json:"i"`
	Values []any `json:"v"`
}

func writeLine(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// decodeLine decodes one line keeping numbers as json.Number.
func decodeLine(line []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	return dec.Decode(v)
}

func newLineScanner(r io.Reader) *bufio.Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
	return sc
}
