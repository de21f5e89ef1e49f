// Package sheet reads spreadsheet input row by row and stores the rows a run
// needs on local disk so later passes can revisit them without re-reading
// the source.
package sheet

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/xuri/excelize/v2"
)

// Format is an input or output file format.
type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
)

// ErrUnsupported is returned for files that are neither XLSX nor CSV.
var ErrUnsupported = errors.New("unsupported input format")

// Row is one row of a sheet. Index is 0-based; blank cells are nil.
//
// For XLSX the index is the worksheet row. For CSV it is the record number:
// encoding/csv skips empty lines, so indices and the A1 references derived
// from them count records and drift from physical line numbers past any
// blank line.
type Row struct {
	Index  int
	Values []any
}

// Reader streams the rows of one sheet. Next returns io.EOF after the last row.
type Reader interface {
	Next() (Row, error)
	Close() error
}

// Workbook is an opened input file.
type Workbook interface {
	Format() Format
	Sheets() []string
	Open(index int) (Reader, error)
	Close() error
}

// DetectFormat identifies path by content, falling back to its extension.
func DetectFormat(path string) (Format, error) {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "", fmt.Errorf("detect format: %w", err)
	}
	switch {
	case mt.Is("application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"):
		return FormatXLSX, nil
	case mt.Is("text/csv"), mt.Is("text/tab-separated-values"):
		return FormatCSV, nil
	}
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case (ext == ".xlsx" || ext == ".xlsm") && mt.Is("application/zip"):
		return FormatXLSX, nil
	case (ext == ".csv" || ext == ".tsv" || ext == ".txt") && mt.Is("text/plain"):
		return FormatCSV, nil
	}
	return "", fmt.Errorf("%w: %s (%s)", ErrUnsupported, filepath.Base(path), mt.String())
}

// Open opens path as a workbook.
func Open(path string) (Workbook, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	if format == FormatXLSX {
		f, err := excelize.OpenFile(path)
		if err != nil {
			return nil, fmt.Errorf("open workbook: %w", err)
		}
		return &xlsxWorkbook{f: f}, nil
	}
	return &csvWorkbook{path: path, name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))}, nil
}

type xlsxWorkbook struct {
	f *excelize.File
}

func (w *xlsxWorkbook) Format() Format   { return FormatXLSX }
func (w *xlsxWorkbook) Sheets() []string { return w.f.GetSheetList() }
func (w *xlsxWorkbook) Close() error     { return w.f.Close() }

func (w *xlsxWorkbook) Open(index int) (Reader, error) {
	names := w.f.GetSheetList()
	if index < 0 || index >= len(names) {
		return nil, fmt.Errorf("sheet %d out of range", index)
	}
	rows, err := w.f.Rows(names[index])
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", names[index], err)
	}
	return &xlsxReader{rows: rows}, nil
}

type xlsxReader struct {
	rows *excelize.Rows
	next int
}

func (r *xlsxReader) Next() (Row, error) {
	if !r.rows.Next() {
		if err := r.rows.Error(); err != nil {
			return Row{}, err
		}
		return Row{}, io.EOF
	}
	cols, err := r.rows.Columns()
	if err != nil {
		return Row{}, err
	}
	row := Row{Index: r.next, Values: cellValues(cols)}
	r.next++
	return row, nil
}

func (r *xlsxReader) Close() error { return r.rows.Close() }

type csvWorkbook struct {
	path string
	name string
}

func (w *csvWorkbook) Format() Format   { return FormatCSV }
func (w *csvWorkbook) Sheets() []string { return []string{w.name} }
func (w *csvWorkbook) Close() error     { return nil }

func (w *csvWorkbook) Open(index int) (Reader, error) {
	if index != 0 {
		return nil, fmt.Errorf("sheet %d out of range", index)
	}
	f, err := os.Open(w.path)
	if err != nil {
		return nil, err
	}
	var size int64
	if info, err := f.Stat(); err == nil {
		size = info.Size()
	}
	br := bufio.NewReaderSize(Wrap(f, size), 64*1024)
	cr := csv.NewReader(br)
	cr.Comma = sniffDelimiter(br)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return &csvReader{f: f, r: cr}, nil
}

// sniffDelimiter picks the most frequent of , ; tab and | in the first line.
func sniffDelimiter(br *bufio.Reader) rune {
	head, _ := br.Peek(4096)
	line := string(head)
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	best, bestN := ',', strings.Count(line, ",")
	for _, d := range []rune{';', '\t', '|'} {
		if n := strings.Count(line, string(d)); n > bestN {
			best, bestN = d, n
		}
	}
	return best
}

// csvReader numbers records, not lines; see Row.
type csvReader struct {
	f    *os.File
	r    *csv.Reader
	next int
}

func (r *csvReader) Next() (Row, error) {
	rec, err := r.r.Read()
	if err != nil {
		return Row{}, err
	}
	row := Row{Index: r.next, Values: cellValues(rec)}
	r.next++
	return row, nil
}

func (r *csvReader) Close() error { return r.f.Close() }

// cellValues converts raw cell strings, trimming trailing blanks.
func cellValues(cells []string) []any {
	end := len(cells)
	for end > 0 && strings.TrimSpace(cells[end-1]) == "" {
		end--
	}
	out := make([]any, end)
	for i, c := range cells[:end] {
		if strings.TrimSpace(c) == "" {
			continue
		}
		out[i] = c
	}
	return out
}
