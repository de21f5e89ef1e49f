package writer

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/xuri/excelize/v2"

	"github.com/JonMunkholm/sheetnorm/internal/sheet"
)

// Sink receives the output one sheet at a time.
type Sink interface {
	// BeginSheet starts a sheet and writes its header row.
	BeginSheet(name string, headers []string) error
	WriteRow(values []any) error
	// EndSheet finishes the sheet and returns the file it lives in.
	EndSheet() (string, error)
	// Close finishes the output. For XLSX this saves the workbook.
	Close() error
}

// FormatFor returns the output format implied by path's extension,
// defaulting to XLSX.
func FormatFor(path string) sheet.Format {
	if strings.EqualFold(filepath.Ext(path), ".csv") {
		return sheet.FormatCSV
	}
	return sheet.FormatXLSX
}

// Open creates a sink writing format to path. Parent directories must exist.
// A CSV sink with more than one sheet writes <stem>_<sheet>.csv next to path.
func Open(format sheet.Format, path string, sheets int) (Sink, error) {
	switch format {
	case sheet.FormatXLSX:
		return &xlsxSink{f: excelize.NewFile(), path: path}, nil
	case sheet.FormatCSV:
		return &csvSink{path: path, split: sheets > 1}, nil
	default:
		return nil, fmt.Errorf("unsupported output format %q", format)
	}
}

// CellValue converts a stored value to what the sink writes: integral
// numbers become int64, other numbers float64.
func CellValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

type xlsxSink struct {
	f      *excelize.File
	path   string
	sw     *excelize.StreamWriter
	name   string
	row    int
	sheets int
}

func (s *xlsxSink) BeginSheet(name string, headers []string) error {
	if s.sw != nil {
		return errors.New("previous sheet not ended")
	}
	if s.sheets == 0 {
		// excelize creates Sheet1; reuse it as the first output sheet.
		if err := s.f.SetSheetName(s.f.GetSheetName(0), name); err != nil {
			return err
		}
	} else if _, err := s.f.NewSheet(name); err != nil {
		return err
	}
	sw, err := s.f.NewStreamWriter(name)
	if err != nil {
		return err
	}
	s.sw, s.name, s.row = sw, name, 0
	s.sheets++
	if len(headers) == 0 {
		return nil
	}
	cells := make([]any, len(headers))
	for i, h := range headers {
		cells[i] = h
	}
	return s.WriteRow(cells)
}

func (s *xlsxSink) WriteRow(values []any) error {
	if s.sw == nil {
		return errors.New("no sheet started")
	}
	s.row++
	cell, err := excelize.CoordinatesToCellName(1, s.row)
	if err != nil {
		return err
	}
	cells := make([]any, len(values))
	for i, v := range values {
		cells[i] = CellValue(v)
	}
	return s.sw.SetRow(cell, cells)
}

func (s *xlsxSink) EndSheet() (string, error) {
	if s.sw == nil {
		return "", errors.New("no sheet started")
	}
	err := s.sw.Flush()
	s.sw = nil
	return s.path, err
}

func (s *xlsxSink) Close() error {
	if s.sw != nil {
		return errors.Join(errors.New("sheet not ended"), s.f.Close())
	}
	if err := s.f.SaveAs(s.path); err != nil {
		s.f.Close()
		return fmt.Errorf("save %s: %w", s.path, err)
	}
	return s.f.Close()
}

type csvSink struct {
	path  string
	split bool
	file  *os.File
	w     *csv.Writer
}

func (s *csvSink) sheetPath(name string) string {
	if !s.split {
		return s.path
	}
	ext := filepath.Ext(s.path)
	return strings.TrimSuffix(s.path, ext) + "_" + name + ext
}

func (s *csvSink) BeginSheet(name string, headers []string) error {
	if s.file != nil {
		return errors.New("previous sheet not ended")
	}
	f, err := os.Create(s.sheetPath(name))
	if err != nil {
		return err
	}
	s.file, s.w = f, csv.NewWriter(f)
	if len(headers) == 0 {
		return nil
	}
	return s.w.Write(headers)
}

func (s *csvSink) WriteRow(values []any) error {
	if s.w == nil {
		return errors.New("no sheet started")
	}
	rec := make([]string, len(values))
	for i, v := range values {
		rec[i] = csvText(CellValue(v))
	}
	return s.w.Write(rec)
}

func csvText(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func (s *csvSink) EndSheet() (string, error) {
	if s.file == nil {
		return "", errors.New("no sheet started")
	}
	s.w.Flush()
	err := errors.Join(s.w.Error(), s.file.Close())
	path := s.file.Name()
	s.file, s.w = nil, nil
	return path, err
}

func (s *csvSink) Close() error {
	if s.file != nil {
		return errors.Join(errors.New("sheet not ended"), s.file.Close())
	}
	return nil
}
