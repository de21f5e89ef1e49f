package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/writer"
)

func outputFailed(pass string, err error) *FatalError {
	return fatal(pass, CodeOutputFailed, fmt.Errorf("write output: %w", err))
}

// generate streams every table through its column plan into the output
// workbook. Rows are read from the column stores in lockstep and written as
// they are read.
func (st *runState) generate(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	path := st.req.Output
	if path == "" {
		return stats, outputFailed(st.pass, errors.New("no output path"))
	}
	format := st.req.Format
	if format == "" {
		format = writer.FormatFor(path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return stats, outputFailed(st.pass, err)
	}
	sink, err := writer.Open(format, path, max(1, len(st.tables)))
	if err != nil {
		return stats, outputFailed(st.pass, err)
	}

	out := artifact.Output{Format: string(format), Path: path, Sheets: []artifact.OutputSheet{}}
	base := st.manifest.Engine.Writer.OutputSheet
	if len(st.tables) == 0 {
		// An output with no tables still has one (empty) sheet.
		err = sink.BeginSheet(base, nil)
		if err == nil {
			_, err = sink.EndSheet()
		}
	}
	for i, ts := range st.tables {
		if err != nil {
			break
		}
		var sh artifact.OutputSheet
		sh, err = st.writeTable(ctx, sink, writer.SheetName(base, i, len(st.tables)), ts)
		if err == nil {
			out.Sheets = append(out.Sheets, sh)
			stats["tables"]++
			stats["rows_written"] += sh.RowsWritten
			stats["columns_written"] += sh.ColumnsWritten
		}
	}
	if closeErr := sink.Close(); err == nil && closeErr != nil {
		err = outputFailed(st.pass, closeErr)
	}
	if err != nil {
		return stats, err
	}
	if err := st.rec.SetOutput(out); err != nil {
		return stats, err
	}
	return stats, nil
}

func (st *runState) writeTable(ctx context.Context, sink writer.Sink, name string, ts *tableState) (artifact.OutputSheet, error) {
	plan := writer.Plan(st.fields, ts.mapping, st.manifest.Engine.Writer)
	sh := artifact.OutputSheet{
		Name:           name,
		TableID:        ts.id,
		ColumnsWritten: len(plan),
		Columns:        plan,
	}
	if sh.Columns == nil {
		sh.Columns = []artifact.OutputColumn{}
	}
	headers := make([]string, len(plan))
	cols := make([]int, len(plan))
	for i, c := range plan {
		headers[i] = c.Header
		cols[i] = -1
		if c.ColumnIndex != nil {
			cols[i] = *c.ColumnIndex
		}
	}
	if err := sink.BeginSheet(name, headers); err != nil {
		return sh, outputFailed(st.pass, err)
	}

	cur, err := ts.store.Cursor(cols)
	if err != nil {
		return sh, err
	}
	defer cur.Close()
	for {
		if sh.RowsWritten%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return sh, ctxFatal(st.pass, err)
			}
		}
		values, ok, err := cur.Next()
		if err != nil {
			return sh, err
		}
		if !ok {
			break
		}
		if err := sink.WriteRow(values); err != nil {
			return sh, outputFailed(st.pass, err)
		}
		sh.RowsWritten++
	}
	path, err := sink.EndSheet()
	if err != nil {
		return sh, outputFailed(st.pass, err)
	}
	sh.Path = path
	return sh, nil
}
