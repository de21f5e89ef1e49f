package pipeline

import (
	"context"
	"encoding/json"
	"reflect"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
)

func (st *runState) transform(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	for _, ts := range st.tables {
		if ts.store.Len() == 0 {
			continue
		}
		var cols []mappedColumn
		for _, mc := range st.mappedColumns(ts) {
			if mc.rules.transform != nil {
				cols = append(cols, mc)
			}
		}
		summaries := make([]artifact.TransformSummary, len(cols))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(st.concurrency())
		for i, mc := range cols {
			g.Go(func() error {
				s, err := st.transformColumn(gctx, ts, mc)
				summaries[i] = s
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		for _, s := range summaries {
			if err := st.rec.AddTransform(ts.sheet, ts.index, s); err != nil {
				return stats, err
			}
			stats["columns"]++
			stats["columns_"+s.Status]++
			stats["changed"] += s.Changed
			stats["warnings"] += len(s.Warnings)
		}
	}
	return stats, nil
}

// transformColumn rewrites one mapped column in the column store. A failing
// transform leaves the column untouched unless its field is required, in
// which case the run fails.
func (st *runState) transformColumn(ctx context.Context, ts *tableState, mc mappedColumn) (artifact.TransformSummary, error) {
	r := *mc.rules.transform
	col := mc.entry.ColumnIndex
	sum := artifact.TransformSummary{
		Field:       mc.field.Name,
		ColumnIndex: col,
		Rule:        r.ID,
		Status:      artifact.TransformApplied,
		Warnings:    []artifact.TransformWarning{},
	}
	values, err := ts.store.Read(col)
	if err != nil {
		return sum, err
	}

	var res rules.TransformResult
	err = st.call(ctx, r, rules.ValuesArgs{
		Common:      st.common(),
		SheetName:   ts.sheetName,
		TableID:     ts.id,
		ColumnIndex: col,
		Header:      mc.entry.Header,
		FieldName:   mc.field.Name,
		FieldMeta:   mc.field.FieldMeta,
		Values:      values,
	}, func(raw json.RawMessage) (err error) {
		res, err = rules.DecodeTransform(r.ID, len(values), raw)
		return err
	})
	if isFatal(err) {
		return sum, err
	}
	if err != nil {
		if mc.field.Required {
			return sum, st.ruleFatal(mc.field.Name, err)
		}
		sum.Status, sum.Error = artifact.TransformFailed, err.Error()
		return sum, nil
	}

	for i := range values {
		if !reflect.DeepEqual(values[i], res.Values[i]) {
			sum.Changed++
		}
	}
	if sum.Changed > 0 {
		if err := ts.store.Replace(col, res.Values); err != nil {
			return sum, err
		}
	}
	for _, w := range res.Warnings {
		tw := artifact.TransformWarning{RowIndex: w.RowIndex, Code: w.Code, Message: w.Message}
		if w.RowIndex != nil {
			tw.A1 = sheet.CellRef(col, ts.store.RowIndex(*w.RowIndex))
		}
		sum.Warnings = append(sum.Warnings, tw)
	}
	return sum, nil
}
