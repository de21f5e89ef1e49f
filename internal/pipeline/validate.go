package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
)

type columnIssues struct {
	issues []artifact.Issue
	failed *artifact.RuleFailed
}

func (st *runState) validate(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	for _, ts := range st.tables {
		if ts.store.Len() == 0 {
			continue
		}
		cols := st.mappedColumns(ts)
		results := make([]columnIssues, len(cols))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(st.concurrency())
		for i, mc := range cols {
			g.Go(func() error {
				res, err := st.validateColumn(gctx, ts, mc)
				results[i] = res
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}

		var issues []artifact.Issue
		for _, res := range results {
			issues = append(issues, res.issues...)
			if res.failed != nil {
				if err := st.rec.AddValidatorFailure(ts.sheet, ts.index, *res.failed); err != nil {
					return stats, err
				}
				stats["validators_failed"]++
			}
		}
		if err := st.rec.AddIssues(ts.sheet, ts.index, issues); err != nil {
			return stats, err
		}
		stats["columns"] += len(cols)
		for _, is := range issues {
			stats["issues_"+is.Severity]++
		}
	}
	return stats, nil
}

// validateColumn checks required values, then runs the field's validator.
// Issues are de-duplicated on (row, code); the first one reported wins.
func (st *runState) validateColumn(ctx context.Context, ts *tableState, mc mappedColumn) (columnIssues, error) {
	var out columnIssues
	col := mc.entry.ColumnIndex
	values, err := ts.store.Read(col)
	if err != nil {
		return out, err
	}

	type key struct {
		row  int
		code string
	}
	seen := map[key]bool{}
	add := func(row int, code, severity, message, rule string) {
		k := key{row, code}
		if seen[k] {
			return
		}
		seen[k] = true
		out.issues = append(out.issues, artifact.Issue{
			A1:       sheet.CellRef(col, ts.store.RowIndex(row)),
			RowIndex: row,
			Field:    mc.field.Name,
			Code:     code,
			Severity: severity,
			Message:  message,
			Rule:     rule,
		})
	}

	if mc.field.Required {
		for i, v := range values {
			if rules.IsBlank(v) {
				add(i, rules.CodeRequiredMissing, rules.SeverityError,
					fmt.Sprintf("%s is required", mc.field.DisplayLabel()), RequiredRuleID)
			}
		}
	}

	if mc.rules.validate == nil {
		return out, nil
	}
	r := *mc.rules.validate
	var raw []rules.RawIssue
	err = st.call(ctx, r, rules.ValuesArgs{
		Common:      st.common(),
		SheetName:   ts.sheetName,
		TableID:     ts.id,
		ColumnIndex: col,
		Header:      mc.entry.Header,
		FieldName:   mc.field.Name,
		FieldMeta:   mc.field.FieldMeta,
		Values:      values,
	}, func(res json.RawMessage) (err error) {
		raw, err = rules.DecodeValidate(r.ID, len(values), res)
		return err
	})
	if isFatal(err) {
		return out, err
	}
	if err != nil {
		if mc.field.Required {
			return out, st.ruleFatal(mc.field.Name, err)
		}
		out.failed = &artifact.RuleFailed{Field: mc.field.Name, Rule: r.ID, Error: err.Error()}
		return out, nil
	}
	for _, is := range raw {
		add(is.RowIndex, is.Code, is.Severity, is.Message, r.ID)
	}
	return out, nil
}
