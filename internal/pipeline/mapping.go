package pipeline

import (
	"context"
	"encoding/json"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/scoring"
)

// Tie-break names recorded in mapping entries.
const (
	TieExactLabel    = "exact_label"
	TieSynonym       = "synonym"
	TieManifestOrder = "manifest_order"
)

// mapChain orders fields with equal totals for one column header.
func (st *runState) mapChain(header string) []scoring.TieBreaker[string] {
	h := strings.TrimSpace(header)
	order := make(map[string]int, len(st.fields))
	for i, f := range st.fields {
		order[f.Name] = i
	}
	return []scoring.TieBreaker[string]{
		scoring.Prefer(TieExactLabel, func(name string) bool {
			return strings.EqualFold(h, strings.TrimSpace(st.byName[name].DisplayLabel()))
		}),
		scoring.Prefer(TieSynonym, func(name string) bool {
			for _, s := range st.byName[name].Synonyms {
				if strings.EqualFold(h, strings.TrimSpace(s)) {
					return true
				}
			}
			return false
		}),
		scoring.ByRank(TieManifestOrder, func(name string) int { return order[name] }),
	}
}

func (st *runState) mapColumns(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	for _, ts := range st.tables {
		mapping := make([]artifact.MappingEntry, len(ts.columns))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(st.concurrency())
		for c := range ts.columns {
			g.Go(func() error {
				entry, err := st.mapColumn(gctx, ts, c)
				mapping[c] = entry
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return stats, err
		}
		resolveDuplicates(mapping)
		if err := st.rec.SetMapping(ts.sheet, ts.index, mapping); err != nil {
			return stats, err
		}
		ts.mapping = mapping

		stats["columns"] += len(mapping)
		for _, m := range mapping {
			if m.Field != nil {
				stats["mapped"]++
			} else {
				stats["unmapped"]++
				stats["unmapped_"+m.UnmappedReason]++
			}
		}
	}
	return stats, nil
}

// mapColumn scores every field against one column.
func (st *runState) mapColumn(ctx context.Context, ts *tableState, col int) (artifact.MappingEntry, error) {
	header := ts.columns[col].Header
	entry := artifact.MappingEntry{
		ColumnIndex:  col,
		Header:       header,
		Contributors: []artifact.Trace{},
		Candidates:   []artifact.Candidate{},
	}
	sample, err := ts.store.Sample(col, st.manifest.Engine.Defaults.DetectorSampleSize)
	if err != nil {
		return entry, err
	}

	tally := scoring.New[string]()
	var touched []string
	for _, f := range st.fields {
		fr := st.fieldRules[f.Name]
		args := rules.ColumnArgs{
			Common:       st.common(),
			SheetName:    ts.sheetName,
			TableID:      ts.id,
			ColumnIndex:  col,
			Header:       header,
			ValuesSample: sample,
			FieldName:    f.Name,
			FieldMeta:    f.FieldMeta,
		}
		for _, r := range fr.detectors {
			var scores map[string]float64
			err := st.call(ctx, r, args, func(raw json.RawMessage) (err error) {
				scores, err = rules.DecodeScores(r.ID, rules.KindColumnDetector, f.Name, raw)
				return err
			})
			if isFatal(err) {
				return entry, err
			}
			if err != nil {
				continue
			}
			if delta, ok := scores[f.Name]; ok {
				_ = tally.Add(f.Name, r.ID, delta)
			}
		}
		if tally.Touched(f.Name) {
			touched = append(touched, f.Name)
		}
	}

	best, ok := tally.Best(touched, st.mapChain(header)...)
	if !ok {
		entry.UnmappedReason = artifact.UnmappedNoCandidate
		return entry, nil
	}
	for _, r := range best.Ranking {
		entry.Candidates = append(entry.Candidates, artifact.Candidate{Field: r.Key, Score: r.Total})
	}
	for _, c := range tally.Contributions(best.Key) {
		entry.Contributors = append(entry.Contributors, artifact.Trace{Rule: c.Rule, Label: best.Key, Delta: c.Delta})
	}
	entry.Score = best.Total
	if best.Total < st.manifest.Engine.Defaults.MappingScoreThreshold {
		entry.UnmappedReason = artifact.UnmappedBelowThreshold
		return entry, nil
	}
	field := best.Key
	entry.Field = &field
	entry.TieBreak = best.DecidedBy
	return entry, nil
}

// resolveDuplicates leaves each field with the highest-scoring column that
// won it, the earliest on ties.
func resolveDuplicates(mapping []artifact.MappingEntry) {
	keep := map[string]int{}
	for i, m := range mapping {
		if m.Field == nil {
			continue
		}
		j, seen := keep[*m.Field]
		if !seen || m.Score > mapping[j].Score {
			keep[*m.Field] = i
		}
	}
	for i := range mapping {
		m := &mapping[i]
		if m.Field != nil && keep[*m.Field] != i {
			m.Field, m.TieBreak = nil, ""
			m.UnmappedReason = artifact.UnmappedDuplicate
		}
	}
}

// mappedColumns returns the mapped entries of ts in column order with their
// field definitions.
func (st *runState) mappedColumns(ts *tableState) []mappedColumn {
	var out []mappedColumn
	for _, m := range ts.mapping {
		if m.Field == nil {
			continue
		}
		out = append(out, mappedColumn{entry: m, field: st.byName[*m.Field], rules: st.fieldRules[*m.Field]})
	}
	return out
}

type mappedColumn struct {
	entry artifact.MappingEntry
	field manifest.Field
	rules *fieldRules
}
