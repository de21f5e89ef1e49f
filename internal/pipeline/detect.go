package pipeline

// detect.go implements Pass 1: rows are streamed once, classified by the row
// rules and spooled to disk; the spool is then replayed to fill the table's
// column store.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/rules"
	"github.com/JonMunkholm/sheetnorm/internal/scoring"
	"github.com/JonMunkholm/sheetnorm/internal/sheet"
)

var labelRank = map[string]int{
	rules.LabelOther:  0,
	rules.LabelData:   1,
	rules.LabelHeader: 2,
}

// labelChain resolves equal label totals: other, then data, then header,
// then custom labels alphabetically.
var labelChain = []scoring.TieBreaker[string]{
	scoring.ByRank("label_precedence", func(l string) int {
		if r, ok := labelRank[l]; ok {
			return r
		}
		return len(labelRank)
	}),
	{Name: "alphabetical", Compare: strings.Compare},
}

// classifiedRow is what Pass 1 keeps per row besides the artifact record.
type classifiedRow struct {
	index int
	width int
	label string
	// header is the row's header total, valid when hasHeader is set.
	header    float64
	hasHeader bool
}

func (st *runState) detect(ctx context.Context) (map[string]int, error) {
	stats := map[string]int{}
	for si, name := range st.workbook.Sheets() {
		if err := st.detectSheet(ctx, si, name, stats); err != nil {
			return stats, err
		}
		stats["sheets"]++
	}
	return stats, nil
}

func (st *runState) detectSheet(ctx context.Context, si int, name string, stats map[string]int) error {
	rd, err := st.workbook.Open(si)
	if err != nil {
		return fatal(st.pass, CodeInputUnreadable, err)
	}
	defer rd.Close()

	spool, err := sheet.NewRowSpool(st.spoolDir)
	if err != nil {
		return err
	}
	defer spool.Close()

	var (
		rows    []classifiedRow
		records []artifact.RowClassification
	)
	for n := 0; ; n++ {
		if n%ContextCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return ctxFatal(st.pass, err)
			}
		}
		row, err := rd.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fatal(st.pass, CodeInputUnreadable, fmt.Errorf("read sheet %s: %w", name, err))
		}
		if err := spool.Append(row); err != nil {
			return err
		}
		rc, err := st.classify(ctx, name, row)
		if err != nil {
			return err
		}
		cr := classifiedRow{index: row.Index, width: rowWidth(row.Values), label: rc.Label}
		cr.header, cr.hasHeader = rc.Scores[rules.LabelHeader]
		rows = append(rows, cr)
		records = append(records, rc)
	}
	stats["rows"] += len(rows)

	sh := artifact.Sheet{
		Index:              si,
		Name:               name,
		RowsScanned:        len(rows),
		RowClassifications: records,
	}
	loc, ok := st.locate(rows)
	var ts *tableState
	if ok {
		ts, err = st.buildTable(si, name, spool, loc)
		if err != nil {
			return err
		}
		sh.Tables = []artifact.Table{loc.table}
		stats["tables"]++
		stats["header_"+loc.table.Header.Kind]++
		stats["data_rows"] += loc.table.DataRows
	}
	idx, err := st.rec.AddSheet(sh)
	if err != nil {
		return err
	}
	if ts != nil {
		ts.sheet = idx
		st.tables = append(st.tables, ts)
	}
	st.log.Debug("sheet detected", "sheet", name, "rows", len(rows), "table", ok)
	return nil
}

// classify runs every row rule over row. A rule that fails contributes
// nothing; its failure is counted against the rule.
func (st *runState) classify(ctx context.Context, sheetName string, row sheet.Row) (artifact.RowClassification, error) {
	sample := row.Values
	if w := st.manifest.Engine.Defaults.RowSampleWidth; w > 0 && len(sample) > w {
		sample = sample[:w]
	}
	args := rules.RowArgs{
		Common:          st.common(),
		SheetName:       sheetName,
		RowIndex:        row.Index,
		RowValuesSample: sample,
	}

	tally := scoring.New[string]()
	for _, r := range st.rowRules {
		var scores map[string]float64
		err := st.call(ctx, r, args, func(raw json.RawMessage) (err error) {
			scores, err = rules.DecodeScores(r.ID, rules.KindRowDetector, "", raw)
			return err
		})
		if isFatal(err) {
			return artifact.RowClassification{}, err
		}
		if err != nil {
			continue
		}
		labels := make([]string, 0, len(scores))
		for l := range scores {
			labels = append(labels, l)
		}
		sort.Strings(labels)
		for _, l := range labels {
			// DecodeScores already rejected non-finite deltas.
			_ = tally.Add(l, r.ID, scores[l])
		}
	}

	rc := artifact.RowClassification{
		RowIndex: row.Index,
		Label:    rules.LabelOther,
		Scores:   tally.Totals(),
		Traces:   []artifact.Trace{},
	}
	labels := tally.Keys()
	sort.Strings(labels)
	for _, l := range labels {
		for _, c := range tally.Contributions(l) {
			rc.Traces = append(rc.Traces, artifact.Trace{Rule: c.Rule, Label: l, Delta: c.Delta})
		}
	}
	sort.SliceStable(rc.Traces, func(i, j int) bool {
		if rc.Traces[i].Rule != rc.Traces[j].Rule {
			return rc.Traces[i].Rule < rc.Traces[j].Rule
		}
		return rc.Traces[i].Label < rc.Traces[j].Label
	})
	if best, ok := tally.Best(labels, labelChain...); ok {
		rc.Label, rc.Confidence, rc.DecidedBy = best.Key, best.Total, best.DecidedBy
	}
	return rc, nil
}

func rowWidth(values []any) int {
	n := len(values)
	for n > 0 && rules.IsBlank(values[n-1]) {
		n--
	}
	return n
}

// location is the table Pass 1 found in a sheet, before its column store is
// filled.
type location struct {
	table     artifact.Table
	headerRow int // -1 for synthetic headers
	data      map[int]bool
	width     int
}

// locate picks the header row and data range of a sheet. ok is false when
// the sheet has neither.
func (st *runState) locate(rows []classifiedRow) (location, bool) {
	threshold := st.manifest.Engine.Defaults.HeaderScoreThreshold
	header := -1
	for i, r := range rows {
		if r.label != rules.LabelHeader || !r.hasHeader || r.header < threshold {
			continue
		}
		if header < 0 || r.header > rows[header].header {
			header = i
		}
	}

	first, last := -1, -1
	for i := header + 1; i < len(rows); i++ {
		if rows[i].label != rules.LabelData {
			continue
		}
		if first < 0 {
			first = i
		}
		last = i
	}
	if header < 0 && first < 0 {
		return location{}, false
	}

	kind := artifact.HeaderRow
	if header < 0 {
		kind = artifact.HeaderSynthetic
		if first > 0 && rows[first-1].width > 0 {
			kind = artifact.HeaderPromoted
			header = first - 1
		}
	}

	loc := location{headerRow: -1, data: map[int]bool{}}
	if header >= 0 {
		loc.headerRow = rows[header].index
		loc.width = rows[header].width
	}
	if first >= 0 {
		for i := first; i <= last; i++ {
			if rows[i].label == rules.LabelData {
				loc.data[rows[i].index] = true
				loc.width = max(loc.width, rows[i].width)
			} else {
				loc.table.RowsSkipped++
			}
		}
	}
	if loc.width == 0 {
		return location{}, false
	}
	loc.table.DataRows = len(loc.data)
	loc.table.Header.Kind = kind

	top := header
	if top < 0 {
		top = first
	}
	bottom := last
	if bottom < 0 {
		bottom = header
	}
	loc.table.Range = sheet.RangeRef(0, rows[top].index, loc.width-1, rows[bottom].index)
	if first >= 0 {
		dr := sheet.RangeRef(0, rows[first].index, loc.width-1, rows[last].index)
		loc.table.DataRange = &dr
	}
	if header >= 0 {
		hr := rows[header].index
		loc.table.Header.RowIndex = &hr
	}
	return loc, true
}

// buildTable replays the spool into a column store and fills in the header
// texts and columns.
func (st *runState) buildTable(si int, sheetName string, spool *sheet.RowSpool, loc location) (*tableState, error) {
	store, err := sheet.NewColumnStore(st.spoolDir, loc.width)
	if err != nil {
		return nil, err
	}
	st.closers = append(st.closers, store.Close)

	var headerValues []any
	err = spool.Each(func(r sheet.Row) error {
		if r.Index == loc.headerRow {
			headerValues = r.Values
		}
		if loc.data[r.Index] {
			return store.Add(r.Index, r.Values)
		}
		return nil
	})
	if err == nil {
		err = store.Seal()
	}
	if err != nil {
		return nil, fmt.Errorf("build column store for %s: %w", sheetName, err)
	}

	t := &loc.table
	t.ID = fmt.Sprintf("sheet%d.t1", si+1)
	t.Header.Texts = make([]string, loc.width)
	t.Columns = make([]artifact.Column, loc.width)
	for c := 0; c < loc.width; c++ {
		text := ""
		if c < len(headerValues) {
			text = strings.TrimSpace(rules.CellText(headerValues[c]))
		}
		if text == "" {
			text = fmt.Sprintf("Column %d", c+1)
		}
		t.Header.Texts[c] = text
		t.Columns[c] = artifact.Column{Index: c, Letter: sheet.ColumnLetter(c), Header: text}
	}
	return &tableState{
		sheet:     si,
		id:        t.ID,
		sheetName: sheetName,
		columns:   t.Columns,
		store:     store,
	}, nil
}
