package rules

// builtin_rows.go registers the default row classifier, "builtin:rows".
//
// The detectors score each row toward header, data and other from the shape
// of its cells and from how many cells name a target field of the manifest.

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

// Row labels produced by the builtin classifier.
const (
	LabelHeader = "header"
	LabelData   = "data"
	LabelOther  = "other"
)

func init() {
	Register(Module{
		Name: "rows",
		RowDetectors: map[string]RowDetectFunc{
			"detect_blank":        detectBlankRow,
			"detect_header_terms": detectHeaderTerms,
			"detect_cell_shapes":  detectCellShapes,
			"detect_density":      detectDensity,
		},
	})
}

type cellShape int

const (
	shapeBlank cellShape = iota
	shapeText
	shapeTyped
)

func shapeOf(v any) cellShape {
	if IsBlank(v) {
		return shapeBlank
	}
	switch v.(type) {
	case json.Number, bool, float64, int, int64:
		return shapeTyped
	}
	s := CellText(v)
	if _, ok := ParseNumber(s); ok {
		return shapeTyped
	}
	if _, ok := ParseDate(s); ok {
		return shapeTyped
	}
	return shapeText
}

type rowShape struct {
	nonBlank int
	text     int
	typed    int
}

func shapeRow(values []any) rowShape {
	var rs rowShape
	for _, v := range values {
		switch shapeOf(v) {
		case shapeText:
			rs.nonBlank++
			rs.text++
		case shapeTyped:
			rs.nonBlank++
			rs.typed++
		}
	}
	return rs
}

func detectBlankRow(_ context.Context, args RowArgs) (ScoreResult, error) {
	if shapeRow(args.RowValuesSample).nonBlank == 0 {
		return ScoreResult{Scores: map[string]float64{LabelOther: 1.0}}, nil
	}
	return ScoreResult{}, nil
}

func detectHeaderTerms(_ context.Context, args RowArgs) (ScoreResult, error) {
	terms := manifestTerms(args.Manifest)
	var nonBlank, hits int
	for _, v := range args.RowValuesSample {
		if IsBlank(v) {
			continue
		}
		nonBlank++
		if terms[NormalizeHeader(CellText(v))] {
			hits++
		}
	}
	if nonBlank == 0 || hits == 0 {
		return ScoreResult{}, nil
	}
	f := float64(hits) / float64(nonBlank)
	return ScoreResult{Scores: map[string]float64{
		LabelHeader: 0.8 * f,
		LabelData:   -0.3 * f,
	}}, nil
}

func detectCellShapes(_ context.Context, args RowArgs) (ScoreResult, error) {
	rs := shapeRow(args.RowValuesSample)
	if rs.nonBlank == 0 {
		return ScoreResult{}, nil
	}
	textRatio := float64(rs.text) / float64(rs.nonBlank)
	typedRatio := float64(rs.typed) / float64(rs.nonBlank)
	return ScoreResult{Scores: map[string]float64{
		LabelHeader: 0.2*textRatio - 0.5*typedRatio,
		LabelData:   0.4 * typedRatio,
	}}, nil
}

func detectDensity(_ context.Context, args RowArgs) (ScoreResult, error) {
	rs := shapeRow(args.RowValuesSample)
	switch {
	case rs.nonBlank >= 2:
		return ScoreResult{Scores: map[string]float64{LabelData: 0.4}}, nil
	case rs.nonBlank == 1 && rs.typed == 1:
		return ScoreResult{Scores: map[string]float64{LabelData: 0.4}}, nil
	case rs.nonBlank == 1:
		return ScoreResult{Scores: map[string]float64{LabelOther: 0.3}}, nil
	default:
		return ScoreResult{}, nil
	}
}

var (
	termsMu    sync.Mutex
	termsCache = make(map[string]map[string]bool)
)

// manifestTerms returns the normalized names, labels and synonyms of every
// target field. Results are cached per manifest encoding.
func manifestTerms(raw json.RawMessage) map[string]bool {
	if len(raw) == 0 {
		return nil
	}
	termsMu.Lock()
	defer termsMu.Unlock()
	if terms, ok := termsCache[string(raw)]; ok {
		return terms
	}

	var m manifest.Manifest
	terms := make(map[string]bool)
	if err := json.Unmarshal(raw, &m); err == nil {
		for _, f := range m.Fields() {
			terms[NormalizeHeader(f.Name)] = true
			if f.Label != "" {
				terms[NormalizeHeader(f.Label)] = true
			}
			for _, s := range f.Synonyms {
				terms[NormalizeHeader(s)] = true
			}
		}
	}
	delete(terms, "")
	if len(termsCache) > 64 {
		termsCache = make(map[string]map[string]bool)
	}
	termsCache[string(raw)] = terms
	return terms
}
