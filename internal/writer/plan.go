// Package writer turns mapped tables into the normalized output: it builds
// each table's column plan and streams rows to an XLSX or CSV sink.
package writer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/gosimple/slug"

	"github.com/JonMunkholm/sheetnorm/internal/artifact"
	"github.com/JonMunkholm/sheetnorm/internal/manifest"
)

// Column sources in a plan.
const (
	SourceField    = "field"
	SourceUnmapped = "unmapped"
)

// Plan returns the output columns of a table: mapped fields in manifest
// order, then, when the writer settings ask for it, unmapped raw columns in
// source order.
func Plan(fields []manifest.Field, mapping []artifact.MappingEntry, w manifest.Writer) []artifact.OutputColumn {
	byField := make(map[string]int, len(mapping))
	for _, e := range mapping {
		if e.Field != nil {
			byField[*e.Field] = e.ColumnIndex
		}
	}

	var plan []artifact.OutputColumn
	used := make(map[string]bool)
	for _, f := range fields {
		col, ok := byField[f.Name]
		if !ok {
			continue
		}
		plan = append(plan, artifact.OutputColumn{
			Name:        f.Name,
			Header:      f.DisplayLabel(),
			Source:      SourceField,
			Field:       f.Name,
			ColumnIndex: intPtr(col),
		})
		used[f.Name] = true
	}

	if !w.AppendUnmapped() {
		return plan
	}
	for _, e := range mapping {
		if e.Field != nil {
			continue
		}
		name := uniqueName(UnmappedName(w.UnmappedPrefix, e.Header, e.ColumnIndex), used)
		used[name] = true
		plan = append(plan, artifact.OutputColumn{
			Name:        name,
			Header:      name,
			Source:      SourceUnmapped,
			ColumnIndex: intPtr(e.ColumnIndex),
		})
	}
	return plan
}

// UnmappedName is prefix + the underscore slug of header, or
// prefix + "column_<n>" when the header has no usable characters.
func UnmappedName(prefix, header string, col int) string {
	s := strings.ReplaceAll(slug.Make(header), "-", "_")
	if s == "" {
		s = "column_" + strconv.Itoa(col+1)
	}
	return prefix + s
}

func uniqueName(name string, used map[string]bool) string {
	if !used[name] {
		return name
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s_%d", name, n)
		if !used[candidate] {
			return candidate
		}
	}
}

// SheetName names the output sheet of the n-th table (0-based) out of total.
func SheetName(base string, n, total int) string {
	if total <= 1 {
		return base
	}
	return fmt.Sprintf("%s_%d", base, n+1)
}

func intPtr(i int) *int { return &i }
