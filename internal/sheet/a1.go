package sheet

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

// ColumnLetter returns the A1 letters of a 0-based column index.
func ColumnLetter(col int) string {
	name, err := excelize.ColumnNumberToName(col + 1)
	if err != nil {
		return fmt.Sprintf("C%d", col+1)
	}
	return name
}

// CellRef returns the A1 reference of a 0-based (col, row) cell.
func CellRef(col, row int) string {
	ref, err := excelize.CoordinatesToCellName(col+1, row+1)
	if err != nil {
		return fmt.Sprintf("%s%d", ColumnLetter(col), row+1)
	}
	return ref
}

// RangeRef returns the A1 range spanning two 0-based corners.
func RangeRef(col1, row1, col2, row2 int) string {
	return CellRef(col1, row1) + ":" + CellRef(col2, row2)
}
