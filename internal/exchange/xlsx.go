package exchange

import (
	"fmt"
	"io"
	"strings"

	"github.com/xuri/excelize/v2"

	"hypoline/internal/domain"
)

// SheetName holds the case table in XLSX workbooks.
const SheetName = "Pripady"

// ExportXLSX writes the tabular layout to a single-sheet workbook.
func ExportXLSX(w io.Writer, list []domain.Case) error {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return err
	}
	write := func(n int, fields []string) error {
		cell, err := excelize.CoordinatesToCellName(1, n)
		if err != nil {
			return err
		}
		vals := make([]any, len(fields))
		for i, v := range fields {
			vals[i] = v
		}
		return f.SetSheetRow(SheetName, cell, &vals)
	}
	if err := write(1, Header()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for i, c := range list {
		if err := write(i+2, row(c)); err != nil {
			return fmt.Errorf("write case %d: %w", c.ID, err)
		}
	}
	if err := f.SetPanes(SheetName, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"}); err != nil {
		return err
	}
	_, err := f.WriteTo(w)
	return err
}

// ImportXLSX reads a workbook written by ExportXLSX. Trailing empty cells are
// dropped by the reader, so short rows are padded rather than skipped; only blank
// rows are ignored.
func ImportXLSX(r io.Reader) ([]domain.Case, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, &ImportParseError{Format: FormatXLSX, Msg: "open workbook", Err: err}
	}
	defer f.Close()
	rows, err := f.GetRows(SheetName)
	if err != nil {
		return nil, &ImportParseError{Format: FormatXLSX, Msg: "read sheet " + SheetName, Err: err}
	}
	if len(rows) == 0 {
		return nil, &ImportParseError{Format: FormatXLSX, Msg: "empty sheet"}
	}
	if len(rows[0]) < fixedColumns {
		return nil, &ImportParseError{Format: FormatXLSX, Line: 1, Msg: "header has too few columns"}
	}
	var out []domain.Case
	for _, rec := range rows[1:] {
		if strings.TrimSpace(strings.Join(rec, "")) == "" {
			continue
		}
		out = append(out, caseFromRow(rec))
	}
	return out, nil
}
