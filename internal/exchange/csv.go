package exchange

import (
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"hypoline/internal/domain"
)

const csvSeparator = ';'

// ExportCSV writes a header row and one row per case. Every field is quoted with
// inner quotes doubled, fields are separated by ';' and rows by '\n'.
func ExportCSV(w io.Writer, list []domain.Case) error {
	var b strings.Builder
	writeRow := func(fields []string) {
		for i, f := range fields {
			if i > 0 {
				b.WriteByte(csvSeparator)
			}
			b.WriteByte('"')
			b.WriteString(strings.ReplaceAll(f, `"`, `""`))
			b.WriteByte('"')
		}
	}
	writeRow(Header())
	for _, c := range list {
		b.WriteByte('\n')
		writeRow(row(c))
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// ImportCSV reads the ExportCSV layout. Rows with fewer than the fixed columns are
// skipped. Returned cases carry id 0.
func ImportCSV(r io.Reader) ([]domain.Case, error) {
	cr := csv.NewReader(r)
	cr.Comma = csvSeparator
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &ImportParseError{Format: FormatCSV, Msg: "empty input"}
	}
	if err != nil {
		return nil, &ImportParseError{Format: FormatCSV, Line: 1, Msg: "read header", Err: err}
	}
	if len(head) < fixedColumns {
		return nil, &ImportParseError{Format: FormatCSV, Line: 1, Msg: "header has too few columns"}
	}
	var out []domain.Case
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			perr := &ImportParseError{Format: FormatCSV, Msg: "read row", Err: err}
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				perr.Line = pe.Line
			}
			return nil, perr
		}
		if len(rec) < fixedColumns {
			continue
		}
		out = append(out, caseFromRow(rec))
	}
	return out, nil
}
