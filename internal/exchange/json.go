package exchange

import (
	"encoding/json"
	"errors"
	"io"
	"strconv"

	"hypoline/internal/domain"
	"hypoline/internal/workflow"
)

// ExportJSON writes the cases as an indented array.
func ExportJSON(w io.Writer, list []domain.Case) error {
	if list == nil {
		list = []domain.Case{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

// ImportJSON decodes an exported array. Unknown fields and structurally invalid
// cases reject the whole input. Ids are kept so a merge replaces existing cases.
func ImportJSON(r io.Reader) ([]domain.Case, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	var list []domain.Case
	if err := dec.Decode(&list); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ImportParseError{Format: FormatJSON, Msg: "empty input"}
		}
		return nil, &ImportParseError{Format: FormatJSON, Msg: "decode", Err: err}
	}
	if dec.More() {
		return nil, &ImportParseError{Format: FormatJSON, Msg: "trailing data after array"}
	}
	for i, c := range list {
		if err := workflow.Validate(c); err != nil {
			return nil, &ImportParseError{Format: FormatJSON, Msg: "case #" + strconv.Itoa(i+1), Err: err}
		}
	}
	return list, nil
}
