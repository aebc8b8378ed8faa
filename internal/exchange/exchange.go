// Package exchange converts case lists to and from the JSON, delimited text and XLSX
// files advisors pass around. Imports never touch the store; callers merge the result.
package exchange

import (
	"fmt"
	"strings"

	"hypoline/internal/domain"
	"hypoline/internal/workflow"
)

// ImportParseError reports malformed import input. Line is 1-based, 0 when unknown.
type ImportParseError struct {
	Format string
	Line   int
	Msg    string
	Err    error
}

func (e *ImportParseError) Error() string {
	var b strings.Builder
	b.WriteString(e.Format)
	b.WriteString(" import")
	if e.Line > 0 {
		fmt.Fprintf(&b, " line %d", e.Line)
	}
	b.WriteString(": ")
	b.WriteString(e.Msg)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ImportParseError) Unwrap() error { return e.Err }

// Formats accepted by Export and Import helpers.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// fixedColumns precede the three per-stage blocks.
const fixedColumns = 9

// completedMarker stands in for a completion date that was never recorded.
const completedMarker = "ano"

// Header returns the column titles of the tabular formats.
func Header() []string {
	h := []string{"Klient", "Poradce", "Co financuje", "Částka", "Popis", "Datum návrhu", "Úrok", "Banka", "Poznámka"}
	labels := domain.TrackedStageLabels()
	for _, suffix := range []string{"deadline", "splněno", "poznámka"} {
		for i, l := range labels {
			h = append(h, fmt.Sprintf("Krok %d - %s - %s", i+domain.IntakeStages+1, l, suffix))
		}
	}
	return h
}

func row(c domain.Case) []string {
	r := []string{
		c.ClientName,
		c.AdvisorName,
		c.Intake.What,
		c.Intake.Amount,
		c.Intake.Description,
		c.Proposal.Date,
		c.Proposal.InterestRate,
		c.Bank.Name,
		c.Note,
	}
	n := domain.TrackedStages
	deadlines := make([]string, n)
	done := make([]string, n)
	notes := make([]string, n)
	for i := 0; i < n && i < len(c.Stages); i++ {
		s := c.Stages[i]
		deadlines[i] = s.Deadline
		if s.Done {
			done[i] = s.CompletedAt
			if done[i] == "" {
				done[i] = completedMarker
			}
		}
		notes[i] = s.Note
	}
	r = append(r, deadlines...)
	r = append(r, done...)
	return append(r, notes...)
}

// caseFromRow builds a case from one tabular row. Missing trailing cells read as
// empty. The id is left at zero and the stage index is derived from completion.
func caseFromRow(cols []string) domain.Case {
	at := func(i int) string {
		if i < len(cols) {
			return cols[i]
		}
		return ""
	}
	c := domain.Case{
		ClientName:  at(0),
		AdvisorName: at(1),
		Intake:      domain.Intake{What: at(2), Amount: at(3), Description: at(4)},
		Proposal:    domain.Proposal{Date: at(5), InterestRate: at(6)},
		Bank:        domain.BankChoice{Name: at(7)},
		Note:        at(8),
		Stages:      workflow.NewStages(),
	}
	n := domain.TrackedStages
	for i := range c.Stages {
		st := &c.Stages[i]
		st.Deadline = at(fixedColumns + i)
		if v := at(fixedColumns + n + i); v != "" {
			st.Done = true
			if v != completedMarker {
				st.CompletedAt = v
			}
		}
		st.Note = at(fixedColumns + 2*n + i)
	}
	c.CurrentStageIndex = workflow.DeriveStageIndex(c.Stages)
	return c
}
