package workflow

import (
	"fmt"
	"time"

	"hypoline/internal/domain"
)

// DefaultHorizonDays is the look-ahead window for upcoming deadlines.
const DefaultHorizonDays = 7

// ProposalLabel names the pseudo-stage backed by Case.Proposal.Date.
var ProposalLabel = domain.StageLabels[1]

// Day truncates t to its calendar date in t's own location, expressed in UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate accepts a calendar date, optionally followed by a time part.
func ParseDate(s string) (time.Time, bool) {
	if len(s) < len(domain.DateLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(domain.DateLayout, s[:len(domain.DateLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Deadline is one upcoming due date.
type Deadline struct {
	Label      string `json:"label"`
	Date       string `json:"date"`
	StageIndex int    `json:"stage_index"`
}

func (d Deadline) String() string { return d.Label + ": " + d.Date }

// UpcomingDeadlines lists open deadlines falling after today and no later than
// today+horizonDays. The proposal date comes first, then stages in order. StageIndex
// is -1 for the proposal entry.
func UpcomingDeadlines(c domain.Case, today time.Time, horizonDays int) []Deadline {
	from := Day(today)
	until := from.AddDate(0, 0, horizonDays)
	within := func(s string) bool {
		d, ok := ParseDate(s)
		return ok && d.After(from) && !d.After(until)
	}
	var out []Deadline
	if within(c.Proposal.Date) {
		out = append(out, Deadline{Label: ProposalLabel, Date: c.Proposal.Date, StageIndex: -1})
	}
	for i, s := range c.Stages {
		if s.Done || !within(s.Deadline) {
			continue
		}
		out = append(out, Deadline{Label: s.Label, Date: s.Deadline, StageIndex: i})
	}
	return out
}

// Reminder kinds.
const (
	ReminderOffset = "offset"
	ReminderDate   = "date"
)

// Reminder is a reminder firing today.
type Reminder struct {
	Label      string `json:"label"`
	StageIndex int    `json:"stage_index"`
	Kind       string `json:"kind" enum:"offset,date"`
	Due        string `json:"due"`
}

func (r Reminder) String() string {
	if r.Kind == ReminderOffset {
		return fmt.Sprintf("%s: termín %s", r.Label, r.Due)
	}
	return fmt.Sprintf("%s: připomenutí %s", r.Label, r.Due)
}

// Reminders returns the reminders firing today. The offset rule counts back from the
// stage deadline, or the proposal date when the stage has none. Both rules may fire
// for the same stage.
func Reminders(c domain.Case, today time.Time) []Reminder {
	day := Day(today)
	var out []Reminder
	for i, s := range c.Stages {
		if s.ReminderOffsetDays != nil {
			base := s.Deadline
			if base == "" {
				base = c.Proposal.Date
			}
			if d, ok := ParseDate(base); ok && d.AddDate(0, 0, -*s.ReminderOffsetDays).Equal(day) {
				out = append(out, Reminder{Label: s.Label, StageIndex: i, Kind: ReminderOffset, Due: base})
			}
		}
		if d, ok := ParseDate(s.ReminderDate); ok && d.Equal(day) {
			out = append(out, Reminder{Label: s.Label, StageIndex: i, Kind: ReminderDate, Due: s.ReminderDate})
		}
	}
	return out
}

// Strings renders a list of Stringers, the form shown in notices.
func Strings[T fmt.Stringer](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.String()
	}
	return out
}
