package workflow

import (
	"math"
	"strconv"
	"time"

	"hypoline/internal/domain"
)

// Average is a rounded day count that may be absent.
type Average struct {
	Days  int
	Valid bool
}

// String renders "-" when no case qualified.
func (a Average) String() string {
	if !a.Valid {
		return "-"
	}
	return strconv.Itoa(a.Days)
}

// AverageCompletionDays averages, over finished non-archived cases, the days from the
// proposal date to the latest stage completion.
func AverageCompletionDays(cases []domain.Case) Average {
	var total float64
	n := 0
	for _, c := range cases {
		if c.Archived || !IsComplete(c) {
			continue
		}
		start, ok := ParseDate(c.Proposal.Date)
		if !ok {
			continue
		}
		var end time.Time
		for _, s := range c.Stages {
			if d, ok := ParseDate(s.CompletedAt); ok && d.After(end) {
				end = d
			}
		}
		if end.IsZero() {
			continue
		}
		total += end.Sub(start).Hours() / 24
		n++
	}
	if n == 0 {
		return Average{}
	}
	return Average{Days: int(math.Round(total / float64(n))), Valid: true}
}

// PipelineCount is the number of active cases waiting on a stage.
type PipelineCount struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// Report is the dashboard overview.
type Report struct {
	Date              string          `json:"date"`
	Total             int             `json:"total"`
	Active            int             `json:"active"`
	Completed         int             `json:"completed"`
	Archived          int             `json:"archived"`
	WithUpcoming      int             `json:"with_upcoming"`
	ByAdvisor         map[string]int  `json:"by_advisor"`
	ByBank            map[string]int  `json:"by_bank"`
	Pipeline          []PipelineCount `json:"pipeline"`
	AvgCompletionDays string          `json:"avg_completion_days"`
}

// Summarize builds the dashboard overview for today.
func Summarize(cases []domain.Case, today time.Time) Report {
	r := Report{
		Date:      Day(today).Format(domain.DateLayout),
		Total:     len(cases),
		ByAdvisor: map[string]int{},
		ByBank:    map[string]int{},
	}
	labels := domain.TrackedStageLabels()
	r.Pipeline = make([]PipelineCount, len(labels))
	for i, l := range labels {
		r.Pipeline[i].Label = l
	}
	for _, c := range cases {
		if c.Archived {
			r.Archived++
			continue
		}
		r.Active++
		if IsComplete(c) {
			r.Completed++
		}
		if len(UpcomingDeadlines(c, today, DefaultHorizonDays)) > 0 {
			r.WithUpcoming++
		}
		if c.AdvisorName != "" {
			r.ByAdvisor[c.AdvisorName]++
		}
		if c.Bank.Name != "" {
			r.ByBank[c.Bank.Name]++
		}
		if c.CurrentStageIndex >= 0 && c.CurrentStageIndex < len(r.Pipeline) {
			r.Pipeline[c.CurrentStageIndex].Count++
		}
	}
	r.AvgCompletionDays = AverageCompletionDays(cases).String()
	return r
}
