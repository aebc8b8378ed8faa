// Package workflow holds the pure rules of the mortgage workflow: stage completion,
// per-stage edits with their audit records, deadline and reminder detection, and the
// derived statistics shown on the dashboard. Functions take a Case value and return a
// new one; nothing here reads the clock or touches storage.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tiendc/go-deepcopy"

	"hypoline/internal/domain"
)

var (
	ErrInvalidStageIndex = errors.New("invalid stage index")
	ErrStageLocked       = errors.New("stage not reached yet")
)

// Change descriptions recorded into Stage.ChangeLog.
const (
	DescStageDone = "stage marked done"
)

// NewStages returns the pre-populated stage array of a fresh case.
func NewStages() []domain.Stage {
	labels := domain.TrackedStageLabels()
	stages := make([]domain.Stage, len(labels))
	for i, l := range labels {
		stages[i] = domain.Stage{Label: l}
	}
	return stages
}

// Clone deep-copies a case so callers can mutate it freely.
func Clone(c domain.Case) domain.Case {
	var out domain.Case
	if err := deepcopy.Copy(&out, &c); err != nil {
		// deepcopy only fails on unsupported kinds; Case has none.
		panic(fmt.Sprintf("clone case: %v", err))
	}
	return out
}

func checkIndex(c domain.Case, idx int) error {
	if idx < 0 || idx >= domain.TrackedStages || idx >= len(c.Stages) {
		return fmt.Errorf("%w: %d", ErrInvalidStageIndex, idx)
	}
	return nil
}

func record(who string, now time.Time, desc string) domain.ChangeRecord {
	return domain.ChangeRecord{Who: who, When: now.UTC().Format(time.RFC3339), Description: desc}
}

// MarkStageDone completes the stage at idx and advances the case. A stage ahead of the
// current index is locked. Completing an already completed stage leaves the case
// untouched, CompletedAt included.
func MarkStageDone(c domain.Case, idx int, today time.Time, who string) (domain.Case, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, err
	}
	if idx > c.CurrentStageIndex {
		return c, fmt.Errorf("%w: stage %d, current %d", ErrStageLocked, idx, c.CurrentStageIndex)
	}
	out := Clone(c)
	changed, err := complete(context.Background(), out.Stages[idx])
	if err != nil {
		return c, err
	}
	if !changed {
		return out, nil
	}
	st := &out.Stages[idx]
	st.Done = true
	if st.CompletedAt == "" {
		st.CompletedAt = Day(today).Format(domain.DateLayout)
	}
	next := min(idx+1, domain.MaxStageIndex)
	if next > out.CurrentStageIndex {
		out.CurrentStageIndex = next
	}
	st.ChangeLog = append(st.ChangeLog, record(who, today, DescStageDone))
	return out, nil
}

// SetStageDeadline stores date verbatim; validation is left to the caller.
func SetStageDeadline(c domain.Case, idx int, date, who string, now time.Time) (domain.Case, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, err
	}
	out := Clone(c)
	st := &out.Stages[idx]
	st.Deadline = date
	desc := "deadline cleared"
	if date != "" {
		desc = "deadline set to " + date
	}
	st.ChangeLog = append(st.ChangeLog, record(who, now, desc))
	return out, nil
}

func SetStageNote(c domain.Case, idx int, text, who string, now time.Time) (domain.Case, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, err
	}
	out := Clone(c)
	st := &out.Stages[idx]
	st.Note = text
	st.ChangeLog = append(st.ChangeLog, record(who, now, "note updated"))
	return out, nil
}

// SetStageReminder sets both reminder triggers; a nil offset and empty date clear them.
func SetStageReminder(c domain.Case, idx int, offsetDays *int, date, who string, now time.Time) (domain.Case, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, err
	}
	if offsetDays != nil && *offsetDays < 0 {
		return c, fmt.Errorf("reminder offset must not be negative: %d", *offsetDays)
	}
	out := Clone(c)
	st := &out.Stages[idx]
	if offsetDays != nil {
		v := *offsetDays
		st.ReminderOffsetDays = &v
	} else {
		st.ReminderOffsetDays = nil
	}
	st.ReminderDate = date
	st.ChangeLog = append(st.ChangeLog, record(who, now, describeReminder(st.ReminderOffsetDays, date)))
	return out, nil
}

func describeReminder(offset *int, date string) string {
	switch {
	case offset != nil && date != "":
		return fmt.Sprintf("reminder set %d days ahead and on %s", *offset, date)
	case offset != nil:
		return fmt.Sprintf("reminder set %d days ahead", *offset)
	case date != "":
		return "reminder set on " + date
	default:
		return "reminder cleared"
	}
}

// StageEdit is the edit-dialog form of one stage. Nil fields are left unchanged.
type StageEdit struct {
	Deadline           *string
	Note               *string
	ReminderOffsetDays *int
	ReminderDate       *string
	ClearOffset        bool
}

// EditStage applies a dialog edit in one step and records a full before/after
// snapshot of the stage.
func EditStage(c domain.Case, idx int, edit StageEdit, who string, now time.Time) (domain.Case, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, err
	}
	if edit.ReminderOffsetDays != nil && *edit.ReminderOffsetDays < 0 {
		return c, fmt.Errorf("reminder offset must not be negative: %d", *edit.ReminderOffsetDays)
	}
	out := Clone(c)
	st := &out.Stages[idx]
	before := snapshotStage(*st)
	if edit.Deadline != nil {
		st.Deadline = *edit.Deadline
	}
	if edit.Note != nil {
		st.Note = *edit.Note
	}
	if edit.ClearOffset {
		st.ReminderOffsetDays = nil
	} else if edit.ReminderOffsetDays != nil {
		v := *edit.ReminderOffsetDays
		st.ReminderOffsetDays = &v
	}
	if edit.ReminderDate != nil {
		st.ReminderDate = *edit.ReminderDate
	}
	after := snapshotStage(*st)
	rec := record(who, now, "stage edited")
	rec.Before = &before
	rec.After = &after
	st.ChangeLog = append(st.ChangeLog, rec)
	return out, nil
}

// snapshotStage copies a stage without its change log so audit entries do not nest.
func snapshotStage(s domain.Stage) domain.Stage {
	var out domain.Stage
	_ = deepcopy.Copy(&out, &s)
	out.ChangeLog = nil
	return out
}

func AddAttachment(c domain.Case, idx int, att domain.Attachment, who string, now time.Time) (domain.Case, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, err
	}
	if att.ID == "" {
		return c, errors.New("attachment id is required")
	}
	out := Clone(c)
	st := &out.Stages[idx]
	for _, a := range st.Attachments {
		if a.ID == att.ID {
			return c, fmt.Errorf("attachment %s already present", att.ID)
		}
	}
	st.Attachments = append(st.Attachments, att)
	st.ChangeLog = append(st.ChangeLog, record(who, now, "attachment added: "+att.Name))
	return out, nil
}

// RemoveAttachment drops an attachment by id and returns the removed reference.
func RemoveAttachment(c domain.Case, idx int, attID, who string, now time.Time) (domain.Case, domain.Attachment, error) {
	if err := checkIndex(c, idx); err != nil {
		return c, domain.Attachment{}, err
	}
	out := Clone(c)
	st := &out.Stages[idx]
	for i, a := range st.Attachments {
		if a.ID != attID {
			continue
		}
		st.Attachments = append(st.Attachments[:i], st.Attachments[i+1:]...)
		st.ChangeLog = append(st.ChangeLog, record(who, now, "attachment removed: "+a.Name))
		return out, a, nil
	}
	return c, domain.Attachment{}, fmt.Errorf("attachment %s not found", attID)
}

// IsComplete reports whether every tracked stage is done.
func IsComplete(c domain.Case) bool {
	if len(c.Stages) == 0 {
		return false
	}
	for _, s := range c.Stages {
		if !s.Done {
			return false
		}
	}
	return true
}

// CurrentStageLabel names the stage the case is waiting on. Past the last tracked
// stage the last label is returned.
func CurrentStageLabel(c domain.Case) string {
	i := c.CurrentStageIndex + domain.IntakeStages
	if i >= domain.StageCount {
		i = domain.StageCount - 1
	}
	if i < domain.IntakeStages {
		i = domain.IntakeStages
	}
	return domain.StageLabels[i]
}

// DeriveStageIndex computes the current index implied by completed stages, the way
// MarkStageDone would have advanced it.
func DeriveStageIndex(stages []domain.Stage) int {
	idx := 0
	for i, s := range stages {
		if s.Done {
			idx = max(idx, min(i+1, domain.MaxStageIndex))
		}
	}
	return idx
}

// Validate checks the structural invariants of a case.
func Validate(c domain.Case) error {
	if len(c.Stages) != domain.TrackedStages {
		return fmt.Errorf("case %d: expected %d stages, got %d", c.ID, domain.TrackedStages, len(c.Stages))
	}
	if c.CurrentStageIndex < 0 || c.CurrentStageIndex >= domain.StageCount {
		return fmt.Errorf("case %d: current stage index %d out of range", c.ID, c.CurrentStageIndex)
	}
	return nil
}
