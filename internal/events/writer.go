package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine and the reminder sweep.
const (
	CaseCreated       = "case.created"
	CaseEdited        = "case.edited"
	CaseArchived      = "case.archived"
	CaseUnarchived    = "case.unarchived"
	CaseDeleted       = "case.deleted"
	CasesImported     = "cases.imported"
	StageDone         = "stage.done"
	StageDeadlineSet  = "stage.deadline_set"
	StageNoteSet      = "stage.note_set"
	StageReminderSet  = "stage.reminder_set"
	StageEdited       = "stage.edited"
	AttachmentAdded   = "attachment.added"
	AttachmentRemoved = "attachment.removed"
	CaseUndone        = "case.undone"
	CaseRedone        = "case.redone"
	ReminderDue       = "reminder.due"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event, inside tx when given.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, caseID int, stageIdx *int, actor string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const q = `INSERT INTO events(ts,type,case_id,stage_index,actor,payload_json) VALUES (?,?,?,?,?,?)`
	args := []any{ts, evtType, nullableInt(caseID), nullableIntPtr(stageIdx), actor, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, q, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, q, args...)
	}
	return err
}

func nullableInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
