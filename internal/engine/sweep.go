package engine

import (
	"context"

	"hypoline/internal/domain"
	"hypoline/internal/events"
	"hypoline/internal/repo"
	"hypoline/internal/store"
)

const sweepKey = "reminders-swept"

// SweepReminders appends one reminder.due event per reminder firing today. The
// events and the swept day are written in one transaction, so repeated calls
// within a day emit nothing and a failed sweep leaves no partial events. It
// returns the number of events appended.
func (e *Engine) SweepReminders(ctx context.Context) (int, error) {
	if e.DB == nil {
		return 0, nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	kv := repo.KV{Repo: e.Repo}
	today := e.Today().Format(domain.DateLayout)
	last, err := kv.Get(ctx, sweepKey)
	if err != nil {
		return 0, err
	}
	if last == today {
		return 0, nil
	}
	due := e.Reminders(ctx, store.Filter{})
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n := 0
	for _, cr := range due {
		for _, r := range cr.Reminders {
			idx := r.StageIndex
			err := e.Events.Append(ctx, tx, events.ReminderDue, cr.CaseID, &idx, "system", events.EventPayload{
				"client":  cr.Client,
				"advisor": cr.Advisor,
				"stage":   r.Label,
				"kind":    r.Kind,
				"due":     r.Due,
			})
			if err != nil {
				return 0, err
			}
			n++
		}
	}
	if err := kv.PutTx(ctx, tx, sweepKey, today); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		e.Logger.Info("reminders due", "date", today, "count", n)
	}
	return n, nil
}
