package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"hypoline/internal/attachments"
	"hypoline/internal/config"
	"hypoline/internal/domain"
	"hypoline/internal/events"
	"hypoline/internal/exchange"
	"hypoline/internal/ledger"
	"hypoline/internal/repo"
	"hypoline/internal/store"
	"hypoline/internal/workflow"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownFormat = errors.New("unknown exchange format")
)

// errUnchanged aborts a store update that would not change the case.
var errUnchanged = errors.New("unchanged")

// Engine composes the store, the undo/redo ledger and the event log. Every
// mutation runs under one lock so stage change records, ledger entries and events
// share the same order.
type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Store   *store.Store
	Ledger  *ledger.Ledger
	Events  events.Writer
	Blobs   attachments.BlobStore
	Config  *config.Config
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time

	mu sync.Mutex
}

// New wires an engine over db. A nil db keeps cases and stacks in memory and
// skips the event log.
func New(db *sql.DB, cfg *config.Config, blobs attachments.BlobStore, logger *slog.Logger) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Events:  events.Writer{DB: db},
		Blobs:   blobs,
		Config:  cfg,
		Metrics: NewMetrics(),
		Logger:  logger,
		Now:     time.Now,
	}
	if db != nil {
		e.Store = store.New(e.Repo)
		e.Ledger = ledger.New(repo.KV{Repo: e.Repo}, cfg.Ledger.MaxEntries)
	} else {
		e.Store = store.New(nil)
		e.Ledger = ledger.New(ledger.NewMemoryKV(), cfg.Ledger.MaxEntries)
	}
	e.Ledger.Now = e.now
	e.Events.Now = e.now
	e.Metrics.observeStore(e.Store)
	return e
}

// Load hydrates the store from the database.
func (e *Engine) Load(ctx context.Context) error {
	return e.Store.Load(ctx)
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// localNow is the current instant in the office timezone.
func (e *Engine) localNow() time.Time {
	loc, err := e.Config.Location()
	if err != nil {
		loc = time.UTC
	}
	return e.now().In(loc)
}

// Today is the office calendar day.
func (e *Engine) Today() time.Time {
	return workflow.Day(e.localNow())
}

func (e *Engine) horizon() int {
	if e.Config.Workflow.HorizonDays > 0 {
		return e.Config.Workflow.HorizonDays
	}
	return workflow.DefaultHorizonDays
}

func (e *Engine) appendEvent(ctx context.Context, evtType string, caseID int, stageIdx *int, actor string, payload events.EventPayload) {
	if e.DB == nil {
		return
	}
	if err := e.Events.Append(ctx, nil, evtType, caseID, stageIdx, actor, payload); err != nil {
		e.Logger.Warn("append event failed", "type", evtType, "case", caseID, "err", err)
	}
}

// mutation describes one recorded change to a single case.
type mutation struct {
	op          string
	evtType     string
	stageIdx    *int
	description string
	payload     events.EventPayload
	apply       func(c domain.Case, now time.Time) (domain.Case, error)
}

func (e *Engine) mutate(ctx context.Context, actor string, id int, m mutation) (domain.Case, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.localNow()
	prev, next, err := e.Store.Update(ctx, id, func(c *domain.Case) error {
		out, err := m.apply(*c, now)
		if err != nil {
			return err
		}
		*c = out
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return prev, nil
	}
	if err != nil {
		e.Metrics.failure(m.op)
		return domain.Case{}, err
	}
	if err := e.Ledger.Record(ctx, id, prev, next, actor, m.description); err != nil {
		return next, fmt.Errorf("record undo entry: %w", err)
	}
	e.appendEvent(ctx, m.evtType, id, m.stageIdx, actor, m.payload)
	e.Metrics.mutation(m.op)
	e.Logger.Debug("case updated", "op", m.op, "case", id, "actor", actor)
	return next, nil
}

func validateInit(init domain.CaseInit) error {
	if strings.TrimSpace(init.ClientName) == "" {
		return fmt.Errorf("%w: client name is required", ErrInvalidInput)
	}
	return nil
}

func (e *Engine) CreateCase(ctx context.Context, actor string, init domain.CaseInit) (domain.Case, error) {
	if err := validateInit(init); err != nil {
		return domain.Case{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.Store.Create(ctx, init)
	if err != nil {
		e.Metrics.failure("create")
		return domain.Case{}, err
	}
	e.appendEvent(ctx, events.CaseCreated, c.ID, nil, actor, events.EventPayload{"client": c.ClientName, "advisor": c.AdvisorName})
	e.Metrics.mutation("create")
	e.Logger.Info("case created", "case", c.ID, "actor", actor)
	return c, nil
}

// EditCase applies the case form: client, advisor, intake, proposal, bank and note.
// Stages and the current index are kept.
func (e *Engine) EditCase(ctx context.Context, actor string, id int, form domain.CaseInit) (domain.Case, error) {
	if err := validateInit(form); err != nil {
		return domain.Case{}, err
	}
	return e.mutate(ctx, actor, id, mutation{
		op:          "edit",
		evtType:     events.CaseEdited,
		description: "case edited",
		payload:     events.EventPayload{"client": form.ClientName},
		apply: func(c domain.Case, _ time.Time) (domain.Case, error) {
			c.ClientName = form.ClientName
			c.AdvisorName = form.AdvisorName
			c.Intake = form.Intake
			c.Proposal = form.Proposal
			c.Bank = form.Bank
			c.Note = form.Note
			return c, nil
		},
	})
}

func (e *Engine) MarkStageDone(ctx context.Context, actor string, id, idx int) (domain.Case, error) {
	return e.mutate(ctx, actor, id, mutation{
		op:          "stage_done",
		evtType:     events.StageDone,
		stageIdx:    &idx,
		description: workflow.DescStageDone,
		payload:     events.EventPayload{"stage": stageLabel(idx)},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			if idx >= 0 && idx < len(c.Stages) && c.Stages[idx].Done {
				return c, errUnchanged
			}
			return workflow.MarkStageDone(c, idx, now, actor)
		},
	})
}

func (e *Engine) SetStageDeadline(ctx context.Context, actor string, id, idx int, date string) (domain.Case, error) {
	return e.mutate(ctx, actor, id, mutation{
		op:          "stage_deadline",
		evtType:     events.StageDeadlineSet,
		stageIdx:    &idx,
		description: "deadline changed",
		payload:     events.EventPayload{"stage": stageLabel(idx), "deadline": date},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			return workflow.SetStageDeadline(c, idx, date, actor, now)
		},
	})
}

func (e *Engine) SetStageNote(ctx context.Context, actor string, id, idx int, text string) (domain.Case, error) {
	return e.mutate(ctx, actor, id, mutation{
		op:          "stage_note",
		evtType:     events.StageNoteSet,
		stageIdx:    &idx,
		description: "note changed",
		payload:     events.EventPayload{"stage": stageLabel(idx)},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			return workflow.SetStageNote(c, idx, text, actor, now)
		},
	})
}

func (e *Engine) SetStageReminder(ctx context.Context, actor string, id, idx int, offsetDays *int, date string) (domain.Case, error) {
	return e.mutate(ctx, actor, id, mutation{
		op:          "stage_reminder",
		evtType:     events.StageReminderSet,
		stageIdx:    &idx,
		description: "reminder changed",
		payload:     events.EventPayload{"stage": stageLabel(idx), "offset_days": offsetDays, "date": date},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			if offsetDays != nil && *offsetDays < 0 {
				return c, fmt.Errorf("%w: reminder offset must not be negative", ErrInvalidInput)
			}
			return workflow.SetStageReminder(c, idx, offsetDays, date, actor, now)
		},
	})
}

func (e *Engine) EditStage(ctx context.Context, actor string, id, idx int, edit workflow.StageEdit) (domain.Case, error) {
	return e.mutate(ctx, actor, id, mutation{
		op:          "stage_edit",
		evtType:     events.StageEdited,
		stageIdx:    &idx,
		description: "stage edited",
		payload:     events.EventPayload{"stage": stageLabel(idx)},
		apply: func(c domain.Case, now time.Time) (domain.Case, error) {
			if edit.ReminderOffsetDays != nil && *edit.ReminderOffsetDays < 0 {
				return c, fmt.Errorf("%w: reminder offset must not be negative", ErrInvalidInput)
			}
			return workflow.EditStage(c, idx, edit, actor, now)
		},
	})
}

func (e *Engine) Archive(ctx context.Context, actor string, id int) (domain.Case, error) {
	return e.setArchived(ctx, actor, id, true)
}

func (e *Engine) Unarchive(ctx context.Context, actor string, id int) (domain.Case, error) {
	return e.setArchived(ctx, actor, id, false)
}

func (e *Engine) setArchived(ctx context.Context, actor string, id int, archived bool) (domain.Case, error) {
	op, evt, desc := "archive", events.CaseArchived, "case archived"
	if !archived {
		op, evt, desc = "unarchive", events.CaseUnarchived, "case restored from archive"
	}
	return e.mutate(ctx, actor, id, mutation{
		op:          op,
		evtType:     evt,
		description: desc,
		apply: func(c domain.Case, _ time.Time) (domain.Case, error) {
			if c.Archived == archived {
				return c, errUnchanged
			}
			c.Archived = archived
			return c, nil
		},
	})
}

// Delete removes a case together with its undo and redo stacks. Deleting a missing
// case is a no-op.
func (e *Engine) Delete(ctx context.Context, actor string, id int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, err := e.Store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := e.Store.Delete(ctx, id); err != nil {
		e.Metrics.failure("delete")
		return err
	}
	if err := e.Ledger.Forget(ctx, id); err != nil {
		e.Logger.Warn("forget undo stacks failed", "case", id, "err", err)
	}
	e.appendEvent(ctx, events.CaseDeleted, id, nil, actor, events.EventPayload{"client": c.ClientName})
	e.Metrics.mutation("delete")
	e.Logger.Info("case deleted", "case", id, "actor", actor)
	return nil
}

// Undo restores the case as it was before its latest recorded change. It returns
// nil when there is nothing to undo.
func (e *Engine) Undo(ctx context.Context, actor string, id int) (*domain.Case, error) {
	return e.travel(ctx, actor, id, true)
}

// Redo re-applies the last undone change, nil when there is nothing to redo.
func (e *Engine) Redo(ctx context.Context, actor string, id int) (*domain.Case, error) {
	return e.travel(ctx, actor, id, false)
}

func (e *Engine) travel(ctx context.Context, actor string, id int, undo bool) (*domain.Case, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	op, evt := "undo", events.CaseUndone
	peek, move := e.Ledger.PeekUndo, e.Ledger.Undo
	if !undo {
		op, evt = "redo", events.CaseRedone
		peek, move = e.Ledger.PeekRedo, e.Ledger.Redo
	}
	snap, err := peek(ctx, id)
	if err != nil || snap == nil {
		return nil, err
	}
	// The entry only moves once the snapshot is stored.
	if err := e.Store.Replace(ctx, *snap); err != nil {
		e.Metrics.failure(op)
		return nil, err
	}
	if _, err := move(ctx, id); err != nil {
		e.Metrics.failure(op)
		return snap, fmt.Errorf("move %s entry: %w", op, err)
	}
	e.appendEvent(ctx, evt, id, nil, actor, nil)
	e.Metrics.mutation(op)
	return snap, nil
}

// History lists the undo stack of a case, oldest first.
func (e *Engine) History(ctx context.Context, id int) ([]domain.UndoRedoEntry, error) {
	if _, err := e.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.Ledger.History(ctx, id)
}

func (e *Engine) Get(ctx context.Context, id int) (domain.Case, error) {
	return e.Store.Get(ctx, id)
}

func (e *Engine) Query(ctx context.Context, f store.Filter) []domain.Case {
	return e.Store.Query(ctx, f)
}

// Advisors merges configured advisors with those found on cases.
func (e *Engine) Advisors(ctx context.Context) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{e.Config.Workflow.Advisors, e.Store.Advisors(ctx)} {
		for _, a := range list {
			if !seen[a] {
				seen[a] = true
				out = append(out, a)
			}
		}
	}
	return out
}

// CaseDeadlines groups the upcoming deadlines of one case.
type CaseDeadlines struct {
	CaseID    int                 `json:"case_id"`
	Client    string              `json:"client"`
	Advisor   string              `json:"advisor"`
	Deadlines []workflow.Deadline `json:"deadlines"`
}

// Upcoming lists, per active case, the deadlines within the configured horizon.
// Cases without any are left out.
func (e *Engine) Upcoming(ctx context.Context, f store.Filter) []CaseDeadlines {
	today := e.Today()
	var out []CaseDeadlines
	for _, c := range e.Store.Query(ctx, f) {
		if c.Archived {
			continue
		}
		d := workflow.UpcomingDeadlines(c, today, e.horizon())
		if len(d) == 0 {
			continue
		}
		out = append(out, CaseDeadlines{CaseID: c.ID, Client: c.ClientName, Advisor: c.AdvisorName, Deadlines: d})
	}
	return out
}

// CaseReminders groups the reminders of one case firing today.
type CaseReminders struct {
	CaseID    int                 `json:"case_id"`
	Client    string              `json:"client"`
	Advisor   string              `json:"advisor"`
	Reminders []workflow.Reminder `json:"reminders"`
}

func (e *Engine) Reminders(ctx context.Context, f store.Filter) []CaseReminders {
	today := e.Today()
	var out []CaseReminders
	for _, c := range e.Store.Query(ctx, f) {
		if c.Archived {
			continue
		}
		r := workflow.Reminders(c, today)
		if len(r) == 0 {
			continue
		}
		out = append(out, CaseReminders{CaseID: c.ID, Client: c.ClientName, Advisor: c.AdvisorName, Reminders: r})
	}
	return out
}

func (e *Engine) AverageCompletion(ctx context.Context) workflow.Average {
	return workflow.AverageCompletionDays(e.Store.List(ctx))
}

func (e *Engine) Report(ctx context.Context) workflow.Report {
	return workflow.Summarize(e.Store.List(ctx), e.Today())
}

// Export writes the cases matched by f in the given format.
func (e *Engine) Export(ctx context.Context, format string, w io.Writer, f store.Filter) error {
	list := e.Store.Query(ctx, f)
	switch strings.ToLower(format) {
	case exchange.FormatJSON:
		return exchange.ExportJSON(w, list)
	case exchange.FormatCSV:
		return exchange.ExportCSV(w, list)
	case exchange.FormatXLSX:
		return exchange.ExportXLSX(w, list)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
}

// Import parses r and merges the cases into the store. Cases without an id get
// fresh ones; cases whose id exists replace it and the replacement is undoable.
func (e *Engine) Import(ctx context.Context, actor, format string, r io.Reader) ([]domain.Case, error) {
	var (
		list []domain.Case
		err  error
	)
	switch strings.ToLower(format) {
	case exchange.FormatJSON:
		list, err = exchange.ImportJSON(r)
	case exchange.FormatCSV:
		list, err = exchange.ImportCSV(r)
	case exchange.FormatXLSX:
		list, err = exchange.ImportXLSX(r)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownFormat, format)
	}
	if err != nil {
		e.Metrics.failure("import")
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	prevByID := map[int]domain.Case{}
	for _, c := range list {
		if c.ID <= 0 {
			continue
		}
		if prev, err := e.Store.Get(ctx, c.ID); err == nil {
			prevByID[c.ID] = prev
		}
	}
	merged, err := e.Store.Merge(ctx, list)
	if err != nil {
		e.Metrics.failure("import")
		return nil, err
	}
	ids := make([]int, len(merged))
	for i, c := range merged {
		ids[i] = c.ID
		prev, replaced := prevByID[c.ID]
		if !replaced {
			continue
		}
		if err := e.Ledger.Record(ctx, c.ID, prev, c, actor, "case imported"); err != nil {
			return merged, fmt.Errorf("record undo entry: %w", err)
		}
	}
	e.appendEvent(ctx, events.CasesImported, 0, nil, actor, events.EventPayload{"format": format, "count": len(merged), "case_ids": ids})
	e.Metrics.imported(len(merged))
	e.Logger.Info("cases imported", "format", format, "count", len(merged), "actor", actor)
	return merged, nil
}

func stageLabel(idx int) string {
	labels := domain.TrackedStageLabels()
	if idx < 0 || idx >= len(labels) {
		return ""
	}
	return labels[idx]
}
