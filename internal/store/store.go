// Package store holds the authoritative list of cases. All reads hand out deep copies
// and every mutation is written through to the optional Backend.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/text/cases"

	"hypoline/internal/domain"
	"hypoline/internal/workflow"
)

var ErrNotFound = errors.New("case not found")

// Backend persists cases. The SQLite repo implements it.
type Backend interface {
	LoadCases(ctx context.Context) ([]domain.Case, error)
	SaveCases(ctx context.Context, list ...domain.Case) error
	DeleteCase(ctx context.Context, id int) error
}

type Store struct {
	mu      sync.Mutex
	list    []domain.Case
	nextID  int
	backend Backend
	fold    cases.Caser
}

// New returns an empty store. A nil backend keeps everything in memory.
func New(backend Backend) *Store {
	return &Store{nextID: 1, backend: backend, fold: cases.Fold()}
}

// Load replaces the in-memory list with the backend contents.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	list, err := s.backend.LoadCases(ctx)
	if err != nil {
		return fmt.Errorf("load cases: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
	s.nextID = 1
	for _, c := range list {
		if c.ID >= s.nextID {
			s.nextID = c.ID + 1
		}
	}
	return nil
}

func (s *Store) persist(ctx context.Context, list ...domain.Case) error {
	if s.backend == nil || len(list) == 0 {
		return nil
	}
	return s.backend.SaveCases(ctx, list...)
}

func (s *Store) indexOf(id int) int {
	for i, c := range s.list {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// Create appends a new case built from the intake form.
func (s *Store) Create(ctx context.Context, init domain.CaseInit) (domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := domain.Case{
		ID:          s.nextID,
		ClientName:  init.ClientName,
		AdvisorName: init.AdvisorName,
		Intake:      init.Intake,
		Proposal:    init.Proposal,
		Bank:        init.Bank,
		Note:        init.Note,
		Stages:      workflow.NewStages(),
	}
	if err := s.persist(ctx, c); err != nil {
		return domain.Case{}, err
	}
	s.nextID++
	s.list = append(s.list, c)
	return workflow.Clone(c), nil
}

func (s *Store) Get(ctx context.Context, id int) (domain.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return domain.Case{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return workflow.Clone(s.list[i]), nil
}

// List returns every case in insertion order.
func (s *Store) List(ctx context.Context) []domain.Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Case, len(s.list))
	for i, c := range s.list {
		out[i] = workflow.Clone(c)
	}
	return out
}

// Update hands a copy of the case to mutate and stores the result. A mutator error
// leaves the store untouched.
func (s *Store) Update(ctx context.Context, id int, mutate func(*domain.Case) error) (prev, next domain.Case, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return prev, next, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	prev = workflow.Clone(s.list[i])
	next = workflow.Clone(s.list[i])
	if err := mutate(&next); err != nil {
		return prev, prev, err
	}
	if next.ID != id {
		return prev, prev, fmt.Errorf("case id is immutable: %d -> %d", id, next.ID)
	}
	if err := workflow.Validate(next); err != nil {
		return prev, prev, err
	}
	if err := s.persist(ctx, next); err != nil {
		return prev, prev, err
	}
	s.list[i] = workflow.Clone(next)
	return prev, next, nil
}

// Replace overwrites a case wholesale, as undo and redo do.
func (s *Store) Replace(ctx context.Context, c domain.Case) error {
	if err := workflow.Validate(c); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(c.ID)
	if i < 0 {
		return fmt.Errorf("%w: %d", ErrNotFound, c.ID)
	}
	if err := s.persist(ctx, c); err != nil {
		return err
	}
	s.list[i] = workflow.Clone(c)
	return nil
}

// Delete removes a case; a missing id is not an error.
func (s *Store) Delete(ctx context.Context, id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return nil
	}
	if s.backend != nil {
		if err := s.backend.DeleteCase(ctx, id); err != nil {
			return err
		}
	}
	s.list = append(s.list[:i], s.list[i+1:]...)
	return nil
}

func (s *Store) Archive(ctx context.Context, id int) (prev, next domain.Case, err error) {
	return s.Update(ctx, id, func(c *domain.Case) error {
		c.Archived = true
		return nil
	})
}

func (s *Store) Unarchive(ctx context.Context, id int) (prev, next domain.Case, err error) {
	return s.Update(ctx, id, func(c *domain.Case) error {
		c.Archived = false
		return nil
	})
}

// Merge upserts imported cases by id. Cases with id 0 receive fresh ids. The batch
// is validated as a whole before anything is applied.
func (s *Store) Merge(ctx context.Context, incoming []domain.Case) ([]domain.Case, error) {
	for _, c := range incoming {
		if err := workflow.Validate(c); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	list := make([]domain.Case, len(s.list))
	copy(list, s.list)
	nextID := s.nextID
	for _, c := range incoming {
		if c.ID > 0 && c.ID >= nextID {
			nextID = c.ID + 1
		}
	}
	merged := make([]domain.Case, 0, len(incoming))
	for _, c := range incoming {
		c = workflow.Clone(c)
		if c.ID <= 0 {
			c.ID = nextID
			nextID++
		}
		replaced := false
		for i := range list {
			if list[i].ID == c.ID {
				list[i] = c
				replaced = true
				break
			}
		}
		if !replaced {
			list = append(list, c)
		}
		merged = append(merged, c)
	}
	if err := s.persist(ctx, merged...); err != nil {
		return nil, err
	}
	s.list = list
	s.nextID = nextID
	out := make([]domain.Case, len(merged))
	for i, c := range merged {
		out[i] = workflow.Clone(c)
	}
	return out, nil
}

// Advisors lists distinct advisor names in first-seen order.
func (s *Store) Advisors(ctx context.Context) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := map[string]bool{}
	var out []string
	for _, c := range s.list {
		if c.AdvisorName == "" || seen[c.AdvisorName] {
			continue
		}
		seen[c.AdvisorName] = true
		out = append(out, c.AdvisorName)
	}
	return out
}

// Filter narrows Query results. Zero fields match everything.
type Filter struct {
	Advisor      string
	ShowArchived bool
	// Stage is the label of the stage the case is currently waiting on.
	Stage        string
	Bank         string
	ProposalDate string
	// Text matches client, advisor, bank or note, ignoring case.
	Text string
}

func (s *Store) Query(ctx context.Context, f Filter) []domain.Case {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.fold.String(strings.TrimSpace(f.Text))
	var out []domain.Case
	for _, c := range s.list {
		if !f.ShowArchived && c.Archived {
			continue
		}
		if f.Advisor != "" && c.AdvisorName != f.Advisor {
			continue
		}
		if f.Stage != "" && waitingOn(c) != f.Stage {
			continue
		}
		if f.Bank != "" && c.Bank.Name != f.Bank {
			continue
		}
		if f.ProposalDate != "" && !sameDay(c.Proposal.Date, f.ProposalDate) {
			continue
		}
		if text != "" && !s.matchText(c, text) {
			continue
		}
		out = append(out, workflow.Clone(c))
	}
	return out
}

// waitingOn is the unclamped label at the current index; a finished case has none.
func waitingOn(c domain.Case) string {
	i := c.CurrentStageIndex + domain.IntakeStages
	if i < 0 || i >= len(domain.StageLabels) {
		return ""
	}
	return domain.StageLabels[i]
}

func sameDay(a, b string) bool {
	da, ok := workflow.ParseDate(a)
	if !ok {
		return false
	}
	db, ok := workflow.ParseDate(b)
	return ok && da.Equal(db)
}

func (s *Store) matchText(c domain.Case, folded string) bool {
	for _, field := range []string{c.ClientName, c.AdvisorName, c.Bank.Name, c.Note} {
		if field != "" && strings.Contains(s.fold.String(field), folded) {
			return true
		}
	}
	return false
}
