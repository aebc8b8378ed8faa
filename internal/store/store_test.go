package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypoline/internal/domain"
	"hypoline/internal/store"
	"hypoline/internal/workflow"
)

type memBackend struct {
	saved   map[int]domain.Case
	deleted []int
	failOn  int
}

func newMemBackend() *memBackend { return &memBackend{saved: map[int]domain.Case{}} }

func (m *memBackend) LoadCases(ctx context.Context) ([]domain.Case, error) {
	var out []domain.Case
	for id := 1; len(out) < len(m.saved); id++ {
		if c, ok := m.saved[id]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memBackend) SaveCases(ctx context.Context, list ...domain.Case) error {
	for _, c := range list {
		if m.failOn != 0 && c.ID == m.failOn {
			return errors.New("disk full")
		}
	}
	for _, c := range list {
		m.saved[c.ID] = c
	}
	return nil
}

func (m *memBackend) DeleteCase(ctx context.Context, id int) error {
	delete(m.saved, id)
	m.deleted = append(m.deleted, id)
	return nil
}

func mustParse(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func intake(client, advisor, bank string) domain.CaseInit {
	return domain.CaseInit{
		ClientName:  client,
		AdvisorName: advisor,
		Intake:      domain.Intake{What: "Byt", Amount: "3500000"},
		Proposal:    domain.Proposal{Date: "2025-05-16", InterestRate: "4.19"},
		Bank:        domain.BankChoice{Name: bank},
	}
}

func TestCreateAssignsIncreasingIDs(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	s := store.New(b)
	a, err := s.Create(ctx, intake("Alena Novotná", "Jana", "ČSOB"))
	require.NoError(t, err)
	c, err := s.Create(ctx, intake("Karel Dvořák", "Petr", "Fio banka"))
	require.NoError(t, err)
	assert.Equal(t, 1, a.ID)
	assert.Equal(t, 2, c.ID)
	assert.Len(t, a.Stages, domain.TrackedStages)
	assert.False(t, a.Archived)
	assert.Len(t, b.saved, 2)

	require.NoError(t, s.Delete(ctx, 2))
	d, err := s.Create(ctx, intake("Eva", "Petr", "ČSOB"))
	require.NoError(t, err)
	assert.Equal(t, 3, d.ID, "ids are never reused")
}

func TestGetReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := store.New(nil)
	c, err := s.Create(ctx, intake("Alena", "Jana", "ČSOB"))
	require.NoError(t, err)
	c.Stages[0].Note = "changed outside"
	got, err := s.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, got.Stages[0].Note)

	_, err = s.Get(ctx, 99)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	s := store.New(b)
	c, err := s.Create(ctx, intake("Alena", "Jana", "ČSOB"))
	require.NoError(t, err)

	prev, next, err := s.Update(ctx, c.ID, func(x *domain.Case) error {
		x.Note = "nová poznámka"
		return nil
	})
	require.NoError(t, err)
	assert.Empty(t, prev.Note)
	assert.Equal(t, "nová poznámka", next.Note)
	assert.Equal(t, "nová poznámka", b.saved[c.ID].Note)

	_, _, err = s.Update(ctx, c.ID, func(x *domain.Case) error {
		x.Note = "lost"
		return errors.New("nope")
	})
	require.Error(t, err)
	got, _ := s.Get(ctx, c.ID)
	assert.Equal(t, "nová poznámka", got.Note)

	_, _, err = s.Update(ctx, c.ID, func(x *domain.Case) error {
		x.ID = 42
		return nil
	})
	assert.Error(t, err)

	_, _, err = s.Update(ctx, c.ID, func(x *domain.Case) error {
		x.Stages = x.Stages[:2]
		return nil
	})
	assert.Error(t, err)

	_, _, err = s.Update(ctx, 77, func(x *domain.Case) error { return nil })
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateBackendFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	s := store.New(b)
	c, err := s.Create(ctx, intake("Alena", "Jana", "ČSOB"))
	require.NoError(t, err)
	b.failOn = c.ID
	_, _, err = s.Update(ctx, c.ID, func(x *domain.Case) error {
		x.Note = "x"
		return nil
	})
	require.Error(t, err)
	got, _ := s.Get(ctx, c.ID)
	assert.Empty(t, got.Note)
}

func TestDeleteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	s := store.New(b)
	c, _ := s.Create(ctx, intake("Alena", "Jana", "ČSOB"))
	require.NoError(t, s.Delete(ctx, c.ID))
	require.NoError(t, s.Delete(ctx, c.ID))
	assert.Equal(t, []int{c.ID}, b.deleted)
	assert.Empty(t, s.List(ctx))
}

func TestArchiveUnarchive(t *testing.T) {
	ctx := context.Background()
	s := store.New(nil)
	c, _ := s.Create(ctx, intake("Alena", "Jana", "ČSOB"))
	_, next, err := s.Archive(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, next.Archived)
	_, next, err = s.Archive(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, next.Archived)
	assert.Empty(t, s.Query(ctx, store.Filter{}))
	assert.Len(t, s.Query(ctx, store.Filter{ShowArchived: true}), 1)
	_, next, err = s.Unarchive(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, next.Archived)
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	s := store.New(nil)
	a, _ := s.Create(ctx, intake("Alena Novotná", "Jana", "Česká spořitelna"))
	b, _ := s.Create(ctx, intake("Karel Dvořák", "Petr", "ČSOB"))
	_, _, err := s.Update(ctx, b.ID, func(c *domain.Case) error {
		c.Note = "Klient ŽÁDÁ fixaci"
		c.Proposal.Date = "2025-06-01T10:00:00Z"
		out, err := workflow.MarkStageDone(*c, 0, mustParse("2025-06-01"), "Petr")
		*c = out
		return err
	})
	require.NoError(t, err)

	ids := func(list []domain.Case) []int {
		var out []int
		for _, c := range list {
			out = append(out, c.ID)
		}
		return out
	}
	assert.Equal(t, []int{a.ID, b.ID}, ids(s.Query(ctx, store.Filter{})))
	assert.Equal(t, []int{b.ID}, ids(s.Query(ctx, store.Filter{Advisor: "Petr"})))
	assert.Equal(t, []int{a.ID}, ids(s.Query(ctx, store.Filter{Bank: "Česká spořitelna"})))
	assert.Equal(t, []int{b.ID}, ids(s.Query(ctx, store.Filter{Stage: "Kompletace podkladů"})))
	assert.Equal(t, []int{a.ID}, ids(s.Query(ctx, store.Filter{Stage: "Příprava žádosti"})))
	assert.Equal(t, []int{b.ID}, ids(s.Query(ctx, store.Filter{ProposalDate: "2025-06-01"})))
	assert.Equal(t, []int{a.ID}, ids(s.Query(ctx, store.Filter{Text: "novotná"})))
	assert.Equal(t, []int{b.ID}, ids(s.Query(ctx, store.Filter{Text: "žádá"})))
	assert.Equal(t, []int{a.ID}, ids(s.Query(ctx, store.Filter{Text: "SPOŘITELNA"})))
	assert.Empty(t, s.Query(ctx, store.Filter{Advisor: "Petr", Bank: "Česká spořitelna"}))
}

func TestMerge(t *testing.T) {
	ctx := context.Background()
	s := store.New(nil)
	a, _ := s.Create(ctx, intake("Alena", "Jana", "ČSOB"))

	updated := a
	updated.Note = "z importu"
	fresh := domain.Case{ClientName: "Nový", Stages: workflow.NewStages()}
	far := domain.Case{ID: 10, ClientName: "Deset", Stages: workflow.NewStages()}

	merged, err := s.Merge(ctx, []domain.Case{updated, fresh, far})
	require.NoError(t, err)
	require.Len(t, merged, 3)
	assert.Equal(t, a.ID, merged[0].ID)
	assert.Equal(t, 11, merged[1].ID, "fresh ids start past imported ones")
	assert.Equal(t, 10, merged[2].ID)

	all := s.List(ctx)
	require.Len(t, all, 3)
	assert.Equal(t, "z importu", all[0].Note)

	next, err := s.Create(ctx, intake("Další", "Jana", "ČSOB"))
	require.NoError(t, err)
	assert.Equal(t, 12, next.ID)
}

func TestMergeIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	s := store.New(nil)
	good := domain.Case{ClientName: "OK", Stages: workflow.NewStages()}
	bad := domain.Case{ClientName: "Bad", Stages: workflow.NewStages()[:4]}
	_, err := s.Merge(ctx, []domain.Case{good, bad})
	require.Error(t, err)
	assert.Empty(t, s.List(ctx))
}

func TestLoadAndAdvisors(t *testing.T) {
	ctx := context.Background()
	b := newMemBackend()
	first := store.New(b)
	_, _ = first.Create(ctx, intake("A", "Jana", "ČSOB"))
	_, _ = first.Create(ctx, intake("B", "Petr", "ČSOB"))
	_, _ = first.Create(ctx, intake("C", "Jana", "ČSOB"))

	second := store.New(b)
	require.NoError(t, second.Load(ctx))
	assert.Len(t, second.List(ctx), 3)
	assert.Equal(t, []string{"Jana", "Petr"}, second.Advisors(ctx))
	c, err := second.Create(ctx, intake("D", "Eva", "ČSOB"))
	require.NoError(t, err)
	assert.Equal(t, 4, c.ID)
}

func TestReplace(t *testing.T) {
	ctx := context.Background()
	s := store.New(nil)
	c, _ := s.Create(ctx, intake("A", "Jana", "ČSOB"))
	c.ClientName = "B"
	require.NoError(t, s.Replace(ctx, c))
	got, _ := s.Get(ctx, c.ID)
	assert.Equal(t, "B", got.ClientName)
	c.ID = 50
	assert.ErrorIs(t, s.Replace(ctx, c), store.ErrNotFound)
}
