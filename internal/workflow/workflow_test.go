package workflow_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypoline/internal/domain"
	"hypoline/internal/workflow"
)

func date(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func newCase() domain.Case {
	return domain.Case{
		ID:          1,
		ClientName:  "Alena Novotná",
		AdvisorName: "Jana Veselá",
		Intake:      domain.Intake{What: "Byt", Amount: "3500000", Description: "Praha 4, novostavba"},
		Proposal:    domain.Proposal{Date: "2025-05-16", InterestRate: "4.19"},
		Bank:        domain.BankChoice{Name: "Česká spořitelna"},
		Stages:      workflow.NewStages(),
	}
}

func TestNewStagesFollowIntake(t *testing.T) {
	stages := workflow.NewStages()
	require.Len(t, stages, domain.TrackedStages)
	assert.Equal(t, "Příprava žádosti", stages[0].Label)
	assert.Equal(t, "Podmínky pro vyčerpání", stages[len(stages)-1].Label)
	for _, s := range stages {
		assert.False(t, s.Done)
	}
}

func TestMarkStageDoneAdvances(t *testing.T) {
	c := newCase()
	today := date("2025-05-18")
	out, err := workflow.MarkStageDone(c, 0, today, "Jana")
	require.NoError(t, err)
	assert.True(t, out.Stages[0].Done)
	assert.Equal(t, "2025-05-18", out.Stages[0].CompletedAt)
	assert.Equal(t, 1, out.CurrentStageIndex)
	require.Len(t, out.Stages[0].ChangeLog, 1)
	assert.Equal(t, workflow.DescStageDone, out.Stages[0].ChangeLog[0].Description)
	assert.Equal(t, "Jana", out.Stages[0].ChangeLog[0].Who)

	// input is untouched
	assert.False(t, c.Stages[0].Done)
	assert.Equal(t, 0, c.CurrentStageIndex)
}

func TestMarkStageDoneRepeatKeepsCompletion(t *testing.T) {
	c := newCase()
	first, err := workflow.MarkStageDone(c, 0, date("2025-05-18"), "Jana")
	require.NoError(t, err)
	again, err := workflow.MarkStageDone(first, 0, date("2025-06-01"), "Petr")
	require.NoError(t, err)
	assert.Equal(t, "2025-05-18", again.Stages[0].CompletedAt)
	assert.Len(t, again.Stages[0].ChangeLog, 1)
	assert.Equal(t, first.CurrentStageIndex, again.CurrentStageIndex)
}

func TestMarkStageDoneIndexCap(t *testing.T) {
	c := newCase()
	today := date("2025-06-01")
	var err error
	for i := 0; i < domain.TrackedStages; i++ {
		c, err = workflow.MarkStageDone(c, i, today, "Jana")
		require.NoError(t, err)
		assert.Less(t, c.CurrentStageIndex, domain.StageCount)
	}
	assert.Equal(t, domain.TrackedStages, c.CurrentStageIndex)
	assert.LessOrEqual(t, c.CurrentStageIndex, domain.MaxStageIndex)
	assert.True(t, workflow.IsComplete(c))
	assert.Equal(t, "Podmínky pro vyčerpání", workflow.CurrentStageLabel(c))
}

func TestMarkStageDoneNeverDecreasesIndex(t *testing.T) {
	c := newCase()
	today := date("2025-06-01")
	var err error
	for i := 0; i < 4; i++ {
		c, err = workflow.MarkStageDone(c, i, today, "Jana")
		require.NoError(t, err)
	}
	require.Equal(t, 4, c.CurrentStageIndex)
	// an earlier, imported-as-open stage completed late does not pull the index back
	c.Stages[1].Done = false
	c.Stages[1].CompletedAt = ""
	out, err := workflow.MarkStageDone(c, 1, today, "Jana")
	require.NoError(t, err)
	assert.Equal(t, 4, out.CurrentStageIndex)
}

func TestMarkStageDoneErrors(t *testing.T) {
	c := newCase()
	_, err := workflow.MarkStageDone(c, -1, date("2025-06-01"), "Jana")
	assert.ErrorIs(t, err, workflow.ErrInvalidStageIndex)
	_, err = workflow.MarkStageDone(c, domain.TrackedStages, date("2025-06-01"), "Jana")
	assert.ErrorIs(t, err, workflow.ErrInvalidStageIndex)
	_, err = workflow.MarkStageDone(c, 2, date("2025-06-01"), "Jana")
	assert.ErrorIs(t, err, workflow.ErrStageLocked)
}

func TestLifecycleIsMonotonic(t *testing.T) {
	s := domain.Stage{Label: "Odhad"}
	assert.True(t, workflow.CanComplete(s))
	s.Done = true
	assert.False(t, workflow.CanComplete(s))
}

func TestStageFieldEditsAppendRecords(t *testing.T) {
	c := newCase()
	now := date("2025-05-16").Add(9 * time.Hour)
	out, err := workflow.SetStageDeadline(c, 2, "not-a-date", "Jana", now)
	require.NoError(t, err)
	assert.Equal(t, "not-a-date", out.Stages[2].Deadline)
	out, err = workflow.SetStageNote(out, 2, "čeká na odhad", "Jana", now)
	require.NoError(t, err)
	assert.Equal(t, "čeká na odhad", out.Stages[2].Note)
	offset := 2
	out, err = workflow.SetStageReminder(out, 2, &offset, "2025-05-19", "Jana", now)
	require.NoError(t, err)
	require.Len(t, out.Stages[2].ChangeLog, 3)
	assert.Equal(t, "deadline set to not-a-date", out.Stages[2].ChangeLog[0].Description)
	assert.Equal(t, "2025-05-16T09:00:00Z", out.Stages[2].ChangeLog[0].When)

	_, err = workflow.SetStageNote(c, 11, "x", "Jana", now)
	assert.ErrorIs(t, err, workflow.ErrInvalidStageIndex)
}

func TestNoteEditableAfterDone(t *testing.T) {
	c, err := workflow.MarkStageDone(newCase(), 0, date("2025-05-18"), "Jana")
	require.NoError(t, err)
	c, err = workflow.SetStageNote(c, 0, "hotovo", "Jana", date("2025-05-19"))
	require.NoError(t, err)
	assert.True(t, c.Stages[0].Done)
	assert.Equal(t, "hotovo", c.Stages[0].Note)
}

func TestEditStageRecordsSnapshots(t *testing.T) {
	c := newCase()
	deadline := "2025-06-10"
	note := "podklady kompletní"
	out, err := workflow.EditStage(c, 1, workflow.StageEdit{Deadline: &deadline, Note: &note}, "Jana", date("2025-06-01"))
	require.NoError(t, err)
	log := out.Stages[1].ChangeLog
	require.Len(t, log, 1)
	require.NotNil(t, log[0].Before)
	require.NotNil(t, log[0].After)
	assert.Equal(t, "", log[0].Before.Deadline)
	assert.Equal(t, deadline, log[0].After.Deadline)
	assert.Equal(t, note, log[0].After.Note)
	assert.Nil(t, log[0].After.ChangeLog)
}

func TestAttachments(t *testing.T) {
	c := newCase()
	att := domain.Attachment{ID: "a1", Name: "smlouva.pdf", Type: "application/pdf", URL: "file:///a1"}
	out, err := workflow.AddAttachment(c, 0, att, "Jana", date("2025-06-01"))
	require.NoError(t, err)
	require.Len(t, out.Stages[0].Attachments, 1)
	_, err = workflow.AddAttachment(out, 0, att, "Jana", date("2025-06-01"))
	assert.Error(t, err)

	out, removed, err := workflow.RemoveAttachment(out, 0, "a1", "Jana", date("2025-06-02"))
	require.NoError(t, err)
	assert.Equal(t, "smlouva.pdf", removed.Name)
	assert.Empty(t, out.Stages[0].Attachments)
	assert.Len(t, out.Stages[0].ChangeLog, 2)
}

func TestDeriveStageIndex(t *testing.T) {
	stages := workflow.NewStages()
	assert.Equal(t, 0, workflow.DeriveStageIndex(stages))
	stages[0].Done = true
	stages[3].Done = true
	assert.Equal(t, 4, workflow.DeriveStageIndex(stages))
	for i := range stages {
		stages[i].Done = true
	}
	assert.Equal(t, domain.TrackedStages, workflow.DeriveStageIndex(stages))
}

func TestValidate(t *testing.T) {
	c := newCase()
	require.NoError(t, workflow.Validate(c))
	c.CurrentStageIndex = domain.StageCount
	assert.Error(t, workflow.Validate(c))
	c = newCase()
	c.Stages = c.Stages[:3]
	assert.Error(t, workflow.Validate(c))
}
