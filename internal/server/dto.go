package server

import (
	"hypoline/internal/domain"
	"hypoline/internal/workflow"
)

// Request payloads

// CaseRequest is the case form. Stage progress is edited per stage.
type CaseRequest struct {
	Client       string `json:"klient" minLength:"1"`
	Advisor      string `json:"poradce,omitempty"`
	What         string `json:"co,omitempty"`
	Amount       string `json:"castka,omitempty"`
	Description  string `json:"popis,omitempty"`
	ProposalDate string `json:"termin,omitempty" example:"2025-05-20"`
	InterestRate string `json:"urok,omitempty"`
	Bank         string `json:"banka,omitempty"`
	Note         string `json:"poznamka,omitempty"`
}

func (r CaseRequest) init() domain.CaseInit {
	return domain.CaseInit{
		ClientName:  r.Client,
		AdvisorName: r.Advisor,
		Intake:      domain.Intake{What: r.What, Amount: r.Amount, Description: r.Description},
		Proposal:    domain.Proposal{Date: r.ProposalDate, InterestRate: r.InterestRate},
		Bank:        domain.BankChoice{Name: r.Bank},
		Note:        r.Note,
	}
}

type DeadlineRequest struct {
	Deadline string `json:"termin" example:"2025-05-20" doc:"Empty clears the deadline"`
}

type NoteRequest struct {
	Note string `json:"poznamka"`
}

type ReminderRequest struct {
	OffsetDays *int   `json:"pripomenoutZa,omitempty" minimum:"0"`
	Date       string `json:"pripomenoutDatum,omitempty" example:"2025-05-18"`
}

// StageEditRequest is the stage dialog. Absent fields are left unchanged.
type StageEditRequest struct {
	Deadline    *string `json:"termin,omitempty"`
	Note        *string `json:"poznamka,omitempty"`
	OffsetDays  *int    `json:"pripomenoutZa,omitempty" minimum:"0"`
	Date        *string `json:"pripomenoutDatum,omitempty"`
	ClearOffset bool    `json:"zrusitPripomenutiZa,omitempty"`
}

func (r StageEditRequest) edit() workflow.StageEdit {
	return workflow.StageEdit{
		Deadline:           r.Deadline,
		Note:               r.Note,
		ReminderOffsetDays: r.OffsetDays,
		ReminderDate:       r.Date,
		ClearOffset:        r.ClearOffset,
	}
}

type DevLoginRequest struct {
	Actor string `json:"actor" minLength:"1"`
}

// Response payloads

type CaseResponse struct {
	domain.Case
	// WaitingOn names the stage the case currently waits on.
	WaitingOn string `json:"cekaNa"`
	Complete  bool   `json:"dokonceno"`
}

func caseResponse(c domain.Case) CaseResponse {
	return CaseResponse{Case: c, WaitingOn: workflow.CurrentStageLabel(c), Complete: workflow.IsComplete(c)}
}

func mapCases(items []domain.Case) []CaseResponse {
	res := make([]CaseResponse, 0, len(items))
	for _, c := range items {
		res = append(res, caseResponse(c))
	}
	return res
}

type UndoResponse struct {
	Changed bool          `json:"changed"`
	Case    *CaseResponse `json:"case,omitempty"`
}

type AttachmentResponse struct {
	Attachment domain.Attachment `json:"attachment"`
	Case       CaseResponse      `json:"case"`
}

type ImportResponse struct {
	Count int            `json:"count"`
	Cases []CaseResponse `json:"cases"`
}

type StatsResponse struct {
	workflow.Report
	AverageDays *int `json:"average_days,omitempty"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
