package hypolinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal Hypoline HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	// Actor is sent as X-Actor when no token is set; servers only honor it when
	// started with the actor header allowed.
	Actor      string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults. baseURL includes the API base path,
// for example http://127.0.0.1:8080/v0.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Stage represents one workflow stage of a case (partial).
type Stage struct {
	Label       string `json:"nazev"`
	Deadline    string `json:"termin,omitempty"`
	Done        bool   `json:"splneno"`
	Note        string `json:"poznamka,omitempty"`
	CompletedAt string `json:"splnenoAt,omitempty"`
}

// Case represents the API case model (partial).
type Case struct {
	ID        int     `json:"id"`
	Client    string  `json:"klient"`
	Advisor   string  `json:"poradce"`
	Stages    []Stage `json:"kroky"`
	Note      string  `json:"poznamka,omitempty"`
	Archived  bool    `json:"archivovano"`
	WaitingOn string  `json:"cekaNa"`
	Complete  bool    `json:"dokonceno"`
}

// CaseInput is the intake form of a new or edited case.
type CaseInput struct {
	Client       string `json:"klient"`
	Advisor      string `json:"poradce,omitempty"`
	What         string `json:"co,omitempty"`
	Amount       string `json:"castka,omitempty"`
	Description  string `json:"popis,omitempty"`
	ProposalDate string `json:"termin,omitempty"`
	InterestRate string `json:"urok,omitempty"`
	Bank         string `json:"banka,omitempty"`
	Note         string `json:"poznamka,omitempty"`
}

// Filter narrows case listings. Zero fields match everything.
type Filter struct {
	Advisor      string
	Stage        string
	Bank         string
	ProposalDate string
	Text         string
	Archived     bool
}

func (f Filter) query() url.Values {
	q := url.Values{}
	set := func(k, v string) {
		if v != "" {
			q.Set(k, v)
		}
	}
	set("advisor", f.Advisor)
	set("stage", f.Stage)
	set("bank", f.Bank)
	set("proposal_date", f.ProposalDate)
	set("q", f.Text)
	if f.Archived {
		q.Set("archived", "true")
	}
	return q
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	CaseID     int    `json:"case_id,omitempty"`
	StageIndex *int   `json:"stage_index,omitempty"`
	Actor      string `json:"actor"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// DevLogin exchanges an actor name for a token and keeps it on the client.
func (c *Client) DevLogin(ctx context.Context, actor string) (string, error) {
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "auth/dev/login", map[string]any{"actor": actor}, &resp); err != nil {
		return "", err
	}
	c.BearerToken = resp.Token
	return resp.Token, nil
}

// ListCases returns the cases matching f.
func (c *Client) ListCases(ctx context.Context, f Filter) ([]Case, error) {
	endpoint := "cases"
	if q := f.query().Encode(); q != "" {
		endpoint += "?" + q
	}
	var resp []Case
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CreateCase creates a case.
func (c *Client) CreateCase(ctx context.Context, in CaseInput) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, "cases", in, &resp)
	return resp, err
}

// GetCase fetches a case by id.
func (c *Client) GetCase(ctx context.Context, id int) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodGet, casePath(id, ""), nil, &resp)
	return resp, err
}

// MarkStageDone completes a stage.
func (c *Client) MarkStageDone(ctx context.Context, id, stage int) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, stagePath(id, stage, "done"), nil, &resp)
	return resp, err
}

// SetStageDeadline sets or, with an empty date, clears a stage deadline.
func (c *Client) SetStageDeadline(ctx context.Context, id, stage int, date string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPut, stagePath(id, stage, "deadline"), map[string]any{"termin": date}, &resp)
	return resp, err
}

// SetStageNote sets a stage note.
func (c *Client) SetStageNote(ctx context.Context, id, stage int, note string) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPut, stagePath(id, stage, "note"), map[string]any{"poznamka": note}, &resp)
	return resp, err
}

// Archive moves a case out of the active list.
func (c *Client) Archive(ctx context.Context, id int) (Case, error) {
	var resp Case
	err := c.do(ctx, http.MethodPost, casePath(id, "archive"), nil, &resp)
	return resp, err
}

// Undo reverts the last change of a case. The returned case is nil when there
// was nothing to undo.
func (c *Client) Undo(ctx context.Context, id int) (*Case, error) {
	return c.travel(ctx, id, "undo")
}

// Redo reapplies the last undone change of a case.
func (c *Client) Redo(ctx context.Context, id int) (*Case, error) {
	return c.travel(ctx, id, "redo")
}

func (c *Client) travel(ctx context.Context, id int, op string) (*Case, error) {
	var resp struct {
		Changed bool  `json:"changed"`
		Case    *Case `json:"case"`
	}
	if err := c.do(ctx, http.MethodPost, casePath(id, op), nil, &resp); err != nil {
		return nil, err
	}
	if !resp.Changed {
		return nil, nil
	}
	return resp.Case, nil
}

// Export downloads all active cases in the given format (json, csv or xlsx).
func (c *Client) Export(ctx context.Context, format string) ([]byte, error) {
	var buf bytes.Buffer
	err := c.do(ctx, http.MethodGet, "export?format="+url.QueryEscape(format), nil, &buf)
	return buf.Bytes(), err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing, newest first.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.Actor != "":
		req.Header.Set("X-Actor", c.Actor)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	switch out := out.(type) {
	case nil:
		return nil
	case io.Writer:
		_, err := io.Copy(out, resp.Body)
		return err
	default:
		return json.NewDecoder(resp.Body).Decode(out)
	}
}

func casePath(id int, op string) string {
	p := fmt.Sprintf("cases/%d", id)
	if op != "" {
		p += "/" + op
	}
	return p
}

func stagePath(id, stage int, op string) string {
	return fmt.Sprintf("cases/%d/stages/%d/%s", id, stage, op)
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
