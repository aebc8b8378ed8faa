package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hypoline/internal/attachments"
	"hypoline/internal/config"
	"hypoline/internal/db"
	"hypoline/internal/domain"
	"hypoline/internal/engine"
	"hypoline/internal/migrate"
	"hypoline/internal/repo"
	"hypoline/internal/store"
)

var asJana = map[string]string{"X-Actor": "Jana"}

type testServer struct {
	URL    string
	Engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	return newTestServerWith(t, AuthConfig{AllowActorHeader: true})
}

func newTestServerWith(t *testing.T, auth AuthConfig) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	blobs, err := attachments.NewFSStore(t.TempDir())
	require.NoError(t, err)
	e := engine.New(conn, config.Default(), blobs, nil)
	e.Now = func() time.Time { return time.Date(2025, 5, 16, 8, 0, 0, 0, time.UTC) }
	require.NoError(t, e.Load(context.Background()))
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: auth})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	return do(t, client, req, headers)
}

func doRaw(t *testing.T, client *http.Client, method, url, contentType string, body []byte, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", contentType)
	return do(t, client, req, headers)
}

func do(t *testing.T, client *http.Client, req *http.Request, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func createCase(t *testing.T, srv *testServer, client string) CaseResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"klient":  client,
		"poradce": "Petr Malý",
		"termin":  "2025-05-20",
	}, asJana)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var created CaseResponse
	require.NoError(t, json.Unmarshal(data, &created))
	return created
}

func apiCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &envelope), string(data))
	return envelope.Error.Code
}

func TestCaseLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	created := createCase(t, srv, "Alena Novotná")
	assert.Equal(t, 1, created.ID)
	assert.Equal(t, "Příprava žádosti", created.WaitingOn)
	assert.Len(t, created.Stages, domain.TrackedStages)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/1/stages/0/done", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var done CaseResponse
	require.NoError(t, json.Unmarshal(data, &done))
	assert.Equal(t, 1, done.CurrentStageIndex)
	assert.Equal(t, "Kompletace podkladů", done.WaitingOn)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/1/stages/5/done", nil, asJana)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "stage_locked", apiCode(t, data))

	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/cases/1/stages/11/note", map[string]any{"poznamka": "x"}, asJana)
	assert.Equal(t, http.StatusUnprocessableEntity, res.StatusCode)
	assert.Equal(t, "invalid_stage_index", apiCode(t, data))

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/42", nil, asJana)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", apiCode(t, data))

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/1/undo", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var undo UndoResponse
	require.NoError(t, json.Unmarshal(data, &undo))
	require.True(t, undo.Changed)
	assert.Equal(t, 0, undo.Case.CurrentStageIndex)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/1/undo", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	undo = UndoResponse{}
	require.NoError(t, json.Unmarshal(data, &undo))
	assert.False(t, undo.Changed)
	assert.Nil(t, undo.Case)

	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/cases/1", nil, asJana)
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases/1", nil, asJana)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestCreateRequiresClient(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/cases", map[string]any{"klient": "   "}, asJana)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestListFiltersAndArchive(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createCase(t, srv, "Alena Novotná")
	createCase(t, srv, "Bohumil Král")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases/2/archive", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	var list []CaseResponse
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Len(t, list, 1)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases?archived=true&q="+url.QueryEscape("KRÁL"), nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Len(t, list, 1)
	assert.Equal(t, "Bohumil Král", list[0].ClientName)
}

func TestUpcomingAndStats(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createCase(t, srv, "Alena Novotná")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/upcoming", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var up []engine.CaseDeadlines
	require.NoError(t, json.Unmarshal(data, &up))
	require.Len(t, up, 1)
	assert.Equal(t, -1, up[0].Deadlines[0].StageIndex)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/stats", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(data, &stats))
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, "-", stats.AvgCompletionDays)
	assert.Nil(t, stats.AverageDays)
}

func TestAuthRequired(t *testing.T) {
	srv, cleanup := newTestServerWith(t, AuthConfig{JWTSecret: "s3cret", DevLogin: true})
	defer cleanup()
	client := srv.Client()

	res, _ := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	assert.Equal(t, http.StatusOK, res.StatusCode)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, asJana)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", apiCode(t, data))

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v0/cases", nil, map[string]string{"Authorization": "Bearer nope"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor": "Eva"}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var login DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &login))

	bearer := map[string]string{"Authorization": "Bearer " + login.Token}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{"klient": "Alena Novotná"}, bearer)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	res, data = doJSON(t, client, http.MethodPut, srv.URL+"/v0/cases/1/stages/0/note", map[string]any{"poznamka": "volat"}, bearer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var c CaseResponse
	require.NoError(t, json.Unmarshal(data, &c))
	require.NotEmpty(t, c.Stages[0].ChangeLog)
	assert.Equal(t, "Eva", c.Stages[0].ChangeLog[0].Who)
}

func TestDevLoginDisabledByDefault(t *testing.T) {
	srv, cleanup := newTestServerWith(t, AuthConfig{JWTSecret: "s3cret"})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor": "Eva"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode, string(data))

	token, err := signToken("s3cret", "Eva", time.Hour, time.Now())
	require.NoError(t, err)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{"actor": "Mallory"}, map[string]string{"Authorization": "Bearer " + token})
	assert.Equal(t, http.StatusNotFound, res.StatusCode, string(data))

	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{"klient": "Alena Novotná"}, nil)
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Empty(t, srv.Engine.Query(context.Background(), store.Filter{}))
}

func TestExportImport(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createCase(t, srv, "Alena Novotná")

	res, csvData := doJSON(t, client, http.MethodGet, srv.URL+"/v0/export?format=csv", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(csvData))
	assert.True(t, strings.HasPrefix(res.Header.Get("Content-Type"), "text/csv"))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "hypoteky-2025-05-16.csv")
	assert.Contains(t, string(csvData), `"Alena Novotná"`)

	res, data := doRaw(t, client, http.MethodPost, srv.URL+"/v0/import?format=csv", "application/octet-stream", csvData, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var imported ImportResponse
	require.NoError(t, json.Unmarshal(data, &imported))
	assert.Equal(t, 1, imported.Count)
	assert.Equal(t, 2, imported.Cases[0].ID)

	res, data = doRaw(t, client, http.MethodPost, srv.URL+"/v0/import?format=json", "application/octet-stream", []byte(`[{"id":`), asJana)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "import_parse_error", apiCode(t, data))
}

func TestAttachmentRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	createCase(t, srv, "Alena Novotná")

	res, data := doRaw(t, client, http.MethodPost, srv.URL+"/v0/cases/1/stages/1/attachments?name=vypis.pdf", "application/octet-stream", []byte("%PDF-1.7"), asJana)
	require.Equal(t, http.StatusCreated, res.StatusCode, string(data))
	var added AttachmentResponse
	require.NoError(t, json.Unmarshal(data, &added))
	require.Len(t, added.Case.Stages[1].Attachments, 1)

	attURL := srv.URL + "/v0/cases/1/stages/1/attachments/" + added.Attachment.ID
	res, data = doJSON(t, client, http.MethodGet, attURL, nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "%PDF-1.7", string(data))
	assert.Contains(t, res.Header.Get("Content-Disposition"), "vypis.pdf")

	res, data = doJSON(t, client, http.MethodDelete, attURL, nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	res, _ = doJSON(t, client, http.MethodGet, attURL, nil, asJana)
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createCase(t, srv, "Alena Novotná")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	body := string(data)
	assert.Contains(t, body, `hypoline_case_mutations_total{op="create"} 1`)
	assert.Contains(t, body, "hypoline_cases 1")
	assert.Contains(t, body, "hypoline_http_requests_total")
}

func TestEventsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	for _, name := range []string{"A", "B", "C"} {
		createCase(t, srv, name)
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2", nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var page paginatedEvents
	require.NoError(t, json.Unmarshal(data, &page))
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/events?limit=2&cursor="+page.NextCursor, nil, asJana)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var rest paginatedEvents
	require.NoError(t, json.Unmarshal(data, &rest))
	require.Len(t, rest.Items, 1)
	assert.Empty(t, rest.NextCursor)
	assert.Equal(t, 1, rest.Items[0].CaseID)
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	createCase(t, srv, "Before hook")

	var (
		mu       sync.Mutex
		received []webhookEvent
		secrets  []string
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		secrets = append(secrets, r.Header.Get("X-Hypoline-Secret"))
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hookSrv.Close()

	e := srv.Engine
	e.Config.Webhooks = []config.WebhookConfig{{URL: hookSrv.URL, Events: []string{"stage.done"}, Secret: "abc"}}
	d := newWebhookDispatcher(e, e.Logger)
	ctx := context.Background()
	d.dispatchAll(ctx)

	_, err := e.MarkStageDone(ctx, "Jana", 1, 0)
	require.NoError(t, err)
	_, err = e.SetStageNote(ctx, "Jana", 1, 0, "x")
	require.NoError(t, err)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "stage.done", received[0].Type)
	assert.Equal(t, 1, received[0].CaseID)
	assert.Equal(t, "abc", secrets[0])

	raw, err := repo.KV{Repo: e.Repo}.Get(ctx, cursorKey(0))
	require.NoError(t, err)
	latest, err := e.Repo.LatestEventID(ctx)
	require.NoError(t, err)
	assert.Equal(t, latest, mustParseInt(t, raw))
}

func mustParseInt(t *testing.T, s string) int64 {
	t.Helper()
	v, err := strconv.ParseInt(s, 10, 64)
	require.NoError(t, err)
	return v
}
