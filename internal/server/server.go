package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hypoline/internal/attachments"
	"hypoline/internal/domain"
	"hypoline/internal/engine"
	"hypoline/internal/exchange"
	"hypoline/internal/repo"
	"hypoline/internal/store"
	"hypoline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stage_locked"`
	Message string         `json:"message" example:"stage not reached yet: stage 4, current 1"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"line\":3}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the case API, its docs and /metrics.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Auth.Logger == nil {
		cfg.Auth.Logger = cfg.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	requests, err := requestCounter(cfg.Engine.Metrics.Registry)
	if err != nil {
		return nil, err
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return promhttp.InstrumentHandlerCounter(requests, next)
	})
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Handle("/metrics", promhttp.HandlerFor(cfg.Engine.Metrics.Registry, promhttp.HandlerOpts{EnableOpenMetrics: true}))

	hcfg := huma.DefaultConfig("Hypoline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, e)
	registerStages(group, e)
	registerAttachments(group, e)
	registerHistory(group, e)
	registerOverview(group, e)
	registerExchange(group, e)
	registerEvents(group, e)
	if cfg.Auth.devLoginEnabled() {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestCounter registers the HTTP request counter once per registry.
func requestCounter(reg *prometheus.Registry) (*prometheus.CounterVec, error) {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hypoline_http_requests_total",
		Help: "HTTP requests served, by method and status code.",
	}, []string{"code", "method"})
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var pe *exchange.ImportParseError
	if errors.As(err, &pe) {
		details := map[string]any{"format": pe.Format}
		if pe.Line > 0 {
			details["line"] = pe.Line
		}
		return newAPIError(http.StatusBadRequest, "import_parse_error", err.Error(), details)
	}
	msg := err.Error()
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, repo.ErrNotFound), errors.Is(err, attachments.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, workflow.ErrInvalidStageIndex):
		return newAPIError(http.StatusUnprocessableEntity, "invalid_stage_index", msg, nil)
	case errors.Is(err, workflow.ErrStageLocked):
		return newAPIError(http.StatusUnprocessableEntity, "stage_locked", msg, nil)
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, engine.ErrUnknownFormat):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case errors.Is(err, engine.ErrNoBlobStore):
		return newAPIError(http.StatusServiceUnavailable, "attachments_unavailable", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["actorHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Actor",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"actorHeader": {}},
	}
	oas.Security = security
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="cs">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Hypoline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Actor.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

type caseOutput struct {
	Body CaseResponse `json:"body"`
}

type casePath struct {
	ID int `path:"id"`
}

type StagePath struct {
	ID    int `path:"id"`
	Stage int `path:"stage" doc:"Index into the tracked stages, 0 is the first stage after bank selection"`
}

// filterQuery mirrors store.Filter.
type filterQuery struct {
	Advisor      string `query:"advisor"`
	Stage        string `query:"stage" doc:"Label of the stage the case waits on"`
	Bank         string `query:"bank"`
	ProposalDate string `query:"proposal_date" example:"2025-05-20"`
	Text         string `query:"q"`
	Archived     bool   `query:"archived" doc:"Include archived cases"`
}

func (q filterQuery) filter() store.Filter {
	return store.Filter{
		Advisor:      q.Advisor,
		ShowArchived: q.Archived,
		Stage:        q.Stage,
		Bank:         q.Bank,
		ProposalDate: q.ProposalDate,
		Text:         q.Text,
	}
}

var caseErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

func registerCases(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, input *filterQuery) (*struct {
		Body []CaseResponse `json:"body"`
	}, error) {
		return &struct {
			Body []CaseResponse `json:"body"`
		}{Body: mapCases(e.Query(ctx, input.filter()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors:        caseErrors,
	}, func(ctx context.Context, input *struct {
		Body CaseRequest `json:"body"`
	}) (*caseOutput, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, actor, input.Body.init())
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *casePath) (*caseOutput, error) {
		c, err := e.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-case",
		Method:      http.MethodPut,
		Path:        "/cases/{id}",
		Summary:     "Edit case form",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		ID   int         `path:"id"`
		Body CaseRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.EditCase(ctx, actor, input.ID, input.Body.init())
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-case",
		Method:        http.MethodDelete,
		Path:          "/cases/{id}",
		Summary:       "Delete case",
		DefaultStatus: http.StatusNoContent,
		Errors:        caseErrors,
	}, func(ctx context.Context, input *casePath) (*struct{}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Delete(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	for _, archived := range []bool{true, false} {
		archived := archived
		name := "archive"
		if !archived {
			name = "unarchive"
		}
		huma.Register(api, huma.Operation{
			OperationID: name + "-case",
			Method:      http.MethodPost,
			Path:        "/cases/{id}/" + name,
			Summary:     strings.ToUpper(name[:1]) + name[1:] + " case",
			Errors:      caseErrors,
		}, func(ctx context.Context, input *casePath) (*caseOutput, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			op := e.Archive
			if !archived {
				op = e.Unarchive
			}
			c, err := op(ctx, actor, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			return &caseOutput{Body: caseResponse(c)}, nil
		})
	}
}

func registerStages(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "complete-stage",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/stages/{stage}/done",
		Summary:     "Mark stage done",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *StagePath) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.MarkStageDone(ctx, actor, input.ID, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-deadline",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/stages/{stage}/deadline",
		Summary:     "Set stage deadline",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		StagePath
		Body DeadlineRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetStageDeadline(ctx, actor, input.ID, input.Stage, input.Body.Deadline)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-note",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/stages/{stage}/note",
		Summary:     "Set stage note",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		StagePath
		Body NoteRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetStageNote(ctx, actor, input.ID, input.Stage, input.Body.Note)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-stage-reminder",
		Method:      http.MethodPut,
		Path:        "/cases/{id}/stages/{stage}/reminder",
		Summary:     "Set stage reminder",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		StagePath
		Body ReminderRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetStageReminder(ctx, actor, input.ID, input.Stage, input.Body.OffsetDays, input.Body.Date)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "edit-stage",
		Method:      http.MethodPatch,
		Path:        "/cases/{id}/stages/{stage}",
		Summary:     "Edit stage",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		StagePath
		Body StageEditRequest `json:"body"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.EditStage(ctx, actor, input.ID, input.Stage, input.Body.edit())
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})
}

func registerAttachments(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-attachment",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/stages/{stage}/attachments",
		Summary:       "Upload stage attachment",
		DefaultStatus: http.StatusCreated,
		Errors:        append(caseErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		StagePath
		Name        string `query:"name" required:"true"`
		ContentType string `header:"Content-Type"`
		RawBody     []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body AttachmentResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, att, err := e.AttachFile(ctx, actor, input.ID, input.Stage, input.Name, input.ContentType, bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AttachmentResponse `json:"body"`
		}{Body: AttachmentResponse{Attachment: att, Case: caseResponse(c)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-attachment",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/stages/{stage}/attachments/{attachment}",
		Summary:     "Download stage attachment",
		Errors:      append(caseErrors, http.StatusServiceUnavailable),
	}, func(ctx context.Context, input *struct {
		StagePath
		Attachment string `path:"attachment"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		att, rc, err := e.OpenAttachment(ctx, input.ID, input.Stage, input.Attachment)
		if err != nil {
			return nil, handleError(err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, handleError(err)
		}
		ct := att.Type
		if ct == "" {
			ct = "application/octet-stream"
		}
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{ContentType: ct, ContentDisposition: fmt.Sprintf("attachment; filename=%q", att.Name), Body: data}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-attachment",
		Method:      http.MethodDelete,
		Path:        "/cases/{id}/stages/{stage}/attachments/{attachment}",
		Summary:     "Remove stage attachment",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		StagePath
		Attachment string `path:"attachment"`
	}) (*caseOutput, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.DetachFile(ctx, actor, input.ID, input.Stage, input.Attachment)
		if err != nil {
			return nil, handleError(err)
		}
		return &caseOutput{Body: caseResponse(c)}, nil
	})
}

func registerHistory(api huma.API, e *engine.Engine) {
	for _, undo := range []bool{true, false} {
		undo := undo
		name := "undo"
		if !undo {
			name = "redo"
		}
		huma.Register(api, huma.Operation{
			OperationID: name + "-case",
			Method:      http.MethodPost,
			Path:        "/cases/{id}/" + name,
			Summary:     strings.ToUpper(name[:1]) + name[1:] + " last change",
			Description: "Responds with changed=false when there is nothing to " + name + ".",
			Errors:      caseErrors,
		}, func(ctx context.Context, input *casePath) (*struct {
			Body UndoResponse `json:"body"`
		}, error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			op := e.Undo
			if !undo {
				op = e.Redo
			}
			c, err := op(ctx, actor, input.ID)
			if err != nil {
				return nil, handleError(err)
			}
			resp := UndoResponse{}
			if c != nil {
				cr := caseResponse(*c)
				resp = UndoResponse{Changed: true, Case: &cr}
			}
			return &struct {
				Body UndoResponse `json:"body"`
			}{Body: resp}, nil
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "case-history",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/history",
		Summary:     "List undoable changes",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *casePath) (*struct {
		Body []domain.UndoRedoEntry `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.UndoRedoEntry `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerOverview(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upcoming-deadlines",
		Method:      http.MethodGet,
		Path:        "/upcoming",
		Summary:     "Deadlines within the horizon",
	}, func(ctx context.Context, input *filterQuery) (*struct {
		Body []engine.CaseDeadlines `json:"body"`
	}, error) {
		return &struct {
			Body []engine.CaseDeadlines `json:"body"`
		}{Body: nonNilSlice(e.Upcoming(ctx, input.filter()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reminders-today",
		Method:      http.MethodGet,
		Path:        "/reminders",
		Summary:     "Reminders firing today",
	}, func(ctx context.Context, input *filterQuery) (*struct {
		Body []engine.CaseReminders `json:"body"`
	}, error) {
		return &struct {
			Body []engine.CaseReminders `json:"body"`
		}{Body: nonNilSlice(e.Reminders(ctx, input.filter()))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Dashboard overview",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatsResponse `json:"body"`
	}, error) {
		resp := StatsResponse{Report: e.Report(ctx)}
		if avg := e.AverageCompletion(ctx); avg.Valid {
			resp.AverageDays = &avg.Days
		}
		return &struct {
			Body StatsResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-advisors",
		Method:      http.MethodGet,
		Path:        "/advisors",
		Summary:     "Known advisors",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(e.Advisors(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-banks",
		Method:      http.MethodGet,
		Path:        "/banks",
		Summary:     "Selectable banks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []string `json:"body"`
	}, error) {
		return &struct {
			Body []string `json:"body"`
		}{Body: nonNilSlice(e.Config.Workflow.Banks)}, nil
	})
}

var contentTypes = map[string]string{
	exchange.FormatJSON: "application/json",
	exchange.FormatCSV:  "text/csv; charset=utf-8",
	exchange.FormatXLSX: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

func registerExchange(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-cases",
		Method:      http.MethodGet,
		Path:        "/export",
		Summary:     "Export cases",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		filterQuery
		Format string `query:"format" enum:"json,csv,xlsx" default:"json"`
	}) (*struct {
		ContentType        string `header:"Content-Type"`
		ContentDisposition string `header:"Content-Disposition"`
		Body               []byte
	}, error) {
		var buf bytes.Buffer
		if err := e.Export(ctx, input.Format, &buf, input.filter()); err != nil {
			return nil, handleError(err)
		}
		name := fmt.Sprintf("hypoteky-%s.%s", e.Today().Format(domain.DateLayout), input.Format)
		return &struct {
			ContentType        string `header:"Content-Type"`
			ContentDisposition string `header:"Content-Disposition"`
			Body               []byte
		}{ContentType: contentTypes[input.Format], ContentDisposition: fmt.Sprintf("attachment; filename=%q", name), Body: buf.Bytes()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-cases",
		Method:      http.MethodPost,
		Path:        "/import",
		Summary:     "Import cases",
		Description: "Cases without an id get fresh ones, cases with a known id are replaced. A parse error imports nothing.",
		Errors:      caseErrors,
	}, func(ctx context.Context, input *struct {
		Format  string `query:"format" enum:"json,csv,xlsx" default:"json"`
		RawBody []byte `contentType:"application/octet-stream"`
	}) (*struct {
		Body ImportResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		merged, err := e.Import(ctx, actor, input.Format, bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ImportResponse `json:"body"`
		}{Body: ImportResponse{Count: len(merged), Cases: mapCases(merged)}}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		CaseID int    `query:"case_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if e.DB == nil {
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: paginatedEvents{Items: []domain.Event{}}}, nil
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{Type: input.Type, CaseID: input.CaseID, Before: cursorID, Limit: limit + 1})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.Actor)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor is required", nil)
		}
		token, err := signToken(authCfg.JWTSecret, actor, 12*time.Hour, time.Now())
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
