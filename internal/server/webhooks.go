package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"hypoline/internal/config"
	"hypoline/internal/domain"
	"hypoline/internal/engine"
	"hypoline/internal/repo"
)

const (
	defaultWebhookInterval = 2 * time.Second
	defaultWebhookTimeout  = 5 * time.Second
	defaultWebhookBatch    = 100
	reminderSweepInterval  = time.Minute
)

// webhookDispatcher forwards events to the configured hooks. Each hook keeps its own
// cursor in the kv table so deliveries resume after a restart.
type webhookDispatcher struct {
	engine   *engine.Engine
	kv       repo.KV
	webhooks []config.WebhookConfig
	client   *http.Client
	logger   *slog.Logger
}

// StartBackground runs the webhook dispatcher and the daily reminder sweep until
// ctx is done.
func StartBackground(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	if e.Config.Reminders.Sweep {
		go runReminderSweep(ctx, e, logger)
	}
	if e.DB == nil || len(e.Config.Webhooks) == 0 {
		return
	}
	d := newWebhookDispatcher(e, logger)
	go d.run(ctx)
}

func runReminderSweep(ctx context.Context, e *engine.Engine, logger *slog.Logger) {
	ticker := time.NewTicker(reminderSweepInterval)
	defer ticker.Stop()
	for {
		if _, err := e.SweepReminders(ctx); err != nil {
			logger.Warn("reminder sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newWebhookDispatcher(e *engine.Engine, logger *slog.Logger) *webhookDispatcher {
	return &webhookDispatcher{
		engine:   e,
		kv:       repo.KV{Repo: e.Repo},
		webhooks: e.Config.Webhooks,
		client:   &http.Client{Timeout: defaultWebhookTimeout},
		logger:   logger,
	}
}

func (d *webhookDispatcher) run(ctx context.Context) {
	ticker := time.NewTicker(defaultWebhookInterval)
	defer ticker.Stop()
	for {
		d.dispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *webhookDispatcher) dispatchAll(ctx context.Context) {
	for i, hook := range d.webhooks {
		if hook.Enabled != nil && !*hook.Enabled {
			continue
		}
		if strings.TrimSpace(hook.URL) == "" {
			continue
		}
		d.dispatchWebhook(ctx, i, hook)
	}
}

func (d *webhookDispatcher) dispatchWebhook(ctx context.Context, idx int, hook config.WebhookConfig) {
	cursor, err := d.cursorFor(ctx, idx)
	if err != nil {
		d.logger.Warn("webhook: init cursor failed", "url", hook.URL, "err", err)
		return
	}
	events, err := d.engine.Repo.EventsAfter(ctx, defaultWebhookBatch, cursor)
	if err != nil {
		d.logger.Warn("webhook: fetch events failed", "err", err)
		return
	}
	if len(events) == 0 {
		return
	}
	filter := newEventFilter(hook.Events)
	last := cursor
	defer func() {
		if last != cursor {
			if err := d.setCursor(ctx, idx, last); err != nil {
				d.logger.Warn("webhook: save cursor failed", "url", hook.URL, "err", err)
			}
		}
	}()
	for _, evt := range events {
		if !filter.match(evt.Type) {
			last = evt.ID
			continue
		}
		if err := d.postEvent(ctx, hook, evt); err != nil {
			d.logger.Warn("webhook: delivery failed", "url", hook.URL, "event", evt.ID, "err", err)
			return
		}
		last = evt.ID
	}
}

func cursorKey(idx int) string { return fmt.Sprintf("webhook-cursor-%d", idx) }

// cursorFor starts a hook without a stored cursor at the latest event, so only
// new events are delivered.
func (d *webhookDispatcher) cursorFor(ctx context.Context, idx int) (int64, error) {
	raw, err := d.kv.Get(ctx, cursorKey(idx))
	if err != nil {
		return 0, err
	}
	if raw != "" {
		return strconv.ParseInt(raw, 10, 64)
	}
	cur, err := d.engine.Repo.LatestEventID(ctx)
	if err != nil {
		return 0, err
	}
	return cur, d.setCursor(ctx, idx, cur)
}

func (d *webhookDispatcher) setCursor(ctx context.Context, idx int, value int64) error {
	return d.kv.Put(ctx, cursorKey(idx), strconv.FormatInt(value, 10))
}

type webhookEvent struct {
	ID         int64           `json:"id"`
	Type       string          `json:"type"`
	Office     string          `json:"office,omitempty"`
	CaseID     int             `json:"case_id,omitempty"`
	StageIndex *int            `json:"stage_index,omitempty"`
	Actor      string          `json:"actor"`
	TS         string          `json:"ts"`
	Payload    json.RawMessage `json:"payload"`
	PayloadRaw string          `json:"payload_raw,omitempty"`
}

func (d *webhookDispatcher) postEvent(ctx context.Context, hook config.WebhookConfig, evt domain.Event) error {
	payload := json.RawMessage([]byte("{}"))
	var raw string
	if evt.Payload != "" {
		if json.Valid([]byte(evt.Payload)) {
			payload = json.RawMessage([]byte(evt.Payload))
		} else {
			raw = evt.Payload
		}
	}
	body := webhookEvent{
		ID:         evt.ID,
		Type:       evt.Type,
		Office:     d.engine.Config.Office.Name,
		CaseID:     evt.CaseID,
		StageIndex: evt.StageIdx,
		Actor:      evt.Actor,
		TS:         evt.TS,
		Payload:    payload,
		PayloadRaw: raw,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	timeout := defaultWebhookTimeout
	if hook.TimeoutSeconds > 0 {
		timeout = time.Duration(hook.TimeoutSeconds) * time.Second
	}
	client := d.client
	if timeout != d.client.Timeout {
		client = &http.Client{Timeout: timeout}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Hypoline-Event", evt.Type)
	req.Header.Set("X-Hypoline-Delivery", strconv.FormatInt(evt.ID, 10))
	if strings.TrimSpace(hook.Secret) != "" {
		req.Header.Set("X-Hypoline-Secret", hook.Secret)
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	if len(events) == 0 {
		return eventFilter{all: true}
	}
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		key := strings.TrimSpace(evt)
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
