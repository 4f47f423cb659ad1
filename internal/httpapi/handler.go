// Package httpapi exposes the dispatch trigger, notification settings,
// reminder CRUD, health and metrics over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"crmnotify/internal/crm"
	"crmnotify/internal/dispatch"
	"crmnotify/internal/notify"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
)

// Dispatcher is what the trigger and test endpoints need.
type Dispatcher interface {
	ProcessPending(ctx context.Context) (dispatch.Result, error)
	Snapshot(ctx context.Context) (dispatch.Snapshot, error)
	TestChannel(ctx context.Context, ch crm.Channel, assigneeID string) (dispatch.ChannelResult, error)
}

type Options struct {
	Store      storage.Store
	Dispatcher Dispatcher
	// CronSecret returns the bearer secret for the trigger; empty leaves it open.
	CronSecret func() string
	// WebhookOverride returns the process-level webhook URL; non-empty locks
	// the field in the settings API.
	WebhookOverride func() string
	// Health returns extra runtime state for /healthz.
	Health func() any
	Now    func() time.Time
}

type Handler struct {
	store      storage.Store
	dispatcher Dispatcher
	secret     func() string
	override   func() string
	health     func() any
	now        func() time.Time
	log        logx.Logger
}

func NewHandler(opts Options, log logx.Logger) *Handler {
	h := &Handler{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		secret:     opts.CronSecret,
		override:   opts.WebhookOverride,
		health:     opts.Health,
		now:        opts.Now,
		log:        log.With(logx.String("comp", "httpapi")),
	}
	if h.secret == nil {
		h.secret = func() string { return "" }
	}
	if h.override == nil {
		h.override = func() string { return "" }
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// authorized checks "Authorization: Bearer <secret>" when a secret is set.
func (h *Handler) authorized(r *http.Request) bool {
	secret := strings.TrimSpace(h.secret())
	if secret == "" {
		return true
	}
	const prefix = "Bearer "
	got := r.Header.Get("Authorization")
	if !strings.HasPrefix(got, prefix) {
		return false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(got, prefix))
	return subtle.ConstantTimeCompare([]byte(tok), []byte(secret)) == 1
}

type triggerResponse struct {
	Success   bool                   `json:"success"`
	Processed int                    `json:"processed"`
	Results   []dispatch.EventResult `json:"results"`
	Message   string                 `json:"message,omitempty"`
	Skipped   bool                   `json:"skipped,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type debugResponse struct {
	Debug    bool              `json:"debug"`
	Snapshot dispatch.Snapshot `json:"snapshot"`
}

func (h *Handler) trigger(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, http.StatusUnauthorized, "unauthorized", nil)
		return
	}

	if isTrue(r.URL.Query().Get("debug")) {
		snap, err := h.dispatcher.Snapshot(r.Context())
		if err != nil {
			h.log.Error("debug snapshot failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "failed to load debug snapshot", err)
			return
		}
		writeJSON(w, http.StatusOK, debugResponse{Debug: true, Snapshot: snap})
		return
	}

	res, err := h.dispatcher.ProcessPending(r.Context())
	if err != nil {
		h.log.Error("notification run failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "failed to process notifications", err)
		return
	}
	writeJSON(w, http.StatusOK, triggerResponse{
		Success:   true,
		Processed: res.Processed,
		Results:   res.Results,
		Message:   res.Message,
		Skipped:   res.Skipped,
		Timestamp: h.now().UTC(),
	})
}

func isTrue(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes":
		return true
	}
	return false
}

type settingsResponse struct {
	crm.NotificationSettings
	WebhookURLLocked bool `json:"webhookUrlLocked"`
}

// settingsView never returns credentials in clear; see unchangedSecret.
func (h *Handler) settingsView(s crm.NotificationSettings) settingsResponse {
	if ov := strings.TrimSpace(h.override()); ov != "" {
		s.WebhookURL = ov
		return settingsResponse{NotificationSettings: s.Redacted(), WebhookURLLocked: true}
	}
	return settingsResponse{NotificationSettings: s.Redacted()}
}

// unchangedSecret reports whether a patched credential is the masked form of
// the current one, as a client echoing a GET response would send it.
func unchangedSecret(v *string, current string) bool {
	return v != nil && current != "" && strings.TrimSpace(*v) == crm.Mask(current)
}

// loadSettings reads the singleton, creating it with defaults on first use.
func (h *Handler) loadSettings(ctx context.Context) (crm.NotificationSettings, error) {
	s, err := h.store.GetSettings(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		if err := h.store.EnsureSettings(ctx); err != nil {
			return crm.NotificationSettings{}, err
		}
		return h.store.GetSettings(ctx)
	}
	return s, err
}

func (h *Handler) getSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.loadSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load settings", err)
		return
	}
	writeJSON(w, http.StatusOK, h.settingsView(s))
}

func (h *Handler) updateSettings(w http.ResponseWriter, r *http.Request) {
	var p crm.SettingsPatch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return
	}

	if p.BotToken != nil || p.WebhookURL != nil {
		cur, err := h.loadSettings(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to load settings", err)
			return
		}
		if unchangedSecret(p.BotToken, cur.BotToken) {
			p.BotToken = nil
		}
		if unchangedSecret(p.WebhookURL, cur.WebhookURL) {
			p.WebhookURL = nil
		}
	}

	if p.WebhookURL != nil {
		u := strings.TrimSpace(*p.WebhookURL)
		if ov := strings.TrimSpace(h.override()); ov != "" {
			if u != ov && u != crm.Mask(ov) {
				writeError(w, http.StatusConflict, "webhook URL is set by the server environment and cannot be changed", nil)
				return
			}
			p.WebhookURL = nil
		} else if u != "" {
			if err := notify.ValidateWebhookURL(u); err != nil {
				writeError(w, http.StatusBadRequest, "invalid webhookUrl", err)
				return
			}
		}
	}

	s, err := h.store.UpdateSettings(r.Context(), p)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to update settings", err)
		return
	}
	h.log.Info("notification settings updated",
		logx.Any("channels", s.EnabledChannels()),
		logx.String("levels", s.EnabledLevels().String()),
	)
	writeJSON(w, http.StatusOK, h.settingsView(s))
}

type testRequest struct {
	Channel    string `json:"channel"`
	AssigneeID string `json:"assigneeId,omitempty"`
}

func (h *Handler) testChannel(w http.ResponseWriter, r *http.Request) {
	var req testRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request", err)
		return
	}
	ch, ok := crm.ParseChannel(req.Channel)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown channel", errors.New("channel must be email, telegram or webhook"))
		return
	}
	cr, err := h.dispatcher.TestChannel(r.Context(), ch, strings.TrimSpace(req.AssigneeID))
	if err != nil {
		writeStoreError(w, "failed to send test notification", err)
		return
	}
	writeJSON(w, http.StatusOK, cr)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{"status": "ok", "time": h.now().UTC()}
	if h.health != nil {
		body["runtime"] = h.health()
	}
	writeJSON(w, http.StatusOK, body)
}
