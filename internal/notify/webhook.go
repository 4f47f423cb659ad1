package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crmnotify/internal/crm"
	logx "crmnotify/pkg/logx"
)

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBody          = 512
	userAgent             = "crmnotify/1"
)

type webhookPayload struct {
	Text    string `json:"text"`
	Channel string `json:"channel,omitempty"`
}

// WebhookSender posts {text, channel?} to an incoming-webhook URL.
type WebhookSender struct {
	client *http.Client
	log    logx.Logger
}

func NewWebhookSender(client *http.Client, log logx.Logger) *WebhookSender {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSender{client: client, log: log.With(logx.String("comp", "notify.webhook"))}
}

func (w *WebhookSender) Channel() crm.Channel { return crm.ChannelWebhook }

func (w *WebhookSender) Send(ctx context.Context, d Delivery) error {
	if err := ValidateWebhookURL(d.To); err != nil {
		return err
	}
	body, err := json.Marshal(webhookPayload{Text: d.Mention + d.Text, Channel: d.Channel})
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.To, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", redactURLError(err))
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		w.log.Debug("webhook delivered", logx.String("url", RedactURL(d.To)), logx.Int("status", resp.StatusCode))
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// ValidateWebhookURL accepts absolute http(s) URLs with a host.
func ValidateWebhookURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid webhook URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook URL must use http or https scheme, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook URL must include a host")
	}
	return nil
}

// RedactURL hides userinfo, query values and the path, which for chat
// webhooks carries the secret.
func RedactURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "<invalid-url>"
	}
	r := *u
	r.User = nil
	if r.Path != "" && r.Path != "/" {
		r.Path = "/REDACTED"
		r.RawPath = ""
	}
	if r.RawQuery != "" {
		q := r.Query()
		for k := range q {
			q.Set(k, "REDACTED")
		}
		r.RawQuery = q.Encode()
	}
	return r.String()
}

// redactURLError rewrites the URL inside a *url.Error in place so secrets
// in the path do not reach logs or API responses.
func redactURLError(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		ue.URL = RedactURL(ue.URL)
	}
	return err
}
