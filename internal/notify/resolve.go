package notify

import (
	"strings"

	"crmnotify/internal/crm"
)

// ResolveEmail picks the assignee's address, then the settings address.
func ResolveEmail(a *crm.Assignee, s crm.NotificationSettings) (Delivery, error) {
	to := ""
	if a != nil {
		to = strings.TrimSpace(a.Email)
	}
	if to == "" {
		to = strings.TrimSpace(s.EmailAddress)
	}
	if to == "" {
		return Delivery{}, &ConfigError{Channel: crm.ChannelEmail, Missing: "email address"}
	}
	return Delivery{To: to}, nil
}

// ResolveTelegram needs the settings bot token. The chat id comes from the
// assignee override, then the settings default.
func ResolveTelegram(a *crm.Assignee, s crm.NotificationSettings) (Delivery, error) {
	token := strings.TrimSpace(s.BotToken)
	if token == "" {
		return Delivery{}, &ConfigError{Channel: crm.ChannelTelegram, Missing: "bot token"}
	}
	chat := ""
	if a != nil {
		chat = strings.TrimSpace(a.TelegramChatID)
	}
	if chat == "" {
		chat = strings.TrimSpace(s.BotChatID)
	}
	if chat == "" {
		return Delivery{}, &ConfigError{Channel: crm.ChannelTelegram, Missing: "chat id"}
	}
	return Delivery{To: chat, Token: token}, nil
}

// ResolveWebhook prefers envURL (the process-level override) over the
// settings URL. An assignee mention id becomes a "<@ID> " prefix.
func ResolveWebhook(a *crm.Assignee, s crm.NotificationSettings, envURL string) (Delivery, error) {
	u := strings.TrimSpace(envURL)
	if u == "" {
		u = strings.TrimSpace(s.WebhookURL)
	}
	if u == "" {
		return Delivery{}, &ConfigError{Channel: crm.ChannelWebhook, Missing: "webhook url"}
	}
	d := Delivery{To: u, Channel: strings.TrimSpace(s.WebhookChannel)}
	if a != nil && strings.TrimSpace(a.MentionID) != "" {
		d.Mention = "<@" + strings.TrimSpace(a.MentionID) + "> "
	}
	return d, nil
}

// Resolve dispatches to the per-channel resolver.
func Resolve(ch crm.Channel, a *crm.Assignee, s crm.NotificationSettings, envWebhookURL string) (Delivery, error) {
	switch ch {
	case crm.ChannelEmail:
		return ResolveEmail(a, s)
	case crm.ChannelTelegram:
		return ResolveTelegram(a, s)
	case crm.ChannelWebhook:
		return ResolveWebhook(a, s, envWebhookURL)
	}
	return Delivery{}, &ConfigError{Channel: ch, Missing: "sender"}
}
