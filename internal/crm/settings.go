package crm

import "strings"

// Channel is one notification transport.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelTelegram Channel = "telegram"
	ChannelWebhook  Channel = "webhook"
)

// Channels lists every transport in delivery order.
func Channels() []Channel { return []Channel{ChannelEmail, ChannelTelegram, ChannelWebhook} }

func ParseChannel(s string) (Channel, bool) {
	switch Channel(strings.ToLower(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, true
	case ChannelTelegram, "bot":
		return ChannelTelegram, true
	case ChannelWebhook, "slack":
		return ChannelWebhook, true
	}
	return "", false
}

// NotificationSettings is the process-wide notification configuration.
// It is stored as a single row and edited through SettingsPatch.
type NotificationSettings struct {
	EmailEnabled    bool `json:"emailEnabled"`
	TelegramEnabled bool `json:"telegramEnabled"`
	WebhookEnabled  bool `json:"webhookEnabled"`

	EmailAddress   string `json:"emailAddress,omitempty"`
	BotToken       string `json:"botToken,omitempty"`
	BotChatID      string `json:"botChatId,omitempty"`
	WebhookURL     string `json:"webhookUrl,omitempty"`
	WebhookChannel string `json:"webhookChannel,omitempty"`

	Notify1Day  bool `json:"notify1Day"`
	Notify1Hour bool `json:"notify1Hour"`
	Notify30Min bool `json:"notify30Min"`
	Notify15Min bool `json:"notify15Min"`
}

// DefaultSettings is what a fresh install starts with: every channel off,
// only the 30 minute level on.
func DefaultSettings() NotificationSettings {
	return NotificationSettings{Notify30Min: true}
}

// EnabledLevels folds the four level flags into a set.
func (s NotificationSettings) EnabledLevels() LevelSet {
	var set LevelSet
	if s.Notify1Day {
		set = set.With(Level1Day)
	}
	if s.Notify1Hour {
		set = set.With(Level1Hour)
	}
	if s.Notify30Min {
		set = set.With(Level30Min)
	}
	if s.Notify15Min {
		set = set.With(Level15Min)
	}
	return set
}

// ChannelEnabled reports the gate flag of a channel.
func (s NotificationSettings) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return s.EmailEnabled
	case ChannelTelegram:
		return s.TelegramEnabled
	case ChannelWebhook:
		return s.WebhookEnabled
	}
	return false
}

// EnabledChannels lists the gated-on channels in delivery order.
func (s NotificationSettings) EnabledChannels() []Channel {
	out := make([]Channel, 0, 3)
	for _, ch := range Channels() {
		if s.ChannelEnabled(ch) {
			out = append(out, ch)
		}
	}
	return out
}

// Redacted masks credentials for debug output.
func (s NotificationSettings) Redacted() NotificationSettings {
	out := s
	if out.BotToken != "" {
		out.BotToken = Mask(out.BotToken)
	}
	if out.WebhookURL != "" {
		out.WebhookURL = Mask(out.WebhookURL)
	}
	return out
}

// Mask hides all but the edges of a credential. Short values are fully hidden.
func Mask(v string) string {
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "****" + v[len(v)-2:]
}

// SettingsPatch is a partial update; nil fields are left unchanged.
type SettingsPatch struct {
	EmailEnabled    *bool `json:"emailEnabled,omitempty"`
	TelegramEnabled *bool `json:"telegramEnabled,omitempty"`
	WebhookEnabled  *bool `json:"webhookEnabled,omitempty"`

	EmailAddress   *string `json:"emailAddress,omitempty"`
	BotToken       *string `json:"botToken,omitempty"`
	BotChatID      *string `json:"botChatId,omitempty"`
	WebhookURL     *string `json:"webhookUrl,omitempty"`
	WebhookChannel *string `json:"webhookChannel,omitempty"`

	Notify1Day  *bool `json:"notify1Day,omitempty"`
	Notify1Hour *bool `json:"notify1Hour,omitempty"`
	Notify30Min *bool `json:"notify30Min,omitempty"`
	Notify15Min *bool `json:"notify15Min,omitempty"`
}

func (p SettingsPatch) Apply(s NotificationSettings) NotificationSettings {
	setBool(&s.EmailEnabled, p.EmailEnabled)
	setBool(&s.TelegramEnabled, p.TelegramEnabled)
	setBool(&s.WebhookEnabled, p.WebhookEnabled)
	setStr(&s.EmailAddress, p.EmailAddress)
	setStr(&s.BotToken, p.BotToken)
	setStr(&s.BotChatID, p.BotChatID)
	setStr(&s.WebhookURL, p.WebhookURL)
	setStr(&s.WebhookChannel, p.WebhookChannel)
	setBool(&s.Notify1Day, p.Notify1Day)
	setBool(&s.Notify1Hour, p.Notify1Hour)
	setBool(&s.Notify30Min, p.Notify30Min)
	setBool(&s.Notify15Min, p.Notify15Min)
	return s
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setStr(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
