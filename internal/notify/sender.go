// Package notify delivers rendered reminder messages over email, the
// Telegram Bot API and team-chat webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"crmnotify/internal/crm"
)

// ErrNotConfigured matches every *ConfigError.
var ErrNotConfigured = errors.New("channel not configured")

// ConfigError reports a missing destination or credential for a channel.
type ConfigError struct {
	Channel crm.Channel
	Missing string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s not configured", e.Channel, e.Missing)
}

func (e *ConfigError) Is(target error) bool { return target == ErrNotConfigured }

// Delivery is one resolved message for one channel.
type Delivery struct {
	// To is the email address, Telegram chat id or webhook URL.
	To string
	// Token is the bot token (telegram only).
	Token string
	// Channel is the webhook channel override.
	Channel string
	// Mention is prepended to webhook text.
	Mention string
	Subject string
	Text    string
}

type Sender interface {
	Channel() crm.Channel
	Send(ctx context.Context, d Delivery) error
}

// Set holds at most one sender per channel.
type Set struct {
	senders map[crm.Channel]Sender
}

func NewSet(senders ...Sender) *Set {
	s := &Set{senders: make(map[crm.Channel]Sender, len(senders))}
	for _, snd := range senders {
		if snd != nil {
			s.senders[snd.Channel()] = snd
		}
	}
	return s
}

func (s *Set) Get(ch crm.Channel) (Sender, bool) {
	if s == nil {
		return nil, false
	}
	snd, ok := s.senders[ch]
	return snd, ok
}

// Instrument wraps a sender so every call is counted and timed.
func Instrument(s Sender) Sender {
	if s == nil {
		return nil
	}
	if _, ok := s.(instrumented); ok {
		return s
	}
	return instrumented{Sender: s}
}

type instrumented struct{ Sender }

func (i instrumented) Send(ctx context.Context, d Delivery) error {
	start := time.Now()
	err := i.Sender.Send(ctx, d)
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		status = "timeout"
	default:
		status = "error"
	}
	ch := string(i.Sender.Channel())
	channelSendTotal.WithLabelValues(ch, status).Inc()
	channelSendDuration.WithLabelValues(ch, status).Observe(time.Since(start).Seconds())
	return err
}
