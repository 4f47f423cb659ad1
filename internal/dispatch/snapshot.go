package dispatch

import (
	"context"
	"fmt"
	"time"

	"crmnotify/internal/crm"
)

// PendingReminder is a reminder as the next run would see it.
type PendingReminder struct {
	crm.Reminder
	Flags     []crm.Level `json:"notifiedLevels"`
	TimeUntil string      `json:"timeUntil"`
	Overdue   bool        `json:"overdue"`
	DueLevels []crm.Level `json:"dueLevels"`
}

// Snapshot is the read-only debug view served by the trigger endpoint.
type Snapshot struct {
	Now             time.Time                `json:"now"`
	Lookback        string                   `json:"lookback"`
	Settings        crm.NotificationSettings `json:"settings"`
	WebhookLocked   bool                     `json:"webhookUrlLocked"`
	EnabledLevels   []crm.Level              `json:"enabledLevels"`
	EnabledChannels []crm.Channel            `json:"enabledChannels"`
	LeadReminders   []PendingReminder        `json:"leadReminders"`
	DealReminders   []PendingReminder        `json:"dealReminders"`
}

// Snapshot reports settings and pending reminders without sending or
// marking anything.
func (d *Dispatcher) Snapshot(ctx context.Context) (Snapshot, error) {
	settings, err := d.store.GetSettings(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load settings: %w", err)
	}
	t := d.Tuning()
	now := d.now()
	enabled := settings.EnabledLevels()
	if t.WebhookURL != "" {
		settings.WebhookURL = t.WebhookURL
	}

	snap := Snapshot{
		Now:             now,
		Lookback:        t.Lookback.String(),
		Settings:        settings.Redacted(),
		WebhookLocked:   t.WebhookURL != "",
		EnabledLevels:   enabled.Levels(),
		EnabledChannels: settings.EnabledChannels(),
	}
	since := now.Add(-t.Lookback)
	for _, kind := range []crm.Kind{crm.KindLead, crm.KindDeal} {
		rs, err := d.store.ListPendingReminders(ctx, kind, since)
		if err != nil {
			return Snapshot{}, fmt.Errorf("list %s reminders: %w", kind, err)
		}
		out := make([]PendingReminder, 0, len(rs))
		for _, r := range rs {
			p := PendingReminder{
				Reminder:  r,
				Flags:     r.Notified.Levels(),
				TimeUntil: TimeUntil(r.DueAt, now),
				Overdue:   !r.DueAt.After(now),
				DueLevels: []crm.Level{},
			}
			if !enabled.Empty() {
				for _, ev := range dueEvents(r, enabled, now) {
					p.DueLevels = append(p.DueLevels, ev.level)
				}
			}
			out = append(out, p)
		}
		if kind == crm.KindLead {
			snap.LeadReminders = out
		} else {
			snap.DealReminders = out
		}
	}
	return snap, nil
}
