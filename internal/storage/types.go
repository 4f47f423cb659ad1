// Package storage persists notification settings, leads, deals, assignees
// and their reminders in SQLite or PostgreSQL.
package storage

import (
	"context"
	"errors"
	"time"

	"crmnotify/internal/crm"
)

var ErrNotFound = errors.New("not found")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL through the pgx driver; DSN is required
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the dispatcher and the HTTP API.
type Store interface {
	// EnsureSettings creates the settings row with defaults if it is missing.
	EnsureSettings(ctx context.Context) error
	GetSettings(ctx context.Context) (crm.NotificationSettings, error)
	UpdateSettings(ctx context.Context, p crm.SettingsPatch) (crm.NotificationSettings, error)

	// ListPendingReminders returns incomplete reminders due at or after since,
	// ordered by due time.
	ListPendingReminders(ctx context.Context, kind crm.Kind, since time.Time) ([]crm.Reminder, error)
	// MarkNotified sets one level flag with a single atomic update.
	MarkNotified(ctx context.Context, kind crm.Kind, id string, level crm.Level) error

	CreateReminder(ctx context.Context, r crm.Reminder) (crm.Reminder, error)
	GetReminder(ctx context.Context, kind crm.Kind, id string) (crm.Reminder, error)
	// CompleteReminder marks the reminder done. For a recurring deal reminder
	// it returns the next occurrence it created.
	CompleteReminder(ctx context.Context, kind crm.Kind, id string) (*crm.Reminder, error)
	DeleteReminder(ctx context.Context, kind crm.Kind, id string) error
	ListReminders(ctx context.Context, kind crm.Kind, subjectID string) ([]crm.Reminder, error)

	CreateLead(ctx context.Context, l crm.Lead) (crm.Lead, error)
	CreateDeal(ctx context.Context, d crm.Deal) (crm.Deal, error)
	UpsertAssignee(ctx context.Context, a crm.Assignee) (crm.Assignee, error)
	GetAssignee(ctx context.Context, id string) (crm.Assignee, error)

	Close() error
}
