package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"crmnotify/internal/crm"

	"github.com/google/uuid"
)

func (s *SQLStore) CreateLead(ctx context.Context, l crm.Lead) (crm.Lead, error) {
	id, created, err := s.insertSubject(ctx, "leads", l.ID, l.Name, l.AssigneeID)
	if err != nil {
		return crm.Lead{}, err
	}
	l.ID, l.CreatedAt = id, created
	return l, nil
}

func (s *SQLStore) CreateDeal(ctx context.Context, d crm.Deal) (crm.Deal, error) {
	id, created, err := s.insertSubject(ctx, "deals", d.ID, d.Name, d.AssigneeID)
	if err != nil {
		return crm.Deal{}, err
	}
	d.ID, d.CreatedAt = id, created
	return d, nil
}

func (s *SQLStore) insertSubject(ctx context.Context, table, id, name, assigneeID string) (string, time.Time, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", time.Time{}, errors.New("name is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now().UTC().Truncate(time.Millisecond)
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO `+table+`(id, name, assignee_id, created_at) VALUES(?,?,?,?)`),
		id, name, nullStr(assigneeID), now.UnixMilli(),
	)
	if err != nil {
		return "", time.Time{}, err
	}
	return id, now, nil
}

func (s *SQLStore) UpsertAssignee(ctx context.Context, a crm.Assignee) (crm.Assignee, error) {
	if strings.TrimSpace(a.Name) == "" {
		return crm.Assignee{}, errors.New("assignee name is required")
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	var notify any
	if a.NotifyOnReminder != nil {
		notify = b2i(*a.NotifyOnReminder)
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO assignees(id, name, email, notify_on_reminder, timezone, telegram_chat_id, mention_id, updated_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   email = excluded.email,
		   notify_on_reminder = excluded.notify_on_reminder,
		   timezone = excluded.timezone,
		   telegram_chat_id = excluded.telegram_chat_id,
		   mention_id = excluded.mention_id,
		   updated_at = excluded.updated_at`),
		a.ID, a.Name, nullStr(a.Email), notify, nullStr(a.Timezone), nullStr(a.TelegramChatID), nullStr(a.MentionID), s.now().UnixMilli(),
	)
	if err != nil {
		return crm.Assignee{}, err
	}
	return a, nil
}

func (s *SQLStore) GetAssignee(ctx context.Context, id string) (crm.Assignee, error) {
	var (
		a                        crm.Assignee
		email, tz, chat, mention sql.NullString
		notify                   sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, name, email, notify_on_reminder, timezone, telegram_chat_id, mention_id FROM assignees WHERE id = ?`),
		id,
	).Scan(&a.ID, &a.Name, &email, &notify, &tz, &chat, &mention)
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Assignee{}, ErrNotFound
	}
	if err != nil {
		return crm.Assignee{}, err
	}
	a.Email, a.Timezone, a.TelegramChatID, a.MentionID = email.String, tz.String, chat.String, mention.String
	if notify.Valid {
		v := notify.Int64 != 0
		a.NotifyOnReminder = &v
	}
	return a, nil
}
