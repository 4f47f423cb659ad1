package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"crmnotify/internal/crm"
	logx "crmnotify/pkg/logx"

	"github.com/google/uuid"
)

// reminderTable describes the two parallel reminder tables.
type reminderTable struct {
	name     string // reminders | deal_reminders
	subjects string // leads | deals
	fk       string // lead_id | deal_id
	deal     bool
}

var (
	leadReminders = reminderTable{name: "reminders", subjects: "leads", fk: "lead_id"}
	dealReminders = reminderTable{name: "deal_reminders", subjects: "deals", fk: "deal_id", deal: true}
)

func tableFor(kind crm.Kind) (reminderTable, error) {
	switch kind {
	case crm.KindLead:
		return leadReminders, nil
	case crm.KindDeal:
		return dealReminders, nil
	}
	return reminderTable{}, fmt.Errorf("unknown reminder kind %q", kind)
}

// selectSQL joins the subject and the effective assignee: the reminder's own
// assignee wins over the subject's.
func (t reminderTable) selectSQL() string {
	cols := []string{
		"r.id", "r." + t.fk, "s.name", "r.due_at", "COALESCE(r.note, '')",
		"r.completed", "r.notified_levels", "r.created_at",
		"a.id", "a.name", "a.email", "a.notify_on_reminder", "a.timezone", "a.telegram_chat_id", "a.mention_id",
	}
	if t.deal {
		cols = append(cols, "r.type", "r.recurring", "r.frequency")
	}
	return "SELECT " + strings.Join(cols, ", ") +
		" FROM " + t.name + " r" +
		" JOIN " + t.subjects + " s ON s.id = r." + t.fk +
		" LEFT JOIN assignees a ON a.id = COALESCE(r.assignee_id, s.assignee_id)"
}

func scanReminder(t reminderTable, kind crm.Kind, sc rowScanner) (crm.Reminder, error) {
	var (
		r                       crm.Reminder
		dueMS, createdMS        int64
		completed, notified     int64
		aID, aName, aEmail, aTZ sql.NullString
		aChat, aMention         sql.NullString
		aNotify                 sql.NullInt64
		dealType, frequency     sql.NullString
		recurring               sql.NullInt64
	)
	dest := []any{
		&r.ID, &r.SubjectID, &r.SubjectName, &dueMS, &r.Note,
		&completed, &notified, &createdMS,
		&aID, &aName, &aEmail, &aNotify, &aTZ, &aChat, &aMention,
	}
	if t.deal {
		dest = append(dest, &dealType, &recurring, &frequency)
	}
	if err := sc.Scan(dest...); err != nil {
		return crm.Reminder{}, err
	}

	r.Kind = kind
	r.DueAt = msTime(dueMS)
	r.CreatedAt = msTime(createdMS)
	r.Completed = completed != 0
	r.Notified = crm.LevelSet(notified)
	if aID.Valid {
		a := &crm.Assignee{
			ID:             aID.String,
			Name:           aName.String,
			Email:          aEmail.String,
			Timezone:       aTZ.String,
			TelegramChatID: aChat.String,
			MentionID:      aMention.String,
		}
		if aNotify.Valid {
			v := aNotify.Int64 != 0
			a.NotifyOnReminder = &v
		}
		r.Assignee = a
	}
	if t.deal {
		r.DealType = crm.DealType(dealType.String)
		r.Recurring = recurring.Int64 != 0
		r.Frequency = crm.Frequency(frequency.String)
	}
	return r, nil
}

func (s *SQLStore) queryReminders(ctx context.Context, q querier, t reminderTable, kind crm.Kind, where string, args ...any) ([]crm.Reminder, error) {
	rows, err := q.QueryContext(ctx, s.q(t.selectSQL()+" WHERE "+where+" ORDER BY r.due_at, r.id"), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []crm.Reminder
	for rows.Next() {
		r, err := scanReminder(t, kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLStore) getReminder(ctx context.Context, q querier, t reminderTable, kind crm.Kind, id string) (crm.Reminder, error) {
	r, err := scanReminder(t, kind, q.QueryRowContext(ctx, s.q(t.selectSQL()+" WHERE r.id = ?"), id))
	if errors.Is(err, sql.ErrNoRows) {
		return crm.Reminder{}, ErrNotFound
	}
	return r, err
}

func (s *SQLStore) ListPendingReminders(ctx context.Context, kind crm.Kind, since time.Time) ([]crm.Reminder, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return s.queryReminders(ctx, s.db, t, kind, "r.completed = 0 AND r.due_at >= ?", since.UnixMilli())
}

func (s *SQLStore) MarkNotified(ctx context.Context, kind crm.Kind, id string, level crm.Level) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE `+t.name+` SET notified_levels = notified_levels | ? WHERE id = ?`),
		int64(level), id,
	)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}

func (s *SQLStore) GetReminder(ctx context.Context, kind crm.Kind, id string) (crm.Reminder, error) {
	t, err := tableFor(kind)
	if err != nil {
		return crm.Reminder{}, err
	}
	return s.getReminder(ctx, s.db, t, kind, id)
}

func (s *SQLStore) ListReminders(ctx context.Context, kind crm.Kind, subjectID string) ([]crm.Reminder, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	return s.queryReminders(ctx, s.db, t, kind, "r."+t.fk+" = ?", subjectID)
}

// CreateReminder inserts r. ID and CreatedAt are filled when empty; an
// assignee on r overrides the subject's assignee.
func (s *SQLStore) CreateReminder(ctx context.Context, r crm.Reminder) (crm.Reminder, error) {
	t, err := tableFor(r.Kind)
	if err != nil {
		return crm.Reminder{}, err
	}
	if strings.TrimSpace(r.SubjectID) == "" {
		return crm.Reminder{}, errors.New("reminder subject is required")
	}
	if r.DueAt.IsZero() {
		return crm.Reminder{}, errors.New("reminder due time is required")
	}

	var out crm.Reminder
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, s.q(`SELECT 1 FROM `+t.subjects+` WHERE id = ?`), r.SubjectID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%s %s: %w", r.Kind, r.SubjectID, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if err := s.insertReminder(ctx, tx, t, &r); err != nil {
			return err
		}
		out, err = s.getReminder(ctx, tx, t, r.Kind, r.ID)
		return err
	})
	if err != nil {
		return crm.Reminder{}, err
	}
	s.log.Debug("reminder created", logx.String("kind", string(out.Kind)), logx.String("id", out.ID), logx.Time("due_at", out.DueAt))
	return out, nil
}

func (s *SQLStore) insertReminder(ctx context.Context, tx *sql.Tx, t reminderTable, r *crm.Reminder) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	var assigneeID any
	if r.Assignee != nil {
		assigneeID = nullStr(r.Assignee.ID)
	}

	cols := []string{"id", t.fk, "assignee_id", "due_at", "note", "completed", "notified_levels", "created_at"}
	args := []any{r.ID, r.SubjectID, assigneeID, r.DueAt.UnixMilli(), nullStr(r.Note), b2i(r.Completed), int64(r.Notified), r.CreatedAt.UnixMilli()}
	if t.deal {
		typ := r.DealType
		if typ == "" {
			typ = crm.DealOther
		}
		cols = append(cols, "type", "recurring", "frequency")
		args = append(args, string(typ), b2i(r.Recurring), nullStr(string(r.Frequency)))
	}
	marks := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	_, err := tx.ExecContext(ctx,
		s.q(`INSERT INTO `+t.name+`(`+strings.Join(cols, ", ")+`) VALUES(`+marks+`)`),
		args...,
	)
	return err
}

func (s *SQLStore) CompleteReminder(ctx context.Context, kind crm.Kind, id string) (*crm.Reminder, error) {
	t, err := tableFor(kind)
	if err != nil {
		return nil, err
	}
	var next *crm.Reminder
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.getReminder(ctx, tx, t, kind, id)
		if err != nil {
			return err
		}
		if cur.Completed {
			return nil
		}
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE `+t.name+` SET completed = 1 WHERE id = ?`), id); err != nil {
			return err
		}
		if !t.deal || !cur.Recurring || !cur.Frequency.Valid() {
			return nil
		}

		n := crm.Reminder{
			Kind:      kind,
			SubjectID: cur.SubjectID,
			DueAt:     cur.Frequency.Next(cur.DueAt),
			Note:      cur.Note,
			DealType:  cur.DealType,
			Recurring: true,
			Frequency: cur.Frequency,
		}
		var ownAssignee sql.NullString
		if err := tx.QueryRowContext(ctx, s.q(`SELECT assignee_id FROM `+t.name+` WHERE id = ?`), id).Scan(&ownAssignee); err != nil {
			return err
		}
		if ownAssignee.Valid {
			n.Assignee = &crm.Assignee{ID: ownAssignee.String}
		}
		if err := s.insertReminder(ctx, tx, t, &n); err != nil {
			return err
		}
		created, err := s.getReminder(ctx, tx, t, kind, n.ID)
		if err != nil {
			return err
		}
		next = &created
		return nil
	})
	if err != nil {
		return nil, err
	}
	if next != nil {
		s.log.Info("recurring reminder scheduled", logx.String("from", id), logx.String("next", next.ID), logx.Time("due_at", next.DueAt))
	}
	return next, nil
}

func (s *SQLStore) DeleteReminder(ctx context.Context, kind crm.Kind, id string) error {
	t, err := tableFor(kind)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+t.name+` WHERE id = ?`), id)
	if err != nil {
		return err
	}
	return affectedOrNotFound(res)
}
