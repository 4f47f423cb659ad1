package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"crmnotify/internal/crm"
	logx "crmnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "crm.db")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	s, ok := st.(*SQLStore)
	require.True(t, ok)
	return s
}

func TestSettingsLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.GetSettings(ctx)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.EnsureSettings(ctx))
	got, err := s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, crm.DefaultSettings(), got)

	on := true
	addr := "a@x.com"
	got, err = s.UpdateSettings(ctx, crm.SettingsPatch{EmailEnabled: &on, EmailAddress: &addr})
	require.NoError(t, err)
	assert.True(t, got.EmailEnabled)
	assert.True(t, got.Notify30Min)

	// a second initialization must not reset user changes
	require.NoError(t, s.EnsureSettings(ctx))
	got, err = s.GetSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a@x.com", got.EmailAddress)
}

func TestPendingRemindersAndAssigneeJoin(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	s.SetClock(func() time.Time { return now })

	off := false
	owner, err := s.UpsertAssignee(ctx, crm.Assignee{ID: "u1", Name: "Dana", Email: "dana@x.com", Timezone: "Europe/Paris"})
	require.NoError(t, err)
	_, err = s.UpsertAssignee(ctx, crm.Assignee{ID: "u2", Name: "Lee", NotifyOnReminder: &off})
	require.NoError(t, err)

	lead, err := s.CreateLead(ctx, crm.Lead{Name: "Acme", AssigneeID: owner.ID})
	require.NoError(t, err)

	mk := func(due time.Time, assignee *crm.Assignee) crm.Reminder {
		r, err := s.CreateReminder(ctx, crm.Reminder{Kind: crm.KindLead, SubjectID: lead.ID, DueAt: due, Note: "call", Assignee: assignee})
		require.NoError(t, err)
		return r
	}
	soon := mk(now.Add(20*time.Minute), nil)
	old := mk(now.Add(-48*time.Hour), nil)
	override := mk(now.Add(time.Hour), &crm.Assignee{ID: "u2"})
	done := mk(now.Add(30*time.Minute), nil)
	_, err = s.CompleteReminder(ctx, crm.KindLead, done.ID)
	require.NoError(t, err)

	pending, err := s.ListPendingReminders(ctx, crm.KindLead, now.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, soon.ID, pending[0].ID)
	assert.Equal(t, override.ID, pending[1].ID)

	assert.Equal(t, "Acme", pending[0].SubjectName)
	assert.Equal(t, "call", pending[0].Note)
	require.NotNil(t, pending[0].Assignee)
	assert.Equal(t, "Dana", pending[0].Assignee.Name)
	assert.Nil(t, pending[0].Assignee.NotifyOnReminder)
	assert.True(t, pending[0].DueAt.Equal(now.Add(20*time.Minute)))

	require.NotNil(t, pending[1].Assignee)
	assert.True(t, pending[1].Assignee.OptedOut())

	all, err := s.ListReminders(ctx, crm.KindLead, lead.ID)
	require.NoError(t, err)
	assert.Len(t, all, 4)
	assert.Equal(t, old.ID, all[0].ID)
}

func TestMarkNotifiedIsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	deal, err := s.CreateDeal(ctx, crm.Deal{Name: "Series A"})
	require.NoError(t, err)
	r, err := s.CreateReminder(ctx, crm.Reminder{Kind: crm.KindDeal, SubjectID: deal.ID, DueAt: time.Now().Add(time.Hour), DealType: crm.DealPayment})
	require.NoError(t, err)

	require.NoError(t, s.MarkNotified(ctx, crm.KindDeal, r.ID, crm.Level30Min))
	require.NoError(t, s.MarkNotified(ctx, crm.KindDeal, r.ID, crm.Level30Min))
	require.NoError(t, s.MarkNotified(ctx, crm.KindDeal, r.ID, crm.Level1Day))

	got, err := s.GetReminder(ctx, crm.KindDeal, r.ID)
	require.NoError(t, err)
	assert.Equal(t, crm.NewLevelSet(crm.Level1Day, crm.Level30Min), got.Notified)
	assert.Equal(t, crm.DealPayment, got.DealType)

	err = s.MarkNotified(ctx, crm.KindDeal, "missing", crm.Level15Min)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteRecurringDealSpawnsNext(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	deal, err := s.CreateDeal(ctx, crm.Deal{Name: "Retainer"})
	require.NoError(t, err)
	due := time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	r, err := s.CreateReminder(ctx, crm.Reminder{
		Kind: crm.KindDeal, SubjectID: deal.ID, DueAt: due,
		DealType: crm.DealVesting, Recurring: true, Frequency: crm.FrequencyMonthly,
	})
	require.NoError(t, err)
	require.NoError(t, s.MarkNotified(ctx, crm.KindDeal, r.ID, crm.Level30Min))

	next, err := s.CompleteReminder(ctx, crm.KindDeal, r.ID)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.True(t, next.DueAt.Equal(due.AddDate(0, 1, 0)))
	assert.True(t, next.Notified.Empty())
	assert.False(t, next.Completed)
	assert.Equal(t, crm.DealVesting, next.DealType)

	again, err := s.CompleteReminder(ctx, crm.KindDeal, r.ID)
	require.NoError(t, err)
	assert.Nil(t, again, "completing twice must not spawn another occurrence")

	lead, err := s.CreateLead(ctx, crm.Lead{Name: "Globex"})
	require.NoError(t, err)
	lr, err := s.CreateReminder(ctx, crm.Reminder{Kind: crm.KindLead, SubjectID: lead.ID, DueAt: due})
	require.NoError(t, err)
	none, err := s.CompleteReminder(ctx, crm.KindLead, lr.ID)
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestDeleteAndMissingSubject(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.CreateReminder(ctx, crm.Reminder{Kind: crm.KindLead, SubjectID: "nope", DueAt: time.Now()})
	require.True(t, errors.Is(err, ErrNotFound), "got %v", err)

	lead, err := s.CreateLead(ctx, crm.Lead{Name: "Initech"})
	require.NoError(t, err)
	r, err := s.CreateReminder(ctx, crm.Reminder{Kind: crm.KindLead, SubjectID: lead.ID, DueAt: time.Now()})
	require.NoError(t, err)

	require.NoError(t, s.DeleteReminder(ctx, crm.KindLead, r.ID))
	require.ErrorIs(t, s.DeleteReminder(ctx, crm.KindLead, r.ID), ErrNotFound)
	_, err = s.GetReminder(ctx, crm.KindLead, r.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAssigneeRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	on := true
	_, err := s.UpsertAssignee(ctx, crm.Assignee{ID: "u1", Name: "Sam", NotifyOnReminder: &on, TelegramChatID: "-100123", MentionID: "U42"})
	require.NoError(t, err)

	got, err := s.GetAssignee(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, got.NotifyOnReminder)
	assert.True(t, *got.NotifyOnReminder)
	assert.Equal(t, "-100123", got.TelegramChatID)

	_, err = s.UpsertAssignee(ctx, crm.Assignee{ID: "u1", Name: "Sam R."})
	require.NoError(t, err)
	got, err = s.GetAssignee(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Sam R.", got.Name)
	assert.Nil(t, got.NotifyOnReminder)

	_, err = s.GetAssignee(ctx, "u9")
	require.ErrorIs(t, err, ErrNotFound)
}
