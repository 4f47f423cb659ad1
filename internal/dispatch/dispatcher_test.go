package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"crmnotify/internal/crm"
	"crmnotify/internal/notify"
	logx "crmnotify/pkg/logx"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)

type markCall struct {
	kind  crm.Kind
	id    string
	level crm.Level
}

type fakeStore struct {
	mu        sync.Mutex
	settings  crm.NotificationSettings
	reminders []crm.Reminder
	assignees map[string]crm.Assignee
	marks     []markCall
	lists     int
	listErr   error
	markErr   error
}

func (f *fakeStore) GetSettings(ctx context.Context) (crm.NotificationSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeStore) ListPendingReminders(ctx context.Context, kind crm.Kind, since time.Time) ([]crm.Reminder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []crm.Reminder
	for _, r := range f.reminders {
		if r.Kind == kind && !r.DueAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkNotified(ctx context.Context, kind crm.Kind, id string, level crm.Level) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.markErr != nil {
		return f.markErr
	}
	f.marks = append(f.marks, markCall{kind, id, level})
	for i := range f.reminders {
		if f.reminders[i].Kind == kind && f.reminders[i].ID == id {
			f.reminders[i].Notified = f.reminders[i].Notified.With(level)
		}
	}
	return nil
}

func (f *fakeStore) GetAssignee(ctx context.Context, id string) (crm.Assignee, error) {
	a, ok := f.assignees[id]
	if !ok {
		return crm.Assignee{}, errors.New("not found")
	}
	return a, nil
}

func (f *fakeStore) notified(kind crm.Kind, id string) crm.LevelSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.reminders {
		if r.Kind == kind && r.ID == id {
			return r.Notified
		}
	}
	return 0
}

type fakeSender struct {
	ch    crm.Channel
	err   error
	block bool
	gate  chan struct{}

	mu    sync.Mutex
	sent  []notify.Delivery
	calls int
}

func (s *fakeSender) Channel() crm.Channel { return s.ch }

func (s *fakeSender) Send(ctx context.Context, d notify.Delivery) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.gate != nil {
		select {
		case <-s.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.err != nil {
		return s.err
	}
	s.mu.Lock()
	s.sent = append(s.sent, d)
	s.mu.Unlock()
	return nil
}

func (s *fakeSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type harness struct {
	store    *fakeStore
	email    *fakeSender
	telegram *fakeSender
	webhook  *fakeSender
	now      time.Time
	d        *Dispatcher
}

func newHarness(t *testing.T, s crm.NotificationSettings, reminders ...crm.Reminder) *harness {
	t.Helper()
	h := &harness{
		store:    &fakeStore{settings: s, reminders: reminders, assignees: map[string]crm.Assignee{}},
		email:    &fakeSender{ch: crm.ChannelEmail},
		telegram: &fakeSender{ch: crm.ChannelTelegram},
		webhook:  &fakeSender{ch: crm.ChannelWebhook},
		now:      t0,
	}
	h.d = New(h.store, notify.NewSet(h.email, h.telegram, h.webhook), Options{
		Tuning: Tuning{ChannelTimeout: 200 * time.Millisecond, DefaultTimezone: "UTC"},
		Now:    func() time.Time { return h.now },
	}, logx.Nop())
	return h
}

func emailOnly(levels ...crm.Level) crm.NotificationSettings {
	s := crm.NotificationSettings{EmailEnabled: true, EmailAddress: "a@x.com"}
	set := crm.NewLevelSet(levels...)
	s.Notify1Day = set.Has(crm.Level1Day)
	s.Notify1Hour = set.Has(crm.Level1Hour)
	s.Notify30Min = set.Has(crm.Level30Min)
	s.Notify15Min = set.Has(crm.Level15Min)
	return s
}

func leadDueIn(id string, d time.Duration) crm.Reminder {
	return crm.Reminder{ID: id, Kind: crm.KindLead, SubjectID: "L-" + id, SubjectName: "Acme " + id, DueAt: t0.Add(d)}
}

func TestThirtyMinuteScenario(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r1", 20*time.Minute))

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)

	require.Equal(t, 1, res.Processed)
	ev := res.Results[0]
	assert.Equal(t, crm.KindLead, ev.Type)
	assert.Equal(t, "r1", ev.ReminderID)
	assert.Equal(t, crm.Level30Min, ev.Level)
	assert.True(t, ev.Success)
	assert.Equal(t, []ChannelResult{{Channel: crm.ChannelEmail, Success: true}}, ev.Channels)

	require.Len(t, h.email.sent, 1)
	assert.Equal(t, "a@x.com", h.email.sent[0].To)
	assert.Contains(t, h.email.sent[0].Text, "Due in: 20 minutes")
	assert.Equal(t, "Reminder: Acme r1 (20 minutes)", h.email.sent[0].Subject)
	assert.Zero(t, h.telegram.count())
	assert.Zero(t, h.webhook.count())

	assert.Equal(t, crm.NewLevelSet(crm.Level30Min), h.store.notified(crm.KindLead, "r1"))
}

func TestSecondRunSendsNothing(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level1Hour, crm.Level30Min), leadDueIn("r1", 20*time.Minute))

	first, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Processed)

	second, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, second.Processed)
	assert.Empty(t, second.Results)
	assert.Equal(t, 2, h.email.count())
}

func TestLevelFiresOnlyInsideWindow(t *testing.T) {
	cases := []struct {
		name   string
		dueIn  time.Duration
		expect bool
	}{
		{"before window", 31 * time.Minute, false},
		{"window start is inclusive", 30 * time.Minute, true},
		{"inside", time.Minute, true},
		{"just before due", time.Millisecond, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r", tc.dueIn))
			res, err := h.d.ProcessPending(context.Background())
			require.NoError(t, err)
			if tc.expect {
				require.Len(t, res.Results, 1)
				assert.Equal(t, crm.Level30Min, res.Results[0].Level)
				assert.True(t, h.store.notified(crm.KindLead, "r").Has(crm.Level30Min))
			} else {
				assert.Empty(t, res.Results)
				assert.True(t, h.store.notified(crm.KindLead, "r").Empty())
			}
		})
	}
}

func TestOnlyEnabledLevelsFire(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level1Day), leadDueIn("r", 10*time.Minute))
	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Results, 1)
	assert.Equal(t, crm.Level1Day, res.Results[0].Level)
	assert.Equal(t, crm.NewLevelSet(crm.Level1Day), h.store.notified(crm.KindLead, "r"))
}

func TestCompletedRemindersAreIgnored(t *testing.T) {
	r := leadDueIn("done", 10*time.Minute)
	r.Completed = true
	over := leadDueIn("done-over", -10*time.Minute)
	over.Completed = true
	h := newHarness(t, emailOnly(crm.Level30Min, crm.Level15Min), r, over)

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Zero(t, h.email.count())
	assert.Empty(t, h.store.marks)
}

func TestOverdueWithoutFlagsSendsOnce(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level1Day), leadDueIn("late", -5*time.Hour))

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	ev := res.Results[0]
	assert.Equal(t, crm.Level15Min, ev.Level)
	assert.True(t, ev.Overdue)
	assert.True(t, ev.Success)
	assert.Contains(t, h.email.sent[0].Text, "Due: 5 hours OVERDUE")

	h.now = h.now.Add(time.Hour)
	res, err = h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Equal(t, 1, h.email.count())
}

func TestOverdueWithAnyFlagIsSkipped(t *testing.T) {
	r := leadDueIn("partly", -10*time.Minute)
	r.Notified = crm.NewLevelSet(crm.Level1Day)
	h := newHarness(t, emailOnly(crm.Level1Day, crm.Level15Min), r)

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Results)
	assert.Zero(t, h.email.count())
}

func TestOptedOutAssigneeConsumesLevel(t *testing.T) {
	off := false
	r := leadDueIn("r", 0)
	r.DueAt = t0.Add(-time.Second)
	r.Assignee = &crm.Assignee{ID: "u1", Name: "Dana", NotifyOnReminder: &off}
	s := emailOnly(crm.Level15Min)
	s.WebhookEnabled = true
	s.WebhookURL = "https://hooks.example.com/x"
	h := newHarness(t, s, r)

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, SkippedOptedOut, res.Results[0].Skipped)
	assert.Empty(t, res.Results[0].Channels)
	assert.Zero(t, h.email.count())
	assert.Zero(t, h.webhook.count())
	assert.True(t, h.store.notified(crm.KindLead, "r").Has(crm.Level15Min))
}

func TestChannelFailureIsIsolated(t *testing.T) {
	s := crm.NotificationSettings{
		EmailEnabled: true, EmailAddress: "a@x.com",
		TelegramEnabled: true, BotToken: "1:a", BotChatID: "42",
		WebhookEnabled: true, WebhookURL: "https://hooks.example.com/x",
		Notify15Min: true,
	}
	h := newHarness(t, s, leadDueIn("r", 10*time.Minute))
	h.telegram.err = errors.New("telegram: Bad Request (400)")

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	ev := res.Results[0]
	assert.True(t, ev.Success)
	assert.Equal(t, []ChannelResult{
		{Channel: crm.ChannelEmail, Success: true},
		{Channel: crm.ChannelTelegram, Error: "telegram: Bad Request (400)"},
		{Channel: crm.ChannelWebhook, Success: true},
	}, ev.Channels)
	assert.Equal(t, 1, h.email.count())
	assert.Equal(t, 1, h.webhook.count())
	assert.True(t, h.store.notified(crm.KindLead, "r").Has(crm.Level15Min))
}

func TestAllChannelsFailingLeavesFlagForRetry(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r", 20*time.Minute))
	h.email.err = errors.New("smtp down")

	for i := 0; i < 2; i++ {
		res, err := h.d.ProcessPending(context.Background())
		require.NoError(t, err)
		require.Len(t, res.Results, 1)
		assert.False(t, res.Results[0].Success)
		assert.True(t, h.store.notified(crm.KindLead, "r").Empty())
	}
	assert.Equal(t, 2, h.email.count())

	h.email.err = nil
	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Results[0].Success)
	assert.True(t, h.store.notified(crm.KindLead, "r").Has(crm.Level30Min))
}

func TestNoChannelEnabledLeavesFlag(t *testing.T) {
	s := emailOnly(crm.Level30Min)
	s.EmailEnabled = false
	h := newHarness(t, s, leadDueIn("r", 20*time.Minute))

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.False(t, res.Results[0].Success)
	assert.Empty(t, res.Results[0].Channels)
	assert.Empty(t, h.store.marks)
}

func TestMissingConfigIsChannelFailure(t *testing.T) {
	s := emailOnly(crm.Level30Min)
	s.TelegramEnabled = true
	h := newHarness(t, s, leadDueIn("r", 20*time.Minute))

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	ch := res.Results[0].Channels
	require.Len(t, ch, 2)
	assert.False(t, ch[1].Success)
	assert.Equal(t, "telegram: bot token not configured", ch[1].Error)
	assert.Zero(t, h.telegram.count())
}

func TestChannelTimeout(t *testing.T) {
	s := emailOnly(crm.Level30Min)
	s.WebhookEnabled = true
	s.WebhookURL = "https://hooks.example.com/x"
	h := newHarness(t, s, leadDueIn("r", 20*time.Minute))
	h.email.block = true

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	ch := res.Results[0].Channels
	require.Len(t, ch, 2)
	assert.Contains(t, ch[0].Error, "timed out")
	assert.True(t, ch[1].Success)
	assert.True(t, res.Results[0].Success)
}

func TestNoLevelsShortCircuits(t *testing.T) {
	h := newHarness(t, crm.NotificationSettings{EmailEnabled: true, EmailAddress: "a@x.com"}, leadDueIn("r", time.Minute))

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, MessageNoLevels, res.Message)
	assert.Zero(t, h.store.lists)
	assert.Empty(t, h.store.marks)
}

func TestStoreErrorsPropagate(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r", 20*time.Minute))
	h.store.listErr = errors.New("database is locked")
	_, err := h.d.ProcessPending(context.Background())
	require.ErrorContains(t, err, "database is locked")

	h.store.listErr = nil
	h.store.markErr = errors.New("disk full")
	_, err = h.d.ProcessPending(context.Background())
	require.ErrorContains(t, err, "disk full")
}

func TestDealRemindersAndWebhookOverride(t *testing.T) {
	deal := crm.Reminder{
		ID: "d1", Kind: crm.KindDeal, SubjectID: "D1", SubjectName: "Series A",
		DueAt: t0.Add(45 * time.Minute), DealType: crm.DealPayment,
		Assignee: &crm.Assignee{ID: "u1", Name: "Dana", MentionID: "U99", Timezone: "Europe/Berlin"},
	}
	s := crm.NotificationSettings{WebhookEnabled: true, WebhookURL: "https://hooks.example.com/settings", Notify1Hour: true}
	h := newHarness(t, s, deal)
	h.d.SetTuning(Tuning{WebhookURL: "https://hooks.example.com/env", ChannelTimeout: time.Second})

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	assert.Equal(t, crm.KindDeal, res.Results[0].Type)
	assert.Equal(t, crm.Level1Hour, res.Results[0].Level)

	require.Len(t, h.webhook.sent, 1)
	got := h.webhook.sent[0]
	assert.Equal(t, "https://hooks.example.com/env", got.To)
	assert.Equal(t, "<@U99> ", got.Mention)
	assert.Contains(t, got.Text, "Type: Payment")
	assert.Contains(t, got.Text, "Due in: 45 minutes")
	assert.Contains(t, got.Text, "CET")
	assert.Contains(t, got.Text, "Assigned to: Dana")
	assert.True(t, h.store.notified(crm.KindDeal, "d1").Has(crm.Level1Hour))
}

func TestLookbackExcludesOldReminders(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("ancient", -25*time.Hour))
	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, res.Results)
}

type fakeLocker struct {
	err      error
	released int
}

func (l *fakeLocker) Acquire(ctx context.Context) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error { l.released++; return nil }, nil
}

func TestLockerHeldSkipsRun(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r", 20*time.Minute))
	lk := &fakeLocker{err: ErrLocked}
	h.d.locker = lk

	res, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, MessageLocked, res.Message)
	assert.Zero(t, h.store.lists)

	lk.err = nil
	res, err = h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 1, lk.released)
}

func TestSnapshotDoesNotSendOrMark(t *testing.T) {
	s := emailOnly(crm.Level30Min)
	s.BotToken = "123456789:secret-token"
	deal := crm.Reminder{ID: "d", Kind: crm.KindDeal, SubjectName: "Big", DueAt: t0.Add(3 * time.Hour)}
	h := newHarness(t, s, leadDueIn("r", 20*time.Minute), deal)

	snap, err := h.d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, t0, snap.Now)
	assert.Equal(t, []crm.Level{crm.Level30Min}, snap.EnabledLevels)
	assert.NotContains(t, snap.Settings.BotToken, "secret")
	require.Len(t, snap.LeadReminders, 1)
	assert.Equal(t, []crm.Level{crm.Level30Min}, snap.LeadReminders[0].DueLevels)
	assert.Equal(t, "20 minutes", snap.LeadReminders[0].TimeUntil)
	require.Len(t, snap.DealReminders, 1)
	assert.Empty(t, snap.DealReminders[0].DueLevels)

	assert.Zero(t, h.email.count())
	assert.Empty(t, h.store.marks)
}

func TestSnapshotShowsWebhookOverride(t *testing.T) {
	s := emailOnly(crm.Level30Min)
	s.WebhookURL = "https://stored.example.com/hook-A1"
	h := newHarness(t, s)
	tu := h.d.Tuning()
	tu.WebhookURL = "https://override.example.com/hook-B7"
	h.d.SetTuning(tu)

	snap, err := h.d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.True(t, snap.WebhookLocked)
	assert.Equal(t, "http****B7", snap.Settings.WebhookURL)

	tu.WebhookURL = ""
	h.d.SetTuning(tu)
	snap, err = h.d.Snapshot(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.WebhookLocked)
	assert.Equal(t, "http****A1", snap.Settings.WebhookURL)
}

func TestTestChannel(t *testing.T) {
	h := newHarness(t, crm.NotificationSettings{EmailAddress: "team@x.com"})
	h.store.assignees["u1"] = crm.Assignee{ID: "u1", Email: "dana@x.com"}

	cr, err := h.d.TestChannel(context.Background(), crm.ChannelEmail, "")
	require.NoError(t, err)
	assert.True(t, cr.Success)
	assert.Equal(t, "team@x.com", h.email.sent[0].To)

	cr, err = h.d.TestChannel(context.Background(), crm.ChannelEmail, "u1")
	require.NoError(t, err)
	assert.True(t, cr.Success)
	assert.Equal(t, "dana@x.com", h.email.sent[1].To)

	cr, err = h.d.TestChannel(context.Background(), crm.ChannelTelegram, "")
	require.NoError(t, err)
	assert.False(t, cr.Success)
	assert.Contains(t, cr.Error, "bot token")

	_, err = h.d.TestChannel(context.Background(), crm.ChannelEmail, "missing")
	require.Error(t, err)
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestConcurrentRunsDoNotOverlap(t *testing.T) {
	h := newHarness(t, emailOnly(crm.Level30Min), leadDueIn("r", 20*time.Minute))
	tu := h.d.Tuning()
	tu.ChannelTimeout = 5 * time.Second
	h.d.SetTuning(tu)
	h.email.gate = make(chan struct{})

	first := make(chan Result, 1)
	go func() {
		res, err := h.d.ProcessPending(context.Background())
		assert.NoError(t, err)
		first <- res
	}()
	require.Eventually(t, func() bool { return h.email.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	second, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.True(t, second.Skipped)
	assert.Equal(t, MessageLocked, second.Message)
	assert.Empty(t, second.Results)

	close(h.email.gate)
	res := <-first
	require.Equal(t, 1, res.Processed)
	assert.True(t, res.Results[0].Success)
	assert.Equal(t, 1, h.email.callCount())
	assert.Len(t, h.store.marks, 1)

	third, err := h.d.ProcessPending(context.Background())
	require.NoError(t, err)
	assert.False(t, third.Skipped)
	assert.Zero(t, third.Processed)
}
