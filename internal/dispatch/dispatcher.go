// Package dispatch scans pending reminders, decides which notification
// levels are due, delivers them and records the levels that went out.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"crmnotify/internal/crm"
	"crmnotify/internal/notify"
	logx "crmnotify/pkg/logx"
)

const (
	DefaultLookback       = 24 * time.Hour
	DefaultChannelTimeout = 10 * time.Second

	MessageNoLevels = "no notification levels enabled"
	MessageLocked   = "dispatch already running"

	SkippedOptedOut = "opted_out"
)

// Store is the subset of storage the dispatcher reads and writes.
type Store interface {
	GetSettings(ctx context.Context) (crm.NotificationSettings, error)
	ListPendingReminders(ctx context.Context, kind crm.Kind, since time.Time) ([]crm.Reminder, error)
	MarkNotified(ctx context.Context, kind crm.Kind, id string, level crm.Level) error
	GetAssignee(ctx context.Context, id string) (crm.Assignee, error)
}

// Tuning holds the knobs that may change on config reload.
type Tuning struct {
	Lookback        time.Duration
	ChannelTimeout  time.Duration
	DefaultTimezone string
	// WebhookURL overrides the settings webhook URL when set.
	WebhookURL string
}

func (t Tuning) normalize() Tuning {
	if t.Lookback <= 0 {
		t.Lookback = DefaultLookback
	}
	if t.ChannelTimeout <= 0 {
		t.ChannelTimeout = DefaultChannelTimeout
	}
	if t.DefaultTimezone == "" {
		t.DefaultTimezone = DefaultTimezone
	}
	return t
}

type Options struct {
	Tuning
	// Locker is optional; nil means runs are not arbitrated.
	Locker Locker
	Now    func() time.Time
}

type ChannelResult struct {
	Channel crm.Channel `json:"channel"`
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
}

// EventResult is the outcome of one reminder-level delivery attempt.
type EventResult struct {
	Type       crm.Kind        `json:"type"`
	ReminderID string          `json:"reminderId"`
	Level      crm.Level       `json:"level"`
	Overdue    bool            `json:"overdue,omitempty"`
	Success    bool            `json:"success"`
	Skipped    string          `json:"skipped,omitempty"`
	Channels   []ChannelResult `json:"channels"`
}

type Result struct {
	Processed int           `json:"processed"`
	Results   []EventResult `json:"results"`
	Message   string        `json:"message,omitempty"`
	Skipped   bool          `json:"skipped,omitempty"`
}

type Dispatcher struct {
	store   Store
	senders *notify.Set
	locker  Locker
	now     func() time.Time
	log     logx.Logger

	mu     sync.RWMutex
	tuning Tuning

	// running serializes passes within the process; locker covers the rest.
	running sync.Mutex
}

func New(store Store, senders *notify.Set, opts Options, log logx.Logger) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		store:   store,
		senders: senders,
		locker:  opts.Locker,
		now:     now,
		log:     log.With(logx.String("comp", "dispatch")),
		tuning:  opts.Tuning.normalize(),
	}
}

// SetTuning swaps the reloadable knobs; runs already in flight keep theirs.
func (d *Dispatcher) SetTuning(t Tuning) {
	d.mu.Lock()
	d.tuning = t.normalize()
	d.mu.Unlock()
}

func (d *Dispatcher) Tuning() Tuning {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.tuning
}

// event is one level that should go out for one reminder.
type event struct {
	level   crm.Level
	overdue bool
}

// dueEvents classifies r at now. An overdue reminder is pinged once, and
// only while no level has been sent; a future reminder yields every enabled,
// unsent level whose window [due-lead, due) contains now.
func dueEvents(r crm.Reminder, enabled crm.LevelSet, now time.Time) []event {
	if r.Inert() {
		return nil
	}
	if !r.DueAt.After(now) {
		if r.Notified.Empty() {
			return []event{{level: crm.Level15Min, overdue: true}}
		}
		return nil
	}
	var out []event
	for _, l := range enabled.Levels() {
		if r.Notified.Has(l) {
			continue
		}
		if !now.Before(r.DueAt.Add(-l.Lead())) {
			out = append(out, event{level: l})
		}
	}
	return out
}

// ProcessPending runs one dispatch pass. Only store and lock errors are
// returned; channel problems end up in the per-channel results.
func (d *Dispatcher) ProcessPending(ctx context.Context) (Result, error) {
	start := time.Now()

	if !d.running.TryLock() {
		return d.skipLocked(), nil
	}
	defer d.running.Unlock()

	if d.locker != nil {
		release, err := d.locker.Acquire(ctx)
		if errors.Is(err, ErrLocked) {
			return d.skipLocked(), nil
		}
		if err != nil {
			runsTotal.WithLabelValues("error").Inc()
			return Result{}, err
		}
		defer func() {
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := release(rctx); err != nil {
				d.log.Warn("dispatch lock release failed", logx.Err(err))
			}
		}()
	}

	res, err := d.process(ctx)
	runDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		runsTotal.WithLabelValues("error").Inc()
		d.log.Error("dispatch failed", logx.Err(err), logx.Int("events", len(res.Results)))
		return res, err
	}
	runsTotal.WithLabelValues("ok").Inc()

	lvl := d.log.Debug
	if res.Processed > 0 {
		lvl = d.log.Info
	}
	lvl("dispatch finished",
		logx.Int("events", res.Processed),
		logx.Duration("took", time.Since(start)),
	)
	return res, nil
}

func (d *Dispatcher) skipLocked() Result {
	runsTotal.WithLabelValues("locked").Inc()
	d.log.Info("dispatch skipped", logx.String("reason", MessageLocked))
	return Result{Results: []EventResult{}, Message: MessageLocked, Skipped: true}
}

func (d *Dispatcher) process(ctx context.Context) (Result, error) {
	res := Result{Results: []EventResult{}}

	settings, err := d.store.GetSettings(ctx)
	if err != nil {
		return res, fmt.Errorf("load settings: %w", err)
	}
	enabled := settings.EnabledLevels()
	if enabled.Empty() {
		res.Message = MessageNoLevels
		return res, nil
	}

	t := d.Tuning()
	now := d.now()
	reminders, err := d.pending(ctx, now.Add(-t.Lookback))
	if err != nil {
		return res, err
	}

	for _, r := range reminders {
		for _, ev := range dueEvents(r, enabled, now) {
			er, err := d.deliver(ctx, t, settings, r, ev, now)
			if err != nil {
				res.Processed = len(res.Results)
				return res, err
			}
			res.Results = append(res.Results, er)
		}
	}
	res.Processed = len(res.Results)
	return res, nil
}

func (d *Dispatcher) pending(ctx context.Context, since time.Time) ([]crm.Reminder, error) {
	var all []crm.Reminder
	for _, kind := range []crm.Kind{crm.KindLead, crm.KindDeal} {
		rs, err := d.store.ListPendingReminders(ctx, kind, since)
		if err != nil {
			return nil, fmt.Errorf("list %s reminders: %w", kind, err)
		}
		all = append(all, rs...)
	}
	return all, nil
}

func (d *Dispatcher) deliver(ctx context.Context, t Tuning, s crm.NotificationSettings, r crm.Reminder, ev event, now time.Time) (EventResult, error) {
	er := EventResult{
		Type:       r.Kind,
		ReminderID: r.ID,
		Level:      ev.level,
		Overdue:    ev.overdue,
		Channels:   []ChannelResult{},
	}
	log := d.log.With(
		logx.String("type", string(r.Kind)),
		logx.String("reminder", r.ID),
		logx.String("level", ev.level.String()),
	)

	if r.Assignee.OptedOut() {
		if err := d.store.MarkNotified(ctx, r.Kind, r.ID, ev.level); err != nil {
			return er, fmt.Errorf("mark %s reminder %s: %w", r.Kind, r.ID, err)
		}
		er.Skipped = SkippedOptedOut
		eventsTotal.WithLabelValues(string(r.Kind), ev.level.String(), "opted_out").Inc()
		log.Debug("assignee opted out")
		return er, nil
	}

	until := TimeUntil(r.DueAt, now)
	text := FormatMessage(r, until, ResolveLocation(r.Assignee, t.DefaultTimezone))
	subject := Subject(r, until)

	for _, ch := range s.EnabledChannels() {
		cr := d.send(ctx, t, ch, r.Assignee, s, subject, text)
		if cr.Success {
			er.Success = true
		} else {
			log.Warn("channel failed", logx.String("channel", string(ch)), logx.String("error", cr.Error))
		}
		er.Channels = append(er.Channels, cr)
	}

	if !er.Success {
		eventsTotal.WithLabelValues(string(r.Kind), ev.level.String(), "failed").Inc()
		return er, nil
	}
	if err := d.store.MarkNotified(ctx, r.Kind, r.ID, ev.level); err != nil {
		return er, fmt.Errorf("mark %s reminder %s: %w", r.Kind, r.ID, err)
	}
	eventsTotal.WithLabelValues(string(r.Kind), ev.level.String(), "sent").Inc()
	log.Debug("reminder notified", logx.Int("channels", len(er.Channels)))
	return er, nil
}

// send resolves the destination and calls one sender under the channel
// timeout. It never returns an error; failures are carried in the result.
func (d *Dispatcher) send(ctx context.Context, t Tuning, ch crm.Channel, a *crm.Assignee, s crm.NotificationSettings, subject, text string) ChannelResult {
	cr := ChannelResult{Channel: ch}
	snd, ok := d.senders.Get(ch)
	if !ok {
		cr.Error = fmt.Sprintf("%s: no sender registered", ch)
		return cr
	}
	del, err := notify.Resolve(ch, a, s, t.WebhookURL)
	if err != nil {
		cr.Error = err.Error()
		return cr
	}
	del.Subject = subject
	del.Text = text

	cctx, cancel := context.WithTimeout(ctx, t.ChannelTimeout)
	defer cancel()
	if err := snd.Send(cctx, del); err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			cr.Error = fmt.Sprintf("%s: timed out after %s", ch, t.ChannelTimeout)
		} else {
			cr.Error = err.Error()
		}
		return cr
	}
	cr.Success = true
	return cr
}

// TestChannel sends a sample reminder over one channel with the current
// settings, whether or not the channel is enabled. assigneeID is optional
// and selects per-assignee destinations.
func (d *Dispatcher) TestChannel(ctx context.Context, ch crm.Channel, assigneeID string) (ChannelResult, error) {
	settings, err := d.store.GetSettings(ctx)
	if err != nil {
		return ChannelResult{}, fmt.Errorf("load settings: %w", err)
	}
	var a *crm.Assignee
	if assigneeID != "" {
		got, err := d.store.GetAssignee(ctx, assigneeID)
		if err != nil {
			return ChannelResult{}, fmt.Errorf("load assignee %s: %w", assigneeID, err)
		}
		a = &got
	}

	t := d.Tuning()
	now := d.now()
	r := crm.Reminder{
		ID:          "test",
		Kind:        crm.KindLead,
		SubjectName: "Test notification",
		DueAt:       now.Add(crm.Level30Min.Lead()),
		Note:        "If you can read this, the channel is configured correctly.",
		Assignee:    a,
	}
	until := TimeUntil(r.DueAt, now)
	text := FormatMessage(r, until, ResolveLocation(a, t.DefaultTimezone))

	cr := d.send(ctx, t, ch, a, settings, Subject(r, until), text)
	d.log.Info("test notification",
		logx.String("channel", string(ch)),
		logx.Bool("success", cr.Success),
		logx.String("error", cr.Error),
	)
	return cr, nil
}
