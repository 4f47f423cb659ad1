// Package scheduler triggers the reminder sweep in-process on a cron or
// interval schedule. Runs never overlap within one process.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	logx "crmnotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

const (
	DefaultSchedule = "@every 1m"
	DefaultTimeout  = 2 * time.Minute
)

type Config struct {
	Enabled  bool
	Schedule string
	Timezone string // IANA name; empty means Local
	Timeout  time.Duration
}

func (c Config) normalize() Config {
	c.Schedule = strings.TrimSpace(c.Schedule)
	if c.Schedule == "" {
		c.Schedule = DefaultSchedule
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// Job is the work triggered on every tick.
type Job func(ctx context.Context) error

// RunInfo describes the most recent finished run.
type RunInfo struct {
	StartedAt time.Time     `json:"startedAt"`
	Took      time.Duration `json:"took"`
	Err       string        `json:"error,omitempty"`
}

type Snapshot struct {
	Enabled  bool      `json:"enabled"`
	Running  bool      `json:"running"`
	Name     string    `json:"name"`
	Spec     string    `json:"spec"`
	Timezone string    `json:"timezone"`
	Timeout  string    `json:"timeout"`
	Next     time.Time `json:"next,omitzero"`
	Prev     time.Time `json:"prev,omitzero"`
	Runs     uint64    `json:"runs"`
	Failures uint64    `json:"failures"`
	Last     *RunInfo  `json:"last,omitempty"`
}

type Service struct {
	name string
	job  Job
	log  logx.Logger

	mu    sync.Mutex
	cfg   Config
	sched Schedule
	loc   *time.Location
	base  context.Context
	c     *cron.Cron
	entry cron.EntryID

	statMu   sync.Mutex
	runs     uint64
	failures uint64
	last     *RunInfo
}

// New validates cfg and returns a stopped service.
func New(name string, cfg Config, job Job, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	cfg = cfg.normalize()
	sched, err := Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	return &Service{
		name:  name,
		job:   job,
		log:   log.With(logx.String("comp", "scheduler"), logx.String("job", name)),
		cfg:   cfg,
		sched: sched,
	}, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start begins triggering when the config enables it. ctx bounds every run
// and is kept for restarts done by Apply.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.base = ctx
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; expecting external trigger")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	s.loc = s.loadLocationLocked()
	cl := cronLogger{log: s.log}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		cron.WithLogger(cl),
	)
	id, err := c.AddJob(s.sched.Spec(), cron.FuncJob(s.tick))
	if err != nil {
		s.log.Error("schedule register failed", logx.String("spec", s.sched.Spec()), logx.Err(err))
		return
	}
	s.c, s.entry = c, id
	c.Start()
	s.log.Info("scheduler started",
		logx.String("spec", s.sched.Spec()),
		logx.String("tz", s.loc.String()),
		logx.Time("next", c.Entry(id).Next),
	)
}

// Stop halts triggering and waits for an in-flight run or ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c, s.entry = nil, 0
	s.mu.Unlock()
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

// Apply swaps the config. A change of schedule, timezone or enablement
// restarts the cron runner if Start has been called.
func (s *Service) Apply(cfg Config) error {
	cfg = cfg.normalize()
	sched, err := Parse(cfg.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg, s.sched = cfg, sched
	if s.base == nil {
		s.mu.Unlock()
		return nil
	}
	restart := old.Enabled != cfg.Enabled || old.Timezone != cfg.Timezone || old.Schedule != cfg.Schedule
	if !restart {
		s.mu.Unlock()
		return nil
	}
	c := s.c
	s.c, s.entry = nil, 0
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.Enabled && s.c == nil {
		s.startLocked()
	} else if !s.cfg.Enabled {
		s.log.Info("scheduler disabled by config")
	}
	return nil
}

func (s *Service) tick() {
	s.mu.Lock()
	base, timeout := s.base, s.cfg.Timeout
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	if base.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(base, timeout)
	defer cancel()
	start := time.Now()
	err := s.job(ctx)

	info := &RunInfo{StartedAt: start, Took: time.Since(start)}
	s.statMu.Lock()
	s.runs++
	if err != nil {
		s.failures++
		info.Err = err.Error()
	}
	s.last = info
	s.statMu.Unlock()

	if err != nil {
		s.log.Warn("scheduled run failed", logx.Err(err), logx.Duration("took", info.Took))
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Enabled:  s.cfg.Enabled,
		Running:  s.c != nil,
		Name:     s.name,
		Spec:     s.sched.Spec(),
		Timezone: s.cfg.Timezone,
		Timeout:  s.cfg.Timeout.String(),
	}
	if s.loc != nil && snap.Timezone == "" {
		snap.Timezone = s.loc.String()
	}
	if s.c != nil && s.entry != 0 {
		e := s.c.Entry(s.entry)
		snap.Next, snap.Prev = e.Next, e.Prev
	}
	s.mu.Unlock()

	s.statMu.Lock()
	snap.Runs, snap.Failures = s.runs, s.failures
	if s.last != nil {
		last := *s.last
		snap.Last = &last
	}
	s.statMu.Unlock()
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := s.cfg.Timezone
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's logr-style logging into logx.
type cronLogger struct {
	log logx.Logger
}

func (l cronLogger) Info(msg string, kv ...any) {
	if msg == "skip" {
		l.log.Warn("previous run still in progress; tick skipped")
		return
	}
	l.log.Debug("cron "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Error("cron "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
