package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"crmnotify/internal/config"
	"crmnotify/internal/dispatch"
	"crmnotify/internal/httpapi"
	rtsup "crmnotify/internal/runtime/supervisor"
	"crmnotify/internal/scheduler"
	"crmnotify/internal/storage"
	logx "crmnotify/pkg/logx"
	"crmnotify/pkg/systemd"

	"github.com/redis/go-redis/v9"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log  logx.Logger
	logs *logx.Service

	store      storage.Store
	redis      *redis.Client
	dispatcher *dispatch.Dispatcher
	sched      *scheduler.Service
	server     *httpapi.Server

	mu         sync.RWMutex
	cronSecret string
	webhookURL string
}

// New loads the config file and wires every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{
		cfgm:       cfgm,
		log:        log.With(logx.String("comp", "app")),
		logs:       logSvc,
		cronSecret: strings.TrimSpace(cfg.HTTP.CronSecret),
		webhookURL: strings.TrimSpace(cfg.Channels.Webhook.URL),
	}
	if err := a.wire(ctx, cfg, log); err != nil {
		a.closeResources()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	st, err := storage.Open(ctx, sc, log)
	if err != nil {
		return err
	}
	a.store = st
	if err := st.EnsureSettings(ctx); err != nil {
		return fmt.Errorf("init settings: %w", err)
	}
	a.log.Info("storage ready", logx.String("driver", sc.Driver))

	var locker dispatch.Locker
	lc, err := mapRedisConfig(cfg)
	if err != nil {
		return err
	}
	if lc != nil {
		a.redis = redis.NewClient(lc.opts)
		locker = dispatch.NewRedisLocker(a.redis, lc.key, lc.ttl)
		a.log.Info("dispatch lock enabled", logx.String("key", lc.key), logx.Duration("ttl", lc.ttl))
	}

	tuning, err := mapDispatchTuning(cfg)
	if err != nil {
		return err
	}
	a.dispatcher = dispatch.New(st, buildSenders(cfg, log), dispatch.Options{
		Tuning: tuning,
		Locker: locker,
	}, log)

	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return err
	}
	a.sched, err = scheduler.New("dispatch", schedCfg, a.runDispatch, log)
	if err != nil {
		return err
	}

	srvCfg, err := mapServerConfig(cfg)
	if err != nil {
		return err
	}
	h := httpapi.NewHandler(httpapi.Options{
		Store:           st,
		Dispatcher:      a.dispatcher,
		CronSecret:      a.secret,
		WebhookOverride: a.webhookOverride,
		Health:          a.health,
	}, log)
	a.server = httpapi.NewServer(srvCfg, httpapi.NewRouter(h, httpapi.RouterOptions{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Pprof:          cfg.HTTP.Pprof,
	}), log)

	if a.cronSecret == "" {
		a.log.Warn("trigger endpoint is unauthenticated; set CRON_SECRET")
	}
	return nil
}

func (a *App) secret() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cronSecret
}

func (a *App) webhookOverride() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.webhookURL
}

// runDispatch is the scheduled job. A run skipped by the lock is not a failure.
func (a *App) runDispatch(ctx context.Context) error {
	res, err := a.dispatcher.ProcessPending(ctx)
	if err != nil {
		return err
	}
	if res.Processed > 0 {
		_, _ = systemd.Status(fmt.Sprintf("last run %s: %d notifications", time.Now().UTC().Format(time.RFC3339), res.Processed))
	}
	return nil
}

func (a *App) health() any {
	out := map[string]any{}
	if a.sup != nil {
		out["tasks"] = a.sup.Tasks()
		if err := a.sup.Err(); err != nil {
			out["error"] = err.Error()
		}
	}
	if sup := a.server.Supervisor(); sup != nil {
		out["http"] = sup.Tasks()
	}
	out["scheduler"] = a.sched.Snapshot()
	return out
}

// Done is closed when the app supervisor context is canceled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Addr is the bound HTTP address, or "" before the listener is up.
func (a *App) Addr() string { return a.server.Addr() }

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validate(cfg)
	})

	a.server.Start(a.sup.Context())
	a.sched.Start(a.sup.Context())

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		return a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if d := systemd.WatchdogInterval(); d > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, d, func() bool { return a.sup.Err() == nil })
		})
	}
	if _, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	}

	a.log.Info("app started",
		logx.Bool("scheduler", a.sched.Enabled()),
		logx.Bool("lock", a.redis != nil),
	)
	return nil
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) error {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return nil
		case newCfg, ok := <-sub:
			if !ok {
				return nil
			}
			// Coalesce bursts; only the latest config matters.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.apply(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// apply pushes a validated config to the running components. Storage,
// channel transports and redis are fixed for the process lifetime.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	_, _ = systemd.Reloading()
	defer func() { _, _ = systemd.Ready() }()

	for _, s := range sections {
		switch s {
		case "storage", "redis":
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		case "channels":
			if prev.Channels.Email != next.Channels.Email || prev.Channels.Telegram != next.Channels.Telegram {
				a.log.Warn("channel transport changed; restart required for changes to take effect")
			}
		}
	}
	if prev.HTTP.Pprof != next.HTTP.Pprof {
		a.log.Warn("http.pprof changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLoggingConfig(next))

	a.mu.Lock()
	a.cronSecret = strings.TrimSpace(next.HTTP.CronSecret)
	a.webhookURL = strings.TrimSpace(next.Channels.Webhook.URL)
	a.mu.Unlock()

	if t, err := mapDispatchTuning(next); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.SetTuning(t)
	}

	if sc, err := mapSchedulerConfig(next); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	} else if err := a.sched.Apply(sc); err != nil {
		a.log.Warn("scheduler reconfigure failed", logx.Err(err))
	}

	if srv, err := mapServerConfig(next); err != nil {
		a.log.Warn("invalid http config; keeping previous", logx.Err(err))
	} else {
		a.server.Reconfigure(ctx, srv)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = systemd.Stopping()

	a.sup.Cancel()

	a.step(ctx, "scheduler", 3*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.step(ctx, "http", 10*time.Second, func(c context.Context) error { a.server.Stop(c); return nil })
	a.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "resources", 2*time.Second, func(c context.Context) error { a.closeResources(); return nil })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func (a *App) closeResources() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Warn("redis close failed", logx.Err(err))
		}
		a.redis = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
		a.store = nil
	}
}

// step runs one shutdown step bounded by max and the caller's deadline.
// fn must honor its context; a step that overruns is logged and abandoned.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
	}
}
