package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"timerd/internal/calendar"
	"timerd/internal/config"
	"timerd/internal/eventbus"
	"timerd/internal/expr"
	"timerd/internal/observability/diag"
	"timerd/internal/runtime/supervisor"
	"timerd/internal/storage"
	"timerd/internal/task/engine"
	"timerd/internal/task/scheduler"
	"timerd/internal/timer"
	logx "timerd/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	storageDriver string

	handlers *timer.Handlers
	cal      *liveCalendar
	eval     *liveEvaluator
	firer    *timer.Firer

	engine *engine.Service
	sched  *scheduler.Service
	diag   *diag.Service

	started time.Time
}

// NewApp loads the config at cfgPath and builds every component. Nothing
// runs until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}
	return newApp(cfgm, cfg)
}

func newApp(cfgm *config.ConfigManager, cfg *config.Config) (*App, error) {
	logSvc, log := logx.New(mapLoggingConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	bus := eventbus.New()

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: bus}
	fail := func(err error) (*App, error) {
		if a.store != nil {
			_ = a.store.Close()
		}
		_ = logSvc.Close()
		return nil, err
	}

	// Storage (required for acquisition)
	sc, enabled, err := mapStorageConfig(cfg)
	if err != nil {
		return fail(err)
	}
	if enabled {
		st, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
		if err != nil {
			return fail(err)
		}
		a.store = st
		a.storageDriver = sc.Driver
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	calCfg, err := mapCalendarConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.cal = newLiveCalendar(calendar.New(calCfg))

	exprCfg, err := mapExpressionConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.eval = newLiveEvaluator(expr.New(exprCfg))

	a.handlers = timer.NewHandlers()
	registerDefaultHandlers(a.handlers, bus, log.With(logx.String("comp", "handlers")))
	a.firer = timer.NewFirer(a.cal, a.eval, a.handlers, log.With(logx.String("comp", "timer")))

	engCfg, err := mapExecutorConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.engine = engine.New(engCfg, log.With(logx.String("comp", "executor")), bus)

	acqCfg, err := mapAcquisitionConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.sched = scheduler.New(acqCfg, a.store, a.firer, a.engine, log.With(logx.String("comp", "acquisition")), bus)

	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return fail(err)
	}
	a.diag = diag.New(dcfg, a, log.With(logx.String("comp", "diag")))

	return a, nil
}

// Handlers is the registry Start-time callers add their own handler types to.
func (a *App) Handlers() *timer.Handlers { return a.handlers }

// Bus exposes timer lifecycle and handler events.
func (a *App) Bus() eventbus.Bus { return a.bus }

// Done is closed once the daemon is stopping, after Stop or a fatal error in
// a supervised loop.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err is the fatal error that ended the daemon, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.started = time.Now()

	// A reload that fails validation is never committed.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	// Executor first so acquisition never enqueues into a stopped pool.
	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
	}
	if err := a.sched.Start(a.sup.Context()); err != nil {
		a.sup.Cancel()
		return fmt.Errorf("start acquisition: %w", err)
	}
	if a.diag.Enabled() {
		a.diag.Start(a.sup.Context())
	}

	// Task events are logged by the executor itself.
	events, unsub := a.bus.Subscribe(128, "timer.", "activity.", "process.", "config.")
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				if a.log.Enabled(logx.LevelDebug) {
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) { a.reloadLoop(c, sub) })

	a.sup.Go("config.watch", a.cfgm.Watch)

	a.log.Info("app started",
		logx.String("owner", a.sched.Owner()),
		logx.Bool("acquisition", a.sched.Enabled()),
		logx.String("storage", a.storageDriver),
	)
	return nil
}

// reloadLoop applies committed configs one at a time. A burst of saves is
// collapsed into the newest config.
func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	defer a.cfgm.Unsubscribe(sub)
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			next = newest(sub, next)
			a.applyConfig(ctx, applied, next)
			applied = next
		}
	}
}

func newest(sub chan *config.Config, cfg *config.Config) *config.Config {
	for {
		select {
		case newer := <-sub:
			if newer != nil {
				cfg = newer
			}
		default:
			return cfg
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Storage changes need a restart; everything else is applied live.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := func(name string) bool { return slices.Contains(sections, name) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if changed("logging") {
		a.logs.Apply(mapLoggingConfig(newCfg))
	}
	if changed("calendar") {
		if cc, err := mapCalendarConfig(newCfg); err != nil {
			a.log.Warn("invalid calendar config; keeping previous", logx.Err(err))
		} else {
			a.cal.Swap(calendar.New(cc))
		}
	}
	if changed("expression") {
		if ec, err := mapExpressionConfig(newCfg); err != nil {
			a.log.Warn("invalid expression config; keeping previous", logx.Err(err))
		} else {
			a.eval.Swap(expr.New(ec))
		}
	}

	// Executor before acquisition on enable; Apply handles start/stop itself.
	if engCfg, err := mapExecutorConfig(newCfg); err != nil {
		a.log.Warn("invalid executor config; keeping previous", logx.Err(err))
	} else {
		a.engine.Apply(ctx, engCfg)
	}

	if acq, err := mapAcquisitionConfig(newCfg); err != nil {
		a.log.Warn("invalid acquisition config; keeping previous", logx.Err(err))
	} else {
		prev := a.sched.Enabled()
		a.sched.Apply(acq)
		switch {
		case prev && !acq.Enabled:
			a.log.Info("acquisition disabled via config")
		case !prev && acq.Enabled:
			a.log.Info("acquisition enabled via config")
			if err := a.sched.Start(ctx); err != nil {
				a.log.Warn("acquisition start failed", logx.Err(err))
			}
		}
	}

	if dc, err := mapDebugConfig(newCfg); err != nil {
		a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
	} else {
		a.diag.Reconfigure(ctx, dc)
	}

	a.bus.Publish(eventbus.Event{Type: eventbus.ConfigReloaded, Time: time.Now(), Data: sections})
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// Stop shuts the daemon down in dependency order: acquisition first so no
// new firings are enqueued, then the executor so in-flight firings commit or
// roll back, and storage last. Each step is bounded; a stuck step is logged
// and left behind.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		// Never started (CLI use): only release resources.
		var err error
		if a.store != nil {
			err = a.store.Close()
		}
		_ = a.logs.Close()
		return err
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	steps := []stopStep{
		{"acquisition", 2 * time.Second, func(c context.Context) error { a.sched.Stop(c); return nil }},
		{"executor", 3 * time.Second, func(c context.Context) error { a.engine.Stop(c); return nil }},
		{"diag", time.Second, func(c context.Context) error { a.diag.Stop(c); return nil }},
		{"storage", time.Second, func(context.Context) error {
			if a.store == nil {
				return nil
			}
			return a.store.Close()
		}},
		// Config watch/reload and the event log.
		{"supervisor", 2 * time.Second, a.sup.Wait},
	}
	for _, st := range steps {
		st.run(ctx, a.log)
	}

	a.log.Info("stopped", logx.String("reason", string(reason)))
	_ = a.logs.Close()
	return nil
}
