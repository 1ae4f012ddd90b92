package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"powersched/internal/action"
	"powersched/internal/config"
	"powersched/internal/engine"
	"powersched/internal/eventbus"
	"powersched/internal/metrics"
	"powersched/internal/notifier"
	"powersched/internal/observability/status"
	"powersched/internal/ruleset"
	rtsup "powersched/internal/runtime/supervisor"
	"powersched/internal/storage"
	kit "powersched/internal/transport"
	"powersched/internal/transport/telegram"
	logx "powersched/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry
	sink  metrics.Sink

	rules  *ruleset.RuleSet
	disp   *action.Dispatcher
	engine *engine.Engine
	notif  *notifier.Service
	status *status.Service

	sd         sdNotifier
	actionOpts []action.Option
}

type Option func(*App)

// WithActionOptions passes options to the action dispatcher (tests inject
// a fake command runner).
func WithActionOptions(opts ...action.Option) Option {
	return func(a *App) { a.actionOpts = append(a.actionOpts, opts...) }
}

func withSDNotifier(n sdNotifier) Option { return func(a *App) { a.sd = n } }

// New loads the config and builds every component. Rules that cannot be
// loaded leave the daemon running with an empty set.
func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	a := &App{cfgm: cfgm}
	for _, o := range opts {
		o(a)
	}

	var sender kit.Sender
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		ad, err := telegram.New(telegram.Config{
			Token:   cfg.Telegram.Token,
			Timeout: config.Dur(cfg.Telegram.Timeout, 10*time.Second),
		})
		if err != nil {
			return nil, fmt.Errorf("telegram: %w", err)
		}
		sender = ad
	}

	logSvc, log := logx.New(mapLogging(cfg), sender)
	a.logs = logSvc
	a.log = log.With(logx.String("comp", "app"))
	if a.sd == nil {
		a.sd = systemdNotifier{log: a.log}
	}
	a.bus = eventbus.New()

	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.sink = metrics.NewPrometheusSink(a.reg, log.With(logx.String("comp", "metrics")))

	sc := mapStorage(cfg)
	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.log.Info("storage opened", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	a.rules = ruleset.New(store, log, a.bus)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = a.rules.Load(ctx) // logged by the rule set; the daemon runs with what it has
	a.noteRules()

	disp, err := action.New(mapAction(cfg), log.With(logx.String("comp", "action")), a.actionOpts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.disp = disp

	a.engine = engine.New(mapEngine(cfg), engine.Deps{
		Rules:      a.rules,
		Dispatcher: disp,
		Recorder:   store,
		Log:        log,
		Bus:        a.bus,
		Metrics:    a.sink,
	})
	historySize := cfg.Storage.HistorySize
	if historySize <= 0 {
		historySize = engine.DefaultHistorySize
	}
	if recent, err := store.RecentFires(ctx, historySize); err != nil {
		a.log.Warn("fire history unavailable", logx.Err(err))
	} else {
		a.engine.SeedHistory(recent)
	}

	a.notif = notifier.New(mapNotifier(cfg), sender, a.bus, log.With(logx.String("comp", "notifier")), a.sink)
	a.status = status.New(mapStatus(cfg), status.Deps{
		Engine:     a.engine,
		Rules:      a.rules,
		Supervisor: supervisorView{a},
		Notifier:   a.notif,
		Gatherer:   a.reg,
	}, log.With(logx.String("comp", "status")))

	return a, nil
}

type supervisorView struct{ a *App }

func (v supervisorView) Snapshot() rtsup.Snapshot {
	if v.a.sup == nil {
		return rtsup.Snapshot{}
	}
	return v.a.sup.Snapshot()
}

func (a *App) Engine() *engine.Engine         { return a.engine }
func (a *App) Rules() *ruleset.RuleSet        { return a.rules }
func (a *App) Registry() *prometheus.Registry { return a.reg }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) noteRules() {
	list := a.rules.List()
	enabled := 0
	for _, r := range list {
		if r.Enabled {
			enabled++
		}
	}
	a.sink.RulesLoaded(len(list), enabled)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	cfg := a.cfgm.Get()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		// Building a throwaway dispatcher checks backend and command overrides.
		_, err := action.New(mapAction(c), logx.Nop(), a.actionOpts...)
		return err
	})

	events, unsub := a.bus.Subscribe(128)
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
				if e.Type == eventbus.TypeRulesChanged {
					a.noteRules()
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if cfg.Scheduler.IsEnabled() {
		if err := a.engine.Start(a.sup.Context()); err != nil {
			return err
		}
	} else {
		a.log.Warn("scheduler disabled by config; no actions will fire")
	}

	a.notif.Start(a.sup.Context())

	if err := a.status.Start(a.sup.Context()); err != nil {
		// observability is optional; keep running without it.
		a.log.Error("status server failed to start", logx.Err(err))
	}

	if w, ok := a.store.(storage.Watcher); ok && cfg.Storage.WatchEnabled() {
		a.sup.GoRestart("rules.watch", func(c context.Context) error {
			return w.Watch(c, func() {
				rctx, cancel := context.WithTimeout(c, 10*time.Second)
				defer cancel()
				_, _ = a.rules.Reload(rctx) // failures are logged by the rule set
			})
		}, rtsup.WithRestartBackoff(time.Second, 30*time.Second))
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.apply(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	if err := a.sd.Notify(daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	}
	if every := a.sd.WatchdogInterval(); every > 0 {
		staleAfter := config.Dur(cfg.Status.StaleAfter, 10*time.Second)
		a.sup.Go0("systemd.watchdog", func(c context.Context) {
			watchdogLoop(c, a.sd, every, func() (bool, string) {
				if !a.cfgm.Get().Scheduler.IsEnabled() {
					return true, ""
				}
				stale, reason := a.engine.Snapshot().Stale(time.Now(), staleAfter)
				return !stale, reason
			}, a.log)
		})
	}

	a.log.Info("app started",
		logx.String("config", a.cfgm.Path()),
		logx.Int("rules", a.rules.Len()),
		logx.String("backend", a.disp.Backend()),
	)
	return nil
}

// apply fans a reloaded config out to the live components.
func (a *App) apply(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	for _, key := range config.RestartRequired(oldCfg, newCfg) {
		a.log.Warn("config change requires restart to take effect", logx.String("setting", key))
	}

	a.logs.Apply(mapLogging(newCfg))
	a.engine.Apply(mapEngine(newCfg))
	if err := a.disp.Apply(mapAction(newCfg)); err != nil {
		a.log.Warn("invalid actions config; keeping previous", logx.Err(err))
	}
	a.notif.Apply(mapNotifier(newCfg))
	a.status.Apply(mapStatus(newCfg))

	was, now := oldCfg.Scheduler.IsEnabled(), newCfg.Scheduler.IsEnabled()
	switch {
	case was && !now:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, config.Dur(newCfg.Scheduler.StopTimeout, 2*time.Second))
		if err := a.engine.Stop(stopCtx); err != nil {
			a.log.Warn("engine stop incomplete", logx.Err(err))
		}
		cancel()
	case !was && now:
		a.log.Info("scheduler enabled via config")
		if err := a.engine.Start(a.sup.Context()); err != nil {
			a.log.Error("engine start failed", logx.Err(err))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_ = a.sd.Notify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < limit {
					limit = max(rem, 0)
				}
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it doesn't, log a leak signal.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	stopTimeout := config.Dur(a.cfgm.Get().Scheduler.StopTimeout, 2*time.Second)
	step("engine", stopTimeout, a.engine.Stop)
	step("status", time.Second, func(c context.Context) error { a.status.Stop(c); return nil })
	step("notifier", time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	// Wait for supervised goroutines (watchers, reload loop) before closing the store they use.
	step("supervisor", 2*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	return a.logs.Close()
}
