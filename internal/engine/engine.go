package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"powersched/internal/eventbus"
	"powersched/internal/metrics"
	"powersched/internal/schedule"
	"powersched/internal/storage"
	logx "powersched/pkg/logx"
)

// Deps are the engine's collaborators. Rules and Dispatcher are required.
type Deps struct {
	Rules      RuleSource
	Dispatcher Dispatcher
	Recorder   FireRecorder
	Clock      Clock
	Log        logx.Logger
	Bus        eventbus.Bus
	Metrics    metrics.Sink
}

type Engine struct {
	rules   RuleSource
	disp    Dispatcher
	rec     FireRecorder
	clock   Clock
	log     logx.Logger
	bus     eventbus.Bus
	metrics metrics.Sink

	cfg   atomic.Pointer[Config]
	state atomic.Int32

	// tickMu serializes ticks and guards the ledger.
	tickMu    sync.Mutex
	ledger    *ledger
	lastPrune time.Time

	// mu guards the run lifecycle and the stats below.
	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt time.Time

	lastTick       time.Time
	ticks          uint64
	tickErrors     uint64
	dispatches     uint64
	dispatchErrors uint64
	lastErr        string
	lastErrAt      time.Time
	ledgerSize     int
	history        []storage.FireRecord // newest last, bounded by HistorySize
}

func New(cfg Config, d Deps) *Engine {
	if d.Clock == nil {
		d.Clock = time.Now
	}
	if d.Bus == nil {
		d.Bus = eventbus.Nop{}
	}
	if d.Metrics == nil {
		d.Metrics = metrics.Noop{}
	}
	e := &Engine{
		rules:   d.Rules,
		disp:    d.Dispatcher,
		rec:     d.Recorder,
		clock:   d.Clock,
		log:     d.Log.With(logx.String("comp", "engine")),
		bus:     d.Bus,
		metrics: d.Metrics,
		ledger:  newLedger(),
	}
	c := cfg.normalized()
	e.cfg.Store(&c)
	e.state.Store(int32(Stopped))
	return e
}

func (e *Engine) config() Config { return *e.cfg.Load() }

// Apply swaps the engine configuration. A new tick interval takes effect
// at the next tick.
func (e *Engine) Apply(cfg Config) {
	c := cfg.normalized()
	e.cfg.Store(&c)
	e.log.Debug("engine config applied",
		logx.Duration("tick_interval", c.TickInterval),
		logx.Duration("fire_window", c.FireWindow),
		logx.Duration("ledger_retention", c.LedgerRetention),
	)
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) setState(s State) {
	if prev := State(e.state.Swap(int32(s))); prev != s {
		e.metrics.EngineState(s.String())
		e.log.Trace("engine state", logx.String("from", prev.String()), logx.String("to", s.String()))
	}
}

// Start launches the polling loop. Calling Start on a running engine is a
// no-op. The loop stops when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	if e.rules == nil || e.disp == nil {
		return errors.New("engine: rules and dispatcher are required")
	}
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.running = true
	e.cancel = cancel
	e.done = done
	e.startedAt = e.clock()
	e.mu.Unlock()

	e.setState(Idle)
	e.publishState()
	e.log.Info("engine started", logx.Duration("tick_interval", e.config().TickInterval), logx.Duration("fire_window", e.config().FireWindow))
	go func() {
		defer close(done)
		e.loop(rctx)
	}()
	return nil
}

// Stop signals the loop and waits for it to exit, bounded by ctx.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

func (e *Engine) loop(ctx context.Context) {
	defer func() {
		e.mu.Lock()
		e.running = false
		e.cancel = nil
		e.mu.Unlock()
		e.setState(Stopped)
		e.publishState()
		e.log.Info("engine stopped")
	}()

	interval := e.config().TickInterval
	t := time.NewTicker(interval)
	defer t.Stop()

	e.Tick(ctx, e.clock())
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if ctx.Err() != nil {
			return
		}
		e.Tick(ctx, e.clock())
		if next := e.config().TickInterval; next != interval {
			interval = next
			t.Reset(interval)
		}
	}
}

// due is a rule selected for dispatch in this tick.
type due struct {
	rule  schedule.Schedule
	key   ledgerKey
	stamp string
}

// Tick evaluates the rules at now and dispatches what is due. It never
// panics; a failure is isolated to this tick and reported in the result.
func (e *Engine) Tick(ctx context.Context, now time.Time) (rep TickReport) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	start := time.Now()
	rep.At = now
	defer func() {
		if r := recover(); r != nil {
			rep.Err = fmt.Errorf("tick panic: %v", r)
			e.log.Error("tick failed", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
		e.finishTick(now, &rep, time.Since(start))
	}()

	cfg := e.config()
	e.setState(Evaluating)

	rules := e.rules.List()
	rep.Rules = len(rules)
	weekday := schedule.WeekdayOf(now)
	minute := schedule.MinuteOf(now)
	intoMinute := time.Duration(now.Second())*time.Second + time.Duration(now.Nanosecond())
	stamp := now.Format(StampLayout)

	var todo []due
	for _, s := range rules {
		if !s.Enabled || !s.Days.Has(weekday) || s.Time != minute {
			continue
		}
		rep.Matched++
		if intoMinute >= cfg.FireWindow {
			rep.OutsideWindow++
			continue
		}
		k := ledgerKey{ruleID: s.ID, minute: s.Time.String()}
		if e.ledger.fired(k, stamp) {
			rep.AlreadyFired++
			continue
		}
		todo = append(todo, due{rule: s, key: k, stamp: stamp})
	}

	if len(todo) > 0 {
		e.setState(Dispatching)
		for _, d := range todo {
			err := e.dispatch(ctx, cfg, d, now)
			// The attempt is recorded whatever the outcome.
			e.ledger.record(d.key, d.stamp, now)
			rep.Dispatched++
			if err != nil {
				rep.Failed++
			}
		}
	}

	if e.lastPrune.IsZero() {
		e.lastPrune = now
	}
	if now.Sub(e.lastPrune) >= cfg.PruneInterval {
		rep.Pruned = e.ledger.prune(now.Add(-cfg.LedgerRetention))
		e.lastPrune = now
		if rep.Pruned > 0 {
			e.log.Debug("ledger pruned", logx.Int("removed", rep.Pruned), logx.Int("remaining", e.ledger.len()))
		}
	}
	return rep
}

func (e *Engine) finishTick(now time.Time, rep *TickReport, took time.Duration) {
	size := e.ledger.len()

	e.mu.Lock()
	running := e.running
	e.lastTick = now
	e.ticks++
	e.ledgerSize = size
	if rep.Err != nil {
		e.tickErrors++
		e.lastErr = rep.Err.Error()
		e.lastErrAt = now
	}
	e.mu.Unlock()

	if running {
		e.setState(Idle)
	} else {
		e.setState(Stopped)
	}
	e.metrics.TickCompleted(took, rep.Dispatched, rep.Err)
	e.metrics.LedgerSize(size)
}

// dispatch performs one action with a timeout, isolating panics. It
// reports the outcome through logs, events, metrics and the recorder.
func (e *Engine) dispatch(ctx context.Context, cfg Config, d due, now time.Time) (err error) {
	firing := eventbus.Firing{
		RuleID: d.rule.ID,
		Rule:   d.rule.Describe(),
		Action: string(d.rule.Action),
		Minute: d.key.minute,
		Stamp:  d.stamp,
		At:     now,
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFiring, Time: now, Data: firing})
	e.log.Info("dispatching action",
		logx.String("rule", d.rule.ID),
		logx.String("action", string(d.rule.Action)),
		logx.String("time", d.key.minute),
		logx.String("stamp", d.stamp),
	)

	dctx, cancel := context.WithTimeout(ctx, cfg.DispatchTimeout)
	defer cancel()

	outcome := metrics.OutcomeSuccess
	start := time.Now()
	func() {
		defer func() {
			if r := recover(); r != nil {
				outcome = metrics.OutcomePanic
				err = fmt.Errorf("dispatch panic: %v", r)
				e.log.Error("dispatch panicked", logx.String("rule", d.rule.ID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		err = e.disp.Perform(dctx, d.rule.Action)
	}()
	took := time.Since(start)
	if err != nil && outcome == metrics.OutcomeSuccess {
		outcome = metrics.OutcomeFailed
	}

	if err != nil {
		e.log.Error("action failed",
			logx.String("rule", d.rule.ID),
			logx.String("action", string(d.rule.Action)),
			logx.String("stamp", d.stamp),
			logx.Err(err),
		)
	}
	e.metrics.Dispatched(string(d.rule.Action), outcome, took)

	rec := storage.FireRecord{
		At:         now,
		RuleID:     d.rule.ID,
		Action:     string(d.rule.Action),
		Minute:     d.key.minute,
		Stamp:      d.stamp,
		DurationMS: took.Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	e.noteFire(rec, err, now, cfg.HistorySize)

	if e.rec != nil {
		rctx, rcancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if rerr := e.rec.AppendFire(rctx, rec); rerr != nil {
			e.log.Warn("fire history write failed", logx.Err(rerr))
		}
		rcancel()
	}

	e.bus.Publish(eventbus.Event{
		Type: eventbus.TypeScheduleFired,
		Time: now,
		Data: eventbus.Fired{Firing: firing, Duration: took, Err: err},
	})
	return err
}

func (e *Engine) noteFire(rec storage.FireRecord, err error, now time.Time, limit int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatches++
	if err != nil {
		e.dispatchErrors++
		e.lastErr = err.Error()
		e.lastErrAt = now
	}
	e.history = append(e.history, rec)
	if over := len(e.history) - limit; over > 0 {
		e.history = append(e.history[:0:0], e.history[over:]...)
	}
}

// SeedHistory preloads recent fires (newest first, as returned by
// storage) so status output survives restarts.
func (e *Engine) SeedHistory(recent []storage.FireRecord) {
	limit := e.config().HistorySize
	e.mu.Lock()
	defer e.mu.Unlock()
	h := make([]storage.FireRecord, 0, len(recent)+len(e.history))
	for i := len(recent) - 1; i >= 0; i-- {
		h = append(h, recent[i])
	}
	h = append(h, e.history...)
	if over := len(h) - limit; over > 0 {
		h = h[over:]
	}
	e.history = h
}

func (e *Engine) publishState() {
	e.bus.Publish(eventbus.Event{Type: eventbus.TypeEngineState, Data: e.State().String()})
}

// Snapshot returns counters and the recent fires, newest first.
func (e *Engine) Snapshot() Snapshot {
	cfg := e.config()
	e.mu.Lock()
	defer e.mu.Unlock()
	recent := make([]storage.FireRecord, 0, len(e.history))
	for i := len(e.history) - 1; i >= 0; i-- {
		recent = append(recent, e.history[i])
	}
	return Snapshot{
		Running:        e.running,
		State:          e.State().String(),
		StartedAt:      e.startedAt,
		LastTick:       e.lastTick,
		Ticks:          e.ticks,
		TickErrors:     e.tickErrors,
		Dispatches:     e.dispatches,
		DispatchErrors: e.dispatchErrors,
		LastError:      e.lastErr,
		LastErrorAt:    e.lastErrAt,
		LedgerSize:     e.ledgerSize,
		TickInterval:   cfg.TickInterval,
		FireWindow:     cfg.FireWindow,
		Recent:         recent,
	}
}
