package engine

import (
	"context"
	"time"

	"powersched/internal/schedule"
	"powersched/internal/storage"
)

const (
	DefaultTickInterval    = time.Second
	DefaultFireWindow      = 5 * time.Second
	DefaultLedgerRetention = 48 * time.Hour
	DefaultPruneInterval   = time.Hour
	DefaultDispatchTimeout = 30 * time.Second
	DefaultHistorySize     = 200

	// StampLayout formats an occurrence to minute granularity.
	StampLayout = "200601021504"
)

type Config struct {
	TickInterval    time.Duration
	FireWindow      time.Duration
	LedgerRetention time.Duration
	PruneInterval   time.Duration
	DispatchTimeout time.Duration
	HistorySize     int
}

func DefaultConfig() Config {
	return Config{
		TickInterval:    DefaultTickInterval,
		FireWindow:      DefaultFireWindow,
		LedgerRetention: DefaultLedgerRetention,
		PruneInterval:   DefaultPruneInterval,
		DispatchTimeout: DefaultDispatchTimeout,
		HistorySize:     DefaultHistorySize,
	}
}

// normalized fills zero fields with defaults. The fire window is capped at
// one minute and the tick interval is kept below the window.
func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.FireWindow <= 0 {
		c.FireWindow = d.FireWindow
	}
	if c.FireWindow > time.Minute {
		c.FireWindow = time.Minute
	}
	// Every minute must get at least one tick inside its window.
	if c.TickInterval >= c.FireWindow {
		c.TickInterval = c.FireWindow / 2
	}
	if c.LedgerRetention <= 0 {
		c.LedgerRetention = d.LedgerRetention
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = d.PruneInterval
	}
	if c.DispatchTimeout <= 0 {
		c.DispatchTimeout = d.DispatchTimeout
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}

// Clock returns the current local wall-clock time.
type Clock func() time.Time

// RuleSource supplies the rules to evaluate. List must return a snapshot
// the engine may read without further locking.
type RuleSource interface {
	List() []schedule.Schedule
}

// Dispatcher performs a power action. It may block.
type Dispatcher interface {
	Perform(ctx context.Context, a schedule.Action) error
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, a schedule.Action) error

func (f DispatcherFunc) Perform(ctx context.Context, a schedule.Action) error { return f(ctx, a) }

// FireRecorder persists dispatch attempts. Optional.
type FireRecorder interface {
	AppendFire(ctx context.Context, f storage.FireRecord) error
}

// TickReport summarizes one tick.
type TickReport struct {
	At            time.Time
	Rules         int
	Matched       int // enabled, weekday and HH:MM match
	OutsideWindow int // matched but too late in the minute
	AlreadyFired  int // matched inside the window, already in the ledger
	Dispatched    int
	Failed        int
	Pruned        int
	Err           error // tick-level failure (recovered panic)
}

// Snapshot is a point-in-time view of the engine for status output.
type Snapshot struct {
	Running        bool                 `json:"running"`
	State          string               `json:"state"`
	StartedAt      time.Time            `json:"started_at,omitempty"`
	LastTick       time.Time            `json:"last_tick,omitempty"`
	Ticks          uint64               `json:"ticks"`
	TickErrors     uint64               `json:"tick_errors"`
	Dispatches     uint64               `json:"dispatches"`
	DispatchErrors uint64               `json:"dispatch_errors"`
	LastError      string               `json:"last_error,omitempty"`
	LastErrorAt    time.Time            `json:"last_error_at,omitempty"`
	LedgerSize     int                  `json:"ledger_size"`
	TickInterval   time.Duration        `json:"tick_interval"`
	FireWindow     time.Duration        `json:"fire_window"`
	Recent         []storage.FireRecord `json:"recent"`
}

// Stale reports whether the engine should be considered unhealthy at now:
// it is not running, or has not ticked within staleAfter.
func (s Snapshot) Stale(now time.Time, staleAfter time.Duration) (bool, string) {
	if !s.Running {
		return true, "engine stopped"
	}
	if s.LastTick.IsZero() {
		if staleAfter > 0 && !s.StartedAt.IsZero() && now.Sub(s.StartedAt) > staleAfter {
			return true, "engine has not ticked since start"
		}
		return false, ""
	}
	if staleAfter > 0 && now.Sub(s.LastTick) > staleAfter {
		return true, "last tick " + now.Sub(s.LastTick).Truncate(time.Second).String() + " ago"
	}
	return false, ""
}
