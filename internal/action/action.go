// Package action performs the operating-system power actions.
//
// A Dispatcher wraps one backend:
//   - exec: runs the platform command (shutdown.exe, systemctl, pmset)
//   - logind: asks systemd-logind over the system D-Bus (Linux)
//   - dryrun: logs the action and does nothing
//   - auto: logind when reachable, otherwise exec
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

var ErrUnsupported = errors.New("action not supported on this platform")

const (
	BackendAuto   = "auto"
	BackendExec   = "exec"
	BackendLogind = "logind"
	BackendDryRun = "dryrun"

	DefaultTimeout = 30 * time.Second
)

type Config struct {
	Backend string
	Timeout time.Duration
	// Commands overrides the argv used by the exec backend, keyed by
	// action name.
	Commands map[string][]string
}

// Executor performs one action. Implementations must honour ctx where
// the underlying mechanism allows it.
type Executor interface {
	Perform(ctx context.Context, a schedule.Action) error
	Name() string
}

// Dispatcher is the engine-facing executor. Its backend can be swapped at
// runtime with Apply.
type Dispatcher struct {
	log    logx.Logger
	runner Runner
	probe  func(ctx context.Context) bool
	cur    atomic.Pointer[dispatcherState]
}

type dispatcherState struct {
	exec    Executor
	timeout time.Duration
}

type Option func(*Dispatcher)

// WithRunner replaces the command runner used by the exec backend.
func WithRunner(r Runner) Option { return func(d *Dispatcher) { d.runner = r } }

// WithLogindProbe replaces the reachability check used by "auto".
func WithLogindProbe(fn func(ctx context.Context) bool) Option {
	return func(d *Dispatcher) { d.probe = fn }
}

func New(cfg Config, log logx.Logger, opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		log:    log.With(logx.String("comp", "action")),
		runner: CommandRunner{},
		probe:  logindReachable,
	}
	for _, o := range opts {
		o(d)
	}
	if err := d.Apply(cfg); err != nil {
		return nil, err
	}
	return d, nil
}

// Apply rebuilds the backend. On error the previous backend stays active.
func (d *Dispatcher) Apply(cfg Config) error {
	ex, err := d.build(cfg)
	if err != nil {
		return err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	d.cur.Store(&dispatcherState{exec: ex, timeout: timeout})
	d.log.Info("action backend ready", logx.String("backend", ex.Name()), logx.Duration("timeout", timeout))
	return nil
}

func (d *Dispatcher) build(cfg Config) (Executor, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "", BackendAuto:
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if d.probe != nil && d.probe(ctx) {
			return newLogind(d.log)
		}
		return newExec(d.runner, cfg.Commands, d.log)
	case BackendExec:
		return newExec(d.runner, cfg.Commands, d.log)
	case BackendLogind:
		return newLogind(d.log)
	case BackendDryRun:
		return dryRun{log: d.log}, nil
	default:
		return nil, fmt.Errorf("unknown action backend %q", cfg.Backend)
	}
}

// Backend names the active backend.
func (d *Dispatcher) Backend() string {
	if st := d.cur.Load(); st != nil {
		return st.exec.Name()
	}
	return ""
}

// Perform runs a with the configured timeout. Unknown actions fail with
// schedule.ErrInvalidAction.
func (d *Dispatcher) Perform(ctx context.Context, a schedule.Action) error {
	if !a.Valid() {
		return fmt.Errorf("%w %q", schedule.ErrInvalidAction, string(a))
	}
	st := d.cur.Load()
	if st == nil {
		return errors.New("action dispatcher not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()
	if err := st.exec.Perform(ctx, a); err != nil {
		return fmt.Errorf("%s via %s: %w", a, st.exec.Name(), err)
	}
	return nil
}

type dryRun struct{ log logx.Logger }

func (dryRun) Name() string { return BackendDryRun }

func (r dryRun) Perform(ctx context.Context, a schedule.Action) error {
	r.log.Warn("dry run: power action skipped", logx.String("action", string(a)))
	return nil
}
