package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	logx "powersched/pkg/logx"
)

const (
	DefaultPath       = "./powersched.json"
	DefaultStatusAddr = "127.0.0.1:7717"
)

// Default returns the configuration used when no file exists. Parse
// decodes on top of it so omitted keys keep these values.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			Telegram: LoggingTelegram{
				MinLevel:   "warn",
				RatePerSec: 1,
			},
		},
		Scheduler: SchedulerConfig{
			TickInterval:    "1s",
			FireWindow:      "5s",
			LedgerRetention: "48h",
			PruneInterval:   "1h",
			StopTimeout:     "2s",
		},
		Storage: StorageConfig{
			Driver:       "file",
			PollInterval: "2s",
			HistorySize:  200,
		},
		Actions: ActionsConfig{
			Backend: "auto",
			Timeout: "30s",
		},
		Telegram: TelegramConfig{
			Timeout: "10s",
		},
		Notifier: NotifierConfig{
			RatePerSec:  1,
			DedupWindow: "1m",
		},
		Status: StatusConfig{
			Addr:       DefaultStatusAddr,
			StaleAfter: "10s",
		},
	}
}

var (
	validDrivers  = map[string]bool{"": true, "file": true, "json": true, "sqlite": true, "sqlite3": true}
	validBackends = map[string]bool{"": true, "auto": true, "exec": true, "logind": true, "dryrun": true}
	validActions  = map[string]bool{"shutdown": true, "hibernate": true}
)

// Validate reports every problem found in cfg as one joined error.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if !logx.ValidLevel(cfg.Logging.Level) {
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}
	if !logx.ValidLevel(cfg.Logging.Telegram.MinLevel) {
		add(fmt.Errorf("logging.telegram.min_level: unknown level %q", cfg.Logging.Telegram.MinLevel))
	}
	if cfg.Logging.Telegram.RatePerSec < 0 {
		add(errors.New("logging.telegram.rate_per_sec: must be >= 0"))
	}
	if cfg.Logging.Telegram.Enabled && !cfg.Telegram.Configured() {
		add(errors.New("logging.telegram.enabled requires telegram.token and telegram.chat_id"))
	}

	for path, raw := range map[string]string{
		"scheduler.tick_interval":    cfg.Scheduler.TickInterval,
		"scheduler.fire_window":      cfg.Scheduler.FireWindow,
		"scheduler.ledger_retention": cfg.Scheduler.LedgerRetention,
		"scheduler.prune_interval":   cfg.Scheduler.PruneInterval,
		"scheduler.stop_timeout":     cfg.Scheduler.StopTimeout,
		"storage.busy_timeout":       cfg.Storage.BusyTimeout,
		"storage.poll_interval":      cfg.Storage.PollInterval,
		"actions.timeout":            cfg.Actions.Timeout,
		"telegram.timeout":           cfg.Telegram.Timeout,
		"notifier.dedup_window":      cfg.Notifier.DedupWindow,
		"status.stale_after":         cfg.Status.StaleAfter,
	} {
		_, err := ParseDurationField(path, raw)
		add(err)
	}
	fw, werr := ParseDurationField("scheduler.fire_window", cfg.Scheduler.FireWindow)
	if werr == nil && fw > time.Minute {
		add(errors.New("scheduler.fire_window: must not exceed 1m"))
	}
	// A tick at least as long as the window can step over it entirely.
	if _, terr := ParseDurationField("scheduler.tick_interval", cfg.Scheduler.TickInterval); werr == nil && terr == nil {
		tick, window := Dur(cfg.Scheduler.TickInterval, time.Second), Dur(cfg.Scheduler.FireWindow, 5*time.Second)
		if tick >= window {
			add(fmt.Errorf("scheduler.tick_interval: %s must be shorter than scheduler.fire_window %s", tick, window))
		}
	}

	if !validDrivers[strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))] {
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}
	if cfg.Storage.HistorySize < 0 {
		add(errors.New("storage.history_size: must be >= 0"))
	}

	if !validBackends[strings.ToLower(strings.TrimSpace(cfg.Actions.Backend))] {
		add(fmt.Errorf("actions.backend: unknown backend %q", cfg.Actions.Backend))
	}
	for name, argv := range cfg.Actions.Commands {
		if !validActions[strings.ToLower(name)] {
			add(fmt.Errorf("actions.commands: unknown action %q", name))
			continue
		}
		if len(argv) == 0 || strings.TrimSpace(argv[0]) == "" {
			add(fmt.Errorf("actions.commands.%s: empty command", name))
		}
	}

	if cfg.Notifier.Enabled && !cfg.Telegram.Configured() {
		add(errors.New("notifier.enabled requires telegram.token and telegram.chat_id"))
	}
	if cfg.Notifier.RatePerSec < 0 {
		add(errors.New("notifier.rate_per_sec: must be >= 0"))
	}

	if cfg.Status.Enabled {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Status.Addr)); err != nil {
			add(fmt.Errorf("status.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
