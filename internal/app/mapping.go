package app

import (
	"strings"

	"powersched/internal/action"
	"powersched/internal/config"
	"powersched/internal/engine"
	"powersched/internal/notifier"
	"powersched/internal/observability/status"
	"powersched/internal/storage"
	kit "powersched/internal/transport"
	logx "powersched/pkg/logx"
)

// The config package keeps raw strings; these map a validated config onto
// each component's typed settings.

func mapLogging(cfg *config.Config) logx.Config {
	thread := cfg.Telegram.ThreadID
	if cfg.Logging.Telegram.ThreadID != 0 {
		thread = cfg.Logging.Telegram.ThreadID
	}
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Chat: logx.ChatConfig{
			Enabled:    cfg.Logging.Telegram.Enabled && cfg.Telegram.Configured(),
			Target:     kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: thread},
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapEngine(cfg *config.Config) engine.Config {
	s := cfg.Scheduler
	return engine.Config{
		TickInterval:    config.Dur(s.TickInterval, engine.DefaultTickInterval),
		FireWindow:      config.Dur(s.FireWindow, engine.DefaultFireWindow),
		LedgerRetention: config.Dur(s.LedgerRetention, engine.DefaultLedgerRetention),
		PruneInterval:   config.Dur(s.PruneInterval, engine.DefaultPruneInterval),
		DispatchTimeout: config.Dur(cfg.Actions.Timeout, action.DefaultTimeout),
		HistorySize:     cfg.Storage.HistorySize,
	}
}

func mapStorage(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:       strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:         strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout:  config.Dur(cfg.Storage.BusyTimeout, 0),
		PollInterval: config.Dur(cfg.Storage.PollInterval, 0),
	}
}

func mapAction(cfg *config.Config) action.Config {
	return action.Config{
		Backend:  strings.ToLower(strings.TrimSpace(cfg.Actions.Backend)),
		Timeout:  config.Dur(cfg.Actions.Timeout, action.DefaultTimeout),
		Commands: cfg.Actions.Commands,
	}
}

func mapNotifier(cfg *config.Config) notifier.Config {
	return notifier.Config{
		Enabled:        cfg.Notifier.Enabled,
		Target:         kit.ChatTarget{ChatID: cfg.Telegram.ChatID, ThreadID: cfg.Telegram.ThreadID},
		RatePerSec:     cfg.Notifier.RatePerSec,
		DedupWindow:    config.Dur(cfg.Notifier.DedupWindow, 0),
		NotifyFailures: cfg.Notifier.FailuresEnabled(),
		SendTimeout:    config.Dur(cfg.Telegram.Timeout, 0),
	}
}

func mapStatus(cfg *config.Config) status.Config {
	return status.Config{
		Enabled:       cfg.Status.Enabled,
		Addr:          cfg.Status.Addr,
		Metrics:       cfg.Status.MetricsEnabled(),
		Pprof:         cfg.Status.Pprof,
		AllowInsecure: cfg.Status.AllowInsecure,
		StaleAfter:    config.Dur(cfg.Status.StaleAfter, 0),
	}
}
