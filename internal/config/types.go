package config

// Config is the daemon configuration. All durations are Go duration
// strings (e.g. "500ms", "5s", "48h"); empty means "use the default".
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Actions   ActionsConfig   `json:"actions"`
	Telegram  TelegramConfig  `json:"telegram"`
	Notifier  NotifierConfig  `json:"notifier"`
	Status    StatusConfig    `json:"status"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards log lines to telegram.chat_id. ThreadID
// overrides telegram.thread_id when non-zero.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
	ThreadID   int    `json:"thread_id,omitempty"`
}

// SchedulerConfig controls the polling engine.
//
// Enabled is a pointer so an omitted key keeps the default (true) while
// an explicit false disables the engine.
type SchedulerConfig struct {
	Enabled         *bool  `json:"enabled,omitempty"`
	TickInterval    string `json:"tick_interval"`
	FireWindow      string `json:"fire_window"`
	LedgerRetention string `json:"ledger_retention"`
	PruneInterval   string `json:"prune_interval"`
	StopTimeout     string `json:"stop_timeout"`
}

func (s SchedulerConfig) IsEnabled() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig selects where rules and fire history live.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./powersched.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // sqlite
	Watch        *bool  `json:"watch,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"` // sqlite change poll
	HistorySize  int    `json:"history_size,omitempty"`
}

func (s StorageConfig) WatchEnabled() bool { return s.Watch == nil || *s.Watch }

type ActionsConfig struct {
	Backend  string              `json:"backend"`
	Timeout  string              `json:"timeout"`
	Commands map[string][]string `json:"commands,omitempty"`
}

// TelegramConfig is shared by the log sink and the notifier.
// Token is a secret and must never be logged.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
}

func (t TelegramConfig) Configured() bool { return t.Token != "" && t.ChatID != 0 }

type NotifierConfig struct {
	Enabled        bool   `json:"enabled"`
	RatePerSec     int    `json:"rate_per_sec"`
	DedupWindow    string `json:"dedup_window"`
	NotifyFailures *bool  `json:"notify_failures,omitempty"`
}

func (n NotifierConfig) FailuresEnabled() bool { return n.NotifyFailures == nil || *n.NotifyFailures }

// StatusConfig controls the local HTTP status server.
//
// Security note: the server has no authentication; keep it on loopback.
type StatusConfig struct {
	Enabled    bool   `json:"enabled"`
	Addr       string `json:"addr"`
	Metrics    *bool  `json:"metrics,omitempty"`
	StaleAfter string `json:"stale_after"`
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof         bool `json:"pprof,omitempty"`
	AllowInsecure bool `json:"allow_insecure,omitempty"`
}

func (s StatusConfig) MetricsEnabled() bool { return s.Metrics == nil || *s.Metrics }
