package notifier

import (
	"time"

	kit "powersched/internal/transport"
)

// Config controls the notification pipeline.
type Config struct {
	Enabled        bool
	Target         kit.ChatTarget
	RatePerSec     int
	DedupWindow    time.Duration
	NotifyFailures bool
	QueueSize      int
	RetryMax       int
	RetryBase      time.Duration
	RetryMaxDelay  time.Duration
	SendTimeout    time.Duration
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
	Err  string    `json:"err,omitempty"`
}
