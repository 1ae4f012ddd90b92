// Package metrics records operational counters for the scheduler.
package metrics

import "time"

// Sink records metrics. Implementations must not block or fail.
type Sink interface {
	// Engine
	TickCompleted(duration time.Duration, dispatched int, err error)
	Dispatched(action, outcome string, duration time.Duration)
	LedgerSize(n int)
	EngineState(state string)

	// Rule set
	RulesLoaded(total, enabled int)

	// Notifier
	Notification(outcome string)
}

// Outcome values for Dispatched.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
	OutcomePanic   = "panic"
)

// Outcome values for Notification.
const (
	NotifySent    = "sent"
	NotifyFailed  = "failed"
	NotifyDeduped = "deduped"
	NotifyLimited = "rate_limited"
)

// EngineStates lists every value passed to EngineState so the gauge can
// zero the others.
var EngineStates = []string{"idle", "evaluating", "dispatching", "stopped"}
