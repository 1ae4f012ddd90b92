package metrics

import "time"

// Noop discards everything. Used when metrics are disabled.
type Noop struct{}

func (Noop) TickCompleted(time.Duration, int, error)  {}
func (Noop) Dispatched(string, string, time.Duration) {}
func (Noop) LedgerSize(int)                           {}
func (Noop) EngineState(string)                       {}
func (Noop) RulesLoaded(int, int)                     {}
func (Noop) Notification(string)                      {}
