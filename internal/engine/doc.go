// Package engine evaluates the rule set against the local wall clock and
// dispatches each matching occurrence at most once.
//
// The engine polls: every tick it takes a snapshot of the rules, keeps the
// enabled ones whose weekday and HH:MM match now, and dispatches those that
// are inside the fire window (the first few seconds of the minute) and not
// yet in the firing ledger. The ledger is keyed by (rule ID, HH:MM) and
// stores the YYYYMMDDHHMM stamp of the last attempt, so a rule fires once
// per occurrence no matter how many ticks land in that minute. Attempts are
// recorded whether or not the action succeeded; a failed occurrence is not
// retried.
//
// Tick is exported and takes the time explicitly so tests drive the engine
// without sleeping. Start drives it from a ticker.
package engine
