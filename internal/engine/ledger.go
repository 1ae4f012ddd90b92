package engine

import "time"

type ledgerKey struct {
	ruleID string
	minute string // HH:MM
}

type ledgerEntry struct {
	stamp string    // YYYYMMDDHHMM
	at    time.Time // when the attempt was made
}

// ledger records the last attempted occurrence per (rule, minute-of-day).
// It is owned by the tick and not safe for concurrent use.
type ledger struct {
	entries map[ledgerKey]ledgerEntry
}

func newLedger() *ledger {
	return &ledger{entries: map[ledgerKey]ledgerEntry{}}
}

func (l *ledger) fired(k ledgerKey, stamp string) bool {
	e, ok := l.entries[k]
	return ok && e.stamp == stamp
}

func (l *ledger) record(k ledgerKey, stamp string, at time.Time) {
	l.entries[k] = ledgerEntry{stamp: stamp, at: at}
}

// prune drops entries attempted before cutoff and returns how many.
func (l *ledger) prune(cutoff time.Time) int {
	n := 0
	for k, e := range l.entries {
		if e.at.Before(cutoff) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

func (l *ledger) len() int { return len(l.entries) }
