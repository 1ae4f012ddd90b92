package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by powersched components.
const (
	// TypeScheduleFiring is published before an action is dispatched.
	TypeScheduleFiring = "schedule.firing"
	// TypeScheduleFired is published after dispatch returns (Data is a Fired).
	TypeScheduleFired = "schedule.fired"
	// TypeRulesChanged is published after the rule set is replaced.
	TypeRulesChanged = "rules.changed"
	// TypeEngineState is published on engine state transitions.
	TypeEngineState = "engine.state"
)

// Event is a small in-memory signal used to decouple the engine from
// notifiers, metrics and status.
//
// Publish never blocks. Subscribers get buffered channels and a slow
// subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Firing is the payload of schedule.firing.
type Firing struct {
	RuleID string
	Rule   string // human summary, e.g. "Mon,Wed 23:30 shutdown"
	Action string
	Minute string // HH:MM
	Stamp  string // YYYYMMDDHHMM
	At     time.Time
}

// Fired is the payload of schedule.fired.
type Fired struct {
	Firing
	Duration time.Duration
	Err      error
}

// RulesChanged is the payload of rules.changed.
type RulesChanged struct {
	Count  int
	Source string // "cli", "watch", "load"
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			// Holding the write lock excludes concurrent Publish sends.
			b.mu.Lock()
			delete(b.subs, id)
			close(ch)
			b.mu.Unlock()
		})
	}
	return ch, unsub
}

// Nop is a bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}
func (Nop) Subscribe(int) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
