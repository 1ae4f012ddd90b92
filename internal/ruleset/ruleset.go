// Package ruleset holds the ordered, persisted collection of schedules.
//
// Readers (the engine, status, CLI listing) get an immutable snapshot via
// List and never block. Mutations are serialized, persisted first, and only
// then published, so a failed save leaves the visible set untouched.
package ruleset

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"powersched/internal/eventbus"
	"powersched/internal/schedule"
	"powersched/internal/storage"
	logx "powersched/pkg/logx"
)

var (
	ErrDuplicate  = errors.New("an identical schedule already exists")
	ErrOutOfRange = errors.New("no schedule at that position")
	ErrNotFound   = errors.New("schedule not found")
)

// Store is the persistence the rule set needs.
type Store interface {
	LoadRules(ctx context.Context) (storage.Loaded, error)
	SaveRules(ctx context.Context, rules []schedule.Schedule) error
}

type RuleSet struct {
	store Store
	log   logx.Logger
	bus   eventbus.Bus

	mu  sync.Mutex // serializes mutations and reloads
	cur atomic.Pointer[[]schedule.Schedule]
}

func New(store Store, log logx.Logger, bus eventbus.Bus) *RuleSet {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	rs := &RuleSet{
		store: store,
		log:   log.With(logx.String("comp", "ruleset")),
		bus:   bus,
	}
	empty := []schedule.Schedule{}
	rs.cur.Store(&empty)
	return rs
}

func (r *RuleSet) snapshot() []schedule.Schedule {
	return *r.cur.Load()
}

// List returns a copy of the current rules in display order.
func (r *RuleSet) List() []schedule.Schedule {
	return slices.Clone(r.snapshot())
}

func (r *RuleSet) Len() int { return len(r.snapshot()) }

func (r *RuleSet) Get(id string) (schedule.Schedule, bool) {
	if i := r.IndexOf(id); i >= 0 {
		return r.snapshot()[i], true
	}
	return schedule.Schedule{}, false
}

// IndexOf returns the position of the rule with the given ID, or -1.
func (r *RuleSet) IndexOf(id string) int {
	return slices.IndexFunc(r.snapshot(), func(s schedule.Schedule) bool { return s.ID == id })
}

// commit persists next and publishes it. Callers hold r.mu.
func (r *RuleSet) commit(ctx context.Context, next []schedule.Schedule, source string) error {
	if err := r.store.SaveRules(ctx, next); err != nil {
		return fmt.Errorf("save rules: %w", err)
	}
	r.publish(next, source)
	return nil
}

func (r *RuleSet) publish(next []schedule.Schedule, source string) {
	r.cur.Store(&next)
	r.bus.Publish(eventbus.Event{
		Type: eventbus.TypeRulesChanged,
		Data: eventbus.RulesChanged{Count: len(next), Source: source},
	})
}

func duplicateOf(rules []schedule.Schedule, s schedule.Schedule, skip int) bool {
	for i, o := range rules {
		if i != skip && schedule.SameRule(o, s) {
			return true
		}
	}
	return false
}

// Add validates s, rejects duplicates, assigns a fresh ID and appends it.
func (r *RuleSet) Add(ctx context.Context, s schedule.Schedule) (schedule.Schedule, error) {
	if err := s.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if duplicateOf(cur, s, -1) {
		return schedule.Schedule{}, ErrDuplicate
	}
	s.ID = schedule.NewID()
	next := append(slices.Clone(cur), s)
	if err := r.commit(ctx, next, "add"); err != nil {
		return schedule.Schedule{}, err
	}
	r.log.Info("schedule added", logx.String("rule", s.ID), logx.String("desc", s.Describe()))
	return s, nil
}

// Update replaces the rule at pos (0-based). The existing ID is kept.
func (r *RuleSet) Update(ctx context.Context, pos int, s schedule.Schedule) (schedule.Schedule, error) {
	if err := s.Validate(); err != nil {
		return schedule.Schedule{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if pos < 0 || pos >= len(cur) {
		return schedule.Schedule{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos+1)
	}
	if duplicateOf(cur, s, pos) {
		return schedule.Schedule{}, ErrDuplicate
	}
	s.ID = cur[pos].ID
	next := slices.Clone(cur)
	next[pos] = s
	if err := r.commit(ctx, next, "update"); err != nil {
		return schedule.Schedule{}, err
	}
	r.log.Info("schedule updated", logx.String("rule", s.ID), logx.String("desc", s.Describe()))
	return s, nil
}

// Remove deletes the rule at pos and returns it.
func (r *RuleSet) Remove(ctx context.Context, pos int) (schedule.Schedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if pos < 0 || pos >= len(cur) {
		return schedule.Schedule{}, fmt.Errorf("%w: %d", ErrOutOfRange, pos+1)
	}
	removed := cur[pos]
	next := slices.Delete(slices.Clone(cur), pos, pos+1)
	if err := r.commit(ctx, next, "remove"); err != nil {
		return schedule.Schedule{}, err
	}
	r.log.Info("schedule removed", logx.String("rule", removed.ID), logx.String("desc", removed.Describe()))
	return removed, nil
}

// SetEnabled toggles the rule at pos. Setting the current value still
// persists, matching the other mutations.
func (r *RuleSet) SetEnabled(ctx context.Context, pos int, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snapshot()
	if pos < 0 || pos >= len(cur) {
		return fmt.Errorf("%w: %d", ErrOutOfRange, pos+1)
	}
	next := slices.Clone(cur)
	next[pos].Enabled = enabled
	if err := r.commit(ctx, next, "enable"); err != nil {
		return err
	}
	r.log.Info("schedule toggled", logx.String("rule", next[pos].ID), logx.Bool("enabled", enabled))
	return nil
}

// PositionOf resolves an ID to a position, for ID-addressed callers.
func (r *RuleSet) PositionOf(id string) (int, error) {
	if i := r.IndexOf(id); i >= 0 {
		return i, nil
	}
	return -1, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Load replaces the set with the store's content. If the store cannot be
// read the set becomes empty and the error is returned; callers continue.
func (r *RuleSet) Load(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.read(ctx)
	if err != nil {
		r.log.Error("rules could not be loaded; starting with an empty set", logx.Err(err))
		r.publish([]schedule.Schedule{}, "load")
		return err
	}
	r.publish(rules, "load")
	r.log.Info("rules loaded", logx.Int("count", len(rules)))
	return nil
}

// Reload re-reads the store after an external change and reports whether
// the visible set changed. On error the set is left as is.
func (r *RuleSet) Reload(ctx context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rules, err := r.read(ctx)
	if err != nil {
		r.log.Warn("rules reload failed; keeping current set", logx.Err(err))
		return false, err
	}
	if slices.EqualFunc(rules, r.snapshot(), schedule.Equal) {
		return false, nil
	}
	r.publish(rules, "reload")
	r.log.Info("rules reloaded", logx.Int("count", len(rules)))
	return true, nil
}

// read loads, leaves out invalid records and assigns missing IDs, saving
// back when IDs were assigned. The store keeps the invalid records.
// Callers hold r.mu.
func (r *RuleSet) read(ctx context.Context) ([]schedule.Schedule, error) {
	loaded, err := r.store.LoadRules(ctx)
	if err != nil {
		return nil, err
	}
	for _, bad := range loaded.Invalid {
		r.log.Warn("skipping invalid schedule; left in store as is", logx.Int("position", bad.Index+1), logx.Err(bad.Err))
	}
	rules := loaded.Rules
	if rules == nil {
		rules = []schedule.Schedule{}
	}

	assigned := 0
	seen := make(map[string]bool, len(rules))
	for i := range rules {
		if rules[i].ID == "" || seen[rules[i].ID] {
			rules[i].ID = schedule.NewID()
			assigned++
		}
		seen[rules[i].ID] = true
	}
	if assigned > 0 {
		if err := r.store.SaveRules(ctx, rules); err != nil {
			r.log.Warn("could not persist normalized rules", logx.Err(err))
		} else {
			r.log.Debug("normalized rules persisted", logx.Int("ids_assigned", assigned), logx.Int("skipped", len(loaded.Invalid)))
		}
	}
	return rules, nil
}
