package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"powersched/internal/eventbus"
	"powersched/internal/schedule"
	"powersched/internal/storage"
	logx "powersched/pkg/logx"
)

// fakeRules is a mutable RuleSource.
type fakeRules struct {
	mu    sync.Mutex
	rules []schedule.Schedule
	panic bool
}

func (f *fakeRules) List() []schedule.Schedule {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panic {
		panic("unexpected snapshot shape")
	}
	return append([]schedule.Schedule(nil), f.rules...)
}

func (f *fakeRules) set(rules ...schedule.Schedule) {
	f.mu.Lock()
	f.rules = rules
	f.mu.Unlock()
}

// recorder is a Dispatcher that records every call.
type recorder struct {
	mu    sync.Mutex
	calls []schedule.Action
	err   error
	panic bool
}

func (r *recorder) Perform(ctx context.Context, a schedule.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, a)
	if r.panic {
		panic("os call exploded")
	}
	return r.err
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type memFires struct {
	mu   sync.Mutex
	recs []storage.FireRecord
}

func (m *memFires) AppendFire(ctx context.Context, f storage.FireRecord) error {
	m.mu.Lock()
	m.recs = append(m.recs, f)
	m.mu.Unlock()
	return nil
}

func rule(t *testing.T, id string, days []int, at string, a schedule.Action) schedule.Schedule {
	t.Helper()
	d, err := schedule.NewWeekdays(days...)
	if err != nil {
		t.Fatal(err)
	}
	tod, err := schedule.ParseTimeOfDay(at)
	if err != nil {
		t.Fatal(err)
	}
	return schedule.Schedule{ID: id, Days: d, Time: tod, Action: a, Enabled: true}
}

// 2024-01-01 is a Monday.
func at(day, hour, min, sec int) time.Time {
	return time.Date(2024, 1, day, hour, min, sec, 0, time.Local)
}

func newEngine(rs RuleSource, d Dispatcher) *Engine {
	return New(Config{}, Deps{Rules: rs, Dispatcher: d, Log: logx.Nop()})
}

func TestConcreteWeekScenario(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(rule(t, "r1", []int{0, 2, 4}, "23:30", schedule.ActionShutdown))
	disp := &recorder{}
	e := newEngine(rs, disp)
	ctx := context.Background()

	rep := e.Tick(ctx, at(1, 23, 30, 2)) // Monday
	if rep.Dispatched != 1 || disp.count() != 1 || disp.calls[0] != schedule.ActionShutdown {
		t.Fatalf("Monday 23:30:02: report %+v, calls %v", rep, disp.calls)
	}
	if rep := e.Tick(ctx, at(1, 23, 30, 7)); rep.Dispatched != 0 || disp.count() != 1 {
		t.Fatalf("Monday 23:30:07 fired again: %+v", rep)
	}
	if rep := e.Tick(ctx, at(2, 23, 30, 2)); rep.Matched != 0 || disp.count() != 1 {
		t.Fatalf("Tuesday fired: %+v", rep)
	}
	if rep := e.Tick(ctx, at(3, 23, 30, 2)); rep.Dispatched != 1 || disp.count() != 2 {
		t.Fatalf("Wednesday did not fire: %+v", rep)
	}
}

func TestNoDuplicateWithinMinute(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(rule(t, "r1", []int{0}, "08:00", schedule.ActionHibernate))
	disp := &recorder{}
	e := newEngine(rs, disp)

	base := at(1, 8, 0, 0)
	for ms := 0; ms < 60_000; ms += 250 {
		e.Tick(context.Background(), base.Add(time.Duration(ms)*time.Millisecond))
	}
	if disp.count() != 1 {
		t.Fatalf("dispatch count = %d, want 1", disp.count())
	}
}

func TestFireWindowBoundary(t *testing.T) {
	t.Parallel()
	tests := []struct {
		sec  int
		nsec int
		want int
	}{
		{sec: 0, want: 1},
		{sec: 4, want: 1},
		{sec: 4, nsec: 999_999_999, want: 1},
		{sec: 5, want: 0},
		{sec: 6, want: 0},
		{sec: 59, want: 0},
	}
	for _, tt := range tests {
		disp := &recorder{}
		rs := &fakeRules{}
		rs.set(rule(t, "r", []int{0}, "12:00", schedule.ActionShutdown))
		e := newEngine(rs, disp)
		now := at(1, 12, 0, tt.sec).Add(time.Duration(tt.nsec))
		rep := e.Tick(context.Background(), now)
		if disp.count() != tt.want {
			t.Fatalf("second %d.%09d: dispatched %d, want %d", tt.sec, tt.nsec, disp.count(), tt.want)
		}
		if tt.want == 0 && rep.OutsideWindow != 1 {
			t.Fatalf("second %d: OutsideWindow = %d, want 1", tt.sec, rep.OutsideWindow)
		}
	}
}

func TestLateStartMidMinuteWaitsForNextOccurrence(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(rule(t, "r", []int{0}, "12:00", schedule.ActionShutdown))
	disp := &recorder{}
	e := newEngine(rs, disp)
	for sec := 6; sec < 60; sec++ {
		e.Tick(context.Background(), at(1, 12, 0, sec))
	}
	if disp.count() != 0 {
		t.Fatalf("fired late in the minute")
	}
	e.Tick(context.Background(), at(8, 12, 0, 1)) // next Monday
	if disp.count() != 1 {
		t.Fatalf("next occurrence did not fire")
	}
}

func TestDisabledNeverFires(t *testing.T) {
	t.Parallel()
	r := rule(t, "r", []int{0, 1, 2, 3, 4, 5, 6}, "09:15", schedule.ActionShutdown)
	r.Enabled = false
	rs := &fakeRules{}
	rs.set(r)
	disp := &recorder{}
	e := newEngine(rs, disp)
	for d := 1; d <= 7; d++ {
		for sec := 0; sec < 5; sec++ {
			e.Tick(context.Background(), at(d, 9, 15, sec))
		}
	}
	if disp.count() != 0 {
		t.Fatalf("disabled rule fired %d times", disp.count())
	}
}

func TestEveryMatchingRuleDispatchedInOneTick(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(
		rule(t, "a", []int{0}, "22:00", schedule.ActionShutdown),
		rule(t, "b", []int{0}, "22:00", schedule.ActionHibernate),
		rule(t, "c", []int{1}, "22:00", schedule.ActionHibernate),
	)
	disp := &recorder{}
	e := newEngine(rs, disp)
	rep := e.Tick(context.Background(), at(1, 22, 0, 1))
	if rep.Matched != 2 || rep.Dispatched != 2 || disp.count() != 2 {
		t.Fatalf("report %+v, calls %v", rep, disp.calls)
	}
}

func TestDispatchFailureRecordedAndNotRetried(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(rule(t, "r", []int{0}, "07:00", schedule.ActionShutdown))
	disp := &recorder{err: errors.New("access denied")}
	fires := &memFires{}
	e := New(Config{}, Deps{Rules: rs, Dispatcher: disp, Recorder: fires, Log: logx.Nop()})

	rep := e.Tick(context.Background(), at(1, 7, 0, 0))
	if rep.Failed != 1 || rep.Err != nil {
		t.Fatalf("report %+v", rep)
	}
	e.Tick(context.Background(), at(1, 7, 0, 1))
	if disp.count() != 1 {
		t.Fatalf("failed occurrence retried: %d calls", disp.count())
	}

	snap := e.Snapshot()
	if snap.DispatchErrors != 1 || snap.LastError == "" || len(snap.Recent) != 1 || snap.Recent[0].OK() {
		t.Fatalf("snapshot %+v", snap)
	}
	if len(fires.recs) != 1 || fires.recs[0].Stamp != "202401010700" || fires.recs[0].RuleID != "r" {
		t.Fatalf("fire records %+v", fires.recs)
	}
}

func TestDispatchPanicIsolated(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(
		rule(t, "a", []int{0}, "07:00", schedule.ActionShutdown),
		rule(t, "b", []int{0}, "07:00", schedule.ActionHibernate),
	)
	disp := &recorder{panic: true}
	e := newEngine(rs, disp)
	rep := e.Tick(context.Background(), at(1, 7, 0, 0))
	if rep.Dispatched != 2 || rep.Failed != 2 || rep.Err != nil {
		t.Fatalf("report %+v", rep)
	}
	if e.State() != Stopped {
		t.Fatalf("state = %s, want stopped for an engine that was never started", e.State())
	}
}

func TestTickPanicIsolatedToTick(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{panic: true}
	disp := &recorder{}
	e := newEngine(rs, disp)
	rep := e.Tick(context.Background(), at(1, 7, 0, 0))
	if rep.Err == nil {
		t.Fatalf("expected tick error")
	}
	rs.mu.Lock()
	rs.panic = false
	rs.rules = []schedule.Schedule{rule(t, "r", []int{0}, "07:00", schedule.ActionShutdown)}
	rs.mu.Unlock()
	if rep := e.Tick(context.Background(), at(1, 7, 0, 1)); rep.Dispatched != 1 {
		t.Fatalf("engine did not recover: %+v", rep)
	}
	if snap := e.Snapshot(); snap.TickErrors != 1 || snap.Ticks != 2 {
		t.Fatalf("snapshot %+v", snap)
	}
}

func TestLedgerKeyedByIDSurvivesReorder(t *testing.T) {
	t.Parallel()
	a := rule(t, "a", []int{0}, "10:00", schedule.ActionShutdown)
	b := rule(t, "b", []int{0}, "10:00", schedule.ActionHibernate)
	rs := &fakeRules{}
	rs.set(a, b)
	disp := &recorder{}
	e := newEngine(rs, disp)
	e.Tick(context.Background(), at(1, 10, 0, 0))

	// Removing the first rule shifts b to position 0; it must not refire.
	rs.set(b)
	e.Tick(context.Background(), at(1, 10, 0, 2))
	if disp.count() != 2 {
		t.Fatalf("dispatch count = %d, want 2", disp.count())
	}

	// A new rule at the same time in the same minute is a new occurrence.
	rs.set(b, rule(t, "c", []int{0}, "10:00", schedule.ActionShutdown))
	e.Tick(context.Background(), at(1, 10, 0, 3))
	if disp.count() != 3 {
		t.Fatalf("new rule did not fire")
	}
}

func TestLedgerPruned(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	rs.set(rule(t, "r", []int{0}, "10:00", schedule.ActionShutdown))
	e := New(Config{LedgerRetention: 48 * time.Hour, PruneInterval: time.Hour}, Deps{Rules: rs, Dispatcher: &recorder{}, Log: logx.Nop()})
	e.Tick(context.Background(), at(1, 10, 0, 0))
	if e.Snapshot().LedgerSize != 1 {
		t.Fatalf("ledger size = %d, want 1", e.Snapshot().LedgerSize)
	}
	if rep := e.Tick(context.Background(), at(2, 10, 0, 0)); rep.Pruned != 0 {
		t.Fatalf("pruned too early: %+v", rep)
	}
	rep := e.Tick(context.Background(), at(3, 11, 0, 0))
	if rep.Pruned != 1 || e.Snapshot().LedgerSize != 0 {
		t.Fatalf("entry older than retention not pruned: %+v", rep)
	}
}

func TestEventsPublished(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8)
	defer unsub()
	rs := &fakeRules{}
	rs.set(rule(t, "r", []int{0}, "10:00", schedule.ActionShutdown))
	e := New(Config{}, Deps{Rules: rs, Dispatcher: &recorder{}, Bus: bus, Log: logx.Nop()})
	e.Tick(context.Background(), at(1, 10, 0, 0))

	want := []string{eventbus.TypeScheduleFiring, eventbus.TypeScheduleFired}
	for _, w := range want {
		select {
		case ev := <-ch:
			if ev.Type != w {
				t.Fatalf("event %s, want %s", ev.Type, w)
			}
		case <-time.After(time.Second):
			t.Fatalf("missing %s", w)
		}
	}
}

func TestStartStopWithinInterval(t *testing.T) {
	t.Parallel()
	var ticks atomic.Int32
	rs := &fakeRules{}
	clock := func() time.Time {
		ticks.Add(1)
		return time.Now()
	}
	e := New(Config{TickInterval: 10 * time.Millisecond}, Deps{Rules: rs, Dispatcher: &recorder{}, Clock: clock, Log: logx.Nop()})
	if e.State() != Stopped {
		t.Fatalf("initial state = %s", e.State())
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !e.Snapshot().Running {
		t.Fatalf("engine not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if e.State() != Stopped || e.Snapshot().Running {
		t.Fatalf("state after stop = %s", e.State())
	}

	// Restartable.
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := e.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestStopBoundedWhenDispatchBlocks(t *testing.T) {
	t.Parallel()
	rs := &fakeRules{}
	now := time.Now()
	d, _ := schedule.NewWeekdays(schedule.WeekdayOf(now))
	rs.set(schedule.Schedule{ID: "r", Days: d, Time: schedule.MinuteOf(now), Action: schedule.ActionShutdown, Enabled: true})

	release := make(chan struct{})
	defer close(release)
	blocking := DispatcherFunc(func(ctx context.Context, a schedule.Action) error {
		<-release
		return nil
	})
	// Freeze the clock at the start of the matching minute.
	frozen := now.Truncate(time.Minute)
	e := New(Config{TickInterval: 10 * time.Millisecond, DispatchTimeout: time.Hour},
		Deps{Rules: rs, Dispatcher: blocking, Clock: func() time.Time { return frozen }, Log: logx.Nop()})
	if err := e.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := e.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Stop err = %v, want deadline exceeded", err)
	}
}

func TestSnapshotStale(t *testing.T) {
	t.Parallel()
	now := time.Now()
	if stale, _ := (Snapshot{}).Stale(now, time.Second); !stale {
		t.Fatalf("stopped engine should be stale")
	}
	s := Snapshot{Running: true, LastTick: now.Add(-30 * time.Second)}
	if stale, reason := s.Stale(now, 10*time.Second); !stale || reason == "" {
		t.Fatalf("old tick should be stale")
	}
	s.LastTick = now
	if stale, _ := s.Stale(now, 10*time.Second); stale {
		t.Fatalf("fresh tick reported stale")
	}
}

func TestSeedHistoryOrder(t *testing.T) {
	t.Parallel()
	e := New(Config{HistorySize: 2}, Deps{Rules: &fakeRules{}, Dispatcher: &recorder{}, Log: logx.Nop()})
	e.SeedHistory([]storage.FireRecord{{Stamp: "3"}, {Stamp: "2"}, {Stamp: "1"}})
	got := e.Snapshot().Recent
	if len(got) != 2 || got[0].Stamp != "3" || got[1].Stamp != "2" {
		t.Fatalf("recent = %+v", got)
	}
}

func TestStateString(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{Idle: "idle", Evaluating: "evaluating", Dispatching: "dispatching", Stopped: "stopped", State(42): "unknown"} {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestTickIntervalKeptInsideFireWindow(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name     string
		cfg      Config
		wantTick time.Duration
	}{
		{"defaults", Config{}, DefaultTickInterval},
		{"longer than window", Config{TickInterval: 30 * time.Second, FireWindow: 5 * time.Second}, 2500 * time.Millisecond},
		{"equal to window", Config{TickInterval: 2 * time.Second, FireWindow: 2 * time.Second}, time.Second},
		{"default tick over short window", Config{FireWindow: 500 * time.Millisecond}, 250 * time.Millisecond},
		{"already inside", Config{TickInterval: 100 * time.Millisecond, FireWindow: time.Second}, 100 * time.Millisecond},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			e := New(tc.cfg, Deps{Log: logx.Nop()})
			if got := e.Snapshot().TickInterval; got != tc.wantTick {
				t.Fatalf("tick = %v, want %v", got, tc.wantTick)
			}
			e.Apply(tc.cfg)
			if got := e.Snapshot().TickInterval; got != tc.wantTick {
				t.Fatalf("tick after Apply = %v, want %v", got, tc.wantTick)
			}
		})
	}
}
