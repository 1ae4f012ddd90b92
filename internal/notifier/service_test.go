package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"powersched/internal/eventbus"
	kit "powersched/internal/transport"
	logx "powersched/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	texts []string
	fails int // fail the first n sends
	got   chan string
}

func newRecordingSender(fails int) *recordingSender {
	return &recordingSender{fails: fails, got: make(chan string, 16)}
}

func (r *recordingSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) error {
	r.mu.Lock()
	if r.fails > 0 {
		r.fails--
		r.mu.Unlock()
		return errors.New("telegram: 502")
	}
	r.texts = append(r.texts, text)
	r.mu.Unlock()
	r.got <- text
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.texts)
}

func testConfig() Config {
	return Config{
		Enabled:        true,
		Target:         kit.ChatTarget{ChatID: 42},
		RatePerSec:     100,
		DedupWindow:    time.Minute,
		NotifyFailures: true,
		RetryMax:       2,
		RetryBase:      time.Millisecond,
		RetryMaxDelay:  5 * time.Millisecond,
	}
}

func firing(rule, stamp string) eventbus.Event {
	return eventbus.Event{
		Type: eventbus.TypeScheduleFiring,
		Time: time.Now(),
		Data: eventbus.Firing{RuleID: rule, Rule: "Mon 23:30 shutdown", Action: "shutdown", Minute: "23:30", Stamp: stamp, At: time.Now()},
	}
}

func waitText(t *testing.T, r *recordingSender) string {
	t.Helper()
	select {
	case s := <-r.got:
		return s
	case <-time.After(3 * time.Second):
		t.Fatal("no message delivered")
		return ""
	}
}

func TestFiringIsSentOncePerStamp(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := newRecordingSender(0)
	s := New(testConfig(), r, bus, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	bus.Publish(firing("r1", "202401012330"))
	bus.Publish(firing("r1", "202401012330"))
	bus.Publish(firing("r1", "202401082330"))

	first := waitText(t, r)
	if !strings.Contains(first, "Shutting down") || !strings.Contains(first, "Mon 23:30 shutdown") {
		t.Fatalf("text = %q", first)
	}
	waitText(t, r)
	time.Sleep(50 * time.Millisecond)
	if n := r.count(); n != 2 {
		t.Fatalf("sent %d messages, want 2", n)
	}
}

func TestFailureReportsRespectSwitch(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := newRecordingSender(0)
	cfg := testConfig()
	cfg.NotifyFailures = false
	s := New(cfg, r, bus, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	fired := eventbus.Fired{
		Firing: eventbus.Firing{RuleID: "r1", Action: "hibernate", Minute: "07:00", Stamp: "202401010700"},
		Err:    errors.New("exit status 1"),
	}
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: fired})
	time.Sleep(50 * time.Millisecond)
	if n := r.count(); n != 0 {
		t.Fatalf("failure sent while disabled")
	}

	cfg.NotifyFailures = true
	s.Apply(cfg)
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: fired})
	if got := waitText(t, r); !strings.Contains(got, "exit status 1") {
		t.Fatalf("text = %q", got)
	}

	// Successful dispatches are not reported.
	fired.Err = nil
	fired.Stamp = "202401020700"
	bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleFired, Data: fired})
	time.Sleep(50 * time.Millisecond)
	if n := r.count(); n != 1 {
		t.Fatalf("sent %d, want 1", n)
	}
}

func TestSendRetriesThenRecordsHistory(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	r := newRecordingSender(2)
	s := New(testConfig(), r, bus, logx.Nop(), nil)
	s.Start(context.Background())
	defer s.Stop(context.Background())

	if err := s.Notify("powersched started"); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitText(t, r); got != "powersched started" {
		t.Fatalf("text = %q", got)
	}
	deadline := time.Now().Add(time.Second)
	for len(s.Snapshot()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h := s.Snapshot()
	if len(h) != 1 || h[0].Err != "" {
		t.Fatalf("history = %+v", h)
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.Enabled = false
	s := New(cfg, newRecordingSender(0), eventbus.New(), logx.Nop(), nil)
	if err := s.Notify("x"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}
	s.Apply(testConfig())
	if err := s.Notify("x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
	s.Start(context.Background())
	s.Stop(context.Background())
	if err := s.Notify("x"); !errors.Is(err, ErrStopped) {
		t.Fatalf("after stop err = %v, want ErrStopped", err)
	}
}

func TestRetryDelayIsBounded(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt < 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("attempt %d delay = %v", attempt, d)
		}
	}
}
