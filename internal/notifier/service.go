package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"powersched/internal/eventbus"
	"powersched/internal/metrics"
	rtsup "powersched/internal/runtime/supervisor"
	kit "powersched/internal/transport"
	logx "powersched/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const historyCap = 100

type job struct {
	text string
	// dedupKey is empty for messages that are never deduplicated.
	dedupKey string
}

// Service turns schedule events into chat messages:
// event subscription + queue + worker + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	sender  kit.Sender
	bus     eventbus.Bus
	metrics metrics.Sink

	cfg     Config
	limiter *rate.Limiter

	queue chan job
	unsub func()
	sup   *rtsup.Supervisor

	// key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender kit.Sender, bus eventbus.Bus, log logx.Logger, sink metrics.Sink) *Service {
	if bus == nil {
		bus = eventbus.Nop{}
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	s := &Service{
		log:     log,
		sender:  sender,
		bus:     bus,
		metrics: sink,
		dedup:   map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.sender != nil && !s.cfg.Target.IsZero()
}

// Apply swaps the config. A running service picks it up on the next event.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if s.limiter == nil || s.cfg.RatePerSec != cfg.RatePerSec {
		// burst = rate so a firing and its failure report go out together.
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.cfg = cfg
}

// Start subscribes to the bus and starts the delivery worker. It is
// idempotent and a no-op without a sender.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue != nil || s.sender == nil {
		return
	}

	events, unsub := s.bus.Subscribe(32)
	q := make(chan job, s.cfg.QueueSize)
	sup := rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifications are best effort and must not take the daemon down.
		rtsup.WithCancelOnError(false),
	)
	s.queue, s.unsub, s.sup = q, unsub, sup

	// The event loop is the only writer to q and closes it when the
	// subscription ends.
	var closeOnce sync.Once
	sup.GoRestart("notifier.events", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					closeOnce.Do(func() { close(q) })
					return nil
				}
				s.handle(e, q)
			}
		}
	})
	sup.GoRestart("notifier.worker", func(c context.Context) error {
		for {
			select {
			case <-c.Done():
				return nil
			case j, ok := <-q:
				if !ok {
					return nil
				}
				s.send(c, j)
			}
		}
	})
	s.log.Debug("notifier started", logx.Int("queue_cap", cap(q)))
}

// Stop ends the subscription and lets the worker drain queued messages
// until ctx is done; then in-flight delivery is cancelled.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	unsub, sup := s.unsub, s.sup
	s.queue, s.unsub, s.sup = nil, nil, nil
	s.mu.Unlock()
	if sup == nil {
		return
	}
	unsub()
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Debug("notifier stop timed out; queued messages dropped", logx.Err(err))
		_ = sup.Wait(context.Background())
	}
	sup.Cancel()
}

// Notify queues an ad-hoc message (no dedup).
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	q := s.queue
	enabled := s.cfg.Enabled
	s.mu.Unlock()
	if !enabled {
		return ErrDisabled
	}
	if q == nil {
		return ErrStopped
	}
	return s.enqueue(q, job{text: text})
}

func (s *Service) enqueue(q chan job, j job) (err error) {
	// q may be closed by a concurrent Stop.
	defer func() {
		if recover() != nil {
			err = ErrStopped
		}
	}()
	select {
	case q <- j:
		return nil
	default:
		s.metrics.Notification(metrics.NotifyLimited)
		s.log.Warn("notification dropped; queue full", logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// Snapshot returns recent deliveries, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) handle(e eventbus.Event, q chan job) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()
	if !cfg.Enabled {
		return
	}

	var (
		text string
		key  string
	)
	switch d := e.Data.(type) {
	case eventbus.Firing:
		if e.Type != eventbus.TypeScheduleFiring {
			return
		}
		text = formatFiring(d)
		key = "firing|" + d.RuleID + "|" + d.Stamp
	case eventbus.Fired:
		if e.Type != eventbus.TypeScheduleFired || d.Err == nil || !cfg.NotifyFailures {
			return
		}
		text = formatFailure(d)
		key = "failed|" + d.RuleID + "|" + d.Stamp
	default:
		return
	}

	if cfg.DedupWindow > 0 && !s.dedupAllow(key, cfg.DedupWindow, e.Time) {
		s.metrics.Notification(metrics.NotifyDeduped)
		s.log.Debug("notification deduplicated", logx.String("key", key))
		return
	}
	_ = s.enqueue(q, job{text: text, dedupKey: key})
}

func formatFiring(f eventbus.Firing) string {
	verb := "Shutting down"
	if f.Action == "hibernate" {
		verb = "Hibernating"
	}
	rule := f.Rule
	if rule == "" {
		rule = f.Minute + " " + f.Action
	}
	return fmt.Sprintf("⏻ %s now (rule %s, %s)", verb, rule, f.At.Format("Mon 2006-01-02 15:04:05"))
}

func formatFailure(f eventbus.Fired) string {
	rule := f.Rule
	if rule == "" {
		rule = f.Minute + " " + f.Action
	}
	return fmt.Sprintf("⚠️ %s failed (rule %s): %v", f.Action, rule, f.Err)
}

func (s *Service) send(ctx context.Context, j job) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()

	text := strings.TrimSpace(j.text)
	if text == "" || sender == nil || cfg.Target.IsZero() {
		return
	}

	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := sender.SendText(callCtx, cfg.Target, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.metrics.Notification(metrics.NotifySent)
			s.appendHistory(HistoryItem{At: time.Now(), Text: text})
			return
		}
		lastErr = err
		s.log.Debug("notify send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", maxAttempts))
		if attempt >= maxAttempts {
			break
		}

		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}

	s.metrics.Notification(metrics.NotifyFailed)
	s.appendHistory(HistoryItem{At: time.Now(), Text: text, Err: lastErr.Error()})
	s.log.Warn("notification failed", logx.Err(lastErr), logx.Int("attempts", maxAttempts))
}

func (s *Service) appendHistory(h HistoryItem) {
	s.hmu.Lock()
	s.history = append(s.history, h)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
	s.hmu.Unlock()
}

func (s *Service) dedupAllow(key string, window time.Duration, now time.Time) bool {
	if now.IsZero() {
		now = time.Now()
	}
	s.dmu.Lock()
	defer s.dmu.Unlock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	s.dedup[key] = now.Add(window)
	return true
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay is for the next attempt.
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			d = cfg.RetryMaxDelay
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d > cfg.RetryMaxDelay {
		d = cfg.RetryMaxDelay
	}
	return d
}
