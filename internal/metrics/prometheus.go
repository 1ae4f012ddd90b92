package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	logx "powersched/pkg/logx"
)

// PrometheusSink implements Sink with client_golang collectors.
// Registration failures are logged and the collector keeps working
// unregistered.
type PrometheusSink struct {
	log logx.Logger

	ticksTotal      prometheus.Counter
	tickErrorsTotal prometheus.Counter
	tickDuration    prometheus.Histogram

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram

	ledgerSize  prometheus.Gauge
	engineState *prometheus.GaugeVec

	rulesTotal   prometheus.Gauge
	rulesEnabled prometheus.Gauge

	notificationsTotal *prometheus.CounterVec
}

var _ Sink = (*PrometheusSink)(nil)

func NewPrometheusSink(reg prometheus.Registerer, log logx.Logger) *PrometheusSink {
	s := &PrometheusSink{log: log.With(logx.String("comp", "metrics"))}

	s.ticksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powersched_engine_ticks_total",
		Help: "Total number of scheduler ticks evaluated.",
	})
	s.tickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "powersched_engine_tick_errors_total",
		Help: "Total number of ticks that ended with an error.",
	})
	s.tickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "powersched_engine_tick_duration_seconds",
		Help:    "Duration of each tick, including synchronous dispatch.",
		Buckets: []float64{0.0005, 0.001, 0.01, 0.1, 1, 5, 30},
	})
	s.dispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powersched_dispatch_total",
		Help: "Power action dispatch attempts by action and outcome.",
	}, []string{"action", "outcome"})
	s.dispatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "powersched_dispatch_duration_seconds",
		Help:    "Duration of power action dispatch.",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60},
	})
	s.ledgerSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powersched_engine_ledger_entries",
		Help: "Number of entries in the firing ledger.",
	})
	s.engineState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "powersched_engine_state",
		Help: "1 for the engine's current state, 0 otherwise.",
	}, []string{"state"})
	s.rulesTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powersched_rules",
		Help: "Number of rules in the rule set.",
	})
	s.rulesEnabled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "powersched_rules_enabled",
		Help: "Number of enabled rules in the rule set.",
	})
	s.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "powersched_notifications_total",
		Help: "Chat notifications by outcome.",
	}, []string{"outcome"})

	for _, c := range []prometheus.Collector{
		s.ticksTotal, s.tickErrorsTotal, s.tickDuration,
		s.dispatchTotal, s.dispatchDuration,
		s.ledgerSize, s.engineState,
		s.rulesTotal, s.rulesEnabled,
		s.notificationsTotal,
	} {
		if err := reg.Register(c); err != nil {
			s.log.Warn("metric registration failed", logx.Err(err))
		}
	}
	return s
}

func (s *PrometheusSink) TickCompleted(d time.Duration, dispatched int, err error) {
	s.ticksTotal.Inc()
	s.tickDuration.Observe(d.Seconds())
	if err != nil {
		s.tickErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) Dispatched(action, outcome string, d time.Duration) {
	s.dispatchTotal.WithLabelValues(action, outcome).Inc()
	s.dispatchDuration.Observe(d.Seconds())
}

func (s *PrometheusSink) LedgerSize(n int) { s.ledgerSize.Set(float64(n)) }

func (s *PrometheusSink) EngineState(state string) {
	for _, st := range EngineStates {
		v := 0.0
		if st == state {
			v = 1
		}
		s.engineState.WithLabelValues(st).Set(v)
	}
}

func (s *PrometheusSink) RulesLoaded(total, enabled int) {
	s.rulesTotal.Set(float64(total))
	s.rulesEnabled.Set(float64(enabled))
}

func (s *PrometheusSink) Notification(outcome string) {
	s.notificationsTotal.WithLabelValues(outcome).Inc()
}
