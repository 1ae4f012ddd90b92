// Package status serves the daemon's local health, status and metrics
// endpoints over HTTP.
//
//	GET /healthz        200 "ok", or 503 with a reason when the engine is stopped or stale
//	GET /status         engine snapshot, rules with their next fire time, supervisor tasks
//	GET /metrics        Prometheus exposition (when enabled)
//	GET /debug/pprof/   runtime profiles (when enabled)
//
// There is no authentication. Binding to a non-loopback address requires
// AllowInsecure.
package status

import (
	"context"
	"errors"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"powersched/internal/engine"
	"powersched/internal/notifier"
	rtsup "powersched/internal/runtime/supervisor"
	"powersched/internal/schedule"
	logx "powersched/pkg/logx"
)

const DefaultAddr = "127.0.0.1:7717"

type Config struct {
	Enabled       bool
	Addr          string
	Metrics       bool
	Pprof         bool
	AllowInsecure bool
	StaleAfter    time.Duration
}

type EngineView interface{ Snapshot() engine.Snapshot }

type RulesView interface{ List() []schedule.Schedule }

type SupervisorView interface{ Snapshot() rtsup.Snapshot }

type NotifierView interface{ Snapshot() []notifier.HistoryItem }

// Deps are the read-only views the handlers render. Nil views are
// omitted from /status.
type Deps struct {
	Engine     EngineView
	Rules      RulesView
	Supervisor SupervisorView
	Notifier   NotifierView
	Gatherer   prometheus.Gatherer
	Clock      func() time.Time
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	cfg  Config
	deps Deps

	sup  *rtsup.Supervisor
	addr string // bound address while serving
}

func New(cfg Config, deps Deps, log logx.Logger) *Service {
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Service{cfg: cfg, deps: deps, log: log}
}

// Addr returns the bound listen address, or "" when not serving.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Apply updates settings that do not need a new listener.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg.StaleAfter = cfg.StaleAfter
	s.mu.Unlock()
}

func (s *Service) staleAfter() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.StaleAfter
}

// Start binds the listener and serves until Stop or ctx is done. A listen
// failure is returned; later serve failures restart the server.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil || !s.cfg.Enabled {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = DefaultAddr
	}
	if !s.cfg.AllowInsecure && !isLoopbackAddr(addr) {
		return errors.New("status server refused to start: non-loopback addr " + addr + " requires allow_insecure")
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	e := s.handler()
	srv := &http.Server{
		Handler:           e,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.addr = ln.Addr().String()
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// observability must never take the daemon down.
		rtsup.WithCancelOnError(false),
	)

	bound := s.addr
	first := true
	s.sup.GoRestart("status.http", func(c context.Context) error {
		l := ln
		if !first {
			var err error
			if l, err = net.Listen("tcp", bound); err != nil {
				return err
			}
		}
		first = false
		return serve(c, srv, l)
	}, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	s.log.Info("status server started", logx.String("addr", s.addr), logx.Bool("metrics", s.cfg.Metrics), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

func serve(ctx context.Context, srv *http.Server, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()
	err := srv.Serve(ln)
	if ctx.Err() != nil {
		return nil
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("status server exited unexpectedly")
	}
	return err
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.addr = ""
	s.mu.Unlock()
	if sup == nil {
		return
	}
	if err := sup.Stop(ctx); err != nil {
		s.log.Warn("status server stop incomplete", logx.Err(err))
		return
	}
	s.log.Info("status server stopped")
}

// Handler returns the HTTP handler without binding a listener.
func (s *Service) Handler() http.Handler { return s.handler() }

func (s *Service) handler() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.GET("/healthz", s.healthz)
	e.GET("/status", s.status)
	if s.cfg.Metrics && s.deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	}
	if s.cfg.Pprof {
		e.GET("/debug/pprof/", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
		e.GET("/debug/pprof/cmdline", echo.WrapHandler(http.HandlerFunc(hpprof.Cmdline)))
		e.GET("/debug/pprof/profile", echo.WrapHandler(http.HandlerFunc(hpprof.Profile)))
		e.GET("/debug/pprof/symbol", echo.WrapHandler(http.HandlerFunc(hpprof.Symbol)))
		e.GET("/debug/pprof/trace", echo.WrapHandler(http.HandlerFunc(hpprof.Trace)))
		e.GET("/debug/pprof/:profile", echo.WrapHandler(http.HandlerFunc(hpprof.Index)))
	}
	return e
}

func (s *Service) healthz(c echo.Context) error {
	if s.deps.Engine == nil {
		return c.String(http.StatusServiceUnavailable, "engine not configured")
	}
	snap := s.deps.Engine.Snapshot()
	if stale, reason := snap.Stale(s.deps.Clock(), s.staleAfter()); stale {
		return c.String(http.StatusServiceUnavailable, reason)
	}
	return c.String(http.StatusOK, "ok")
}

type ruleView struct {
	Position int       `json:"position"`
	ID       string    `json:"id"`
	Rule     string    `json:"rule"`
	Days     []int     `json:"days"`
	Time     string    `json:"time"`
	Action   string    `json:"action"`
	Enabled  bool      `json:"enabled"`
	Next     time.Time `json:"next,omitempty"`
}

type statusView struct {
	Now           time.Time              `json:"now"`
	Healthy       bool                   `json:"healthy"`
	Reason        string                 `json:"reason,omitempty"`
	Engine        *engine.Snapshot       `json:"engine,omitempty"`
	Rules         []ruleView             `json:"rules"`
	Supervisor    *rtsup.Snapshot        `json:"supervisor,omitempty"`
	Notifications []notifier.HistoryItem `json:"notifications,omitempty"`
}

func (s *Service) status(c echo.Context) error {
	now := s.deps.Clock()
	out := statusView{Now: now, Rules: []ruleView{}}

	if s.deps.Engine != nil {
		snap := s.deps.Engine.Snapshot()
		stale, reason := snap.Stale(now, s.staleAfter())
		out.Engine, out.Healthy, out.Reason = &snap, !stale, reason
	} else {
		out.Reason = "engine not configured"
	}
	if s.deps.Rules != nil {
		for i, r := range s.deps.Rules.List() {
			v := ruleView{
				Position: i + 1,
				ID:       r.ID,
				Rule:     r.Describe(),
				Days:     r.Days.Days(),
				Time:     r.Time.String(),
				Action:   string(r.Action),
				Enabled:  r.Enabled,
			}
			if r.Enabled {
				v.Next = r.Next(now)
			}
			out.Rules = append(out.Rules, v)
		}
	}
	if s.deps.Supervisor != nil {
		snap := s.deps.Supervisor.Snapshot()
		out.Supervisor = &snap
	}
	if s.deps.Notifier != nil {
		out.Notifications = s.deps.Notifier.Snapshot()
	}
	return c.JSON(http.StatusOK, out)
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "" {
		// ":7717" binds all interfaces.
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
