package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ServerConfig holds configuration for the metrics server.
type ServerConfig struct {
	Port        int
	MetricsPath string
	HealthPath  string
	FeedPath    string
}

// DefaultServerConfig returns default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Port:        9090,
		MetricsPath: "/metrics",
		HealthPath:  "/health",
		FeedPath:    "/ws",
	}
}

// Check statuses, ordered from best to worst.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

func statusRank(s string) int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	default:
		return 2
	}
}

// HealthStatus is the /health response body.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Checks    map[string]Check `json:"checks"`
}

// Check is the result of one named check.
type Check struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

func Healthy(msg string) Check   { return Check{Status: StatusHealthy, Message: msg} }
func Degraded(msg string) Check  { return Check{Status: StatusDegraded, Message: msg} }
func Unhealthy(msg string) Check { return Check{Status: StatusUnhealthy, Message: msg} }

// With returns c with a detail attached.
func (c Check) With(key string, value any) Check {
	details := make(map[string]any, len(c.Details)+1)
	for k, v := range c.Details {
		details[k] = v
	}
	details[key] = value
	c.Details = details
	return c
}

// HealthChecker is a function that performs a health check.
type HealthChecker func() Check

// SessionState is the view of a running session the checks need.
type SessionState interface {
	IsConnected() bool
	QueueDepth() int
	NextOrderID() int64
}

// GatewayCheck reports the gateway link. A disconnected session is
// unhealthy.
func GatewayCheck(s SessionState) HealthChecker {
	return func() Check {
		if !s.IsConnected() {
			return Unhealthy("gateway not connected")
		}
		return Healthy("connected").With("next_order_id", s.NextOrderID())
	}
}

// QueueCheck reports the outbound request backlog. A backlog above
// maxDepth is degraded, not unhealthy; the throttle drains it.
func QueueCheck(s SessionState, maxDepth int) HealthChecker {
	return func() Check {
		depth := s.QueueDepth()
		c := Healthy("")
		if maxDepth > 0 && depth > maxDepth {
			c = Degraded(fmt.Sprintf("outbound backlog above %d", maxDepth))
		}
		return c.With("depth", depth)
	}
}

// Server serves Prometheus metrics plus health, readiness and liveness
// checks. Extra handlers such as the event feed are mounted with Handle.
type Server struct {
	cfg        ServerConfig
	mux        *http.ServeMux
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger

	mu        sync.RWMutex
	health    map[string]HealthChecker
	readiness map[string]HealthChecker
}

// NewServer creates a new metrics server.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		startTime: time.Now(),
		logger:    logger.With("component", "metrics"),
		health:    make(map[string]HealthChecker),
		readiness: make(map[string]HealthChecker),
	}

	s.mux.Handle(cfg.MetricsPath, promhttp.Handler())
	s.mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	s.mux.HandleFunc("/ready", s.readyHandler)
	s.mux.HandleFunc("/live", s.liveHandler)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handle mounts an extra handler. It must be called before Start.
func (s *Server) Handle(path string, h http.Handler) {
	s.mux.Handle(path, h)
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

// RegisterHealthCheck adds a check reported by /health.
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[name] = checker
}

// RegisterReadinessCheck adds a check gating /ready. With no readiness
// checks registered, /ready falls back to the health checks.
func (s *Server) RegisterReadinessCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readiness[name] = checker
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}

	s.logger.Info("metrics server listening",
		"addr", ln.Addr().String(),
		"metrics_path", s.cfg.MetricsPath,
		"health_path", s.cfg.HealthPath,
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server error", "err", err)
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down metrics server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) checkers(readiness bool) map[string]HealthChecker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.health
	if readiness && len(s.readiness) > 0 {
		src = s.readiness
	}
	out := make(map[string]HealthChecker, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// evaluate runs checkers and returns the results with the worst status.
func evaluate(checkers map[string]HealthChecker) (map[string]Check, string) {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]Check, len(names))
	overall := StatusHealthy
	for _, name := range names {
		c := checkers[name]()
		if c.Status == "" {
			c.Status = StatusHealthy
		}
		results[name] = c
		if statusRank(c.Status) > statusRank(overall) {
			overall = c.Status
		}
	}
	return results, overall
}

// healthHandler answers 503 only when a check is unhealthy.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	checks, overall := evaluate(s.checkers(false))

	status := HealthStatus{
		Status:    overall,
		Timestamp: time.Now(),
		Uptime:    s.Uptime().Round(time.Second).String(),
		Checks:    checks,
	}

	w.Header().Set("Content-Type", "application/json")
	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(status)
}

// readyHandler treats degraded as ready.
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks, overall := evaluate(s.checkers(true))
	if overall == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
		for name, c := range checks {
			if c.Status == StatusUnhealthy {
				s.logger.Debug("not ready", "check", name, "message", c.Message)
			}
		}
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) liveHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("alive"))
}

// Uptime returns the server uptime.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}
