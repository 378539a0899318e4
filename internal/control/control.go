// Package control is the collector's HTTP control plane: health and status
// probes, the persisted config, and runtime mutation of the monitored-file
// set. Handlers depend on narrow interfaces so tests run against in-memory
// fakes instead of a live pipeline.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/resolvix/collector/internal/alert"
	"github.com/resolvix/collector/internal/monitor"
	"github.com/resolvix/collector/internal/outbox"
	"github.com/resolvix/collector/internal/state"
	"github.com/resolvix/collector/internal/suppress"
	"github.com/resolvix/collector/internal/telemetry"
)

// DefaultRequestTimeout bounds one control-plane request.
const DefaultRequestTimeout = 15 * time.Second

// Supervisor is the slice of the monitor supervisor the handlers need.
type Supervisor interface {
	List() []state.MonitoredFile
	Statuses() []monitor.FileStatus
	Add(specs []monitor.AddSpec) monitor.AddResult
	Remove(labels []string) monitor.RemoveResult
	Reload() error
}

// Suppressor exposes suppression stats and reload. A nil *suppress.Cache
// satisfies it with zeroed stats.
type Suppressor interface {
	Stats() suppress.Stats
	ForceReload(ctx context.Context) error
}

// OutboxStats exposes the outbox counters.
type OutboxStats interface {
	Stats() outbox.Stats
}

// AlertState exposes the alert engine view.
type AlertState interface {
	State() alert.State
}

// ConfigSource serves the persisted config document.
type ConfigSource interface {
	Raw() (json.RawMessage, error)
}

// ProcessLister lists the top-n processes by CPU plus the total count.
type ProcessLister func(ctx context.Context, n int) ([]telemetry.ProcessSample, int, error)

// Config wires a Server.
type Config struct {
	Version  string
	NodeID   string
	Hostname string
	IP       string

	Supervisor         Supervisor
	Suppression        Suppressor
	SuppressionEnabled bool
	ConfigStore        ConfigSource
	Outbox             OutboxStats
	Alerts             AlertState
	Processes          ProcessLister

	// Subscriber counts from the two stream broadcasters. Either may be
	// nil; the status then reports zero.
	LogSubscribers       func() int
	TelemetrySubscribers func() int

	RequestTimeout time.Duration
	Logger         *slog.Logger
}

// Server holds the handler dependencies.
type Server struct {
	cfg     Config
	started time.Time
	logger  *slog.Logger
}

// NewServer builds a Server. Uptime is measured from this call.
func NewServer(cfg Config) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, started: time.Now(), logger: logger}
}

// Router returns the chi router with every control-plane route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/config", s.handleConfig)
	r.Post("/api/config/reload", s.handleReload)
	r.Get("/api/monitored-files", s.handleMonitoredFiles)
	r.Post("/api/config/monitored_files/add", s.handleAdd)
	r.Delete("/api/config/monitored_files/remove", s.handleRemove)
	r.Get("/api/processes", s.handleProcesses)
	r.Get("/api/alerts", s.handleAlerts)

	return r
}

// HTTPServer returns an unstarted http.Server for the router on port.
func (s *Server) HTTPServer(port int) *http.Server {
	return &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
}

// writeJSON writes v with status code.
func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("control: writing response", "error", err)
	}
}

// writeError writes the standard error envelope.
func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	s.writeJSON(w, code, map[string]string{"status": "error", "message": message})
}

func (s *Server) logSubscribers() int {
	if s.cfg.LogSubscribers == nil {
		return 0
	}
	return s.cfg.LogSubscribers()
}

func (s *Server) telemetrySubscribers() int {
	if s.cfg.TelemetrySubscribers == nil {
		return 0
	}
	return s.cfg.TelemetrySubscribers()
}
