// Package monitor is the read-only operational surface: /health with
// per-source collector state, /status with the scheduler's task view,
// and /metrics for prometheus scrapes.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/agroflow/agroflow/internal/persistence"
	"github.com/agroflow/agroflow/internal/scheduler"
)

// unhealthyAfter is how old a source's last success may be before
// /health reports it stale.
const unhealthyAfter = 14 * 24 * time.Hour

// Pinger is the slice of the database handle the health check needs.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8090,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// SourceHealth is one collector's entry in the health response.
type SourceHealth struct {
	Source              string     `json:"source"`
	Status              string     `json:"status"` // healthy, degraded, stale
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	RequestCount        int        `json:"request_count"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Timestamp time.Time               `json:"timestamp"`
	Database  string                  `json:"database"`
	Sources   map[string]SourceHealth `json:"sources"`
}

// StatusResponse is the /status payload.
type StatusResponse struct {
	Timestamp time.Time        `json:"timestamp"`
	Tasks     []ScheduledEntry `json:"tasks"`
}

// ScheduledEntry mirrors one scheduler task for the status view.
type ScheduledEntry struct {
	TaskID              string     `json:"task_id"`
	Source              string     `json:"source"`
	Frequency           string     `json:"frequency"`
	Enabled             bool       `json:"enabled"`
	LastRun             *time.Time `json:"last_run,omitempty"`
	LastSuccess         *time.Time `json:"last_success,omitempty"`
	NextRun             time.Time  `json:"next_run"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
}

// Server is the monitor HTTP server. All endpoints are GET and none
// mutate anything.
type Server struct {
	router   *mux.Router
	server   *http.Server
	config   ServerConfig
	db       Pinger
	runState persistence.RunStateRepo
	sched    *scheduler.Scheduler
	metrics  *Metrics
	now      func() time.Time
}

func NewServer(config ServerConfig, db Pinger, runState persistence.RunStateRepo,
	sched *scheduler.Scheduler, metrics *Metrics) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		config:   config,
		db:       db,
		runState: runState,
		sched:    sched,
		metrics:  metrics,
		now:      time.Now,
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         config.Addr(),
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

func (c ServerConfig) Addr() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("%s:%d", host, c.Port)
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/status", s.handleStatus).Methods("GET")
	if s.metrics != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{})).Methods("GET")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: s.now().UTC(),
		Database:  "ok",
		Sources:   map[string]SourceHealth{},
	}

	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			resp.Database = "unreachable"
			resp.Status = "degraded"
		}
	}

	if s.runState != nil {
		states, err := s.runState.All(r.Context())
		if err != nil {
			resp.Status = "degraded"
		}
		cutoff := s.now().UTC().Add(-unhealthyAfter)
		for _, st := range states {
			h := SourceHealth{
				Source:              st.SourceName,
				Status:              "healthy",
				LastRun:             st.LastRun,
				LastSuccess:         st.LastSuccess,
				ConsecutiveFailures: st.ConsecutiveFailures,
				RequestCount:        st.RequestCount,
			}
			switch {
			case !st.IsHealthy():
				h.Status = "degraded"
				resp.Status = "degraded"
			case st.LastSuccess == nil || st.LastSuccess.Before(cutoff):
				h.Status = "stale"
			}
			if s.metrics != nil && st.LastSuccess != nil {
				s.metrics.SourceFreshness.WithLabelValues(st.SourceName).
					Set(s.now().UTC().Sub(*st.LastSuccess).Seconds())
			}
			resp.Sources[st.SourceName] = h
		}
	}

	code := http.StatusOK
	if resp.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Timestamp: s.now().UTC()}
	if s.sched != nil {
		for _, t := range s.sched.Tasks() {
			resp.Tasks = append(resp.Tasks, ScheduledEntry{
				TaskID:              t.TaskID,
				Source:              t.Source,
				Frequency:           t.Frequency,
				Enabled:             t.Enabled,
				LastRun:             t.LastRun,
				LastSuccess:         t.LastSuccess,
				NextRun:             t.NextRun,
				ConsecutiveFailures: t.ConsecutiveFailures,
			})
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("monitor response encode failed")
	}
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", uuid.NewString()[:8])
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		wrapper := &responseWrapper{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		log.Debug().Str("method", r.Method).Str("path", r.URL.Path).
			Int("status", wrapper.statusCode).Dur("duration", s.now().Sub(start)).
			Msg("monitor request")
	})
}

type responseWrapper struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving until Shutdown or a listener error.
func (s *Server) Start() error {
	log.Info().Str("addr", s.config.Addr()).Msg("monitor server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("monitor server shutting down")
	return s.server.Shutdown(ctx)
}
