package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// ReadinessCheck reports whether one dependency can serve traffic.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Readiness evaluates a fixed set of dependency checks.
type Readiness struct {
	checks  []ReadinessCheck
	timeout time.Duration
}

func NewReadiness(timeout time.Duration, checks ...ReadinessCheck) *Readiness {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Readiness{checks: checks, timeout: timeout}
}

// Evaluate runs every check concurrently and returns the failures by name.
func (r *Readiness) Evaluate(ctx context.Context) map[string]error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		failures = make(map[string]error)
	)
	for _, c := range r.checks {
		wg.Add(1)
		go func(c ReadinessCheck) {
			defer wg.Done()
			if err := c.Check(ctx); err != nil {
				mu.Lock()
				failures[c.Name] = err
				mu.Unlock()
			}
		}(c)
	}
	wg.Wait()
	return failures
}

// MonitoringServer exposes Prometheus metrics and liveness/readiness probes
// on a port separate from the API.
type MonitoringServer struct {
	server    *http.Server
	readiness *Readiness
	logger    *zap.Logger
}

// NewMonitoringServer builds the monitoring router.
func NewMonitoringServer(addr, metricsPath string, gatherer prometheus.Gatherer, readiness *Readiness, logger *zap.Logger) *MonitoringServer {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	s := &MonitoringServer{readiness: readiness, logger: logger}

	router := mux.NewRouter()
	router.Handle(metricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the router, mainly for tests.
func (s *MonitoringServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *MonitoringServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
	})
}

func (s *MonitoringServer) handleReady(w http.ResponseWriter, r *http.Request) {
	failures := s.readiness.Evaluate(r.Context())
	if len(failures) == 0 {
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
		return
	}

	names := make([]string, 0, len(failures))
	details := make(map[string]string, len(failures))
	for name, err := range failures {
		names = append(names, name)
		details[name] = err.Error()
	}
	sort.Strings(names)
	s.logger.Warn("Readiness check failed", zap.Strings("components", names))
	writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
		"status":   "not_ready",
		"failures": details,
	})
}

// Start listens in the background. Listen errors are returned immediately.
func (s *MonitoringServer) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on monitoring address %s: %w", s.server.Addr, err)
	}
	go func() {
		s.logger.Info("Monitoring server starting", zap.String("address", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Monitoring server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *MonitoringServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
