// Package api serves the loopback HTTP surface: current metrics from
// the ring buffer, history and anomalies from the store, and component
// health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/baikal/hostpulse/internal/config"
	"github.com/baikal/hostpulse/internal/health"
	"github.com/baikal/hostpulse/internal/metrics"
	"github.com/baikal/hostpulse/internal/model"
	"github.com/baikal/hostpulse/internal/ring"
	"github.com/baikal/hostpulse/internal/store"
)

// StoreReader is the read-only store surface the handlers need.
type StoreReader interface {
	History(ctx context.Context, metric string, from, to time.Time, maxPoints int) ([]store.Point, error)
	Processes(ctx context.Context, n int) ([]model.ProcessInfo, error)
	Summary(ctx context.Context, from, to time.Time) (map[string]store.SummaryStats, error)
	Anomalies(ctx context.Context, from, to time.Time) ([]model.Anomaly, error)
	Stat(ctx context.Context) (*store.Stats, error)
}

// Server is the HTTP surface. All endpoints are read-only.
type Server struct {
	cfg    *config.Config
	buf    *ring.Buffer
	reader StoreReader
	health *health.Registry
	m      *metrics.Set
	log    *zap.Logger
	now    func() time.Time
}

// New builds the server. m may be nil; /metrics then serves an empty
// registry page.
func New(cfg *config.Config, buf *ring.Buffer, reader StoreReader,
	reg *health.Registry, m *metrics.Set, log *zap.Logger) *Server {
	return &Server{
		cfg:    cfg,
		buf:    buf,
		reader: reader,
		health: reg,
		m:      m,
		log:    log,
		now:    time.Now,
	}
}

// Handler returns the routed handler with per-request timeouts applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/metrics/current", s.handleCurrent)
	mux.HandleFunc("GET /api/metrics/history", s.handleHistory)
	mux.HandleFunc("GET /api/metrics/processes", s.handleProcesses)
	mux.HandleFunc("GET /api/metrics/summary", s.handleSummary)
	mux.HandleFunc("GET /api/patterns/anomalies", s.handleAnomalies)
	mux.HandleFunc("GET /api/status/training", s.handleTraining)
	mux.HandleFunc("GET /health", s.handleHealth)
	if s.m != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.m.Registry, promhttp.HandlerOpts{}))
	}
	return s.withTimeout(mux)
}

func (s *Server) withTimeout(next http.Handler) http.Handler {
	timeout := time.Duration(s.cfg.HTTP.RequestTimeoutSec) * time.Second
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Listen binds the configured address. A failure here is fatal for the
// agent (exit code semantics are the caller's concern).
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.cfg.HTTP.Bind)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", s.cfg.HTTP.Bind, err)
	}
	return ln, nil
}

// Run serves on ln until the context is cancelled, then shuts down
// gracefully within the shutdown grace window.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		grace := time.Duration(s.cfg.Shutdown.GraceSec) * time.Second
		shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	snap := s.buf.Latest()
	if snap == nil {
		writeError(w, http.StatusServiceUnavailable, "no_data", "no snapshot collected yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	metric := r.URL.Query().Get("metric")
	if !model.IsPrimaryMetric(metric) {
		writeError(w, http.StatusBadRequest, "invalid_parameter",
			fmt.Sprintf("unknown metric %q", metric))
		return
	}
	hours, err := intParam(r, "hours", 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	maxPoints, err := intParamDefault(r, "max_points", 1, 10000, 500)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}

	to := s.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	points, err := s.reader.History(r.Context(), metric, from, to, maxPoints)
	if err != nil {
		s.serverError(w, "history query", err)
		return
	}
	if points == nil {
		points = []store.Point{}
	}
	writeJSON(w, http.StatusOK, points)
}

// processRow is the wire shape of one process entry.
type processRow struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemoryMB   float64 `json:"memory_mb"`
	Threads    int32   `json:"threads"`
	Status     string  `json:"status"`
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	limit, err := intParamDefault(r, "limit", 1, 100, s.cfg.Collectors.ProcessTopN)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	procs, err := s.reader.Processes(r.Context(), limit)
	if err != nil {
		s.serverError(w, "processes query", err)
		return
	}
	rows := make([]processRow, len(procs))
	for i, p := range procs {
		rows[i] = processRow{
			PID: p.PID, Name: p.Name, CPUPercent: p.CPUPercent,
			MemoryMB: p.MemoryMB, Threads: p.Threads, Status: p.Status,
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window, err := intParam(r, "window", 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	to := s.now().UTC()
	from := to.Add(-time.Duration(window) * time.Hour)
	stats, err := s.reader.Summary(r.Context(), from, to)
	if err != nil {
		s.serverError(w, "summary query", err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAnomalies(w http.ResponseWriter, r *http.Request) {
	hours, err := intParam(r, "hours", 1, 168)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_parameter", err.Error())
		return
	}
	to := s.now().UTC()
	from := to.Add(-time.Duration(hours) * time.Hour)
	anomalies, err := s.reader.Anomalies(r.Context(), from, to)
	if err != nil {
		s.serverError(w, "anomalies query", err)
		return
	}
	if anomalies == nil {
		anomalies = []model.Anomaly{}
	}
	writeJSON(w, http.StatusOK, anomalies)
}

// trainingStatus reports whether enough history exists for downstream
// model training.
type trainingStatus struct {
	Samples         int64    `json:"samples"`
	MinimumRequired int      `json:"minimum_required"`
	HoursCollected  float64  `json:"hours_collected"`
	MinimumHours    float64  `json:"minimum_hours"`
	Ready           bool     `json:"ready"`
	ProgressRatio   float64  `json:"progress_ratio"`
	NextSteps       []string `json:"next_steps"`
}

func (s *Server) handleTraining(w http.ResponseWriter, r *http.Request) {
	st, err := s.reader.Stat(r.Context())
	if err != nil {
		s.serverError(w, "store stat", err)
		return
	}

	status := trainingStatus{
		Samples:         st.SnapshotCount,
		MinimumRequired: s.cfg.Training.MinimumSamples,
		MinimumHours:    s.cfg.Training.MinimumHours,
		NextSteps:       []string{},
	}
	if st.OldestTS != nil {
		status.HoursCollected = s.now().UTC().Sub(*st.OldestTS).Hours()
	}

	sampleRatio := float64(status.Samples) / float64(status.MinimumRequired)
	hourRatio := status.HoursCollected / status.MinimumHours
	status.ProgressRatio = clamp01(min(sampleRatio, hourRatio))
	status.Ready = sampleRatio >= 1 && hourRatio >= 1

	if sampleRatio < 1 {
		status.NextSteps = append(status.NextSteps,
			fmt.Sprintf("collect %d more samples", status.MinimumRequired-int(status.Samples)))
	}
	if hourRatio < 1 {
		status.NextSteps = append(status.NextSteps,
			fmt.Sprintf("keep the agent running for %.1f more hours", status.MinimumHours-status.HoursCollected))
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	// Always 200: the body carries degradation, not the status line.
	writeJSON(w, http.StatusOK, s.health.Snapshot())
}

func (s *Server) serverError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal_error", op+" failed")
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func intParam(r *http.Request, name string, lo, hi int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, fmt.Errorf("missing parameter %q", name)
	}
	return boundedInt(name, raw, lo, hi)
}

func intParamDefault(r *http.Request, name string, lo, hi, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return boundedInt(name, raw, lo, hi)
}

func boundedInt(name, raw string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parameter %q is not an integer", name)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("parameter %q out of range [%d, %d]", name, lo, hi)
	}
	return v, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
