// Package admin serves the simulator's JSON control API.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"fleetops-sim/internal/inject"
	"fleetops-sim/internal/predict"
	"fleetops-sim/internal/sim"
	"fleetops-sim/internal/stream"
	"fleetops-sim/internal/telemetry"
)

// Simulator is the part of *sim.Simulator the API drives.
type Simulator interface {
	Status() sim.Status
	WriteEpoch(ctx context.Context) (stream.Commit, error)
	FastForward(ctx context.Context, hours float64, progress func(stream.Progress)) (sim.FastForwardResult, error)
	Activate(ctx context.Context, entity, failure string) (inject.FailureConfig, error)
	Disable(ctx context.Context, entity string) (bool, error)
	ClearFailures(ctx context.Context) error
	ActiveFailures() []inject.ActiveFailure
	LatestTelemetry(ctx context.Context) ([]sim.EntityTelemetry, error)
	Predictions(ctx context.Context) ([]sim.PredictionView, error)
	RefreshPredictions(ctx context.Context, force bool) (predict.Result, error)
	Markers(ctx context.Context) ([]telemetry.FailureMarkerRow, error)
	ChartData(ctx context.Context, hours float64) ([]sim.ChartPoint, error)
	Dashboard(ctx context.Context, includeCharts bool, hours float64) (sim.Dashboard, error)
	Reset(ctx context.Context) error
}

type Server struct {
	Sim     Simulator
	metrics http.Handler
	log     *slog.Logger
	router  *mux.Router
	handler http.Handler
}

// NewServer builds the router. metricsHandler may be nil.
func NewServer(s Simulator, metricsHandler http.Handler, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	srv := &Server{Sim: s, metrics: metricsHandler, log: log}
	srv.router = srv.routes()
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	srv.handler = handlers.RecoveryHandler(handlers.RecoveryLogger(recoveryLogger{log}))(cors(srv.router))
	return srv
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.logRequests)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.HandleFunc("/dashboard-data", s.handleDashboard).Methods(http.MethodGet)
	api.HandleFunc("/writer/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/writer/write-epoch", s.handleWriteEpoch).Methods(http.MethodPost)
	api.HandleFunc("/fast-forward/{hours}", s.handleFastForward).Methods(http.MethodPost)
	api.HandleFunc("/failure/activate", s.handleActivate).Methods(http.MethodPost)
	api.HandleFunc("/failure/clear", s.handleClearAll).Methods(http.MethodDelete)
	api.HandleFunc("/failure/{entity}", s.handleDisable).Methods(http.MethodDelete)
	api.HandleFunc("/failures/active", s.handleActiveFailures).Methods(http.MethodGet)
	api.HandleFunc("/telemetry/latest", s.handleLatestTelemetry).Methods(http.MethodGet)
	api.HandleFunc("/predictions/latest", s.handlePredictions).Methods(http.MethodGet)
	api.HandleFunc("/predictions/refresh", s.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/predictions/first-failure-markers", s.handleMarkers).Methods(http.MethodGet)
	api.HandleFunc("/chart-data/{hours}", s.handleChart).Methods(http.MethodGet)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost, http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the API router wrapped with CORS and panic recovery.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves the API on addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context, addr string) error {
	hs := &http.Server{Addr: addr, Handler: s.handler, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- hs.ListenAndServe() }()
	s.log.Info("admin API listening", "addr", addr)
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	}
}

type recoveryLogger struct{ log *slog.Logger }

func (l recoveryLogger) Println(v ...interface{}) {
	l.log.Error("api handler panic", "panic", fmt.Sprint(v...))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debug("api request", "method", r.Method, "path", r.URL.Path, "took", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type statusBody struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	status := "error"
	switch {
	case errors.Is(err, sim.ErrUnknownEntity):
		code = http.StatusNotFound
	case errors.Is(err, inject.ErrInvalidConfig), errors.Is(err, sim.ErrInvalidDuration):
		code = http.StatusBadRequest
	case errors.Is(err, inject.ErrConflictingFailure):
		code = http.StatusConflict
	case errors.Is(err, predict.ErrRefreshInProgress):
		code, status = http.StatusConflict, "in_progress"
	case errors.Is(err, predict.ErrRefreshThrottled):
		code, status = http.StatusTooManyRequests, "throttled"
	case errors.Is(err, stream.ErrClockHalted), errors.Is(err, stream.ErrStateCorruption):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.log.Error("api request failed", "error", err)
	}
	writeJSON(w, code, statusBody{Status: status, Message: err.Error()})
}

func parseHours(raw string) (float64, error) {
	h, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(h) || math.IsInf(h, 0) {
		return 0, fmt.Errorf("%w: %q", sim.ErrInvalidDuration, raw)
	}
	if h <= 0 || h > sim.MaxFastForwardHours {
		return 0, fmt.Errorf("%w: %v hours, want (0, %d]", sim.ErrInvalidDuration, h, sim.MaxFastForwardHours)
	}
	return h, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusBody{Status: "running"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Sim.Status())
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	include, _ := strconv.ParseBool(q.Get("include_charts"))
	hours := 1.0
	if raw := q.Get("hours"); raw != "" {
		h, err := parseHours(raw)
		if err != nil {
			s.writeError(w, err)
			return
		}
		hours = h
	}
	d, err := s.Sim.Dashboard(r.Context(), include, hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleWriteEpoch(w http.ResponseWriter, r *http.Request) {
	c, err := s.Sim.WriteEpoch(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"epoch":      c.Epoch,
		"next_epoch": c.State.NextEpoch,
		"timestamp":  c.State.TimestampFor(c.Epoch),
		"rows":       len(c.Rows),
	})
}

func (s *Server) handleFastForward(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(mux.Vars(r)["hours"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.Sim.FastForward(r.Context(), hours, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type activateRequest struct {
	EntityID    string `json:"entity_id"`
	FailureType string `json:"failure_type"`
}

// handleActivate accepts the entity and failure as query parameters or as a
// JSON body.
func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	req := activateRequest{
		EntityID:    r.URL.Query().Get("entity_id"),
		FailureType: r.URL.Query().Get("failure_type"),
	}
	if req.EntityID == "" && r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, statusBody{Status: "error", Message: "invalid JSON body"})
			return
		}
	}
	cfg, err := s.Sim.Activate(r.Context(), req.EntityID, req.FailureType)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "success",
		"message": string(cfg.FailureType) + " failure activated for " + cfg.EntityID,
		"config":  cfg,
	})
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	if err := s.Sim.ClearFailures(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "success"})
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	changed, err := s.Sim.Disable(r.Context(), mux.Vars(r)["entity"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "changed": changed})
}

func (s *Server) handleActiveFailures(w http.ResponseWriter, r *http.Request) {
	active := s.Sim.ActiveFailures()
	if active == nil {
		active = []inject.ActiveFailure{}
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleLatestTelemetry(w http.ResponseWriter, r *http.Request) {
	rows, err := s.Sim.LatestTelemetry(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	views, err := s.Sim.Predictions(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	res, err := s.Sim.RefreshPredictions(r.Context(), force)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"refresh_id": res.ID,
		"as_of":      res.AsOf,
		"updated":    len(res.Rows),
		"skipped":    len(res.Skipped),
		"errors":     len(res.Errors),
	})
}

func (s *Server) handleMarkers(w http.ResponseWriter, r *http.Request) {
	markers, err := s.Sim.Markers(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if markers == nil {
		markers = []telemetry.FailureMarkerRow{}
	}
	writeJSON(w, http.StatusOK, markers)
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	hours, err := parseHours(mux.Vars(r)["hours"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	points, err := s.Sim.ChartData(r.Context(), hours)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, points)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.Sim.Reset(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "success", Message: "telemetry, predictions, markers and failures purged"})
}
