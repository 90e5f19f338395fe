package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"NetSecMonitor/internal/baseline"
	"NetSecMonitor/internal/model"
	"NetSecMonitor/internal/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// AlertService is the alert lifecycle the API exposes.
type AlertService interface {
	List(status model.AlertStatus) []model.Alert
	Get(id string) (model.Alert, error)
	Transition(id string, next model.AlertStatus, notes string) (model.Alert, error)
	Reopen(id, notes string) (model.Alert, error)
}

// BaselineService is the baseline maintenance the API exposes.
type BaselineService interface {
	Snapshot() []baseline.ProfileView
	Confirm(profile, metric string) (model.BaselineProfile, int, error)
	Discard(profile, metric string) (int, error)
	Reset(profile, metric string, at time.Time) (model.BaselineProfile, error)
}

// Deps are the collaborators of the HTTP handler.
type Deps struct {
	Alerts    AlertService
	Baselines BaselineService
	// Persist stores a profile changed through the API. It may be nil.
	Persist func(model.BaselineProfile)
	// History serves stored statistics and scan results. It may be nil.
	History  storage.HistoryReader
	Gatherer prometheus.Gatherer
	// Ready reports whether the pipeline is running.
	Ready  func() bool
	Logger *zap.Logger
}

type server struct {
	Deps
}

// NewHandler builds the ops HTTP handler.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &server{Deps: deps}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/alerts", s.listAlerts).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}", s.getAlert).Methods(http.MethodGet)
	v1.HandleFunc("/alerts/{id}/status", s.transitionAlert).Methods(http.MethodPost)
	v1.HandleFunc("/alerts/{id}/reopen", s.reopenAlert).Methods(http.MethodPost)
	v1.HandleFunc("/baselines", s.listBaselines).Methods(http.MethodGet)
	v1.HandleFunc("/baselines/{profile}/{metric}/confirm", s.confirmBaseline).Methods(http.MethodPost)
	v1.HandleFunc("/baselines/{profile}/{metric}/discard", s.discardBaseline).Methods(http.MethodPost)
	v1.HandleFunc("/baselines/{profile}/{metric}", s.resetBaseline).Methods(http.MethodDelete)
	if deps.History != nil {
		v1.HandleFunc("/stats", s.queryStats).Methods(http.MethodGet)
		v1.HandleFunc("/scans", s.queryScans).Methods(http.MethodGet)
	}
	return r
}

type alertView struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Type         string         `json:"alert_type"`
	Severity     string         `json:"severity"`
	SrcIP        string         `json:"source_ip,omitempty"`
	DstIP        string         `json:"destination_ip,omitempty"`
	Description  string         `json:"description"`
	Details      map[string]any `json:"details,omitempty"`
	Status       string         `json:"status"`
	ResolvedAt   *time.Time     `json:"resolved_at,omitempty"`
	Notes        string         `json:"notes,omitempty"`
	ReopenedFrom string         `json:"reopened_from,omitempty"`
	LastSeen     time.Time      `json:"last_seen"`
}

func newAlertView(a model.Alert) alertView {
	return alertView{
		ID:           a.ID,
		Timestamp:    a.Timestamp,
		Type:         string(a.Type),
		Severity:     a.Severity.String(),
		SrcIP:        a.SrcIP,
		DstIP:        a.DstIP,
		Description:  a.Description,
		Details:      a.Details,
		Status:       string(a.Status),
		ResolvedAt:   a.ResolvedAt,
		Notes:        a.Notes,
		ReopenedFrom: a.ReopenedFrom,
		LastSeen:     a.LastSeen,
	}
}

type baselineView struct {
	Profile       string    `json:"profile_name"`
	Metric        string    `json:"metric_name"`
	Mean          float64   `json:"baseline_value"`
	StdDev        float64   `json:"std_deviation"`
	ThresholdHigh float64   `json:"threshold_high"`
	ThresholdLow  float64   `json:"threshold_low"`
	LastUpdated   time.Time `json:"last_updated"`
	Count         uint64    `json:"sample_count"`
	Deferred      int       `json:"deferred"`
}

func newBaselineView(p model.BaselineProfile, deferred int) baselineView {
	return baselineView{
		Profile:       p.ProfileName,
		Metric:        p.MetricName,
		Mean:          p.Mean,
		StdDev:        p.StdDev,
		ThresholdHigh: p.ThresholdHigh,
		ThresholdLow:  p.ThresholdLow,
		LastUpdated:   p.LastUpdated,
		Count:         p.Count,
		Deferred:      deferred,
	}
}

type statusRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.Ready != nil && !s.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := model.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status '"+string(status)+"'")
		return
	}
	alerts := s.Alerts.List(status)
	views := make([]alertView, 0, len(alerts))
	for _, a := range alerts {
		views = append(views, newAlertView(a))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) getAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.Alerts.Get(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAlertView(a))
}

func (s *server) transitionAlert(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}
	a, err := s.Alerts.Transition(mux.Vars(r)["id"], model.AlertStatus(req.Status), req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newAlertView(a))
}

func (s *server) reopenAlert(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	a, err := s.Alerts.Reopen(mux.Vars(r)["id"], req.Notes)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newAlertView(a))
}

func (s *server) listBaselines(w http.ResponseWriter, r *http.Request) {
	snapshot := s.Baselines.Snapshot()
	views := make([]baselineView, 0, len(snapshot))
	for _, p := range snapshot {
		views = append(views, newBaselineView(p.BaselineProfile, p.Deferred))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *server) confirmBaseline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, n, err := s.Baselines.Confirm(vars["profile"], vars["metric"])
	if err != nil {
		s.fail(w, err)
		return
	}
	s.persist(p)
	s.Logger.Info("Confirmed deferred observations",
		zap.String("profile", p.ProfileName), zap.String("metric", p.MetricName), zap.Int("applied", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"applied":  n,
		"baseline": newBaselineView(p, 0),
	})
}

func (s *server) discardBaseline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.Baselines.Discard(vars["profile"], vars["metric"])
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"discarded": n})
}

func (s *server) resetBaseline(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	p, err := s.Baselines.Reset(vars["profile"], vars["metric"], time.Now().UTC())
	if err != nil {
		s.fail(w, err)
		return
	}
	s.persist(p)
	s.Logger.Info("Reset baseline", zap.String("profile", p.ProfileName), zap.String("metric", p.MetricName))
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) persist(p model.BaselineProfile) {
	if s.Persist != nil {
		s.Persist(p)
	}
}

func (s *server) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrStorageUnavailable):
		s.Logger.Warn("Storage query failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		s.Logger.Error("API request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decode reads an optional JSON body into v.
func decode(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
