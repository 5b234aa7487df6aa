package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"dealhub/domain"
	"dealhub/internal/helper"
)

var ErrAlreadyRunning = errors.New("already running")

const defaultSentLimit = 20

// TryListen tries to bind the control address. If it's already in use, we assume an instance is running.
func TryListen(addr string) (net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, ErrAlreadyRunning
	}
	return ln, nil
}

type SettingsService interface {
	Get(ctx context.Context, tenantID string) domain.Settings
	Set(ctx context.Context, tenantID string, patch domain.SettingsPatch) (domain.Settings, error)
	ListAll(ctx context.Context) ([]domain.Settings, error)
}

type DealPicker interface {
	Pick(ctx context.Context, tenantID string, mode domain.PickMode) (domain.Item, domain.Variant, error)
}

type SentLister interface {
	ListSent(ctx context.Context, tenantID string, limit int) ([]domain.SentRecord, error)
}

// DealResponse is the body of GET /tenants/{id}/deal.
type DealResponse struct {
	Item    domain.Item `json:"item"`
	Variant string      `json:"variant"`
}

type Server struct {
	sched    domain.Scheduler
	settings SettingsService
	deals    DealPicker
	ledger   SentLister
	logger   logr.Logger
	mux      *http.ServeMux
}

// NewServer wires the control routes. metrics may be nil.
func NewServer(sched domain.Scheduler, settings SettingsService, deals DealPicker, ledger SentLister, metrics http.Handler, logger logr.Logger) *Server {
	s := &Server{sched: sched, settings: settings, deals: deals, ledger: ledger, logger: logger, mux: http.NewServeMux()}
	s.mux.HandleFunc("POST /set-interval", s.handleSetInterval)
	s.mux.HandleFunc("POST /set-workers", s.handleSetWorkers)
	s.mux.HandleFunc("GET /tenants", s.handleListTenants)
	s.mux.HandleFunc("GET /tenants/{id}/settings", s.handleGetSettings)
	s.mux.HandleFunc("PATCH /tenants/{id}/settings", s.handlePatchSettings)
	s.mux.HandleFunc("GET /tenants/{id}/deal", s.handleDeal)
	s.mux.HandleFunc("GET /tenants/{id}/sent", s.handleSent)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleSetInterval(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Duration string `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid duration: %v", err))
		return
	}
	if err := helper.ValidateInterval(d); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	old := s.sched.CurrentInterval()
	s.sched.SetInterval(d)
	s.logger.Info("Tick interval changed", "old", old.String(), "new", d.String())
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "old": old.String(), "new": d.String()})
}

func (s *Server) handleSetWorkers(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Workers int `json:"workers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return
	}
	if err := helper.ValidateWorkers(req.Workers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	old := s.sched.CurrentWorkers()
	if err := s.sched.Resize(req.Workers); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Info("Worker count changed", "old", old, "new", req.Workers)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "old": old, "new": req.Workers})
}

func (s *Server) handleListTenants(w http.ResponseWriter, r *http.Request) {
	all, err := s.settings.ListAll(r.Context())
	if err != nil {
		s.internalError(w, err, "Listing tenants failed")
		return
	}
	if all == nil {
		all = []domain.Settings{}
	}
	writeJSON(w, http.StatusOK, all)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.settings.Get(r.Context(), r.PathValue("id")))
}

func (s *Server) handlePatchSettings(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("id")
	var patch domain.SettingsPatch
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid settings: %v", err))
		return
	}
	if err := helper.ValidatePatch(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	updated, err := s.settings.Set(r.Context(), tenant, patch)
	if err != nil {
		s.internalError(w, err, "Saving settings failed", "tenant", tenant)
		return
	}
	s.logger.V(1).Info("Settings updated", "tenant", tenant)
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDeal(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("id")
	mode, err := domain.ParsePickMode(r.URL.Query().Get("mode"))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%v: %q", err, r.URL.Query().Get("mode")))
		return
	}
	it, variant, err := s.deals.Pick(r.Context(), tenant, mode)
	switch {
	case errors.Is(err, domain.ErrNoDeal):
		writeError(w, http.StatusNotFound, "no result available")
		return
	case err != nil:
		s.internalError(w, err, "Picking deal failed", "tenant", tenant, "mode", mode.String())
		return
	}
	writeJSON(w, http.StatusOK, DealResponse{Item: it, Variant: variant.String()})
}

func (s *Server) handleSent(w http.ResponseWriter, r *http.Request) {
	tenant := r.PathValue("id")
	limit := defaultSentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	sent, err := s.ledger.ListSent(r.Context(), tenant, limit)
	if err != nil {
		s.internalError(w, err, "Listing sent items failed", "tenant", tenant)
		return
	}
	if sent == nil {
		sent = []domain.SentRecord{}
	}
	writeJSON(w, http.StatusOK, sent)
}

func (s *Server) internalError(w http.ResponseWriter, err error, msg string, kv ...interface{}) {
	s.logger.Error(err, msg, kv...)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
