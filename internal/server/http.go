// Package server exposes the operator surface: an HTTP/JSON API for
// lifecycle and payout operations plus a gRPC health endpoint.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"ContestLedger/internal/audit"
	"ContestLedger/internal/contest"
	"ContestLedger/internal/lifecycle"
	"ContestLedger/internal/observability"
	"ContestLedger/internal/payout"
	"ContestLedger/internal/settlement"
)

type HTTPServer struct {
	addr         string
	controller   *lifecycle.Controller
	audits       *audit.Store
	settlements  *settlement.Store
	payouts      *payout.Store
	orchestrator *payout.Orchestrator
	results      *settlement.ResultsStore
	health       *observability.HealthChecker
	log          zerolog.Logger
}

func NewHTTPServer(addr string, controller *lifecycle.Controller, audits *audit.Store, settlements *settlement.Store, payouts *payout.Store, orchestrator *payout.Orchestrator, results *settlement.ResultsStore, health *observability.HealthChecker) *HTTPServer {
	return &HTTPServer{
		addr:         addr,
		controller:   controller,
		audits:       audits,
		settlements:  settlements,
		payouts:      payouts,
		orchestrator: orchestrator,
		results:      results,
		health:       health,
		log:          observability.NewLogger("http"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/contests", s.handleCreate)
	mux.HandleFunc("GET /v1/contests/{id}", s.handleGet)
	mux.HandleFunc("GET /v1/contests/{id}/audit", s.handleAudit)
	mux.HandleFunc("GET /v1/contests/{id}/settlement", s.handleSettlement)
	mux.HandleFunc("POST /v1/contests/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/contests/{id}/force-lock", s.handleForceLock)
	mux.HandleFunc("POST /v1/contests/{id}/times", s.handleUpdateTimes)
	mux.HandleFunc("POST /v1/contests/{id}/settle", s.handleSettle)
	mux.HandleFunc("POST /v1/contests/{id}/resolve", s.handleResolve)
	mux.HandleFunc("PUT /v1/contests/{id}/results", s.handleUpsertResults)
	mux.HandleFunc("GET /v1/payout-jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /v1/payout-jobs/{id}/reconcile", s.handleReconcile)
	mux.HandleFunc("GET /healthz", s.health.LivenessHandler)
	mux.HandleFunc("GET /readyz", s.health.ReadinessHandler)

	srv := &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("addr", s.addr).Msg("http server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

type createRequest struct {
	Config    contest.Config `json:"config"`
	LockTime  time.Time      `json:"lock_time"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
}

func (s *HTTPServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &contest.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	inst, err := s.controller.CreateContest(r.Context(), req.Config, req.LockTime, req.StartTime, req.EndTime)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, instanceView(inst))
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	inst, err := s.controller.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, instanceView(inst))
}

func (s *HTTPServer) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	records, err := s.audits.ListForContest(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *HTTPServer) handleSettlement(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	rec, err := s.settlements.GetByContest(r.Context(), id)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no settlement for contest"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type actionRequest struct {
	Reason string `json:"reason"`
}

func (s *HTTPServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, func(ctx context.Context, id uuid.UUID, reason string) (*lifecycle.Outcome, error) {
		return s.controller.Cancel(ctx, id, contest.ActorAdmin, reason)
	})
}

func (s *HTTPServer) handleForceLock(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.controller.ForceLock)
}

func (s *HTTPServer) handleSettle(w http.ResponseWriter, r *http.Request) {
	s.runAction(w, r, s.controller.TriggerSettlement)
}

type updateTimesRequest struct {
	Reason    string     `json:"reason"`
	LockTime  *time.Time `json:"lock_time,omitempty"`
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
}

func (s *HTTPServer) handleUpdateTimes(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req updateTimesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &contest.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	out, err := s.controller.UpdateTimeFields(r.Context(), id, contest.ActorAdmin, contest.TimeFields{
		LockTime:  req.LockTime,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
	}, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type resolveRequest struct {
	Reason string `json:"reason"`
	Target string `json:"target"`
}

func (s *HTTPServer) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &contest.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	out, err := s.controller.ResolveError(r.Context(), id, contest.Status(req.Target), req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type upsertResultsRequest struct {
	Final   bool                     `json:"final"`
	Entries []settlement.ResultEntry `json:"entries"`
}

func (s *HTTPServer) handleUpsertResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req upsertResultsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &contest.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if err := s.results.UpsertScores(r.Context(), id, req.Entries, req.Final); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": len(req.Entries), "final": req.Final})
}

func (s *HTTPServer) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	job, err := s.payouts.GetJob(r.Context(), id)
	if err == sql.ErrNoRows {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payout job not found"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	transfers, err := s.payouts.TransfersForJob(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job": job, "transfers": transfers})
}

type reconcileRequest struct {
	ObservedCents int64 `json:"observed_cents"`
}

func (s *HTTPServer) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &contest.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	if err := s.orchestrator.Reconcile(r.Context(), id, req.ObservedCents); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"result": "matched"})
}

func (s *HTTPServer) runAction(w http.ResponseWriter, r *http.Request, op func(context.Context, uuid.UUID, string) (*lifecycle.Outcome, error)) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, &contest.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}
	out, err := op(r.Context(), id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, &contest.ValidationError{Field: "id", Reason: "not a uuid"})
		return uuid.Nil, false
	}
	return id, true
}

func instanceView(inst *contest.Instance) map[string]interface{} {
	return map[string]interface{}{
		"id":          inst.ID,
		"status":      inst.Status,
		"lock_time":   inst.LockTime,
		"start_time":  inst.StartTime,
		"end_time":    inst.EndTime,
		"config":      inst.Config,
		"config_hash": inst.ConfigHash,
		"created_at":  inst.CreatedAt,
		"updated_at":  inst.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the error taxonomy onto HTTP status codes. Unknown errors
// stay opaque 500s.
func writeError(w http.ResponseWriter, err error) {
	if errors.Is(err, lifecycle.ErrContestNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}

	var coded contest.Coded
	if errors.As(err, &coded) {
		status := http.StatusConflict
		if coded.Code() == contest.CodeValidation {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]string{"error": err.Error(), "code": coded.Code()})
		return
	}

	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
