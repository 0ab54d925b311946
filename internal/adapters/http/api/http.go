// Package api exposes the world simulation core over JSON HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/okian/worldsim/internal/domain/alerting"
	"github.com/okian/worldsim/internal/domain/failure"
	"github.com/okian/worldsim/internal/domain/ledger"
	"github.com/okian/worldsim/internal/domain/model"
	"github.com/okian/worldsim/pkg/logger"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	RecordImpact(ctx context.Context, in ledger.Impact) (string, error)
	ResolveImpact(ctx context.Context, effectID, actor string) (model.ImpactRecord, error)
	ArchiveImpact(ctx context.Context, effectID, actor string) (model.ImpactRecord, error)
	Impact(ctx context.Context, effectID string) (model.ImpactRecord, error)
	ImpactAudit(ctx context.Context, effectID string) ([]model.AuditEntry, error)
	ActiveImpacts(ctx context.Context, unit model.Unit) ([]model.ImpactRecord, error)

	OpenCrisis(ctx context.Context, cityID string) (model.Crisis, error)
	SubmitMitigation(ctx context.Context, cityID string, plan model.MitigationPlan) (model.Crisis, error)
	ForceResolveCrisis(ctx context.Context, cityID, actor, reason string) (model.Crisis, error)

	SubmitControlShift(ctx context.Context, req model.ControlShiftRequest) (model.RegionControl, error)
	RegionControl(ctx context.Context, regionID string) (model.RegionControl, error)
	ControlState(ctx context.Context, regionID, factionID string) (model.ControlState, error)
	Regions() []model.RegionControl

	RecordXPGain(ctx context.Context, characterID, skill string, amount float64, requestID string) (model.XPGainResult, error)
	Fatigue(ctx context.Context, characterID, skill string) (model.FatigueState, error)

	SubmitRecalc(ctx context.Context, scope model.JobScope, params model.JobParams, requestedBy string) (string, error)
	RecalcJob(ctx context.Context, jobID string) (model.RecalculationJob, error)
	CancelRecalc(ctx context.Context, jobID string) (model.RecalculationJob, error)
	CityAggregate(ctx context.Context, cityID string) (model.CityAggregate, error)
	FactionAggregate(ctx context.Context, factionID string) (model.FactionAggregate, error)

	Summary(ctx context.Context, from, to time.Time) (alerting.Report, error)
}

// Server wires HTTP routes for the business API.
type Server struct {
	deps          Dependencies
	log           logger.Logger
	healthHandler *HealthHandler
	statsHandler  *StatsHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		deps:          deps,
		log:           logger.Get().Named("api"),
		healthHandler: NewHealthHandler(),
		statsHandler:  NewStatsHandler(statsProvider),
	}
}

// Register attaches all HTTP routes to r.
func (s *Server) Register(_ context.Context, r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(MetricsMiddleware)

		r.Get("/healthz", s.healthHandler.HandleHealth)
		r.Get("/stats", s.statsHandler.HandleStats)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/impacts", s.handleRecordImpact)
			r.Get("/impacts/{effectID}", s.handleGetImpact)
			r.Get("/impacts/{effectID}/audit", s.handleImpactAudit)
			r.Post("/impacts/{effectID}/resolve", s.handleResolveImpact)
			r.Post("/impacts/{effectID}/archive", s.handleArchiveImpact)

			r.Get("/cities/{cityID}/impacts", s.handleActiveImpacts(model.UnitCity, "cityID"))
			r.Get("/factions/{factionID}/impacts", s.handleActiveImpacts(model.UnitFaction, "factionID"))
			r.Get("/cities/{cityID}/aggregate", s.handleCityAggregate)
			r.Get("/factions/{factionID}/aggregate", s.handleFactionAggregate)

			r.Get("/cities/{cityID}/crisis", s.handleOpenCrisis)
			r.Post("/cities/{cityID}/crisis/mitigation", s.handleMitigation)
			r.Post("/cities/{cityID}/crisis/resolve", s.handleForceResolve)

			r.Post("/control-shifts", s.handleControlShift)
			r.Get("/regions", s.handleRegions)
			r.Get("/regions/{regionID}/control", s.handleRegionControl)

			r.Post("/xp", s.handleXPGain)
			r.Get("/fatigue/{characterID}/{skill}", s.handleFatigue)

			r.Post("/recalc-jobs", s.handleSubmitRecalc)
			r.Get("/recalc-jobs/{jobID}", s.handleGetRecalc)
			r.Post("/recalc-jobs/{jobID}/cancel", s.handleCancelRecalc)

			r.Get("/metrics/summary", s.handleSummary)
		})
	})
}

// Routes returns a router carrying every API route.
func (s *Server) Routes(ctx context.Context) chi.Router {
	r := chi.NewRouter()
	s.Register(ctx, r)
	return r
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// fail writes the error envelope for err. Unclassified errors are logged and
// reported without their details.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	code := failure.Code(err)
	msg := err.Error()
	switch {
	case errors.Is(err, ErrBadRequest):
		code = "bad_request"
	case status == http.StatusInternalServerError:
		s.log.Error(r.Context(), "request failed",
			logger.String("method", r.Method),
			logger.String("path", r.URL.Path),
			logger.Error(err),
		)
		msg = "internal error"
	}
	if errors.Is(err, failure.ErrContended) {
		w.Header().Set("Retry-After", retryAfterSeconds)
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// decode reads a JSON body into v. An empty body leaves v untouched when
// optional is set.
func decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	return nil
}

// actorRequest is the optional body of lifecycle commands.
type actorRequest struct {
	Actor  string `json:"actor,omitempty"`
	Reason string `json:"reason,omitempty"`
}
