package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/okian/worldsim/internal/domain/model"
)

// recalcRequest mirrors the OpenAPI schema for POST /v1/recalc-jobs.
type recalcRequest struct {
	Scope       model.JobScope `json:"scope"`
	CityIDs     []string       `json:"city_ids,omitempty"`
	FactionIDs  []string       `json:"faction_ids,omitempty"`
	RegionIDs   []string       `json:"region_ids,omitempty"`
	Force       bool           `json:"force"`
	RequestedBy string         `json:"requested_by,omitempty"`
}

type recalcResponse struct {
	JobID string `json:"job_id"`
}

func (s *Server) handleSubmitRecalc(w http.ResponseWriter, r *http.Request) {
	var req recalcRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.deps.SubmitRecalc(r.Context(), req.Scope, model.JobParams{
		CityIDs:    req.CityIDs,
		FactionIDs: req.FactionIDs,
		RegionIDs:  req.RegionIDs,
		Force:      req.Force,
	}, req.RequestedBy)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/recalc-jobs/"+id)
	writeJSON(w, http.StatusAccepted, recalcResponse{JobID: id})
}

func (s *Server) handleGetRecalc(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.RecalcJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelRecalc(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.CancelRecalc(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCityAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.deps.CityAggregate(r.Context(), chi.URLParam(r, "cityID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

func (s *Server) handleFactionAggregate(w http.ResponseWriter, r *http.Request) {
	agg, err := s.deps.FactionAggregate(r.Context(), chi.URLParam(r, "factionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}
