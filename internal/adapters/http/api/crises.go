package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/okian/worldsim/internal/domain/model"
)

func (s *Server) handleOpenCrisis(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.OpenCrisis(r.Context(), chi.URLParam(r, "cityID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleMitigation(w http.ResponseWriter, r *http.Request) {
	var plan model.MitigationPlan
	if err := decode(r, &plan, false); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.deps.SubmitMitigation(r.Context(), chi.URLParam(r, "cityID"), plan)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleForceResolve(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	c, err := s.deps.ForceResolveCrisis(r.Context(), chi.URLParam(r, "cityID"), req.Actor, req.Reason)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
