package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/okian/worldsim/internal/domain/ledger"
	"github.com/okian/worldsim/internal/domain/model"
)

type recordImpactResponse struct {
	EffectID string `json:"effect_id"`
}

// handleRecordImpact handles POST /v1/impacts.
func (s *Server) handleRecordImpact(w http.ResponseWriter, r *http.Request) {
	var in ledger.Impact
	if err := decode(r, &in, false); err != nil {
		s.fail(w, r, err)
		return
	}
	id, err := s.deps.RecordImpact(r.Context(), in)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, recordImpactResponse{EffectID: id})
}

func (s *Server) handleGetImpact(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Impact(r.Context(), chi.URLParam(r, "effectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleImpactAudit(w http.ResponseWriter, r *http.Request) {
	trail, err := s.deps.ImpactAudit(r.Context(), chi.URLParam(r, "effectID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trail)
}

func (s *Server) handleResolveImpact(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.deps.ResolveImpact(r.Context(), chi.URLParam(r, "effectID"), req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleArchiveImpact(w http.ResponseWriter, r *http.Request) {
	var req actorRequest
	if err := decode(r, &req, true); err != nil {
		s.fail(w, r, err)
		return
	}
	rec, err := s.deps.ArchiveImpact(r.Context(), chi.URLParam(r, "effectID"), req.Actor)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleActiveImpacts lists the impacts of a city or faction applying now.
func (s *Server) handleActiveImpacts(kind model.UnitKind, param string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := s.deps.ActiveImpacts(r.Context(), model.Unit{Kind: kind, ID: chi.URLParam(r, param)})
		if err != nil {
			s.fail(w, r, err)
			return
		}
		if recs == nil {
			recs = []model.ImpactRecord{}
		}
		writeJSON(w, http.StatusOK, recs)
	}
}
