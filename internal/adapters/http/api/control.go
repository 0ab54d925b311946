package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/okian/worldsim/internal/domain/model"
)

// handleControlShift handles POST /v1/control-shifts.
func (s *Server) handleControlShift(w http.ResponseWriter, r *http.Request) {
	var req model.ControlShiftRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	rc, err := s.deps.SubmitControlShift(r.Context(), req)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

func (s *Server) handleRegions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Regions())
}

// handleRegionControl returns the region record, or the per-faction view
// when ?faction= is given.
func (s *Server) handleRegionControl(w http.ResponseWriter, r *http.Request) {
	regionID := chi.URLParam(r, "regionID")
	if faction := r.URL.Query().Get("faction"); faction != "" {
		st, err := s.deps.ControlState(r.Context(), regionID, faction)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, st)
		return
	}
	rc, err := s.deps.RegionControl(r.Context(), regionID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rc)
}
