package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// xpRequest mirrors the OpenAPI schema for POST /v1/xp.
type xpRequest struct {
	CharacterID string  `json:"character_id"`
	Skill       string  `json:"skill"`
	Amount      float64 `json:"amount"`
	RequestID   string  `json:"request_id,omitempty"`
}

func (s *Server) handleXPGain(w http.ResponseWriter, r *http.Request) {
	var req xpRequest
	if err := decode(r, &req, false); err != nil {
		s.fail(w, r, err)
		return
	}
	res, err := s.deps.RecordXPGain(r.Context(), req.CharacterID, req.Skill, req.Amount, req.RequestID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleFatigue(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Fatigue(r.Context(), chi.URLParam(r, "characterID"), chi.URLParam(r, "skill"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
