package api

import (
	"fmt"
	"net/http"
	"time"
)

func parseBound(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %w: %s must be RFC3339", ErrBadRequest, ErrBadWindow, name)
	}
	return t.UTC(), nil
}

// handleSummary handles GET /v1/metrics/summary?window_start=&window_end=.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	from, err := parseBound(r, "window_start")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	to, err := parseBound(r, "window_end")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	report, err := s.deps.Summary(r.Context(), from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
