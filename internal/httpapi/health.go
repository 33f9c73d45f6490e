package httpapi

import (
	"net/http"
)

type healthResponse struct {
	OK      bool   `json:"ok"`
	Details string `json:"details,omitempty"`
}

// Healthz reports process liveness; it never touches the backend.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{OK: true})
}

// Readyz reports whether the storage backend answers a round-trip.
func (s *Server) Readyz(w http.ResponseWriter, r *http.Request) {
	hs := s.Store.Health(r.Context())
	if !hs.OK {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{OK: false, Details: hs.Details})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{OK: true})
}
