package server

import (
	"net/http"
	"time"
)

// handleHealthz handles GET /healthz (no auth). It reports whether a
// credential is cached, never its value.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Handlers:      []string{},
	}
	if c := s.deps.Credential; c != nil {
		snap := c.Snapshot()
		resp.CredentialCached = snap.Cached
		resp.CredentialRefreshes = snap.Refreshes
		if snap.Cached {
			at := snap.ExpiresAt.UTC()
			resp.CredentialExpiresAt = &at
		}
	}
	if h := s.deps.Handlers; h != nil {
		resp.Handlers = h.Senders()
	}
	writeJSON(w, http.StatusOK, resp)
}
