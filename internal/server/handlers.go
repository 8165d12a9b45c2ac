package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"canarybox/internal/deployment"
	"canarybox/internal/fault"
	"canarybox/internal/security"

	"github.com/go-chi/chi/v5"
)

// RecentLimit caps the deployments and audit events in a status response.
const RecentLimit = 10

// HandleHealth handles health check requests
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":     "ok",
		"sites":      s.Registry.List(),
		"site_count": s.Registry.Count(),
	}

	s.respondJSON(w, http.StatusOK, response)
}

// HandleStatus reports the current state of one site.
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	siteName := chi.URLParam(r, "siteName")

	if err := security.ValidateSiteName(siteName); err != nil {
		s.Logger.Warn("Invalid site name in status request", "site", siteName, "error", err)
		s.respondJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("Invalid site name: %v", err)})
		return
	}

	st, err := s.Registry.Get(siteName)
	if err != nil {
		s.respondJSON(w, http.StatusNotFound, map[string]string{"error": "Unknown site"})
		return
	}

	state, err := deployment.Inspect(r.Context(), st, s.History, RecentLimit)
	if errors.Is(err, fault.Precondition) {
		s.respondJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	if err != nil {
		s.Logger.Error("Failed to inspect site", "error", err, "site", siteName)
		s.respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to fetch site status"})
		return
	}

	s.respondJSON(w, http.StatusOK, state)
}

// respondJSON sends a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.Logger.Error("Failed to encode JSON response", "error", err)
	}
}
