package server

import "net/http"

// setupRoutes registers the diagnostic endpoints. /healthz and /status are
// the canonical paths; the /api/ aliases exist for probes configured against
// the older layout.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/healthz", s.app.HealthHandler)
	mux.Handle("/api/health", s.app.HealthHandler)

	mux.Handle("/status", s.app.StatusHandler)
	mux.Handle("/api/status", s.app.StatusHandler)

	return mux
}
