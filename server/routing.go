package server

import (
	"net/http"
	"strings"

	"github.com/teranos/studioos/auth"
)

// setupHTTPRoutes configures all HTTP handlers
func (s *StudioServer) setupHTTPRoutes() {
	view := func(h http.HandlerFunc) http.HandlerFunc { return s.authorize(auth.ActionView, h) }

	s.mux.HandleFunc("GET /health", s.HandleHealth)
	s.mux.HandleFunc("GET /ws", view(s.HandleWebSocket)) // Progress snapshots (job=, delivery=, project=)

	s.mux.HandleFunc("POST /api/jobs", s.authorize(auth.ActionSubmitJob, s.HandleSubmitJob))
	s.mux.HandleFunc("GET /api/jobs", view(s.HandleListJobs))
	s.mux.HandleFunc("GET /api/jobs/{id}", view(s.HandleGetJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/cancel", s.authorize(auth.ActionCancelJob, s.HandleCancelJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/retry", s.authorize(auth.ActionRetryJob, s.HandleRetryJob))
	s.mux.HandleFunc("POST /api/jobs/{id}/rerun", s.authorize(auth.ActionRerunJob, s.HandleRerunJob))

	// Batch delivery is authorized inside the handler once the platform count is known
	s.mux.HandleFunc("POST /api/deliveries", s.authorize(auth.ActionCreateDelivery, s.HandleCreateDelivery))
	s.mux.HandleFunc("GET /api/deliveries", view(s.HandleListDeliveries))
	s.mux.HandleFunc("GET /api/deliveries/{id}", view(s.HandleGetDelivery))
	s.mux.HandleFunc("POST /api/deliveries/{id}/cancel", s.authorize(auth.ActionCancelDelivery, s.HandleCancelDelivery))
	s.mux.HandleFunc("POST /api/deliveries/{id}/retry", s.authorize(auth.ActionRetryDelivery, s.HandleRetryDelivery))

	s.mux.HandleFunc("GET /api/platforms", view(s.HandlePlatforms))
	s.mux.HandleFunc("GET /api/engine/stats", view(s.HandleEngineStats))

	s.mux.HandleFunc("POST /api/blobs", s.authorize(auth.ActionUploadBlob, s.HandleUploadBlob))
	s.mux.HandleFunc("GET /api/blobs/{key}", view(s.HandleGetBlob))
}

// authorize refuses the request unless the caller's role permits action
func (s *StudioServer) authorize(action auth.Action, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := auth.AuthorizeContext(r.Context(), action); err != nil {
			writeWrappedError(w, s.logger, err, "not authorized")
			return
		}
		next(w, r)
	}
}

// corsMiddleware adds CORS headers for configured origins and answers preflight requests
func (s *StudioServer) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Vary", "Origin")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", strings.Join([]string{"Content-Type", auth.RoleHeader}, ", "))

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}
