package server

import (
	"io"
	"net/http"
	"strconv"

	"github.com/teranos/studioos/blob"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
	"github.com/teranos/studioos/version"
)

// HandleHealth reports liveness; it needs no role
func (s *StudioServer) HandleHealth(w http.ResponseWriter, r *http.Request) {
	versionInfo := version.Get()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"state":   s.getState().String(),
		"version": versionInfo.Version,
		"commit":  versionInfo.Short(),
		"clients": s.ClientCount(),
	})
}

// HandleEngineStats handles GET /api/engine/stats
func (s *StudioServer) HandleEngineStats(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.queue.Stats(r.Context())
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to read job stats")
		return
	}
	deliveries, err := s.orchestrator.Stats(r.Context())
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to read delivery stats")
		return
	}

	resp := map[string]interface{}{
		"jobs":        jobs,
		"deliveries":  deliveries,
		"subscribers": s.publisher.SubscriberCount(),
		"clients":     s.ClientCount(),
	}
	if s.pool != nil {
		resp["workers"] = s.pool.GetSystemMetrics(r.Context())
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleUploadBlob handles POST /api/blobs; the body is the raw blob
func (s *StudioServer) HandleUploadBlob(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, maxUploadSize)
	key, err := s.blobs.Put(r.Context(), body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", "blob exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		writeWrappedError(w, s.logger, err, "failed to store blob")
		return
	}
	s.logger.Infow("Blob stored", "key", key, logger.FieldRole, roleOf(r))
	writeJSON(w, http.StatusCreated, map[string]string{"key": key})
}

// HandleGetBlob handles GET /api/blobs/{key}
func (s *StudioServer) HandleGetBlob(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !blob.ValidKey(key) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed blob key")
		return
	}
	rc, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to open blob")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if _, err := io.Copy(w, rc); err != nil {
		s.logger.Debugw("Blob download interrupted", "key", key, logger.FieldError, err)
	}
}
