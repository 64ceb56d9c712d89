package server

import (
	"net/http"

	"github.com/teranos/studioos/auth"
	"github.com/teranos/studioos/delivery"
	"github.com/teranos/studioos/errors"
	"github.com/teranos/studioos/logger"
)

// HandleCreateDelivery handles POST /api/deliveries
func (s *StudioServer) HandleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var req delivery.CreateRequest
	if err := readJSON(r, &req); err != nil {
		writeWrappedError(w, s.logger, err, "invalid delivery request")
		return
	}
	if len(req.PlatformIDs) > 1 {
		if err := auth.AuthorizeContext(r.Context(), auth.ActionBatchDeliver); err != nil {
			writeWrappedError(w, s.logger, err, "not authorized")
			return
		}
	}

	d, err := s.orchestrator.CreateDelivery(r.Context(), req)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to create delivery")
		return
	}
	writeJSON(w, http.StatusCreated, idResponse{ID: d.ID, State: string(d.Status)})
}

// HandleGetDelivery handles GET /api/deliveries/{id}
func (s *StudioServer) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	d, err := s.orchestrator.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to get delivery")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandleListDeliveries handles GET /api/deliveries
func (s *StudioServer) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := delivery.Filter{
		ProjectID: q.Get("project"),
		Limit:     parseIntQueryParam(r, "limit", defaultListLimit, 1, maxListLimit),
		Offset:    parseIntQueryParam(r, "offset", 0, 0, 1<<30),
	}
	if raw := q.Get("status"); raw != "" {
		status, err := delivery.ParseStatus(raw)
		if err != nil {
			writeWrappedError(w, s.logger, err, "invalid delivery filter")
			return
		}
		f.Status = status
	}
	var err error
	if f.Since, err = parseTimeQueryParam(r, "since"); err != nil {
		writeWrappedError(w, s.logger, err, "invalid delivery filter")
		return
	}
	if f.Until, err = parseTimeQueryParam(r, "until"); err != nil {
		writeWrappedError(w, s.logger, err, "invalid delivery filter")
		return
	}

	page, err := s.orchestrator.List(r.Context(), f)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to list deliveries")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// HandleCancelDelivery handles POST /api/deliveries/{id}/cancel
func (s *StudioServer) HandleCancelDelivery(w http.ResponseWriter, r *http.Request) {
	platforms, err := readPlatforms(r)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid cancel request")
		return
	}
	d, err := s.orchestrator.Cancel(r.Context(), r.PathValue("id"), platforms...)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to cancel delivery")
		return
	}
	s.logger.Infow("Delivery cancel requested", logger.FieldDeliveryID, d.ID, "platforms", platforms, logger.FieldRole, roleOf(r))
	writeJSON(w, http.StatusOK, d)
}

// HandleRetryDelivery handles POST /api/deliveries/{id}/retry
func (s *StudioServer) HandleRetryDelivery(w http.ResponseWriter, r *http.Request) {
	platforms, err := readPlatforms(r)
	if err != nil {
		writeWrappedError(w, s.logger, err, "invalid retry request")
		return
	}
	d, err := s.orchestrator.Retry(r.Context(), r.PathValue("id"), platforms...)
	if err != nil {
		writeWrappedError(w, s.logger, err, "failed to retry delivery")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// HandlePlatforms handles GET /api/platforms
func (s *StudioServer) HandlePlatforms(w http.ResponseWriter, r *http.Request) {
	configs := s.orchestrator.Registry().Configs()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platforms": configs,
		"count":     len(configs),
	})
}

func readPlatforms(r *http.Request) ([]delivery.PlatformID, error) {
	var req platformsRequest
	if err := readOptionalJSON(r, &req); err != nil {
		return nil, err
	}
	out := make([]delivery.PlatformID, 0, len(req.PlatformIDs))
	for _, p := range req.PlatformIDs {
		if p == "" {
			return nil, errors.NewInvalidRequestError("empty platform id")
		}
		out = append(out, delivery.PlatformID(p))
	}
	return out, nil
}

func roleOf(r *http.Request) auth.Role {
	return auth.RoleFromContext(r.Context())
}
