package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"subgate/internal/admin"
	"subgate/internal/services"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, err error) {
	respondJSON(w, status, ErrorResponse{Error: err.Error()})
}

var errInternal = errors.New("internal server error")

// respondServiceError maps service sentinels to statuses. Anything unknown is
// logged with the request id and hidden behind a generic 500.
func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, admin.ErrUnknownPeriod):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, admin.ErrForbidden):
		respondError(w, http.StatusForbidden, err)
	default:
		s.respondInternal(w, r, err, op)
	}
}

func (s *Server) respondInternal(w http.ResponseWriter, r *http.Request, err error, op string) {
	s.logger.Error("request failed",
		zap.String("request_id", middleware.GetReqID(r.Context())),
		zap.String("op", op),
		zap.Error(err),
	)
	respondError(w, http.StatusInternalServerError, errInternal)
}
