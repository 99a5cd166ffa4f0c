package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"subgate/internal/admin"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type grantRequest struct {
	AccountID int64 `json:"account_id" validate:"required,gt=0"`
	Days      int   `json:"days" validate:"required,gt=0,lte=3650"`
}

type revokeRequest struct {
	AccountID int64 `json:"account_id" validate:"required,gt=0"`
}

func parseLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return admin.RecentLimit
}

func (s *Server) handleAdminPayments(w http.ResponseWriter, r *http.Request) {
	items, err := s.admin.RecentPayments(r.Context(), adminIDFromContext(r.Context()), parseLimit(r))
	if err != nil {
		s.respondServiceError(w, r, err, "admin_payments")
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	period, err := admin.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.admin.Stats(r.Context(), adminIDFromContext(r.Context()), period)
	if err != nil {
		s.respondServiceError(w, r, err, "admin_stats")
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleAdminExport(w http.ResponseWriter, r *http.Request) {
	period, err := admin.ParsePeriod(r.URL.Query().Get("period"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	export, err := s.admin.Export(r.Context(), adminIDFromContext(r.Context()), period)
	if err != nil {
		s.respondServiceError(w, r, err, "admin_export")
		return
	}
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", export.FileName))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(export.Data)
}

func (s *Server) handleAdminGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("account_id and days (1-3650) are required"))
		return
	}
	expires, err := s.admin.Grant(r.Context(), adminIDFromContext(r.Context()), req.AccountID, req.Days)
	if err != nil {
		s.respondServiceError(w, r, err, "admin_grant")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"account_id": req.AccountID,
		"days":       req.Days,
		"expires_at": expires,
	})
}

func (s *Server) handleAdminRevoke(w http.ResponseWriter, r *http.Request) {
	var req revokeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, errors.New("account_id is required"))
		return
	}
	if err := s.admin.Revoke(r.Context(), adminIDFromContext(r.Context()), req.AccountID); err != nil {
		s.respondServiceError(w, r, err, "admin_revoke")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"account_id": req.AccountID, "status": "revoked"})
}
