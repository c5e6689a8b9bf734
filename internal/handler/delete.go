package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/service"
)

// DeleteHandler handles tenant deletion requests
type DeleteHandler struct {
	tenantService *service.TenantService
	logger        *slog.Logger
}

// NewDeleteHandler creates a new delete handler
func NewDeleteHandler(tenantService *service.TenantService, logger *slog.Logger) *DeleteHandler {
	return &DeleteHandler{
		tenantService: tenantService,
		logger:        logger,
	}
}

// ServeHTTP handles DELETE /api/tenants/{id} requests. Teardown runs
// synchronously, so the response only arrives once every step has finished
// or one of them failed.
func (h *DeleteHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id required")
		return
	}

	h.logger.Debug("delete tenant request", slog.String("tenant_id", tenantID))

	if err := h.tenantService.DeleteTenant(r.Context(), tenantID); err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		if errors.Is(err, domain.ErrStatusConflict) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		h.logger.Error("failed to delete tenant",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to delete tenant: "+err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
