package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/service"
)

// CreateTenantRequest represents the request to provision a tenant
type CreateTenantRequest struct {
	Subdomain string `json:"subdomain"`
}

// CreateHandler handles tenant provisioning requests
type CreateHandler struct {
	tenantService *service.TenantService
	logger        *slog.Logger
}

// NewCreateHandler creates a new create handler
func NewCreateHandler(tenantService *service.TenantService, logger *slog.Logger) *CreateHandler {
	return &CreateHandler{
		tenantService: tenantService,
		logger:        logger,
	}
}

// ServeHTTP handles POST /api/tenants requests
func (h *CreateHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("failed to decode request", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := domain.ValidateSubdomain(req.Subdomain); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenant, err := h.tenantService.CreateTenant(r.Context(), req.Subdomain)
	if err != nil {
		if errors.Is(err, domain.ErrTenantExists) {
			writeError(w, http.StatusConflict, "subdomain already in use")
			return
		}
		h.logger.Error("failed to create tenant",
			slog.String("subdomain", req.Subdomain),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create tenant")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(tenant); err != nil {
		h.logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
