package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/service"
)

// TenantsHandler handles listing tenants
type TenantsHandler struct {
	tenantService *service.TenantService
	logger        *slog.Logger
}

// NewTenantsHandler creates a new tenants handler
func NewTenantsHandler(tenantService *service.TenantService, logger *slog.Logger) *TenantsHandler {
	return &TenantsHandler{
		tenantService: tenantService,
		logger:        logger,
	}
}

// ServeHTTP handles GET /api/tenants requests
func (h *TenantsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenants, err := h.tenantService.ListTenants(r.Context())
	if err != nil {
		h.logger.Error("failed to list tenants", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list tenants")
		return
	}
	if tenants == nil {
		tenants = []*domain.Tenant{}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"tenants": tenants,
	})
}

// TenantHandler handles fetching a single tenant
type TenantHandler struct {
	tenantService *service.TenantService
	logger        *slog.Logger
}

// NewTenantHandler creates a new tenant handler
func NewTenantHandler(tenantService *service.TenantService, logger *slog.Logger) *TenantHandler {
	return &TenantHandler{
		tenantService: tenantService,
		logger:        logger,
	}
}

// ServeHTTP handles GET /api/tenants/{id} requests
func (h *TenantHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id required")
		return
	}

	tenant, err := h.tenantService.GetTenant(r.Context(), tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			writeError(w, http.StatusNotFound, "tenant not found")
			return
		}
		h.logger.Error("failed to get tenant",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get tenant")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(tenant)
}

// WorkflowRunHandler exposes the recorded provisioning run for a tenant
type WorkflowRunHandler struct {
	tenantService *service.TenantService
	logger        *slog.Logger
}

// NewWorkflowRunHandler creates a new workflow run handler
func NewWorkflowRunHandler(tenantService *service.TenantService, logger *slog.Logger) *WorkflowRunHandler {
	return &WorkflowRunHandler{
		tenantService: tenantService,
		logger:        logger,
	}
}

// ServeHTTP handles GET /api/tenants/{id}/workflow requests. Run records
// expire, so a 404 only means no recent workflow touched the tenant.
func (h *WorkflowRunHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	tenantID := r.PathValue("id")
	if tenantID == "" {
		writeError(w, http.StatusBadRequest, "tenant id required")
		return
	}

	run, err := h.tenantService.GetWorkflowRun(r.Context(), tenantID)
	if err != nil {
		h.logger.Error("failed to get workflow run",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get workflow run")
		return
	}
	if run == nil {
		writeError(w, http.StatusNotFound, "no workflow run recorded")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(run)
}
