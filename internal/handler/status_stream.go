package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/khartoum/tenantforge/internal/domain"
)

const (
	statusPollInterval = 2 * time.Second
	statusPingInterval = 15 * time.Second
)

// StatusStreamHandler pushes tenant status transitions over a WebSocket so
// callers can watch a detached provisioning workflow progress without
// polling the REST API themselves.
type StatusStreamHandler struct {
	tenantRepo     domain.TenantRepository
	logger         *slog.Logger
	allowedOrigins []string
}

// NewStatusStreamHandler creates a new status stream handler
func NewStatusStreamHandler(tenantRepo domain.TenantRepository, logger *slog.Logger, allowedOrigins []string) *StatusStreamHandler {
	return &StatusStreamHandler{
		tenantRepo:     tenantRepo,
		logger:         logger,
		allowedOrigins: allowedOrigins,
	}
}

// StatusEvent is a single status transition pushed to the client.
type StatusEvent struct {
	TenantID     string              `json:"tenantId"`
	Status       domain.TenantStatus `json:"status"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	Timestamp    time.Time           `json:"timestamp"`
}

func (h *StatusStreamHandler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				// Allow requests with no origin (e.g., non-browser clients)
				return true
			}
			for _, allowed := range h.allowedOrigins {
				if origin == allowed {
					return true
				}
			}
			h.logger.Warn("websocket origin rejected", slog.String("origin", origin))
			return false
		},
	}
}

// ServeHTTP handles GET /ws/tenants/{id} requests. It emits the tenant's
// current status immediately, then one event per observed transition, and
// closes the stream once the tenant reaches a terminal status.
func (h *StatusStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("id")
	if tenantID == "" {
		http.Error(w, "missing tenant id", http.StatusBadRequest)
		return
	}

	h.logger.Debug("status stream request", slog.String("tenant_id", tenantID))

	tenant, err := h.tenantRepo.GetByID(tenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			http.Error(w, "tenant not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load tenant for stream",
			slog.String("tenant_id", tenantID),
			slog.String("error", err.Error()),
		)
		http.Error(w, "failed to load tenant", http.StatusInternalServerError)
		return
	}

	upgrader := h.getUpgrader()
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer ws.Close()

	// Keepalive pings while we poll for transitions.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(statusPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(5*time.Second))
			case <-done:
				return
			}
		}
	}()

	last := tenant.Status
	if err := h.writeEvent(ws, tenant); err != nil {
		return
	}
	if isTerminal(last) {
		return
	}

	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		tenant, err := h.tenantRepo.GetByID(tenantID)
		if err != nil {
			if errors.Is(err, domain.ErrTenantNotFound) {
				return
			}
			h.logger.Warn("failed to poll tenant status",
				slog.String("tenant_id", tenantID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if tenant.Status == last {
			continue
		}

		last = tenant.Status
		if err := h.writeEvent(ws, tenant); err != nil {
			return
		}
		if isTerminal(last) {
			return
		}
	}
}

func (h *StatusStreamHandler) writeEvent(ws *websocket.Conn, t *domain.Tenant) error {
	event := StatusEvent{
		TenantID:     t.ID,
		Status:       t.Status,
		ErrorMessage: t.ErrorMessage,
		Timestamp:    t.UpdatedAt,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
			h.logger.Debug("websocket closed", slog.String("tenant_id", t.ID))
		}
		return err
	}
	return nil
}

func isTerminal(s domain.TenantStatus) bool {
	return s == domain.StatusActive || s == domain.StatusFailed || s == domain.StatusDeleted
}
