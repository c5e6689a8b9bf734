package audit

import (
	"context"
	"log/slog"
	"time"
)

type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (al *Logger) LogAction(ctx context.Context, operatorID, action, resource, resourceID, status, details string) {
	al.logger.Info("audit",
		slog.String("action", action),
		slog.String("resource", resource),
		slog.String("resource_id", resourceID),
		slog.String("operator_id", operatorID),
		slog.String("status", status),
		slog.String("details", details),
		slog.Time("timestamp", time.Now()),
	)
}

func (al *Logger) LogProvisioning(ctx context.Context, operatorID, tenantID, status, details string) {
	al.LogAction(ctx, operatorID, "provision", "tenant", tenantID, status, details)
}

func (al *Logger) LogDeletion(ctx context.Context, operatorID, tenantID, status, details string) {
	al.LogAction(ctx, operatorID, "delete", "tenant", tenantID, status, details)
}

func (al *Logger) LogDenied(ctx context.Context, operatorID, reason string) {
	al.LogAction(ctx, operatorID, "access_denied", "api", "", "denied", reason)
}
