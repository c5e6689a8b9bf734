package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/infrastructure/redis"
)

const (
	workflowKeyPrefix = "workflow:"
	workflowTTL       = 24 * time.Hour
)

// RedisWorkflowRepository records provisioning workflow runs in Redis so a
// crashed process leaves a detectable trace for the janitor.
type RedisWorkflowRepository struct {
	client *redis.Client
	logger *slog.Logger
}

// NewRedisWorkflowRepository creates a new workflow repository
func NewRedisWorkflowRepository(client *redis.Client, logger *slog.Logger) *RedisWorkflowRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWorkflowRepository{client: client, logger: logger}
}

func workflowKey(tenantID string) string {
	return workflowKeyPrefix + tenantID
}

// StartRun records a fresh workflow run for a tenant.
func (r *RedisWorkflowRepository) StartRun(ctx context.Context, tenantID string) error {
	now := time.Now().UTC()
	run := &domain.WorkflowRun{
		TenantID:    tenantID,
		Phase:       domain.StatusRequested,
		StartedAt:   now,
		HeartbeatAt: now,
	}
	return r.save(ctx, run)
}

// Heartbeat refreshes the run's liveness marker and current phase.
func (r *RedisWorkflowRepository) Heartbeat(ctx context.Context, tenantID string, phase domain.TenantStatus) error {
	run, err := r.GetRun(ctx, tenantID)
	if err != nil {
		return err
	}
	if run == nil {
		// A missing run record should not break the workflow.
		r.logger.Warn("heartbeat for unknown workflow run", slog.String("tenant_id", tenantID))
		return nil
	}
	run.Phase = phase
	run.HeartbeatAt = time.Now().UTC()
	return r.save(ctx, run)
}

// CompleteRun closes the run with a terminal result.
func (r *RedisWorkflowRepository) CompleteRun(ctx context.Context, tenantID string, result string) error {
	run, err := r.GetRun(ctx, tenantID)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}
	now := time.Now().UTC()
	run.HeartbeatAt = now
	run.CompletedAt = &now
	run.Result = result
	return r.save(ctx, run)
}

// GetRun returns the run record for a tenant, or nil if none exists.
func (r *RedisWorkflowRepository) GetRun(ctx context.Context, tenantID string) (*domain.WorkflowRun, error) {
	data, err := r.client.Get(ctx, workflowKey(tenantID))
	if err != nil {
		if redis.IsNil(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	run := &domain.WorkflowRun{}
	if err := json.Unmarshal([]byte(data), run); err != nil {
		return nil, fmt.Errorf("failed to decode workflow run: %w", err)
	}
	return run, nil
}

// ListRuns returns all recorded workflow runs.
func (r *RedisWorkflowRepository) ListRuns(ctx context.Context) ([]*domain.WorkflowRun, error) {
	keys, err := r.client.Keys(ctx, workflowKeyPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}

	runs := make([]*domain.WorkflowRun, 0, len(keys))
	for _, key := range keys {
		data, err := r.client.Get(ctx, key)
		if err != nil {
			if redis.IsNil(err) {
				continue
			}
			return nil, fmt.Errorf("failed to get workflow run %s: %w", key, err)
		}
		run := &domain.WorkflowRun{}
		if err := json.Unmarshal([]byte(data), run); err != nil {
			r.logger.Warn("skipping malformed workflow run", slog.String("key", key))
			continue
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func (r *RedisWorkflowRepository) save(ctx context.Context, run *domain.WorkflowRun) error {
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("failed to encode workflow run: %w", err)
	}
	return r.client.Set(ctx, workflowKey(run.TenantID), data, workflowTTL)
}
