package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/observability/metrics"
)

// Janitor periodically sweeps workflow run records and closes out workflows
// whose owning process died. A run with a stale heartbeat and a tenant still
// in an in-progress status is marked FAILED rather than resumed: the steps
// are not transactional, so resuming blind risks doubling side effects.
type Janitor struct {
	tenants    domain.TenantRepository
	workflows  domain.WorkflowRepository
	logger     *slog.Logger
	interval   time.Duration
	staleAfter time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// NewJanitor creates a new janitor
func NewJanitor(
	tenants domain.TenantRepository,
	workflows domain.WorkflowRepository,
	logger *slog.Logger,
	interval time.Duration,
	staleAfter time.Duration,
) *Janitor {
	return &Janitor{
		tenants:    tenants,
		workflows:  workflows,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the sweep loop until Stop is called.
func (j *Janitor) Start() {
	j.logger.Info("janitor started",
		slog.Duration("interval", j.interval),
		slog.Duration("stale_after", j.staleAfter),
	)
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	defer close(j.doneCh)

	for {
		select {
		case <-ticker.C:
			j.Sweep(context.Background())
		case <-j.stopCh:
			j.logger.Info("janitor stopped")
			return
		}
	}
}

// Stop signals the loop to exit and waits for the in-flight sweep to finish.
func (j *Janitor) Stop() {
	close(j.stopCh)
	<-j.doneCh
}

// Sweep scans all workflow runs once and closes abandoned ones. It also
// refreshes the active tenant gauge so the metric survives restarts.
func (j *Janitor) Sweep(ctx context.Context) {
	runs, err := j.workflows.ListRuns(ctx)
	if err != nil {
		j.logger.Error("failed to list workflow runs", slog.String("error", err.Error()))
	} else {
		cutoff := time.Now().Add(-j.staleAfter)
		for _, run := range runs {
			if run.CompletedAt != nil || run.HeartbeatAt.After(cutoff) {
				continue
			}
			j.reap(ctx, run)
		}
	}

	active, err := j.tenants.ListByStatus(domain.StatusActive)
	if err != nil {
		j.logger.Error("failed to count active tenants", slog.String("error", err.Error()))
		return
	}
	metrics.SetActive(len(active))
}

// reap closes a single abandoned run, marking the tenant FAILED if it is
// still stuck in an in-progress status.
func (j *Janitor) reap(ctx context.Context, run *domain.WorkflowRun) {
	log := j.logger.With(
		slog.String("tenant_id", run.TenantID),
		slog.String("phase", string(run.Phase)),
		slog.Time("last_heartbeat", run.HeartbeatAt),
	)

	tenant, err := j.tenants.GetByID(run.TenantID)
	if err != nil {
		if errors.Is(err, domain.ErrTenantNotFound) {
			// Run outlived its tenant; just close it.
			if cerr := j.workflows.CompleteRun(ctx, run.TenantID, "abandoned"); cerr != nil {
				log.Warn("failed to close orphaned workflow run", slog.String("error", cerr.Error()))
			}
			return
		}
		log.Error("failed to load tenant for stale run", slog.String("error", err.Error()))
		return
	}

	if tenant.Status.InProgress() {
		_, err := j.tenants.UpdateStatus(tenant.ID, tenant.Status, domain.StatusFailed, "workflow abandoned")
		switch {
		case err == nil:
			log.Warn("marked abandoned workflow tenant FAILED")
			metrics.ObserveAbandonedWorkflow()
		case errors.Is(err, domain.ErrStatusConflict), errors.Is(err, domain.ErrTenantNotFound):
			// The tenant moved on since we loaded it; nothing to reap.
			return
		default:
			log.Error("failed to mark tenant FAILED", slog.String("error", err.Error()))
			return
		}
	}

	if err := j.workflows.CompleteRun(ctx, run.TenantID, "abandoned"); err != nil {
		log.Warn("failed to close workflow run", slog.String("error", err.Error()))
	}
}
