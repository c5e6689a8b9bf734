package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/featureflags"
	"github.com/khartoum/tenantforge/internal/observability/metrics"
	"github.com/khartoum/tenantforge/pkg/config"
)

// TenantService orchestrates tenant provisioning and teardown. It drives
// tenant records through the lifecycle state machine by sequencing the DNS
// registrar, the cluster client and the database admin client, persisting
// status after every transition.
type TenantService struct {
	tenants   domain.TenantRepository
	workflows domain.WorkflowRepository
	registrar domain.Registrar
	cluster   domain.ClusterClient
	dbAdmin   domain.DatabaseAdmin
	logger    *slog.Logger
	config    *config.Config
}

// NewTenantService creates a new tenant service
func NewTenantService(
	tenants domain.TenantRepository,
	workflows domain.WorkflowRepository,
	registrar domain.Registrar,
	cluster domain.ClusterClient,
	dbAdmin domain.DatabaseAdmin,
	logger *slog.Logger,
	cfg *config.Config,
) *TenantService {
	return &TenantService{
		tenants:   tenants,
		workflows: workflows,
		registrar: registrar,
		cluster:   cluster,
		dbAdmin:   dbAdmin,
		logger:    logger,
		config:    cfg,
	}
}

// CreateTenant accepts a validated subdomain, persists the tenant in
// REQUESTED state and schedules the provisioning workflow. The caller gets
// the initial record back immediately; all later progress is observable
// only through the tenant's status.
func (s *TenantService) CreateTenant(ctx context.Context, subdomain string) (*domain.Tenant, error) {
	exists, err := s.tenants.ExistsBySubdomain(subdomain)
	if err != nil {
		return nil, fmt.Errorf("failed to check subdomain: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: %s", domain.ErrTenantExists, subdomain)
	}

	tenant := domain.NewTenant(subdomain, s.config.BaseDomain)
	if err := s.tenants.Save(tenant); err != nil {
		// A concurrent create can win the insert between the existence
		// check and here; the store reports that as the same conflict.
		if errors.Is(err, domain.ErrTenantExists) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to save tenant: %w", err)
	}

	if err := s.workflows.StartRun(ctx, tenant.ID); err != nil {
		// Run tracking is best effort; the workflow itself must not depend on it.
		s.logger.Warn("failed to record workflow run",
			slog.String("tenant_id", tenant.ID),
			slog.String("error", err.Error()),
		)
	}

	go s.provisionTenant(context.Background(), tenant)

	return tenant, nil
}

// provisionTenant runs the creation workflow detached from the request.
// Each step persists its status before doing external work; any step error
// aborts the rest and records FAILED. No compensating rollback happens on
// failure: partial infrastructure stays in place for inspection or explicit
// deletion.
func (s *TenantService) provisionTenant(ctx context.Context, tenant *domain.Tenant) {
	log := s.logger.With(
		slog.String("tenant_id", tenant.ID),
		slog.String("subdomain", tenant.Subdomain),
	)
	log.Info("starting tenant provisioning")
	start := time.Now()

	if !s.advance(ctx, tenant.ID, domain.StatusRequested, domain.StatusDNSCreating) {
		return
	}
	if err := s.registrar.Upsert(ctx, tenant.Subdomain, tenant.Domain); err != nil {
		s.failProvision(ctx, tenant.ID, domain.StatusDNSCreating, "dns", err, start)
		return
	}

	if !s.advance(ctx, tenant.ID, domain.StatusDNSCreating, domain.StatusK8sCreating) {
		return
	}
	if err := s.cluster.CreateIngress(ctx, tenant); err != nil {
		s.failProvision(ctx, tenant.ID, domain.StatusK8sCreating, "ingress", err, start)
		return
	}
	if err := s.cluster.CreateCertificate(ctx, tenant); err != nil {
		s.failProvision(ctx, tenant.ID, domain.StatusK8sCreating, "certificate", err, start)
		return
	}

	if !s.advance(ctx, tenant.ID, domain.StatusK8sCreating, domain.StatusCertPending) {
		return
	}
	if err := s.cluster.WaitForCertificate(ctx, tenant, s.config.CertTimeout); err != nil {
		s.failProvision(ctx, tenant.ID, domain.StatusCertPending, "certificate_wait", err, start)
		return
	}

	if !s.advance(ctx, tenant.ID, domain.StatusCertPending, domain.StatusDBInitializing) {
		return
	}
	if err := s.cluster.InitializeDatabase(ctx, tenant); err != nil {
		s.failProvision(ctx, tenant.ID, domain.StatusDBInitializing, "db_init", err, start)
		return
	}
	if err := s.cluster.SetBaseURL(ctx, tenant); err != nil {
		s.failProvision(ctx, tenant.ID, domain.StatusDBInitializing, "base_url", err, start)
		return
	}

	if !s.advance(ctx, tenant.ID, domain.StatusDBInitializing, domain.StatusActive) {
		return
	}

	metrics.IncrementActive()
	metrics.ObserveProvision("success", time.Since(start))
	if err := s.workflows.CompleteRun(ctx, tenant.ID, "active"); err != nil {
		log.Warn("failed to close workflow run", slog.String("error", err.Error()))
	}
	log.Info("tenant provisioned", slog.Duration("took", time.Since(start)))
}

// advance performs one compare-and-swap status transition. A vanished
// record or a lost race means the workflow no longer has authority over the
// tenant, so it stops without treating that as an error.
func (s *TenantService) advance(ctx context.Context, id string, from, to domain.TenantStatus) bool {
	_, err := s.tenants.UpdateStatus(id, from, to, "")
	switch {
	case err == nil:
		if hbErr := s.workflows.Heartbeat(ctx, id, to); hbErr != nil {
			s.logger.Warn("workflow heartbeat failed", slog.String("tenant_id", id), slog.String("error", hbErr.Error()))
		}
		return true
	case errors.Is(err, domain.ErrTenantNotFound):
		s.logger.Warn("tenant vanished mid-workflow, stopping", slog.String("tenant_id", id))
		return false
	case errors.Is(err, domain.ErrStatusConflict):
		s.logger.Warn("lost status race, stopping workflow",
			slog.String("tenant_id", id),
			slog.String("expected", string(from)),
		)
		return false
	default:
		s.logger.Error("failed to update tenant status",
			slog.String("tenant_id", id),
			slog.String("error", err.Error()),
		)
		return false
	}
}

// failProvision records a terminal FAILED state with the captured error.
func (s *TenantService) failProvision(ctx context.Context, id string, current domain.TenantStatus, step string, cause error, start time.Time) {
	s.logger.Error("tenant provisioning failed",
		slog.String("tenant_id", id),
		slog.String("step", step),
		slog.String("error", cause.Error()),
	)
	metrics.ObserveProvisionStepFailure(step)
	metrics.ObserveProvision("failed", time.Since(start))

	msg := fmt.Sprintf("%s: %v", step, cause)
	if _, err := s.tenants.UpdateStatus(id, current, domain.StatusFailed, msg); err != nil {
		if !errors.Is(err, domain.ErrTenantNotFound) && !errors.Is(err, domain.ErrStatusConflict) {
			s.logger.Error("failed to mark tenant FAILED", slog.String("tenant_id", id), slog.String("error", err.Error()))
		}
	}
	if err := s.workflows.CompleteRun(ctx, id, "failed"); err != nil {
		s.logger.Warn("failed to close workflow run", slog.String("tenant_id", id), slog.String("error", err.Error()))
	}
}

// DeleteTenant tears a tenant down synchronously, in reverse dependency
// order. The DELETING status is persisted before the first teardown call so
// an interrupted deletion stays visible. Any fatal step error leaves the
// record in DELETING for a manual retry; only a fully successful pass
// reaches DELETED.
func (s *TenantService) DeleteTenant(ctx context.Context, id string) error {
	tenant, err := s.tenants.GetByID(id)
	if err != nil {
		return err
	}

	switch tenant.Status {
	case domain.StatusActive, domain.StatusFailed:
		if _, err := s.tenants.UpdateStatus(id, tenant.Status, domain.StatusDeleting, ""); err != nil {
			if errors.Is(err, domain.ErrStatusConflict) {
				return fmt.Errorf("tenant %s was concurrently modified: %w", id, err)
			}
			return err
		}
	case domain.StatusDeleting:
		// Retry of a previously failed teardown.
	case domain.StatusDeleted:
		return nil
	default:
		return fmt.Errorf("tenant %s cannot be deleted while provisioning (status %s): %w", id, tenant.Status, domain.ErrStatusConflict)
	}

	// A tenant that ever reached ACTIVE carries activatedAt, so a teardown
	// retried from DELETING still settles the active gauge on success.
	wasActive := tenant.ActivatedAt != nil
	log := s.logger.With(
		slog.String("tenant_id", tenant.ID),
		slog.String("subdomain", tenant.Subdomain),
	)
	log.Info("starting tenant teardown")

	if err := s.cluster.DeleteIngress(ctx, tenant); err != nil {
		metrics.ObserveTeardown("error")
		return fmt.Errorf("delete ingress: %w", err)
	}
	if err := s.cluster.DeleteCertificate(ctx, tenant); err != nil {
		metrics.ObserveTeardown("error")
		return fmt.Errorf("delete certificate: %w", err)
	}

	if err := s.dbAdmin.DropDatabase(ctx, tenant.DatabaseName); err != nil {
		if featureflags.Enabled(featureflags.StrictDBTeardown) {
			metrics.ObserveTeardown("error")
			return fmt.Errorf("drop database: %w", err)
		}
		// Default policy isolates drop failures: an orphaned database is
		// recoverable by hand, a half-removed ingress/DNS pair is worse.
		log.Error("failed to drop tenant database, continuing teardown",
			slog.String("database", tenant.DatabaseName),
			slog.String("error", err.Error()),
		)
		if _, uerr := s.tenants.UpdateStatus(id, domain.StatusDeleting, domain.StatusDeleting,
			fmt.Sprintf("drop database: %v", err)); uerr != nil {
			log.Warn("failed to record drop error", slog.String("error", uerr.Error()))
		}
	}

	if err := s.cluster.CleanupFilestore(ctx, tenant); err != nil {
		metrics.ObserveTeardown("error")
		return fmt.Errorf("cleanup filestore: %w", err)
	}
	if err := s.registrar.Delete(ctx, tenant.Subdomain, tenant.Domain); err != nil {
		metrics.ObserveTeardown("error")
		return fmt.Errorf("delete dns record: %w", err)
	}

	if _, err := s.tenants.UpdateStatus(id, domain.StatusDeleting, domain.StatusDeleted, ""); err != nil {
		return fmt.Errorf("failed to mark tenant deleted: %w", err)
	}
	if wasActive {
		metrics.DecrementActive()
	}
	metrics.ObserveTeardown("success")
	log.Info("tenant deleted")
	return nil
}

// GetTenant retrieves tenant details
func (s *TenantService) GetTenant(ctx context.Context, id string) (*domain.Tenant, error) {
	return s.tenants.GetByID(id)
}

// ListTenants returns all tenant records, including terminal ones.
func (s *TenantService) ListTenants(ctx context.Context) ([]*domain.Tenant, error) {
	return s.tenants.List()
}

// GetWorkflowRun returns the recorded workflow run for a tenant, if any.
func (s *TenantService) GetWorkflowRun(ctx context.Context, tenantID string) (*domain.WorkflowRun, error) {
	return s.workflows.GetRun(ctx, tenantID)
}
