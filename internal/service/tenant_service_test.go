package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/pkg/config"
)

// memTenantRepo is mutex guarded so the detached provisioning goroutine in
// CreateTenant can write while tests read.
type memTenantRepo struct {
	mu      sync.Mutex
	byID    map[string]*domain.Tenant
	trace   []domain.TenantStatus
	saveErr error
}

func newMemTenantRepo() *memTenantRepo {
	return &memTenantRepo{byID: map[string]*domain.Tenant{}}
}

func (m *memTenantRepo) Save(t *domain.Tenant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *t
	m.byID[t.ID] = &cp
	return nil
}

func (m *memTenantRepo) GetByID(id string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.byID[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, domain.ErrTenantNotFound
}

func (m *memTenantRepo) GetBySubdomain(subdomain string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if t.Subdomain == subdomain && t.Status != domain.StatusDeleted {
			cp := *t
			return &cp, nil
		}
	}
	return nil, domain.ErrTenantNotFound
}

func (m *memTenantRepo) ExistsBySubdomain(subdomain string) (bool, error) {
	_, err := m.GetBySubdomain(subdomain)
	if err == nil {
		return true, nil
	}
	return false, nil
}

func (m *memTenantRepo) ListByStatus(status domain.TenantStatus) ([]*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Tenant{}
	for _, t := range m.byID {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memTenantRepo) List() ([]*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.Tenant{}
	for _, t := range m.byID {
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memTenantRepo) UpdateStatus(id string, expected, next domain.TenantStatus, errMsg string) (*domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return nil, domain.ErrTenantNotFound
	}
	if t.Status != expected {
		return nil, domain.ErrStatusConflict
	}
	t.Status = next
	t.UpdatedAt = time.Now()
	t.ErrorMessage = errMsg
	if next == domain.StatusActive && t.ActivatedAt == nil {
		now := time.Now()
		t.ActivatedAt = &now
	}
	m.trace = append(m.trace, next)
	cp := *t
	return &cp, nil
}

type memWorkflowRepo struct {
	mu   sync.Mutex
	runs map[string]*domain.WorkflowRun
}

func newMemWorkflowRepo() *memWorkflowRepo {
	return &memWorkflowRepo{runs: map[string]*domain.WorkflowRun{}}
}

func (m *memWorkflowRepo) StartRun(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.runs[tenantID] = &domain.WorkflowRun{TenantID: tenantID, Phase: domain.StatusRequested, StartedAt: now, HeartbeatAt: now}
	return nil
}

func (m *memWorkflowRepo) Heartbeat(ctx context.Context, tenantID string, phase domain.TenantStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[tenantID]; ok {
		run.Phase = phase
		run.HeartbeatAt = time.Now()
	}
	return nil
}

func (m *memWorkflowRepo) CompleteRun(ctx context.Context, tenantID string, result string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[tenantID]; ok {
		now := time.Now()
		run.CompletedAt = &now
		run.Result = result
	}
	return nil
}

func (m *memWorkflowRepo) GetRun(ctx context.Context, tenantID string) (*domain.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run, ok := m.runs[tenantID]; ok {
		cp := *run
		return &cp, nil
	}
	return nil, nil
}

func (m *memWorkflowRepo) ListRuns(ctx context.Context) ([]*domain.WorkflowRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*domain.WorkflowRun{}
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	return out, nil
}

type fakeRegistrar struct {
	upsertErr error
	deleteErr error
	upserts   int
	deletes   int
}

func (f *fakeRegistrar) Upsert(ctx context.Context, subdomain, domain string) error {
	f.upserts++
	return f.upsertErr
}

func (f *fakeRegistrar) Delete(ctx context.Context, subdomain, domain string) error {
	f.deletes++
	return f.deleteErr
}

func (f *fakeRegistrar) Exists(ctx context.Context, subdomain, domain string) (bool, error) {
	return f.upserts > f.deletes, nil
}

type fakeCluster struct {
	ingressErr    error
	certErr       error
	certWaitErr   error
	dbInitErr     error
	baseURLErr    error
	cleanupErr    error
	delIngressErr error
	delCertErr    error
	calls         []string
}

func (f *fakeCluster) call(name string, err error) error {
	f.calls = append(f.calls, name)
	return err
}

func (f *fakeCluster) CreateIngress(ctx context.Context, t *domain.Tenant) error {
	return f.call("create_ingress", f.ingressErr)
}
func (f *fakeCluster) DeleteIngress(ctx context.Context, t *domain.Tenant) error {
	return f.call("delete_ingress", f.delIngressErr)
}
func (f *fakeCluster) CreateCertificate(ctx context.Context, t *domain.Tenant) error {
	return f.call("create_certificate", f.certErr)
}
func (f *fakeCluster) DeleteCertificate(ctx context.Context, t *domain.Tenant) error {
	return f.call("delete_certificate", f.delCertErr)
}
func (f *fakeCluster) WaitForCertificate(ctx context.Context, t *domain.Tenant, timeout time.Duration) error {
	return f.call("wait_certificate", f.certWaitErr)
}
func (f *fakeCluster) InitializeDatabase(ctx context.Context, t *domain.Tenant) error {
	return f.call("init_db", f.dbInitErr)
}
func (f *fakeCluster) SetBaseURL(ctx context.Context, t *domain.Tenant) error {
	return f.call("set_baseurl", f.baseURLErr)
}
func (f *fakeCluster) CleanupFilestore(ctx context.Context, t *domain.Tenant) error {
	return f.call("cleanup_fs", f.cleanupErr)
}

type fakeDBAdmin struct {
	dropErr error
	drops   []string
}

func (f *fakeDBAdmin) DropDatabase(ctx context.Context, databaseName string) error {
	f.drops = append(f.drops, databaseName)
	return f.dropErr
}

type fixture struct {
	repo      *memTenantRepo
	workflows *memWorkflowRepo
	registrar *fakeRegistrar
	cluster   *fakeCluster
	dbAdmin   *fakeDBAdmin
	svc       *TenantService
}

func newFixture() *fixture {
	f := &fixture{
		repo:      newMemTenantRepo(),
		workflows: newMemWorkflowRepo(),
		registrar: &fakeRegistrar{},
		cluster:   &fakeCluster{},
		dbAdmin:   &fakeDBAdmin{},
	}
	cfg := &config.Config{
		BaseDomain:  "example.com",
		CertTimeout: time.Minute,
	}
	f.svc = NewTenantService(f.repo, f.workflows, f.registrar, f.cluster, f.dbAdmin, slog.Default(), cfg)
	return f
}

// seed persists a tenant and its run record so provisionTenant can be driven
// synchronously in tests, without the detached goroutine.
func (f *fixture) seed(t *testing.T, subdomain string) *domain.Tenant {
	t.Helper()
	tenant := domain.NewTenant(subdomain, "example.com")
	if err := f.repo.Save(tenant); err != nil {
		t.Fatalf("seed save failed: %v", err)
	}
	if err := f.workflows.StartRun(context.Background(), tenant.ID); err != nil {
		t.Fatalf("seed run failed: %v", err)
	}
	return tenant
}

func TestProvisionHappyPath(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")

	f.svc.provisionTenant(context.Background(), tenant)

	want := []domain.TenantStatus{
		domain.StatusDNSCreating,
		domain.StatusK8sCreating,
		domain.StatusCertPending,
		domain.StatusDBInitializing,
		domain.StatusActive,
	}
	if len(f.repo.trace) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), f.repo.trace)
	}
	for i, s := range want {
		if f.repo.trace[i] != s {
			t.Fatalf("transition %d: expected %s, got %s", i, s, f.repo.trace[i])
		}
	}

	got, err := f.repo.GetByID(tenant.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if got.Status != domain.StatusActive {
		t.Fatalf("expected ACTIVE, got %s", got.Status)
	}
	if got.ActivatedAt == nil {
		t.Fatalf("expected activatedAt to be set")
	}
	if got.ErrorMessage != "" {
		t.Fatalf("expected empty error message, got %q", got.ErrorMessage)
	}

	run, _ := f.workflows.GetRun(context.Background(), tenant.ID)
	if run == nil || run.CompletedAt == nil || run.Result != "active" {
		t.Fatalf("expected completed run with result active, got %+v", run)
	}
	if f.registrar.upserts != 1 {
		t.Fatalf("expected one dns upsert, got %d", f.registrar.upserts)
	}
}

func TestCreateTenantRejectsDuplicate(t *testing.T) {
	f := newFixture()
	f.seed(t, "acme")

	_, err := f.svc.CreateTenant(context.Background(), "acme")
	if !errors.Is(err, domain.ErrTenantExists) {
		t.Fatalf("expected ErrTenantExists, got %v", err)
	}
}

func TestCreateTenantInsertRaceSurfacesConflict(t *testing.T) {
	f := newFixture()
	// A concurrent create wins the insert after the existence check; the
	// store reports the unique index trip as the existing-tenant conflict.
	f.repo.saveErr = fmt.Errorf("%w: acme", domain.ErrTenantExists)

	_, err := f.svc.CreateTenant(context.Background(), "acme")
	if !errors.Is(err, domain.ErrTenantExists) {
		t.Fatalf("expected ErrTenantExists, got %v", err)
	}
}

func TestCreateTenantDerivesFields(t *testing.T) {
	f := newFixture()

	tenant, err := f.svc.CreateTenant(context.Background(), "alice")
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tenant.Status != domain.StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", tenant.Status)
	}
	if tenant.DatabaseName != "alice.example.com" {
		t.Fatalf("unexpected database name %q", tenant.DatabaseName)
	}
	if tenant.URL != "https://alice.example.com" {
		t.Fatalf("unexpected url %q", tenant.URL)
	}
	run, _ := f.workflows.GetRun(context.Background(), tenant.ID)
	if run == nil {
		t.Fatalf("expected workflow run to be recorded")
	}
}

func TestProvisionCertWaitFailure(t *testing.T) {
	f := newFixture()
	f.cluster.certWaitErr = errors.New("timed out waiting for tls secret")
	tenant := f.seed(t, "acme")

	f.svc.provisionTenant(context.Background(), tenant)

	got, _ := f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatalf("expected error message to be recorded")
	}

	// The workflow must stop at the failing step.
	for _, call := range f.cluster.calls {
		if call == "init_db" || call == "set_baseurl" {
			t.Fatalf("expected no db steps after certificate failure, got %v", f.cluster.calls)
		}
	}
	run, _ := f.workflows.GetRun(context.Background(), tenant.ID)
	if run == nil || run.Result != "failed" {
		t.Fatalf("expected failed run, got %+v", run)
	}
}

func TestProvisionDNSFailureNoRollback(t *testing.T) {
	f := newFixture()
	f.registrar.upsertErr = errors.New("zone unavailable")
	tenant := f.seed(t, "acme")

	f.svc.provisionTenant(context.Background(), tenant)

	got, _ := f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("expected FAILED, got %s", got.Status)
	}
	if f.registrar.deletes != 0 {
		t.Fatalf("expected no rollback dns delete, got %d", f.registrar.deletes)
	}
	if len(f.cluster.calls) != 0 {
		t.Fatalf("expected no cluster calls after dns failure, got %v", f.cluster.calls)
	}
}

func TestProvisionStopsOnLostRace(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")

	// Another actor moved the record out of REQUESTED first.
	if _, err := f.repo.UpdateStatus(tenant.ID, domain.StatusRequested, domain.StatusFailed, "abandoned"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	f.repo.trace = nil

	f.svc.provisionTenant(context.Background(), tenant)

	if len(f.repo.trace) != 0 {
		t.Fatalf("expected no transitions after lost race, got %v", f.repo.trace)
	}
	if f.registrar.upserts != 0 {
		t.Fatalf("expected no dns calls after lost race")
	}
}

func TestDeleteTenantFullTeardown(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")
	f.svc.provisionTenant(context.Background(), tenant)

	if err := f.svc.DeleteTenant(context.Background(), tenant.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	got, _ := f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusDeleted {
		t.Fatalf("expected DELETED, got %s", got.Status)
	}
	if len(f.dbAdmin.drops) != 1 || f.dbAdmin.drops[0] != "acme.example.com" {
		t.Fatalf("expected one drop of acme.example.com, got %v", f.dbAdmin.drops)
	}
	if f.registrar.deletes != 1 {
		t.Fatalf("expected one dns delete, got %d", f.registrar.deletes)
	}
}

func TestDeleteTenantDBDropIsolatedByDefault(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")
	f.svc.provisionTenant(context.Background(), tenant)
	f.dbAdmin.dropErr = errors.New("database is being accessed by other users")

	if err := f.svc.DeleteTenant(context.Background(), tenant.ID); err != nil {
		t.Fatalf("expected drop failure to be isolated, got %v", err)
	}

	got, _ := f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusDeleted {
		t.Fatalf("expected DELETED despite drop failure, got %s", got.Status)
	}
	if f.registrar.deletes != 1 {
		t.Fatalf("expected teardown to continue past the drop failure")
	}
}

func TestDeleteTenantDBDropStrictMode(t *testing.T) {
	t.Setenv("FLAG_STRICT_DB_TEARDOWN", "1")

	f := newFixture()
	tenant := f.seed(t, "acme")
	f.svc.provisionTenant(context.Background(), tenant)
	f.dbAdmin.dropErr = errors.New("database is being accessed by other users")

	err := f.svc.DeleteTenant(context.Background(), tenant.ID)
	if err == nil {
		t.Fatalf("expected drop failure to be fatal in strict mode")
	}

	got, _ := f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusDeleting {
		t.Fatalf("expected record left in DELETING, got %s", got.Status)
	}
	if f.registrar.deletes != 0 {
		t.Fatalf("expected teardown to stop before dns delete")
	}
}

func TestDeleteTenantStepErrorLeavesDeleting(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")
	f.svc.provisionTenant(context.Background(), tenant)
	f.cluster.delIngressErr = errors.New("apiserver unavailable")

	if err := f.svc.DeleteTenant(context.Background(), tenant.ID); err == nil {
		t.Fatalf("expected delete to fail")
	}

	got, _ := f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusDeleting {
		t.Fatalf("expected DELETING for retry, got %s", got.Status)
	}

	// A retry after the failure clears resolves the teardown.
	f.cluster.delIngressErr = nil
	if err := f.svc.DeleteTenant(context.Background(), tenant.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	got, _ = f.repo.GetByID(tenant.ID)
	if got.Status != domain.StatusDeleted {
		t.Fatalf("expected DELETED after retry, got %s", got.Status)
	}
}

func TestDeleteTenantRejectsInProgress(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")

	err := f.svc.DeleteTenant(context.Background(), tenant.ID)
	if !errors.Is(err, domain.ErrStatusConflict) {
		t.Fatalf("expected status conflict for in-progress tenant, got %v", err)
	}
}

func TestDeleteTenantNotFound(t *testing.T) {
	f := newFixture()
	err := f.svc.DeleteTenant(context.Background(), "missing")
	if !errors.Is(err, domain.ErrTenantNotFound) {
		t.Fatalf("expected ErrTenantNotFound, got %v", err)
	}
}

// activeGaugeValue reads the active-tenant gauge from the default registry.
func activeGaugeValue(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "tenantforge_active_tenants" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestDeleteTenantRetryDecrementsActiveGauge(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")
	f.svc.provisionTenant(context.Background(), tenant)

	// First teardown attempt fails and leaves the record in DELETING.
	f.cluster.delIngressErr = errors.New("apiserver unavailable")
	if err := f.svc.DeleteTenant(context.Background(), tenant.ID); err == nil {
		t.Fatalf("expected first delete to fail")
	}

	before := activeGaugeValue(t)
	f.cluster.delIngressErr = nil
	if err := f.svc.DeleteTenant(context.Background(), tenant.ID); err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got := activeGaugeValue(t); got != before-1 {
		t.Fatalf("expected active gauge to drop by one on retried teardown, got %v then %v", before, got)
	}
}

func TestActivatedAtSetOnce(t *testing.T) {
	f := newFixture()
	tenant := f.seed(t, "acme")
	f.svc.provisionTenant(context.Background(), tenant)

	first, _ := f.repo.GetByID(tenant.ID)
	if first.ActivatedAt == nil {
		t.Fatalf("expected activatedAt after activation")
	}

	// Forcing the record back through ACTIVE must not move the timestamp.
	if _, err := f.repo.UpdateStatus(tenant.ID, domain.StatusActive, domain.StatusFailed, "x"); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	if _, err := f.repo.UpdateStatus(tenant.ID, domain.StatusFailed, domain.StatusActive, ""); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	second, _ := f.repo.GetByID(tenant.ID)
	if !second.ActivatedAt.Equal(*first.ActivatedAt) {
		t.Fatalf("expected activatedAt to be stable, got %v then %v", first.ActivatedAt, second.ActivatedAt)
	}
}
