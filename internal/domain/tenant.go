package domain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
)

// TenantStatus is the single source of truth for where a tenant is in its lifecycle.
type TenantStatus string

const (
	StatusRequested      TenantStatus = "REQUESTED"
	StatusDNSCreating    TenantStatus = "DNS_CREATING"
	StatusK8sCreating    TenantStatus = "K8S_CREATING"
	StatusCertPending    TenantStatus = "CERT_PENDING"
	StatusDBInitializing TenantStatus = "DB_INITIALIZING"
	StatusActive         TenantStatus = "ACTIVE"
	StatusFailed         TenantStatus = "FAILED"
	StatusDeleting       TenantStatus = "DELETING"
	StatusDeleted        TenantStatus = "DELETED"
)

// InProgress reports whether the status is a non-terminal creation state.
func (s TenantStatus) InProgress() bool {
	switch s {
	case StatusRequested, StatusDNSCreating, StatusK8sCreating, StatusCertPending, StatusDBInitializing:
		return true
	}
	return false
}

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantExists   = errors.New("tenant already exists")
	// ErrStatusConflict is returned when a compare-and-swap status update
	// finds the record no longer in the expected state. The caller has lost
	// authority over the record and must stop.
	ErrStatusConflict = errors.New("tenant status conflict")
)

// Tenant represents one isolated customer environment identified by subdomain.
type Tenant struct {
	ID           string       `json:"id"`
	Subdomain    string       `json:"subdomain"`
	Domain       string       `json:"domain"`
	DatabaseName string       `json:"databaseName"`
	URL          string       `json:"url"`
	Status       TenantStatus `json:"status"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	ActivatedAt  *time.Time   `json:"activatedAt,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// NewTenant builds a tenant record in REQUESTED state. DatabaseName and URL
// are derived once here and never recomputed.
func NewTenant(subdomain, domain string) *Tenant {
	now := time.Now().UTC()
	return &Tenant{
		ID:           uuid.NewString(),
		Subdomain:    subdomain,
		Domain:       domain,
		DatabaseName: subdomain + "." + domain,
		URL:          "https://" + subdomain + "." + domain,
		Status:       StatusRequested,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Hostname returns the fully qualified hostname without a trailing dot.
func (t *Tenant) Hostname() string {
	return t.Subdomain + "." + t.Domain
}

var subdomainRe = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// ValidateSubdomain checks that a subdomain is a valid lowercase DNS label:
// alphanumeric and hyphens, 1-63 chars, no leading or trailing hyphen.
func ValidateSubdomain(subdomain string) error {
	if subdomain == "" {
		return fmt.Errorf("subdomain is required")
	}
	if len(subdomain) > 63 {
		return fmt.Errorf("subdomain must be at most 63 characters")
	}
	if !subdomainRe.MatchString(subdomain) {
		return fmt.Errorf("subdomain must be a lowercase DNS label (a-z, 0-9, hyphens, no leading/trailing hyphen)")
	}
	return nil
}

// TenantRepository defines data access for tenant records. Records are never
// physically removed; DELETED is a terminal status kept for audit.
type TenantRepository interface {
	Save(tenant *Tenant) error
	GetByID(id string) (*Tenant, error)
	GetBySubdomain(subdomain string) (*Tenant, error)
	ExistsBySubdomain(subdomain string) (bool, error)
	ListByStatus(status TenantStatus) ([]*Tenant, error)
	List() ([]*Tenant, error)
	// UpdateStatus transitions a tenant from expected to next atomically.
	// errMsg replaces the stored error message (empty clears it). Returns
	// ErrTenantNotFound if the record is gone and ErrStatusConflict if the
	// record is no longer in the expected state.
	UpdateStatus(id string, expected, next TenantStatus, errMsg string) (*Tenant, error)
}

// Registrar defines DNS control-plane operations for a tenant hostname.
type Registrar interface {
	Upsert(ctx context.Context, subdomain, domain string) error
	Delete(ctx context.Context, subdomain, domain string) error
	Exists(ctx context.Context, subdomain, domain string) (bool, error)
}

// ClusterClient defines cluster control-plane operations: ingress with TLS,
// certificate requests, and one-shot jobs. Creates must treat "already
// exists" as success and deletes must treat "not found" as success.
type ClusterClient interface {
	CreateIngress(ctx context.Context, tenant *Tenant) error
	DeleteIngress(ctx context.Context, tenant *Tenant) error
	CreateCertificate(ctx context.Context, tenant *Tenant) error
	DeleteCertificate(ctx context.Context, tenant *Tenant) error
	WaitForCertificate(ctx context.Context, tenant *Tenant, timeout time.Duration) error
	InitializeDatabase(ctx context.Context, tenant *Tenant) error
	SetBaseURL(ctx context.Context, tenant *Tenant) error
	CleanupFilestore(ctx context.Context, tenant *Tenant) error
}

// DatabaseAdmin drops tenant databases through a direct admin connection to
// the shared database cluster, not mediated by the cluster control plane.
type DatabaseAdmin interface {
	DropDatabase(ctx context.Context, databaseName string) error
}

// WorkflowRun records a detached provisioning workflow so a crashed process
// leaves a visible trace instead of losing all progress silently.
type WorkflowRun struct {
	TenantID    string       `json:"tenant_id"`
	Phase       TenantStatus `json:"phase"`
	StartedAt   time.Time    `json:"started_at"`
	HeartbeatAt time.Time    `json:"heartbeat_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Result      string       `json:"result,omitempty"` // active, failed, abandoned
}

// WorkflowRepository defines storage for workflow run records.
type WorkflowRepository interface {
	StartRun(ctx context.Context, tenantID string) error
	Heartbeat(ctx context.Context, tenantID string, phase TenantStatus) error
	CompleteRun(ctx context.Context, tenantID string, result string) error
	GetRun(ctx context.Context, tenantID string) (*WorkflowRun, error)
	ListRuns(ctx context.Context) ([]*WorkflowRun, error)
}
