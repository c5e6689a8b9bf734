package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/lib/pq"

	"github.com/khartoum/tenantforge/internal/domain"
)

// PostgresTenantRepository implements domain.TenantRepository using PostgreSQL
type PostgresTenantRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresTenantRepository creates a new tenant repository
func NewPostgresTenantRepository(db *sql.DB, logger *slog.Logger) *PostgresTenantRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresTenantRepository{db: db, logger: logger}
}

const tenantColumns = `id, subdomain, domain, database_name, url, status, created_at, updated_at, activated_at, error_message`

func scanTenant(row interface{ Scan(...any) error }) (*domain.Tenant, error) {
	t := &domain.Tenant{}
	var activatedAt sql.NullTime
	err := row.Scan(
		&t.ID, &t.Subdomain, &t.Domain, &t.DatabaseName, &t.URL,
		&t.Status, &t.CreatedAt, &t.UpdatedAt, &activatedAt, &t.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	if activatedAt.Valid {
		t.ActivatedAt = &activatedAt.Time
	}
	return t, nil
}

// Save inserts a tenant record, or updates it in place if it already exists.
func (r *PostgresTenantRepository) Save(tenant *domain.Tenant) error {
	query := `
		INSERT INTO tenants (id, subdomain, domain, database_name, url, status, created_at, updated_at, activated_at, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = now(),
			activated_at = COALESCE(tenants.activated_at, EXCLUDED.activated_at),
			error_message = EXCLUDED.error_message
		RETURNING updated_at
	`
	var activatedAt sql.NullTime
	if tenant.ActivatedAt != nil {
		activatedAt = sql.NullTime{Time: *tenant.ActivatedAt, Valid: true}
	}
	err := r.db.QueryRow(query,
		tenant.ID, tenant.Subdomain, tenant.Domain, tenant.DatabaseName, tenant.URL,
		tenant.Status, tenant.CreatedAt, activatedAt, tenant.ErrorMessage,
	).Scan(&tenant.UpdatedAt)
	if err != nil {
		// Two creates racing past the subdomain existence check both reach
		// the insert; the loser trips the live-subdomain unique index and
		// must surface as the same conflict the check would have reported.
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", domain.ErrTenantExists, tenant.Subdomain)
		}
		return fmt.Errorf("failed to save tenant: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is the Postgres unique_violation
// error class.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetByID retrieves a tenant by ID
func (r *PostgresTenantRepository) GetByID(id string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE id = $1`
	t, err := scanTenant(r.db.QueryRow(query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return t, nil
}

// GetBySubdomain retrieves the live tenant for a subdomain
func (r *PostgresTenantRepository) GetBySubdomain(subdomain string) (*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE subdomain = $1 AND status <> $2`
	t, err := scanTenant(r.db.QueryRow(query, subdomain, domain.StatusDeleted))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTenantNotFound
		}
		return nil, fmt.Errorf("failed to get tenant by subdomain: %w", err)
	}
	return t, nil
}

// ExistsBySubdomain reports whether a non-deleted tenant holds the subdomain.
func (r *PostgresTenantRepository) ExistsBySubdomain(subdomain string) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM tenants WHERE subdomain = $1 AND status <> $2)`
	var exists bool
	if err := r.db.QueryRow(query, subdomain, domain.StatusDeleted).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check subdomain: %w", err)
	}
	return exists, nil
}

// ListByStatus returns all tenants in the given status
func (r *PostgresTenantRepository) ListByStatus(status domain.TenantStatus) ([]*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants WHERE status = $1 ORDER BY created_at DESC`
	return r.queryTenants(query, status)
}

// List returns all tenants
func (r *PostgresTenantRepository) List() ([]*domain.Tenant, error) {
	query := `SELECT ` + tenantColumns + ` FROM tenants ORDER BY created_at DESC`
	return r.queryTenants(query)
}

func (r *PostgresTenantRepository) queryTenants(query string, args ...any) ([]*domain.Tenant, error) {
	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenants: %w", err)
	}
	defer rows.Close()

	var out []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateStatus transitions a tenant from expected to next with a single
// compare-and-swap write, so two workflows racing on the same record cannot
// interleave transitions. activated_at is set once, the first time the
// record enters ACTIVE.
func (r *PostgresTenantRepository) UpdateStatus(id string, expected, next domain.TenantStatus, errMsg string) (*domain.Tenant, error) {
	query := `
		UPDATE tenants
		SET status = $3,
			updated_at = now(),
			error_message = $4,
			activated_at = CASE WHEN $3 = 'ACTIVE' THEN COALESCE(activated_at, now()) ELSE activated_at END
		WHERE id = $1 AND status = $2
		RETURNING ` + tenantColumns
	t, err := scanTenant(r.db.QueryRow(query, id, expected, next, errMsg))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to update tenant status: %w", err)
	}

	// Distinguish a vanished record from a lost CAS race.
	var exists bool
	if checkErr := r.db.QueryRow(`SELECT EXISTS (SELECT 1 FROM tenants WHERE id = $1)`, id).Scan(&exists); checkErr != nil {
		return nil, fmt.Errorf("failed to update tenant status: %w", checkErr)
	}
	if !exists {
		return nil, domain.ErrTenantNotFound
	}
	return nil, domain.ErrStatusConflict
}
