package dbadmin

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"
)

// Client issues administrative statements directly against the shared
// application database cluster, outside the cluster control plane. Its only
// job is dropping tenant databases during teardown.
type Client struct {
	db     *sql.DB
	logger *slog.Logger
}

// Options configures the admin connection.
type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	SSLMode  string
}

// NewClient opens an admin connection to the cluster's maintenance database.
// Missing credentials are a configuration error here rather than a silent
// failure at drop time.
func NewClient(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("APP_DB_HOST is not configured")
	}
	if opts.Password == "" {
		return nil, fmt.Errorf("APP_DB_ADMIN_PASSWORD is not configured")
	}
	if opts.SSLMode == "" {
		opts.SSLMode = "disable"
	}
	if logger == nil {
		logger = slog.Default()
	}

	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=postgres sslmode=%s",
		opts.Host, opts.Port, opts.User, opts.Password, opts.SSLMode,
	)
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open admin connection: %w", err)
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return nil, fmt.Errorf("failed to ping database cluster: %w", err)
	}

	return &Client{db: db, logger: logger}, nil
}

// DropDatabase removes a tenant database if it exists. The identifier is
// quoted because tenant database names contain dots.
func (c *Client) DropDatabase(ctx context.Context, databaseName string) error {
	stmt := fmt.Sprintf("DROP DATABASE IF EXISTS %s", pq.QuoteIdentifier(databaseName))
	if _, err := c.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("failed to drop database %s: %w", databaseName, err)
	}
	c.logger.Info("database dropped", slog.String("database", databaseName))
	return nil
}

// Close closes the admin connection.
func (c *Client) Close() error {
	return c.db.Close()
}
