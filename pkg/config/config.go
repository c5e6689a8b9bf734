package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	Environment string
	ServerPort  int
	LogLevel    string
	RedisURL    string

	JWTSecret         string
	AllowedOrigins    []string
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Tenant record store
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Base domain all tenants are hosted under
	BaseDomain string

	// Route53
	HostedZoneID string
	// DNS target for tenant CNAME records, typically the ingress
	// controller's load balancer hostname. Checked at first use.
	LoadBalancerDNS string

	// Kubernetes
	Namespace      string
	AppImage       string
	AppServiceName string
	AppServicePort int
	FilestorePVC   string

	// Shared application database cluster (tenant databases live here)
	AppDBHost          string
	AppDBPort          int
	AppDBAdminUser     string
	AppDBAdminPassword string

	// Workflow timing
	CertPollInterval       time.Duration
	CertTimeout            time.Duration
	JobPollInterval        time.Duration
	DBInitJobTimeout       time.Duration
	BaseURLJobTimeout      time.Duration
	CleanupJobTimeout      time.Duration
	JanitorInterval        time.Duration
	WorkflowStaleAfter     time.Duration
	DNSPropagationAttempts int
	DNSPropagationInterval time.Duration
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	dbPort, err := strconv.Atoi(getEnv("DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid DB_PORT: %w", err)
	}

	appDBPort, err := strconv.Atoi(getEnv("APP_DB_PORT", "5432"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_DB_PORT: %w", err)
	}

	servicePort, err := strconv.Atoi(getEnv("APP_SERVICE_PORT", "8069"))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_SERVICE_PORT: %w", err)
	}

	certTimeout, err := durationEnv("CERT_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	dbInitTimeout, err := durationEnv("DB_INIT_JOB_TIMEOUT", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	baseURLTimeout, err := durationEnv("BASE_URL_JOB_TIMEOUT", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	cleanupTimeout, err := durationEnv("CLEANUP_JOB_TIMEOUT", time.Minute)
	if err != nil {
		return nil, err
	}

	janitorInterval, err := durationEnv("JANITOR_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}

	staleAfter, err := durationEnv("WORKFLOW_STALE_AFTER", 15*time.Minute)
	if err != nil {
		return nil, err
	}

	propagationAttempts, err := strconv.Atoi(getEnv("DNS_PROPAGATION_ATTEMPTS", "30"))
	if err != nil {
		return nil, fmt.Errorf("invalid DNS_PROPAGATION_ATTEMPTS: %w", err)
	}

	rateLimitRequests, err := strconv.Atoi(getEnv("RATE_LIMIT_REQUESTS", "60"))
	if err != nil {
		return nil, fmt.Errorf("invalid RATE_LIMIT_REQUESTS: %w", err)
	}

	rateLimitWindow, err := durationEnv("RATE_LIMIT_WINDOW", time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		ServerPort:  port,
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),

		JWTSecret:         os.Getenv("JWT_SECRET"),
		AllowedOrigins:    strings.Split(getEnv("ALLOWED_ORIGINS", "http://localhost:3000"), ","),
		RateLimitRequests: rateLimitRequests,
		RateLimitWindow:   rateLimitWindow,

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     dbPort,
		DBUser:     getEnv("DB_USER", "tenantforge"),
		DBPassword: getEnv("DB_PASSWORD", "dev"),
		DBName:     getEnv("DB_NAME", "tenantforge"),
		DBSSLMode:  getEnv("DB_SSLMODE", "disable"),

		BaseDomain: getEnv("BASE_DOMAIN", "42khartoum.com"),

		HostedZoneID:    os.Getenv("ROUTE53_HOSTED_ZONE_ID"),
		LoadBalancerDNS: os.Getenv("INGRESS_LB_DNS"),

		Namespace:      getEnv("KUBE_NAMESPACE", "tenants"),
		AppImage:       getEnv("APP_IMAGE", "odoo:17"),
		AppServiceName: getEnv("APP_SERVICE_NAME", "odoo"),
		AppServicePort: servicePort,
		FilestorePVC:   getEnv("FILESTORE_PVC", "odoo-data"),

		AppDBHost:          getEnv("APP_DB_HOST", "postgres"),
		AppDBPort:          appDBPort,
		AppDBAdminUser:     getEnv("APP_DB_ADMIN_USER", "odoo"),
		AppDBAdminPassword: os.Getenv("APP_DB_ADMIN_PASSWORD"),

		CertPollInterval:       5 * time.Second,
		CertTimeout:            certTimeout,
		JobPollInterval:        5 * time.Second,
		DBInitJobTimeout:       dbInitTimeout,
		BaseURLJobTimeout:      baseURLTimeout,
		CleanupJobTimeout:      cleanupTimeout,
		JanitorInterval:        janitorInterval,
		WorkflowStaleAfter:     staleAfter,
		DNSPropagationAttempts: propagationAttempts,
		DNSPropagationInterval: 10 * time.Second,
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func durationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
