package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/khartoum/tenantforge/internal/handler"
	"github.com/khartoum/tenantforge/internal/infrastructure/dbadmin"
	"github.com/khartoum/tenantforge/internal/infrastructure/dns"
	"github.com/khartoum/tenantforge/internal/infrastructure/kube"
	"github.com/khartoum/tenantforge/internal/infrastructure/logger"
	"github.com/khartoum/tenantforge/internal/infrastructure/redis"
	"github.com/khartoum/tenantforge/internal/observability/metrics"
	"github.com/khartoum/tenantforge/internal/observability/tracing"
	"github.com/khartoum/tenantforge/internal/repository"
	"github.com/khartoum/tenantforge/internal/security/audit"
	"github.com/khartoum/tenantforge/internal/security/auth"
	"github.com/khartoum/tenantforge/internal/security/middleware"
	"github.com/khartoum/tenantforge/internal/security/ratelimit"
	"github.com/khartoum/tenantforge/internal/service"
	"github.com/khartoum/tenantforge/internal/worker"
	"github.com/khartoum/tenantforge/pkg/config"
	"github.com/khartoum/tenantforge/pkg/database"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize structured logger
	log := logger.NewLogger(cfg.LogLevel)
	log.Info("starting TenantForge server",
		slog.String("environment", cfg.Environment),
		slog.String("base_domain", cfg.BaseDomain),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Optional tracing
	shutdownTracing, err := tracing.Init(ctx, log, "tenantforge", cfg.Environment)
	if err != nil {
		log.Warn("tracing disabled", slog.String("error", err.Error()))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// 4. Tenant record store
	pool, err := database.NewConnectionPool(ctx, &database.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, log)
	if err != nil {
		log.Error("failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure schema", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 5. Redis for workflow run records
	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Error("failed to connect to Redis", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer redisClient.Close()

	// 6. Control-plane clients
	registrar, err := dns.NewRoute53Registrar(dns.Options{
		HostedZoneID:        cfg.HostedZoneID,
		LoadBalancerDNS:     cfg.LoadBalancerDNS,
		PropagationAttempts: cfg.DNSPropagationAttempts,
		PropagationInterval: cfg.DNSPropagationInterval,
	}, log)
	if err != nil {
		log.Error("failed to initialize Route53 client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	clusterClient, err := kube.NewClient(cfg, log)
	if err != nil {
		log.Error("failed to initialize Kubernetes client", slog.String("error", err.Error()))
		os.Exit(1)
	}

	dbAdmin, err := dbadmin.NewClient(ctx, dbadmin.Options{
		Host:     cfg.AppDBHost,
		Port:     cfg.AppDBPort,
		User:     cfg.AppDBAdminUser,
		Password: cfg.AppDBAdminPassword,
	}, log)
	if err != nil {
		log.Error("failed to initialize database admin client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer dbAdmin.Close()

	// 7. Repositories and services
	tenantRepo := repository.NewPostgresTenantRepository(pool.GetDB(), log)
	workflowRepo := repository.NewRedisWorkflowRepository(redisClient, log)
	tenantService := service.NewTenantService(tenantRepo, workflowRepo, registrar, clusterClient, dbAdmin, log, cfg)

	// 8. Handlers
	createHandler := handler.NewCreateHandler(tenantService, log)
	tenantsHandler := handler.NewTenantsHandler(tenantService, log)
	tenantHandler := handler.NewTenantHandler(tenantService, log)
	workflowRunHandler := handler.NewWorkflowRunHandler(tenantService, log)
	deleteHandler := handler.NewDeleteHandler(tenantService, log)
	statusStreamHandler := handler.NewStatusStreamHandler(tenantRepo, log, cfg.AllowedOrigins)
	healthHandler := handler.NewHealthHandler(pool, redisClient, log)

	// 8a. Security components
	tokenManager := auth.NewTokenManager(cfg.JWTSecret, "tenantforge")
	rateLimiter := ratelimit.NewLimiter(cfg.RateLimitRequests, cfg.RateLimitWindow)
	auditLogger := audit.NewLogger(log)

	// 9. Routes
	mux := http.NewServeMux()
	mux.Handle("POST /api/tenants", createHandler)
	mux.Handle("GET /api/tenants", tenantsHandler)
	mux.Handle("GET /api/tenants/{id}", tenantHandler)
	mux.Handle("GET /api/tenants/{id}/workflow", workflowRunHandler)
	mux.Handle("DELETE /api/tenants/{id}", deleteHandler)
	mux.Handle("GET /ws/tenants/{id}", statusStreamHandler)
	mux.HandleFunc("GET /healthz", healthHandler.Health)
	mux.HandleFunc("GET /readyz", healthHandler.Ready)
	mux.Handle("/metrics", promhttp.Handler())

	// CORS honoring configured origins
	handlerWithCORS := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if originAllowed(cfg.AllowedOrigins, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else if len(cfg.AllowedOrigins) > 0 {
			w.Header().Set("Access-Control-Allow-Origin", cfg.AllowedOrigins[0])
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		mux.ServeHTTP(w, r)
	})

	// Chain middleware: request ID -> metrics -> JWT -> rate limit -> audit
	// -> CORS. JWT runs first so the rate limiter and audit log see the
	// operator identity.
	rootHandler := withRequestID(
		metrics.HTTPMetricsMiddleware(
			middleware.JWTMiddleware(tokenManager, log)(
				middleware.RateLimitMiddleware(rateLimiter, log)(
					middleware.AuditMiddleware(auditLogger)(handlerWithCORS),
				),
			),
		),
		log,
	)

	// 10. Janitor for abandoned workflows
	janitor := worker.NewJanitor(tenantRepo, workflowRepo, log, cfg.JanitorInterval, cfg.WorkflowStaleAfter)
	go janitor.Start()

	// 11. HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.ServerPort),
		Handler:      otelhttp.NewHandler(rootHandler, "tenantforge"),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Minute, // deletes run a synchronous teardown
		IdleTimeout:  60 * time.Second,
	}

	log.Info("server starting",
		slog.Int("port", cfg.ServerPort),
		slog.String("auth", "jwt"),
		slog.Int("rate_limit", cfg.RateLimitRequests),
		slog.Duration("rate_limit_window", cfg.RateLimitWindow),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	<-sigChan
	log.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", slog.String("error", err.Error()))
	}

	janitor.Stop()
	rateLimiter.Stop()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Warn("tracing shutdown error", slog.String("error", err.Error()))
	}
	log.Info("server stopped")
}

type requestIDKey struct{}

// withRequestID attaches a request ID to the context and response headers for traceability
func withRequestID(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := generateRequestID()
		w.Header().Set("X-Request-ID", reqID)

		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		start := time.Now()

		next.ServeHTTP(w, r.WithContext(ctx))

		log.Info("request completed",
			slog.String("request_id", reqID),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Duration("duration_ms", time.Since(start)),
		)
	})
}

func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return false
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func generateRequestID() string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err == nil {
		return hex.EncodeToString(buf)
	}
	return fmt.Sprintf("req-%d", time.Now().UnixNano())
}
