package kube

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/observability/metrics"
	"github.com/khartoum/tenantforge/internal/reliability/poll"
	"github.com/khartoum/tenantforge/pkg/config"
)

var certificateGVR = schema.GroupVersionResource{
	Group:    "cert-manager.io",
	Version:  "v1",
	Resource: "certificates",
}

// Client drives tenant resources in the cluster: ingress with TLS,
// cert-manager certificates, and one-shot batch jobs. Creates tolerate
// "already exists" and deletes tolerate "not found" so every operation is
// safe to repeat.
type Client struct {
	clientset      kubernetes.Interface
	dynamic        dynamic.Interface
	logger         *slog.Logger
	namespace      string
	appImage       string
	appServiceName string
	appServicePort int
	filestorePVC   string
	appDBHost      string
	appDBPort      int

	certPollInterval time.Duration
	jobPollInterval  time.Duration
	dbInitTimeout    time.Duration
	baseURLTimeout   time.Duration
	cleanupTimeout   time.Duration
}

// NewClient builds a cluster client from in-cluster config, falling back to
// the local kubeconfig for development.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		kubeconfig := os.Getenv("KUBECONFIG")
		if kubeconfig == "" {
			home, herr := os.UserHomeDir()
			if herr != nil {
				return nil, fmt.Errorf("failed to resolve kubeconfig: %w", herr)
			}
			kubeconfig = filepath.Join(home, ".kube", "config")
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("failed to build kubernetes config: %w", err)
		}
	}

	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create kubernetes client: %w", err)
	}
	dyn, err := dynamic.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create dynamic client: %w", err)
	}

	return NewClientWith(clientset, dyn, cfg, logger), nil
}

// NewClientWith wires a Client over existing client interfaces; used by
// tests with fake clientsets.
func NewClientWith(clientset kubernetes.Interface, dyn dynamic.Interface, cfg *config.Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		clientset:        clientset,
		dynamic:          dyn,
		logger:           logger,
		namespace:        cfg.Namespace,
		appImage:         cfg.AppImage,
		appServiceName:   cfg.AppServiceName,
		appServicePort:   cfg.AppServicePort,
		filestorePVC:     cfg.FilestorePVC,
		appDBHost:        cfg.AppDBHost,
		appDBPort:        cfg.AppDBPort,
		certPollInterval: cfg.CertPollInterval,
		jobPollInterval:  cfg.JobPollInterval,
		dbInitTimeout:    cfg.DBInitJobTimeout,
		baseURLTimeout:   cfg.BaseURLJobTimeout,
		cleanupTimeout:   cfg.CleanupJobTimeout,
	}
}

// CreateIngress creates the tenant's host rule + TLS ingress.
func (c *Client) CreateIngress(ctx context.Context, t *domain.Tenant) error {
	ingress := c.buildIngress(t)
	_, err := c.clientset.NetworkingV1().Ingresses(c.namespace).Create(ctx, ingress, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			c.logger.Warn("ingress already exists", slog.String("subdomain", t.Subdomain))
			return nil
		}
		return fmt.Errorf("failed to create ingress for %s: %w", t.Subdomain, err)
	}
	c.logger.Info("ingress created", slog.String("subdomain", t.Subdomain), slog.String("host", t.Hostname()))
	return nil
}

// DeleteIngress removes the tenant's ingress.
func (c *Client) DeleteIngress(ctx context.Context, t *domain.Tenant) error {
	err := c.clientset.NetworkingV1().Ingresses(c.namespace).Delete(ctx, ingressName(t), metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			c.logger.Warn("ingress not found", slog.String("subdomain", t.Subdomain))
			return nil
		}
		return fmt.Errorf("failed to delete ingress for %s: %w", t.Subdomain, err)
	}
	c.logger.Info("ingress deleted", slog.String("subdomain", t.Subdomain))
	return nil
}

// CreateCertificate creates the cert-manager Certificate for the tenant
// hostname through the dynamic client.
func (c *Client) CreateCertificate(ctx context.Context, t *domain.Tenant) error {
	cert := c.buildCertificate(t)
	_, err := c.dynamic.Resource(certificateGVR).Namespace(c.namespace).Create(ctx, cert, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			c.logger.Warn("certificate already exists", slog.String("subdomain", t.Subdomain))
			return nil
		}
		return fmt.Errorf("failed to create certificate for %s: %w", t.Subdomain, err)
	}
	c.logger.Info("certificate created", slog.String("subdomain", t.Subdomain))
	return nil
}

// DeleteCertificate removes the tenant's Certificate resource.
func (c *Client) DeleteCertificate(ctx context.Context, t *domain.Tenant) error {
	err := c.dynamic.Resource(certificateGVR).Namespace(c.namespace).Delete(ctx, certName(t), metav1.DeleteOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			c.logger.Warn("certificate not found", slog.String("subdomain", t.Subdomain))
			return nil
		}
		return fmt.Errorf("failed to delete certificate for %s: %w", t.Subdomain, err)
	}
	c.logger.Info("certificate deleted", slog.String("subdomain", t.Subdomain))
	return nil
}

// WaitForCertificate blocks until the TLS secret backing the tenant's
// certificate exists, polling at a fixed interval. Timeout is fatal to the
// enclosing workflow step.
func (c *Client) WaitForCertificate(ctx context.Context, t *domain.Tenant, timeout time.Duration) error {
	secretName := tlsSecretName(t)
	c.logger.Info("waiting for certificate",
		slog.String("subdomain", t.Subdomain),
		slog.String("secret", secretName),
		slog.Duration("timeout", timeout),
	)

	return poll.Until(ctx, "tls secret "+secretName, c.certPollInterval, timeout, func(ctx context.Context) (bool, error) {
		_, err := c.clientset.CoreV1().Secrets(c.namespace).Get(ctx, secretName, metav1.GetOptions{})
		if err != nil {
			if !apierrors.IsNotFound(err) {
				// Transient API errors should not abort the wait.
				c.logger.Warn("error checking tls secret", slog.String("error", err.Error()))
			}
			return false, nil
		}
		c.logger.Info("certificate ready", slog.String("subdomain", t.Subdomain))
		return true, nil
	})
}

// InitializeDatabase runs the one-shot database bootstrap job and waits for
// it to finish.
func (c *Client) InitializeDatabase(ctx context.Context, t *domain.Tenant) error {
	return c.runJob(ctx, t, c.buildDBInitJob(t), "init-db", c.dbInitTimeout)
}

// SetBaseURL runs the one-shot job that pins the tenant's public URL and
// waits for it to finish.
func (c *Client) SetBaseURL(ctx context.Context, t *domain.Tenant) error {
	return c.runJob(ctx, t, c.buildBaseURLJob(t), "set-baseurl", c.baseURLTimeout)
}

// CleanupFilestore runs the one-shot filestore removal job and waits for it
// to finish.
func (c *Client) CleanupFilestore(ctx context.Context, t *domain.Tenant) error {
	return c.runJob(ctx, t, c.buildCleanupJob(t), "cleanup-fs", c.cleanupTimeout)
}

// runJob submits a one-shot job and polls until it reports success, reports
// failure, or the timeout elapses. A submission conflict means a prior
// attempt already owns the wait, so it is a no-op without re-waiting.
func (c *Client) runJob(ctx context.Context, t *domain.Tenant, job *batchv1.Job, kind string, timeout time.Duration) error {
	start := time.Now()

	_, err := c.clientset.BatchV1().Jobs(c.namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			c.logger.Warn("job already exists, skipping wait",
				slog.String("job", job.Name),
				slog.String("subdomain", t.Subdomain),
			)
			return nil
		}
		metrics.ObserveJobWait(kind, "error", time.Since(start))
		return fmt.Errorf("failed to create job %s: %w", job.Name, err)
	}
	c.logger.Info("job created", slog.String("job", job.Name), slog.String("subdomain", t.Subdomain))

	err = poll.Until(ctx, "job "+job.Name, c.jobPollInterval, timeout, func(ctx context.Context) (bool, error) {
		current, err := c.clientset.BatchV1().Jobs(c.namespace).Get(ctx, job.Name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, nil
			}
			c.logger.Warn("error checking job status", slog.String("job", job.Name), slog.String("error", err.Error()))
			return false, nil
		}
		if current.Status.Succeeded > 0 {
			return true, nil
		}
		if current.Status.Failed > 0 {
			return false, fmt.Errorf("job %s failed", job.Name)
		}
		return false, nil
	})
	if err != nil {
		metrics.ObserveJobWait(kind, "error", time.Since(start))
		return err
	}

	metrics.ObserveJobWait(kind, "success", time.Since(start))
	c.logger.Info("job completed", slog.String("job", job.Name), slog.Duration("took", time.Since(start)))
	return nil
}
