package kube

import (
	"context"
	"errors"
	"testing"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	ktesting "k8s.io/client-go/testing"

	"github.com/khartoum/tenantforge/internal/domain"
	"github.com/khartoum/tenantforge/internal/reliability/poll"
	"github.com/khartoum/tenantforge/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Namespace:         "tenants",
		AppImage:          "odoo:17",
		AppServiceName:    "odoo",
		AppServicePort:    8069,
		FilestorePVC:      "odoo-data",
		AppDBHost:         "postgres",
		AppDBPort:         5432,
		CertPollInterval:  time.Millisecond,
		JobPollInterval:   time.Millisecond,
		DBInitJobTimeout:  time.Second,
		BaseURLJobTimeout: time.Second,
		CleanupJobTimeout: time.Second,
	}
}

func newTestClient(clientset *k8sfake.Clientset) *Client {
	scheme := runtime.NewScheme()
	dyn := dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, map[schema.GroupVersionResource]string{
		certificateGVR: "CertificateList",
	})
	return NewClientWith(clientset, dyn, testConfig(), nil)
}

func TestCreateIngress(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	c := newTestClient(clientset)
	tenant := domain.NewTenant("acme", "example.com")

	if err := c.CreateIngress(context.Background(), tenant); err != nil {
		t.Fatalf("create ingress failed: %v", err)
	}

	ing, err := clientset.NetworkingV1().Ingresses("tenants").Get(context.Background(), "tenant-acme", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected ingress to exist: %v", err)
	}
	if ing.Spec.Rules[0].Host != "acme.example.com" {
		t.Fatalf("unexpected host %q", ing.Spec.Rules[0].Host)
	}
	if ing.Spec.TLS[0].SecretName != "tenant-tls-acme" {
		t.Fatalf("unexpected tls secret %q", ing.Spec.TLS[0].SecretName)
	}
	if ing.Annotations["cert-manager.io/cluster-issuer"] == "" {
		t.Fatalf("expected cert-manager issuer annotation")
	}

	// A repeated create is a successful no-op.
	if err := c.CreateIngress(context.Background(), tenant); err != nil {
		t.Fatalf("repeated create should be tolerated: %v", err)
	}
}

func TestDeleteIngressNotFound(t *testing.T) {
	c := newTestClient(k8sfake.NewSimpleClientset())
	tenant := domain.NewTenant("ghost", "example.com")

	if err := c.DeleteIngress(context.Background(), tenant); err != nil {
		t.Fatalf("missing ingress should be a no-op: %v", err)
	}
}

func TestCertificateLifecycle(t *testing.T) {
	c := newTestClient(k8sfake.NewSimpleClientset())
	tenant := domain.NewTenant("acme", "example.com")

	if err := c.CreateCertificate(context.Background(), tenant); err != nil {
		t.Fatalf("create certificate failed: %v", err)
	}
	if err := c.CreateCertificate(context.Background(), tenant); err != nil {
		t.Fatalf("repeated create should be tolerated: %v", err)
	}

	got, err := c.dynamic.Resource(certificateGVR).Namespace("tenants").Get(context.Background(), "tenant-cert-acme", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("expected certificate to exist: %v", err)
	}
	secretName, _, _ := unstructured.NestedString(got.Object, "spec", "secretName")
	if secretName != "tenant-tls-acme" {
		t.Fatalf("unexpected secret name %q", secretName)
	}

	if err := c.DeleteCertificate(context.Background(), tenant); err != nil {
		t.Fatalf("delete certificate failed: %v", err)
	}
	if err := c.DeleteCertificate(context.Background(), tenant); err != nil {
		t.Fatalf("repeated delete should be tolerated: %v", err)
	}
}

func TestWaitForCertificateReady(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset(&corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "tenant-tls-acme", Namespace: "tenants"},
	})
	c := newTestClient(clientset)
	tenant := domain.NewTenant("acme", "example.com")

	if err := c.WaitForCertificate(context.Background(), tenant, time.Second); err != nil {
		t.Fatalf("expected ready certificate, got %v", err)
	}
}

func TestWaitForCertificateTimeout(t *testing.T) {
	c := newTestClient(k8sfake.NewSimpleClientset())
	tenant := domain.NewTenant("acme", "example.com")

	err := c.WaitForCertificate(context.Background(), tenant, 20*time.Millisecond)
	var timeoutErr *poll.ErrTimeout
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestInitializeDatabaseWaitsForSuccess(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	clientset.PrependReactor("get", "jobs", func(action ktesting.Action) (bool, runtime.Object, error) {
		get := action.(ktesting.GetAction)
		return true, &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: get.GetName(), Namespace: get.GetNamespace()},
			Status:     batchv1.JobStatus{Succeeded: 1},
		}, nil
	})
	c := newTestClient(clientset)
	tenant := domain.NewTenant("acme", "example.com")

	if err := c.InitializeDatabase(context.Background(), tenant); err != nil {
		t.Fatalf("expected job success, got %v", err)
	}

	jobs, err := clientset.BatchV1().Jobs("tenants").List(context.Background(), metav1.ListOptions{})
	if err != nil || len(jobs.Items) != 1 {
		t.Fatalf("expected one submitted job, got %v (%v)", len(jobs.Items), err)
	}
	if jobs.Items[0].Name != "tenant-init-db-acme" {
		t.Fatalf("unexpected job name %q", jobs.Items[0].Name)
	}
}

func TestRunJobFailureSurfaces(t *testing.T) {
	clientset := k8sfake.NewSimpleClientset()
	clientset.PrependReactor("get", "jobs", func(action ktesting.Action) (bool, runtime.Object, error) {
		get := action.(ktesting.GetAction)
		return true, &batchv1.Job{
			ObjectMeta: metav1.ObjectMeta{Name: get.GetName(), Namespace: get.GetNamespace()},
			Status:     batchv1.JobStatus{Failed: 1},
		}, nil
	})
	c := newTestClient(clientset)
	tenant := domain.NewTenant("acme", "example.com")

	if err := c.SetBaseURL(context.Background(), tenant); err == nil {
		t.Fatalf("expected job failure to surface")
	}
}

func TestRunJobConflictSkipsWait(t *testing.T) {
	existing := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{Name: "tenant-cleanup-fs-acme", Namespace: "tenants"},
	}
	clientset := k8sfake.NewSimpleClientset(existing)
	c := newTestClient(clientset)
	tenant := domain.NewTenant("acme", "example.com")

	// The job never reaches Succeeded, so a re-wait would time out; a prior
	// submission owning the wait means this call returns immediately.
	if err := c.CleanupFilestore(context.Background(), tenant); err != nil {
		t.Fatalf("expected conflict to be a no-op, got %v", err)
	}
}
