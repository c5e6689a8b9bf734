package kube

import (
	"fmt"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"

	"github.com/khartoum/tenantforge/internal/domain"
)

const (
	clusterIssuer  = "letsencrypt-prod"
	managedByLabel = "tenantforge"
)

func ingressName(t *domain.Tenant) string   { return "tenant-" + t.Subdomain }
func certName(t *domain.Tenant) string      { return "tenant-cert-" + t.Subdomain }
func tlsSecretName(t *domain.Tenant) string { return "tenant-tls-" + t.Subdomain }
func dbInitJobName(t *domain.Tenant) string { return "tenant-init-db-" + t.Subdomain }
func baseURLJobName(t *domain.Tenant) string {
	return "tenant-set-baseurl-" + t.Subdomain
}
func cleanupJobName(t *domain.Tenant) string {
	return "tenant-cleanup-fs-" + t.Subdomain
}

func tenantLabels(t *domain.Tenant) map[string]string {
	return map[string]string{
		"app.kubernetes.io/managed-by": managedByLabel,
		"tenantforge.io/subdomain":     t.Subdomain,
	}
}

// buildIngress returns the host rule + TLS ingress for a tenant hostname.
func (c *Client) buildIngress(t *domain.Tenant) *networkingv1.Ingress {
	hostname := t.Hostname()
	pathType := networkingv1.PathTypePrefix

	return &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:      ingressName(t),
			Namespace: c.namespace,
			Labels:    tenantLabels(t),
			Annotations: map[string]string{
				"kubernetes.io/ingress.class":    "nginx",
				"cert-manager.io/cluster-issuer": clusterIssuer,
			},
		},
		Spec: networkingv1.IngressSpec{
			TLS: []networkingv1.IngressTLS{{
				Hosts:      []string{hostname},
				SecretName: tlsSecretName(t),
			}},
			Rules: []networkingv1.IngressRule{{
				Host: hostname,
				IngressRuleValue: networkingv1.IngressRuleValue{
					HTTP: &networkingv1.HTTPIngressRuleValue{
						Paths: []networkingv1.HTTPIngressPath{{
							Path:     "/",
							PathType: &pathType,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: c.appServiceName,
									Port: networkingv1.ServiceBackendPort{
										Number: int32(c.appServicePort),
									},
								},
							},
						}},
					},
				},
			}},
		},
	}
}

// buildCertificate returns the cert-manager Certificate for a tenant
// hostname as an unstructured object, since the CRD has no typed client
// in this module.
func (c *Client) buildCertificate(t *domain.Tenant) *unstructured.Unstructured {
	return &unstructured.Unstructured{
		Object: map[string]interface{}{
			"apiVersion": "cert-manager.io/v1",
			"kind":       "Certificate",
			"metadata": map[string]interface{}{
				"name":      certName(t),
				"namespace": c.namespace,
				"labels": map[string]interface{}{
					"app.kubernetes.io/managed-by": managedByLabel,
					"tenantforge.io/subdomain":     t.Subdomain,
				},
			},
			"spec": map[string]interface{}{
				"secretName": tlsSecretName(t),
				"issuerRef": map[string]interface{}{
					"name": clusterIssuer,
					"kind": "ClusterIssuer",
				},
				"dnsNames": []interface{}{t.Hostname()},
			},
		},
	}
}

// buildDBInitJob returns the one-shot job that bootstraps the tenant's
// database inside the shared cluster.
func (c *Client) buildDBInitJob(t *domain.Tenant) *batchv1.Job {
	ttl := int32(3600)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      dbInitJobName(t),
			Namespace: c.namespace,
			Labels:    tenantLabels(t),
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:  "init-db",
						Image: c.appImage,
						Command: []string{
							"odoo",
							"-d", t.DatabaseName,
							"-i", "base",
							"--stop-after-init",
							"--without-demo=all",
							fmt.Sprintf("--db_host=%s", c.appDBHost),
							fmt.Sprintf("--db_port=%d", c.appDBPort),
						},
						Env: []corev1.EnvVar{{
							Name: "POSTGRES_PASSWORD",
							ValueFrom: &corev1.EnvVarSource{
								SecretKeyRef: &corev1.SecretKeySelector{
									LocalObjectReference: corev1.LocalObjectReference{Name: "postgres-secret"},
									Key:                  "password",
								},
							},
						}},
					}},
				},
			},
		},
	}
}

// buildBaseURLJob returns the one-shot job that pins the tenant's public
// base URL inside the application database.
func (c *Client) buildBaseURLJob(t *domain.Tenant) *batchv1.Job {
	ttl := int32(3600)
	script := fmt.Sprintf(`
import odoo
from odoo import api, SUPERUSER_ID

odoo.tools.config['db_host'] = '%s'
odoo.tools.config['db_port'] = %d

with odoo.api.Environment.manage():
    with odoo.registry('%s').cursor() as cr:
        env = api.Environment(cr, SUPERUSER_ID, {})
        param = env['ir.config_parameter']
        param.set_param('web.base.url', '%s')
        param.set_param('web.base.url.freeze', True)
        cr.commit()
`, c.appDBHost, c.appDBPort, t.DatabaseName, t.URL)

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      baseURLJobName(t),
			Namespace: c.namespace,
			Labels:    tenantLabels(t),
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "set-baseurl",
						Image:   c.appImage,
						Command: []string{"python3", "-c", script},
					}},
				},
			},
		},
	}
}

// buildCleanupJob returns the one-shot job that removes the tenant's
// filestore directory from the shared data volume.
func (c *Client) buildCleanupJob(t *domain.Tenant) *batchv1.Job {
	ttl := int32(600)
	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cleanupJobName(t),
			Namespace: c.namespace,
			Labels:    tenantLabels(t),
		},
		Spec: batchv1.JobSpec{
			TTLSecondsAfterFinished: &ttl,
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "cleanup",
						Image:   "busybox",
						Command: []string{"sh", "-c", "rm -rf /var/lib/app/filestore/" + t.DatabaseName},
						VolumeMounts: []corev1.VolumeMount{{
							Name:      "app-data",
							MountPath: "/var/lib/app",
						}},
					}},
					Volumes: []corev1.Volume{{
						Name: "app-data",
						VolumeSource: corev1.VolumeSource{
							PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
								ClaimName: c.filestorePVC,
							},
						},
					}},
				},
			},
		},
	}
}
