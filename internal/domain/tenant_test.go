package domain

import (
	"strings"
	"testing"
)

func TestNewTenantDerivedFields(t *testing.T) {
	tenant := NewTenant("alice", "example.com")

	if tenant.ID == "" {
		t.Fatalf("expected generated id")
	}
	if tenant.Status != StatusRequested {
		t.Fatalf("expected REQUESTED, got %s", tenant.Status)
	}
	if tenant.DatabaseName != "alice.example.com" {
		t.Fatalf("unexpected database name %q", tenant.DatabaseName)
	}
	if tenant.URL != "https://alice.example.com" {
		t.Fatalf("unexpected url %q", tenant.URL)
	}
	if tenant.Hostname() != "alice.example.com" {
		t.Fatalf("unexpected hostname %q", tenant.Hostname())
	}
	if tenant.ActivatedAt != nil {
		t.Fatalf("expected nil activatedAt on a new tenant")
	}
}

func TestValidateSubdomain(t *testing.T) {
	valid := []string{"a", "acme", "acme-corp", "a1", "1a", "x0-y9"}
	for _, s := range valid {
		if err := ValidateSubdomain(s); err != nil {
			t.Fatalf("expected %q to be valid: %v", s, err)
		}
	}
	if err := ValidateSubdomain(strings.Repeat("a", 63)); err != nil {
		t.Fatalf("expected 63-char label to be valid: %v", err)
	}

	invalid := []string{
		"",
		"-acme",
		"acme-",
		"Acme",
		"acme corp",
		"acme.corp",
		"acme_corp",
		strings.Repeat("a", 64),
	}
	for _, s := range invalid {
		if err := ValidateSubdomain(s); err == nil {
			t.Fatalf("expected %q to be rejected", s)
		}
	}
}

func TestStatusInProgress(t *testing.T) {
	inProgress := []TenantStatus{StatusRequested, StatusDNSCreating, StatusK8sCreating, StatusCertPending, StatusDBInitializing}
	for _, s := range inProgress {
		if !s.InProgress() {
			t.Fatalf("expected %s to be in progress", s)
		}
	}
	settled := []TenantStatus{StatusActive, StatusFailed, StatusDeleting, StatusDeleted}
	for _, s := range settled {
		if s.InProgress() {
			t.Fatalf("expected %s to not be in progress", s)
		}
	}
}
