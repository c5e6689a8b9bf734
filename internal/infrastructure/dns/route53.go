package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/route53"
	"github.com/aws/aws-sdk-go/service/route53/route53iface"
	"github.com/khartoum/tenantforge/internal/observability/metrics"
	"github.com/khartoum/tenantforge/internal/reliability/circuitbreaker"
	"github.com/khartoum/tenantforge/internal/reliability/poll"
	"github.com/khartoum/tenantforge/internal/reliability/retry"
	"github.com/khartoum/tenantforge/pkg/cache"
)

const (
	recordTTL      = 300
	existsCacheTTL = 30 * time.Second
)

// Route53Registrar manages tenant CNAME records in a Route53 hosted zone.
// All records point at the ingress load balancer target.
type Route53Registrar struct {
	api                 route53iface.Route53API
	hostedZoneID        string
	lbTarget            string
	logger              *slog.Logger
	breaker             *circuitbreaker.CircuitBreaker
	retryCfg            *retry.Config
	existsCache         *cache.Cache
	propagationAttempts int
	propagationInterval time.Duration
}

// Options configures a Route53Registrar.
type Options struct {
	HostedZoneID        string
	LoadBalancerDNS     string
	PropagationAttempts int
	PropagationInterval time.Duration
}

// NewRoute53Registrar creates a registrar client against AWS. A missing
// hosted zone id is a configuration error; the load balancer target is
// validated at first use instead, matching the operation contract.
func NewRoute53Registrar(opts Options, logger *slog.Logger) (*Route53Registrar, error) {
	if opts.HostedZoneID == "" {
		return nil, fmt.Errorf("ROUTE53_HOSTED_ZONE_ID is not configured")
	}
	sess, err := session.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create aws session: %w", err)
	}
	return newRegistrar(route53.New(sess), opts, logger), nil
}

func newRegistrar(api route53iface.Route53API, opts Options, logger *slog.Logger) *Route53Registrar {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PropagationAttempts <= 0 {
		opts.PropagationAttempts = 30
	}
	if opts.PropagationInterval <= 0 {
		opts.PropagationInterval = 10 * time.Second
	}

	cb := circuitbreaker.NewCircuitBreaker(5, 2, 30)
	cb.SetStateChangeCallback(func(from, to circuitbreaker.State) {
		logger.Warn("route53 circuit breaker state changed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
		)
	})

	return &Route53Registrar{
		api:                 api,
		hostedZoneID:        opts.HostedZoneID,
		lbTarget:            opts.LoadBalancerDNS,
		logger:              logger,
		breaker:             cb,
		retryCfg:            retry.DefaultConfig(),
		existsCache:         cache.New(),
		propagationAttempts: opts.PropagationAttempts,
		propagationInterval: opts.PropagationInterval,
	}
}

// fqdn normalizes a hostname to the trailing-dot form Route53 uses as a key.
func fqdn(subdomain, domain string) string {
	name := subdomain + "." + domain
	if !strings.HasSuffix(name, ".") {
		name += "."
	}
	return name
}

// Upsert creates or replaces the CNAME record for a tenant hostname. The
// operation is safe to repeat: an existing record with the same target is
// simply rewritten.
func (r *Route53Registrar) Upsert(ctx context.Context, subdomain, domain string) error {
	target, err := r.loadBalancerTarget()
	if err != nil {
		return err
	}
	if !r.breaker.AllowRequest() {
		return fmt.Errorf("route53 temporarily unavailable (circuit breaker open)")
	}

	name := fqdn(subdomain, domain)
	input := &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.hostedZoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{{
				Action:            aws.String(route53.ChangeActionUpsert),
				ResourceRecordSet: r.recordSet(name, target),
			}},
		},
	}
	// Upserts are idempotent, so transient registrar errors are retried.
	out, err := retry.Do(ctx, r.retryCfg, r.logger, "route53 upsert "+name,
		func(ctx context.Context) (*route53.ChangeResourceRecordSetsOutput, error) {
			return r.api.ChangeResourceRecordSetsWithContext(ctx, input)
		})
	if err != nil {
		r.breaker.RecordFailure()
		metrics.ObserveDNSChange("upsert", "error")
		return fmt.Errorf("failed to upsert dns record %s: %w", name, err)
	}
	r.breaker.RecordSuccess()
	metrics.ObserveDNSChange("upsert", "success")
	r.existsCache.Delete(name)

	r.logger.Info("dns record upserted",
		slog.String("fqdn", name),
		slog.String("target", target),
		slog.String("change_id", aws.StringValue(out.ChangeInfo.Id)),
	)

	r.waitForChange(ctx, aws.StringValue(out.ChangeInfo.Id))
	return nil
}

// Delete removes the tenant's CNAME record. The exact current record is
// looked up first so the change batch matches name, type, ttl and value; a
// missing record, or one that vanishes between lookup and delete, is a
// successful no-op.
func (r *Route53Registrar) Delete(ctx context.Context, subdomain, domain string) error {
	name := fqdn(subdomain, domain)

	existing, err := r.lookup(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to look up dns record %s: %w", name, err)
	}
	if existing == nil {
		r.logger.Info("dns record not found, nothing to delete", slog.String("fqdn", name))
		return nil
	}

	if !r.breaker.AllowRequest() {
		return fmt.Errorf("route53 temporarily unavailable (circuit breaker open)")
	}

	_, err = r.api.ChangeResourceRecordSetsWithContext(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(r.hostedZoneID),
		ChangeBatch: &route53.ChangeBatch{
			Changes: []*route53.Change{{
				Action:            aws.String(route53.ChangeActionDelete),
				ResourceRecordSet: existing,
			}},
		},
	})
	if err != nil {
		// The record disappearing between lookup and delete surfaces as an
		// invalid change batch; that race resolves to the desired state.
		var aerr awserr.Error
		if errors.As(err, &aerr) && aerr.Code() == route53.ErrCodeInvalidChangeBatch {
			r.logger.Warn("dns record vanished before delete", slog.String("fqdn", name))
			metrics.ObserveDNSChange("delete", "noop")
			return nil
		}
		r.breaker.RecordFailure()
		metrics.ObserveDNSChange("delete", "error")
		return fmt.Errorf("failed to delete dns record %s: %w", name, err)
	}
	r.breaker.RecordSuccess()
	metrics.ObserveDNSChange("delete", "success")
	r.existsCache.Delete(name)

	r.logger.Info("dns record deleted", slog.String("fqdn", name))
	return nil
}

// Exists reports whether the tenant's CNAME record is present. Results are
// cached briefly since the registrar list call is slow and rate limited.
func (r *Route53Registrar) Exists(ctx context.Context, subdomain, domain string) (bool, error) {
	name := fqdn(subdomain, domain)
	if v, ok := r.existsCache.Get(name); ok {
		return v.(bool), nil
	}

	rrs, err := r.lookup(ctx, name)
	if err != nil {
		return false, err
	}
	exists := rrs != nil
	r.existsCache.Set(name, exists, existsCacheTTL)
	return exists, nil
}

// lookup returns the exact CNAME record set for name, or nil if absent.
func (r *Route53Registrar) lookup(ctx context.Context, name string) (*route53.ResourceRecordSet, error) {
	out, err := r.api.ListResourceRecordSetsWithContext(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(r.hostedZoneID),
		StartRecordName: aws.String(name),
		StartRecordType: aws.String(route53.RRTypeCname),
		MaxItems:        aws.String("1"),
	})
	if err != nil {
		return nil, err
	}
	for _, rrs := range out.ResourceRecordSets {
		if aws.StringValue(rrs.Name) == name && aws.StringValue(rrs.Type) == route53.RRTypeCname {
			return rrs, nil
		}
	}
	return nil, nil
}

// waitForChange polls the change status until INSYNC or attempts run out.
// Propagation is eventually consistent, so exhaustion is logged rather than
// escalated; the workflow must not fail a tenant over registrar lag.
func (r *Route53Registrar) waitForChange(ctx context.Context, changeID string) {
	if changeID == "" {
		return
	}
	synced, err := poll.Attempts(ctx, r.propagationInterval, r.propagationAttempts, func(ctx context.Context) (bool, error) {
		out, err := r.api.GetChangeWithContext(ctx, &route53.GetChangeInput{Id: aws.String(changeID)})
		if err != nil {
			return false, err
		}
		return aws.StringValue(out.ChangeInfo.Status) == route53.ChangeStatusInsync, nil
	})
	if err != nil {
		r.logger.Warn("dns change status check failed",
			slog.String("change_id", changeID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !synced {
		r.logger.Warn("dns change did not propagate within bound", slog.String("change_id", changeID))
		return
	}
	r.logger.Debug("dns change propagated", slog.String("change_id", changeID))
}

func (r *Route53Registrar) recordSet(name, target string) *route53.ResourceRecordSet {
	return &route53.ResourceRecordSet{
		Name: aws.String(name),
		Type: aws.String(route53.RRTypeCname),
		TTL:  aws.Int64(recordTTL),
		ResourceRecords: []*route53.ResourceRecord{
			{Value: aws.String(target)},
		},
	}
}

func (r *Route53Registrar) loadBalancerTarget() (string, error) {
	if r.lbTarget == "" {
		return "", fmt.Errorf("load balancer DNS target not configured: set INGRESS_LB_DNS")
	}
	return r.lbTarget, nil
}
