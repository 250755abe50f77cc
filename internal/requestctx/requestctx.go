// Package requestctx provides the ambient per-request state that every
// handler and background worker consumes: tenant, correlation IDs, session,
// cluster placement, and rate-limit budget.
//
// The context is a value carried on context.Context, so propagation across
// goroutines is automatic as long as callers pass ctx down the call graph.
// Branches derive child contexts via Within; a child never escapes the
// operation it was created for.
package requestctx

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/portalhq/backend/internal/apperr"
)

// TenantID is a 128-bit tenant identifier in UUID text form.
type TenantID string

// Sentinel tenants. Unspecified is a deny sentinel: any scoped read or
// write observing it must fail. System marks background work that crosses
// tenants deliberately.
const (
	UnspecifiedTenant TenantID = "00000000-0000-0000-0000-000000000000"
	SystemTenant      TenantID = "00000000-0000-0000-0000-000000000001"
)

// Stable header and field names.
const (
	HeaderRequestID          = "x-request-id"
	HeaderTenantID           = "x-tenant-id"
	HeaderAppID              = "x-app-id"
	HeaderSessionID          = "x-session-id"
	HeaderRateLimitLimit     = "x-ratelimit-limit"
	HeaderRateLimitRemaining = "x-ratelimit-remaining"
	HeaderRateLimitReset     = "x-ratelimit-reset"
	HeaderCSRF               = "x-requested-with"
	HeaderIdempotencyKey     = "Idempotency-Key"
)

// Session identifies the authenticated caller.
type Session struct {
	ID         string
	UserID     string
	AppID      TenantID
	MFAEnabled bool
	VerifiedAt *time.Time
}

// Cluster describes the entity placement of a cluster-hosted handler.
type Cluster struct {
	EntityID   string
	EntityType string
	RunnerID   string
	ShardID    string
	IsLeader   bool
}

// RateLimit is the remaining request budget attached by the rate limiter.
type RateLimit struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Delay      time.Duration
}

// Circuit is set by the resilience layer so child spans can annotate the
// breaker protecting the current call.
type Circuit struct {
	Name  string
	State string
}

// RequestContext is the immutable ambient state of one request or one unit
// of background work.
type RequestContext struct {
	TenantID     TenantID
	RequestID    string
	Session      *Session
	Cluster      *Cluster
	RateLimit    *RateLimit
	IPAddress    string
	UserAgent    string
	AppNamespace string
	Circuit      *Circuit
}

type ctxKey struct{}

// With attaches rc to ctx. Callers normally go through Within or the HTTP
// ingress middleware instead.
func With(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the ambient request context, if one was established.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

// Current returns the ambient request context. When none was established it
// returns a deny-sentinel context so scope checks fail closed.
func Current(ctx context.Context) RequestContext {
	if rc, ok := FromContext(ctx); ok {
		return rc
	}
	return RequestContext{TenantID: UnspecifiedTenant}
}

// CurrentTenantID returns the tenant of the ambient context.
func CurrentTenantID(ctx context.Context) TenantID {
	return Current(ctx).TenantID
}

// System produces a well-formed default context for background work.
// Session, cluster, rate limit and network attributes are all absent.
func System(requestID string, tenant TenantID) RequestContext {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if tenant == "" {
		tenant = SystemTenant
	}
	return RequestContext{TenantID: tenant, RequestID: requestID}
}

// Within runs op under a child context scoped to tenant. overrides supplies
// the remaining fields and defaults to System(). The child context does not
// escape op: the parent ctx is unchanged when Within returns.
func Within(ctx context.Context, tenant TenantID, overrides *RequestContext, op func(context.Context) error) error {
	if tenant == "" || tenant == UnspecifiedTenant {
		return apperr.Forbidden("tenant scope denied: unspecified tenant")
	}

	child := System("", tenant)
	if overrides != nil {
		child = *overrides
	}
	child.TenantID = tenant
	if child.RequestID == "" {
		child.RequestID = uuid.NewString()
	}

	return op(With(ctx, child))
}

// WithinCluster runs op with cluster placement info attached to the ambient
// context. ClusterState observes info for the duration of op only.
func WithinCluster(ctx context.Context, info Cluster, op func(context.Context) error) error {
	rc := Current(ctx)
	rc.Cluster = &info
	return op(With(ctx, rc))
}

// SessionFrom returns the ambient session, when present.
func SessionFrom(ctx context.Context) (*Session, bool) {
	s := Current(ctx).Session
	return s, s != nil
}

// SessionOrFail returns the ambient session or an Auth error when absent.
func SessionOrFail(ctx context.Context) (*Session, error) {
	if s, ok := SessionFrom(ctx); ok {
		return s, nil
	}
	return nil, apperr.Auth("Missing session")
}

// ClusterState returns the ambient cluster info; handlers outside a
// cluster-hosted entity observe an infra error.
func ClusterState(ctx context.Context) (*Cluster, error) {
	if c := Current(ctx).Cluster; c != nil {
		return c, nil
	}
	return nil, apperr.Infra("ClusterContextRequired", nil)
}

// ToAttrs flattens the correlation attributes of ctx for telemetry.
// session.id and user.id are deliberately excluded: they are PII-sensitive
// and only emitted by explicit call sites.
func ToAttrs(ctx context.Context) map[string]string {
	rc := Current(ctx)
	attrs := map[string]string{
		"request.id": rc.RequestID,
		"tenant.id":  string(rc.TenantID),
	}
	if rc.Session != nil {
		attrs["session.mfa"] = strconv.FormatBool(rc.Session.MFAEnabled)
	}
	if rc.Circuit != nil {
		attrs["circuit.name"] = rc.Circuit.Name
		attrs["circuit.state"] = rc.Circuit.State
	}
	if rc.Cluster != nil {
		attrs["cluster.entity_type"] = rc.Cluster.EntityType
	}
	return attrs
}

// WithCircuit derives a context whose ambient state records the breaker
// protecting the current call. Used by the resilience layer.
func WithCircuit(ctx context.Context, name, state string) context.Context {
	rc := Current(ctx)
	rc.Circuit = &Circuit{Name: name, State: state}
	return With(ctx, rc)
}
