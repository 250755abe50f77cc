// Package tenant implements the tenant lifecycle state machine:
// provision, suspend, resume, archive, purge.
package tenant

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/audit"
	"github.com/portalhq/backend/internal/cache"
	"github.com/portalhq/backend/internal/database"
)

// LifecycleChannel carries tenant transition events.
const LifecycleChannel = "tenant:lifecycle"

// Command tags accepted at the boundary.
const (
	CmdProvision = "provision"
	CmdSuspend   = "suspend"
	CmdResume    = "resume"
	CmdArchive   = "archive"
	CmdPurge     = "purge"
)

// namespaceRe validates provision namespaces: lowercase alphanumeric with
// inner hyphens, at least three characters.
var namespaceRe = regexp.MustCompile(`^[a-z][a-z0-9-]*[a-z0-9]$`)

// Event is published on every lifecycle transition.
type Event struct {
	Command  string    `json:"command"`
	TenantID string    `json:"tenantId"`
	Status   string    `json:"status,omitempty"`
	At       time.Time `json:"at"`
}

// Service drives tenant transitions.
type Service struct {
	apps  database.AppStore
	audit *audit.Service
	cache *cache.Service
}

// New builds the lifecycle service.
func New(apps database.AppStore, a *audit.Service, c *cache.Service) *Service {
	return &Service{apps: apps, audit: a, cache: c}
}

// ProvisionInput creates a new tenant.
type ProvisionInput struct {
	Namespace string          `json:"namespace"`
	Name      string          `json:"name"`
	Settings  json.RawMessage `json:"settings,omitempty"`
}

// Provision creates an Active tenant. The namespace must be unique and
// well formed.
func (s *Service) Provision(ctx context.Context, in ProvisionInput) (*database.App, error) {
	if len(in.Namespace) < 3 || !namespaceRe.MatchString(in.Namespace) {
		return nil, apperr.Validation("namespace", "must match ^[a-z][a-z0-9-]*[a-z0-9]$ with length >= 3")
	}
	if in.Name == "" {
		return nil, apperr.Validation("name", "required")
	}

	existing, err := s.apps.GetByNamespace(ctx, in.Namespace)
	if err != nil {
		return nil, apperr.Infra("TenantLookupFailed", err)
	}
	if existing != nil {
		return nil, apperr.Conflict("tenant", "namespace_taken")
	}

	now := time.Now().UTC()
	app := &database.App{
		ID:        uuid.NewString(),
		Namespace: in.Namespace,
		Name:      in.Name,
		Status:    database.AppActive,
		Settings:  in.Settings,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.apps.Insert(ctx, app); err != nil {
		return nil, apperr.Infra("TenantProvisionFailed", err)
	}

	s.emit(ctx, CmdProvision, app.ID, app.Status)
	s.auditLog(ctx, "tenant.provisioned", app.ID, nil, app)
	return app, nil
}

// Suspend moves an Active tenant to Suspended.
func (s *Service) Suspend(ctx context.Context, tenantID string) error {
	return s.transition(ctx, CmdSuspend, tenantID, database.AppSuspended, database.AppActive)
}

// Resume moves a Suspended tenant back to Active.
func (s *Service) Resume(ctx context.Context, tenantID string) error {
	return s.transition(ctx, CmdResume, tenantID, database.AppActive, database.AppSuspended)
}

// Archive moves an Active or Suspended tenant to Archived.
func (s *Service) Archive(ctx context.Context, tenantID string) error {
	return s.transition(ctx, CmdArchive, tenantID, database.AppArchived,
		database.AppActive, database.AppSuspended)
}

// Purge deletes an Archived tenant and every row scoped to it. Terminal
// and irreversible.
func (s *Service) Purge(ctx context.Context, tenantID string) error {
	app, err := s.load(ctx, tenantID)
	if err != nil {
		return err
	}
	if app.Status != database.AppArchived {
		return apperr.Conflict("tenant", "purge requires archived status")
	}

	if err := s.apps.Purge(ctx, tenantID); err != nil {
		return apperr.Infra("TenantPurgeFailed", err)
	}

	// Drop every cached entry for the tenant.
	if _, err := s.cache.Invalidate(ctx, "tenant", tenantID+":*"); err != nil {
		slog.Warn("[Tenant] Cache invalidation after purge failed", "tenant", tenantID, "error", err)
	}

	s.emit(ctx, CmdPurge, tenantID, "")
	s.auditLog(ctx, "tenant.purged", tenantID, app, nil)
	return nil
}

// Apply dispatches a boundary command by tag. Unknown tags are rejected.
func (s *Service) Apply(ctx context.Context, command, tenantID string) error {
	switch command {
	case CmdSuspend:
		return s.Suspend(ctx, tenantID)
	case CmdResume:
		return s.Resume(ctx, tenantID)
	case CmdArchive:
		return s.Archive(ctx, tenantID)
	case CmdPurge:
		return s.Purge(ctx, tenantID)
	default:
		return apperr.Validation("command", "unknown command tag: "+command)
	}
}

func (s *Service) transition(ctx context.Context, command, tenantID, to string, from ...string) error {
	app, err := s.load(ctx, tenantID)
	if err != nil {
		return err
	}

	allowed := false
	for _, f := range from {
		if app.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperr.Conflict("tenant", command+" not allowed from "+app.Status)
	}

	if err := s.apps.UpdateStatus(ctx, tenantID, to); err != nil {
		return apperr.Infra("TenantTransitionFailed", err)
	}

	s.emit(ctx, command, tenantID, to)
	s.auditLog(ctx, "tenant."+command, tenantID, app, &database.App{ID: app.ID, Status: to})
	return nil
}

func (s *Service) load(ctx context.Context, tenantID string) (*database.App, error) {
	if _, err := uuid.Parse(tenantID); err != nil {
		return nil, apperr.Validation("tenantId", "must be a UUID")
	}
	app, err := s.apps.Get(ctx, tenantID)
	if err != nil {
		return nil, apperr.Infra("TenantLookupFailed", err)
	}
	if app == nil {
		return nil, apperr.NotFound("tenant", tenantID)
	}
	return app, nil
}

func (s *Service) emit(ctx context.Context, command, tenantID, status string) {
	e := Event{Command: command, TenantID: tenantID, Status: status, At: time.Now().UTC()}
	if err := s.cache.Publish(ctx, LifecycleChannel, e); err != nil {
		slog.Warn("[Tenant] Lifecycle event publish failed",
			"command", command, "tenant", tenantID, "error", err)
	}
}

func (s *Service) auditLog(ctx context.Context, operation, tenantID string, before, after *database.App) {
	if s.audit == nil {
		return
	}
	opts := audit.Options{SubjectID: tenantID}
	if before != nil {
		opts.Before, _ = json.Marshal(before)
	}
	if after != nil {
		opts.After, _ = json.Marshal(after)
	}
	if err := s.audit.Log(ctx, operation, opts); err != nil {
		slog.Warn("[Tenant] Audit write failed", "operation", operation, "error", err)
	}
}
