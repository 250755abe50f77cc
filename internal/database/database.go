// Package database declares the SQL persistence boundary. The platform
// only ever touches storage through the Database interface, so the concrete
// engine (Postgres in production, Memory in tests) is swappable without
// recompiling consumers.
package database

import (
	"context"
	"encoding/json"
	"time"
)

// Database is the repository root handed to services.
type Database interface {
	Apps() AppStore
	Audit() AuditStore
	JobDLQ() DeadLetterStore
	Jobs() JobStore
	Observability() ObservabilityStore
	KVStore() KVStore
}

// ============================================================================
// APPS (tenant records)
// ============================================================================

// App lifecycle statuses.
const (
	AppActive    = "active"
	AppSuspended = "suspended"
	AppArchived  = "archived"
)

// App is one tenant's registration record.
type App struct {
	ID        string
	Namespace string
	Name      string
	Status    string
	Settings  json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKey is a hashed tenant credential: the key ID is public, only the
// bcrypt hash of the secret is stored.
type APIKey struct {
	KeyID     string
	AppID     string
	Name      string
	KeyHash   string
	IsActive  bool
	ExpiresAt *time.Time
	CreatedAt time.Time
}

type AppStore interface {
	Get(ctx context.Context, id string) (*App, error)
	GetByNamespace(ctx context.Context, namespace string) (*App, error)
	Insert(ctx context.Context, app *App) error
	UpdateStatus(ctx context.Context, id, status string) error
	// Purge removes the app and cascades over all tenant-scoped rows.
	Purge(ctx context.Context, id string) error

	GetAPIKey(ctx context.Context, keyID string) (*APIKey, error)
	InsertAPIKey(ctx context.Context, key *APIKey) error
}

// ============================================================================
// AUDIT
// ============================================================================

// Delta records the before/after images of a mutation.
type Delta struct {
	Old json.RawMessage `json:"old"`
	New json.RawMessage `json:"new"`
}

// AuditEntry is one durable audit record.
type AuditEntry struct {
	ID           string          `json:"id"`
	AppID        string          `json:"appId"`
	UserID       string          `json:"userId"`
	Operation    string          `json:"operation"`
	TargetType   string          `json:"targetType"`
	TargetID     string          `json:"targetId"`
	Delta        *Delta          `json:"delta,omitempty"`
	Details      json.RawMessage `json:"details,omitempty"`
	ContextIP    string          `json:"contextIp"`
	ContextAgent string          `json:"contextAgent"`
	RequestID    string          `json:"requestId"`
	Silent       bool            `json:"silent"`
	CreatedAt    time.Time       `json:"createdAt"`
}

type AuditStore interface {
	Insert(ctx context.Context, entry *AuditEntry) error
}

// ============================================================================
// DEAD LETTERS
// ============================================================================

// DeadLetter is a message that could not be processed, kept for replay.
type DeadLetter struct {
	ID          string
	Type        string
	Payload     json.RawMessage
	ErrorReason string
	CreatedAt   time.Time
	ReplayedAt  *time.Time
}

type DeadLetterStore interface {
	Enqueue(ctx context.Context, dl *DeadLetter) error
	// TakePending returns up to limit unreplayed entries whose type has the
	// given prefix, oldest first.
	TakePending(ctx context.Context, typePrefix string, limit int) ([]*DeadLetter, error)
	MarkReplayed(ctx context.Context, id string, at time.Time) error
	Size(ctx context.Context) (int, error)
}

// ============================================================================
// JOBS & OBSERVABILITY (depth probes)
// ============================================================================

type JobStore interface {
	QueueDepth(ctx context.Context) (int, error)
}

type ObservabilityStore interface {
	OutboxDepth(ctx context.Context) (int, error)
	// IOPressure is an aggregate 0..N load figure sampled by the health
	// poller.
	IOPressure(ctx context.Context) (float64, error)
}

// ============================================================================
// KV STORE
// ============================================================================

// KVStore is a small durable key/value table used for breaker state and
// poller alert state.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
