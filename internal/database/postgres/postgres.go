// Package postgres implements the database.Database boundary on top of
// database/sql with the lib/pq driver.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // Postgres driver

	"github.com/portalhq/backend/internal/database"
)

// DB wraps a sql.DB pool and exposes the repository root.
type DB struct {
	pool *sql.DB
}

// Open connects using a DATABASE_URL-style DSN and verifies connectivity.
func Open(ctx context.Context, dsn string) (*DB, error) {
	pool, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	pool.SetMaxOpenConns(20)
	pool.SetMaxIdleConns(5)
	pool.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.PingContext(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &DB{pool: pool}, nil
}

func (db *DB) Close() error { return db.pool.Close() }

func (db *DB) Apps() database.AppStore                    { return &appStore{db.pool} }
func (db *DB) Audit() database.AuditStore                 { return &auditStore{db.pool} }
func (db *DB) JobDLQ() database.DeadLetterStore           { return &dlqStore{db.pool} }
func (db *DB) Jobs() database.JobStore                    { return &jobStore{db.pool} }
func (db *DB) Observability() database.ObservabilityStore { return &obsStore{db.pool} }
func (db *DB) KVStore() database.KVStore                  { return &kvStore{db.pool} }

// ============================================================================
// APPS
// ============================================================================

type appStore struct{ pool *sql.DB }

const appColumns = "id, namespace, name, status, settings, created_at, updated_at"

func scanApp(row *sql.Row) (*database.App, error) {
	var app database.App
	var settings []byte
	err := row.Scan(&app.ID, &app.Namespace, &app.Name, &app.Status, &settings,
		&app.CreatedAt, &app.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	app.Settings = json.RawMessage(settings)
	return &app, nil
}

func (s *appStore) Get(ctx context.Context, id string) (*database.App, error) {
	return scanApp(s.pool.QueryRowContext(ctx,
		"SELECT "+appColumns+" FROM apps WHERE id = $1", id))
}

func (s *appStore) GetByNamespace(ctx context.Context, namespace string) (*database.App, error) {
	return scanApp(s.pool.QueryRowContext(ctx,
		"SELECT "+appColumns+" FROM apps WHERE namespace = $1", namespace))
}

func (s *appStore) Insert(ctx context.Context, app *database.App) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO apps (id, namespace, name, status, settings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.Namespace, app.Name, app.Status, []byte(app.Settings),
		app.CreatedAt, app.UpdatedAt)
	return err
}

func (s *appStore) UpdateStatus(ctx context.Context, id, status string) error {
	res, err := s.pool.ExecContext(ctx,
		"UPDATE apps SET status = $2, updated_at = now() WHERE id = $1", id, status)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("app %s not found", id)
	}
	return nil
}

func (s *appStore) Purge(ctx context.Context, id string) error {
	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Cascading delete of all tenant-scoped rows.
	for _, q := range []string{
		"DELETE FROM audit WHERE app_id = $1",
		"DELETE FROM api_keys WHERE app_id = $1",
		"DELETE FROM jobs WHERE app_id = $1",
		"DELETE FROM apps WHERE id = $1",
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return fmt.Errorf("purge %s: %w", id, err)
		}
	}
	return tx.Commit()
}

func (s *appStore) GetAPIKey(ctx context.Context, keyID string) (*database.APIKey, error) {
	var key database.APIKey
	err := s.pool.QueryRowContext(ctx,
		`SELECT key_id, app_id, name, key_hash, is_active, expires_at, created_at
		 FROM api_keys WHERE key_id = $1`, keyID).
		Scan(&key.KeyID, &key.AppID, &key.Name, &key.KeyHash, &key.IsActive,
			&key.ExpiresAt, &key.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

func (s *appStore) InsertAPIKey(ctx context.Context, key *database.APIKey) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO api_keys (key_id, app_id, name, key_hash, is_active, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.KeyID, key.AppID, key.Name, key.KeyHash, key.IsActive, key.ExpiresAt, key.CreatedAt)
	return err
}

// ============================================================================
// AUDIT
// ============================================================================

type auditStore struct{ pool *sql.DB }

func (s *auditStore) Insert(ctx context.Context, e *database.AuditEntry) error {
	var delta []byte
	if e.Delta != nil {
		var err error
		delta, err = json.Marshal(e.Delta)
		if err != nil {
			return fmt.Errorf("marshal delta: %w", err)
		}
	}
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO audit (id, app_id, user_id, operation, target_type, target_id,
		                    delta, details, context_ip, context_agent, request_id, silent, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		e.ID, e.AppID, e.UserID, e.Operation, e.TargetType, e.TargetID,
		delta, []byte(e.Details), e.ContextIP, e.ContextAgent, e.RequestID, e.Silent, e.CreatedAt)
	return err
}

// ============================================================================
// DEAD LETTERS
// ============================================================================

type dlqStore struct{ pool *sql.DB }

func (s *dlqStore) Enqueue(ctx context.Context, dl *database.DeadLetter) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO job_dlq (id, type, payload, error_reason, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		dl.ID, dl.Type, []byte(dl.Payload), dl.ErrorReason, dl.CreatedAt)
	return err
}

func (s *dlqStore) TakePending(ctx context.Context, typePrefix string, limit int) ([]*database.DeadLetter, error) {
	rows, err := s.pool.QueryContext(ctx,
		`SELECT id, type, payload, error_reason, created_at, replayed_at
		 FROM job_dlq
		 WHERE replayed_at IS NULL AND type LIKE $1 || '%'
		 ORDER BY created_at ASC
		 LIMIT $2`, typePrefix, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*database.DeadLetter
	for rows.Next() {
		var dl database.DeadLetter
		var payload []byte
		if err := rows.Scan(&dl.ID, &dl.Type, &payload, &dl.ErrorReason,
			&dl.CreatedAt, &dl.ReplayedAt); err != nil {
			return nil, err
		}
		dl.Payload = json.RawMessage(payload)
		out = append(out, &dl)
	}
	return out, rows.Err()
}

func (s *dlqStore) MarkReplayed(ctx context.Context, id string, at time.Time) error {
	res, err := s.pool.ExecContext(ctx,
		"UPDATE job_dlq SET replayed_at = $2 WHERE id = $1", id, at)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("dead letter %s not found", id)
	}
	return nil
}

func (s *dlqStore) Size(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRowContext(ctx,
		"SELECT count(*) FROM job_dlq WHERE replayed_at IS NULL").Scan(&n)
	return n, err
}

// ============================================================================
// JOBS & OBSERVABILITY
// ============================================================================

type jobStore struct{ pool *sql.DB }

func (s *jobStore) QueueDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRowContext(ctx,
		"SELECT count(*) FROM jobs WHERE status = 'pending'").Scan(&n)
	return n, err
}

type obsStore struct{ pool *sql.DB }

func (s *obsStore) OutboxDepth(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRowContext(ctx,
		"SELECT count(*) FROM event_outbox WHERE published_at IS NULL").Scan(&n)
	return n, err
}

func (s *obsStore) IOPressure(ctx context.Context) (float64, error) {
	var v sql.NullFloat64
	err := s.pool.QueryRowContext(ctx,
		`SELECT coalesce(extract(epoch FROM avg(now() - query_start)), 0)
		 FROM pg_stat_activity WHERE state = 'active'`).Scan(&v)
	return v.Float64, err
}

// ============================================================================
// KV STORE
// ============================================================================

type kvStore struct{ pool *sql.DB }

func (s *kvStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.pool.QueryRowContext(ctx,
		"SELECT value FROM kv_store WHERE key = $1", key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (s *kvStore) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.pool.ExecContext(ctx,
		`INSERT INTO kv_store (key, value, updated_at) VALUES ($1, $2, now())
		 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = now()`,
		key, value)
	return err
}

func (s *kvStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.ExecContext(ctx, "DELETE FROM kv_store WHERE key = $1", key)
	return err
}
