// Package audit persists the durable activity trail. Security entries are
// never lost: a failed write lands in the dead-letter queue for replay.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/portalhq/backend/internal/database"
	"github.com/portalhq/backend/internal/requestctx"
)

// defaultTargetType classifies bare operation names.
const defaultTargetType = "security"

// dlqTypePrefix namespaces audit entries in the shared dead-letter queue.
const dlqTypePrefix = "audit."

// Service writes audit entries and replays dead letters.
type Service struct {
	store database.AuditStore
	dlq   database.DeadLetterStore
}

// New builds the audit service.
func New(store database.AuditStore, dlq database.DeadLetterStore) *Service {
	return &Service{store: store, dlq: dlq}
}

// Options carries the optional fields of one audit entry.
type Options struct {
	Before    json.RawMessage
	After     json.RawMessage
	SubjectID string
	Details   json.RawMessage
	Silent    bool
}

// splitOperation resolves "X.Y" into (X, Y). A bare name audits as a
// security operation.
func splitOperation(name string) (targetType, operation string) {
	if i := strings.Index(name, "."); i > 0 && i < len(name)-1 {
		return name[:i], name[i+1:]
	}
	return defaultTargetType, name
}

// Log persists one audit entry. Tenant, user, request id, ip, and agent
// come from the ambient request context. Persistence failures fall through
// to the dead-letter queue unless the entry is an expendable silent event.
func (s *Service) Log(ctx context.Context, name string, opts Options) error {
	rc, _ := requestctx.FromContext(ctx)
	targetType, operation := splitOperation(name)

	entry := &database.AuditEntry{
		ID:           uuid.NewString(),
		AppID:        string(rc.TenantID),
		Operation:    operation,
		TargetType:   targetType,
		TargetID:     opts.SubjectID,
		Details:      opts.Details,
		RequestID:    rc.RequestID,
		ContextIP:    rc.IPAddress,
		ContextAgent: rc.UserAgent,
		Silent:       opts.Silent,
		CreatedAt:    time.Now().UTC(),
	}
	if rc.Session != nil {
		entry.UserID = rc.Session.UserID
	}
	if opts.Before != nil && opts.After != nil {
		entry.Delta = &database.Delta{Old: opts.Before, New: opts.After}
	}

	err := s.store.Insert(ctx, entry)
	if err == nil {
		return nil
	}

	if opts.Silent && targetType != defaultTargetType {
		slog.Debug("[Audit] Dropping best-effort entry after persistence failure",
			"operation", name, "error", err)
		return nil
	}
	return s.deadLetter(ctx, entry, err)
}

func (s *Service) deadLetter(ctx context.Context, entry *database.AuditEntry, cause error) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	dl := &database.DeadLetter{
		ID:          uuid.NewString(),
		Type:        dlqTypePrefix + entry.Operation,
		Payload:     payload,
		ErrorReason: cause.Error(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.dlq.Enqueue(ctx, dl); err != nil {
		slog.Error("[Audit] Dead-letter enqueue failed, entry lost",
			"operation", entry.Operation, "error", err)
		return err
	}
	slog.Warn("[Audit] Entry dead-lettered", "operation", entry.Operation, "cause", cause)
	return nil
}

// ReplayResult summarizes one replay pass.
type ReplayResult struct {
	Replayed int  `json:"replayed"`
	Failed   int  `json:"failed"`
	Skipped  bool `json:"skipped"`
}

// ReplayDeadLetters re-persists up to limit pending audit dead letters.
// Undecodable payloads count as failed and stay queued. An empty queue
// reports skipped.
func (s *Service) ReplayDeadLetters(ctx context.Context, limit int) (ReplayResult, error) {
	pending, err := s.dlq.TakePending(ctx, dlqTypePrefix, limit)
	if err != nil {
		return ReplayResult{}, err
	}
	if len(pending) == 0 {
		return ReplayResult{Skipped: true}, nil
	}

	var result ReplayResult
	for _, dl := range pending {
		var entry database.AuditEntry
		if err := json.Unmarshal(dl.Payload, &entry); err != nil || entry.Operation == "" {
			result.Failed++
			continue
		}
		if err := s.store.Insert(ctx, &entry); err != nil {
			result.Failed++
			continue
		}
		if err := s.dlq.MarkReplayed(ctx, dl.ID, time.Now().UTC()); err != nil {
			slog.Warn("[Audit] Replayed entry could not be marked", "id", dl.ID, "error", err)
		}
		result.Replayed++
	}
	return result, nil
}
