package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

// PresenceEntry is the per-socket record stored in the tenant presence hash.
type PresenceEntry struct {
	UserID      string    `json:"userId"`
	ConnectedAt time.Time `json:"connectedAt"`
}

func presenceKey(tenantID string) string {
	return "presence:" + tenantID
}

// PresenceSet registers a socket in the tenant's presence hash and arms the
// hash TTL in a single multi command.
func (s *Service) PresenceSet(ctx context.Context, tenantID, socketID string, entry PresenceEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return s.client.HSetEx(ctx, presenceKey(tenantID), socketID, string(data), ttl)
}

// PresenceRemove drops a socket from the tenant's presence hash.
func (s *Service) PresenceRemove(ctx context.Context, tenantID, socketID string) error {
	return s.client.HDel(ctx, presenceKey(tenantID), socketID)
}

// PresenceRefresh extends the presence hash TTL for a tenant. Called by the
// ping scheduler so the hash outlives healthy sockets.
func (s *Service) PresenceRefresh(ctx context.Context, tenantID string, ttl time.Duration) error {
	return s.client.Expire(ctx, presenceKey(tenantID), TouchSeconds(ttl))
}

// PresenceAll returns the live sockets for a tenant. Rows that fail to
// decode are dropped, never surfaced.
func (s *Service) PresenceAll(ctx context.Context, tenantID string) map[string]PresenceEntry {
	out := make(map[string]PresenceEntry)
	fields, err := s.client.HGetAll(ctx, presenceKey(tenantID))
	if err != nil {
		slog.Warn("[Cache] Presence read failed", "tenant", tenantID, "error", err)
		return out
	}
	for socketID, raw := range fields {
		var entry PresenceEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		if entry.UserID == "" {
			continue
		}
		out[socketID] = entry
	}
	return out
}
