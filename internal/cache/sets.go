package cache

import (
	"context"
	"log/slog"
	"time"
)

// SetAdd adds members to a Redis set. Adding nothing is a no-op.
func (s *Service) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SAdd(ctx, key, members...)
}

// SetRemove removes members from a Redis set. Removing nothing is a no-op.
func (s *Service) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return s.client.SRem(ctx, key, members...)
}

// SetMembers returns the members of a set. Driver failures degrade to an
// empty membership rather than an error.
func (s *Service) SetMembers(ctx context.Context, key string) []string {
	members, err := s.client.SMembers(ctx, key)
	if err != nil {
		slog.Warn("[Cache] SMEMBERS failed", "key", key, "error", err)
		return []string{}
	}
	if members == nil {
		return []string{}
	}
	return members
}

// SetTouch extends a set's TTL. Durations are rounded up to whole seconds
// with a floor of one second.
func (s *Service) SetTouch(ctx context.Context, key string, ttl time.Duration) error {
	return s.client.Expire(ctx, key, TouchSeconds(ttl))
}

// TouchSeconds computes the wire TTL for a touch: max(1, ceil(d/1s)).
func TouchSeconds(d time.Duration) time.Duration {
	secs := d / time.Second
	if d%time.Second != 0 {
		secs++
	}
	if secs < 1 {
		secs = 1
	}
	return secs * time.Second
}
