package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Stable key and channel names.
const (
	KeyPrefix         = "cache:"
	InvalidateChannel = "cache:invalidate"
)

// envelope is the stored form of every KV entry.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	Codec     string          `json:"codec"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// Service is the cache facade. All methods are tenant-agnostic: callers
// bake tenant scoping into their keys.
type Service struct {
	client RedisClient

	// registry tracks keys seen per logical store so patterns can be
	// invalidated without a Redis SCAN: storeName -> key -> refcount.
	mu       sync.Mutex
	registry map[string]map[string]int

	unsubscribe func()
}

// New creates a cache service over the given driver.
func New(client RedisClient) *Service {
	return &Service{
		client:   client,
		registry: make(map[string]map[string]int),
	}
}

// ============================================================================
// KV
// ============================================================================

// Get loads and decodes a KV entry. It returns ok=false on a missing key,
// a decode failure, an expired entry, or a driver error: a corrupted cache
// entry must never be observable as a partial value.
func Get[T any](s *Service, ctx context.Context, store, key string) (T, bool) {
	var zero T

	s.track(store, key)

	raw, found, err := s.client.Get(ctx, KeyPrefix+key)
	if err != nil || !found {
		return zero, false
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return zero, false
	}
	// Enforce the TTL even when the driver lags behind the clock.
	if !env.ExpiresAt.IsZero() && time.Now().After(env.ExpiresAt) {
		return zero, false
	}

	var value T
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return zero, false
	}
	return value, true
}

// Set stores value under key with the given TTL.
func (s *Service) Set(ctx context.Context, store, key string, value any, ttl time.Duration) error {
	s.track(store, key)

	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Value: data, Codec: "json", ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, KeyPrefix+key, string(env), ttl)
}

// Del removes a key from the driver and the registry.
func (s *Service) Del(ctx context.Context, store, key string) error {
	s.untrack(store, key)
	return s.client.Del(ctx, KeyPrefix+key)
}

// SetNXResult reports the outcome of a SetNX attempt.
type SetNXResult struct {
	Key           string
	AlreadyExists bool
}

// SetNX stores value only when key is absent.
func (s *Service) SetNX(ctx context.Context, store, key string, value any, ttl time.Duration) (SetNXResult, error) {
	s.track(store, key)

	data, err := json.Marshal(value)
	if err != nil {
		return SetNXResult{}, err
	}
	env, err := json.Marshal(envelope{Value: data, Codec: "json", ExpiresAt: time.Now().Add(ttl)})
	if err != nil {
		return SetNXResult{}, err
	}
	acquired, err := s.client.SetNX(ctx, KeyPrefix+key, string(env), ttl)
	if err != nil {
		return SetNXResult{}, err
	}
	return SetNXResult{Key: key, AlreadyExists: !acquired}, nil
}

// SetRaw stores a raw string under an absolute key, bypassing the envelope
// and registry. Used for entries with externally fixed key names.
func (s *Service) SetRaw(ctx context.Context, key, value string, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl)
}

// GetRaw loads a raw string stored with SetRaw. Driver errors read as a miss.
func (s *Service) GetRaw(ctx context.Context, key string) (string, bool) {
	value, found, err := s.client.Get(ctx, key)
	if err != nil || !found {
		return "", false
	}
	return value, true
}

// ============================================================================
// KEY REGISTRY & INVALIDATION
// ============================================================================

func (s *Service) track(store, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys, ok := s.registry[store]
	if !ok {
		keys = make(map[string]int)
		s.registry[store] = keys
	}
	keys[key]++
}

func (s *Service) untrack(store, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if keys, ok := s.registry[store]; ok {
		delete(keys, key)
	}
}

// globToRegexp compiles a glob matcher: '*' becomes '.*', every other
// regex metacharacter is escaped literally.
func globToRegexp(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		if r == '*' {
			b.WriteString(".*")
		} else {
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// InvalidateLocal removes registry entries of a store matching the given
// exact key or glob pattern, deletes the backing keys, and returns the
// number of entries removed. An unregistered store yields 0.
func (s *Service) InvalidateLocal(ctx context.Context, store, matcher string) int {
	re, err := globToRegexp(matcher)
	if err != nil {
		slog.Warn("[Cache] Invalid invalidation pattern", "pattern", matcher, "error", err)
		return 0
	}

	s.mu.Lock()
	keys, ok := s.registry[store]
	if !ok {
		s.mu.Unlock()
		return 0
	}
	var matched []string
	for key := range keys {
		if re.MatchString(key) {
			matched = append(matched, key)
			delete(keys, key)
		}
	}
	s.mu.Unlock()

	if len(matched) > 0 {
		prefixed := make([]string, len(matched))
		for i, k := range matched {
			prefixed[i] = KeyPrefix + k
		}
		if err := s.client.Del(ctx, prefixed...); err != nil {
			slog.Warn("[Cache] Delete during invalidation failed", "store", store, "error", err)
		}
	}
	return len(matched)
}

// invalidateMsg is the cross-node invalidation envelope.
type invalidateMsg struct {
	Store   string `json:"store"`
	Pattern string `json:"pattern"`
}

// Invalidate applies an invalidation locally and fans it out to every
// other node over the well-known invalidation channel.
func (s *Service) Invalidate(ctx context.Context, store, matcher string) (int, error) {
	removed := s.InvalidateLocal(ctx, store, matcher)

	data, err := json.Marshal(invalidateMsg{Store: store, Pattern: matcher})
	if err != nil {
		return removed, err
	}
	if err := s.client.Publish(ctx, InvalidateChannel, data); err != nil {
		return removed, err
	}
	return removed, nil
}

// StartInvalidationListener subscribes this node to the invalidation
// channel so invalidations published elsewhere are applied against the
// local registry.
func (s *Service) StartInvalidationListener(ctx context.Context) error {
	unsub, err := s.client.Subscribe(ctx, InvalidateChannel, func(payload []byte) {
		var msg invalidateMsg
		if err := json.Unmarshal(payload, &msg); err != nil {
			slog.Warn("[Cache] Malformed invalidation message", "error", err)
			return
		}
		s.InvalidateLocal(context.Background(), msg.Store, msg.Pattern)
	})
	if err != nil {
		return err
	}
	s.unsubscribe = unsub
	return nil
}

// Close tears down the invalidation subscription.
func (s *Service) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
}

// ============================================================================
// PUB/SUB
// ============================================================================

// Publish encodes message as JSON and sends it on channel.
func (s *Service) Publish(ctx context.Context, channel string, message any) error {
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.client.Publish(ctx, channel, data)
}

// Subscribe registers a raw-payload handler on channel. Callers decode.
func (s *Service) Subscribe(ctx context.Context, channel string, handler func([]byte)) (func(), error) {
	return s.client.Subscribe(ctx, channel, handler)
}

// ============================================================================
// HEALTH
// ============================================================================

// Health is the driver connectivity report.
type Health struct {
	Connected bool  `json:"connected"`
	LatencyMs int64 `json:"latencyMs"`
}

// CheckHealth pings the driver. Any error or non-PONG reply yields a
// disconnected report.
func (s *Service) CheckHealth(ctx context.Context) Health {
	start := time.Now()
	reply, err := s.client.Ping(ctx)
	if err != nil || reply != "PONG" {
		return Health{Connected: false, LatencyMs: 0}
	}
	latency := time.Since(start).Milliseconds()
	if latency == 0 {
		latency = 1
	}
	return Health{Connected: true, LatencyMs: latency}
}
