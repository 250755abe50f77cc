package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryClient is an in-process RedisClient used by tests and by local
// development when no REDIS_URL is configured. TTLs are enforced lazily on
// read. Pub/sub delivery is synchronous and FIFO per subscriber.
type MemoryClient struct {
	mu sync.Mutex

	strings map[string]memEntry
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	expiry  map[string]time.Time

	subs   map[string][]*memSub
	nextID int

	// Now lets tests control the clock. Defaults to time.Now.
	Now func() time.Time
}

type memEntry struct {
	value string
}

type memSub struct {
	id      int
	handler func([]byte)
}

// NewMemoryClient builds an empty in-memory client.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		strings: make(map[string]memEntry),
		hashes:  make(map[string]map[string]string),
		sets:    make(map[string]map[string]struct{}),
		expiry:  make(map[string]time.Time),
		subs:    make(map[string][]*memSub),
		Now:     time.Now,
	}
}

// expired reports and reaps a lapsed key. Caller holds the lock.
func (c *MemoryClient) expired(key string) bool {
	deadline, ok := c.expiry[key]
	if !ok || c.Now().Before(deadline) {
		return false
	}
	delete(c.strings, key)
	delete(c.hashes, key)
	delete(c.sets, key)
	delete(c.expiry, key)
	return true
}

func (c *MemoryClient) arm(key string, ttl time.Duration) {
	if ttl > 0 {
		c.expiry[key] = c.Now().Add(ttl)
	} else {
		delete(c.expiry, key)
	}
}

func (c *MemoryClient) Get(_ context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		return "", false, nil
	}
	entry, ok := c.strings[key]
	if !ok {
		return "", false, nil
	}
	return entry.value, true, nil
}

func (c *MemoryClient) Set(_ context.Context, key, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.strings[key] = memEntry{value: value}
	c.arm(key, ttl)
	return nil
}

func (c *MemoryClient) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.expired(key) {
		if _, exists := c.strings[key]; exists {
			return false, nil
		}
	}
	c.strings[key] = memEntry{value: value}
	c.arm(key, ttl)
	return true, nil
}

func (c *MemoryClient) Del(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, key := range keys {
		delete(c.strings, key)
		delete(c.hashes, key)
		delete(c.sets, key)
		delete(c.expiry, key)
	}
	return nil
}

func (c *MemoryClient) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		return map[string]string{}, nil
	}
	out := make(map[string]string, len(c.hashes[key]))
	for f, v := range c.hashes[key] {
		out[f] = v
	}
	return out, nil
}

func (c *MemoryClient) HSet(_ context.Context, key, field, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired(key)
	if c.hashes[key] == nil {
		c.hashes[key] = make(map[string]string)
	}
	c.hashes[key][field] = value
	return nil
}

func (c *MemoryClient) HDel(_ context.Context, key string, fields ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.hashes[key]; ok {
		for _, f := range fields {
			delete(h, f)
		}
		if len(h) == 0 {
			delete(c.hashes, key)
			delete(c.expiry, key)
		}
	}
	return nil
}

func (c *MemoryClient) HSetEx(_ context.Context, key, field, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired(key)
	if c.hashes[key] == nil {
		c.hashes[key] = make(map[string]string)
	}
	c.hashes[key][field] = value
	c.arm(key, ttl)
	return nil
}

func (c *MemoryClient) SAdd(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expired(key)
	if c.sets[key] == nil {
		c.sets[key] = make(map[string]struct{})
	}
	for _, m := range members {
		c.sets[key][m] = struct{}{}
	}
	return nil
}

func (c *MemoryClient) SRem(_ context.Context, key string, members ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if set, ok := c.sets[key]; ok {
		for _, m := range members {
			delete(set, m)
		}
		if len(set) == 0 {
			delete(c.sets, key)
			delete(c.expiry, key)
		}
	}
	return nil
}

func (c *MemoryClient) SMembers(_ context.Context, key string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		return nil, nil
	}
	out := make([]string, 0, len(c.sets[key]))
	for m := range c.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (c *MemoryClient) Expire(_ context.Context, key string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expired(key) {
		return nil
	}
	c.arm(key, ttl)
	return nil
}

func (c *MemoryClient) Ping(_ context.Context) (string, error) {
	return "PONG", nil
}

func (c *MemoryClient) Publish(_ context.Context, channel string, payload []byte) error {
	c.mu.Lock()
	subs := append([]*memSub(nil), c.subs[channel]...)
	c.mu.Unlock()

	// Deliver outside the lock so handlers may call back into the client.
	msg := append([]byte(nil), payload...)
	for _, sub := range subs {
		sub.handler(msg)
	}
	return nil
}

func (c *MemoryClient) Subscribe(_ context.Context, channel string, handler func([]byte)) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	sub := &memSub{id: c.nextID, handler: handler}
	c.subs[channel] = append(c.subs[channel], sub)

	id := sub.id
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		subs := c.subs[channel]
		for i, s := range subs {
			if s.id == id {
				c.subs[channel] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}, nil
}
