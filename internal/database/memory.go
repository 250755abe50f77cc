package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Database used by tests and by local development
// when no DATABASE_URL is configured.
type Memory struct {
	mu sync.RWMutex

	apps    map[string]*App
	apiKeys map[string]*APIKey
	audit   []*AuditEntry
	dlq     []*DeadLetter
	kv      map[string][]byte

	jobDepth    int
	outboxDepth int
	ioPressure  float64

	// Failure injection for tests.
	FailAudit bool
	FailKV    bool
}

func NewMemory() *Memory {
	return &Memory{
		apps:    make(map[string]*App),
		apiKeys: make(map[string]*APIKey),
		kv:      make(map[string][]byte),
	}
}

func (m *Memory) Apps() AppStore                    { return (*memApps)(m) }
func (m *Memory) Audit() AuditStore                 { return (*memAudit)(m) }
func (m *Memory) JobDLQ() DeadLetterStore           { return (*memDLQ)(m) }
func (m *Memory) Jobs() JobStore                    { return (*memJobs)(m) }
func (m *Memory) Observability() ObservabilityStore { return (*memObs)(m) }
func (m *Memory) KVStore() KVStore                  { return (*memKV)(m) }

// SetDepths seeds the probe figures observed by the poller.
func (m *Memory) SetDepths(jobs, outbox int, io float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobDepth, m.outboxDepth, m.ioPressure = jobs, outbox, io
}

// AuditEntries returns a snapshot of persisted audit rows.
func (m *Memory) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*AuditEntry(nil), m.audit...)
}

// DeadLetters returns a snapshot of the dead-letter queue.
func (m *Memory) DeadLetters() []*DeadLetter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*DeadLetter(nil), m.dlq...)
}

// ---------------------------------------------------------------------------

type memApps Memory

func (s *memApps) Get(_ context.Context, id string) (*App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	app, ok := s.apps[id]
	if !ok {
		return nil, nil
	}
	cp := *app
	return &cp, nil
}

func (s *memApps) GetByNamespace(_ context.Context, namespace string) (*App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, app := range s.apps {
		if app.Namespace == namespace {
			cp := *app
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memApps) Insert(_ context.Context, app *App) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.apps[app.ID]; exists {
		return fmt.Errorf("app %s already exists", app.ID)
	}
	cp := *app
	s.apps[app.ID] = &cp
	return nil
}

func (s *memApps) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	app, ok := s.apps[id]
	if !ok {
		return fmt.Errorf("app %s not found", id)
	}
	app.Status = status
	app.UpdatedAt = time.Now()
	return nil
}

func (s *memApps) Purge(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.apps, id)
	for keyID, key := range s.apiKeys {
		if key.AppID == id {
			delete(s.apiKeys, keyID)
		}
	}
	kept := s.audit[:0]
	for _, e := range s.audit {
		if e.AppID != id {
			kept = append(kept, e)
		}
	}
	s.audit = kept
	return nil
}

func (s *memApps) GetAPIKey(_ context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[keyID]
	if !ok {
		return nil, nil
	}
	cp := *key
	return &cp, nil
}

func (s *memApps) InsertAPIKey(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *key
	s.apiKeys[key.KeyID] = &cp
	return nil
}

// ---------------------------------------------------------------------------

type memAudit Memory

func (s *memAudit) Insert(_ context.Context, entry *AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailAudit {
		return fmt.Errorf("audit store unavailable")
	}
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

// ---------------------------------------------------------------------------

type memDLQ Memory

func (s *memDLQ) Enqueue(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *dl
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.dlq = append(s.dlq, &cp)
	return nil
}

func (s *memDLQ) TakePending(_ context.Context, typePrefix string, limit int) ([]*DeadLetter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pending []*DeadLetter
	for _, dl := range s.dlq {
		if dl.ReplayedAt == nil && (typePrefix == "" || hasPrefix(dl.Type, typePrefix)) {
			pending = append(pending, dl)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	if len(pending) > limit {
		pending = pending[:limit]
	}
	return pending, nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *memDLQ) MarkReplayed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, dl := range s.dlq {
		if dl.ID == id {
			t := at
			dl.ReplayedAt = &t
			return nil
		}
	}
	return fmt.Errorf("dead letter %s not found", id)
}

func (s *memDLQ) Size(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, dl := range s.dlq {
		if dl.ReplayedAt == nil {
			n++
		}
	}
	return n, nil
}

// ---------------------------------------------------------------------------

type memJobs Memory

func (s *memJobs) QueueDepth(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobDepth, nil
}

type memObs Memory

func (s *memObs) OutboxDepth(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.outboxDepth, nil
}

func (s *memObs) IOPressure(_ context.Context) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ioPressure, nil
}

// ---------------------------------------------------------------------------

type memKV Memory

func (s *memKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.FailKV {
		return nil, false, fmt.Errorf("kv store unavailable")
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *memKV) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailKV {
		return fmt.Errorf("kv store unavailable")
	}
	s.kv[key] = append([]byte(nil), value...)
	return nil
}

func (s *memKV) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.kv, key)
	return nil
}
