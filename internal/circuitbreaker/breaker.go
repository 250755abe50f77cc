// Package circuitbreaker implements the circuit breaker state machine that
// guards outbound calls against cascading failures.
package circuitbreaker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/portalhq/backend/internal/apperr"
	"github.com/portalhq/backend/internal/database"
	"github.com/portalhq/backend/internal/metrics"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // Normal operation, calls pass through
	StateHalfOpen              // Single probe admitted
	StateOpen                  // Calls short-circuit
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "Closed"
	case StateHalfOpen:
		return "HalfOpen"
	case StateOpen:
		return "Open"
	default:
		return "Unknown"
	}
}

// ============================================================================
// POLICY
// ============================================================================

// Policy decides when a Closed breaker trips.
type Policy interface {
	// RecordSuccess and RecordFailure observe outcomes while Closed.
	// RecordFailure reports whether the breaker should trip.
	RecordSuccess(now time.Time)
	RecordFailure(now time.Time) bool
	// Reset clears accumulated state, called on every transition to Closed.
	Reset()
}

// Consecutive trips after Threshold consecutive failures.
type Consecutive struct {
	Threshold int

	failures int
}

func (p *Consecutive) RecordSuccess(time.Time) { p.failures = 0 }

func (p *Consecutive) RecordFailure(time.Time) bool {
	p.failures++
	return p.failures >= p.Threshold
}

func (p *Consecutive) Reset() { p.failures = 0 }

// minSamples is the floor below which a Sampling policy never trips.
const minSamples = 10

// Sampling trips when the failure rate over the trailing window meets Rate,
// provided at least max(minSamples, MinSamples) outcomes are in the window.
type Sampling struct {
	Rate       float64
	Window     time.Duration
	MinSamples int

	outcomes []outcome
}

type outcome struct {
	at time.Time
	ok bool
}

func (p *Sampling) floor() int {
	if p.MinSamples > minSamples {
		return p.MinSamples
	}
	return minSamples
}

func (p *Sampling) trim(now time.Time) {
	cutoff := now.Add(-p.Window)
	i := 0
	for ; i < len(p.outcomes); i++ {
		if !p.outcomes[i].at.Before(cutoff) {
			break
		}
	}
	p.outcomes = p.outcomes[i:]
}

func (p *Sampling) RecordSuccess(now time.Time) {
	p.outcomes = append(p.outcomes, outcome{at: now, ok: true})
	p.trim(now)
}

func (p *Sampling) RecordFailure(now time.Time) bool {
	p.outcomes = append(p.outcomes, outcome{at: now, ok: false})
	p.trim(now)

	if len(p.outcomes) < p.floor() {
		return false
	}
	failures := 0
	for _, o := range p.outcomes {
		if !o.ok {
			failures++
		}
	}
	return float64(failures)/float64(len(p.outcomes)) >= p.Rate
}

func (p *Sampling) Reset() { p.outcomes = nil }

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config describes a single breaker.
type Config struct {
	Name string

	// Policy decides tripping while Closed. Defaults to Consecutive{5}.
	Policy Policy

	// HalfOpenAfter is how long an Open breaker waits before admitting a
	// probe. Defaults to 30s.
	HalfOpenAfter time.Duration

	// Persist, when set, survives restarts through the KV store.
	Persist bool
}

func (c *Config) withDefaults() {
	if c.Policy == nil {
		c.Policy = &Consecutive{Threshold: 5}
	}
	if c.HalfOpenAfter <= 0 {
		c.HalfOpenAfter = 30 * time.Second
	}
}

// ============================================================================
// BREAKER
// ============================================================================

// persisted is the durable snapshot written on every transition.
type persisted struct {
	State        string     `json:"state"`
	OpenedAt     *time.Time `json:"openedAt"`
	FailureCount int        `json:"failureCount"`
}

// Breaker is a single named circuit breaker.
type Breaker struct {
	cfg     Config
	kv      database.KVStore
	metrics *metrics.Registry

	mu           sync.Mutex
	state        State
	openedAt     time.Time
	failureCount int
	probing      bool

	now func() time.Time
}

// New builds a breaker. When cfg.Persist is set and kv is non-nil, the
// previous state is restored; a load failure starts Closed and is logged.
func New(cfg Config, kv database.KVStore, m *metrics.Registry) *Breaker {
	cfg.withDefaults()
	b := &Breaker{
		cfg:     cfg,
		kv:      kv,
		metrics: m,
		state:   StateClosed,
		now:     time.Now,
	}
	if cfg.Persist && kv != nil {
		b.restore()
	}
	b.publishState(b.state)
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current position, moving Open to HalfOpen when the
// recovery window has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(b.now())
}

func (b *Breaker) currentState(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.cfg.HalfOpenAfter {
		b.transition(StateHalfOpen, now)
	}
	return b.state
}

// Allow reports whether a call may proceed. In HalfOpen only one probe is
// admitted at a time; the caller must report the outcome through OnSuccess
// or OnFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(b.now()) {
	case StateOpen:
		return apperr.Circuit(b.cfg.Name)
	case StateHalfOpen:
		if b.probing {
			return apperr.Circuit(b.cfg.Name)
		}
		b.probing = true
	}
	return nil
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.currentState(now) {
	case StateClosed:
		b.cfg.Policy.RecordSuccess(now)
		b.failureCount = 0
	case StateHalfOpen:
		b.probing = false
		b.transition(StateClosed, now)
	}
}

// OnFailure records a failed call.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.currentState(now) {
	case StateClosed:
		b.failureCount++
		if b.cfg.Policy.RecordFailure(now) {
			b.transition(StateOpen, now)
		}
	case StateHalfOpen:
		b.probing = false
		b.transition(StateOpen, now)
	}
}

// Execute runs op under the breaker, mapping an Open breaker to a typed
// circuit error. Panics count as failures and re-raise.
func Execute[T any](b *Breaker, ctx context.Context, op func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}

	defer func() {
		if r := recover(); r != nil {
			b.OnFailure()
			panic(r)
		}
	}()

	result, err := op(ctx)
	if err != nil {
		b.OnFailure()
		return zero, err
	}
	b.OnSuccess()
	return result, nil
}

// transition moves the breaker and emits metrics and persistence. Caller
// holds the lock.
func (b *Breaker) transition(to State, now time.Time) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.openedAt = time.Time{}
		b.failureCount = 0
		b.cfg.Policy.Reset()
	}

	slog.Info("[CircuitBreaker] State change",
		"name", b.cfg.Name, "from", from.String(), "to", to.String())

	b.publishState(to)
	if b.metrics != nil {
		b.metrics.CircuitTransitions.WithLabelValues(b.cfg.Name, from.String(), to.String()).Inc()
	}
	if b.cfg.Persist && b.kv != nil {
		b.save()
	}
}

func (b *Breaker) publishState(s State) {
	if b.metrics != nil {
		b.metrics.CircuitState.WithLabelValues(b.cfg.Name).Set(float64(s))
	}
}

func (b *Breaker) key() string { return "breaker:" + b.cfg.Name }

// save writes the durable snapshot. Persistence failures never block the
// breaker, they are logged and dropped.
func (b *Breaker) save() {
	snap := persisted{State: b.state.String(), FailureCount: b.failureCount}
	if !b.openedAt.IsZero() {
		t := b.openedAt
		snap.OpenedAt = &t
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.kv.Set(ctx, b.key(), data); err != nil {
		slog.Warn("[CircuitBreaker] Persist failed", "name", b.cfg.Name, "error", err)
	}
}

func (b *Breaker) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data, found, err := b.kv.Get(ctx, b.key())
	if err != nil {
		slog.Warn("[CircuitBreaker] Restore failed", "name", b.cfg.Name, "error", err)
		return
	}
	if !found {
		return
	}
	var snap persisted
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("[CircuitBreaker] Corrupt persisted state", "name", b.cfg.Name, "error", err)
		return
	}

	switch snap.State {
	case StateOpen.String():
		b.state = StateOpen
		if snap.OpenedAt != nil {
			b.openedAt = *snap.OpenedAt
		} else {
			b.openedAt = b.now()
		}
	case StateHalfOpen.String():
		// A restart drops any in-flight probe, resume as HalfOpen.
		b.state = StateHalfOpen
	default:
		b.state = StateClosed
	}
	b.failureCount = snap.FailureCount
}

// ============================================================================
// MANAGER
// ============================================================================

// Manager hands out breakers by name. The same name always aliases the same
// instance so every caller shares one state machine.
type Manager struct {
	kv      database.KVStore
	metrics *metrics.Registry

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewManager builds a manager. kv may be nil when persistence is unused.
func NewManager(kv database.KVStore, m *metrics.Registry) *Manager {
	return &Manager{
		kv:       kv,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it with cfg on first use.
// Later calls with the same name ignore cfg.
func (m *Manager) Get(name string, cfg Config) *Breaker {
	m.mu.RLock()
	b, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, exists = m.breakers[name]; exists {
		return b
	}
	cfg.Name = name
	b = New(cfg, m.kv, m.metrics)
	m.breakers[name] = b
	return b
}

// States snapshots every breaker's position, used by health reporting.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
