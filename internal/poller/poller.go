// Package poller runs the health supervisor: periodic depth and pressure
// probes with threshold alerting and hysteresis.
package poller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/portalhq/backend/internal/cache"
	"github.com/portalhq/backend/internal/database"
	"github.com/portalhq/backend/internal/metrics"
)

// alertStateKey is where the persisted alert states live in the KV store.
const alertStateKey = "alerts"

// staleMultiplier scales the minimum interval into the staleness horizon.
const staleMultiplier = 2

// Alert levels.
const (
	levelOK       = "ok"
	levelWarning  = "warning"
	levelCritical = "critical"
)

// Published actions.
const (
	actionWarning   = "warning"
	actionCritical  = "critical"
	actionRecovered = "recovered"
	actionError     = "error"
)

// Thresholds trip a probe into warning or critical.
type Thresholds struct {
	Warning  float64 `json:"warning"`
	Critical float64 `json:"critical"`
}

// Probe is one supervised measurement.
type Probe struct {
	Name        string
	AlertID     string
	Thresholds  Thresholds
	MinInterval time.Duration
	Collect     func(ctx context.Context) (float64, error)
}

// probeState is the per-probe runtime record, mirrored to the KV store.
type probeState struct {
	Level         string     `json:"level"`
	Value         float64    `json:"value"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
}

// event is what subscribers of an alert channel receive.
type event struct {
	Action  string  `json:"action"`
	AlertID string  `json:"alertId"`
	Value   float64 `json:"value"`
	Level   string  `json:"level"`
}

// Supervisor owns the probe set.
type Supervisor struct {
	probes  []Probe
	kv      database.KVStore
	cache   *cache.Service
	metrics *metrics.Registry

	mu      sync.Mutex
	states  map[string]probeState // in-memory shadow of the KV record
	lastRun map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
	now  func() time.Time
}

// New builds a supervisor over the standard probe set.
func New(db database.Database, c *cache.Service, m *metrics.Registry) *Supervisor {
	probes := []Probe{
		{
			Name:        "dlqSize",
			AlertID:     "jobs_dlq_size",
			Thresholds:  Thresholds{Warning: 50, Critical: 200},
			MinInterval: 30 * time.Second,
			Collect: func(ctx context.Context) (float64, error) {
				n, err := db.JobDLQ().Size(ctx)
				return float64(n), err
			},
		},
		{
			Name:        "jobQueueDepth",
			AlertID:     "jobs_queue_depth",
			Thresholds:  Thresholds{Warning: 500, Critical: 2000},
			MinInterval: 15 * time.Second,
			Collect: func(ctx context.Context) (float64, error) {
				n, err := db.Jobs().QueueDepth(ctx)
				return float64(n), err
			},
		},
		{
			Name:        "eventOutboxDepth",
			AlertID:     "events_outbox_depth",
			Thresholds:  Thresholds{Warning: 1000, Critical: 5000},
			MinInterval: 15 * time.Second,
			Collect: func(ctx context.Context) (float64, error) {
				n, err := db.Observability().OutboxDepth(ctx)
				return float64(n), err
			},
		},
		{
			Name:        "ioStats",
			AlertID:     "io_stats",
			Thresholds:  Thresholds{Warning: 2, Critical: 10},
			MinInterval: 60 * time.Second,
			Collect:     db.Observability().IOPressure,
		},
	}
	return NewWithProbes(probes, db.KVStore(), c, m)
}

// NewWithProbes builds a supervisor over an explicit probe set.
func NewWithProbes(probes []Probe, kv database.KVStore, c *cache.Service, m *metrics.Registry) *Supervisor {
	return &Supervisor{
		probes:  probes,
		kv:      kv,
		cache:   c,
		metrics: m,
		states:  make(map[string]probeState),
		lastRun: make(map[string]time.Time),
		done:    make(chan struct{}),
		now:     time.Now,
	}
}

// Start runs the refresh loop until Stop.
func (s *Supervisor) Start(interval time.Duration) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.done:
				return
			case <-ticker.C:
				s.Refresh(context.Background(), false)
			}
		}
	}()
}

// Stop halts the refresh loop.
func (s *Supervisor) Stop() {
	close(s.done)
	s.wg.Wait()
}

// Refresh runs every probe. Without force, probes inside their minimum
// interval are skipped.
func (s *Supervisor) Refresh(ctx context.Context, force bool) {
	now := s.now()
	for i := range s.probes {
		probe := &s.probes[i]

		s.mu.Lock()
		last, ran := s.lastRun[probe.Name]
		if !force && ran && now.Sub(last) < probe.MinInterval {
			s.mu.Unlock()
			continue
		}
		s.lastRun[probe.Name] = now
		s.mu.Unlock()

		s.runProbe(ctx, probe, now)
	}
	s.persistStates(ctx)
}

func (s *Supervisor) runProbe(ctx context.Context, probe *Probe, now time.Time) {
	value, err := probe.Collect(ctx)
	if err != nil {
		slog.Warn("[Poller] Probe failed", "probe", probe.Name, "error", err)
		s.mu.Lock()
		state := s.states[probe.Name]
		t := now
		state.LastFailureAt = &t
		// A failed probe contributes zero so aggregates do not regress.
		state.Value = 0
		s.states[probe.Name] = state
		s.mu.Unlock()

		s.publishEvent(ctx, probe.AlertID, event{
			Action: actionError, AlertID: probe.AlertID, Level: s.levelOf(probe.Name),
		})
		return
	}

	level := classify(value, probe.Thresholds)

	s.mu.Lock()
	state := s.states[probe.Name]
	prevLevel := state.Level
	if prevLevel == "" {
		prevLevel = levelOK
	}
	t := now
	state.Level = level
	state.Value = value
	state.LastSuccessAt = &t
	s.states[probe.Name] = state
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ProbeValue.WithLabelValues(probe.Name).Set(value)
	}

	if level == prevLevel {
		return
	}
	var action string
	switch {
	case level == levelCritical:
		action = actionCritical
	case level == levelWarning:
		action = actionWarning
	default:
		action = actionRecovered
	}
	slog.Info("[Poller] Alert transition",
		"probe", probe.Name, "from", prevLevel, "to", level, "value", value)
	s.publishEvent(ctx, probe.AlertID, event{
		Action: action, AlertID: probe.AlertID, Value: value, Level: level,
	})
}

func classify(value float64, t Thresholds) string {
	switch {
	case value >= t.Critical:
		return levelCritical
	case value >= t.Warning:
		return levelWarning
	default:
		return levelOK
	}
}

func (s *Supervisor) levelOf(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[name]; ok && st.Level != "" {
		return st.Level
	}
	return levelOK
}

func (s *Supervisor) publishEvent(ctx context.Context, alertID string, e event) {
	if err := s.cache.Publish(ctx, alertID, e); err != nil {
		slog.Warn("[Poller] Alert publish failed", "alert", alertID, "error", err)
	}
}

// persistStates writes the alert record. Failures are logged; the
// in-memory shadow stays authoritative until the store recovers.
func (s *Supervisor) persistStates(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[string]probeState, len(s.states))
	for k, v := range s.states {
		snapshot[k] = v
	}
	s.mu.Unlock()

	data, err := json.Marshal(snapshot)
	if err != nil {
		return
	}
	if err := s.kv.Set(ctx, alertStateKey, data); err != nil {
		slog.Warn("[Poller] Alert state persist failed", "error", err)
	}
}

// ProbeHealth is the per-probe health report.
type ProbeHealth struct {
	Level         string     `json:"level"`
	Value         float64    `json:"value"`
	LastSuccessAt *time.Time `json:"lastSuccessAt,omitempty"`
	LastFailureAt *time.Time `json:"lastFailureAt,omitempty"`
	Stale         bool       `json:"stale"`
}

// Health reports every probe. The persisted record is preferred; when the
// KV store is unreadable the in-memory shadow answers instead.
func (s *Supervisor) Health(ctx context.Context) map[string]ProbeHealth {
	states := s.loadStates(ctx)
	now := s.now()

	out := make(map[string]ProbeHealth, len(s.probes))
	for i := range s.probes {
		probe := &s.probes[i]
		state := states[probe.Name]
		level := state.Level
		if level == "" {
			level = levelOK
		}

		stale := state.LastSuccessAt == nil ||
			now.Sub(*state.LastSuccessAt) > probe.MinInterval*staleMultiplier
		out[probe.Name] = ProbeHealth{
			Level:         level,
			Value:         state.Value,
			LastSuccessAt: state.LastSuccessAt,
			LastFailureAt: state.LastFailureAt,
			Stale:         stale,
		}
	}
	return out
}

func (s *Supervisor) loadStates(ctx context.Context) map[string]probeState {
	data, found, err := s.kv.Get(ctx, alertStateKey)
	if err == nil && found {
		var states map[string]probeState
		if json.Unmarshal(data, &states) == nil {
			return states
		}
	}
	if err != nil {
		slog.Warn("[Poller] Alert state read failed, using in-memory shadow", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	shadow := make(map[string]probeState, len(s.states))
	for k, v := range s.states {
		shadow[k] = v
	}
	return shadow
}
