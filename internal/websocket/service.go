package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"

	"github.com/portalhq/backend/internal/cache"
	"github.com/portalhq/backend/internal/metrics"
)

// BroadcastChannel carries cross-node transport envelopes.
const BroadcastChannel = "ws:broadcast"

// Conn is the transport surface a socket needs. *gorilla/websocket.Conn
// satisfies it; tests drive the state machine with an in-memory pipe.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Config tunes the realtime fabric.
type Config struct {
	NodeID string

	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReaperInterval time.Duration
	RoomTTL        time.Duration
	MetaTTL        time.Duration
	PresenceTTL    time.Duration

	MaxRoomsPerSocket int
}

// DefaultConfig returns production timings.
func DefaultConfig(nodeID string) Config {
	return Config{
		NodeID:            nodeID,
		PingInterval:      25 * time.Second,
		PongTimeout:       60 * time.Second,
		ReaperInterval:    30 * time.Second,
		RoomTTL:           2 * time.Minute,
		MetaTTL:           5 * time.Minute,
		PresenceTTL:       90 * time.Second,
		MaxRoomsPerSocket: 20,
	}
}

// Validate enforces the duration ordering the protocol depends on.
func (c Config) Validate() error {
	if c.PongTimeout <= c.PingInterval {
		return fmt.Errorf("pongTimeout (%v) must exceed pingInterval (%v)", c.PongTimeout, c.PingInterval)
	}
	if c.MetaTTL <= c.RoomTTL {
		return fmt.Errorf("metaTtl (%v) must exceed roomTtl (%v)", c.MetaTTL, c.RoomTTL)
	}
	if c.PresenceTTL < 3*c.PingInterval {
		return fmt.Errorf("presenceTtl (%v) must be at least 3x pingInterval (%v)", c.PresenceTTL, c.PingInterval)
	}
	if c.MaxRoomsPerSocket <= 0 {
		return fmt.Errorf("maxRoomsPerSocket must be positive")
	}
	return nil
}

func roomKey(tenantID, roomID string) string {
	return "room:" + tenantID + ":" + roomID
}

func metaKey(socketID string) string {
	return "ws:meta:" + socketID
}

// ============================================================================
// SERVICE
// ============================================================================

// Service owns every local socket and routes tenant traffic across nodes.
type Service struct {
	cfg     Config
	cache   *cache.Service
	metrics *metrics.Registry

	mu       sync.RWMutex
	sockets  map[string]*Socket
	byTenant map[string]map[string]*Socket

	unsubscribe func()
	done        chan struct{}
	wg          sync.WaitGroup
}

// New builds the service. Config must already be validated.
func New(cfg Config, c *cache.Service, m *metrics.Registry) *Service {
	return &Service{
		cfg:      cfg,
		cache:    c,
		metrics:  m,
		sockets:  make(map[string]*Socket),
		byTenant: make(map[string]map[string]*Socket),
		done:     make(chan struct{}),
	}
}

// Start subscribes to the cross-node channel and launches the reaper.
func (s *Service) Start(ctx context.Context) error {
	unsub, err := s.cache.Subscribe(ctx, BroadcastChannel, s.routeTransport)
	if err != nil {
		return err
	}
	s.unsubscribe = unsub

	s.wg.Add(1)
	go s.reapLoop()
	return nil
}

// Close disconnects every socket and stops the background loops.
func (s *Service) Close() {
	close(s.done)
	if s.unsubscribe != nil {
		s.unsubscribe()
	}

	s.mu.RLock()
	open := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		open = append(open, sock)
	}
	s.mu.RUnlock()

	for _, sock := range open {
		sock.disconnect()
	}
	s.wg.Wait()
}

// Accept registers a new socket and forks its read loop and ping scheduler.
// It returns once the socket is live.
func (s *Service) Accept(ctx context.Context, conn Conn, tenantID, userID string) (*Socket, error) {
	sock := &Socket{
		ID:       uuid.NewString(),
		TenantID: tenantID,
		UserID:   userID,
		conn:     conn,
		svc:      s,
		rooms:    make(map[string]struct{}),
		lastPong: time.Now(),
		closed:   make(chan struct{}),
	}

	entry := cache.PresenceEntry{UserID: userID, ConnectedAt: time.Now().UTC()}
	if err := s.cache.PresenceSet(ctx, tenantID, sock.ID, entry, s.cfg.PresenceTTL); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.sockets[sock.ID] = sock
	if s.byTenant[tenantID] == nil {
		s.byTenant[tenantID] = make(map[string]*Socket)
	}
	s.byTenant[tenantID][sock.ID] = sock
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnections.WithLabelValues(tenantID).Inc()
	}
	slog.Info("[WebSocket] Socket accepted", "socket", sock.ID, "tenant", tenantID)

	s.wg.Add(2)
	go sock.readLoop()
	go sock.pingLoop()
	return sock, nil
}

// RoomMembers returns the socket ids in a room, cluster-wide.
func (s *Service) RoomMembers(ctx context.Context, tenantID, roomID string) []string {
	return s.cache.SetMembers(ctx, roomKey(tenantID, roomID))
}

// Presence returns the live sockets of a tenant, cluster-wide.
func (s *Service) Presence(ctx context.Context, tenantID string) map[string]cache.PresenceEntry {
	return s.cache.PresenceAll(ctx, tenantID)
}

// LocalCount reports how many sockets this node currently owns.
func (s *Service) LocalCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sockets)
}

// Broadcast publishes data to every socket of a tenant across the cluster.
func (s *Service) Broadcast(ctx context.Context, tenantID string, data json.RawMessage) error {
	return s.publish(ctx, Transport{
		Tag:      TagTransportBroadcast,
		TenantID: tenantID,
		NodeID:   s.cfg.NodeID,
		Data:     data,
	})
}

func (s *Service) publish(ctx context.Context, t Transport) error {
	payload, err := EncodeTransport(t)
	if err != nil {
		return err
	}
	return s.cache.Publish(ctx, BroadcastChannel, json.RawMessage(payload))
}

// routeTransport applies a cross-node envelope to local sockets.
func (s *Service) routeTransport(payload []byte) {
	// The pubsub layer wraps messages as JSON; unwrap a quoted envelope.
	var raw json.RawMessage
	if err := json.Unmarshal(payload, &raw); err == nil {
		payload = raw
	}
	t, err := DecodeTransport(payload)
	if err != nil {
		slog.Warn("[WebSocket] Malformed transport envelope", "error", err)
		return
	}

	ctx := context.Background()
	switch t.Tag {
	case TagTransportRoom:
		members := s.cache.SetMembers(ctx, roomKey(t.TenantID, t.RoomID))
		frame := Outbound{Tag: TagRoomMessage, RoomID: t.RoomID, From: t.FromSocketID, Data: t.Data}
		for _, id := range members {
			if sock := s.local(id); sock != nil {
				sock.deliver(frame)
			}
		}
	case TagTransportDirect:
		if sock := s.local(t.Target); sock != nil {
			sock.deliver(Outbound{Tag: TagDirectMessage, From: t.FromSocketID, Data: t.Data})
		}
	case TagTransportBroadcast:
		s.mu.RLock()
		locals := make([]*Socket, 0, len(s.byTenant[t.TenantID]))
		for _, sock := range s.byTenant[t.TenantID] {
			locals = append(locals, sock)
		}
		s.mu.RUnlock()
		frame := Outbound{Tag: TagRoomMessage, From: t.FromSocketID, Data: t.Data}
		for _, sock := range locals {
			sock.deliver(frame)
		}
	}
	if s.metrics != nil {
		s.metrics.WSMessages.WithLabelValues("routed", t.Tag).Inc()
	}
}

func (s *Service) local(socketID string) *Socket {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sockets[socketID]
}

// remove unregisters a socket from the local maps.
func (s *Service) remove(sock *Socket) {
	s.mu.Lock()
	delete(s.sockets, sock.ID)
	if tenant, ok := s.byTenant[sock.TenantID]; ok {
		delete(tenant, sock.ID)
		if len(tenant) == 0 {
			delete(s.byTenant, sock.TenantID)
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.WSConnections.WithLabelValues(sock.TenantID).Dec()
	}
}

// reapLoop closes sockets that stopped answering pings.
func (s *Service) reapLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.reapOnce(time.Now())
		}
	}
}

func (s *Service) reapOnce(now time.Time) {
	s.mu.RLock()
	var stale []*Socket
	for _, sock := range s.sockets {
		if now.Sub(sock.lastPongAt()) > s.cfg.PongTimeout {
			stale = append(stale, sock)
		}
	}
	s.mu.RUnlock()

	for _, sock := range stale {
		slog.Info("[WebSocket] Reaping unresponsive socket", "socket", sock.ID)
		sock.disconnect()
	}
}

// textMessage aliases the gorilla frame type so callers of Conn outside
// this package need no gorilla import.
const textMessage = gws.TextMessage
