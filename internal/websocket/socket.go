package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Socket is one live client connection. The read loop owns all mutable
// state; other components reach it only through the service API.
type Socket struct {
	ID       string
	TenantID string
	UserID   string

	conn Conn
	svc  *Service

	writeMu sync.Mutex

	mu       sync.Mutex
	rooms    map[string]struct{}
	lastPong time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// Rooms snapshots the rooms this socket has joined.
func (sk *Socket) Rooms() []string {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	out := make([]string, 0, len(sk.rooms))
	for r := range sk.rooms {
		out = append(out, r)
	}
	return out
}

func (sk *Socket) lastPongAt() time.Time {
	sk.mu.Lock()
	defer sk.mu.Unlock()
	return sk.lastPong
}

// Done is closed when the socket has fully disconnected.
func (sk *Socket) Done() <-chan struct{} { return sk.closed }

// ============================================================================
// READ LOOP
// ============================================================================

func (sk *Socket) readLoop() {
	defer sk.svc.wg.Done()
	defer sk.disconnect()

	for {
		_, data, err := sk.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := DecodeInbound(data)
		if err != nil {
			// A malformed frame is answered, not fatal.
			sk.deliver(ToPayload(err))
			continue
		}
		sk.handle(msg)
	}
}

func (sk *Socket) handle(msg Inbound) {
	ctx := context.Background()
	if sk.svc.metrics != nil {
		sk.svc.metrics.WSMessages.WithLabelValues("inbound", msg.Tag).Inc()
	}

	switch msg.Tag {
	case TagJoin:
		sk.join(ctx, msg.RoomID)
	case TagLeave:
		sk.leave(ctx, msg.RoomID)
	case TagSend:
		sk.sendToRoom(ctx, msg.RoomID, msg.Data)
	case TagDirect:
		sk.sendDirect(ctx, msg.Target, msg.Data)
	case TagPong:
		sk.mu.Lock()
		sk.lastPong = time.Now()
		sk.mu.Unlock()
	case TagMetaGet:
		sk.metaGet(ctx)
	case TagMetaSet:
		sk.metaSet(ctx, msg.Meta)
	}
}

func (sk *Socket) join(ctx context.Context, roomID string) {
	sk.mu.Lock()
	if len(sk.rooms) >= sk.svc.cfg.MaxRoomsPerSocket {
		sk.mu.Unlock()
		sk.deliver(ToPayload(&WsError{Reason: ReasonRoomLimit, SocketID: sk.ID}))
		return
	}
	sk.rooms[roomID] = struct{}{}
	sk.mu.Unlock()

	key := roomKey(sk.TenantID, roomID)
	if err := sk.svc.cache.SetAdd(ctx, key, sk.ID); err != nil {
		slog.Warn("[WebSocket] Room join write failed", "socket", sk.ID, "room", roomID, "error", err)
	}
	if err := sk.svc.cache.SetTouch(ctx, key, sk.svc.cfg.RoomTTL); err != nil {
		slog.Warn("[WebSocket] Room TTL extend failed", "room", roomID, "error", err)
	}
}

func (sk *Socket) leave(ctx context.Context, roomID string) {
	sk.mu.Lock()
	_, member := sk.rooms[roomID]
	delete(sk.rooms, roomID)
	sk.mu.Unlock()

	if !member {
		sk.deliver(ToPayload(&WsError{Reason: ReasonNotInRoom, SocketID: sk.ID}))
		return
	}
	if err := sk.svc.cache.SetRemove(ctx, roomKey(sk.TenantID, roomID), sk.ID); err != nil {
		slog.Warn("[WebSocket] Room leave write failed", "socket", sk.ID, "room", roomID, "error", err)
	}
}

func (sk *Socket) sendToRoom(ctx context.Context, roomID string, data json.RawMessage) {
	sk.mu.Lock()
	_, member := sk.rooms[roomID]
	sk.mu.Unlock()
	if !member {
		sk.deliver(ToPayload(&WsError{Reason: ReasonNotInRoom, SocketID: sk.ID}))
		return
	}

	err := sk.svc.publish(ctx, Transport{
		Tag:          TagTransportRoom,
		TenantID:     sk.TenantID,
		NodeID:       sk.svc.cfg.NodeID,
		RoomID:       roomID,
		FromSocketID: sk.ID,
		Data:         data,
	})
	if err != nil {
		sk.deliver(ToPayload(&WsError{Reason: ReasonSendFailed, SocketID: sk.ID, Cause: err}))
	}
}

func (sk *Socket) sendDirect(ctx context.Context, target string, data json.RawMessage) {
	err := sk.svc.publish(ctx, Transport{
		Tag:          TagTransportDirect,
		TenantID:     sk.TenantID,
		NodeID:       sk.svc.cfg.NodeID,
		Target:       target,
		FromSocketID: sk.ID,
		Data:         data,
	})
	if err != nil {
		sk.deliver(ToPayload(&WsError{Reason: ReasonSendFailed, SocketID: sk.ID, Cause: err}))
	}
}

func (sk *Socket) metaGet(ctx context.Context) {
	value, found := sk.svc.cache.GetRaw(ctx, metaKey(sk.ID))
	frame := Outbound{Tag: TagMetaData}
	if found {
		frame.Meta = json.RawMessage(value)
	}
	sk.deliver(frame)
}

func (sk *Socket) metaSet(ctx context.Context, meta json.RawMessage) {
	if meta == nil {
		sk.deliver(ToPayload(&WsError{Reason: ReasonInvalidMessage, SocketID: sk.ID}))
		return
	}
	if err := sk.svc.cache.SetRaw(ctx, metaKey(sk.ID), string(meta), sk.svc.cfg.MetaTTL); err != nil {
		sk.deliver(ToPayload(&WsError{Reason: ReasonSendFailed, SocketID: sk.ID, Cause: err}))
	}
}

// ============================================================================
// WRITE SIDE
// ============================================================================

// deliver writes one frame. Delivery to a single socket is ordered by the
// write lock; a transport-level failure tears the socket down.
func (sk *Socket) deliver(frame Outbound) {
	data, err := EncodeOutbound(frame)
	if err != nil {
		return
	}

	sk.writeMu.Lock()
	err = sk.conn.WriteMessage(textMessage, data)
	sk.writeMu.Unlock()

	if err != nil {
		slog.Warn("[WebSocket] Write failed, disconnecting", "socket", sk.ID, "error", err)
		sk.disconnect()
	}
}

// pingLoop emits keepalives and refreshes the tenant presence TTL.
func (sk *Socket) pingLoop() {
	defer sk.svc.wg.Done()
	ticker := time.NewTicker(sk.svc.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sk.closed:
			return
		case <-ticker.C:
			sk.deliver(Ping(time.Now()))
			if err := sk.svc.cache.PresenceRefresh(context.Background(), sk.TenantID, sk.svc.cfg.PresenceTTL); err != nil {
				slog.Warn("[WebSocket] Presence refresh failed", "tenant", sk.TenantID, "error", err)
			}
		}
	}
}

// disconnect tears the socket down exactly once: presence entry, room
// memberships, loops, and the underlying connection.
func (sk *Socket) disconnect() {
	sk.closeOnce.Do(func() {
		close(sk.closed)

		ctx := context.Background()
		sk.mu.Lock()
		rooms := make([]string, 0, len(sk.rooms))
		for r := range sk.rooms {
			rooms = append(rooms, r)
		}
		sk.rooms = make(map[string]struct{})
		sk.mu.Unlock()

		for _, roomID := range rooms {
			if err := sk.svc.cache.SetRemove(ctx, roomKey(sk.TenantID, roomID), sk.ID); err != nil {
				slog.Warn("[WebSocket] Room cleanup failed", "socket", sk.ID, "room", roomID, "error", err)
			}
		}
		if err := sk.svc.cache.PresenceRemove(ctx, sk.TenantID, sk.ID); err != nil {
			slog.Warn("[WebSocket] Presence cleanup failed", "socket", sk.ID, "error", err)
		}

		sk.svc.remove(sk)
		_ = sk.conn.Close()
		slog.Info("[WebSocket] Socket disconnected", "socket", sk.ID, "tenant", sk.TenantID)
	})
}
