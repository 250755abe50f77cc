// Package websocket implements the realtime fabric: wire codec, per-socket
// state machine, room membership, presence, and cross-node routing.
package websocket

import (
	"encoding/json"
	"fmt"
	"time"
)

// Inbound message tags (client to server).
const (
	TagJoin    = "join"
	TagLeave   = "leave"
	TagSend    = "send"
	TagDirect  = "direct"
	TagPong    = "pong"
	TagMetaGet = "meta.get"
	TagMetaSet = "meta.set"
)

// Outbound message tags (server to client).
const (
	TagError         = "error"
	TagPing          = "ping"
	TagRoomMessage   = "room.message"
	TagDirectMessage = "direct.message"
	TagMetaData      = "meta.data"
)

// Transport envelope tags (node to node).
const (
	TagTransportRoom      = "room"
	TagTransportDirect    = "direct"
	TagTransportBroadcast = "broadcast"
)

// Inbound is a decoded client message. Exactly the fields of its tag are
// populated.
type Inbound struct {
	Tag    string          `json:"_tag"`
	RoomID string          `json:"roomId,omitempty"`
	Target string          `json:"target,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Meta   json.RawMessage `json:"meta,omitempty"`
}

// IsCommand reports whether the message mutates state, as opposed to the
// pong keepalive signal.
func (m Inbound) IsCommand() bool { return m.Tag != TagPong }

var inboundTags = map[string]struct{}{
	TagJoin: {}, TagLeave: {}, TagSend: {}, TagDirect: {},
	TagPong: {}, TagMetaGet: {}, TagMetaSet: {},
}

// DecodeInbound parses a client frame. Unknown tags and malformed JSON are
// rejected with an invalid_message error.
func DecodeInbound(data []byte) (Inbound, error) {
	var m Inbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Inbound{}, &WsError{Reason: ReasonInvalidMessage, Cause: err}
	}
	if _, ok := inboundTags[m.Tag]; !ok {
		return Inbound{}, &WsError{Reason: ReasonInvalidMessage, Cause: fmt.Errorf("unknown tag %q", m.Tag)}
	}
	return m, nil
}

// EncodeInbound renders a client frame; the inverse of DecodeInbound.
func EncodeInbound(m Inbound) ([]byte, error) {
	if _, ok := inboundTags[m.Tag]; !ok {
		return nil, &WsError{Reason: ReasonInvalidMessage, Cause: fmt.Errorf("unknown tag %q", m.Tag)}
	}
	return json.Marshal(m)
}

// Outbound is a server-to-client frame.
type Outbound struct {
	Tag        string          `json:"_tag"`
	Reason     string          `json:"reason,omitempty"`
	ServerTime *time.Time      `json:"serverTime,omitempty"`
	RoomID     string          `json:"roomId,omitempty"`
	From       string          `json:"from,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Meta       json.RawMessage `json:"meta,omitempty"`
}

var outboundTags = map[string]struct{}{
	TagError: {}, TagPing: {}, TagRoomMessage: {}, TagDirectMessage: {}, TagMetaData: {},
}

// DecodeOutbound parses a server frame, used by test clients and tooling.
func DecodeOutbound(data []byte) (Outbound, error) {
	var m Outbound
	if err := json.Unmarshal(data, &m); err != nil {
		return Outbound{}, &WsError{Reason: ReasonInvalidMessage, Cause: err}
	}
	if _, ok := outboundTags[m.Tag]; !ok {
		return Outbound{}, &WsError{Reason: ReasonInvalidMessage, Cause: fmt.Errorf("unknown tag %q", m.Tag)}
	}
	return m, nil
}

// EncodeOutbound renders a server frame.
func EncodeOutbound(m Outbound) ([]byte, error) {
	if _, ok := outboundTags[m.Tag]; !ok {
		return nil, &WsError{Reason: ReasonInvalidMessage, Cause: fmt.Errorf("unknown tag %q", m.Tag)}
	}
	return json.Marshal(m)
}

// Ping builds the keepalive frame the scheduler emits.
func Ping(at time.Time) Outbound {
	t := at.UTC()
	return Outbound{Tag: TagPing, ServerTime: &t}
}

// Transport is the cross-node envelope published on the broadcast channel.
type Transport struct {
	Tag          string          `json:"_tag"`
	TenantID     string          `json:"tenantId"`
	NodeID       string          `json:"nodeId"`
	RoomID       string          `json:"roomId,omitempty"`
	Target       string          `json:"target,omitempty"`
	FromSocketID string          `json:"fromSocketId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

var transportTags = map[string]struct{}{
	TagTransportRoom: {}, TagTransportDirect: {}, TagTransportBroadcast: {},
}

// DecodeTransport parses a cross-node envelope.
func DecodeTransport(data []byte) (Transport, error) {
	var m Transport
	if err := json.Unmarshal(data, &m); err != nil {
		return Transport{}, &WsError{Reason: ReasonInvalidMessage, Cause: err}
	}
	if _, ok := transportTags[m.Tag]; !ok {
		return Transport{}, &WsError{Reason: ReasonInvalidMessage, Cause: fmt.Errorf("unknown tag %q", m.Tag)}
	}
	return m, nil
}

// EncodeTransport renders a cross-node envelope.
func EncodeTransport(m Transport) ([]byte, error) {
	if _, ok := transportTags[m.Tag]; !ok {
		return nil, &WsError{Reason: ReasonInvalidMessage, Cause: fmt.Errorf("unknown tag %q", m.Tag)}
	}
	return json.Marshal(m)
}
