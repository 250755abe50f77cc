package websocket

import "fmt"

// WsError reasons.
const (
	ReasonSendFailed     = "send_failed"
	ReasonRoomLimit      = "room_limit"
	ReasonNotInRoom      = "not_in_room"
	ReasonInvalidMessage = "invalid_message"
	ReasonDisconnecting  = "disconnecting"
)

// WsError is the realtime-layer error. Reason drives both the wire payload
// and the retry/terminate decision.
type WsError struct {
	Reason   string
	SocketID string
	Cause    error
}

func (e *WsError) Error() string {
	if e.SocketID != "" {
		return fmt.Sprintf("ws %s: socket %s", e.Reason, e.SocketID)
	}
	return "ws " + e.Reason
}

func (e *WsError) Unwrap() error { return e.Cause }

// IsRetryable reports whether the failed operation may be attempted again.
func (e *WsError) IsRetryable() bool {
	return e.Reason == ReasonSendFailed
}

// IsTerminal reports whether the socket should be torn down.
func (e *WsError) IsTerminal() bool {
	return e.Reason == ReasonInvalidMessage || e.Reason == ReasonDisconnecting
}

// ToPayload collapses any error to the wire form. Non-WsError values
// surface as invalid_message so internals never leak to clients.
func ToPayload(err error) Outbound {
	if ws, ok := err.(*WsError); ok {
		return Outbound{Tag: TagError, Reason: ws.Reason}
	}
	return Outbound{Tag: TagError, Reason: ReasonInvalidMessage}
}
