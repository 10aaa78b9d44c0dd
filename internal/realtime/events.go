package realtime

import "encoding/json"

// Server-pushed event names carried on the push connection. Events the
// manager has no handler for are ignored.
const (
	EventIncomingCall      = "call.incoming"
	EventCallAccepted      = "call.accepted"
	EventCallRejected      = "call.rejected"
	EventCallEnded         = "call.ended"
	EventNotificationCount = "notification.count"
)

// Event is one message received on the push connection. Payload is left
// raw; handlers decode the shape they expect.
type Event struct {
	Name    string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IncomingCallPayload announces a call ringing toward the local user.
type IncomingCallPayload struct {
	SessionID      string `json:"sessionId"`
	CallerName     string `json:"callerName"`
	CallerAvatar   string `json:"callerAvatar,omitempty"`
	ConversationID string `json:"conversationId"`
}

// CallSignalPayload is the common shape of the accepted/rejected/ended
// events. Peer fields are display metadata only.
type CallSignalPayload struct {
	SessionID  string `json:"sessionId"`
	PeerName   string `json:"peerName,omitempty"`
	PeerAvatar string `json:"peerAvatar,omitempty"`
}

// NotificationCountPayload carries the server-side unread total.
type NotificationCountPayload struct {
	Total int `json:"total"`
}
