package relay

import (
	"encoding/json"

	"github.com/tidwall/gjson"
)

// Event kinds on the wire. Client-to-server kinds carry a projectId in
// their payload; server-to-client kinds echo it back so clients joined
// to multiple rooms can scope what they receive.
const (
	EventJoinProject  = "join-project"
	EventLeaveProject = "leave-project"
	EventCursorMove   = "cursor-move"
	EventNodeChange   = "node-change"
	EventNodeAdd      = "node-add"
	EventEdgeChange   = "edge-change"
	EventEdgeAdd      = "edge-add"
	EventCommentAdd   = "comment-add"
	EventUserJoined   = "user-joined"
	EventUserLeft     = "user-left"
	EventError        = "error"
)

// passThroughKinds are relayed verbatim apart from identity stamping.
// The relay never interprets node/edge/comment bodies.
var passThroughKinds = map[string]struct{}{
	EventNodeChange: {},
	EventNodeAdd:    {},
	EventEdgeChange: {},
	EventEdgeAdd:    {},
	EventCommentAdd: {},
}

// ClientMessage is the inbound envelope.
type ClientMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage is the outbound envelope.
type ServerMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

type cursorMovePayload struct {
	ProjectID string  `json:"projectId"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

type cursorBroadcast struct {
	ProjectID string  `json:"projectId"`
	UserID    string  `json:"userId"`
	UserName  string  `json:"userName"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Color     string  `json:"color"`
}

// membershipChange is the payload of user-joined.
type membershipChange struct {
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	SocketID  string `json:"socketId"`
}

// userLeftPayload additionally tells peers whether the subject's cursor
// should be dropped. With two tabs in the same room, one tab leaving
// does not clear the subject's presence.
type userLeftPayload struct {
	ProjectID       string `json:"projectId"`
	UserID          string `json:"userId"`
	SocketID        string `json:"socketId"`
	PresenceCleared bool   `json:"presenceCleared"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// projectIDFrom pulls the project id out of a raw payload. Both
// {"projectId":"p1"} and a bare "p1" string are accepted.
func projectIDFrom(payload []byte) string {
	if res := gjson.GetBytes(payload, "projectId"); res.Exists() {
		return res.String()
	}
	if parsed := gjson.ParseBytes(payload); parsed.Type == gjson.String {
		return parsed.String()
	}
	return ""
}
