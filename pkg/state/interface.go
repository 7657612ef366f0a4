package state

import (
	"github.com/google/uuid"

	"github.com/amakom/BlueprintAI-sub001/pkg/transport"
)

// Registry owns all live connection, user, room, and presence state. It
// is passed by reference to every handler; there are no ambient globals,
// so a multi-process deployment can swap in an externalized store.
type Registry interface {
	// --- Connection lifecycle ---
	// RegisterConnection admits an authenticated connection. The identity
	// must already be verified; the registry never sees half-authenticated
	// state.
	RegisterConnection(conn transport.Conn, remoteAddr string, identity Identity) (*Connection, error)
	// DeregisterConnection removes the connection from every room it
	// joined and purges presence per the per-subject rule. It reports the
	// rooms departed so callers can notify the remaining members.
	DeregisterConnection(connID uuid.UUID) ([]RoomDeparture, error)
	GetConnection(connID uuid.UUID) (*Connection, bool)
	// AllConnections enumerates every live connection (shutdown path).
	AllConnections() []transport.Conn

	// --- User aggregation (connection limiter) ---
	GetUserConnectionCount(subjectID string) int
	FindOldestUserConnection(subjectID string) (*Connection, bool)

	// --- Room membership ---
	// Join adds the connection to the room, creating the room if absent.
	// Authorization is the caller's responsibility; the registry only
	// records membership.
	Join(connID uuid.UUID, projectID string) error
	// Leave removes the connection from the room. Not being a member is a
	// no-op, not an error.
	Leave(connID uuid.UUID, projectID string) (RoomDeparture, bool, error)
	IsMember(connID uuid.UUID, projectID string) bool
	// RoomConnections returns the transports of every current member.
	RoomConnections(projectID string) []transport.Conn
	FindRoom(projectID string) (*Room, bool)

	// --- Presence ---
	UpdatePresence(projectID string, p Presence) error
	RoomPresence(projectID string) []Presence
}
