package state

import (
	"time"

	"github.com/google/uuid"

	"github.com/amakom/BlueprintAI-sub001/pkg/transport"
)

// Identity is the verified identity attached to a connection at
// registration. It is set exactly once; nothing downstream of the
// registry ever sees an unauthenticated connection.
type Identity struct {
	SubjectID string
	Email     string
	Name      string
	Role      string
}

// DisplayName picks the best human-readable label for presence payloads.
func (id Identity) DisplayName() string {
	if id.Name != "" {
		return id.Name
	}
	return id.Email
}

// Connection is the registry's view of a single transport connection.
type Connection struct {
	ID         uuid.UUID
	RemoteAddr string
	Transport  transport.Conn
	Identity   Identity
	User       *User // owning user, set at registration
	Rooms      map[string]struct{}
	CreatedAt  time.Time
}

// User aggregates all live connections for one subject (multiple browser
// tabs, for instance).
type User struct {
	ID          string // subject id
	Connections map[uuid.UUID]*Connection
}

// Room is the set of connections collaborating on one project, plus the
// ephemeral presence entries for its subjects. Rooms are created lazily
// on first join and dropped when the last member leaves.
type Room struct {
	ID       string // project id
	Members  map[uuid.UUID]*Connection
	Presence map[string]*Presence // keyed by subject id
}

// Presence is the last-known cursor state for one subject in one room.
// Coordinates are overwritten on every cursor event, never historized.
type Presence struct {
	SubjectID string
	Name      string
	X, Y      float64
	Color     string
}

// RoomDeparture describes one room a connection was removed from.
// SubjectLeft is true when the departing connection was the subject's
// last one in that room, i.e. peers should drop the subject's cursor.
type RoomDeparture struct {
	ProjectID   string
	SubjectLeft bool
}
