package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amakom/BlueprintAI-sub001/pkg/state"
	"github.com/amakom/BlueprintAI-sub001/pkg/transport"
)

// InMemory is the single-process Registry implementation. One mutex
// guards all maps: deregistration touches connections, users, rooms, and
// presence in one step and must observe them consistently.
type InMemory struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]*state.Connection
	users map[string]*state.User
	rooms map[string]*state.Room

	logger *slog.Logger
}

var _ state.Registry = (*InMemory)(nil)

func NewInMemory(logger *slog.Logger) *InMemory {
	return &InMemory{
		conns:  make(map[uuid.UUID]*state.Connection),
		users:  make(map[string]*state.User),
		rooms:  make(map[string]*state.Room),
		logger: logger.With(slog.String("component", "registry_inmemory")),
	}
}

func (m *InMemory) RegisterConnection(conn transport.Conn, remoteAddr string, identity state.Identity) (*state.Connection, error) {
	if identity.SubjectID == "" {
		return nil, errors.New("cannot register connection without a verified subject")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	connID := conn.ID()
	if _, exists := m.conns[connID]; exists {
		return nil, errors.New("connection is already registered")
	}

	user, exists := m.users[identity.SubjectID]
	if !exists {
		user = &state.User{
			ID:          identity.SubjectID,
			Connections: make(map[uuid.UUID]*state.Connection),
		}
		m.users[identity.SubjectID] = user
	}

	newConn := &state.Connection{
		ID:         connID,
		RemoteAddr: remoteAddr,
		Transport:  conn,
		Identity:   identity,
		User:       user,
		Rooms:      make(map[string]struct{}),
		CreatedAt:  time.Now(),
	}
	m.conns[connID] = newConn
	user.Connections[connID] = newConn

	m.logger.Debug("connection registered",
		slog.String("connID", connID.String()),
		slog.String("subject", identity.SubjectID),
	)
	return newConn, nil
}

func (m *InMemory) DeregisterConnection(connID uuid.UUID) ([]state.RoomDeparture, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		// already deregistered
		return nil, nil
	}
	delete(m.conns, connID)

	departures := make([]state.RoomDeparture, 0, len(conn.Rooms))
	for roomID := range conn.Rooms {
		room, ok := m.rooms[roomID]
		if !ok {
			continue
		}
		departures = append(departures, m.removeMemberLocked(room, conn))
	}

	user := conn.User
	delete(user.Connections, connID)
	if len(user.Connections) == 0 {
		delete(m.users, user.ID)
	}

	m.logger.Debug("connection deregistered",
		slog.String("connID", connID.String()),
		slog.Int("rooms_departed", len(departures)),
	)
	return departures, nil
}

func (m *InMemory) GetConnection(connID uuid.UUID) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.conns[connID]
	return conn, ok
}

func (m *InMemory) AllConnections() []transport.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := make([]transport.Conn, 0, len(m.conns))
	for _, conn := range m.conns {
		conns = append(conns, conn.Transport)
	}
	return conns
}

func (m *InMemory) GetUserConnectionCount(subjectID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[subjectID]
	if !ok {
		return 0
	}
	return len(user.Connections)
}

func (m *InMemory) FindOldestUserConnection(subjectID string) (*state.Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, ok := m.users[subjectID]
	if !ok {
		return nil, false
	}

	var oldest *state.Connection
	for _, conn := range user.Connections {
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}

func (m *InMemory) Join(connID uuid.UUID, projectID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return errors.New("cannot join room: connection not registered")
	}
	if _, already := conn.Rooms[projectID]; already {
		return nil
	}

	room, exists := m.rooms[projectID]
	if !exists {
		room = &state.Room{
			ID:       projectID,
			Members:  make(map[uuid.UUID]*state.Connection),
			Presence: make(map[string]*state.Presence),
		}
		m.rooms[projectID] = room
	}

	room.Members[connID] = conn
	conn.Rooms[projectID] = struct{}{}

	m.logger.Debug("connection joined room",
		slog.String("connID", connID.String()),
		slog.String("subject", conn.Identity.SubjectID),
		slog.String("projectID", projectID),
	)
	return nil
}

func (m *InMemory) Leave(connID uuid.UUID, projectID string) (state.RoomDeparture, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return state.RoomDeparture{}, false, nil
	}
	if _, member := conn.Rooms[projectID]; !member {
		return state.RoomDeparture{}, false, nil
	}
	room, ok := m.rooms[projectID]
	if !ok {
		delete(conn.Rooms, projectID)
		return state.RoomDeparture{}, false, nil
	}

	dep := m.removeMemberLocked(room, conn)
	return dep, true, nil
}

// removeMemberLocked drops conn from room, clears the subject's presence
// when this was their last connection in the room, and garbage-collects
// the room when it empties. Caller holds the write lock.
func (m *InMemory) removeMemberLocked(room *state.Room, conn *state.Connection) state.RoomDeparture {
	delete(room.Members, conn.ID)
	delete(conn.Rooms, room.ID)

	subjectLeft := true
	for _, member := range room.Members {
		if member.Identity.SubjectID == conn.Identity.SubjectID {
			subjectLeft = false
			break
		}
	}
	if subjectLeft {
		delete(room.Presence, conn.Identity.SubjectID)
	}

	if len(room.Members) == 0 {
		delete(m.rooms, room.ID)
		m.logger.Debug("removed empty room", slog.String("projectID", room.ID))
	}

	return state.RoomDeparture{ProjectID: room.ID, SubjectLeft: subjectLeft}
}

func (m *InMemory) IsMember(connID uuid.UUID, projectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[projectID]
	if !ok {
		return false
	}
	_, member := room.Members[connID]
	return member
}

func (m *InMemory) RoomConnections(projectID string) []transport.Conn {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[projectID]
	if !ok {
		return nil
	}
	conns := make([]transport.Conn, 0, len(room.Members))
	for _, member := range room.Members {
		conns = append(conns, member.Transport)
	}
	return conns
}

func (m *InMemory) FindRoom(projectID string) (*state.Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	room, ok := m.rooms[projectID]
	return room, ok
}

func (m *InMemory) UpdatePresence(projectID string, p state.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	room, ok := m.rooms[projectID]
	if !ok {
		return errors.New("cannot update presence: room not found")
	}
	entry := p
	room.Presence[p.SubjectID] = &entry
	return nil
}

func (m *InMemory) RoomPresence(projectID string) []state.Presence {
	m.mu.RLock()
	defer m.mu.RUnlock()

	room, ok := m.rooms[projectID]
	if !ok {
		return nil
	}
	entries := make([]state.Presence, 0, len(room.Presence))
	for _, p := range room.Presence {
		entries = append(entries, *p)
	}
	return entries
}
