package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/amakom/BlueprintAI-sub001/internal/authz"
	"github.com/amakom/BlueprintAI-sub001/internal/metrics"
	"github.com/amakom/BlueprintAI-sub001/pkg/state"
)

const accessDeniedMessage = "Access denied to this project"

// Relay is the protocol layer: it receives typed events from one
// connection and re-emits them to the other members of the same project
// room, stamping the sender's verified identity onto the way out.
type Relay struct {
	logger   *slog.Logger
	registry state.Registry
	oracle   authz.Oracle
	metrics  *metrics.Metrics
}

func New(logger *slog.Logger, registry state.Registry, oracle authz.Oracle, m *metrics.Metrics) *Relay {
	return &Relay{
		logger:   logger.With(slog.String("component", "relay")),
		registry: registry,
		oracle:   oracle,
		metrics:  m,
	}
}

// HandleMessage dispatches one inbound message. The transport calls it
// sequentially per connection, which is what preserves per-sender,
// per-room delivery order.
func (r *Relay) HandleMessage(ctx context.Context, connID uuid.UUID, msg []byte) {
	var in ClientMessage
	if err := json.Unmarshal(msg, &in); err != nil {
		r.logger.Warn("dropping malformed message",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		r.metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		return
	}

	conn, ok := r.registry.GetConnection(connID)
	if !ok {
		// Raced with disconnect; nothing to do.
		r.logger.Debug("message from unregistered connection dropped",
			slog.String("connID", connID.String()),
		)
		return
	}

	switch in.Event {
	case EventJoinProject:
		r.handleJoin(ctx, conn, in.Payload)
	case EventLeaveProject:
		r.handleLeave(conn, in.Payload)
	case EventCursorMove:
		r.handleCursorMove(conn, in.Payload)
	default:
		if _, relayed := passThroughKinds[in.Event]; relayed {
			r.handlePassThrough(conn, in.Event, in.Payload)
			return
		}
		r.logger.Warn("dropping unknown event kind",
			slog.String("event", in.Event),
			slog.String("connID", connID.String()),
		)
		r.metrics.DroppedEvents.WithLabelValues("unknown_kind").Inc()
	}
}

// HandleDisconnect runs when a transport closes, abruptly or not. It
// removes the connection everywhere and tells each affected room.
func (r *Relay) HandleDisconnect(connID uuid.UUID) {
	conn, ok := r.registry.GetConnection(connID)
	if !ok {
		return
	}

	departures, err := r.registry.DeregisterConnection(connID)
	if err != nil {
		r.logger.Error("failed to deregister connection",
			slog.String("connID", connID.String()),
			slog.Any("error", err),
		)
		return
	}

	for _, dep := range departures {
		r.broadcastUserLeft(dep, conn)
	}

	r.logger.Info("connection disconnected",
		slog.String("connID", connID.String()),
		slog.String("subject", conn.Identity.SubjectID),
		slog.Int("rooms_departed", len(departures)),
	)
}

func (r *Relay) handleJoin(ctx context.Context, conn *state.Connection, payload json.RawMessage) {
	projectID := projectIDFrom(payload)
	if projectID == "" {
		r.metrics.DroppedEvents.WithLabelValues("missing_project_id").Inc()
		return
	}

	if r.registry.IsMember(conn.ID, projectID) {
		// Duplicate join: already authorized and in the room.
		return
	}

	subject := conn.Identity.SubjectID
	allowed, err := r.oracle.IsMember(ctx, subject, projectID)
	if err != nil {
		// A store we cannot reach answers "no", never "yes".
		r.logger.Warn("membership check failed, denying join",
			slog.String("subject", subject),
			slog.String("projectID", projectID),
			slog.Any("error", err),
		)
		allowed = false
	}
	if !allowed {
		r.metrics.JoinDenials.Inc()
		r.sendError(conn, accessDeniedMessage)
		return
	}

	if err := r.registry.Join(conn.ID, projectID); err != nil {
		r.logger.Error("join failed after authorization",
			slog.String("connID", conn.ID.String()),
			slog.String("projectID", projectID),
			slog.Any("error", err),
		)
		return
	}

	r.broadcastMembership(EventUserJoined, projectID, conn)
	r.logger.Info("user joined project room",
		slog.String("subject", subject),
		slog.String("projectID", projectID),
	)
}

func (r *Relay) handleLeave(conn *state.Connection, payload json.RawMessage) {
	projectID := projectIDFrom(payload)
	if projectID == "" {
		r.metrics.DroppedEvents.WithLabelValues("missing_project_id").Inc()
		return
	}

	dep, left, err := r.registry.Leave(conn.ID, projectID)
	if err != nil {
		r.logger.Error("leave failed",
			slog.String("connID", conn.ID.String()),
			slog.String("projectID", projectID),
			slog.Any("error", err),
		)
		return
	}
	if !left {
		// Leaving a room you are not in is a no-op, not an error.
		return
	}

	r.broadcastUserLeft(dep, conn)
}

func (r *Relay) handleCursorMove(conn *state.Connection, payload json.RawMessage) {
	var cursor cursorMovePayload
	if err := json.Unmarshal(payload, &cursor); err != nil {
		r.metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		return
	}
	if cursor.ProjectID == "" {
		r.metrics.DroppedEvents.WithLabelValues("missing_project_id").Inc()
		return
	}
	if !r.registry.IsMember(conn.ID, cursor.ProjectID) {
		r.metrics.DroppedEvents.WithLabelValues("not_member").Inc()
		return
	}

	subject := conn.Identity.SubjectID
	color := ColorFor(subject)

	if err := r.registry.UpdatePresence(cursor.ProjectID, state.Presence{
		SubjectID: subject,
		Name:      conn.Identity.DisplayName(),
		X:         cursor.X,
		Y:         cursor.Y,
		Color:     color,
	}); err != nil {
		r.logger.Debug("presence update on vanished room dropped",
			slog.String("projectID", cursor.ProjectID),
		)
		return
	}

	r.broadcast(EventCursorMove, cursor.ProjectID, cursorBroadcast{
		ProjectID: cursor.ProjectID,
		UserID:    subject,
		UserName:  conn.Identity.DisplayName(),
		X:         cursor.X,
		Y:         cursor.Y,
		Color:     color,
	}, conn.ID)
}

// handlePassThrough relays node/edge/comment mutations. The payload body
// is opaque to the relay; only projectId and the stamped userId matter.
func (r *Relay) handlePassThrough(conn *state.Connection, event string, payload json.RawMessage) {
	projectID := projectIDFrom(payload)
	if projectID == "" {
		r.metrics.DroppedEvents.WithLabelValues("missing_project_id").Inc()
		return
	}
	if !r.registry.IsMember(conn.ID, projectID) {
		// Never joined, or already left: guards against stale joins
		// racing with rapid disconnect/reconnect.
		r.metrics.DroppedEvents.WithLabelValues("not_member").Inc()
		return
	}

	stamped, err := stampSubject(payload, conn.Identity.SubjectID)
	if err != nil {
		r.metrics.DroppedEvents.WithLabelValues("malformed").Inc()
		return
	}

	r.broadcastRaw(event, projectID, stamped, conn.ID)
}

// stampSubject overwrites any client-supplied userId with the verified
// subject. Trusting the inbound value would allow impersonation.
func stampSubject(payload json.RawMessage, subjectID string) (json.RawMessage, error) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, err
	}
	body["userId"] = subjectID
	return json.Marshal(body)
}

func (r *Relay) broadcastMembership(event, projectID string, conn *state.Connection) {
	r.broadcast(event, projectID, membershipChange{
		ProjectID: projectID,
		UserID:    conn.Identity.SubjectID,
		SocketID:  conn.ID.String(),
	}, conn.ID)
}

func (r *Relay) broadcastUserLeft(dep state.RoomDeparture, conn *state.Connection) {
	r.broadcast(EventUserLeft, dep.ProjectID, userLeftPayload{
		ProjectID:       dep.ProjectID,
		UserID:          conn.Identity.SubjectID,
		SocketID:        conn.ID.String(),
		PresenceCleared: dep.SubjectLeft,
	}, conn.ID)
}

// broadcast marshals payload and fans it out to every room member except
// the sender. A room with no members silently drops the broadcast.
func (r *Relay) broadcast(event, projectID string, payload any, exclude uuid.UUID) {
	raw, err := json.Marshal(payload)
	if err != nil {
		r.logger.Error("failed to marshal broadcast payload",
			slog.String("event", event),
			slog.Any("error", err),
		)
		return
	}
	r.broadcastRaw(event, projectID, raw, exclude)
}

func (r *Relay) broadcastRaw(event, projectID string, payload json.RawMessage, exclude uuid.UUID) {
	msg, err := json.Marshal(ServerMessage{Event: event, Payload: payload})
	if err != nil {
		r.logger.Error("failed to marshal envelope",
			slog.String("event", event),
			slog.Any("error", err),
		)
		return
	}

	sent := 0
	for _, member := range r.registry.RoomConnections(projectID) {
		if member.ID() == exclude {
			continue
		}
		member.Send(msg)
		sent++
	}
	if sent > 0 {
		r.metrics.EventsRelayed.WithLabelValues(event).Add(float64(sent))
	}
}

// sendError delivers a scoped error event to one connection. The
// connection stays open; it may retry with a different room.
func (r *Relay) sendError(conn *state.Connection, message string) {
	raw, _ := json.Marshal(errorPayload{Message: message})
	msg, err := json.Marshal(ServerMessage{Event: EventError, Payload: raw})
	if err != nil {
		return
	}
	conn.Transport.Send(msg)
}
