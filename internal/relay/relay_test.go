package relay_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/amakom/BlueprintAI-sub001/internal/authz"
	"github.com/amakom/BlueprintAI-sub001/internal/metrics"
	"github.com/amakom/BlueprintAI-sub001/internal/relay"
	"github.com/amakom/BlueprintAI-sub001/pkg/state"
	"github.com/amakom/BlueprintAI-sub001/pkg/state/registry"
)

func newTestLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

// captureConn records everything sent to it, decoded as envelopes.
type captureConn struct {
	id uuid.UUID

	mu   sync.Mutex
	msgs []relay.ServerMessage
}

func newCaptureConn() *captureConn { return &captureConn{id: uuid.New()} }

func (c *captureConn) ID() uuid.UUID { return c.id }

func (c *captureConn) Close(err error) {}

func (c *captureConn) Send(msg []byte) {
	var env relay.ServerMessage
	if err := json.Unmarshal(msg, &env); err != nil {
		panic("relay sent invalid envelope: " + err.Error())
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, env)
}

func (c *captureConn) received() []relay.ServerMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]relay.ServerMessage, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *captureConn) payloadField(t *testing.T, i int, field string) any {
	t.Helper()
	msgs := c.received()
	if i >= len(msgs) {
		t.Fatalf("expected at least %d messages, got %d", i+1, len(msgs))
	}
	var body map[string]any
	if err := json.Unmarshal(msgs[i].Payload, &body); err != nil {
		t.Fatalf("payload is not an object: %v", err)
	}
	return body[field]
}

type failingOracle struct{}

func (failingOracle) IsMember(context.Context, string, string) (bool, error) {
	return false, errors.New("store unavailable")
}

func newTestRelay(oracle authz.Oracle) (*relay.Relay, *registry.InMemory) {
	logger := newTestLogger()
	reg := registry.NewInMemory(logger)
	return relay.New(logger, reg, oracle, metrics.New(prometheus.NewRegistry())), reg
}

func connect(t *testing.T, reg *registry.InMemory, subject string) *captureConn {
	t.Helper()
	conn := newCaptureConn()
	_, err := reg.RegisterConnection(conn, "127.0.0.1", state.Identity{
		SubjectID: subject,
		Email:     subject + "@example.com",
		Name:      subject,
		Role:      "member",
	})
	if err != nil {
		t.Fatalf("failed to register %s: %v", subject, err)
	}
	return conn
}

func send(r *relay.Relay, conn *captureConn, event, payload string) {
	r.HandleMessage(context.Background(), conn.ID(), []byte(
		fmt.Sprintf(`{"event":%q,"payload":%s}`, event, payload),
	))
}

func TestJoinDeniedByOracle(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")

	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)

	// u2 gets the scoped error and nothing else.
	msgs := u2.received()
	if len(msgs) != 1 || msgs[0].Event != relay.EventError {
		t.Fatalf("expected a single error event for u2, got %+v", msgs)
	}
	if got := u2.payloadField(t, 0, "message"); got != "Access denied to this project" {
		t.Errorf("unexpected error message: %v", got)
	}

	// Room state is untouched: u1 remains the sole member, and u1 saw no
	// user-joined for u2.
	if conns := reg.RoomConnections("p1"); len(conns) != 1 {
		t.Errorf("expected 1 member in p1, got %d", len(conns))
	}
	if msgs := u1.received(); len(msgs) != 0 {
		t.Errorf("expected no broadcasts to u1, got %+v", msgs)
	}
}

func TestOracleFailureIsDenial(t *testing.T) {
	r, reg := newTestRelay(failingOracle{})
	u1 := connect(t, reg, "u1")

	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)

	msgs := u1.received()
	if len(msgs) != 1 || msgs[0].Event != relay.EventError {
		t.Fatalf("expected denial error on oracle failure, got %+v", msgs)
	}
	if _, found := reg.FindRoom("p1"); found {
		t.Error("room must not be created when the oracle fails")
	}
}

func TestJoinBroadcastsToOthersOnly(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")

	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)

	// u1 sees u2 arrive; u2 does not see its own join.
	msgs := u1.received()
	if len(msgs) != 1 || msgs[0].Event != relay.EventUserJoined {
		t.Fatalf("expected user-joined for u1, got %+v", msgs)
	}
	if got := u1.payloadField(t, 0, "userId"); got != "u2" {
		t.Errorf("expected userId u2, got %v", got)
	}
	if got := u1.payloadField(t, 0, "socketId"); got != u2.ID().String() {
		t.Errorf("expected socketId %s, got %v", u2.ID(), got)
	}
	if msgs := u2.received(); len(msgs) != 0 {
		t.Errorf("expected no self-echo for u2, got %+v", msgs)
	}
}

func TestJoinAcceptsBareStringPayload(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	send(r, u1, relay.EventJoinProject, `"p1"`)

	if !reg.IsMember(u1.ID(), "p1") {
		t.Error("expected bare-string join payload to be accepted")
	}
}

func TestCursorMoveEnrichment(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)

	send(r, u1, relay.EventCursorMove, `{"projectId":"p1","x":10,"y":20}`)

	msgs := u2.received()
	// msgs[0] is u1's... nothing: u2 joined after u1, so u2 only has the
	// cursor event.
	last := len(msgs) - 1
	if msgs[last].Event != relay.EventCursorMove {
		t.Fatalf("expected cursor-move, got %+v", msgs[last])
	}
	if got := u2.payloadField(t, last, "userId"); got != "u1" {
		t.Errorf("expected userId u1, got %v", got)
	}
	if got := u2.payloadField(t, last, "x"); got != float64(10) {
		t.Errorf("expected x=10, got %v", got)
	}
	if got := u2.payloadField(t, last, "y"); got != float64(20) {
		t.Errorf("expected y=20, got %v", got)
	}
	color, _ := u2.payloadField(t, last, "color").(string)
	if color == "" {
		t.Error("expected a non-empty color")
	}
	if color != relay.ColorFor("u1") {
		t.Errorf("expected stable color %s, got %s", relay.ColorFor("u1"), color)
	}

	// Sender receives nothing back.
	for _, m := range u1.received() {
		if m.Event == relay.EventCursorMove {
			t.Error("sender must not receive its own cursor event")
		}
	}

	// Repeated moves update the single presence entry.
	send(r, u1, relay.EventCursorMove, `{"projectId":"p1","x":15,"y":25}`)
	entries := reg.RoomPresence("p1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 presence entry, got %d", len(entries))
	}
	if entries[0].X != 15 || entries[0].Y != 25 {
		t.Errorf("expected updated coordinates (15,25), got (%v,%v)", entries[0].X, entries[0].Y)
	}
}

func TestStampingOverwritesForgedIdentity(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)

	send(r, u1, relay.EventNodeAdd, `{"projectId":"p1","userId":"attacker","node":{"id":"n1","label":"Login"}}`)

	msgs := u2.received()
	last := len(msgs) - 1
	if msgs[last].Event != relay.EventNodeAdd {
		t.Fatalf("expected node-add, got %+v", msgs[last])
	}
	if got := u2.payloadField(t, last, "userId"); got != "u1" {
		t.Errorf("forged identity not overwritten: got userId %v", got)
	}
	// The body is passed through untouched.
	node, ok := u2.payloadField(t, last, "node").(map[string]any)
	if !ok || node["label"] != "Login" {
		t.Errorf("node body not passed through: %v", node)
	}
}

func TestEventMissingProjectIDDropped(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)
	before := len(u2.received())

	send(r, u1, relay.EventNodeChange, `{"node":{"id":"n1"}}`)

	if got := len(u2.received()); got != before {
		t.Errorf("event without projectId must not be relayed")
	}
	// And no error is surfaced to the sender either.
	for _, m := range u1.received() {
		if m.Event == relay.EventError {
			t.Error("missing projectId must be dropped silently")
		}
	}
}

func TestEventFromNonMemberDropped(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	outsider := connect(t, reg, "u2")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)

	// u2 is authorized but never joined; its events must not reach p1.
	send(r, outsider, relay.EventCommentAdd, `{"projectId":"p1","text":"hi"}`)

	if msgs := u1.received(); len(msgs) != 0 {
		t.Errorf("expected no relay from a non-member, got %+v", msgs)
	}
}

func TestUnknownEventKindDropped(t *testing.T) {
	oracle := authz.NewStaticOracle()
	r, reg := newTestRelay(oracle)
	u1 := connect(t, reg, "u1")

	send(r, u1, "shutdown-server", `{"projectId":"p1"}`)

	if msgs := u1.received(); len(msgs) != 0 {
		t.Errorf("unknown event kinds must be dropped, got %+v", msgs)
	}
}

func TestLeaveBroadcastsUserLeft(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)

	send(r, u2, relay.EventLeaveProject, `{"projectId":"p1"}`)

	msgs := u1.received()
	last := len(msgs) - 1
	if msgs[last].Event != relay.EventUserLeft {
		t.Fatalf("expected user-left, got %+v", msgs[last])
	}
	if got := u1.payloadField(t, last, "userId"); got != "u2" {
		t.Errorf("expected userId u2, got %v", got)
	}
	if got := u1.payloadField(t, last, "presenceCleared"); got != true {
		t.Errorf("sole connection leaving must clear presence, got %v", got)
	}
}

// A subject with two tabs in the same room keeps its cursor until the
// last tab goes; peers learn which departure was final from the
// user-left payload.
func TestUserLeftReportsPresenceClearedPerSubject(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u2", "p1")
	r, reg := newTestRelay(oracle)

	tabA := connect(t, reg, "u1")
	tabB := connect(t, reg, "u1")
	peer := connect(t, reg, "u2")
	send(r, tabA, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, tabB, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, peer, relay.EventJoinProject, `{"projectId":"p1"}`)

	send(r, tabA, relay.EventCursorMove, `{"projectId":"p1","x":5,"y":5}`)

	send(r, tabA, relay.EventLeaveProject, `{"projectId":"p1"}`)

	msgs := peer.received()
	last := len(msgs) - 1
	if msgs[last].Event != relay.EventUserLeft {
		t.Fatalf("expected user-left, got %+v", msgs[last])
	}
	if got := peer.payloadField(t, last, "presenceCleared"); got != false {
		t.Errorf("first tab leaving must not clear presence, got %v", got)
	}
	if entries := reg.RoomPresence("p1"); len(entries) != 1 {
		t.Fatalf("expected u1's cursor retained for the second tab, got %+v", entries)
	}

	r.HandleDisconnect(tabB.ID())

	msgs = peer.received()
	last = len(msgs) - 1
	if msgs[last].Event != relay.EventUserLeft {
		t.Fatalf("expected user-left, got %+v", msgs[last])
	}
	if got := peer.payloadField(t, last, "presenceCleared"); got != true {
		t.Errorf("last tab leaving must clear presence, got %v", got)
	}
	if entries := reg.RoomPresence("p1"); len(entries) != 0 {
		t.Errorf("expected u1's presence purged, got %+v", entries)
	}
}

func TestLeaveWithoutMembershipIsNoop(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)

	send(r, u2, relay.EventLeaveProject, `{"projectId":"p1"}`)

	if msgs := u1.received(); len(msgs) != 0 {
		t.Errorf("leave by a non-member must not broadcast, got %+v", msgs)
	}
	if msgs := u2.received(); len(msgs) != 0 {
		t.Errorf("leave by a non-member must not error, got %+v", msgs)
	}
}

func TestDisconnectNotifiesAllRooms(t *testing.T) {
	oracle := authz.NewStaticOracle()
	oracle.Allow("u1", "p1")
	oracle.Allow("u1", "p2")
	oracle.Allow("u2", "p1")
	oracle.Allow("u3", "p2")
	r, reg := newTestRelay(oracle)

	u1 := connect(t, reg, "u1")
	u2 := connect(t, reg, "u2")
	u3 := connect(t, reg, "u3")
	send(r, u1, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u1, relay.EventJoinProject, `{"projectId":"p2"}`)
	send(r, u2, relay.EventJoinProject, `{"projectId":"p1"}`)
	send(r, u3, relay.EventJoinProject, `{"projectId":"p2"}`)

	// Put a cursor in both rooms, then drop the connection abruptly.
	send(r, u1, relay.EventCursorMove, `{"projectId":"p1","x":1,"y":1}`)
	send(r, u1, relay.EventCursorMove, `{"projectId":"p2","x":2,"y":2}`)
	r.HandleDisconnect(u1.ID())

	for _, peer := range []*captureConn{u2, u3} {
		msgs := peer.received()
		last := len(msgs) - 1
		if last < 0 || msgs[last].Event != relay.EventUserLeft {
			t.Fatalf("expected user-left for peer, got %+v", msgs)
		}
		if got := peer.payloadField(t, last, "presenceCleared"); got != true {
			t.Errorf("abrupt disconnect of the only tab must clear presence, got %v", got)
		}
	}
	if entries := reg.RoomPresence("p1"); len(entries) != 0 {
		t.Errorf("expected u1's presence purged from p1, got %+v", entries)
	}
	if entries := reg.RoomPresence("p2"); len(entries) != 0 {
		t.Errorf("expected u1's presence purged from p2, got %+v", entries)
	}
	if _, found := reg.GetConnection(u1.ID()); found {
		t.Error("expected connection removed from registry")
	}
}

func TestMalformedMessageDropped(t *testing.T) {
	oracle := authz.NewStaticOracle()
	r, reg := newTestRelay(oracle)
	u1 := connect(t, reg, "u1")

	r.HandleMessage(context.Background(), u1.ID(), []byte(`{not json`))

	if msgs := u1.received(); len(msgs) != 0 {
		t.Errorf("malformed messages must be dropped silently, got %+v", msgs)
	}
}
