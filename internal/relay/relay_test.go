package relay_test

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/meetpoint/internal/api"
	"github.com/onnwee/meetpoint/internal/relay"
	"github.com/onnwee/meetpoint/internal/room"
	"github.com/onnwee/meetpoint/internal/wire"
)

func newTestRelay(t *testing.T) (*relay.Hub, *httptest.Server) {
	t.Helper()
	cfg := relay.DefaultConfig()
	cfg.Logger = slog.Default()
	hub := relay.NewHub(cfg)

	mux := http.NewServeMux()
	api.NewRoomHandlers(hub, slog.Default(), nil).Routes(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return hub, server
}

func createRoom(t *testing.T, hub *relay.Hub, slug string, maxParticipants int) {
	t.Helper()
	err := hub.CreateRoom(context.Background(), room.Meta{
		ID:        slug + "-id",
		Slug:      slug,
		Name:      slug,
		CreatedAt: room.Now(),
		ExpiresAt: room.Now() + room.InactivityWindow.Milliseconds(),
		Settings:  room.Settings{MaxParticipants: maxParticipants, DefaultPrecision: room.PrecisionExact},
	})
	if err != nil {
		t.Fatalf("CreateRoom(%s): %v", slug, err)
	}
}

func dialRoom(t *testing.T, server *httptest.Server, slug, participant string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(server.URL, "http://", "ws://", 1) +
		"/v1/rooms/" + slug + "/ws?participant=" + participant
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s as %s: %v", slug, participant, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, f wire.Frame) {
	t.Helper()
	data, err := wire.Encode(f)
	if err != nil {
		t.Fatalf("encode %s: %v", f.Type, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", f.Type, err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) (wire.Frame, error) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		return wire.Frame{}, err
	}
	f, err := wire.Decode(payload)
	if err != nil {
		t.Fatalf("relay sent an undecodable frame: %v (%q)", err, payload)
	}
	return f, nil
}

// waitFor reads frames until one matches the type or the deadline passes.
func waitFor(t *testing.T, conn *websocket.Conn, typ wire.Type) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f, err := readFrame(t, conn)
		if err != nil {
			t.Fatalf("waiting for %s: %v", typ, err)
		}
		if f.Type == typ {
			return f
		}
	}
	t.Fatalf("no %s frame arrived", typ)
	return wire.Frame{}
}

func joinFrame(id string) wire.Frame {
	now := room.Now()
	return wire.Frame{
		Type: wire.TypeJoin,
		TS:   now,
		Participant: &room.Participant{
			ID:       id,
			Name:     id,
			Color:    "#e6194b",
			JoinedAt: now,
			LastSeen: now,
			Status:   room.StatusOnline,
		},
	}
}

func TestRelayAnswersRequestState(t *testing.T) {
	hub, server := newTestRelay(t)
	createRoom(t, hub, "38c3-crew", 10)

	conn := dialRoom(t, server, "38c3-crew", "alice")
	sendFrame(t, conn, joinFrame("alice"))
	sendFrame(t, conn, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})

	f := waitFor(t, conn, wire.TypeFullState)
	if f.State == nil {
		t.Fatal("full_state carried no state")
	}
	if f.State.Meta.Slug != "38c3-crew" {
		t.Errorf("state slug = %q", f.State.Meta.Slug)
	}
	if _, ok := f.State.Participants["alice"]; !ok {
		t.Error("own join missing from the relay's state")
	}
}

func TestRelayRebroadcastsChanges(t *testing.T) {
	hub, server := newTestRelay(t)
	createRoom(t, hub, "38c3-crew", 10)

	alice := dialRoom(t, server, "38c3-crew", "alice")
	sendFrame(t, alice, joinFrame("alice"))
	sendFrame(t, alice, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
	waitFor(t, alice, wire.TypeFullState)

	bob := dialRoom(t, server, "38c3-crew", "bob")
	sendFrame(t, bob, joinFrame("bob"))

	f := waitFor(t, alice, wire.TypeJoin)
	if f.Participant == nil || f.Participant.ID != "bob" {
		t.Fatalf("rebroadcast join = %+v, want bob's", f.Participant)
	}

	loc := room.Location{Lat: 53.5631, Lng: 9.9649, Accuracy: 5, Timestamp: room.Now(), Source: room.SourceGPS}
	sendFrame(t, bob, wire.Frame{Type: wire.TypeLocation, TS: loc.Timestamp, ParticipantID: "bob", Location: &loc})

	f = waitFor(t, alice, wire.TypeLocation)
	if f.ParticipantID != "bob" || f.Location == nil || f.Location.Lat != 53.5631 {
		t.Errorf("rebroadcast location = %+v", f)
	}

	// The origin must not receive its own frame back; the next thing bob
	// hears should be nothing (and certainly not his own location).
	_ = bob.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, payload, err := bob.ReadMessage(); err == nil {
		echo, decodeErr := wire.Decode(payload)
		if decodeErr == nil && echo.Type == wire.TypeLocation && echo.ParticipantID == "bob" {
			t.Error("origin received its own frame back")
		}
	}
}

func TestRelayRefusesJoinWhenFull(t *testing.T) {
	hub, server := newTestRelay(t)
	createRoom(t, hub, "tiny-room", 2)

	for _, id := range []string{"alice", "bob"} {
		conn := dialRoom(t, server, "tiny-room", id)
		sendFrame(t, conn, joinFrame(id))
		sendFrame(t, conn, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
		waitFor(t, conn, wire.TypeFullState)
	}

	// A new participant is refused at admission, before sending anything;
	// the relay must never answer it with state first.
	carol := dialRoom(t, server, "tiny-room", "carol")
	_ = carol.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := carol.ReadMessage()
	if !websocket.IsCloseError(err, wire.CloseRoomFull) {
		t.Fatalf("read on refused session: %v, want close code %d", err, wire.CloseRoomFull)
	}

	// A participant the room already knows is readmitted at capacity.
	alice := dialRoom(t, server, "tiny-room", "alice")
	sendFrame(t, alice, joinFrame("alice"))
	sendFrame(t, alice, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
	f := waitFor(t, alice, wire.TypeFullState)
	if _, ok := f.State.Participants["alice"]; !ok {
		t.Error("rejoining participant missing from state")
	}
}

func TestRelayRefusesUnknownRoom(t *testing.T) {
	_, server := newTestRelay(t)

	conn := dialRoom(t, server, "no-such-room", "alice")
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, wire.CloseRoomNotFound) {
		t.Fatalf("read on unknown room: %v, want close code %d", err, wire.CloseRoomNotFound)
	}
}

func TestRelayToleratesMalformedFrames(t *testing.T) {
	hub, server := newTestRelay(t)
	createRoom(t, hub, "38c3-crew", 10)

	conn := dialRoom(t, server, "38c3-crew", "alice")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatal(err)
	}

	// The connection survives and the relay still answers.
	sendFrame(t, conn, joinFrame("alice"))
	sendFrame(t, conn, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
	f := waitFor(t, conn, wire.TypeFullState)
	if _, ok := f.State.Participants["alice"]; !ok {
		t.Error("relay lost the join after malformed frames")
	}
}

func TestRelayDropsForeignParticipantFrames(t *testing.T) {
	hub, server := newTestRelay(t)
	createRoom(t, hub, "38c3-crew", 10)

	alice := dialRoom(t, server, "38c3-crew", "alice")
	sendFrame(t, alice, joinFrame("alice"))

	mallory := dialRoom(t, server, "38c3-crew", "mallory")
	sendFrame(t, mallory, joinFrame("mallory"))
	// mallory tries to move alice.
	loc := room.Location{Lat: 0, Lng: 0, Accuracy: 1, Timestamp: room.Now(), Source: room.SourceManual}
	sendFrame(t, mallory, wire.Frame{Type: wire.TypeLocation, TS: loc.Timestamp, ParticipantID: "alice", Location: &loc})

	sendFrame(t, mallory, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
	f := waitFor(t, mallory, wire.TypeFullState)
	if p, ok := f.State.Participants["alice"]; !ok {
		t.Fatal("alice missing from state")
	} else if p.Location != nil {
		t.Error("a foreign client moved another participant")
	}
}

func TestRelaySupersedesDuplicateSessions(t *testing.T) {
	hub, server := newTestRelay(t)
	createRoom(t, hub, "38c3-crew", 10)

	first := dialRoom(t, server, "38c3-crew", "alice")
	sendFrame(t, first, joinFrame("alice"))
	sendFrame(t, first, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
	waitFor(t, first, wire.TypeFullState)

	second := dialRoom(t, server, "38c3-crew", "alice")
	sendFrame(t, second, joinFrame("alice"))
	sendFrame(t, second, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()})
	waitFor(t, second, wire.TypeFullState)

	// The first session is closed out by the second.
	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := first.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
				t.Fatalf("first session ended with %v, want policy violation close", err)
			}
			break
		}
	}
}

func TestHubMetaAndUpdate(t *testing.T) {
	hub, _ := newTestRelay(t)
	createRoom(t, hub, "38c3-crew", 10)

	meta, ok := hub.Meta(context.Background(), "38c3-crew")
	if !ok {
		t.Fatal("Meta missed a live room")
	}
	if meta.Revision != 0 {
		t.Errorf("fresh room revision = %d", meta.Revision)
	}

	updated, err := hub.UpdateMeta(context.Background(), "38c3-crew", func(m room.Meta) room.Meta {
		m.Name = "renamed"
		return m
	})
	if err != nil {
		t.Fatalf("UpdateMeta: %v", err)
	}
	if updated.Name != "renamed" || updated.Revision != 1 {
		t.Errorf("updated meta = %+v", updated)
	}

	if _, ok := hub.Meta(context.Background(), "missing"); ok {
		t.Error("Meta invented a room")
	}
	if _, err := hub.UpdateMeta(context.Background(), "missing", func(m room.Meta) room.Meta { return m }); err == nil {
		t.Error("UpdateMeta accepted an unknown room")
	}
}
