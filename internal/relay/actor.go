package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/onnwee/meetpoint/internal/merge"
	"github.com/onnwee/meetpoint/internal/room"
	"github.com/onnwee/meetpoint/internal/wire"
)

// closeLinger bounds how long a connection stays readable after a close
// frame was written, so the peer can still receive it.
const closeLinger = time.Second

// wsConn is one attached WebSocket session. Writes are guarded by a mutex
// and a deadline so a stalled peer cannot wedge the room actor for long.
type wsConn struct {
	participantID string
	conn          *websocket.Conn
	limiter       *rate.Limiter
	writeTimeout  time.Duration

	writeMu sync.Mutex
}

func (c *wsConn) writeFrame(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// writeClose sends a close frame with the given code. The underlying
// connection is not torn down here; closing right behind the frame can turn
// into a reset that destroys it before the peer reads the code. The
// shortened read deadline bounds how long any read on this connection
// lingers afterwards.
func (c *wsConn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.writeMu.Unlock()
	_ = c.conn.SetReadDeadline(time.Now().Add(closeLinger))
}

// drain reads until the peer's close echo or the linger deadline. Used after
// a refusal issued outside an active read loop, before the connection is
// finally closed by its handler.
func (c *wsConn) drain() {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

// roomActor owns one room's authoritative state. The state is mutated only
// from the actor's own goroutine, which consumes a multi-producer inbox of
// closures; no other execution context ever holds a writable reference, so
// merges within a room are serialized while rooms stay fully concurrent
// with each other.
type roomActor struct {
	slug    string
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	store   SnapshotStore

	inbox   chan func()
	quit    chan struct{}
	stopped chan struct{}

	// Owned by the actor goroutine.
	state room.Snapshot
	conns map[*wsConn]struct{}
}

func newRoomActor(slug string, state room.Snapshot, cfg Config) *roomActor {
	return &roomActor{
		slug:    slug,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		store:   cfg.Store,
		inbox:   make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		state:   state,
		conns:   make(map[*wsConn]struct{}),
	}
}

// run is the actor loop. It executes queued closures in arrival order and
// periodically expires participants that lost their session long ago.
func (a *roomActor) run(ctx context.Context) {
	liveness := time.NewTicker(a.cfg.LivenessInterval)
	defer liveness.Stop()
	defer close(a.stopped)

	for {
		select {
		case <-ctx.Done():
			a.closeAll()
			return
		case <-a.quit:
			a.closeAll()
			return
		case fn := <-a.inbox:
			fn()
		case <-liveness.C:
			a.expireStale()
		}
	}
}

// do queues fn for the actor goroutine; false means the actor has stopped.
func (a *roomActor) do(fn func()) bool {
	select {
	case <-a.stopped:
		return false
	case a.inbox <- fn:
		return true
	}
}

func (a *roomActor) stop() {
	select {
	case <-a.quit:
	default:
		close(a.quit)
	}
}

func (a *roomActor) closeAll() {
	for c := range a.conns {
		_ = c.conn.Close()
	}
	a.conns = make(map[*wsConn]struct{})
}

// attach registers a session. Admission enforces the participant cap here,
// before any frame is read, so a client refused for capacity hears the close
// code instead of a full_state answer that would let it count itself synced.
// A second session for the same participant replaces the first; a room holds
// at most one session per participant, and a known participant is always
// readmitted regardless of capacity.
func (a *roomActor) attach(c *wsConn) bool {
	members := make(map[string]struct{}, len(a.state.Participants)+len(a.conns))
	for id := range a.state.Participants {
		members[id] = struct{}{}
	}
	for existing := range a.conns {
		members[existing.participantID] = struct{}{}
	}
	if _, known := members[c.participantID]; !known && len(members) >= a.capacity() {
		return false
	}

	for existing := range a.conns {
		if existing.participantID == c.participantID {
			existing.writeClose(websocket.ClosePolicyViolation, "superseded by newer session")
			delete(a.conns, existing)
			a.metrics.AddSessionsActive(-1)
		}
	}
	a.conns[c] = struct{}{}
	a.metrics.AddSessionsActive(1)
	return true
}

func (a *roomActor) capacity() int {
	if max := a.state.Meta.Settings.MaxParticipants; max > 0 {
		return max
	}
	return room.DefaultMaxParticipants
}

// detach removes a session from the active set. The participant's last-known
// entry stays in room state, so a brief network blip does not erase anyone;
// only an explicit leave or the liveness timeout removes it.
func (a *roomActor) detach(c *wsConn) {
	if _, ok := a.conns[c]; !ok {
		return
	}
	delete(a.conns, c)
	a.metrics.AddSessionsActive(-1)
}

// handleFrame processes one decoded inbound frame from session c.
func (a *roomActor) handleFrame(c *wsConn, f wire.Frame) {
	a.metrics.IncFramesReceived(string(f.Type))

	if f.Type == wire.TypeRequestState {
		snap := a.state
		if err := c.writeFrame(wire.Frame{Type: wire.TypeFullState, TS: room.Now(), State: &snap}); err != nil {
			a.logger.Warn("full state send failed",
				slog.String("slug", a.slug),
				slog.String("participant", c.participantID),
				slog.String("error", err.Error()))
		}
		return
	}

	if !a.ownsFrame(c, f) {
		a.metrics.IncFramesDropped(DropRejected)
		a.logger.Warn("dropping frame for foreign participant",
			slog.String("slug", a.slug),
			slog.String("type", string(f.Type)),
			slog.String("participant", c.participantID))
		return
	}

	start := time.Now()
	next, err := merge.Apply(a.state, f)
	a.metrics.ObserveApplyLatency(time.Since(start).Seconds())
	if err != nil {
		a.metrics.IncFramesDropped(DropRejected)
		if errors.Is(err, merge.ErrRoomFull) {
			a.logger.Info("join refused, room full",
				slog.String("slug", a.slug),
				slog.String("participant", c.participantID))
			c.writeClose(wire.CloseRoomFull, "room full")
			a.detach(c)
			return
		}
		a.logger.Warn("dropping inapplicable frame",
			slog.String("slug", a.slug),
			slog.String("type", string(f.Type)),
			slog.String("error", err.Error()))
		return
	}

	a.state = next.TouchExpiry(room.Now())
	a.persist()
	a.broadcast(f, c)
}

// ownsFrame enforces that a participant's fields are mutated only by its
// owning client. Waypoint operations are open to everyone in the room.
func (a *roomActor) ownsFrame(c *wsConn, f wire.Frame) bool {
	switch f.Type {
	case wire.TypeJoin:
		return f.Participant.ID == c.participantID
	case wire.TypeLeave, wire.TypeLocation, wire.TypeStatus:
		return f.ParticipantID == c.participantID
	}
	return true
}

// broadcast rebroadcasts the original change frame, not a snapshot, to every
// session except the origin, keeping steady-state traffic proportional to
// the number of edits rather than room size.
func (a *roomActor) broadcast(f wire.Frame, origin *wsConn) {
	sent := 0
	for c := range a.conns {
		if c == origin {
			continue
		}
		if err := c.writeFrame(f); err != nil {
			a.logger.Warn("broadcast send failed",
				slog.String("slug", a.slug),
				slog.String("participant", c.participantID),
				slog.String("error", err.Error()))
			continue
		}
		sent++
	}
	a.metrics.IncBroadcasts(sent)
}

// expireStale synthesizes a leave for participants whose session is gone and
// whose last activity is older than the liveness timeout.
func (a *roomActor) expireStale() {
	now := room.Now()
	cutoff := now - a.cfg.LivenessTimeout.Milliseconds()

	active := make(map[string]bool, len(a.conns))
	for c := range a.conns {
		active[c.participantID] = true
	}

	for id, p := range a.state.Participants {
		if active[id] || p.LastSeen >= cutoff {
			continue
		}
		leave := wire.Frame{Type: wire.TypeLeave, TS: now, ParticipantID: id}
		next, err := merge.Apply(a.state, leave)
		if err != nil {
			continue
		}
		a.logger.Info("participant timed out",
			slog.String("slug", a.slug),
			slog.String("participant", id))
		a.state = next
		a.persist()
		a.broadcast(leave, nil)
	}
}

// persist mirrors the authoritative state into the warm-start store.
// Failures degrade silently to cold starts on restart.
func (a *roomActor) persist() {
	if a.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.store.Save(ctx, a.slug, a.state); err != nil {
		a.logger.Warn("room snapshot persist failed",
			slog.String("slug", a.slug),
			slog.String("error", err.Error()))
	}
}

// meta answers the current room metadata from outside the actor goroutine.
func (a *roomActor) meta() (room.Meta, bool) {
	ch := make(chan room.Meta, 1)
	if !a.do(func() { ch <- a.state.Meta }) {
		return room.Meta{}, false
	}
	select {
	case m := <-ch:
		return m, true
	case <-a.stopped:
		return room.Meta{}, false
	}
}

// idle reports whether the room has no sessions and has expired.
func (a *roomActor) idle(now int64) bool {
	ch := make(chan bool, 1)
	if !a.do(func() { ch <- len(a.conns) == 0 && a.state.Meta.ExpiresAt <= now }) {
		return false
	}
	select {
	case v := <-ch:
		return v
	case <-a.stopped:
		return false
	}
}
