package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/onnwee/meetpoint/internal/geo"
	"github.com/onnwee/meetpoint/internal/merge"
	"github.com/onnwee/meetpoint/internal/palette"
	"github.com/onnwee/meetpoint/internal/room"
	"github.com/onnwee/meetpoint/internal/wire"
)

// Session lifecycle errors.
var (
	// ErrRoomFull is returned when the relay refuses the join because the
	// room is at capacity. The session does not retry.
	ErrRoomFull = errors.New("room full")

	// ErrRoomNotFound is returned when the relay knows no room under the
	// configured slug. The session does not retry.
	ErrRoomNotFound = errors.New("room not found")

	// ErrClosed is returned for operations on a session after Leave.
	ErrClosed = errors.New("session closed")
)

// Session is one participant's connection to one room. All local mutations
// apply to the in-memory snapshot immediately (optimistic) and are queued
// whenever the relay is unreachable, so a brief offline period delays
// visibility to others but never loses edits. Incoming merges and outgoing
// sends are serialized, so no two merges race on the same snapshot.
type Session struct {
	cfg    Config
	logger *slog.Logger
	wsURL  string

	mu     sync.Mutex
	state  room.Snapshot
	queue  []wire.Frame
	conn   *websocket.Conn
	synced bool // full_state received on the current connection
	closed bool
	runErr error

	writeMu sync.Mutex

	cancel   context.CancelFunc
	started  bool
	done     chan struct{}
	syncedCh chan struct{}
	syncOnce sync.Once
	failedCh chan struct{}
}

// New builds a session. If a cache store is configured, the last merged
// snapshot for the slug is loaded synchronously so callers can render
// immediately; a cache failure silently degrades to an empty room.
func New(cfg Config) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	state := room.Snapshot{}
	warm := false
	if cfg.Cache != nil {
		state, warm = cfg.Cache.Load(cfg.Slug)
	}
	if !warm {
		state = room.NewSnapshot(room.Meta{Slug: cfg.Slug, Name: cfg.Slug})
	}

	return &Session{
		cfg:      cfg,
		logger:   logger,
		wsURL:    cfg.RelayURL + "/v1/rooms/" + url.PathEscape(cfg.Slug) + "/ws?participant=" + url.QueryEscape(cfg.Self.ID),
		state:    state,
		done:     make(chan struct{}),
		syncedCh: make(chan struct{}),
		failedCh: make(chan struct{}),
	}, nil
}

// Snapshot returns the current merged view of the room.
func (s *Session) Snapshot() room.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the relay connection is currently up.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Err returns the terminal refusal that stopped the session, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runErr
}

// Join registers this client in the room and starts the connection loop. It
// applies the local join optimistically, then blocks until the first
// reconcile with the relay completes, the relay refuses the session, or ctx
// gives up the wait; in the last case the session keeps connecting in the
// background and Join returns ctx.Err(). Transport failures are never
// surfaced here: the session retries them forever until Leave.
func (s *Session) Join(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	self := normalizeSelf(s.cfg.Self)
	s.cfg.Self = self
	s.state = s.state.SetParticipant(self)
	snap := s.state
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.persist(snap)
	s.emit(snap)

	go s.run(runCtx)

	select {
	case <-s.syncedCh:
		return nil
	case <-s.failedCh:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizeSelf fills the fields a joining record must carry.
func normalizeSelf(p room.Participant) room.Participant {
	now := room.Now()
	if !palette.IsValid(p.Color) {
		p.Color = palette.Pick()
	}
	if p.JoinedAt == 0 {
		p.JoinedAt = now
	}
	if p.LastSeen < p.JoinedAt {
		p.LastSeen = p.JoinedAt
	}
	if p.Status == "" {
		p.Status = room.StatusOnline
	}
	if p.Location != nil && p.LocationTS == 0 {
		p.LocationTS = p.Location.Timestamp
	}
	return p
}

// SendLocation reports a new location observation. The participant's own
// privacy settings are applied before anything leaves the session: ghost
// mode or disabled sharing turns the report into a clear, and a coarser
// precision level snaps the point before it is shared. The reported record
// is also what the session applies locally, so every replica, including this
// one, holds the same value.
func (s *Session) SendLocation(loc room.Location) {
	if loc.Timestamp == 0 {
		loc.Timestamp = room.Now()
	}
	reported := geo.Obfuscate(&loc, s.cfg.Self.Privacy)
	s.send(wire.Frame{
		Type:          wire.TypeLocation,
		TS:            loc.Timestamp,
		ParticipantID: s.cfg.Self.ID,
		Location:      reported,
	})
}

// ClearLocation stops sharing a location, distinct from never having shared.
func (s *Session) ClearLocation() {
	s.send(wire.Frame{
		Type:          wire.TypeLocation,
		TS:            room.Now(),
		ParticipantID: s.cfg.Self.ID,
	})
}

// SetStatus updates this participant's presence state.
func (s *Session) SetStatus(status room.Status) error {
	if !room.ValidStatus(status) {
		return fmt.Errorf("invalid status %q", status)
	}
	s.send(wire.Frame{
		Type:          wire.TypeStatus,
		TS:            room.Now(),
		ParticipantID: s.cfg.Self.ID,
		Status:        status,
	})
	return nil
}

// AddWaypoint shares a new waypoint, filling in identity fields the caller
// left empty, and returns the waypoint id.
func (s *Session) AddWaypoint(w room.Waypoint) string {
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedBy == "" {
		w.CreatedBy = s.cfg.Self.ID
	}
	if w.CreatedAt == 0 {
		w.CreatedAt = room.Now()
	}
	if !room.ValidWaypointType(w.Type) {
		w.Type = room.WaypointCustom
	}
	s.send(wire.Frame{
		Type:     wire.TypeWaypointAdd,
		TS:       w.CreatedAt,
		Waypoint: &w,
	})
	return w.ID
}

// RemoveWaypoint removes a waypoint by id. Removal wins against any
// concurrent add of the same id.
func (s *Session) RemoveWaypoint(id string) {
	s.send(wire.Frame{
		Type:       wire.TypeWaypointRemove,
		TS:         room.Now(),
		WaypointID: id,
	})
}

// StaleParticipants returns ids not seen within the staleness window, for
// consumers to gray out. The session itself never evicts anyone.
func (s *Session) StaleParticipants(now time.Time) []string {
	cutoff := now.Add(-s.cfg.StaleAfter).UnixMilli()
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, p := range s.state.Participants {
		if id != s.cfg.Self.ID && p.LastSeen < cutoff {
			out = append(out, id)
		}
	}
	return out
}

// Leave ends the session: it cancels any pending reconnect, sends a
// best-effort leave frame, releases the connection, and is safe to call at
// any time, including repeatedly.
func (s *Session) Leave() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conn := s.conn
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	if conn != nil {
		frame, err := wire.Encode(wire.Frame{
			Type:          wire.TypeLeave,
			TS:            room.Now(),
			ParticipantID: s.cfg.Self.ID,
		})
		if err == nil {
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
			_ = conn.WriteMessage(websocket.TextMessage, frame)
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			s.writeMu.Unlock()
		}
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	if started {
		<-s.done
	}
}

// send applies a change locally, then ships it to the relay or queues it
// while disconnected or not yet reconciled.
func (s *Session) send(f wire.Frame) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	next, err := merge.Apply(s.state, f)
	if err != nil {
		s.mu.Unlock()
		s.logger.Warn("local change rejected", slog.String("type", string(f.Type)), slog.String("error", err.Error()))
		return
	}
	s.state = next
	conn, synced := s.conn, s.synced
	if conn == nil || !synced {
		s.queue = append(s.queue, f)
		conn = nil
	}
	s.mu.Unlock()

	s.persist(next)
	s.emit(next)

	if conn == nil {
		return
	}
	if err := s.writeFrame(conn, f); err != nil {
		s.logger.Warn("send failed, queueing change", slog.String("type", string(f.Type)), slog.String("error", err.Error()))
		s.mu.Lock()
		s.queue = append(s.queue, f)
		s.mu.Unlock()
	}
}

// run is the connection loop: dial, reconcile, pump, and on any failure wait
// the fixed reconnect delay and try again, forever, until Leave.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("relay connection failed",
				slog.String("slug", s.cfg.Slug),
				slog.String("error", err.Error()))
			if !s.sleep(ctx) {
				return
			}
			continue
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.synced = false
		s.mu.Unlock()
		s.notifyConnectivity(true)

		err = s.runConn(ctx, conn)

		s.mu.Lock()
		s.conn = nil
		s.synced = false
		s.mu.Unlock()
		_ = conn.Close()
		s.notifyConnectivity(false)

		if refusal := refusalError(err); refusal != nil {
			s.fail(refusal)
			return
		}
		if ctx.Err() != nil {
			return
		}
		s.logger.Info("relay connection lost, scheduling reconnect",
			slog.String("slug", s.cfg.Slug),
			slog.Duration("delay", s.cfg.ReconnectDelay))
		if !s.sleep(ctx) {
			return
		}
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, s.wsURL, nil)
	return conn, err
}

// runConn drives one established connection: emit request_state to reconcile
// against whatever the relay currently holds, then announce ourselves, then
// read until the connection dies. The full_state answer is bounded by the
// state timeout.
func (s *Session) runConn(ctx context.Context, conn *websocket.Conn) error {
	if err := s.writeFrame(conn, wire.Frame{Type: wire.TypeRequestState, TS: room.Now()}); err != nil {
		return harvestClose(conn, err)
	}

	s.mu.Lock()
	self, ok := s.state.Participant(s.cfg.Self.ID)
	s.mu.Unlock()
	if !ok {
		self = normalizeSelf(s.cfg.Self)
	}
	self.LastSeen = room.Now()
	if err := s.writeFrame(conn, wire.Frame{Type: wire.TypeJoin, TS: self.LastSeen, Participant: &self}); err != nil {
		return harvestClose(conn, err)
	}

	// If the relay's full_state does not arrive in time, force the read
	// loop out so the attempt fails over to the reconnect path.
	stateTimer := time.AfterFunc(s.cfg.StateTimeout, func() {
		s.logger.Warn("full state timed out", slog.String("slug", s.cfg.Slug))
		_ = conn.Close()
	})
	defer stateTimer.Stop()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		frame, err := wire.Decode(payload)
		if err != nil {
			s.logger.Warn("dropping malformed frame", slog.String("error", err.Error()))
			continue
		}
		s.handleFrame(conn, frame, stateTimer)
	}
}

// handleFrame folds one inbound frame into local state.
func (s *Session) handleFrame(conn *websocket.Conn, f wire.Frame, stateTimer *time.Timer) {
	switch {
	case f.Type == wire.TypeFullState:
		stateTimer.Stop()

		s.mu.Lock()
		next := merge.FullState(s.state, *f.State, s.cfg.Self.ID)
		// Queued optimistic edits may not be reflected in the relay's
		// answer yet; re-applying them is a no-op when they are.
		pending := make([]wire.Frame, len(s.queue))
		copy(pending, s.queue)
		s.queue = s.queue[:0]
		for _, q := range pending {
			if applied, err := merge.Apply(next, q); err == nil {
				next = applied
			}
		}
		s.state = next
		s.synced = true
		s.mu.Unlock()

		s.persist(next)
		s.emit(next)
		s.syncOnce.Do(func() { close(s.syncedCh) })

		for _, q := range pending {
			if err := s.writeFrame(conn, q); err != nil {
				s.logger.Warn("resend failed, re-queueing", slog.String("error", err.Error()))
				s.mu.Lock()
				s.queue = append(s.queue, q)
				s.mu.Unlock()
				return
			}
		}

	case f.IsChange():
		s.mu.Lock()
		next, err := merge.Apply(s.state, f)
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("dropping inapplicable change",
				slog.String("type", string(f.Type)),
				slog.String("error", err.Error()))
			return
		}
		s.state = next
		s.mu.Unlock()

		s.persist(next)
		s.emit(next)
	}
	// request_state frames are relay-bound and ignored here.
}

func (s *Session) writeFrame(conn *websocket.Conn, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sleep waits out the reconnect delay; false means the session is done.
func (s *Session) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(s.cfg.ReconnectDelay):
		return true
	}
}

func (s *Session) persist(snap room.Snapshot) {
	if s.cfg.Cache != nil {
		s.cfg.Cache.Save(s.cfg.Slug, snap)
	}
}

func (s *Session) emit(snap room.Snapshot) {
	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(snap)
	}
}

func (s *Session) notifyConnectivity(connected bool) {
	if s.cfg.OnConnectivityChange != nil {
		s.cfg.OnConnectivityChange(connected)
	}
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	s.runErr = err
	s.closed = true
	s.mu.Unlock()
	s.logger.Error("relay refused session", slog.String("slug", s.cfg.Slug), slog.String("error", err.Error()))
	close(s.failedCh)
}

// harvestClose follows a failed handshake write with a short read, so a
// close frame the relay sent concurrently, a refusal in particular, is not
// hidden behind the write's transport error and mistaken for a recoverable
// failure.
func harvestClose(conn *websocket.Conn, writeErr error) error {
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if refusalError(err) != nil {
				return err
			}
			return writeErr
		}
	}
}

// refusalError maps the relay's close codes onto session errors; everything
// else is a recoverable transport failure.
func refusalError(err error) error {
	switch {
	case websocket.IsCloseError(err, wire.CloseRoomFull):
		return ErrRoomFull
	case websocket.IsCloseError(err, wire.CloseRoomNotFound):
		return ErrRoomNotFound
	}
	return nil
}
