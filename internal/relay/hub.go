package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/onnwee/meetpoint/internal/room"
	"github.com/onnwee/meetpoint/internal/wire"
)

// Default relay tuning values.
const (
	DefaultLivenessTimeout  = 2 * time.Minute
	DefaultLivenessInterval = 15 * time.Second
	DefaultSweepInterval    = time.Minute
	DefaultPingInterval     = 30 * time.Second
	DefaultReadTimeout      = 90 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultFrameRate        = rate.Limit(20) // frames per second per session
	DefaultFrameBurst       = 40
)

// Hub errors.
var (
	ErrRoomExists   = errors.New("room already exists")
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomFull     = errors.New("room full")
)

// Config holds relay-wide tuning.
type Config struct {
	// LivenessTimeout is how long a participant without an attached session
	// survives before the relay synthesizes a leave.
	LivenessTimeout time.Duration

	// LivenessInterval is how often each room checks for timed-out
	// participants.
	LivenessInterval time.Duration

	// SweepInterval is how often expired, empty rooms are deleted.
	SweepInterval time.Duration

	// PingInterval and ReadTimeout drive the heartbeat on each session.
	PingInterval time.Duration
	ReadTimeout  time.Duration

	// WriteTimeout bounds every outbound WebSocket write.
	WriteTimeout time.Duration

	// FrameRate and FrameBurst limit inbound frames per session; frames
	// past the limit are dropped, never a reason to disconnect.
	FrameRate  rate.Limit
	FrameBurst int

	Logger  *slog.Logger
	Metrics *Metrics
	Store   SnapshotStore
}

// DefaultConfig returns relay tuning defaults. Logger, Metrics, and Store
// stay optional.
func DefaultConfig() Config {
	return Config{
		LivenessTimeout:  DefaultLivenessTimeout,
		LivenessInterval: DefaultLivenessInterval,
		SweepInterval:    DefaultSweepInterval,
		PingInterval:     DefaultPingInterval,
		ReadTimeout:      DefaultReadTimeout,
		WriteTimeout:     DefaultWriteTimeout,
		FrameRate:        DefaultFrameRate,
		FrameBurst:       DefaultFrameBurst,
	}
}

// Hub serves many rooms concurrently. Each room is an independent sequential
// actor; the hub only routes sessions and sweeps expired rooms.
type Hub struct {
	cfg Config

	mu    sync.Mutex
	rooms map[string]*roomActor
	ctx   context.Context
}

// NewHub creates a relay hub.
func NewHub(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = DefaultLivenessTimeout
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = DefaultLivenessInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = DefaultFrameRate
	}
	if cfg.FrameBurst <= 0 {
		cfg.FrameBurst = DefaultFrameBurst
	}
	return &Hub{
		cfg:   cfg,
		rooms: make(map[string]*roomActor),
		ctx:   context.Background(),
	}
}

// Run drives the expiry sweeper until ctx is cancelled. Room actors started
// before or after Run inherit ctx for shutdown.
func (h *Hub) Run(ctx context.Context) {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	ticker := time.NewTicker(h.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for slug, a := range h.rooms {
				a.stop()
				delete(h.rooms, slug)
			}
			h.mu.Unlock()
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// CreateRoom registers a new room. The slug must not name an active room.
func (h *Hub) CreateRoom(ctx context.Context, meta room.Meta) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.rooms[meta.Slug]; ok {
		return ErrRoomExists
	}
	if h.cfg.Store != nil {
		if _, found, err := h.cfg.Store.Load(ctx, meta.Slug); err == nil && found {
			return ErrRoomExists
		}
	}

	state := room.NewSnapshot(meta).TouchExpiry(room.Now())
	a := h.startActorLocked(meta.Slug, state)
	a.do(func() { a.persist() })
	return nil
}

// Meta returns the current metadata for a room, reviving it from the
// warm-start store if needed.
func (h *Hub) Meta(ctx context.Context, slug string) (room.Meta, bool) {
	a := h.actor(ctx, slug)
	if a == nil {
		return room.Meta{}, false
	}
	return a.meta()
}

// UpdateMeta applies fn to a room's metadata, bumps the revision counter,
// and returns the result. The update runs on the room's actor, serialized
// with every other change to that room.
func (h *Hub) UpdateMeta(ctx context.Context, slug string, fn func(room.Meta) room.Meta) (room.Meta, error) {
	a := h.actor(ctx, slug)
	if a == nil {
		return room.Meta{}, ErrRoomNotFound
	}

	ch := make(chan room.Meta, 1)
	ok := a.do(func() {
		m := fn(a.state.Meta)
		m.Revision = a.state.Meta.Revision + 1
		a.state = a.state.SetMeta(m).TouchExpiry(room.Now())
		a.persist()
		ch <- a.state.Meta
	})
	if !ok {
		return room.Meta{}, ErrRoomNotFound
	}
	select {
	case m := <-ch:
		return m, nil
	case <-a.stopped:
		return room.Meta{}, ErrRoomNotFound
	}
}

// Serve attaches an upgraded WebSocket connection to its room and pumps
// inbound frames until the connection dies. It blocks for the connection's
// lifetime. An unknown slug is refused with close code 4002; a full room
// refuses new participants at admission with close code 4001, before any
// state is answered.
func (h *Hub) Serve(ctx context.Context, slug, participantID string, conn *websocket.Conn) error {
	a := h.actor(ctx, slug)
	c := &wsConn{
		participantID: participantID,
		conn:          conn,
		limiter:       rate.NewLimiter(h.cfg.FrameRate, h.cfg.FrameBurst),
		writeTimeout:  h.cfg.WriteTimeout,
	}
	if a == nil {
		c.writeClose(wire.CloseRoomNotFound, "room not found")
		c.drain()
		return ErrRoomNotFound
	}
	admitted := make(chan bool, 1)
	if !a.do(func() { admitted <- a.attach(c) }) {
		c.writeClose(wire.CloseRoomNotFound, "room not found")
		c.drain()
		return ErrRoomNotFound
	}
	select {
	case ok := <-admitted:
		if !ok {
			h.cfg.Logger.Info("session refused, room full",
				slog.String("slug", slug),
				slog.String("participant", participantID))
			c.writeClose(wire.CloseRoomFull, "room full")
			c.drain()
			return ErrRoomFull
		}
	case <-a.stopped:
		c.writeClose(wire.CloseRoomNotFound, "room not found")
		c.drain()
		return ErrRoomNotFound
	}
	defer a.do(func() { a.detach(c) })

	// Heartbeat: ping on an interval, expect traffic (or pongs) within the
	// read window.
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(h.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.cfg.Logger.Info("session closed unexpectedly",
					slog.String("slug", slug),
					slog.String("participant", participantID),
					slog.String("error", err.Error()))
			}
			return nil
		}
		_ = conn.SetReadDeadline(time.Now().Add(h.cfg.ReadTimeout))

		frame, err := wire.Decode(payload)
		if err != nil {
			// Malformed frames are dropped and logged, never a reason to
			// disconnect the session.
			h.cfg.Metrics.IncFramesDropped(DropMalformed)
			h.cfg.Logger.Warn("dropping malformed frame",
				slog.String("slug", slug),
				slog.String("participant", participantID),
				slog.String("error", err.Error()))
			continue
		}
		if !c.limiter.Allow() {
			h.cfg.Metrics.IncFramesDropped(DropRateLimited)
			continue
		}
		if !a.do(func() { a.handleFrame(c, frame) }) {
			return nil
		}
	}
}

// actor returns the live actor for slug, reviving it from the warm-start
// store when the relay restarted since the room was created.
func (h *Hub) actor(ctx context.Context, slug string) *roomActor {
	h.mu.Lock()
	defer h.mu.Unlock()

	if a, ok := h.rooms[slug]; ok {
		return a
	}
	if h.cfg.Store == nil {
		return nil
	}
	snap, found, err := h.cfg.Store.Load(ctx, slug)
	if err != nil {
		h.cfg.Logger.Warn("room snapshot load failed",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
		return nil
	}
	if !found {
		return nil
	}
	h.cfg.Logger.Info("room revived from store", slog.String("slug", slug))
	return h.startActorLocked(slug, snap)
}

func (h *Hub) startActorLocked(slug string, state room.Snapshot) *roomActor {
	a := newRoomActor(slug, state, h.cfg)
	h.rooms[slug] = a
	go a.run(h.ctx)
	h.cfg.Metrics.SetRoomsActive(len(h.rooms))
	return a
}

// sweep deletes rooms with zero participants attached and an expired
// timestamp, both from memory and the warm-start store.
func (h *Hub) sweep() {
	now := room.Now()

	h.mu.Lock()
	actors := make(map[string]*roomActor, len(h.rooms))
	for slug, a := range h.rooms {
		actors[slug] = a
	}
	h.mu.Unlock()

	for slug, a := range actors {
		if !a.idle(now) {
			continue
		}
		h.cfg.Logger.Info("deleting expired room", slog.String("slug", slug))
		a.stop()
		h.mu.Lock()
		delete(h.rooms, slug)
		h.cfg.Metrics.SetRoomsActive(len(h.rooms))
		h.mu.Unlock()
		if h.cfg.Store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			if err := h.cfg.Store.Delete(ctx, slug); err != nil {
				h.cfg.Logger.Warn("room snapshot delete failed",
					slog.String("slug", slug),
					slog.String("error", err.Error()))
			}
			cancel()
		}
	}
}
