// Package session maintains one client's long-lived connection to the relay
// for a single room: handshake, reconnection, the offline change queue, and
// the locally merged view of the room.
package session

import (
	"errors"
	"log/slog"
	"time"

	"github.com/onnwee/meetpoint/internal/cache"
	"github.com/onnwee/meetpoint/internal/room"
)

// Default timing values for the transport session.
const (
	// DefaultReconnectDelay is the fixed delay between reconnect attempts.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultHandshakeTimeout bounds the WebSocket dial.
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultStateTimeout bounds the wait for the relay's full_state answer
	// after a connect; past it the attempt counts as failed and the session
	// falls back to the reconnect path instead of hanging.
	DefaultStateTimeout = 12 * time.Second

	// DefaultStaleAfter is the window past which consumers should treat a
	// participant as possibly offline even without an explicit leave.
	DefaultStaleAfter = 90 * time.Second
)

// Configuration errors.
var (
	ErrEmptyRelayURL      = errors.New("relay URL cannot be empty")
	ErrEmptySlug          = errors.New("room slug cannot be empty")
	ErrEmptyParticipantID = errors.New("participant id cannot be empty")
	ErrInvalidDelay       = errors.New("reconnect delay must be positive")
	ErrInvalidTimeout     = errors.New("timeouts must be positive")
)

// Config holds configuration for one (room, participant) session.
type Config struct {
	// RelayURL is the relay's base WebSocket URL, e.g. "ws://host:8080".
	RelayURL string

	// Slug names the room. It is treated as an opaque identifier.
	Slug string

	// Self is this client's own participant record. The id must be set and
	// stable for the browsing session.
	Self room.Participant

	// ReconnectDelay is the fixed delay before each reconnect attempt.
	ReconnectDelay time.Duration

	// HandshakeTimeout bounds the WebSocket dial.
	HandshakeTimeout time.Duration

	// StateTimeout bounds the wait for the full_state answer per connect.
	StateTimeout time.Duration

	// StaleAfter is the liveness window reported by StaleParticipants.
	StaleAfter time.Duration

	// Cache optionally persists the merged snapshot per slug for warm
	// starts. Nil disables caching.
	Cache cache.Store

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// OnStateChange is invoked with the new merged snapshot after every
	// applied change, local or remote. Optional.
	OnStateChange func(room.Snapshot)

	// OnConnectivityChange is invoked when the relay connection is
	// established or lost. Optional.
	OnConnectivityChange func(connected bool)
}

// DefaultConfig returns a Config with the default timing values.
func DefaultConfig(relayURL, slug string, self room.Participant) Config {
	return Config{
		RelayURL:         relayURL,
		Slug:             slug,
		Self:             self,
		ReconnectDelay:   DefaultReconnectDelay,
		HandshakeTimeout: DefaultHandshakeTimeout,
		StateTimeout:     DefaultStateTimeout,
		StaleAfter:       DefaultStaleAfter,
	}
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.RelayURL == "" {
		return ErrEmptyRelayURL
	}
	if c.Slug == "" {
		return ErrEmptySlug
	}
	if c.Self.ID == "" {
		return ErrEmptyParticipantID
	}
	if c.ReconnectDelay <= 0 {
		return ErrInvalidDelay
	}
	if c.HandshakeTimeout <= 0 || c.StateTimeout <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}
