// Package wire defines the relay protocol: a tagged-union frame carried one
// per WebSocket text message, plus the close codes the relay uses to refuse
// a session.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/onnwee/meetpoint/internal/room"
)

// Type tags a protocol frame.
type Type string

// Protocol frame types.
const (
	TypeJoin           Type = "join"
	TypeLeave          Type = "leave"
	TypeLocation       Type = "location"
	TypeStatus         Type = "status"
	TypeWaypointAdd    Type = "waypoint_add"
	TypeWaypointRemove Type = "waypoint_remove"
	TypeRequestState   Type = "request_state"
	TypeFullState      Type = "full_state"
)

// WebSocket close codes used by the relay to refuse a session. Using close
// codes rather than an error frame lets a client tell a refusal apart from a
// transport failure and skip the reconnect loop.
const (
	CloseRoomFull     = 4001
	CloseRoomNotFound = 4002
)

// Frame decoding and validation errors.
var (
	ErrUnknownType  = errors.New("unknown frame type")
	ErrMissingField = errors.New("missing required frame field")
)

// Frame is one protocol message. Exactly one payload field is populated,
// selected by Type. TS is the sender's clock in Unix milliseconds; frames
// whose payload carries no embedded timestamp (status, leave,
// waypoint_remove, a null location) use it as their last-writer-wins stamp.
//
// A location frame with Location == nil signals "stop sharing", which is
// distinct from a participant record that never carried a location.
type Frame struct {
	Type          Type              `json:"type"`
	TS            int64             `json:"ts,omitempty"`
	Participant   *room.Participant `json:"participant,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Location      *room.Location    `json:"location,omitempty"`
	Status        room.Status       `json:"status,omitempty"`
	Waypoint      *room.Waypoint    `json:"waypoint,omitempty"`
	WaypointID    string            `json:"waypointId,omitempty"`
	State         *room.Snapshot    `json:"state,omitempty"`
}

// IsChange reports whether the frame carries a state change, as opposed to
// the request_state/full_state reconciliation pair.
func (f Frame) IsChange() bool {
	switch f.Type {
	case TypeJoin, TypeLeave, TypeLocation, TypeStatus, TypeWaypointAdd, TypeWaypointRemove:
		return true
	}
	return false
}

// Validate checks that the frame carries the payload its type requires.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeJoin:
		if f.Participant == nil || f.Participant.ID == "" {
			return fmt.Errorf("%w: join requires participant", ErrMissingField)
		}
	case TypeLeave:
		if f.ParticipantID == "" {
			return fmt.Errorf("%w: leave requires participantId", ErrMissingField)
		}
	case TypeLocation:
		// A nil location is a valid "stop sharing" payload.
		if f.ParticipantID == "" {
			return fmt.Errorf("%w: location requires participantId", ErrMissingField)
		}
	case TypeStatus:
		if f.ParticipantID == "" {
			return fmt.Errorf("%w: status requires participantId", ErrMissingField)
		}
		if !room.ValidStatus(f.Status) {
			return fmt.Errorf("%w: status requires a valid status", ErrMissingField)
		}
	case TypeWaypointAdd:
		if f.Waypoint == nil || f.Waypoint.ID == "" {
			return fmt.Errorf("%w: waypoint_add requires waypoint", ErrMissingField)
		}
	case TypeWaypointRemove:
		if f.WaypointID == "" {
			return fmt.Errorf("%w: waypoint_remove requires waypointId", ErrMissingField)
		}
	case TypeRequestState:
		// No payload.
	case TypeFullState:
		if f.State == nil {
			return fmt.Errorf("%w: full_state requires state", ErrMissingField)
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownType, f.Type)
	}
	return nil
}

// Encode serializes a frame after validating it.
func Encode(f Frame) ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(f)
}

// Decode parses and validates one frame. A malformed or unrecognized frame
// is an error for the caller to drop and log; it is never a reason to tear
// down the connection.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("malformed frame: %w", err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, err
	}
	return f, nil
}
