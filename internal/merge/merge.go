// Package merge applies incoming protocol frames to a room snapshot and
// reconciles full-state answers. It is the one code path shared by the relay
// (building the authoritative room state) and the client session (folding
// rebroadcasts into the local optimistic state), which is what keeps every
// replica on identical rules.
package merge

import (
	"errors"
	"fmt"

	"github.com/onnwee/meetpoint/internal/room"
	"github.com/onnwee/meetpoint/internal/wire"
)

// Application errors.
var (
	// ErrRoomFull rejects a join that would exceed the room's participant
	// cap. The join is refused outright, never merged.
	ErrRoomFull = errors.New("room full")

	// ErrUnknownParticipant rejects a change for a participant id that is
	// not registered in the room.
	ErrUnknownParticipant = errors.New("unknown participant")

	// ErrNotAChange rejects frames that do not carry a state change.
	ErrNotAChange = errors.New("frame is not a state change")
)

// Apply folds one change frame into a snapshot and returns the new snapshot.
// Application is idempotent (re-applying the same frame is a no-op) and
// respects the per-field last-writer-wins rules, so frames may be applied in
// any interleaving across replicas. On error the input snapshot is returned
// unchanged.
func Apply(s room.Snapshot, f wire.Frame) (room.Snapshot, error) {
	if err := f.Validate(); err != nil {
		return s, err
	}

	switch f.Type {
	case wire.TypeJoin:
		return applyJoin(s, f)

	case wire.TypeLeave:
		return s.RemoveParticipant(f.ParticipantID), nil

	case wire.TypeLocation:
		p, ok := s.Participant(f.ParticipantID)
		if !ok {
			return s, fmt.Errorf("%w: %s", ErrUnknownParticipant, f.ParticipantID)
		}
		// Express the frame as a delta record and resolve through the same
		// last-writer-wins rules as a state merge, so a stale observation
		// delivered out of order never overwrites a newer one and an older
		// clear never undoes a newer observation.
		delta := p
		delta.Location = f.Location
		if f.Location != nil {
			delta.LocationTS = f.Location.Timestamp
		} else {
			delta.LocationTS = f.TS
		}
		delta.LastSeen = delta.LocationTS
		return s.SetParticipant(room.MergeParticipant(p, delta)), nil

	case wire.TypeStatus:
		if _, ok := s.Participant(f.ParticipantID); !ok {
			return s, fmt.Errorf("%w: %s", ErrUnknownParticipant, f.ParticipantID)
		}
		return s.SetStatus(f.ParticipantID, f.Status, f.TS), nil

	case wire.TypeWaypointAdd:
		return s.AddWaypoint(*f.Waypoint), nil

	case wire.TypeWaypointRemove:
		return s.RemoveWaypoint(f.WaypointID, f.TS), nil
	}

	return s, fmt.Errorf("%w: %s", ErrNotAChange, f.Type)
}

func applyJoin(s room.Snapshot, f wire.Frame) (room.Snapshot, error) {
	joining := *f.Participant
	if existing, ok := s.Participant(joining.ID); ok {
		// Re-join of a known participant: resolve field-wise, never a
		// capacity question.
		return s.SetParticipant(room.MergeParticipant(existing, joining)), nil
	}
	max := s.Meta.Settings.MaxParticipants
	if max <= 0 {
		max = room.DefaultMaxParticipants
	}
	if len(s.Participants) >= max {
		return s, fmt.Errorf("%w: capacity %d", ErrRoomFull, max)
	}
	return s.SetParticipant(joining), nil
}

// FullState reconciles a freshly received full-state snapshot with the local
// one. The remote registry is taken as the authoritative membership list --
// participants the relay no longer knows are dropped -- with one exception:
// the requesting client's own record is re-inserted if absent, because a
// relay's answer can be momentarily stale relative to the requester's own
// most recent local change, and a client never merges itself out. Records
// present on both sides resolve by the usual last-writer-wins rules, and
// waypoints keep their union-minus-removals semantics.
func FullState(local, remote room.Snapshot, selfID string) room.Snapshot {
	out := room.NewSnapshot(room.MergeMeta(local.Meta, remote.Meta))

	for id, rp := range remote.Participants {
		if lp, ok := local.Participants[id]; ok {
			out.Participants[id] = room.MergeParticipant(lp, rp)
		} else {
			out.Participants[id] = rp
		}
	}
	if self, ok := local.Participants[selfID]; ok {
		if _, present := out.Participants[selfID]; !present {
			out.Participants[selfID] = self
		}
	}

	for id, ts := range local.Removed {
		out.Removed[id] = ts
	}
	for id, ts := range remote.Removed {
		if ts > out.Removed[id] {
			out.Removed[id] = ts
		}
	}

	for id, lw := range local.Waypoints {
		if _, gone := out.Removed[id]; gone {
			continue
		}
		if rw, ok := remote.Waypoints[id]; ok {
			out.Waypoints[id] = room.MergeWaypoint(lw, rw)
		} else {
			out.Waypoints[id] = lw
		}
	}
	for id, rw := range remote.Waypoints {
		if _, gone := out.Removed[id]; gone {
			continue
		}
		if _, ok := local.Waypoints[id]; !ok {
			out.Waypoints[id] = rw
		}
	}

	return out
}
