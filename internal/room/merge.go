package room

import "encoding/json"

// Merge combines two snapshots of the same room into one convergent result.
// The rules are commutative, associative, and idempotent, which is what
// permits rebroadcast without a delivery order and lets a client re-request
// full state at any time without corrupting local optimistic edits:
//
//   - participant registry: keyed union; the same key resolves by
//     last-writer-wins on LastSeen, with the location field resolved by its
//     own observation timestamp
//   - waypoints: set union minus the union of both removal sets, so a remove
//     racing an add for the same id always ends removed
//   - metadata: last-writer-wins on the Revision counter
func Merge(a, b Snapshot) Snapshot {
	out := NewSnapshot(MergeMeta(a.Meta, b.Meta))

	for id, pa := range a.Participants {
		if pb, ok := b.Participants[id]; ok {
			out.Participants[id] = MergeParticipant(pa, pb)
		} else {
			out.Participants[id] = pa
		}
	}
	for id, pb := range b.Participants {
		if _, ok := a.Participants[id]; !ok {
			out.Participants[id] = pb
		}
	}

	for id, ts := range a.Removed {
		out.Removed[id] = ts
	}
	for id, ts := range b.Removed {
		out.Removed[id] = maxInt64(out.Removed[id], ts)
	}

	for id, wa := range a.Waypoints {
		if _, gone := out.Removed[id]; gone {
			continue
		}
		if wb, ok := b.Waypoints[id]; ok {
			out.Waypoints[id] = MergeWaypoint(wa, wb)
		} else {
			out.Waypoints[id] = wa
		}
	}
	for id, wb := range b.Waypoints {
		if _, gone := out.Removed[id]; gone {
			continue
		}
		if _, ok := a.Waypoints[id]; !ok {
			out.Waypoints[id] = wb
		}
	}

	return out
}

// MergeParticipant resolves two records for the same participant id. The
// record with the greater LastSeen wins; the location register is then
// resolved independently by its own stamp so an out-of-order-delivered older
// observation never overwrites a newer one, and a "stop sharing" is not
// undone by an older set.
func MergeParticipant(a, b Participant) Participant {
	winner := a
	if later(b.LastSeen, a.LastSeen, b, a) {
		winner = b
	}
	winner.Location, winner.LocationTS = mergeLocation(a, b)
	winner.LastSeen = maxInt64(a.LastSeen, b.LastSeen)
	return winner
}

// MergeWaypoint resolves two records carrying the same waypoint id.
// Waypoints are immutable, so the two are normally identical; an accidental
// id collision resolves deterministically.
func MergeWaypoint(a, b Waypoint) Waypoint {
	if later(b.CreatedAt, a.CreatedAt, b, a) {
		return b
	}
	return a
}

// MergeMeta resolves room metadata by Revision and keeps the furthest-out
// expiry, since expiry refreshes are not metadata edits.
func MergeMeta(a, b Meta) Meta {
	winner := a
	if later(b.Revision, a.Revision, b, a) {
		winner = b
	}
	winner.ExpiresAt = maxInt64(a.ExpiresAt, b.ExpiresAt)
	return winner
}

func mergeLocation(a, b Participant) (*Location, int64) {
	if later(b.LocationTS, a.LocationTS, b.Location, a.Location) {
		return b.Location, b.LocationTS
	}
	return a.Location, a.LocationTS
}

// later reports whether the candidate stamped tsB supersedes the one stamped
// tsA. Equal stamps fall back to comparing canonical encodings, keeping the
// rule total and commutative without depending on arrival order.
func later(tsB, tsA int64, valB, valA any) bool {
	if tsB != tsA {
		return tsB > tsA
	}
	return canonical(valB) > canonical(valA)
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
