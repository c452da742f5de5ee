package room

import "sort"

// Snapshot is an immutable view of a room's merged state. Every mutation
// returns a new snapshot and leaves the receiver untouched, so a caller
// holding an older snapshot never observes later writes (copy-on-write).
//
// Removed tracks waypoint ids that must not be present, keyed to the removal
// timestamp. Keeping the set inside the snapshot is what makes a removal win
// against a concurrently delivered add for the same id, in either order.
type Snapshot struct {
	Meta         Meta                   `json:"room"`
	Participants map[string]Participant `json:"participants"`
	Waypoints    map[string]Waypoint    `json:"waypoints"`
	Removed      map[string]int64       `json:"removedWaypoints,omitempty"`
}

// NewSnapshot returns an empty snapshot for the given room metadata.
func NewSnapshot(meta Meta) Snapshot {
	return Snapshot{
		Meta:         meta,
		Participants: make(map[string]Participant),
		Waypoints:    make(map[string]Waypoint),
		Removed:      make(map[string]int64),
	}
}

// Participant returns the participant with the given id, if registered.
func (s Snapshot) Participant(id string) (Participant, bool) {
	p, ok := s.Participants[id]
	return p, ok
}

// ParticipantList returns all registered participants ordered by id, so the
// listing is stable across replicas.
func (s Snapshot) ParticipantList() []Participant {
	out := make([]Participant, 0, len(s.Participants))
	for _, p := range s.Participants {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WaypointList returns all live waypoints ordered by creation time, then id.
func (s Snapshot) WaypointList() []Waypoint {
	out := make([]Waypoint, 0, len(s.Waypoints))
	for _, w := range s.Waypoints {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// clone copies the snapshot's maps so a mutation never writes through to a
// previously returned value.
func (s Snapshot) clone() Snapshot {
	out := Snapshot{
		Meta:         s.Meta,
		Participants: make(map[string]Participant, len(s.Participants)),
		Waypoints:    make(map[string]Waypoint, len(s.Waypoints)),
		Removed:      make(map[string]int64, len(s.Removed)),
	}
	for id, p := range s.Participants {
		out.Participants[id] = p
	}
	for id, w := range s.Waypoints {
		out.Waypoints[id] = w
	}
	for id, ts := range s.Removed {
		out.Removed[id] = ts
	}
	return out
}

// SetParticipant registers or replaces a participant record.
func (s Snapshot) SetParticipant(p Participant) Snapshot {
	out := s.clone()
	if p.LastSeen < p.JoinedAt {
		p.LastSeen = p.JoinedAt
	}
	out.Participants[p.ID] = p
	return out
}

// RemoveParticipant deletes a participant from the registry. Removal is a
// plain deletion, not a tombstone.
func (s Snapshot) RemoveParticipant(id string) Snapshot {
	if _, ok := s.Participants[id]; !ok {
		return s
	}
	out := s.clone()
	delete(out.Participants, id)
	return out
}

// SetLocation replaces the participant's location wholesale and stamps
// LastSeen with the observation's timestamp. Unknown ids are ignored.
func (s Snapshot) SetLocation(id string, loc Location) Snapshot {
	p, ok := s.Participants[id]
	if !ok {
		return s
	}
	out := s.clone()
	l := loc
	p.Location = &l
	p.LocationTS = loc.Timestamp
	p.LastSeen = maxInt64(p.LastSeen, loc.Timestamp)
	out.Participants[id] = p
	return out
}

// ClearLocation drops the participant's location ("stop sharing") and stamps
// LastSeen with ts.
func (s Snapshot) ClearLocation(id string, ts int64) Snapshot {
	p, ok := s.Participants[id]
	if !ok {
		return s
	}
	out := s.clone()
	p.Location = nil
	p.LocationTS = maxInt64(p.LocationTS, ts)
	p.LastSeen = maxInt64(p.LastSeen, ts)
	out.Participants[id] = p
	return out
}

// SetStatus updates the participant's presence state and stamps LastSeen
// with ts. Unknown ids are ignored.
func (s Snapshot) SetStatus(id string, status Status, ts int64) Snapshot {
	p, ok := s.Participants[id]
	if !ok {
		return s
	}
	out := s.clone()
	p.Status = status
	p.LastSeen = maxInt64(p.LastSeen, ts)
	out.Participants[id] = p
	return out
}

// AddWaypoint inserts a waypoint unless its id has already been removed; a
// remove always beats an add for the same id.
func (s Snapshot) AddWaypoint(w Waypoint) Snapshot {
	if _, gone := s.Removed[w.ID]; gone {
		return s
	}
	out := s.clone()
	out.Waypoints[w.ID] = w
	return out
}

// RemoveWaypoint deletes a waypoint and records the id in the removal set so
// late-arriving adds for the same id stay out.
func (s Snapshot) RemoveWaypoint(id string, ts int64) Snapshot {
	out := s.clone()
	delete(out.Waypoints, id)
	out.Removed[id] = maxInt64(out.Removed[id], ts)
	return out
}

// SetMeta replaces the room metadata. The caller is responsible for bumping
// Revision on an accepted metadata change.
func (s Snapshot) SetMeta(meta Meta) Snapshot {
	out := s.clone()
	out.Meta = meta
	return out
}

// TouchExpiry pushes the room's expiry out to now plus the inactivity
// window. Called on every accepted change.
func (s Snapshot) TouchExpiry(now int64) Snapshot {
	out := s.clone()
	out.Meta.ExpiresAt = maxInt64(out.Meta.ExpiresAt, now+InactivityWindow.Milliseconds())
	return out
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
