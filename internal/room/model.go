// Package room defines the replicated state of a live-location room and the
// convergence rules that let every replica arrive at the same view regardless
// of the order in which changes are delivered.
package room

import "time"

// Status describes a participant's presence state.
type Status string

// Participant presence states.
const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusGhost   Status = "ghost"
	StatusOffline Status = "offline"
)

// ValidStatus reports whether s is a recognized presence state.
func ValidStatus(s Status) bool {
	switch s {
	case StatusOnline, StatusAway, StatusGhost, StatusOffline:
		return true
	}
	return false
}

// Source tags the origin of a location observation.
type Source string

// Location observation sources.
const (
	SourceGPS     Source = "gps"
	SourceNetwork Source = "network"
	SourceManual  Source = "manual"
	SourceIndoor  Source = "indoor-positioning"
)

// Precision is a participant-chosen location disclosure level.
type Precision string

// Disclosure levels, from full resolution down to a rough area.
const (
	PrecisionExact       Precision = "exact"
	PrecisionBuilding    Precision = "building"
	PrecisionArea        Precision = "area"
	PrecisionApproximate Precision = "approximate"
)

// ValidPrecision reports whether p is a recognized disclosure level.
func ValidPrecision(p Precision) bool {
	switch p {
	case PrecisionExact, PrecisionBuilding, PrecisionArea, PrecisionApproximate:
		return true
	}
	return false
}

// WaypointType categorizes a shared map annotation.
type WaypointType string

// Waypoint categories.
const (
	WaypointMeetup WaypointType = "meetup"
	WaypointEvent  WaypointType = "event"
	WaypointPOI    WaypointType = "poi"
	WaypointCustom WaypointType = "custom"
)

// ValidWaypointType reports whether t is a recognized waypoint category.
func ValidWaypointType(t WaypointType) bool {
	switch t {
	case WaypointMeetup, WaypointEvent, WaypointPOI, WaypointCustom:
		return true
	}
	return false
}

// Defaults for room settings and lifecycle.
const (
	// DefaultMaxParticipants caps how many participants may be registered
	// in a room at once. Joins beyond the cap are rejected, not merged.
	DefaultMaxParticipants = 10

	// InactivityWindow is how long a room survives without any accepted
	// change before it becomes eligible for deletion.
	InactivityWindow = 7 * 24 * time.Hour
)

// Settings holds per-room policy chosen at creation time.
type Settings struct {
	MaxParticipants  int       `json:"maxParticipants"`
	DefaultPrecision Precision `json:"defaultPrecision"`
	IndoorEnabled    bool      `json:"indoorEnabled"`
}

// Meta is the room-level metadata. Concurrent metadata edits resolve by the
// Revision counter, which is incremented on every accepted metadata change.
type Meta struct {
	ID        string   `json:"id"`
	Slug      string   `json:"slug"`
	Name      string   `json:"name"`
	CreatedAt int64    `json:"createdAt"`
	CreatedBy string   `json:"createdBy"`
	ExpiresAt int64    `json:"expiresAt"`
	Revision  int64    `json:"revision"`
	Settings  Settings `json:"settings"`
}

// Privacy holds a participant's own disclosure settings. They are applied on
// the owning client before a location ever reaches the wire.
type Privacy struct {
	Sharing   bool      `json:"sharing"`
	Precision Precision `json:"precision"`
	ShowFloor bool      `json:"showFloor"`
	Ghost     bool      `json:"ghost"`
}

// Indoor is an optional sub-position inside a venue.
type Indoor struct {
	Level int     `json:"level"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Space string  `json:"space,omitempty"`
}

// Location is a single position observation. A location is always replaced
// wholesale; a newer observation fully supersedes the previous one, compared
// by the observation's own Timestamp rather than delivery time.
type Location struct {
	Lat       float64  `json:"lat"`
	Lng       float64  `json:"lng"`
	Accuracy  float64  `json:"accuracy"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Timestamp int64    `json:"timestamp"`
	Source    Source   `json:"source"`
	Indoor    *Indoor  `json:"indoor,omitempty"`
}

// Participant is one joined member of a room. A participant record is only
// ever mutated by its owning client; the id is stable for the browsing
// session and never reused within the room's lifetime once removed.
//
// LocationTS stamps the location register as a whole. For a set it equals
// the observation's timestamp; for a clear it records when sharing stopped,
// so a "stop sharing" is not undone by merging in an older observation.
type Participant struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Glyph      string    `json:"glyph,omitempty"`
	Color      string    `json:"color"`
	JoinedAt   int64     `json:"joinedAt"`
	LastSeen   int64     `json:"lastSeen"`
	Status     Status    `json:"status"`
	Location   *Location `json:"location,omitempty"`
	LocationTS int64     `json:"locationTs,omitempty"`
	Privacy    Privacy   `json:"privacy"`
}

// Waypoint is a shared point of interest. Waypoints are append/remove only;
// editing is remove-then-add with a fresh id by convention.
type Waypoint struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Glyph     string       `json:"glyph,omitempty"`
	Location  Location     `json:"location"`
	CreatedBy string       `json:"createdBy"`
	CreatedAt int64        `json:"createdAt"`
	Type      WaypointType `json:"type"`
}

// Now returns the current wall clock as Unix milliseconds, the timestamp
// resolution used throughout the room state.
func Now() int64 {
	return time.Now().UnixMilli()
}
