package room

import "testing"

func testMeta() Meta {
	return Meta{
		ID:        "room-1",
		Slug:      "38c3-crew",
		Name:      "38c3 crew",
		CreatedAt: 1000,
		Settings:  Settings{MaxParticipants: DefaultMaxParticipants, DefaultPrecision: PrecisionExact},
	}
}

func TestSnapshotCopyOnWrite(t *testing.T) {
	base := NewSnapshot(testMeta())
	alice := Participant{ID: "alice", Name: "Alice", JoinedAt: 1000, Status: StatusOnline}

	withAlice := base.SetParticipant(alice)
	if len(base.Participants) != 0 {
		t.Fatalf("SetParticipant mutated the receiver: %d participants", len(base.Participants))
	}
	if len(withAlice.Participants) != 1 {
		t.Fatalf("expected 1 participant, got %d", len(withAlice.Participants))
	}

	moved := withAlice.SetLocation("alice", Location{Lat: 53.5, Lng: 9.9, Timestamp: 2000, Source: SourceGPS})
	if got, _ := withAlice.Participant("alice"); got.Location != nil {
		t.Fatal("SetLocation wrote through to the older snapshot")
	}
	if got, _ := moved.Participant("alice"); got.Location == nil {
		t.Fatal("SetLocation did not record the location")
	}

	removed := moved.RemoveParticipant("alice")
	if _, ok := moved.Participant("alice"); !ok {
		t.Fatal("RemoveParticipant mutated the receiver")
	}
	if _, ok := removed.Participant("alice"); ok {
		t.Fatal("RemoveParticipant did not remove the participant")
	}
}

func TestSetLocationStampsLastSeen(t *testing.T) {
	s := NewSnapshot(testMeta()).SetParticipant(Participant{ID: "a", JoinedAt: 1000, LastSeen: 1000})

	s = s.SetLocation("a", Location{Lat: 1, Lng: 2, Timestamp: 5000, Source: SourceGPS})
	p, _ := s.Participant("a")
	if p.LastSeen != 5000 {
		t.Errorf("LastSeen = %d, want 5000", p.LastSeen)
	}
	if p.LocationTS != 5000 {
		t.Errorf("LocationTS = %d, want 5000", p.LocationTS)
	}

	// An older observation's timestamp never rolls LastSeen back.
	s = s.SetLocation("a", Location{Lat: 1, Lng: 2, Timestamp: 3000, Source: SourceGPS})
	p, _ = s.Participant("a")
	if p.LastSeen != 5000 {
		t.Errorf("LastSeen after older observation = %d, want 5000", p.LastSeen)
	}
}

func TestSetLocationUnknownParticipant(t *testing.T) {
	s := NewSnapshot(testMeta())
	out := s.SetLocation("ghost", Location{Lat: 1, Lng: 2, Timestamp: 1, Source: SourceGPS})
	if len(out.Participants) != 0 {
		t.Fatal("SetLocation invented a participant")
	}
}

func TestClearLocation(t *testing.T) {
	s := NewSnapshot(testMeta()).
		SetParticipant(Participant{ID: "a", JoinedAt: 1000}).
		SetLocation("a", Location{Lat: 1, Lng: 2, Timestamp: 2000, Source: SourceGPS})

	s = s.ClearLocation("a", 3000)
	p, _ := s.Participant("a")
	if p.Location != nil {
		t.Fatal("ClearLocation left a location behind")
	}
	if p.LocationTS != 3000 {
		t.Errorf("LocationTS = %d, want 3000", p.LocationTS)
	}
	if p.LastSeen != 3000 {
		t.Errorf("LastSeen = %d, want 3000", p.LastSeen)
	}
}

func TestAddWaypointAfterRemoveIsNoOp(t *testing.T) {
	wp := Waypoint{ID: "w1", Name: "fountain", CreatedBy: "a", CreatedAt: 1000, Type: WaypointMeetup, Location: Location{Lat: 1, Lng: 2, Timestamp: 1000, Source: SourceManual}}

	s := NewSnapshot(testMeta()).RemoveWaypoint("w1", 2000).AddWaypoint(wp)
	if len(s.Waypoints) != 0 {
		t.Fatal("add after remove resurrected the waypoint")
	}
	if s.Removed["w1"] != 2000 {
		t.Errorf("removal stamp = %d, want 2000", s.Removed["w1"])
	}
}

func TestParticipantListOrderedByID(t *testing.T) {
	s := NewSnapshot(testMeta()).
		SetParticipant(Participant{ID: "carol"}).
		SetParticipant(Participant{ID: "alice"}).
		SetParticipant(Participant{ID: "bob"})

	list := s.ParticipantList()
	want := []string{"alice", "bob", "carol"}
	for i, p := range list {
		if p.ID != want[i] {
			t.Fatalf("position %d = %q, want %q", i, p.ID, want[i])
		}
	}
}

func TestWaypointListOrderedByCreation(t *testing.T) {
	loc := Location{Lat: 1, Lng: 2, Timestamp: 1, Source: SourceManual}
	s := NewSnapshot(testMeta()).
		AddWaypoint(Waypoint{ID: "late", CreatedAt: 300, Location: loc}).
		AddWaypoint(Waypoint{ID: "early", CreatedAt: 100, Location: loc}).
		AddWaypoint(Waypoint{ID: "tie-b", CreatedAt: 200, Location: loc}).
		AddWaypoint(Waypoint{ID: "tie-a", CreatedAt: 200, Location: loc})

	list := s.WaypointList()
	want := []string{"early", "tie-a", "tie-b", "late"}
	for i, w := range list {
		if w.ID != want[i] {
			t.Fatalf("position %d = %q, want %q", i, w.ID, want[i])
		}
	}
}

func TestTouchExpiryNeverShrinks(t *testing.T) {
	s := NewSnapshot(testMeta()).TouchExpiry(10_000)
	first := s.Meta.ExpiresAt
	if want := int64(10_000) + InactivityWindow.Milliseconds(); first != want {
		t.Fatalf("ExpiresAt = %d, want %d", first, want)
	}

	// An earlier touch must not pull the expiry back in.
	s = s.TouchExpiry(5_000)
	if s.Meta.ExpiresAt != first {
		t.Errorf("ExpiresAt shrank from %d to %d", first, s.Meta.ExpiresAt)
	}
}
