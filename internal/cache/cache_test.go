package cache

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/onnwee/meetpoint/internal/room"
)

func testSnapshot() room.Snapshot {
	loc := room.Location{Lat: 53.5631, Lng: 9.9649, Accuracy: 5, Timestamp: 2000, Source: room.SourceGPS}
	return room.NewSnapshot(room.Meta{
		ID:   "room-1",
		Slug: "38c3-crew",
		Name: "38c3 crew",
	}).SetParticipant(room.Participant{
		ID:       "alice",
		Name:     "Alice",
		Color:    "#e6194b",
		JoinedAt: 1000,
		Status:   room.StatusOnline,
	}).SetLocation("alice", loc).
		AddWaypoint(room.Waypoint{ID: "w1", Name: "fountain", CreatedBy: "alice", CreatedAt: 1500, Location: loc, Type: room.WaypointMeetup})
}

func TestFileStoreRoundTrip(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	want := testSnapshot()

	store.Save("38c3-crew", want)
	got, ok := store.Load("38c3-crew")
	if !ok {
		t.Fatal("Load missed a snapshot that was just saved")
	}

	if got.Meta.Slug != want.Meta.Slug {
		t.Errorf("slug = %q, want %q", got.Meta.Slug, want.Meta.Slug)
	}
	p, ok := got.Participant("alice")
	if !ok {
		t.Fatal("participant lost in round trip")
	}
	if p.Location == nil || p.Location.Timestamp != 2000 {
		t.Errorf("location lost in round trip: %+v", p.Location)
	}
	if _, ok := got.Waypoints["w1"]; !ok {
		t.Error("waypoint lost in round trip")
	}
}

func TestFileStoreMissIsColdStart(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)
	if _, ok := store.Load("never-saved"); ok {
		t.Fatal("Load reported a hit for an unknown slug")
	}
}

func TestFileStoreCorruptEntryIsColdStart(t *testing.T) {
	dir := t.TempDir()
	store := NewFileStore(dir, nil)
	store.Save("38c3-crew", testSnapshot())

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("expected exactly one cache file, got %d (err %v)", len(entries), err)
	}
	if err := os.WriteFile(filepath.Join(dir, entries[0].Name()), []byte("not cbor"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, ok := store.Load("38c3-crew"); ok {
		t.Fatal("Load accepted a corrupt cache entry")
	}
}

func TestFileStoreSlugsDoNotCollide(t *testing.T) {
	store := NewFileStore(t.TempDir(), nil)

	a := testSnapshot()
	b := testSnapshot()
	b.Meta.Slug = "other-room"

	store.Save("38c3-crew", a)
	store.Save("other-room", b)

	got, ok := store.Load("other-room")
	if !ok || got.Meta.Slug != "other-room" {
		t.Fatalf("Load(other-room) = %+v, %v", got.Meta, ok)
	}
	got, ok = store.Load("38c3-crew")
	if !ok || got.Meta.Slug != "38c3-crew" {
		t.Fatalf("Load(38c3-crew) = %+v, %v", got.Meta, ok)
	}
}

func TestFileStoreOpaqueSlugs(t *testing.T) {
	// Slugs are hashed into filenames, so hostile path-looking slugs are
	// inert and writable.
	store := NewFileStore(t.TempDir(), nil)
	slug := "../../../etc/passwd"
	store.Save(slug, testSnapshot())
	if _, ok := store.Load(slug); !ok {
		t.Fatal("hashed-path store failed on a path-looking slug")
	}
}

func TestFileStoreUnwritableDirDegrades(t *testing.T) {
	// Point the store's directory below a path occupied by a regular file
	// so MkdirAll fails; Save must absorb the failure.
	occupied := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(occupied, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	store := NewFileStore(filepath.Join(occupied, "sub"), nil)
	store.Save("38c3-crew", testSnapshot())
	if _, ok := store.Load("38c3-crew"); ok {
		t.Fatal("Load reported a hit after a failed save")
	}
}
