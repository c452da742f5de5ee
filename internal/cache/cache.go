// Package cache persists the last merged snapshot per room slug so a client
// can render immediately on restart, before the transport session is back.
// The cache is only ever a warm start, never the source of truth, and every
// failure degrades to cold-start behavior.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"

	"github.com/onnwee/meetpoint/internal/room"
)

// Store persists room snapshots keyed by slug.
type Store interface {
	// Load returns the cached snapshot for a slug. A miss, an unreadable
	// file, or a corrupt payload all return ok == false; none are fatal.
	Load(slug string) (room.Snapshot, bool)

	// Save writes the latest merged snapshot for a slug. Failures are
	// absorbed and logged.
	Save(slug string, snap room.Snapshot)
}

// FileStore is a Store keeping one CBOR-encoded file per room slug under a
// directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates a file-backed store rooted at dir.
func NewFileStore(dir string, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileStore{dir: dir, logger: logger}
}

// path derives a filesystem-safe filename from an opaque slug.
func (s *FileStore) path(slug string) string {
	sum := sha256.Sum256([]byte(slug))
	return filepath.Join(s.dir, hex.EncodeToString(sum[:8])+".cbor")
}

// Load implements Store.
func (s *FileStore) Load(slug string) (room.Snapshot, bool) {
	data, err := os.ReadFile(s.path(slug))
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn("room cache unreadable, cold start",
				slog.String("slug", slug),
				slog.String("error", err.Error()))
		}
		return room.Snapshot{}, false
	}

	var snap room.Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		s.logger.Warn("room cache corrupt, cold start",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
		return room.Snapshot{}, false
	}
	return snap, true
}

// Save implements Store. The write goes through a temp file and rename so a
// crash mid-write never leaves a truncated cache entry.
func (s *FileStore) Save(slug string, snap room.Snapshot) {
	data, err := cbor.Marshal(snap)
	if err != nil {
		s.logger.Warn("room cache encode failed",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
		return
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Warn("room cache dir unavailable",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
		return
	}

	target := s.path(slug)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.logger.Warn("room cache write failed",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
		return
	}
	if err := os.Rename(tmp, target); err != nil {
		s.logger.Warn("room cache rename failed",
			slog.String("slug", slug),
			slog.String("error", err.Error()))
	}
}
