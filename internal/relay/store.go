package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/meetpoint/internal/room"
)

// SnapshotStore persists room snapshots so a relay restart does not lose
// active rooms. It is a warm-start cache, never the source of truth; a relay
// without one simply starts every room cold.
type SnapshotStore interface {
	Load(ctx context.Context, slug string) (room.Snapshot, bool, error)
	Save(ctx context.Context, slug string, snap room.Snapshot) error
	Delete(ctx context.Context, slug string) error
}

// RedisStore implements SnapshotStore on Redis with CBOR values. Entries
// carry a TTL equal to the room inactivity window, so expired rooms age out
// on their own even if the sweeper never runs.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a snapshot store around an existing Redis client.
// A non-positive ttl falls back to the room inactivity window.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = room.InactivityWindow
	}
	return &RedisStore{client: client, ttl: ttl}
}

func storeKey(slug string) string {
	return "meetpoint:room:" + slug
}

// Load implements SnapshotStore.
func (s *RedisStore) Load(ctx context.Context, slug string) (room.Snapshot, bool, error) {
	data, err := s.client.Get(ctx, storeKey(slug)).Bytes()
	if err == redis.Nil {
		return room.Snapshot{}, false, nil
	}
	if err != nil {
		return room.Snapshot{}, false, fmt.Errorf("load room snapshot: %w", err)
	}
	snap, err := decodeSnapshot(data)
	if err != nil {
		return room.Snapshot{}, false, err
	}
	return snap, true, nil
}

// Save implements SnapshotStore.
func (s *RedisStore) Save(ctx context.Context, slug string, snap room.Snapshot) error {
	data, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, storeKey(slug), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("save room snapshot: %w", err)
	}
	return nil
}

// Delete implements SnapshotStore.
func (s *RedisStore) Delete(ctx context.Context, slug string) error {
	if err := s.client.Del(ctx, storeKey(slug)).Err(); err != nil {
		return fmt.Errorf("delete room snapshot: %w", err)
	}
	return nil
}

func encodeSnapshot(snap room.Snapshot) ([]byte, error) {
	data, err := cbor.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode room snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (room.Snapshot, error) {
	var snap room.Snapshot
	if err := cbor.Unmarshal(data, &snap); err != nil {
		return room.Snapshot{}, fmt.Errorf("decode room snapshot: %w", err)
	}
	return snap, nil
}
