package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/brainDensed/theramine-session/internal/domain"
)

// ErrCacheMiss is returned when a room's snapshot is not cached.
var ErrCacheMiss = errors.New("archive: cache miss")

// Cache is a short-lived read cache in front of the snapshot store, keyed
// by room id. It only ever holds the current snapshot; flushes invalidate
// the entry so readers fall through to the index.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) buildKey(roomID string) string {
	return fmt.Sprintf("%s:latest:%s", c.prefix, roomID)
}

func (c *Cache) Get(ctx context.Context, roomID string) (*domain.Snapshot, error) {
	data, err := c.client.Get(ctx, c.buildKey(roomID)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot cache: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode cached snapshot: %w", err)
	}
	return &snap, nil
}

func (c *Cache) Set(ctx context.Context, snap *domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.buildKey(snap.RoomID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write snapshot cache: %w", err)
	}
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, roomID string) error {
	if err := c.client.Del(ctx, c.buildKey(roomID)).Err(); err != nil {
		return fmt.Errorf("failed to invalidate snapshot cache: %w", err)
	}
	return nil
}
