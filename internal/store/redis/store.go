package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MrSnakeDoc/linkfeed/internal/domain"
)

// DefaultItemTTL is the default TTL for item snapshots (48 hours)
const DefaultItemTTL = 48 * time.Hour

// Store persists confirmed items so a restart can warm the feed.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a new Redis snapshot store
func NewStore(client *redis.Client) *Store {
	return &Store{
		client: client,
		ttl:    DefaultItemTTL,
	}
}

// WithTTL overrides the TTL of item keys.
func (s *Store) WithTTL(ttl time.Duration) *Store {
	if ttl > 0 {
		s.ttl = ttl
	}
	return s
}

// Name identifies the backend in logs and /infra.
func (s *Store) Name() string { return "redis" }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// SaveItem stores one item
func (s *Store) SaveItem(ctx context.Context, item *domain.Item) error {
	if item.Provisional {
		return fmt.Errorf("refusing to snapshot provisional item %s", item.ID)
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal item: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, ItemKey(item.ID), data, s.ttl)
	pipe.SAdd(ctx, AllItemsKey(), item.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save item: %w", err)
	}
	return nil
}

// GetItem retrieves an item by ID
func (s *Store) GetItem(ctx context.Context, id string) (*domain.Item, error) {
	data, err := s.client.Get(ctx, ItemKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("item %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get item: %w", err)
	}

	var item domain.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("failed to unmarshal item: %w", err)
	}
	return &item, nil
}

// SaveMany stores a full snapshot in one pipeline. Provisional items are skipped.
// It returns the number of items written.
func (s *Store) SaveMany(ctx context.Context, items []*domain.Item) (int, error) {
	pipe := s.client.Pipeline()

	n := 0
	for _, item := range items {
		if item == nil || item.Provisional {
			continue
		}
		data, err := json.Marshal(item)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal item %s: %w", item.ID, err)
		}
		pipe.Set(ctx, ItemKey(item.ID), data, s.ttl)
		pipe.SAdd(ctx, AllItemsKey(), item.ID)
		n++
	}
	pipe.HSet(ctx, KeySnapshotMeta,
		"saved_at", time.Now().UTC().Format(time.RFC3339),
		"items", strconv.Itoa(n))

	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return n, nil
}

// LoadAll returns every item still present. IDs whose key expired are removed
// from the index set.
func (s *Store) LoadAll(ctx context.Context) ([]*domain.Item, error) {
	ids, err := s.client.SMembers(ctx, AllItemsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get item IDs: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.Item{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = ItemKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get items: %w", err)
	}

	items := make([]*domain.Item, 0, len(ids))
	var stale []any
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var item domain.Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			// Skip entries that cannot be decoded
			continue
		}
		items = append(items, &item)
	}

	if len(stale) > 0 {
		if err := s.client.SRem(ctx, AllItemsKey(), stale...).Err(); err != nil {
			return items, fmt.Errorf("failed to prune expired ids: %w", err)
		}
	}
	return items, nil
}

// DeleteItem removes an item
func (s *Store) DeleteItem(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, ItemKey(id))
	pipe.SRem(ctx, AllItemsKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}
	return nil
}

// LastSnapshot returns the time and size of the last SaveMany, if any.
func (s *Store) LastSnapshot(ctx context.Context) (time.Time, int, error) {
	meta, err := s.client.HGetAll(ctx, KeySnapshotMeta).Result()
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("failed to get snapshot meta: %w", err)
	}
	if len(meta) == 0 {
		return time.Time{}, 0, nil
	}
	at, err := time.Parse(time.RFC3339, meta["saved_at"])
	if err != nil {
		return time.Time{}, 0, fmt.Errorf("invalid snapshot time %q: %w", meta["saved_at"], err)
	}
	n, _ := strconv.Atoi(meta["items"])
	return at, n, nil
}
