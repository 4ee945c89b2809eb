package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bugbot-io/bugbot/pkg/models"
)

const (
	scanKeyPrefix = "bugbot:scan:"
	scanIndexKey  = "bugbot:scans"

	// Records expire a week after their last write; the index is pruned
	// lazily on List.
	scanTTL = 7 * 24 * time.Hour
)

// RedisStore persists scan records in Redis as full-record JSON, with a
// sorted-set index keyed by start time for most-recent-first listing.
// The orchestrator is the sole writer per scan, so Update only needs to
// serialize against other in-process Updates.
type RedisStore struct {
	client *redis.Client
	mu     sync.Mutex
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}
	return &RedisStore{client: client}, nil
}

var _ ScanStore = (*RedisStore)(nil)

// Close releases the Redis connection.
func (s *RedisStore) Close() error { return s.client.Close() }

func scanKey(scanID string) string { return scanKeyPrefix + scanID }

// Create stores a new scan record and indexes it by start time.
func (s *RedisStore) Create(ctx context.Context, scan *models.Scan) error {
	raw, err := json.Marshal(scan)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, scanKey(scan.ScanID), raw, scanTTL).Result()
	if err != nil {
		return fmt.Errorf("redis create: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}
	return s.client.ZAdd(ctx, scanIndexKey, redis.Z{
		Score:  float64(scan.StartedAt.UnixNano()),
		Member: scan.ScanID,
	}).Err()
}

// Get returns the scan record.
func (s *RedisStore) Get(ctx context.Context, scanID string) (*models.Scan, error) {
	raw, err := s.client.Get(ctx, scanKey(scanID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	scan := new(models.Scan)
	if err := json.Unmarshal(raw, scan); err != nil {
		return nil, fmt.Errorf("corrupt scan record %s: %w", scanID, err)
	}
	return scan, nil
}

// List returns scans most-recent-first, optionally filtered by status.
// Index entries whose record has expired are pruned as they are found.
func (s *RedisStore) List(ctx context.Context, limit int, status models.ScanStatus) ([]*models.Scan, error) {
	ids, err := s.client.ZRevRange(ctx, scanIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list: %w", err)
	}

	out := make([]*models.Scan, 0, len(ids))
	for _, id := range ids {
		scan, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			s.client.ZRem(ctx, scanIndexKey, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if status != "" && scan.Status != status {
			continue
		}
		out = append(out, scan)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Update applies patch via read-modify-write. The in-process mutex is
// enough because only the owning orchestrator writes a given scan.
func (s *RedisStore) Update(ctx context.Context, scanID string, patch func(*models.Scan)) (*models.Scan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scan, err := s.Get(ctx, scanID)
	if err != nil {
		return nil, err
	}
	patch(scan)

	raw, err := json.Marshal(scan)
	if err != nil {
		return nil, err
	}
	if err := s.client.Set(ctx, scanKey(scanID), raw, scanTTL).Err(); err != nil {
		return nil, fmt.Errorf("redis update: %w", err)
	}
	return scan, nil
}

// Delete removes the record and its index entry.
func (s *RedisStore) Delete(ctx context.Context, scanID string) error {
	n, err := s.client.Del(ctx, scanKey(scanID)).Result()
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return s.client.ZRem(ctx, scanIndexKey, scanID).Err()
}
