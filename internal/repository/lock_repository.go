package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// LockRepository provides TTL-scoped mutual exclusion for background jobs.
// Locks are only ever acquired with an expiry: a crashed holder releases by
// timeout, never by operator intervention.
type LockRepository struct {
	client *redis.Client
}

// NewLockRepository constructs the repository.
func NewLockRepository(client *redis.Client) *LockRepository {
	return &LockRepository{client: client}
}

func jobLockKey(kind, mediaID, collection string) string {
	return fmt.Sprintf("media:lock:%s:%s:%s", kind, collection, mediaID)
}

// Acquire takes the named lock via set-if-not-exists.
func (r *LockRepository) Acquire(ctx context.Context, kind, mediaID, collection string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, jobLockKey(kind, mediaID, collection), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire %s lock: %w", kind, err)
	}
	return ok, nil
}

// Release drops the lock early.
func (r *LockRepository) Release(ctx context.Context, kind, mediaID, collection string) error {
	if err := r.client.Del(ctx, jobLockKey(kind, mediaID, collection)).Err(); err != nil {
		return fmt.Errorf("release %s lock: %w", kind, err)
	}
	return nil
}
