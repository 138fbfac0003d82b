package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// PointerRepository keeps the coalescing dispatcher's shared state in Redis:
// the latest pointer and the TTL-scoped dispatch lock. Every key carries an
// expiry so a crashed worker can never hold state forever.
type PointerRepository struct {
	client *redis.Client
}

// NewPointerRepository constructs the repository.
func NewPointerRepository(client *redis.Client) *PointerRepository {
	return &PointerRepository{client: client}
}

func pointerKey(tenantID, ownerID, collection string) string {
	return fmt.Sprintf("media:latest:%s:%s:%s", tenantID, ownerID, collection)
}

func lockKey(tenantID, ownerID, collection string) string {
	return fmt.Sprintf("media:dispatch-lock:%s:%s:%s", tenantID, ownerID, collection)
}

// SetLatest records the most recent upload for (owner, collection).
func (r *PointerRepository) SetLatest(ctx context.Context, tenantID, ownerID, collection string, mediaID, correlationID string, ttl time.Duration) error {
	value := mediaID + "|" + correlationID
	if err := r.client.Set(ctx, pointerKey(tenantID, ownerID, collection), value, ttl).Err(); err != nil {
		return fmt.Errorf("set latest pointer: %w", err)
	}
	return nil
}

// GetLatest reads the pointer; ok is false when it expired or was never set.
func (r *PointerRepository) GetLatest(ctx context.Context, tenantID, ownerID, collection string) (mediaID, correlationID string, ok bool, err error) {
	raw, err := r.client.Get(ctx, pointerKey(tenantID, ownerID, collection)).Result()
	if err != nil {
		if err == redis.Nil {
			return "", "", false, nil
		}
		return "", "", false, fmt.Errorf("get latest pointer: %w", err)
	}
	parts := strings.SplitN(raw, "|", 2)
	mediaID = parts[0]
	if len(parts) == 2 {
		correlationID = parts[1]
	}
	return mediaID, correlationID, true, nil
}

// AcquireDispatchLock takes the per-(owner, collection) processing lock via
// set-if-not-exists. The TTL guarantees release on worker crash.
func (r *PointerRepository) AcquireDispatchLock(ctx context.Context, tenantID, ownerID, collection string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(tenantID, ownerID, collection), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	return ok, nil
}

// ReleaseDispatchLock drops the lock early; expiry would release it anyway.
func (r *PointerRepository) ReleaseDispatchLock(ctx context.Context, tenantID, ownerID, collection string) error {
	if err := r.client.Del(ctx, lockKey(tenantID, ownerID, collection)).Err(); err != nil {
		return fmt.Errorf("release dispatch lock: %w", err)
	}
	return nil
}
