package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CircuitRepository keeps the scanner circuit-breaker failure counter in
// Redis so every worker shares one view of scanner health. The counter decays
// via key expiry: a quiet period closes the circuit again on its own.
type CircuitRepository struct {
	client *redis.Client
}

// NewCircuitRepository constructs the repository.
func NewCircuitRepository(client *redis.Client) *CircuitRepository {
	return &CircuitRepository{client: client}
}

func circuitKey(engine string) string {
	return "media:scan-failures:" + engine
}

// RecordFailure atomically increments the consecutive-failure counter and
// refreshes its decay window, returning the new count.
func (r *CircuitRepository) RecordFailure(ctx context.Context, engine string, decay time.Duration) (int64, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.Incr(ctx, circuitKey(engine))
	pipe.Expire(ctx, circuitKey(engine), decay)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("record scanner failure: %w", err)
	}
	return incr.Val(), nil
}

// Reset clears the counter after a successful scan.
func (r *CircuitRepository) Reset(ctx context.Context, engine string) error {
	if err := r.client.Del(ctx, circuitKey(engine)).Err(); err != nil {
		return fmt.Errorf("reset scanner failures: %w", err)
	}
	return nil
}

// Failures returns the current consecutive-failure count.
func (r *CircuitRepository) Failures(ctx context.Context, engine string) (int64, error) {
	count, err := r.client.Get(ctx, circuitKey(engine)).Int64()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("read scanner failures: %w", err)
	}
	return count, nil
}
