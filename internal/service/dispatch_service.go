package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harborside/media-vault/pkg/config"
	appErrors "github.com/harborside/media-vault/pkg/errors"
	"github.com/harborside/media-vault/pkg/jobs"
)

// JobTypeDispatch names the conversion-dispatch job.
const JobTypeDispatch = "dispatch-conversions"

type latestPointerStore interface {
	SetLatest(ctx context.Context, tenantID, ownerID, collection string, mediaID, correlationID string, ttl time.Duration) error
	GetLatest(ctx context.Context, tenantID, ownerID, collection string) (mediaID, correlationID string, ok bool, err error)
	AcquireDispatchLock(ctx context.Context, tenantID, ownerID, collection string, ttl time.Duration) (bool, error)
	ReleaseDispatchLock(ctx context.Context, tenantID, ownerID, collection string) error
}

type mediaConverter interface {
	Convert(ctx context.Context, mediaID, correlationID string) error
}

type optimizeTrigger interface {
	Trigger(mediaID string)
}

// DispatchKey identifies one (tenant, owner, collection) dispatch scope.
type DispatchKey struct {
	TenantID   string
	OwnerID    string
	Collection string
}

func (k DispatchKey) String() string {
	return k.TenantID + ":" + k.OwnerID + ":" + k.Collection
}

// DispatchService coalesces conversion work per (owner, collection): a burst
// of uploads produces conversions only for the last one. The latest pointer
// is last-writer-wins; the dispatch lock guarantees a single processor; the
// post-processing re-check catches pointers updated mid-run.
type scopeFlusher interface {
	FlushOwnerPending(ctx context.Context, tenantID, ownerID, collection, keepMediaID string) (int, error)
}

type DispatchService struct {
	pointers  latestPointerStore
	converter mediaConverter
	optimizer optimizeTrigger
	cleanup   scopeFlusher
	cfg       config.DispatcherConfig
	metrics   *MetricsService
	logger    *zap.Logger

	queue jobEnqueuer
}

// NewDispatchService constructs the service. The queue is attached later via
// AttachQueue because the queue's handler is this service.
func NewDispatchService(pointers latestPointerStore, converter mediaConverter, optimizer optimizeTrigger, cleanup scopeFlusher, cfg config.DispatcherConfig, metrics *MetricsService, log *zap.Logger) *DispatchService {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.PointerTTL <= 0 {
		cfg.PointerTTL = time.Minute
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	return &DispatchService{
		pointers:  pointers,
		converter: converter,
		optimizer: optimizer,
		cleanup:   cleanup,
		cfg:       cfg,
		metrics:   metrics,
		logger:    log,
	}
}

// AttachQueue wires the queue the service runs on.
func (s *DispatchService) AttachQueue(queue jobEnqueuer) {
	s.queue = queue
}

// Record publishes the media as the latest for its scope and triggers a
// dispatch pass. The queue's in-flight dedup collapses trigger bursts.
func (s *DispatchService) Record(ctx context.Context, tenantID, ownerID, collection, mediaID, correlationID string) error {
	if err := s.pointers.SetLatest(ctx, tenantID, ownerID, collection, mediaID, correlationID, s.cfg.PointerTTL); err != nil {
		return err
	}
	return s.trigger(DispatchKey{TenantID: tenantID, OwnerID: ownerID, Collection: collection})
}

func (s *DispatchService) trigger(key DispatchKey) error {
	if s.queue == nil {
		return fmt.Errorf("dispatch queue not attached")
	}
	return s.queue.Enqueue(jobs.Job{
		ID:      JobTypeDispatch + ":" + key.String(),
		Type:    JobTypeDispatch,
		Payload: key,
	})
}

// Process is the queue handler: it converts whatever the pointer names,
// re-reading it after each pass so a mid-run replacement is picked up without
// a second trigger.
func (s *DispatchService) Process(ctx context.Context, job jobs.Job) error {
	key, ok := job.Payload.(DispatchKey)
	if !ok {
		return fmt.Errorf("dispatch job carries unexpected payload %T", job.Payload)
	}

	locked, err := s.pointers.AcquireDispatchLock(ctx, key.TenantID, key.OwnerID, key.Collection, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !locked {
		// The holder re-checks the pointer after its pass, so the new value
		// will be seen without this job doing anything.
		return nil
	}
	defer func() {
		if err := s.pointers.ReleaseDispatchLock(ctx, key.TenantID, key.OwnerID, key.Collection); err != nil {
			s.logger.Warn("failed to release dispatch lock", zap.String("key", key.String()), zap.Error(err))
		}
	}()

	for i := 0; i < s.cfg.MaxIterations; i++ {
		mediaID, correlationID, found, err := s.pointers.GetLatest(ctx, key.TenantID, key.OwnerID, key.Collection)
		if err != nil {
			return err
		}
		if !found {
			return nil
		}

		if err := s.converter.Convert(ctx, mediaID, correlationID); err != nil {
			if appErrors.IsRetryable(err) {
				return err
			}
			s.logger.Error("conversion failed",
				zap.String("media_id", mediaID),
				zap.String("correlation_id", correlationID),
				zap.Error(err))
			return err
		}
		s.optimizer.Trigger(mediaID)

		// Conversion completion is the scope's settle point: anything this
		// media replaced can lose its files now rather than at TTL expiry.
		if _, err := s.cleanup.FlushOwnerPending(ctx, key.TenantID, key.OwnerID, key.Collection, mediaID); err != nil {
			s.logger.Warn("failed to flush replaced media",
				zap.String("key", key.String()), zap.Error(err))
		}

		// Pointer unchanged means the pass covered the newest upload.
		afterID, _, stillFound, err := s.pointers.GetLatest(ctx, key.TenantID, key.OwnerID, key.Collection)
		if err != nil {
			return err
		}
		if !stillFound || afterID == mediaID {
			return nil
		}
	}

	// Pathological churn: hand the remainder to a fresh job instead of
	// holding the lock indefinitely.
	s.logger.Warn("dispatch iteration budget exhausted, re-triggering", zap.String("key", key.String()))
	return s.trigger(key)
}
