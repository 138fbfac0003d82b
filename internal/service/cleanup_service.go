package service

import (
	"context"
	"database/sql"
	"errors"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/storage"
)

type cleanupStateStore interface {
	ListExpired(ctx context.Context, now time.Time, limit int) ([]models.CleanupState, error)
	GetByMediaID(ctx context.Context, mediaID string) (*models.CleanupState, error)
	ListByOwner(ctx context.Context, tenantID, ownerID, collection string) ([]models.CleanupState, error)
	Delete(ctx context.Context, id string) error
}

type cleanupMediaLister interface {
	ListByOwner(ctx context.Context, tenantID, ownerID, collection string) ([]models.MediaRecord, error)
}

type diskRegistry interface {
	Disk(name string) (storage.Disk, bool)
	Names() []string
}

// CleanupService turns deferred-removal state into actual file deletion.
// Flushing is best-effort and idempotent: a state only disappears once every
// disk it names has been cleared, so a partial failure retries on the next
// sweep.
type CleanupService struct {
	states  cleanupStateStore
	media   cleanupMediaLister
	disks   diskRegistry
	paths   storage.PathGenerator
	cfg     config.CleanupConfig
	metrics *MetricsService
	logger  *zap.Logger
}

// NewCleanupService constructs the service.
func NewCleanupService(states cleanupStateStore, media cleanupMediaLister, disks diskRegistry, cfg config.CleanupConfig, metrics *MetricsService, log *zap.Logger) *CleanupService {
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupService{
		states:  states,
		media:   media,
		disks:   disks,
		cfg:     cfg,
		metrics: metrics,
		logger:  log,
	}
}

// FlushByMediaID flushes the pending state for one media record immediately.
// No pending state is not an error; a partial flush leaves the state behind
// for the TTL sweep to finish.
func (s *CleanupService) FlushByMediaID(ctx context.Context, mediaID string) (bool, error) {
	state, err := s.states.GetByMediaID(ctx, mediaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	if !s.flushOne(ctx, *state) {
		return false, nil
	}
	if err := s.states.Delete(ctx, state.ID); err != nil {
		return false, err
	}
	s.metrics.CleanupFlushed()
	return true, nil
}

// FlushOwnerPending flushes every pending state in one (tenant, owner,
// collection) scope except the current media's. The dispatcher calls it when
// a conversion pass completes, so replaced media's files go with the event
// instead of waiting out the state TTL.
func (s *CleanupService) FlushOwnerPending(ctx context.Context, tenantID, ownerID, collection, keepMediaID string) (int, error) {
	states, err := s.states.ListByOwner(ctx, tenantID, ownerID, collection)
	if err != nil {
		return 0, err
	}
	flushed := 0
	for _, state := range states {
		if state.MediaID == keepMediaID {
			continue
		}
		if !s.flushOne(ctx, state) {
			continue
		}
		if err := s.states.Delete(ctx, state.ID); err != nil {
			s.logger.Warn("failed to delete flushed cleanup state",
				zap.String("state_id", state.ID), zap.Error(err))
			continue
		}
		s.metrics.CleanupFlushed()
		flushed++
	}
	return flushed, nil
}

// FlushExpired removes the files behind every expired cleanup state and then
// the state itself. The TTL sweep is the backstop for lost events; most
// states are flushed earlier by FlushByMediaID or FlushOwnerPending. Returns
// how many states were fully flushed.
func (s *CleanupService) FlushExpired(ctx context.Context) (int, error) {
	states, err := s.states.ListExpired(ctx, time.Now().UTC(), 0)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, state := range states {
		if !s.flushOne(ctx, state) {
			continue
		}
		if err := s.states.Delete(ctx, state.ID); err != nil {
			s.logger.Warn("failed to delete flushed cleanup state",
				zap.String("state_id", state.ID), zap.Error(err))
			continue
		}
		s.metrics.CleanupFlushed()
		flushed++
	}
	return flushed, nil
}

// flushOne deletes the media directory on every disk the state names.
// Deleting an already-gone directory is a no-op, so repeat flushes converge.
func (s *CleanupService) flushOne(ctx context.Context, state models.CleanupState) bool {
	dir := s.paths.MediaRoot(state.TenantID, state.OwnerID, state.Collection, state.Directory)
	ok := true
	for _, diskName := range state.Disks {
		disk, found := s.disks.Disk(diskName)
		if !found {
			s.logger.Warn("cleanup state names unknown disk",
				zap.String("state_id", state.ID), zap.String("disk", diskName))
			continue
		}
		if err := disk.DeleteDir(ctx, dir); err != nil {
			s.logger.Warn("failed to remove media directory",
				zap.String("state_id", state.ID),
				zap.String("disk", diskName),
				zap.String("dir", dir),
				zap.Error(err))
			ok = false
		}
	}
	return ok
}

// SweepOrphans removes media directories that no database record points at.
// Promotion writes the directory before the record commits, so a listing can
// see a directory whose record is still in flight. Candidates are therefore
// collected first and the record set reloaded before anything is deleted; a
// record that commits in between rescues its directory.
func (s *CleanupService) SweepOrphans(ctx context.Context, tenantID, ownerID, collection string) (int, error) {
	records, err := s.media.ListByOwner(ctx, tenantID, ownerID, collection)
	if err != nil {
		return 0, err
	}
	known := make(map[string]struct{}, len(records))
	for _, record := range records {
		known[record.Directory] = struct{}{}
	}

	type candidate struct {
		disk storage.Disk
		dir  string
	}
	ownerRoot := s.paths.OwnerRoot(tenantID, ownerID, collection)
	var candidates []candidate
	for _, diskName := range s.disks.Names() {
		disk, found := s.disks.Disk(diskName)
		if !found {
			continue
		}
		dirs, err := disk.Directories(ctx, ownerRoot)
		if err != nil {
			s.logger.Warn("failed to list owner directories",
				zap.String("disk", diskName), zap.String("root", ownerRoot), zap.Error(err))
			continue
		}
		for _, dir := range dirs {
			if _, ok := known[path.Base(dir)]; ok {
				continue
			}
			candidates = append(candidates, candidate{disk: disk, dir: dir})
		}
	}
	if len(candidates) == 0 {
		return 0, nil
	}

	records, err = s.media.ListByOwner(ctx, tenantID, ownerID, collection)
	if err != nil {
		return 0, err
	}
	for _, record := range records {
		known[record.Directory] = struct{}{}
	}

	removed := 0
	for _, c := range candidates {
		if _, ok := known[path.Base(c.dir)]; ok {
			continue
		}
		if err := c.disk.DeleteDir(ctx, c.dir); err != nil {
			s.logger.Warn("failed to remove orphaned directory",
				zap.String("disk", c.disk.Name()), zap.String("dir", c.dir), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("orphaned media directories removed",
			zap.String("tenant_id", tenantID),
			zap.String("owner_id", ownerID),
			zap.String("collection", collection),
			zap.Int("removed", removed))
	}
	return removed, nil
}
