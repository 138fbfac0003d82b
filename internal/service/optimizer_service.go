package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image/png"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/jobs"
	"github.com/harborside/media-vault/pkg/storage"
)

// JobTypeOptimize names the post-processing job.
const JobTypeOptimize = "optimize-media"

type optimizerMediaStore interface {
	GetByID(ctx context.Context, id string) (*models.MediaRecord, error)
	MarkOptimized(ctx context.Context, id string, at time.Time) error
}

type jobLocker interface {
	Acquire(ctx context.Context, kind, mediaID, collection string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, kind, mediaID, collection string) error
}

type conversionCounter interface {
	ExpectedConversions(collection string) int
}

type jobReleaser interface {
	Enqueue(job jobs.Job) error
	Release(job jobs.Job, delay time.Duration)
}

// OptimizerService re-compresses a media's original and conversions once the
// conversion pass has finished. It waits for readiness by releasing itself
// back onto the queue, bounded by both a release count and a wall clock so a
// media that never becomes ready cannot poll forever.
type OptimizerService struct {
	media       optimizerMediaStore
	conversions conversionCounter
	locks       jobLocker
	disks       diskResolver
	paths       storage.PathGenerator
	cfg         config.OptimizerConfig
	metrics     *MetricsService
	logger      *zap.Logger

	queue jobReleaser
}

// NewOptimizerService constructs the service. The queue is attached later via
// AttachQueue because the queue's handler is this service.
func NewOptimizerService(media optimizerMediaStore, conversions conversionCounter, locks jobLocker, disks diskResolver, cfg config.OptimizerConfig, metrics *MetricsService, log *zap.Logger) *OptimizerService {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 5 * time.Minute
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 10 * time.Second
	}
	if cfg.MaxReleases <= 0 {
		cfg.MaxReleases = 30
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 10 * time.Minute
	}
	if cfg.OverlapTTL <= 0 {
		cfg.OverlapTTL = 2 * time.Minute
	}
	if cfg.SavingsThreshold <= 0 {
		cfg.SavingsThreshold = 0.05
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}
	return &OptimizerService{
		media:       media,
		conversions: conversions,
		locks:       locks,
		disks:       disks,
		cfg:         cfg,
		metrics:     metrics,
		logger:      log,
	}
}

// AttachQueue wires the queue the service runs on.
func (s *OptimizerService) AttachQueue(queue jobReleaser) {
	s.queue = queue
}

// Trigger enqueues an optimization pass for one media record.
func (s *OptimizerService) Trigger(mediaID string) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(jobs.Job{
		ID:      JobTypeOptimize + ":" + mediaID,
		Type:    JobTypeOptimize,
		Payload: mediaID,
	}); err != nil {
		s.logger.Warn("failed to enqueue optimize job", zap.String("media_id", mediaID), zap.Error(err))
	}
}

// Process is the queue handler. It re-releases itself until the media's
// conversions exist, then optimizes under a per-media lock.
func (s *OptimizerService) Process(ctx context.Context, job jobs.Job) (retErr error) {
	mediaID, ok := job.Payload.(string)
	if !ok {
		return fmt.Errorf("optimize job carries unexpected payload %T", job.Payload)
	}

	media, err := s.media.GetByID(ctx, mediaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.StaleSkip("optimize", "record_missing")
			return nil
		}
		return err
	}

	if expected := s.conversions.ExpectedConversions(media.Collection); len(media.Conversions) < expected {
		if job.Releases >= s.cfg.MaxReleases || time.Since(job.Enqueued) > s.cfg.MaxWait {
			s.logger.Warn("gave up waiting for conversions",
				zap.String("media_id", mediaID),
				zap.Int("releases", job.Releases),
				zap.Duration("waited", time.Since(job.Enqueued)))
			s.metrics.StaleSkip("optimize", "wait_exceeded")
			return nil
		}
		s.queue.Release(job, s.cfg.CheckInterval)
		return nil
	}

	// Overlap guard: a media optimized moments ago is not optimized again
	// until the window lapses. Acquiring the key doubles as setting it.
	recent, err := s.locks.Acquire(ctx, "optimize-overlap", mediaID, media.Collection, s.cfg.OverlapTTL)
	if err != nil {
		return err
	}
	if !recent {
		s.metrics.StaleSkip("optimize", "overlap")
		return nil
	}
	// A failed pass gives the window back, otherwise the retry would land
	// inside it and skip the media entirely.
	defer func() {
		if retErr == nil {
			return
		}
		if err := s.locks.Release(ctx, "optimize-overlap", mediaID, media.Collection); err != nil {
			s.logger.Warn("failed to release overlap window", zap.String("media_id", mediaID), zap.Error(err))
		}
	}()

	locked, err := s.locks.Acquire(ctx, "optimize", mediaID, media.Collection, s.cfg.LockTTL)
	if err != nil {
		return err
	}
	if !locked {
		s.metrics.StaleSkip("optimize", "locked")
		return nil
	}
	defer func() {
		if err := s.locks.Release(ctx, "optimize", mediaID, media.Collection); err != nil {
			s.logger.Warn("failed to release optimize lock", zap.String("media_id", mediaID), zap.Error(err))
		}
	}()

	baseline := media.UpdatedAt

	disk, ok := s.disks.Disk(media.Disk)
	if !ok {
		return fmt.Errorf("disk %q not registered", media.Disk)
	}

	targets := []string{
		s.paths.OriginalPath(media.TenantID, media.OwnerID, media.Collection, media.Directory, media.FileName),
	}
	for _, file := range media.Conversions {
		targets = append(targets,
			path.Join(s.paths.ConversionsDir(media.TenantID, media.OwnerID, media.Collection, media.Directory), file))
	}

	for _, target := range targets {
		if err := s.optimizeObject(ctx, disk, target); err != nil {
			return err
		}
	}

	// Staleness baseline: a record touched while we worked means the files we
	// rewrote may already be obsolete. Do not stamp completion.
	fresh, err := s.media.GetByID(ctx, mediaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.StaleSkip("optimize", "deleted_midrun")
			return nil
		}
		return err
	}
	if !fresh.UpdatedAt.Equal(baseline) {
		s.metrics.StaleSkip("optimize", "superseded_midrun")
		return nil
	}

	if err := s.media.MarkOptimized(ctx, mediaID, time.Now().UTC()); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.StaleSkip("optimize", "deleted_midrun")
			return nil
		}
		return err
	}

	s.metrics.PPAMCompleted()
	s.logger.Info("media optimized",
		zap.String("media_id", mediaID),
		zap.String("collection", media.Collection),
		zap.Int("files", len(targets)))
	return nil
}

// optimizeObject re-compresses one stored object. Local disks are rewritten
// through their real path; remote disks round-trip through a size-bounded
// temp file. A result that saves less than the threshold is discarded.
func (s *OptimizerService) optimizeObject(ctx context.Context, disk storage.Disk, objectPath string) error {
	ext := strings.ToLower(path.Ext(objectPath))
	if ext != ".jpg" && ext != ".jpeg" && ext != ".png" {
		return nil
	}

	originalSize, err := disk.Size(ctx, objectPath)
	if err != nil {
		return fmt.Errorf("stat %s: %w", objectPath, err)
	}
	if s.cfg.MaxTempFileSize > 0 && originalSize > s.cfg.MaxTempFileSize {
		s.logger.Warn("skipping optimization of oversized object",
			zap.String("path", objectPath), zap.Int64("size", originalSize))
		return nil
	}

	if local, ok := disk.(storage.LocalPather); ok {
		return s.optimizeLocal(local, objectPath, ext, originalSize)
	}
	return s.optimizeRemote(ctx, disk, objectPath, ext, originalSize)
}

func (s *OptimizerService) optimizeLocal(local storage.LocalPather, objectPath, ext string, originalSize int64) error {
	realPath, err := local.LocalPath(objectPath)
	if err != nil {
		return err
	}
	encoded, err := s.recompressFile(realPath, ext)
	if err != nil || encoded == nil {
		return err
	}
	if !s.worthKeeping(originalSize, int64(len(encoded))) {
		return nil
	}
	tmp := realPath + ".opt"
	if err := os.WriteFile(tmp, encoded, 0o600); err != nil {
		return fmt.Errorf("write optimized file: %w", err)
	}
	if err := os.Rename(tmp, realPath); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace optimized file: %w", err)
	}
	return nil
}

func (s *OptimizerService) optimizeRemote(ctx context.Context, disk storage.Disk, objectPath, ext string, originalSize int64) error {
	tmpDir, err := os.MkdirTemp("", "media-opt-*")
	if err != nil {
		return fmt.Errorf("create optimizer temp dir: %w", err)
	}
	// Scoped cleanup: everything this pass downloads dies with the pass.
	defer os.RemoveAll(tmpDir)

	visibility, err := disk.Visibility(ctx, objectPath)
	if err != nil {
		visibility = storage.VisibilityPublic
	}
	mime, err := disk.MimeType(ctx, objectPath)
	if err != nil {
		mime = ""
	}

	r, err := disk.Get(ctx, objectPath)
	if err != nil {
		return fmt.Errorf("download %s: %w", objectPath, err)
	}
	tmpFile := path.Join(tmpDir, "object"+ext)
	f, err := os.Create(tmpFile)
	if err != nil {
		_ = r.Close()
		return fmt.Errorf("create temp file: %w", err)
	}
	var body io.Reader = r
	if s.cfg.MaxTempFileSize > 0 {
		body = io.LimitReader(r, s.cfg.MaxTempFileSize+1)
	}
	_, copyErr := io.Copy(f, body)
	_ = r.Close()
	if cerr := f.Close(); cerr != nil && copyErr == nil {
		copyErr = cerr
	}
	if copyErr != nil {
		return fmt.Errorf("download %s: %w", objectPath, copyErr)
	}

	encoded, err := s.recompressFile(tmpFile, ext)
	if err != nil || encoded == nil {
		return err
	}
	if !s.worthKeeping(originalSize, int64(len(encoded))) {
		return nil
	}
	if err := disk.Put(ctx, objectPath, bytes.NewReader(encoded), storage.PutOptions{
		ContentType: mime,
		Visibility:  visibility,
	}); err != nil {
		return fmt.Errorf("upload optimized %s: %w", objectPath, err)
	}
	return nil
}

func (s *OptimizerService) recompressFile(realPath, ext string) ([]byte, error) {
	img, err := imaging.Open(realPath)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", realPath, err)
	}
	buf := &bytes.Buffer{}
	switch ext {
	case ".jpg", ".jpeg":
		err = imaging.Encode(buf, img, imaging.JPEG, imaging.JPEGQuality(s.cfg.JPEGQuality))
	case ".png":
		err = imaging.Encode(buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	default:
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("re-encode %s: %w", realPath, err)
	}
	return buf.Bytes(), nil
}

func (s *OptimizerService) worthKeeping(originalSize, newSize int64) bool {
	if originalSize <= 0 {
		return false
	}
	savings := float64(originalSize-newSize) / float64(originalSize)
	return savings >= s.cfg.SavingsThreshold
}
