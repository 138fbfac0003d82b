package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"image"
	"path"
	"strings"

	"github.com/disintegration/imaging"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/storage"
)

type conversionMediaStore interface {
	GetByID(ctx context.Context, id string) (*models.MediaRecord, error)
	FindCurrent(ctx context.Context, tenantID, ownerID, collection string) (*models.MediaRecord, error)
	SetConversions(ctx context.Context, id string, conversions models.ConversionSet) error
}

// ConversionService generates the per-profile derived variants of a promoted
// original. Every step re-checks that the media is still the owner's current
// one: a superseded record means the work is obsolete, not failed.
type ConversionService struct {
	media   conversionMediaStore
	disks   diskResolver
	flusher uploadCleanupFlusher
	paths   storage.PathGenerator
	cfg     *config.Config
	metrics *MetricsService
	logger  *zap.Logger
}

// NewConversionService constructs the service.
func NewConversionService(media conversionMediaStore, disks diskResolver, flusher uploadCleanupFlusher, cfg *config.Config, metrics *MetricsService, log *zap.Logger) *ConversionService {
	if log == nil {
		log = zap.NewNop()
	}
	return &ConversionService{
		media:   media,
		disks:   disks,
		flusher: flusher,
		cfg:     cfg,
		metrics: metrics,
		logger:  log,
	}
}

// Convert builds every configured conversion for one media record. A stale or
// vanished record returns nil: the queue must not retry obsolete work.
func (s *ConversionService) Convert(ctx context.Context, mediaID, correlationID string) error {
	media, err := s.media.GetByID(ctx, mediaID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.StaleSkip("conversion", "record_missing")
			s.flushPending(ctx, mediaID)
			return nil
		}
		return err
	}

	if stale, err := s.isStale(ctx, media); err != nil {
		return err
	} else if stale {
		s.metrics.StaleSkip("conversion", "superseded")
		s.flushPending(ctx, mediaID)
		return nil
	}

	profile, ok := s.profileForCollection(media.Collection)
	if !ok {
		return fmt.Errorf("no profile configured for collection %q", media.Collection)
	}
	if len(profile.Conversions) == 0 {
		return nil
	}

	disk, ok := s.disks.Disk(media.Disk)
	if !ok {
		return fmt.Errorf("disk %q not registered", media.Disk)
	}

	originalPath := s.paths.OriginalPath(media.TenantID, media.OwnerID, media.Collection, media.Directory, media.FileName)
	r, err := disk.Get(ctx, originalPath)
	if err != nil {
		s.metrics.ConversionFailed()
		return fmt.Errorf("read original %s: %w", originalPath, err)
	}
	img, err := imaging.Decode(r, imaging.AutoOrientation(true))
	_ = r.Close()
	if err != nil {
		s.metrics.ConversionFailed()
		return fmt.Errorf("decode original %s: %w", originalPath, err)
	}

	visibility, err := disk.Visibility(ctx, originalPath)
	if err != nil {
		visibility = storage.VisibilityPublic
	}

	ext := path.Ext(media.FileName)
	format, encodeMIME := s.encodeTarget(ext)

	set := models.ConversionSet{}
	for _, conv := range profile.Conversions {
		variant := imaging.Fit(img, conv.Width, conv.Height, imaging.Lanczos)
		destExt := ext
		if format == imaging.JPEG && !strings.EqualFold(ext, ".jpg") && !strings.EqualFold(ext, ".jpeg") {
			destExt = ".jpg"
		}
		destPath := s.paths.ConversionPath(media.TenantID, media.OwnerID, media.Collection, media.Directory, conv.Name, destExt)
		if err := s.encodeAndPut(ctx, disk, destPath, variant, format, encodeMIME, visibility); err != nil {
			s.metrics.ConversionFailed()
			return err
		}
		set[conv.Name] = path.Base(destPath)
	}

	// Re-check currency before recording: a replacement that landed mid-run
	// makes these files garbage for the cleanup sweep, not results.
	if stale, err := s.isStale(ctx, media); err != nil {
		return err
	} else if stale {
		s.metrics.StaleSkip("conversion", "superseded_midrun")
		s.flushPending(ctx, mediaID)
		return nil
	}

	if err := s.media.SetConversions(ctx, mediaID, set); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.metrics.StaleSkip("conversion", "deleted_midrun")
			s.flushPending(ctx, mediaID)
			return nil
		}
		return err
	}

	s.logger.Info("conversions generated",
		zap.String("media_id", mediaID),
		zap.String("collection", media.Collection),
		zap.Int("count", len(set)),
		zap.String("correlation_id", correlationID))
	return nil
}

// ExpectedConversions reports how many variants a collection's profile
// defines. The optimizer uses it to decide readiness.
func (s *ConversionService) ExpectedConversions(collection string) int {
	profile, ok := s.profileForCollection(collection)
	if !ok {
		return 0
	}
	return len(profile.Conversions)
}

// flushPending removes a superseded media's deferred files right away instead
// of waiting out the state TTL. Best effort; the TTL sweep covers a miss.
func (s *ConversionService) flushPending(ctx context.Context, mediaID string) {
	if _, err := s.flusher.FlushByMediaID(ctx, mediaID); err != nil {
		s.logger.Warn("failed to flush cleanup state for stale media",
			zap.String("media_id", mediaID), zap.Error(err))
	}
}

func (s *ConversionService) isStale(ctx context.Context, media *models.MediaRecord) (bool, error) {
	current, err := s.media.FindCurrent(ctx, media.TenantID, media.OwnerID, media.Collection)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return true, nil
		}
		return false, err
	}
	return current.ID != media.ID, nil
}

func (s *ConversionService) profileForCollection(collection string) (config.ProfileConfig, bool) {
	for _, p := range s.cfg.Profiles {
		if p.Collection == collection {
			return p, true
		}
	}
	return config.ProfileConfig{}, false
}

// encodeTarget picks the output format for derived variants. Formats imaging
// cannot write fall back to JPEG.
func (s *ConversionService) encodeTarget(ext string) (imaging.Format, string) {
	format, err := imaging.FormatFromExtension(ext)
	if err != nil {
		return imaging.JPEG, "image/jpeg"
	}
	switch format {
	case imaging.JPEG:
		return format, "image/jpeg"
	case imaging.PNG:
		return format, "image/png"
	case imaging.GIF:
		return format, "image/gif"
	default:
		return imaging.JPEG, "image/jpeg"
	}
}

func (s *ConversionService) encodeAndPut(ctx context.Context, disk storage.Disk, destPath string, img image.Image, format imaging.Format, mime string, visibility storage.Visibility) error {
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(s.cfg.Optimizer.JPEGQuality)); err != nil {
		return fmt.Errorf("encode conversion %s: %w", destPath, err)
	}
	if err := disk.Put(ctx, destPath, buf, storage.PutOptions{ContentType: mime, Visibility: visibility}); err != nil {
		return fmt.Errorf("store conversion %s: %w", destPath, err)
	}
	return nil
}
