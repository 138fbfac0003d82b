package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path"
	"time"

	"github.com/disintegration/imaging"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/config"
	appErrors "github.com/harborside/media-vault/pkg/errors"
	"github.com/harborside/media-vault/pkg/jobs"
	"github.com/harborside/media-vault/pkg/logger"
	"github.com/harborside/media-vault/pkg/quarantine"
	"github.com/harborside/media-vault/pkg/scanner"
	"github.com/harborside/media-vault/pkg/storage"
)

// JobTypeProcessUpload names the quarantine-processing job.
const JobTypeProcessUpload = "process-upload"

// Re-encoding quality for normalized JPEG originals. High enough to be
// visually lossless; the optimizer applies the aggressive pass later.
const normalizeJPEGQuality = 92

type uploadArtifactStore interface {
	Put(ctx context.Context, r io.Reader, declaredSize int64, meta quarantine.PutMeta) (*quarantine.Artifact, error)
	Get(ctx context.Context, id string) (*quarantine.Artifact, error)
	Open(ctx context.Context, id string) (io.ReadCloser, error)
	Transition(ctx context.Context, id string, from, to quarantine.State, reason string) (*quarantine.Artifact, error)
	PromoteProcessed(ctx context.Context, id string, disk storage.Disk, destPath string, opts storage.PutOptions, content io.Reader) (*quarantine.Location, error)
	Delete(ctx context.Context, id string) error
	ContentFile(id string) string
}

type uploadValidator interface {
	Validate(ctx context.Context, content io.ReadSeeker, declaredMIME string, sizeBytes int64) (*ImageInfo, error)
}

type payloadScanner interface {
	Scan(ctx context.Context, artifact *quarantine.Artifact, req scanner.Request) error
}

type uploadOwnerStore interface {
	FindByID(ctx context.Context, id string) (*models.Owner, error)
	Begin(ctx context.Context) (*sqlx.Tx, error)
	LockAndFindByID(ctx context.Context, tx *sqlx.Tx, id string) (*models.Owner, error)
}

type uploadMediaStore interface {
	CreateTx(ctx context.Context, tx *sqlx.Tx, media *models.MediaRecord) error
	FindCurrent(ctx context.Context, tenantID, ownerID, collection string) (*models.MediaRecord, error)
	FindByDirectory(ctx context.Context, directory string) (*models.MediaRecord, error)
	DeleteTx(ctx context.Context, tx *sqlx.Tx, id string) error
}

type uploadCleanupScheduler interface {
	ScheduleTx(ctx context.Context, tx *sqlx.Tx, state *models.CleanupState) error
}

type uploadCleanupFlusher interface {
	FlushByMediaID(ctx context.Context, mediaID string) (bool, error)
}

type conversionDispatcher interface {
	Record(ctx context.Context, tenantID, ownerID, collection, mediaID, correlationID string) error
}

type diskResolver interface {
	Disk(name string) (storage.Disk, bool)
}

type jobEnqueuer interface {
	Enqueue(job jobs.Job) error
}

// UploadInput carries one staged upload request.
type UploadInput struct {
	TenantID      string
	OwnerID       string
	Profile       string
	OriginalName  string
	DeclaredMIME  string
	Size          int64
	CorrelationID string
	Content       io.Reader
}

// UploadService owns the upload pipeline: staging into quarantine, the
// asynchronous validate-scan-promote pass, and the transactional replace of
// the owner's current media.
type UploadService struct {
	store    uploadArtifactStore
	validate uploadValidator
	scan     payloadScanner
	owners   uploadOwnerStore
	media    uploadMediaStore
	cleanups uploadCleanupScheduler
	flusher  uploadCleanupFlusher
	dispatch conversionDispatcher
	disks    diskResolver
	queue    jobEnqueuer
	paths    storage.PathGenerator
	cfg      *config.Config
	metrics  *MetricsService
	logger   *zap.Logger
	secLog   *zap.Logger
}

// NewUploadService constructs the service.
func NewUploadService(
	store uploadArtifactStore,
	validate uploadValidator,
	scan payloadScanner,
	owners uploadOwnerStore,
	media uploadMediaStore,
	cleanups uploadCleanupScheduler,
	flusher uploadCleanupFlusher,
	dispatch conversionDispatcher,
	disks diskResolver,
	queue jobEnqueuer,
	cfg *config.Config,
	metrics *MetricsService,
	log *zap.Logger,
) *UploadService {
	if log == nil {
		log = zap.NewNop()
	}
	return &UploadService{
		store:    store,
		validate: validate,
		scan:     scan,
		owners:   owners,
		media:    media,
		cleanups: cleanups,
		flusher:  flusher,
		dispatch: dispatch,
		disks:    disks,
		queue:    queue,
		cfg:      cfg,
		metrics:  metrics,
		logger:   log,
		secLog:   logger.Security(log),
	}
}

// Submit stages the upload into quarantine and enqueues the processing job.
// Only cheap synchronous checks run here; everything expensive happens in
// Process on a worker.
func (s *UploadService) Submit(ctx context.Context, input UploadInput) (*quarantine.Artifact, error) {
	profile, ok := s.cfg.ProfileByName(input.Profile)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown upload profile %q", input.Profile))
	}
	if profile.MaxSize > 0 && input.Size > profile.MaxSize {
		s.metrics.UploadFailed(appErrors.ErrSizeExceeded.Code)
		return nil, appErrors.Clone(appErrors.ErrSizeExceeded,
			fmt.Sprintf("file exceeds the %d byte limit for profile %s", profile.MaxSize, profile.Name))
	}

	owner, err := s.owners.FindByID(ctx, input.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "owner not found")
		}
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	if owner.Status != models.OwnerStatusActive {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "owner not found")
	}
	if owner.TenantID != input.TenantID {
		s.secLog.Warn("tenant mismatch on upload",
			zap.String("owner_id", input.OwnerID),
			zap.String("request_tenant", input.TenantID),
			zap.String("owner_tenant", owner.TenantID))
		return nil, appErrors.ErrTenantMismatch
	}

	artifact, err := s.store.Put(ctx, input.Content, input.Size, quarantine.PutMeta{
		DeclaredMIME:  input.DeclaredMIME,
		OriginalName:  input.OriginalName,
		TenantID:      input.TenantID,
		OwnerID:       input.OwnerID,
		Profile:       profile.Name,
		CorrelationID: input.CorrelationID,
	})
	if err != nil {
		if appErrors.FromError(err).Code == appErrors.ErrSizeExceeded.Code {
			s.metrics.UploadFailed(appErrors.ErrSizeExceeded.Code)
		}
		return nil, err
	}

	if err := s.queue.Enqueue(jobs.Job{
		ID:      JobTypeProcessUpload + ":" + artifact.ID,
		Type:    JobTypeProcessUpload,
		Payload: artifact.ID,
	}); err != nil {
		// The artifact stays staged; TTL pruning reclaims it if nothing
		// re-enqueues the job.
		return nil, fmt.Errorf("enqueue upload job: %w", err)
	}

	s.logger.Info("upload staged",
		zap.String("artifact_id", artifact.ID),
		zap.String("profile", profile.Name),
		zap.String("tenant_id", input.TenantID),
		zap.String("owner_id", input.OwnerID),
		zap.String("correlation_id", input.CorrelationID),
		zap.Int64("size", artifact.Size),
		logger.RedactedField("original_name", input.OriginalName))
	return artifact, nil
}

// Process runs the full pipeline for one staged artifact: validate, scan,
// normalize, promote, persist. Terminal rejections return nil so the queue
// does not retry them; only infrastructure errors propagate.
func (s *UploadService) Process(ctx context.Context, artifactID string) error {
	artifact, err := s.store.Get(ctx, artifactID)
	if err != nil {
		if appErrors.FromError(err).Code == appErrors.ErrNotFound.Code {
			s.metrics.StaleSkip("upload", "artifact_missing")
			return nil
		}
		return err
	}

	switch artifact.State {
	case quarantine.StatePending:
		if artifact, err = s.store.Transition(ctx, artifactID, quarantine.StatePending, quarantine.StateScanning, ""); err != nil {
			if appErrors.FromError(err).Code == appErrors.ErrInvalidTransition.Code {
				// Another worker claimed it first.
				s.metrics.StaleSkip("upload", "claimed")
				return nil
			}
			return err
		}
	case quarantine.StateScanning:
		// Retry after a transient failure; we still own the artifact.
	case quarantine.StatePromoted:
		// The files moved but a transient failure stopped the record commit.
		// Resume at finalize; validation and scanning already passed.
		return s.resumePromoted(ctx, artifact)
	default:
		s.metrics.StaleSkip("upload", "terminal")
		return nil
	}

	profile, ok := s.cfg.ProfileByName(artifact.Profile)
	if !ok {
		return s.reject(ctx, artifact, appErrors.ErrValidation.Code, "profile no longer configured", true)
	}

	content, err := s.store.Open(ctx, artifactID)
	if err != nil {
		return err
	}
	defer content.Close()
	seeker, ok := content.(io.ReadSeeker)
	if !ok {
		return fmt.Errorf("quarantine content for %s is not seekable", artifactID)
	}

	info, err := s.validate.Validate(ctx, seeker, artifact.DeclaredMIME, artifact.Size)
	if err != nil {
		code := appErrors.FromError(err).Code
		s.secLog.Warn("upload failed validation",
			zap.String("artifact_id", artifact.ID),
			zap.String("code", code),
			zap.String("tenant_id", artifact.TenantID),
			zap.String("owner_id", artifact.OwnerID),
			logger.RedactedField("original_name", artifact.OriginalName),
			zap.Error(err))
		return s.reject(ctx, artifact, code, err.Error(), true)
	}

	if profile.RequireScan {
		prefix, err := s.readPrefix(seeker)
		if err != nil {
			return err
		}
		scanErr := s.scan.Scan(ctx, artifact, scanner.Request{
			Path:   s.store.ContentFile(artifactID),
			Prefix: prefix,
		})
		if scanErr != nil {
			if appErrors.IsRetryable(scanErr) {
				return scanErr
			}
			// Confirmed virus verdicts keep their bytes for forensics until
			// the failed TTL collects them. Everything else, suspicious
			// payloads included, surrenders the quarantine entry now.
			code := appErrors.FromError(scanErr).Code
			return s.reject(ctx, artifact, code, scanErr.Error(), code != appErrors.ErrVirusDetected.Code)
		}
	}

	disk, ok := s.disks.Disk(profile.Disk)
	if !ok {
		return fmt.Errorf("disk %q not registered", profile.Disk)
	}

	fileName := storage.FileName(profile.Collection, artifact.ContentHash, info.Extension)
	destPath := s.paths.OriginalPath(artifact.TenantID, artifact.OwnerID, profile.Collection, artifact.ID, fileName)
	opts := storage.PutOptions{ContentType: info.MIME, Visibility: storage.VisibilityPublic}

	sizeBytes := artifact.Size
	normalized, err := s.normalize(seeker, info)
	if err != nil {
		return s.reject(ctx, artifact, appErrors.ErrInvalidMagicBytes.Code, err.Error(), true)
	}
	var body io.Reader
	if normalized != nil {
		sizeBytes = int64(normalized.Len())
		body = normalized
	}
	if _, err := s.store.PromoteProcessed(ctx, artifactID, disk, destPath, opts, body); err != nil {
		return err
	}

	record := &models.MediaRecord{
		TenantID:      artifact.TenantID,
		OwnerID:       artifact.OwnerID,
		Collection:    profile.Collection,
		Disk:          profile.Disk,
		Directory:     artifact.ID,
		FileName:      fileName,
		MimeType:      info.MIME,
		SizeBytes:     sizeBytes,
		ContentHash:   artifact.ContentHash,
		CorrelationID: artifact.CorrelationID,
	}
	return s.complete(ctx, artifact, profile, record)
}

// complete runs the shared tail of the pipeline once files are in place:
// persist the record, kick off conversions, account the success.
func (s *UploadService) complete(ctx context.Context, artifact *quarantine.Artifact, profile config.ProfileConfig, record *models.MediaRecord) error {
	if err := s.finalize(ctx, artifact, profile, record); err != nil {
		return err
	}

	if err := s.dispatch.Record(ctx, artifact.TenantID, artifact.OwnerID, profile.Collection, record.ID, artifact.CorrelationID); err != nil {
		s.logger.Warn("failed to dispatch conversions", zap.String("media_id", record.ID), zap.Error(err))
	}

	s.metrics.UploadSucceeded()
	s.logger.Info("upload promoted",
		zap.String("artifact_id", artifact.ID),
		zap.String("media_id", record.ID),
		zap.String("disk", record.Disk),
		zap.String("collection", record.Collection),
		zap.String("correlation_id", record.CorrelationID))
	return nil
}

// resumePromoted finishes an artifact whose files reached the media disk but
// whose record never committed. Promotion is keyed by the artifact ID, so an
// existing record for that directory means a duplicate delivery and the job
// exits quietly.
func (s *UploadService) resumePromoted(ctx context.Context, artifact *quarantine.Artifact) error {
	if _, err := s.media.FindByDirectory(ctx, artifact.ID); err == nil {
		s.metrics.StaleSkip("upload", "already_finalized")
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	loc := artifact.PromotedTo
	if loc == nil {
		return fmt.Errorf("promoted artifact %s has no destination", artifact.ID)
	}
	profile, ok := s.cfg.ProfileByName(artifact.Profile)
	if !ok {
		s.metrics.StaleSkip("upload", "profile_removed")
		s.logger.Warn("promoted artifact references removed profile",
			zap.String("artifact_id", artifact.ID), zap.String("profile", artifact.Profile))
		return nil
	}
	disk, ok := s.disks.Disk(loc.Disk)
	if !ok {
		return fmt.Errorf("disk %q not registered", loc.Disk)
	}

	sizeBytes, err := disk.Size(ctx, loc.Path)
	if err != nil {
		return fmt.Errorf("stat promoted file: %w", err)
	}
	mime, err := disk.MimeType(ctx, loc.Path)
	if err != nil || mime == "" {
		mime = artifact.DeclaredMIME
	}

	record := &models.MediaRecord{
		TenantID:      artifact.TenantID,
		OwnerID:       artifact.OwnerID,
		Collection:    profile.Collection,
		Disk:          loc.Disk,
		Directory:     artifact.ID,
		FileName:      path.Base(loc.Path),
		MimeType:      mime,
		SizeBytes:     sizeBytes,
		ContentHash:   artifact.ContentHash,
		CorrelationID: artifact.CorrelationID,
	}
	return s.complete(ctx, artifact, profile, record)
}

// finalize persists the media record under the owner row lock. Single-file
// profiles atomically replace the previous current media and schedule its
// files for deferred removal in the same transaction.
func (s *UploadService) finalize(ctx context.Context, artifact *quarantine.Artifact, profile config.ProfileConfig, record *models.MediaRecord) error {
	tx, err := s.owners.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := s.owners.LockAndFindByID(ctx, tx, artifact.OwnerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return s.abandonPromoted(ctx, tx, artifact, profile, record, "owner_deleted")
		}
		return err
	}
	if owner.Status != models.OwnerStatusActive {
		return s.abandonPromoted(ctx, tx, artifact, profile, record, "owner_deleted")
	}
	if owner.TenantID != artifact.TenantID {
		s.secLog.Warn("tenant mismatch at promotion",
			zap.String("artifact_id", artifact.ID),
			zap.String("owner_id", artifact.OwnerID),
			zap.String("request_tenant", artifact.TenantID),
			zap.String("owner_tenant", owner.TenantID))
		s.metrics.UploadFailed(appErrors.ErrTenantMismatch.Code)
		return s.abandonPromoted(ctx, tx, artifact, profile, record, "tenant_mismatch")
	}

	if profile.SingleFile {
		prior, err := s.media.FindCurrent(ctx, artifact.TenantID, artifact.OwnerID, profile.Collection)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if prior != nil {
			if err := s.media.DeleteTx(ctx, tx, prior.ID); err != nil {
				return err
			}
			if err := s.cleanups.ScheduleTx(ctx, tx, s.cleanupStateFor(prior, profile)); err != nil {
				return err
			}
		}
	}

	if err := s.media.CreateTx(ctx, tx, record); err != nil {
		return err
	}
	return tx.Commit()
}

// abandonPromoted handles an owner that vanished between staging and
// promotion: the already-promoted files are scheduled for removal and the
// job exits cleanly.
func (s *UploadService) abandonPromoted(ctx context.Context, tx *sqlx.Tx, artifact *quarantine.Artifact, profile config.ProfileConfig, record *models.MediaRecord, reason string) error {
	state := s.cleanupStateFor(record, profile)
	state.MediaID = artifact.ID
	if err := s.cleanups.ScheduleTx(ctx, tx, state); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.metrics.StaleSkip("upload", reason)
	s.logger.Info("promoted upload abandoned",
		zap.String("artifact_id", artifact.ID),
		zap.String("reason", reason))
	return nil
}

func (s *UploadService) cleanupStateFor(media *models.MediaRecord, profile config.ProfileConfig) *models.CleanupState {
	conversions := make([]string, len(profile.Conversions))
	for i, c := range profile.Conversions {
		conversions[i] = c.Name
	}
	return &models.CleanupState{
		MediaID:     media.ID,
		TenantID:    media.TenantID,
		OwnerID:     media.OwnerID,
		Collection:  media.Collection,
		Directory:   media.Directory,
		FileName:    media.FileName,
		Disks:       []string{media.Disk},
		Conversions: conversions,
		ExpiresAt:   time.Now().UTC().Add(s.cfg.Cleanup.StateTTL),
	}
}

// Delete removes the owner's current media for a profile: the row goes now,
// the files go later through the cleanup scheduler.
func (s *UploadService) Delete(ctx context.Context, tenantID, ownerID, profileName string) error {
	profile, ok := s.cfg.ProfileByName(profileName)
	if !ok {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown upload profile %q", profileName))
	}

	tx, err := s.owners.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	owner, err := s.owners.LockAndFindByID(ctx, tx, ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "owner not found")
		}
		return err
	}
	if owner.TenantID != tenantID {
		return appErrors.ErrTenantMismatch
	}

	current, err := s.media.FindCurrent(ctx, tenantID, ownerID, profile.Collection)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return appErrors.Clone(appErrors.ErrNotFound, "no media for profile")
		}
		return err
	}
	if err := s.media.DeleteTx(ctx, tx, current.ID); err != nil {
		return err
	}
	if err := s.cleanups.ScheduleTx(ctx, tx, s.cleanupStateFor(current, profile)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	// The row is gone; take the files with it. A failed flush leaves the
	// state for the TTL sweep.
	if _, err := s.flusher.FlushByMediaID(ctx, current.ID); err != nil {
		s.logger.Warn("failed to flush cleanup state after delete",
			zap.String("media_id", current.ID), zap.Error(err))
	}
	return nil
}

// Current returns the owner's current media for a profile.
func (s *UploadService) Current(ctx context.Context, tenantID, ownerID, profileName string) (*models.MediaRecord, error) {
	profile, ok := s.cfg.ProfileByName(profileName)
	if !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown upload profile %q", profileName))
	}
	media, err := s.media.FindCurrent(ctx, tenantID, ownerID, profile.Collection)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "no media for profile")
		}
		return nil, err
	}
	return media, nil
}

// reject marks the artifact terminal. Only a confirmed virus verdict lands in
// INFECTED with its bytes retained; every other rejection fails the artifact
// and usually surrenders its quarantine entry immediately.
func (s *UploadService) reject(ctx context.Context, artifact *quarantine.Artifact, code, reason string, deleteNow bool) error {
	to := quarantine.StateFailed
	if code == appErrors.ErrVirusDetected.Code {
		to = quarantine.StateInfected
	}
	if _, err := s.store.Transition(ctx, artifact.ID, quarantine.StateScanning, to, reason); err != nil {
		s.logger.Warn("failed to mark artifact rejected", zap.String("artifact_id", artifact.ID), zap.Error(err))
	}
	if deleteNow {
		if err := s.store.Delete(ctx, artifact.ID); err != nil {
			s.logger.Warn("failed to delete rejected artifact", zap.String("artifact_id", artifact.ID), zap.Error(err))
		}
	}
	s.metrics.UploadFailed(code)
	return nil
}

func (s *UploadService) readPrefix(content io.ReadSeeker) ([]byte, error) {
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind content: %w", err)
	}
	limit := s.cfg.Scanner.ScanPrefixBytes
	if limit <= 0 {
		limit = 50 * 1024
	}
	prefix := make([]byte, limit)
	n, err := io.ReadFull(content, prefix)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return nil, fmt.Errorf("read scan prefix: %w", err)
	}
	return prefix[:n], nil
}

// normalize re-encodes JPEG and PNG originals, dropping EXIF, GPS and ICC
// payloads and applying orientation. Formats imaging cannot encode pass
// through untouched.
func (s *UploadService) normalize(content io.ReadSeeker, info *ImageInfo) (*bytes.Buffer, error) {
	var format imaging.Format
	switch info.MIME {
	case "image/jpeg":
		format = imaging.JPEG
	case "image/png":
		format = imaging.PNG
	default:
		return nil, nil
	}
	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind content: %w", err)
	}
	img, err := imaging.Decode(content, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode image for normalization: %w", err)
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, img, format, imaging.JPEGQuality(normalizeJPEGQuality)); err != nil {
		return nil, fmt.Errorf("re-encode image: %w", err)
	}
	return buf, nil
}
