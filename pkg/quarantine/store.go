package quarantine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	appErrors "github.com/harborside/media-vault/pkg/errors"
	"github.com/harborside/media-vault/pkg/storage"
)

const (
	contentExt = ".bin"
	sidecarExt = ".meta.json"
)

// StoreConfig bounds the staging area.
type StoreConfig struct {
	Dir        string
	MaxSize    int64
	PendingTTL time.Duration
	FailedTTL  time.Duration
}

// Store is a content-addressable, TTL-bounded staging area for unvalidated
// uploads. Every artifact carries a sidecar holding its hash and metadata;
// the sidecar is finalized before the content file becomes visible, so the
// store never holds content without integrity metadata.
type Store struct {
	fs     afero.Fs
	dir    string
	cfg    StoreConfig
	logger *zap.Logger
}

// NewStore prepares the quarantine directory.
func NewStore(fs afero.Fs, cfg StoreConfig, logger *zap.Logger) (*Store, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Dir == "" {
		cfg.Dir = "./quarantine"
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = 24 * time.Hour
	}
	if cfg.FailedTTL <= 0 {
		cfg.FailedTTL = 4 * time.Hour
	}
	abs, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("resolve quarantine dir: %w", err)
	}
	if err := fs.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("create quarantine dir: %w", err)
	}
	return &Store{fs: fs, dir: abs, cfg: cfg, logger: logger}, nil
}

func (s *Store) contentPath(id string) string {
	return filepath.Join(s.dir, id+contentExt)
}

func (s *Store) sidecarPath(id string) string {
	return filepath.Join(s.dir, id+sidecarExt)
}

// ContentFile returns the on-disk path of the staged content for engines that
// shell out to external binaries.
func (s *Store) ContentFile(id string) string {
	return s.contentPath(id)
}

// Put stages an upload. The declared size is checked before any byte is
// written and the actual size is enforced while copying. The content file is
// renamed into place only after its sidecar exists.
func (s *Store) Put(ctx context.Context, r io.Reader, declaredSize int64, meta PutMeta) (*Artifact, error) {
	if s.cfg.MaxSize > 0 && declaredSize > s.cfg.MaxSize {
		return nil, appErrors.Clone(appErrors.ErrSizeExceeded,
			fmt.Sprintf("declared size %d exceeds quarantine limit %d", declaredSize, s.cfg.MaxSize))
	}

	id := uuid.NewString()
	tmp, err := afero.TempFile(s.fs, s.dir, ".tmp-*")
	if err != nil {
		return nil, fmt.Errorf("create quarantine temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanupTmp := func() { _ = s.fs.Remove(tmpName) }

	hasher := sha256.New()
	limit := r
	if s.cfg.MaxSize > 0 {
		limit = io.LimitReader(r, s.cfg.MaxSize+1)
	}
	written, err := io.Copy(io.MultiWriter(tmp, hasher), limit)
	if cerr := tmp.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		cleanupTmp()
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	if s.cfg.MaxSize > 0 && written > s.cfg.MaxSize {
		cleanupTmp()
		return nil, appErrors.Clone(appErrors.ErrSizeExceeded,
			fmt.Sprintf("upload exceeds quarantine limit %d", s.cfg.MaxSize))
	}

	now := time.Now().UTC()
	artifact := &Artifact{
		ID:            id,
		Size:          written,
		ContentHash:   hex.EncodeToString(hasher.Sum(nil)),
		DeclaredMIME:  meta.DeclaredMIME,
		OriginalName:  meta.OriginalName,
		State:         StatePending,
		TenantID:      meta.TenantID,
		OwnerID:       meta.OwnerID,
		Profile:       meta.Profile,
		CorrelationID: meta.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	// Sidecar first. A crash between the two writes leaves a sidecar without
	// content, which the orphan sweep reclaims.
	if err := s.writeSidecar(artifact); err != nil {
		cleanupTmp()
		return nil, err
	}
	if err := s.fs.Rename(tmpName, s.contentPath(id)); err != nil {
		cleanupTmp()
		_ = s.fs.Remove(s.sidecarPath(id))
		return nil, fmt.Errorf("finalize quarantine artifact: %w", err)
	}
	return artifact, nil
}

// Get loads the artifact's sidecar.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	raw, err := afero.ReadFile(s.fs, s.sidecarPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "quarantine artifact not found")
		}
		return nil, fmt.Errorf("read sidecar %s: %w", id, err)
	}
	var artifact Artifact
	if err := json.Unmarshal(raw, &artifact); err != nil {
		return nil, fmt.Errorf("decode sidecar %s: %w", id, err)
	}
	return &artifact, nil
}

// Open returns a reader over the staged content.
func (s *Store) Open(ctx context.Context, id string) (io.ReadCloser, error) {
	f, err := s.fs.Open(s.contentPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "quarantine content not found")
		}
		return nil, fmt.Errorf("open quarantine content %s: %w", id, err)
	}
	return f, nil
}

// Transition moves the artifact from one state to another with CAS semantics:
// if the persisted state no longer matches from, a concurrent actor won the
// race and ErrInvalidTransition is returned.
func (s *Store) Transition(ctx context.Context, id string, from, to State, reason string) (*Artifact, error) {
	artifact, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if artifact.State != from {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("artifact %s is %s, expected %s", id, artifact.State, from))
	}
	if artifact.State.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("artifact %s is terminal (%s)", id, artifact.State))
	}
	artifact.State = to
	artifact.StateReason = reason
	artifact.UpdatedAt = time.Now().UTC()
	if err := s.writeSidecar(artifact); err != nil {
		return nil, err
	}
	return artifact, nil
}

// Promote copies the staged content onto a durable disk and marks the
// artifact PROMOTED. Retrying a promotion that already completed is a no-op
// returning the recorded location; the content file is removed on success and
// the sidecar stays behind for idempotency until TTL pruning collects it.
func (s *Store) Promote(ctx context.Context, id string, disk storage.Disk, destPath string, opts storage.PutOptions) (*Location, error) {
	return s.promote(ctx, id, disk, destPath, opts, nil)
}

// PromoteProcessed promotes caller-supplied bytes, a normalized rendition of
// the staged content, instead of the staged file itself. Idempotency and state
// handling match Promote.
func (s *Store) PromoteProcessed(ctx context.Context, id string, disk storage.Disk, destPath string, opts storage.PutOptions, content io.Reader) (*Location, error) {
	return s.promote(ctx, id, disk, destPath, opts, content)
}

func (s *Store) promote(ctx context.Context, id string, disk storage.Disk, destPath string, opts storage.PutOptions, content io.Reader) (*Location, error) {
	artifact, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if artifact.State == StatePromoted && artifact.PromotedTo != nil {
		return artifact.PromotedTo, nil
	}
	if artifact.State.Terminal() {
		return nil, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("artifact %s is terminal (%s)", id, artifact.State))
	}

	if content == nil {
		staged, err := s.Open(ctx, id)
		if err != nil {
			return nil, err
		}
		defer staged.Close()
		content = staged
	}
	if err := disk.Put(ctx, destPath, content, opts); err != nil {
		return nil, fmt.Errorf("promote artifact %s: %w", id, err)
	}

	location := &Location{Disk: disk.Name(), Path: destPath}
	artifact.State = StatePromoted
	artifact.PromotedTo = location
	artifact.UpdatedAt = time.Now().UTC()
	if err := s.writeSidecar(artifact); err != nil {
		return nil, err
	}
	if err := s.fs.Remove(s.contentPath(id)); err != nil && !os.IsNotExist(err) {
		s.logger.Warn("failed to remove promoted quarantine content", zap.String("artifact_id", id), zap.Error(err))
	}
	return location, nil
}

// Delete removes content and sidecar. Deleting a missing artifact is a no-op.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.fs.Remove(s.contentPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete quarantine content %s: %w", id, err)
	}
	if err := s.fs.Remove(s.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete quarantine sidecar %s: %w", id, err)
	}
	return nil
}

// PruneStale removes artifacts past their TTL: non-terminal artifacts older
// than the pending TTL and terminal artifacts older than the failed TTL. Only
// files older than the cutoffs are touched, so the sweep is safe to run
// concurrently with uploads.
func (s *Store) PruneStale(ctx context.Context) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, fmt.Errorf("list quarantine dir: %w", err)
	}
	now := time.Now().UTC()
	pruned := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sidecarExt) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), sidecarExt)
		artifact, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		ttl := s.cfg.PendingTTL
		if artifact.State.Terminal() {
			ttl = s.cfg.FailedTTL
		}
		if now.Sub(artifact.UpdatedAt) < ttl {
			continue
		}
		if !artifact.State.Terminal() {
			artifact.State = StateExpired
			artifact.UpdatedAt = now
			// Best effort: the files are removed next regardless.
			_ = s.writeSidecar(artifact)
		}
		if err := s.Delete(ctx, id); err != nil {
			s.logger.Warn("failed to prune quarantine artifact", zap.String("artifact_id", id), zap.Error(err))
			continue
		}
		pruned++
	}
	return pruned, nil
}

// CleanupOrphanedSidecars removes sidecars whose content file no longer
// exists. Promoted sidecars are intentionally content-less and are left for
// the TTL prune.
func (s *Store) CleanupOrphanedSidecars(ctx context.Context) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, fmt.Errorf("list quarantine dir: %w", err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), sidecarExt) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), sidecarExt)
		artifact, err := s.Get(ctx, id)
		if err == nil && artifact.State == StatePromoted {
			continue
		}
		exists, err := afero.Exists(s.fs, s.contentPath(id))
		if err != nil || exists {
			continue
		}
		if err := s.fs.Remove(s.sidecarPath(id)); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove orphaned sidecar", zap.String("artifact_id", id), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (s *Store) writeSidecar(artifact *Artifact) error {
	raw, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sidecar %s: %w", artifact.ID, err)
	}
	tmp, err := afero.TempFile(s.fs, s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create sidecar temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("write sidecar %s: %w", artifact.ID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("close sidecar %s: %w", artifact.ID, err)
	}
	if err := s.fs.Rename(tmpName, s.sidecarPath(artifact.ID)); err != nil {
		_ = s.fs.Remove(tmpName)
		return fmt.Errorf("finalize sidecar %s: %w", artifact.ID, err)
	}
	return nil
}
