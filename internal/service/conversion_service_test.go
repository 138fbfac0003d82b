package service

import (
	"bytes"
	"context"
	"database/sql"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/storage"
)

type stubConversionMediaStore struct {
	record       *models.MediaRecord
	currentIDs   []string
	currentCalls int
	set          models.ConversionSet
	setCalls     int
	setErr       error
}

func (s *stubConversionMediaStore) GetByID(_ context.Context, id string) (*models.MediaRecord, error) {
	if s.record == nil || s.record.ID != id {
		return nil, sql.ErrNoRows
	}
	return s.record, nil
}

// FindCurrent walks the scripted currentIDs list, repeating the last entry.
func (s *stubConversionMediaStore) FindCurrent(_ context.Context, _, _, _ string) (*models.MediaRecord, error) {
	if len(s.currentIDs) == 0 {
		return nil, sql.ErrNoRows
	}
	idx := s.currentCalls
	if idx >= len(s.currentIDs) {
		idx = len(s.currentIDs) - 1
	}
	s.currentCalls++
	return &models.MediaRecord{ID: s.currentIDs[idx]}, nil
}

func (s *stubConversionMediaStore) SetConversions(_ context.Context, _ string, conversions models.ConversionSet) error {
	s.setCalls++
	if s.setErr != nil {
		return s.setErr
	}
	s.set = conversions
	return nil
}

func newConversionFixture(t *testing.T) (*ConversionService, *stubConversionMediaStore, *stubFlusher, *storage.LocalDisk) {
	t.Helper()
	fs := afero.NewMemMapFs()
	disk, err := storage.NewLocalDisk("local", "/media", fs)
	require.NoError(t, err)

	cfg := &config.Config{
		Optimizer: config.OptimizerConfig{JPEGQuality: 85},
		Profiles: []config.ProfileConfig{{
			Name:       "avatar",
			Collection: "avatar",
			Disk:       "local",
			Conversions: []config.ConversionConfig{
				{Name: "thumb", Width: 16, Height: 16},
				{Name: "medium", Width: 32, Height: 32},
			},
		}},
	}
	media := &stubConversionMediaStore{}
	flusher := &stubFlusher{}
	svc := NewConversionService(media, storage.NewRegistry(disk), flusher, cfg, NewMetricsService(), zap.NewNop())
	return svc, media, flusher, disk
}

func seedOriginal(t *testing.T, disk *storage.LocalDisk, media *models.MediaRecord) {
	t.Helper()
	var paths storage.PathGenerator
	original := paths.OriginalPath(media.TenantID, media.OwnerID, media.Collection, media.Directory, media.FileName)
	err := disk.Put(context.Background(), original, bytes.NewReader(encodePNG(t, 64, 64)), storage.PutOptions{ContentType: "image/png"})
	require.NoError(t, err)
}

func TestConversionServiceGeneratesVariants(t *testing.T) {
	svc, media, flusher, disk := newConversionFixture(t)
	media.record = &models.MediaRecord{
		ID: "m1", TenantID: "t1", OwnerID: "u1", Collection: "avatar",
		Disk: "local", Directory: "dir-1", FileName: "avatar-abc.png",
	}
	media.currentIDs = []string{"m1"}
	seedOriginal(t, disk, media.record)

	require.NoError(t, svc.Convert(context.Background(), "m1", "corr-1"))

	require.Equal(t, 1, media.setCalls)
	assert.Equal(t, "thumb.png", media.set["thumb"])
	assert.Equal(t, "medium.png", media.set["medium"])

	var paths storage.PathGenerator
	for _, name := range []string{"thumb", "medium"} {
		exists, err := disk.Exists(context.Background(),
			paths.ConversionPath("t1", "u1", "avatar", "dir-1", name, "png"))
		require.NoError(t, err)
		assert.True(t, exists, name)
	}
	assert.Empty(t, flusher.flushed)
}

func TestConversionServiceSkipsSupersededMedia(t *testing.T) {
	svc, media, flusher, disk := newConversionFixture(t)
	media.record = &models.MediaRecord{
		ID: "m1", TenantID: "t1", OwnerID: "u1", Collection: "avatar",
		Disk: "local", Directory: "dir-1", FileName: "avatar-abc.png",
	}
	media.currentIDs = []string{"m2"}
	seedOriginal(t, disk, media.record)

	require.NoError(t, svc.Convert(context.Background(), "m1", "corr-1"))
	assert.Zero(t, media.setCalls)
	// Obsolete work takes its deferred files with it.
	assert.Equal(t, []string{"m1"}, flusher.flushed)
}

func TestConversionServiceSkipsWhenSupersededMidrun(t *testing.T) {
	svc, media, flusher, disk := newConversionFixture(t)
	media.record = &models.MediaRecord{
		ID: "m1", TenantID: "t1", OwnerID: "u1", Collection: "avatar",
		Disk: "local", Directory: "dir-1", FileName: "avatar-abc.png",
	}
	// Current before the run, replaced by the time results land.
	media.currentIDs = []string{"m1", "m2"}
	seedOriginal(t, disk, media.record)

	require.NoError(t, svc.Convert(context.Background(), "m1", "corr-1"))
	assert.Zero(t, media.setCalls)
	assert.Equal(t, []string{"m1"}, flusher.flushed)
}

func TestConversionServiceMissingRecordIsNotAnError(t *testing.T) {
	svc, media, flusher, _ := newConversionFixture(t)
	require.NoError(t, svc.Convert(context.Background(), "m-gone", "corr-1"))
	assert.Zero(t, media.setCalls)
	assert.Equal(t, []string{"m-gone"}, flusher.flushed)
}

func TestConversionServiceRecordDeletedMidrun(t *testing.T) {
	svc, media, flusher, disk := newConversionFixture(t)
	media.record = &models.MediaRecord{
		ID: "m1", TenantID: "t1", OwnerID: "u1", Collection: "avatar",
		Disk: "local", Directory: "dir-1", FileName: "avatar-abc.png",
	}
	media.currentIDs = []string{"m1"}
	media.setErr = sql.ErrNoRows
	seedOriginal(t, disk, media.record)

	require.NoError(t, svc.Convert(context.Background(), "m1", "corr-1"))
	assert.Equal(t, 1, media.setCalls)
	assert.Equal(t, []string{"m1"}, flusher.flushed)
}
