package service

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/storage"
)

type stubCleanupStateStore struct {
	expired []models.CleanupState
	pending []models.CleanupState
	deleted []string
}

func (s *stubCleanupStateStore) ListExpired(_ context.Context, _ time.Time, _ int) ([]models.CleanupState, error) {
	return s.expired, nil
}

func (s *stubCleanupStateStore) GetByMediaID(_ context.Context, mediaID string) (*models.CleanupState, error) {
	for i := range s.pending {
		if s.pending[i].MediaID == mediaID {
			return &s.pending[i], nil
		}
	}
	return nil, sql.ErrNoRows
}

func (s *stubCleanupStateStore) ListByOwner(_ context.Context, _, _, _ string) ([]models.CleanupState, error) {
	return s.pending, nil
}

func (s *stubCleanupStateStore) Delete(_ context.Context, id string) error {
	s.deleted = append(s.deleted, id)
	return nil
}

type stubMediaLister struct {
	records []models.MediaRecord
	// appearing is added to records after the first listing, mimicking a
	// record that commits while a sweep is in flight.
	appearing []models.MediaRecord
	calls     int
}

func (s *stubMediaLister) ListByOwner(_ context.Context, _, _, _ string) ([]models.MediaRecord, error) {
	s.calls++
	if s.calls > 1 && len(s.appearing) > 0 {
		return append(append([]models.MediaRecord{}, s.records...), s.appearing...), nil
	}
	return s.records, nil
}

func newCleanupFixture(t *testing.T) (*CleanupService, *stubCleanupStateStore, *stubMediaLister, *storage.LocalDisk) {
	t.Helper()
	disk, err := storage.NewLocalDisk("local", "/media", afero.NewMemMapFs())
	require.NoError(t, err)
	states := &stubCleanupStateStore{}
	media := &stubMediaLister{}
	svc := NewCleanupService(states, media, storage.NewRegistry(disk), config.CleanupConfig{StateTTL: 48 * time.Hour}, NewMetricsService(), zap.NewNop())
	return svc, states, media, disk
}

func seedMediaDir(t *testing.T, disk *storage.LocalDisk, directory string) string {
	t.Helper()
	var paths storage.PathGenerator
	root := paths.MediaRoot("t1", "u1", "avatar", directory)
	require.NoError(t, disk.Put(context.Background(), root+"/avatar-x.png", bytes.NewReader([]byte("png")), storage.PutOptions{}))
	require.NoError(t, disk.Put(context.Background(), root+"/conversions/thumb.png", bytes.NewReader([]byte("png")), storage.PutOptions{}))
	return root
}

func TestCleanupServiceFlushExpired(t *testing.T) {
	svc, states, _, disk := newCleanupFixture(t)
	root := seedMediaDir(t, disk, "dir-1")
	states.expired = []models.CleanupState{{
		ID: "cs-1", MediaID: "m1", TenantID: "t1", OwnerID: "u1",
		Collection: "avatar", Directory: "dir-1", FileName: "avatar-x.png",
		Disks: []string{"local"},
	}}

	flushed, err := svc.FlushExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []string{"cs-1"}, states.deleted)

	exists, err := disk.Exists(context.Background(), root+"/avatar-x.png")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanupServiceFlushKeepsStateOnUnknownDiskOnly(t *testing.T) {
	svc, states, _, disk := newCleanupFixture(t)
	seedMediaDir(t, disk, "dir-1")
	states.expired = []models.CleanupState{{
		ID: "cs-1", TenantID: "t1", OwnerID: "u1", Collection: "avatar",
		Directory: "dir-1", Disks: []string{"local"},
	}}

	// A state naming only a known disk flushes even if the directory is
	// already gone: deletion is idempotent.
	require.NoError(t, disk.DeleteDir(context.Background(), "tenants/t1/users/u1/avatar/dir-1"))
	flushed, err := svc.FlushExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
}

func TestCleanupServiceFlushIsRepeatable(t *testing.T) {
	svc, states, _, disk := newCleanupFixture(t)
	seedMediaDir(t, disk, "dir-1")
	states.expired = []models.CleanupState{{
		ID: "cs-1", TenantID: "t1", OwnerID: "u1", Collection: "avatar",
		Directory: "dir-1", Disks: []string{"local"},
	}}

	for i := 0; i < 2; i++ {
		_, err := svc.FlushExpired(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"cs-1", "cs-1"}, states.deleted)
}

func TestCleanupServiceSweepOrphans(t *testing.T) {
	svc, _, media, disk := newCleanupFixture(t)
	knownRoot := seedMediaDir(t, disk, "dir-known")
	orphanRoot := seedMediaDir(t, disk, "dir-orphan")
	media.records = []models.MediaRecord{{ID: "m1", Directory: "dir-known"}}

	removed, err := svc.SweepOrphans(context.Background(), "t1", "u1", "avatar")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	exists, err := disk.Exists(context.Background(), knownRoot+"/avatar-x.png")
	require.NoError(t, err)
	assert.True(t, exists)
	exists, err = disk.Exists(context.Background(), orphanRoot+"/avatar-x.png")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestCleanupServiceSweepSparesRecordCommittedMidSweep(t *testing.T) {
	svc, _, media, disk := newCleanupFixture(t)
	root := seedMediaDir(t, disk, "dir-racing")
	media.appearing = []models.MediaRecord{{ID: "m2", Directory: "dir-racing"}}

	removed, err := svc.SweepOrphans(context.Background(), "t1", "u1", "avatar")
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	exists, err := disk.Exists(context.Background(), root+"/avatar-x.png")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestCleanupServiceFlushByMediaID(t *testing.T) {
	svc, states, _, disk := newCleanupFixture(t)
	root := seedMediaDir(t, disk, "dir-1")
	states.pending = []models.CleanupState{{
		ID: "cs-1", MediaID: "m1", TenantID: "t1", OwnerID: "u1",
		Collection: "avatar", Directory: "dir-1", Disks: []string{"local"},
	}}

	flushed, err := svc.FlushByMediaID(context.Background(), "m1")
	require.NoError(t, err)
	assert.True(t, flushed)
	assert.Equal(t, []string{"cs-1"}, states.deleted)

	exists, err := disk.Exists(context.Background(), root+"/avatar-x.png")
	require.NoError(t, err)
	assert.False(t, exists)

	// No pending state for the media is not an error.
	flushed, err = svc.FlushByMediaID(context.Background(), "m-unknown")
	require.NoError(t, err)
	assert.False(t, flushed)
}

func TestCleanupServiceFlushOwnerPendingKeepsCurrent(t *testing.T) {
	svc, states, _, disk := newCleanupFixture(t)
	oldRoot := seedMediaDir(t, disk, "dir-old")
	keepRoot := seedMediaDir(t, disk, "dir-keep")
	states.pending = []models.CleanupState{
		{ID: "cs-old", MediaID: "m-old", TenantID: "t1", OwnerID: "u1",
			Collection: "avatar", Directory: "dir-old", Disks: []string{"local"}},
		{ID: "cs-keep", MediaID: "m-keep", TenantID: "t1", OwnerID: "u1",
			Collection: "avatar", Directory: "dir-keep", Disks: []string{"local"}},
	}

	flushed, err := svc.FlushOwnerPending(context.Background(), "t1", "u1", "avatar", "m-keep")
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, []string{"cs-old"}, states.deleted)

	exists, err := disk.Exists(context.Background(), oldRoot+"/avatar-x.png")
	require.NoError(t, err)
	assert.False(t, exists)
	exists, err = disk.Exists(context.Background(), keepRoot+"/avatar-x.png")
	require.NoError(t, err)
	assert.True(t, exists)
}
