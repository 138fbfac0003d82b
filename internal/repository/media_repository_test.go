package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/harborside/media-vault/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func mediaRows(media *models.MediaRecord) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "owner_id", "collection", "disk", "directory", "file_name",
		"mime_type", "size_bytes", "content_hash", "correlation_id", "conversions",
		"optimized_at", "created_at", "updated_at",
	}).AddRow(
		media.ID, media.TenantID, media.OwnerID, media.Collection, media.Disk,
		media.Directory, media.FileName, media.MimeType, media.SizeBytes,
		media.ContentHash, media.CorrelationID, []byte(`{"thumb":"thumb.jpg"}`),
		nil, media.CreatedAt, media.UpdatedAt,
	)
}

func TestMediaRepositoryCreateAndGet(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMediaRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO media")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	media := &models.MediaRecord{
		TenantID:    "t1",
		OwnerID:     "u1",
		Collection:  "avatar",
		Disk:        "local",
		Directory:   "dir-uuid",
		FileName:    "avatar-abc.jpg",
		MimeType:    "image/jpeg",
		SizeBytes:   2048,
		ContentHash: "abc",
	}
	tx, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, repo.CreateTx(context.Background(), tx, media))
	require.NoError(t, tx.Commit())
	require.NotEmpty(t, media.ID)

	media.CreatedAt = time.Now().UTC()
	media.UpdatedAt = media.CreatedAt
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, tenant_id, owner_id")).
		WithArgs(media.ID).
		WillReturnRows(mediaRows(media))

	found, err := repo.GetByID(context.Background(), media.ID)
	require.NoError(t, err)
	require.Equal(t, media.ID, found.ID)
	require.Equal(t, "thumb.jpg", found.Conversions["thumb"])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMediaRepositoryFindCurrent(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMediaRepository(db)
	media := &models.MediaRecord{ID: "m1", TenantID: "t1", OwnerID: "u1", Collection: "avatar"}
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 1")).
		WithArgs("t1", "u1", "avatar").
		WillReturnRows(mediaRows(media))

	found, err := repo.FindCurrent(context.Background(), "t1", "u1", "avatar")
	require.NoError(t, err)
	require.Equal(t, "m1", found.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMediaRepositoryFindCurrentNoRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMediaRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("ORDER BY created_at DESC LIMIT 1")).
		WithArgs("t1", "u1", "avatar").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.FindCurrent(context.Background(), "t1", "u1", "avatar")
	require.Error(t, err)
	require.True(t, IsNotFound(err))
}

func TestMediaRepositorySetConversions(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMediaRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE media SET conversions = $2")).
		WithArgs("m1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SetConversions(context.Background(), "m1", models.ConversionSet{"thumb": "thumb.jpg"}))

	// Updating a vanished record surfaces the no-rows sentinel.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE media SET conversions = $2")).
		WithArgs("m2", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := repo.SetConversions(context.Background(), "m2", models.ConversionSet{})
	require.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMediaRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMediaRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM media WHERE id = $1")).
		WithArgs("m1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.Delete(context.Background(), "m1"))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMediaRepositoryFindByDirectory(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewMediaRepository(db)
	media := &models.MediaRecord{ID: "m1", TenantID: "t1", OwnerID: "u1", Collection: "avatar", Directory: "art-1"}
	mock.ExpectQuery(regexp.QuoteMeta("WHERE directory = $1")).
		WithArgs("art-1").
		WillReturnRows(mediaRows(media))

	found, err := repo.FindByDirectory(context.Background(), "art-1")
	require.NoError(t, err)
	require.Equal(t, "m1", found.ID)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE directory = $1")).
		WithArgs("art-2").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = repo.FindByDirectory(context.Background(), "art-2")
	require.True(t, IsNotFound(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupRepositoryScheduleAndExpire(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewCleanupRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO cleanup_states")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	state := &models.CleanupState{
		MediaID:     "m1",
		TenantID:    "t1",
		OwnerID:     "u1",
		Collection:  "avatar",
		Directory:   "dir-uuid",
		FileName:    "avatar-abc.jpg",
		Disks:       []string{"local"},
		Conversions: []string{"thumb"},
		ExpiresAt:   time.Now().Add(48 * time.Hour),
	}
	tx, err := db.Beginx()
	require.NoError(t, err)
	require.NoError(t, repo.ScheduleTx(context.Background(), tx, state))
	require.NoError(t, tx.Commit())
	require.NotEmpty(t, state.ID)

	rows := sqlmock.NewRows([]string{
		"id", "media_id", "tenant_id", "owner_id", "collection", "directory", "file_name",
		"disks", "conversions", "created_at", "expires_at",
	}).AddRow(state.ID, state.MediaID, state.TenantID, state.OwnerID, state.Collection,
		state.Directory, state.FileName, `{local}`, `{thumb}`, time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("FROM cleanup_states")).
		WithArgs(sqlmock.AnyArg(), 50).
		WillReturnRows(rows)

	expired, err := repo.ListExpired(context.Background(), time.Now(), 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "m1", expired[0].MediaID)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM cleanup_states WHERE id = $1")).
		WithArgs(state.ID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.Delete(context.Background(), state.ID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCleanupRepositoryLookups(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewCleanupRepository(db)
	rows := func() *sqlmock.Rows {
		return sqlmock.NewRows([]string{
			"id", "media_id", "tenant_id", "owner_id", "collection", "directory", "file_name",
			"disks", "conversions", "created_at", "expires_at",
		}).AddRow("s1", "m1", "t1", "u1", "avatar", "dir-1", "avatar-abc.jpg",
			`{local}`, `{thumb}`, time.Now(), time.Now())
	}

	mock.ExpectQuery(regexp.QuoteMeta("WHERE media_id = $1")).
		WithArgs("m1").
		WillReturnRows(rows())
	state, err := repo.GetByMediaID(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, "s1", state.ID)

	mock.ExpectQuery(regexp.QuoteMeta("WHERE tenant_id = $1 AND owner_id = $2 AND collection = $3")).
		WithArgs("t1", "u1", "avatar").
		WillReturnRows(rows())
	states, err := repo.ListByOwner(context.Background(), "t1", "u1", "avatar")
	require.NoError(t, err)
	require.Len(t, states, 1)
	require.Equal(t, "m1", states[0].MediaID)
	require.NoError(t, mock.ExpectationsWereMet())
}
