package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/internal/service"
	appErrors "github.com/harborside/media-vault/pkg/errors"
	"github.com/harborside/media-vault/pkg/quarantine"
)

type fakeMediaSrv struct {
	artifact   *quarantine.Artifact
	submitErr  error
	lastInput  service.UploadInput
	media      *models.MediaRecord
	currentErr error
	deleteErr  error
	deleted    bool
}

func (f *fakeMediaSrv) Submit(_ context.Context, input service.UploadInput) (*quarantine.Artifact, error) {
	f.lastInput = input
	return f.artifact, f.submitErr
}

func (f *fakeMediaSrv) Current(context.Context, string, string, string) (*models.MediaRecord, error) {
	return f.media, f.currentErr
}

func (f *fakeMediaSrv) Delete(context.Context, string, string, string) error {
	f.deleted = true
	return f.deleteErr
}

type fakeSweeper struct {
	removed int
	err     error
}

func (f *fakeSweeper) SweepOrphans(context.Context, string, string, string) (int, error) {
	return f.removed, f.err
}

type mediaEnvelope struct {
	Data  map[string]interface{} `json:"data"`
	Error *appErrors.Error       `json:"error"`
}

func multipartUpload(t *testing.T, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", fileName)
	require.NoError(t, err)
	_, err = part.Write(content)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func newMediaTestContext(t *testing.T, method, target string, body *bytes.Buffer) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	if body == nil {
		c.Request = httptest.NewRequest(method, target, nil)
	} else {
		c.Request = httptest.NewRequest(method, target, body)
	}
	c.Params = gin.Params{{Key: "profile", Value: "avatar"}}
	return c, rec
}

func TestMediaHandlerUploadRequiresIdentityHeaders(t *testing.T) {
	handler := NewMediaHandler(&fakeMediaSrv{}, &fakeSweeper{})

	body, contentType := multipartUpload(t, "cat.png", []byte("png-bytes"))
	c, rec := newMediaTestContext(t, http.MethodPost, "/media/avatar", body)
	c.Request.Header.Set("Content-Type", contentType)

	handler.Upload(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var envelope mediaEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrValidation.Code, envelope.Error.Code)
}

func TestMediaHandlerUploadRequiresFile(t *testing.T) {
	handler := NewMediaHandler(&fakeMediaSrv{}, &fakeSweeper{})

	c, rec := newMediaTestContext(t, http.MethodPost, "/media/avatar", &bytes.Buffer{})
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.Upload(c)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMediaHandlerUploadAccepted(t *testing.T) {
	srv := &fakeMediaSrv{artifact: &quarantine.Artifact{
		ID:            "art-1",
		State:         quarantine.StatePending,
		CorrelationID: "corr-1",
		Size:          9,
	}}
	handler := NewMediaHandler(srv, &fakeSweeper{})

	body, contentType := multipartUpload(t, "cat.png", []byte("png-bytes"))
	c, rec := newMediaTestContext(t, http.MethodPost, "/media/avatar", body)
	c.Request.Header.Set("Content-Type", contentType)
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.Upload(c)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "t1", srv.lastInput.TenantID)
	assert.Equal(t, "u1", srv.lastInput.OwnerID)
	assert.Equal(t, "avatar", srv.lastInput.Profile)
	assert.Equal(t, "cat.png", srv.lastInput.OriginalName)
	assert.NotEmpty(t, srv.lastInput.CorrelationID)

	var envelope mediaEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "art-1", envelope.Data["artifact_id"])
	assert.Equal(t, string(quarantine.StatePending), envelope.Data["state"])
}

func TestMediaHandlerUploadPropagatesServiceError(t *testing.T) {
	srv := &fakeMediaSrv{submitErr: appErrors.ErrSizeExceeded}
	handler := NewMediaHandler(srv, &fakeSweeper{})

	body, contentType := multipartUpload(t, "huge.png", []byte("png-bytes"))
	c, rec := newMediaTestContext(t, http.MethodPost, "/media/avatar", body)
	c.Request.Header.Set("Content-Type", contentType)
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.Upload(c)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var envelope mediaEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotNil(t, envelope.Error)
	assert.Equal(t, appErrors.ErrSizeExceeded.Code, envelope.Error.Code)
}

func TestMediaHandlerCurrentSuccess(t *testing.T) {
	now := time.Now().UTC()
	srv := &fakeMediaSrv{media: &models.MediaRecord{
		ID:         "m1",
		Collection: "avatar",
		FileName:   "avatar-abc.png",
		MimeType:   "image/png",
		SizeBytes:  1024,
		CreatedAt:  now,
	}}
	handler := NewMediaHandler(srv, &fakeSweeper{})

	c, rec := newMediaTestContext(t, http.MethodGet, "/media/avatar", nil)
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.Current(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope mediaEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "avatar-abc.png", envelope.Data["file_name"])
}

func TestMediaHandlerCurrentNotFound(t *testing.T) {
	srv := &fakeMediaSrv{currentErr: appErrors.ErrNotFound}
	handler := NewMediaHandler(srv, &fakeSweeper{})

	c, rec := newMediaTestContext(t, http.MethodGet, "/media/avatar", nil)
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.Current(c)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMediaHandlerDelete(t *testing.T) {
	srv := &fakeMediaSrv{}
	handler := NewMediaHandler(srv, &fakeSweeper{})

	c, rec := newMediaTestContext(t, http.MethodDelete, "/media/avatar", nil)
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.Delete(c)
	// c.Status only records the code; flush it the way the engine would.
	c.Writer.WriteHeaderNow()

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.True(t, srv.deleted)
}

func TestMediaHandlerSweepOrphans(t *testing.T) {
	handler := NewMediaHandler(&fakeMediaSrv{}, &fakeSweeper{removed: 2})

	c, rec := newMediaTestContext(t, http.MethodPost, "/media/avatar/orphan-sweep", nil)
	c.Request.Header.Set(HeaderTenantID, "t1")
	c.Request.Header.Set(HeaderOwnerID, "u1")

	handler.SweepOrphans(c)

	assert.Equal(t, http.StatusOK, rec.Code)
	var envelope mediaEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, float64(2), envelope.Data["removed"])
}
