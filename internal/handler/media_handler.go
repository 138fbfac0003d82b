package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/harborside/media-vault/internal/dto"
	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/internal/service"
	appErrors "github.com/harborside/media-vault/pkg/errors"
	"github.com/harborside/media-vault/pkg/middleware/requestid"
	"github.com/harborside/media-vault/pkg/quarantine"
	"github.com/harborside/media-vault/pkg/response"
)

// Identity headers set by the upstream gateway. This service trusts its
// perimeter; it runs behind authentication, not in front of it.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderOwnerID  = "X-Owner-ID"
)

type mediaService interface {
	Submit(ctx context.Context, input service.UploadInput) (*quarantine.Artifact, error)
	Current(ctx context.Context, tenantID, ownerID, profileName string) (*models.MediaRecord, error)
	Delete(ctx context.Context, tenantID, ownerID, profileName string) error
}

type orphanSweeper interface {
	SweepOrphans(ctx context.Context, tenantID, ownerID, collection string) (int, error)
}

// MediaHandler exposes the upload pipeline over HTTP.
type MediaHandler struct {
	media   mediaService
	cleanup orphanSweeper
}

// NewMediaHandler constructs the handler.
func NewMediaHandler(media mediaService, cleanup orphanSweeper) *MediaHandler {
	return &MediaHandler{media: media, cleanup: cleanup}
}

func identity(c *gin.Context) (tenantID, ownerID string, ok bool) {
	tenantID = c.GetHeader(HeaderTenantID)
	ownerID = c.GetHeader(HeaderOwnerID)
	if tenantID == "" || ownerID == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "tenant and owner headers are required"))
		return "", "", false
	}
	return tenantID, ownerID, true
}

// Upload stages a file for asynchronous processing and responds 202.
func (h *MediaHandler) Upload(c *gin.Context) {
	if h.media == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "media service not configured"))
		return
	}
	tenantID, ownerID, ok := identity(c)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "file is required"))
		return
	}
	src, err := fileHeader.Open()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open file"))
		return
	}
	defer src.Close()

	correlationID := requestid.Value(c)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}

	artifact, err := h.media.Submit(c.Request.Context(), service.UploadInput{
		TenantID:      tenantID,
		OwnerID:       ownerID,
		Profile:       c.Param("profile"),
		OriginalName:  fileHeader.Filename,
		DeclaredMIME:  fileHeader.Header.Get("Content-Type"),
		Size:          fileHeader.Size,
		CorrelationID: correlationID,
		Content:       src,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, dto.NewUploadAcceptedResponse(artifact))
}

// Current returns the owner's current media for the profile.
func (h *MediaHandler) Current(c *gin.Context) {
	tenantID, ownerID, ok := identity(c)
	if !ok {
		return
	}
	media, err := h.media.Current(c.Request.Context(), tenantID, ownerID, c.Param("profile"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewMediaResponse(media))
}

// Delete removes the owner's current media for the profile.
func (h *MediaHandler) Delete(c *gin.Context) {
	tenantID, ownerID, ok := identity(c)
	if !ok {
		return
	}
	if err := h.media.Delete(c.Request.Context(), tenantID, ownerID, c.Param("profile")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// SweepOrphans removes media directories no record points at. Intended for
// operator use.
func (h *MediaHandler) SweepOrphans(c *gin.Context) {
	if h.cleanup == nil {
		response.Error(c, appErrors.Clone(appErrors.ErrInternal, "cleanup service not configured"))
		return
	}
	tenantID, ownerID, ok := identity(c)
	if !ok {
		return
	}
	collection := c.Param("profile")
	removed, err := h.cleanup.SweepOrphans(c.Request.Context(), tenantID, ownerID, collection)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.OrphanSweepResponse{Removed: removed})
}
