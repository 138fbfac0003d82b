package dto

import (
	"time"

	"github.com/harborside/media-vault/internal/models"
	"github.com/harborside/media-vault/pkg/quarantine"
)

// UploadAcceptedResponse is returned when an upload has been staged for
// asynchronous processing.
type UploadAcceptedResponse struct {
	ArtifactID    string `json:"artifact_id"`
	State         string `json:"state"`
	CorrelationID string `json:"correlation_id"`
	SizeBytes     int64  `json:"size_bytes"`
}

// NewUploadAcceptedResponse maps a staged artifact onto the API shape.
func NewUploadAcceptedResponse(artifact *quarantine.Artifact) UploadAcceptedResponse {
	return UploadAcceptedResponse{
		ArtifactID:    artifact.ID,
		State:         string(artifact.State),
		CorrelationID: artifact.CorrelationID,
		SizeBytes:     artifact.Size,
	}
}

// MediaResponse is the public view of a promoted media record.
type MediaResponse struct {
	ID          string            `json:"id"`
	Collection  string            `json:"collection"`
	FileName    string            `json:"file_name"`
	MimeType    string            `json:"mime_type"`
	SizeBytes   int64             `json:"size_bytes"`
	Conversions map[string]string `json:"conversions"`
	OptimizedAt *time.Time        `json:"optimized_at,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// NewMediaResponse maps a media record onto the API shape.
func NewMediaResponse(media *models.MediaRecord) MediaResponse {
	return MediaResponse{
		ID:          media.ID,
		Collection:  media.Collection,
		FileName:    media.FileName,
		MimeType:    media.MimeType,
		SizeBytes:   media.SizeBytes,
		Conversions: media.Conversions,
		OptimizedAt: media.OptimizedAt,
		CreatedAt:   media.CreatedAt,
	}
}

// OrphanSweepResponse reports the outcome of an orphan sweep.
type OrphanSweepResponse struct {
	Removed int `json:"removed"`
}
