package service

import (
	"context"
	"fmt"
	"image"
	"io"
	"strings"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
	_ "golang.org/x/image/webp"

	"github.com/harborside/media-vault/pkg/config"
	appErrors "github.com/harborside/media-vault/pkg/errors"
)

// ImageInfo is the outcome of content validation: what the file actually is,
// independent of what the client declared.
type ImageInfo struct {
	MIME      string
	Extension string
	Width     int
	Height    int
}

// ValidationService rejects payloads that are not genuinely images within the
// configured bounds. It trusts nothing the client declared: type comes from
// magic bytes, dimensions from the decoded header.
type ValidationService struct {
	cfg     config.ValidationConfig
	allowed []string
	logger  *zap.Logger
}

// NewValidationService constructs the service with defaults.
func NewValidationService(cfg config.ValidationConfig, logger *zap.Logger) *ValidationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.AllowedMIMEs) == 0 {
		cfg.AllowedMIMEs = []string{"image/jpeg", "image/png", "image/gif", "image/webp"}
	}
	if cfg.BombRatioThreshold <= 0 {
		cfg.BombRatioThreshold = 300
	}
	if cfg.MinDimension <= 0 {
		cfg.MinDimension = 32
	}
	if cfg.MaxMegapixels <= 0 {
		cfg.MaxMegapixels = 64
	}
	allowed := make([]string, len(cfg.AllowedMIMEs))
	for i, mt := range cfg.AllowedMIMEs {
		allowed[i] = strings.ToLower(mt)
	}
	return &ValidationService{cfg: cfg, allowed: allowed, logger: logger}
}

// Validate inspects the payload and returns its verified type and dimensions.
// sizeBytes is the staged byte count, used for the decompression-bomb ratio.
// All returned errors are terminal; none should be retried.
func (s *ValidationService) Validate(ctx context.Context, content io.ReadSeeker, declaredMIME string, sizeBytes int64) (*ImageInfo, error) {
	detected, err := mimetype.DetectReader(content)
	if err != nil {
		return nil, fmt.Errorf("detect content type: %w", err)
	}

	if !s.isAllowed(detected) {
		return nil, appErrors.Clone(appErrors.ErrInvalidMagicBytes,
			fmt.Sprintf("detected type %s is not allowed", detected.String()))
	}

	// Polyglot guard: a client declaring one image type while shipping another
	// is treated as hostile, not as a harmless mislabel.
	if declaredMIME != "" && !detected.Is(declaredMIME) {
		return nil, appErrors.Clone(appErrors.ErrInvalidMagicBytes,
			fmt.Sprintf("declared type %s does not match detected %s", declaredMIME, detected.String()))
	}

	if _, err := content.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind content: %w", err)
	}
	header, _, err := image.DecodeConfig(content)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrInvalidMagicBytes,
			"content is not a decodable image")
	}

	if header.Width < s.cfg.MinDimension || header.Height < s.cfg.MinDimension {
		return nil, appErrors.Clone(appErrors.ErrDimensionOutOfRange,
			fmt.Sprintf("image %dx%d is below the %dpx minimum", header.Width, header.Height, s.cfg.MinDimension))
	}
	pixels := int64(header.Width) * int64(header.Height)
	if pixels > int64(s.cfg.MaxMegapixels)*1_000_000 {
		return nil, appErrors.Clone(appErrors.ErrDimensionOutOfRange,
			fmt.Sprintf("image %dx%d exceeds %d megapixels", header.Width, header.Height, s.cfg.MaxMegapixels))
	}

	// Decompression-bomb guard: a tiny file declaring an enormous pixel grid
	// would balloon in memory the moment it is decoded.
	if sizeBytes > 0 && float64(pixels)/float64(sizeBytes) > s.cfg.BombRatioThreshold {
		return nil, appErrors.Clone(appErrors.ErrImageBombDetected,
			fmt.Sprintf("pixel-to-byte ratio %.0f exceeds threshold %.0f",
				float64(pixels)/float64(sizeBytes), s.cfg.BombRatioThreshold))
	}

	return &ImageInfo{
		MIME:      detected.String(),
		Extension: strings.TrimPrefix(detected.Extension(), "."),
		Width:     header.Width,
		Height:    header.Height,
	}, nil
}

func (s *ValidationService) isAllowed(detected *mimetype.MIME) bool {
	for _, mt := range s.allowed {
		if detected.Is(mt) {
			return true
		}
	}
	return false
}
