package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/harborside/media-vault/pkg/config"
	appErrors "github.com/harborside/media-vault/pkg/errors"
	"github.com/harborside/media-vault/pkg/logger"
	"github.com/harborside/media-vault/pkg/quarantine"
	"github.com/harborside/media-vault/pkg/scanner"
)

type scanCircuit interface {
	RecordFailure(ctx context.Context, engine string, decay time.Duration) (int64, error)
	Reset(ctx context.Context, engine string) error
	Failures(ctx context.Context, engine string) (int64, error)
}

// ScanService runs every enabled scan engine over a staged artifact and maps
// verdicts onto the error taxonomy. Engine infrastructure failures feed a
// shared circuit breaker; verdicts never do.
type ScanService struct {
	engines *scanner.Registry
	circuit scanCircuit
	cfg     config.ScannerConfig
	metrics *MetricsService
	logger  *zap.Logger
	secLog  *zap.Logger
}

// NewScanService constructs the service.
func NewScanService(engines *scanner.Registry, circuit scanCircuit, cfg config.ScannerConfig, metrics *MetricsService, log *zap.Logger) *ScanService {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.FailureDecay <= 0 {
		cfg.FailureDecay = 10 * time.Minute
	}
	if cfg.FailPolicy == "" {
		cfg.FailPolicy = config.FailOpen
	}
	return &ScanService{
		engines: engines,
		circuit: circuit,
		cfg:     cfg,
		metrics: metrics,
		logger:  log,
		secLog:  logger.Security(log),
	}
}

// Scan runs the enabled engines in configuration order. A negative verdict
// from any engine is terminal and returned immediately; infrastructure
// failures are retryable under fail-closed and skipped under fail-open.
func (s *ScanService) Scan(ctx context.Context, artifact *quarantine.Artifact, req scanner.Request) error {
	for _, engine := range s.engines.Engines() {
		name := engine.Name()

		failures, err := s.circuit.Failures(ctx, name)
		if err != nil {
			// A broken counter must not take scanning down with it.
			s.logger.Warn("failed to read scanner circuit state", zap.String("engine", name), zap.Error(err))
			failures = 0
		}
		open := failures >= int64(s.cfg.MaxFailures)
		s.metrics.SetCircuitOpen(name, open)
		if open {
			if s.cfg.FailPolicy == config.FailClosed {
				return appErrors.Clone(appErrors.ErrScannerUnavailable,
					fmt.Sprintf("engine %s circuit open after %d failures", name, failures))
			}
			s.logger.Warn("scan engine circuit open, failing open",
				zap.String("engine", name),
				zap.String("artifact_id", artifact.ID),
				zap.Int64("failures", failures))
			continue
		}

		start := time.Now()
		result, err := engine.Scan(ctx, req)
		s.metrics.ObserveScan(name, time.Since(start))
		if err != nil {
			count, rerr := s.circuit.RecordFailure(ctx, name, s.cfg.FailureDecay)
			if rerr != nil {
				s.logger.Warn("failed to record scanner failure", zap.String("engine", name), zap.Error(rerr))
			}
			s.metrics.SetCircuitOpen(name, count >= int64(s.cfg.MaxFailures))
			if s.cfg.FailPolicy == config.FailClosed {
				return err
			}
			s.logger.Warn("scan engine unavailable, failing open",
				zap.String("engine", name),
				zap.String("artifact_id", artifact.ID),
				zap.Error(err))
			continue
		}

		if rerr := s.circuit.Reset(ctx, name); rerr != nil {
			s.logger.Warn("failed to reset scanner circuit", zap.String("engine", name), zap.Error(rerr))
		}
		s.metrics.SetCircuitOpen(name, false)

		switch result.Verdict {
		case scanner.VerdictInfected:
			s.secLog.Warn("infected upload rejected",
				zap.String("artifact_id", artifact.ID),
				zap.String("engine", name),
				zap.String("signature", result.Signature),
				zap.String("tenant_id", artifact.TenantID),
				zap.String("owner_id", artifact.OwnerID),
				zap.String("correlation_id", artifact.CorrelationID),
				logger.RedactedField("original_name", artifact.OriginalName))
			return appErrors.ErrVirusDetected
		case scanner.VerdictSuspicious:
			s.secLog.Warn("suspicious upload rejected",
				zap.String("artifact_id", artifact.ID),
				zap.String("engine", name),
				zap.String("signature", result.Signature),
				zap.String("tenant_id", artifact.TenantID),
				zap.String("owner_id", artifact.OwnerID),
				zap.String("correlation_id", artifact.CorrelationID),
				logger.RedactedField("original_name", artifact.OriginalName))
			return appErrors.ErrSuspiciousPayload
		}
	}
	return nil
}
