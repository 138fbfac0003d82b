package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/harborside/media-vault/internal/handler"
	"github.com/harborside/media-vault/internal/middleware"
	"github.com/harborside/media-vault/internal/repository"
	"github.com/harborside/media-vault/internal/service"
	"github.com/harborside/media-vault/pkg/cache"
	"github.com/harborside/media-vault/pkg/config"
	"github.com/harborside/media-vault/pkg/database"
	"github.com/harborside/media-vault/pkg/jobs"
	"github.com/harborside/media-vault/pkg/logger"
	corsmiddleware "github.com/harborside/media-vault/pkg/middleware/cors"
	reqidmiddleware "github.com/harborside/media-vault/pkg/middleware/requestid"
	"github.com/harborside/media-vault/pkg/quarantine"
	"github.com/harborside/media-vault/pkg/scanner"
	"github.com/harborside/media-vault/pkg/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Sugar().Fatalw("server failed", "error", err)
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	fs := afero.NewOsFs()

	store, err := quarantine.NewStore(fs, quarantine.StoreConfig{
		Dir:        cfg.Quarantine.Dir,
		MaxSize:    cfg.Quarantine.MaxSize,
		PendingTTL: cfg.Quarantine.PendingTTL,
		FailedTTL:  cfg.Quarantine.FailedTTL,
	}, logr)
	if err != nil {
		return fmt.Errorf("init quarantine store: %w", err)
	}

	localDisk, err := storage.NewLocalDisk("local", cfg.Storage.LocalRoot, fs)
	if err != nil {
		return fmt.Errorf("init local disk: %w", err)
	}
	disks := []storage.Disk{localDisk}
	if cfg.Storage.S3Bucket != "" {
		s3Disk, err := storage.NewS3Disk(ctx, storage.S3DiskConfig{
			Name:     "s3",
			Bucket:   cfg.Storage.S3Bucket,
			Region:   cfg.Storage.S3Region,
			Endpoint: cfg.Storage.S3Endpoint,
			Prefix:   cfg.Storage.S3KeyPrefix,
		})
		if err != nil {
			return fmt.Errorf("init s3 disk: %w", err)
		}
		disks = append(disks, s3Disk)
	}
	registry := storage.NewRegistry(disks...)

	engines, err := buildScanEngines(cfg)
	if err != nil {
		return fmt.Errorf("init scan engines: %w", err)
	}

	mediaRepo := repository.NewMediaRepository(db)
	ownerRepo := repository.NewOwnerRepository(db)
	cleanupRepo := repository.NewCleanupRepository(db)
	pointerRepo := repository.NewPointerRepository(redisClient)
	circuitRepo := repository.NewCircuitRepository(redisClient)
	lockRepo := repository.NewLockRepository(redisClient)

	metricsSvc := service.NewMetricsService()
	scanSvc := service.NewScanService(engines, circuitRepo, cfg.Scanner, metricsSvc, logr)
	validationSvc := service.NewValidationService(cfg.Validation, logr)
	cleanupSvc := service.NewCleanupService(cleanupRepo, mediaRepo, registry, cfg.Cleanup, metricsSvc, logr)
	conversionSvc := service.NewConversionService(mediaRepo, registry, cleanupSvc, cfg, metricsSvc, logr)
	optimizerSvc := service.NewOptimizerService(mediaRepo, conversionSvc, lockRepo, registry, cfg.Optimizer, metricsSvc, logr)
	dispatchSvc := service.NewDispatchService(pointerRepo, conversionSvc, optimizerSvc, cleanupSvc, cfg.Dispatcher, metricsSvc, logr)

	queueCfg := jobs.QueueConfig{
		MaxRetries: cfg.Workers.MaxRetries,
		RetryDelay: cfg.Workers.RetryDelay,
		Logger:     logr,
	}

	optimizeQueueCfg := queueCfg
	optimizeQueueCfg.Workers = cfg.Workers.OptimizeConcurrency
	optimizeQueue := jobs.NewQueue("optimize", optimizerSvc.Process, optimizeQueueCfg)
	optimizerSvc.AttachQueue(optimizeQueue)

	convertQueueCfg := queueCfg
	convertQueueCfg.Workers = cfg.Workers.ConvertConcurrency
	convertQueue := jobs.NewQueue("convert", dispatchSvc.Process, convertQueueCfg)
	dispatchSvc.AttachQueue(convertQueue)

	var uploadSvc *service.UploadService
	uploadQueueCfg := queueCfg
	uploadQueueCfg.Workers = cfg.Workers.UploadConcurrency
	uploadQueue := jobs.NewQueue("upload", func(ctx context.Context, job jobs.Job) error {
		artifactID, ok := job.Payload.(string)
		if !ok {
			return fmt.Errorf("upload job carries unexpected payload %T", job.Payload)
		}
		return uploadSvc.Process(ctx, artifactID)
	}, uploadQueueCfg)

	uploadSvc = service.NewUploadService(store, validationSvc, scanSvc, ownerRepo, mediaRepo,
		cleanupRepo, cleanupSvc, dispatchSvc, registry, uploadQueue, cfg, metricsSvc, logr)

	uploadQueue.Start(ctx)
	convertQueue.Start(ctx)
	optimizeQueue.Start(ctx)
	defer func() {
		uploadQueue.Stop()
		convertQueue.Stop()
		optimizeQueue.Stop()
	}()

	go runMaintenance(ctx, cfg, store, cleanupSvc, metricsSvc, logr)

	mediaHandler := handler.NewMediaHandler(uploadSvc, cleanupSvc)

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(middleware.Metrics(metricsSvc))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(metricsSvc.Handler()))

	api := r.Group(cfg.APIPrefix)
	api.POST("/media/:profile", mediaHandler.Upload)
	api.GET("/media/:profile", mediaHandler.Current)
	api.DELETE("/media/:profile", mediaHandler.Delete)
	api.POST("/media/:profile/orphan-sweep", mediaHandler.SweepOrphans)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: r,
	}

	errCh := make(chan error, 1)
	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildScanEngines(cfg *config.Config) (*scanner.Registry, error) {
	available := map[string]scanner.Scanner{
		"pattern": scanner.NewPattern(),
	}
	if contains(cfg.Scanner.Engines, "clamav") {
		clam, err := scanner.NewClamAV(cfg.Scanner.ClamBinary, cfg.Scanner.BinaryAllowlist, cfg.Scanner.Timeout, nil)
		if err != nil {
			return nil, err
		}
		available["clamav"] = clam
	}
	return scanner.NewRegistry(cfg.Scanner.Engines, available)
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// runMaintenance drives the periodic sweeps: quarantine TTL pruning, orphaned
// sidecar collection and cleanup-state flushing.
func runMaintenance(ctx context.Context, cfg *config.Config, store *quarantine.Store, cleanupSvc *service.CleanupService, metricsSvc *service.MetricsService, logr *zap.Logger) {
	pruneTicker := time.NewTicker(cfg.Quarantine.PruneEvery)
	flushTicker := time.NewTicker(cfg.Cleanup.FlushEvery)
	defer pruneTicker.Stop()
	defer flushTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pruneTicker.C:
			pruned, err := store.PruneStale(ctx)
			if err != nil {
				logr.Warn("quarantine prune failed", zap.Error(err))
			}
			metricsSvc.QuarantinePruned(pruned)
			if _, err := store.CleanupOrphanedSidecars(ctx); err != nil {
				logr.Warn("orphaned sidecar sweep failed", zap.Error(err))
			}
		case <-flushTicker.C:
			if _, err := cleanupSvc.FlushExpired(ctx); err != nil {
				logr.Warn("cleanup flush failed", zap.Error(err))
			}
		}
	}
}
