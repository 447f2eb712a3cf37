// Package main runs the recording platform HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wael22/spovio-backend-main-sub001/config"
	"github.com/wael22/spovio-backend-main-sub001/internal/capture"
	"github.com/wael22/spovio-backend-main-sub001/internal/middleware"
	"github.com/wael22/spovio-backend-main-sub001/internal/notifications"
	"github.com/wael22/spovio-backend-main-sub001/internal/proxy"
	"github.com/wael22/spovio-backend-main-sub001/internal/recordings"
	"github.com/wael22/spovio-backend-main-sub001/internal/supervisor"
	"github.com/wael22/spovio-backend-main-sub001/internal/uploader"
	"github.com/wael22/spovio-backend-main-sub001/pkg/database"
	"github.com/wael22/spovio-backend-main-sub001/pkg/queue"
	"github.com/wael22/spovio-backend-main-sub001/pkg/redis"
	"github.com/wael22/spovio-backend-main-sub001/pkg/response"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	videoRepo := recordings.NewRepository(pool)
	notifRepo := notifications.NewRepository(pool)

	// Sessions stuck in 'recording' from a previous run can never finish.
	if n, err := videoRepo.MarkStaleRecordingsFailed(ctx); err != nil {
		logger.Error("stale recording sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Warn("marked stale recordings failed", zap.Int64("count", n))
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)

	var bunny *uploader.BunnyClient
	if cfg.Bunny.Configured() {
		bunny = uploader.NewBunnyClient(cfg.Bunny.APIKey, cfg.Bunny.LibraryID, cfg.Bunny.CDNHostname, cfg.Bunny.UploadTimeout, logger)
	} else {
		logger.Warn("bunny credentials missing, uploads disabled")
	}

	var uploadSvc *uploader.Service
	if bunny != nil {
		uploadSvc = uploader.NewService(bunny, jobQueue, videoRepo,
			cfg.Bunny.Workers, cfg.Bunny.MaxRetries, cfg.Bunny.RetryDelay, logger)
		uploadSvc.SetNotifier(notifRepo)
	}

	var resolver supervisor.SourceResolver
	var relays *proxy.Manager
	if cfg.Proxy.Enabled {
		relays = proxy.NewManager(proxy.Config{
			Enabled:      true,
			BasePort:     cfg.Proxy.BasePort,
			MaxCourts:    cfg.Proxy.MaxCourts,
			PublicHost:   cfg.Proxy.PublicHost,
			ReleaseGrace: cfg.Proxy.ReleaseGrace,
		}, logger)
		resolver = relays
	}

	runner := capture.NewRunner(cfg.Recording.FFmpegPath, cfg.Recording.FFprobePath, logger)
	sup := supervisor.New(supervisor.Config{
		MaxConcurrent:   cfg.Recording.MaxConcurrent,
		DefaultDuration: time.Duration(cfg.Recording.DefaultDuration) * time.Second,
		MaxDuration:     time.Duration(cfg.Recording.MaxDuration) * time.Second,
		MinDiskBytes:    cfg.Recording.MinDiskBytes,
		MinFileBytes:    cfg.Recording.MinFileBytes,
		DefaultQuality:  cfg.Recording.DefaultQuality,
		TempDir:         cfg.Recording.TempDir,
		VideoDir:        cfg.Recording.VideoDir,
		ThumbnailDir:    cfg.Recording.ThumbnailDir,
		MonitorInterval: cfg.Recording.MonitorInterval,
		KeepLocalFiles:  cfg.Recording.KeepLocalFiles,
		SkipSourceCheck: cfg.Recording.SkipSourceCheck,
	}, runner, videoRepo, uploadQueueOrNil(uploadSvc), notifRepo, resolver, logger)
	go sup.RunMonitor()

	recordingHandler := recordings.NewHandler(sup, uploadSvc, videoRepo, bunnyOrNil(bunny), logger)
	notifHandler := notifications.NewHandler(notifRepo, logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{"status": "ok", "active_recordings": len(sup.ListActive())})
	})
	router.Static("/static", "static")

	api := router.Group("/api/v1")
	recordingHandler.RegisterRoutes(api)
	notifHandler.RegisterRoutes(api)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Upload workers run in-process alongside the supervisor.
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if uploadSvc != nil {
		go uploadSvc.Run(workerCtx)
		logger.Info("upload workers started", zap.Int("workers", cfg.Bunny.Workers))
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	// Stop recordings before the uploaders so final files get queued.
	sup.Close(shutdownCtx)
	if uploadSvc != nil {
		workerCancel()
		uploadSvc.Close(15 * time.Second)
	}
	if relays != nil {
		relays.Close()
	}
	logger.Info("server stopped")
}

// uploadQueueOrNil keeps the supervisor's collaborator untyped-nil when
// uploads are disabled.
func uploadQueueOrNil(svc *uploader.Service) supervisor.UploadQueue {
	if svc == nil {
		return nil
	}
	return svc
}

func bunnyOrNil(c *uploader.BunnyClient) recordings.RemoteAssets {
	if c == nil {
		return nil
	}
	return c
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
