// Package main runs the standalone CDN upload worker pool. Use it to split
// uploads from the recording server; both share the Redis job queue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wael22/spovio-backend-main-sub001/config"
	"github.com/wael22/spovio-backend-main-sub001/internal/notifications"
	"github.com/wael22/spovio-backend-main-sub001/internal/recordings"
	"github.com/wael22/spovio-backend-main-sub001/internal/uploader"
	"github.com/wael22/spovio-backend-main-sub001/pkg/database"
	"github.com/wael22/spovio-backend-main-sub001/pkg/queue"
	"github.com/wael22/spovio-backend-main-sub001/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if !cfg.Bunny.Configured() {
		logger.Fatal("bunny credentials are required for the upload worker")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	videoRepo := recordings.NewRepository(pool)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	bunny := uploader.NewBunnyClient(cfg.Bunny.APIKey, cfg.Bunny.LibraryID, cfg.Bunny.CDNHostname, cfg.Bunny.UploadTimeout, logger)
	svc := uploader.NewService(bunny, jobQueue, videoRepo,
		cfg.Bunny.Workers, cfg.Bunny.MaxRetries, cfg.Bunny.RetryDelay, logger)
	svc.SetNotifier(notifications.NewRepository(pool))

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go svc.Run(workerCtx)
	logger.Info("upload worker started", zap.Int("workers", cfg.Bunny.Workers))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	svc.Close(30 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
