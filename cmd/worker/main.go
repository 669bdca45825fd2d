// Package main runs the background job worker (recording archive to S3, share emails).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/screenrec/backend/config"
	"github.com/screenrec/backend/internal/mailer"
	"github.com/screenrec/backend/internal/recordings"
	"github.com/screenrec/backend/internal/worker"
	"github.com/screenrec/backend/pkg/queue"
	"github.com/screenrec/backend/pkg/redis"
	"github.com/screenrec/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Redis.Addr == "" {
		logger.Fatal("REDIS_ADDR is required for the worker")
	}

	ctx := context.Background()
	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	library, err := recordings.NewLibrary(cfg.Storage.RecordingsDir, logger)
	if err != nil {
		logger.Fatal("recordings", zap.Error(err))
	}

	var archiver worker.Archiver
	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:           cfg.AWS.Region,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			RecordingsBucket: cfg.AWS.RecordingsBucket,
			Endpoint:         cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			logger.Fatal("s3", zap.Error(err))
		}
		logger.Info("archiving recordings", zap.String("bucket", s3Client.Bucket()))
		archiver = s3Client
	}

	var sender worker.Mailer
	smtpMailer := mailer.NewSMTP(mailer.Config{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		User:        cfg.Email.SMTPUser,
		Pass:        cfg.Email.SMTPPass,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
	}, logger)
	if smtpMailer.Configured() {
		sender = smtpMailer
	}

	jobQueue := queue.NewQueue(rdb.Client, logger)
	processor := worker.NewProcessor(library, archiver, sender, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		processor.Run(workerCtx)
	}()
	logger.Info("worker started", zap.Bool("archive", archiver != nil), zap.Bool("email", sender != nil))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		logger.Warn("worker did not stop in time")
	}
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
