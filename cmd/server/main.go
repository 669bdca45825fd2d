// Package main runs the screen recorder HTTP server with an optional in-process job worker and graceful shutdown.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/screenrec/backend/config"
	"github.com/screenrec/backend/internal/coordinator"
	"github.com/screenrec/backend/internal/links"
	"github.com/screenrec/backend/internal/linktoken"
	"github.com/screenrec/backend/internal/mailer"
	"github.com/screenrec/backend/internal/middleware"
	"github.com/screenrec/backend/internal/recordings"
	"github.com/screenrec/backend/internal/sessions"
	"github.com/screenrec/backend/internal/transcoder"
	"github.com/screenrec/backend/internal/worker"
	"github.com/screenrec/backend/pkg/database"
	"github.com/screenrec/backend/pkg/docstore"
	"github.com/screenrec/backend/pkg/queue"
	"github.com/screenrec/backend/pkg/redis"
	"github.com/screenrec/backend/pkg/response"
	"github.com/screenrec/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Links.SecretKey == "change-me-in-production" && cfg.Server.IsProduction() {
		logger.Fatal("SECRET_KEY must be set in production")
	}

	ctx := context.Background()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Fatal("redis", zap.Error(err))
		}
		defer rdb.Close()
	}

	var pool *pgxpool.Pool
	if cfg.State.Backend == "postgres" {
		pool, err = database.NewPostgresPool(ctx, cfg.Database.URL, logger)
		if err != nil {
			logger.Fatal("database", zap.Error(err))
		}
		defer pool.Close()
		if err := database.Migrate(ctx, pool); err != nil {
			logger.Fatal("migrate", zap.Error(err))
		}
	}

	docs, err := openState(cfg.State, rdb, pool)
	if err != nil {
		logger.Fatal("state backend", zap.Error(err))
	}
	logger.Info("state backend ready", zap.String("backend", cfg.State.Backend))

	library, err := recordings.NewLibrary(cfg.Storage.RecordingsDir, logger)
	if err != nil {
		logger.Fatal("recordings", zap.Error(err))
	}
	codec, err := linktoken.NewCodec(cfg.Links.SecretKey)
	if err != nil {
		logger.Fatal("link codec", zap.Error(err))
	}
	linkStore, err := links.NewStore(ctx, docs, cfg.Links.PublicTokenLength, logger)
	if err != nil {
		logger.Fatal("link store", zap.Error(err))
	}
	sessionStore, err := sessions.NewStore(ctx, docs, logger)
	if err != nil {
		logger.Fatal("session store", zap.Error(err))
	}

	deps := coordinator.Deps{
		Library:    library,
		Codec:      codec,
		Links:      linkStore,
		Sessions:   sessionStore,
		Transcoder: transcoder.New(cfg.Transcoder.FFmpegPath, cfg.Transcoder.Timeout, nil, logger),
		SecureTTL:  cfg.Links.SecureLinkTTL,
	}

	smtpMailer := mailer.NewSMTP(mailer.Config{
		Host:        cfg.Email.SMTPHost,
		Port:        cfg.Email.SMTPPort,
		User:        cfg.Email.SMTPUser,
		Pass:        cfg.Email.SMTPPass,
		FromAddress: cfg.Email.FromAddress,
		FromName:    cfg.Email.FromName,
	}, logger)
	if smtpMailer.Configured() {
		deps.Mailer = smtpMailer
	} else {
		logger.Warn("smtp not configured, /send_email disabled")
	}

	var s3Client *storage.S3
	if cfg.AWS.RecordingsBucket != "" {
		s3Client, err = storage.NewS3(ctx, storage.S3Config{
			Region:           cfg.AWS.Region,
			AccessKeyID:      cfg.AWS.AccessKeyID,
			SecretAccessKey:  cfg.AWS.SecretAccessKey,
			RecordingsBucket: cfg.AWS.RecordingsBucket,
			Endpoint:         cfg.AWS.Endpoint,
		}, logger)
		if err != nil {
			logger.Warn("s3 archive disabled", zap.Error(err))
			s3Client = nil
		} else {
			deps.Archive = s3Client
			logger.Info("s3 archive enabled", zap.String("bucket", s3Client.Bucket()))
		}
	}

	var jobQueue *queue.Queue
	if rdb != nil {
		jobQueue = queue.NewQueue(rdb.Client, logger)
		deps.Jobs = jobQueue
	}

	svc := coordinator.NewService(deps, logger)
	handler := coordinator.NewHandler(svc, coordinator.CookieConfig{
		Name:   cfg.Session.CookieName,
		MaxAge: cfg.Session.MaxAge,
		Secure: cfg.Server.IsProduction(),
	}, cfg.Server.PublicBaseURL, int64(cfg.Storage.MaxUploadMB)<<20, logger)

	if cfg.Server.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) {
		response.OK(c, gin.H{
			"status":        "ok",
			"state_backend": cfg.State.Backend,
			"queue":         jobQueue != nil,
			"archive":       s3Client != nil,
		})
	})
	mountStatic(router, cfg.Storage.StaticDir, logger)
	handler.Register(router)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	workerDone := make(chan struct{})
	if jobQueue != nil && cfg.Server.EmbeddedWorker {
		processor := worker.NewProcessor(library, archiverOrNil(s3Client), deps.Mailer, jobQueue, logger)
		go func() {
			defer close(workerDone)
			processor.Run(workerCtx)
		}()
		logger.Info("job worker started")
	} else {
		close(workerDone)
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

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	select {
	case <-workerDone:
	case <-shutdownCtx.Done():
		logger.Warn("job worker did not stop in time")
	}
	logger.Info("server stopped")
}

// openState picks the docstore backend for the link and session documents.
func openState(cfg config.StateConfig, rdb *redis.Client, pool *pgxpool.Pool) (docstore.Store, error) {
	switch cfg.Backend {
	case "file", "":
		return docstore.NewFileStore(cfg.Dir)
	case "redis":
		if rdb == nil {
			return nil, fmt.Errorf("STATE_BACKEND=redis requires REDIS_ADDR")
		}
		return docstore.NewRedisStore(rdb.Client), nil
	case "postgres":
		if pool == nil {
			return nil, fmt.Errorf("STATE_BACKEND=postgres requires DATABASE_URL")
		}
		return docstore.NewPostgresStore(pool), nil
	case "memory":
		return docstore.NewMemoryStore(), nil
	}
	return nil, fmt.Errorf("unknown STATE_BACKEND %q", cfg.Backend)
}

// mountStatic serves the front-end from dir when it exists, with index.html at "/".
func mountStatic(router *gin.Engine, dir string, logger *zap.Logger) {
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		logger.Info("static dir not found, front-end not served", zap.String("dir", dir))
		return
	}
	router.Static("/static", dir)
	index := filepath.Join(dir, "index.html")
	if _, err := os.Stat(index); err == nil {
		router.GET("/", func(c *gin.Context) { c.File(index) })
	}
}

// archiverOrNil avoids handing the worker a typed nil interface.
func archiverOrNil(s *storage.S3) worker.Archiver {
	if s == nil {
		return nil
	}
	return s
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
