// cmd/worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tendant/simple-renditions/internal/bus"
	"github.com/tendant/simple-renditions/internal/config"
	"github.com/tendant/simple-renditions/internal/converters"
	"github.com/tendant/simple-renditions/internal/httpapi"
	"github.com/tendant/simple-renditions/internal/img"
	"github.com/tendant/simple-renditions/internal/logging"
	"github.com/tendant/simple-renditions/internal/pipeline"
	"github.com/tendant/simple-renditions/internal/process"
	"github.com/tendant/simple-renditions/internal/registry"
	"github.com/tendant/simple-renditions/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	profiles := cfg.Profiles()
	logger.Info("worker starting",
		"nats_url", cfg.NATS.URL,
		"subject", cfg.NATS.Subject,
		"queue", cfg.NATS.Queue,
		"result_subject", cfg.NATS.ResultSubject,
		"storage_backend", cfg.Storage.Backend,
		"profiles", len(profiles),
		"workers", cfg.Processing.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := buildBackend(ctx, cfg)
	if err != nil {
		fatal(logger, "build storage backend", err, "backend", cfg.Storage.Backend)
	}
	uploader := storage.NewUploader(backend, cfg.Storage.PublicBaseURL, logger.With("component", "storage"))

	store, closeStore, err := buildRegistry(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build registry", err)
	}
	defer closeStore()

	ffmpeg := converters.NewFFmpegConverter(converters.Options{
		FFmpegPath:   cfg.Processing.FFmpegPath,
		FFprobePath:  cfg.Processing.FFprobePath,
		MaxFrameEdge: cfg.Processing.MaxFrameEdge,
		ToolTimeout:  cfg.Processing.ToolTimeout,
		TempDir:      cfg.Processing.TempDir,
	}, logger.With("component", "ffmpeg"))
	var animator img.Animator
	if err := ffmpeg.Available(); err != nil {
		logger.Warn("ffmpeg unavailable, videos will fail and gifs render as still images", "err", err)
	} else if cfg.Processing.AnimatedWebP {
		animator = ffmpeg
	}

	generator := img.NewGenerator(img.CodecConfig{
		MaxConcurrency:  cfg.Processing.CodecConcurrency,
		MaxSourcePixels: cfg.Processing.MaxSourcePixels,
		TempDir:         cfg.Processing.TempDir,
	}, animator)

	pl := pipeline.New(generator, ffmpeg, uploader, store, pipeline.Options{
		Profiles:            profiles,
		FrameTimestamp:      cfg.Processing.FrameTimestamp,
		ProfileParallelism:  cfg.Processing.ProfileParallelism,
		RewriteCanonicalURL: cfg.Processing.RewriteCanonicalURL,
		DeleteOriginal:      cfg.Processing.DeleteOriginal,
	}, logger.With("component", "pipeline"))

	nc, err := bus.Connect(cfg.NATS.URL, "simple-renditions-worker", logger)
	if err != nil {
		fatal(logger, "connect to NATS", err, "nats_url", cfg.NATS.URL)
	}
	nc.HandlerTimeout = cfg.Processing.JobTimeout
	logger.Info("connected to NATS", "nats_url", cfg.NATS.URL)

	pool := process.NewPool(cfg.Processing.Workers, logger.With("component", "pool"))
	w := &worker{
		store:         store,
		uploader:      uploader,
		pipeline:      pl,
		pool:          pool,
		bus:           nc,
		resultSubject: cfg.NATS.ResultSubject,
		jobTimeout:    cfg.Processing.JobTimeout,
		logger:        logger,
	}

	sub, err := nc.QueueSubscribeJSON(cfg.NATS.Subject, cfg.NATS.Queue, w.handleMessage)
	if err != nil {
		fatal(logger, "subscribe", err, "subject", cfg.NATS.Subject, "queue", cfg.NATS.Queue)
	}
	logger.Info("listening for assets", "subject", cfg.NATS.Subject, "queue", cfg.NATS.Queue)

	lookup := registry.NewLookup(store, profiles)
	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(httpapi.NewDerivativeHandler(lookup, logger.With("component", "http"))),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	if err := sub.Unsubscribe(); err != nil {
		logger.Warn("unsubscribe failed", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Processing.JobTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown failed", "err", err)
	}
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("jobs still running at shutdown were canceled", "err", err)
	}
	nc.Close()
	logger.Info("worker stopped")
}

func buildBackend(ctx context.Context, cfg *config.Config) (storage.Backend, error) {
	if cfg.Storage.Backend == "memory" {
		return storage.NewMemoryBackend(), nil
	}
	return storage.NewS3Backend(ctx, storage.S3Config{
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Endpoint:        cfg.Storage.Endpoint,
		UsePathStyle:    cfg.Storage.UsePathStyle,
		CacheControl:    cfg.Storage.CacheControl,
	})
}

func buildRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (registry.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("DATABASE_URL not set, using in-memory registry")
		return registry.NewMemoryStore(), func() {}, nil
	}

	if err := registry.Migrate(cfg.DatabaseURL, logger.With("component", "migrate")); err != nil {
		return nil, nil, err
	}
	db, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Info("connected to postgres")
	return registry.NewPostgresStore(db), db.Close, nil
}

func fatal(logger *slog.Logger, msg string, err error, attrs ...any) {
	attrs = append(attrs, "err", err)
	logger.Error(msg, attrs...)
	os.Exit(1)
}
