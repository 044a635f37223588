package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"reelflow/internal/config"
	"reelflow/internal/db"
	"reelflow/internal/metrics"
	"reelflow/internal/s3"
	"reelflow/internal/tempstore"
	"reelflow/internal/transform"
	"reelflow/internal/upload"
	"reelflow/internal/video"
	"reelflow/internal/worker"
)

// app holds the long-lived components shared by the subcommands.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	profile transform.Profile

	client  *s3.Client
	objects *s3.ObjectReader
	temp    *tempstore.Manager
	runner  *worker.Runner
	pool    *pgxpool.Pool
	service *upload.Service
}

func storageOptions(cfg *config.Config) s3.Options {
	return s3.Options{
		Endpoint:       cfg.S3Endpoint,
		Region:         cfg.S3Region,
		Bucket:         cfg.S3Bucket,
		AccessKey:      cfg.AWSAccessKey,
		SecretKey:      cfg.AWSSecretKey,
		AbortOnFailure: cfg.MultipartAbortOnFailure,
	}
}

func loadProfile(cfg *config.Config) (transform.Profile, error) {
	tc, err := config.LoadTransformConfig(cfg.TransformConfigPath)
	if err != nil {
		return transform.Profile{}, err
	}
	return tc.Profile(cfg.TransformProfile), nil
}

// newStorageClient builds the signed S3 client, creating the bucket first when
// bootstrap is enabled.
func newStorageClient(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*s3.Client, error) {
	opts := storageOptions(cfg)
	if cfg.StorageBootstrap {
		created, err := s3.EnsureBucket(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("bootstrap bucket: %w", err)
		}
		logger.Info("bucket ready", zap.String("bucket", cfg.S3Bucket), zap.Bool("created", created))
	}
	return s3.NewClient(opts)
}

// newApp wires storage, staging, the transform runner, the database and the
// upload service. reg may be nil to skip metrics.
func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if reg != nil {
		m, err := metrics.New(reg)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		a.metrics = m
	}

	profile, err := loadProfile(cfg)
	if err != nil {
		return nil, err
	}
	a.profile = profile

	if a.client, err = newStorageClient(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if a.objects, err = s3.NewObjectReader(ctx, storageOptions(cfg)); err != nil {
		a.close(ctx)
		return nil, err
	}

	if a.temp, err = tempstore.NewManager(cfg.TempDir, logger); err != nil {
		a.close(ctx)
		return nil, err
	}
	a.temp.OnChange(a.metrics.StagedDelta)
	if n, err := a.temp.Sweep(2 * cfg.TaskTimeout); err != nil {
		logger.Warn("temp sweep failed", zap.Error(err))
	} else if n > 0 {
		logger.Info("removed stale staged files", zap.Int("count", n))
	}

	pipeline := transform.NewPipeline(transform.PipelineOptions{
		Prober:  &transform.FFProbe{Bin: cfg.FFprobeBin},
		Encoder: transform.NewFFmpeg(cfg.FFmpegBin, profile),
		Profile: profile,
		Dir:     a.temp.Dir(),
		Logger:  logger,
		Metrics: a.metrics,
	})
	a.runner = worker.New(pipeline.Run, worker.Options{
		Concurrency:   cfg.WorkerConcurrency,
		QueueSize:     cfg.WorkerQueueSize,
		JobMaxRuntime: 2 * cfg.TaskTimeout,
		Discard:       func(path string) { a.temp.Release(tempstore.Open(path)) },
		Logger:        logger,
		Metrics:       a.metrics,
	})
	a.runner.Start(ctx)

	if cfg.DatabaseURL == "" {
		a.close(ctx)
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if a.pool, err = db.Connect(ctx, cfg.DatabaseURL, logger); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
		a.close(ctx)
		return nil, err
	}

	a.service = upload.NewService(upload.Deps{
		Stager:    a.temp,
		Runner:    a.runner,
		Publisher: a.client,
		Store:     video.NewRepository(a.pool),
		Objects:   a.objects,
		Poster:    transform.NewPoster(cfg.FFmpegBin, profile),
		Logger:    logger,
		Metrics:   a.metrics,
	}, upload.Options{
		WaitTimeout: cfg.TaskTimeout,
		BackendURL:  cfg.BackendURL,
	})
	return a, nil
}

// close stops the runner, then releases storage and database connections.
func (a *app) close(ctx context.Context) {
	if a.runner != nil {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := a.runner.Stop(stopCtx); err != nil {
			a.logger.Warn("worker did not drain", zap.Error(err))
		}
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
