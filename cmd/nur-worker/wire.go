package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fisirc/nur-worker/internal/artifact"
	"github.com/fisirc/nur-worker/internal/config"
	"github.com/fisirc/nur-worker/internal/docker"
	"github.com/fisirc/nur-worker/internal/executor"
	"github.com/fisirc/nur-worker/internal/ledger"
	"github.com/fisirc/nur-worker/internal/repository"
	"github.com/fisirc/nur-worker/internal/repository/memory"
	"github.com/fisirc/nur-worker/internal/repository/postgres"
	"github.com/fisirc/nur-worker/internal/service/dispatch"
	"github.com/fisirc/nur-worker/internal/storage"
)

const localBucket = "artifacts"

// openStore returns the Postgres store, or an in-memory one when no database
// is configured. The returned close func is never nil.
func openStore(ctx context.Context, cfg config.Config, log *slog.Logger) (repository.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URL not set; build lineage is kept in memory")
		return memory.New(), func() {}, nil
	}
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return postgres.New(pool), pool.Close, nil
}

// openUploader returns S3 when a bucket is configured, otherwise a local
// directory rooted at localDir. It also returns the bucket to upload into.
func openUploader(ctx context.Context, cfg config.StorageConfig, localDir string, log *slog.Logger) (storage.Uploader, string, error) {
	if cfg.Bucket != "" {
		s3, err := storage.NewS3(ctx, cfg)
		if err != nil {
			return nil, "", err
		}
		return s3, cfg.Bucket, nil
	}
	abs, err := filepath.Abs(localDir)
	if err != nil {
		return nil, "", fmt.Errorf("resolve artifact dir: %w", err)
	}
	log.Warn("S3_BUCKET not set; artifacts are written locally", "dir", filepath.Join(abs, localBucket))
	return storage.NewDir(abs), localBucket, nil
}

func newDispatcher(cfg config.Config, dockerClient *docker.Client, store repository.Store, uploader storage.Uploader, bucket string, reg prometheus.Registerer, log *slog.Logger) *dispatch.Dispatcher {
	exec := executor.New(dockerClient, executor.Options{
		Images:           cfg.Images,
		Exit137AsSuccess: cfg.Build.Exit137AsSuccess,
	}, log)
	return dispatch.New(dispatch.Config{
		Bucket:    bucket,
		BuildsDir: filepath.Join(cfg.Workdir, "builds"),
		Limits: executor.Limits{
			Timeout:     cfg.Build.Timeout,
			MemoryBytes: cfg.Build.MemoryBytes,
		},
		Identity:    executor.Identity{UID: cfg.Build.UID, GID: cfg.Build.GID},
		MaxParallel: cfg.Build.MaxParallel,
	},
		exec,
		artifact.New(log),
		ledger.New(store, cfg.LedgerTimeout, log),
		uploader,
		dispatch.NewMetrics(reg),
		log,
	)
}
