package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fisirc/nur-worker/internal/app/migrate"
	"github.com/fisirc/nur-worker/internal/delivery"
	"github.com/fisirc/nur-worker/internal/docker"
	"github.com/fisirc/nur-worker/internal/github"
	httpx "github.com/fisirc/nur-worker/internal/http"
	"github.com/fisirc/nur-worker/internal/service/trigger"
	"github.com/fisirc/nur-worker/internal/workspace"
	"github.com/fisirc/nur-worker/migrations"
)

// ServeCmd runs the webhook server.
type ServeCmd struct {
	Addr           string `help:"Listen address; overrides WORKER_ADDR"`
	SkipMigrations bool   `name:"skip-migrations" help:"Do not apply pending migrations on start"`
}

func (c *ServeCmd) Run(g *Globals) error {
	cfg := g.Config
	if c.Addr != "" {
		cfg.Addr = c.Addr
	}
	if err := cfg.ServeReady(); err != nil {
		return err
	}
	log := g.logger("nur-worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		return err
	}

	if !c.SkipMigrations {
		runner, err := migrate.New(cfg.DatabaseURL, migrations.FS, log)
		if err != nil {
			return err
		}
		if err := runner.Ensure(ctx); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	uploader, bucket, err := openUploader(ctx, cfg.Storage, cfg.Storage.LocalDir, log)
	if err != nil {
		return err
	}

	workspaces, err := workspace.New(filepath.Join(cfg.Workdir, "work"))
	if err != nil {
		return fmt.Errorf("workspace init: %w", err)
	}
	if n, err := workspaces.Sweep(time.Now()); err != nil {
		log.Warn("workspace sweep failed", "error", err)
	} else if n > 0 {
		log.Info("removed stale workspaces", "count", n)
	}

	key, err := github.LoadPrivateKey(cfg.GitHub.PrivateKeyPath)
	if err != nil {
		return err
	}
	app, err := github.NewApp(cfg.GitHub.AppID, key, cfg.GitHub.APIURL, &http.Client{Timeout: 30 * time.Second})
	if err != nil {
		return err
	}

	var guard delivery.Guard = delivery.NewMemory(cfg.Redis.DeliveryTTL)
	if cfg.Redis.Addr != "" {
		redisGuard, err := delivery.NewRedis(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.DeliveryTTL, log)
		if err != nil {
			log.Warn("redis unavailable; deduplicating deliveries in memory", "error", err)
		} else {
			guard = redisGuard
		}
	}
	defer guard.Close()

	dispatcher := newDispatcher(cfg, dockerClient, store, uploader, bucket, prometheus.DefaultRegisterer, log)
	triggers := trigger.New(trigger.Config{
		ManifestFile: cfg.ManifestFile,
		GitTimeout:   cfg.GitTimeout,
		CheckName:    cfg.GitHub.CheckName,
	}, workspaces, app, dispatcher, nil, log)

	router := httpx.New(log, httpx.Options{
		WebhookSecret: []byte(cfg.GitHub.WebhookSecret),
		Trigger:       triggers,
		Deliveries:    guard,
		Health: map[string]httpx.HealthFunc{
			"docker":   dockerClient.Ping,
			"database": store.Ping,
		},
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker server starting", "addr", cfg.Addr, "version", buildVersion)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}

	graceCtx, cancelGrace := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelGrace()
	if err := triggers.Shutdown(graceCtx); err != nil {
		log.Warn("running builds cancelled at shutdown", "error", err)
	}
	log.Info("worker server stopped")
	return nil
}
