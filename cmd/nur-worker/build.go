package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fisirc/nur-worker/internal/docker"
	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/git"
	"github.com/fisirc/nur-worker/internal/logger"
	"github.com/fisirc/nur-worker/internal/manifest"
)

var errBuildNotSuccessful = errors.New("build did not fully succeed")

// BuildCmd dispatches a build over an existing working tree.
type BuildCmd struct {
	Dir     string `required:"" type:"existingdir" help:"Repository working tree"`
	RepoID  string `name:"repo-id" default:"local" help:"External repository id recorded for the project"`
	Commit  string `help:"Commit SHA recorded on the build; defaults to HEAD of --dir"`
	Branch  string `default:"main" help:"Branch recorded on the build"`
	Message string `help:"Commit message recorded on the build"`
	Out     string `type:"path" help:"Artifact directory when S3_BUCKET is unset (default ARTIFACT_DIR or ./artifacts)"`
}

func (c *BuildCmd) Run(g *Globals) error {
	cfg := g.Config
	log := logger.NewWithWriter(os.Stderr, "nur-worker-build", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dir, err := filepath.Abs(c.Dir)
	if err != nil {
		return fmt.Errorf("resolve working tree: %w", err)
	}
	m, err := manifest.Load(filepath.Join(dir, cfg.ManifestFile))
	if err != nil {
		return err
	}
	commit := c.Commit
	if commit == "" {
		if head, err := git.HeadCommit(ctx, dir); err == nil {
			commit = head
		}
	}

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		return err
	}
	defer dockerClient.Close()
	if err := dockerClient.Ping(ctx); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	out := c.Out
	if out == "" {
		out = cfg.Storage.LocalDir
	}
	if out == "" {
		out = "."
	}
	uploader, bucket, err := openUploader(ctx, cfg.Storage, out, log)
	if err != nil {
		return err
	}

	dispatcher := newDispatcher(cfg, dockerClient, store, uploader, bucket, prometheus.NewRegistry(), log)
	outcome := dispatcher.Dispatch(ctx, domain.BuildJob{
		WorkingTreePath: dir,
		RepoID:          c.RepoID,
		CommitSHA:       commit,
		Branch:          c.Branch,
		CommitMessage:   c.Message,
	}, m)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return fmt.Errorf("encode outcome: %w", err)
	}
	if outcome.OverallStatus != domain.StatusSuccess {
		return fmt.Errorf("%w: %s", errBuildNotSuccessful, outcome.OverallStatus)
	}
	return nil
}
