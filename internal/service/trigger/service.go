// Package trigger turns an accepted push into a dispatched build and reports
// the result back as a check run.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/git"
	"github.com/fisirc/nur-worker/internal/github"
	"github.com/fisirc/nur-worker/internal/logger"
	"github.com/fisirc/nur-worker/internal/manifest"
	"github.com/fisirc/nur-worker/internal/workspace"
)

const notifyTimeout = 15 * time.Second

// ErrShuttingDown rejects work once Shutdown has begun.
var ErrShuttingDown = errors.New("trigger service shutting down")

// Dispatcher builds a loaded manifest.
type Dispatcher interface {
	Dispatch(ctx context.Context, job domain.BuildJob, m domain.BuildManifest) domain.BuildOutcome
}

// GitHub is the App surface used for cloning and status reporting.
type GitHub interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
	CreateCheckRun(ctx context.Context, token, owner, repo, name, headSHA string) (github.CheckRun, error)
	CompleteCheckRun(ctx context.Context, token string, run github.CheckRun, conclusion, summary string) error
}

// CloneFunc fetches a repository into dest.
type CloneFunc func(ctx context.Context, repoURL, dest string, opts git.CloneOptions) error

// Config holds trigger settings.
type Config struct {
	ManifestFile string
	GitTimeout   time.Duration
	CheckName    string
}

// Service runs one build per accepted push.
type Service struct {
	cfg        Config
	workspaces *workspace.Manager
	github     GitHub
	dispatcher Dispatcher
	clone      CloneFunc
	logger     *slog.Logger

	base    context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	closing bool
}

// New constructs a Service. clone defaults to git.Clone.
func New(cfg Config, workspaces *workspace.Manager, gh GitHub, d Dispatcher, clone CloneFunc, log *slog.Logger) *Service {
	if clone == nil {
		clone = git.Clone
	}
	if log == nil {
		log = logger.Discard()
	}
	if cfg.ManifestFile == "" {
		cfg.ManifestFile = "nurfile.yaml"
	}
	if cfg.GitTimeout <= 0 {
		cfg.GitTimeout = time.Minute
	}
	if cfg.CheckName == "" {
		cfg.CheckName = "nur build"
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:        cfg,
		workspaces: workspaces,
		github:     gh,
		dispatcher: d,
		clone:      clone,
		logger:     log,
		base:       base,
		cancel:     cancel,
	}
}

// Enqueue starts the build for ev in the background.
func (s *Service) Enqueue(deliveryID string, ev github.PushEvent) error {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return ErrShuttingDown
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if _, err := s.Run(s.base, deliveryID, ev); err != nil {
			s.logger.Error("build trigger failed", "delivery_id", deliveryID, "error", err)
		}
	}()
	return nil
}

// Shutdown stops accepting work and waits for running builds. When ctx ends
// first, running builds are cancelled and awaited.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

// Run performs the whole trigger synchronously.
func (s *Service) Run(ctx context.Context, deliveryID string, ev github.PushEvent) (domain.BuildOutcome, error) {
	log := s.logger.With("delivery_id", deliveryID, "repo", ev.Repository.FullName, "commit", ev.After)
	log.Info("build triggered", "branch", ev.Branch())

	token, err := s.github.InstallationToken(ctx, ev.Install.ID)
	if err != nil {
		return domain.BuildOutcome{}, fmt.Errorf("installation token: %w", err)
	}

	run, checkErr := s.github.CreateCheckRun(ctx, token, ev.Owner(), ev.Repo(), s.cfg.CheckName, ev.After)
	if checkErr != nil {
		log.Warn("create check run failed", "error", checkErr)
	}
	complete := func(conclusion, summary string) {
		if checkErr != nil {
			return
		}
		notifyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		defer cancel()
		if err := s.github.CompleteCheckRun(notifyCtx, token, run, conclusion, summary); err != nil {
			log.Warn("complete check run failed", "error", err)
		}
	}

	dir, err := s.workspaces.Prepare(deliveryID)
	if err != nil {
		complete("failure", github.FailureSummary(err))
		return domain.BuildOutcome{}, fmt.Errorf("prepare workspace: %w", err)
	}
	defer func() {
		if err := s.workspaces.Cleanup(dir); err != nil {
			log.Warn("workspace cleanup failed", "dir", dir, "error", err)
		}
	}()

	cloneURL, err := github.TokenCloneURL(ev.Repository.CloneURL, token)
	if err != nil {
		complete("failure", github.FailureSummary(err))
		return domain.BuildOutcome{}, err
	}
	cloneCtx, cancel := context.WithTimeout(ctx, s.cfg.GitTimeout)
	err = s.clone(cloneCtx, cloneURL, dir, git.CloneOptions{Branch: ev.Branch()})
	cancel()
	if err != nil {
		complete("failure", github.FailureSummary(err))
		return domain.BuildOutcome{}, fmt.Errorf("clone: %w", err)
	}

	m, err := manifest.Load(filepath.Join(dir, s.cfg.ManifestFile))
	if err != nil {
		if invalidManifest(err) {
			log.Warn("manifest rejected", "error", err)
		} else {
			log.Error("read manifest failed", "error", err)
		}
		complete("failure", github.FailureSummary(err))
		return domain.BuildOutcome{}, err
	}

	outcome := s.dispatcher.Dispatch(ctx, ev.Job(dir), m)
	complete(github.Conclusion(outcome.OverallStatus), github.Summary(outcome))
	log.Info("build completed", "status", outcome.OverallStatus, "build_id", outcome.BuildID)
	return outcome, nil
}

func invalidManifest(err error) bool {
	return errors.Is(err, manifest.ErrNotFound) || errors.Is(err, manifest.ErrMalformed) || errors.Is(err, manifest.ErrDuplicateName)
}
