// Package dispatch fans a manifest out into one build task per function and
// aggregates the results.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/fisirc/nur-worker/internal/artifact"
	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/executor"
	"github.com/fisirc/nur-worker/internal/ledger"
	"github.com/fisirc/nur-worker/internal/logger"
	"github.com/fisirc/nur-worker/internal/storage"
)

// Failure reasons reported on FunctionBuildResult.
const (
	ReasonUnsupportedTemplate = "unsupported_template"
	ReasonBuildFailed         = "build_failed"
	ReasonTimeout             = "timeout"
	ReasonContainerError      = "container_error"
	ReasonOutputMissing       = "output_missing"
	ReasonCompression         = "compression_error"
	ReasonUpload              = "upload_error"
	ReasonPanic               = "panic"
)

// Executor runs one function build.
type Executor interface {
	Run(ctx context.Context, spec domain.FunctionSpec, workRoot string, limits executor.Limits, id executor.Identity) executor.Outcome
}

// Packager turns a build output into an uploadable artifact.
type Packager interface {
	Package(spec domain.FunctionSpec, workRoot, buildsDir string) (artifact.Ref, error)
}

// Ledger records build lineage.
type Ledger interface {
	EnsureProject(ctx context.Context, repoID string) (string, error)
	EnsureFunctionRegistered(ctx context.Context, projectID, name string) error
	CreateBuildRecord(ctx context.Context, projectID, sha, branch, message string) (string, error)
	LookupFunctionID(ctx context.Context, projectID, name string) (string, error)
	RecordDeployment(ctx context.Context, functionID, buildID string, status domain.DeploymentStatus) error
}

// Config holds the settings shared by every task of a dispatch.
type Config struct {
	Bucket      string
	BuildsDir   string
	Limits      executor.Limits
	Identity    executor.Identity
	MaxParallel int
}

// JobContext is the immutable state every task of one dispatch reads.
type JobContext struct {
	Job       domain.BuildJob
	ProjectID string
	BuildID   string
	Bucket    string
	BuildsDir string
	Limits    executor.Limits
	Identity  executor.Identity
}

func (jc JobContext) unlinkedScope() string {
	switch {
	case jc.BuildID != "":
		return jc.BuildID
	case jc.Job.RepoID != "":
		return jc.Job.RepoID
	default:
		return "local"
	}
}

// Dispatcher coordinates executor, pipeline, storage and ledger.
type Dispatcher struct {
	cfg      Config
	executor Executor
	packager Packager
	ledger   Ledger
	uploader storage.Uploader
	metrics  *Metrics
	logger   *slog.Logger
}

// New constructs a Dispatcher. metrics may be nil.
func New(cfg Config, exec Executor, pkg Packager, l Ledger, up storage.Uploader, metrics *Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		cfg:      cfg,
		executor: exec,
		packager: pkg,
		ledger:   l,
		uploader: up,
		metrics:  metrics,
		logger:   log,
	}
}

// Dispatch builds every function in m and returns the aggregate outcome. It
// returns only after every task has finished.
func (d *Dispatcher) Dispatch(ctx context.Context, job domain.BuildJob, m domain.BuildManifest) domain.BuildOutcome {
	log := d.logger.With("repo_id", job.RepoID, "commit", job.CommitSHA, "branch", job.Branch)
	if m.Len() == 0 {
		log.Warn("manifest declares no functions")
		d.metrics.recordDispatch(domain.StatusFailure)
		return domain.BuildOutcome{OverallStatus: domain.StatusFailure, Results: []domain.FunctionBuildResult{}}
	}

	jc := d.prepare(ctx, job, m, log)
	log = log.With("build_id", jc.BuildID)

	if err := os.MkdirAll(jc.BuildsDir, 0o755); err != nil {
		log.Error("create builds dir failed", "dir", jc.BuildsDir, "error", err)
	}
	defer func() {
		if err := os.RemoveAll(jc.BuildsDir); err != nil {
			log.Warn("remove builds dir failed", "dir", jc.BuildsDir, "error", err)
		}
	}()

	results := make([]domain.FunctionBuildResult, m.Len())
	var g errgroup.Group
	if d.cfg.MaxParallel > 0 {
		g.SetLimit(d.cfg.MaxParallel)
	}
	for i, spec := range m.Functions {
		g.Go(func() error {
			results[i] = d.runTask(ctx, jc, spec)
			return nil
		})
	}
	_ = g.Wait()

	status := domain.Aggregate(results)
	d.metrics.recordDispatch(status)
	log.Info("dispatch finished", "status", status, "functions", len(results))
	return domain.BuildOutcome{BuildID: jc.BuildID, OverallStatus: status, Results: results}
}

// prepare performs the best-effort bookkeeping that precedes every task.
func (d *Dispatcher) prepare(ctx context.Context, job domain.BuildJob, m domain.BuildManifest, log *slog.Logger) JobContext {
	jc := JobContext{
		Job:      job,
		Bucket:   d.cfg.Bucket,
		Limits:   d.cfg.Limits,
		Identity: d.cfg.Identity,
	}

	projectID, err := d.ledger.EnsureProject(ctx, job.RepoID)
	if err != nil {
		log.Error("ensure project failed", "error", err)
	} else {
		jc.ProjectID = projectID
		buildID, err := d.ledger.CreateBuildRecord(ctx, projectID, job.CommitSHA, job.Branch, job.CommitMessage)
		if err != nil {
			log.Error("create build record failed", "error", err)
		}
		jc.BuildID = buildID

		for _, spec := range m.Functions {
			if err := d.ledger.EnsureFunctionRegistered(ctx, projectID, spec.Name); err != nil {
				log.Warn("register function failed", "function", spec.Name, "error", err)
			}
		}
	}

	dirName := jc.BuildID
	if dirName == "" {
		dirName = uuid.NewString()
	}
	jc.BuildsDir = filepath.Join(d.cfg.BuildsDir, dirName)
	return jc
}

func (d *Dispatcher) runTask(ctx context.Context, jc JobContext, spec domain.FunctionSpec) (res domain.FunctionBuildResult) {
	started := time.Now()
	log := d.logger.With("function", spec.Name, "build_id", jc.BuildID)
	template := spec.Template.String()
	if !spec.Template.Known() {
		template = "unknown"
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error("build task panicked", "panic", r, "stack", string(debug.Stack()))
			res = failedResult(spec.Name, ReasonPanic, fmt.Errorf("panic: %v", r))
		}
		d.metrics.recordFunction(template, res.Outcome, time.Since(started))
		log.Info("function finished", "outcome", res.Outcome, "reason", res.Reason, "duration", time.Since(started))
	}()

	out := d.executor.Run(ctx, spec, jc.Job.WorkingTreePath, jc.Limits, jc.Identity)
	if out.Status != domain.OutcomeSucceeded {
		res = domain.FunctionBuildResult{
			FunctionName: spec.Name,
			Outcome:      out.Status,
			Reason:       executorReason(out),
			ExitCode:     out.ExitCode,
			Err:          out.Err,
		}
		d.recordFailure(ctx, jc, spec, log)
		return res
	}

	ref, err := d.packager.Package(spec, jc.Job.WorkingTreePath, jc.BuildsDir)
	if err != nil {
		reason := ReasonOutputMissing
		if errors.Is(err, artifact.ErrCompression) {
			reason = ReasonCompression
		}
		res = failedResult(spec.Name, reason, err)
		res.ExitCode = out.ExitCode
		d.recordFailure(ctx, jc, spec, log)
		return res
	}
	defer func() {
		if err := os.Remove(ref.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Warn("remove packaged artifact failed", "path", ref.Path, "error", err)
		}
	}()

	functionID, lookupErr := d.lookup(ctx, jc, spec.Name)
	key := artifact.UnlinkedKey(jc.unlinkedScope(), spec.Name)
	if lookupErr != nil {
		log.Error("function lookup failed; uploading unlinked artifact", "key", key, "error", lookupErr)
	} else {
		key = ref.Key(functionID)
	}

	if err := d.upload(ctx, jc.Bucket, key, ref.Path); err != nil {
		res = failedResult(spec.Name, ReasonUpload, err)
		res.ExitCode = out.ExitCode
		if lookupErr == nil {
			d.record(ctx, jc, functionID, domain.DeploymentFailure, log)
		}
		return res
	}
	log.Info("artifact uploaded", "key", key, "size", ref.Size)

	if lookupErr == nil {
		d.record(ctx, jc, functionID, domain.DeploymentSuccess, log)
	}
	return domain.FunctionBuildResult{
		FunctionName: spec.Name,
		Outcome:      domain.OutcomeSucceeded,
		ExitCode:     out.ExitCode,
		ArtifactKey:  key,
	}
}

func (d *Dispatcher) lookup(ctx context.Context, jc JobContext, name string) (string, error) {
	if jc.ProjectID == "" {
		return "", fmt.Errorf("%w: project unknown", ledger.ErrLookupFailed)
	}
	return d.ledger.LookupFunctionID(ctx, jc.ProjectID, name)
}

// recordFailure attempts the failure deployment row for a function that did
// not produce an artifact.
func (d *Dispatcher) recordFailure(ctx context.Context, jc JobContext, spec domain.FunctionSpec, log *slog.Logger) {
	functionID, err := d.lookup(ctx, jc, spec.Name)
	if err != nil {
		log.Warn("skip failure deployment row", "error", err)
		return
	}
	d.record(ctx, jc, functionID, domain.DeploymentFailure, log)
}

func (d *Dispatcher) record(ctx context.Context, jc JobContext, functionID string, status domain.DeploymentStatus, log *slog.Logger) {
	if err := d.ledger.RecordDeployment(ctx, functionID, jc.BuildID, status); err != nil {
		log.Error("record deployment failed", "function_id", functionID, "status", status, "error", err)
	}
}

func (d *Dispatcher) upload(ctx context.Context, bucket, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open artifact: %v", storage.ErrUpload, err)
	}
	defer f.Close()
	return d.uploader.Put(ctx, bucket, key, f)
}

func executorReason(out executor.Outcome) string {
	var bf *executor.BuildFailure
	switch {
	case out.Status == domain.OutcomeTimedOut || errors.Is(out.Err, executor.ErrTimeout):
		return ReasonTimeout
	case errors.Is(out.Err, executor.ErrUnsupportedTemplate):
		return ReasonUnsupportedTemplate
	case errors.As(out.Err, &bf):
		return ReasonBuildFailed
	default:
		return ReasonContainerError
	}
}

func failedResult(name, reason string, err error) domain.FunctionBuildResult {
	return domain.FunctionBuildResult{
		FunctionName: name,
		Outcome:      domain.OutcomeFailed,
		Reason:       reason,
		Err:          err,
	}
}
