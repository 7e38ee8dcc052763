// Package executor runs one function build inside an isolated container.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fisirc/nur-worker/internal/config"
	"github.com/fisirc/nur-worker/internal/docker"
	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/logger"
)

// MountPoint is where the working tree appears inside every build container.
const MountPoint = "/app"

const (
	removeTimeout = 30 * time.Second
	exitKilled    = 137
)

var (
	ErrUnsupportedTemplate = errors.New("unsupported template")
	ErrRootIdentity        = errors.New("build identity must not be root")
	ErrCreateFailed        = errors.New("container create failed")
	ErrStartFailed         = errors.New("container start failed")
	ErrExecFailed          = errors.New("container exec failed")
	ErrTimeout             = errors.New("build timed out")
)

// BuildFailure reports a build command that exited non-zero.
type BuildFailure struct {
	ExitCode int
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("build command exited with code %d", e.ExitCode)
}

// Runtime is the container engine surface the executor drives.
type Runtime interface {
	EnsureImage(ctx context.Context, ref string) error
	CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	Exec(ctx context.Context, id string, spec docker.ExecSpec, out io.Writer) (int, error)
	RemoveContainer(ctx context.Context, id string) error
}

// Limits bound a single build.
type Limits struct {
	Timeout     time.Duration
	MemoryBytes int64
}

// Identity is the non-root user the build command runs as.
type Identity struct {
	UID uint32
	GID uint32
}

func (i Identity) String() string {
	return strconv.FormatUint(uint64(i.UID), 10) + ":" + strconv.FormatUint(uint64(i.GID), 10)
}

// Outcome is the terminal state of one Run.
type Outcome struct {
	Status      domain.Outcome
	ExitCode    *int
	ContainerID string
	Duration    time.Duration
	Err         error
}

// Options configures an Executor.
type Options struct {
	Images           config.ImageConfig
	Exit137AsSuccess bool
}

// Executor builds functions in template-specific containers.
type Executor struct {
	runtime Runtime
	opts    Options
	logger  *slog.Logger
}

// New constructs an Executor.
func New(rt Runtime, opts Options, log *slog.Logger) *Executor {
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{runtime: rt, opts: opts, logger: log}
}

// ImageFor resolves the builder image for a template.
func (e *Executor) ImageFor(t domain.Template) (string, error) {
	var ref string
	switch t {
	case domain.TemplateRust:
		ref = e.opts.Images.Rust
	case domain.TemplateNode:
		ref = e.opts.Images.Node
	case domain.TemplateGo:
		ref = e.opts.Images.Go
	}
	if strings.TrimSpace(ref) == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedTemplate, t.String())
	}
	return ref, nil
}

// Run builds spec against the working tree at workRoot. The container, once
// created, is removed before Run returns on every path.
func (e *Executor) Run(ctx context.Context, spec domain.FunctionSpec, workRoot string, limits Limits, id Identity) (out Outcome) {
	started := time.Now()
	log := e.logger.With("function", spec.Name, "template", spec.Template.String())
	defer func() { out.Duration = time.Since(started) }()

	ref, err := e.ImageFor(spec.Template)
	if err != nil {
		return failed(err)
	}
	if id.UID == 0 || id.GID == 0 {
		return failed(ErrRootIdentity)
	}
	if strings.TrimSpace(spec.BuildCommand) == "" {
		return failed(fmt.Errorf("%w: empty build command", ErrExecFailed))
	}

	runCtx := ctx
	if limits.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limits.Timeout)
		defer cancel()
	}

	hostDir, err := filepath.Abs(workRoot)
	if err != nil {
		return failed(fmt.Errorf("%w: resolve work root: %v", ErrCreateFailed, err))
	}
	workDir := path.Join(MountPoint, filepath.ToSlash(spec.Directory))

	if err := e.runtime.EnsureImage(runCtx, ref); err != nil {
		return e.classify(runCtx, fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}

	containerID, err := e.runtime.CreateContainer(runCtx, docker.ContainerSpec{
		Name:        containerName(spec.Name),
		Image:       ref,
		HostDir:     hostDir,
		MountPoint:  MountPoint,
		WorkingDir:  workDir,
		User:        id.String(),
		MemoryBytes: limits.MemoryBytes,
		Labels: map[string]string{
			"nur.function": spec.Name,
			"nur.template": spec.Template.String(),
		},
	})
	if err != nil {
		return e.classify(runCtx, fmt.Errorf("%w: %v", ErrCreateFailed, err))
	}
	log = log.With("container_id", containerID)
	defer e.remove(ctx, containerID, log)

	out.ContainerID = containerID
	if err := e.runtime.StartContainer(runCtx, containerID); err != nil {
		res := e.classify(runCtx, fmt.Errorf("%w: %v", ErrStartFailed, err))
		res.ContainerID = containerID
		return res
	}

	lines := logger.NewLineWriter(log, "build output")
	exitCode, err := e.runtime.Exec(runCtx, containerID, docker.ExecSpec{
		Cmd:        []string{"sh", "-c", spec.BuildCommand},
		User:       id.String(),
		WorkingDir: workDir,
	}, lines)
	lines.Flush()
	if err != nil {
		res := e.classify(runCtx, fmt.Errorf("%w: %v", ErrExecFailed, err))
		res.ContainerID = containerID
		return res
	}

	code := exitCode
	res := Outcome{ContainerID: containerID, ExitCode: &code}
	switch {
	case exitCode == 0:
		res.Status = domain.OutcomeSucceeded
	case exitCode == exitKilled && e.opts.Exit137AsSuccess:
		log.Warn("treating exit code 137 as success", "exit_code", exitCode)
		res.Status = domain.OutcomeSucceeded
	default:
		res.Status = domain.OutcomeFailed
		res.Err = &BuildFailure{ExitCode: exitCode}
	}
	log.Info("build finished", "status", res.Status, "exit_code", exitCode)
	return res
}

// classify turns a stage error into TimedOut when the build deadline fired.
func (e *Executor) classify(runCtx context.Context, err error) Outcome {
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return Outcome{Status: domain.OutcomeTimedOut, Err: fmt.Errorf("%w: %v", ErrTimeout, err)}
	}
	return failed(err)
}

func (e *Executor) remove(ctx context.Context, containerID string, log *slog.Logger) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if err := e.runtime.RemoveContainer(rmCtx, containerID); err != nil {
		log.Warn("remove build container failed", "error", err)
		return
	}
	log.Debug("build container removed")
}

func failed(err error) Outcome {
	return Outcome{Status: domain.OutcomeFailed, Err: err}
}

func containerName(function string) string {
	return "nur-build-" + function + "-" + uuid.NewString()[:8]
}
