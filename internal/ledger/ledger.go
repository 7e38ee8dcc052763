// Package ledger records build and deployment lineage in the metadata store.
// Callers treat every error here as bookkeeping only.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/logger"
	"github.com/fisirc/nur-worker/internal/repository"
)

// DefaultTimeout bounds each store call when none is configured.
const DefaultTimeout = 10 * time.Second

var (
	ErrLookupFailed = errors.New("ledger lookup failed")
	ErrInsertFailed = errors.New("ledger insert failed")
)

// Ledger wraps a Store with per-call timeouts and error classification.
type Ledger struct {
	store   repository.Store
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs a Ledger.
func New(store repository.Store, timeout time.Duration, log *slog.Logger) *Ledger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Ledger{store: store, timeout: timeout, logger: log}
}

// EnsureProject returns the project id for an external repository id.
func (l *Ledger) EnsureProject(ctx context.Context, repoID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	p, err := l.store.EnsureProject(ctx, repoID)
	if err != nil {
		return "", fmt.Errorf("%w: ensure project %s: %w", ErrInsertFailed, repoID, err)
	}
	return p.ID, nil
}

// EnsureFunctionRegistered upserts the (projectID, name) function row.
func (l *Ledger) EnsureFunctionRegistered(ctx context.Context, projectID, name string) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if _, err := l.store.UpsertFunction(ctx, projectID, name); err != nil {
		return fmt.Errorf("%w: register function %s: %w", ErrInsertFailed, name, err)
	}
	return nil
}

// CreateBuildRecord inserts one build row and returns its id.
func (l *Ledger) CreateBuildRecord(ctx context.Context, projectID, sha, branch, message string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	rec := &domain.BuildRecord{
		ProjectID:         projectID,
		CommitSHA:         sha,
		Branch:            branch,
		CommitDescription: ShortDescription(message),
	}
	if err := l.store.InsertBuild(ctx, rec); err != nil {
		return "", fmt.Errorf("%w: create build: %w", ErrInsertFailed, err)
	}
	return rec.ID, nil
}

// LookupFunctionID resolves a registered function's id.
func (l *Ledger) LookupFunctionID(ctx context.Context, projectID, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	id, err := l.store.GetFunctionID(ctx, projectID, name)
	if err != nil {
		return "", fmt.Errorf("%w: function %s: %w", ErrLookupFailed, name, err)
	}
	return id, nil
}

// RecordDeployment inserts a function_deployments row.
func (l *Ledger) RecordDeployment(ctx context.Context, functionID, buildID string, status domain.DeploymentStatus) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	rec := &domain.DeploymentRecord{FunctionID: functionID, BuildID: buildID, Status: status}
	if err := l.store.InsertDeployment(ctx, rec); err != nil {
		return fmt.Errorf("%w: record deployment: %w", ErrInsertFailed, err)
	}
	l.logger.Debug("deployment recorded", "function_id", functionID, "build_id", buildID, "status", status)
	return nil
}

// Ping checks the underlying store.
func (l *Ledger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.store.Ping(ctx)
}

// ShortDescription returns the first line of a commit message.
func ShortDescription(message string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(message), "\n")
	return strings.TrimSpace(line)
}
