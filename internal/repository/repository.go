package repository

import (
	"context"

	"github.com/fisirc/nur-worker/internal/domain"
)

// ProjectRepository resolves projects by their external repository id.
type ProjectRepository interface {
	EnsureProject(ctx context.Context, githubRepoID string) (*domain.Project, error)
}

// FunctionRepository registers functions under a project.
type FunctionRepository interface {
	UpsertFunction(ctx context.Context, projectID, name string) (*domain.Function, error)
	GetFunctionID(ctx context.Context, projectID, name string) (string, error)
}

// BuildRepository stores one row per triggered build.
type BuildRepository interface {
	InsertBuild(ctx context.Context, build *domain.BuildRecord) error
}

// DeploymentRepository stores per-function deployment outcomes.
type DeploymentRepository interface {
	InsertDeployment(ctx context.Context, deployment *domain.DeploymentRecord) error
}

// Store is the full metadata surface used by the ledger.
type Store interface {
	ProjectRepository
	FunctionRepository
	BuildRepository
	DeploymentRepository
	Ping(ctx context.Context) error
}
