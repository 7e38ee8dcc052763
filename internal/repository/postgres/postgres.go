package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/repository"
)

// Repository implements the metadata store on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Connect opens a pool for dsn and verifies it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

var _ repository.Store = (*Repository)(nil)

// Ping checks the pool is usable.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// EnsureProject returns the project for githubRepoID, creating it on first sight.
func (r *Repository) EnsureProject(ctx context.Context, githubRepoID string) (*domain.Project, error) {
	const query = `INSERT INTO projects (id, github_repo_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (github_repo_id) DO UPDATE SET github_repo_id = EXCLUDED.github_repo_id
		RETURNING id, github_repo_id, created_at`
	row := r.pool.QueryRow(ctx, query, uuid.NewString(), githubRepoID, time.Now().UTC())
	var p domain.Project
	if err := row.Scan(&p.ID, &p.GitHubRepoID, &p.CreatedAt); err != nil {
		return nil, classify(err)
	}
	return &p, nil
}

// UpsertFunction registers name under projectID; repeated calls return the same row.
func (r *Repository) UpsertFunction(ctx context.Context, projectID, name string) (*domain.Function, error) {
	const query = `INSERT INTO functions (id, project_id, name, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, project_id, name, created_at`
	row := r.pool.QueryRow(ctx, query, uuid.NewString(), projectID, name, time.Now().UTC())
	var fn domain.Function
	if err := row.Scan(&fn.ID, &fn.ProjectID, &fn.Name, &fn.CreatedAt); err != nil {
		return nil, classify(err)
	}
	return &fn, nil
}

// GetFunctionID looks up the id of a registered function.
func (r *Repository) GetFunctionID(ctx context.Context, projectID, name string) (string, error) {
	const query = `SELECT id FROM functions WHERE project_id = $1 AND name = $2 LIMIT 1`
	var id string
	if err := r.pool.QueryRow(ctx, query, projectID, name).Scan(&id); err != nil {
		return "", classify(err)
	}
	return id, nil
}

// InsertBuild records a triggered build.
func (r *Repository) InsertBuild(ctx context.Context, build *domain.BuildRecord) error {
	if build.ID == "" {
		build.ID = uuid.NewString()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO project_builds (id, project_id, commit_sha, branch_name, commit_short_description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, build.ID, build.ProjectID, build.CommitSHA, build.Branch, build.CommitDescription, build.CreatedAt)
	return classify(err)
}

// InsertDeployment records one function's outcome for a build. An empty build
// id is stored as NULL.
func (r *Repository) InsertDeployment(ctx context.Context, deployment *domain.DeploymentRecord) error {
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
	}
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO function_deployments (id, function_id, project_build_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, deployment.ID, deployment.FunctionID, nullIfEmpty(deployment.BuildID), string(deployment.Status), deployment.CreatedAt)
	return classify(err)
}

// classify maps driver errors onto repository sentinels. Malformed ids and
// dangling references both mean the referenced row does not exist.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return repository.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgerrcode.InvalidTextRepresentation, pgerrcode.ForeignKeyViolation:
			return fmt.Errorf("%w: %s", repository.ErrNotFound, pgErr.Message)
		}
	}
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
