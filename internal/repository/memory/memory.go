// Package memory is an in-process metadata store for local builds and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fisirc/nur-worker/internal/domain"
	"github.com/fisirc/nur-worker/internal/repository"
)

type functionKey struct {
	projectID string
	name      string
}

// Store keeps every row in maps guarded by a mutex.
type Store struct {
	mu          sync.Mutex
	projects    map[string]domain.Project
	functions   map[functionKey]domain.Function
	builds      []domain.BuildRecord
	deployments []domain.DeploymentRecord
}

var _ repository.Store = (*Store)(nil)

// New returns an empty Store.
func New() *Store {
	return &Store{
		projects:  make(map[string]domain.Project),
		functions: make(map[functionKey]domain.Function),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) EnsureProject(_ context.Context, githubRepoID string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.projects[githubRepoID]; ok {
		return &p, nil
	}
	p := domain.Project{ID: uuid.NewString(), GitHubRepoID: githubRepoID, CreatedAt: time.Now().UTC()}
	s.projects[githubRepoID] = p
	return &p, nil
}

func (s *Store) UpsertFunction(_ context.Context, projectID, name string) (*domain.Function, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProject(projectID) {
		return nil, repository.ErrNotFound
	}
	key := functionKey{projectID: projectID, name: name}
	if fn, ok := s.functions[key]; ok {
		return &fn, nil
	}
	fn := domain.Function{ID: uuid.NewString(), ProjectID: projectID, Name: name, CreatedAt: time.Now().UTC()}
	s.functions[key] = fn
	return &fn, nil
}

func (s *Store) GetFunctionID(_ context.Context, projectID, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn, ok := s.functions[functionKey{projectID: projectID, name: name}]
	if !ok {
		return "", repository.ErrNotFound
	}
	return fn.ID, nil
}

func (s *Store) InsertBuild(_ context.Context, build *domain.BuildRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.hasProject(build.ProjectID) {
		return repository.ErrNotFound
	}
	if build.ID == "" {
		build.ID = uuid.NewString()
	}
	if build.CreatedAt.IsZero() {
		build.CreatedAt = time.Now().UTC()
	}
	s.builds = append(s.builds, *build)
	return nil
}

func (s *Store) InsertDeployment(_ context.Context, deployment *domain.DeploymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, fn := range s.functions {
		if fn.ID == deployment.FunctionID {
			found = true
			break
		}
	}
	if !found {
		return repository.ErrNotFound
	}
	if deployment.ID == "" {
		deployment.ID = uuid.NewString()
	}
	if deployment.CreatedAt.IsZero() {
		deployment.CreatedAt = time.Now().UTC()
	}
	s.deployments = append(s.deployments, *deployment)
	return nil
}

// Builds returns a copy of the recorded builds.
func (s *Store) Builds() []domain.BuildRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.BuildRecord(nil), s.builds...)
}

// Deployments returns a copy of the recorded deployments.
func (s *Store) Deployments() []domain.DeploymentRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.DeploymentRecord(nil), s.deployments...)
}

// FunctionCount returns the number of registered functions.
func (s *Store) FunctionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.functions)
}

func (s *Store) hasProject(id string) bool {
	for _, p := range s.projects {
		if p.ID == id {
			return true
		}
	}
	return false
}
