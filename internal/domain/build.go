package domain

import (
	"encoding/json"
	"time"
)

// BuildJob carries the trigger metadata for one dispatch.
type BuildJob struct {
	WorkingTreePath string
	CloneURL        string
	RepoID          string
	CommitSHA       string
	Branch          string
	CommitMessage   string
}

// Outcome is the terminal state of one function build.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeTimedOut  Outcome = "timed_out"
)

// FunctionBuildResult is produced exactly once per function task.
type FunctionBuildResult struct {
	FunctionName string
	Outcome      Outcome
	Reason       string
	ExitCode     *int
	ArtifactKey  string
	Err          error
}

// Succeeded reports whether the function produced and uploaded its artifact.
func (r FunctionBuildResult) Succeeded() bool {
	return r.Outcome == OutcomeSucceeded
}

// MarshalJSON omits the error value and renders it as the reason.
func (r FunctionBuildResult) MarshalJSON() ([]byte, error) {
	type payload struct {
		FunctionName string  `json:"function_name"`
		Outcome      Outcome `json:"outcome"`
		Reason       string  `json:"reason,omitempty"`
		ExitCode     *int    `json:"exit_code,omitempty"`
		ArtifactKey  string  `json:"artifact_key,omitempty"`
	}
	return json.Marshal(payload{
		FunctionName: r.FunctionName,
		Outcome:      r.Outcome,
		Reason:       r.Reason,
		ExitCode:     r.ExitCode,
		ArtifactKey:  r.ArtifactKey,
	})
}

// OverallStatus summarises a whole dispatch.
type OverallStatus string

const (
	StatusSuccess        OverallStatus = "success"
	StatusPartialFailure OverallStatus = "partial_failure"
	StatusFailure        OverallStatus = "failure"
)

// BuildOutcome is the aggregate handed to the status sink.
type BuildOutcome struct {
	BuildID       string                `json:"build_id,omitempty"`
	OverallStatus OverallStatus         `json:"overall_status"`
	Results       []FunctionBuildResult `json:"results"`
}

// Aggregate derives the overall status from per-function results.
// Success requires every result to succeed; Failure means none did, including
// the empty case.
func Aggregate(results []FunctionBuildResult) OverallStatus {
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return StatusFailure
	case succeeded == len(results):
		return StatusSuccess
	default:
		return StatusPartialFailure
	}
}

// DeploymentStatus is the persisted status of a function deployment row.
type DeploymentStatus string

const (
	DeploymentSuccess DeploymentStatus = "success"
	DeploymentFailure DeploymentStatus = "failure"
)

// DeploymentRecord mirrors a function_deployments row.
type DeploymentRecord struct {
	ID         string
	ProjectID  string
	FunctionID string
	BuildID    string
	Status     DeploymentStatus
	CreatedAt  time.Time
}

// BuildRecord mirrors a project_builds row.
type BuildRecord struct {
	ID                string
	ProjectID         string
	CommitSHA         string
	Branch            string
	CommitDescription string
	CreatedAt         time.Time
}

// Function mirrors a functions row.
type Function struct {
	ID        string
	ProjectID string
	Name      string
	CreatedAt time.Time
}

// Project mirrors a projects row keyed by the external repository id.
type Project struct {
	ID           string
	GitHubRepoID string
	CreatedAt    time.Time
}
