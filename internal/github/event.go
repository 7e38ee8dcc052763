package github

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/fisirc/nur-worker/internal/domain"
)

// ErrInvalidEvent indicates a payload that cannot drive a build.
var ErrInvalidEvent = errors.New("invalid push event")

// PushEvent is the subset of the push webhook payload the worker reads.
type PushEvent struct {
	Ref        string       `json:"ref"`
	Before     string       `json:"before"`
	After      string       `json:"after"`
	Deleted    bool         `json:"deleted"`
	Repository Repository   `json:"repository"`
	Install    Installation `json:"installation"`
	HeadCommit *Commit      `json:"head_commit"`
}

// Repository identifies the pushed repository.
type Repository struct {
	ID       int64  `json:"id"`
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Private  bool   `json:"private"`
	CloneURL string `json:"clone_url"`
}

// Installation is the GitHub App installation that received the event.
type Installation struct {
	ID int64 `json:"id"`
}

// Commit is the pushed head commit.
type Commit struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ParsePushEvent decodes and validates a push payload.
func ParsePushEvent(body []byte) (PushEvent, error) {
	var ev PushEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return PushEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch {
	case ev.Repository.ID == 0:
		return PushEvent{}, fmt.Errorf("%w: repository id missing", ErrInvalidEvent)
	case ev.Repository.CloneURL == "":
		return PushEvent{}, fmt.Errorf("%w: clone url missing", ErrInvalidEvent)
	case ev.Install.ID == 0:
		return PushEvent{}, fmt.Errorf("%w: installation missing", ErrInvalidEvent)
	}
	return ev, nil
}

// Branch returns the pushed branch, or "" for tags and other refs.
func (e PushEvent) Branch() string {
	branch, ok := strings.CutPrefix(e.Ref, "refs/heads/")
	if !ok {
		return ""
	}
	return branch
}

// Buildable reports whether the push points at a live branch head.
func (e PushEvent) Buildable() bool {
	return !e.Deleted && e.Branch() != "" && e.After != "" && strings.Trim(e.After, "0") != ""
}

// Owner and Repo split the full repository name.
func (e PushEvent) Owner() string {
	owner, _, _ := strings.Cut(e.Repository.FullName, "/")
	return owner
}

func (e PushEvent) Repo() string {
	_, repo, ok := strings.Cut(e.Repository.FullName, "/")
	if !ok {
		return e.Repository.Name
	}
	return repo
}

// Job converts the event into build trigger metadata.
func (e PushEvent) Job(workingTree string) domain.BuildJob {
	message := ""
	if e.HeadCommit != nil {
		message = e.HeadCommit.Message
	}
	return domain.BuildJob{
		WorkingTreePath: workingTree,
		CloneURL:        e.Repository.CloneURL,
		RepoID:          strconv.FormatInt(e.Repository.ID, 10),
		CommitSHA:       e.After,
		Branch:          e.Branch(),
		CommitMessage:   message,
	}
}
