package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fisirc/nur-worker/internal/domain"
)

const checkTitle = "Function Build"

// CheckRun addresses one check run on a repository.
type CheckRun struct {
	Owner string
	Repo  string
	ID    int64
}

// CreateCheckRun opens an in-progress check run for headSHA.
func (a *App) CreateCheckRun(ctx context.Context, token, owner, repo, name, headSHA string) (CheckRun, error) {
	payload := map[string]any{
		"name":       name,
		"head_sha":   headSHA,
		"status":     "in_progress",
		"started_at": a.now().UTC().Format(time.RFC3339),
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/check-runs", a.apiURL, owner, repo)
	req, err := newJSONRequest(ctx, http.MethodPost, endpoint, token, payload)
	if err != nil {
		return CheckRun{}, err
	}
	var created struct {
		ID int64 `json:"id"`
	}
	if err := a.do(req, http.StatusCreated, &created); err != nil {
		return CheckRun{}, fmt.Errorf("create check run: %w", err)
	}
	return CheckRun{Owner: owner, Repo: repo, ID: created.ID}, nil
}

// CompleteCheckRun closes run with the conclusion derived from outcome.
func (a *App) CompleteCheckRun(ctx context.Context, token string, run CheckRun, conclusion, summary string) error {
	payload := map[string]any{
		"status":       "completed",
		"conclusion":   conclusion,
		"completed_at": a.now().UTC().Format(time.RFC3339),
		"output": map[string]string{
			"title":   checkTitle,
			"summary": summary,
		},
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/check-runs/%d", a.apiURL, run.Owner, run.Repo, run.ID)
	req, err := newJSONRequest(ctx, http.MethodPatch, endpoint, token, payload)
	if err != nil {
		return err
	}
	if err := a.do(req, http.StatusOK, nil); err != nil {
		return fmt.Errorf("complete check run: %w", err)
	}
	return nil
}

func newJSONRequest(ctx context.Context, method, endpoint, token string, payload any) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	setHeaders(req, token)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Conclusion maps an overall status onto a check run conclusion. Only a full
// success passes.
func Conclusion(status domain.OverallStatus) string {
	if status == domain.StatusSuccess {
		return "success"
	}
	return "failure"
}

// Summary renders a markdown table of per-function results.
func Summary(outcome domain.BuildOutcome) string {
	var b strings.Builder
	switch outcome.OverallStatus {
	case domain.StatusSuccess:
		b.WriteString("All functions built successfully.\n\n")
	case domain.StatusPartialFailure:
		b.WriteString("Partial failure: some functions did not build.\n\n")
	default:
		b.WriteString("Build failed.\n\n")
	}
	if len(outcome.Results) == 0 {
		b.WriteString("No functions were built.\n")
		return b.String()
	}
	b.WriteString("| Function | Outcome | Detail |\n|---|---|---|\n")
	for _, r := range outcome.Results {
		detail := r.ArtifactKey
		if !r.Succeeded() {
			detail = r.Reason
			if r.ExitCode != nil {
				detail = fmt.Sprintf("%s (exit %d)", detail, *r.ExitCode)
			}
		}
		fmt.Fprintf(&b, "| `%s` | %s | %s |\n", r.FunctionName, r.Outcome, detail)
	}
	return b.String()
}

// FailureSummary renders a summary for a trigger that never reached dispatch.
func FailureSummary(err error) string {
	return "Build aborted before any function ran.\n\n```\n" + err.Error() + "\n```\n"
}
