package git

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"strings"
)

// CloneOptions narrows a shallow clone.
type CloneOptions struct {
	// Branch, when set, is the only ref fetched.
	Branch string
}

// Clone shallow-clones repoURL into dest. Credentials embedded in repoURL are
// redacted from any returned error.
func Clone(ctx context.Context, repoURL, dest string, opts CloneOptions) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	args := []string{"clone", "--depth", "1"}
	if opts.Branch != "" {
		args = append(args, "--branch", opts.Branch, "--single-branch")
	}
	args = append(args, repoURL, ".")

	output, err := run(ctx, dest, args...)
	if err != nil {
		return fmt.Errorf("git clone failed: %s: %s", Redact(err.Error(), repoURL), Redact(output, repoURL))
	}
	return nil
}

// HeadCommit returns the commit checked out in dir.
func HeadCommit(ctx context.Context, dir string) (string, error) {
	output, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w: %s", err, output)
	}
	return strings.TrimSpace(output), nil
}

// Redact strips the password of repoURL's userinfo from s.
func Redact(s, repoURL string) string {
	u, err := url.Parse(repoURL)
	if err != nil || u.User == nil {
		return s
	}
	if password, ok := u.User.Password(); ok && password != "" {
		s = strings.ReplaceAll(s, password, "***")
	}
	return s
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Never prompt for credentials.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	return string(output), err
}
