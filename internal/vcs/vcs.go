// Package vcs abstracts the code-host CLI (gh or glab) behind one
// interface. The host is picked by inspecting the origin remote URL.
package vcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/types"
)

// Merge request states.
const (
	StateMerged = "MERGED"
	StateOpen   = "OPEN"
	StateClosed = "CLOSED"
)

// Review events accepted by SubmitReview.
const (
	ReviewApprove        = "APPROVE"
	ReviewRequestChanges = "REQUEST_CHANGES"
)

// MR identifies a created merge/pull request.
type MR struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

// Review is one top-level review on a merge request.
type Review struct {
	ID          string `json:"id"`
	State       string `json:"state"`
	Body        string `json:"body"`
	Author      string `json:"author"`
	SubmittedAt string `json:"submitted_at"`
}

// CreateMROpts describes a new merge request. Head defaults to the
// current branch of Cwd.
type CreateMROpts struct {
	Cwd   string
	Title string
	Body  string
	Base  string
	Head  string
}

// Host is one code-hosting backend.
type Host interface {
	Name() string
	CreateMR(ctx context.Context, opts CreateMROpts) (*MR, error)
	MergeMR(ctx context.Context, cwd string, number int) (bool, error)
	MRState(ctx context.Context, cwd string, number int) (string, error)
	MRDiff(ctx context.Context, cwd string, number int) (string, error)
	MRFiles(ctx context.Context, cwd string, number int) ([]string, error)
	SubmitReview(ctx context.Context, cwd string, number int, event, body string) error
	PostReviewComment(ctx context.Context, cwd string, number int, body string) error
	FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error)
	FetchInlineComments(ctx context.Context, cwd string, number int) ([]types.InlineComment, error)
	CommentOnIssue(ctx context.Context, cwd string, number int, body string) error
	IssueStatus(ctx context.Context, ownerRepo string, number int) (string, error)
	API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error)
}

// CommandError carries the stderr of a failed host CLI invocation.
type CommandError struct {
	Cmd    string
	Err    error
	Stderr string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s failed: %v", e.Cmd, e.Err)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// Detect picks the host implementation by scanning the origin URL of the
// repo at path. Unknown remotes default to the GitHub CLI.
func Detect(path string, timeout time.Duration) (Host, error) {
	cmd := exec.Command("git", "remote", "get-url", "origin")
	cmd.Dir = path
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read origin url: %w", err)
	}
	return ForRemote(strings.TrimSpace(string(out)), timeout), nil
}

// ForRemote picks the host implementation for a remote URL.
func ForRemote(url string, timeout time.Duration) Host {
	if strings.Contains(url, "gitlab") {
		return NewGitLab(timeout)
	}
	return NewGitHub(timeout)
}

// runner shells out to one host CLI with a per-call timeout.
type runner struct {
	bin     string
	timeout time.Duration
}

func (r runner) run(ctx context.Context, cwd string, args ...string) (string, error) {
	return r.runTimeout(ctx, cwd, r.timeout, args...)
}

func (r runner) runTimeout(ctx context.Context, cwd string, timeout time.Duration, args ...string) (string, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, r.bin, args...) // #nosec G204 - fixed binary, internal args
	cmd.Dir = cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return stdout.String(), &CommandError{
			Cmd:    r.bin + " " + strings.Join(args, " "),
			Err:    err,
			Stderr: stderr.String(),
		}
	}
	return stdout.String(), nil
}

// parseMRNumber extracts the trailing number from a merge-request URL
// (".../pull/42" or ".../merge_requests/42").
func parseMRNumber(url string) int {
	url = strings.TrimRight(strings.TrimSpace(url), "/")
	idx := strings.LastIndex(url, "/")
	if idx < 0 {
		return 0
	}
	var n int
	if _, err := fmt.Sscanf(url[idx+1:], "%d", &n); err != nil {
		return 0
	}
	return n
}

// lastURL returns the last URL-looking line of CLI output. Both gh and
// glab print the new MR URL as the final line.
func lastURL(out string) string {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://") {
			return line
		}
	}
	return ""
}
