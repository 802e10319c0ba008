package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/paiworks/ivy/internal/types"
)

// GitHub drives the gh CLI.
type GitHub struct {
	r runner
}

// NewGitHub creates a GitHub host with the given default per-call timeout.
func NewGitHub(timeout time.Duration) *GitHub {
	return &GitHub{r: runner{bin: "gh", timeout: timeout}}
}

func (g *GitHub) Name() string { return "github" }

// CreateMR opens a pull request and parses the number from the URL gh
// prints on success.
func (g *GitHub) CreateMR(ctx context.Context, opts CreateMROpts) (*MR, error) {
	args := []string{"pr", "create", "--title", opts.Title, "--body", opts.Body}
	if opts.Base != "" {
		args = append(args, "--base", opts.Base)
	}
	if opts.Head != "" {
		args = append(args, "--head", opts.Head)
	}
	out, err := g.r.run(ctx, opts.Cwd, args...)
	if err != nil {
		return nil, err
	}
	url := lastURL(out)
	if url == "" {
		return nil, fmt.Errorf("gh pr create returned no URL: %q", out)
	}
	return &MR{Number: parseMRNumber(url), URL: url}, nil
}

// MergeMR squash-merges the PR and deletes the branch. A non-zero exit
// means the merge did not happen (checks pending, conflicts, permissions)
// and is reported as false rather than an error.
func (g *GitHub) MergeMR(ctx context.Context, cwd string, number int) (bool, error) {
	_, err := g.r.run(ctx, cwd, "pr", "merge", strconv.Itoa(number), "--squash", "--delete-branch")
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (g *GitHub) MRState(ctx context.Context, cwd string, number int) (string, error) {
	out, err := g.r.run(ctx, cwd, "pr", "view", strconv.Itoa(number), "--json", "state")
	if err != nil {
		return "", err
	}
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("failed to parse pr state: %w", err)
	}
	return v.State, nil
}

func (g *GitHub) MRDiff(ctx context.Context, cwd string, number int) (string, error) {
	return g.r.run(ctx, cwd, "pr", "diff", strconv.Itoa(number))
}

func (g *GitHub) MRFiles(ctx context.Context, cwd string, number int) ([]string, error) {
	out, err := g.r.run(ctx, cwd, "pr", "view", strconv.Itoa(number), "--json", "files")
	if err != nil {
		return nil, err
	}
	var v struct {
		Files []struct {
			Path string `json:"path"`
		} `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("failed to parse pr files: %w", err)
	}
	files := make([]string, 0, len(v.Files))
	for _, f := range v.Files {
		files = append(files, f.Path)
	}
	return files, nil
}

func (g *GitHub) SubmitReview(ctx context.Context, cwd string, number int, event, body string) error {
	args := []string{"pr", "review", strconv.Itoa(number), "--body", body}
	switch event {
	case ReviewApprove:
		args = append(args, "--approve")
	case ReviewRequestChanges:
		args = append(args, "--request-changes")
	default:
		return fmt.Errorf("unknown review event %q", event)
	}
	_, err := g.r.run(ctx, cwd, args...)
	return err
}

func (g *GitHub) PostReviewComment(ctx context.Context, cwd string, number int, body string) error {
	_, err := g.r.run(ctx, cwd, "pr", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// FetchReviews lists top-level reviews via the REST API; gh resolves the
// {owner}/{repo} placeholders from the working directory's remote.
func (g *GitHub) FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error) {
	out, err := g.r.run(ctx, cwd, "api", fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/reviews", number))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		ID   json.Number `json:"id"`
		Sta  string      `json:"state"`
		Body string      `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		SubmittedAt string `json:"submitted_at"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse reviews: %w", err)
	}
	reviews := make([]Review, 0, len(raw))
	for _, r := range raw {
		reviews = append(reviews, Review{
			ID:          r.ID.String(),
			State:       r.Sta,
			Body:        r.Body,
			Author:      r.User.Login,
			SubmittedAt: r.SubmittedAt,
		})
	}
	return reviews, nil
}

func (g *GitHub) FetchInlineComments(ctx context.Context, cwd string, number int) ([]types.InlineComment, error) {
	out, err := g.r.run(ctx, cwd, "api", fmt.Sprintf("repos/{owner}/{repo}/pulls/%d/comments", number))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Path string `json:"path"`
		Line int    `json:"line"`
		Body string `json:"body"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse inline comments: %w", err)
	}
	comments := make([]types.InlineComment, 0, len(raw))
	for _, c := range raw {
		comments = append(comments, types.InlineComment{
			Path:      c.Path,
			Line:      c.Line,
			Body:      c.Body,
			Author:    c.User.Login,
			CreatedAt: c.CreatedAt,
		})
	}
	return comments, nil
}

func (g *GitHub) CommentOnIssue(ctx context.Context, cwd string, number int, body string) error {
	_, err := g.r.run(ctx, cwd, "issue", "comment", strconv.Itoa(number), "--body", body)
	return err
}

// IssueStatus returns the open/closed state of an issue addressed by
// "owner/repo" rather than a working directory.
func (g *GitHub) IssueStatus(ctx context.Context, ownerRepo string, number int) (string, error) {
	out, err := g.r.run(ctx, "", "api", fmt.Sprintf("repos/%s/issues/%d", ownerRepo, number))
	if err != nil {
		return "", err
	}
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("failed to parse issue: %w", err)
	}
	return v.State, nil
}

// API is the raw escape hatch onto gh api.
func (g *GitHub) API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error) {
	out, err := g.r.runTimeout(ctx, "", timeout, "api", endpoint)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
