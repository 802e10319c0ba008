package vcs

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/types"
)

// GitLab drives the glab CLI. State values are normalized to the same
// vocabulary the GitHub host returns (MERGED/OPEN/CLOSED).
type GitLab struct {
	r runner
}

// NewGitLab creates a GitLab host with the given default per-call timeout.
func NewGitLab(timeout time.Duration) *GitLab {
	return &GitLab{r: runner{bin: "glab", timeout: timeout}}
}

func (g *GitLab) Name() string { return "gitlab" }

func (g *GitLab) CreateMR(ctx context.Context, opts CreateMROpts) (*MR, error) {
	args := []string{"mr", "create", "--title", opts.Title, "--description", opts.Body, "--yes"}
	if opts.Base != "" {
		args = append(args, "--target-branch", opts.Base)
	}
	if opts.Head != "" {
		args = append(args, "--source-branch", opts.Head)
	}
	out, err := g.r.run(ctx, opts.Cwd, args...)
	if err != nil {
		return nil, err
	}
	url := lastURL(out)
	if url == "" {
		return nil, fmt.Errorf("glab mr create returned no URL: %q", out)
	}
	return &MR{Number: parseMRNumber(url), URL: url}, nil
}

func (g *GitLab) MergeMR(ctx context.Context, cwd string, number int) (bool, error) {
	_, err := g.r.run(ctx, cwd, "mr", "merge", strconv.Itoa(number),
		"--squash", "--remove-source-branch", "--yes")
	if err != nil {
		return false, nil
	}
	return true, nil
}

func (g *GitLab) MRState(ctx context.Context, cwd string, number int) (string, error) {
	out, err := g.r.run(ctx, cwd, "mr", "view", strconv.Itoa(number), "--output", "json")
	if err != nil {
		return "", err
	}
	var v struct {
		State string `json:"state"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return "", fmt.Errorf("failed to parse mr state: %w", err)
	}
	switch strings.ToLower(v.State) {
	case "merged":
		return StateMerged, nil
	case "opened", "open":
		return StateOpen, nil
	case "closed":
		return StateClosed, nil
	}
	return strings.ToUpper(v.State), nil
}

func (g *GitLab) MRDiff(ctx context.Context, cwd string, number int) (string, error) {
	return g.r.run(ctx, cwd, "mr", "diff", strconv.Itoa(number))
}

func (g *GitLab) MRFiles(ctx context.Context, cwd string, number int) ([]string, error) {
	out, err := g.r.run(ctx, cwd, "api",
		fmt.Sprintf("projects/:id/merge_requests/%d/diffs", number))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		NewPath string `json:"new_path"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse mr diffs: %w", err)
	}
	files := make([]string, 0, len(raw))
	for _, d := range raw {
		files = append(files, d.NewPath)
	}
	return files, nil
}

func (g *GitLab) SubmitReview(ctx context.Context, cwd string, number int, event, body string) error {
	switch event {
	case ReviewApprove:
		if body != "" {
			if err := g.PostReviewComment(ctx, cwd, number, body); err != nil {
				return err
			}
		}
		_, err := g.r.run(ctx, cwd, "mr", "approve", strconv.Itoa(number))
		return err
	case ReviewRequestChanges:
		// GitLab has no request-changes review; a comment carries the
		// verdict for the review pipeline to parse.
		return g.PostReviewComment(ctx, cwd, number, "Changes requested:\n\n"+body)
	}
	return fmt.Errorf("unknown review event %q", event)
}

func (g *GitLab) PostReviewComment(ctx context.Context, cwd string, number int, body string) error {
	_, err := g.r.run(ctx, cwd, "mr", "note", strconv.Itoa(number), "--message", body)
	return err
}

// FetchReviews maps GitLab approvals onto the review shape.
func (g *GitLab) FetchReviews(ctx context.Context, cwd string, number int) ([]Review, error) {
	out, err := g.r.run(ctx, cwd, "api",
		fmt.Sprintf("projects/:id/merge_requests/%d/approvals", number))
	if err != nil {
		return nil, err
	}
	var v struct {
		ApprovedBy []struct {
			User struct {
				Username string `json:"username"`
			} `json:"user"`
		} `json:"approved_by"`
	}
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		return nil, fmt.Errorf("failed to parse approvals: %w", err)
	}
	reviews := make([]Review, 0, len(v.ApprovedBy))
	for _, a := range v.ApprovedBy {
		reviews = append(reviews, Review{State: "APPROVED", Author: a.User.Username})
	}
	return reviews, nil
}

func (g *GitLab) FetchInlineComments(ctx context.Context, cwd string, number int) ([]types.InlineComment, error) {
	out, err := g.r.run(ctx, cwd, "api",
		fmt.Sprintf("projects/:id/merge_requests/%d/discussions", number))
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Notes []struct {
			Body   string `json:"body"`
			Author struct {
				Username string `json:"username"`
			} `json:"author"`
			CreatedAt string `json:"created_at"`
			Position  *struct {
				NewPath string `json:"new_path"`
				NewLine int    `json:"new_line"`
			} `json:"position"`
		} `json:"notes"`
	}
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return nil, fmt.Errorf("failed to parse discussions: %w", err)
	}
	var comments []types.InlineComment
	for _, d := range raw {
		for _, n := range d.Notes {
			if n.Position == nil {
				continue
			}
			comments = append(comments, types.InlineComment{
				Path:      n.Position.NewPath,
				Line:      n.Position.NewLine,
				Body:      n.Body,
				Author:    n.Author.Username,
				CreatedAt: n.CreatedAt,
			})
		}
	}
	return comments, nil
}

func (g *GitLab) CommentOnIssue(ctx context.Context, cwd string, number int, body string) error {
	_, err := g.r.run(ctx, cwd, "issue", "note", strconv.Itoa(number), "--message", body)
	return err
}

func (g *GitLab) IssueStatus(ctx context.Context, ownerRepo string, number int) (string, error) {
	out, err := g.r.run(ctx, "", "api",
		fmt.Sprintf("projects/%s/issues/%d", strings.ReplaceAll(ownerRepo, "/", "%2F"), number))
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

func (g *GitLab) API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error) {
	out, err := g.r.runTimeout(ctx, "", timeout, "api", endpoint)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}
