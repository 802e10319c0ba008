package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paiworks/ivy/internal/launcher"
	"github.com/paiworks/ivy/internal/queue"
	"github.com/paiworks/ivy/internal/registry"
	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/storage/sqlite"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/vcs"
	"github.com/paiworks/ivy/internal/workspace"
)

// scriptedLauncher runs a callback per invocation so tests can mutate the
// workspace the way a real agent would.
type scriptedLauncher struct {
	calls []launcher.Options
	run   func(opts launcher.Options) *launcher.Result
}

func (s *scriptedLauncher) Launch(ctx context.Context, opts launcher.Options) (*launcher.Result, error) {
	s.calls = append(s.calls, opts)
	if s.run == nil {
		return &launcher.Result{ExitCode: 0}, nil
	}
	return s.run(opts), nil
}

// fakeHost scripts the VCS backend.
type fakeHost struct {
	mrNumber   int
	mrURL      string
	mergeOK    bool
	state      string
	merged     []int
	inline     []types.InlineComment
	createdMRs int
}

func (f *fakeHost) Name() string { return "fake" }

func (f *fakeHost) CreateMR(ctx context.Context, opts vcs.CreateMROpts) (*vcs.MR, error) {
	f.createdMRs++
	return &vcs.MR{Number: f.mrNumber, URL: f.mrURL}, nil
}

func (f *fakeHost) MergeMR(ctx context.Context, cwd string, number int) (bool, error) {
	if f.mergeOK {
		f.merged = append(f.merged, number)
	}
	return f.mergeOK, nil
}

func (f *fakeHost) MRState(ctx context.Context, cwd string, number int) (string, error) {
	if f.state == "" {
		return vcs.StateOpen, nil
	}
	return f.state, nil
}

func (f *fakeHost) MRDiff(ctx context.Context, cwd string, number int) (string, error) { return "", nil }
func (f *fakeHost) MRFiles(ctx context.Context, cwd string, number int) ([]string, error) {
	return nil, nil
}
func (f *fakeHost) SubmitReview(ctx context.Context, cwd string, number int, event, body string) error {
	return nil
}
func (f *fakeHost) PostReviewComment(ctx context.Context, cwd string, number int, body string) error {
	return nil
}
func (f *fakeHost) FetchReviews(ctx context.Context, cwd string, number int) ([]vcs.Review, error) {
	return nil, nil
}
func (f *fakeHost) FetchInlineComments(ctx context.Context, cwd string, number int) ([]types.InlineComment, error) {
	return f.inline, nil
}
func (f *fakeHost) CommentOnIssue(ctx context.Context, cwd string, number int, body string) error {
	return nil
}
func (f *fakeHost) IssueStatus(ctx context.Context, ownerRepo string, number int) (string, error) {
	return "open", nil
}
func (f *fakeHost) API(ctx context.Context, endpoint string, timeout time.Duration) (json.RawMessage, error) {
	return nil, nil
}

type fixture struct {
	store storage.Storage
	queue *queue.Queue
	reg   *registry.Registry
	ws    *workspace.Manager
	host  *fakeHost
	agent *scriptedLauncher
	repo  string
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return string(out)
}

// setupTest builds a store, a parent repo with a bare origin, and a
// claimed work item ready for the worker.
func setupTest(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.New(context.Background(), filepath.Join(dir, "ivy.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	origin := filepath.Join(dir, "origin.git")
	if err := os.MkdirAll(origin, 0750); err != nil {
		t.Fatal(err)
	}
	gitIn(t, origin, "init", "--bare", "-b", "main")

	repo := filepath.Join(dir, "repo")
	gitIn(t, dir, "clone", origin, repo)
	gitIn(t, repo, "config", "user.email", "test@example.com")
	gitIn(t, repo, "config", "user.name", "Test")
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("hello\n"), 0644); err != nil {
		t.Fatal(err)
	}
	gitIn(t, repo, "add", "-A")
	gitIn(t, repo, "commit", "-m", "initial")
	gitIn(t, repo, "push", "-u", "origin", "main")

	q := queue.New(store, 2, 3)
	f := &fixture{
		store: store,
		queue: q,
		reg:   registry.New(store, filepath.Join(dir, "logs"), 5*time.Minute),
		ws:    workspace.NewManager(filepath.Join(dir, "worktrees"), q),
		host:  &fakeHost{},
		agent: &scriptedLauncher{},
		repo:  repo,
	}
	if err := store.RegisterProject(context.Background(), &types.Project{
		ID:        "P",
		LocalPath: repo,
	}); err != nil {
		t.Fatalf("register project: %v", err)
	}
	return f
}

func (f *fixture) deps() Deps {
	return Deps{
		Store:      f.store,
		Queue:      f.queue,
		Registry:   f.reg,
		Workspaces: f.ws,
		Launcher:   f.agent,
		HostFor:    func(string) (vcs.Host, error) { return f.host, nil },
	}
}

// claimItem registers a session and claims the item for it.
func claimItem(t *testing.T, f *fixture, itemID string) string {
	t.Helper()
	ctx := context.Background()
	agent, err := f.reg.Register(ctx, registry.RegisterOpts{Name: "dispatch-" + itemID, Project: "P"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	ok, err := f.queue.Claim(ctx, itemID, agent.SessionID)
	if err != nil || !ok {
		t.Fatalf("claim: ok=%v err=%v", ok, err)
	}
	return agent.SessionID
}

func eventSummaries(t *testing.T, store storage.Storage) []string {
	t.Helper()
	events, err := store.RecentEvents(context.Background(), 200)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	summaries := make([]string, 0, len(events))
	for _, e := range events {
		summaries = append(summaries, e.Summary)
	}
	return summaries
}

func containsSummary(summaries []string, substr string) bool {
	for _, s := range summaries {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

func TestHappyIssueFix(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	f.host.mrNumber = 101
	f.host.mrURL = "https://example.com/acme/repo/pull/101"
	f.host.mergeOK = true

	_, err := f.queue.Create(ctx, queue.CreateOpts{
		ID:      "gh-P-7",
		Title:   "Fix the widget",
		Project: "P",
		Source:  types.SourceGitHub,
		Metadata: map[string]any{
			"github_issue_number":   7,
			"github_repo":           "o/r",
			"human_review_required": false,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session := claimItem(t, f, "gh-P-7")

	f.agent.run = func(opts launcher.Options) *launcher.Result {
		if !opts.DisableMCP {
			t.Error("agent launched with MCP enabled")
		}
		// The commenter runs in the parent repo; only the fix run in the
		// workspace should change files.
		if strings.Contains(opts.Prompt, "Fix issue #7") {
			if err := os.WriteFile(filepath.Join(opts.WorkDir, "widget.go"), []byte("package widget\n"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		return &launcher.Result{ExitCode: 0}
	}

	if err := Run(ctx, f.deps(), session, "gh-P-7", time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}

	item, err := f.store.GetWorkItem(ctx, "gh-P-7")
	if err != nil {
		t.Fatalf("get item: %v", err)
	}
	if item.Status != types.ItemCompleted {
		t.Fatalf("status = %q, want completed", item.Status)
	}
	if _, err := os.Stat(f.ws.Path("P", "fix/issue-7")); !os.IsNotExist(err) {
		t.Error("workspace should be removed")
	}

	summaries := eventSummaries(t, f.store)
	for _, want := range []string{"Created PR #101", "Auto-merged PR #101", "Pulled merged changes"} {
		if !containsSummary(summaries, want) {
			t.Errorf("missing event %q in %v", want, summaries)
		}
	}
	// Trusted path merged cleanly: no merge-fix item.
	if _, err := f.store.GetWorkItem(ctx, "merge-fix-gh-P-7-101"); err == nil {
		t.Error("no merge-fix item expected")
	}
	agent, err := f.store.GetAgent(ctx, session)
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if agent.Status != types.AgentCompleted {
		t.Errorf("agent status = %q, want completed", agent.Status)
	}
}

func TestMergeFixCascade(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	f.host.mrNumber = 101
	f.host.mrURL = "https://example.com/acme/repo/pull/101"
	f.host.mergeOK = false

	_, err := f.queue.Create(ctx, queue.CreateOpts{
		ID:      "gh-P-7",
		Title:   "Fix the widget",
		Project: "P",
		Source:  types.SourceGitHub,
		Metadata: map[string]any{
			"github_issue_number":   7,
			"human_review_required": false,
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session := claimItem(t, f, "gh-P-7")

	f.agent.run = func(opts launcher.Options) *launcher.Result {
		if strings.Contains(opts.Prompt, "Fix issue #7") {
			if err := os.WriteFile(filepath.Join(opts.WorkDir, "widget.go"), []byte("package widget\n"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		return &launcher.Result{ExitCode: 0}
	}

	if err := Run(ctx, f.deps(), session, "gh-P-7", time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}

	item, err := f.store.GetWorkItem(ctx, "gh-P-7")
	if err != nil || item.Status != types.ItemCompleted {
		t.Fatalf("item = %+v err=%v, want completed", item, err)
	}

	fix, err := f.store.GetWorkItem(ctx, "merge-fix-gh-P-7-101")
	if err != nil {
		t.Fatalf("merge-fix item missing: %v", err)
	}
	if fix.Priority != types.PriorityP1 || fix.Source != types.SourceMergeFix {
		t.Fatalf("merge-fix item = (%s, %s)", fix.Priority, fix.Source)
	}
	meta, ok := types.ParseMergeFix(fix.Metadata)
	if !ok {
		t.Fatal("merge-fix metadata does not parse")
	}
	if meta.PRNumber != 101 || meta.Branch != "fix/issue-7" ||
		meta.MainBranch != "main" || meta.OriginalItemID != "gh-P-7" || meta.ProjectID != "P" {
		t.Fatalf("merge-fix meta = %+v", meta)
	}
}

func TestReviewChangesRequestedEscalates(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	impl := &types.WorkItem{ID: "gh-P-40", Title: "Implement it", Source: types.SourceGitHub}
	if err := f.store.CreateWorkItem(ctx, impl); err != nil {
		t.Fatalf("create impl: %v", err)
	}

	// Review at cycle 2 with effective max 2: the next rework cycle (3)
	// must escalate instead of creating an item.
	_, err := f.queue.Create(ctx, queue.CreateOpts{
		ID:      "review-P-pr-42-cycle-2",
		Title:   "Re-review PR #42",
		Project: "P",
		Source:  types.SourceCodeReview,
		Metadata: map[string]any{
			"pr_number":                   42,
			"repo":                        "o/r",
			"branch":                      "feature-x",
			"main_branch":                 "main",
			"implementation_work_item_id": "gh-P-40",
			"rework_cycle":                2,
			"project_id":                  "P",
		},
	})
	if err != nil {
		t.Fatalf("create review item: %v", err)
	}
	session := claimItem(t, f, "review-P-pr-42-cycle-2")

	f.agent.run = func(opts launcher.Options) *launcher.Result {
		// Echo the template first; the parser must take the last match.
		stdout := opts.Prompt + `
REVIEW_RESULT: changes_requested
FINDINGS_COUNT: 2
SEVERITY: medium
SUMMARY: duplicated validation logic`
		return &launcher.Result{ExitCode: 0, Stdout: stdout}
	}

	if err := Run(ctx, f.deps(), session, "review-P-pr-42-cycle-2", time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}

	review, err := f.store.GetWorkItem(ctx, "review-P-pr-42-cycle-2")
	if err != nil {
		t.Fatalf("get review item: %v", err)
	}
	if review.Status != types.ItemCompleted {
		t.Fatalf("review status = %q", review.Status)
	}
	if got, _ := review.Metadata["review_status"].(string); got != "changes_requested" {
		t.Fatalf("review_status = %q", got)
	}

	// No cycle-3 rework item; the implementation item is escalated.
	if _, err := f.store.GetWorkItem(ctx, "rework-P-pr-42-cycle-3"); err == nil {
		t.Fatal("cycle-3 rework item must not exist")
	}
	got, err := f.store.GetWorkItem(ctx, "gh-P-40")
	if err != nil {
		t.Fatalf("get impl: %v", err)
	}
	if flagged, _ := got.Metadata["human_review_required"].(bool); !flagged {
		t.Fatal("implementation item should require human review")
	}
	events, err := f.store.EventsByType(ctx, types.EventHumanEscalation, storage.EventFilter{})
	if err != nil || len(events) != 1 {
		t.Fatalf("escalation events = %d err=%v, want 1", len(events), err)
	}
	rejected, err := f.store.EventsByType(ctx, types.EventWorkRejected, storage.EventFilter{})
	if err != nil || len(rejected) == 0 {
		t.Fatalf("work_rejected events = %d err=%v", len(rejected), err)
	}
}

func TestReviewApprovalQueuesMerge(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	_, err := f.queue.Create(ctx, queue.CreateOpts{
		ID:      "review-P-pr-42",
		Title:   "Review PR #42",
		Project: "P",
		Source:  types.SourceCodeReview,
		Metadata: map[string]any{
			"pr_number":                   42,
			"branch":                      "feature-x",
			"main_branch":                 "main",
			"implementation_work_item_id": "gh-P-40",
			"project_id":                  "P",
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session := claimItem(t, f, "review-P-pr-42")

	f.agent.run = func(opts launcher.Options) *launcher.Result {
		return &launcher.Result{ExitCode: 0, Stdout: "REVIEW_RESULT: approved\nFINDINGS_COUNT: 0\nSEVERITY: none\nSUMMARY: clean\n"}
	}

	if err := Run(ctx, f.deps(), session, "review-P-pr-42", time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}

	mergeItem, err := f.store.GetWorkItem(ctx, "merge-P-pr-42")
	if err != nil {
		t.Fatalf("merge item missing: %v", err)
	}
	if mergeItem.Priority != types.PriorityP1 {
		t.Fatalf("merge priority = %q", mergeItem.Priority)
	}
	meta, ok := types.ParsePRMerge(mergeItem.Metadata)
	if !ok || meta.PRNumber != 42 {
		t.Fatalf("pr_merge meta = %+v ok=%v", meta, ok)
	}
	approved, err := f.store.EventsByType(ctx, types.EventWorkApproved, storage.EventFilter{})
	if err != nil || len(approved) != 1 {
		t.Fatalf("work_approved events = %d err=%v", len(approved), err)
	}
}

func TestReviewSkipsMergedPR(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()
	f.host.state = vcs.StateMerged

	_, err := f.queue.Create(ctx, queue.CreateOpts{
		ID:      "review-P-pr-42",
		Title:   "Review PR #42",
		Project: "P",
		Source:  types.SourceCodeReview,
		Metadata: map[string]any{
			"pr_number": 42,
			"branch":    "feature-x",
		},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session := claimItem(t, f, "review-P-pr-42")

	if err := Run(ctx, f.deps(), session, "review-P-pr-42", time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.agent.calls) != 0 {
		t.Fatal("no agent should launch for a merged PR")
	}
	item, err := f.store.GetWorkItem(ctx, "review-P-pr-42")
	if err != nil || item.Status != types.ItemCompleted {
		t.Fatalf("item = %+v err=%v", item, err)
	}
}

func TestPlainItemFailureReleases(t *testing.T) {
	f := setupTest(t)
	ctx := context.Background()

	_, err := f.queue.Create(ctx, queue.CreateOpts{ID: "plain-1", Title: "Do the thing", Project: "P"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	session := claimItem(t, f, "plain-1")

	f.agent.run = func(opts launcher.Options) *launcher.Result {
		return &launcher.Result{ExitCode: 1}
	}
	if err := Run(ctx, f.deps(), session, "plain-1", time.Minute); err != nil {
		t.Fatalf("run: %v", err)
	}
	item, err := f.store.GetWorkItem(ctx, "plain-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item.Status != types.ItemAvailable || item.ClaimedBy != "" {
		t.Fatalf("item = (%s, %q), want released", item.Status, item.ClaimedBy)
	}
}

func TestParseReviewTailTakesLastMatch(t *testing.T) {
	stdout := `REVIEW_RESULT: approved|changes_requested
FINDINGS_COUNT: <number>
some analysis...
REVIEW_RESULT: approved
FINDINGS_COUNT: 3
SEVERITY: low
SUMMARY: minor nits only`
	out := ParseReviewTail(stdout)
	if !out.Approved() {
		t.Fatalf("result = %q, want approved", out.Result)
	}
	if out.FindingsCount != 3 || out.Severity != "low" || out.Summary != "minor nits only" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestParseReviewTailEmpty(t *testing.T) {
	out := ParseReviewTail("agent said nothing structured")
	if out.Result != "" || out.FindingsCount != 0 {
		t.Fatalf("outcome = %+v, want zero value", out)
	}
}
