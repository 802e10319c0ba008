package specflow

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/storage/sqlite"
	"github.com/paiworks/ivy/internal/types"
	"github.com/paiworks/ivy/internal/workspace"
)

func TestDetermineActionTable(t *testing.T) {
	now := time.Now()
	recent := now.Add(-time.Minute)
	old := now.Add(-time.Hour)
	timeouts := DefaultTimeouts()

	tests := []struct {
		name    string
		feature types.Feature
		want    string
	}{
		{"completed is absorbing", types.Feature{Phase: types.PhaseCompleted, Status: types.FeaturePending}, ActionWait},
		{"failed is absorbing", types.Feature{Phase: types.PhaseFailed, Status: types.FeatureFailed}, ActionWait},
		{"blocked waits", types.Feature{Phase: types.PhasePlanning, Status: types.FeatureBlocked, MaxFailures: 3}, ActionWait},
		{"max failures", types.Feature{Phase: types.PhaseSpecifying, Status: types.FeaturePending, FailureCount: 3, MaxFailures: 3}, ActionFail},
		{"one below max still acts", types.Feature{Phase: types.PhaseQueued, Status: types.FeaturePending, FailureCount: 2, MaxFailures: 3}, ActionAdvance},
		{"stale active releases", types.Feature{Phase: types.PhaseSpecifying, Status: types.FeatureActive, CurrentSession: "s", PhaseStartedAt: &old, MaxFailures: 3}, ActionRelease},
		{"missing start time is stale", types.Feature{Phase: types.PhaseSpecifying, Status: types.FeatureActive, CurrentSession: "s", MaxFailures: 3}, ActionRelease},
		{"fresh active waits", types.Feature{Phase: types.PhaseSpecifying, Status: types.FeatureActive, CurrentSession: "s", PhaseStartedAt: &recent, MaxFailures: 3}, ActionWait},
		{"implementing gets long window", types.Feature{Phase: types.PhaseImplementing, Status: types.FeatureActive, CurrentSession: "s", PhaseStartedAt: &old, MaxFailures: 3}, ActionWait},
		{"succeeded working phase gates", types.Feature{Phase: types.PhasePlanning, Status: types.FeatureSucceeded, MaxFailures: 3}, ActionCheckGate},
		{"queued advances", types.Feature{Phase: types.PhaseQueued, Status: types.FeaturePending, MaxFailures: 3}, ActionAdvance},
		{"resting phase advances", types.Feature{Phase: types.PhaseTasked, Status: types.FeaturePending, MaxFailures: 3}, ActionAdvance},
		{"pending working phase runs", types.Feature{Phase: types.PhaseImplementing, Status: types.FeaturePending, MaxFailures: 3}, ActionRunPhase},
		{"succeeded resting phase waits", types.Feature{Phase: types.PhaseSpecified, Status: types.FeatureSucceeded, MaxFailures: 3}, ActionWait},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetermineAction(&tt.feature, timeouts, now)
			if got.Kind != tt.want {
				t.Fatalf("got %s (%s), want %s", got.Kind, got.Reason, tt.want)
			}
		})
	}
}

func TestDetermineActionAdvanceTargets(t *testing.T) {
	f := &types.Feature{Phase: types.PhaseQueued, Status: types.FeaturePending, MaxFailures: 3}
	a := DetermineAction(f, DefaultTimeouts(), time.Now())
	if a.From != types.PhaseQueued || a.To != types.PhaseSpecifying {
		t.Fatalf("advance %s -> %s, want queued -> specifying", a.From, a.To)
	}
}

func TestHeuristicScorer(t *testing.T) {
	s := HeuristicScorer{}
	ctx := context.Background()

	if score, _ := s.Score(ctx, "r", ""); score != 0 {
		t.Fatalf("empty content scored %v, want 0", score)
	}
	if score, _ := s.Score(ctx, "r", "hi"); score >= 0.5 {
		t.Fatalf("trivial content scored %v, want < 0.5", score)
	}

	doc := "# Spec\n\n## Requirements\n" + strings.Repeat("Detail line about the behavior.\n", 30) +
		"- first requirement\n- second requirement\n- third requirement\n"
	score, err := s.Score(ctx, "r", doc)
	if err != nil {
		t.Fatalf("score: %v", err)
	}
	if score < 0.7 {
		t.Fatalf("structured doc scored %v, want >= 0.7", score)
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"0.85", 0.85, true},
		{"Score: 0.7.", 0.7, true},
		{"1.0", 1.0, true},
		{"8.5", 0, false},
		{"no number here", 0, false},
	}
	for _, tt := range tests {
		got, ok := parseScore(tt.in)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("parseScore(%q) = %v, %v; want %v, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestSpecPathFromManifest(t *testing.T) {
	dir := t.TempDir()
	manifest := filepath.Join(dir, "features.toml")
	content := `[features."001-Demo-Widget"]
spec_path = ".specify/specs/001-demo-widget"
branch = "specflow-001-demo-widget"
status = "active"
`
	if err := os.WriteFile(manifest, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	if got := specPathFromManifest(manifest, "001-demo-widget"); got != ".specify/specs/001-demo-widget" {
		t.Fatalf("got %q", got)
	}
	if got := specPathFromManifest(manifest, "999-unknown"); got != "" {
		t.Fatalf("unknown feature got %q, want empty", got)
	}
	if got := specPathFromManifest(filepath.Join(dir, "missing.toml"), "001-demo-widget"); got != "" {
		t.Fatalf("missing manifest got %q, want empty", got)
	}
}

func TestCodeGateExclusions(t *testing.T) {
	tests := []struct {
		file     string
		excluded bool
	}{
		{".specify/specs/001/spec.md", true},
		{"CHANGELOG.md", true},
		{"docs/guide.md", true},
		{".specflow/features.toml", true},
		{"verify.md", true},
		{"internal/server/server.go", false},
		{"internal/server/server_test.go", false},
		{"README.md", true},
		{"readme_parser.go", false},
	}
	for _, tt := range tests {
		if got := excludedFromCodeGate(tt.file); got != tt.excluded {
			t.Errorf("excludedFromCodeGate(%q) = %v, want %v", tt.file, got, tt.excluded)
		}
	}
}

// fakeExecutor succeeds or fails per phase.
type fakeExecutor struct {
	results map[string]*ExecuteResult
	runs    []string
}

func (e *fakeExecutor) Execute(ctx context.Context, f *types.Feature, ec ExecuteContext) (*ExecuteResult, error) {
	e.runs = append(e.runs, f.Phase)
	if r, ok := e.results[f.Phase]; ok {
		return r, nil
	}
	return &ExecuteResult{Succeeded: true}, nil
}

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %v\n%s", args, err, out)
	}
	return strings.TrimSpace(string(out))
}

type specflowFixture struct {
	store    storage.Storage
	orch     *Orchestrator
	executor *fakeExecutor
	project  string
	repoPath string
}

func setupOrchestrator(t *testing.T) *specflowFixture {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(ctx, filepath.Join(t.TempDir(), "ivy.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	repo := t.TempDir()
	gitIn(t, repo, "init", "-b", "main")
	specDir := filepath.Join(repo, ".specify", "specs", "001-demo-widget")
	if err := os.MkdirAll(specDir, 0o755); err != nil {
		t.Fatal(err)
	}
	spec := "# Demo widget\n\n## Requirements\n" +
		strings.Repeat("The widget renders its state on every change.\n", 20) +
		"- requirement one\n- requirement two\n- requirement three\n"
	if err := os.WriteFile(filepath.Join(specDir, "spec.md"), []byte(spec), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(repo, ".specflow"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(repo, "README.md"), []byte("demo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	gitIn(t, repo, "add", "-A")
	gitIn(t, repo, "commit", "-m", "initial")

	if err := store.RegisterProject(ctx, &types.Project{
		ID:          "demo",
		DisplayName: "Demo",
		LocalPath:   repo,
	}); err != nil {
		t.Fatalf("register project: %v", err)
	}

	executor := &fakeExecutor{results: map[string]*ExecuteResult{}}
	ws := workspace.NewManager(t.TempDir(), nil)
	orch := New(store, ws, executor, HeuristicScorer{}, DefaultConfig(), "tick-session")
	return &specflowFixture{store: store, orch: orch, executor: executor, project: "demo", repoPath: repo}
}

func (fx *specflowFixture) createFeature(t *testing.T, f *types.Feature) {
	t.Helper()
	f.ProjectID = fx.project
	if f.Title == "" {
		f.Title = "Demo widget"
	}
	if err := fx.store.CreateFeature(context.Background(), f); err != nil {
		t.Fatalf("create feature: %v", err)
	}
}

func TestTickDrainsThroughGates(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	fx := setupOrchestrator(t)
	ctx := context.Background()

	fx.createFeature(t, &types.Feature{ID: "001-demo-widget"})
	// The planning run fails so the drain stops after the specify cycle.
	fx.executor.results[types.PhasePlanning] = &ExecuteResult{Error: "planner crashed"}

	res, err := fx.orch.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.FeaturesAdvanced < 2 {
		t.Fatalf("featuresAdvanced = %d, want >= 2", res.FeaturesAdvanced)
	}

	f, err := fx.store.GetFeature(ctx, "001-demo-widget")
	if err != nil {
		t.Fatal(err)
	}
	if f.Phase != types.PhasePlanning || f.Status != types.FeaturePending {
		t.Fatalf("feature at (%s, %s), want (planning, pending)", f.Phase, f.Status)
	}
	if f.FailureCount != 1 {
		t.Fatalf("failure_count = %d, want 1 from the failed planning run", f.FailureCount)
	}
	if f.SpecifyScore < 0.7 {
		t.Fatalf("specify_score = %v, want >= 0.7", f.SpecifyScore)
	}
	if want := []string{types.PhaseSpecifying, types.PhasePlanning}; fmt.Sprint(fx.executor.runs) != fmt.Sprint(want) {
		t.Fatalf("executor ran %v, want %v", fx.executor.runs, want)
	}

	events, err := fx.store.EventsByType(ctx, types.EventGatePassed, storage.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d gate_passed events, want 1", len(events))
	}
}

func TestReleaseOrphanedIsIdempotent(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	fx := setupOrchestrator(t)
	ctx := context.Background()

	started := time.Now().Add(-5 * time.Minute)
	fx.createFeature(t, &types.Feature{
		ID:             "001-demo-widget",
		Phase:          types.PhaseSpecifying,
		Status:         types.FeatureActive,
		CurrentSession: "dead-session",
		PhaseStartedAt: &started,
	})

	n, err := fx.orch.ReleaseOrphaned(ctx)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if n != 1 {
		t.Fatalf("released %d, want 1", n)
	}

	f, err := fx.store.GetFeature(ctx, "001-demo-widget")
	if err != nil {
		t.Fatal(err)
	}
	if f.Status != types.FeaturePending || f.CurrentSession != "" {
		t.Fatalf("feature (%s, session %q), want pending with no session", f.Status, f.CurrentSession)
	}
	if !strings.Contains(f.LastError, "restarted") {
		t.Fatalf("last_error = %q, want restart note", f.LastError)
	}

	n, err = fx.orch.ReleaseOrphaned(ctx)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if n != 0 {
		t.Fatalf("second release freed %d, want 0", n)
	}
}

func TestTickReleasesStaleSession(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	fx := setupOrchestrator(t)
	ctx := context.Background()

	started := time.Now().Add(-time.Hour)
	fx.createFeature(t, &types.Feature{
		ID:             "001-demo-widget",
		Phase:          types.PhaseSpecifying,
		Status:         types.FeatureActive,
		CurrentSession: "stuck-session",
		PhaseStartedAt: &started,
	})
	// The drain would rerun the released phase; stop it immediately.
	fx.executor.results[types.PhaseSpecifying] = &ExecuteResult{Error: "halt"}

	res, err := fx.orch.Tick(ctx)
	if err != nil {
		t.Fatalf("tick: %v", err)
	}
	if res.Released != 1 {
		t.Fatalf("released = %d, want 1", res.Released)
	}

	events, err := fx.store.EventsByType(ctx, types.EventFeatureReleased, storage.EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 {
		t.Fatalf("got %d feature_released events, want 1", len(events))
	}
}

func TestDrainFailsFeatureAtMaxFailures(t *testing.T) {
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	fx := setupOrchestrator(t)
	ctx := context.Background()

	fx.createFeature(t, &types.Feature{
		ID:           "001-demo-widget",
		Phase:        types.PhaseSpecifying,
		Status:       types.FeaturePending,
		FailureCount: 3,
		MaxFailures:  3,
	})

	if _, err := fx.orch.Tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	f, err := fx.store.GetFeature(ctx, "001-demo-widget")
	if err != nil {
		t.Fatal(err)
	}
	if f.Phase != types.PhaseFailed || f.Status != types.FeatureFailed {
		t.Fatalf("feature at (%s, %s), want (failed, failed)", f.Phase, f.Status)
	}
	if len(fx.executor.runs) != 0 {
		t.Fatalf("executor ran %v, want no runs", fx.executor.runs)
	}
}
