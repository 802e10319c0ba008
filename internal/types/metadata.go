package types

// Typed views over the work-item metadata bag. Each parser inspects the
// discriminating keys for one variant and returns (view, true) only when
// the item is that variant. The worker pipeline is a chain of these
// matches; a malformed bag simply fails to match and falls through.

import (
	"fmt"
	"strings"
)

func metaString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case float64:
		return fmt.Sprintf("%d", int64(v))
	}
	return ""
}

func metaInt(m map[string]any, key string) (int, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}

func metaBool(m map[string]any, key string) (bool, bool) {
	if m == nil {
		return false, false
	}
	b, ok := m[key].(bool)
	return b, ok
}

// GitHubIssueMeta describes an item created from a tracker issue.
type GitHubIssueMeta struct {
	IssueNumber         int
	Repo                string
	Author              string
	HumanReviewRequired bool
	TanaNodeID          string
}

// ParseGitHubIssue matches items carrying github_issue_number.
func ParseGitHubIssue(m map[string]any) (*GitHubIssueMeta, bool) {
	n, ok := metaInt(m, "github_issue_number")
	if !ok {
		return nil, false
	}
	meta := &GitHubIssueMeta{
		IssueNumber:         n,
		Repo:                metaString(m, "github_repo"),
		Author:              metaString(m, "author"),
		HumanReviewRequired: true,
		TanaNodeID:          metaString(m, "tana_node_id"),
	}
	if b, ok := metaBool(m, "human_review_required"); ok {
		meta.HumanReviewRequired = b
	}
	return meta, true
}

// SpecFlowMeta ties an item to a feature phase. The long-form keys are
// canonical; the shorthand spellings are accepted from older producers.
type SpecFlowMeta struct {
	FeatureID string
	Phase     string
	ProjectID string
}

// ParseSpecFlow matches items carrying specflow_feature_id (or the
// shorthand feature_id alongside phase).
func ParseSpecFlow(m map[string]any) (*SpecFlowMeta, bool) {
	id := metaString(m, "specflow_feature_id")
	if id == "" {
		id = metaString(m, "feature_id")
	}
	if id == "" {
		return nil, false
	}
	phase := metaString(m, "specflow_phase")
	if phase == "" {
		phase = metaString(m, "phase")
	}
	project := metaString(m, "specflow_project_id")
	if project == "" {
		project = metaString(m, "project_id")
	}
	return &SpecFlowMeta{FeatureID: id, Phase: phase, ProjectID: project}, true
}

// MergeFixMeta describes a recovery item for a PR whose automated merge
// failed.
type MergeFixMeta struct {
	PRNumber       int
	PRURL          string
	Branch         string
	MainBranch     string
	OriginalItemID string
	ProjectID      string
}

/// ParseMergeFix matches items tagged merge_fix: true.
func ParseMergeFix(m map[string]any) (*MergeFixMeta, bool) {
	if b, ok := metaBool(m, "merge_fix"); !ok || !b {
		return nil, false
	}
	n, _ := metaInt(m, "pr_number")
	return &MergeFixMeta{
		PRNumber:       n,
		PRURL:          metaString(m, "pr_url"),
		Branch:         metaString(m, "branch"),
		MainBranch:     metaString(m, "main_branch"),
		OriginalItemID: metaString(m, "original_item_id"),
		ProjectID:      metaString(m, "project_id"),
	}, true
}

// PRMergeMeta describes a post-review merge item.
type PRMergeMeta struct {
	PRNumber             int
	PRURL                string
	Repo                 string
	Branch               string
	MainBranch           string
	ImplementationItemID string
	ProjectID            string
}

// ParsePRMerge matches items tagged pr_merge: true.
func ParsePRMerge(m map[string]any) (*PRMergeMeta, bool) {
	if b, ok := metaBool(m, "pr_merge"); !ok || !b {
		return nil, false
	}
	n, _ := metaInt(m, "pr_number")
	return &PRMergeMeta{
		PRNumber:             n,
		PRURL:                metaString(m, "pr_url"),
		Repo:                 metaString(m, "repo"),
		Branch:               metaString(m, "branch"),
		MainBranch:           metaString(m, "main_branch"),
		ImplementationItemID: metaString(m, "implementation_work_item_id"),
		ProjectID:            metaString(m, "project_id"),
	}, true
}

// InlineComment is one reviewer comment anchored to a file line.
type InlineComment struct {
	Path      string `json:"path"`
	Line      int    `json:"line"`
	Body      string `json:"body"`
	Author    string `json:"author"`
	CreatedAt string `json:"created_at,omitempty"`
}

// ReworkMeta describes one cycle of review-driven rework on a PR.
type ReworkMeta struct {
	PRNumber             int
	PRURL                string
	Repo                 string
	Branch               string
	MainBranch           string
	ImplementationItemID string
	ReviewFeedback       string
	ReworkCycle          int
	ProjectID            string
	WorktreePath         string
	InlineComments       []InlineComment
	MaxReworkCycles      int
}

// ParseRework matches items tagged rework: true.
func ParseRework(m map[string]any) (*ReworkMeta, bool) {
	if b, ok := metaBool(m, "rework"); !ok || !b {
		return nil, false
	}
	n, _ := metaInt(m, "pr_number")
	cycle, _ := metaInt(m, "rework_cycle")
	maxCycles, _ := metaInt(m, "max_rework_cycles")
	meta := &ReworkMeta{
		PRNumber:             n,
		PRURL:                metaString(m, "pr_url"),
		Repo:                 metaString(m, "repo"),
		Branch:               metaString(m, "branch"),
		MainBranch:           metaString(m, "main_branch"),
		ImplementationItemID: metaString(m, "implementation_work_item_id"),
		ReviewFeedback:       metaString(m, "review_feedback"),
		ReworkCycle:          cycle,
		ProjectID:            metaString(m, "project_id"),
		WorktreePath:         metaString(m, "worktree_path"),
		MaxReworkCycles:      maxCycles,
	}
	if raw, ok := m["inline_comments"].([]any); ok {
		for _, entry := range raw {
			c, ok := entry.(map[string]any)
			if !ok {
				continue
			}
			line, _ := metaInt(c, "line")
			meta.InlineComments = append(meta.InlineComments, InlineComment{
				Path:      metaString(c, "path"),
				Line:      line,
				Body:      metaString(c, "body"),
				Author:    metaString(c, "author"),
				CreatedAt: metaString(c, "created_at"),
			})
		}
	}
	return meta, true
}

// ReviewMeta describes a code-review item. Review items are matched by
// source rather than a boolean tag, so the parser also needs the item.
type ReviewMeta struct {
	PRNumber             int
	PRURL                string
	Repo                 string
	Branch               string
	MainBranch           string
	ImplementationItemID string
	ReworkCycle          int
	SpecPath             string
	ProjectID            string
}

// ParseReview matches items with source code_review and a pr_number.
func ParseReview(item *WorkItem) (*ReviewMeta, bool) {
	if item == nil || item.Source != SourceCodeReview {
		return nil, false
	}
	n, ok := metaInt(item.Metadata, "pr_number")
	if !ok {
		return nil, false
	}
	cycle, _ := metaInt(item.Metadata, "rework_cycle")
	return &ReviewMeta{
		PRNumber:             n,
		PRURL:                metaString(item.Metadata, "pr_url"),
		Repo:                 metaString(item.Metadata, "repo"),
		Branch:               metaString(item.Metadata, "branch"),
		MainBranch:           metaString(item.Metadata, "main_branch"),
		ImplementationItemID: metaString(item.Metadata, "implementation_work_item_id"),
		ReworkCycle:          cycle,
		SpecPath:             metaString(item.Metadata, "spec_path"),
		ProjectID:            metaString(item.Metadata, "project_id"),
	}, true
}

// TanaMeta describes an item mirrored from a Tana node.
type TanaMeta struct {
	NodeID      string
	WorkspaceID string
	TagID       string
}

// ParseTana matches items carrying tana_node_id.
func ParseTana(m map[string]any) (*TanaMeta, bool) {
	id := metaString(m, "tana_node_id")
	if id == "" {
		return nil, false
	}
	return &TanaMeta{
		NodeID:      id,
		WorkspaceID: metaString(m, "tana_workspace_id"),
		TagID:       metaString(m, "tana_tag_id"),
	}, true
}

// InReviewCycle reports whether the item participates in an active
// review/rework/merge cycle for branch deletion purposes. Matching is by
// source or by presence of any cycle-identifying metadata key.
func InReviewCycle(item *WorkItem) bool {
	if item == nil {
		return false
	}
	switch item.Source {
	case SourceCodeReview, SourceRework, SourcePRMerge, SourceMergeFix:
		return true
	}
	for _, key := range []string{"rework", "pr_merge", "merge_fix", "review_status"} {
		if _, ok := item.Metadata[key]; ok {
			return true
		}
	}
	return false
}

// CycleBranch returns the branch the item's cycle pins, if any.
func CycleBranch(item *WorkItem) string {
	if item == nil {
		return ""
	}
	return metaString(item.Metadata, "branch")
}

// Work-item ID derivation. IDs encode purpose so idempotency checks are a
// string compare instead of a metadata scan.

// GitHubItemID derives the id for an issue-fix item.
func GitHubItemID(project string, issue int) string {
	return fmt.Sprintf("gh-%s-%d", project, issue)
}

// ReworkItemID derives the id for one rework cycle of a PR.
func ReworkItemID(project string, pr, cycle int) string {
	return fmt.Sprintf("rework-%s-pr-%d-cycle-%d", project, pr, cycle)
}

// ReviewItemID derives the id for a review (cycle 0) or re-review item.
func ReviewItemID(project string, pr, cycle int) string {
	if cycle <= 0 {
		return fmt.Sprintf("review-%s-pr-%d", project, pr)
	}
	return fmt.Sprintf("review-%s-pr-%d-cycle-%d", project, pr, cycle)
}

// MergeItemID derives the id for a post-review merge item.
func MergeItemID(project string, pr int) string {
	return fmt.Sprintf("merge-%s-pr-%d", project, pr)
}

// MergeFixItemID derives the id for a merge-fix recovery item.
func MergeFixItemID(originalItemID string, pr int) string {
	return fmt.Sprintf("merge-fix-%s-%d", originalItemID, pr)
}

// SpecFlowItemID derives the id for a feature-phase item.
func SpecFlowItemID(featureID, phase string) string {
	return fmt.Sprintf("specflow-%s-%s", strings.ToLower(featureID), phase)
}
