package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paiworks/ivy/internal/types"
)

func plainPrompt(item *types.WorkItem, sessionID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous coding agent working on: %s\n", item.Title)
	if item.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", item.Description)
	}
	fmt.Fprintf(&b, "\nWork item: %s\nSession: %s\n", item.ID, sessionID)
	b.WriteString("\nComplete the task in this working directory. Exit non-zero if the task cannot be completed.")
	return b.String()
}

func issuePrompt(item *types.WorkItem, meta *types.GitHubIssueMeta, sessionID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Fix issue #%d: %s\n", meta.IssueNumber, item.Title)
	if item.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", item.Description)
	}
	fmt.Fprintf(&b, "\nWork item: %s\nSession: %s\n", item.ID, sessionID)
	b.WriteString(`
Rules:
- You are in an isolated checkout on a dedicated fix branch; change only what the issue requires.
- If the fix needs changes in another project, describe them in a file named CROSS_PROJECT.md instead of making them.
- Run the project's tests before finishing; use existing tooling (make, package.json scripts) where present.
- Do not commit or push; the orchestrator handles both.
- Exit non-zero if the issue cannot be fixed safely.`)
	return b.String()
}

func commenterPrompt(issue int, diffSummary string) string {
	return fmt.Sprintf(`Post a short comment on issue #%d using the host CLI (gh or glab).
The comment should say an automated fix was pushed for review and summarize the change:

%s

Keep the comment under five lines. Exit 0 after posting.`, issue, diffSummary)
}

// reviewPrompt builds the review instructions. When the feature's spec
// artifacts exist they are named so the reviewer judges conformance, not
// just code quality.
func reviewPrompt(meta *types.ReviewMeta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review PR #%d (%s) on branch %s.\n", meta.PRNumber, meta.PRURL, meta.Branch)

	if meta.SpecPath != "" {
		var artifacts []string
		for _, name := range []string{"spec.md", "plan.md", "tasks.md"} {
			p := filepath.Join(meta.SpecPath, name)
			if _, err := os.Stat(p); err == nil {
				artifacts = append(artifacts, p)
			}
		}
		if len(artifacts) > 0 {
			b.WriteString("\nJudge the change against these design artifacts:\n")
			for _, a := range artifacts {
				fmt.Fprintf(&b, "- %s\n", a)
			}
		}
	}

	b.WriteString(`
Review dimensions, in order:
1. Correctness: does the change do what the PR claims?
2. Tests: are the changed paths covered, and do existing tests still hold?
3. Security: injection, path traversal, secrets in code or logs.
4. Error handling: failures surfaced, not swallowed.
5. API/contract stability: no breaking change without a migration note.
6. Readability: naming, structure, dead code.
7. Duplication: if the change copies existing logic instead of reusing it, the verdict MUST be changes_requested.

Use the host CLI to submit the review (approve or request changes) with your findings as the review body.

Finish your output with exactly these four lines:
REVIEW_RESULT: approved|changes_requested
FINDINGS_COUNT: <number>
SEVERITY: none|low|medium|high
SUMMARY: <one line>`)
	return b.String()
}

func reworkPrompt(meta *types.ReworkMeta) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Address the review feedback on PR #%d (rework cycle %d).\n", meta.PRNumber, meta.ReworkCycle)
	if meta.ReviewFeedback != "" {
		fmt.Fprintf(&b, "\nReviewer summary:\n%s\n", meta.ReviewFeedback)
	}
	if len(meta.InlineComments) > 0 {
		b.WriteString("\nInline comments:\n")
		for _, c := range meta.InlineComments {
			fmt.Fprintf(&b, "- %s:%d [%s]: %s\n", c.Path, c.Line, c.Author, c.Body)
		}
	}
	b.WriteString(`
Rules:
- Address ONLY the issues raised above; do not refactor or improve unrelated code.
- Keep the branch history intact; do not rebase or force-push.
- Do not commit or push; the orchestrator handles both.
- Exit non-zero if the feedback cannot be addressed.`)
	return b.String()
}
