package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

const featureColumns = `feature_id, project_id, title, description, phase, status,
	current_session, worktree_path, branch_name, main_branch, failure_count, max_failures,
	last_error, phase_started_at, specify_score, plan_score, implement_score,
	pr_number, pr_url, commit_sha, source_issue_ref, created_at, updated_at`

// featureUpdateColumns whitelists mutable feature columns for UpdateFeature.
var featureUpdateColumns = map[string]bool{
	"title":            true,
	"description":      true,
	"phase":            true,
	"status":           true,
	"current_session":  true,
	"worktree_path":    true,
	"branch_name":      true,
	"main_branch":      true,
	"failure_count":    true,
	"max_failures":     true,
	"last_error":       true,
	"phase_started_at": true,
	"specify_score":    true,
	"plan_score":       true,
	"implement_score":  true,
	"pr_number":        true,
	"pr_url":           true,
	"commit_sha":       true,
	"source_issue_ref": true,
}

// CreateFeature inserts a feature. External producers create features in
// (queued, pending); everything after that belongs to the orchestrator.
func (s *Store) CreateFeature(ctx context.Context, f *types.Feature) error {
	if f.ID == "" {
		return fmt.Errorf("%w: feature id required", storage.ErrConstraint)
	}
	now := time.Now().UTC()
	if f.CreatedAt.IsZero() {
		f.CreatedAt = now
	}
	f.UpdatedAt = now
	if f.Phase == "" {
		f.Phase = types.PhaseQueued
	}
	if f.Status == "" {
		f.Status = types.FeaturePending
	}
	if f.MaxFailures == 0 {
		f.MaxFailures = 3
	}
	if f.MainBranch == "" {
		f.MainBranch = "main"
	}
	var phaseStarted any
	if f.PhaseStartedAt != nil {
		phaseStarted = *f.PhaseStartedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO specflow_features (feature_id, project_id, title, description, phase, status,
			current_session, worktree_path, branch_name, main_branch, failure_count, max_failures,
			last_error, phase_started_at, specify_score, plan_score, implement_score,
			pr_number, pr_url, commit_sha, source_issue_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ProjectID, f.Title, f.Description, f.Phase, f.Status,
		f.CurrentSession, f.WorktreePath, f.BranchName, f.MainBranch, f.FailureCount, f.MaxFailures,
		f.LastError, phaseStarted, f.SpecifyScore, f.PlanScore, f.ImplementScore,
		f.PRNumber, f.PRURL, f.CommitSHA, f.SourceIssueRef, f.CreatedAt, f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create feature: %w", wrapErr(err))
	}
	return nil
}

// GetFeature fetches one feature by id.
func (s *Store) GetFeature(ctx context.Context, id string) (*types.Feature, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+featureColumns+` FROM specflow_features WHERE feature_id = ?`, id)
	return scanFeature(row)
}

// ListFeatures returns features matching the filter, oldest first so the
// tick drains long-waiting features before fresh ones.
func (s *Store) ListFeatures(ctx context.Context, filter storage.FeatureFilter) ([]*types.Feature, error) {
	var conds []string
	var args []any
	if filter.Project != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.Project)
	}
	if filter.Phase != "" {
		conds = append(conds, "phase = ?")
		args = append(args, filter.Phase)
	}
	if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.Workable {
		conds = append(conds, "phase NOT IN ('completed', 'failed')")
	}

	query := `SELECT ` + featureColumns + ` FROM specflow_features`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at, feature_id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list features: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var features []*types.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, rows.Err()
}

// UpdateFeature applies column updates to a feature. Unknown columns are
// rejected. A nil phase_started_at clears the column.
func (s *Store) UpdateFeature(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	var sets []string
	var args []any
	for col, val := range updates {
		if !featureUpdateColumns[col] {
			return fmt.Errorf("%w: unknown feature column %q", storage.ErrConstraint, col)
		}
		sets = append(sets, col+" = ?")
		if t, ok := val.(*time.Time); ok {
			if t == nil {
				args = append(args, nil)
			} else {
				args = append(args, *t)
			}
			continue
		}
		args = append(args, val)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	// #nosec G201 - column names come from the whitelist above
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE specflow_features SET %s WHERE feature_id = ?`, strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return fmt.Errorf("failed to update feature: %w", wrapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("feature %s: %w", id, storage.ErrNotFound)
	}
	return nil
}

// ReleaseOrphanedFeatures resets every active feature to pending. Called at
// service start: any feature still active belongs to a dead process.
// Idempotent by construction; a second call matches zero rows.
func (s *Store) ReleaseOrphanedFeatures(ctx context.Context, note string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE specflow_features
		SET status = 'pending', current_session = '', last_error = ?, updated_at = ?
		WHERE status = 'active'
	`, note, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to release orphaned features: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}

// Stats returns aggregate counts for status output.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	var st storage.Stats
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM projects`).Scan(&st.Projects)
	if err != nil {
		return nil, fmt.Errorf("failed to count projects: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM agents WHERE status IN ('active', 'idle')`).Scan(&st.ActiveAgents)
	if err != nil {
		return nil, fmt.Errorf("failed to count agents: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'available' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'claimed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0)
		FROM work_items
	`).Scan(&st.AvailableItems, &st.ClaimedItems, &st.CompletedItems, &st.FailedItems)
	if err != nil {
		return nil, fmt.Errorf("failed to count work items: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&st.Events)
	if err != nil {
		return nil, fmt.Errorf("failed to count events: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN status = 'active' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'pending' AND phase NOT IN ('completed', 'failed') THEN 1 ELSE 0 END), 0)
		FROM specflow_features
	`).Scan(&st.ActiveFeatures, &st.PendingFeatures)
	if err != nil {
		return nil, fmt.Errorf("failed to count features: %w", err)
	}
	return &st, nil
}

func scanFeature(row rowScanner) (*types.Feature, error) {
	var f types.Feature
	var phaseStarted sql.NullTime
	err := row.Scan(&f.ID, &f.ProjectID, &f.Title, &f.Description, &f.Phase, &f.Status,
		&f.CurrentSession, &f.WorktreePath, &f.BranchName, &f.MainBranch, &f.FailureCount, &f.MaxFailures,
		&f.LastError, &phaseStarted, &f.SpecifyScore, &f.PlanScore, &f.ImplementScore,
		&f.PRNumber, &f.PRURL, &f.CommitSHA, &f.SourceIssueRef, &f.CreatedAt, &f.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan feature: %w", err)
	}
	f.PhaseStartedAt = timeOrNil(phaseStarted)
	return &f, nil
}
