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

// CreateWorkItem inserts a new item in status available.
func (s *Store) CreateWorkItem(ctx context.Context, item *types.WorkItem) error {
	if item.ID == "" {
		return fmt.Errorf("%w: item id required", storage.ErrConstraint)
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.Status == "" {
		item.Status = types.ItemAvailable
	}
	if item.Priority == "" {
		item.Priority = types.PriorityP2
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO work_items (item_id, project_id, title, description, priority, status, source, source_ref, claimed_by, created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, item.ID, item.ProjectID, item.Title, item.Description, item.Priority, item.Status,
		item.Source, item.SourceRef, nullStr(item.ClaimedBy), item.CreatedAt, item.UpdatedAt,
		marshalMeta(item.Metadata))
	if err != nil {
		return fmt.Errorf("failed to create work item: %w", wrapErr(err))
	}
	return nil
}

// GetWorkItem fetches one item by id.
func (s *Store) GetWorkItem(ctx context.Context, id string) (*types.WorkItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT item_id, project_id, title, description, priority, status, source, source_ref, claimed_by, created_at, updated_at, metadata
		FROM work_items WHERE item_id = ?
	`, id)
	return scanItem(row)
}

// ListWorkItems returns items matching the filter, ordered by
// (priority, created_at, item_id) so P1 always dispatches first and ties
// break deterministically.
func (s *Store) ListWorkItems(ctx context.Context, filter storage.ItemFilter) ([]*types.WorkItem, error) {
	var conds []string
	var args []any

	if !filter.All {
		if filter.Status != "" {
			conds = append(conds, "status = ?")
			args = append(args, filter.Status)
		} else {
			// Default view hides terminal items.
			conds = append(conds, "status IN ('available', 'claimed')")
		}
	} else if filter.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, filter.Status)
	}

	if filter.Priority != "" {
		prios := strings.Split(filter.Priority, ",")
		for i := range prios {
			prios[i] = strings.TrimSpace(prios[i])
		}
		conds = append(conds, "priority IN ("+placeholders(len(prios))+")")
		for _, p := range prios {
			args = append(args, p)
		}
	}
	if filter.Project != "" {
		conds = append(conds, "project_id = ?")
		args = append(args, filter.Project)
	}
	if filter.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, filter.Source)
	}

	query := `
		SELECT item_id, project_id, title, description, priority, status, source, source_ref, claimed_by, created_at, updated_at, metadata
		FROM work_items`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += ` ORDER BY priority, created_at, item_id`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*types.WorkItem
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// ClaimWorkItem performs the atomic compare-and-set from available to
// claimed. Returns false without error when another session won the race
// or the item is not available.
func (s *Store) ClaimWorkItem(ctx context.Context, id, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE work_items
		SET status = 'claimed', claimed_by = ?, updated_at = ?
		WHERE item_id = ? AND status = 'available'
	`, sessionID, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to claim work item: %w", wrapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n == 1, nil
}

// CompleteWorkItem transitions claimed → completed. Only the claimant may
// complete.
func (s *Store) CompleteWorkItem(ctx context.Context, id, sessionID string) error {
	return s.transitionItem(ctx, id, sessionID, types.ItemCompleted, true)
}

// ReleaseWorkItem transitions claimed → available and clears the claimant.
func (s *Store) ReleaseWorkItem(ctx context.Context, id, sessionID string) error {
	return s.transitionItem(ctx, id, sessionID, types.ItemAvailable, true)
}

// FailWorkItem transitions the item to failed. Claimed items require the
// claimant; available items may be failed by any producer.
func (s *Store) FailWorkItem(ctx context.Context, id, sessionID string) error {
	return s.transitionItem(ctx, id, sessionID, types.ItemFailed, false)
}

func (s *Store) transitionItem(ctx context.Context, id, sessionID, to string, requireClaimant bool) error {
	now := time.Now().UTC()
	var query string
	var args []any
	switch {
	case to == types.ItemAvailable:
		query = `UPDATE work_items SET status = 'available', claimed_by = NULL, updated_at = ?
			WHERE item_id = ? AND status = 'claimed' AND claimed_by = ?`
		args = []any{now, id, sessionID}
	case requireClaimant:
		query = `UPDATE work_items SET status = ?, updated_at = ?
			WHERE item_id = ? AND status = 'claimed' AND claimed_by = ?`
		args = []any{to, now, id, sessionID}
	default:
		// failed: allowed from available (any caller) or claimed (claimant).
		query = `UPDATE work_items SET status = ?, updated_at = ?
			WHERE item_id = ? AND (status = 'available' OR (status = 'claimed' AND claimed_by = ?))`
		args = []any{to, now, id, sessionID}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to transition work item: %w", wrapErr(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("work item %s not in a transitionable state for session %s: %w",
			id, sessionID, storage.ErrNotFound)
	}
	return nil
}

// UpdateWorkItemMetadata merges a JSON patch into the item metadata bag.
func (s *Store) UpdateWorkItemMetadata(ctx context.Context, id string, patch map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM work_items WHERE item_id = ?`, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("work item %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read item metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE work_items SET metadata = ?, updated_at = ? WHERE item_id = ?`,
			mergeMetaPatch(raw, patch), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update item metadata: %w", err)
		}
		return nil
	})
}

func scanItem(row rowScanner) (*types.WorkItem, error) {
	var item types.WorkItem
	var claimedBy sql.NullString
	var meta string
	err := row.Scan(&item.ID, &item.ProjectID, &item.Title, &item.Description,
		&item.Priority, &item.Status, &item.Source, &item.SourceRef,
		&claimedBy, &item.CreatedAt, &item.UpdatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan work item: %w", err)
	}
	item.ClaimedBy = strOrEmpty(claimedBy)
	item.Metadata = unmarshalMeta(meta)
	return &item, nil
}
