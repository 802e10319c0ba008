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

// agentUpdateColumns whitelists the mutable agent columns for UpdateAgent.
var agentUpdateColumns = map[string]bool{
	"agent_name":   true,
	"project":      true,
	"work":         true,
	"pid":          true,
	"status":       true,
	"last_seen_at": true,
	"metadata":     true,
}

// CreateAgent inserts a new session row.
func (s *Store) CreateAgent(ctx context.Context, a *types.Agent) error {
	if a.SessionID == "" {
		return fmt.Errorf("%w: session id required", storage.ErrConstraint)
	}
	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.LastSeenAt.IsZero() {
		a.LastSeenAt = now
	}
	if a.Status == "" {
		a.Status = types.AgentActive
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (session_id, agent_name, project, work, parent_id, pid, status, last_seen_at, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.SessionID, a.AgentName, a.Project, a.Work, a.ParentID, a.PID, a.Status,
		a.LastSeenAt, a.CreatedAt, marshalMeta(a.Metadata))
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", wrapErr(err))
	}
	return nil
}

// GetAgent fetches one session by id.
func (s *Store) GetAgent(ctx context.Context, sessionID string) (*types.Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, agent_name, project, work, parent_id, pid, status, last_seen_at, created_at, metadata
		FROM agents WHERE session_id = ?
	`, sessionID)
	return scanAgent(row)
}

// ListAgents returns sessions in the given statuses (all when empty),
// most recently seen first.
func (s *Store) ListAgents(ctx context.Context, statuses []string) ([]*types.Agent, error) {
	query := `
		SELECT session_id, agent_name, project, work, parent_id, pid, status, last_seen_at, created_at, metadata
		FROM agents`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, st)
		}
	}
	query += ` ORDER BY last_seen_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var agents []*types.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// UpdateAgent applies column updates to a session. Unknown columns are
// rejected; metadata values merge into the stored bag.
func (s *Store) UpdateAgent(ctx context.Context, sessionID string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var sets []string
		var args []any
		for col, val := range updates {
			if !agentUpdateColumns[col] {
				return fmt.Errorf("%w: unknown agent column %q", storage.ErrConstraint, col)
			}
			if col == "metadata" {
				patch, ok := val.(map[string]any)
				if !ok {
					return fmt.Errorf("%w: metadata update must be a map", storage.ErrConstraint)
				}
				var raw string
				err := tx.QueryRowContext(ctx, `SELECT metadata FROM agents WHERE session_id = ?`, sessionID).Scan(&raw)
				if err == sql.ErrNoRows {
					return fmt.Errorf("agent %s: %w", sessionID, storage.ErrNotFound)
				}
				if err != nil {
					return fmt.Errorf("failed to read agent metadata: %w", err)
				}
				sets = append(sets, "metadata = ?")
				args = append(args, mergeMetaPatch(raw, patch))
				continue
			}
			sets = append(sets, col+" = ?")
			args = append(args, val)
		}
		args = append(args, sessionID)

		// #nosec G201 - column names come from the whitelist above
		res, err := tx.ExecContext(ctx,
			fmt.Sprintf(`UPDATE agents SET %s WHERE session_id = ?`, strings.Join(sets, ", ")),
			args...)
		if err != nil {
			return fmt.Errorf("failed to update agent: %w", wrapErr(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("agent %s: %w", sessionID, storage.ErrNotFound)
		}
		return nil
	})
}

// CountWorkers counts agents in the given statuses, excluding the
// orchestrator agent name so the scheduler never occupies a worker slot.
func (s *Store) CountWorkers(ctx context.Context, statuses []string, excludeName string) (int, error) {
	if len(statuses) == 0 {
		statuses = []string{types.AgentActive, types.AgentIdle}
	}
	query := `SELECT COUNT(*) FROM agents WHERE status IN (` + placeholders(len(statuses)) + `)`
	var args []any
	for _, st := range statuses {
		args = append(args, st)
	}
	if excludeName != "" {
		query += ` AND agent_name != ?`
		args = append(args, excludeName)
	}
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count workers: %w", err)
	}
	return count, nil
}

// DeregisterAgent marks the session completed and releases every work item
// it still holds, atomically. Returns the released item ids.
func (s *Store) DeregisterAgent(ctx context.Context, sessionID string) ([]string, error) {
	return s.finishAgent(ctx, sessionID, types.AgentCompleted)
}

// MarkAgentStale marks the session stale and releases its items.
func (s *Store) MarkAgentStale(ctx context.Context, sessionID string) ([]string, error) {
	return s.finishAgent(ctx, sessionID, types.AgentStale)
}

func (s *Store) finishAgent(ctx context.Context, sessionID, status string) ([]string, error) {
	var released []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE agents SET status = ?, last_seen_at = ? WHERE session_id = ?`,
			status, time.Now().UTC(), sessionID)
		if err != nil {
			return fmt.Errorf("failed to update agent status: %w", wrapErr(err))
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("agent %s: %w", sessionID, storage.ErrNotFound)
		}

		rows, err := tx.QueryContext(ctx,
			`SELECT item_id FROM work_items WHERE claimed_by = ? AND status = 'claimed'`,
			sessionID)
		if err != nil {
			return fmt.Errorf("failed to find claimed items: %w", err)
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return fmt.Errorf("failed to scan item id: %w", err)
			}
			released = append(released, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return err
		}
		_ = rows.Close()

		if len(released) > 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE work_items SET status = 'available', claimed_by = NULL, updated_at = ?
				WHERE claimed_by = ? AND status = 'claimed'
			`, time.Now().UTC(), sessionID)
			if err != nil {
				return fmt.Errorf("failed to release claimed items: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

// AddHeartbeat inserts a liveness report.
func (s *Store) AddHeartbeat(ctx context.Context, hb *types.Heartbeat) error {
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO heartbeats (timestamp, session_id, progress, work_item_id)
		VALUES (?, ?, ?, ?)
	`, hb.Timestamp, hb.SessionID, hb.Progress, hb.WorkItemID)
	if err != nil {
		return fmt.Errorf("failed to add heartbeat: %w", wrapErr(err))
	}
	return nil
}

// LatestHeartbeat returns the most recent heartbeat for a session, or
// ErrNotFound when the session never reported.
func (s *Store) LatestHeartbeat(ctx context.Context, sessionID string) (*types.Heartbeat, error) {
	var hb types.Heartbeat
	err := s.db.QueryRowContext(ctx, `
		SELECT id, timestamp, session_id, progress, work_item_id
		FROM heartbeats WHERE session_id = ?
		ORDER BY timestamp DESC, id DESC LIMIT 1
	`, sessionID).Scan(&hb.ID, &hb.Timestamp, &hb.SessionID, &hb.Progress, &hb.WorkItemID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return &hb, nil
}

func scanAgent(row rowScanner) (*types.Agent, error) {
	var a types.Agent
	var meta string
	err := row.Scan(&a.SessionID, &a.AgentName, &a.Project, &a.Work, &a.ParentID,
		&a.PID, &a.Status, &a.LastSeenAt, &a.CreatedAt, &meta)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan agent: %w", err)
	}
	a.Metadata = unmarshalMeta(meta)
	return &a, nil
}

// placeholders returns n comma-joined SQL placeholders.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
