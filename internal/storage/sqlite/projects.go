package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

// RegisterProject inserts a project. Registering an existing id updates its
// display name, paths and metadata in place (re-registration is how
// projects change their local path).
func (s *Store) RegisterProject(ctx context.Context, p *types.Project) error {
	if p.ID == "" {
		return fmt.Errorf("%w: project id required", storage.ErrConstraint)
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (project_id, display_name, local_path, remote_repo, metadata, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project_id) DO UPDATE SET
			display_name = excluded.display_name,
			local_path = excluded.local_path,
			remote_repo = excluded.remote_repo,
			metadata = excluded.metadata
	`, p.ID, p.DisplayName, p.LocalPath, p.RemoteRepo, marshalMeta(p.Metadata), p.RegisteredAt)
	if err != nil {
		return fmt.Errorf("failed to register project: %w", wrapErr(err))
	}
	return nil
}

// GetProject fetches one project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, display_name, local_path, remote_repo, metadata, registered_at
		FROM projects WHERE project_id = ?
	`, id)
	return scanProject(row)
}

// ListProjects returns all projects ordered by id.
func (s *Store) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, display_name, local_path, remote_repo, metadata, registered_at
		FROM projects ORDER BY project_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// UpdateProjectMetadata merges a JSON patch into the project metadata bag.
func (s *Store) UpdateProjectMetadata(ctx context.Context, id string, patch map[string]any) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw string
		err := tx.QueryRowContext(ctx, `SELECT metadata FROM projects WHERE project_id = ?`, id).Scan(&raw)
		if err == sql.ErrNoRows {
			return fmt.Errorf("project %s: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to read project metadata: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE projects SET metadata = ? WHERE project_id = ?`,
			mergeMetaPatch(raw, patch), id)
		if err != nil {
			return fmt.Errorf("failed to update project metadata: %w", err)
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var p types.Project
	var meta string
	err := row.Scan(&p.ID, &p.DisplayName, &p.LocalPath, &p.RemoteRepo, &meta, &p.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan project: %w", err)
	}
	p.Metadata = unmarshalMeta(meta)
	return &p, nil
}
