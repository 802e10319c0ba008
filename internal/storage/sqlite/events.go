package sqlite

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/paiworks/ivy/internal/storage"
	"github.com/paiworks/ivy/internal/types"
)

const eventColumns = `id, timestamp, event_type, actor_id, target_id, target_type, summary, metadata`

// AppendEvent writes one immutable log row. The timestamp is assigned by
// the store (UTC) unless the caller backdated it explicitly.
func (s *Store) AppendEvent(ctx context.Context, e *types.Event) error {
	if e.EventType == "" {
		return fmt.Errorf("%w: event type required", storage.ErrConstraint)
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Metadata == "" {
		e.Metadata = "{}"
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (timestamp, event_type, actor_id, target_id, target_type, summary, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.Timestamp, e.EventType, e.ActorID, e.TargetID, e.TargetType, e.Summary, e.Metadata)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", wrapErr(err))
	}
	if id, err := res.LastInsertId(); err == nil {
		e.ID = id
	}
	return nil
}

// RecentEvents returns the newest events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryEvents(ctx, `
		SELECT `+eventColumns+` FROM events
		ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
}

// EventsSince returns events at or after the cutoff, oldest first.
func (s *Store) EventsSince(ctx context.Context, since time.Time, limit int) ([]*types.Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE timestamp >= ? ORDER BY timestamp, id`
	args := []any{since}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// EventsByType returns events of one type, newest first.
func (s *Store) EventsByType(ctx context.Context, eventType string, f storage.EventFilter) ([]*types.Event, error) {
	conds := []string{"event_type = ?"}
	args := []any{eventType}
	return s.filteredEvents(ctx, conds, args, f)
}

// EventsByActor returns events recorded by one session, newest first.
func (s *Store) EventsByActor(ctx context.Context, actorID string, f storage.EventFilter) ([]*types.Event, error) {
	conds := []string{"actor_id = ?"}
	args := []any{actorID}
	return s.filteredEvents(ctx, conds, args, f)
}

func (s *Store) filteredEvents(ctx context.Context, conds []string, args []any, f storage.EventFilter) ([]*types.Event, error) {
	if !f.Since.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	query := `SELECT ` + eventColumns + ` FROM events WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY timestamp DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryEvents(ctx, query, args...)
}

// SearchEvents runs a ranked full-text query over summary and metadata.
// Results come back best-rank first (fts5 rank ascending).
func (s *Store) SearchEvents(ctx context.Context, query string, f storage.EventFilter) ([]*types.Event, error) {
	conds := []string{"events_fts MATCH ?"}
	args := []any{ftsQuery(query)}
	if !f.Since.IsZero() {
		conds = append(conds, "e.timestamp >= ?")
		args = append(args, f.Since)
	}
	sqlQuery := `
		SELECT e.id, e.timestamp, e.event_type, e.actor_id, e.target_id, e.target_type, e.summary, e.metadata, events_fts.rank
		FROM events_fts
		JOIN events e ON e.id = events_fts.rowid
		WHERE ` + strings.Join(conds, " AND ") + `
		ORDER BY events_fts.rank`
	if f.Limit > 0 {
		sqlQuery += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var e types.Event
		err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.ActorID,
			&e.TargetID, &e.TargetType, &e.Summary, &e.Metadata, &e.Rank)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// ftsQuery quotes each token so user text with fts5 operators ("AND",
// quotes, parens) cannot break the query syntax.
func ftsQuery(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return `""`
	}
	for i, tok := range fields {
		fields[i] = `"` + strings.ReplaceAll(tok, `"`, `""`) + `"`
	}
	return strings.Join(fields, " ")
}

// RebuildSearchIndex repopulates the shadow FTS table from the events
// content table. Used after bulk imports or legacy-store migration.
func (s *Store) RebuildSearchIndex(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `INSERT INTO events_fts(events_fts) VALUES ('rebuild')`); err != nil {
		return fmt.Errorf("failed to rebuild search index: %w", err)
	}
	return nil
}

// PruneEventsBefore deletes events older than the cutoff. The delete
// trigger keeps the FTS index in sync.
func (s *Store) PruneEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*types.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []*types.Event
	for rows.Next() {
		var e types.Event
		err := rows.Scan(&e.ID, &e.Timestamp, &e.EventType, &e.ActorID,
			&e.TargetID, &e.TargetType, &e.Summary, &e.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}
