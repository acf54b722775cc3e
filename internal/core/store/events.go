package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/namelens/headroom/internal/core"
)

// EventQuery selects journal rows.
type EventQuery struct {
	All    bool
	Kind   string
	Worker string
	Since  time.Time
	Before time.Time
	Limit  int
}

// Validate rejects queries that would silently match everything.
func (q EventQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.Kind) != "" || strings.TrimSpace(q.Worker) != "" {
		return nil
	}
	if !q.Since.IsZero() || !q.Before.IsZero() {
		return nil
	}
	return errors.New("must specify --all, --kind, --worker, --since or --before")
}

func (q EventQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}

	var (
		clauses []string
		args    []any
	)
	if kind := strings.TrimSpace(q.Kind); kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, kind)
	}
	if worker := strings.TrimSpace(q.Worker); worker != "" {
		clauses = append(clauses, "worker = ?")
		args = append(args, worker)
	}
	if !q.Since.IsZero() {
		clauses = append(clauses, "occurred_at >= ?")
		args = append(args, q.Since.UTC().UnixMilli())
	}
	if !q.Before.IsZero() {
		clauses = append(clauses, "occurred_at < ?")
		args = append(args, q.Before.UTC().UnixMilli())
	}
	if len(clauses) == 0 {
		return "", nil, nil
	}
	return "WHERE " + strings.Join(clauses, " AND "), args, nil
}

// RecordEvent appends a governor event to the journal.
func (s *Store) RecordEvent(ctx context.Context, event core.Event) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(string(event.Kind)) == "" {
		return errors.New("event kind is required")
	}

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	var dims sql.NullString
	if len(event.Dimensions) > 0 {
		data, err := json.Marshal(event.Dimensions)
		if err != nil {
			return fmt.Errorf("encode dimensions: %w", err)
		}
		dims = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO governor_events (id, kind, worker, dimension, wait_ms, message, dimensions, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, event.ID, string(event.Kind), nullString(event.Worker), nullString(event.Dimension),
		event.Wait.Milliseconds(), nullString(event.Message), dims, event.At.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("store governor event: %w", err)
	}
	return nil
}

// ListEvents returns journal rows, newest first.
func (s *Store) ListEvents(ctx context.Context, q EventQuery) ([]core.Event, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	limit := ""
	if q.Limit > 0 {
		limit = "LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, kind, worker, dimension, wait_ms, message, dimensions, occurred_at
		FROM governor_events
		%s
		ORDER BY occurred_at DESC, id
		%s
	`, where, limit), args...)
	if err != nil {
		return nil, fmt.Errorf("list governor events: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	events := []core.Event{}
	for rows.Next() {
		var (
			id         string
			kind       string
			worker     sql.NullString
			dimension  sql.NullString
			waitMs     int64
			message    sql.NullString
			dimensions sql.NullString
			occurredAt int64
		)
		if err := rows.Scan(&id, &kind, &worker, &dimension, &waitMs, &message, &dimensions, &occurredAt); err != nil {
			return nil, fmt.Errorf("scan governor events: %w", err)
		}

		event := core.Event{
			ID:        id,
			Kind:      core.EventKind(kind),
			Worker:    worker.String,
			Dimension: dimension.String,
			Wait:      time.Duration(waitMs) * time.Millisecond,
			Message:   message.String,
			At:        time.UnixMilli(occurredAt).UTC(),
		}
		if dimensions.Valid && dimensions.String != "" {
			if err := json.Unmarshal([]byte(dimensions.String), &event.Dimensions); err != nil {
				return nil, fmt.Errorf("decode dimensions for %s: %w", id, err)
			}
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list governor events: %w", err)
	}

	return events, nil
}

// CountEvents returns the number of rows matching q.
func (s *Store) CountEvents(ctx context.Context, q EventQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM governor_events
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count governor events: %w", err)
	}
	return count, nil
}

// PurgeEvents deletes rows matching q and returns how many were removed.
func (s *Store) PurgeEvents(ctx context.Context, q EventQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	result, err := s.DB.ExecContext(ctx, fmt.Sprintf(`
		DELETE FROM governor_events
		%s
	`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("purge governor events: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge governor events: %w", err)
	}
	return affected, nil
}

func nullString(value string) sql.NullString {
	value = strings.TrimSpace(value)
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}
