package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zen-systems/pixelgate/pkg/audit"
)

// AppendEvent inserts an audit event.
func (d *DB) AppendEvent(ctx context.Context, e *audit.Event) error {
	detail, err := marshalDetail(e.Detail)
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, user_id, request_id, kind, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.UserID, e.RequestID, string(e.Kind), detail, formatTime(e.CreatedAt)); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// CountEvents counts the user's events of kind at or after since.
func (d *DB) CountEvents(ctx context.Context, userID string, kind audit.Kind, since time.Time) (int, error) {
	var n int
	err := d.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM audit_events
		WHERE user_id = ? AND kind = ? AND created_at >= ?
	`, userID, string(kind), formatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

// EventsForRequest returns a request's events in append order.
func (d *DB) EventsForRequest(ctx context.Context, requestID string) ([]audit.Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, request_id, kind, detail, created_at
		FROM audit_events WHERE request_id = ? ORDER BY seq ASC
	`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return scanEvents(rows)
}

// EventsForUser returns the user's most recent events, newest first.
func (d *DB) EventsForUser(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, user_id, request_id, kind, detail, created_at
		FROM audit_events WHERE user_id = ? ORDER BY seq DESC LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]audit.Event, error) {
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var (
			e         audit.Event
			kind      string
			detail    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.UserID, &e.RequestID, &kind, &detail, &createdAt); err != nil {
			return nil, err
		}
		e.Kind = audit.Kind(kind)
		e.CreatedAt = parseTime(createdAt)
		if detail.Valid && detail.String != "" {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func marshalDetail(detail map[string]any) (sql.NullString, error) {
	if len(detail) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(detail)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encode audit detail: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
