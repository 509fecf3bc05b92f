package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zen-systems/pixelgate/pkg/audit"
)

// AppendEvent inserts an audit event.
func (s *Store) AppendEvent(ctx context.Context, e *audit.Event) error {
	row := eventRow{
		ID:        e.ID,
		UserID:    e.UserID,
		RequestID: e.RequestID,
		Kind:      string(e.Kind),
		CreatedAt: e.CreatedAt,
	}
	if len(e.Detail) > 0 {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshal audit detail: %w", err)
		}
		detail := string(data)
		row.Detail = &detail
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// CountEvents counts the user's events of kind at or after since.
func (s *Store) CountEvents(ctx context.Context, userID string, kind audit.Kind, since time.Time) (int, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("user_id = ? AND kind = ? AND created_at >= ?", userID, string(kind), since).
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return int(n), nil
}

// EventsForRequest returns a request's events in append order.
func (s *Store) EventsForRequest(ctx context.Context, requestID string) ([]audit.Event, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Where("request_id = ?", requestID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return toEvents(rows)
}

// EventsForUser returns the user's most recent events, newest first.
func (s *Store) EventsForUser(ctx context.Context, userID string, limit int) ([]audit.Event, error) {
	var rows []eventRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("seq DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return toEvents(rows)
}

func toEvents(rows []eventRow) ([]audit.Event, error) {
	events := make([]audit.Event, 0, len(rows))
	for _, row := range rows {
		e := audit.Event{
			ID:        row.ID,
			UserID:    row.UserID,
			RequestID: row.RequestID,
			Kind:      audit.Kind(row.Kind),
			CreatedAt: row.CreatedAt.UTC(),
		}
		if row.Detail != nil {
			if err := json.Unmarshal([]byte(*row.Detail), &e.Detail); err != nil {
				return nil, fmt.Errorf("decode audit detail: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, nil
}
