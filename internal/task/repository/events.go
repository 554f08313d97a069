package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ajfrai/agent-queue/internal/task/models"
)

type eventRow struct {
	models.Event
	RawPayload string `db:"payload"`
}

func (r *eventRow) toEvent() *models.Event {
	e := r.Event
	e.Payload = map[string]interface{}{}
	_ = json.Unmarshal([]byte(r.RawPayload), &e.Payload)
	return &e
}

// AppendEvent inserts an event row and returns the assigned id.
func (s *Store) AppendEvent(ctx context.Context, event *models.Event) (int64, error) {
	if event.UUID == "" {
		event.UUID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (uuid, event_type, entity_type, entity_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, event.UUID, event.EventType, event.EntityType, event.EntityID,
		marshalMetadata(event.Payload), event.CreatedAt)
	if err != nil {
		return 0, err
	}
	event.ID, err = res.LastInsertId()
	return event.ID, err
}

// EventFilter narrows ListEvents results.
type EventFilter struct {
	EventType  string
	EntityType string
	EntityID   string
	Limit      int
}

// ListEvents returns events newest first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]*models.Event, error) {
	query := `SELECT id, uuid, event_type, entity_type, entity_id, payload, created_at
		FROM events WHERE 1=1`
	args := []interface{}{}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if filter.EntityType != "" {
		query += ` AND entity_type = ?`
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		query += ` AND entity_id = ?`
		args = append(args, filter.EntityID)
	}
	query += ` ORDER BY id DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	var rows []eventRow
	if err := s.ro.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	events := make([]*models.Event, 0, len(rows))
	for i := range rows {
		events = append(events, rows[i].toEvent())
	}
	return events, nil
}
