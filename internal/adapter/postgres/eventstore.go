package postgres

import (
	"context"
	"fmt"

	"github.com/ilyafedotov-ops/dev-pipeline-sub001/internal/domain/event"
)

const eventColumns = "id, protocol_run_id, step_run_id, event_type, message, metadata, created_at"

func scanEvent(row scannable) (event.Event, error) {
	var (
		e        event.Event
		metadata []byte
	)
	err := row.Scan(&e.ID, &e.ProtocolRunID, &e.StepRunID, &e.EventType,
		&e.Message, &metadata, &e.CreatedAt)
	if err != nil {
		return event.Event{}, err
	}
	if err := unmarshalInto(metadata, &e.Metadata); err != nil {
		return event.Event{}, err
	}
	return e, nil
}

// AppendEvent journals one entry. The journal is append-only; rows are never
// updated or deleted.
func (s *Store) AppendEvent(ctx context.Context, e *event.Event) (*event.Event, error) {
	metadataJSON, err := marshalJSON(e.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal event metadata: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO events (protocol_run_id, step_run_id, event_type, message, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+eventColumns,
		e.ProtocolRunID, e.StepRunID, e.EventType, e.Message, metadataJSON)

	saved, err := scanEvent(row)
	if err != nil {
		return nil, fmt.Errorf("append event %s: %w", e.EventType, err)
	}
	return &saved, nil
}

// ListEvents returns the journal for a protocol run in append order.
func (s *Store) ListEvents(ctx context.Context, protocolRunID int64) ([]event.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+eventColumns+` FROM events WHERE protocol_run_id = $1 ORDER BY id`, protocolRunID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
