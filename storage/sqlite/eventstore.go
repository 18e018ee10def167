package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	eh "github.com/looplab/eventhorizon"

	"github.com/gridaccess/permission-service/domain"
)

// EventStore is an eventhorizon event store on a SQLite events table. Event
// payloads are serialized as JSON and rebuilt through the registered event
// data factories on load.
type EventStore struct {
	conn *sql.DB
}

func NewEventStore(conn *sql.DB) *EventStore {
	return &EventStore{conn: conn}
}

func (s *EventStore) Save(ctx context.Context, events []eh.Event, originalVersion int) error {
	if len(events) == 0 {
		return fmt.Errorf("no events to save")
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current sql.NullInt64
	row := tx.QueryRowContext(ctx,
		`SELECT MAX(version) FROM events WHERE aggregate_id = ?`, events[0].AggregateID().String())
	if err := row.Scan(&current); err != nil {
		return err
	}
	if int(current.Int64) != originalVersion {
		return fmt.Errorf("optimistic concurrency: aggregate %s is at version %d, not %d",
			events[0].AggregateID(), current.Int64, originalVersion)
	}

	for _, event := range events {
		var data []byte
		if event.Data() != nil {
			data, err = json.Marshal(event.Data())
			if err != nil {
				return fmt.Errorf("marshal event %s: %w", event.EventType(), err)
			}
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (aggregate_id, version, event_type, occurred_at, data) VALUES (?, ?, ?, ?, ?)`,
			event.AggregateID().String(), event.Version(), string(event.EventType()),
			event.Timestamp().UTC().Format(time.RFC3339Nano), data)
		if err != nil {
			return fmt.Errorf("append event %s: %w", event.EventType(), err)
		}
	}
	return tx.Commit()
}

func (s *EventStore) Load(ctx context.Context, id uuid.UUID) ([]eh.Event, error) {
	rows, err := s.conn.QueryContext(ctx,
		`SELECT version, event_type, occurred_at, data FROM events WHERE aggregate_id = ? ORDER BY version`,
		id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []eh.Event
	for rows.Next() {
		var (
			version   int
			eventType string
			occurred  string
			raw       []byte
		)
		if err := rows.Scan(&version, &eventType, &occurred, &raw); err != nil {
			return nil, err
		}
		timestamp, err := time.Parse(time.RFC3339Nano, occurred)
		if err != nil {
			return nil, fmt.Errorf("event %s version %d has unparsable timestamp: %w", eventType, version, err)
		}
		var data eh.EventData
		if len(raw) > 0 {
			data, err = eh.CreateEventData(eh.EventType(eventType))
			if err != nil {
				return nil, fmt.Errorf("event type %s has no registered data factory: %w", eventType, err)
			}
			if err := json.Unmarshal(raw, data); err != nil {
				return nil, fmt.Errorf("unmarshal event %s: %w", eventType, err)
			}
		}
		events = append(events, eh.NewEventForAggregate(eh.EventType(eventType), data, timestamp,
			domain.PermissionRequestAggregateType, id, version))
	}
	return events, rows.Err()
}
