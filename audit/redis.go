// Package audit ships every committed permission event to a Redis stream so
// external consumers (billing, compliance) get a tamper-evident trail without
// reading the event store.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	eh "github.com/looplab/eventhorizon"
	"github.com/redis/go-redis/v9"
)

const DefaultStream = "permission-events"

// StreamWriter is an event handler that XADDs events to a stream.
type StreamWriter struct {
	client *redis.Client
	stream string
}

func NewStreamWriter(addr, password, stream string) (*StreamWriter, error) {
	if stream == "" {
		stream = DefaultStream
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return &StreamWriter{client: client, stream: stream}, nil
}

func (w *StreamWriter) HandlerType() eh.EventHandlerType {
	return "redis-audit-stream"
}

func (w *StreamWriter) HandleEvent(ctx context.Context, event eh.Event) error {
	values := map[string]interface{}{
		"eventType":    string(event.EventType()),
		"permissionId": event.AggregateID().String(),
		"version":      event.Version(),
		"occurredAt":   event.Timestamp().UTC().Format(time.RFC3339Nano),
	}
	if event.Data() != nil {
		data, err := json.Marshal(event.Data())
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", event.EventType(), err)
		}
		values["data"] = string(data)
	}
	if err := w.client.XAdd(ctx, &redis.XAddArgs{Stream: w.stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("XADD to stream %s: %w", w.stream, err)
	}
	return nil
}

func (w *StreamWriter) Close() error {
	return w.client.Close()
}
