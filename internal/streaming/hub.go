package streaming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bidworks/bidflow/pkg/schema"
)

// StreamEvent is a real-time copy of a committed log event. Offset is the
// event's position in the execution's log, so subscribers can resume.
type StreamEvent struct {
	ExecutionID string           `json:"execution_id"`
	Offset      int64            `json:"offset"`
	EventType   schema.EventType `json:"event_type"`
	Payload     json.RawMessage  `json:"payload,omitempty"`
	Timestamp   time.Time        `json:"timestamp"`
}

// EventHub is the live half of the event stream: events fan out to the
// subscribers of their execution after the transition has durably committed.
// Delivery is best-effort; the durable log is the source of truth and the
// gateway repairs any loss from it using offsets.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, executionID string) (<-chan StreamEvent, func(), error)
}
