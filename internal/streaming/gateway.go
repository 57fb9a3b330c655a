package streaming

import (
	"context"
	"log/slog"
	"sync"

	"github.com/bidworks/bidflow/internal/store"
)

// Gateway bridges the durable event log and the live hub. A subscriber gives
// the offset of the last event it has seen; the gateway replays everything
// after that offset from the log, then hands over to the live feed. Events are
// deduplicated by offset, so every subscriber observes the identical order the
// log recorded regardless of when it attached.
type Gateway struct {
	events EventSource
	hub    EventHub
	logger *slog.Logger
}

// EventSource reads committed events from the durable log.
type EventSource interface {
	Events(ctx context.Context, executionID string, since int64) ([]*store.Event, error)
}

func NewGateway(events EventSource, hub EventHub, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{events: events, hub: hub, logger: logger}
}

// Subscribe attaches a viewer to an execution's event stream starting after
// lastSeenOffset (0 means from the beginning). The returned channel closes
// when the context is done or the cancel function is called.
func (g *Gateway) Subscribe(ctx context.Context, executionID string, lastSeenOffset int64) (<-chan StreamEvent, func(), error) {
	// Subscribe to the live feed before reading history so no committed
	// event can fall between the historical read and the live window.
	live, cancelLive, err := g.hub.Subscribe(ctx, executionID)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan StreamEvent, defaultChannelBuffer)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelLive()
			close(done)
		})
	}

	go func() {
		defer close(out)

		delivered := lastSeenOffset
		emit := func(ev StreamEvent) bool {
			if ev.Offset <= delivered {
				return true
			}
			select {
			case out <- ev:
				delivered = ev.Offset
				return true
			case <-ctx.Done():
				return false
			case <-done:
				return false
			}
		}

		// Catch up from the log before serving live events.
		if !g.catchUp(ctx, executionID, delivered, emit) {
			return
		}

		for {
			select {
			case ev, ok := <-live:
				if !ok {
					return
				}
				// A gap means the hub dropped events for us; refill
				// from the log before delivering the live event.
				if ev.Offset > delivered+1 {
					if !g.catchUp(ctx, executionID, delivered, emit) {
						return
					}
				}
				if !emit(ev) {
					return
				}
			case <-ctx.Done():
				return
			case <-done:
				return
			}
		}
	}()

	return out, cancel, nil
}

// catchUp replays committed events after the delivered offset through emit.
// Returns false if the subscriber went away.
func (g *Gateway) catchUp(ctx context.Context, executionID string, after int64, emit func(StreamEvent) bool) bool {
	history, err := g.events.Events(ctx, executionID, after)
	if err != nil {
		g.logger.ErrorContext(ctx, "event catch-up failed",
			slog.String("execution_id", executionID), slog.Any("error", err))
		return false
	}
	for _, e := range history {
		if !emit(StreamEvent{
			ExecutionID: e.ExecutionID,
			Offset:      e.Offset,
			EventType:   e.Type,
			Payload:     e.Payload,
			Timestamp:   e.Timestamp,
		}) {
			return false
		}
	}
	return true
}
