package streaming

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

const defaultChannelBuffer = 64

// feed is one attached consumer of an execution's event stream.
type feed struct {
	ch      chan StreamEvent
	dropped atomic.Int64
}

// MemoryHub fans committed events out to per-execution subscriber sets. It
// carries no history: a subscriber that falls behind loses events and the
// gateway refills the gap from the log, keyed by the offsets it delivered.
type MemoryHub struct {
	mu     sync.RWMutex
	nextID uint64
	feeds  map[string]map[uint64]*feed // execution ID -> attached feeds
}

// NewMemoryHub creates an empty hub.
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{feeds: make(map[string]map[uint64]*feed)}
}

// Publish delivers the event to every feed of its execution. It never blocks:
// a full feed drops the event and counts the loss.
func (h *MemoryHub) Publish(ctx context.Context, event StreamEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, f := range h.feeds[event.ExecutionID] {
		select {
		case f.ch <- event:
		default:
			f.dropped.Add(1)
		}
	}
	return nil
}

// Subscribe attaches a feed to one execution's live stream. The cancel
// function detaches it; the channel is never closed by the hub.
func (h *MemoryHub) Subscribe(ctx context.Context, executionID string) (<-chan StreamEvent, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	if executionID == "" {
		return nil, nil, errors.New("streaming: subscribe requires an execution id")
	}

	f := &feed{ch: make(chan StreamEvent, defaultChannelBuffer)}

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	set := h.feeds[executionID]
	if set == nil {
		set = make(map[uint64]*feed)
		h.feeds[executionID] = set
	}
	set[id] = f
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.feeds[executionID]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.feeds, executionID)
			}
		}
		h.mu.Unlock()
	}

	return f.ch, cancel, nil
}

// Subscribers reports how many feeds are attached to the execution.
func (h *MemoryHub) Subscribers(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.feeds[executionID])
}

// Dropped reports how many events the execution's feeds have lost to
// backpressure since they attached.
func (h *MemoryHub) Dropped(executionID string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var n int64
	for _, f := range h.feeds[executionID] {
		n += f.dropped.Load()
	}
	return n
}
