// queue.go is the bounded event buffer between the WebSocket read loop
// and the handler dispatch loop.
//
// When the buffer is full the oldest orderbook deltas are discarded
// first, then other non-trade events. Trade events are never dropped:
// they are the input to whale detection, and losing one silently would
// corrupt downstream stats.
package stream

import (
	"context"
	"sync"

	"polycopy/pkg/types"
)

type eventKind int

const (
	kindTrade eventKind = iota
	kindPriceChange
	kindBookDelta
	kindHeartbeat
)

type queuedEvent struct {
	kind      eventKind
	trade     types.MarketTrade
	price     types.PriceChange
	book      types.OrderbookDelta
	heartbeat types.Heartbeat
}

// eventQueue is an ordered, bounded, droppable buffer. capacity is
// re-evaluated on every push so the bound tracks the subscription set.
type eventQueue struct {
	mu       sync.Mutex
	items    []queuedEvent
	closed   bool
	capacity func() int
	onDrop   func(dropped int)
	notify   chan struct{}
}

func newEventQueue(capacity func() int, onDrop func(int)) *eventQueue {
	return &eventQueue{
		capacity: capacity,
		onDrop:   onDrop,
		notify:   make(chan struct{}, 1),
	}
}

// push appends an event, evicting stale droppable events if the buffer
// is at capacity. Trades always enter the queue.
func (q *eventQueue) push(evt queuedEvent) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}

	dropped := 0
	if max := q.capacity(); len(q.items) >= max {
		for len(q.items) >= max {
			if !q.evictOneLocked() {
				break
			}
			dropped++
		}
		if dropped == 0 && evt.kind != kindTrade {
			// Nothing evictable in the queue and the newcomer is
			// itself droppable.
			q.mu.Unlock()
			q.onDrop(1)
			return
		}
	}

	q.items = append(q.items, evt)
	q.mu.Unlock()

	if dropped > 0 {
		q.onDrop(dropped)
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// evictOneLocked removes the oldest book delta, or failing that the
// oldest heartbeat or price change. Returns false when only trades
// remain.
func (q *eventQueue) evictOneLocked() bool {
	for _, want := range []eventKind{kindBookDelta, kindHeartbeat, kindPriceChange} {
		for i, it := range q.items {
			if it.kind == want {
				q.items = append(q.items[:i], q.items[i+1:]...)
				return true
			}
		}
	}
	return false
}

// pop blocks for the next event. ok is false once the queue is closed
// and drained, or the context is cancelled.
func (q *eventQueue) pop(ctx context.Context) (queuedEvent, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			evt := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return evt, true
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return queuedEvent{}, false
		}

		select {
		case <-ctx.Done():
			return queuedEvent{}, false
		case <-q.notify:
		}
	}
}

func (q *eventQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}
