// Package bus models the opaque publish/subscribe transport described in
// spec §6: the core treats the message bus as an external collaborator and
// only depends on a narrow Bus interface. This package ships an in-memory
// implementation used by every internal detector and test, plus an optional
// websocket-based fan-out relay for external subscribers (e.g. a dashboard),
// generalized from the teacher's websocket.NewHub push-to-clients pattern in
// cmd/pulse/main.go.
package bus

import (
	"context"
	"sync"

	siemerrors "github.com/sentineld/sentineld/internal/errors"
)

// Channel names from spec §6.
const (
	ChannelEventsRaw       = "events.raw"
	ChannelFindings        = "findings"
	ChannelIncidents       = "incidents"
	ChannelActionsRequest  = "actions.request"
	ChannelActionsResult   = "actions.result"
	ChannelSupervisorState = "supervisor.status"
)

// Bus is the narrow interface every component depends on. Payloads are
// opaque to the bus itself; publishers/subscribers agree on the concrete
// type per channel (spec §6 specifies JSON-over-UTF-8, but in-process this
// is a typed Go value -- JSON framing only matters at a network-facing bus
// binding such as the websocket relay).
type Bus interface {
	Publish(ctx context.Context, channel string, payload interface{}) error
	Subscribe(channel string) (sub *Subscription, cancel func())
}

// Subscription delivers payloads published to a single channel.
type Subscription struct {
	C <-chan interface{}
}

// InMemory is a process-local Bus backed by fan-out channels per topic. It
// is non-blocking on Publish: slow subscribers drop messages rather than
// stall publishers, matching spec §4.1's "non-blocking on fast paths" rule
// for the pipeline at large.
type InMemory struct {
	mu          sync.RWMutex
	subscribers map[string][]chan interface{}
	queueDepth  int

	degradedMu sync.Mutex
	degraded   map[string]bool
}

// NewInMemory constructs an in-memory bus. queueDepth bounds each
// subscriber's backlog before messages are dropped.
func NewInMemory(queueDepth int) *InMemory {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &InMemory{
		subscribers: make(map[string][]chan interface{}),
		queueDepth:  queueDepth,
		degraded:    make(map[string]bool),
	}
}

// Publish fans payload out to all current subscribers of channel. A full
// subscriber queue causes that single delivery to be dropped and the
// channel marked degraded, surfaced via IsDegraded; this is the bus-error
// propagation path from spec §7 ("persistent failure marks the channel
// degraded").
func (b *InMemory) Publish(ctx context.Context, channel string, payload interface{}) error {
	select {
	case <-ctx.Done():
		return siemerrors.New(siemerrors.KindBus, "bus.publish", ctx.Err())
	default:
	}

	b.mu.RLock()
	subs := b.subscribers[channel]
	b.mu.RUnlock()

	dropped := 0
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			dropped++
		}
	}

	if dropped > 0 {
		b.degradedMu.Lock()
		b.degraded[channel] = true
		b.degradedMu.Unlock()
	}
	return nil
}

// Subscribe registers a new subscriber on channel. The returned cancel func
// must be called to release the subscription and stop delivery.
func (b *InMemory) Subscribe(channel string) (*Subscription, func()) {
	ch := make(chan interface{}, b.queueDepth)

	b.mu.Lock()
	b.subscribers[channel] = append(b.subscribers[channel], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.subscribers[channel]
		for i, c := range subs {
			if c == ch {
				b.subscribers[channel] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}

	return &Subscription{C: ch}, cancel
}

// IsDegraded reports whether channel has recently dropped a delivery due to
// a full subscriber queue.
func (b *InMemory) IsDegraded(channel string) bool {
	b.degradedMu.Lock()
	defer b.degradedMu.Unlock()
	return b.degraded[channel]
}

// ClearDegraded resets the degraded flag for channel, e.g. once the
// supervisor has surfaced it in a status snapshot.
func (b *InMemory) ClearDegraded(channel string) {
	b.degradedMu.Lock()
	defer b.degradedMu.Unlock()
	delete(b.degraded, channel)
}
