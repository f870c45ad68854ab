// Package pubsub fans normalized events and approvals out to live
// subscribers (e.g. SSE streams), with a bounded per-subscriber buffer
// and a drop-oldest policy under backpressure.
package pubsub

import (
	"sync"
	"sync/atomic"

	"github.com/kandev/agentsupervisor/internal/agent/broker"
	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"go.uber.org/zap"
)

// defaultBufferSize matches the spec's "e.g., 256" sizing.
const defaultBufferSize = 256

// Envelope is one item delivered to a subscriber: either an event or an
// approval, never both.
type Envelope struct {
	Event    *events.AgentEvent
	Approval *broker.Request
	Lagged   bool
}

// Subscription is a live subscriber's view of the hub.
type Subscription struct {
	Events      <-chan Envelope
	Unsubscribe func()
}

type subscriber struct {
	id        uint64
	sessionID string // empty means "all sessions"

	mu      sync.Mutex
	ch      chan Envelope
	lagged  bool
	closed  bool
}

// Hub is the process-wide fan-out point. Delivery never blocks the
// publisher: a full subscriber buffer drops its oldest entry and latches
// a lagged flag instead.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[uint64]*subscriber
	nextID      atomic.Uint64
	bufferSize  int
	logger      *logger.Logger
}

// New creates an empty Hub.
func New(log *logger.Logger) *Hub {
	return &Hub{
		subscribers: make(map[uint64]*subscriber),
		bufferSize:  defaultBufferSize,
		logger:      log.WithFields(zap.String("component", "pubsub-hub")),
	}
}

// Subscribe registers a new subscriber. If sessionID is non-empty, only
// events/approvals for that session are delivered; otherwise everything
// is.
func (h *Hub) Subscribe(sessionID string) Subscription {
	id := h.nextID.Add(1)
	sub := &subscriber{
		id:        id,
		sessionID: sessionID,
		ch:        make(chan Envelope, h.bufferSize),
	}

	h.mu.Lock()
	h.subscribers[id] = sub
	h.mu.Unlock()

	return Subscription{
		Events: sub.ch,
		Unsubscribe: func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if existing, ok := h.subscribers[id]; ok {
				existing.mu.Lock()
				if !existing.closed {
					existing.closed = true
					close(existing.ch)
				}
				existing.mu.Unlock()
				delete(h.subscribers, id)
			}
		},
	}
}

// PublishEvent broadcasts one normalized event to every matching
// subscriber.
func (h *Hub) PublishEvent(evt events.AgentEvent) {
	h.broadcast(evt.SessionID, Envelope{Event: &evt})
}

// PublishApproval broadcasts one approval request to every matching
// subscriber.
func (h *Hub) PublishApproval(req *broker.Request) {
	h.broadcast(req.SessionID, Envelope{Approval: req})
}

func (h *Hub) broadcast(sessionID string, env Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if sub.sessionID != "" && sub.sessionID != sessionID {
			continue
		}
		h.deliver(sub, env)
	}
}

// deliver is non-blocking: on a full buffer it drops the oldest queued
// item to make room, and latches the lagged flag so the next delivered
// envelope is marked accordingly.
func (h *Hub) deliver(sub *subscriber, env Envelope) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.closed {
		return
	}

	if sub.lagged {
		env.Lagged = true
		sub.lagged = false
	}

	select {
	case sub.ch <- env:
		return
	default:
	}

	// Buffer full: drop the oldest entry and latch lagged for the next
	// successful delivery (including this one, immediately below).
	select {
	case <-sub.ch:
	default:
	}
	env.Lagged = true
	select {
	case sub.ch <- env:
	default:
		sub.lagged = true
		h.logger.Warn("subscriber channel still full after eviction", zap.Uint64("subscriber_id", sub.id))
	}
}
