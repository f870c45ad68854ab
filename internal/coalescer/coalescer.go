// Package coalescer merges adjacent streaming message/thinking fragments
// before they reach the durable event log, so a token-by-token stream
// from an agent doesn't produce one log row per token.
package coalescer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/kandev/agentsupervisor/internal/common/logger"
	"github.com/kandev/agentsupervisor/internal/events"
	"go.uber.org/zap"
)

// Sink receives a coalesced event once it is flushed, either by timer or
// because the next event could not be merged into it.
type Sink func(events.AgentEvent)

// pending is the single in-flight, mergeable event for one session.
type pending struct {
	event events.AgentEvent
	timer *time.Timer
}

// Coalescer buffers at most one pending mergeable event per session. A
// new event either merges into the pending one (same session, same
// type, same speaker) or flushes it and becomes the new pending event.
// The pending event is always flushed after flushInterval even if
// nothing new arrives, so a stream never stalls in the buffer past that
// bound.
type Coalescer struct {
	flushInterval time.Duration
	sink          Sink
	logger        *logger.Logger

	mu      sync.Mutex
	pending map[string]*pending // sessionID -> pending
}

// New creates a Coalescer that delivers flushed events to sink.
func New(flushInterval time.Duration, sink Sink, log *logger.Logger) *Coalescer {
	return &Coalescer{
		flushInterval: flushInterval,
		sink:          sink,
		logger:        log.WithFields(zap.String("component", "coalescer")),
		pending:       make(map[string]*pending),
	}
}

// Add feeds one newly normalized event through the coalescer. Non-
// mergeable event types (anything but message/thinking) pass straight
// through after flushing whatever was pending for that session, so
// ordering within a session is preserved.
func (c *Coalescer) Add(evt events.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, exists := c.pending[evt.SessionID]
	if !exists {
		c.startPending(evt)
		return
	}

	if CanMerge(p.event, evt) {
		p.event = merge(p.event, evt)
		p.timer.Reset(c.flushInterval)
		return
	}

	c.flushLocked(evt.SessionID)
	c.startPending(evt)
}

// startPending assumes c.mu is held and evt.SessionID has no existing
// pending entry.
func (c *Coalescer) startPending(evt events.AgentEvent) {
	if !isMergeableType(evt.Type) {
		c.sink(evt)
		return
	}
	sessionID := evt.SessionID
	p := &pending{event: evt}
	p.timer = time.AfterFunc(c.flushInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushLocked(sessionID)
	})
	c.pending[sessionID] = p
}

// Flush immediately flushes the pending event for one session, if any.
func (c *Coalescer) Flush(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked(sessionID)
}

// FlushAll immediately flushes every session's pending event. Called on
// graceful shutdown so no in-flight fragment is lost.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sessionID := range c.pending {
		c.flushLocked(sessionID)
	}
}

// flushLocked assumes c.mu is held.
func (c *Coalescer) flushLocked(sessionID string) {
	p, exists := c.pending[sessionID]
	if !exists {
		return
	}
	p.timer.Stop()
	delete(c.pending, sessionID)
	c.sink(p.event)
}

func isMergeableType(t events.Type) bool {
	return t == events.TypeMessage || t == events.TypeThinking
}

// CanMerge reports whether b may be folded into a's accumulated buffer:
// same session, same event type, both message/thinking, same speaker
// (isUser). Exported as a standalone function, not just the method on
// AgentEvent, so property tests can exercise coalescing policy directly.
func CanMerge(a, b events.AgentEvent) bool {
	return a.IsMergeable(b)
}

// merge concatenates b's content onto a's and advances the timestamp to
// b's, per the "advance the buffered timestamp to the newer event's"
// rule; session/client identity is taken from a since b is known equal.
func merge(a, b events.AgentEvent) events.AgentEvent {
	var pa, pb events.MessagePayload
	_ = json.Unmarshal(a.Payload, &pa)
	_ = json.Unmarshal(b.Payload, &pb)

	pa.Content += pb.Content

	merged := a
	merged.Timestamp = b.Timestamp
	data, err := json.Marshal(pa)
	if err != nil {
		return a
	}
	merged.Payload = data
	return merged
}
