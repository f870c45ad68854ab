// Package events defines the internal, normalized event taxonomy and the
// translation from raw ACP notifications into it (spec §4.6).
package events

import (
	"encoding/json"
	"time"
)

// Type is the tagged-union discriminant for an AgentEvent. The on-disk
// JSONL form keeps the open-ended shape (payload as raw JSON) so new ACP
// variants don't require a schema migration; unrecognized variants are
// surfaced as TypeUnknown without losing the original bytes.
type Type string

const (
	TypeThinking        Type = "thinking"
	TypeMessage         Type = "message"
	TypeToolCall        Type = "tool-call"
	TypeToolUpdate      Type = "tool-update"
	TypePlan            Type = "plan"
	TypeModeChange      Type = "mode-change"
	TypeConfigUpdate    Type = "config-update"
	TypeUsageUpdate     Type = "usage-update"
	TypeCommandsUpdate  Type = "commands-update"
	TypeComplete        Type = "complete"
	TypeError           Type = "error"
	TypeUnknown         Type = "unknown"
)

// AgentEvent is one normalized, append-only record in a session's event
// log.
type AgentEvent struct {
	Type      Type            `json:"type"`
	ClientID  string          `json:"clientId"`
	SessionID string          `json:"sessionId"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// MessagePayload backs both `message` and `thinking` events.
type MessagePayload struct {
	Content string `json:"content"`
	IsUser  bool   `json:"isUser,omitempty"`
}

// ToolCallPayload backs `tool-call` and `tool-update` events. Content is
// left as raw JSON so terminal-exit and terminal-error records embedded
// by the agent pass through verbatim (spec §4.6's "passed through
// verbatim" requirement).
type ToolCallPayload struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       string          `json:"kind"`
	Status     string          `json:"status,omitempty"`
	Content    json.RawMessage `json:"content,omitempty"`
}

// PlanEntry is one item in a `plan` event's list.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority"`
	Status   string `json:"status"`
}

// PlanPayload backs `plan` events.
type PlanPayload struct {
	Entries []PlanEntry `json:"entries"`
}

// UsagePayload backs `usage-update` events.
type UsagePayload struct {
	Used              int64    `json:"used"`
	Size              int64    `json:"size"`
	InputTokens       *int64   `json:"inputTokens,omitempty"`
	OutputTokens      *int64   `json:"outputTokens,omitempty"`
	TotalTokens       *int64   `json:"totalTokens,omitempty"`
	CachedReadTokens  *int64   `json:"cachedReadTokens,omitempty"`
	CachedWriteTokens *int64   `json:"cachedWriteTokens,omitempty"`
	Cost              *float64 `json:"cost,omitempty"`
}

// ModeChangePayload backs `mode-change` events.
type ModeChangePayload struct {
	ModeID string `json:"modeId"`
}

// CompletePayload backs `complete` events.
type CompletePayload struct {
	StopReason string `json:"stopReason"`
}

// ErrorPayload backs `error` events.
type ErrorPayload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// UnknownPayload wraps an unrecognized session/update variant so its raw
// bytes survive even though the host doesn't understand it.
type UnknownPayload struct {
	RawType string          `json:"rawType"`
	Raw     json.RawMessage `json:"raw"`
}

// IsMergeable reports whether two events are candidates for write
// coalescing per spec §4.2: same type (message or thinking), same
// session, same isUser flag.
func (e AgentEvent) IsMergeable(other AgentEvent) bool {
	if e.SessionID != other.SessionID {
		return false
	}
	if e.Type != other.Type {
		return false
	}
	if e.Type != TypeMessage && e.Type != TypeThinking {
		return false
	}
	a, aok := decodeMessagePayload(e.Payload)
	b, bok := decodeMessagePayload(other.Payload)
	return aok && bok && a.IsUser == b.IsUser
}

func decodeMessagePayload(raw json.RawMessage) (MessagePayload, bool) {
	var p MessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return MessagePayload{}, false
	}
	return p, true
}

func mustMarshal(v interface{}) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable for payload types defined in this package, all
		// of which are trivially marshalable.
		panic(err)
	}
	return data
}
