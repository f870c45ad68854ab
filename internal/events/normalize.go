package events

import (
	"encoding/json"
	"time"

	"github.com/kandev/agentsupervisor/pkg/acp/protocol"
)

// rawUpdate mirrors the wire shape of a session/update notification well
// enough to pull out the variant tag and session id before dispatching on
// Type; the remaining fields are re-decoded per variant below.
type rawUpdate struct {
	SessionID string          `json:"sessionId"`
	Update    string          `json:"update"`
	Content   string          `json:"content"`
	ToolCall  json.RawMessage `json:"toolCall"`
	Plan      json.RawMessage `json:"plan"`
	ModeID    string          `json:"modeId"`
	Commands  json.RawMessage `json:"availableCommands"`
	Options   json.RawMessage `json:"availableConfigOptions"`
	Usage     json.RawMessage `json:"usage"`
}

// Normalize turns one raw `session/update` notification into an
// AgentEvent, per the fixed mapping table of spec §4.6. An unrecognized
// update tag is preserved as TypeUnknown with the original bytes intact
// rather than dropped.
func Normalize(clientID string, raw json.RawMessage) AgentEvent {
	var u rawUpdate
	if err := json.Unmarshal(raw, &u); err != nil {
		// raw is not valid JSON here, so it is kept as a JSON string.
		return AgentEvent{
			Type:      TypeUnknown,
			ClientID:  clientID,
			Timestamp: now(),
			Payload:   mustMarshal(UnknownPayload{RawType: "malformed", Raw: mustMarshal(string(raw))}),
		}
	}

	evt := AgentEvent{
		ClientID:  clientID,
		SessionID: u.SessionID,
		Timestamp: now(),
	}

	switch u.Update {
	case protocol.UpdateAgentThoughtChunk:
		evt.Type = TypeThinking
		evt.Payload = mustMarshal(MessagePayload{Content: u.Content})

	case protocol.UpdateAgentMessageChunk:
		evt.Type = TypeMessage
		evt.Payload = mustMarshal(MessagePayload{Content: u.Content})

	case protocol.UpdateToolCall:
		evt.Type = TypeToolCall
		evt.Payload = toolCallPayload(u.ToolCall)

	case protocol.UpdateToolCallUpdate:
		evt.Type = TypeToolUpdate
		evt.Payload = toolCallPayload(u.ToolCall)

	case protocol.UpdatePlan:
		evt.Type = TypePlan
		var entries []PlanEntry
		_ = json.Unmarshal(u.Plan, &entries)
		evt.Payload = mustMarshal(PlanPayload{Entries: entries})

	case protocol.UpdateCurrentModeUpdate:
		evt.Type = TypeModeChange
		evt.Payload = mustMarshal(ModeChangePayload{ModeID: u.ModeID})

	case protocol.UpdateAvailableCommandsUpdate:
		evt.Type = TypeCommandsUpdate
		evt.Payload = rawOrEmpty(u.Commands)

	case protocol.UpdateAvailableConfigOptionsUpdate:
		evt.Type = TypeConfigUpdate
		evt.Payload = rawOrEmpty(u.Options)

	case protocol.UpdateUsageUpdate:
		evt.Type = TypeUsageUpdate
		var usage UsagePayload
		_ = json.Unmarshal(u.Usage, &usage)
		evt.Payload = mustMarshal(usage)

	default:
		evt.Type = TypeUnknown
		evt.Payload = mustMarshal(UnknownPayload{RawType: u.Update, Raw: raw})
	}

	return evt
}

func toolCallPayload(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return mustMarshal(ToolCallPayload{})
	}
	var tc ToolCallPayload
	if err := json.Unmarshal(raw, &tc); err != nil {
		return mustMarshal(ToolCallPayload{})
	}
	return mustMarshal(tc)
}

func rawOrEmpty(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// NewUserMessage builds the synthetic `message` event the supervisor
// appends locally when it submits a prompt, so the transcript shows both
// sides of the conversation even though the agent only ever streams its
// own output (spec §9).
func NewUserMessage(clientID, sessionID, content string) AgentEvent {
	return AgentEvent{
		Type:      TypeMessage,
		ClientID:  clientID,
		SessionID: sessionID,
		Timestamp: now(),
		Payload:   mustMarshal(MessagePayload{Content: content, IsUser: true}),
	}
}

// NewComplete builds the synthetic `complete` event emitted when
// session/prompt returns, carrying the agent's stop reason.
func NewComplete(clientID, sessionID, stopReason string) AgentEvent {
	return AgentEvent{
		Type:      TypeComplete,
		ClientID:  clientID,
		SessionID: sessionID,
		Timestamp: now(),
		Payload:   mustMarshal(CompletePayload{StopReason: stopReason}),
	}
}

// NewError builds the synthetic `error` event emitted when a turn fails
// outside of any agent-reported stop reason (transport loss, spawn
// failure, protocol violation).
func NewError(clientID, sessionID, kind, message string) AgentEvent {
	return AgentEvent{
		Type:      TypeError,
		ClientID:  clientID,
		SessionID: sessionID,
		Timestamp: now(),
		Payload:   mustMarshal(ErrorPayload{Kind: kind, Message: message}),
	}
}

// now is a seam so tests can't accidentally depend on wall-clock ordering
// between events created in the same instant; production code always
// uses time.Now.
var now = time.Now
