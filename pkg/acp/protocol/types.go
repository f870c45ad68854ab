package protocol

// ClientInfo identifies the host to the agent during initialize.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities declares what the host supports.
type ClientCapabilities struct {
	Streaming bool `json:"streaming"`
}

// InitializeParams is sent with the `initialize` call.
type InitializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ClientInfo      ClientInfo         `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities"`
}

// AgentCapabilities is the agent's declared capability set, returned from
// `initialize`. It replaces the loose map the distilled spec left open.
type AgentCapabilities struct {
	Image            bool     `json:"image,omitempty"`
	Audio            bool     `json:"audio,omitempty"`
	EmbeddedContext  bool     `json:"embeddedContext,omitempty"`
	MCPTransports    []string `json:"mcpTransports,omitempty"`
}

// InitializeResult is the agent's response to `initialize`.
type InitializeResult struct {
	ProtocolVersion string            `json:"protocolVersion"`
	Capabilities    AgentCapabilities `json:"agentCapabilities"`
}

// SessionMode describes one selectable agent mode.
type SessionMode struct {
	ModeID string `json:"modeId"`
	Name   string `json:"name"`
}

// ConfigOption describes one agent-declared configuration toggle.
type ConfigOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
}

// SessionNewParams is sent with `session/new`.
type SessionNewParams struct {
	Cwd string `json:"cwd,omitempty"`
}

// SessionNewResult is the agent's response to `session/new`.
type SessionNewResult struct {
	SessionID       string         `json:"sessionId"`
	AvailableModes  []SessionMode  `json:"availableModes,omitempty"`
	CurrentModeID   string         `json:"currentModeId,omitempty"`
	ConfigOptions   []ConfigOption `json:"configOptions,omitempty"`
}

// SessionLoadParams is sent with `session/load`.
type SessionLoadParams struct {
	SessionID string `json:"sessionId"`
	Cwd       string `json:"cwd,omitempty"`
}

// ContentBlock is one piece of a user prompt turn: text, or in the future
// an embedded resource. Only text is produced by this host.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// SessionPromptParams is sent with `session/prompt`.
type SessionPromptParams struct {
	SessionID string         `json:"sessionId"`
	Content   []ContentBlock `json:"content"`
}

// SessionPromptResult is the agent's response to `session/prompt`.
type SessionPromptResult struct {
	StopReason string `json:"stopReason"`
}

// SessionCancelParams is sent with the `session/cancel` notification.
type SessionCancelParams struct {
	SessionID string `json:"sessionId"`
}

// SessionSetModeParams is sent with `session/set_mode`.
type SessionSetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SessionUpdate is the payload of a `session/update` notification: a
// tagged union keyed by Type, left as json.RawMessage-ish typed fields so
// unknown variants still round-trip (spec §9's forward-compatibility
// requirement is honored one layer up, in internal/events, which keeps
// the raw bytes alongside the parsed Type).
type SessionUpdate struct {
	SessionID string `json:"sessionId"`
	Type      string `json:"update"`
}

// PermissionOption is one choice offered to the human approving a tool
// call.
type PermissionOption struct {
	OptionID    string `json:"optionId"`
	Name        string `json:"name"`
	Kind        string `json:"kind"` // allow_once, allow_always, deny, ...
	Description string `json:"description,omitempty"`
}

// ToolCallDescriptor identifies the tool call a permission request or
// tool-call event refers to.
type ToolCallDescriptor struct {
	ToolCallID string          `json:"toolCallId"`
	Title      string          `json:"title"`
	Kind       string          `json:"kind"`
	RawInput   map[string]any  `json:"rawInput,omitempty"`
}

// SessionRequestPermissionParams is the inbound request the agent sends
// asking the host whether to proceed with a tool call.
type SessionRequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallDescriptor `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// SessionRequestPermissionResult is the host's reply: the chosen option,
// or an outcome indicating the request was cancelled/denied.
type SessionRequestPermissionResult struct {
	OptionID string `json:"optionId,omitempty"`
	Outcome  string `json:"outcome,omitempty"` // "selected" | "cancelled"
}
