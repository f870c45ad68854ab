// Package protocol defines the Agent Client Protocol (ACP) v1 method
// names and JSON payload shapes exchanged between the supervisor (host)
// and an agent child process.
package protocol

// Methods the host calls on the agent.
const (
	MethodInitialize       = "initialize"
	MethodSessionNew       = "session/new"
	MethodSessionLoad      = "session/load"
	MethodSessionPrompt    = "session/prompt"
	MethodSessionCancel    = "session/cancel"
	MethodSessionSetMode   = "session/set_mode"
)

// Methods the agent calls on the host.
const (
	MethodSessionRequestPermission = "session/request_permission"
	MethodFSReadTextFile           = "fs/read_text_file"
	MethodFSWriteTextFile          = "fs/write_text_file"
	MethodTerminalCreate           = "terminal/create"
	MethodTerminalOutput           = "terminal/output"
	MethodTerminalWaitForExit      = "terminal/wait_for_exit"
	MethodTerminalKill             = "terminal/kill"
	MethodTerminalRelease          = "terminal/release"
)

// Notifications the agent sends the host.
const (
	NotificationSessionUpdate = "session/update"
)

// session/update variant tags, mapped to internal event types by
// internal/events per spec §4.6.
const (
	UpdateAgentThoughtChunk          = "agent_thought_chunk"
	UpdateAgentMessageChunk          = "agent_message_chunk"
	UpdateToolCall                   = "tool_call"
	UpdateToolCallUpdate             = "tool_call_update"
	UpdatePlan                       = "plan"
	UpdateCurrentModeUpdate          = "current_mode_update"
	UpdateAvailableCommandsUpdate    = "available_commands_update"
	UpdateUsageUpdate                = "usage_update"
	UpdateAvailableConfigOptionsUpdate = "available_config_options_update"
)
