package protocol

// Event names pushed from the gateway (and broadcast on the local bus).
const (
	EventAgent    = "agent"
	EventChat     = "chat"
	EventHealth   = "health"
	EventShutdown = "shutdown"

	// EventSystem carries short human-readable notices about inbound traffic
	// (e.g. "Channel Talk message from Jane: hi"). Payload: bus.SystemEvent.
	EventSystem = "system"

	// EventChannelStatus is broadcast whenever a channel reports a status change.
	EventChannelStatus = "channel.status"
)

// Agent event subtypes (in payload.type)
const (
	AgentEventRunStarted   = "run.started"
	AgentEventRunCompleted = "run.completed"
	AgentEventRunFailed    = "run.failed"
	AgentEventRunRetrying  = "run.retrying"
	AgentEventToolCall     = "tool.call"
	AgentEventToolResult   = "tool.result"
)

// Chat event subtypes (in payload.type)
const (
	ChatEventChunk    = "chunk"
	ChatEventMessage  = "message"
	ChatEventThinking = "thinking"
)
