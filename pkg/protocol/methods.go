package protocol

// RPC method names used when talking to a GoClaw gateway.
// Only the subset the Channel Talk bridge calls is listed here.
const (
	MethodConnect = "connect"
	MethodHealth  = "health"
	MethodStatus  = "status"

	MethodChatSend  = "chat.send"
	MethodChatAbort = "chat.abort"

	MethodChannelsStatus = "channels.status"
)
