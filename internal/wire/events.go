// ABOUTME: Event names and payload types for the realtime messaging channel.
// ABOUTME: Mirrors the JSON contract the eprop backend speaks over the websocket.

package wire

// Events emitted by the client.
const (
	EventAuthenticate      = "authenticate"
	EventJoinConversation  = "join-conversation"
	EventLeaveConversation = "leave-conversation"
	EventSendMessage       = "send-message"
	EventTyping            = "typing"
)

// Events delivered by the backend.
const (
	EventReceiveMessage = "receive-message"
	EventMessageSent    = "message-sent"
	EventUserTyping     = "user-typing"
	EventMessageError   = "message-error"
)

// SendMessagePayload is the body of a send-message event. Delivery is
// fire-and-forget at this layer; the backend answers with a message-sent
// confirmation carrying the persisted message.
type SendMessagePayload struct {
	ConversationID string `json:"conversationId"`
	Message        string `json:"message"`
	SenderID       string `json:"senderId"`
	SenderName     string `json:"senderName"`
}

// TypingPayload is the body of an outgoing typing event.
type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	IsTyping       bool   `json:"isTyping"`
	UserName       string `json:"userName"`
}

// TypingSignal is an incoming user-typing event. Signals are ephemeral:
// a newer signal from the same user supersedes the previous one, and the
// receiver is expected to expire a stale "typing" state on its own.
type TypingSignal struct {
	ConversationID string `json:"conversationId"`
	UserName       string `json:"userName"`
	IsTyping       bool   `json:"isTyping"`
}

// MessageError is an incoming message-error event, sent when the backend
// failed to persist or route a send-message request.
type MessageError struct {
	ConversationID string `json:"conversationId,omitempty"`
	Error          string `json:"error"`
}
