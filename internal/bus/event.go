package bus

import "time"

// Event kinds. Subscribers filter on the part before the dot.
const (
	KindStatusChanged = "client.status_changed"

	KindConversationsChanged = "ui.conversations_changed"
	KindChatMessagesChanged  = "ui.chat_messages_changed"
	KindRelationshipsChanged = "ui.relationships_changed"
	KindError                = "ui.error"

	KindSendAck    = "message.send_ack"
	KindSendFailed = "message.send_failed"
)

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	Timestamp time.Time
	Payload   any
}

// ChatPayload names the chat a ui.* event is about.
type ChatPayload struct {
	ChatID string
}

// ErrorPayload is carried by ui.error: the failed operation and its cause.
type ErrorPayload struct {
	Op  string
	Err string
}
