package wsrelay

import "time"

// EventType is the discriminator carried in every frame/bus payload;
// unknown variants are dropped by receivers.
type EventType string

const (
	EventNewMessage        EventType = "new_message"
	EventTyping            EventType = "typing"
	EventMessageRead       EventType = "message_read"
	EventConversationRead  EventType = "conversation_read"
	EventMessageReaction   EventType = "message_reaction"
	EventUserStatusChange  EventType = "user_status_change"
	EventHeartbeat         EventType = "heartbeat"
	EventHeartbeatAck      EventType = "heartbeat_ack"
	EventStatusChange      EventType = "status_change"
)

// Event is the envelope for both client->server frames and
// server->client / bus frames. Fields unused by a given event type are
// simply omitted from the JSON by the zero-value omitempty tags.
type Event struct {
	Event          EventType      `json:"event"`
	ConversationID string         `json:"conversationId,omitempty"`
	MessageID      string         `json:"messageId,omitempty"`
	SenderID       string         `json:"senderId,omitempty"`
	UserID         string         `json:"userId,omitempty"`
	Content        string         `json:"content,omitempty"`
	MessageType    string         `json:"messageType,omitempty"`
	Status         string         `json:"status,omitempty"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	Participants   []string       `json:"participants,omitempty"`
	Count          int            `json:"count,omitempty"`
	Timestamp      time.Time      `json:"timestamp,omitempty"`
}
