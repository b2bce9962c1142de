// Package notifier is the push-notification consumer: it parses queue
// events, routes them by type, applies per-user preferences, batches
// pushes through internal/push, invalidates dead tokens, and retries
// failures with exponential backoff before dead-lettering.
package notifier

import "time"

// EventType enumerates the queue event kinds the consumer recognizes.
// Unknown values are dropped by Dispatch.
type EventType string

const (
	EventNewMessage               EventType = "new_message"
	EventGroupInvitation          EventType = "group_invitation"
	EventFriendRequest            EventType = "friend_request"
	EventDirectConversationCreated EventType = "direct_conversation_created"
	EventGroupConversationCreated EventType = "group_conversation_created"
)

// RetryMeta is the optional "_retry.attempt" field carried alongside
// the top-level retryCount.
type RetryMeta struct {
	Attempt int `json:"attempt"`
}

// Event is the queue message schema: one JSON object with a
// discriminator, event-specific fields, and retry bookkeeping. It
// deliberately carries every event type's fields as optional so one
// struct can round-trip through main/retry/dlq without a type switch
// at the (de)serialization boundary.
type Event struct {
	Event          EventType      `json:"event"`
	MessageID      string         `json:"messageId"`
	Timestamp      time.Time      `json:"timestamp"`
	RetryCount     int            `json:"retryCount,omitempty"`
	Retry          *RetryMeta     `json:"_retry,omitempty"`

	ConversationID string   `json:"conversationId,omitempty"`
	SenderID       string   `json:"senderId,omitempty"`
	Content        string   `json:"content,omitempty"`
	MessageType    string   `json:"messageType,omitempty"`
	Participants   []string `json:"participants,omitempty"`

	GroupName string `json:"groupName,omitempty"`
	TargetUserID string `json:"targetUserId,omitempty"`
}
