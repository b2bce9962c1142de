// Package store is the abstract document-store adapter. It is defined
// as an interface so the MongoDB-backed implementation and an
// in-memory fake can be swapped behind it; callers never depend on
// Mongo's document shape directly.
package store

import (
	"context"
	"time"

	"github.com/streamspace-dev/chatrelay/internal/model"
)

// ListConversationsPage is the paginated result of ListConversations.
type ListConversationsPage struct {
	Conversations []model.Conversation
	UnreadByConv  map[string]int64
	Total         int64
}

// CreateConversationInput is the payload for get-or-create semantics.
type CreateConversationInput struct {
	Type            model.ConversationType
	Participants    []string
	Name            string
	Admins          []string
	InitialMessage  string
	InitialType     model.MessageType
	SenderID        string
	Metadata        map[string]any
}

// CreateConversationResult reports whether an existing direct
// conversation was returned instead of a new one being created.
type CreateConversationResult struct {
	Conversation model.Conversation
	Existed      bool
	InitialMsgID string
}

// Store is the durable-entity contract shared by both binaries.
type Store interface {
	GetConversation(ctx context.Context, conversationID string) (model.Conversation, error)
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	ListConversations(ctx context.Context, userID string, convType model.ConversationType, page, size int, unreadOnly bool) (ListConversationsPage, error)
	CreateConversation(ctx context.Context, in CreateConversationInput) (CreateConversationResult, error)
	UpdateConversationMeta(ctx context.Context, conversationID, name, description, avatarURL string) error
	AddMember(ctx context.Context, conversationID, userID string) error

	AppendMessage(ctx context.Context, conversationID, senderID, content string, msgType model.MessageType, fileInfo *model.FileInfo) (messageID string, timestamp time.Time, err error)
	GetMessage(ctx context.Context, conversationID, messageID string) (model.Message, error)
	ListMessages(ctx context.Context, conversationID string, page, size int) ([]model.Message, error)
	UpdateConversationPreview(ctx context.Context, conversationID, preview string, msgType model.MessageType, senderID string, timestamp time.Time) error

	BumpUnread(ctx context.Context, conversationID string, participants []string) error
	AddToReadBy(ctx context.Context, conversationID, messageID, userID string) (added bool, err error)
	DecrementUnread(ctx context.Context, conversationID, userID string) error
	ResetUnread(ctx context.Context, conversationID, userID string) error
	MarkAllRead(ctx context.Context, conversationID, userID string) (messagesRead int, err error)
	RecomputeUnread(ctx context.Context, conversationID, userID string) (int64, error)
	GetUnreadCount(ctx context.Context, conversationID, userID string) (int64, error)
	ListConversationParticipantPairs(ctx context.Context) ([]ConversationParticipant, error)

	SetReaction(ctx context.Context, conversationID, messageID, userID string, emoji *string) (map[string]string, error)

	GetUser(ctx context.Context, userID string) (model.User, error)
	UpsertUser(ctx context.Context, user model.User) error
	SetUserOnline(ctx context.Context, userID string, online bool, status model.UserStatus) error

	GetNotificationPref(ctx context.Context, userID string) (model.NotificationPref, error)
	UpsertNotificationPref(ctx context.Context, pref model.NotificationPref) error

	ListDeviceTokens(ctx context.Context, userID string) ([]model.DeviceToken, error)
	UpsertDeviceToken(ctx context.Context, token model.DeviceToken) error
	DeleteDeviceToken(ctx context.Context, userID, token string) error

	CreateNotification(ctx context.Context, n model.Notification) error
	IncrementUnreadNotifications(ctx context.Context, userID string, delta int64) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// ConversationParticipant is one (conversation, participant) pair,
// used by the repair-all maintenance job to enumerate scope.
type ConversationParticipant struct {
	ConversationID string
	UserID         string
}
