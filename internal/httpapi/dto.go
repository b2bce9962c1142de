package httpapi

import (
	"time"

	"github.com/streamspace-dev/chatrelay/internal/messaging"
	"github.com/streamspace-dev/chatrelay/internal/model"
)

type conversationDTO struct {
	ID                  string                 `json:"id"`
	Type                model.ConversationType `json:"type"`
	Participants        []string               `json:"participants"`
	Name                string                 `json:"name,omitempty"`
	Admins              []string               `json:"admins,omitempty"`
	AvatarURL           string                 `json:"avatarUrl,omitempty"`
	Description         string                 `json:"description,omitempty"`
	CreatedAt           time.Time              `json:"createdAt"`
	LastMessageTime     time.Time              `json:"lastMessageTime,omitempty"`
	LastMessagePreview  string                 `json:"lastMessagePreview,omitempty"`
	LastMessageType     model.MessageType      `json:"lastMessageType,omitempty"`
	LastMessageSenderID string                 `json:"lastMessageSenderId,omitempty"`
	Metadata            map[string]any         `json:"metadata,omitempty"`
	UnreadCount         int64                  `json:"unreadCount,omitempty"`
}

func toConversationDTO(c model.Conversation, unread int64) conversationDTO {
	return conversationDTO{
		ID:                  c.ID,
		Type:                c.Type,
		Participants:        c.Participants,
		Name:                c.Name,
		Admins:              c.Admins,
		AvatarURL:           c.AvatarURL,
		Description:         c.Description,
		CreatedAt:           c.CreatedAt,
		LastMessageTime:     c.LastMessageTime,
		LastMessagePreview:  c.LastMessagePreview,
		LastMessageType:     c.LastMessageType,
		LastMessageSenderID: c.LastMessageSenderID,
		Metadata:            c.Metadata,
		UnreadCount:         unread,
	}
}

type listConversationsResponse struct {
	Conversations []conversationDTO `json:"conversations"`
	Total         int64             `json:"total"`
	Page          int               `json:"page"`
	Size          int               `json:"size"`
}

type createConversationRequest struct {
	Type           model.ConversationType `json:"type" binding:"required"`
	Participants   []string               `json:"participants" binding:"required"`
	Name           string                 `json:"name"`
	Admins         []string               `json:"admins"`
	InitialMessage string                 `json:"initial_message"`
	InitialType    model.MessageType      `json:"initial_message_type"`
	Metadata       map[string]any         `json:"metadata"`
}

type createConversationResponse struct {
	Conversation conversationDTO `json:"conversation"`
	Existed      bool            `json:"existed"`
	InitialMsgID string          `json:"initialMessageId,omitempty"`
}

type updateConversationRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	AvatarURL   string `json:"avatarUrl"`
}

type addMemberRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type messageDTO struct {
	ID             string            `json:"id"`
	ConversationID string            `json:"conversationId"`
	SenderID       string            `json:"senderId"`
	Content        string            `json:"content"`
	MessageType    model.MessageType `json:"messageType"`
	Timestamp      time.Time         `json:"timestamp"`
	ReadBy         []string          `json:"readBy"`
	Reactions      map[string]string `json:"reactions,omitempty"`
	FileInfo       *model.FileInfo   `json:"fileInfo,omitempty"`
}

func toMessageDTO(m model.Message) messageDTO {
	return messageDTO{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Content:        m.Content,
		MessageType:    m.MessageType,
		Timestamp:      m.Timestamp,
		ReadBy:         m.ReadBy,
		Reactions:      m.Reactions,
		FileInfo:       m.FileInfo,
	}
}

type listMessagesResponse struct {
	Messages []messageDTO `json:"messages"`
	Page     int          `json:"page"`
	Size     int          `json:"size"`
}

type sendMessageRequest struct {
	Content     string            `json:"content" binding:"required"`
	MessageType model.MessageType `json:"messageType"`
	FileInfo    *model.FileInfo   `json:"fileInfo"`
}

type sendMessageResponse struct {
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type markAllReadResponse struct {
	MessagesRead int `json:"messagesRead"`
}

type recomputeUnreadResponse struct {
	UnreadCount int64 `json:"unreadCount"`
}

type setReactionRequest struct {
	Reaction *string `json:"reaction"`
}

type setReactionResponse struct {
	Reactions map[string]string `json:"reactions"`
}

type setStatusRequest struct {
	Status model.UserStatus `json:"status" binding:"required"`
}

type whoamiResponse struct {
	UserID string `json:"userId"`
}

type repairResultDTO struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Before         int64  `json:"before"`
	After          int64  `json:"after"`
}

func toRepairResultDTOs(in []messaging.RepairResult) []repairResultDTO {
	out := make([]repairResultDTO, 0, len(in))
	for _, r := range in {
		out = append(out, repairResultDTO{ConversationID: r.ConversationID, UserID: r.UserID, Before: r.Before, After: r.After})
	}
	return out
}
