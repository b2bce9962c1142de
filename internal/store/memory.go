package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/model"
)

// Memory is an in-process Store used by unit tests and as the
// degraded-mode building block; it implements every operation with
// plain mutex-guarded maps instead of Mongo transactions.
type Memory struct {
	mu sync.Mutex

	conversations map[string]model.Conversation
	messages      map[string][]model.Message // conversationID -> ordered messages
	stats         map[string]map[string]*model.UserStats // conversationID -> userID -> stats
	directIndex   map[string]string // sorted participant key -> conversationID

	users  map[string]model.User
	prefs  map[string]model.NotificationPref
	tokens map[string]map[string]model.DeviceToken // userID -> token -> DeviceToken
	notifs []model.Notification
}

func NewMemory() *Memory {
	return &Memory{
		conversations: make(map[string]model.Conversation),
		messages:      make(map[string][]model.Message),
		stats:         make(map[string]map[string]*model.UserStats),
		directIndex:   make(map[string]string),
		users:         make(map[string]model.User),
		prefs:         make(map[string]model.NotificationPref),
		tokens:        make(map[string]map[string]model.DeviceToken),
	}
}

func directKey(participants []string) string {
	p := append([]string(nil), participants...)
	sort.Strings(p)
	return strings.Join(p, "|")
}

func (m *Memory) GetConversation(_ context.Context, conversationID string) (model.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return model.Conversation{}, apperr.NotFound("conversation")
	}
	return c, nil
}

func (m *Memory) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return false, nil
	}
	for _, p := range c.Participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) ListConversations(_ context.Context, userID string, convType model.ConversationType, page, size int, unreadOnly bool) (ListConversationsPage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []model.Conversation
	for _, c := range m.conversations {
		if convType != "" && c.Type != convType {
			continue
		}
		isMember := false
		for _, p := range c.Participants {
			if p == userID {
				isMember = true
				break
			}
		}
		if !isMember {
			continue
		}
		unread := int64(0)
		if us, ok := m.stats[c.ID][userID]; ok {
			unread = us.UnreadCount
		}
		if unreadOnly && unread == 0 {
			continue
		}
		matched = append(matched, c)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].LastMessageTime.After(matched[j].LastMessageTime)
	})

	total := int64(len(matched))
	start := (page - 1) * size
	if start > len(matched) {
		start = len(matched)
	}
	end := start + size
	if end > len(matched) {
		end = len(matched)
	}
	page_ := matched[start:end]

	unreadByConv := make(map[string]int64, len(page_))
	for _, c := range page_ {
		if us, ok := m.stats[c.ID][userID]; ok {
			unreadByConv[c.ID] = us.UnreadCount
		}
	}

	return ListConversationsPage{Conversations: page_, UnreadByConv: unreadByConv, Total: total}, nil
}

func (m *Memory) CreateConversation(_ context.Context, in CreateConversationInput) (CreateConversationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if in.Type == model.ConversationDirect {
		key := directKey(in.Participants)
		if existingID, ok := m.directIndex[key]; ok {
			return CreateConversationResult{Conversation: m.conversations[existingID], Existed: true}, nil
		}
	}

	admins := in.Admins
	if in.Type == model.ConversationGroup && len(admins) == 0 {
		// Groups must always have at least one admin; the creator is the
		// default sole admin when none is specified.
		admins = []string{in.SenderID}
	}

	now := time.Now()
	id := uuid.NewString()
	conv := model.Conversation{
		ID:           id,
		Type:         in.Type,
		Participants: append([]string(nil), in.Participants...),
		Name:         in.Name,
		Admins:       admins,
		CreatedAt:    now,
		Metadata:     in.Metadata,
	}

	m.conversations[id] = conv
	m.stats[id] = make(map[string]*model.UserStats)
	for _, p := range in.Participants {
		unread := int64(0)
		if p != in.SenderID && in.InitialMessage != "" {
			unread = 1
		}
		m.stats[id][p] = &model.UserStats{ConversationID: id, UserID: p, UnreadCount: unread}
	}

	var msgID string
	if in.InitialMessage != "" {
		msgID = uuid.NewString()
		msgType := in.InitialType
		if msgType == "" {
			msgType = model.MessageText
		}
		msg := model.Message{
			ID:             msgID,
			ConversationID: id,
			SenderID:       in.SenderID,
			Content:        in.InitialMessage,
			MessageType:    msgType,
			Timestamp:      now,
			ReadBy:         []string{in.SenderID},
		}
		m.messages[id] = append(m.messages[id], msg)
		conv.LastMessageTime = now
		conv.LastMessagePreview = model.TruncatePreview(in.InitialMessage)
		conv.LastMessageType = msgType
		conv.LastMessageSenderID = in.SenderID
		m.conversations[id] = conv
	}

	if in.Type == model.ConversationDirect {
		m.directIndex[directKey(in.Participants)] = id
	}

	return CreateConversationResult{Conversation: m.conversations[id], Existed: false, InitialMsgID: msgID}, nil
}

func (m *Memory) UpdateConversationMeta(_ context.Context, conversationID, name, description, avatarURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	if name != "" {
		c.Name = name
	}
	if description != "" {
		c.Description = description
	}
	if avatarURL != "" {
		c.AvatarURL = avatarURL
	}
	m.conversations[conversationID] = c
	return nil
}

func (m *Memory) AddMember(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	for _, p := range c.Participants {
		if p == userID {
			return nil
		}
	}
	c.Participants = append(c.Participants, userID)
	m.conversations[conversationID] = c
	if m.stats[conversationID] == nil {
		m.stats[conversationID] = make(map[string]*model.UserStats)
	}
	m.stats[conversationID][userID] = &model.UserStats{ConversationID: conversationID, UserID: userID}
	return nil
}

func (m *Memory) AppendMessage(_ context.Context, conversationID, senderID, content string, msgType model.MessageType, fileInfo *model.FileInfo) (string, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conversations[conversationID]; !ok {
		return "", time.Time{}, apperr.NotFound("conversation")
	}
	now := time.Now()
	id := uuid.NewString()
	msg := model.Message{
		ID:             id,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    msgType,
		Timestamp:      now,
		ReadBy:         []string{senderID},
		FileInfo:       fileInfo,
	}
	m.messages[conversationID] = append(m.messages[conversationID], msg)
	return id, now, nil
}

func (m *Memory) GetMessage(_ context.Context, conversationID, messageID string) (model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages[conversationID] {
		if msg.ID == messageID {
			return msg, nil
		}
	}
	return model.Message{}, apperr.NotFound("message")
}

func (m *Memory) ListMessages(_ context.Context, conversationID string, page, size int) ([]model.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.messages[conversationID]
	sorted := append([]model.Message(nil), all...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Timestamp.After(sorted[j].Timestamp) })
	start := (page - 1) * size
	if start > len(sorted) {
		start = len(sorted)
	}
	end := start + size
	if end > len(sorted) {
		end = len(sorted)
	}
	return sorted[start:end], nil
}

func (m *Memory) UpdateConversationPreview(_ context.Context, conversationID, preview string, msgType model.MessageType, senderID string, timestamp time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation")
	}
	c.LastMessagePreview = model.TruncatePreview(preview)
	c.LastMessageType = msgType
	c.LastMessageSenderID = senderID
	c.LastMessageTime = timestamp
	m.conversations[conversationID] = c
	return nil
}

func (m *Memory) BumpUnread(_ context.Context, conversationID string, participants []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats[conversationID] == nil {
		m.stats[conversationID] = make(map[string]*model.UserStats)
	}
	for _, p := range participants {
		us, ok := m.stats[conversationID][p]
		if !ok {
			us = &model.UserStats{ConversationID: conversationID, UserID: p}
			m.stats[conversationID][p] = us
		}
		if us.UnreadCount < 0 {
			us.UnreadCount = 0
		}
		us.UnreadCount++
	}
	return nil
}

func (m *Memory) AddToReadBy(_ context.Context, conversationID, messageID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		if msg.ID != messageID {
			continue
		}
		for _, u := range msg.ReadBy {
			if u == userID {
				return false, nil
			}
		}
		msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
		return true, nil
	}
	return false, apperr.NotFound("message")
}

func (m *Memory) DecrementUnread(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.stats[conversationID][userID]
	if !ok {
		return nil
	}
	if us.UnreadCount > 0 {
		us.UnreadCount--
	}
	return nil
}

func (m *Memory) ResetUnread(_ context.Context, conversationID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stats[conversationID] == nil {
		m.stats[conversationID] = make(map[string]*model.UserStats)
	}
	us, ok := m.stats[conversationID][userID]
	if !ok {
		us = &model.UserStats{ConversationID: conversationID, UserID: userID}
		m.stats[conversationID][userID] = us
	}
	us.UnreadCount = 0
	return nil
}

func (m *Memory) MarkAllRead(_ context.Context, conversationID, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		has := false
		for _, u := range msg.ReadBy {
			if u == userID {
				has = true
				break
			}
		}
		if !has {
			msgs[i].ReadBy = append(msgs[i].ReadBy, userID)
			count++
		}
	}
	if m.stats[conversationID] == nil {
		m.stats[conversationID] = make(map[string]*model.UserStats)
	}
	us, ok := m.stats[conversationID][userID]
	if !ok {
		us = &model.UserStats{ConversationID: conversationID, UserID: userID}
		m.stats[conversationID][userID] = us
	}
	us.LastReadMessageID = lastMessageID(msgs)
	us.UnreadCount = 0
	return count, nil
}

func lastMessageID(msgs []model.Message) string {
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1].ID
}

func (m *Memory) RecomputeUnread(_ context.Context, conversationID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, msg := range m.messages[conversationID] {
		has := false
		for _, u := range msg.ReadBy {
			if u == userID {
				has = true
				break
			}
		}
		if !has {
			count++
		}
	}
	if m.stats[conversationID] == nil {
		m.stats[conversationID] = make(map[string]*model.UserStats)
	}
	us, ok := m.stats[conversationID][userID]
	if !ok {
		us = &model.UserStats{ConversationID: conversationID, UserID: userID}
		m.stats[conversationID][userID] = us
	}
	us.UnreadCount = count
	return count, nil
}

func (m *Memory) GetUnreadCount(_ context.Context, conversationID, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	us, ok := m.stats[conversationID][userID]
	if !ok {
		return 0, nil
	}
	return us.UnreadCount, nil
}

func (m *Memory) ListConversationParticipantPairs(_ context.Context) ([]ConversationParticipant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ConversationParticipant
	for cid, c := range m.conversations {
		for _, p := range c.Participants {
			out = append(out, ConversationParticipant{ConversationID: cid, UserID: p})
		}
	}
	return out, nil
}

func (m *Memory) SetReaction(_ context.Context, conversationID, messageID, userID string, emoji *string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs := m.messages[conversationID]
	for i, msg := range msgs {
		if msg.ID != messageID {
			continue
		}
		if msgs[i].Reactions == nil {
			msgs[i].Reactions = make(map[string]string)
		}
		if emoji == nil {
			delete(msgs[i].Reactions, userID)
		} else {
			msgs[i].Reactions[userID] = *emoji
		}
		out := make(map[string]string, len(msgs[i].Reactions))
		for k, v := range msgs[i].Reactions {
			out[k] = v
		}
		return out, nil
	}
	return nil, apperr.NotFound("message")
}

func (m *Memory) GetUser(_ context.Context, userID string) (model.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return model.User{}, apperr.NotFound("user")
	}
	return u, nil
}

func (m *Memory) UpsertUser(_ context.Context, user model.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[user.ID] = user
	return nil
}

func (m *Memory) SetUserOnline(_ context.Context, userID string, online bool, status model.UserStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = model.User{ID: userID}
	}
	u.IsOnline = online
	u.Status = status
	u.LastActive = time.Now()
	m.users[userID] = u
	return nil
}

func (m *Memory) GetNotificationPref(_ context.Context, userID string) (model.NotificationPref, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prefs[userID]
	if !ok {
		return model.DefaultNotificationPref(userID), nil
	}
	return p, nil
}

func (m *Memory) UpsertNotificationPref(_ context.Context, pref model.NotificationPref) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prefs[pref.UserID] = pref
	return nil
}

func (m *Memory) ListDeviceTokens(_ context.Context, userID string) ([]model.DeviceToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.DeviceToken
	for _, t := range m.tokens[userID] {
		out = append(out, t)
	}
	return out, nil
}

func (m *Memory) UpsertDeviceToken(_ context.Context, token model.DeviceToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens[token.UserID] == nil {
		m.tokens[token.UserID] = make(map[string]model.DeviceToken)
	}
	m.tokens[token.UserID][token.Token] = token
	return nil
}

func (m *Memory) DeleteDeviceToken(_ context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tokens[userID], token)
	return nil
}

func (m *Memory) CreateNotification(_ context.Context, n model.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// Keyed by id so a redelivered event overwrites its own row instead
	// of inserting a duplicate.
	for i, existing := range m.notifs {
		if existing.ID == n.ID {
			m.notifs[i] = n
			return nil
		}
	}
	m.notifs = append(m.notifs, n)
	return nil
}

func (m *Memory) IncrementUnreadNotifications(_ context.Context, userID string, delta int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		u = model.User{ID: userID}
	}
	u.UnreadNotifications += delta
	m.users[userID] = u
	return nil
}

// Notifications exposes stored notifications for test assertions.
func (m *Memory) Notifications() []model.Notification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.Notification(nil), m.notifs...)
}

func (m *Memory) Ping(context.Context) error  { return nil }
func (m *Memory) Close(context.Context) error { return nil }
