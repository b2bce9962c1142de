package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/model"
)

// Mongo implements Store against MongoDB. Subcollections (messages,
// user_stats) are modeled as sibling top-level collections keyed by
// conversationId, since Mongo has no native subcollection concept —
// callers depend on the Store interface, not this shape.
type Mongo struct {
	client *mongo.Client

	conversations *mongo.Collection
	messages      *mongo.Collection
	userStats     *mongo.Collection
	users         *mongo.Collection
	prefs         *mongo.Collection
	tokens        *mongo.Collection
	notifications *mongo.Collection
}

// Dial connects to MongoDB and ensures indexes, including the unique
// partial index on (type, directKey) for direct conversations, where
// directKey is the sorted participant pair; it enforces the
// pair-uniqueness invariant as a second line of defense behind the
// application-level get-or-create in CreateConversation.
func Dial(ctx context.Context, uri, dbName string) (*Mongo, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, fmt.Errorf("ping mongo: %w", err)
	}

	db := client.Database(dbName)
	m := &Mongo{
		client:        client,
		conversations: db.Collection("conversations"),
		messages:      db.Collection("messages"),
		userStats:     db.Collection("user_stats"),
		users:         db.Collection("users"),
		prefs:         db.Collection("notification_preferences"),
		tokens:        db.Collection("device_tokens"),
		notifications: db.Collection("notifications"),
	}

	if err := m.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mongo) ensureIndexes(ctx context.Context) error {
	_, err := m.conversations.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "type", Value: 1}, {Key: "directKey", Value: 1}},
		Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{
			"type": string(model.ConversationDirect),
		}),
	})
	if err != nil {
		return fmt.Errorf("create direct-pair index: %w", err)
	}

	_, err = m.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversationId", Value: 1}, {Key: "timestamp", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("create messages index: %w", err)
	}

	_, err = m.userStats.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversationId", Value: 1}, {Key: "userId", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("create user_stats index: %w", err)
	}

	_, err = m.tokens.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "userId", Value: 1}, {Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return err
}

func directKeyOf(participants []string) string {
	p := append([]string(nil), participants...)
	sort.Strings(p)
	return strings.Join(p, "|")
}

func (m *Mongo) GetConversation(ctx context.Context, conversationID string) (model.Conversation, error) {
	var c model.Conversation
	err := m.conversations.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&c)
	if err == mongo.ErrNoDocuments {
		return model.Conversation{}, apperr.NotFound("conversation")
	}
	if err != nil {
		return model.Conversation{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	return c, nil
}

func (m *Mongo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	n, err := m.conversations.CountDocuments(ctx, bson.M{"_id": conversationID, "participants": userID})
	if err != nil {
		return false, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	return n > 0, nil
}

func (m *Mongo) ListConversations(ctx context.Context, userID string, convType model.ConversationType, page, size int, unreadOnly bool) (ListConversationsPage, error) {
	filter := bson.M{"participants": userID}
	if convType != "" {
		filter["type"] = convType
	}

	total, err := m.conversations.CountDocuments(ctx, filter)
	if err != nil {
		return ListConversationsPage{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "lastMessageTime", Value: -1}}).
		SetSkip(int64((page - 1) * size)).
		SetLimit(int64(size))

	cur, err := m.conversations.Find(ctx, filter, opts)
	if err != nil {
		return ListConversationsPage{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	defer cur.Close(ctx)

	var convs []model.Conversation
	if err := cur.All(ctx, &convs); err != nil {
		return ListConversationsPage{}, apperr.Wrap(apperr.KindServiceUnavailable, "store decode failed", err)
	}

	unreadByConv := make(map[string]int64, len(convs))
	kept := convs[:0]
	for _, c := range convs {
		var us model.UserStats
		err := m.userStats.FindOne(ctx, bson.M{"conversationId": c.ID, "userId": userID}).Decode(&us)
		unread := int64(0)
		if err == nil {
			unread = us.UnreadCount
		}
		if unreadOnly && unread == 0 {
			continue
		}
		unreadByConv[c.ID] = unread
		kept = append(kept, c)
	}

	return ListConversationsPage{Conversations: kept, UnreadByConv: unreadByConv, Total: total}, nil
}

func (m *Mongo) CreateConversation(ctx context.Context, in CreateConversationInput) (CreateConversationResult, error) {
	if in.Type == model.ConversationDirect {
		key := directKeyOf(in.Participants)
		var existing model.Conversation
		err := m.conversations.FindOne(ctx, bson.M{"type": model.ConversationDirect, "directKey": key}).Decode(&existing)
		if err == nil {
			return CreateConversationResult{Conversation: existing, Existed: true}, nil
		}
		if err != mongo.ErrNoDocuments {
			return CreateConversationResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
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
	doc := bson.M{
		"_id":          id,
		"type":         in.Type,
		"participants": in.Participants,
		"name":         in.Name,
		"admins":       admins,
		"createdAt":    now,
		"metadata":     in.Metadata,
	}
	if in.Type == model.ConversationDirect {
		doc["directKey"] = directKeyOf(in.Participants)
	}

	var msgID string
	if in.InitialMessage != "" {
		msgType := in.InitialType
		if msgType == "" {
			msgType = model.MessageText
		}
		msgID = uuid.NewString()
		doc["lastMessageTime"] = now
		doc["lastMessagePreview"] = model.TruncatePreview(in.InitialMessage)
		doc["lastMessageType"] = msgType
		doc["lastMessageSenderId"] = in.SenderID
	}

	if _, err := m.conversations.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) && in.Type == model.ConversationDirect {
			var existing model.Conversation
			if ferr := m.conversations.FindOne(ctx, bson.M{"type": model.ConversationDirect, "directKey": directKeyOf(in.Participants)}).Decode(&existing); ferr == nil {
				return CreateConversationResult{Conversation: existing, Existed: true}, nil
			}
		}
		return CreateConversationResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}

	if msgID != "" {
		msgType := in.InitialType
		if msgType == "" {
			msgType = model.MessageText
		}
		_, err := m.messages.InsertOne(ctx, model.Message{
			ID: msgID, ConversationID: id, SenderID: in.SenderID, Content: in.InitialMessage,
			MessageType: msgType, Timestamp: now, ReadBy: []string{in.SenderID},
		})
		if err != nil {
			return CreateConversationResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
		}
	}

	var statsDocs []any
	for _, p := range in.Participants {
		unread := int64(0)
		if p != in.SenderID && in.InitialMessage != "" {
			unread = 1
		}
		statsDocs = append(statsDocs, model.UserStats{ConversationID: id, UserID: p, UnreadCount: unread})
	}
	if len(statsDocs) > 0 {
		if _, err := m.userStats.InsertMany(ctx, statsDocs); err != nil {
			return CreateConversationResult{}, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
		}
	}

	conv, err := m.GetConversation(ctx, id)
	if err != nil {
		return CreateConversationResult{}, err
	}
	return CreateConversationResult{Conversation: conv, Existed: false, InitialMsgID: msgID}, nil
}

func (m *Mongo) UpdateConversationMeta(ctx context.Context, conversationID, name, description, avatarURL string) error {
	set := bson.M{}
	if name != "" {
		set["name"] = name
	}
	if description != "" {
		set["description"] = description
	}
	if avatarURL != "" {
		set["avatarUrl"] = avatarURL
	}
	if len(set) == 0 {
		return nil
	}
	res, err := m.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": set})
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("conversation")
	}
	return nil
}

func (m *Mongo) AddMember(ctx context.Context, conversationID, userID string) error {
	res, err := m.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$addToSet": bson.M{"participants": userID}})
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	if res.MatchedCount == 0 {
		return apperr.NotFound("conversation")
	}
	_, err = m.userStats.UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{"$setOnInsert": model.UserStats{ConversationID: conversationID, UserID: userID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) AppendMessage(ctx context.Context, conversationID, senderID, content string, msgType model.MessageType, fileInfo *model.FileInfo) (string, time.Time, error) {
	n, err := m.conversations.CountDocuments(ctx, bson.M{"_id": conversationID})
	if err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	if n == 0 {
		return "", time.Time{}, apperr.NotFound("conversation")
	}

	now := time.Now()
	id := uuid.NewString()
	msg := model.Message{
		ID: id, ConversationID: conversationID, SenderID: senderID, Content: content,
		MessageType: msgType, Timestamp: now, ReadBy: []string{senderID}, FileInfo: fileInfo,
	}
	if _, err := m.messages.InsertOne(ctx, msg); err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return id, now, nil
}

func (m *Mongo) GetMessage(ctx context.Context, conversationID, messageID string) (model.Message, error) {
	var msg model.Message
	err := m.messages.FindOne(ctx, bson.M{"_id": messageID, "conversationId": conversationID}).Decode(&msg)
	if err == mongo.ErrNoDocuments {
		return model.Message{}, apperr.NotFound("message")
	}
	if err != nil {
		return model.Message{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	return msg, nil
}

func (m *Mongo) ListMessages(ctx context.Context, conversationID string, page, size int) ([]model.Message, error) {
	opts := options.Find().
		SetSort(bson.D{{Key: "timestamp", Value: -1}}).
		SetSkip(int64((page - 1) * size)).
		SetLimit(int64(size))
	cur, err := m.messages.Find(ctx, bson.M{"conversationId": conversationID}, opts)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	defer cur.Close(ctx)
	var out []model.Message
	if err := cur.All(ctx, &out); err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "store decode failed", err)
	}
	return out, nil
}

func (m *Mongo) UpdateConversationPreview(ctx context.Context, conversationID, preview string, msgType model.MessageType, senderID string, timestamp time.Time) error {
	_, err := m.conversations.UpdateOne(ctx, bson.M{"_id": conversationID}, bson.M{"$set": bson.M{
		"lastMessagePreview": model.TruncatePreview(preview),
		"lastMessageType":    msgType,
		"lastMessageSenderId": senderID,
		"lastMessageTime":    timestamp,
	}})
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) BumpUnread(ctx context.Context, conversationID string, participants []string) error {
	for _, p := range participants {
		_, err := m.userStats.UpdateOne(ctx,
			bson.M{"conversationId": conversationID, "userId": p},
			bson.M{"$inc": bson.M{"unreadCount": 1}},
			options.Update().SetUpsert(true),
		)
		if err != nil {
			return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
		}
	}
	return nil
}

func (m *Mongo) AddToReadBy(ctx context.Context, conversationID, messageID, userID string) (bool, error) {
	res, err := m.messages.UpdateOne(ctx,
		bson.M{"_id": messageID, "conversationId": conversationID, "readBy": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"readBy": userID}},
	)
	if err != nil {
		return false, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	if res.MatchedCount == 0 {
		n, err := m.messages.CountDocuments(ctx, bson.M{"_id": messageID, "conversationId": conversationID})
		if err != nil {
			return false, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
		}
		if n == 0 {
			return false, apperr.NotFound("message")
		}
		return false, nil
	}
	return res.ModifiedCount > 0, nil
}

func (m *Mongo) DecrementUnread(ctx context.Context, conversationID, userID string) error {
	_, err := m.userStats.UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID, "unreadCount": bson.M{"$gt": 0}},
		bson.M{"$inc": bson.M{"unreadCount": -1}},
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) ResetUnread(ctx context.Context, conversationID, userID string) error {
	_, err := m.userStats.UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{"$set": bson.M{"unreadCount": int64(0)}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) MarkAllRead(ctx context.Context, conversationID, userID string) (int, error) {
	res, err := m.messages.UpdateMany(ctx,
		bson.M{"conversationId": conversationID, "readBy": bson.M{"$ne": userID}},
		bson.M{"$addToSet": bson.M{"readBy": userID}},
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}

	var last model.Message
	_ = m.messages.FindOne(ctx, bson.M{"conversationId": conversationID}, options.FindOne().SetSort(bson.D{{Key: "timestamp", Value: -1}})).Decode(&last)

	_, err = m.userStats.UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{"$set": bson.M{"unreadCount": int64(0), "lastReadMessageId": last.ID}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return int(res.ModifiedCount), nil
}

func (m *Mongo) RecomputeUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	count, err := m.messages.CountDocuments(ctx, bson.M{"conversationId": conversationID, "readBy": bson.M{"$ne": userID}})
	if err != nil {
		return 0, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	_, err = m.userStats.UpdateOne(ctx,
		bson.M{"conversationId": conversationID, "userId": userID},
		bson.M{"$set": bson.M{"unreadCount": count}},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return count, nil
}

func (m *Mongo) GetUnreadCount(ctx context.Context, conversationID, userID string) (int64, error) {
	var us model.UserStats
	err := m.userStats.FindOne(ctx, bson.M{"conversationId": conversationID, "userId": userID}).Decode(&us)
	if err == mongo.ErrNoDocuments {
		return 0, nil
	}
	if err != nil {
		return 0, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	return us.UnreadCount, nil
}

func (m *Mongo) ListConversationParticipantPairs(ctx context.Context) ([]ConversationParticipant, error) {
	cur, err := m.conversations.Find(ctx, bson.M{}, options.Find().SetProjection(bson.M{"participants": 1}))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	defer cur.Close(ctx)

	var out []ConversationParticipant
	for cur.Next(ctx) {
		var doc struct {
			ID           string   `bson:"_id"`
			Participants []string `bson:"participants"`
		}
		if err := cur.Decode(&doc); err != nil {
			continue
		}
		for _, p := range doc.Participants {
			out = append(out, ConversationParticipant{ConversationID: doc.ID, UserID: p})
		}
	}
	return out, cur.Err()
}

func (m *Mongo) SetReaction(ctx context.Context, conversationID, messageID, userID string, emoji *string) (map[string]string, error) {
	var update bson.M
	if emoji == nil {
		update = bson.M{"$unset": bson.M{"reactions." + userID: ""}}
	} else {
		update = bson.M{"$set": bson.M{"reactions." + userID: *emoji}}
	}
	res := m.messages.FindOneAndUpdate(ctx,
		bson.M{"_id": messageID, "conversationId": conversationID},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	)
	var msg model.Message
	if err := res.Decode(&msg); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, apperr.NotFound("message")
		}
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	if msg.Reactions == nil {
		return map[string]string{}, nil
	}
	return msg.Reactions, nil
}

func (m *Mongo) GetUser(ctx context.Context, userID string) (model.User, error) {
	var u model.User
	err := m.users.FindOne(ctx, bson.M{"_id": userID}).Decode(&u)
	if err == mongo.ErrNoDocuments {
		return model.User{}, apperr.NotFound("user")
	}
	if err != nil {
		return model.User{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	return u, nil
}

func (m *Mongo) UpsertUser(ctx context.Context, user model.User) error {
	_, err := m.users.ReplaceOne(ctx, bson.M{"_id": user.ID}, user, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) SetUserOnline(ctx context.Context, userID string, online bool, status model.UserStatus) error {
	_, err := m.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$set": bson.M{
		"isOnline": online, "status": status, "lastActive": time.Now(),
	}}, options.Update().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) GetNotificationPref(ctx context.Context, userID string) (model.NotificationPref, error) {
	var p model.NotificationPref
	err := m.prefs.FindOne(ctx, bson.M{"userId": userID}).Decode(&p)
	if err == mongo.ErrNoDocuments {
		return model.DefaultNotificationPref(userID), nil
	}
	if err != nil {
		return model.NotificationPref{}, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	return p, nil
}

func (m *Mongo) UpsertNotificationPref(ctx context.Context, pref model.NotificationPref) error {
	_, err := m.prefs.ReplaceOne(ctx, bson.M{"userId": pref.UserID}, pref, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) ListDeviceTokens(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	cur, err := m.tokens.Find(ctx, bson.M{"userId": userID})
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "store read failed", err)
	}
	defer cur.Close(ctx)
	var out []model.DeviceToken
	if err := cur.All(ctx, &out); err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "store decode failed", err)
	}
	return out, nil
}

func (m *Mongo) UpsertDeviceToken(ctx context.Context, token model.DeviceToken) error {
	_, err := m.tokens.ReplaceOne(ctx,
		bson.M{"userId": token.UserID, "token": token.Token},
		token,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) DeleteDeviceToken(ctx context.Context, userID, token string) error {
	_, err := m.tokens.DeleteOne(ctx, bson.M{"userId": userID, "token": token})
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	// Upsert keyed by id so a redelivered queue event overwrites its own
	// row instead of failing on the unique _id and looping forever
	// through the retry queue.
	_, err := m.notifications.ReplaceOne(ctx, bson.M{"_id": n.ID}, n, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) IncrementUnreadNotifications(ctx context.Context, userID string, delta int64) error {
	_, err := m.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$inc": bson.M{"unreadNotifications": delta}}, options.Update().SetUpsert(true))
	if err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "store write failed", err)
	}
	return nil
}

func (m *Mongo) Ping(ctx context.Context) error {
	return m.client.Ping(ctx, nil)
}

func (m *Mongo) Close(ctx context.Context) error {
	return m.client.Disconnect(ctx)
}
