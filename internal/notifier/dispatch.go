package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/metrics"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/push"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

// Outcome is what Dispatch decided to do with one message.
type Outcome int

const (
	OutcomeSuccess Outcome = iota // delete the source message
	OutcomeRetry                  // call RetrySend, then delete the source
	OutcomeDrop                   // delete the source, no retry (malformed/unknown)
)

// Dispatcher is the shared logic both the main and retry pollers run.
// It owns no durable state of its own; it only mutates Notification
// and DeviceToken rows on behalf of events it processes.
type Dispatcher struct {
	store store.Store
	queue queue.Queue
	sender push.Sender
	sns    push.SNSPublisher

	multicastBatch int
	log            zerolog.Logger
	metrics        *metrics.Registry
}

func NewDispatcher(st store.Store, q queue.Queue, sender push.Sender, sns push.SNSPublisher, multicastBatch int, log zerolog.Logger) *Dispatcher {
	if multicastBatch <= 0 {
		multicastBatch = push.DefaultMulticastBatch
	}
	return &Dispatcher{
		store:          st,
		queue:          q,
		sender:         sender,
		sns:            sns,
		multicastBatch: multicastBatch,
		log:            log.With().Str("component", "notifier.dispatcher").Logger(),
	}
}

// WithMetrics attaches a metrics registry whose counters this
// dispatcher increments as it processes events. Optional: a nil
// registry (the zero value from NewDispatcher) disables the hooks.
func (d *Dispatcher) WithMetrics(m *metrics.Registry) *Dispatcher {
	d.metrics = m
	return d
}

// Dispatch parses one queue message body and routes it to a handler.
// Parse failures and unrecognized event types are dropped; everything
// else runs its handler and maps the handler's success bool onto an
// Outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, body []byte) (Outcome, Event) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		d.log.Warn().Err(err).Msg("dropping unparseable queue message")
		return OutcomeDrop, Event{}
	}

	var ok bool
	switch ev.Event {
	case EventNewMessage:
		ok = d.handleNewMessage(ctx, ev)
	case EventGroupInvitation:
		ok = d.handleGroupInvitation(ctx, ev)
	case EventFriendRequest:
		ok = d.handleFriendRequest(ctx, ev)
	case EventDirectConversationCreated, EventGroupConversationCreated:
		ok = d.handleConversationCreated(ctx, ev)
	default:
		d.log.Warn().Str("event", string(ev.Event)).Msg("dropping unrecognized event type")
		return OutcomeDrop, ev
	}

	if ok {
		return OutcomeSuccess, ev
	}
	return OutcomeRetry, ev
}

// handleNewMessage pushes a new-message notification to every listed
// recipient who is still offline at consume time.
func (d *Dispatcher) handleNewMessage(ctx context.Context, ev Event) bool {
	if ev.ConversationID == "" || ev.SenderID == "" || len(ev.Participants) == 0 {
		d.log.Warn().Str("messageId", ev.MessageID).Msg("new_message event missing required fields; dropping")
		return true
	}

	conv, err := d.store.GetConversation(ctx, ev.ConversationID)
	if err != nil {
		d.log.Warn().Err(err).Str("conversationId", ev.ConversationID).Msg("conversation lookup failed")
		return false
	}

	sender, err := d.store.GetUser(ctx, ev.SenderID)
	senderName := ev.SenderID
	if err == nil && sender.DisplayName != "" {
		senderName = sender.DisplayName
	}

	title := senderName
	body := ev.Content
	return d.notifyParticipants(ctx, ev.Participants, conv.Type, model.NotificationNewMessage, title, body, map[string]string{
		"conversationId": ev.ConversationID,
		"messageId":      ev.MessageID,
		"senderId":       ev.SenderID,
	})
}

func (d *Dispatcher) handleGroupInvitation(ctx context.Context, ev Event) bool {
	if ev.TargetUserID == "" || ev.SenderID == "" {
		d.log.Warn().Str("messageId", ev.MessageID).Msg("group_invitation event missing required fields; dropping")
		return true
	}
	sender, err := d.store.GetUser(ctx, ev.SenderID)
	senderName := ev.SenderID
	if err == nil && sender.DisplayName != "" {
		senderName = sender.DisplayName
	}
	body := fmt.Sprintf("invited you to join %s", ev.GroupName)
	return d.notifyParticipants(ctx, []string{ev.TargetUserID}, model.ConversationGroup, model.NotificationGroupInvitation, senderName, body, map[string]string{
		"conversationId": ev.ConversationID,
	})
}

func (d *Dispatcher) handleFriendRequest(ctx context.Context, ev Event) bool {
	if ev.TargetUserID == "" || ev.SenderID == "" {
		d.log.Warn().Str("messageId", ev.MessageID).Msg("friend_request event missing required fields; dropping")
		return true
	}
	sender, err := d.store.GetUser(ctx, ev.SenderID)
	senderName := ev.SenderID
	if err == nil && sender.DisplayName != "" {
		senderName = sender.DisplayName
	}
	return d.notifyParticipants(ctx, []string{ev.TargetUserID}, "", model.NotificationFriendRequest, senderName, "sent you a friend request", map[string]string{
		"senderId": ev.SenderID,
	})
}

// handleConversationCreated covers direct_conversation_created and
// group_conversation_created: "notify all non-creators identical to
// new_message but using the initial message (if any) or canned text."
func (d *Dispatcher) handleConversationCreated(ctx context.Context, ev Event) bool {
	if ev.ConversationID == "" || len(ev.Participants) == 0 {
		d.log.Warn().Str("messageId", ev.MessageID).Msg("conversation-created event missing required fields; dropping")
		return true
	}
	sender, err := d.store.GetUser(ctx, ev.SenderID)
	senderName := ev.SenderID
	if err == nil && sender.DisplayName != "" {
		senderName = sender.DisplayName
	}
	body := ev.Content
	if body == "" {
		if ev.Event == EventGroupConversationCreated {
			body = "added you to a new group"
		} else {
			body = "started a conversation with you"
		}
	}
	nType := model.NotificationDirectConversationCreated
	if ev.Event == EventGroupConversationCreated {
		nType = model.NotificationGroupConversationCreated
	}
	return d.notifyParticipants(ctx, ev.Participants, model.ConversationType(""), nType, senderName, body, map[string]string{
		"conversationId": ev.ConversationID,
	})
}

// notifyParticipants is the common tail shared by every handler
// above: for each recipient (already excluding the sender by
// construction of the participant list) check liveness, evaluate
// preferences, push if allowed, and always record a Notification row
// plus increment unreadNotifications. One failed recipient does not
// fail the others; the handler overall only reports failure if a
// store write itself errors, since pushes are best-effort.
func (d *Dispatcher) notifyParticipants(ctx context.Context, recipients []string, convType model.ConversationType, nType model.NotificationType, title, body string, data map[string]string) bool {
	allOK := true
	for _, userID := range recipients {
		if userID == "" {
			continue
		}
		if err := d.notifyOne(ctx, userID, convType, nType, title, body, data); err != nil {
			d.log.Warn().Err(err).Str("userId", userID).Msg("notify recipient failed")
			allOK = false
		}
	}
	return allOK
}

func (d *Dispatcher) notifyOne(ctx context.Context, userID string, convType model.ConversationType, nType model.NotificationType, title, body string, data map[string]string) error {
	user, err := d.store.GetUser(ctx, userID)
	isOnline := err == nil && user.IsOnline

	if !isOnline {
		if allowed, err := d.pushAllowed(ctx, userID, nType, convType); err != nil {
			d.log.Warn().Err(err).Str("userId", userID).Msg("preference lookup failed; skipping push")
		} else if allowed {
			d.sendPush(ctx, userID, title, body, data)
			if d.metrics != nil {
				d.metrics.NotificationsSent.Inc()
			}
		}
	}

	notif := model.Notification{
		ID:        newNotificationID(nType, userID, data),
		UserID:    userID,
		Type:      nType,
		Title:     title,
		Body:      body,
		Data:      toAnyMap(data),
		CreatedAt: time.Now(),
	}
	if err := d.store.CreateNotification(ctx, notif); err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	if err := d.store.IncrementUnreadNotifications(ctx, userID, 1); err != nil {
		return fmt.Errorf("increment unread notifications: %w", err)
	}
	return nil
}

// pushAllowed evaluates a user's notification preferences:
// pushEnabled gates everything, muteUntil suppresses, then the
// per-type flag. A missing preference doc means everything is
// enabled (model.DefaultNotificationPref).
func (d *Dispatcher) pushAllowed(ctx context.Context, userID string, nType model.NotificationType, convType model.ConversationType) (bool, error) {
	pref, err := d.store.GetNotificationPref(ctx, userID)
	if err != nil {
		return false, err
	}
	if !pref.PushEnabled {
		return false, nil
	}
	if pref.MuteUntil != nil && pref.MuteUntil.After(time.Now()) {
		return false, nil
	}
	switch nType {
	case model.NotificationFriendRequest:
		return pref.FriendRequestNotifications, nil
	case model.NotificationGroupInvitation:
		return pref.GroupNotifications, nil
	case model.NotificationNewMessage:
		if convType == model.ConversationGroup {
			return pref.GroupNotifications, nil
		}
		return pref.MessageNotifications, nil
	case model.NotificationDirectConversationCreated:
		return pref.MessageNotifications, nil
	case model.NotificationGroupConversationCreated:
		return pref.GroupNotifications, nil
	default:
		return pref.SystemNotifications, nil
	}
}

// sendPush fetches the user's device tokens, groups by platform,
// sends to ios/android via Sender in batches of at most
// multicastBatch, optionally publishes to SNS for web tokens, and
// deletes any token whose error maps to an invalid-token code.
// Delivery failures are logged, not returned; a push failure never
// blocks the Notification-row bookkeeping above.
func (d *Dispatcher) sendPush(ctx context.Context, userID, title, body string, data map[string]string) {
	tokens, err := d.store.ListDeviceTokens(ctx, userID)
	if err != nil {
		d.log.Warn().Err(err).Str("userId", userID).Msg("list device tokens failed")
		return
	}
	if len(tokens) == 0 {
		return
	}

	byPlatform := push.GroupByPlatform(tokens)
	for platform, toks := range byPlatform {
		switch platform {
		case model.DeviceWeb:
			d.sendWeb(ctx, userID, toks, title, body)
		default:
			d.sendMobile(ctx, toks, title, body, data)
		}
	}
}

func (d *Dispatcher) sendMobile(ctx context.Context, tokens []model.DeviceToken, title, body string, data map[string]string) {
	for _, batch := range push.Chunk(tokens, d.multicastBatch) {
		strs := make([]string, len(batch))
		for i, t := range batch {
			strs[i] = t.Token
		}
		results, err := d.sender.SendMulticast(ctx, strs, title, body, data)
		if err != nil {
			d.log.Warn().Err(err).Msg("send multicast failed")
			continue
		}
		for i, res := range results {
			if res.Err == nil {
				continue
			}
			if res.InvalidToken {
				if err := d.store.DeleteDeviceToken(ctx, batch[i].UserID, batch[i].Token); err != nil {
					d.log.Warn().Err(err).Msg("delete invalid device token failed")
				}
				if d.metrics != nil {
					d.metrics.PushInvalidTokens.Inc()
				}
				continue
			}
			d.log.Warn().Err(res.Err).Str("userId", batch[i].UserID).Msg("push send failed for token")
		}
	}
}

func (d *Dispatcher) sendWeb(ctx context.Context, userID string, tokens []model.DeviceToken, title, body string) {
	if d.sns == nil {
		d.sendMobile(ctx, tokens, title, body, nil)
		return
	}
	payload, _ := json.Marshal(map[string]string{"userId": userID, "title": title, "body": body})
	if err := d.sns.Publish(ctx, "", string(payload)); err != nil {
		d.log.Warn().Err(err).Str("userId", userID).Msg("sns publish failed")
	}
}

func toAnyMap(m map[string]string) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newNotificationID(nType model.NotificationType, userID string, data map[string]string) string {
	// Derive a stable id from the event's own identifiers when
	// available, so a duplicate delivery of the same queue message
	// upserts the same notification row rather than inserting a fresh
	// one per attempt.
	if mid := data["messageId"]; mid != "" {
		return string(nType) + ":" + data["conversationId"] + ":" + mid + ":" + userID
	}
	return string(nType) + ":" + uuid.NewString()
}
