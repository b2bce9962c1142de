// Package messaging implements the Message Write Path (C5) and Unread
// Maintenance (C6): the two components that turn an HTTP request into
// a persisted message, a conversation metadata update, an unread
// fan-out, a real-time broadcast, and an offline-notification handoff.
package messaging

import (
	"context"
	"encoding/json"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
	"github.com/streamspace-dev/chatrelay/internal/bus"
	"github.com/streamspace-dev/chatrelay/internal/metrics"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/notifier"
	"github.com/streamspace-dev/chatrelay/internal/queue"
	"github.com/streamspace-dev/chatrelay/internal/store"
	"github.com/streamspace-dev/chatrelay/internal/wsrelay"
)

// Broadcaster is the subset of *wsrelay.Manager the write path needs:
// the local fallback used when the bus publish fails. Narrowed to an
// interface so tests can stub it without standing up real sockets.
type Broadcaster interface {
	BroadcastToConversation(ctx context.Context, ev wsrelay.Event, conversationID, skipUser string)
	EnsureSubscribed(ctx context.Context, conversationID string)
}

// Service wires the Store, Bus, Queue adapters and the local
// Connection Manager together behind the message write, read-receipt,
// and unread-maintenance operations. It is constructed once in
// cmd/server and handed to the HTTP handlers.
type Service struct {
	store       store.Store
	bus         bus.Bus
	queue       queue.Queue
	broadcaster Broadcaster
	dispatcher  *notifier.Dispatcher // in-line fallback when the queue is unavailable

	sanitizer *bluemonday.Policy
	log       zerolog.Logger
	metrics   *metrics.Registry
}

// WithMetrics attaches a metrics registry whose counters this service
// increments as it processes requests. Optional.
func (s *Service) WithMetrics(m *metrics.Registry) *Service {
	s.metrics = m
	return s
}

func NewService(st store.Store, b bus.Bus, q queue.Queue, broadcaster Broadcaster, dispatcher *notifier.Dispatcher, log zerolog.Logger) *Service {
	return &Service{
		store:       st,
		bus:         b,
		queue:       q,
		broadcaster: broadcaster,
		dispatcher:  dispatcher,
		sanitizer:   bluemonday.StrictPolicy(),
		log:         log.With().Str("component", "messaging.service").Logger(),
	}
}

var validMessageTypes = map[model.MessageType]bool{
	model.MessageText:  true,
	model.MessageImage: true,
	model.MessageVideo: true,
	model.MessageAudio: true,
	model.MessageFile:  true,
}

// SendMessage runs the full write path: validate, persist, update the
// conversation preview, bump unread counters, broadcast, and hand off
// offline notifications. Only message persistence can fail the
// request; every later step logs and continues.
func (s *Service) SendMessage(ctx context.Context, conversationID, senderID, content string, msgType model.MessageType, fileInfo *model.FileInfo) (messageID string, timestamp time.Time, appErr *apperr.AppError) {
	if content == "" {
		return "", time.Time{}, apperr.Validation("content must not be empty")
	}
	if !validMessageTypes[msgType] {
		return "", time.Time{}, apperr.Validation("invalid messageType")
	}

	isParticipant, err := s.store.IsParticipant(ctx, conversationID, senderID)
	if err != nil {
		return "", time.Time{}, apperr.Internal(err)
	}
	if !isParticipant {
		return "", time.Time{}, apperr.Forbidden("not a participant of this conversation")
	}

	clean := s.sanitizer.Sanitize(content)

	// Persist first. Failure aborts the request; no partial state has
	// been created before this point.
	messageID, timestamp, err = s.store.AppendMessage(ctx, conversationID, senderID, clean, msgType, fileInfo)
	if err != nil {
		return "", time.Time{}, apperr.Internal(err)
	}

	conv, err := s.store.GetConversation(ctx, conversationID)
	if err != nil {
		s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("conversation lookup failed after message write; downstream steps skipped")
		return messageID, timestamp, nil
	}

	// Preview update. Best-effort.
	preview := model.TruncatePreview(clean)
	if err := s.store.UpdateConversationPreview(ctx, conversationID, preview, msgType, senderID, timestamp); err != nil {
		s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("preview update failed; continuing")
	}

	// Unread fan-out. Best-effort; a retried send can double-count,
	// which the recompute job repairs.
	recipients := without(conv.Participants, senderID)
	if len(recipients) > 0 {
		if err := s.store.BumpUnread(ctx, conversationID, recipients); err != nil {
			s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("unread bump failed; maintenance job will repair")
		}
	}

	// Publish to the bus; falls back to local broadcast on failure.
	ev := wsrelay.Event{
		Event:          wsrelay.EventNewMessage,
		ConversationID: conversationID,
		MessageID:      messageID,
		SenderID:       senderID,
		Content:        clean,
		MessageType:    string(msgType),
		Timestamp:      timestamp,
		Participants:   conv.Participants,
	}
	s.publishOrBroadcast(ctx, ev, conversationID, senderID)

	// Offline notification handoff, off the request path.
	go s.handleOfflineNotification(context.Background(), conversationID, messageID, senderID, clean, msgType, timestamp, recipients)

	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}
	return messageID, timestamp, nil
}

func (s *Service) publishOrBroadcast(ctx context.Context, ev wsrelay.Event, conversationID, skipUser string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal event failed")
		return
	}
	if _, err := s.bus.Publish(ctx, bus.ConversationChannel(conversationID), payload); err != nil {
		s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("bus publish failed; falling back to local broadcast")
		if s.broadcaster != nil {
			s.broadcaster.BroadcastToConversation(ctx, ev, conversationID, skipUser)
		}
	}
}

// handleOfflineNotification finds recipients with no live connection
// and enqueues a push-notification event for them. It runs off the
// request path so its latency never affects the HTTP response.
func (s *Service) handleOfflineNotification(ctx context.Context, conversationID, messageID, senderID, content string, msgType model.MessageType, timestamp time.Time, recipients []string) {
	var offline []string
	for _, userID := range recipients {
		count, err := s.bus.ConnectionCount(ctx, userID)
		if err != nil {
			s.log.Warn().Err(err).Str("userId", userID).Msg("connection count check failed; assuming offline")
			offline = append(offline, userID)
			continue
		}
		if count == 0 {
			offline = append(offline, userID)
		}
	}
	if len(offline) == 0 {
		return
	}

	ev := notifier.Event{
		Event:          notifier.EventNewMessage,
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		MessageType:    string(msgType),
		Timestamp:      timestamp,
		Participants:   offline,
	}
	body, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal notification event failed")
		return
	}

	if err := s.queue.Send(ctx, queue.Main, body, 0); err != nil {
		s.log.Warn().Err(err).Msg("queue unavailable; processing notification in-line (degraded mode)")
		if s.dispatcher != nil {
			if outcome, _ := s.dispatcher.Dispatch(ctx, body); outcome == notifier.OutcomeRetry {
				s.log.Warn().Str("messageId", messageID).Msg("in-line notification handling failed; no queue available to retry onto")
			}
		}
	}
}

// MarkRead adds the user to a message's readBy set and, only when
// that actually changed the set, decrements their unread counter.
// Calling it twice is a no-op the second time.
func (s *Service) MarkRead(ctx context.Context, conversationID, messageID, userID string) error {
	added, err := s.store.AddToReadBy(ctx, conversationID, messageID, userID)
	if err != nil {
		return apperr.Internal(err)
	}
	if added {
		if err := s.store.DecrementUnread(ctx, conversationID, userID); err != nil {
			s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("decrement unread failed")
		}
	}

	ev := wsrelay.Event{Event: wsrelay.EventMessageRead, ConversationID: conversationID, MessageID: messageID, UserID: userID, Timestamp: time.Now()}
	s.publishOrBroadcast(ctx, ev, conversationID, userID)
	return nil
}

// MarkAllRead marks every unread message in the conversation as read
// by the user and resets their unread counter to zero.
func (s *Service) MarkAllRead(ctx context.Context, conversationID, userID string) (int, error) {
	count, err := s.store.MarkAllRead(ctx, conversationID, userID)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	if err := s.store.ResetUnread(ctx, conversationID, userID); err != nil {
		s.log.Warn().Err(err).Str("conversationId", conversationID).Msg("reset unread failed after mark-all-read")
	}

	ev := wsrelay.Event{Event: wsrelay.EventConversationRead, ConversationID: conversationID, UserID: userID, Count: count, Timestamp: time.Now()}
	s.publishOrBroadcast(ctx, ev, conversationID, userID)
	return count, nil
}

// RecomputeUnread rescans one (conversation, user) pair and overwrites
// a drifted unread counter with the actual count.
func (s *Service) RecomputeUnread(ctx context.Context, conversationID, userID string) (int64, error) {
	count, err := s.store.RecomputeUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, apperr.Internal(err)
	}
	return count, nil
}

// RepairResult reports the outcome of one (conversation, user) pair
// examined by RepairAll.
type RepairResult struct {
	ConversationID string
	UserID         string
	Before         int64
	After          int64
}

// RepairAll scans all conversation/participant pairs and recomputes
// any counter with drift, bounded by a worker pool.
func (s *Service) RepairAll(ctx context.Context, concurrency int) ([]RepairResult, error) {
	pairs, err := s.store.ListConversationParticipantPairs(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	if concurrency <= 0 {
		concurrency = 8
	}

	type job = store.ConversationParticipant
	jobs := make(chan job)
	results := make(chan RepairResult, len(pairs))
	// Each pair sends at most one error, so buffer for the worst case
	// to keep workers from blocking on a full channel.
	errs := make(chan error, len(pairs))

	worker := func() {
		for p := range jobs {
			before, err := s.store.GetUnreadCount(ctx, p.ConversationID, p.UserID)
			if err != nil {
				errs <- err
				continue
			}
			after, err := s.store.RecomputeUnread(ctx, p.ConversationID, p.UserID)
			if err != nil {
				errs <- err
				continue
			}
			if after != before {
				results <- RepairResult{ConversationID: p.ConversationID, UserID: p.UserID, Before: before, After: after}
			}
		}
	}

	done := make(chan struct{})
	for i := 0; i < concurrency; i++ {
		go func() {
			worker()
			done <- struct{}{}
		}()
	}
	for _, p := range pairs {
		jobs <- p
	}
	close(jobs)
	for i := 0; i < concurrency; i++ {
		<-done
	}
	close(results)
	close(errs)

	select {
	case err := <-errs:
		if err != nil {
			return nil, apperr.Internal(err)
		}
	default:
	}

	var out []RepairResult
	for r := range results {
		out = append(out, r)
	}
	return out, nil
}

// FindInconsistencies is the read-only counterpart of RepairAll: it
// reports drift without writing anything back, for the admin
// `find_inconsistencies` endpoint.
func (s *Service) FindInconsistencies(ctx context.Context) ([]RepairResult, error) {
	pairs, err := s.store.ListConversationParticipantPairs(ctx)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	var out []RepairResult
	for _, p := range pairs {
		before, err := s.store.GetUnreadCount(ctx, p.ConversationID, p.UserID)
		if err != nil {
			continue
		}
		// RecomputeUnread would mutate state, so reproduce its scan
		// read-only by counting messages the user hasn't read.
		msgs, err := s.store.ListMessages(ctx, p.ConversationID, 1, 1<<20)
		if err != nil {
			continue
		}
		var actual int64
		for _, m := range msgs {
			if !contains(m.ReadBy, p.UserID) {
				actual++
			}
		}
		if actual != before {
			out = append(out, RepairResult{ConversationID: p.ConversationID, UserID: p.UserID, Before: before, After: actual})
		}
	}
	return out, nil
}

// SetReaction implements the reaction endpoint (C1's set_reaction,
// wired through the bus like every other mutation).
func (s *Service) SetReaction(ctx context.Context, conversationID, messageID, userID string, emoji *string) (map[string]string, error) {
	reactions, err := s.store.SetReaction(ctx, conversationID, messageID, userID, emoji)
	if err != nil {
		return nil, apperr.As(err)
	}
	ev := wsrelay.Event{Event: wsrelay.EventMessageReaction, ConversationID: conversationID, MessageID: messageID, UserID: userID, Reactions: reactions, Timestamp: time.Now()}
	s.publishOrBroadcast(ctx, ev, conversationID, "")
	return reactions, nil
}

// Typing publishes a fire-and-forget typing indicator; it touches no
// durable state.
func (s *Service) Typing(ctx context.Context, conversationID, userID string) {
	ev := wsrelay.Event{Event: wsrelay.EventTyping, ConversationID: conversationID, SenderID: userID, Timestamp: time.Now()}
	s.publishOrBroadcast(ctx, ev, conversationID, userID)
}

// CreateConversation is get-or-create: a direct conversation with the
// same participant pair returns the existing one. It also subscribes
// this instance to the new channel so an immediately-following message
// reaches any already-connected participant without waiting for their
// next reconnect-driven resubscribe.
func (s *Service) CreateConversation(ctx context.Context, in store.CreateConversationInput) (store.CreateConversationResult, error) {
	res, err := s.store.CreateConversation(ctx, in)
	if err != nil {
		return store.CreateConversationResult{}, apperr.As(err)
	}
	if s.broadcaster != nil {
		s.broadcaster.EnsureSubscribed(ctx, res.Conversation.ID)
	}
	if !res.Existed {
		go s.handleConversationCreatedNotification(context.Background(), res, in)
	}
	return res, nil
}

// handleConversationCreatedNotification enqueues a conversation-created
// event for participants who have no live connection, so they get a
// push about the new thread the same way they would about a message.
func (s *Service) handleConversationCreatedNotification(ctx context.Context, res store.CreateConversationResult, in store.CreateConversationInput) {
	var offline []string
	for _, userID := range without(res.Conversation.Participants, in.SenderID) {
		count, err := s.bus.ConnectionCount(ctx, userID)
		if err != nil || count == 0 {
			offline = append(offline, userID)
		}
	}
	if len(offline) == 0 {
		return
	}

	eventType := notifier.EventDirectConversationCreated
	if res.Conversation.Type == model.ConversationGroup {
		eventType = notifier.EventGroupConversationCreated
	}
	ev := notifier.Event{
		Event:          eventType,
		MessageID:      res.InitialMsgID,
		ConversationID: res.Conversation.ID,
		SenderID:       in.SenderID,
		Content:        in.InitialMessage,
		GroupName:      res.Conversation.Name,
		Participants:   offline,
		Timestamp:      time.Now(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Msg("marshal conversation-created event failed")
		return
	}
	if err := s.queue.Send(ctx, queue.Main, body, 0); err != nil {
		s.log.Warn().Err(err).Msg("queue unavailable; processing conversation-created notification in-line (degraded mode)")
		if s.dispatcher != nil {
			s.dispatcher.Dispatch(ctx, body)
		}
	}
}

func without(all []string, exclude string) []string {
	out := make([]string, 0, len(all))
	for _, v := range all {
		if v != exclude {
			out = append(out, v)
		}
	}
	return out
}

func contains(ss []string, v string) bool {
	for _, s := range ss {
		if s == v {
			return true
		}
	}
	return false
}
