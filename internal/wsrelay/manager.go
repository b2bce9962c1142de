package wsrelay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/bus"
	"github.com/streamspace-dev/chatrelay/internal/model"
	"github.com/streamspace-dev/chatrelay/internal/store"
)

// Manager is the per-process connection manager. It holds every
// locally-accepted socket, multiplexed by user, and is the only thing
// in the process that touches *websocket.Conn directly; everything
// else talks to it through Accept/Disconnect/OnBusEvent. One struct
// owns the client set, a mutex guards it, and cross-instance delivery
// is driven by bus events rather than a direct broadcast loop.
type Manager struct {
	instanceID   string
	offlineGrace time.Duration

	store store.Store
	bus   bus.Bus

	log zerolog.Logger

	mu      sync.RWMutex
	byUser  map[string]map[string]*Client // userID -> connectionID -> client
	grace   map[string]*time.Timer        // userID -> pending offline-grace timer
	served  map[string]int                // channel -> local refcount, drives Subscribe/Unsubscribe
}

func NewManager(instanceID string, offlineGrace time.Duration, st store.Store, b bus.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		instanceID:   instanceID,
		offlineGrace: offlineGrace,
		store:        st,
		bus:          b,
		log:          log.With().Str("component", "wsrelay.manager").Logger(),
		byUser:       make(map[string]map[string]*Client),
		grace:        make(map[string]*time.Timer),
		served:       make(map[string]int),
	}
}

// Accept finishes the handshake the caller has already authenticated:
// it assigns a connectionId, registers it in the bus's connection
// registry, marks the user online on first connection, subscribes
// this instance to the channels of every conversation the user is in,
// starts the Client's writePump, and returns the Client; the caller
// runs its ReadPump wired to HandleFrame.
func (m *Manager) Accept(ctx context.Context, conn *websocket.Conn, userID, ipAddress string) (*Client, error) {
	connID := uuid.NewString()
	client := newClient(m, conn, connID, userID, m.log)

	m.mu.Lock()
	if t, ok := m.grace[userID]; ok {
		t.Stop()
		delete(m.grace, userID)
	}
	conns, existed := m.byUser[userID]
	if !existed {
		conns = make(map[string]*Client)
		m.byUser[userID] = conns
	}
	firstConnection := len(conns) == 0
	conns[connID] = client
	m.mu.Unlock()

	if err := m.bus.RegisterConnection(ctx, userID, connID, m.instanceID, bus.ConnectionMeta{
		InstanceID: m.instanceID,
		CreatedAt:  time.Now(),
		IPAddress:  ipAddress,
	}); err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("register connection failed")
	}

	if firstConnection {
		if err := m.store.SetUserOnline(ctx, userID, true, model.StatusAvailable); err != nil {
			m.log.Warn().Err(err).Str("userId", userID).Msg("set user online failed")
		}
		m.publishStatus(ctx, userID, model.StatusAvailable)

		// served is a per-channel refcount of LOCAL connections, so
		// it moves only on the 0->1 / 1->0 transition of a user's
		// connection count, not on every socket — a second socket for
		// a user already subscribed contributes nothing new to
		// subscribe, and symmetrically nothing to unsubscribe later.
		m.subscribeUserConversations(ctx, userID)
	}

	go client.writePump()
	return client, nil
}

// disconnect is called by Client.ReadPump on socket close.
func (m *Manager) disconnect(userID, connectionID string) {
	m.mu.Lock()
	conns, ok := m.byUser[userID]
	if ok {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(m.byUser, userID)
		}
	}
	empty := !ok || len(conns) == 0
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.bus.UnregisterConnection(ctx, userID, connectionID); err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("unregister connection failed")
	}

	if empty {
		m.unsubscribeUserConversations(ctx, userID)
		m.scheduleOfflineGrace(userID)
	}
}

// Disconnect is the public entry point used when the caller (HTTP
// handler loop) needs to force-close a socket, e.g. on shutdown.
func (m *Manager) Disconnect(userID, connectionID string) {
	m.disconnect(userID, connectionID)
}

// scheduleOfflineGrace arms the 60-second (configurable) grace timer
// for a user with no local connections left. A fresh Accept cancels
// it; at expiry it re-checks local AND remote connection counts to
// avoid a race against a connection that landed on another instance.
func (m *Manager) scheduleOfflineGrace(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.grace[userID]; ok {
		t.Stop()
	}
	m.grace[userID] = time.AfterFunc(m.offlineGrace, func() {
		m.expireGrace(userID)
	})
}

func (m *Manager) expireGrace(userID string) {
	m.mu.Lock()
	delete(m.grace, userID)
	_, hasLocal := m.byUser[userID]
	m.mu.Unlock()
	if hasLocal {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	remote, err := m.bus.ConnectionCount(ctx, userID)
	if err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("connection count check failed during grace expiry")
		return
	}
	if remote > 0 {
		return
	}
	if err := m.store.SetUserOnline(ctx, userID, false, model.StatusOffline); err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("set user offline failed")
	}
	m.publishStatus(ctx, userID, model.StatusOffline)
}

func (m *Manager) publishStatus(ctx context.Context, userID string, status model.UserStatus) {
	ev := Event{Event: EventUserStatusChange, UserID: userID, Status: string(status), Timestamp: time.Now()}
	payload, _ := json.Marshal(ev)
	// Status changes have no single conversation channel; publish on
	// every channel the subject participates in so every instance
	// serving a shared conversation receives it.
	convs, err := m.store.ListConversations(ctx, userID, "", 1, 200, false)
	if err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("list conversations for status publish failed")
		return
	}
	for _, c := range convs.Conversations {
		if _, err := m.bus.Publish(ctx, bus.ConversationChannel(c.ID), payload); err != nil {
			m.log.Warn().Err(err).Str("channel", c.ID).Msg("status publish failed; falling back to local broadcast")
			m.BroadcastToConversation(ctx, ev, c.ID, "")
		}
	}
}

// subscribeUserConversations subscribes this instance to the channel
// of every conversation userID participates in, and tracks a local
// refcount per channel so Disconnect can Unsubscribe once nothing
// local needs it anymore. Pagination is generous (200) since this is
// a best-effort "conversations this instance currently serves" set,
// not a hard guarantee.
func (m *Manager) subscribeUserConversations(ctx context.Context, userID string) {
	page, err := m.store.ListConversations(ctx, userID, "", 1, 200, false)
	if err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("list conversations for subscribe failed")
		return
	}
	var channels []string
	m.mu.Lock()
	for _, c := range page.Conversations {
		ch := bus.ConversationChannel(c.ID)
		if m.served[ch] == 0 {
			channels = append(channels, ch)
		}
		m.served[ch]++
	}
	m.mu.Unlock()
	if len(channels) > 0 {
		if err := m.bus.Subscribe(ctx, m.instanceID, channels...); err != nil {
			m.log.Warn().Err(err).Msg("bus subscribe failed")
		}
	}
}

// unsubscribeUserConversations is subscribeUserConversations' mirror
// image, run once a user's local connection count drops to zero: it
// decrements the refcount of every channel that user's connection
// held open and unsubscribes this instance from any that reach zero.
func (m *Manager) unsubscribeUserConversations(ctx context.Context, userID string) {
	page, err := m.store.ListConversations(ctx, userID, "", 1, 200, false)
	if err != nil {
		m.log.Warn().Err(err).Str("userId", userID).Msg("list conversations for unsubscribe failed")
		return
	}
	var channels []string
	m.mu.Lock()
	for _, c := range page.Conversations {
		ch := bus.ConversationChannel(c.ID)
		if m.served[ch] == 0 {
			continue
		}
		m.served[ch]--
		if m.served[ch] == 0 {
			delete(m.served, ch)
			channels = append(channels, ch)
		}
	}
	m.mu.Unlock()
	if len(channels) > 0 {
		if err := m.bus.Unsubscribe(ctx, m.instanceID, channels...); err != nil {
			m.log.Warn().Err(err).Msg("bus unsubscribe failed")
		}
	}
}

// EnsureSubscribed subscribes this instance to a single conversation
// channel, used by the write path when a brand-new conversation is
// created and a participant is already connected locally.
func (m *Manager) EnsureSubscribed(ctx context.Context, conversationID string) {
	ch := bus.ConversationChannel(conversationID)
	m.mu.Lock()
	first := m.served[ch] == 0
	m.served[ch]++
	m.mu.Unlock()
	if first {
		if err := m.bus.Subscribe(ctx, m.instanceID, ch); err != nil {
			m.log.Warn().Err(err).Str("channel", ch).Msg("bus subscribe failed")
		}
	}
}

// OnBusEvent is the bus.Handler this manager registers with
// Bus.ListenerLoop. It decodes the envelope and forwards it to every
// local socket that should see it, skipping the originating user.
func (m *Manager) OnBusEvent(ctx context.Context, channel string, payload []byte) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		m.log.Warn().Str("channel", channel).Msg("dropping malformed bus payload")
		return
	}

	switch ev.Event {
	case EventNewMessage, EventTyping, EventMessageRead, EventConversationRead, EventMessageReaction:
		origin := ev.SenderID
		if origin == "" {
			origin = ev.UserID
		}
		conv, err := m.store.GetConversation(ctx, ev.ConversationID)
		if err != nil {
			m.log.Debug().Err(err).Str("conversationId", ev.ConversationID).Msg("conversation lookup failed for fan-out")
			return
		}
		m.forwardToParticipants(conv.Participants, origin, payload)
	case EventUserStatusChange:
		convs, err := m.store.ListConversations(ctx, ev.UserID, "", 1, 200, false)
		if err != nil {
			return
		}
		seen := make(map[string]bool)
		for _, c := range convs.Conversations {
			for _, p := range c.Participants {
				if p == ev.UserID || seen[p] {
					continue
				}
				seen[p] = true
				m.forwardToUser(p, payload)
			}
		}
	default:
		m.log.Debug().Str("event", string(ev.Event)).Msg("dropping unknown bus event variant")
	}
}

// BroadcastToConversation forwards an already-produced event to local
// subscribers without re-publishing to the bus. Used as the fallback
// when Bus.Publish itself failed and for same-instance delivery right
// after a local mutation.
func (m *Manager) BroadcastToConversation(ctx context.Context, ev Event, conversationID, skipUser string) {
	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	m.forwardToParticipants(conv.Participants, skipUser, payload)
}

func (m *Manager) forwardToParticipants(participants []string, skip string, payload []byte) {
	for _, p := range participants {
		if p == skip {
			continue
		}
		m.forwardToUser(p, payload)
	}
}

func (m *Manager) forwardToUser(userID string, payload []byte) {
	m.mu.RLock()
	conns := m.byUser[userID]
	clients := make([]*Client, 0, len(conns))
	for _, c := range conns {
		clients = append(clients, c)
	}
	m.mu.RUnlock()
	for _, c := range clients {
		if !c.Enqueue(payload) {
			m.log.Debug().Str("userId", userID).Str("connectionId", c.ConnectionID).Msg("slow client dropped frame")
		}
	}
}

// HandleFrame processes a client-initiated frame: it validates and
// normalizes the origin, republishes through the bus so other
// instances see it, and for heartbeat answers directly and refreshes
// this connection's registry TTL.
func (m *Manager) HandleFrame(ctx context.Context, client *Client, ev Event) {
	switch ev.Event {
	case EventHeartbeat:
		ack, _ := json.Marshal(Event{Event: EventHeartbeatAck, Timestamp: time.Now()})
		client.Enqueue(ack)
		if err := m.bus.RefreshConnection(ctx, client.UserID, client.ConnectionID); err != nil {
			m.log.Debug().Err(err).Str("userId", client.UserID).Msg("refresh connection failed")
		}
		return

	case EventTyping:
		ev.SenderID = client.UserID
		ev.Timestamp = time.Now()
		m.republish(ctx, ev, client.UserID)

	case EventMessageRead:
		ev.UserID = client.UserID
		ev.Timestamp = time.Now()
		m.republish(ctx, ev, client.UserID)

	case EventStatusChange:
		status := model.UserStatus(ev.Status)
		if !validStatus(status) {
			m.log.Warn().Str("status", ev.Status).Msg("ignoring invalid status_change frame")
			return
		}
		if err := m.store.SetUserOnline(ctx, client.UserID, status != model.StatusOffline, status); err != nil {
			m.log.Warn().Err(err).Msg("set status failed")
		}
		m.publishStatus(ctx, client.UserID, status)

	default:
		m.log.Debug().Str("event", string(ev.Event)).Msg("ignoring unrecognized client frame")
	}
}

func (m *Manager) republish(ctx context.Context, ev Event, skipUser string) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	channel := bus.ConversationChannel(ev.ConversationID)
	if _, err := m.bus.Publish(ctx, channel, payload); err != nil {
		m.log.Warn().Err(err).Str("channel", channel).Msg("publish failed; broadcasting locally")
		m.BroadcastToConversation(ctx, ev, ev.ConversationID, skipUser)
	}
}

func validStatus(s model.UserStatus) bool {
	switch s {
	case model.StatusAvailable, model.StatusAway, model.StatusBusy, model.StatusInvisible, model.StatusOffline:
		return true
	default:
		return false
	}
}

// ConnectionCount reports the number of LOCAL sockets a user has on
// this instance; used by metrics, not by the cross-instance presence
// check (that's bus.ConnectionCount).
func (m *Manager) ConnectionCount(userID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byUser[userID])
}

// TotalConnections is the local socket count across all users, for /metrics.
func (m *Manager) TotalConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, conns := range m.byUser {
		total += len(conns)
	}
	return total
}
