package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/streamspace-dev/chatrelay/internal/apperr"
)

const streamName = "CHATRELAY_NOTIFICATIONS"

func subjectFor(q Name) string { return "chatrelay.notifications." + string(q) }

// NATS implements Queue on top of JetStream: each of main/retry/dlq is
// a durable pull consumer on its own subject within one stream.
// JetStream has no native per-message delay primitive, so Send with
// delay>0 schedules the publish in-process via time.AfterFunc. A
// delayed retry is lost if the process restarts mid-delay; acceptable
// because delivery is at-least-once, not exactly-once scheduling.
type NATS struct {
	conn *nats.Conn
	js   nats.JetStreamContext
	log  zerolog.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	ackable map[string]*nats.Msg
	subs    map[Name]*nats.Subscription
}

func DialNATS(url string, log zerolog.Logger) (*NATS, error) {
	conn, err := nats.Connect(url,
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info().Msg("nats reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("nats error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	n := &NATS{conn: conn, js: js, log: log, timers: make(map[string]*time.Timer), subs: make(map[Name]*nats.Subscription)}
	if err := n.ensureStream(); err != nil {
		return nil, err
	}
	return n, nil
}

func (n *NATS) ensureStream() error {
	_, err := n.js.StreamInfo(streamName)
	if err == nil {
		return nil
	}
	_, err = n.js.AddStream(&nats.StreamConfig{
		Name:     streamName,
		Subjects: []string{"chatrelay.notifications.*"},
		Storage:  nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("create stream: %w", err)
	}
	for _, q := range []Name{Main, Retry, DLQ} {
		_, err := n.js.AddConsumer(streamName, &nats.ConsumerConfig{
			Durable:       string(q),
			FilterSubject: subjectFor(q),
			AckPolicy:     nats.AckExplicitPolicy,
			AckWait:       60 * time.Second,
		})
		if err != nil {
			return fmt.Errorf("create consumer %s: %w", q, err)
		}
	}
	return nil
}

func (n *NATS) Send(ctx context.Context, queue Name, body []byte, delay time.Duration) error {
	if len(body) > MaxPayloadBytes {
		return apperr.Validation("queue payload exceeds 256KB limit")
	}

	if delay <= 0 {
		_, err := n.js.Publish(subjectFor(queue), body, nats.Context(ctx))
		if err != nil {
			return apperr.Wrap(apperr.KindServiceUnavailable, "queue send failed", err)
		}
		return nil
	}

	id := uuid.NewString()
	timer := time.AfterFunc(delay, func() {
		if _, err := n.js.Publish(subjectFor(queue), body); err != nil {
			n.log.Error().Err(err).Str("queue", string(queue)).Msg("delayed publish failed")
		}
		n.mu.Lock()
		delete(n.timers, id)
		n.mu.Unlock()
	})
	n.mu.Lock()
	n.timers[id] = timer
	n.mu.Unlock()
	return nil
}

// pullSubscription returns the cached pull subscription for queue,
// creating it once. Poller.Run calls Receive in a ~20s loop for the
// life of the process, so a fresh PullSubscribe per call would leak
// one client-side subscription/inbox per poll forever.
func (n *NATS) pullSubscription(queue Name) (*nats.Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if sub, ok := n.subs[queue]; ok && sub.IsValid() {
		return sub, nil
	}
	sub, err := n.js.PullSubscribe(subjectFor(queue), string(queue))
	if err != nil {
		return nil, err
	}
	n.subs[queue] = sub
	return sub, nil
}

func (n *NATS) Receive(ctx context.Context, queue Name, max int, longPoll time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	sub, err := n.pullSubscription(queue)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "queue subscribe failed", err)
	}

	msgs, err := sub.Fetch(max, nats.MaxWait(longPoll))
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindServiceUnavailable, "queue receive failed", err)
	}

	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		reply := m.Reply
		out = append(out, Message{Body: m.Data, Receipt: reply})
		// JetStream acks are tied to the *nats.Msg, not the reply
		// subject alone; stash the msg itself via a side map keyed by
		// receipt so Delete can ack it.
		n.stashAckable(reply, m)
	}
	return out, nil
}

// stashAckable tracks the *nats.Msg behind a receipt so Delete can Ack it.
func (n *NATS) stashAckable(receipt string, msg *nats.Msg) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.ackable == nil {
		n.ackable = make(map[string]*nats.Msg)
	}
	n.ackable[receipt] = msg
}

func (n *NATS) Delete(ctx context.Context, queue Name, receipt string) error {
	n.mu.Lock()
	msg := n.ackable[receipt]
	delete(n.ackable, receipt)
	n.mu.Unlock()
	if msg == nil {
		return nil
	}
	if err := msg.Ack(); err != nil {
		return apperr.Wrap(apperr.KindServiceUnavailable, "queue ack failed", err)
	}
	return nil
}

func (n *NATS) Close() error {
	n.mu.Lock()
	for _, t := range n.timers {
		t.Stop()
	}
	for _, sub := range n.subs {
		_ = sub.Unsubscribe()
	}
	n.mu.Unlock()
	n.conn.Close()
	return nil
}
