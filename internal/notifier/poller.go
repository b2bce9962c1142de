package notifier

import (
	"context"
	"time"

	"github.com/streamspace-dev/chatrelay/internal/queue"
)

// PollInterval is the long-poll wait time; Receive blocks up to this
// long for at least one message.
const PollInterval = 20 * time.Second

// BatchSize caps how many messages one poll may return.
const BatchSize = 10

// Poller runs one long-running consume loop against a single queue.
// The main and retry pollers share one Dispatcher.
type Poller struct {
	dispatcher *Dispatcher
	queue      queue.Queue
	source     queue.Name
}

func NewPoller(d *Dispatcher, q queue.Queue, source queue.Name) *Poller {
	return &Poller{dispatcher: d, queue: q, source: source}
}

// Run polls until ctx is cancelled. A Receive error is logged and
// retried after a short pause rather than propagated, since this is a
// supervisor-restarted long-running loop, not a request path.
func (p *Poller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := p.queue.Receive(ctx, p.source, BatchSize, PollInterval)
		if err == nil && p.dispatcher.metrics != nil {
			// The fetched batch size is the best depth estimate a pull
			// consumer has without a broker round-trip.
			switch p.source {
			case queue.Main:
				p.dispatcher.metrics.QueueDepthMain.Set(float64(len(msgs)))
			case queue.Retry:
				p.dispatcher.metrics.QueueDepthRetry.Set(float64(len(msgs)))
			}
		}
		if err != nil {
			p.dispatcher.log.Warn().Err(err).Str("queue", string(p.source)).Msg("poll failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range msgs {
			p.process(ctx, msg)
		}
	}
}

func (p *Poller) process(ctx context.Context, msg queue.Message) {
	outcome, ev := p.dispatcher.Dispatch(ctx, msg.Body)
	switch outcome {
	case OutcomeSuccess, OutcomeDrop:
		if err := p.queue.Delete(ctx, p.source, msg.Receipt); err != nil {
			p.dispatcher.log.Warn().Err(err).Str("queue", string(p.source)).Msg("delete processed message failed")
		}
	case OutcomeRetry:
		if err := p.dispatcher.RetrySend(ctx, ev); err != nil {
			p.dispatcher.log.Error().Err(err).Str("messageId", ev.MessageID).Msg("retry_send failed; source message left in place for redelivery")
			return
		}
		if err := p.queue.Delete(ctx, p.source, msg.Receipt); err != nil {
			p.dispatcher.log.Warn().Err(err).Str("queue", string(p.source)).Msg("delete retried message failed")
		}
	}
}
