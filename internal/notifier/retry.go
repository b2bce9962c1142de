package notifier

import (
	"context"
	"encoding/json"
	"time"

	"github.com/streamspace-dev/chatrelay/internal/queue"
)

// MaxRetries is the retry cap: an event is retried at most five times,
// and the failure after the fifth retry dead-letters it.
const MaxRetries = 5

// maxRetryDelay bounds any redelivery delay.
const maxRetryDelay = 3600 * time.Second

// retrySchedule is the per-attempt redelivery delay, monotonically
// widening. One entry per attempt up to MaxRetries; past that the
// event is dead-lettered, so later entries are never needed.
var retrySchedule = [MaxRetries]time.Duration{
	67 * time.Second,
	144 * time.Second,
	261 * time.Second,
	388 * time.Second,
	525 * time.Second,
}

// RetryDelay returns the redelivery delay for the given attempt.
// Attempts below 1 get the first entry; attempts past the schedule get
// maxRetryDelay (3600s).
func RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > len(retrySchedule) {
		return maxRetryDelay
	}
	return retrySchedule[attempt-1]
}

// RetrySend bumps the attempt counter, dead-letters past MaxRetries,
// and otherwise re-enqueues to the retry queue with the computed
// delay. The caller deletes the source message after RetrySend
// returns, since it holds the receipt handle.
func (d *Dispatcher) RetrySend(ctx context.Context, ev Event) error {
	attempt := ev.RetryCount + 1
	if attempt > MaxRetries {
		d.log.Warn().Str("event", string(ev.Event)).Str("messageId", ev.MessageID).Int("attempt", attempt).Msg("dead-lettering event after max retries")
		body, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if err := d.queue.Send(ctx, queue.DLQ, body, 0); err != nil {
			return err
		}
		if d.metrics != nil {
			d.metrics.QueueDepthDLQ.Inc()
		}
		return nil
	}

	ev.RetryCount = attempt
	ev.Retry = &RetryMeta{Attempt: attempt}
	delay := RetryDelay(attempt)
	d.log.Info().Str("event", string(ev.Event)).Str("messageId", ev.MessageID).Int("attempt", attempt).Dur("delay", delay).Msg("scheduling retry")

	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.queue.Send(ctx, queue.Retry, body, delay)
}
