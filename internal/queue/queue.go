// Package queue is the notification pipeline's durable queue adapter:
// three queues (main, retry, dlq) with send/receive/delete/delay
// semantics, backed by NATS JetStream in production and an in-memory
// implementation in tests.
package queue

import (
	"context"
	"time"
)

// Name identifies one of the three queues.
type Name string

const (
	Main  Name = "main"
	Retry Name = "retry"
	DLQ   Name = "dlq"
)

// MaxPayloadBytes caps a single queue payload; larger payloads are
// rejected before enqueue with a validation error.
const MaxPayloadBytes = 256 * 1024

// Message is one queue entry: an opaque body plus a receipt handle
// used to delete/ack it after processing.
type Message struct {
	Body    []byte
	Receipt string
}

// Queue is the adapter interface both binaries depend on.
type Queue interface {
	// Send enqueues body to the named queue. If delay > 0 the message
	// becomes visible only after delay has elapsed.
	Send(ctx context.Context, queue Name, body []byte, delay time.Duration) error

	// Receive long-polls up to max messages (default 10) from the named
	// queue, waiting up to longPoll for at least one.
	Receive(ctx context.Context, queue Name, max int, longPoll time.Duration) ([]Message, error)

	// Delete acknowledges and removes a message by receipt handle.
	Delete(ctx context.Context, queue Name, receipt string) error

	Close() error
}
