package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streamspace-dev/chatrelay/internal/apperr"
)

type pending struct {
	receipt string
	body    []byte
	visible time.Time
}

// Memory is an in-process Queue fake for tests and single-process dev
// deployments.
type Memory struct {
	mu    sync.Mutex
	items map[Name][]pending
}

func NewMemory() *Memory {
	return &Memory{items: make(map[Name][]pending)}
}

func (m *Memory) Send(_ context.Context, queue Name, body []byte, delay time.Duration) error {
	if len(body) > MaxPayloadBytes {
		return apperr.Validation("queue payload exceeds 256KB limit")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := append([]byte(nil), body...)
	m.items[queue] = append(m.items[queue], pending{
		receipt: uuid.NewString(),
		body:    cp,
		visible: time.Now().Add(delay),
	})
	return nil
}

func (m *Memory) Receive(ctx context.Context, queue Name, max int, longPoll time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 10
	}
	m.mu.Lock()

	now := time.Now()
	var out []Message
	for i := range m.items[queue] {
		if len(out) >= max {
			break
		}
		if m.items[queue][i].visible.After(now) {
			continue
		}
		out = append(out, Message{Body: m.items[queue][i].body, Receipt: m.items[queue][i].receipt})
	}
	m.mu.Unlock()

	// Nothing visible yet: wait briefly and look again until longPoll is spent.
	if len(out) == 0 && longPoll > 0 {
		const wait = 50 * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, nil
		case <-time.After(wait):
		}
		return m.Receive(ctx, queue, max, longPoll-wait)
	}
	return out, nil
}

func (m *Memory) Delete(_ context.Context, queue Name, receipt string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[queue]
	for i, it := range items {
		if it.receipt == receipt {
			m.items[queue] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *Memory) Close() error { return nil }

// Depth exposes a queue's pending length for tests and metrics.
func (m *Memory) Depth(queue Name) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items[queue])
}
