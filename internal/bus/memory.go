package bus

import (
	"context"
	"sync"
)

// Memory is a single-process Bus: publish fans out directly to
// in-process handlers with no network hop. It backs unit tests and
// single-process dev deployments.
type Memory struct {
	mu          sync.Mutex
	handlers    []Handler
	connections map[string]map[string]ConnectionMeta
}

func NewMemory() *Memory {
	return &Memory{connections: make(map[string]map[string]ConnectionMeta)}
}

func (m *Memory) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	m.mu.Lock()
	handlers := append([]Handler(nil), m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ctx, channel, payload)
	}
	return int64(len(handlers)), nil
}

func (m *Memory) Subscribe(context.Context, string, ...string) error   { return nil }
func (m *Memory) Unsubscribe(context.Context, string, ...string) error { return nil }

func (m *Memory) RegisterConnection(_ context.Context, userID, connectionID, instanceID string, meta ConnectionMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connections[userID] == nil {
		m.connections[userID] = make(map[string]ConnectionMeta)
	}
	m.connections[userID][connectionID] = meta
	return nil
}

func (m *Memory) UnregisterConnection(_ context.Context, userID, connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.connections[userID], connectionID)
	return nil
}

// RefreshConnection is a no-op: in-process state lives and dies with
// the process, so there is nothing to expire independently of it.
func (m *Memory) RefreshConnection(_ context.Context, _, _ string) error { return nil }

func (m *Memory) ConnectionCount(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.connections[userID]), nil
}

// ListenerLoop registers handler to receive every Publish call until
// ctx is cancelled. There is nothing to reconnect in-process, so the
// backoff ladder never engages.
func (m *Memory) ListenerLoop(ctx context.Context, _ string, handler Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, handler)
	m.mu.Unlock()
	<-ctx.Done()
}

func (m *Memory) Close() error { return nil }
