package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConversationChannel(t *testing.T) {
	assert.Equal(t, "conversation:c1", ConversationChannel("c1"))
}

func TestBackoffSchedule(t *testing.T) {
	want := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second, 20 * time.Second, 25 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, BackoffSchedule(i+1))
	}
	assert.Equal(t, 60*time.Second, BackoffSchedule(6))
	assert.Equal(t, 60*time.Second, BackoffSchedule(40))
	assert.Equal(t, 5*time.Second, BackoffSchedule(0))
}

func TestMemory_PublishReachesListener(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan string, 1)
	go m.ListenerLoop(ctx, "i1", func(_ context.Context, channel string, payload []byte) {
		got <- channel + ":" + string(payload)
	})

	require.Eventually(t, func() bool {
		n, err := m.Publish(ctx, "conversation:c1", []byte("hello"))
		return err == nil && n > 0
	}, time.Second, time.Millisecond)

	select {
	case v := <-got:
		assert.Equal(t, "conversation:c1:hello", v)
	case <-time.After(time.Second):
		t.Fatal("listener never received the publish")
	}
}

func TestMemory_ConnectionRegistry(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.RegisterConnection(ctx, "u1", "conn-1", "i1", ConnectionMeta{InstanceID: "i1"}))
	require.NoError(t, m.RegisterConnection(ctx, "u1", "conn-2", "i2", ConnectionMeta{InstanceID: "i2"}))

	n, err := m.ConnectionCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, m.UnregisterConnection(ctx, "u1", "conn-1"))
	n, err = m.ConnectionCount(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = m.ConnectionCount(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
