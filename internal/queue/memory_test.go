package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_SendReceiveDelete(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, Main, []byte(`{"event":"new_message"}`), 0))

	msgs, err := q.Receive(ctx, Main, 10, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.JSONEq(t, `{"event":"new_message"}`, string(msgs[0].Body))

	require.NoError(t, q.Delete(ctx, Main, msgs[0].Receipt))
	assert.Equal(t, 0, q.Depth(Main))
}

func TestMemory_DelayedMessageNotVisibleEarly(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()

	require.NoError(t, q.Send(ctx, Retry, []byte("later"), time.Hour))

	msgs, err := q.Receive(ctx, Retry, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, q.Depth(Retry))
}

func TestMemory_RejectsOversizedPayload(t *testing.T) {
	q := NewMemory()
	err := q.Send(context.Background(), Main, make([]byte, MaxPayloadBytes+1), 0)
	require.Error(t, err)
}

func TestMemory_ReceiveHonorsMax(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		require.NoError(t, q.Send(ctx, Main, []byte("m"), 0))
	}
	msgs, err := q.Receive(ctx, Main, 10, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 10)
}

func TestMemory_QueuesAreIsolated(t *testing.T) {
	q := NewMemory()
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, DLQ, []byte("dead"), 0))

	msgs, err := q.Receive(ctx, Main, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Equal(t, 1, q.Depth(DLQ))
}
