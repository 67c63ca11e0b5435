package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestNewStreamTailValidates(t *testing.T) {
	_, err := NewStreamTail(nil, StreamTailConfig{Stream: "s"})
	require.Error(t, err)

	c := NewFromClient(redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"}), zaptest.NewLogger(t), 0)
	defer func() { _ = c.Close() }()

	_, err = NewStreamTail(c, StreamTailConfig{})
	require.Error(t, err)

	tail, err := NewStreamTail(c, StreamTailConfig{Stream: "fleetscaler:cycles"})
	require.NoError(t, err)
	require.Equal(t, "$", tail.config.LastID)
	require.Equal(t, int64(50), tail.config.Count)
	require.Equal(t, 5*time.Second, tail.config.Block)
}

func TestToMessagesFlattensStreams(t *testing.T) {
	msgs := toMessages([]redis.XStream{
		{Stream: "a", Messages: []redis.XMessage{
			{ID: "1-0", Values: map[string]interface{}{"data": `{"cycle":1}`}},
			{ID: "2-0", Values: map[string]interface{}{"data": []byte(`{"cycle":2}`)}},
		}},
	})
	require.Len(t, msgs, 2)
	require.Equal(t, "a", msgs[1].Stream)
	require.Equal(t, []byte(`{"cycle":1}`), msgs[0].GetData())
	require.Equal(t, []byte(`{"cycle":2}`), msgs[1].GetData())

	empty := Message{Values: map[string]interface{}{}}
	require.Nil(t, empty.GetData())
}

func TestStreamTailRetriesUntilCancelled(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 50 * time.Millisecond})
	c := NewFromClient(rdb, zaptest.NewLogger(t), 0)
	defer func() { _ = c.Close() }()

	tail, err := NewStreamTail(c, StreamTailConfig{
		Stream:           "fleetscaler:cycles",
		Block:            10 * time.Millisecond,
		RetryInterval:    5 * time.Millisecond,
		MaxRetryInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	calls := 0
	err = tail.Run(ctx, func(context.Context, Message) error {
		calls++
		return nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Zero(t, calls)
}
