package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamTailConfig configures a StreamTail.
type StreamTailConfig struct {
	// Stream is the Redis stream name to follow (required).
	Stream string

	// LastID is the starting position:
	//   - "$" = only entries added after the tail starts
	//   - "0" = from the beginning
	//   - "<id>" = after a specific entry
	// Default: "$"
	LastID string

	// Count is the max number of entries to read per batch. Default: 50.
	Count int64

	// Block is how long each read waits for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is the initial wait after a read error, doubled up to MaxRetryInterval.
	// Defaults: 1 second and 30 seconds.
	RetryInterval    time.Duration
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// Message is a single stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// GetData extracts the "data" field from a message, or nil if absent.
func (m *Message) GetData() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}

// MessageHandler processes a stream message. Returning an error stops the tail.
type MessageHandler func(ctx context.Context, msg Message) error

// StreamTail follows a stream with plain XREAD, reconnecting on transient errors.
type StreamTail struct {
	client *Client
	config StreamTailConfig
	logger *zap.Logger
}

// NewStreamTail creates a tail over the given stream.
func NewStreamTail(client *Client, config StreamTailConfig) (*StreamTail, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}
	config = applyTailDefaults(config)
	return &StreamTail{
		client: client,
		config: config,
		logger: config.Logger,
	}, nil
}

func applyTailDefaults(config StreamTailConfig) StreamTailConfig {
	if config.LastID == "" {
		config.LastID = "$"
	}
	if config.Count == 0 {
		config.Count = 50
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	return config
}

// Run calls handler for every new entry until ctx is done or the handler fails.
func (st *StreamTail) Run(ctx context.Context, handler MessageHandler) error {
	lastID := st.config.LastID
	retryInterval := st.config.RetryInterval

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		streams, err := st.client.XRead(ctx, st.config.Stream, lastID, st.config.Count, st.config.Block)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			if errors.Is(err, redis.Nil) {
				// block timeout, nothing new
				continue
			}

			st.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", st.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			select {
			case <-time.After(retryInterval):
				retryInterval = min(retryInterval*2, st.config.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retryInterval = st.config.RetryInterval

		messages := toMessages(streams)
		for _, msg := range messages {
			if err := handler(ctx, msg); err != nil {
				return err
			}
			lastID = msg.ID
		}
	}
}

func toMessages(streams []redis.XStream) []Message {
	var messages []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{
				ID:     xmsg.ID,
				Stream: stream.Stream,
				Values: xmsg.Values,
			})
		}
	}
	return messages
}
