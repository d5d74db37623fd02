// Package pulse provides a thin wrapper around Pulse streams for the HITL
// emitter. Callers build a Redis client, pass it to New, and receive a typed
// interface that exposes only the publish operation the emitter needs.
package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the Pulse client.
	Options struct {
		// Redis is the Redis connection used to back Pulse streams.
		// Required.
		Redis *redis.Client
		// StreamMaxLen bounds the number of entries kept per stream. Zero
		// uses Pulse defaults.
		StreamMaxLen int
		// OperationTimeout bounds individual Add operations. Zero means no
		// timeout.
		OperationTimeout time.Duration
	}

	// Client publishes events to named Pulse streams.
	Client interface {
		// Publish appends an event with the given name and payload to the
		// stream, returning the Redis-assigned event id.
		Publish(ctx context.Context, stream, event string, payload []byte) (string, error)
		// Close releases resources owned by the client. The caller owns the
		// Redis connection.
		Close(ctx context.Context) error
	}

	client struct {
		redis   *redis.Client
		maxLen  int
		timeout time.Duration

		mu      sync.Mutex
		streams map[string]*streaming.Stream
	}
)

// New constructs a Pulse client backed by the provided Redis connection.
func New(opts Options) (Client, error) {
	if opts.Redis == nil {
		return nil, errors.New("redis client is required")
	}
	return &client{
		redis:   opts.Redis,
		maxLen:  opts.StreamMaxLen,
		timeout: opts.OperationTimeout,
		streams: make(map[string]*streaming.Stream),
	}, nil
}

// Publish appends the event to the named stream, opening the stream handle on
// first use.
func (c *client) Publish(ctx context.Context, stream, event string, payload []byte) (string, error) {
	if stream == "" {
		return "", errors.New("stream name is required")
	}
	if event == "" {
		return "", errors.New("event name is required")
	}
	str, err := c.stream(stream)
	if err != nil {
		return "", err
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	id, err := str.Add(ctx, event, payload)
	if err != nil {
		return "", fmt.Errorf("pulse add: %w", err)
	}
	return id, nil
}

// Close is a no-op because the caller owns the Redis connection lifecycle.
func (c *client) Close(context.Context) error {
	return nil
}

func (c *client) stream(name string) (*streaming.Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if str, ok := c.streams[name]; ok {
		return str, nil
	}
	var opts []streamopts.Stream
	if c.maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(c.maxLen))
	}
	str, err := streaming.NewStream(name, c.redis, opts...)
	if err != nil {
		return nil, fmt.Errorf("create pulse stream: %w", err)
	}
	c.streams[name] = str
	return str, nil
}
