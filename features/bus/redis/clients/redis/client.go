// Package redis hosts the thin Redis Streams client used by the stream
// backend. Callers build a go-redis connection, pass it to New, and receive a
// typed interface exposing only the stream operations the backend needs.
package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

type (
	// Entry is one stream record with string field values.
	Entry struct {
		// ID is the Redis-assigned stream entry id ("1234567890-0").
		ID string
		// Values holds the entry fields.
		Values map[string]string
	}

	// PendingEntry describes one unacknowledged stream entry.
	PendingEntry struct {
		// ID is the stream entry id.
		ID string
		// Consumer is the consumer the entry is assigned to.
		Consumer string
		// Idle is how long the entry has been unacknowledged.
		Idle time.Duration
		// RetryCount counts deliveries of the entry.
		RetryCount int64
	}

	// Client exposes the subset of Redis Streams operations the stream
	// backend consumes. All operations honor context cancellation.
	Client interface {
		// Add appends an entry to the stream and returns its id.
		Add(ctx context.Context, stream string, values map[string]any) (string, error)
		// CreateGroup creates a consumer group at the given start position,
		// creating the stream when absent. Idempotent: an existing group is
		// not an error.
		CreateGroup(ctx context.Context, stream, group, start string) error
		// ReadGroup reads up to count new entries for the consumer,
		// blocking up to block.
		ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error)
		// Ack acknowledges processed entries.
		Ack(ctx context.Context, stream, group string, ids ...string) error
		// AutoClaim transfers ownership of entries idle longer than minIdle
		// to the consumer, starting the scan at start. Returns the claimed
		// entries and the next scan cursor.
		AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Entry, string, error)
		// Pending lists unacknowledged entries idle longer than minIdle.
		Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error)
		// TrimApprox trims the stream to approximately maxLen entries.
		TrimApprox(ctx context.Context, stream string, maxLen int64) error
		// Close releases the connection.
		Close() error
	}

	// Options configures the client.
	Options struct {
		// Addr is the host:port of the Redis server. Required.
		Addr string
		// Password authenticates the connection, when set.
		Password string
		// DB selects the logical database.
		DB int
		// UseTLS enables TLS on the connection.
		UseTLS bool
	}

	client struct {
		rdb *goredis.Client
	}
)

// New constructs a Client from connection options.
func New(opts Options) (Client, error) {
	if opts.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	cfg := &goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	}
	if opts.UseTLS {
		cfg.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &client{rdb: goredis.NewClient(cfg)}, nil
}

// Wrap adapts an existing go-redis connection. The caller keeps ownership;
// Close closes the wrapped connection.
func Wrap(rdb *goredis.Client) Client {
	return &client{rdb: rdb}
}

func (c *client) Add(ctx context.Context, stream string, values map[string]any) (string, error) {
	id, err := c.rdb.XAdd(ctx, &goredis.XAddArgs{Stream: stream, Values: values}).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", stream, err)
	}
	return id, nil
}

func (c *client) CreateGroup(ctx context.Context, stream, group, start string) error {
	err := c.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *client) ReadGroup(ctx context.Context, stream, group, consumer string, count int64, block time.Duration) ([]Entry, error) {
	streams, err := c.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s/%s: %w", stream, group, err)
	}
	var out []Entry
	for _, s := range streams {
		for _, m := range s.Messages {
			out = append(out, toEntry(m))
		}
	}
	return out, nil
}

func (c *client) Ack(ctx context.Context, stream, group string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.rdb.XAck(ctx, stream, group, ids...).Err(); err != nil {
		return fmt.Errorf("xack %s/%s: %w", stream, group, err)
	}
	return nil
}

func (c *client) AutoClaim(ctx context.Context, stream, group, consumer string, minIdle time.Duration, start string, count int64) ([]Entry, string, error) {
	msgs, cursor, err := c.rdb.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumer,
		MinIdle:  minIdle,
		Start:    start,
		Count:    count,
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim %s/%s: %w", stream, group, err)
	}
	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toEntry(m))
	}
	return out, cursor, nil
}

func (c *client) Pending(ctx context.Context, stream, group string, minIdle time.Duration, count int64) ([]PendingEntry, error) {
	ext, err := c.rdb.XPendingExt(ctx, &goredis.XPendingExtArgs{
		Stream: stream,
		Group:  group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xpending %s/%s: %w", stream, group, err)
	}
	out := make([]PendingEntry, 0, len(ext))
	for _, p := range ext {
		out = append(out, PendingEntry{
			ID:         p.ID,
			Consumer:   p.Consumer,
			Idle:       p.Idle,
			RetryCount: p.RetryCount,
		})
	}
	return out, nil
}

func (c *client) TrimApprox(ctx context.Context, stream string, maxLen int64) error {
	if err := c.rdb.XTrimMaxLenApprox(ctx, stream, maxLen, 0).Err(); err != nil {
		return fmt.Errorf("xtrim %s: %w", stream, err)
	}
	return nil
}

func (c *client) Close() error {
	return c.rdb.Close()
}

func toEntry(m goredis.XMessage) Entry {
	values := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			values[k] = s
		} else {
			values[k] = fmt.Sprint(v)
		}
	}
	return Entry{ID: m.ID, Values: values}
}
