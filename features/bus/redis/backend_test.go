package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-ai-labs/spice-sub013/bus"
	redisclient "github.com/no-ai-labs/spice-sub013/features/bus/redis/clients/redis"
)

// fakeClient is an in-memory stand-in for the Redis Streams client. Entries
// append per stream and each (stream, group) pair tracks its own read cursor,
// mirroring consumer-group delivery.
type fakeClient struct {
	mu      sync.Mutex
	streams map[string][]redisclient.Entry
	groups  map[string]string
	cursors map[string]int
	acked   map[string][]string
	pending map[string][]redisclient.PendingEntry
	claims  map[string][]redisclient.Entry
	trimmed map[string]int64
	seq     int
	closed  bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		streams: make(map[string][]redisclient.Entry),
		groups:  make(map[string]string),
		cursors: make(map[string]int),
		acked:   make(map[string][]string),
		pending: make(map[string][]redisclient.PendingEntry),
		claims:  make(map[string][]redisclient.Entry),
		trimmed: make(map[string]int64),
	}
}

func (c *fakeClient) Add(_ context.Context, stream string, values map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	id := time.Now().UTC().Format("20060102150405") + "-" + string(rune('0'+c.seq%10))
	converted := make(map[string]string, len(values))
	for k, v := range values {
		s, _ := v.(string)
		converted[k] = s
	}
	c.streams[stream] = append(c.streams[stream], redisclient.Entry{ID: id, Values: converted})
	return id, nil
}

func (c *fakeClient) CreateGroup(_ context.Context, stream, group, start string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups[stream+"/"+group] = start
	return nil
}

func (c *fakeClient) ReadGroup(ctx context.Context, stream, group, _ string, count int64, block time.Duration) ([]redisclient.Entry, error) {
	c.mu.Lock()
	key := stream + "/" + group
	cursor := c.cursors[key]
	entries := c.streams[stream]
	if cursor < len(entries) {
		end := cursor + int(count)
		if end > len(entries) {
			end = len(entries)
		}
		batch := append([]redisclient.Entry(nil), entries[cursor:end]...)
		c.cursors[key] = end
		c.mu.Unlock()
		return batch, nil
	}
	c.mu.Unlock()

	wait := 5 * time.Millisecond
	if block < wait {
		wait = block
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	}
}

func (c *fakeClient) Ack(_ context.Context, stream, group string, ids ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acked[stream+"/"+group] = append(c.acked[stream+"/"+group], ids...)
	return nil
}

func (c *fakeClient) AutoClaim(_ context.Context, stream, group, _ string, _ time.Duration, _ string, _ int64) ([]redisclient.Entry, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := stream + "/" + group
	claimed := c.claims[key]
	c.claims[key] = nil
	return claimed, "0-0", nil
}

func (c *fakeClient) Pending(_ context.Context, stream, group string, _ time.Duration, _ int64) ([]redisclient.PendingEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := stream + "/" + group
	pending := c.pending[key]
	c.pending[key] = nil
	return pending, nil
}

func (c *fakeClient) TrimApprox(_ context.Context, stream string, maxLen int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trimmed[stream] = maxLen
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) ackedIDs(key string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.acked[key]...)
}

func newTestBackend(t *testing.T, client *fakeClient, tweak func(*Options)) *Backend {
	t.Helper()
	opts := Options{
		Client:           client,
		Namespace:        "spice",
		StartPosition:    StartBeginning,
		BlockTimeout:     20 * time.Millisecond,
		RecoveryInterval: time.Hour,
		TrimInterval:     time.Hour,
	}
	if tweak != nil {
		tweak(&opts)
	}
	b, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	return b
}

func testChannel(name string) bus.Channel {
	return bus.Channel{Name: name, EventType: "MyEvent", SchemaVersion: "1.0.0"}
}

func TestPublishSubscribeThroughStream(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	b := newTestBackend(t, client, nil)

	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))
	// Idempotent.
	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))

	sub, cancel, err := b.Subscribe(ctx, "my.events", "workers")
	require.NoError(t, err)
	defer cancel()

	env := bus.Envelope{
		ID:            "evt_1",
		ChannelName:   "my.events",
		EventType:     "MyEvent",
		SchemaVersion: "1.0.0",
		Payload:       []byte(`{"name":"a"}`),
		Metadata:      map[string]string{"source": "test"},
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err = b.Publish(ctx, env)
	require.NoError(t, err)

	select {
	case got := <-sub:
		assert.Equal(t, env.ID, got.ID)
		assert.Equal(t, env.EventType, got.EventType)
		assert.Equal(t, string(env.Payload), string(got.Payload))
		assert.Equal(t, "test", got.Metadata["source"])
		assert.True(t, env.Timestamp.Equal(got.Timestamp))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
	}

	require.Eventually(t, func() bool {
		return len(client.ackedIDs("spice:stream:my.events/spice:cg:my.events:workers")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestKeyNaming(t *testing.T) {
	client := newFakeClient()
	b := newTestBackend(t, client, nil)
	assert.Equal(t, "spice:stream:my.events", b.streamKey("my.events"))
	assert.Equal(t, "spice:cg:my.events:workers", b.groupKey("my.events", "workers"))
}

func TestPublishUnknownChannelFails(t *testing.T) {
	b := newTestBackend(t, newFakeClient(), nil)
	_, err := b.Publish(context.Background(), bus.Envelope{ID: "evt_1", ChannelName: "nope"})
	require.Error(t, err)
}

func TestUndecodableEntryIsDeadLetteredAndAcked(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dlq := bus.NewInMemoryDLQ()
	b := newTestBackend(t, client, func(o *Options) { o.DLQ = dlq })

	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))
	_, cancel, err := b.Subscribe(ctx, "my.events", "workers")
	require.NoError(t, err)
	defer cancel()

	// An entry with no envelope id cannot be decoded.
	client.mu.Lock()
	client.streams["spice:stream:my.events"] = append(client.streams["spice:stream:my.events"],
		redisclient.Entry{ID: "1-1", Values: map[string]string{"garbage": "x"}})
	client.mu.Unlock()

	require.Eventually(t, func() bool { return dlq.Size() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "undecodable stream entry", dlq.Entries()[0].Reason)
	require.Eventually(t, func() bool {
		acked := client.ackedIDs("spice:stream:my.events/spice:cg:my.events:workers")
		return len(acked) == 1 && acked[0] == "1-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecoveryDeadLettersExhaustedEntries(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	dlq := bus.NewInMemoryDLQ()
	b := newTestBackend(t, client, func(o *Options) {
		o.DLQ = dlq
		o.RecoveryInterval = 10 * time.Millisecond
		o.MaxPendingRetries = 2
	})

	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))

	client.mu.Lock()
	client.pending["spice:stream:my.events/spice:cg:my.events:workers"] = []redisclient.PendingEntry{
		{ID: "1-1", Consumer: "dead-consumer", Idle: time.Minute, RetryCount: 5},
	}
	client.mu.Unlock()

	_, cancel, err := b.Subscribe(ctx, "my.events", "workers")
	require.NoError(t, err)
	defer cancel()

	require.Eventually(t, func() bool { return dlq.Size() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "pending entry exhausted redeliveries", dlq.Entries()[0].Reason)
	require.Eventually(t, func() bool {
		acked := client.ackedIDs("spice:stream:my.events/spice:cg:my.events:workers")
		return len(acked) == 1 && acked[0] == "1-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRecoveryRedeliversReclaimedEntries(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	b := newTestBackend(t, client, func(o *Options) {
		o.RecoveryInterval = 10 * time.Millisecond
	})

	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))

	env := bus.Envelope{
		ID:          "evt_orphan",
		ChannelName: "my.events",
		EventType:   "MyEvent",
		Payload:     []byte(`{}`),
		Timestamp:   time.Now().UTC(),
	}
	values, err := encodeEnvelope(env)
	require.NoError(t, err)
	converted := make(map[string]string, len(values))
	for k, v := range values {
		converted[k] = v.(string)
	}
	client.mu.Lock()
	client.claims["spice:stream:my.events/spice:cg:my.events:workers"] = []redisclient.Entry{
		{ID: "2-1", Values: converted},
	}
	client.mu.Unlock()

	sub, cancel, err := b.Subscribe(ctx, "my.events", "workers")
	require.NoError(t, err)
	defer cancel()

	select {
	case got := <-sub:
		assert.Equal(t, "evt_orphan", got.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reclaimed envelope")
	}
}

func TestTrimLoopRunsWhenCapped(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	b := newTestBackend(t, client, func(o *Options) {
		o.MaxStreamLen = 100
		o.TrimInterval = 10 * time.Millisecond
	})

	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.trimmed["spice:stream:my.events"] == 100
	}, 2*time.Second, 10*time.Millisecond)
}

func TestEnvelopeWireRoundTrip(t *testing.T) {
	env := bus.Envelope{
		ID:            "evt_1",
		ChannelName:   "my.events",
		EventType:     "MyEvent",
		SchemaVersion: "1.0.0",
		Payload:       []byte(`{"k":"v"}`),
		Metadata:      map[string]string{"source": "test"},
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
	}
	values, err := encodeEnvelope(env)
	require.NoError(t, err)
	converted := make(map[string]string, len(values))
	for k, v := range values {
		converted[k] = v.(string)
	}
	decoded, err := decodeEnvelope(redisclient.Entry{ID: "1-1", Values: converted})
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.ChannelName, decoded.ChannelName)
	assert.Equal(t, env.SchemaVersion, decoded.SchemaVersion)
	assert.Equal(t, string(env.Payload), string(decoded.Payload))
	assert.Equal(t, env.Metadata, decoded.Metadata)
	assert.True(t, env.Timestamp.Equal(decoded.Timestamp))

	_, err = decodeEnvelope(redisclient.Entry{ID: "1-2", Values: map[string]string{"payload": "x"}})
	require.Error(t, err)
}

func TestClosedBackendRejectsOperations(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	b := newTestBackend(t, client, nil)
	require.NoError(t, b.CreateChannel(ctx, testChannel("my.events")))
	require.NoError(t, b.Close(ctx))

	_, err := b.Publish(ctx, bus.Envelope{ID: "evt_1", ChannelName: "my.events"})
	require.Error(t, err)
	_, _, err = b.Subscribe(ctx, "my.events", "workers")
	require.Error(t, err)
	require.Error(t, b.CreateChannel(ctx, testChannel("other")))
	assert.True(t, client.closed)
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
