// Package redis implements the event bus Backend over Redis Streams with
// consumer groups: per-channel reader loops, asynchronous approximate
// trimming, and pending-entry recovery that reclaims entries abandoned by
// crashed consumers.
//
// Importing the package registers the "redis" backend factory with the bus
// config registry.
package redis

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/no-ai-labs/spice-sub013/bus"
	redisclient "github.com/no-ai-labs/spice-sub013/features/bus/redis/clients/redis"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

const (
	defaultNamespace       = "spice"
	defaultConsumerPrefix  = "spice-consumer"
	defaultBatchSize       = 10
	defaultBlockTimeout    = time.Second
	defaultTrimInterval    = 30 * time.Second
	defaultPendingIdleTime = 30 * time.Second
	defaultMaxPendingRetry = 3
	defaultRecoveryEvery   = 10 * time.Second

	// StartLatest delivers only entries appended after group creation.
	StartLatest = "$"
	// StartBeginning replays the full stream; intended for tests.
	StartBeginning = "0-0"

	subscriberBuffer = 256
)

type (
	// Options configures the backend.
	Options struct {
		// Client is the Redis Streams client. Required.
		Client redisclient.Client
		// Namespace prefixes all stream and group keys.
		Namespace string
		// ConsumerPrefix prefixes the per-process consumer id. The id must
		// stay stable across restarts for pending recovery to reclaim
		// entries owned by a previous incarnation.
		ConsumerPrefix string
		// BatchSize bounds entries per read.
		BatchSize int64
		// BlockTimeout bounds each long-polling read.
		BlockTimeout time.Duration
		// StartPosition is the consumer group start (StartLatest or
		// StartBeginning).
		StartPosition string
		// MaxStreamLen enables asynchronous approximate trimming when
		// positive.
		MaxStreamLen int64
		// TrimInterval is the trim worker period.
		TrimInterval time.Duration
		// PendingIdleTime is how long an entry may stay unacknowledged
		// before recovery reclaims it.
		PendingIdleTime time.Duration
		// MaxPendingRetries bounds redeliveries before an entry is routed
		// to the dead-letter queue.
		MaxPendingRetries int64
		// RecoveryInterval is the pending-scan period.
		RecoveryInterval time.Duration
		// DLQ receives entries that exhausted their redeliveries. Optional.
		DLQ bus.DeadLetterQueue
		// Logger defaults to the clue-backed logger.
		Logger telemetry.Logger
	}

	// Backend implements bus.Backend over Redis Streams.
	Backend struct {
		client   redisclient.Client
		opts     Options
		consumer string
		logger   telemetry.Logger
		limiter  *rate.Limiter

		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup

		mu       sync.Mutex
		channels map[string]*streamChannel
		closed   bool
	}

	streamChannel struct {
		descriptor bus.Channel
		stream     string

		mu      sync.Mutex
		readers map[string]*groupReader
		last    *bus.Envelope
	}

	groupReader struct {
		group string

		mu   sync.Mutex
		subs []chan bus.Envelope
	}
)

func init() {
	bus.RegisterBackendFactory(bus.BackendRedis, func(cfg bus.Config) (bus.Backend, error) {
		rc := cfg.Redis
		if rc.Host == "" {
			rc = bus.DefaultRedisConfig()
		}
		client, err := redisclient.New(redisclient.Options{
			Addr:     rc.Addr(),
			Password: rc.Password,
			DB:       rc.Database,
			UseTLS:   rc.SSL,
		})
		if err != nil {
			return nil, err
		}
		opts := Options{
			Client:         client,
			Namespace:      rc.StreamKey,
			ConsumerPrefix: rc.ConsumerPrefix,
			BatchSize:      int64(rc.BatchSize),
			BlockTimeout:   rc.PollTimeout.Std(),
		}
		return New(opts)
	})
}

// New constructs the backend and starts its root lifecycle.
func New(opts Options) (*Backend, error) {
	if opts.Client == nil {
		return nil, spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"redis backend requires a client")
	}
	if opts.Namespace == "" {
		opts.Namespace = defaultNamespace
	}
	if opts.ConsumerPrefix == "" {
		opts.ConsumerPrefix = defaultConsumerPrefix
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BlockTimeout <= 0 {
		opts.BlockTimeout = defaultBlockTimeout
	}
	if opts.StartPosition == "" {
		opts.StartPosition = StartLatest
	}
	if opts.TrimInterval <= 0 {
		opts.TrimInterval = defaultTrimInterval
	}
	if opts.PendingIdleTime <= 0 {
		opts.PendingIdleTime = defaultPendingIdleTime
	}
	if opts.MaxPendingRetries <= 0 {
		opts.MaxPendingRetries = defaultMaxPendingRetry
	}
	if opts.RecoveryInterval <= 0 {
		opts.RecoveryInterval = defaultRecoveryEvery
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		client:   opts.Client,
		opts:     opts,
		consumer: consumerID(opts.ConsumerPrefix),
		logger:   opts.Logger,
		// Recovery and trim scans share one pacing budget so many
		// channels cannot stampede Redis with admin commands.
		limiter:  rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		ctx:      ctx,
		cancel:   cancel,
		channels: make(map[string]*streamChannel),
	}, nil
}

// CreateChannel implements bus.Backend: it records the channel, creates its
// stream, and starts the trim worker when a size cap is configured.
func (b *Backend) CreateChannel(ctx context.Context, ch bus.Channel) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errClosed()
	}
	if _, ok := b.channels[ch.Name]; ok {
		return nil
	}
	sc := &streamChannel{
		descriptor: ch,
		stream:     b.streamKey(ch.Name),
		readers:    make(map[string]*groupReader),
	}
	if err := b.client.CreateGroup(ctx, sc.stream, b.groupKey(ch.Name, "default"), b.opts.StartPosition); err != nil {
		return err
	}
	b.channels[ch.Name] = sc
	if b.opts.MaxStreamLen > 0 {
		b.wg.Add(1)
		go b.trimLoop(sc)
	}
	return nil
}

// Publish implements bus.Backend. Entries are never trimmed synchronously;
// the trim worker enforces the size cap in the background.
func (b *Backend) Publish(ctx context.Context, env bus.Envelope) (string, error) {
	b.mu.Lock()
	sc, ok := b.channels[env.ChannelName]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return "", errClosed()
	}
	if !ok {
		return "", spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"unknown channel %s", env.ChannelName)
	}
	values, err := encodeEnvelope(env)
	if err != nil {
		return "", err
	}
	return b.client.Add(ctx, sc.stream, values)
}

// Subscribe implements bus.Backend: it attaches a local subscriber to the
// (channel, group) reader, starting the reader and its recovery worker on
// first use.
func (b *Backend) Subscribe(ctx context.Context, channelName, group string) (<-chan bus.Envelope, func(), error) {
	b.mu.Lock()
	sc, ok := b.channels[channelName]
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, nil, errClosed()
	}
	if !ok {
		return nil, nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"unknown channel %s", channelName)
	}
	if group == "" {
		group = "default"
	}
	groupKey := b.groupKey(channelName, group)
	if err := b.client.CreateGroup(ctx, sc.stream, groupKey, b.opts.StartPosition); err != nil {
		return nil, nil, err
	}

	sc.mu.Lock()
	reader, started := sc.readers[group]
	if !started {
		reader = &groupReader{group: group}
		sc.readers[group] = reader
		b.wg.Add(2)
		go b.readLoop(sc, reader, groupKey)
		go b.recoveryLoop(sc, reader, groupKey)
	}
	sub := make(chan bus.Envelope, subscriberBuffer)
	reader.mu.Lock()
	reader.subs = append(reader.subs, sub)
	reader.mu.Unlock()
	if sc.descriptor.Config.EnableHistory && sc.last != nil {
		offer(sub, *sc.last)
	}
	sc.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() { reader.detach(sub) })
	}
	return sub, cancel, nil
}

// Close implements bus.Backend: it cancels all background workers, waits for
// them to drain, closes subscriber channels, and releases the connection.
func (b *Backend) Close(_ context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	channels := make([]*streamChannel, 0, len(b.channels))
	for _, sc := range b.channels {
		channels = append(channels, sc)
	}
	b.mu.Unlock()

	b.cancel()
	b.wg.Wait()
	for _, sc := range channels {
		sc.mu.Lock()
		for _, reader := range sc.readers {
			reader.closeAll()
		}
		sc.mu.Unlock()
	}
	return b.client.Close()
}

// readLoop long-polls the consumer group, fans each entry out to local
// subscribers, then acknowledges it.
func (b *Backend) readLoop(sc *streamChannel, reader *groupReader, groupKey string) {
	defer b.wg.Done()
	for {
		if b.ctx.Err() != nil {
			return
		}
		entries, err := b.client.ReadGroup(b.ctx, sc.stream, groupKey, b.consumer, b.opts.BatchSize, b.opts.BlockTimeout)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Warn(b.ctx, "stream read failed", "stream", sc.stream, "error", err.Error())
			if serr := sleepCtx(b.ctx, b.opts.BlockTimeout); serr != nil {
				return
			}
			continue
		}
		b.dispatch(sc, reader, groupKey, entries)
	}
}

// dispatch decodes, fans out, and acknowledges a batch of entries. Undecodable
// entries go to the DLQ so they are not redelivered forever.
func (b *Backend) dispatch(sc *streamChannel, reader *groupReader, groupKey string, entries []redisclient.Entry) {
	acks := make([]string, 0, len(entries))
	for _, entry := range entries {
		env, err := decodeEnvelope(entry)
		if err != nil {
			b.logger.Warn(b.ctx, "undecodable stream entry", "stream", sc.stream, "entry", entry.ID, "error", err.Error())
			if b.opts.DLQ != nil {
				_ = b.opts.DLQ.Send(b.ctx, bus.Envelope{ID: entry.ID, ChannelName: sc.descriptor.Name}, "undecodable stream entry", err)
			}
			acks = append(acks, entry.ID)
			continue
		}
		sc.mu.Lock()
		sc.last = &env
		sc.mu.Unlock()
		reader.fanOut(env)
		acks = append(acks, entry.ID)
	}
	if err := b.client.Ack(b.ctx, sc.stream, groupKey, acks...); err != nil && b.ctx.Err() == nil {
		b.logger.Warn(b.ctx, "stream ack failed", "stream", sc.stream, "error", err.Error())
	}
}

// recoveryLoop periodically reclaims entries left unacknowledged longer than
// PendingIdleTime: entries under the retry budget are redelivered locally,
// exhausted ones are routed to the DLQ. Without this task a consumer crash
// would strand its in-flight entries forever.
func (b *Backend) recoveryLoop(sc *streamChannel, reader *groupReader, groupKey string) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.RecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.limiter.Wait(b.ctx); err != nil {
			return
		}
		b.recoverPending(sc, reader, groupKey)
	}
}

func (b *Backend) recoverPending(sc *streamChannel, reader *groupReader, groupKey string) {
	pending, err := b.client.Pending(b.ctx, sc.stream, groupKey, b.opts.PendingIdleTime, b.opts.BatchSize)
	if err != nil {
		if b.ctx.Err() == nil {
			b.logger.Warn(b.ctx, "pending scan failed", "stream", sc.stream, "error", err.Error())
		}
		return
	}
	var exhausted []string
	for _, p := range pending {
		if p.RetryCount > b.opts.MaxPendingRetries {
			exhausted = append(exhausted, p.ID)
		}
	}
	if len(exhausted) > 0 {
		if b.opts.DLQ != nil {
			for _, id := range exhausted {
				_ = b.opts.DLQ.Send(b.ctx, bus.Envelope{ID: id, ChannelName: sc.descriptor.Name},
					"pending entry exhausted redeliveries", nil)
			}
		}
		if err := b.client.Ack(b.ctx, sc.stream, groupKey, exhausted...); err != nil && b.ctx.Err() == nil {
			b.logger.Warn(b.ctx, "dead-letter ack failed", "stream", sc.stream, "error", err.Error())
		}
	}

	entries, _, err := b.client.AutoClaim(b.ctx, sc.stream, groupKey, b.consumer, b.opts.PendingIdleTime, "0-0", b.opts.BatchSize)
	if err != nil {
		if b.ctx.Err() == nil {
			b.logger.Warn(b.ctx, "autoclaim failed", "stream", sc.stream, "error", err.Error())
		}
		return
	}
	if len(entries) > 0 {
		b.logger.Info(b.ctx, "reclaimed pending entries", "stream", sc.stream, "count", len(entries))
		b.dispatch(sc, reader, groupKey, entries)
	}
}

// trimLoop enforces the stream size cap with approximate trimming, detached
// from the publish path.
func (b *Backend) trimLoop(sc *streamChannel) {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.TrimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		}
		if err := b.limiter.Wait(b.ctx); err != nil {
			return
		}
		if err := b.client.TrimApprox(b.ctx, sc.stream, b.opts.MaxStreamLen); err != nil && b.ctx.Err() == nil {
			b.logger.Warn(b.ctx, "stream trim failed", "stream", sc.stream, "error", err.Error())
		}
	}
}

// fanOut delivers the envelope to every local subscriber of the group.
func (r *groupReader) fanOut(env bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sub := range r.subs {
		offer(sub, env)
	}
}

func (r *groupReader) detach(sub chan bus.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.subs {
		if s == sub {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			close(s)
			return
		}
	}
}

func (r *groupReader) closeAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		close(s)
	}
	r.subs = nil
}

// offer pushes env without blocking the fan-out. A slow subscriber loses its
// oldest buffered entry rather than stalling the reader loop.
func offer(sub chan bus.Envelope, env bus.Envelope) {
	select {
	case sub <- env:
	default:
		select {
		case <-sub:
		default:
		}
		select {
		case sub <- env:
		default:
		}
	}
}

func (b *Backend) streamKey(channel string) string {
	return b.opts.Namespace + ":stream:" + channel
}

func (b *Backend) groupKey(channel, group string) string {
	return b.opts.Namespace + ":cg:" + channel + ":" + group
}

// consumerID derives a per-process consumer id that is stable across restarts
// on the same host.
func consumerID(prefix string) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return prefix + "-" + host
}

// encodeEnvelope maps the envelope onto the stream wire format: string
// fields with JSON metadata and an RFC 3339 timestamp.
func encodeEnvelope(env bus.Envelope) (map[string]any, error) {
	metadata := "{}"
	if len(env.Metadata) > 0 {
		encoded, err := json.Marshal(env.Metadata)
		if err != nil {
			return nil, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
				"encode envelope metadata")
		}
		metadata = string(encoded)
	}
	return map[string]any{
		"id":            env.ID,
		"channelName":   env.ChannelName,
		"eventType":     env.EventType,
		"schemaVersion": env.SchemaVersion,
		"payload":       string(env.Payload),
		"metadata":      metadata,
		"timestamp":     env.Timestamp.UTC().Format(time.RFC3339Nano),
	}, nil
}

// decodeEnvelope parses a stream entry back into an envelope.
func decodeEnvelope(entry redisclient.Entry) (bus.Envelope, error) {
	env := bus.Envelope{
		ID:            entry.Values["id"],
		ChannelName:   entry.Values["channelName"],
		EventType:     entry.Values["eventType"],
		SchemaVersion: entry.Values["schemaVersion"],
		Payload:       []byte(entry.Values["payload"]),
	}
	if env.ID == "" {
		return bus.Envelope{}, spicerr.New(spicerr.KindSerialization, spicerr.CodeSerialization,
			"stream entry carries no envelope id")
	}
	if md := entry.Values["metadata"]; md != "" && md != "{}" {
		if err := json.Unmarshal([]byte(md), &env.Metadata); err != nil {
			return bus.Envelope{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
				"decode envelope metadata")
		}
	}
	if ts := entry.Values["timestamp"]; ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return bus.Envelope{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
				"decode envelope timestamp")
		}
		env.Timestamp = parsed
	}
	return env, nil
}

func errClosed() error {
	return spicerr.New(spicerr.KindExecution, spicerr.CodeExecution, "redis bus backend is closed")
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
