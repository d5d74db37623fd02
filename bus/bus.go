// Package bus implements the typed event bus: versioned channels backed by a
// schema registry, composable delivery filters, a dead-letter queue for
// undeliverable envelopes, and delivery statistics. Transport is pluggable
// through the Backend interface; the in-memory backend lives here and the
// Redis Streams backend in features/bus/redis.
//
// Delivery is at-least-once. Consumers must be idempotent; ordering holds
// only within a single channel partition.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

type (
	// Bus is the typed event bus. Construct with New; all methods are safe
	// for concurrent use.
	Bus struct {
		registry *SchemaRegistry
		backend  Backend
		dlq      DeadLetterQueue
		logger   telemetry.Logger

		mu       sync.RWMutex
		channels map[string]Channel

		published   atomic.Uint64
		consumed    atomic.Uint64
		errors      atomic.Uint64
		deadLetters atomic.Uint64
		subscribers atomic.Int64
	}

	// Option customizes Bus construction.
	Option func(*Bus)
)

// WithBackend sets the transport backend. Defaults to the in-memory backend.
func WithBackend(b Backend) Option {
	return func(bus *Bus) { bus.backend = b }
}

// WithRegistry sets the schema registry. Defaults to an empty registry.
func WithRegistry(r *SchemaRegistry) Option {
	return func(bus *Bus) { bus.registry = r }
}

// WithDLQ sets the dead-letter queue. Defaults to the in-memory DLQ.
func WithDLQ(q DeadLetterQueue) Option {
	return func(bus *Bus) { bus.dlq = q }
}

// WithLogger sets the logger. Defaults to the clue-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(bus *Bus) { bus.logger = l }
}

// New constructs a Bus ready for channel creation.
func New(opts ...Option) *Bus {
	b := &Bus{
		registry: NewSchemaRegistry(),
		backend:  NewMemoryBackend(),
		dlq:      NewInMemoryDLQ(),
		logger:   telemetry.NewLogger(),
		channels: make(map[string]Channel),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Registry exposes the schema registry for event type registration.
func (b *Bus) Registry() *SchemaRegistry { return b.registry }

// Channel creates (or returns) a typed channel. The (eventType, version)
// pair must be registered in the schema registry first.
func (b *Bus) Channel(ctx context.Context, name, eventType, version string, cfg ChannelConfig) (Channel, error) {
	if !b.registry.IsRegistered(eventType, version) {
		return Channel{}, spicerr.Newf(spicerr.KindValidation, spicerr.CodeSchemaNotFound,
			"no schema registered for %s:%s", eventType, version)
	}
	ch := Channel{Name: name, EventType: eventType, SchemaVersion: version, Config: cfg}
	if err := b.backend.CreateChannel(ctx, ch); err != nil {
		return Channel{}, err
	}
	b.mu.Lock()
	if existing, ok := b.channels[name]; ok {
		b.mu.Unlock()
		return existing, nil
	}
	b.channels[name] = ch
	b.mu.Unlock()
	return ch, nil
}

// Publish serializes the event per the channel's registered schema, wraps it
// in an envelope, and hands it to the backend. Returns the backend message
// id.
func (b *Bus) Publish(ctx context.Context, channelName string, event any, metadata map[string]string) (string, error) {
	ch, err := b.channel(channelName)
	if err != nil {
		return "", err
	}
	ser, ok := b.registry.Serializer(ch.EventType, ch.SchemaVersion)
	if !ok {
		return "", spicerr.Newf(spicerr.KindValidation, spicerr.CodeSchemaNotFound,
			"no schema registered for %s:%s", ch.EventType, ch.SchemaVersion)
	}
	payload, err := ser.Serialize(event)
	if err != nil {
		b.errors.Add(1)
		return "", err
	}
	env := Envelope{
		ID:            "evt_" + uuid.NewString(),
		ChannelName:   channelName,
		EventType:     ch.EventType,
		SchemaVersion: ch.SchemaVersion,
		Payload:       payload,
		Metadata:      metadata,
		Timestamp:     time.Now().UTC(),
	}
	id, err := b.backend.Publish(ctx, env)
	if err != nil {
		b.errors.Add(1)
		return "", spicerr.Wrap(err, spicerr.KindExecution, spicerr.CodeExecution,
			"publish to "+channelName)
	}
	b.published.Add(1)
	return id, nil
}

// Subscribe attaches a consumer-group subscriber to the channel. Envelopes
// are deserialized per the channel schema and offered to the filter before
// delivery; deserialization failures are dead-lettered when the channel
// enables it. The returned cancel function detaches the subscriber.
func (b *Bus) Subscribe(ctx context.Context, channelName, group string, filter Filter) (<-chan TypedEvent, func(), error) {
	ch, err := b.channel(channelName)
	if err != nil {
		return nil, nil, err
	}
	ser, ok := b.registry.Serializer(ch.EventType, ch.SchemaVersion)
	if !ok {
		return nil, nil, spicerr.Newf(spicerr.KindValidation, spicerr.CodeSchemaNotFound,
			"no schema registered for %s:%s", ch.EventType, ch.SchemaVersion)
	}
	raw, cancelRaw, err := b.backend.Subscribe(ctx, channelName, group)
	if err != nil {
		return nil, nil, err
	}
	out := make(chan TypedEvent, 64)
	b.subscribers.Add(1)
	go b.pump(ctx, ch, ser, filter, raw, out)
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelRaw()
			b.subscribers.Add(-1)
		})
	}
	return out, cancel, nil
}

// pump deserializes, filters, and delivers envelopes until the raw channel
// closes or the context is canceled.
func (b *Bus) pump(ctx context.Context, ch Channel, ser Serializer, filter Filter, raw <-chan Envelope, out chan<- TypedEvent) {
	defer close(out)
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-raw:
			if !ok {
				return
			}
			event, err := ser.Deserialize(env.Payload)
			if err != nil {
				b.errors.Add(1)
				if ch.Config.EnableDeadLetter {
					if dlqErr := b.dlq.Send(ctx, env, "deserialization failed", err); dlqErr == nil {
						b.deadLetters.Add(1)
					}
				}
				b.logger.Warn(ctx, "dead-lettered undeliverable envelope",
					"channel", ch.Name, "envelope", env.ID, "error", err.Error())
				continue
			}
			te := TypedEvent{Event: event, Envelope: env, ReceivedAt: time.Now().UTC()}
			if filter != nil && !filter(te) {
				continue
			}
			select {
			case out <- te:
				b.consumed.Add(1)
			case <-ctx.Done():
				return
			}
		}
	}
}

// Stats returns a snapshot of the delivery counters.
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	active := len(b.channels)
	b.mu.RUnlock()
	published := b.published.Load()
	consumed := b.consumed.Load()
	var pending uint64
	if published > consumed {
		pending = published - consumed
	}
	return Stats{
		Published:          published,
		Consumed:           consumed,
		Pending:            pending,
		Errors:             b.errors.Load(),
		DeadLetterMessages: b.deadLetters.Load(),
		ActiveChannels:     active,
		ActiveSubscribers:  int(b.subscribers.Load()),
	}
}

// Close shuts down the backend, stopping all subscriptions.
func (b *Bus) Close(ctx context.Context) error {
	return b.backend.Close(ctx)
}

func (b *Bus) channel(name string) (Channel, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ch, ok := b.channels[name]
	if !ok {
		return Channel{}, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"unknown channel %s", name)
	}
	return ch, nil
}

// Stats summarizes bus activity since construction.
type Stats struct {
	// Published counts successfully published envelopes.
	Published uint64
	// Consumed counts envelopes delivered to subscribers.
	Consumed uint64
	// Pending is the published-minus-consumed backlog estimate.
	Pending uint64
	// Errors counts serialization and transport failures.
	Errors uint64
	// DeadLetterMessages counts envelopes routed to the DLQ.
	DeadLetterMessages uint64
	// ActiveChannels counts created channels.
	ActiveChannels int
	// ActiveSubscribers counts live subscriptions.
	ActiveSubscribers int
}
