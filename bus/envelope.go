package bus

import (
	"context"
	"time"
)

type (
	// Envelope is the wire form of a published event: the serialized
	// payload plus the routing and schema metadata every backend persists.
	Envelope struct {
		// ID uniquely identifies the envelope.
		ID string `json:"id"`
		// ChannelName is the channel the event was published to.
		ChannelName string `json:"channel_name"`
		// EventType and SchemaVersion key the serializer that produced
		// Payload.
		EventType     string `json:"event_type"`
		SchemaVersion string `json:"schema_version"`
		// Payload is the serialized event.
		Payload []byte `json:"payload"`
		// Metadata carries caller-supplied routing context.
		Metadata map[string]string `json:"metadata,omitempty"`
		// Timestamp records when the envelope was created (UTC).
		Timestamp time.Time `json:"timestamp"`
	}

	// ChannelConfig tunes per-channel behavior.
	ChannelConfig struct {
		// EnableHistory keeps recent envelopes for late subscribers.
		EnableHistory bool `yaml:"enableHistory"`
		// HistorySize bounds the retained history.
		HistorySize int `yaml:"historySize"`
		// EnableDeadLetter routes undeliverable envelopes to the DLQ.
		EnableDeadLetter bool `yaml:"enableDeadLetter"`
	}

	// Channel is a typed, versioned topic descriptor.
	Channel struct {
		// Name is the channel name (e.g., "spice.graph.lifecycle").
		Name string
		// EventType and SchemaVersion identify the registered schema.
		EventType     string
		SchemaVersion string
		// Config tunes history and dead-letter behavior.
		Config ChannelConfig
	}

	// TypedEvent is a deserialized event delivered to a subscriber.
	TypedEvent struct {
		// Event is the deserialized payload.
		Event any
		// Envelope is the wire form the event arrived in.
		Envelope Envelope
		// ReceivedAt records when the subscriber received the event.
		ReceivedAt time.Time
	}

	// Backend transports envelopes. The in-memory backend lives in this
	// package; the Redis Streams backend lives in features/bus/redis.
	//
	// Delivery is at-least-once: consumers must be idempotent. Ordering is
	// guaranteed only within a single channel partition.
	Backend interface {
		// CreateChannel provisions backend resources for the channel
		// (streams, consumer groups). Idempotent.
		CreateChannel(ctx context.Context, ch Channel) error
		// Publish appends the envelope and returns the backend message
		// id. Publish must not trim synchronously.
		Publish(ctx context.Context, env Envelope) (string, error)
		// Subscribe returns a channel of envelopes for the given
		// consumer group. The cancel function detaches the subscriber
		// and closes the channel.
		Subscribe(ctx context.Context, channelName, group string) (<-chan Envelope, func(), error)
		// Close shuts the backend down, stopping background workers and
		// draining in-process buffers.
		Close(ctx context.Context) error
	}
)
