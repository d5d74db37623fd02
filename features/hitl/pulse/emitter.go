// Package pulse implements the HITL event emitter on Pulse streams. Each
// request is appended to a per-run stream so external listeners (approval
// UIs, notification services) can follow one run's interactions without
// filtering a global feed.
package pulse

import (
	"context"
	"encoding/json"
	"time"

	pulseclient "github.com/no-ai-labs/spice-sub013/features/hitl/pulse/clients/pulse"
	"github.com/no-ai-labs/spice-sub013/runtime/hitl"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

const (
	// EventRequest is the event name of published HITL requests.
	EventRequest = "hitl_request"

	defaultStreamPrefix = "hitl"
)

type (
	// Emitter publishes HITL requests to Pulse streams. Implements
	// hitl.Emitter.
	Emitter struct {
		client pulseclient.Client
		prefix string
		logger telemetry.Logger
	}

	// EmitterOption customizes the emitter.
	EmitterOption func(*Emitter)
)

// WithStreamPrefix overrides the stream name prefix (default "hitl").
func WithStreamPrefix(prefix string) EmitterOption {
	return func(e *Emitter) { e.prefix = prefix }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) EmitterOption {
	return func(e *Emitter) { e.logger = l }
}

// NewEmitter constructs the Pulse-backed HITL emitter.
func NewEmitter(client pulseclient.Client, opts ...EmitterOption) *Emitter {
	e := &Emitter{
		client: client,
		prefix: defaultStreamPrefix,
		logger: telemetry.NewLogger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EmitRequest implements hitl.Emitter: it appends the request metadata to the
// run's stream.
func (e *Emitter) EmitRequest(ctx context.Context, md hitl.Metadata) error {
	if md.RunID == "" {
		return spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"hitl request requires a run id")
	}
	payload, err := json.Marshal(md)
	if err != nil {
		return spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"encode hitl request")
	}
	stream := e.prefix + ":" + md.RunID
	id, err := e.client.Publish(ctx, stream, EventRequest, payload)
	if err != nil {
		return spicerr.Wrap(err, spicerr.KindNetwork, spicerr.CodeNetworkError,
			"publish hitl request")
	}
	e.logger.Debug(ctx, "hitl request published",
		"stream", stream, "event", id, "tool_call", md.ToolCallID, "requested_at", md.RequestedAt.Format(time.RFC3339))
	return nil
}

// Close releases the underlying client.
func (e *Emitter) Close(ctx context.Context) error {
	return e.client.Close(ctx)
}
