package graph

import (
	"context"
	"time"

	"github.com/no-ai-labs/spice-sub013/bus"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

type (
	// Publisher receives lifecycle events from the runner. The bus-backed
	// implementation forwards them to the standard channels; NopPublisher
	// discards them.
	Publisher interface {
		// GraphEvent reports a run transition.
		GraphEvent(ctx context.Context, ev bus.GraphLifecycleEvent)
		// NodeEvent reports a node execution transition.
		NodeEvent(ctx context.Context, ev bus.NodeLifecycleEvent)
		// ToolEvent reports a tool invocation.
		ToolEvent(ctx context.Context, ev bus.ToolCallEvent)
	}

	// NopPublisher discards all events.
	NopPublisher struct{}

	// BusPublisher forwards runner events to the standard bus channels.
	// Publish failures are logged, never propagated: observability must not
	// fail a run.
	BusPublisher struct {
		bus    *bus.Bus
		logger telemetry.Logger
	}
)

// GraphEvent implements Publisher.
func (NopPublisher) GraphEvent(context.Context, bus.GraphLifecycleEvent) {}

// NodeEvent implements Publisher.
func (NopPublisher) NodeEvent(context.Context, bus.NodeLifecycleEvent) {}

// ToolEvent implements Publisher.
func (NopPublisher) ToolEvent(context.Context, bus.ToolCallEvent) {}

// NewBusPublisher constructs a Publisher forwarding to b. The standard
// channels must have been registered (bus.RegisterStandardChannels).
func NewBusPublisher(b *bus.Bus, logger telemetry.Logger) *BusPublisher {
	if logger == nil {
		logger = telemetry.NewLogger()
	}
	return &BusPublisher{bus: b, logger: logger}
}

// GraphEvent implements Publisher.
func (p *BusPublisher) GraphEvent(ctx context.Context, ev bus.GraphLifecycleEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	md := map[string]string{"graph_id": ev.GraphID, "run_id": ev.RunID, "phase": ev.Phase}
	if _, err := p.bus.Publish(ctx, bus.ChannelGraphLifecycle, ev, md); err != nil {
		p.logger.Warn(ctx, "graph lifecycle publish failed", "run", ev.RunID, "error", err.Error())
	}
}

// NodeEvent implements Publisher.
func (p *BusPublisher) NodeEvent(ctx context.Context, ev bus.NodeLifecycleEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	md := map[string]string{"run_id": ev.RunID, "node_id": ev.NodeID, "phase": ev.Phase}
	if _, err := p.bus.Publish(ctx, bus.ChannelNodeLifecycle, ev, md); err != nil {
		p.logger.Warn(ctx, "node lifecycle publish failed", "node", ev.NodeID, "error", err.Error())
	}
}

// ToolEvent implements Publisher.
func (p *BusPublisher) ToolEvent(ctx context.Context, ev bus.ToolCallEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	md := map[string]string{"run_id": ev.RunID, "tool": ev.ToolName}
	if _, err := p.bus.Publish(ctx, bus.ChannelToolCalls, ev, md); err != nil {
		p.logger.Warn(ctx, "tool call publish failed", "tool", ev.ToolName, "error", err.Error())
	}
}
