package bus

import (
	"context"
	"time"
)

// Standard channel names shared by the runtime and external consumers.
const (
	// ChannelGraphLifecycle carries graph start/pause/resume/complete/fail
	// events.
	ChannelGraphLifecycle = "spice.graph.lifecycle"
	// ChannelNodeLifecycle carries per-node start/complete/fail events.
	ChannelNodeLifecycle = "spice.node.lifecycle"
	// ChannelToolCalls carries tool invocation and result events.
	ChannelToolCalls = "spice.toolcalls"
	// ChannelSystem carries operational events (errors, warnings, health).
	ChannelSystem = "spice.system"
)

// Event types and schema version for the standard channels.
const (
	EventTypeGraphLifecycle = "graph.lifecycle"
	EventTypeNodeLifecycle  = "node.lifecycle"
	EventTypeToolCall       = "tool.call"
	EventTypeSystem         = "system"

	StandardSchemaVersion = "1.0"
)

// Lifecycle phase values used by GraphLifecycleEvent and NodeLifecycleEvent.
const (
	PhaseStarted   = "STARTED"
	PhasePaused    = "PAUSED"
	PhaseResumed   = "RESUMED"
	PhaseCompleted = "COMPLETED"
	PhaseFailed    = "FAILED"
)

type (
	// GraphLifecycleEvent reports a graph run transition.
	GraphLifecycleEvent struct {
		GraphID   string         `json:"graph_id"`
		RunID     string         `json:"run_id"`
		Phase     string         `json:"phase"`
		NodeID    string         `json:"node_id,omitempty"`
		Error     string         `json:"error,omitempty"`
		Timestamp time.Time      `json:"timestamp"`
		Detail    map[string]any `json:"detail,omitempty"`
	}

	// NodeLifecycleEvent reports a single node execution transition.
	NodeLifecycleEvent struct {
		GraphID   string    `json:"graph_id"`
		RunID     string    `json:"run_id"`
		NodeID    string    `json:"node_id"`
		NodeKind  string    `json:"node_kind"`
		Phase     string    `json:"phase"`
		Attempt   int       `json:"attempt,omitempty"`
		Error     string    `json:"error,omitempty"`
		Timestamp time.Time `json:"timestamp"`
	}

	// ToolCallEvent reports a tool invocation or its result.
	ToolCallEvent struct {
		RunID      string         `json:"run_id"`
		NodeID     string         `json:"node_id"`
		ToolCallID string         `json:"tool_call_id"`
		ToolName   string         `json:"tool_name"`
		Status     string         `json:"status"`
		Error      string         `json:"error,omitempty"`
		Timestamp  time.Time      `json:"timestamp"`
		Detail     map[string]any `json:"detail,omitempty"`
	}

	// SystemEvent reports an operational condition.
	SystemEvent struct {
		Severity  string         `json:"severity"`
		Component string         `json:"component"`
		Message   string         `json:"message"`
		Timestamp time.Time      `json:"timestamp"`
		Detail    map[string]any `json:"detail,omitempty"`
	}
)

// RegisterStandardChannels registers the four standard event schemas and
// creates their channels. Idempotent.
func RegisterStandardChannels(ctx context.Context, b *Bus) error {
	reg := b.Registry()
	if err := reg.Register(EventTypeGraphLifecycle, StandardSchemaVersion, NewJSONSerializer[GraphLifecycleEvent]()); err != nil {
		return err
	}
	if err := reg.Register(EventTypeNodeLifecycle, StandardSchemaVersion, NewJSONSerializer[NodeLifecycleEvent]()); err != nil {
		return err
	}
	if err := reg.Register(EventTypeToolCall, StandardSchemaVersion, NewJSONSerializer[ToolCallEvent]()); err != nil {
		return err
	}
	if err := reg.Register(EventTypeSystem, StandardSchemaVersion, NewJSONSerializer[SystemEvent]()); err != nil {
		return err
	}

	standard := []struct {
		name      string
		eventType string
		cfg       ChannelConfig
	}{
		{ChannelGraphLifecycle, EventTypeGraphLifecycle, ChannelConfig{EnableHistory: true, HistorySize: 1000, EnableDeadLetter: true}},
		{ChannelNodeLifecycle, EventTypeNodeLifecycle, ChannelConfig{EnableDeadLetter: true}},
		{ChannelToolCalls, EventTypeToolCall, ChannelConfig{EnableHistory: true, HistorySize: 10000, EnableDeadLetter: true}},
		{ChannelSystem, EventTypeSystem, ChannelConfig{EnableHistory: true, HistorySize: 5000}},
	}
	for _, sc := range standard {
		if _, err := b.Channel(ctx, sc.name, sc.eventType, StandardSchemaVersion, sc.cfg); err != nil {
			return err
		}
	}
	return nil
}
