// Package message defines the canonical envelope that flows through graph
// executions, together with its per-message state machine and validator.
//
// Messages are values: every mutation helper returns a new Message with
// defensively copied maps and slices, and the original is left untouched.
// Only the graph runner mutates execution fields (graph/node/run ids), and it
// does so through the With* helpers. StateHistory is append-only and always
// obeys the legal-transition table.
package message

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

const (
	// ToolCallPrefix is the mandatory prefix of every tool-call id.
	ToolCallPrefix = "call_"
	// UserInputFunction is the function name of the tool call injected by
	// FromUserInput.
	UserInputFunction = "user_input"
	// HITLRequestFunction is the function name of the human-input request
	// tool call. A WAITING message always carries at least one call to it.
	HITLRequestFunction = "hitl_request_input"
)

type (
	// ToolCall records a single tool invocation request attached to a
	// message. Arguments is the JSON encoding of the call parameters.
	ToolCall struct {
		ID        string `json:"id" bson:"id"`
		Name      string `json:"name" bson:"name"`
		Arguments string `json:"arguments" bson:"arguments"`
	}

	// Message is the immutable envelope driven through a graph. Treat all
	// fields as read-only; use the With* helpers to derive updated copies.
	Message struct {
		// ID is unique per construction.
		ID string `json:"id" bson:"id"`
		// CorrelationID groups all messages of one logical conversation.
		// It is required and stable across Reply.
		CorrelationID string `json:"correlation_id" bson:"correlation_id"`
		// CausationID is the id of the message that produced this one.
		// Empty for root messages.
		CausationID string `json:"causation_id,omitempty" bson:"causation_id,omitempty"`
		// Content is the human-readable payload. May be empty only when
		// ToolCalls is non-empty.
		Content string `json:"content" bson:"content"`
		// Data holds derived structured values, merged on update.
		Data map[string]any `json:"data,omitempty" bson:"data,omitempty"`
		// ToolCalls lists pending tool invocations.
		ToolCalls []ToolCall `json:"tool_calls,omitempty" bson:"tool_calls,omitempty"`
		// State is the current lifecycle state.
		State State `json:"state" bson:"state"`
		// StateHistory is the append-only transition audit trail.
		StateHistory []Transition `json:"state_history,omitempty" bson:"state_history,omitempty"`
		// Metadata carries cross-cutting context (tenantId, userId, ...).
		Metadata map[string]any `json:"metadata,omitempty" bson:"metadata,omitempty"`
		// GraphID, NodeID, and RunID locate the message inside an
		// execution; empty outside a run.
		GraphID string `json:"graph_id,omitempty" bson:"graph_id,omitempty"`
		NodeID  string `json:"node_id,omitempty" bson:"node_id,omitempty"`
		RunID   string `json:"run_id,omitempty" bson:"run_id,omitempty"`
		// From and To identify sender and recipient actors.
		From string `json:"from,omitempty" bson:"from,omitempty"`
		To   string `json:"to,omitempty" bson:"to,omitempty"`
		// Timestamp is the creation time (UTC).
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
		// ExpiresAt is an optional TTL; zero means no expiry.
		ExpiresAt time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	}

	// Option customizes message construction.
	Option func(*Message)
)

// WithCorrelationID sets the correlation id at construction time.
func WithCorrelationID(id string) Option {
	return func(m *Message) { m.CorrelationID = id }
}

// WithTo sets the recipient actor at construction time.
func WithTo(to string) Option {
	return func(m *Message) { m.To = to }
}

// WithExpiry sets the message TTL at construction time.
func WithExpiry(at time.Time) Option {
	return func(m *Message) { m.ExpiresAt = at }
}

// WithInitialMetadata seeds the metadata map at construction time.
func WithInitialMetadata(md map[string]any) Option {
	return func(m *Message) { m.Metadata = cloneMap(md) }
}

// New constructs a READY message with a fresh id. The correlation id defaults
// to a new value unless WithCorrelationID overrides it.
func New(content, from string, opts ...Option) Message {
	m := Message{
		ID:            newID("msg"),
		CorrelationID: newID("corr"),
		Content:       content,
		From:          from,
		State:         StateReady,
		Timestamp:     time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// FromUserInput constructs a READY message carrying exactly one user_input
// tool call with the given text, input type, and metadata encoded as the call
// arguments.
func FromUserInput(text, userID, inputType string, metadata map[string]any, opts ...Option) (Message, error) {
	call, err := NewToolCall(UserInputFunction, map[string]any{
		"text":       text,
		"input_type": inputType,
		"metadata":   metadata,
	})
	if err != nil {
		return Message{}, err
	}
	m := New(text, userID, opts...)
	m.ToolCalls = []ToolCall{call}
	if userID != "" {
		m = m.WithMetadataValue("userId", userID)
	}
	return m, nil
}

// NewToolCall builds a ToolCall with a generated call_-prefixed id and the
// arguments marshaled to JSON.
func NewToolCall(name string, args any) (ToolCall, error) {
	encoded, err := json.Marshal(args)
	if err != nil {
		return ToolCall{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"marshal tool call arguments")
	}
	return ToolCall{
		ID:        ToolCallPrefix + uuid.NewString(),
		Name:      name,
		Arguments: string(encoded),
	}, nil
}

// Reply derives a new READY message in the same conversation: it shares the
// correlation id, records this message as causation, and starts with an empty
// state history.
func (m Message) Reply(content, from string) Message {
	return Message{
		ID:            newID("msg"),
		CorrelationID: m.CorrelationID,
		CausationID:   m.ID,
		Content:       content,
		From:          from,
		To:            m.From,
		State:         StateReady,
		Timestamp:     time.Now().UTC(),
	}
}

// TransitionTo validates the requested state change against the transition
// table and returns a copy with the transition appended to the history. The
// receiver is left unchanged on error.
func (m Message) TransitionTo(to State, reason, nodeID string) (Message, error) {
	if !CanTransition(m.State, to) {
		return m, invalidTransition(m.State, to)
	}
	now := time.Now().UTC()
	if n := len(m.StateHistory); n > 0 && now.Before(m.StateHistory[n-1].Timestamp) {
		now = m.StateHistory[n-1].Timestamp
	}
	out := m.clone()
	out.StateHistory = append(out.StateHistory, Transition{
		From:      m.State,
		To:        to,
		Timestamp: now,
		Reason:    reason,
		NodeID:    nodeID,
	})
	out.State = to
	return out, nil
}

// WithData merges the given values into Data. Existing keys not present in
// values are preserved.
func (m Message) WithData(values map[string]any) Message {
	out := m.clone()
	if out.Data == nil {
		out.Data = make(map[string]any, len(values))
	}
	for k, v := range values {
		out.Data[k] = v
	}
	return out
}

// WithDataValue merges a single key into Data.
func (m Message) WithDataValue(key string, value any) Message {
	return m.WithData(map[string]any{key: value})
}

// WithoutDataKey returns a copy with the given data key removed.
func (m Message) WithoutDataKey(key string) Message {
	out := m.clone()
	delete(out.Data, key)
	return out
}

// WithMetadata merges the given values into Metadata.
func (m Message) WithMetadata(values map[string]any) Message {
	out := m.clone()
	if out.Metadata == nil {
		out.Metadata = make(map[string]any, len(values))
	}
	for k, v := range values {
		out.Metadata[k] = v
	}
	return out
}

// WithMetadataValue merges a single key into Metadata.
func (m Message) WithMetadataValue(key string, value any) Message {
	return m.WithMetadata(map[string]any{key: value})
}

// WithoutMetadataKey returns a copy with the given metadata key removed.
func (m Message) WithoutMetadataKey(key string) Message {
	out := m.clone()
	delete(out.Metadata, key)
	return out
}

// WithToolCall appends a tool call.
func (m Message) WithToolCall(call ToolCall) Message {
	out := m.clone()
	out.ToolCalls = append(out.ToolCalls, call)
	return out
}

// WithToolCalls appends multiple tool calls.
func (m Message) WithToolCalls(calls []ToolCall) Message {
	out := m.clone()
	out.ToolCalls = append(out.ToolCalls, calls...)
	return out
}

// WithGraphContext sets the execution context fields.
func (m Message) WithGraphContext(graphID, nodeID, runID string) Message {
	out := m.clone()
	out.GraphID = graphID
	out.NodeID = nodeID
	out.RunID = runID
	return out
}

// WithNode sets only the current node id.
func (m Message) WithNode(nodeID string) Message {
	out := m.clone()
	out.NodeID = nodeID
	return out
}

// WithContent replaces the content.
func (m Message) WithContent(content string) Message {
	out := m.clone()
	out.Content = content
	return out
}

// InheritExecution adopts the execution context, state, and state history of
// prev. The runner uses it to lift a fresh agent reply into the ongoing run
// without breaking history continuity.
func (m Message) InheritExecution(prev Message) Message {
	out := m.clone()
	out.GraphID = prev.GraphID
	out.NodeID = prev.NodeID
	out.RunID = prev.RunID
	out.State = prev.State
	out.StateHistory = append([]Transition(nil), prev.StateHistory...)
	if out.Data == nil {
		out.Data = cloneMap(prev.Data)
	} else {
		merged := cloneMap(prev.Data)
		if merged == nil {
			merged = make(map[string]any, len(out.Data))
		}
		for k, v := range out.Data {
			merged[k] = v
		}
		out.Data = merged
	}
	if out.Metadata == nil {
		out.Metadata = cloneMap(prev.Metadata)
	}
	return out
}

// IsTerminal reports whether the message reached a terminal state.
func (m Message) IsTerminal() bool { return m.State.Terminal() }

// IsWaiting reports whether the message is paused on human input.
func (m Message) IsWaiting() bool { return m.State == StateWaiting }

// IsRunning reports whether the message is actively executing.
func (m Message) IsRunning() bool { return m.State == StateRunning }

// HasToolCall reports whether a tool call with the given function name is
// attached.
func (m Message) HasToolCall(name string) bool {
	_, ok := m.FindToolCall(name)
	return ok
}

// FindToolCall returns the first tool call with the given function name.
func (m Message) FindToolCall(name string) (ToolCall, bool) {
	for _, call := range m.ToolCalls {
		if call.Name == name {
			return call, true
		}
	}
	return ToolCall{}, false
}

// Expired reports whether the message TTL elapsed at the given instant.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}

// MetadataString returns the metadata value for key as a string, or "" when
// absent or not a string.
func (m Message) MetadataString(key string) string {
	if s, ok := m.Metadata[key].(string); ok {
		return s
	}
	return ""
}

// clone produces a deep-enough copy: maps and slices are duplicated, values
// are shared.
func (m Message) clone() Message {
	out := m
	out.Data = cloneMap(m.Data)
	out.Metadata = cloneMap(m.Metadata)
	out.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	out.StateHistory = append([]Transition(nil), m.StateHistory...)
	return out
}

func cloneMap(src map[string]any) map[string]any {
	if src == nil {
		return nil
	}
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// NewRunID generates a fresh run identifier.
func NewRunID() string { return newID("run") }

func newID(prefix string) string {
	return prefix + "_" + uuid.NewString()
}
