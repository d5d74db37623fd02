// Package agent declares the external collaborator contracts the graph
// runtime consumes: agents, tools, decision engines, and dead-letter
// handlers. The runtime never implements an LLM client or a concrete agent;
// hosts plug their implementations in through these interfaces.
package agent

import (
	"context"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type (
	// Agent processes one message and produces a reply. Implementations
	// must honor context cancellation promptly: agent calls are the
	// longest suspension points in a run.
	Agent interface {
		// ID returns the stable agent identifier.
		ID() string
		// Name returns the display name.
		Name() string
		// Capabilities lists what the agent can do, for routing and
		// introspection.
		Capabilities() []string
		// ProcessMessage handles the message and returns the reply.
		ProcessMessage(ctx context.Context, msg message.Message) (message.Message, error)
	}

	// ToolContext carries the execution coordinates of a tool invocation.
	ToolContext struct {
		// RunID identifies the enclosing run. Required for HITL tools.
		RunID string
		// NodeID identifies the invoking node. Required for HITL tools.
		NodeID string
		// InvocationIndex distinguishes repeated invocations of the same
		// tool from the same node within one run (loop iterations).
		InvocationIndex int
		// Metadata carries cross-cutting context from the message.
		Metadata map[string]any
	}

	// ResultStatus discriminates the ToolResult variants.
	ResultStatus string

	// ToolResult is the tagged outcome of a tool execution: success with
	// data, a typed error, or a waiting-HITL marker that suspends the run.
	ToolResult struct {
		// Status discriminates the variant.
		Status ResultStatus
		// Data carries the success payload, merged into message data.
		Data map[string]any
		// Err carries the failure, when Status is ResultError.
		Err *spicerr.Error
		// ToolCallID is the stable HITL tool-call id, when waiting.
		ToolCallID string
		// Prompt is the human-facing prompt, when waiting.
		Prompt string
		// HitlType classifies the human interaction (e.g., "input").
		HitlType string
		// Metadata carries the HITL request metadata, when waiting.
		Metadata map[string]any
	}

	// Tool executes a single named operation with structured parameters.
	Tool interface {
		// Name returns the tool's function name.
		Name() string
		// Description returns a human-readable summary.
		Description() string
		// Execute runs the tool. Implementations must honor context
		// cancellation.
		Execute(ctx context.Context, params map[string]any, tc ToolContext) (ToolResult, error)
	}

	// Tagged is implemented by tools that require policy tags to be
	// present on the message before they may run.
	Tagged interface {
		// RequiredTags lists the tags the invoking message must carry.
		RequiredTags() []string
	}

	// DecisionEngine maps a message to a typed result string consumed by
	// decision nodes for routing.
	DecisionEngine interface {
		// Name identifies the engine for audit data.
		Name() string
		// Decide classifies the message.
		Decide(ctx context.Context, msg message.Message) (string, error)
	}

	// DeadLetterHandler receives messages that failed validation or policy
	// checks and cannot proceed.
	DeadLetterHandler interface {
		// Send records the message with the rejection reason.
		Send(ctx context.Context, msg message.Message, reason string, cause error) error
	}
)

const (
	// ResultSuccess marks a successful tool execution.
	ResultSuccess ResultStatus = "success"
	// ResultError marks a failed tool execution.
	ResultError ResultStatus = "error"
	// ResultWaitingHITL marks a tool execution suspended on human input.
	ResultWaitingHITL ResultStatus = "waiting_hitl"
)

// Success builds a successful ToolResult with the given payload.
func Success(data map[string]any) ToolResult {
	return ToolResult{Status: ResultSuccess, Data: data}
}

// Failure builds a failed ToolResult.
func Failure(err *spicerr.Error) ToolResult {
	return ToolResult{Status: ResultError, Err: err}
}

// WaitingHITL builds a waiting ToolResult that suspends the run until a
// human response arrives.
func WaitingHITL(toolCallID, prompt, hitlType string, metadata map[string]any) ToolResult {
	return ToolResult{
		Status:     ResultWaitingHITL,
		ToolCallID: toolCallID,
		Prompt:     prompt,
		HitlType:   hitlType,
		Metadata:   metadata,
	}
}
