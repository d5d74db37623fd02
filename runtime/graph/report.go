package graph

import (
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/hitl"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
)

// Status classifies the outcome of a checkpointed run.
type Status string

const (
	// StatusSuccess means the run completed with output data.
	StatusSuccess Status = "SUCCESS"
	// StatusPaused means the run is waiting on human input; a checkpoint
	// was persisted.
	StatusPaused Status = "PAUSED"
	// StatusFailed means the run ended with a typed error.
	StatusFailed Status = "FAILED"
)

type (
	// RunReport is the caller-facing outcome of RunWithCheckpoint and
	// ResumeWithHumanResponse. Exactly one of the three statuses applies;
	// a run never silently drops.
	RunReport struct {
		// Status classifies the outcome.
		Status Status
		// Message is the final (or paused) envelope.
		Message message.Message
		// CheckpointID identifies the persisted pause, when paused.
		CheckpointID string
		// Interactions lists the human inputs the run is waiting on.
		Interactions []HumanInteraction
		// Err carries the failure, when Status is StatusFailed.
		Err error
	}

	// HumanInteraction describes one pending human input request extracted
	// from a paused run.
	HumanInteraction struct {
		// NodeID is the node waiting for input.
		NodeID string
		// ToolCallID is the stable id a response must reference.
		ToolCallID string
		// Type classifies the interaction (e.g., "input").
		Type string
		// Prompt is the question shown to the human.
		Prompt string
		// Options lists the allowed choices, when restricted.
		Options []string
		// Rules are the declarative constraints on the response.
		Rules *hitl.Rules
		// Timeout is the response deadline duration; zero means none.
		Timeout time.Duration
		// RequestedAt records when the request was published.
		RequestedAt time.Time
	}
)

// successReport builds the report of a completed run.
func successReport(msg message.Message) RunReport {
	return RunReport{Status: StatusSuccess, Message: msg}
}

// failureReport builds the report of a failed run.
func failureReport(msg message.Message, err error) RunReport {
	return RunReport{Status: StatusFailed, Message: msg, Err: err}
}

// interactionsOf extracts the pending human interactions from a WAITING
// message by decoding its HITL tool calls.
func interactionsOf(msg message.Message) []HumanInteraction {
	var out []HumanInteraction
	for _, call := range msg.ToolCalls {
		if call.Name != message.HITLRequestFunction {
			continue
		}
		md, err := hitl.ParseMetadata(call.Arguments)
		if err != nil {
			continue
		}
		// Only the newest request per node is actionable.
		if md.NodeID != msg.NodeID {
			continue
		}
		interaction := HumanInteraction{
			NodeID:      md.NodeID,
			ToolCallID:  call.ID,
			Type:        md.Type,
			Prompt:      md.Prompt,
			Rules:       md.ValidationRules,
			Timeout:     md.Timeout,
			RequestedAt: md.RequestedAt,
		}
		if md.ValidationRules != nil {
			interaction.Options = append([]string(nil), md.ValidationRules.Options...)
		}
		out = append(out, interaction)
	}
	if n := len(out); n > 1 {
		out = out[n-1:]
	}
	return out
}
