package middleware

import (
	"context"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
)

// StateTransition enforces the message state machine around every node. It is
// mandatory: the runner installs it first in every chain. On BeforeNode a
// READY message is transitioned to RUNNING; both hooks re-validate the full
// transition history so corrupted envelopes never reach a node.
type StateTransition struct {
	Passthrough
}

// NewStateTransition constructs the mandatory state machine middleware.
func NewStateTransition() *StateTransition { return &StateTransition{} }

// BeforeNode transitions READY messages to RUNNING and validates history.
func (*StateTransition) BeforeNode(_ context.Context, msg message.Message) (message.Message, error) {
	if msg.State == message.StateReady {
		out, err := msg.TransitionTo(message.StateRunning, "Node execution started", msg.NodeID)
		if err != nil {
			return msg, err
		}
		msg = out
	}
	if err := message.ValidateHistory(msg.StateHistory, msg.State); err != nil {
		return msg, err
	}
	return msg, nil
}

// AfterNode re-validates the transition history on the node's result.
func (*StateTransition) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	if err := message.ValidateHistory(msg.StateHistory, msg.State); err != nil {
		return msg, err
	}
	return msg, nil
}
