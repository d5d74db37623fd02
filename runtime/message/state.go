package message

import (
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// State is the lifecycle state of a message inside a run.
type State string

const (
	// StateReady marks a message that has been constructed but not yet
	// picked up by the runner.
	StateReady State = "READY"
	// StateRunning marks a message currently flowing through graph nodes.
	StateRunning State = "RUNNING"
	// StateWaiting marks a message paused on a human-in-the-loop request.
	StateWaiting State = "WAITING"
	// StateCompleted marks a successfully finished run.
	StateCompleted State = "COMPLETED"
	// StateFailed marks a permanently failed run.
	StateFailed State = "FAILED"
)

// legalTransitions is the closed transition table. Any pair not listed here
// is rejected with an invalid-transition error.
var legalTransitions = map[State][]State{
	StateReady:   {StateRunning},
	StateRunning: {StateWaiting, StateCompleted, StateFailed},
	StateWaiting: {StateRunning, StateFailed},
}

// Terminal reports whether the state ends a run.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether the transition from → to is legal.
func CanTransition(from, to State) bool {
	for _, t := range legalTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transition records one state change in a message's audit history.
type Transition struct {
	// From is the state before the change.
	From State `json:"from" bson:"from"`
	// To is the state after the change.
	To State `json:"to" bson:"to"`
	// Timestamp records when the change happened (UTC).
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
	// Reason optionally explains the change (e.g., "resume").
	Reason string `json:"reason,omitempty" bson:"reason,omitempty"`
	// NodeID identifies the node that triggered the change, if any.
	NodeID string `json:"node_id,omitempty" bson:"node_id,omitempty"`
}

// invalidTransition builds the typed error returned for illegal transitions.
func invalidTransition(from, to State) error {
	return spicerr.Newf(spicerr.KindValidation, spicerr.CodeInvalidTransition,
		"invalid state transition %s -> %s", from, to)
}

// ValidateHistory checks that history timestamps are monotone non-decreasing
// and that every consecutive pair obeys the transition table. Messages are
// constructed READY, so a non-empty history must begin with a transition out
// of READY, and the final entry must land on current.
func ValidateHistory(history []Transition, current State) error {
	if len(history) > 0 && history[0].From != StateReady {
		return spicerr.Newf(spicerr.KindValidation, spicerr.CodeInvalidTransition,
			"state history must begin at %s, starts at %s", StateReady, history[0].From)
	}
	for i, tr := range history {
		if !CanTransition(tr.From, tr.To) {
			return invalidTransition(tr.From, tr.To)
		}
		if i > 0 {
			prev := history[i-1]
			if tr.From != prev.To {
				return spicerr.Newf(spicerr.KindValidation, spicerr.CodeInvalidTransition,
					"discontinuous state history: %s -> %s followed by %s -> %s",
					prev.From, prev.To, tr.From, tr.To)
			}
			if tr.Timestamp.Before(prev.Timestamp) {
				return spicerr.New(spicerr.KindValidation, spicerr.CodeInvalidTransition,
					"state history timestamps are not monotone")
			}
		}
	}
	if n := len(history); n > 0 && history[n-1].To != current {
		return spicerr.Newf(spicerr.KindValidation, spicerr.CodeInvalidTransition,
			"state %s does not match last history entry %s", current, history[n-1].To)
	}
	return nil
}
