package message

import (
	"strings"
)

// FieldError describes a single envelope invariant violation.
type FieldError struct {
	// Field names the offending envelope field.
	Field string `json:"field"`
	// Message describes the violation.
	Message string `json:"message"`
}

// Validate checks the envelope invariants and returns a flat list of
// violations. An empty result means the message is valid. Callers may route
// invalid messages to a dead-letter handler.
//
// Checked invariants:
//  1. Content non-empty or ToolCalls non-empty.
//  2. CorrelationID non-empty.
//  3. Every tool-call id starts with "call_".
//  4. StateHistory is monotone and every pair is a legal transition.
//  5. A WAITING message carries at least one hitl_request_input tool call.
//  6. CausationID, when set, differs from the message's own id.
func Validate(m Message) []FieldError {
	var errs []FieldError
	if m.Content == "" && len(m.ToolCalls) == 0 {
		errs = append(errs, FieldError{
			Field:   "content",
			Message: "content must be non-empty when no tool calls are attached",
		})
	}
	if m.CorrelationID == "" {
		errs = append(errs, FieldError{Field: "correlation_id", Message: "correlation id is required"})
	}
	for _, call := range m.ToolCalls {
		// HITL request calls carry the externally contractual stable id
		// format "hitl_{runId}_{nodeId}[_{index}]" instead of "call_".
		if !strings.HasPrefix(call.ID, ToolCallPrefix) &&
			!(call.Name == HITLRequestFunction && strings.HasPrefix(call.ID, "hitl_")) {
			errs = append(errs, FieldError{
				Field:   "tool_calls",
				Message: "tool call " + call.Name + " id must start with " + ToolCallPrefix,
			})
		}
		if call.Name == "" {
			errs = append(errs, FieldError{Field: "tool_calls", Message: "tool call has no function name"})
		}
	}
	if err := ValidateHistory(m.StateHistory, m.State); err != nil {
		errs = append(errs, FieldError{Field: "state_history", Message: err.Error()})
	}
	if m.State == StateWaiting && !m.HasToolCall(HITLRequestFunction) {
		errs = append(errs, FieldError{
			Field:   "state",
			Message: "waiting message must carry a " + HITLRequestFunction + " tool call",
		})
	}
	if m.CausationID != "" && m.CausationID == m.ID {
		errs = append(errs, FieldError{Field: "causation_id", Message: "causation id must reference a prior message"})
	}
	return errs
}
