// Package hitl implements the human-in-the-loop request tool. Invoking the
// tool does not block: it computes a stable tool-call id, publishes the
// request to external listeners through an Emitter, and returns a waiting
// result that the runner lifts into the WAITING transition and a durable
// checkpoint.
//
// The stable id format "hitl_{runId}_{nodeId}_{invocationIndex}" is part of
// the wire surface consumed by HITL listeners: it is identical across retries
// of the same invocation and distinct across loop iterations. The "_{index}"
// suffix is omitted when the index is zero.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/agent"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

const (
	// ToolName is the function name of the HITL request tool.
	ToolName = message.HITLRequestFunction

	// TypeInput is the HITL interaction type for free-text or choice input.
	TypeInput = "input"

	// ParamPrompt is the required prompt parameter.
	ParamPrompt = "prompt"
	// ParamValidationRules optionally carries a Rules value.
	ParamValidationRules = "validation_rules"
	// ParamTimeout optionally carries a response deadline duration.
	ParamTimeout = "timeout"
	// ParamInvocationIndex optionally overrides the invocation index.
	ParamInvocationIndex = "_hitl_invocation_index"
)

type (
	// Rules constrains an acceptable human response. The zero value accepts
	// anything.
	Rules struct {
		// MinLength is the minimum response length in runes.
		MinLength int `json:"min_length,omitempty"`
		// MaxLength is the maximum response length in runes; zero means
		// unbounded.
		MaxLength int `json:"max_length,omitempty"`
		// Options restricts the response to one of the listed values.
		Options []string `json:"options,omitempty"`
		// Pattern is an optional regular expression the response must
		// match.
		Pattern string `json:"pattern,omitempty"`
	}

	// Metadata describes one published HITL request.
	Metadata struct {
		// Type classifies the interaction (TypeInput).
		Type string `json:"type"`
		// Prompt is the human-facing question.
		Prompt string `json:"prompt"`
		// RunID and NodeID locate the paused execution.
		RunID  string `json:"run_id"`
		NodeID string `json:"node_id"`
		// InvocationIndex distinguishes loop iterations.
		InvocationIndex int `json:"invocation_index"`
		// ToolCallID is the stable id listeners correlate responses with.
		ToolCallID string `json:"tool_call_id"`
		// ValidationRules optionally constrain the response.
		ValidationRules *Rules `json:"validation_rules,omitempty"`
		// Timeout is the response deadline; zero means none.
		Timeout time.Duration `json:"timeout,omitempty"`
		// RequestedAt records when the request was made (UTC).
		RequestedAt time.Time `json:"requested_at"`
		// Extra carries host-supplied fields for listeners.
		Extra map[string]any `json:"extra,omitempty"`
	}

	// Emitter publishes HITL requests to external listeners (message bus,
	// webhook, UI gateway). The default is a no-op.
	Emitter interface {
		EmitRequest(ctx context.Context, md Metadata) error
	}

	// NopEmitter discards requests. It is the default emitter.
	NopEmitter struct{}

	// RequestInputTool is the built-in hitl_request_input tool.
	RequestInputTool struct {
		emitter Emitter
		now     func() time.Time
	}
)

// EmitRequest implements Emitter by doing nothing.
func (NopEmitter) EmitRequest(context.Context, Metadata) error { return nil }

// StableCallID computes the contractual HITL tool-call id. The index suffix
// is omitted when the index is zero.
func StableCallID(runID, nodeID string, index int) string {
	if index == 0 {
		return fmt.Sprintf("hitl_%s_%s", runID, nodeID)
	}
	return fmt.Sprintf("hitl_%s_%s_%d", runID, nodeID, index)
}

// NewRequestInputTool constructs the HITL tool. A nil emitter defaults to
// NopEmitter.
func NewRequestInputTool(emitter Emitter) *RequestInputTool {
	if emitter == nil {
		emitter = NopEmitter{}
	}
	return &RequestInputTool{emitter: emitter, now: time.Now}
}

// Name implements agent.Tool.
func (t *RequestInputTool) Name() string { return ToolName }

// Description implements agent.Tool.
func (t *RequestInputTool) Description() string {
	return "Requests input from a human and suspends the run until a response arrives"
}

// Execute implements agent.Tool. It validates the prompt and execution
// context, computes the stable tool-call id, publishes the request through
// the emitter, and returns a waiting result.
func (t *RequestInputTool) Execute(ctx context.Context, params map[string]any, tc agent.ToolContext) (agent.ToolResult, error) {
	prompt, _ := params[ParamPrompt].(string)
	if prompt == "" {
		return agent.ToolResult{}, spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"hitl_request_input requires a prompt parameter")
	}
	if tc.RunID == "" || tc.NodeID == "" {
		return agent.ToolResult{}, spicerr.New(spicerr.KindExecution, spicerr.CodeMissingContext,
			"hitl_request_input requires runId and nodeId in the tool context")
	}
	index := tc.InvocationIndex
	if v, ok := asInt(params[ParamInvocationIndex]); ok {
		index = v
	}
	md := Metadata{
		Type:            TypeInput,
		Prompt:          prompt,
		RunID:           tc.RunID,
		NodeID:          tc.NodeID,
		InvocationIndex: index,
		ToolCallID:      StableCallID(tc.RunID, tc.NodeID, index),
		ValidationRules: rulesFromParam(params[ParamValidationRules]),
		Timeout:         durationFromParam(params[ParamTimeout]),
		RequestedAt:     t.now().UTC(),
	}
	for k, v := range params {
		switch k {
		case ParamPrompt, ParamValidationRules, ParamTimeout, ParamInvocationIndex:
		default:
			if md.Extra == nil {
				md.Extra = make(map[string]any)
			}
			md.Extra[k] = v
		}
	}
	if err := t.emitter.EmitRequest(ctx, md); err != nil {
		return agent.ToolResult{}, spicerr.Wrap(err, spicerr.KindExecution, spicerr.CodeExecution,
			"emit hitl request")
	}
	meta := map[string]any{"metadata": md}
	return agent.WaitingHITL(md.ToolCallID, prompt, TypeInput, meta), nil
}

// Validate checks text against the rules, returning a typed validation error
// describing the first violated constraint.
func (r Rules) Validate(text string) error {
	if r.MinLength > 0 && len([]rune(text)) < r.MinLength {
		return spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"validation failed: response must be at least %d characters", r.MinLength)
	}
	if r.MaxLength > 0 && len([]rune(text)) > r.MaxLength {
		return spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"validation failed: response must be at most %d characters", r.MaxLength)
	}
	if len(r.Options) > 0 {
		ok := false
		for _, opt := range r.Options {
			if text == opt {
				ok = true
				break
			}
		}
		if !ok {
			return spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
				"validation failed: response %q is not one of the allowed options", text)
		}
	}
	if r.Pattern != "" {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return spicerr.Wrap(err, spicerr.KindValidation, spicerr.CodeValidation,
				"validation rules carry an invalid pattern")
		}
		if !re.MatchString(text) {
			return spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
				"validation failed: response does not match pattern %s", r.Pattern)
		}
	}
	return nil
}

// Empty reports whether the rules constrain nothing.
func (r Rules) Empty() bool {
	return r.MinLength == 0 && r.MaxLength == 0 && len(r.Options) == 0 && r.Pattern == ""
}

// MarshalMetadata encodes the request metadata as the tool-call arguments
// JSON attached to the WAITING message.
func MarshalMetadata(md Metadata) (string, error) {
	encoded, err := json.Marshal(md)
	if err != nil {
		return "", spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"marshal hitl metadata")
	}
	return string(encoded), nil
}

// ParseMetadata decodes request metadata from tool-call arguments JSON.
func ParseMetadata(arguments string) (Metadata, error) {
	var md Metadata
	if err := json.Unmarshal([]byte(arguments), &md); err != nil {
		return Metadata{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"parse hitl metadata")
	}
	return md, nil
}

// rulesFromParam coerces a parameter value into *Rules. Accepts a Rules
// value, a pointer, or a JSON-shaped map.
func rulesFromParam(v any) *Rules {
	switch r := v.(type) {
	case nil:
		return nil
	case Rules:
		if r.Empty() {
			return nil
		}
		return &r
	case *Rules:
		return r
	case map[string]any:
		encoded, err := json.Marshal(r)
		if err != nil {
			return nil
		}
		var rules Rules
		if err := json.Unmarshal(encoded, &rules); err != nil {
			return nil
		}
		return &rules
	default:
		return nil
	}
}

// durationFromParam coerces a parameter value into a duration. Accepts a
// time.Duration, a duration string, or a number of seconds.
func durationFromParam(v any) time.Duration {
	switch d := v.(type) {
	case time.Duration:
		return d
	case string:
		parsed, err := time.ParseDuration(d)
		if err != nil {
			return 0
		}
		return parsed
	case float64:
		return time.Duration(d * float64(time.Second))
	case int:
		return time.Duration(d) * time.Second
	default:
		return 0
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
