package graph

import (
	"context"
	"strings"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/agent"
	"github.com/no-ai-labs/spice-sub013/runtime/hitl"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// dataHITLRespondedPrefix marks a node whose human response has been merged,
// so the node passes through on the resumed iteration instead of pausing
// again. The runner sets the marker at resume and the node clears it.
const dataHITLRespondedPrefix = "_hitlResponded:"

type (
	// ResponseValidator checks a human response beyond the declarative
	// rules. Return a non-nil error to reject the response at resume time.
	ResponseValidator func(text string) error

	// HumanInputNode suspends the run until a human supplies input. The
	// pause is template-driven: prompt, choice options, validation rules,
	// and timeout are captured at build time and published through the
	// HITL tool when the node runs.
	HumanInputNode struct {
		id        string
		prompt    string
		options   []string
		rules     hitl.Rules
		timeout   time.Duration
		validator ResponseValidator
		extra     map[string]any
		tool      *hitl.RequestInputTool
	}

	// HumanInputOption customizes a HumanInputNode.
	HumanInputOption func(*HumanInputNode)
)

// WithOptions restricts the response to one of the listed choices.
func WithOptions(options ...string) HumanInputOption {
	return func(n *HumanInputNode) { n.options = append([]string(nil), options...) }
}

// WithRules sets declarative validation rules for the response.
func WithRules(rules hitl.Rules) HumanInputOption {
	return func(n *HumanInputNode) { n.rules = rules }
}

// WithTimeout sets the response deadline. Resume past the deadline fails.
func WithTimeout(d time.Duration) HumanInputOption {
	return func(n *HumanInputNode) { n.timeout = d }
}

// WithValidator sets a predicate applied to the response at resume time.
func WithValidator(v ResponseValidator) HumanInputOption {
	return func(n *HumanInputNode) { n.validator = v }
}

// WithExtra attaches host-supplied fields to the published HITL request.
func WithExtra(extra map[string]any) HumanInputOption {
	return func(n *HumanInputNode) { n.extra = extra }
}

// WithHITLEmitter routes the HITL request through the given emitter instead
// of the default no-op.
func WithHITLEmitter(e hitl.Emitter) HumanInputOption {
	return func(n *HumanInputNode) { n.tool = hitl.NewRequestInputTool(e) }
}

// NewHumanInputNode constructs a human-input node with the given prompt.
func NewHumanInputNode(id, prompt string, opts ...HumanInputOption) *HumanInputNode {
	n := &HumanInputNode{
		id:     id,
		prompt: prompt,
		tool:   hitl.NewRequestInputTool(nil),
	}
	for _, opt := range opts {
		opt(n)
	}
	if len(n.options) > 0 {
		n.rules.Options = append([]string(nil), n.options...)
	}
	return n
}

// ID implements Node.
func (n *HumanInputNode) ID() string { return n.id }

// Kind implements Node.
func (n *HumanInputNode) Kind() Kind { return KindHumanInput }

// Prompt returns the human-facing prompt.
func (n *HumanInputNode) Prompt() string { return n.prompt }

// Options returns the choice options, if any.
func (n *HumanInputNode) Options() []string { return append([]string(nil), n.options...) }

// Rules returns the declarative validation rules.
func (n *HumanInputNode) Rules() hitl.Rules { return n.rules }

// Timeout returns the response deadline duration; zero means none.
func (n *HumanInputNode) Timeout() time.Duration { return n.timeout }

// Run implements Node. On the first pass it invokes the HITL tool and
// suspends the run; on the resumed pass it clears the response marker and
// lets execution continue.
func (n *HumanInputNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	marker := dataHITLRespondedPrefix + n.id
	if responded, _ := msg.Data[marker].(bool); responded {
		return msg.WithoutDataKey(marker), nil
	}

	params := map[string]any{
		hitl.ParamPrompt:          n.prompt,
		hitl.ParamInvocationIndex: n.invocationIndex(msg),
	}
	if !n.rules.Empty() {
		params[hitl.ParamValidationRules] = n.rules
	}
	if n.timeout > 0 {
		params[hitl.ParamTimeout] = n.timeout
	}
	for k, v := range n.extra {
		params[k] = v
	}
	tc := agent.ToolContext{
		RunID:           msg.RunID,
		NodeID:          n.id,
		InvocationIndex: n.invocationIndex(msg),
		Metadata:        msg.Metadata,
	}
	result, err := n.tool.Execute(ctx, params, tc)
	if err != nil {
		return msg, err
	}
	if result.Status != agent.ResultWaitingHITL {
		return msg, spicerr.Newf(spicerr.KindTool, spicerr.CodeToolError,
			"hitl tool returned unexpected status %q", result.Status)
	}
	return liftWaiting(msg, result, n.id)
}

// ValidateResponse applies the declarative rules and the custom predicate to
// a human response.
func (n *HumanInputNode) ValidateResponse(text string) error {
	if err := n.rules.Validate(text); err != nil {
		return err
	}
	if n.validator != nil {
		if err := n.validator(text); err != nil {
			return spicerr.Wrap(err, spicerr.KindValidation, spicerr.CodeValidation,
				"validation failed")
		}
	}
	return nil
}

// invocationIndex counts prior HITL requests from this node within the run,
// keeping the stable tool-call id distinct across loop iterations while
// identical across retries of the same iteration.
func (n *HumanInputNode) invocationIndex(msg message.Message) int {
	prefix := "hitl_" + msg.RunID + "_" + n.id
	count := 0
	for _, call := range msg.ToolCalls {
		if call.Name == message.HITLRequestFunction &&
			(call.ID == prefix || strings.HasPrefix(call.ID, prefix+"_")) {
			count++
		}
	}
	return count
}
