package middleware

import (
	"context"

	"github.com/no-ai-labs/spice-sub013/runtime/agent"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// ErrorReportFunction is the function name of the tool call appended to a
// message when a tool policy check rejects it.
const ErrorReportFunction = "error_report"

// MetadataTagsKey is the metadata key carrying the message's policy tags as a
// []string (or []any of strings after serialization round-trips).
const MetadataTagsKey = "tags"

// ToolPolicy rejects messages whose tool calls target registered tools with
// required tags the message does not carry. On violation it appends an
// error-report tool call, pushes the message to the dead-letter handler, and
// fails the node with a tool error.
type ToolPolicy struct {
	Passthrough
	tools map[string][]string
	dlh   agent.DeadLetterHandler
}

// NewToolPolicy constructs the policy middleware. tools maps tool names to
// their required tags; dlh may be nil.
func NewToolPolicy(tools map[string]agent.Tool, dlh agent.DeadLetterHandler) *ToolPolicy {
	required := make(map[string][]string, len(tools))
	for name, tool := range tools {
		if tagged, ok := tool.(agent.Tagged); ok {
			required[name] = tagged.RequiredTags()
		}
	}
	return &ToolPolicy{tools: required, dlh: dlh}
}

// BeforeNode checks every attached tool call against the registered tag
// requirements.
func (p *ToolPolicy) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	tags := metadataTags(msg)
	for _, call := range msg.ToolCalls {
		required, ok := p.tools[call.Name]
		if !ok || len(required) == 0 {
			continue
		}
		if missing := missingTags(required, tags); len(missing) > 0 {
			err := spicerr.Newf(spicerr.KindPolicy, spicerr.CodePolicyViolation,
				"tool %s requires tags %v", call.Name, missing).
				WithContext("tool", call.Name).
				WithContext("missing_tags", missing)
			report, reportErr := message.NewToolCall(ErrorReportFunction, map[string]any{
				"tool":         call.Name,
				"missing_tags": missing,
				"reason":       err.Message,
			})
			if reportErr == nil {
				msg = msg.WithToolCall(report)
			}
			if p.dlh != nil {
				_ = p.dlh.Send(ctx, msg, "tool policy violation", err)
			}
			return msg, spicerr.Wrap(err, spicerr.KindTool, spicerr.CodeToolError,
				"tool policy rejected "+call.Name)
		}
	}
	return msg, nil
}

func metadataTags(msg message.Message) map[string]bool {
	tags := make(map[string]bool)
	switch v := msg.Metadata[MetadataTagsKey].(type) {
	case []string:
		for _, t := range v {
			tags[t] = true
		}
	case []any:
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags[s] = true
			}
		}
	}
	return tags
}

func missingTags(required []string, have map[string]bool) []string {
	var missing []string
	for _, tag := range required {
		if !have[tag] {
			missing = append(missing, tag)
		}
	}
	return missing
}
