package graph

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/no-ai-labs/spice-sub013/runtime/agent"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// Kind classifies graph nodes.
type Kind string

const (
	// KindAgent invokes an external agent.
	KindAgent Kind = "agent"
	// KindTool invokes a tool and merges its result into data.
	KindTool Kind = "tool"
	// KindDecision routes by a pluggable decision engine.
	KindDecision Kind = "decision"
	// KindHumanInput suspends the run on a human response.
	KindHumanInput Kind = "human_input"
	// KindSubgraph executes a nested graph.
	KindSubgraph Kind = "subgraph"
	// KindOutput produces the final value and completes the run.
	KindOutput Kind = "output"
)

// Well-known data keys written by node executions.
const (
	// DataOutput holds the final value produced by an output node.
	DataOutput = "output"
	// DataDecisionResult holds the decision engine's raw result.
	DataDecisionResult = "_decisionResult"
	// DataDecisionTarget holds the resolved target node id.
	DataDecisionTarget = "_decisionTarget"
	// DataDecisionEngine holds the engine name, for audit.
	DataDecisionEngine = "_decisionEngine"
	// DataDecisionNodeID holds the decision node id, for audit and routing.
	DataDecisionNodeID = "_decisionNodeId"
	// DataLastSubgraphID holds the id of the last completed subgraph.
	DataLastSubgraphID = "lastSubgraphId"
	// DataLastSubgraphDuration holds the last subgraph's wall time.
	DataLastSubgraphDuration = "lastSubgraphDuration"
)

type (
	// Node is one executable unit of a graph. Run receives the message in
	// RUNNING state and returns the result; a WAITING result suspends the
	// run and a COMPLETED result ends it.
	Node interface {
		// ID returns the node id, unique within its graph.
		ID() string
		// Kind classifies the node.
		Kind() Kind
		// Run executes the node.
		Run(ctx context.Context, msg message.Message) (message.Message, error)
	}

	// AgentNode forwards the message to an external agent and lifts the
	// reply back into the run.
	AgentNode struct {
		id    string
		agent agent.Agent
	}

	// ParamProjector builds tool parameters from the incoming message.
	ParamProjector func(msg message.Message) map[string]any

	// ToolNode invokes a tool with projected parameters and merges the
	// result into message data. A waiting tool result suspends the run.
	ToolNode struct {
		id        string
		tool      agent.Tool
		projector ParamProjector
	}

	// DecisionNode asks a decision engine for a typed result and maps it to
	// a target node id. The runner routes to the resolved target.
	DecisionNode struct {
		id        string
		engine    agent.DecisionEngine
		mappings  map[string]string
		otherwise string
	}

	// OutputSelector extracts the final value from the terminal message.
	OutputSelector func(msg message.Message) any

	// OutputNode applies a selector to produce the final value and
	// transitions the message to COMPLETED.
	OutputNode struct {
		id       string
		selector OutputSelector
	}
)

// NewAgentNode constructs an agent node.
func NewAgentNode(id string, a agent.Agent) *AgentNode {
	return &AgentNode{id: id, agent: a}
}

// ID implements Node.
func (n *AgentNode) ID() string { return n.id }

// Kind implements Node.
func (n *AgentNode) Kind() Kind { return KindAgent }

// Run implements Node. The agent's reply inherits the run's execution context
// and state history so the run continues seamlessly.
func (n *AgentNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	reply, err := n.agent.ProcessMessage(ctx, msg)
	if err != nil {
		return msg, coerceErr(err, spicerr.KindAgent, spicerr.CodeAgentError,
			"agent "+n.agent.ID()+" failed")
	}
	return reply.InheritExecution(msg), nil
}

// NewToolNode constructs a tool node. A nil projector passes the message data
// as parameters.
func NewToolNode(id string, tool agent.Tool, projector ParamProjector) *ToolNode {
	if projector == nil {
		projector = func(msg message.Message) map[string]any { return msg.Data }
	}
	return &ToolNode{id: id, tool: tool, projector: projector}
}

// ID implements Node.
func (n *ToolNode) ID() string { return n.id }

// Kind implements Node.
func (n *ToolNode) Kind() Kind { return KindTool }

// Run implements Node.
func (n *ToolNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	tc := agent.ToolContext{
		RunID:           msg.RunID,
		NodeID:          n.id,
		InvocationIndex: countCalls(msg, n.tool.Name()),
		Metadata:        msg.Metadata,
	}
	result, err := n.tool.Execute(ctx, n.projector(msg), tc)
	if err != nil {
		return msg, coerceErr(err, spicerr.KindTool, spicerr.CodeToolError,
			"tool "+n.tool.Name()+" failed")
	}
	switch result.Status {
	case agent.ResultSuccess:
		return msg.WithData(result.Data), nil
	case agent.ResultError:
		if result.Err != nil {
			return msg, result.Err
		}
		return msg, spicerr.New(spicerr.KindTool, spicerr.CodeToolError,
			"tool "+n.tool.Name()+" failed")
	case agent.ResultWaitingHITL:
		return liftWaiting(msg, result, n.id)
	default:
		return msg, spicerr.Newf(spicerr.KindTool, spicerr.CodeToolError,
			"tool %s returned unknown result status %q", n.tool.Name(), result.Status)
	}
}

// NewDecisionNode constructs a decision node. mappings maps engine results to
// target node ids; otherwise is the fallback target ("" for none).
func NewDecisionNode(id string, engine agent.DecisionEngine, mappings map[string]string, otherwise string) *DecisionNode {
	cloned := make(map[string]string, len(mappings))
	for k, v := range mappings {
		cloned[k] = v
	}
	return &DecisionNode{id: id, engine: engine, mappings: cloned, otherwise: otherwise}
}

// ID implements Node.
func (n *DecisionNode) ID() string { return n.id }

// Kind implements Node.
func (n *DecisionNode) Kind() Kind { return KindDecision }

// Run implements Node. The resolved target is recorded in data and consumed
// by the runner's routing step.
func (n *DecisionNode) Run(ctx context.Context, msg message.Message) (message.Message, error) {
	result, err := n.engine.Decide(ctx, msg)
	if err != nil {
		return msg, coerceErr(err, spicerr.KindExecution, spicerr.CodeExecution,
			"decision engine "+n.engine.Name()+" failed")
	}
	target, ok := n.mappings[result]
	if !ok {
		if n.otherwise == "" {
			return msg, spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
				"decision %q has no mapping and no fallback at node %s", result, n.id)
		}
		target = n.otherwise
	}
	return msg.WithData(map[string]any{
		DataDecisionResult: result,
		DataDecisionTarget: target,
		DataDecisionEngine: n.engine.Name(),
		DataDecisionNodeID: n.id,
	}), nil
}

// NewOutputNode constructs an output node. A nil selector selects the message
// content.
func NewOutputNode(id string, selector OutputSelector) *OutputNode {
	if selector == nil {
		selector = func(msg message.Message) any { return msg.Content }
	}
	return &OutputNode{id: id, selector: selector}
}

// ID implements Node.
func (n *OutputNode) ID() string { return n.id }

// Kind implements Node.
func (n *OutputNode) Kind() Kind { return KindOutput }

// Run implements Node.
func (n *OutputNode) Run(_ context.Context, msg message.Message) (message.Message, error) {
	out := msg.WithDataValue(DataOutput, n.selector(msg))
	return out.TransitionTo(message.StateCompleted, "Output produced", n.id)
}

// liftWaiting attaches the waiting tool call and transitions the message to
// WAITING. The stable tool-call id carried by the result is preserved
// verbatim: it is the correlation handle HITL listeners respond to.
func liftWaiting(msg message.Message, result agent.ToolResult, nodeID string) (message.Message, error) {
	args := "{}"
	if result.Metadata != nil {
		if md, ok := result.Metadata["metadata"]; ok {
			if encoded, err := marshalArguments(md); err == nil {
				args = encoded
			}
		}
	}
	out := msg.WithToolCall(message.ToolCall{
		ID:        result.ToolCallID,
		Name:      message.HITLRequestFunction,
		Arguments: args,
	})
	return out.TransitionTo(message.StateWaiting, "Waiting for human input: "+result.Prompt, nodeID)
}

// coerceErr preserves an error that already carries the taxonomy so its code
// stays visible to the retry resolver; foreign errors are classified with the
// given kind and code.
func coerceErr(err error, kind spicerr.Kind, code, msg string) error {
	var se *spicerr.Error
	if errors.As(err, &se) {
		return err
	}
	return spicerr.Wrap(err, kind, code, msg)
}

func marshalArguments(v any) (string, error) {
	encoded, err := json.Marshal(v)
	if err != nil {
		return "", spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"marshal tool call arguments")
	}
	return string(encoded), nil
}

// countCalls counts the tool calls already attached for the given function
// name, yielding the invocation index for loops.
func countCalls(msg message.Message, name string) int {
	n := 0
	for _, call := range msg.ToolCalls {
		if call.Name == name {
			n++
		}
	}
	return n
}
