package graph

import (
	"context"
	"encoding/json"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

const (
	// MetaSubgraphStack is the metadata key holding the subgraph resume
	// frames of a paused nested run. Frames are ordered innermost first.
	MetaSubgraphStack = "subgraphStack"

	// DefaultMaxSubgraphDepth bounds nesting.
	DefaultMaxSubgraphDepth = 10
)

type (
	// SubgraphNode executes a nested graph under a derived run id. Data
	// flows in wholesale; metadata crosses the boundary only for the keys
	// listed in preserveKeys. On child completion the terminal data is
	// merged back, optionally renamed through outputMapping.
	SubgraphNode struct {
		id            string
		child         *Graph
		maxDepth      int
		preserveKeys  []string
		outputMapping map[string]string
	}

	// SubgraphOption customizes a SubgraphNode.
	SubgraphOption func(*SubgraphNode)

	// SubgraphFrame records one suspended subgraph boundary. When a nested
	// run pauses, one frame per crossed boundary is pushed onto the WAITING
	// message's metadata so resume can unwind back to the outermost parent.
	SubgraphFrame struct {
		ParentRunID   string `json:"parent_run_id"`
		ParentGraphID string `json:"parent_graph_id"`
		ParentNodeID  string `json:"parent_node_id"`
		ChildRunID    string `json:"child_run_id"`
		ChildGraphID  string `json:"child_graph_id"`
		// Parent is the parent-side message as it stood at the subgraph
		// node, restored verbatim when the child completes.
		Parent message.Message `json:"parent"`
	}
)

// WithMaxDepth overrides the nesting bound (default 10).
func WithMaxDepth(depth int) SubgraphOption {
	return func(n *SubgraphNode) { n.maxDepth = depth }
}

// WithPreserveKeys lists the metadata keys propagated into the child run.
func WithPreserveKeys(keys ...string) SubgraphOption {
	return func(n *SubgraphNode) { n.preserveKeys = append([]string(nil), keys...) }
}

// WithOutputMapping renames child data keys into parent keys on completion.
// When set, only mapped keys are merged.
func WithOutputMapping(mapping map[string]string) SubgraphOption {
	cloned := make(map[string]string, len(mapping))
	for k, v := range mapping {
		cloned[k] = v
	}
	return func(n *SubgraphNode) { n.outputMapping = cloned }
}

// NewSubgraphNode constructs a subgraph node executing child.
func NewSubgraphNode(id string, child *Graph, opts ...SubgraphOption) *SubgraphNode {
	n := &SubgraphNode{id: id, child: child, maxDepth: DefaultMaxSubgraphDepth}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ID implements Node.
func (n *SubgraphNode) ID() string { return n.id }

// Kind implements Node.
func (n *SubgraphNode) Kind() Kind { return KindSubgraph }

// Child returns the nested graph.
func (n *SubgraphNode) Child() *Graph { return n.child }

// Run implements Node. Subgraph execution is driven by the Runner, which
// intercepts this node kind; calling Run directly is a wiring error.
func (n *SubgraphNode) Run(_ context.Context, _ message.Message) (message.Message, error) {
	return message.Message{}, spicerr.New(spicerr.KindExecution, spicerr.CodeExecution,
		"subgraph nodes are executed by the runner")
}

// childRunID derives the nested run id from the parent run.
func (n *SubgraphNode) childRunID(parentRunID string) string {
	return parentRunID + ":subgraph:" + n.child.ID()
}

// childMessage builds the root message of the nested run: same conversation,
// full data, and only the preserved metadata keys.
func (n *SubgraphNode) childMessage(parent message.Message) message.Message {
	child := parent.Reply(parent.Content, n.id)
	if len(parent.Data) > 0 {
		child = child.WithData(parent.Data)
	}
	preserved := make(map[string]any)
	for _, key := range n.preserveKeys {
		if v, ok := parent.Metadata[key]; ok {
			preserved[key] = v
		}
	}
	if len(preserved) > 0 {
		child = child.WithMetadata(preserved)
	}
	return child
}

// mergeResult merges the child's terminal data back into the parent message
// and records the subgraph audit keys.
func (n *SubgraphNode) mergeResult(parent, child message.Message, elapsed time.Duration) message.Message {
	merged := make(map[string]any)
	if len(n.outputMapping) > 0 {
		for childKey, parentKey := range n.outputMapping {
			if v, ok := child.Data[childKey]; ok {
				merged[parentKey] = v
			}
		}
	} else {
		for k, v := range child.Data {
			merged[k] = v
		}
	}
	merged[DataLastSubgraphID] = n.child.ID()
	merged[DataLastSubgraphDuration] = elapsed.String()
	return parent.WithData(merged)
}

// pushFrame appends a frame to the message's subgraph stack.
func pushFrame(msg message.Message, frame SubgraphFrame) message.Message {
	frames := framesOf(msg)
	frames = append(frames, frame)
	return msg.WithMetadataValue(MetaSubgraphStack, frames)
}

// framesOf decodes the subgraph stack from message metadata. It tolerates
// both the in-memory representation and the JSON/BSON round-tripped one.
func framesOf(msg message.Message) []SubgraphFrame {
	raw, ok := msg.Metadata[MetaSubgraphStack]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []SubgraphFrame:
		return append([]SubgraphFrame(nil), v...)
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		var frames []SubgraphFrame
		if err := json.Unmarshal(encoded, &frames); err != nil {
			return nil
		}
		return frames
	}
}
