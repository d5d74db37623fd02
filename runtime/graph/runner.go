package graph

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/no-ai-labs/spice-sub013/bus"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/middleware"
	"github.com/no-ai-labs/spice-sub013/runtime/retry"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

// DefaultMaxSteps bounds the number of node executions per run, guarding
// against unterminated cycles.
const DefaultMaxSteps = 1000

type (
	// Runner drives one graph execution from a root message to a terminal
	// state, with durable pause/resume and per-node retries. A Runner is
	// stateless and safe for concurrent use across independent messages;
	// mutable state lives in the Message, the checkpoint store, and the
	// middlewares.
	Runner struct {
		chain    *middleware.Chain
		resolver *retry.Resolver
		events   Publisher
		logger   telemetry.Logger
		tracer   trace.Tracer
		maxSteps int
		sleep    func(ctx context.Context, d time.Duration) error
		now      func() time.Time
	}

	// RunnerOption customizes Runner construction.
	RunnerOption func(*Runner)
)

// WithMiddleware appends middlewares after the mandatory state-transition
// middleware.
func WithMiddleware(mws ...middleware.Middleware) RunnerOption {
	return func(r *Runner) {
		for _, mw := range mws {
			r.chain.Use(mw)
		}
	}
}

// WithResolver sets the retry policy resolver. Defaults to a resolver with
// the standard policy.
func WithResolver(res *retry.Resolver) RunnerOption {
	return func(r *Runner) { r.resolver = res }
}

// WithEvents sets the lifecycle event publisher. Defaults to NopPublisher.
func WithEvents(p Publisher) RunnerOption {
	return func(r *Runner) { r.events = p }
}

// WithLogger sets the logger.
func WithLogger(l telemetry.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// WithMaxSteps overrides the per-run node execution bound.
func WithMaxSteps(n int) RunnerOption {
	return func(r *Runner) { r.maxSteps = n }
}

// NewRunner constructs a Runner. The state-transition middleware is always
// installed first; WithMiddleware appends behind it.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		chain:    middleware.NewChain(middleware.NewStateTransition()),
		resolver: retry.NewResolver(retry.Default()),
		events:   NopPublisher{},
		logger:   telemetry.NewLogger(),
		tracer:   telemetry.Tracer(),
		maxSteps: DefaultMaxSteps,
		sleep:    sleepCtx,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the graph from its entry point until the message reaches a
// terminal state or pauses on human input. A WAITING result is returned with
// a nil error; persisting it is the caller's concern (see RunWithCheckpoint).
func (r *Runner) Execute(ctx context.Context, g *Graph, msg message.Message) (message.Message, error) {
	return r.runGraph(ctx, g, msg, 0)
}

// Resume continues a WAITING message, unwinding nested subgraph frames as
// each child run completes. The message must carry merged response data; see
// ResumeWithHumanResponse for the checkpoint-driven entry point.
func (r *Runner) Resume(ctx context.Context, g *Graph, msg message.Message) (message.Message, error) {
	if !msg.IsWaiting() {
		return msg, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"resume requires a WAITING message, got %s", msg.State)
	}
	resumed, err := msg.TransitionTo(message.StateRunning, "resume", msg.NodeID)
	if err != nil {
		return msg, err
	}
	return r.resumeChain(ctx, g, resumed)
}

// runGraph executes one run of one graph at the given subgraph depth.
func (r *Runner) runGraph(ctx context.Context, g *Graph, msg message.Message, depth int) (message.Message, error) {
	if msg.IsTerminal() {
		return msg, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"cannot execute a terminal message (state %s)", msg.State)
	}
	runID := msg.RunID
	if runID == "" {
		runID = message.NewRunID()
	}
	msg = msg.WithGraphContext(g.ID(), g.Entry(), runID)

	r.events.GraphEvent(ctx, bus.GraphLifecycleEvent{
		GraphID: g.ID(), RunID: runID, Phase: bus.PhaseStarted, Timestamp: r.now().UTC(),
	})
	out, err := r.loop(ctx, g, msg, g.Entry(), false, depth)
	r.emitRunOutcome(ctx, g, out, err)
	return out, err
}

// loop drives node executions until a terminal or WAITING state. When advance
// is set the loop first routes from startNode instead of executing it (used
// when re-entering after a completed subgraph).
func (r *Runner) loop(ctx context.Context, g *Graph, msg message.Message, startNode string, advance bool, depth int) (message.Message, error) {
	current := startNode
	for steps := 0; ; steps++ {
		if steps >= r.maxSteps {
			return r.fail(msg, current, spicerr.Newf(spicerr.KindExecution, spicerr.CodeExecution,
				"run exceeded %d node executions", r.maxSteps))
		}
		if err := ctx.Err(); err != nil {
			return msg, spicerr.Wrap(err, spicerr.KindExecution, spicerr.CodeExecution,
				"run canceled")
		}
		if advance {
			next, err := r.nextNode(g, current, msg)
			if err != nil {
				return r.fail(msg, current, err)
			}
			current = next
			advance = false
		}
		node, ok := g.Node(current)
		if !ok {
			return r.fail(msg, current, spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
				"node %s is not part of graph %s", current, g.ID()))
		}
		msg = msg.WithNode(current)

		out, err := r.runNode(ctx, g, node, msg, depth)
		if err != nil {
			return r.fail(msg, current, err)
		}
		msg = out

		switch msg.State {
		case message.StateWaiting, message.StateCompleted:
			return msg, nil
		case message.StateFailed:
			return msg, spicerr.New(spicerr.KindExecution, spicerr.CodeExecution,
				"node "+current+" produced a failed message")
		default:
			advance = true
		}
	}
}

// runNode executes one node behind the middleware chain with the resolver's
// retry policy. Subgraph nodes are dispatched to runSubgraph.
func (r *Runner) runNode(ctx context.Context, g *Graph, node Node, msg message.Message, depth int) (message.Message, error) {
	ctx, span := r.tracer.Start(ctx, "graph.node."+string(node.Kind()),
		trace.WithAttributes(
			attribute.String("graph.id", g.ID()),
			attribute.String("node.id", node.ID()),
			attribute.String("run.id", msg.RunID),
		))
	defer span.End()

	attempt := 1
	for {
		r.events.NodeEvent(ctx, bus.NodeLifecycleEvent{
			GraphID: g.ID(), RunID: msg.RunID, NodeID: node.ID(),
			NodeKind: string(node.Kind()), Phase: bus.PhaseStarted,
			Attempt: attempt, Timestamp: r.now().UTC(),
		})

		out, err := r.attemptNode(ctx, node, msg, depth)
		if err == nil {
			r.events.NodeEvent(ctx, bus.NodeLifecycleEvent{
				GraphID: g.ID(), RunID: msg.RunID, NodeID: node.ID(),
				NodeKind: string(node.Kind()), Phase: r.nodePhase(out),
				Attempt: attempt, Timestamp: r.now().UTC(),
			})
			if out.IsWaiting() {
				r.emitWaitingToolCall(ctx, out)
			}
			return out, nil
		}

		action := r.chain.OnError(ctx, msg, err)
		switch action.Kind {
		case middleware.ActionSkip:
			skipped := msg
			if skipped.State == message.StateReady {
				if running, terr := skipped.TransitionTo(message.StateRunning, "Node execution started", node.ID()); terr == nil {
					skipped = running
				}
			}
			r.logger.Info(ctx, "node skipped by middleware", "node", node.ID(), "error", err.Error())
			return skipped, nil
		case middleware.ActionFallback:
			r.logger.Info(ctx, "node replaced by fallback message", "node", node.ID())
			return action.Fallback, nil
		case middleware.ActionRetry:
			attempt++
			continue
		}

		policy := r.resolver.Resolve(err, node.ID(), msg)
		code := spicerr.CodeOf(err)
		if attempt >= policy.MaxAttempts || !policy.Retryable(code) {
			span.SetStatus(codes.Error, err.Error())
			r.events.NodeEvent(ctx, bus.NodeLifecycleEvent{
				GraphID: g.ID(), RunID: msg.RunID, NodeID: node.ID(),
				NodeKind: string(node.Kind()), Phase: bus.PhaseFailed,
				Attempt: attempt, Error: err.Error(), Timestamp: r.now().UTC(),
			})
			return msg, err
		}
		backoff := policy.Backoff(attempt)
		r.logger.Warn(ctx, "node failed, retrying",
			"node", node.ID(), "attempt", attempt, "backoff", backoff.String(), "code", code)
		if serr := r.sleep(ctx, backoff); serr != nil {
			return msg, spicerr.Wrap(serr, spicerr.KindExecution, spicerr.CodeExecution,
				"retry wait canceled")
		}
		if msg.IsWaiting() {
			if running, terr := msg.TransitionTo(message.StateRunning, "retry", node.ID()); terr == nil {
				msg = running
			}
		}
		attempt++
	}
}

// attemptNode runs the middleware chain around a single node attempt.
func (r *Runner) attemptNode(ctx context.Context, node Node, msg message.Message, depth int) (message.Message, error) {
	m, err := r.chain.BeforeNode(ctx, msg)
	if err != nil {
		return msg, err
	}
	if sg, ok := node.(*SubgraphNode); ok {
		m, err = r.runSubgraph(ctx, sg, m, depth)
	} else {
		m, err = node.Run(ctx, m)
	}
	if err != nil {
		return msg, err
	}
	return r.chain.AfterNode(ctx, m)
}

// runSubgraph executes the nested graph and translates its outcome back into
// the parent run: WAITING pushes a resume frame, COMPLETED merges terminal
// data.
func (r *Runner) runSubgraph(ctx context.Context, n *SubgraphNode, msg message.Message, depth int) (message.Message, error) {
	if depth >= n.maxDepth {
		return msg, spicerr.Newf(spicerr.KindExecution, spicerr.CodeExecution,
			"subgraph nesting exceeds max depth %d at node %s", n.maxDepth, n.id)
	}
	child := n.childMessage(msg).WithGraphContext(n.child.ID(), n.child.Entry(), n.childRunID(msg.RunID))
	started := r.now()

	out, err := r.runGraph(ctx, n.child, child, depth+1)
	if err != nil {
		return msg, coerceErr(err, spicerr.KindExecution, spicerr.CodeExecution,
			"subgraph "+n.child.ID()+" failed")
	}
	switch out.State {
	case message.StateWaiting:
		return pushFrame(out, SubgraphFrame{
			ParentRunID:   msg.RunID,
			ParentGraphID: msg.GraphID,
			ParentNodeID:  n.id,
			ChildRunID:    out.RunID,
			ChildGraphID:  n.child.ID(),
			Parent:        msg,
		}), nil
	case message.StateCompleted:
		return n.mergeResult(msg, out, r.now().Sub(started)), nil
	default:
		return msg, spicerr.Newf(spicerr.KindExecution, spicerr.CodeExecution,
			"subgraph %s ended in unexpected state %s", n.child.ID(), out.State)
	}
}

// resumeChain continues a resumed message: it descends through the recorded
// subgraph frames to the innermost graph, re-enters its loop at the paused
// node, and unwinds each completed child back into its parent.
func (r *Runner) resumeChain(ctx context.Context, g *Graph, msg message.Message) (message.Message, error) {
	frames := framesOf(msg)

	// Frames are innermost first; descend outermost first to collect the
	// graph chain down to the paused child.
	graphs := []*Graph{g}
	cur := g
	for i := len(frames) - 1; i >= 0; i-- {
		node, ok := cur.Node(frames[i].ParentNodeID)
		if !ok {
			return msg, spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
				"resume frame references unknown node %s in graph %s", frames[i].ParentNodeID, cur.ID())
		}
		sg, ok := node.(*SubgraphNode)
		if !ok {
			return msg, spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
				"resume frame node %s is not a subgraph node", frames[i].ParentNodeID)
		}
		cur = sg.Child()
		graphs = append(graphs, cur)
	}

	inner := msg.WithoutMetadataKey(MetaSubgraphStack)
	out, err := r.loop(ctx, graphs[len(graphs)-1], inner, inner.NodeID, false, len(frames))

	for i := 0; i < len(frames); i++ {
		if err != nil {
			break
		}
		if out.IsWaiting() {
			// Still paused below this boundary: reattach the frames
			// that were not unwound.
			out = withFrames(out, frames[i:])
			r.emitRunOutcome(ctx, g, out, nil)
			return out, nil
		}
		frame := frames[i]
		parentGraph := graphs[len(graphs)-2-i]
		node, ok := parentGraph.Node(frame.ParentNodeID)
		if !ok {
			return out, spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
				"resume frame references unknown node %s", frame.ParentNodeID)
		}
		sg, ok := node.(*SubgraphNode)
		if !ok {
			return out, spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
				"resume frame node %s is not a subgraph node", frame.ParentNodeID)
		}
		parent := sg.mergeResult(frame.Parent, out, 0)
		out, err = r.loop(ctx, parentGraph, parent, frame.ParentNodeID, true, len(frames)-1-i)
	}
	r.emitRunOutcome(ctx, g, out, err)
	return out, err
}

// nextNode routes from current: a decision made at current wins, then the
// first matching guarded edge, then the default edge.
func (r *Runner) nextNode(g *Graph, current string, msg message.Message) (string, error) {
	if nodeID, _ := msg.Data[DataDecisionNodeID].(string); nodeID == current {
		if target, _ := msg.Data[DataDecisionTarget].(string); target != "" {
			return target, nil
		}
	}
	edges := g.Edges(current)
	var fallback *Edge
	for i := range edges {
		e := &edges[i]
		if e.Default {
			if fallback == nil {
				fallback = e
			}
			continue
		}
		if e.Guard == nil || e.Guard(msg) {
			return e.To, nil
		}
	}
	if fallback != nil {
		return fallback.To, nil
	}
	return "", spicerr.Newf(spicerr.KindRouting, spicerr.CodeRouting,
		"no outbound edge matches at node %s", current)
}

// fail transitions the message to FAILED and returns it with the causing
// error. A READY message is first lifted to RUNNING to keep history legal.
func (r *Runner) fail(msg message.Message, nodeID string, cause error) (message.Message, error) {
	if msg.State == message.StateReady {
		if running, err := msg.TransitionTo(message.StateRunning, "Node execution started", nodeID); err == nil {
			msg = running
		}
	}
	failed, err := msg.TransitionTo(message.StateFailed, cause.Error(), nodeID)
	if err != nil {
		return msg, cause
	}
	return failed, cause
}

func (r *Runner) nodePhase(msg message.Message) string {
	switch msg.State {
	case message.StateWaiting:
		return bus.PhasePaused
	case message.StateCompleted:
		return bus.PhaseCompleted
	default:
		return bus.PhaseCompleted
	}
}

// emitRunOutcome publishes the terminal graph lifecycle event for a run.
func (r *Runner) emitRunOutcome(ctx context.Context, g *Graph, out message.Message, err error) {
	ev := bus.GraphLifecycleEvent{
		GraphID: g.ID(), RunID: out.RunID, NodeID: out.NodeID, Timestamp: r.now().UTC(),
	}
	switch {
	case err != nil:
		ev.Phase = bus.PhaseFailed
		ev.Error = err.Error()
	case out.IsWaiting():
		ev.Phase = bus.PhasePaused
	case out.State == message.StateCompleted:
		ev.Phase = bus.PhaseCompleted
	default:
		return
	}
	r.events.GraphEvent(ctx, ev)
}

// emitWaitingToolCall publishes the tool-call event of a fresh HITL pause.
func (r *Runner) emitWaitingToolCall(ctx context.Context, msg message.Message) {
	for i := len(msg.ToolCalls) - 1; i >= 0; i-- {
		call := msg.ToolCalls[i]
		if call.Name == message.HITLRequestFunction {
			r.events.ToolEvent(ctx, bus.ToolCallEvent{
				RunID: msg.RunID, NodeID: msg.NodeID,
				ToolCallID: call.ID, ToolName: call.Name,
				Status: "waiting", Timestamp: r.now().UTC(),
			})
			return
		}
	}
}

// withFrames replaces the message's subgraph stack.
func withFrames(msg message.Message, frames []SubgraphFrame) message.Message {
	if len(frames) == 0 {
		return msg.WithoutMetadataKey(MetaSubgraphStack)
	}
	return msg.WithMetadataValue(MetaSubgraphStack, append([]SubgraphFrame(nil), frames...))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
