package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-ai-labs/spice-sub013/bus"
	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint/inmem"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type stubAgent struct {
	id string
	fn func(ctx context.Context, msg message.Message) (message.Message, error)
}

func (a *stubAgent) ID() string              { return a.id }
func (a *stubAgent) Name() string            { return a.id }
func (a *stubAgent) Capabilities() []string  { return nil }
func (a *stubAgent) ProcessMessage(ctx context.Context, msg message.Message) (message.Message, error) {
	return a.fn(ctx, msg)
}

type stubEngine struct {
	name   string
	result string
	err    error
}

func (e *stubEngine) Name() string { return e.name }
func (e *stubEngine) Decide(context.Context, message.Message) (string, error) {
	return e.result, e.err
}

type capturePublisher struct {
	mu          sync.Mutex
	graphEvents []bus.GraphLifecycleEvent
	nodeEvents  []bus.NodeLifecycleEvent
	toolEvents  []bus.ToolCallEvent
}

func (p *capturePublisher) GraphEvent(_ context.Context, ev bus.GraphLifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.graphEvents = append(p.graphEvents, ev)
}

func (p *capturePublisher) NodeEvent(_ context.Context, ev bus.NodeLifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nodeEvents = append(p.nodeEvents, ev)
}

func (p *capturePublisher) ToolEvent(_ context.Context, ev bus.ToolCallEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toolEvents = append(p.toolEvents, ev)
}

func (p *capturePublisher) graphPhases() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	phases := make([]string, len(p.graphEvents))
	for i, ev := range p.graphEvents {
		phases[i] = ev.Phase
	}
	return phases
}

// approvalGraph models a draft/review/publish workflow: an agent drafts
// content, a human approves or rejects it, and an output node reports the
// outcome.
func approvalGraph(t *testing.T, hitlOpts ...HumanInputOption) *Graph {
	t.Helper()
	draft := NewAgentNode("draft", &stubAgent{id: "writer", fn: func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.Reply("Draft ready", "writer").WithDataValue("draft", "v1"), nil
	}})
	opts := append([]HumanInputOption{WithOptions("approve", "reject")}, hitlOpts...)
	review := NewHumanInputNode("review", "Approve this draft?", opts...)
	publish := NewOutputNode("publish", func(msg message.Message) any {
		return "published: " + fmt.Sprint(msg.Data["draft"])
	})
	rejected := NewOutputNode("rejected", func(message.Message) any {
		return "Draft was rejected by human reviewer"
	})
	g, err := NewBuilder("approval").
		AddNode(draft).
		AddNode(review).
		AddNode(publish).
		AddNode(rejected).
		Edge("draft", "review").
		GuardedEdge("review", "publish", func(msg message.Message) bool {
			return ResponseText(msg.Data) == "approve"
		}).
		DefaultEdge("review", "rejected").
		Build()
	require.NoError(t, err)
	return g
}

func TestApprovalFlowPausesAndResumes(t *testing.T) {
	ctx := context.Background()
	g := approvalGraph(t)
	store := inmem.New()
	r := NewRunner()

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post about Go", "user"), store)
	require.Equal(t, StatusPaused, report.Status)
	require.NotEmpty(t, report.CheckpointID)
	assert.True(t, strings.HasPrefix(report.CheckpointID, "cp:"))
	require.Len(t, report.Interactions, 1)
	interaction := report.Interactions[0]
	assert.Equal(t, "review", interaction.NodeID)
	assert.Equal(t, "Approve this draft?", interaction.Prompt)
	assert.Equal(t, []string{"approve", "reject"}, interaction.Options)
	assert.True(t, strings.HasPrefix(interaction.ToolCallID, "hitl_"))
	assert.Equal(t, message.StateWaiting, report.Message.State)

	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resumed.Status)
	assert.Equal(t, "published: v1", resumed.Message.Data[DataOutput])
	assert.Equal(t, message.StateCompleted, resumed.Message.State)

	// AutoCleanup removed the consumed checkpoint.
	_, err = store.Load(ctx, report.CheckpointID)
	assert.Error(t, err)
}

func TestRejectionRoutesToDefaultEdge(t *testing.T) {
	ctx := context.Background()
	g := approvalGraph(t)
	store := inmem.New()
	r := NewRunner()

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID, "reject", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resumed.Status)
	assert.Equal(t, "Draft was rejected by human reviewer", resumed.Message.Data[DataOutput])
}

func TestFreeTextResponseMergesAsUserResponse(t *testing.T) {
	ctx := context.Background()
	ask := NewHumanInputNode("ask", "What should the post cover?")
	out := NewOutputNode("done", func(msg message.Message) any {
		return "User said: " + fmt.Sprint(msg.Data["user_response"])
	})
	g, err := NewBuilder("interview").
		AddNode(ask).
		AddNode(out).
		Edge("ask", "done").
		Build()
	require.NoError(t, err)

	store := inmem.New()
	r := NewRunner()
	report := r.RunWithCheckpoint(ctx, g, message.New("start", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		"cover generics and iterators", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resumed.Status)
	assert.Equal(t, "User said: cover generics and iterators", resumed.Message.Data[DataOutput])
}

func TestResumeAfterDeadlineFailsWithTimeout(t *testing.T) {
	ctx := context.Background()
	g := approvalGraph(t, WithTimeout(time.Second))
	store := inmem.New()
	r := NewRunner()

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post", "user"), store)
	require.Equal(t, StatusPaused, report.Status)
	require.Len(t, report.Interactions, 1)
	assert.Equal(t, time.Second, report.Interactions[0].Timeout)

	// The response arrives after the one second deadline.
	r.now = func() time.Time { return time.Now().Add(1100 * time.Millisecond) }
	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID, "approve", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, resumed.Status)
	require.Error(t, resumed.Err)
	assert.Contains(t, resumed.Err.Error(), "timeout")
}

func TestLenientResumeSkipsExpiration(t *testing.T) {
	ctx := context.Background()
	g := approvalGraph(t, WithTimeout(time.Minute))
	store := inmem.New()
	r := NewRunner()

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	r.now = func() time.Time { return time.Now().Add(time.Hour) }
	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID, "approve", store, LenientResumeOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, resumed.Status)
}

func TestValidatorRejectsThenAccepts(t *testing.T) {
	ctx := context.Background()
	ask := NewHumanInputNode("feedback", "Describe the issue",
		WithValidator(func(text string) error {
			if len(text) < 10 {
				return errors.New("response must be at least 10 characters")
			}
			return nil
		}))
	out := NewOutputNode("done", func(msg message.Message) any { return msg.Data["user_response"] })
	g, err := NewBuilder("feedback-flow").
		AddNode(ask).
		AddNode(out).
		Edge("feedback", "done").
		Build()
	require.NoError(t, err)

	store := inmem.New()
	r := NewRunner()
	report := r.RunWithCheckpoint(ctx, g, message.New("start", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	rejected, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID, "short", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, rejected.Status)
	require.Error(t, rejected.Err)
	assert.Contains(t, rejected.Err.Error(), "validation")

	// The checkpoint survives a rejected response.
	_, err = store.Load(ctx, report.CheckpointID)
	require.NoError(t, err)

	accepted, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		"the page crashes on submit", store, DefaultResumeOptions())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, accepted.Status)
}

func TestDecisionRoutesMappedResult(t *testing.T) {
	ctx := context.Background()
	engine := &stubEngine{name: "classifier", result: "YES"}
	decide := NewDecisionNode("decide", engine, map[string]string{"YES": "yes-out", "NO": "no-out"}, "")
	yes := NewOutputNode("yes-out", func(message.Message) any { return "YES_RESULT" })
	no := NewOutputNode("no-out", func(message.Message) any { return "NO_RESULT" })
	g, err := NewBuilder("triage").
		AddNode(decide).
		AddNode(yes).
		AddNode(no).
		Build()
	require.NoError(t, err)

	out, err := NewRunner().Execute(ctx, g, message.New("is this spam?", "user"))
	require.NoError(t, err)
	assert.Equal(t, "YES_RESULT", out.Data[DataOutput])
	assert.Equal(t, "YES", out.Data[DataDecisionResult])
	assert.Equal(t, "classifier", out.Data[DataDecisionEngine])
}

func TestDecisionWithoutMappingFailsWithResult(t *testing.T) {
	ctx := context.Background()
	engine := &stubEngine{name: "classifier", result: "UNCERTAIN"}
	decide := NewDecisionNode("decide", engine, map[string]string{"YES": "yes-out"}, "")
	yes := NewOutputNode("yes-out", nil)
	g, err := NewBuilder("triage").
		AddNode(decide).
		AddNode(yes).
		Build()
	require.NoError(t, err)

	out, err := NewRunner().Execute(ctx, g, message.New("x", "user"))
	require.Error(t, err)
	assert.Equal(t, spicerr.CodeRouting, spicerr.CodeOf(err))
	assert.Contains(t, err.Error(), "UNCERTAIN")
	assert.Equal(t, message.StateFailed, out.State)
}

func TestDecisionFallbackTarget(t *testing.T) {
	ctx := context.Background()
	engine := &stubEngine{name: "classifier", result: "UNCERTAIN"}
	decide := NewDecisionNode("decide", engine, map[string]string{"YES": "yes-out"}, "manual")
	yes := NewOutputNode("yes-out", nil)
	manual := NewOutputNode("manual", func(message.Message) any { return "escalated" })
	g, err := NewBuilder("triage").
		AddNode(decide).
		AddNode(yes).
		AddNode(manual).
		Build()
	require.NoError(t, err)

	out, err := NewRunner().Execute(ctx, g, message.New("x", "user"))
	require.NoError(t, err)
	assert.Equal(t, "escalated", out.Data[DataOutput])
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	flaky := NewAgentNode("flaky", &stubAgent{id: "flaky", fn: func(_ context.Context, msg message.Message) (message.Message, error) {
		attempts++
		if attempts < 3 {
			return message.Message{}, spicerr.New(spicerr.KindNetwork, spicerr.CodeNetworkError, "connection reset")
		}
		return msg.Reply("recovered", "flaky"), nil
	}})
	out := NewOutputNode("done", nil)
	g, err := NewBuilder("flaky-flow").
		AddNode(flaky).
		AddNode(out).
		Edge("flaky", "done").
		Build()
	require.NoError(t, err)

	var waits []time.Duration
	r := NewRunner()
	r.sleep = func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}

	result, err := r.Execute(ctx, g, message.New("go", "user"))
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
	assert.Len(t, waits, 2)
	assert.Equal(t, message.StateCompleted, result.State)

	completed, failed := 0, 0
	for _, tr := range result.StateHistory {
		switch tr.To {
		case message.StateCompleted:
			completed++
		case message.StateFailed:
			failed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, 0, failed)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	attempts := 0
	bad := NewAgentNode("bad", &stubAgent{id: "bad", fn: func(context.Context, message.Message) (message.Message, error) {
		attempts++
		return message.Message{}, spicerr.New(spicerr.KindValidation, spicerr.CodeValidation, "malformed input")
	}})
	g, err := NewBuilder("bad-flow").AddNode(bad).Build()
	require.NoError(t, err)

	_, err = NewRunner().Execute(ctx, g, message.New("go", "user"))
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func nestedGraphs(t *testing.T) *Graph {
	t.Helper()
	leafAsk := NewHumanInputNode("leaf-ask", "Approve the leaf step?")
	leafOut := NewOutputNode("leaf-out", func(msg message.Message) any { return msg.Data["user_response"] })
	leaf, err := NewBuilder("leaf").
		AddNode(leafAsk).
		AddNode(leafOut).
		Edge("leaf-ask", "leaf-out").
		Build()
	require.NoError(t, err)

	midCall := NewSubgraphNode("leaf-call", leaf)
	midOut := NewOutputNode("mid-out", func(msg message.Message) any { return msg.Data[DataOutput] })
	mid, err := NewBuilder("mid").
		AddNode(midCall).
		AddNode(midOut).
		Edge("leaf-call", "mid-out").
		Build()
	require.NoError(t, err)

	rootCall := NewSubgraphNode("mid-call", mid)
	rootOut := NewOutputNode("root-out", func(msg message.Message) any { return msg.Data[DataOutput] })
	root, err := NewBuilder("root").
		AddNode(rootCall).
		AddNode(rootOut).
		Edge("mid-call", "root-out").
		Build()
	require.NoError(t, err)
	return root
}

func TestNestedSubgraphPauseRecordsFrames(t *testing.T) {
	ctx := context.Background()
	root := nestedGraphs(t)
	store := inmem.New()
	r := NewRunner()

	report := r.RunWithCheckpoint(ctx, root, message.New("start", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	frames := framesOf(report.Message)
	require.Len(t, frames, 2)
	assert.Equal(t, "leaf-call", frames[0].ParentNodeID)
	assert.Equal(t, "mid", frames[0].ParentGraphID)
	assert.Equal(t, "mid-call", frames[1].ParentNodeID)
	assert.Equal(t, "root", frames[1].ParentGraphID)

	rootRun := frames[1].ParentRunID
	assert.Equal(t, rootRun+":subgraph:mid:subgraph:leaf", report.Message.RunID)

	resumed, err := r.ResumeWithHumanResponse(ctx, root, report.CheckpointID, "looks good", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resumed.Status)
	assert.Equal(t, "looks good", resumed.Message.Data[DataOutput])
	assert.Equal(t, rootRun, resumed.Message.RunID)
	assert.NotContains(t, resumed.Message.Metadata, MetaSubgraphStack)
	assert.Equal(t, "mid", resumed.Message.Data[DataLastSubgraphID])
}

func TestSubgraphCompletionMergesOutput(t *testing.T) {
	ctx := context.Background()
	childOut := NewOutputNode("child-out", func(message.Message) any { return "child-result" })
	child, err := NewBuilder("child").AddNode(childOut).Build()
	require.NoError(t, err)

	call := NewSubgraphNode("child-call", child, WithOutputMapping(map[string]string{DataOutput: "childOutput"}))
	rootOut := NewOutputNode("root-out", func(msg message.Message) any { return msg.Data["childOutput"] })
	root, err := NewBuilder("parent").
		AddNode(call).
		AddNode(rootOut).
		Edge("child-call", "root-out").
		Build()
	require.NoError(t, err)

	out, err := NewRunner().Execute(ctx, root, message.New("start", "user"))
	require.NoError(t, err)
	assert.Equal(t, "child-result", out.Data[DataOutput])
	assert.Equal(t, "child", out.Data[DataLastSubgraphID])
}

func TestSubgraphDepthBound(t *testing.T) {
	ctx := context.Background()
	leafOut := NewOutputNode("leaf-out", nil)
	leaf, err := NewBuilder("leaf").AddNode(leafOut).Build()
	require.NoError(t, err)

	call := NewSubgraphNode("call", leaf, WithMaxDepth(0))
	root, err := NewBuilder("root").AddNode(call).Build()
	require.NoError(t, err)

	_, err = NewRunner().Execute(ctx, root, message.New("start", "user"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max depth")
}

func TestSubgraphRunDirectlyIsAnError(t *testing.T) {
	child, err := NewBuilder("child").AddNode(NewOutputNode("out", nil)).Build()
	require.NoError(t, err)
	n := NewSubgraphNode("call", child)
	_, err = n.Run(context.Background(), message.New("x", "t"))
	require.Error(t, err)
}

func TestRunnerEmitsLifecycleEvents(t *testing.T) {
	ctx := context.Background()
	events := &capturePublisher{}
	g := approvalGraph(t)
	store := inmem.New()
	r := NewRunner(WithEvents(events))

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	phases := events.graphPhases()
	require.Len(t, phases, 2)
	assert.Equal(t, bus.PhaseStarted, phases[0])
	assert.Equal(t, bus.PhasePaused, phases[1])

	require.NotEmpty(t, events.toolEvents)
	assert.Equal(t, "waiting", events.toolEvents[0].Status)
	assert.True(t, strings.HasPrefix(events.toolEvents[0].ToolCallID, "hitl_"))

	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID, "approve", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resumed.Status)
	phases = events.graphPhases()
	assert.Equal(t, bus.PhaseCompleted, phases[len(phases)-1])
}

func TestSilentResumeSuppressesEvents(t *testing.T) {
	ctx := context.Background()
	events := &capturePublisher{}
	g := approvalGraph(t)
	store := inmem.New()
	r := NewRunner(WithEvents(events))

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post", "user"), store)
	require.Equal(t, StatusPaused, report.Status)
	before := len(events.graphPhases())

	resumed, err := r.ResumeWithHumanResponse(ctx, g, report.CheckpointID, "approve", store, SilentResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, resumed.Status)
	assert.Len(t, events.graphPhases(), before)
}

func TestResumeUnknownCheckpoint(t *testing.T) {
	ctx := context.Background()
	g := approvalGraph(t)
	store := inmem.New()
	r := NewRunner()

	report, err := r.ResumeWithHumanResponse(ctx, g, "cp:missing:0", "approve", store, DefaultResumeOptions())
	require.NoError(t, err)
	require.Equal(t, StatusFailed, report.Status)
	require.Error(t, report.Err)

	strict := DefaultResumeOptions()
	strict.ThrowOnError = true
	_, err = r.ResumeWithHumanResponse(ctx, g, "cp:missing:0", "approve", store, strict)
	require.Error(t, err)
}

func TestPendingInteractions(t *testing.T) {
	ctx := context.Background()
	g := approvalGraph(t)
	store := inmem.New()
	r := NewRunner()

	report := r.RunWithCheckpoint(ctx, g, message.New("Write a post", "user"), store)
	require.Equal(t, StatusPaused, report.Status)

	interactions, err := r.PendingInteractions(ctx, report.CheckpointID, store)
	require.NoError(t, err)
	require.Len(t, interactions, 1)
	assert.Equal(t, "Approve this draft?", interactions[0].Prompt)
	assert.Equal(t, []string{"approve", "reject"}, interactions[0].Options)
}

func TestMaxStepsBound(t *testing.T) {
	ctx := context.Background()
	ping := NewAgentNode("ping", &stubAgent{id: "ping", fn: func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.Reply("pong", "ping"), nil
	}})
	pong := NewAgentNode("pong", &stubAgent{id: "pong", fn: func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.Reply("ping", "pong"), nil
	}})
	g, err := NewBuilder("cycle").
		AddNode(ping).
		AddNode(pong).
		Edge("ping", "pong").
		Edge("pong", "ping").
		Build()
	require.NoError(t, err)

	_, err = NewRunner(WithMaxSteps(5)).Execute(ctx, g, message.New("go", "user"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "node executions")
}

func TestNoMatchingEdgeFailsRouting(t *testing.T) {
	ctx := context.Background()
	a := NewAgentNode("a", &stubAgent{id: "a", fn: func(_ context.Context, msg message.Message) (message.Message, error) {
		return msg.Reply("done", "a"), nil
	}})
	b := NewOutputNode("b", nil)
	g, err := NewBuilder("dead-end").
		AddNode(a).
		AddNode(b).
		GuardedEdge("a", "b", func(message.Message) bool { return false }).
		Build()
	require.NoError(t, err)

	out, err := NewRunner().Execute(ctx, g, message.New("go", "user"))
	require.Error(t, err)
	assert.Equal(t, spicerr.CodeRouting, spicerr.CodeOf(err))
	assert.Equal(t, message.StateFailed, out.State)
}

func TestExecuteRejectsTerminalMessage(t *testing.T) {
	g := approvalGraph(t)
	msg := message.New("x", "user")
	running, err := msg.TransitionTo(message.StateRunning, "start", "n")
	require.NoError(t, err)
	done, err := running.TransitionTo(message.StateCompleted, "done", "n")
	require.NoError(t, err)

	_, err = NewRunner().Execute(context.Background(), g, done)
	require.Error(t, err)
}

func TestBuilderValidation(t *testing.T) {
	_, err := NewBuilder("empty").Build()
	require.Error(t, err)

	_, err = NewBuilder("dup").
		AddNode(NewOutputNode("a", nil)).
		AddNode(NewOutputNode("a", nil)).
		Build()
	require.Error(t, err)

	_, err = NewBuilder("bad-entry").
		AddNode(NewOutputNode("a", nil)).
		Entry("missing").
		Build()
	require.Error(t, err)

	_, err = NewBuilder("bad-edge").
		AddNode(NewOutputNode("a", nil)).
		Edge("a", "missing").
		Build()
	require.Error(t, err)
}

func TestResponseText(t *testing.T) {
	assert.Equal(t, "approve", ResponseText(map[string]any{"selectedOption": "approve"}))
	assert.Equal(t, "hi", ResponseText(map[string]any{"user_response": "hi"}))
	assert.Equal(t, "txt", ResponseText(map[string]any{"text": "txt"}))
	assert.Equal(t, "a", ResponseText(map[string]any{"selectedOption": "a", "user_response": "b"}))
	assert.Equal(t, "", ResponseText(map[string]any{"user_response": "   "}))
}
