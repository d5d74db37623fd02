// Command demo runs a small approval workflow end to end: a drafting agent
// produces content, a human-input node pauses the run on a checkpoint, and a
// simulated reviewer approves the draft to complete it. Lifecycle events flow
// through the in-memory bus and are printed as they arrive.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"goa.design/clue/log"

	"github.com/no-ai-labs/spice-sub013/bus"
	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint/inmem"
	"github.com/no-ai-labs/spice-sub013/runtime/graph"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

// drafter is a toy agent that turns the request into a draft announcement.
type drafter struct{}

func (drafter) ID() string             { return "demo.drafter" }
func (drafter) Name() string           { return "Drafter" }
func (drafter) Capabilities() []string { return []string{"draft"} }

func (drafter) ProcessMessage(_ context.Context, msg message.Message) (message.Message, error) {
	draft := "DRAFT: " + msg.Content
	return msg.WithDataValue("draft", draft).WithContent(draft), nil
}

// publisher is a toy agent that marks the approved draft as published.
type publisher struct{}

func (publisher) ID() string             { return "demo.publisher" }
func (publisher) Name() string           { return "Publisher" }
func (publisher) Capabilities() []string { return []string{"publish"} }

func (publisher) ProcessMessage(_ context.Context, msg message.Message) (message.Message, error) {
	draft, _ := msg.Data["draft"].(string)
	published := strings.Replace(draft, "DRAFT:", "PUBLISHED:", 1)
	return msg.WithDataValue("published", published).WithContent(published), nil
}

func main() {
	ctx := log.Context(context.Background(), log.WithFormat(log.FormatTerminal))
	logger := telemetry.NewLogger()

	b := bus.New(bus.WithLogger(logger))
	if err := bus.RegisterStandardChannels(ctx, b); err != nil {
		fail(ctx, err)
	}
	events, stop, err := b.Subscribe(ctx, bus.ChannelGraphLifecycle, "demo", nil)
	if err != nil {
		fail(ctx, err)
	}
	defer stop()
	go func() {
		for ev := range events {
			if lc, ok := ev.Event.(bus.GraphLifecycleEvent); ok {
				fmt.Printf("event: %s run=%s\n", lc.Phase, lc.RunID)
			}
		}
	}()

	g, err := graph.NewBuilder("announcement-approval").
		AddNode(graph.NewAgentNode("draft", drafter{})).
		AddNode(graph.NewHumanInputNode("review", "Approve this announcement?",
			graph.WithOptions("approve", "reject"),
			graph.WithTimeout(time.Hour),
		)).
		AddNode(graph.NewAgentNode("publish", publisher{})).
		Entry("draft").
		Edge("draft", "review").
		GuardedEdge("review", "publish", func(msg message.Message) bool {
			return graph.ResponseText(msg.Data) == "approve"
		}).
		DefaultEdge("review", "draft").
		Build()
	if err != nil {
		fail(ctx, err)
	}

	runner := graph.NewRunner(
		graph.WithEvents(graph.NewBusPublisher(b, logger)),
		graph.WithLogger(logger),
	)
	store := inmem.New()

	input := message.New("Spice 1.0 is generally available.", "demo-user")
	report := runner.RunWithCheckpoint(ctx, g, input, store)
	if report.Status != graph.StatusPaused {
		fail(ctx, fmt.Errorf("expected a paused run, got %s: %v", report.Status, report.Err))
	}
	for _, it := range report.Interactions {
		fmt.Printf("pending: %s (options: %s)\n", it.Prompt, strings.Join(it.Options, ", "))
	}

	// A reviewer would answer out of band; the demo approves immediately.
	report, err = runner.ResumeWithHumanResponse(ctx, g, report.CheckpointID,
		map[string]any{"selectedOption": "approve"}, store, graph.DefaultResumeOptions())
	if err != nil {
		fail(ctx, err)
	}
	if report.Status != graph.StatusSuccess {
		fail(ctx, fmt.Errorf("run did not complete: %v", report.Err))
	}
	fmt.Println("final:", report.Message.Content)

	if err := b.Close(ctx); err != nil {
		fail(ctx, err)
	}
}

func fail(ctx context.Context, err error) {
	log.Error(ctx, err)
	os.Exit(1)
}
