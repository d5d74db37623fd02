package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type (
	// ResumeOptions controls checkpoint-driven resume behavior. Use the
	// preset constructors; the zero value is not meaningful.
	ResumeOptions struct {
		// ValidateExpiration enforces checkpoint and HITL deadlines.
		ValidateExpiration bool
		// AutoCleanup deletes the checkpoint after a terminal resume.
		AutoCleanup bool
		// ThrowOnError returns misuse as a Go error instead of folding it
		// into the report.
		ThrowOnError bool
		// Silent suppresses lifecycle events during the resumed run.
		Silent bool
		// MaxCheckpointAge rejects checkpoints older than this; zero
		// disables the age check.
		MaxCheckpointAge time.Duration
	}
)

// DefaultResumeOptions enforces expiration and cleans up after terminal
// resume.
func DefaultResumeOptions() ResumeOptions {
	return ResumeOptions{ValidateExpiration: true, AutoCleanup: true}
}

// SilentResumeOptions is DefaultResumeOptions without lifecycle events.
func SilentResumeOptions() ResumeOptions {
	opts := DefaultResumeOptions()
	opts.Silent = true
	return opts
}

// LenientResumeOptions is DefaultResumeOptions without expiration checks.
func LenientResumeOptions() ResumeOptions {
	opts := DefaultResumeOptions()
	opts.ValidateExpiration = false
	return opts
}

// RunWithCheckpoint executes the graph and, when the run pauses on human
// input, persists a checkpoint and reports the pending interactions. The
// returned report always carries one of SUCCESS, PAUSED, or FAILED.
func (r *Runner) RunWithCheckpoint(ctx context.Context, g *Graph, input message.Message, store checkpoint.Store) RunReport {
	out, err := r.Execute(ctx, g, input)
	if err != nil {
		return failureReport(out, err)
	}
	if out.IsWaiting() {
		return r.pause(ctx, out, store)
	}
	return successReport(out)
}

// ResumeWithHumanResponse loads the checkpoint, validates the response
// against the paused node's rules and deadline, merges it into the paused
// message, and resumes the run. response is either a plain string or a map
// such as {"selectedOption": "approve"} or {"user_response": "..."}.
//
// With ThrowOnError set, misuse (unknown checkpoint, expired checkpoint,
// rejected response) is returned as the error; otherwise it is folded into
// the report's Err and the error return is nil.
func (r *Runner) ResumeWithHumanResponse(ctx context.Context, g *Graph, checkpointID string, response any, store checkpoint.Store, opts ResumeOptions) (RunReport, error) {
	cp, err := store.Load(ctx, checkpointID)
	if err != nil {
		return r.misuse(message.Message{}, err, opts)
	}
	if opts.ValidateExpiration {
		if verr := r.checkExpiration(cp, opts); verr != nil {
			return r.misuse(cp.Message, verr, opts)
		}
	}
	if !cp.Message.IsWaiting() {
		return r.misuse(cp.Message, spicerr.Newf(spicerr.KindValidation, spicerr.CodeValidation,
			"checkpoint %s is not waiting (state %s)", cp.ID, cp.Message.State), opts)
	}

	data := normalizeResponse(response)
	text := ResponseText(data)
	if verr := r.validateResponse(g, cp, text, opts); verr != nil {
		return r.misuse(cp.Message, verr, opts)
	}

	merged := cp.Message.WithData(data).
		WithDataValue(dataHITLRespondedPrefix+cp.Message.NodeID, true)

	runner := r
	if opts.Silent {
		silenced := *r
		silenced.events = NopPublisher{}
		runner = &silenced
	}
	out, err := runner.Resume(ctx, g, merged)
	if err != nil {
		return failureReport(out, err), nil
	}
	if out.IsWaiting() {
		report := runner.pause(ctx, out, store)
		if opts.AutoCleanup {
			_ = store.Delete(ctx, cp.ID)
		}
		return report, nil
	}
	if opts.AutoCleanup {
		if derr := store.Delete(ctx, cp.ID); derr != nil && !checkpoint.IsNotFound(derr) {
			r.logger.Warn(ctx, "checkpoint cleanup failed", "checkpoint", cp.ID, "error", derr.Error())
		}
	}
	return successReport(out), nil
}

// PendingInteractions reports the human inputs a checkpointed run is waiting
// on.
func (r *Runner) PendingInteractions(ctx context.Context, checkpointID string, store checkpoint.Store) ([]HumanInteraction, error) {
	cp, err := store.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	return interactionsOf(cp.Message), nil
}

// pause persists the WAITING message as a checkpoint and builds the PAUSED
// report.
func (r *Runner) pause(ctx context.Context, out message.Message, store checkpoint.Store) RunReport {
	interactions := interactionsOf(out)
	cp := checkpoint.Checkpoint{
		ID:            fmt.Sprintf("cp:%s:%d", out.RunID, r.now().UnixNano()),
		RunID:         out.RunID,
		GraphID:       out.GraphID,
		CurrentNodeID: out.NodeID,
		Message:       out,
		Timestamp:     r.now().UTC(),
	}
	if len(interactions) > 0 && interactions[0].Timeout > 0 {
		deadline := interactions[0].RequestedAt.Add(interactions[0].Timeout)
		cp.ExpiresAt = deadline
	}
	if err := store.Save(ctx, cp); err != nil {
		return failureReport(out, spicerr.Wrap(err, spicerr.KindExecution, spicerr.CodeExecution,
			"persist checkpoint"))
	}
	r.logger.Info(ctx, "run paused on human input",
		"run", out.RunID, "node", out.NodeID, "checkpoint", cp.ID)
	return RunReport{
		Status:       StatusPaused,
		Message:      out,
		CheckpointID: cp.ID,
		Interactions: interactions,
	}
}

// checkExpiration enforces the checkpoint TTL, the max-age bound, and the
// HITL response deadline.
func (r *Runner) checkExpiration(cp checkpoint.Checkpoint, opts ResumeOptions) error {
	now := r.now()
	if cp.Expired(now) {
		return spicerr.Newf(spicerr.KindTimeout, spicerr.CodeCheckpointExpired,
			"timeout: checkpoint %s expired at %s", cp.ID, cp.ExpiresAt.Format(time.RFC3339))
	}
	if opts.MaxCheckpointAge > 0 && now.Sub(cp.Timestamp) > opts.MaxCheckpointAge {
		return spicerr.Newf(spicerr.KindTimeout, spicerr.CodeCheckpointExpired,
			"checkpoint %s exceeds max age %s", cp.ID, opts.MaxCheckpointAge)
	}
	for _, interaction := range interactionsOf(cp.Message) {
		if interaction.Timeout > 0 && now.After(interaction.RequestedAt.Add(interaction.Timeout)) {
			return spicerr.Newf(spicerr.KindTimeout, spicerr.CodeTimeout,
				"timeout: response deadline for node %s passed", interaction.NodeID)
		}
	}
	return nil
}

// validateResponse applies the declarative rules captured at pause time and
// the node's custom validator, when the node is reachable in the graph chain.
func (r *Runner) validateResponse(g *Graph, cp checkpoint.Checkpoint, text string, _ ResumeOptions) error {
	for _, interaction := range interactionsOf(cp.Message) {
		if interaction.Rules != nil {
			if err := interaction.Rules.Validate(text); err != nil {
				return err
			}
		}
	}
	if node := findHumanInputNode(g, cp.Message); node != nil {
		if err := node.ValidateResponse(text); err != nil {
			return err
		}
	}
	return nil
}

// findHumanInputNode locates the paused node, descending through subgraph
// frames when the pause happened inside a nested run.
func findHumanInputNode(g *Graph, msg message.Message) *HumanInputNode {
	frames := framesOf(msg)
	cur := g
	for i := len(frames) - 1; i >= 0; i-- {
		node, ok := cur.Node(frames[i].ParentNodeID)
		if !ok {
			return nil
		}
		sg, ok := node.(*SubgraphNode)
		if !ok {
			return nil
		}
		cur = sg.Child()
	}
	node, ok := cur.Node(msg.NodeID)
	if !ok {
		return nil
	}
	hn, _ := node.(*HumanInputNode)
	return hn
}

// misuse folds a resume-time failure into the report, or raises it when
// ThrowOnError is set.
func (r *Runner) misuse(msg message.Message, err error, opts ResumeOptions) (RunReport, error) {
	if opts.ThrowOnError {
		return failureReport(msg, err), err
	}
	return failureReport(msg, err), nil
}

// normalizeResponse converts the caller's response into mergeable data. A
// plain string becomes {"user_response": s}.
func normalizeResponse(response any) map[string]any {
	switch v := response.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[k] = val
		}
		return out
	case string:
		return map[string]any{"user_response": v}
	case nil:
		return map[string]any{}
	default:
		return map[string]any{"user_response": fmt.Sprint(v)}
	}
}

// ResponseText extracts the human's answer from normalized response data,
// checking selectedOption, user_response, then text.
func ResponseText(data map[string]any) string {
	for _, key := range []string{"selectedOption", "user_response", "text"} {
		if s, ok := data[key].(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
