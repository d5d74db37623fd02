package middleware

import (
	"context"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

type (
	// Transformer is a host-supplied context-injection hook (authentication,
	// tracing, subgraph context). Critical transformers halt execution on
	// failure; non-critical ones are logged and skipped.
	Transformer interface {
		// Name identifies the transformer in logs.
		Name() string
		// BeforeExecution runs ahead of the node.
		BeforeExecution(ctx context.Context, msg message.Message) (message.Message, error)
		// AfterExecution runs on the node's result.
		AfterExecution(ctx context.Context, msg message.Message) (message.Message, error)
		// ContinueOnFailure reports whether a transformer failure is
		// non-critical.
		ContinueOnFailure() bool
	}

	// TransformerAdapter lifts a Transformer into the middleware chain.
	TransformerAdapter struct {
		Passthrough
		transformer Transformer
		logger      telemetry.Logger
	}
)

// NewTransformerAdapter wraps a Transformer as a Middleware. A nil logger
// defaults to the clue-backed implementation.
func NewTransformerAdapter(t Transformer, logger telemetry.Logger) *TransformerAdapter {
	if logger == nil {
		logger = telemetry.NewLogger()
	}
	return &TransformerAdapter{transformer: t, logger: logger}
}

// BeforeNode applies BeforeExecution, honoring ContinueOnFailure.
func (a *TransformerAdapter) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	out, err := a.transformer.BeforeExecution(ctx, msg)
	return a.resolve(ctx, msg, out, err)
}

// AfterNode applies AfterExecution, honoring ContinueOnFailure.
func (a *TransformerAdapter) AfterNode(ctx context.Context, msg message.Message) (message.Message, error) {
	out, err := a.transformer.AfterExecution(ctx, msg)
	return a.resolve(ctx, msg, out, err)
}

func (a *TransformerAdapter) resolve(ctx context.Context, prev, out message.Message, err error) (message.Message, error) {
	if err == nil {
		return out, nil
	}
	if a.transformer.ContinueOnFailure() {
		a.logger.Warn(ctx, "message transformer failed, continuing",
			"transformer", a.transformer.Name(), "error", err.Error())
		return prev, nil
	}
	return prev, err
}
