// Package middleware implements the pre/post/error hooks wrapped around every
// node execution. Middlewares compose into a Chain in insertion order; error
// hooks return an ErrorAction and the first non-propagate action wins.
package middleware

import (
	"context"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
)

type (
	// Middleware hooks into node execution. BeforeNode runs ahead of the
	// node, AfterNode on its result, and OnError when the node or a hook
	// fails. Implementations embed Passthrough to pick only the hooks they
	// need.
	Middleware interface {
		// BeforeNode may transform the message before the node runs. A
		// returned error is treated as a node failure.
		BeforeNode(ctx context.Context, msg message.Message) (message.Message, error)
		// AfterNode may transform the node's result.
		AfterNode(ctx context.Context, msg message.Message) (message.Message, error)
		// OnError decides how the runner reacts to a failure.
		OnError(ctx context.Context, msg message.Message, err error) ErrorAction
	}

	// ActionKind discriminates ErrorAction variants.
	ActionKind int

	// ErrorAction is the tagged decision of an error hook.
	ErrorAction struct {
		// Kind discriminates the variant.
		Kind ActionKind
		// Fallback is the substitute message when Kind is ActionFallback.
		Fallback message.Message
	}

	// Chain composes middlewares in insertion order.
	Chain struct {
		mws []Middleware
	}

	// Passthrough provides no-op implementations of all hooks for
	// embedding.
	Passthrough struct{}
)

const (
	// ActionPropagate lets the failure flow to the retry resolver.
	ActionPropagate ActionKind = iota
	// ActionSkip skips the node, preserving the prior message.
	ActionSkip
	// ActionRetry retries the node immediately.
	ActionRetry
	// ActionFallback substitutes a fallback message treated as success.
	ActionFallback
)

// Propagate builds the propagate action.
func Propagate() ErrorAction { return ErrorAction{Kind: ActionPropagate} }

// Skip builds the skip action.
func Skip() ErrorAction { return ErrorAction{Kind: ActionSkip} }

// Retry builds the retry action.
func Retry() ErrorAction { return ErrorAction{Kind: ActionRetry} }

// Fallback builds the fallback action carrying the substitute message.
func Fallback(msg message.Message) ErrorAction {
	return ErrorAction{Kind: ActionFallback, Fallback: msg}
}

// BeforeNode implements Middleware with a no-op.
func (Passthrough) BeforeNode(_ context.Context, msg message.Message) (message.Message, error) {
	return msg, nil
}

// AfterNode implements Middleware with a no-op.
func (Passthrough) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	return msg, nil
}

// OnError implements Middleware by propagating.
func (Passthrough) OnError(context.Context, message.Message, error) ErrorAction {
	return Propagate()
}

// NewChain composes the given middlewares in order.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{mws: append([]Middleware(nil), mws...)}
}

// Use appends a middleware to the chain.
func (c *Chain) Use(mw Middleware) {
	if mw != nil {
		c.mws = append(c.mws, mw)
	}
}

// BeforeNode runs every before hook in insertion order, threading the message
// through. The first error aborts the chain.
func (c *Chain) BeforeNode(ctx context.Context, msg message.Message) (message.Message, error) {
	var err error
	for _, mw := range c.mws {
		if msg, err = mw.BeforeNode(ctx, msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// AfterNode runs every after hook in insertion order.
func (c *Chain) AfterNode(ctx context.Context, msg message.Message) (message.Message, error) {
	var err error
	for _, mw := range c.mws {
		if msg, err = mw.AfterNode(ctx, msg); err != nil {
			return msg, err
		}
	}
	return msg, nil
}

// OnError consults every error hook in insertion order and returns the first
// non-propagate action.
func (c *Chain) OnError(ctx context.Context, msg message.Message, err error) ErrorAction {
	for _, mw := range c.mws {
		if action := mw.OnError(ctx, msg, err); action.Kind != ActionPropagate {
			return action
		}
	}
	return Propagate()
}
