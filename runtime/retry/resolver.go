package retry

import (
	"sync"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type (
	// ResolverFunc is a caller-supplied policy resolver. It returns the
	// policy to apply and true, or false to defer to the next layer.
	ResolverFunc func(err error, nodeID string, msg message.Message) (Policy, bool)

	// Resolver picks a retry policy per (error, node, tenant). Resolution
	// order, first match wins:
	//
	//  1. Retry hint embedded in the error (skip or max-attempts override).
	//  2. Custom resolver funcs, in registration order.
	//  3. Policy registered for the error code.
	//  4. Policy registered for the node id.
	//  5. Policy registered for the message's tenantId metadata.
	//  6. The default policy.
	//
	// Registration methods are safe for concurrent use with Resolve.
	Resolver struct {
		mu       sync.RWMutex
		fallback Policy
		custom   []ResolverFunc
		byCode   map[string]Policy
		byNode   map[string]Policy
		byTenant map[string]Policy
	}
)

// NewResolver constructs a Resolver with the given default policy.
func NewResolver(fallback Policy) *Resolver {
	return &Resolver{
		fallback: fallback,
		byCode:   make(map[string]Policy),
		byNode:   make(map[string]Policy),
		byTenant: make(map[string]Policy),
	}
}

// RegisterResolver appends a custom resolver consulted after error hints.
func (r *Resolver) RegisterResolver(fn ResolverFunc) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.custom = append(r.custom, fn)
	r.mu.Unlock()
}

// RegisterCodePolicy maps an error code to a policy.
func (r *Resolver) RegisterCodePolicy(code string, p Policy) {
	r.mu.Lock()
	r.byCode[code] = p
	r.mu.Unlock()
}

// RegisterNodePolicy maps a node id to a policy.
func (r *Resolver) RegisterNodePolicy(nodeID string, p Policy) {
	r.mu.Lock()
	r.byNode[nodeID] = p
	r.mu.Unlock()
}

// RegisterTenantPolicy maps a tenant id to a policy.
func (r *Resolver) RegisterTenantPolicy(tenantID string, p Policy) {
	r.mu.Lock()
	r.byTenant[tenantID] = p
	r.mu.Unlock()
}

// Resolve picks the policy for the given failure following the documented
// resolution order.
func (r *Resolver) Resolve(err error, nodeID string, msg message.Message) Policy {
	if hint, ok := spicerr.HintOf(err); ok {
		if hint.SkipRetry {
			return NoRetry()
		}
		if hint.MaxAttempts > 0 {
			return r.defaultPolicy().WithMaxAttempts(hint.MaxAttempts)
		}
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, fn := range r.custom {
		if p, ok := fn(err, nodeID, msg); ok {
			return p
		}
	}
	if p, ok := r.byCode[spicerr.CodeOf(err)]; ok {
		return p
	}
	if p, ok := r.byNode[nodeID]; ok {
		return p
	}
	if tenant := msg.MetadataString("tenantId"); tenant != "" {
		if p, ok := r.byTenant[tenant]; ok {
			return p
		}
	}
	return r.fallback
}

func (r *Resolver) defaultPolicy() Policy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback
}
