package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
	"github.com/no-ai-labs/spice-sub013/runtime/telemetry"
)

// Metrics records per-node execution durations and per-error-kind counters
// without affecting the flow. Durations are keyed by (message id, node id) so
// concurrent runs do not interleave.
type Metrics struct {
	Passthrough
	recorder telemetry.Metrics
	mu       sync.Mutex
	started  map[string]time.Time
}

// NewMetrics constructs the metrics middleware. A nil recorder defaults to
// the OTel-backed implementation.
func NewMetrics(recorder telemetry.Metrics) *Metrics {
	if recorder == nil {
		recorder = telemetry.NewMetrics()
	}
	return &Metrics{recorder: recorder, started: make(map[string]time.Time)}
}

// BeforeNode records the node start time.
func (m *Metrics) BeforeNode(_ context.Context, msg message.Message) (message.Message, error) {
	m.mu.Lock()
	m.started[msg.ID+"/"+msg.NodeID] = time.Now()
	m.mu.Unlock()
	return msg, nil
}

// AfterNode records the node duration histogram.
func (m *Metrics) AfterNode(_ context.Context, msg message.Message) (message.Message, error) {
	key := msg.ID + "/" + msg.NodeID
	m.mu.Lock()
	start, ok := m.started[key]
	delete(m.started, key)
	m.mu.Unlock()
	if ok {
		m.recorder.RecordTimer("spice.node.duration", time.Since(start),
			"graph", msg.GraphID, "node", msg.NodeID)
	}
	return msg, nil
}

// OnError counts the failure by error kind and propagates.
func (m *Metrics) OnError(_ context.Context, msg message.Message, err error) ErrorAction {
	m.recorder.IncCounter("spice.node.errors", 1,
		"graph", msg.GraphID, "node", msg.NodeID,
		"kind", string(spicerr.KindOf(err)), "code", spicerr.CodeOf(err))
	return Propagate()
}
