package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/no-ai-labs/spice-sub013/runtime/hitl"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type publishCall struct {
	stream  string
	event   string
	payload []byte
}

type fakeClient struct {
	calls  []publishCall
	err    error
	closed bool
}

func (c *fakeClient) Publish(_ context.Context, stream, event string, payload []byte) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.calls = append(c.calls, publishCall{stream: stream, event: event, payload: payload})
	return "1-0", nil
}

func (c *fakeClient) Close(context.Context) error {
	c.closed = true
	return nil
}

func TestEmitRequestPublishesToRunStream(t *testing.T) {
	client := &fakeClient{}
	emitter := NewEmitter(client)

	md := hitl.Metadata{
		Type:        hitl.TypeInput,
		Prompt:      "Approve?",
		RunID:       "run-1",
		NodeID:      "review",
		ToolCallID:  "hitl_run-1_review",
		RequestedAt: time.Now().UTC(),
	}
	require.NoError(t, emitter.EmitRequest(context.Background(), md))

	require.Len(t, client.calls, 1)
	call := client.calls[0]
	assert.Equal(t, "hitl:run-1", call.stream)
	assert.Equal(t, EventRequest, call.event)

	var decoded hitl.Metadata
	require.NoError(t, json.Unmarshal(call.payload, &decoded))
	assert.Equal(t, md.ToolCallID, decoded.ToolCallID)
	assert.Equal(t, md.Prompt, decoded.Prompt)
}

func TestEmitRequestRequiresRunID(t *testing.T) {
	emitter := NewEmitter(&fakeClient{})
	err := emitter.EmitRequest(context.Background(), hitl.Metadata{NodeID: "review"})
	require.Error(t, err)
	assert.Equal(t, spicerr.CodeValidation, spicerr.CodeOf(err))
}

func TestEmitRequestWrapsPublishFailure(t *testing.T) {
	emitter := NewEmitter(&fakeClient{err: errors.New("connection refused")})
	err := emitter.EmitRequest(context.Background(), hitl.Metadata{RunID: "run-1", NodeID: "review"})
	require.Error(t, err)
	assert.Equal(t, spicerr.CodeNetworkError, spicerr.CodeOf(err))
}

func TestStreamPrefixOverride(t *testing.T) {
	client := &fakeClient{}
	emitter := NewEmitter(client, WithStreamPrefix("approvals"))
	require.NoError(t, emitter.EmitRequest(context.Background(), hitl.Metadata{RunID: "run-9", NodeID: "n"}))
	require.Len(t, client.calls, 1)
	assert.Equal(t, "approvals:run-9", client.calls[0].stream)
}

func TestCloseDelegates(t *testing.T) {
	client := &fakeClient{}
	emitter := NewEmitter(client)
	require.NoError(t, emitter.Close(context.Background()))
	assert.True(t, client.closed)
}
