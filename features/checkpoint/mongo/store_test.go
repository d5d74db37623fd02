package mongo

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mongoclient "github.com/no-ai-labs/spice-sub013/features/checkpoint/mongo/clients/mongo"
	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
)

// fakeClient keeps documents in memory behind the checkpoint client interface.
type fakeClient struct {
	docs map[string]mongoclient.Document
}

func newFakeClient() *fakeClient {
	return &fakeClient{docs: make(map[string]mongoclient.Document)}
}

func (c *fakeClient) Name() string               { return "fake" }
func (c *fakeClient) Ping(context.Context) error { return nil }

func (c *fakeClient) Upsert(_ context.Context, doc mongoclient.Document) error {
	c.docs[doc.CheckpointID] = doc
	return nil
}

func (c *fakeClient) Load(_ context.Context, id string) (mongoclient.Document, error) {
	doc, ok := c.docs[id]
	if !ok {
		return mongoclient.Document{}, checkpoint.NotFound(id)
	}
	return doc, nil
}

func (c *fakeClient) ListByRun(_ context.Context, runID string) ([]mongoclient.Document, error) {
	var out []mongoclient.Document
	for _, doc := range c.docs {
		if doc.RunID == runID {
			out = append(out, doc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (c *fakeClient) Delete(_ context.Context, id string) error {
	if _, ok := c.docs[id]; !ok {
		return checkpoint.NotFound(id)
	}
	delete(c.docs, id)
	return nil
}

func waitingMessage(t *testing.T) message.Message {
	t.Helper()
	msg := message.New("paused content", "tester").
		WithGraphContext("g", "review", "run-1").
		WithDataValue("draft", "v1")
	running, err := msg.TransitionTo(message.StateRunning, "start", "review")
	require.NoError(t, err)
	waiting, err := running.TransitionTo(message.StateWaiting, "await input", "review")
	require.NoError(t, err)
	return waiting
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store := NewStore(client)

	msg := waitingMessage(t)
	cp := checkpoint.Checkpoint{
		ID:            "cp:run-1:1",
		RunID:         "run-1",
		GraphID:       "g",
		CurrentNodeID: "review",
		Message:       msg,
		Timestamp:     time.Now().UTC(),
	}
	require.NoError(t, store.Save(ctx, cp))

	got, err := store.Load(ctx, cp.ID)
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)
	assert.Equal(t, "review", got.CurrentNodeID)
	assert.Equal(t, msg.ID, got.Message.ID)
	assert.Equal(t, message.StateWaiting, got.Message.State)
	assert.Equal(t, "v1", got.Message.Data["draft"])
	assert.Len(t, got.Message.StateHistory, 2)
}

func TestStoreSaveRequiresID(t *testing.T) {
	store := NewStore(newFakeClient())
	err := store.Save(context.Background(), checkpoint.Checkpoint{RunID: "r"})
	require.Error(t, err)
}

func TestStoreLoadMissing(t *testing.T) {
	store := NewStore(newFakeClient())
	_, err := store.Load(context.Background(), "cp:none:0")
	assert.True(t, checkpoint.IsNotFound(err))
}

func TestStoreFiltersExpired(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	store := NewStore(client)

	cp := checkpoint.Checkpoint{
		ID:        "cp:run-1:1",
		RunID:     "run-1",
		Message:   waitingMessage(t),
		Timestamp: time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Minute),
	}
	require.NoError(t, store.Save(ctx, cp))

	_, err := store.Load(ctx, cp.ID)
	require.NoError(t, err)

	store.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = store.Load(ctx, cp.ID)
	assert.True(t, checkpoint.IsNotFound(err))

	list, err := store.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestStoreListByRunOrdered(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeClient())
	base := time.Now().UTC()
	for i, id := range []string{"cp:run-1:3", "cp:run-1:1", "cp:run-1:2"} {
		require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{
			ID:        id,
			RunID:     "run-1",
			Message:   waitingMessage(t),
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.Save(ctx, checkpoint.Checkpoint{
		ID:        "cp:run-2:1",
		RunID:     "run-2",
		Message:   waitingMessage(t),
		Timestamp: base,
	}))

	list, err := store.ListByRun(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	for i := 1; i < len(list); i++ {
		assert.True(t, list[i].Timestamp.After(list[i-1].Timestamp))
	}
}

func TestStoreDelete(t *testing.T) {
	ctx := context.Background()
	store := NewStore(newFakeClient())
	cp := checkpoint.Checkpoint{ID: "cp:run-1:1", RunID: "run-1", Message: waitingMessage(t), Timestamp: time.Now()}
	require.NoError(t, store.Save(ctx, cp))
	require.NoError(t, store.Delete(ctx, cp.ID))
	assert.True(t, checkpoint.IsNotFound(store.Delete(ctx, cp.ID)))
}
