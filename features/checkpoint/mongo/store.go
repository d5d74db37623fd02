// Package mongo implements the distributed checkpoint store on MongoDB.
// Checkpoints survive process restarts and are shared across workers, so a
// run paused on one host can be resumed from another. Expired checkpoints
// are reaped by a TTL index and additionally filtered on read.
package mongo

import (
	"context"
	"encoding/json"
	"time"

	mongoclient "github.com/no-ai-labs/spice-sub013/features/checkpoint/mongo/clients/mongo"
	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint"
	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

// Store implements checkpoint.Store on MongoDB.
type Store struct {
	client mongoclient.Client
	now    func() time.Time
}

// NewStore constructs the store from a checkpoint client.
func NewStore(client mongoclient.Client) *Store {
	return &Store{client: client, now: time.Now}
}

// Save implements checkpoint.Store.
func (s *Store) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	if cp.ID == "" {
		return spicerr.New(spicerr.KindValidation, spicerr.CodeValidation,
			"checkpoint requires an id")
	}
	encoded, err := json.Marshal(cp.Message)
	if err != nil {
		return spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"encode checkpoint message")
	}
	doc := mongoclient.Document{
		CheckpointID:  cp.ID,
		RunID:         cp.RunID,
		GraphID:       cp.GraphID,
		CurrentNodeID: cp.CurrentNodeID,
		MessageJSON:   string(encoded),
		Timestamp:     cp.Timestamp.UTC(),
	}
	if !cp.ExpiresAt.IsZero() {
		at := cp.ExpiresAt.UTC()
		doc.ExpiresAt = &at
	}
	return s.client.Upsert(ctx, doc)
}

// Load implements checkpoint.Store. Expired checkpoints that the TTL index
// has not reaped yet are reported as not found.
func (s *Store) Load(ctx context.Context, id string) (checkpoint.Checkpoint, error) {
	doc, err := s.client.Load(ctx, id)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	cp, err := s.toCheckpoint(doc)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	if cp.Expired(s.now()) {
		return checkpoint.Checkpoint{}, checkpoint.NotFound(id)
	}
	return cp, nil
}

// ListByRun implements checkpoint.Store.
func (s *Store) ListByRun(ctx context.Context, runID string) ([]checkpoint.Checkpoint, error) {
	docs, err := s.client.ListByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	var out []checkpoint.Checkpoint
	for _, doc := range docs {
		cp, err := s.toCheckpoint(doc)
		if err != nil {
			return nil, err
		}
		if cp.Expired(now) {
			continue
		}
		out = append(out, cp)
	}
	return out, nil
}

// Delete implements checkpoint.Store.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.client.Delete(ctx, id)
}

func (s *Store) toCheckpoint(doc mongoclient.Document) (checkpoint.Checkpoint, error) {
	var msg message.Message
	if err := json.Unmarshal([]byte(doc.MessageJSON), &msg); err != nil {
		return checkpoint.Checkpoint{}, spicerr.Wrap(err, spicerr.KindSerialization, spicerr.CodeSerialization,
			"decode checkpoint message")
	}
	cp := checkpoint.Checkpoint{
		ID:            doc.CheckpointID,
		RunID:         doc.RunID,
		GraphID:       doc.GraphID,
		CurrentNodeID: doc.CurrentNodeID,
		Message:       msg,
		Timestamp:     doc.Timestamp,
	}
	if doc.ExpiresAt != nil {
		cp.ExpiresAt = *doc.ExpiresAt
	}
	return cp, nil
}
