// Package checkpoint defines the durable snapshot persisted when a run pauses
// on human input, together with the Store contract implemented by in-memory
// and distributed backends.
package checkpoint

import (
	"context"
	"errors"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/message"
	"github.com/no-ai-labs/spice-sub013/runtime/spicerr"
)

type (
	// Checkpoint is a paused run: the WAITING message plus the node it
	// paused at. Checkpoints are keyed by ID and indexed by RunID.
	Checkpoint struct {
		// ID uniquely identifies the checkpoint ("cp:{runId}:{nanos}").
		ID string `json:"id" bson:"checkpoint_id"`
		// RunID identifies the paused run.
		RunID string `json:"run_id" bson:"run_id"`
		// GraphID identifies the graph the run executes.
		GraphID string `json:"graph_id" bson:"graph_id"`
		// CurrentNodeID is the node the run paused at.
		CurrentNodeID string `json:"current_node_id" bson:"current_node_id"`
		// Message is the WAITING envelope to resume from.
		Message message.Message `json:"message" bson:"-"`
		// Timestamp records when the checkpoint was taken (UTC).
		Timestamp time.Time `json:"timestamp" bson:"timestamp"`
		// ExpiresAt is an optional deadline past which resume is refused.
		// Zero means no expiry.
		ExpiresAt time.Time `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	}

	// Store persists checkpoints. Implementations must provide atomic
	// save/delete per key and read-your-write visibility within a single
	// caller. Save overwrites by id.
	Store interface {
		// Save persists the checkpoint, overwriting any previous version
		// with the same id.
		Save(ctx context.Context, cp Checkpoint) error
		// Load retrieves a checkpoint by id. Returns a not-found error
		// (IsNotFound) when absent or expired.
		Load(ctx context.Context, id string) (Checkpoint, error)
		// ListByRun returns all live checkpoints of a run ordered by
		// timestamp ascending.
		ListByRun(ctx context.Context, runID string) ([]Checkpoint, error)
		// Delete removes a checkpoint by id. Returns a not-found error
		// when absent.
		Delete(ctx context.Context, id string) error
	}
)

// Expired reports whether the checkpoint TTL elapsed at the given instant.
func (c Checkpoint) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// NotFound builds the typed error returned when a checkpoint id is unknown.
func NotFound(id string) error {
	return spicerr.Newf(spicerr.KindValidation, spicerr.CodeCheckpointNotFound,
		"checkpoint %s not found", id)
}

// IsNotFound reports whether err is a checkpoint not-found error.
func IsNotFound(err error) bool {
	var se *spicerr.Error
	return errors.As(err, &se) && se.Code == spicerr.CodeCheckpointNotFound
}
