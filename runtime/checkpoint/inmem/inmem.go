// Package inmem provides an in-memory checkpoint.Store for tests and local
// development. Checkpoints are held in a map keyed by id with a secondary
// index by run id and do not survive process restarts. Production deployments
// should use a durable backend such as features/checkpoint/mongo.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/no-ai-labs/spice-sub013/runtime/checkpoint"
)

// Store implements checkpoint.Store in memory. All operations are thread-safe
// via sync.RWMutex. Expired checkpoints are dropped lazily on Load and
// ListByRun.
type Store struct {
	mu    sync.RWMutex
	byID  map[string]checkpoint.Checkpoint
	byRun map[string][]string
	now   func() time.Time
}

// New constructs an empty Store ready for immediate use.
func New() *Store {
	return &Store{
		byID:  make(map[string]checkpoint.Checkpoint),
		byRun: make(map[string][]string),
		now:   time.Now,
	}
}

// Save persists the checkpoint, overwriting any previous version by id.
func (s *Store) Save(_ context.Context, cp Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[cp.ID]; !exists {
		s.byRun[cp.RunID] = append(s.byRun[cp.RunID], cp.ID)
	}
	s.byID[cp.ID] = cp
	return nil
}

// Load retrieves a checkpoint by id, dropping it when its TTL elapsed.
func (s *Store) Load(_ context.Context, id string) (Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return Checkpoint{}, checkpoint.NotFound(id)
	}
	if cp.Expired(s.now()) {
		s.removeLocked(cp)
		return Checkpoint{}, checkpoint.NotFound(id)
	}
	return cp, nil
}

// ListByRun returns all live checkpoints of a run ordered by timestamp
// ascending.
func (s *Store) ListByRun(_ context.Context, runID string) ([]Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := s.byRun[runID]
	out := make([]Checkpoint, 0, len(ids))
	now := s.now()
	for _, id := range ids {
		cp, ok := s.byID[id]
		if !ok {
			continue
		}
		if cp.Expired(now) {
			s.removeLocked(cp)
			continue
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Delete removes a checkpoint by id.
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return checkpoint.NotFound(id)
	}
	s.removeLocked(cp)
	return nil
}

// removeLocked deletes the checkpoint from both indexes. Callers hold mu.
func (s *Store) removeLocked(cp Checkpoint) {
	delete(s.byID, cp.ID)
	ids := s.byRun[cp.RunID]
	for i, id := range ids {
		if id == cp.ID {
			s.byRun[cp.RunID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(s.byRun[cp.RunID]) == 0 {
		delete(s.byRun, cp.RunID)
	}
}

// Checkpoint aliases checkpoint.Checkpoint for brevity in this package.
type Checkpoint = checkpoint.Checkpoint
