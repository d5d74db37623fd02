package bus

import (
	"context"
	"sync"
	"time"
)

type (
	// DeadLetter is an envelope that could not be delivered, together with
	// the rejection reason and cause.
	DeadLetter struct {
		// Envelope is the undeliverable wire record.
		Envelope Envelope
		// Reason describes why delivery failed.
		Reason string
		// Cause is the underlying error text, if any.
		Cause string
		// At records when the envelope was dead-lettered (UTC).
		At time.Time
	}

	// DeadLetterQueue receives envelopes that failed deserialization or
	// violated a policy. The original stream entry is still acknowledged so
	// it is not redelivered infinitely.
	DeadLetterQueue interface {
		// Send appends the envelope with the failure reason.
		Send(ctx context.Context, env Envelope, reason string, cause error) error
		// Size returns the number of dead letters held.
		Size() int
	}

	// InMemoryDLQ holds dead letters in memory for inspection. Thread-safe.
	InMemoryDLQ struct {
		mu      sync.RWMutex
		entries []DeadLetter
	}
)

// NewInMemoryDLQ constructs an empty in-memory dead-letter queue.
func NewInMemoryDLQ() *InMemoryDLQ {
	return &InMemoryDLQ{}
}

// Send implements DeadLetterQueue.
func (q *InMemoryDLQ) Send(_ context.Context, env Envelope, reason string, cause error) error {
	entry := DeadLetter{Envelope: env, Reason: reason, At: time.Now().UTC()}
	if cause != nil {
		entry.Cause = cause.Error()
	}
	q.mu.Lock()
	q.entries = append(q.entries, entry)
	q.mu.Unlock()
	return nil
}

// Size implements DeadLetterQueue.
func (q *InMemoryDLQ) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.entries)
}

// Entries returns a snapshot of the dead letters in arrival order.
func (q *InMemoryDLQ) Entries() []DeadLetter {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]DeadLetter(nil), q.entries...)
}
