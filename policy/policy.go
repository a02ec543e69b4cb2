// Package policy defines how a batch reacts to a per-item failure.
//
// A batch exports many runs and copies many files. Each item either
// succeeds or fails; the policy decides whether a failure aborts the batch
// (strict) or is recorded while the batch carries on (collect).
package policy

import "sync"

// Policy decides the fate of a failed item.
type Policy interface {
	// Handle is called once per failed item. A non-nil return aborts the
	// batch and must be returned by the caller unmodified.
	Handle(id string, err error) error

	// Failures returns the IDs recorded so far, in the order they failed.
	// The slice is never nil.
	Failures() []string

	// Name returns "strict" or "collect".
	Name() string
}

// New returns the strict policy when strict is set, otherwise a collecting
// policy.
func New(strict bool) Policy {
	if strict {
		return NewStrictPolicy()
	}
	return NewCollectPolicy()
}

// failureLog is a thread-safe ordered list of failed IDs.
type failureLog struct {
	mu  sync.Mutex
	ids []string
}

func (l *failureLog) record(id string) {
	l.mu.Lock()
	l.ids = append(l.ids, id)
	l.mu.Unlock()
}

func (l *failureLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.ids))
	copy(out, l.ids)
	return out
}
