// Package core provides the in-memory notification attempt log.
package core

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// AttemptLog is an append-only record of notification attempts with a
// published marker used to forward new rows to operators.
type AttemptLog struct {
	mu       sync.Mutex
	entries  []*attemptEntry
	index    map[string]*attemptEntry
	capacity int

	// cursor is the position of the oldest unpublished entry.
	cursor int
}

type attemptEntry struct {
	attempt   NotificationAttempt
	published bool
}

// NewAttemptLog constructs a log that keeps at most capacity rows.
// Once full, the oldest published rows are discarded first.
func NewAttemptLog(capacity int) *AttemptLog {
	if capacity <= 0 {
		capacity = 10000
	}
	return &AttemptLog{capacity: capacity, index: make(map[string]*attemptEntry)}
}

// Append records attempt and returns its id.
func (l *AttemptLog) Append(ctx context.Context, attempt NotificationAttempt) (string, error) {
	if l == nil {
		return "", errors.New("attempt log is nil")
	}
	if attempt.ID == "" {
		attempt.ID = uuid.NewString()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry := &attemptEntry{attempt: attempt}
	l.entries = append(l.entries, entry)
	l.index[attempt.ID] = entry
	l.trim()
	return attempt.ID, nil
}

// List returns up to limit of the most recent attempts, oldest first.
func (l *AttemptLog) List(limit int) []NotificationAttempt {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	start := 0
	if limit > 0 && len(l.entries) > limit {
		start = len(l.entries) - limit
	}
	out := make([]NotificationAttempt, 0, len(l.entries)-start)
	for _, entry := range l.entries[start:] {
		out = append(out, entry.attempt)
	}
	return out
}

// Len returns the number of retained attempts.
func (l *AttemptLog) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// FetchUnpublished returns the oldest attempts not yet forwarded.
func (l *AttemptLog) FetchUnpublished(ctx context.Context, limit int) ([]NotificationAttempt, error) {
	if l == nil {
		return nil, errors.New("attempt log is nil")
	}
	if limit <= 0 {
		return []NotificationAttempt{}, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	rows := make([]NotificationAttempt, 0, limit)
	for _, entry := range l.entries[l.cursor:] {
		if entry.published {
			continue
		}
		rows = append(rows, entry.attempt)
		if len(rows) >= limit {
			break
		}
	}
	return rows, nil
}

// MarkPublished flags an attempt as forwarded.
func (l *AttemptLog) MarkPublished(ctx context.Context, id string) error {
	if l == nil {
		return errors.New("attempt log is nil")
	}
	if id == "" {
		return errors.New("id is required")
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	entry, ok := l.index[id]
	if !ok {
		return Wrap(CodeNotFound, "attempt not found", nil)
	}
	entry.published = true
	l.advance()
	return nil
}

// advance must be called with l.mu held.
func (l *AttemptLog) advance() {
	for l.cursor < len(l.entries) && l.entries[l.cursor].published {
		l.cursor++
	}
}

// trim must be called with l.mu held. It cuts back to three quarters of
// capacity so a saturated log does not copy on every append.
func (l *AttemptLog) trim() {
	if len(l.entries) <= l.capacity {
		return
	}
	excess := len(l.entries) - (l.capacity - l.capacity/4)
	kept := make([]*attemptEntry, 0, l.capacity)
	for _, entry := range l.entries {
		if excess > 0 && entry.published {
			excess--
			delete(l.index, entry.attempt.ID)
			continue
		}
		kept = append(kept, entry)
	}
	if excess > 0 {
		for _, entry := range kept[:excess] {
			delete(l.index, entry.attempt.ID)
		}
		kept = append(kept[:0], kept[excess:]...)
	}
	l.entries = kept
	l.cursor = 0
	l.advance()
}
