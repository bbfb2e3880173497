// Package caselock serializes mutating operations per case ID.
package caselock

import (
	"context"
	"errors"
	"sync"
)

// ErrLocked is returned when another operation already holds the case.
var ErrLocked = errors.New("case has an operation in flight")

// Locker grants exclusive, non-blocking ownership of a case ID.
type Locker interface {
	// Acquire returns ErrLocked immediately when caseID is held elsewhere.
	// The returned release func is safe to call more than once.
	Acquire(ctx context.Context, caseID string) (release func(), err error)
}

// LocalLocker is an in-process keyed lock.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocalLocker constructs an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]struct{})}
}

func (l *LocalLocker) Acquire(ctx context.Context, caseID string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, busy := l.held[caseID]; busy {
		return nil, ErrLocked
	}
	l.held[caseID] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, caseID)
			l.mu.Unlock()
		})
	}, nil
}

// Held reports whether caseID is currently locked.
func (l *LocalLocker) Held(caseID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[caseID]
	return ok
}
