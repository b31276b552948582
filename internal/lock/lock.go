// Package lock provides the scope-keyed advisory lock service serializing
// mutating sequences against the document store. The store offers no
// transactions, so check-then-write sequences must be exclusive per scope.
package lock

import (
	"context"
	"fmt"
	"sync"
)

// Key identifies one advisory lock: a lock category plus the cell/node
// portion of the data scope.
type Key struct {
	Category string
	Cell     string
	Node     string
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s", k.Category, k.Cell, k.Node)
}

// CategoryOData is the lock category used for entity and link mutations.
const CategoryOData = "odata"

// Service acquires and releases advisory locks. Acquire blocks until the
// lock is held or the context is done; the returned release func must be
// called exactly once on every exit path.
type Service interface {
	Acquire(ctx context.Context, key Key) (release func(), err error)
}

// InProcess is the default Service: one mutex per key within the current
// process. A distributed deployment substitutes its own implementation.
type InProcess struct {
	mu    sync.Mutex
	locks map[Key]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

// NewInProcess returns an empty in-process lock service.
func NewInProcess() *InProcess {
	return &InProcess{locks: map[Key]*entry{}}
}

// Acquire takes the lock for the key, waiting for the current holder if
// necessary. Entries are reference counted and dropped when unused.
func (s *InProcess) Acquire(ctx context.Context, key Key) (func(), error) {
	s.mu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		s.put(key, e)
		return nil, fmt.Errorf("lock: acquire '%s' canceled: %w", key, ctx.Err())
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			<-e.sem
			s.put(key, e)
		})
	}
	return release, nil
}

func (s *InProcess) put(key Key, e *entry) {
	s.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
	s.mu.Unlock()
}
