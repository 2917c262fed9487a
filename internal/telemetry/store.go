package telemetry

import (
	"sync"
	"sync/atomic"
)

// Store holds the published snapshot. Readers never block the publisher
// and never see a partial update.
type Store struct {
	current  atomic.Pointer[Snapshot]
	mu       sync.Mutex
	watchers []func(prev, next Snapshot)
}

// NewStore returns a store holding a disconnected snapshot
func NewStore() *Store {
	s := &Store{}
	initial := disconnectedSnapshot()
	s.current.Store(&initial)
	return s
}

// Load returns a copy of the current snapshot
func (s *Store) Load() Snapshot {
	return s.current.Load().Clone()
}

// Publish replaces the current snapshot and notifies watchers in
// publication order.
func (s *Store) Publish(next Snapshot) {
	s.PublishIf(next, nil)
}

// PublishIf publishes next only if ok, evaluated under the publication
// lock, still holds. A nil ok always holds.
func (s *Store) PublishIf(next Snapshot, ok func() bool) bool {
	next = next.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()

	if ok != nil && !ok() {
		return false
	}

	prev := s.current.Swap(&next)
	for _, fn := range s.watchers {
		fn(prev.Clone(), next.Clone())
	}

	return true
}

// Watch registers fn to run after every publication. It must return
// quickly.
func (s *Store) Watch(fn func(prev, next Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, fn)
}
