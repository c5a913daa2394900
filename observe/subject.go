package observe

import (
	"sync"

	"github.com/samber/lo"
)

// Subject keeps functions to call when observed state changes. Zero value is ready to use.
type Subject struct {
	mu          sync.Mutex
	nextID      uint64
	subscribers map[uint64]func()
}

// Subscribe registers function called on every change. Returned function unsubscribes it.
func (s *Subject) Subscribe(fn func()) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.subscribers == nil {
		s.subscribers = map[uint64]func(){}
	}
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		delete(s.subscribers, id)
	}
}

// Notify calls all the subscribed functions synchronously.
func (s *Subject) Notify() {
	s.mu.Lock()
	subscribers := lo.Values(s.subscribers)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn()
	}
}
