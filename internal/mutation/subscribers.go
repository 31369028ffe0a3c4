package mutation

import (
	"sync"

	"github.com/indexpilot/indexpilot/internal/domain"
)

// subscribers fans appended mutations out to event-stream listeners.
type subscribers struct {
	mu     sync.Mutex
	nextID int
	chans  map[int]chan domain.Mutation
}

func newSubscribers() *subscribers {
	return &subscribers{chans: make(map[int]chan domain.Mutation)}
}

func (s *subscribers) subscribe() (<-chan domain.Mutation, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan domain.Mutation, 16)
	s.chans[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if c, ok := s.chans[id]; ok {
			delete(s.chans, id)
			close(c)
		}
	}
	return ch, cancel
}

func (s *subscribers) publish(m domain.Mutation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.chans {
		select {
		case ch <- m:
		default:
			// Listener is slow; drop rather than block the writer.
		}
	}
}
