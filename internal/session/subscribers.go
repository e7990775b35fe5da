package session

import (
	"sync"

	"github.com/rs/zerolog"
)

// subscribers fans snapshots out to watchers. A slow watcher misses
// intermediate snapshots instead of blocking the session.
type subscribers struct {
	mu      sync.RWMutex
	next    int
	clients map[int]chan Snapshot
	logger  zerolog.Logger
}

func newSubscribers(logger zerolog.Logger) *subscribers {
	return &subscribers{clients: make(map[int]chan Snapshot), logger: logger}
}

func (s *subscribers) register(buffer int) (int, <-chan Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	ch := make(chan Snapshot, buffer)
	s.clients[s.next] = ch
	return s.next, ch
}

func (s *subscribers) unregister(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.clients[id]; ok {
		delete(s.clients, id)
		close(ch)
	}
}

func (s *subscribers) broadcast(snapshot Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for id, ch := range s.clients {
		select {
		case ch <- snapshot:
		default:
			s.logger.Debug().Int("subscriber", id).Msg("drop snapshot for slow subscriber")
		}
	}
}

func (s *subscribers) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, ch := range s.clients {
		delete(s.clients, id)
		close(ch)
	}
}
