package realtime

import "sync"

// seenSet remembers the most recent frame ids so redelivered broker frames
// are dropped.
type seenSet struct {
	mu   sync.Mutex
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(size int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add reports whether id is new.
func (s *seenSet) add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}
