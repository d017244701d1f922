package realtime

import "sync"

func orgRoom(id string) string     { return "org:" + id }
func userRoom(id string) string    { return "user:" + id }
func sessionRoom(id string) string { return sessionPrefix + id }

const sessionPrefix = "session:"

// rooms tracks local room membership. The empty room name addresses every
// client.
type rooms struct {
	mu      sync.RWMutex
	members map[string]map[*client]struct{}
	clients map[*client]struct{}
}

func newRooms() *rooms {
	return &rooms{
		members: make(map[string]map[*client]struct{}),
		clients: make(map[*client]struct{}),
	}
}

func (r *rooms) add(c *client) {
	r.mu.Lock()
	r.clients[c] = struct{}{}
	r.mu.Unlock()
}

// join reports whether membership changed.
func (r *rooms) join(c *client, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		set = make(map[*client]struct{})
		r.members[room] = set
	}
	if _, in := set[c]; in {
		return false
	}
	set[c] = struct{}{}
	return true
}

// leave reports whether membership changed and whether the room has no
// local members left.
func (r *rooms) leave(c *client, room string) (changed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.members[room]
	if !ok {
		return false, true
	}
	if _, in := set[c]; !in {
		return false, false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(r.members, room)
		return true, true
	}
	return true, false
}

// remove drops c from every room and returns the rooms it left empty.
func (r *rooms) remove(c *client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, c)
	var emptied []string
	for room, set := range r.members {
		if _, in := set[c]; !in {
			continue
		}
		delete(set, c)
		if len(set) == 0 {
			delete(r.members, room)
			emptied = append(emptied, room)
		}
	}
	return emptied
}

func (r *rooms) in(c *client, room string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][c]
	return ok
}

func (r *rooms) targets(room string) []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.clients
	if room != "" {
		set = r.members[room]
	}
	out := make([]*client, 0, len(set))
	for c := range set {
		out = append(out, c)
	}
	return out
}

func (r *rooms) all() []*client { return r.targets("") }
