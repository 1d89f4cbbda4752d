// Package room tracks which connections belong to which named broadcast
// scopes.
package room

import (
	"sync"
)

// Member is a connection that can receive events. Send must not block; it
// reports false when the event could not be queued.
type Member interface {
	ID() string
	Send(event string, payload any) bool
}

type room struct {
	order   []string
	members map[string]Member
}

type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]*room
	joined map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		rooms:  map[string]*room{},
		joined: map[string]map[string]struct{}{},
	}
}

// Join adds m to name. It reports false when m was already a member.
func (h *Hub) Join(name string, m Member) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[name]
	if !ok {
		r = &room{members: map[string]Member{}}
		h.rooms[name] = r
	}
	id := m.ID()
	if _, exists := r.members[id]; exists {
		return false
	}
	r.members[id] = m
	r.order = append(r.order, id)
	if h.joined[id] == nil {
		h.joined[id] = map[string]struct{}{}
	}
	h.joined[id][name] = struct{}{}
	return true
}

// Leave removes memberID from name and reports whether it was a member.
func (h *Hub) Leave(name, memberID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(name, memberID)
}

// LeaveAll removes memberID from every room and returns the rooms it left.
func (h *Hub) LeaveAll(memberID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	names := make([]string, 0, len(h.joined[memberID]))
	for name := range h.joined[memberID] {
		names = append(names, name)
	}
	for _, name := range names {
		h.leaveLocked(name, memberID)
	}
	return names
}

func (h *Hub) leaveLocked(name, memberID string) bool {
	r, ok := h.rooms[name]
	if !ok {
		return false
	}
	if _, ok := r.members[memberID]; !ok {
		return false
	}
	delete(r.members, memberID)
	for i, id := range r.order {
		if id == memberID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	if len(r.members) == 0 {
		delete(h.rooms, name)
	}
	if set := h.joined[memberID]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(h.joined, memberID)
		}
	}
	return true
}

// Broadcast sends to every member of name and returns how many accepted it.
func (h *Hub) Broadcast(name, event string, payload any) int {
	return h.BroadcastExcept(name, "", event, payload)
}

// BroadcastExcept sends to every member of name other than exceptID.
func (h *Hub) BroadcastExcept(name, exceptID, event string, payload any) int {
	targets := h.snapshot(name, exceptID)
	delivered := 0
	for _, m := range targets {
		if m.Send(event, payload) {
			delivered++
		}
	}
	return delivered
}

func (h *Hub) snapshot(name, exceptID string) []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[name]
	if !ok {
		return nil
	}
	out := make([]Member, 0, len(r.order))
	for _, id := range r.order {
		if id == exceptID {
			continue
		}
		out = append(out, r.members[id])
	}
	return out
}

// Peers lists member ids of name in join order, omitting exceptID.
func (h *Hub) Peers(name, exceptID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0)
	r, ok := h.rooms[name]
	if !ok {
		return out
	}
	for _, id := range r.order {
		if id != exceptID {
			out = append(out, id)
		}
	}
	return out
}

func (h *Hub) Member(name, memberID string) (Member, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[name]
	if !ok {
		return nil, false
	}
	m, ok := r.members[memberID]
	return m, ok
}

func (h *Hub) IsMember(name, memberID string) bool {
	_, ok := h.Member(name, memberID)
	return ok
}

// Rooms returns the names memberID has joined.
func (h *Hub) Rooms(memberID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.joined[memberID]))
	for name := range h.joined[memberID] {
		out = append(out, name)
	}
	return out
}

// Shared returns a room both members belong to, preferring the first one
// found, and reports whether any exists.
func (h *Hub) Shared(a, b string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name := range h.joined[a] {
		if _, ok := h.joined[b][name]; ok {
			return name, true
		}
	}
	return "", false
}

func (h *Hub) Size(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if r, ok := h.rooms[name]; ok {
		return len(r.members)
	}
	return 0
}
