package room

import (
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type delivery struct {
	event   string
	payload any
}

type fakeMember struct {
	id   string
	full bool

	mu  sync.Mutex
	got []delivery
}

func (m *fakeMember) ID() string { return m.id }

func (m *fakeMember) Send(event string, payload any) bool {
	if m.full {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, delivery{event: event, payload: payload})
	return true
}

func (m *fakeMember) events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.got))
	for _, d := range m.got {
		out = append(out, d.event)
	}
	return out
}

func TestJoinOrderAndPeers(t *testing.T) {
	h := NewHub()
	a, b, c := &fakeMember{id: "a"}, &fakeMember{id: "b"}, &fakeMember{id: "c"}
	require.True(t, h.Join("r", b))
	require.True(t, h.Join("r", a))
	require.True(t, h.Join("r", c))
	require.False(t, h.Join("r", a))

	require.Equal(t, []string{"b", "c"}, h.Peers("r", "a"))
	require.Equal(t, []string{"b", "a", "c"}, h.Peers("r", ""))
	require.Equal(t, 3, h.Size("r"))
	require.Empty(t, h.Peers("missing", ""))
}

func TestBroadcastExcept(t *testing.T) {
	h := NewHub()
	a, b, full := &fakeMember{id: "a"}, &fakeMember{id: "b"}, &fakeMember{id: "x", full: true}
	h.Join("r", a)
	h.Join("r", b)
	h.Join("r", full)

	require.Equal(t, 1, h.BroadcastExcept("r", "a", "page-created", 1))
	require.Empty(t, a.events())
	require.Equal(t, []string{"page-created"}, b.events())

	require.Equal(t, 2, h.Broadcast("r", "page-deleted", 2))
	require.Equal(t, 0, h.Broadcast("nobody", "x", nil))
}

func TestLeaveAllAndShared(t *testing.T) {
	h := NewHub()
	a, b := &fakeMember{id: "a"}, &fakeMember{id: "b"}
	h.Join("one", a)
	h.Join("two", a)
	h.Join("two", b)

	room, ok := h.Shared("a", "b")
	require.True(t, ok)
	require.Equal(t, "two", room)

	left := h.LeaveAll("a")
	sort.Strings(left)
	require.Equal(t, []string{"one", "two"}, left)
	require.Empty(t, h.Rooms("a"))
	require.Equal(t, 0, h.Size("one"))
	require.False(t, h.IsMember("two", "a"))
	require.True(t, h.IsMember("two", "b"))

	_, ok = h.Shared("a", "b")
	require.False(t, ok)
	require.False(t, h.Leave("two", "a"))
}
