package signaling

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type peer struct {
	id string

	mu  sync.Mutex
	got map[string][]any
}

func newPeer(id string) *peer { return &peer{id: id, got: map[string][]any{}} }

func (p *peer) ID() string { return p.id }

func (p *peer) Send(event string, payload any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got[event] = append(p.got[event], payload)
	return true
}

func (p *peer) events(name string) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.got[name]...)
}

func TestScopedJoinListsPeersInOrder(t *testing.T) {
	r := NewRelay(zerolog.Nop())
	a, b, c := newPeer("a"), newPeer("b"), newPeer("c")

	joined, ok := r.Session(a, "layer-1").JoinRoom("layer-1")
	require.True(t, ok)
	require.Empty(t, joined.Peers)
	_, ok = r.Session(b, "layer-1").JoinRoom("layer-1")
	require.True(t, ok)

	joined, ok = r.Session(c, "layer-1").JoinRoom("layer-1")
	require.True(t, ok)
	require.Equal(t, Joined{Room: "layer-1", Peers: []string{"a", "b"}}, joined)
	require.Empty(t, a.events(EventJoined))
}

func TestScopedJoinOutsideScopeIgnored(t *testing.T) {
	r := NewRelay(zerolog.Nop())
	a := newPeer("a")
	_, ok := r.Session(a, "layer-1").JoinRoom("layer-2")
	require.False(t, ok)
	require.Empty(t, r.hub.Rooms("a"))
}

func TestSignalStampsSenderAndRequiresSharedRoom(t *testing.T) {
	r := NewRelay(zerolog.Nop())
	a, b, stranger := newPeer("a"), newPeer("b"), newPeer("s")
	sa := r.Session(a, "room")
	sa.JoinRoom("room")
	r.Session(b, "room").JoinRoom("room")
	r.Session(stranger, "other").JoinRoom("other")

	payload := json.RawMessage(`{"sdp":"offer","from":"forged"}`)
	require.True(t, sa.Signal("b", payload))
	require.Equal(t, []any{Signal{From: "a", Payload: payload}}, b.events(EventSignal))

	require.False(t, sa.Signal("s", payload))
	require.Empty(t, stranger.events(EventSignal))
	require.False(t, sa.Signal("nobody", payload))
}

func TestCloseNotifiesRemainingMembers(t *testing.T) {
	r := NewRelay(zerolog.Nop())
	a, b, c := newPeer("a"), newPeer("b"), newPeer("c")
	sa := r.Session(a, "")
	sa.JoinRoom("one")
	sa.JoinRoom("two")
	r.Session(b, "").JoinRoom("one")
	r.Session(c, "").JoinRoom("two")

	sa.Close()
	require.Equal(t, []any{Left{Room: "one", PeerID: "a"}}, b.events(EventLeft))
	require.Equal(t, []any{Left{Room: "two", PeerID: "a"}}, c.events(EventLeft))
	require.Empty(t, a.events(EventLeft))
}

func TestAwarenessGlobalOnly(t *testing.T) {
	r := NewRelay(zerolog.Nop())
	a, b, c := newPeer("a"), newPeer("b"), newPeer("c")
	sa := r.Session(a, "")
	sa.JoinRoom("doc")
	r.Session(b, "").JoinRoom("doc")
	r.Session(c, "").JoinRoom("elsewhere")

	payload := json.RawMessage(`{"cursor":[1,2]}`)
	require.Equal(t, 1, sa.Awareness("doc", payload))
	require.Equal(t, []any{Awareness{Room: "doc", From: "a", Payload: payload}}, b.events(EventAwareness))
	require.Empty(t, a.events(EventAwareness))
	require.Empty(t, c.events(EventAwareness))

	require.Equal(t, 0, sa.Awareness("elsewhere", payload))

	scoped := r.Session(newPeer("d"), "doc")
	scoped.JoinRoom("doc")
	require.Equal(t, 0, scoped.Awareness("doc", payload))
}
